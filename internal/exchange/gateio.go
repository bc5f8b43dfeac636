package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"candlegate/internal/model"
	"candlegate/internal/restpool"
)

// gateio uses per-market WebSocket hosts. Coin-margined streams embed the
// settle currency in the URL, resolved from the symbol prefix, so a session
// can only carry symbols sharing one settle currency.
type gateio struct {
	contractType string
}

const (
	gateioSpotStreamURL = "wss://api.gateio.ws/ws/v4/"
	gateioUMStreamURL   = "wss://fx-ws.gateio.ws/v4/ws/usdt"
	gateioCMStreamURL   = "wss://fx-ws.gateio.ws/v4/ws/{settle}"

	gateioSpotKlinesURL = "https://api.gateio.ws/api/v4/spot/candlesticks"
	gateioUMKlinesURL   = "https://api.gateio.ws/api/v4/futures/usdt/candlesticks"
	gateioCMKlinesURL   = "https://api.gateio.ws/api/v4/futures/{settle}/candlesticks"
)

func newGateio(contractType string) Connector {
	return &gateio{contractType: contractType}
}

func (g *gateio) Exchange() string          { return "gateio" }
func (g *gateio) ContractType() string      { return g.contractType }
func (g *gateio) SupportsIncremental() bool { return true }

func (g *gateio) channel() string {
	if g.contractType == "spot" {
		return "spot.candlesticks"
	}
	return "futures.candlesticks"
}

func (g *gateio) ValidateSymbol(symbol string) error {
	if !symbolCharsetOK(symbol) {
		return invalidSymbol("gateio", g.contractType, symbol, "bad characters or length")
	}
	if !strings.Contains(symbol, "_") {
		return invalidSymbol("gateio", g.contractType, symbol, "pairs are underscore-separated")
	}
	if g.contractType == "cm" && gateioSettle(symbol) == "" {
		return invalidSymbol("gateio", g.contractType, symbol, "cannot derive settle currency")
	}
	return nil
}

// gateioSettle derives the settle currency for coin-margined streams from
// the symbol prefix (BTC_USD settles in btc).
func gateioSettle(symbol string) string {
	i := strings.IndexByte(symbol, '_')
	if i <= 0 {
		return ""
	}
	return strings.ToLower(symbol[:i])
}

func (g *gateio) DialURL(symbols []string) (string, error) {
	switch g.contractType {
	case "spot":
		return gateioSpotStreamURL, nil
	case "um":
		return gateioUMStreamURL, nil
	case "cm":
		settles := map[string]bool{}
		for _, s := range symbols {
			if settle := gateioSettle(s); settle != "" {
				settles[settle] = true
			}
		}
		if len(settles) != 1 {
			return "", fmt.Errorf("gateio: coin-margined session needs exactly one settle currency, got %d", len(settles))
		}
		for settle := range settles {
			return strings.Replace(gateioCMStreamURL, "{settle}", settle, 1), nil
		}
	}
	return "", fmt.Errorf("gateio: no stream host for contract type %q", g.contractType)
}

func (g *gateio) SubscribePayloads(symbols []string) ([][]byte, error) {
	payloads := make([][]byte, 0, len(symbols))
	for _, symbol := range symbols {
		payload, err := json.Marshal(map[string]any{
			"time":    time.Now().Unix(),
			"channel": g.channel(),
			"event":   "subscribe",
			"payload": []string{"1m", symbol},
		})
		if err != nil {
			return nil, err
		}
		payloads = append(payloads, payload)
	}
	return payloads, nil
}

type gateioEntry struct {
	T            any    `json:"t"`
	Open         string `json:"o"`
	High         string `json:"h"`
	Low          string `json:"l"`
	Close        string `json:"c"`
	BaseVolume   any    `json:"a"`
	Volume       any    `json:"v"`
	Trades       any    `json:"q"`
	WindowClosed bool   `json:"w"`
	CurrencyPair string `json:"currency_pair"`
	Contract     string `json:"contract"`
	Name         string `json:"n"`
}

type gateioFrame struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Result json.RawMessage `json:"result"`
}

func (g *gateio) ParseFrame(frame []byte) (*ParseResult, error) {
	var msg gateioFrame
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, fmt.Errorf("gateio: decode frame: %w", err)
	}

	switch msg.Event {
	case "subscribe", "unsubscribe":
		if msg.Error != nil {
			return nil, &model.FeedError{
				Code:            model.ErrWSSubscribeRejected,
				Message:         fmt.Sprintf("gateio rejected subscription (code %d)", msg.Error.Code),
				Exchange:        "gateio",
				ContractType:    g.contractType,
				ExchangeMessage: msg.Error.Message,
			}
		}
		return &ParseResult{}, nil
	case "ping":
		reply, err := json.Marshal(map[string]any{
			"time":    time.Now().Unix(),
			"channel": msg.Channel,
			"event":   "pong",
		})
		if err != nil {
			return nil, err
		}
		return &ParseResult{Reply: reply}, nil
	case "update":
	default:
		return &ParseResult{}, nil
	}
	if len(msg.Result) == 0 {
		return &ParseResult{}, nil
	}

	// Spot sends a single entry object, futures an array of them.
	var entries []gateioEntry
	if msg.Result[0] == '[' {
		if err := json.Unmarshal(msg.Result, &entries); err != nil {
			return nil, fmt.Errorf("gateio: decode result list: %w", err)
		}
	} else {
		var one gateioEntry
		if err := json.Unmarshal(msg.Result, &one); err != nil {
			return nil, fmt.Errorf("gateio: decode result: %w", err)
		}
		entries = []gateioEntry{one}
	}

	res := &ParseResult{}
	for i := range entries {
		if c := g.entryCandle(&entries[i]); c != nil {
			res.Candles = append(res.Candles, c)
		}
	}
	return res, nil
}

func (g *gateio) entryCandle(e *gateioEntry) *model.Candle {
	o, ok1 := toFloat(e.Open)
	h, ok2 := toFloat(e.High)
	l, ok3 := toFloat(e.Low)
	c, ok4 := toFloat(e.Close)
	if !(ok1 && ok2 && ok3 && ok4) {
		return nil
	}
	start, ok := toInt64(e.T)
	if !ok || start <= 0 {
		return nil
	}

	symbol := e.CurrencyPair
	if symbol == "" {
		symbol = e.Contract
	}
	if symbol == "" {
		symbol = gateioStripInterval(e.Name)
	}
	if symbol == "" {
		return nil
	}

	volume, vok := toFloat(e.BaseVolume)
	if !vok {
		volume, _ = toFloat(e.Volume)
	}
	trades, _ := toInt64(e.Trades)

	return &model.Candle{
		Exchange:     "gateio",
		ContractType: g.contractType,
		Symbol:       symbol,
		OpenTime:     model.TruncateMinute(time.Unix(start, 0)),
		Open:         o,
		High:         h,
		Low:          l,
		Close:        c,
		Volume:       volume,
		TradeNum:     trades,
		IsClosed:     e.WindowClosed,
	}
}

// gateioStripInterval drops the interval prefix futures names carry
// ("1m_BTC_USDT" → "BTC_USDT").
func gateioStripInterval(name string) string {
	if name == "" || name[0] < '0' || name[0] > '9' {
		return name
	}
	if i := strings.IndexByte(name, '_'); i >= 0 {
		return name[i+1:]
	}
	return name
}

func (g *gateio) Backfill(ctx context.Context, pool *restpool.Pool, symbols []string) ([]*model.Candle, error) {
	candles := make([]*model.Candle, 0, len(symbols))
	var firstErr error
	for _, symbol := range symbols {
		endpoint, symbolParam, err := g.restEndpoint(symbol)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		u := endpoint + "?" + url.Values{
			symbolParam: {symbol},
			"interval":  {"1m"},
			"limit":     {"2"},
		}.Encode()

		body, err := pool.GetJSON(ctx, "gateio", u)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if c := g.parseRestBody(body, symbol); c != nil {
			candles = append(candles, c)
		}
	}
	if len(candles) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return candles, nil
}

func (g *gateio) restEndpoint(symbol string) (endpoint, symbolParam string, err error) {
	switch g.contractType {
	case "spot":
		return gateioSpotKlinesURL, "currency_pair", nil
	case "um":
		return gateioUMKlinesURL, "contract", nil
	case "cm":
		settle := gateioSettle(symbol)
		if settle == "" {
			return "", "", fmt.Errorf("gateio: cannot derive settle currency from %q", symbol)
		}
		return strings.Replace(gateioCMKlinesURL, "{settle}", settle, 1), "contract", nil
	}
	return "", "", fmt.Errorf("gateio: no kline endpoint for contract type %q", g.contractType)
}

// parseRestBody handles both REST shapes: spot rows
// [t, quoteVol, close, high, low, open, baseVol, closedFlag] and futures
// objects {t,o,h,l,c,v}. Rows are oldest-first; the last finished bar is the
// one behind the tail when the tail is still open.
func (g *gateio) parseRestBody(body []byte, symbol string) *model.Candle {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" || trimmed[0] != '[' {
		return nil
	}

	if g.contractType == "spot" {
		var rows [][]any
		if err := json.Unmarshal(body, &rows); err != nil || len(rows) == 0 {
			return nil
		}
		for i := len(rows) - 1; i >= 0; i-- {
			row := rows[i]
			if len(row) < 7 {
				continue
			}
			closed := true
			if len(row) > 7 {
				s, _ := row[7].(string)
				closed = strings.EqualFold(s, "true")
			}
			if !closed {
				continue
			}
			start, ok1 := toInt64(row[0])
			c, ok2 := toFloat(row[2])
			h, ok3 := toFloat(row[3])
			l, ok4 := toFloat(row[4])
			o, ok5 := toFloat(row[5])
			v, ok6 := toFloat(row[6])
			if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6) {
				continue
			}
			return &model.Candle{
				Exchange:     "gateio",
				ContractType: g.contractType,
				Symbol:       symbol,
				OpenTime:     model.TruncateMinute(time.Unix(start, 0)),
				Open:         o,
				High:         h,
				Low:          l,
				Close:        c,
				Volume:       v,
				IsClosed:     true,
			}
		}
		return nil
	}

	var entries []gateioEntry
	if err := json.Unmarshal(body, &entries); err != nil || len(entries) == 0 {
		return nil
	}
	// Futures rows carry no finished flag; the tail is the in-progress bar.
	idx := len(entries) - 1
	if len(entries) >= 2 {
		idx = len(entries) - 2
	}
	e := &entries[idx]
	c := g.entryCandle(e)
	if c == nil {
		return nil
	}
	c.Symbol = symbol
	c.IsClosed = true
	return c
}
