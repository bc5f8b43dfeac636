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

// bybit runs one v5 public WebSocket per category with frame-based,
// incrementally extensible subscriptions.
type bybit struct {
	contractType string
}

var bybitStreamURLs = map[string]string{
	"spot":    "wss://stream.bybit.com/v5/public/spot",
	"linear":  "wss://stream.bybit.com/v5/public/linear",
	"inverse": "wss://stream.bybit.com/v5/public/inverse",
}

const bybitKlineURL = "https://api.bybit.com/v5/market/kline"

func newBybit(contractType string) Connector {
	return &bybit{contractType: contractType}
}

func (b *bybit) Exchange() string          { return "bybit" }
func (b *bybit) ContractType() string      { return b.contractType }
func (b *bybit) SupportsIncremental() bool { return true }

func (b *bybit) ValidateSymbol(symbol string) error {
	if !symbolCharsetOK(symbol) {
		return invalidSymbol("bybit", b.contractType, symbol, "bad characters or length")
	}
	if !hasQuoteSuffix(strings.ToUpper(symbol)) {
		return invalidSymbol("bybit", b.contractType, symbol, "no recognisable quote asset")
	}
	return nil
}

func (b *bybit) DialURL(symbols []string) (string, error) {
	u, ok := bybitStreamURLs[b.contractType]
	if !ok {
		return "", fmt.Errorf("bybit: no stream host for contract type %q", b.contractType)
	}
	return u, nil
}

func (b *bybit) SubscribePayloads(symbols []string) ([][]byte, error) {
	topics := make([]string, len(symbols))
	for i, s := range symbols {
		topics[i] = "kline.1." + s
	}
	payload, err := json.Marshal(map[string]any{"op": "subscribe", "args": topics})
	if err != nil {
		return nil, err
	}
	return [][]byte{payload}, nil
}

type bybitKlineEntry struct {
	Start   int64  `json:"start"`
	Open    string `json:"open"`
	High    string `json:"high"`
	Low     string `json:"low"`
	Close   string `json:"close"`
	Volume  string `json:"volume"`
	Confirm bool   `json:"confirm"`
}

type bybitFrame struct {
	Op      string            `json:"op"`
	Success *bool             `json:"success"`
	RetMsg  string            `json:"ret_msg"`
	Topic   string            `json:"topic"`
	Data    []bybitKlineEntry `json:"data"`
}

func (b *bybit) ParseFrame(frame []byte) (*ParseResult, error) {
	var msg bybitFrame
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, fmt.Errorf("bybit: decode frame: %w", err)
	}

	// Application-level keep-alive: the server's ping expects a pong frame.
	if msg.Op == "ping" {
		return &ParseResult{Reply: []byte(`{"op":"pong"}`)}, nil
	}
	if msg.Op == "subscribe" {
		if msg.Success != nil && !*msg.Success {
			return nil, &model.FeedError{
				Code:            model.ErrWSSubscribeRejected,
				Message:         "bybit rejected subscription",
				Exchange:        "bybit",
				ContractType:    b.contractType,
				ExchangeMessage: msg.RetMsg,
			}
		}
		return &ParseResult{}, nil
	}
	if !strings.HasPrefix(msg.Topic, "kline.") {
		return &ParseResult{}, nil
	}

	// Topic form: kline.<interval>.<SYMBOL>
	parts := strings.SplitN(msg.Topic, ".", 3)
	if len(parts) != 3 || parts[2] == "" {
		return nil, fmt.Errorf("bybit: malformed kline topic %q", msg.Topic)
	}
	symbol := parts[2]

	res := &ParseResult{}
	for _, entry := range msg.Data {
		o, ok1 := toFloat(entry.Open)
		h, ok2 := toFloat(entry.High)
		l, ok3 := toFloat(entry.Low)
		c, ok4 := toFloat(entry.Close)
		if !(ok1 && ok2 && ok3 && ok4) || entry.Start <= 0 {
			continue
		}
		v, _ := toFloat(entry.Volume)
		res.Candles = append(res.Candles, &model.Candle{
			Exchange:     "bybit",
			ContractType: b.contractType,
			Symbol:       symbol,
			OpenTime:     model.TruncateMinute(time.UnixMilli(entry.Start)),
			Open:         o,
			High:         h,
			Low:          l,
			Close:        c,
			Volume:       v,
			IsClosed:     entry.Confirm,
		})
	}
	return res, nil
}

func (b *bybit) Backfill(ctx context.Context, pool *restpool.Pool, symbols []string) ([]*model.Candle, error) {
	candles := make([]*model.Candle, 0, len(symbols))
	var firstErr error
	for _, symbol := range symbols {
		u := bybitKlineURL + "?" + url.Values{
			"category": {b.contractType},
			"symbol":   {symbol},
			"interval": {"1"},
			"limit":    {"2"},
		}.Encode()

		body, err := pool.GetJSON(ctx, "bybit", u)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		var payload struct {
			Result struct {
				List [][]any `json:"list"`
			} `json:"result"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			continue
		}
		// Rows are newest-first: [start, open, high, low, close, volume, turnover].
		// The first row is the in-progress bar; take the one behind it.
		rows := payload.Result.List
		if len(rows) == 0 {
			continue
		}
		row := rows[0]
		if len(rows) >= 2 {
			row = rows[1]
		}
		if len(row) < 6 {
			continue
		}
		start, ok1 := toInt64(row[0])
		o, ok2 := toFloat(row[1])
		h, ok3 := toFloat(row[2])
		l, ok4 := toFloat(row[3])
		c, ok5 := toFloat(row[4])
		v, ok6 := toFloat(row[5])
		if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6) {
			continue
		}
		candles = append(candles, &model.Candle{
			Exchange:     "bybit",
			ContractType: b.contractType,
			Symbol:       symbol,
			OpenTime:     model.TruncateMinute(time.UnixMilli(start)),
			Open:         o,
			High:         h,
			Low:          l,
			Close:        c,
			Volume:       v,
			IsClosed:     true,
		})
	}
	if len(candles) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return candles, nil
}
