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

// okx serves all contract types over one business WebSocket; subscriptions
// are frame-based and can be extended incrementally.
type okx struct {
	contractType string
}

const (
	okxStreamURL = "wss://ws.okx.com:8443/ws/v5/business"
	okxKlinesURL = "https://www.okx.com/api/v5/market/candles"
)

func newOKX(contractType string) Connector {
	return &okx{contractType: contractType}
}

func (o *okx) Exchange() string          { return "okx" }
func (o *okx) ContractType() string      { return o.contractType }
func (o *okx) SupportsIncremental() bool { return true }

func (o *okx) ValidateSymbol(symbol string) error {
	if !symbolCharsetOK(symbol) {
		return invalidSymbol("okx", o.contractType, symbol, "bad characters or length")
	}
	// Instrument IDs are dash-separated: BTC-USDT, BTC-USD-SWAP.
	if !strings.Contains(symbol, "-") {
		return invalidSymbol("okx", o.contractType, symbol, "instrument IDs are dash-separated")
	}
	if o.contractType != "spot" && !strings.HasSuffix(strings.ToUpper(symbol), "-SWAP") {
		return invalidSymbol("okx", o.contractType, symbol, "perpetual instruments end in -SWAP")
	}
	return nil
}

func (o *okx) DialURL(symbols []string) (string, error) {
	return okxStreamURL, nil
}

type okxSubArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

func (o *okx) SubscribePayloads(symbols []string) ([][]byte, error) {
	args := make([]okxSubArg, len(symbols))
	for i, s := range symbols {
		args[i] = okxSubArg{Channel: "candle1m", InstID: s}
	}
	payload, err := json.Marshal(map[string]any{"op": "subscribe", "args": args})
	if err != nil {
		return nil, err
	}
	return [][]byte{payload}, nil
}

type okxFrame struct {
	Event string          `json:"event"`
	Code  string          `json:"code"`
	Msg   string          `json:"msg"`
	Arg   okxSubArg       `json:"arg"`
	Data  json.RawMessage `json:"data"`
}

func (o *okx) ParseFrame(frame []byte) (*ParseResult, error) {
	// The server answers a textual "ping" with "pong"; sessions that use
	// protocol pings never see these, but tolerate them.
	if string(frame) == "pong" {
		return &ParseResult{}, nil
	}

	var msg okxFrame
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, fmt.Errorf("okx: decode frame: %w", err)
	}

	switch msg.Event {
	case "subscribe", "unsubscribe":
		return &ParseResult{}, nil
	case "error":
		return nil, &model.FeedError{
			Code:            model.ErrWSSubscribeRejected,
			Message:         fmt.Sprintf("okx rejected subscription (code %s)", msg.Code),
			Exchange:        "okx",
			ContractType:    o.contractType,
			ExchangeMessage: msg.Msg,
		}
	}
	if len(msg.Data) == 0 {
		return &ParseResult{}, nil
	}

	var rows [][]any
	if err := json.Unmarshal(msg.Data, &rows); err != nil {
		return nil, fmt.Errorf("okx: decode candle rows: %w", err)
	}

	res := &ParseResult{}
	for _, row := range rows {
		if c := okxCandle(o.contractType, msg.Arg.InstID, row); c != nil {
			res.Candles = append(res.Candles, c)
		}
	}
	return res, nil
}

// okxCandle maps one [ts,o,h,l,c,vol,...,confirm] row. The confirm flag sits
// at index 8 on current payloads and index 7 on older ones.
func okxCandle(contractType, symbol string, row []any) *model.Candle {
	if len(row) < 6 || symbol == "" {
		return nil
	}
	ts, ok1 := toInt64(row[0])
	o, ok2 := toFloat(row[1])
	h, ok3 := toFloat(row[2])
	l, ok4 := toFloat(row[3])
	c, ok5 := toFloat(row[4])
	v, ok6 := toFloat(row[5])
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6) {
		return nil
	}

	var confirm any
	switch {
	case len(row) > 8:
		confirm = row[8]
	case len(row) > 7:
		confirm = row[7]
	}
	closed := false
	switch x := confirm.(type) {
	case string:
		closed = x == "1" || strings.EqualFold(x, "true")
	case bool:
		closed = x
	case float64:
		closed = x == 1
	}

	return &model.Candle{
		Exchange:     "okx",
		ContractType: contractType,
		Symbol:       symbol,
		OpenTime:     model.TruncateMinute(time.UnixMilli(ts)),
		Open:         o,
		High:         h,
		Low:          l,
		Close:        c,
		Volume:       v,
		IsClosed:     closed,
	}
}

func (o *okx) Backfill(ctx context.Context, pool *restpool.Pool, symbols []string) ([]*model.Candle, error) {
	candles := make([]*model.Candle, 0, len(symbols))
	var firstErr error
	for _, symbol := range symbols {
		u := okxKlinesURL + "?" + url.Values{
			"instId": {symbol},
			"bar":    {"1m"},
			"limit":  {"2"},
		}.Encode()

		body, err := pool.GetJSON(ctx, "okx", u)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		var payload struct {
			Data [][]any `json:"data"`
		}
		if err := json.Unmarshal(body, &payload); err != nil || len(payload.Data) == 0 {
			continue
		}
		// Rows are newest-first; prefer the first confirmed one.
		for _, row := range payload.Data {
			c := okxCandle(o.contractType, symbol, row)
			if c == nil {
				continue
			}
			if c.IsClosed {
				candles = append(candles, c)
				break
			}
		}
	}
	if len(candles) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return candles, nil
}
