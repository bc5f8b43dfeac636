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

// binance uses combined streams: the symbol set is encoded in the URL and
// cannot be extended on a live connection, so sessions reconnect on growth.
type binance struct {
	contractType string
}

var binanceStreamHosts = map[string]string{
	"spot":  "wss://stream.binance.com:9443",
	"usdm":  "wss://fstream.binance.com",
	"coinm": "wss://dstream.binance.com",
}

var binanceKlineURLs = map[string]string{
	"spot":  "https://api.binance.com/api/v3/klines",
	"usdm":  "https://fapi.binance.com/fapi/v1/klines",
	"coinm": "https://dapi.binance.com/dapi/v1/klines",
}

func newBinance(contractType string) Connector {
	return &binance{contractType: contractType}
}

func (b *binance) Exchange() string          { return "binance" }
func (b *binance) ContractType() string      { return b.contractType }
func (b *binance) SupportsIncremental() bool { return false }

func (b *binance) ValidateSymbol(symbol string) error {
	if !symbolCharsetOK(symbol) {
		return invalidSymbol("binance", b.contractType, symbol, "bad characters or length")
	}
	upper := strings.ToUpper(symbol)
	// Coin-margined symbols carry a delivery suffix: BTCUSD_PERP, BTCUSD_250926.
	base := upper
	if i := strings.IndexByte(base, '_'); i >= 0 {
		base = base[:i]
	}
	if !hasQuoteSuffix(base) {
		return invalidSymbol("binance", b.contractType, symbol, "no recognisable quote asset")
	}
	return nil
}

func (b *binance) DialURL(symbols []string) (string, error) {
	host, ok := binanceStreamHosts[b.contractType]
	if !ok {
		return "", fmt.Errorf("binance: no stream host for contract type %q", b.contractType)
	}
	streams := make([]string, len(symbols))
	for i, s := range symbols {
		streams[i] = strings.ToLower(s) + "@kline_1m"
	}
	return host + "/stream?streams=" + strings.Join(streams, "/"), nil
}

func (b *binance) SubscribePayloads(symbols []string) ([][]byte, error) {
	// Subscription is carried by the combined-stream URL.
	return nil, nil
}

type binanceKline struct {
	Symbol   string `json:"s"`
	Start    int64  `json:"t"`
	Open     string `json:"o"`
	High     string `json:"h"`
	Low      string `json:"l"`
	Close    string `json:"c"`
	Volume   string `json:"v"`
	TradeNum int64  `json:"n"`
	Closed   bool   `json:"x"`
}

type binanceFrame struct {
	Stream string `json:"stream"`
	Data   struct {
		Symbol string        `json:"s"`
		Kline  *binanceKline `json:"k"`
	} `json:"data"`
}

func (b *binance) ParseFrame(frame []byte) (*ParseResult, error) {
	var msg binanceFrame
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, fmt.Errorf("binance: decode frame: %w", err)
	}
	k := msg.Data.Kline
	if k == nil {
		// Combined-stream envelope without a kline (e.g. subscription ack).
		return &ParseResult{}, nil
	}

	symbol := k.Symbol
	if symbol == "" {
		symbol = msg.Data.Symbol
	}

	c, err := binanceCandle(b.contractType, symbol, k.Start, k.Open, k.High, k.Low, k.Close, k.Volume, k.TradeNum, k.Closed)
	if err != nil {
		return nil, err
	}
	return &ParseResult{Candles: []*model.Candle{c}}, nil
}

func (b *binance) Backfill(ctx context.Context, pool *restpool.Pool, symbols []string) ([]*model.Candle, error) {
	base, ok := binanceKlineURLs[b.contractType]
	if !ok {
		return nil, fmt.Errorf("binance: no kline endpoint for contract type %q", b.contractType)
	}

	candles := make([]*model.Candle, 0, len(symbols))
	var firstErr error
	for _, symbol := range symbols {
		u := base + "?" + url.Values{
			"symbol":   {symbol},
			"interval": {"1m"},
			"limit":    {"2"},
		}.Encode()

		body, err := pool.GetJSON(ctx, "binance", u)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		// Each row: [openTime, open, high, low, close, volume, closeTime, ..., tradeNum, ...]
		var rows [][]any
		if err := json.Unmarshal(body, &rows); err != nil || len(rows) == 0 {
			continue
		}
		// With limit=2 the first row is the last finished bar; a single row
		// means only the in-progress bar exists.
		row := rows[0]
		if len(rows) >= 2 {
			row = rows[len(rows)-2]
		}
		if len(row) < 6 {
			continue
		}
		start, ok1 := toInt64(row[0])
		o, ok2 := toFloat(row[1])
		h, ok3 := toFloat(row[2])
		l, ok4 := toFloat(row[3])
		cl, ok5 := toFloat(row[4])
		v, ok6 := toFloat(row[5])
		if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6) {
			continue
		}
		var n int64
		if len(row) > 8 {
			n, _ = toInt64(row[8])
		}
		candles = append(candles, &model.Candle{
			Exchange:     "binance",
			ContractType: b.contractType,
			Symbol:       symbol,
			OpenTime:     model.TruncateMinute(time.UnixMilli(start)),
			Open:         o,
			High:         h,
			Low:          l,
			Close:        cl,
			Volume:       v,
			TradeNum:     n,
			IsClosed:     true,
		})
	}
	if len(candles) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return candles, nil
}

func binanceCandle(contractType, symbol string, startMS int64, o, h, l, c, v string, n int64, closed bool) (*model.Candle, error) {
	of, ok1 := toFloat(o)
	hf, ok2 := toFloat(h)
	lf, ok3 := toFloat(l)
	cf, ok4 := toFloat(c)
	if !(ok1 && ok2 && ok3 && ok4) || symbol == "" || startMS <= 0 {
		return nil, fmt.Errorf("binance: kline for %q missing required fields", symbol)
	}
	vf, _ := toFloat(v)
	return &model.Candle{
		Exchange:     "binance",
		ContractType: contractType,
		Symbol:       symbol,
		OpenTime:     model.TruncateMinute(time.UnixMilli(startMS)),
		Open:         of,
		High:         hf,
		Low:          lf,
		Close:        cf,
		Volume:       vf,
		TradeNum:     n,
		IsClosed:     closed,
	}, nil
}
