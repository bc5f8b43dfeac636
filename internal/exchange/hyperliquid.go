package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"candlegate/internal/model"
	"candlegate/internal/restpool"
)

// hyperliquid serves every market over a single WebSocket with per-coin
// subscriptions. Coins use exchange-native names, so the connector keeps an
// alias map from normalised coin back to the subscriber's symbol.
type hyperliquid struct {
	contractType string
	aliases      map[string]string // upper(coin) → original symbol
	now          func() time.Time
}

const (
	hyperliquidStreamURL = "wss://api.hyperliquid.xyz/ws"
	hyperliquidInfoURL   = "https://api.hyperliquid.xyz/info"
)

func newHyperliquid(contractType string) Connector {
	return &hyperliquid{
		contractType: contractType,
		aliases:      make(map[string]string),
		now:          time.Now,
	}
}

func (h *hyperliquid) Exchange() string          { return "hyperliquid" }
func (h *hyperliquid) ContractType() string      { return h.contractType }
func (h *hyperliquid) SupportsIncremental() bool { return true }

func (h *hyperliquid) ValidateSymbol(symbol string) error {
	if !symbolCharsetOK(symbol) {
		return invalidSymbol("hyperliquid", h.contractType, symbol, "bad characters or length")
	}
	if _, err := h.coinFor(symbol); err != nil {
		return invalidSymbol("hyperliquid", h.contractType, symbol, err.Error())
	}
	return nil
}

// coinFor normalises a subscriber symbol to the exchange coin name: spot
// pairs become BASE/QUOTE; perp symbols drop separators and quote suffixes
// (BTCUSDT, BTC-PERP → BTC).
func (h *hyperliquid) coinFor(symbol string) (string, error) {
	cleaned := strings.TrimSpace(symbol)
	if cleaned == "" {
		return "", fmt.Errorf("empty symbol")
	}

	if h.contractType == "spot" {
		upper := strings.ToUpper(cleaned)
		for _, sep := range []string{"/", "_", "-"} {
			if i := strings.Index(upper, sep); i > 0 {
				return upper[:i] + "/" + upper[i+len(sep):], nil
			}
		}
		return "", fmt.Errorf("spot symbols need a quote currency, e.g. BTC/USDC")
	}

	coin := cleaned
	for _, sep := range []string{"/", "_", ":", "-"} {
		if i := strings.Index(coin, sep); i > 0 {
			coin = coin[:i]
			break
		}
	}
	for _, suffix := range []string{"USDC", "USDT", "USD", "PERP", "SWAP"} {
		if strings.HasSuffix(strings.ToUpper(coin), suffix) && len(coin) > len(suffix) {
			coin = coin[:len(coin)-len(suffix)]
			break
		}
	}
	return coin, nil
}

func (h *hyperliquid) DialURL(symbols []string) (string, error) {
	return hyperliquidStreamURL, nil
}

func (h *hyperliquid) SubscribePayloads(symbols []string) ([][]byte, error) {
	payloads := make([][]byte, 0, len(symbols))
	for _, symbol := range symbols {
		coin, err := h.coinFor(symbol)
		if err != nil {
			return nil, invalidSymbol("hyperliquid", h.contractType, symbol, err.Error())
		}
		payload, err := json.Marshal(map[string]any{
			"method": "subscribe",
			"subscription": map[string]any{
				"type":     "candle",
				"coin":     coin,
				"interval": "1m",
			},
		})
		if err != nil {
			return nil, err
		}
		h.aliases[strings.ToUpper(coin)] = symbol
		payloads = append(payloads, payload)
	}
	return payloads, nil
}

type hyperliquidCandle struct {
	Start any    `json:"t"`
	End   any    `json:"T"`
	Coin  string `json:"s"`
	Open  string `json:"o"`
	High  string `json:"h"`
	Low   string `json:"l"`
	Close string `json:"c"`
	Vol   string `json:"v"`
	Num   any    `json:"n"`
}

type hyperliquidFrame struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

func (h *hyperliquid) ParseFrame(frame []byte) (*ParseResult, error) {
	var msg hyperliquidFrame
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, fmt.Errorf("hyperliquid: decode frame: %w", err)
	}
	if msg.Channel != "candle" || len(msg.Data) == 0 {
		return &ParseResult{}, nil
	}

	var data hyperliquidCandle
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return nil, fmt.Errorf("hyperliquid: decode candle: %w", err)
	}
	c, err := h.candle(&data, "")
	if err != nil {
		return nil, err
	}
	return &ParseResult{Candles: []*model.Candle{c}}, nil
}

func (h *hyperliquid) candle(data *hyperliquidCandle, symbolOverride string) (*model.Candle, error) {
	start, ok := toInt64(data.Start)
	if !ok || start <= 0 {
		// Bars without a start time cannot be keyed for dedup; drop them.
		return nil, fmt.Errorf("hyperliquid: candle for %q has no start time", data.Coin)
	}
	o, ok1 := toFloat(data.Open)
	hi, ok2 := toFloat(data.High)
	lo, ok3 := toFloat(data.Low)
	cl, ok4 := toFloat(data.Close)
	if !(ok1 && ok2 && ok3 && ok4) {
		return nil, fmt.Errorf("hyperliquid: candle for %q missing price fields", data.Coin)
	}
	v, _ := toFloat(data.Vol)
	n, _ := toInt64(data.Num)

	symbol := symbolOverride
	if symbol == "" {
		symbol = data.Coin
		if alias, ok := h.aliases[strings.ToUpper(data.Coin)]; ok {
			symbol = alias
		}
	}

	// No confirm flag on the wire: a bar is closed once its window has ended.
	closed := false
	if end, ok := toInt64(data.End); ok && end > 0 {
		closed = h.now().UnixMilli() >= end
	}

	return &model.Candle{
		Exchange:     "hyperliquid",
		ContractType: h.contractType,
		Symbol:       symbol,
		OpenTime:     model.TruncateMinute(time.UnixMilli(start)),
		Open:         o,
		High:         hi,
		Low:          lo,
		Close:        cl,
		Volume:       v,
		TradeNum:     n,
		IsClosed:     closed,
	}, nil
}

func (h *hyperliquid) Backfill(ctx context.Context, pool *restpool.Pool, symbols []string) ([]*model.Candle, error) {
	now := h.now().UnixMilli()
	start := now - 5*60_000

	candles := make([]*model.Candle, 0, len(symbols))
	var firstErr error
	for _, symbol := range symbols {
		coin, err := h.coinFor(symbol)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		payload, err := json.Marshal(map[string]any{
			"type": "candleSnapshot",
			"req": map[string]any{
				"coin":      coin,
				"interval":  "1m",
				"startTime": start,
				"endTime":   now,
			},
		})
		if err != nil {
			return nil, err
		}

		body, err := pool.PostJSON(ctx, "hyperliquid", hyperliquidInfoURL, payload)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		var rows []hyperliquidCandle
		if err := json.Unmarshal(body, &rows); err != nil || len(rows) == 0 {
			continue
		}
		// Rows are oldest-first; pick the most recent finished bar.
		for i := len(rows) - 1; i >= 0; i-- {
			c, err := h.candle(&rows[i], symbol)
			if err != nil {
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
