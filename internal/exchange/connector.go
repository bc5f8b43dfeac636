// Package exchange holds the per-exchange connectors: dial URLs, subscribe
// payloads, frame normalisation into model.Candle, and REST backfill. One
// connector instance is bound to one (exchange, contract_type) pair.
package exchange

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"candlegate/internal/model"
	"candlegate/internal/restpool"
)

// ParseResult is the outcome of normalising one inbound frame. Reply, when
// non-nil, is a protocol-level response (e.g. an application pong) the session
// must write back on the same connection.
type ParseResult struct {
	Candles []*model.Candle
	Reply   []byte
}

// Connector adapts one exchange's wire protocol to the canonical candle
// model. Implementations are safe for use by a single session goroutine;
// sessions do not share connectors.
type Connector interface {
	Exchange() string
	ContractType() string

	// ValidateSymbol rejects symbols that cannot be valid on this exchange
	// before any connection is attempted.
	ValidateSymbol(symbol string) error

	// DialURL builds the WebSocket endpoint for the given symbol set. Most
	// exchanges ignore the symbols; combined-stream exchanges encode them.
	DialURL(symbols []string) (string, error)

	// SubscribePayloads returns the frames to send after connecting to
	// subscribe the given symbols. Empty for URL-encoded subscriptions.
	SubscribePayloads(symbols []string) ([][]byte, error)

	// SupportsIncremental reports whether new symbols can be added to a live
	// connection with further subscribe payloads. When false the session
	// must reconnect with the extended symbol set.
	SupportsIncremental() bool

	// ParseFrame normalises one inbound text frame. Control frames and
	// subscription acks yield an empty result; malformed frames return an
	// error and are dropped by the caller.
	ParseFrame(frame []byte) (*ParseResult, error)

	// Backfill fetches the latest bar for each symbol over REST.
	Backfill(ctx context.Context, pool *restpool.Pool, symbols []string) ([]*model.Candle, error)
}

type factory func(contractType string) Connector

var registry = map[string]struct {
	contractTypes []string
	build         factory
}{
	"binance":     {[]string{"spot", "usdm", "coinm"}, newBinance},
	"okx":         {[]string{"spot", "swap", "swap_coinm"}, newOKX},
	"bybit":       {[]string{"spot", "linear", "inverse"}, newBybit},
	"gateio":      {[]string{"spot", "um", "cm"}, newGateio},
	"hyperliquid": {[]string{"spot", "usdm", "coinm"}, newHyperliquid},
}

// Supported reports whether the exchange name is known.
func Supported(exchange string) bool {
	_, ok := registry[exchange]
	return ok
}

// Exchanges returns the known exchange names, sorted.
func Exchanges() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds a connector for the pair, or an UNSUPPORTED_CONTRACT_TYPE /
// UNKNOWN FeedError when the pair is not served.
func New(exchange, contractType string) (Connector, error) {
	entry, ok := registry[exchange]
	if !ok {
		return nil, &model.FeedError{
			Code:     model.ErrUnknown,
			Message:  fmt.Sprintf("unknown exchange %q", exchange),
			Exchange: exchange,
		}
	}
	for _, ct := range entry.contractTypes {
		if ct == contractType {
			return entry.build(contractType), nil
		}
	}
	return nil, &model.FeedError{
		Code:         model.ErrUnsupportedContract,
		Message:      fmt.Sprintf("exchange %q does not serve contract type %q", exchange, contractType),
		Exchange:     exchange,
		ContractType: contractType,
	}
}

// invalidSymbol builds the INVALID_SYMBOL error every connector returns from
// ValidateSymbol.
func invalidSymbol(exchange, contractType, symbol, reason string) error {
	return &model.FeedError{
		Code:         model.ErrInvalidSymbol,
		Message:      fmt.Sprintf("symbol %q is not valid for %s %s: %s", symbol, exchange, contractType, reason),
		Exchange:     exchange,
		ContractType: contractType,
		Symbols:      []string{symbol},
	}
}

func symbolCharsetOK(symbol string) bool {
	if symbol == "" || len(symbol) > 30 {
		return false
	}
	for _, r := range symbol {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-' || r == '/':
		default:
			return false
		}
	}
	return true
}

// quoteAssets covers the quote currencies the concatenated-symbol exchanges
// trade against. A symbol with no recognisable quote suffix is rejected up
// front instead of hitting the exchange.
var quoteAssets = []string{"USDT", "USDC", "FDUSD", "TUSD", "BUSD", "USD", "PERP", "BTC", "ETH", "BNB", "EUR", "TRY", "DAI"}

func hasQuoteSuffix(symbol string) bool {
	for _, q := range quoteAssets {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return true
		}
	}
	return false
}

// toFloat converts a JSON value that may arrive as a string or a number.
func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func toInt64(v any) (int64, bool) {
	f, ok := toFloat(v)
	if !ok {
		return 0, false
	}
	return int64(f), true
}
