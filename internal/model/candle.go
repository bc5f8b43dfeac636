package model

import "time"

// Candle represents a normalised 1-minute OHLCV bar for a single instrument.
// Instances are immutable once created and shared read-only across subscribers.
type Candle struct {
	Exchange     string    `json:"exchange"`
	ContractType string    `json:"contract_type"`
	Symbol       string    `json:"symbol"`
	OpenTime     time.Time `json:"timestamp"` // bar start (UTC, minute-aligned)
	Open         float64   `json:"open"`
	High         float64   `json:"high"`
	Low          float64   `json:"low"`
	Close        float64   `json:"close"`
	Volume       float64   `json:"volume"`
	TradeNum     int64     `json:"trade_num"`
	IsClosed     bool      `json:"is_closed_candle"` // bar finalised for its minute

	// ReceivedAt is when the gateway read the frame carrying this candle.
	// Internal pipeline timing only, never serialised downstream.
	ReceivedAt time.Time `json:"-"`
}

// Key returns the SubscriptionKey this candle belongs to.
func (c *Candle) Key() SubscriptionKey {
	return SubscriptionKey{
		Exchange:     c.Exchange,
		ContractType: c.ContractType,
		Symbol:       c.Symbol,
	}
}

// OpenTimeMillis returns the bar start as epoch milliseconds, the
// deduplication key component.
func (c *Candle) OpenTimeMillis() int64 {
	return c.OpenTime.UnixMilli()
}

// SubscriptionKey identifies a unique feed: one symbol on one
// (exchange, contract_type) pair. Unique within the process.
type SubscriptionKey struct {
	Exchange     string
	ContractType string
	Symbol       string
}

func (k SubscriptionKey) String() string {
	return k.Exchange + ":" + k.ContractType + ":" + k.Symbol
}

// TruncateMinute aligns t to its minute boundary in UTC. Used by normalisers
// when the exchange only reports a close or event time.
func TruncateMinute(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}
