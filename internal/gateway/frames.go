package gateway

import (
	"time"

	"candlegate/internal/model"
)

// subscribeRequest is the single JSON frame a client sends after connecting.
type subscribeRequest struct {
	Exchange     string   `json:"exchange"`
	ContractType string   `json:"contract_type"`
	Symbols      []string `json:"symbols"`
	Limit        int      `json:"limit"`
}

type subscribedFrame struct {
	Type         string   `json:"type"` // "subscribed"
	Exchange     string   `json:"exchange"`
	ContractType string   `json:"contract_type"`
	Symbols      []string `json:"symbols"`
	Limit        int      `json:"limit"`
}

type quoteFrame struct {
	Type         string  `json:"type"` // "quote"
	CurrentTime  string  `json:"current_time"`
	Timestamp    string  `json:"timestamp"`
	Exchange     string  `json:"exchange"`
	Symbol       string  `json:"symbol"`
	ContractType string  `json:"contract_type"`
	Open         float64 `json:"open"`
	High         float64 `json:"high"`
	Low          float64 `json:"low"`
	Close        float64 `json:"close"`
	Volume       float64 `json:"volume"`
	TradeNum     int64   `json:"trade_num"`
	IsClosed     bool    `json:"is_closed_candle"`
}

type errorFrame struct {
	Type            string   `json:"type"` // "error"
	Code            string   `json:"code"`
	Message         string   `json:"message"`
	Exchange        string   `json:"exchange,omitempty"`
	ContractType    string   `json:"contract_type,omitempty"`
	Symbols         []string `json:"symbols,omitempty"`
	ExchangeMessage string   `json:"exchange_message,omitempty"`
}

func newQuoteFrame(c *model.Candle) quoteFrame {
	return quoteFrame{
		Type:         "quote",
		CurrentTime:  time.Now().UTC().Format(time.RFC3339Nano),
		Timestamp:    c.OpenTime.UTC().Format(time.RFC3339),
		Exchange:     c.Exchange,
		Symbol:       c.Symbol,
		ContractType: c.ContractType,
		Open:         c.Open,
		High:         c.High,
		Low:          c.Low,
		Close:        c.Close,
		Volume:       c.Volume,
		TradeNum:     c.TradeNum,
		IsClosed:     c.IsClosed,
	}
}

func newErrorFrame(fe *model.FeedError) errorFrame {
	return errorFrame{
		Type:            "error",
		Code:            string(fe.Code),
		Message:         fe.Message,
		Exchange:        fe.Exchange,
		ContractType:    fe.ContractType,
		Symbols:         fe.Symbols,
		ExchangeMessage: fe.ExchangeMessage,
	}
}
