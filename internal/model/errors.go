package model

// ErrorCode is the stable error contract surfaced to subscribers.
// Codes are never renamed; clients key retry logic off them.
type ErrorCode string

const (
	ErrInvalidSymbol        ErrorCode = "INVALID_SYMBOL"
	ErrConnectionPoolBusy   ErrorCode = "CONNECTION_POOL_BUSY"
	ErrWSConnectFailed      ErrorCode = "WS_CONNECT_FAILED"
	ErrWSSubscribeRejected  ErrorCode = "WS_SUBSCRIBE_REJECTED"
	ErrWSStreamTimeout      ErrorCode = "WS_STREAM_TIMEOUT"
	ErrWSProtocolError      ErrorCode = "WS_PROTOCOL_ERROR"
	ErrRESTBackfillFailed   ErrorCode = "REST_BACKFILL_FAILED"
	ErrRateLimited          ErrorCode = "RATE_LIMITED"
	ErrUnsupportedContract  ErrorCode = "UNSUPPORTED_CONTRACT_TYPE"
	ErrQueueBackpressure    ErrorCode = "INTERNAL_QUEUE_BACKPRESSURE"
	ErrUnknown              ErrorCode = "UNKNOWN"
)

// FeedError carries an error code plus the context needed to build the
// downstream error frame. ExchangeMessage preserves the exchange's original
// wording when available.
type FeedError struct {
	Code            ErrorCode
	Message         string
	Exchange        string
	ContractType    string
	Symbols         []string
	ExchangeMessage string
}

func (e *FeedError) Error() string {
	if e.ExchangeMessage != "" {
		return string(e.Code) + ": " + e.Message + " (" + e.ExchangeMessage + ")"
	}
	return string(e.Code) + ": " + e.Message
}

// NewFeedError builds a FeedError for the given code and message.
func NewFeedError(code ErrorCode, message string) *FeedError {
	return &FeedError{Code: code, Message: message}
}
