// Package config loads all gateway configuration from CONNECTOR_* environment
// variables. Defaults match the documented contract; parse failures are
// returned to the caller so main can exit with the configuration error code.
package config

import (
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every tunable of the gateway process.
type Config struct {
	// Downstream WebSocket server
	WSHost string `env:"CONNECTOR_WS_HOST" envDefault:"0.0.0.0"`
	WSPort int    `env:"CONNECTOR_WS_PORT" envDefault:"8765"`

	// Health/metrics HTTP surface
	HealthCheckPort    int  `env:"CONNECTOR_WSS_HEALTH_CHECK_PORT" envDefault:"8766"`
	HealthCheckEnabled bool `env:"CONNECTOR_WSS_HEALTH_CHECK_ENABLED" envDefault:"true"`

	// Upstream session behaviour
	InactivityTimeout time.Duration `env:"CONNECTOR_INACTIVITY_TIMEOUT" envDefault:"3s"`
	ReconnectDelay    time.Duration `env:"CONNECTOR_RECONNECT_DELAY" envDefault:"1s"`
	RestTimeout       time.Duration `env:"CONNECTOR_REST_TIMEOUT" envDefault:"5s"`
	WSPingInterval    time.Duration `env:"CONNECTOR_WS_PING_INTERVAL" envDefault:"20s"`
	WSPingTimeout     time.Duration `env:"CONNECTOR_WS_PING_TIMEOUT" envDefault:"20s"`
	SubscribeTimeout  time.Duration `env:"CONNECTOR_WSS_SUBSCRIBE_TIMEOUT" envDefault:"10s"`
	DrainTimeout      time.Duration `env:"CONNECTOR_DRAIN_TIMEOUT" envDefault:"10s"`

	// Session pooling
	MaxSymbolPerWS     int `env:"CONNECTOR_MAX_SYMBOL_PER_WS" envDefault:"50"`
	MaxConnPerExchange int `env:"CONNECTOR_MAX_CONN_PER_EXCHANGE" envDefault:"0"` // 0 = unlimited

	// Circuit breaker
	BreakerFailureThreshold int           `env:"CONNECTOR_CIRCUIT_BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerRecoveryTimeout  time.Duration `env:"CONNECTOR_CIRCUIT_BREAKER_RECOVERY_TIMEOUT" envDefault:"30s"`
	BreakerHalfOpenCalls    int           `env:"CONNECTOR_CIRCUIT_BREAKER_HALF_OPEN_CALLS" envDefault:"1"`
	BreakerMaxBackoff       time.Duration `env:"CONNECTOR_CIRCUIT_BREAKER_MAX_BACKOFF" envDefault:"300s"`

	// Dual-pipeline queue
	ClosedQueueMaxsize  int           `env:"CONNECTOR_CLOSED_QUEUE_MAXSIZE" envDefault:"1000"`
	OpenQueueMaxsize    int           `env:"CONNECTOR_OPEN_QUEUE_MAXSIZE" envDefault:"0"` // 0 = unbounded
	ProducerBlockLimit  time.Duration `env:"CONNECTOR_PRODUCER_BLOCK_TIMEOUT" envDefault:"0"` // 0 = wait forever

	// Deduplication
	DedupWindow     time.Duration `env:"CONNECTOR_DEDUPLICATION_WINDOW_SECONDS" envDefault:"120s"`
	DedupMaxEntries int           `env:"CONNECTOR_DEDUPLICATION_MAX_ENTRIES" envDefault:"10000"`

	// REST pool
	RestPoolConnections int `env:"CONNECTOR_REST_POOL_CONNECTIONS" envDefault:"10"`
	RestPoolMaxsize     int `env:"CONNECTOR_REST_POOL_MAXSIZE" envDefault:"20"`

	// Subscriber multiplexer
	SubscriberBufferMax int    `env:"CONNECTOR_SUBSCRIBER_BUFFER_MAX" envDefault:"256"`
	OverflowPolicy      string `env:"CONNECTOR_OVERFLOW_POLICY" envDefault:"drop_oldest"`

	LogLevel string `env:"CONNECTOR_LOG_LEVEL" envDefault:"INFO"`
}

// Load parses the environment into a Config and validates cross-field
// constraints.
func Load() (*Config, error) {
	cfg := &Config{}
	opts := env.Options{
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(time.Duration(0)): parseDurationOrSeconds,
		},
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseDurationOrSeconds accepts Go duration strings ("3s", "1m30s") as well
// as the documented unit-less second values ("3", "3.0", "120.0").
func parseDurationOrSeconds(v string) (interface{}, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, fmt.Errorf("not a duration or a number of seconds: %q", v)
	}
	if secs < 0 {
		return nil, fmt.Errorf("negative duration: %q", v)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func (c *Config) validate() error {
	if c.WSPort <= 0 || c.WSPort > 65535 {
		return fmt.Errorf("config: CONNECTOR_WS_PORT out of range: %d", c.WSPort)
	}
	if c.HealthCheckPort <= 0 || c.HealthCheckPort > 65535 {
		return fmt.Errorf("config: CONNECTOR_WSS_HEALTH_CHECK_PORT out of range: %d", c.HealthCheckPort)
	}
	if c.MaxSymbolPerWS <= 0 {
		return fmt.Errorf("config: CONNECTOR_MAX_SYMBOL_PER_WS must be positive")
	}
	if c.ClosedQueueMaxsize <= 0 {
		return fmt.Errorf("config: CONNECTOR_CLOSED_QUEUE_MAXSIZE must be positive")
	}
	if c.BreakerFailureThreshold <= 0 {
		return fmt.Errorf("config: CONNECTOR_CIRCUIT_BREAKER_FAILURE_THRESHOLD must be positive")
	}
	switch c.OverflowPolicy {
	case "drop_oldest", "close":
	default:
		return fmt.Errorf("config: CONNECTOR_OVERFLOW_POLICY must be drop_oldest or close, got %q", c.OverflowPolicy)
	}
	return nil
}
