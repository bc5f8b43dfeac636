package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"candlegate/internal/dedup"
	"candlegate/internal/manager"
	"candlegate/internal/metrics"
	"candlegate/internal/model"
	"candlegate/internal/quotequeue"
	"candlegate/internal/restpool"
	"candlegate/internal/upstream"
)

type gatewayFixture struct {
	srv   *Server
	queue *quotequeue.Queue
	http  *httptest.Server
}

func newFixture(t *testing.T, cfg ServerConfig) *gatewayFixture {
	t.Helper()

	q := quotequeue.New(64, 0, 0)
	dd := dedup.New(120*time.Second, 1000)
	met := metrics.NewMetrics(prometheus.NewRegistry())
	health := metrics.NewHealthStatus()
	pool := restpool.New(2, 4, time.Second)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	mcfg := manager.Config{
		MaxSymbolsPerSession: 50,
		Session: upstream.Config{
			InactivityTimeout: time.Hour,
			ReconnectDelay:    50 * time.Millisecond,
			PingInterval:      time.Second,
			PingTimeout:       time.Second,
		},
		Dialer:           stubExchangeDialer(t),
		BreakerThreshold: 5,
		BreakerBase:      30 * time.Second,
		BreakerMax:       300 * time.Second,
		BreakerHalfOpen:  1,
	}
	mgr := manager.New(mcfg, q, dd, pool, met, health, log)
	ctx, cancel := context.WithCancel(context.Background())
	mgr.Start(ctx)

	srv := NewServer(cfg, mgr, met, log)
	ts := httptest.NewServer(http.HandlerFunc(srv.handleWS))

	t.Cleanup(func() {
		ts.Close()
		mgr.Close()
		cancel()
	})
	return &gatewayFixture{srv: srv, queue: q, http: ts}
}

// stubExchangeDialer routes every upstream dial to a local TLS server that
// accepts the WebSocket handshake and swallows subscribe payloads, keeping
// the fixtures off the real exchange endpoints.
func stubExchangeDialer(t *testing.T) *websocket.Dialer {
	t.Helper()
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)

	addr := ts.Listener.Addr().String()
	return &websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: true},
		HandshakeTimeout: 5 * time.Second,
	}
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		SubscribeTimeout: 2 * time.Second,
		BufferMax:        16,
		Policy:           DropOldest,
	}
}

func (f *gatewayFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return frame
}

func TestSubscribeHandshakeAndQuoteDelivery(t *testing.T) {
	f := newFixture(t, defaultServerConfig())
	conn := f.dial(t)

	sub := subscribeRequest{Exchange: "binance", ContractType: "spot", Symbols: []string{"BTCUSDT"}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	ack := readFrame(t, conn)
	if ack["type"] != "subscribed" {
		t.Fatalf("first frame = %v, want subscribed", ack)
	}
	if ack["exchange"] != "binance" || ack["contract_type"] != "spot" {
		t.Fatalf("ack fields = %v", ack)
	}

	open := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	err := f.queue.OfferClosed(context.Background(), &model.Candle{
		Exchange: "binance", ContractType: "spot", Symbol: "BTCUSDT",
		OpenTime: open, Open: 100, High: 110, Low: 90, Close: 105,
		Volume: 3.5, TradeNum: 42, IsClosed: true,
	})
	if err != nil {
		t.Fatalf("OfferClosed: %v", err)
	}

	quote := readFrame(t, conn)
	if quote["type"] != "quote" {
		t.Fatalf("frame type = %v", quote["type"])
	}
	if quote["symbol"] != "BTCUSDT" || quote["close"] != 105.0 {
		t.Fatalf("quote = %v", quote)
	}
	if quote["timestamp"] != open.Format(time.RFC3339) {
		t.Fatalf("timestamp = %v, want %s", quote["timestamp"], open.Format(time.RFC3339))
	}
	if quote["is_closed_candle"] != true {
		t.Fatalf("is_closed_candle = %v", quote["is_closed_candle"])
	}
}

func TestContractTypeDefaultsToSpot(t *testing.T) {
	f := newFixture(t, defaultServerConfig())
	conn := f.dial(t)

	if err := conn.WriteJSON(map[string]any{
		"exchange": "binance",
		"symbols":  []string{"BTCUSDT"},
	}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	ack := readFrame(t, conn)
	if ack["type"] != "subscribed" || ack["contract_type"] != "spot" {
		t.Fatalf("ack = %v", ack)
	}
}

func TestInvalidSymbolsRejectedWithoutClosingConnection(t *testing.T) {
	f := newFixture(t, defaultServerConfig())
	conn := f.dial(t)

	sub := subscribeRequest{Exchange: "binance", ContractType: "spot", Symbols: []string{"BTCUSDT", "FOOXYZ"}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	frame := readFrame(t, conn)
	if frame["type"] != "error" {
		t.Fatalf("frame = %v, want error", frame)
	}
	if frame["code"] != string(model.ErrInvalidSymbol) {
		t.Fatalf("code = %v, want %s", frame["code"], model.ErrInvalidSymbol)
	}
	rejected, _ := frame["symbols"].([]any)
	if len(rejected) != 1 || rejected[0] != "FOOXYZ" {
		t.Fatalf("rejected symbols = %v, want [FOOXYZ]", frame["symbols"])
	}

	ack := readFrame(t, conn)
	if ack["type"] != "subscribed" {
		t.Fatalf("frame = %v, want subscribed", ack)
	}
	accepted, _ := ack["symbols"].([]any)
	if len(accepted) != 1 || accepted[0] != "BTCUSDT" {
		t.Fatalf("accepted symbols = %v, want [BTCUSDT]", ack["symbols"])
	}

	// The connection survived the partial rejection and the valid subset
	// streams.
	err := f.queue.OfferClosed(context.Background(), &model.Candle{
		Exchange: "binance", ContractType: "spot", Symbol: "BTCUSDT",
		OpenTime: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), IsClosed: true,
	})
	if err != nil {
		t.Fatalf("OfferClosed: %v", err)
	}
	quote := readFrame(t, conn)
	if quote["type"] != "quote" || quote["symbol"] != "BTCUSDT" {
		t.Fatalf("frame = %v, want BTCUSDT quote", quote)
	}
}

func TestAllSymbolsInvalidKeepsConnectionOpen(t *testing.T) {
	f := newFixture(t, defaultServerConfig())
	conn := f.dial(t)

	sub := subscribeRequest{Exchange: "binance", ContractType: "spot", Symbols: []string{"FOOXYZ"}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	frame := readFrame(t, conn)
	if frame["code"] != string(model.ErrInvalidSymbol) {
		t.Fatalf("code = %v, want %s", frame["code"], model.ErrInvalidSymbol)
	}

	// Nothing valid to stream, but the client keeps its connection.
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	var nerr net.Error
	if err == nil {
		t.Fatal("unexpected frame after rejection")
	}
	if !errors.As(err, &nerr) || !nerr.Timeout() {
		t.Fatalf("read error = %v, want timeout on a live connection", err)
	}
}

func TestUnsupportedContractTypeRejected(t *testing.T) {
	f := newFixture(t, defaultServerConfig())
	conn := f.dial(t)

	sub := subscribeRequest{Exchange: "binance", ContractType: "linear", Symbols: []string{"BTCUSDT"}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	frame := readFrame(t, conn)
	if frame["code"] != string(model.ErrUnsupportedContract) {
		t.Fatalf("code = %v, want %s", frame["code"], model.ErrUnsupportedContract)
	}
}

func TestLimitClosesConnectionAfterNQuotes(t *testing.T) {
	f := newFixture(t, defaultServerConfig())
	conn := f.dial(t)

	sub := subscribeRequest{Exchange: "binance", ContractType: "spot", Symbols: []string{"BTCUSDT"}, Limit: 2}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	if ack := readFrame(t, conn); ack["type"] != "subscribed" {
		t.Fatalf("ack = %v", ack)
	}

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		err := f.queue.OfferClosed(context.Background(), &model.Candle{
			Exchange: "binance", ContractType: "spot", Symbol: "BTCUSDT",
			OpenTime: base.Add(time.Duration(i) * time.Minute), IsClosed: true,
		})
		if err != nil {
			t.Fatalf("OfferClosed: %v", err)
		}
	}

	for i := 0; i < 2; i++ {
		if q := readFrame(t, conn); q["type"] != "quote" {
			t.Fatalf("frame %d = %v", i, q)
		}
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("connection still open past the quote limit")
	}
}

func TestSubscribeTimeoutDisconnectsSilentClient(t *testing.T) {
	cfg := defaultServerConfig()
	cfg.SubscribeTimeout = 200 * time.Millisecond
	f := newFixture(t, cfg)
	conn := f.dial(t)

	// Send nothing; the server must hang up once the handshake window
	// expires.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("connection survived subscribe timeout")
	}
}

func TestStopDrainsBufferedFrames(t *testing.T) {
	f := newFixture(t, defaultServerConfig())
	conn := f.dial(t)

	sub := subscribeRequest{Exchange: "binance", ContractType: "spot", Symbols: []string{"BTCUSDT"}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	if ack := readFrame(t, conn); ack["type"] != "subscribed" {
		t.Fatalf("ack = %v", ack)
	}

	err := f.queue.OfferClosed(context.Background(), &model.Candle{
		Exchange: "binance", ContractType: "spot", Symbol: "BTCUSDT",
		OpenTime: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), IsClosed: true,
	})
	if err != nil {
		t.Fatalf("OfferClosed: %v", err)
	}
	// Let fan-out land the frame in the client buffer before stopping.
	if q := readFrame(t, conn); q["type"] != "quote" {
		t.Fatalf("frame = %v", q)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.srv.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("connection still open after Stop")
	}
}
