// Package upstream runs one WebSocket session per upstream connection: dial,
// subscribe, stream, keep-alive, inactivity backfill, and reconnect with
// circuit breaking. Sessions push normalised candles through dedup into the
// shared queue.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"candlegate/internal/breaker"
	"candlegate/internal/dedup"
	"candlegate/internal/exchange"
	"candlegate/internal/metrics"
	"candlegate/internal/model"
	"candlegate/internal/quotequeue"
	"candlegate/internal/restpool"
)

// State is the session lifecycle state.
type State int32

const (
	StateInit State = iota
	StateConnecting
	StateSubscribing
	StateStreaming
	StateIdle
	StateBackfill
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StateIdle:
		return "idle"
	case StateBackfill:
		return "backfill"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config holds the per-session tunables.
type Config struct {
	InactivityTimeout time.Duration
	ReconnectDelay    time.Duration
	PingInterval      time.Duration
	PingTimeout       time.Duration
}

// errRestart asks the run loop to reconnect with the current symbol set
// without counting a breaker failure.
var errRestart = errors.New("upstream: restart with extended symbol set")

// Session owns one upstream connection and its reconnect loop.
type Session struct {
	ID string

	conn  exchange.Connector
	cfg   Config
	brk   *breaker.Breaker
	queue *quotequeue.Queue
	dd    *dedup.Deduplicator
	pool  *restpool.Pool
	met   *metrics.Metrics
	errs  chan<- *model.FeedError
	log   *slog.Logger

	// Dialer is swappable so tests can point sessions at local servers.
	Dialer *websocket.Dialer

	mu      sync.Mutex
	symbols map[string]struct{}

	state     atomic.Int32
	lastMsg   atomic.Int64 // unix nanos
	addCh     chan []string
	restartCh chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a session for the given connector and initial symbols.
func New(id string, conn exchange.Connector, symbols []string, cfg Config,
	brk *breaker.Breaker, q *quotequeue.Queue, dd *dedup.Deduplicator,
	pool *restpool.Pool, met *metrics.Metrics, errs chan<- *model.FeedError,
	log *slog.Logger) *Session {

	set := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		set[s] = struct{}{}
	}
	s := &Session{
		ID:        id,
		conn:      conn,
		cfg:       cfg,
		brk:       brk,
		queue:     q,
		dd:        dd,
		pool:      pool,
		met:       met,
		errs:      errs,
		log:       log.With("session", id, "exchange", conn.Exchange(), "contract_type", conn.ContractType()),
		Dialer:    websocket.DefaultDialer,
		symbols:   set,
		addCh:     make(chan []string, 8),
		restartCh: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	s.lastMsg.Store(time.Now().UnixNano())
	return s
}

// Start launches the session's run loop.
func (s *Session) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
}

// Close stops the session and waits for the run loop to exit.
func (s *Session) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

// AddSymbols merges new symbols into the session. On incremental exchanges
// they are subscribed on the live connection; otherwise the session restarts
// with the extended set.
func (s *Session) AddSymbols(symbols []string) {
	fresh := make([]string, 0, len(symbols))
	s.mu.Lock()
	for _, sym := range symbols {
		if _, ok := s.symbols[sym]; !ok {
			s.symbols[sym] = struct{}{}
			fresh = append(fresh, sym)
		}
	}
	s.mu.Unlock()
	if len(fresh) == 0 {
		return
	}

	if s.conn.SupportsIncremental() {
		select {
		case s.addCh <- fresh:
		default:
			// Loop busy; the symbols are in the set, force a resubscribe.
			s.requestRestart()
		}
		return
	}
	s.requestRestart()
}

// RemoveSymbols drops symbols from the session's set. The wire subscription
// shrinks on the next reconnect; candles for removed keys simply find no
// subscribers in the meantime.
func (s *Session) RemoveSymbols(symbols []string) {
	s.mu.Lock()
	for _, sym := range symbols {
		delete(s.symbols, sym)
	}
	s.mu.Unlock()
}

func (s *Session) requestRestart() {
	select {
	case s.restartCh <- struct{}{}:
	default:
	}
}

// SymbolCount returns the current symbol set size.
func (s *Session) SymbolCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.symbols)
}

// HasSymbol reports whether the session carries the symbol.
func (s *Session) HasSymbol(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.symbols[symbol]
	return ok
}

// Symbols returns a copy of the current symbol set.
func (s *Session) Symbols() []string {
	return s.snapshotSymbols()
}

func (s *Session) snapshotSymbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, sym)
	}
	return out
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// LastMessage returns when the session last heard from the exchange.
func (s *Session) LastMessage() time.Time {
	return time.Unix(0, s.lastMsg.Load())
}

func (s *Session) touch() {
	s.lastMsg.Store(time.Now().UnixNano())
}

// Status is the health probe registered with the health endpoint. A session
// is healthy while its breaker is not open and the feed is not stale.
func (s *Session) Status() metrics.SessionStatus {
	snap := s.brk.Snapshot()
	last := s.LastMessage()
	healthy := snap.State != breaker.StateOpen &&
		time.Since(last) < 2*s.cfg.InactivityTimeout
	return metrics.SessionStatus{
		Exchange:     s.conn.Exchange(),
		ContractType: s.conn.ContractType(),
		State:        s.State().String(),
		BreakerState: snap.State.String(),
		Symbols:      s.SymbolCount(),
		LastMessage:  last,
		Healthy:      healthy,
	}
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.setState(StateClosed)

	first := true
	for {
		if ctx.Err() != nil {
			return
		}
		if !s.brk.Allow() {
			if !sleepCtx(ctx, s.cfg.ReconnectDelay) {
				return
			}
			continue
		}
		if !first {
			s.met.Reconnections.WithLabelValues(s.conn.Exchange()).Inc()
		}
		first = false

		err := s.runConn(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, errRestart):
			s.log.Info("restarting session with updated symbol set")
		case err != nil:
			s.brk.RecordFailure()
			s.setState(StateFailed)
			s.reportError(err)
			s.log.Warn("session failed", "error", err, "backoff", s.brk.Backoff())
			if !sleepCtx(ctx, s.cfg.ReconnectDelay) {
				return
			}
		}
	}
}

// runConn drives a single connection: dial, subscribe, then the streaming
// select loop. Returns nil only on context cancellation.
func (s *Session) runConn(ctx context.Context) error {
	symbols := s.snapshotSymbols()
	if len(symbols) == 0 {
		// Nothing to stream; wait for symbols or shutdown.
		select {
		case <-ctx.Done():
			return nil
		case syms := <-s.addCh:
			_ = syms // already merged into the set
			return errRestart
		case <-s.restartCh:
			return errRestart
		}
	}

	s.setState(StateConnecting)
	url, err := s.conn.DialURL(symbols)
	if err != nil {
		return &model.FeedError{
			Code:         model.ErrWSConnectFailed,
			Message:      err.Error(),
			Exchange:     s.conn.Exchange(),
			ContractType: s.conn.ContractType(),
			Symbols:      symbols,
		}
	}

	ws, _, err := s.Dialer.DialContext(ctx, url, nil)
	if err != nil {
		s.met.ConnectionErrors.WithLabelValues(s.conn.Exchange(), "dial").Inc()
		return &model.FeedError{
			Code:         model.ErrWSConnectFailed,
			Message:      fmt.Sprintf("dial %s: %v", url, err),
			Exchange:     s.conn.Exchange(),
			ContractType: s.conn.ContractType(),
			Symbols:      symbols,
		}
	}
	defer ws.Close()

	gauge := s.met.ActiveConnections.WithLabelValues(s.conn.Exchange(), s.conn.ContractType())
	gauge.Inc()
	defer gauge.Dec()

	s.setState(StateSubscribing)
	if err := s.subscribe(ws, symbols); err != nil {
		s.met.ConnectionErrors.WithLabelValues(s.conn.Exchange(), "subscribe").Inc()
		return err
	}

	s.brk.RecordSuccess()
	s.touch()
	s.log.Info("session streaming", "symbols", len(symbols), "url", url)

	var lastPong atomic.Int64
	lastPong.Store(time.Now().UnixNano())
	ws.SetPongHandler(func(string) error {
		lastPong.Store(time.Now().UnixNano())
		return nil
	})

	frames := make(chan []byte, 64)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	s.setState(StateStreaming)
	inactivity := time.NewTimer(s.cfg.InactivityTimeout)
	defer inactivity.Stop()
	ping := time.NewTicker(s.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return nil

		case err := <-readErr:
			s.met.ConnectionErrors.WithLabelValues(s.conn.Exchange(), "read").Inc()
			return &model.FeedError{
				Code:         model.ErrWSConnectFailed,
				Message:      fmt.Sprintf("connection lost: %v", err),
				Exchange:     s.conn.Exchange(),
				ContractType: s.conn.ContractType(),
				Symbols:      s.snapshotSymbols(),
			}

		case data := <-frames:
			s.handleFrame(ctx, ws, data)
			if !inactivity.Stop() {
				select {
				case <-inactivity.C:
				default:
				}
			}
			inactivity.Reset(s.cfg.InactivityTimeout)

		case <-inactivity.C:
			// Quiet feed. Fetch the latest bars over REST without dropping
			// the connection; the reader keeps running meanwhile.
			s.setState(StateIdle)
			s.log.Debug("feed quiet, running backfill", "quiet_for", s.cfg.InactivityTimeout)
			s.backfill(ctx)
			s.setState(StateStreaming)
			inactivity.Reset(s.cfg.InactivityTimeout)

		case <-ping.C:
			if time.Since(time.Unix(0, lastPong.Load())) > s.cfg.PingInterval+s.cfg.PingTimeout {
				s.met.ConnectionErrors.WithLabelValues(s.conn.Exchange(), "pong_timeout").Inc()
				return &model.FeedError{
					Code:         model.ErrWSStreamTimeout,
					Message:      "no pong from exchange",
					Exchange:     s.conn.Exchange(),
					ContractType: s.conn.ContractType(),
					Symbols:      s.snapshotSymbols(),
				}
			}
			ws.SetWriteDeadline(time.Now().Add(s.cfg.PingTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return &model.FeedError{
					Code:         model.ErrWSConnectFailed,
					Message:      fmt.Sprintf("ping write failed: %v", err),
					Exchange:     s.conn.Exchange(),
					ContractType: s.conn.ContractType(),
				}
			}

		case syms := <-s.addCh:
			s.setState(StateSubscribing)
			if err := s.subscribe(ws, syms); err != nil {
				return err
			}
			s.setState(StateStreaming)

		case <-s.restartCh:
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return errRestart
		}
	}
}

func (s *Session) subscribe(ws *websocket.Conn, symbols []string) error {
	payloads, err := s.conn.SubscribePayloads(symbols)
	if err != nil {
		return err
	}
	for _, payload := range payloads {
		ws.SetWriteDeadline(time.Now().Add(s.cfg.PingTimeout))
		if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
			return &model.FeedError{
				Code:         model.ErrWSConnectFailed,
				Message:      fmt.Sprintf("subscribe write failed: %v", err),
				Exchange:     s.conn.Exchange(),
				ContractType: s.conn.ContractType(),
				Symbols:      symbols,
			}
		}
	}
	return nil
}

func (s *Session) handleFrame(ctx context.Context, ws *websocket.Conn, data []byte) {
	res, err := s.conn.ParseFrame(data)
	if err != nil {
		var fe *model.FeedError
		if errors.As(err, &fe) {
			// Exchange-level rejection: surface to subscribers, keep streaming.
			s.reportError(fe)
			return
		}
		s.met.ParseErrors.WithLabelValues(s.conn.Exchange()).Inc()
		s.log.Debug("dropping unparseable frame", "error", err)
		return
	}

	s.touch()

	if res.Reply != nil {
		ws.SetWriteDeadline(time.Now().Add(s.cfg.PingTimeout))
		if err := ws.WriteMessage(websocket.TextMessage, res.Reply); err != nil {
			s.log.Warn("keep-alive reply failed", "error", err)
		}
	}

	received := time.Now()
	for _, c := range res.Candles {
		c.ReceivedAt = received
		s.ingest(ctx, c)
	}
}

// ingest routes one normalised candle: closed bars pass dedup and the
// blocking FIFO, open bars ride the lossy LIFO.
func (s *Session) ingest(ctx context.Context, c *model.Candle) {
	if c.IsClosed {
		if s.dd.CheckAndInsert(c.Exchange, c.ContractType, c.Symbol, c.OpenTimeMillis()) {
			return
		}
		if err := s.queue.OfferClosed(ctx, c); err != nil {
			if errors.Is(err, quotequeue.ErrBlockTimeout) {
				s.reportError(&model.FeedError{
					Code:         model.ErrQueueBackpressure,
					Message:      "closed-candle pipeline saturated, bar dropped",
					Exchange:     c.Exchange,
					ContractType: c.ContractType,
					Symbols:      []string{c.Symbol},
				})
			}
			return
		}
		s.met.QuotesProcessed.WithLabelValues(c.Exchange, c.ContractType, "true").Inc()
		return
	}
	s.queue.OfferOpen(c)
	s.met.QuotesProcessed.WithLabelValues(c.Exchange, c.ContractType, "false").Inc()
}

func (s *Session) backfill(ctx context.Context) {
	s.setState(StateBackfill)
	symbols := s.snapshotSymbols()
	candles, err := s.conn.Backfill(ctx, s.pool, symbols)
	if err != nil {
		s.met.RESTBackfills.WithLabelValues(s.conn.Exchange(), "error").Inc()
		var fe *model.FeedError
		if errors.As(err, &fe) {
			if len(fe.Symbols) == 0 {
				fe.Symbols = symbols
			}
			s.reportError(fe)
		} else {
			s.reportError(&model.FeedError{
				Code:         model.ErrRESTBackfillFailed,
				Message:      err.Error(),
				Exchange:     s.conn.Exchange(),
				ContractType: s.conn.ContractType(),
				Symbols:      symbols,
			})
		}
		return
	}
	s.met.RESTBackfills.WithLabelValues(s.conn.Exchange(), "ok").Inc()
	received := time.Now()
	for _, c := range candles {
		c.ReceivedAt = received
		s.ingest(ctx, c)
	}
}

func (s *Session) reportError(err error) {
	var fe *model.FeedError
	if !errors.As(err, &fe) {
		fe = &model.FeedError{
			Code:         model.ErrUnknown,
			Message:      err.Error(),
			Exchange:     s.conn.Exchange(),
			ContractType: s.conn.ContractType(),
		}
	}
	select {
	case s.errs <- fe:
	default:
		s.log.Warn("error sink full, dropping error", "code", fe.Code, "message", fe.Message)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
