// Package manager owns the upstream session pool and the subscription table.
// It validates subscribe requests, places symbols into sessions under the
// capacity limits, fans queued candles out to subscribers, and routes
// session errors to the subscribers they affect.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"candlegate/internal/breaker"
	"candlegate/internal/dedup"
	"candlegate/internal/exchange"
	"candlegate/internal/metrics"
	"candlegate/internal/model"
	"candlegate/internal/quotequeue"
	"candlegate/internal/restpool"
	"candlegate/internal/upstream"
)

// Subscriber receives fanned-out candles and routed errors. Implementations
// must not block in either method.
type Subscriber interface {
	Deliver(c *model.Candle)
	Fail(err *model.FeedError)
}

// Config holds the pool limits and the settings handed to new sessions.
type Config struct {
	MaxSymbolsPerSession int
	MaxConnsPerExchange  int // 0 = unlimited

	Session upstream.Config

	// Dialer, when set, replaces the default WebSocket dialer on every
	// session the manager spawns. Tests point it at local servers.
	Dialer *websocket.Dialer

	BreakerThreshold int
	BreakerBase      time.Duration
	BreakerMax       time.Duration
	BreakerHalfOpen  int
}

type poolKey struct {
	exchange     string
	contractType string
}

// Manager is the hub between upstream sessions and downstream subscribers.
type Manager struct {
	cfg    Config
	queue  *quotequeue.Queue
	dd     *dedup.Deduplicator
	pool   *restpool.Pool
	met    *metrics.Metrics
	health *metrics.HealthStatus
	log    *slog.Logger

	errs chan *model.FeedError

	mu       sync.Mutex
	sessions map[poolKey][]*upstream.Session
	subs     map[model.SubscriptionKey]map[Subscriber]struct{}
	seq      int
	ctx      context.Context
	started  bool
}

// New builds a manager around the shared queue, dedup, and REST pool.
func New(cfg Config, q *quotequeue.Queue, dd *dedup.Deduplicator, pool *restpool.Pool,
	met *metrics.Metrics, health *metrics.HealthStatus, log *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		queue:    q,
		dd:       dd,
		pool:     pool,
		met:      met,
		health:   health,
		log:      log.With("component", "manager"),
		errs:     make(chan *model.FeedError, 256),
		sessions: make(map[poolKey][]*upstream.Session),
		subs:     make(map[model.SubscriptionKey]map[Subscriber]struct{}),
	}
}

// Start launches the fan-out and error-routing loops. Sessions created later
// inherit ctx.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	m.started = true
	m.mu.Unlock()

	go m.fanout(ctx)
	go m.routeErrors(ctx)
}

// Subscribe registers the subscriber for every valid (exchange,
// contract_type, symbol) key and ensures a session is streaming each symbol.
// The result is partial per symbol: malformed symbols land in rejected while
// the valid subset is placed. An unknown exchange, unsupported contract type,
// empty request, or capacity shortfall rejects the whole request as an error
// without side effects. Repeat subscriptions by the same subscriber are
// no-ops.
func (m *Manager) Subscribe(sub Subscriber, exchangeName, contractType string, symbols []string) (accepted, rejected []string, err error) {
	if len(symbols) == 0 {
		return nil, nil, &model.FeedError{
			Code:         model.ErrInvalidSymbol,
			Message:      "subscription carries no symbols",
			Exchange:     exchangeName,
			ContractType: contractType,
		}
	}

	conn, err := exchange.New(exchangeName, contractType)
	if err != nil {
		return nil, nil, err
	}
	var valid []string
	for _, sym := range symbols {
		if conn.ValidateSymbol(sym) != nil {
			rejected = append(rejected, sym)
			continue
		}
		if !contains(valid, sym) {
			valid = append(valid, sym)
		}
	}
	if len(valid) == 0 {
		return nil, rejected, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := poolKey{exchange: exchangeName, contractType: contractType}

	// Symbols not yet streamed by any session need placement.
	var fresh []string
	for _, sym := range valid {
		if m.sessionFor(key, sym) == nil {
			fresh = append(fresh, sym)
		}
	}

	plan, err := m.placementPlan(key, fresh)
	if err != nil {
		return nil, rejected, err
	}

	// Commit: session placement first, then the subscription table.
	for sess, syms := range plan.additions {
		sess.AddSymbols(syms)
	}
	for _, group := range plan.newSessions {
		m.spawnSession(key, group)
	}
	for _, sym := range valid {
		sk := model.SubscriptionKey{Exchange: exchangeName, ContractType: contractType, Symbol: sym}
		set, ok := m.subs[sk]
		if !ok {
			set = make(map[Subscriber]struct{})
			m.subs[sk] = set
		}
		set[sub] = struct{}{}
	}
	return valid, rejected, nil
}

// Unsubscribe removes the subscriber from the given keys. Symbols nobody
// watches any more are dropped from their sessions; emptied sessions close.
func (m *Manager) Unsubscribe(sub Subscriber, keys []model.SubscriptionKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sk := range keys {
		m.dropLocked(sub, sk)
	}
}

// RemoveSubscriber drops the subscriber from every key, for disconnects.
func (m *Manager) RemoveSubscriber(sub Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sk, set := range m.subs {
		if _, ok := set[sub]; ok {
			m.dropLocked(sub, sk)
		}
	}
}

// Close shuts every session down and closes the queue so the fan-out loop
// drains and exits.
func (m *Manager) Close() {
	type closing struct {
		key  poolKey
		sess *upstream.Session
	}
	m.mu.Lock()
	var all []closing
	for key, list := range m.sessions {
		for _, sess := range list {
			all = append(all, closing{key, sess})
		}
	}
	m.sessions = make(map[poolKey][]*upstream.Session)
	m.mu.Unlock()

	for _, c := range all {
		c.sess.Close()
		m.health.Unregister(c.sess.ID)
		m.met.RemoveBreakerState(c.key.exchange, c.key.contractType, c.sess.ID)
	}
	m.queue.Close()
	m.pool.CloseIdle()
}

// Errors exposes the session error sink, for tests.
func (m *Manager) Errors() chan<- *model.FeedError { return m.errs }

// dropLocked removes one (subscriber, key) pair. Callers hold m.mu.
func (m *Manager) dropLocked(sub Subscriber, sk model.SubscriptionKey) {
	set, ok := m.subs[sk]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) > 0 {
		return
	}
	delete(m.subs, sk)

	key := poolKey{exchange: sk.Exchange, contractType: sk.ContractType}
	sess := m.sessionFor(key, sk.Symbol)
	if sess == nil {
		return
	}
	sess.RemoveSymbols([]string{sk.Symbol})
	if sess.SymbolCount() == 0 {
		m.removeSessionLocked(key, sess)
		// Close outside the lock would be nicer, but sessions stop quickly
		// and subscribe traffic is rare compared to candle flow.
		sess.Close()
		m.health.Unregister(sess.ID)
		m.met.RemoveBreakerState(key.exchange, key.contractType, sess.ID)
	}
}

func (m *Manager) removeSessionLocked(key poolKey, target *upstream.Session) {
	list := m.sessions[key]
	for i, sess := range list {
		if sess == target {
			m.sessions[key] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func (m *Manager) sessionFor(key poolKey, symbol string) *upstream.Session {
	for _, sess := range m.sessions[key] {
		if sess.HasSymbol(symbol) {
			return sess
		}
	}
	return nil
}

// placement describes how fresh symbols land in sessions without mutating
// anything until the whole request is known to fit.
type placement struct {
	additions   map[*upstream.Session][]string
	newSessions [][]string
}

func (m *Manager) placementPlan(key poolKey, fresh []string) (*placement, error) {
	plan := &placement{additions: make(map[*upstream.Session][]string)}
	if len(fresh) == 0 {
		return plan, nil
	}

	// Virtual per-session occupancy so the plan respects capacity as it fills.
	occupancy := make(map[*upstream.Session]int)
	for _, sess := range m.sessions[key] {
		occupancy[sess] = sess.SymbolCount()
	}

	for _, sym := range fresh {
		var target *upstream.Session
		for _, sess := range m.sessions[key] {
			if occupancy[sess] >= m.cfg.MaxSymbolsPerSession {
				continue
			}
			if !m.compatible(key, sess.Symbols(), sym) {
				continue
			}
			target = sess
			break
		}
		if target != nil {
			plan.additions[target] = append(plan.additions[target], sym)
			occupancy[target]++
			continue
		}

		// Try a planned new session.
		placed := false
		for i, group := range plan.newSessions {
			if len(group) >= m.cfg.MaxSymbolsPerSession {
				continue
			}
			if !m.compatible(key, group, sym) {
				continue
			}
			plan.newSessions[i] = append(group, sym)
			placed = true
			break
		}
		if !placed {
			plan.newSessions = append(plan.newSessions, []string{sym})
		}
	}

	if m.cfg.MaxConnsPerExchange > 0 {
		existing := 0
		for pk, list := range m.sessions {
			if pk.exchange == key.exchange {
				existing += len(list)
			}
		}
		if existing+len(plan.newSessions) > m.cfg.MaxConnsPerExchange {
			return nil, &model.FeedError{
				Code:         model.ErrConnectionPoolBusy,
				Message:      fmt.Sprintf("exchange %s is at its connection limit (%d)", key.exchange, m.cfg.MaxConnsPerExchange),
				Exchange:     key.exchange,
				ContractType: key.contractType,
				Symbols:      fresh,
			}
		}
	}
	return plan, nil
}

// compatible rejects pairings a single connection cannot carry. Gate.io
// coin-margined streams are routed per settle currency.
func (m *Manager) compatible(key poolKey, existing []string, symbol string) bool {
	if key.exchange != "gateio" || key.contractType != "cm" || len(existing) == 0 {
		return true
	}
	return settleOf(existing[0]) == settleOf(symbol)
}

func settleOf(symbol string) string {
	for i := 0; i < len(symbol); i++ {
		if symbol[i] == '_' {
			return symbol[:i]
		}
	}
	return symbol
}

// spawnSession creates, registers, and starts a session for the symbols.
// Callers hold m.mu.
func (m *Manager) spawnSession(key poolKey, symbols []string) {
	conn, err := exchange.New(key.exchange, key.contractType)
	if err != nil {
		// Validated upstream; reaching this is a programming error.
		m.log.Error("connector construction failed", "exchange", key.exchange, "contract_type", key.contractType, "error", err)
		return
	}

	m.seq++
	id := fmt.Sprintf("%s:%s:%d", key.exchange, key.contractType, m.seq)

	brk := breaker.New(m.cfg.BreakerThreshold, m.cfg.BreakerBase, m.cfg.BreakerMax, m.cfg.BreakerHalfOpen)
	brk.OnStateChange = func(from, to breaker.State) {
		m.met.SetBreakerState(key.exchange, key.contractType, id, to)
		m.log.Info("circuit breaker transition",
			"session", id,
			"from", from.String(), "to", to.String())
	}

	sess := upstream.New(id, conn, symbols, m.cfg.Session, brk, m.queue, m.dd, m.pool, m.met, m.errs, m.log)
	if m.cfg.Dialer != nil {
		sess.Dialer = m.cfg.Dialer
	}
	m.met.SetBreakerState(key.exchange, key.contractType, id, breaker.StateClosed)
	m.sessions[key] = append(m.sessions[key], sess)
	m.health.Register(id, sess.Status)

	ctx := m.ctx
	if !m.started {
		ctx = context.Background()
	}
	sess.Start(ctx)
	m.log.Info("session created", "session", id, "symbols", len(symbols))
}

// fanout pumps the queue to subscribers. A single goroutine consumes the
// queue, so closed candles for a key reach every subscriber in bar order.
func (m *Manager) fanout(ctx context.Context) {
	for {
		c, err := m.queue.Get(ctx)
		if err != nil {
			return
		}
		m.mu.Lock()
		set := m.subs[c.Key()]
		targets := make([]Subscriber, 0, len(set))
		for sub := range set {
			targets = append(targets, sub)
		}
		m.mu.Unlock()

		for _, sub := range targets {
			sub.Deliver(c)
		}
		if c.IsClosed && !c.ReceivedAt.IsZero() {
			m.met.QuoteLatency.Observe(time.Since(c.ReceivedAt).Seconds())
		}
	}
}

// routeErrors forwards session errors to the subscribers watching the
// affected keys.
func (m *Manager) routeErrors(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fe := <-m.errs:
			for _, sub := range m.affected(fe) {
				sub.Fail(fe)
			}
		}
	}
}

// affected resolves a FeedError to its subscriber set: the error's symbols
// when present, otherwise every key on the (exchange, contract_type) pair.
func (m *Manager) affected(fe *model.FeedError) []Subscriber {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[Subscriber]struct{})
	add := func(sk model.SubscriptionKey) {
		for sub := range m.subs[sk] {
			seen[sub] = struct{}{}
		}
	}

	if len(fe.Symbols) > 0 {
		for _, sym := range fe.Symbols {
			add(model.SubscriptionKey{Exchange: fe.Exchange, ContractType: fe.ContractType, Symbol: sym})
		}
	} else {
		for sk := range m.subs {
			if sk.Exchange == fe.Exchange && (fe.ContractType == "" || sk.ContractType == fe.ContractType) {
				add(sk)
			}
		}
	}

	out := make([]Subscriber, 0, len(seen))
	for sub := range seen {
		out = append(out, sub)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
