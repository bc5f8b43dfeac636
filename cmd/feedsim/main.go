// cmd/feedsim — Mock exchange feed server.
// Speaks the Binance combined-stream dialect so the gateway can be exercised
// without real exchange connectivity (point the session dialer at it, or use
// it to eyeball the wire format).
//
// Kline frames look like the live feed:
//
//	{"stream":"btcusdt@kline_1m","data":{"s":"BTCUSDT","k":{"t":...,"o":"...","x":false}}}
//
// A closed frame (x=true) is emitted at each minute rollover, then a fresh
// bar opens. /api/klines serves the last bars for backfill testing.
//
// Config (env vars):
//
//	FEEDSIM_ADDR         — listen address (default ":9010")
//	FEEDSIM_SYMBOLS      — comma-separated symbols (default "BTCUSDT,ETHUSDT")
//	FEEDSIM_INTERVAL_MS  — update interval milliseconds (default "250")
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type klinePayload struct {
	Symbol   string `json:"s"`
	OpenTime int64  `json:"t"`
	Open     string `json:"o"`
	High     string `json:"h"`
	Low      string `json:"l"`
	Close    string `json:"c"`
	Volume   string `json:"v"`
	TradeNum int64  `json:"n"`
	IsClosed bool   `json:"x"`
}

type streamMsg struct {
	Stream string `json:"stream"`
	Data   struct {
		Symbol string       `json:"s"`
		Kline  klinePayload `json:"k"`
	} `json:"data"`
}

// bar holds per-symbol simulation state for the current minute.
type bar struct {
	symbol   string
	openTime time.Time
	open     float64
	high     float64
	low      float64
	last     float64
	volume   float64
	trades   int64
}

// ─── Hub ──────────────────────────────────────────────────────────────────────

type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]chan []byte)}
}

func (h *hub) register(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 256)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.clients {
		select {
		case ch <- msg:
		default: // slow client — drop frame
		}
	}
}

// ─── WebSocket handler ────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func wsHandler(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[feedsim] upgrade error: %v", err)
			return
		}
		log.Printf("[feedsim] client connected: %s streams=%s", r.RemoteAddr, r.URL.Query().Get("streams"))

		ch := h.register(conn)
		defer func() {
			h.unregister(conn)
			conn.Close()
			log.Printf("[feedsim] client disconnected: %s", r.RemoteAddr)
		}()

		// Drain pings and subscribe frames; the sim broadcasts everything.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for msg := range ch {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// ─── Candle generator ─────────────────────────────────────────────────────────

// walkPrice applies a tiny random walk (±0.1%) to simulate price movement.
func walkPrice(price float64) float64 {
	pct := (rand.Float64()*0.2 - 0.1) / 100.0
	next := price * (1 + pct)
	if next < 0.01 {
		next = 0.01
	}
	return next
}

func newBar(symbol string, openTime time.Time, price float64) *bar {
	return &bar{
		symbol:   symbol,
		openTime: openTime,
		open:     price, high: price, low: price, last: price,
	}
}

func (b *bar) tick() {
	b.last = walkPrice(b.last)
	if b.last > b.high {
		b.high = b.last
	}
	if b.last < b.low {
		b.low = b.last
	}
	b.volume += rand.Float64() * 2
	b.trades += int64(rand.Intn(5) + 1)
}

func (b *bar) frame(closed bool) []byte {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }
	var msg streamMsg
	msg.Stream = strings.ToLower(b.symbol) + "@kline_1m"
	msg.Data.Symbol = b.symbol
	msg.Data.Kline = klinePayload{
		Symbol:   b.symbol,
		OpenTime: b.openTime.UnixMilli(),
		Open:     f(b.open),
		High:     f(b.high),
		Low:      f(b.low),
		Close:    f(b.last),
		Volume:   f(b.volume),
		TradeNum: b.trades,
		IsClosed: closed,
	}
	out, _ := json.Marshal(msg)
	return out
}

// row renders the bar as a Binance REST kline array.
func (b *bar) row() []any {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }
	return []any{
		b.openTime.UnixMilli(), f(b.open), f(b.high), f(b.low), f(b.last), f(b.volume),
		b.openTime.Add(time.Minute).UnixMilli() - 1, "0", b.trades, "0", "0", "0",
	}
}

type generator struct {
	mu      sync.Mutex
	bars    map[string]*bar   // current minute
	history map[string][]*bar // finished bars, newest last
}

func (g *generator) run(h *hub, symbols []string, interval time.Duration) {
	start := time.Now().UTC().Truncate(time.Minute)
	startPrices := map[string]float64{"BTCUSDT": 60000, "ETHUSDT": 3000}

	g.mu.Lock()
	for _, sym := range symbols {
		price := startPrices[sym]
		if price == 0 {
			price = 100
		}
		g.bars[sym] = newBar(sym, start, price)
	}
	g.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for now := range ticker.C {
		minute := now.UTC().Truncate(time.Minute)
		g.mu.Lock()
		for sym, b := range g.bars {
			if minute.After(b.openTime) {
				// Minute rolled over: close the bar, then open the next.
				h.broadcast(b.frame(true))
				g.history[sym] = append(g.history[sym], b)
				if len(g.history[sym]) > 120 {
					g.history[sym] = g.history[sym][1:]
				}
				b = newBar(sym, minute, b.last)
				g.bars[sym] = b
			}
			b.tick()
			h.broadcast(b.frame(false))
		}
		g.mu.Unlock()
	}
}

// klinesHandler serves /api/klines?symbol=BTCUSDT&limit=2 in the Binance REST
// shape: finished bars oldest-first, current bar last.
func (g *generator) klinesHandler(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.URL.Query().Get("symbol"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 2
	}

	g.mu.Lock()
	var rows [][]any
	for _, b := range g.history[symbol] {
		rows = append(rows, b.row())
	}
	if cur, ok := g.bars[symbol]; ok {
		rows = append(rows, cur.row())
	}
	g.mu.Unlock()

	if len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rows)
}

// ─── main ─────────────────────────────────────────────────────────────────────

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[feedsim] starting mock exchange feed...")

	addr := envOrDefault("FEEDSIM_ADDR", ":9010")
	symbols := strings.Split(envOrDefault("FEEDSIM_SYMBOLS", "BTCUSDT,ETHUSDT"), ",")
	intervalMs := envIntOrDefault("FEEDSIM_INTERVAL_MS", 250)
	for i := range symbols {
		symbols[i] = strings.ToUpper(strings.TrimSpace(symbols[i]))
	}

	h := newHub()
	gen := &generator{bars: make(map[string]*bar), history: make(map[string][]*bar)}
	go gen.run(h, symbols, time.Duration(intervalMs)*time.Millisecond)

	http.HandleFunc("/stream", wsHandler(h))
	http.HandleFunc("/api/klines", gen.klinesHandler)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"feedsim"}`)
	})

	log.Printf("[feedsim] symbols: %v, interval: %dms", symbols, intervalMs)
	log.Printf("[feedsim] listening on %s (WebSocket: ws://localhost%s/stream)", addr, addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("[feedsim] server error: %v", err)
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
