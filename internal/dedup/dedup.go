// Package dedup filters duplicate closed candles. Exchanges resend the final
// bar for a minute on reconnects and REST backfill overlaps the stream, so
// the same bar can arrive more than once within a short window. Entries are
// keyed by the full (exchange, contract_type, symbol, bar start) tuple: the
// same symbol trades on several exchanges, and one venue's bar must never
// suppress another's. Only closed candles are deduplicated; open candles are
// in-place updates and pass through untouched.
package dedup

import (
	"sync"
	"time"
)

type entryKey struct {
	exchange     string
	contractType string
	symbol       string
	openTimeMS   int64
}

// Deduplicator remembers recently seen closed bars for a bounded window.
// Safe for concurrent use.
type Deduplicator struct {
	mu      sync.Mutex
	seen    map[entryKey]time.Time
	order   []entryKey // insertion order, for oldest-first eviction
	window  time.Duration
	maxSize int
	now     func() time.Time

	filtered uint64
}

// New creates a deduplicator with the given retention window and entry cap.
func New(window time.Duration, maxSize int) *Deduplicator {
	return &Deduplicator{
		seen:    make(map[entryKey]time.Time),
		window:  window,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// CheckAndInsert reports whether the (exchange, contractType, symbol,
// openTimeMS) tuple is a duplicate within the window. Fresh tuples are
// recorded; duplicates are counted and the original entry's timestamp is left
// untouched, so the window measures time since first sight.
func (d *Deduplicator) CheckAndInsert(exchange, contractType, symbol string, openTimeMS int64) bool {
	key := entryKey{exchange: exchange, contractType: contractType, symbol: symbol, openTimeMS: openTimeMS}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.evictExpired(now)

	if first, ok := d.seen[key]; ok && now.Sub(first) < d.window {
		d.filtered++
		return true
	}

	if len(d.seen) >= d.maxSize {
		d.evictOldest()
	}
	d.seen[key] = now
	d.order = append(d.order, key)
	return false
}

// FilteredCount returns the number of duplicates rejected so far.
func (d *Deduplicator) FilteredCount() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.filtered
}

// Len returns the number of live entries, for introspection in tests.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// evictExpired drops entries older than the window from the front of the
// insertion order. Entries are inserted in time order so the scan stops at
// the first live one. Callers hold d.mu.
func (d *Deduplicator) evictExpired(now time.Time) {
	i := 0
	for ; i < len(d.order); i++ {
		key := d.order[i]
		first, ok := d.seen[key]
		if !ok {
			continue // already evicted by the size cap
		}
		if now.Sub(first) < d.window {
			break
		}
		delete(d.seen, key)
	}
	if i > 0 {
		d.order = d.order[i:]
	}
}

// evictOldest removes the single oldest live entry to make room.
// Callers hold d.mu.
func (d *Deduplicator) evictOldest() {
	for len(d.order) > 0 {
		key := d.order[0]
		d.order = d.order[1:]
		if _, ok := d.seen[key]; ok {
			delete(d.seen, key)
			return
		}
	}
}
