// Package quotequeue implements the dual-pipeline hand-off between upstream
// sessions and the downstream fan-out. Closed candles ride a bounded FIFO
// with backpressure so none are silently dropped; open candles ride a bounded
// LIFO where only the freshest snapshots matter and old ones may be shed.
package quotequeue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"candlegate/internal/model"
)

// ErrBlockTimeout is returned by OfferClosed when the closed pipeline stayed
// full past the producer block limit.
var ErrBlockTimeout = errors.New("quotequeue: closed pipeline full past block limit")

// ErrDrained is returned by Get once the queue is closed and empty.
var ErrDrained = errors.New("quotequeue: drained")

// Queue carries candles from sessions to the fan-out loop. Closed candles
// are delivered strictly in arrival order and ahead of any open candle.
type Queue struct {
	closed chan *model.Candle

	mu       sync.Mutex
	open     []*model.Candle // LIFO, top at the end
	openMax  int             // 0 = unbounded
	shutdown bool

	notify chan struct{} // wakes Get when an open candle or shutdown arrives

	blockLimit time.Duration // 0 = wait forever

	blockingEvents atomic.Uint64
	openDropped    atomic.Uint64
}

// New creates a queue. closedMax bounds the FIFO pipeline; openMax bounds the
// LIFO pipeline (0 for unbounded); blockLimit caps how long OfferClosed may
// block on a full FIFO (0 to wait indefinitely).
func New(closedMax, openMax int, blockLimit time.Duration) *Queue {
	return &Queue{
		closed:     make(chan *model.Candle, closedMax),
		openMax:    openMax,
		notify:     make(chan struct{}, 1),
		blockLimit: blockLimit,
	}
}

// OfferClosed enqueues a closed candle, blocking while the pipeline is full.
// Each time a full pipeline is encountered the blocking-event counter is
// incremented. Returns ErrBlockTimeout if the block limit elapses, or the
// context error if ctx is cancelled while waiting.
func (q *Queue) OfferClosed(ctx context.Context, c *model.Candle) error {
	select {
	case q.closed <- c:
		return nil
	default:
	}

	// Pipeline full: this is a backpressure event whether or not the wait
	// ultimately succeeds.
	q.blockingEvents.Add(1)

	if q.blockLimit <= 0 {
		select {
		case q.closed <- c:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	timer := time.NewTimer(q.blockLimit)
	defer timer.Stop()
	select {
	case q.closed <- c:
		return nil
	case <-timer.C:
		return ErrBlockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OfferOpen pushes an open candle onto the LIFO pipeline. When the pipeline
// is at capacity the oldest (bottom) entry is discarded to make room; open
// candles are superseded by the next update so shedding stale ones is safe.
func (q *Queue) OfferOpen(c *model.Candle) {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return
	}
	if q.openMax > 0 && len(q.open) >= q.openMax {
		copy(q.open, q.open[1:])
		q.open = q.open[:len(q.open)-1]
		q.openDropped.Add(1)
	}
	q.open = append(q.open, c)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Get returns the next candle, preferring the closed pipeline. It blocks
// until a candle is available, ctx is cancelled, or the queue is closed and
// fully drained (ErrDrained).
func (q *Queue) Get(ctx context.Context) (*model.Candle, error) {
	for {
		// Closed candles always win when both pipelines are non-empty.
		select {
		case c := <-q.closed:
			return c, nil
		default:
		}

		if c := q.popOpen(); c != nil {
			return c, nil
		}

		q.mu.Lock()
		done := q.shutdown
		q.mu.Unlock()
		if done {
			// Shutdown raced with a late producer; take one more pass.
			select {
			case c := <-q.closed:
				return c, nil
			default:
			}
			if c := q.popOpen(); c != nil {
				return c, nil
			}
			return nil, ErrDrained
		}

		select {
		case c := <-q.closed:
			return c, nil
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// popOpen takes the most recent open candle, or nil when the stack is empty.
func (q *Queue) popOpen() *model.Candle {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.open)
	if n == 0 {
		return nil
	}
	c := q.open[n-1]
	q.open[n-1] = nil
	q.open = q.open[:n-1]
	return c
}

// Close marks the queue as shutting down. Producers are rejected on the open
// pipeline and consumers drain what remains before receiving ErrDrained.
// Closed-pipeline producers already in flight complete normally.
func (q *Queue) Close() {
	q.mu.Lock()
	q.shutdown = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// ClosedDepth reports the current closed-pipeline occupancy.
func (q *Queue) ClosedDepth() int { return len(q.closed) }

// OpenDepth reports the current open-pipeline occupancy.
func (q *Queue) OpenDepth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.open)
}

// BlockingEvents reports how many times a producer met a full closed pipeline.
func (q *Queue) BlockingEvents() uint64 { return q.blockingEvents.Load() }

// OpenDropped reports how many open candles were shed on overflow.
func (q *Queue) OpenDropped() uint64 { return q.openDropped.Load() }
