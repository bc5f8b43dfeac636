package quotequeue

import (
	"context"
	"errors"
	"testing"
	"time"

	"candlegate/internal/model"
)

func candle(symbol string, minute int, closed bool) *model.Candle {
	return &model.Candle{
		Exchange:     "binance",
		ContractType: "spot",
		Symbol:       symbol,
		OpenTime:     time.Date(2025, 1, 1, 0, minute, 0, 0, time.UTC),
		IsClosed:     closed,
	}
}

func TestClosedPipelineFIFOOrder(t *testing.T) {
	q := New(16, 0, 0)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := q.OfferClosed(ctx, candle("BTCUSDT", i, true)); err != nil {
			t.Fatalf("OfferClosed: %v", err)
		}
	}
	for i := 0; i < 5; i++ {
		c, err := q.Get(ctx)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if c.OpenTime.Minute() != i {
			t.Fatalf("got minute %d at position %d, want FIFO order", c.OpenTime.Minute(), i)
		}
	}
}

func TestClosedBeatsOpen(t *testing.T) {
	q := New(16, 0, 0)
	ctx := context.Background()

	q.OfferOpen(candle("BTCUSDT", 0, false))
	if err := q.OfferClosed(ctx, candle("BTCUSDT", 1, true)); err != nil {
		t.Fatalf("OfferClosed: %v", err)
	}
	q.OfferOpen(candle("BTCUSDT", 2, false))

	c, err := q.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !c.IsClosed {
		t.Fatal("open candle delivered while a closed candle was queued")
	}
}

func TestOpenPipelineLIFO(t *testing.T) {
	q := New(16, 0, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		q.OfferOpen(candle("BTCUSDT", i, false))
	}

	c, err := q.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if c.OpenTime.Minute() != 2 {
		t.Fatalf("got minute %d, want freshest (2) first", c.OpenTime.Minute())
	}
}

func TestOpenOverflowDropsOldest(t *testing.T) {
	q := New(16, 2, 0)
	ctx := context.Background()

	q.OfferOpen(candle("BTCUSDT", 0, false))
	q.OfferOpen(candle("BTCUSDT", 1, false))
	q.OfferOpen(candle("BTCUSDT", 2, false)) // sheds minute 0

	if got := q.OpenDropped(); got != 1 {
		t.Fatalf("OpenDropped = %d, want 1", got)
	}

	first, _ := q.Get(ctx)
	second, _ := q.Get(ctx)
	if first.OpenTime.Minute() != 2 || second.OpenTime.Minute() != 1 {
		t.Fatalf("drained minutes %d,%d — want 2,1 with 0 shed",
			first.OpenTime.Minute(), second.OpenTime.Minute())
	}
}

func TestOfferClosedBlocksUntilConsumed(t *testing.T) {
	q := New(1, 0, 0)
	ctx := context.Background()

	if err := q.OfferClosed(ctx, candle("BTCUSDT", 0, true)); err != nil {
		t.Fatalf("OfferClosed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- q.OfferClosed(ctx, candle("BTCUSDT", 1, true))
	}()

	select {
	case err := <-done:
		t.Fatalf("producer did not block on full pipeline (err=%v)", err)
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := q.Get(ctx); err != nil {
		t.Fatalf("Get: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("blocked producer: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("producer still blocked after capacity freed")
	}

	if got := q.BlockingEvents(); got != 1 {
		t.Fatalf("BlockingEvents = %d, want 1", got)
	}
}

func TestOfferClosedBlockLimit(t *testing.T) {
	q := New(1, 0, 20*time.Millisecond)
	ctx := context.Background()

	q.OfferClosed(ctx, candle("BTCUSDT", 0, true))
	err := q.OfferClosed(ctx, candle("BTCUSDT", 1, true))
	if !errors.Is(err, ErrBlockTimeout) {
		t.Fatalf("err = %v, want ErrBlockTimeout", err)
	}
}

func TestGetHonoursContext(t *testing.T) {
	q := New(1, 0, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Get(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestCloseDrainsThenReportsDrained(t *testing.T) {
	q := New(16, 0, 0)
	ctx := context.Background()

	q.OfferClosed(ctx, candle("BTCUSDT", 0, true))
	q.OfferOpen(candle("BTCUSDT", 1, false))
	q.Close()

	if c, err := q.Get(ctx); err != nil || !c.IsClosed {
		t.Fatalf("first drain = (%v, %v), want queued closed candle", c, err)
	}
	if c, err := q.Get(ctx); err != nil || c.IsClosed {
		t.Fatalf("second drain = (%v, %v), want queued open candle", c, err)
	}
	if _, err := q.Get(ctx); !errors.Is(err, ErrDrained) {
		t.Fatalf("err = %v, want ErrDrained", err)
	}
}

func TestGetWakesOnLateProducer(t *testing.T) {
	q := New(16, 0, 0)
	ctx := context.Background()

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.OfferClosed(context.Background(), candle("BTCUSDT", 0, true))
	}()

	c, err := q.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if c.Symbol != "BTCUSDT" {
		t.Fatalf("unexpected candle %+v", c)
	}
}
