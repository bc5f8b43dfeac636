package dedup

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestFreshThenDuplicate(t *testing.T) {
	d := New(120*time.Second, 10000)

	if d.CheckAndInsert("binance", "spot", "BTCUSDT", 1700000000000) {
		t.Fatal("first sighting reported as duplicate")
	}
	if !d.CheckAndInsert("binance", "spot", "BTCUSDT", 1700000000000) {
		t.Fatal("second sighting not reported as duplicate")
	}
	if got := d.FilteredCount(); got != 1 {
		t.Fatalf("FilteredCount = %d, want 1", got)
	}
}

func TestDistinctKeysAreIndependent(t *testing.T) {
	d := New(120*time.Second, 10000)

	if d.CheckAndInsert("binance", "spot", "BTCUSDT", 1700000000000) {
		t.Fatal("fresh key reported duplicate")
	}
	if d.CheckAndInsert("binance", "spot", "ETHUSDT", 1700000000000) {
		t.Fatal("different symbol reported duplicate")
	}
	if d.CheckAndInsert("binance", "spot", "BTCUSDT", 1700000060000) {
		t.Fatal("different bar start reported duplicate")
	}
}

func TestSameBarOnAnotherExchangeIsFresh(t *testing.T) {
	d := New(120*time.Second, 10000)

	if d.CheckAndInsert("binance", "spot", "BTCUSDT", 1700000000000) {
		t.Fatal("fresh key reported duplicate")
	}
	// The same symbol and minute on a different venue is a different bar.
	if d.CheckAndInsert("bybit", "spot", "BTCUSDT", 1700000000000) {
		t.Fatal("bybit bar suppressed by binance entry")
	}
	// Same venue, different contract type is also a different bar.
	if d.CheckAndInsert("binance", "usdm", "BTCUSDT", 1700000000000) {
		t.Fatal("usdm bar suppressed by spot entry")
	}
	if got := d.FilteredCount(); got != 0 {
		t.Fatalf("FilteredCount = %d, want 0", got)
	}
}

func TestWindowExpiry(t *testing.T) {
	d := New(120*time.Second, 10000)
	clock := time.Now()
	d.now = func() time.Time { return clock }

	d.CheckAndInsert("binance", "spot", "BTCUSDT", 1700000000000)

	clock = clock.Add(119 * time.Second)
	if !d.CheckAndInsert("binance", "spot", "BTCUSDT", 1700000000000) {
		t.Fatal("sighting inside window not reported as duplicate")
	}

	clock = clock.Add(2 * time.Second)
	if d.CheckAndInsert("binance", "spot", "BTCUSDT", 1700000000000) {
		t.Fatal("sighting after window expiry reported as duplicate")
	}
}

func TestExpiredEntriesEvicted(t *testing.T) {
	d := New(120*time.Second, 10000)
	clock := time.Now()
	d.now = func() time.Time { return clock }

	for i := 0; i < 100; i++ {
		d.CheckAndInsert("binance", "spot", "BTCUSDT", int64(i))
	}
	clock = clock.Add(121 * time.Second)
	d.CheckAndInsert("binance", "spot", "ETHUSDT", 0)

	if got := d.Len(); got != 1 {
		t.Fatalf("Len = %d after expiry sweep, want 1", got)
	}
}

func TestOverflowEvictsOldest(t *testing.T) {
	d := New(time.Hour, 3)

	d.CheckAndInsert("binance", "spot", "A", 1)
	d.CheckAndInsert("binance", "spot", "B", 2)
	d.CheckAndInsert("binance", "spot", "C", 3)
	d.CheckAndInsert("binance", "spot", "D", 4) // evicts A

	if got := d.Len(); got != 3 {
		t.Fatalf("Len = %d, want 3", got)
	}
	if d.CheckAndInsert("binance", "spot", "A", 1) {
		t.Fatal("evicted oldest entry still reported as duplicate")
	}
	// B was next oldest and got evicted making room for A.
	if !d.CheckAndInsert("binance", "spot", "C", 3) {
		t.Fatal("retained entry not reported as duplicate")
	}
}

func TestConcurrentExactlyOneFresh(t *testing.T) {
	d := New(120*time.Second, 10000)

	const workers = 16
	const keys = 50

	var fresh atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < keys; k++ {
				if !d.CheckAndInsert("binance", "spot", fmt.Sprintf("SYM%d", k), 1700000000000) {
					fresh.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	if got := fresh.Load(); got != keys {
		t.Fatalf("fresh insertions = %d, want exactly %d", got, keys)
	}
	if got := d.FilteredCount(); got != uint64(keys*(workers-1)) {
		t.Fatalf("FilteredCount = %d, want %d", got, keys*(workers-1))
	}
}
