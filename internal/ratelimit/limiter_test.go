package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRate(t *testing.T) {
	tests := []struct {
		name    string
		initial float64
		set     float64 // 0 leaves the initial rate
		want    float64
	}{
		{"initial", 100, 0, 100},
		{"zero clamps", 0, 0, 1},
		{"negative clamps", -5, 0, 1},
		{"raise", 100, 500, 500},
		{"fractional", 2.5, 0, 2.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New(tt.initial)
			if tt.set != 0 {
				l.SetRate(tt.set)
			}
			if got := l.Rate(); got != tt.want {
				t.Errorf("Rate() = %v, want %v", got, tt.want)
			}
		})
	}

	l := New(100)
	l.SetRate(-1)
	if got := l.Rate(); got != 1 {
		t.Errorf("Rate() after SetRate(-1) = %v, want 1", got)
	}
}

func TestBurstFor(t *testing.T) {
	tests := []struct {
		rate float64
		want int
	}{
		{1, 1},
		{99, 1},
		{100, 1},
		{1000, 10},
		{5000, 50},
	}
	for _, tt := range tests {
		if got := burstFor(tt.rate); got != tt.want {
			t.Errorf("burstFor(%v) = %d, want %d", tt.rate, got, tt.want)
		}
	}
}

func TestFirstWaitIsImmediate(t *testing.T) {
	l := New(10000)

	start := time.Now()
	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if took := time.Since(start); took > 10*time.Millisecond {
		t.Errorf("first Wait() took %v, want near-instant", took)
	}
}

func TestWaitCancelled(t *testing.T) {
	l := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := l.Wait(ctx); err != nil {
		t.Fatalf("first Wait() error = %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if err := l.Wait(ctx); err == nil {
		t.Error("Wait() on cancelled context error = nil, want error")
	}
}

// A worker that gives up waiting (task timeout, shutdown) must not eat into
// the rate available to the others.
func TestCancelledWaitKeepsCapacity(t *testing.T) {
	l := New(100)
	if err := l.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}

	for range 10 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
		_ = l.Wait(ctx)
		cancel()
	}

	start := time.Now()
	for range 9 {
		if err := l.Wait(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	// 9 permits at 100/s is ~90ms; leaked permits would push this past 190ms.
	if took := time.Since(start); took > 150*time.Millisecond {
		t.Errorf("9 permits after cancelled waits took %v, want ~90ms", took)
	}
}

func TestSpacing(t *testing.T) {
	const rate = 100.0
	l := New(rate)

	const n = 10
	start := time.Now()
	for range n {
		if err := l.Wait(context.Background()); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}
	took := time.Since(start)

	want := time.Duration(float64(time.Second) * (n - 1) / rate)
	if took < want*8/10 || took > want*13/10 {
		t.Errorf("%d permits took %v, want ~%v", n, took, want)
	}
}

func TestConcurrentWorkers(t *testing.T) {
	const (
		rate      = 10000.0
		workers   = 100
		perWorker = 100
		total     = workers * perWorker
	)
	l := New(rate)

	var wg sync.WaitGroup
	var granted atomic.Int64
	start := time.Now()
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWorker {
				if err := l.Wait(context.Background()); err != nil {
					return
				}
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	took := time.Since(start)

	if got := granted.Load(); got != total {
		t.Errorf("granted = %d, want %d", got, total)
	}
	want := time.Duration(float64(time.Second) * (total - 1) / rate)
	if took < want*7/10 || took > want*14/10 {
		t.Errorf("%d permits across %d workers took %v, want ~%v", total, workers, took, want)
	}
}

func TestSetRateTakesEffect(t *testing.T) {
	l := New(100)
	for range 5 {
		l.Wait(context.Background())
	}

	l.SetRate(1000)
	start := time.Now()
	for range 10 {
		l.Wait(context.Background())
	}
	// ~9ms at the new rate, ~100ms at the old one
	if took := time.Since(start); took > 50*time.Millisecond {
		t.Errorf("10 permits after SetRate(1000) took %v", took)
	}
}

func TestSustainedRate(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}
	const rate = 5000.0
	l := New(rate)

	window := 2 * time.Second
	deadline := time.Now().Add(window)
	var count int64
	for time.Now().Before(deadline) {
		if err := l.Wait(context.Background()); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
		count++
	}

	want := int64(rate * window.Seconds())
	diff := count - want
	if diff < 0 {
		diff = -diff
	}
	if diff > want/50 {
		t.Errorf("permits in %v = %d, want %d ±2%%", window, count, want)
	}
}
