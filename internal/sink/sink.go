// Package sink decouples outcome logging from the workers that produce it.
// Workers enqueue without blocking; a background worker writes batches.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/gateway-fm/txfleet/internal/metrics"
	"github.com/gateway-fm/txfleet/internal/storage"
)

// Defaults
const (
	DefaultChannelCapacity = 1000
	DefaultBatchSize       = 200
	DefaultFlushInterval   = 200 * time.Millisecond
	DefaultShutdownTimeout = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
)

// ErrClosed is returned by Enqueue after Shutdown.
var ErrClosed = errors.New("result sink closed")

// Writer persists one batch. It must not retain the slice after returning.
type Writer interface {
	WriteResults(ctx context.Context, results []storage.TaskResult) error
}

// Policy decides what Enqueue does when the channel is full.
type Policy int

const (
	// PolicyDrop discards the record and counts it.
	PolicyDrop Policy = iota
	// PolicyDropWarn discards the record, counts it, and logs a warning.
	PolicyDropWarn
	// PolicyBlock waits for space. It stalls the caller under overload.
	PolicyBlock
)

func (p Policy) String() string {
	switch p {
	case PolicyDrop:
		return "drop"
	case PolicyDropWarn:
		return "drop-warn"
	case PolicyBlock:
		return "block"
	default:
		return "unknown"
	}
}

// ParsePolicy parses "drop", "drop-warn" or "block".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "drop", "":
		return PolicyDrop, nil
	case "drop-warn", "warn", "hybrid":
		return PolicyDropWarn, nil
	case "block", "sync":
		return PolicyBlock, nil
	default:
		return PolicyDrop, fmt.Errorf("unknown overflow policy %q (want drop, drop-warn or block)", s)
	}
}

// Config configures a Sink. Zero values fall back to defaults.
type Config struct {
	ChannelCapacity int
	BatchSize       int
	FlushInterval   time.Duration
	Policy          Policy
	Clock           clock.Clock
}

// Stats is a snapshot of the sink counters.
type Stats struct {
	Queued      int64 `json:"queued"`
	Dropped     int64 `json:"dropped"`
	Flushed     int64 `json:"flushed"`
	FlushErrors int64 `json:"flushErrors"`
	Pending     int   `json:"pending"`

	// LastFlush is when the last batch was written; zero before the first.
	LastFlush time.Time `json:"lastFlush"`
}

// Sink is a bounded, batching result queue.
type Sink struct {
	cfg    Config
	writer Writer
	logger *slog.Logger
	prom   *metrics.PrometheusMetrics

	ch     chan storage.TaskResult
	ticker *clock.Ticker
	done   chan struct{}

	mu     sync.RWMutex
	closed bool

	queued      metrics.Counter
	dropped     metrics.Counter
	flushed     metrics.Counter
	flushErrors metrics.Counter
	lastFlush   atomic.Int64 // unix nanos
}

// New creates a sink and starts its flush worker.
func New(cfg Config, writer Writer, prom *metrics.PrometheusMetrics, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ChannelCapacity <= 0 {
		cfg.ChannelCapacity = DefaultChannelCapacity
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	s := &Sink{
		cfg:    cfg,
		writer: writer,
		logger: logger,
		prom:   prom,
		ch:     make(chan storage.TaskResult, cfg.ChannelCapacity),
		ticker: cfg.Clock.Ticker(cfg.FlushInterval),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Enqueue hands a record to the flush worker. It never blocks unless the
// policy is PolicyBlock. Overflow is counted, not returned.
func (s *Sink) Enqueue(rec storage.TaskResult) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	if s.cfg.Policy == PolicyBlock {
		s.ch <- rec
		s.markQueued()
		return nil
	}

	select {
	case s.ch <- rec:
		s.markQueued()
	default:
		n := s.dropped.Inc()
		if s.prom != nil {
			s.prom.ResultsDropped.Inc()
		}
		if s.cfg.Policy == PolicyDropWarn {
			s.logger.Warn("result channel full, dropping record",
				slog.String("task", rec.TaskName),
				slog.String("wallet", rec.Wallet),
				slog.Int64("dropped_total", n))
		}
	}
	return nil
}

func (s *Sink) markQueued() {
	s.queued.Inc()
	if s.prom != nil {
		s.prom.ResultsQueued.Inc()
	}
}

// Stats returns the current counters.
func (s *Sink) Stats() Stats {
	st := Stats{
		Queued:      s.queued.Load(),
		Dropped:     s.dropped.Load(),
		Flushed:     s.flushed.Load(),
		FlushErrors: s.flushErrors.Load(),
		Pending:     len(s.ch),
	}
	if ns := s.lastFlush.Load(); ns != 0 {
		st.LastFlush = time.Unix(0, ns).UTC()
	}
	return st
}

// Shutdown stops intake, drains the channel with one final flush, and waits
// for the worker until ctx is done.
func (s *Sink) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("result sink shutdown: %w", ctx.Err())
	}
}

func (s *Sink) run() {
	defer close(s.done)
	defer s.ticker.Stop()

	batch := make([]storage.TaskResult, 0, s.cfg.BatchSize)
	for {
		select {
		case rec, ok := <-s.ch:
			if !ok {
				s.flush(batch)
				return
			}
			batch = append(batch, rec)
			if len(batch) >= s.cfg.BatchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-s.ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (s *Sink) flush(batch []storage.TaskResult) {
	if len(batch) == 0 || s.writer == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
	defer cancel()

	start := s.cfg.Clock.Now()
	if err := s.writer.WriteResults(ctx, batch); err != nil {
		s.flushErrors.Inc()
		if s.prom != nil {
			s.prom.ResultFlushErrors.Inc()
		}
		s.logger.Error("failed to flush results",
			slog.Int("batch", len(batch)),
			slog.String("error", err.Error()))
		return
	}
	s.lastFlush.Store(s.cfg.Clock.Now().UnixNano())
	s.flushed.Add(int64(len(batch)))
	if s.prom != nil {
		s.prom.ResultsFlushed.Add(float64(len(batch)))
	}
	s.logger.Debug("flushed results",
		slog.Int("batch", len(batch)),
		slog.Duration("took", s.cfg.Clock.Since(start)))
}
