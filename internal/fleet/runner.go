// Package fleet runs the worker loop: lease a wallet, run a weighted random
// task, record the outcome, release the wallet.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/gateway-fm/txfleet/internal/metrics"
	"github.com/gateway-fm/txfleet/internal/pool"
	"github.com/gateway-fm/txfleet/internal/ratelimit"
	"github.com/gateway-fm/txfleet/internal/sink"
	"github.com/gateway-fm/txfleet/internal/storage"
)

const (
	DefaultWorkers         = 10
	DefaultTaskTimeout     = 60 * time.Second
	DefaultIntervalMin     = 500 * time.Millisecond
	DefaultIntervalMax     = 2 * time.Second
	DefaultInitialJitter   = 2 * time.Second
	DefaultMonitorInterval = 30 * time.Second

	minBackoff = 10 * time.Millisecond
	maxBackoff = 100 * time.Millisecond
)

// Config configures a Runner.
type Config struct {
	RunID       string
	Workers     int
	TaskTimeout time.Duration
	// Each worker sleeps a random duration in [IntervalMin, IntervalMax]
	// between tasks.
	IntervalMin     time.Duration
	IntervalMax     time.Duration
	InitialJitter   time.Duration
	MonitorInterval time.Duration
	// TPS caps task starts across all workers; 0 means unlimited.
	TPS             float64
	ReceiptInterval time.Duration
	Gas             GasConfig
	Clock           clock.Clock
}

// Status is a point-in-time view of the whole fleet.
type Status struct {
	RunID          string                  `json:"runId"`
	Workers        int                     `json:"workers"`
	Counters       metrics.CounterSnapshot `json:"counters"`
	Pool           pool.Stats              `json:"pool"`
	Sink           sink.Stats              `json:"sink"`
	ProxiesTotal   int                     `json:"proxiesTotal"`
	ProxiesHealthy int                     `json:"proxiesHealthy"`
	Uptime         time.Duration           `json:"uptime"`
}

type proxyTally struct {
	successes int64
	failures  int64
}

// Runner drives the worker loop.
type Runner struct {
	cfg      Config
	pool     *pool.Pool
	tasks    []WeightedTask
	total    int
	sink     *sink.Sink
	store    storage.Storage
	limiter  *ratelimit.Limiter
	counters *metrics.FleetCounters
	prom     *metrics.PrometheusMetrics
	logger   *slog.Logger
	started  time.Time

	mu      sync.Mutex
	tallies map[string]*proxyTally
}

// NewRunner creates a runner. store may be nil, in which case tasks that
// need created resources report no target and proxy statistics are not
// persisted.
func NewRunner(cfg Config, p *pool.Pool, tasks []WeightedTask, s *sink.Sink, store storage.Storage, counters *metrics.FleetCounters, prom *metrics.PrometheusMetrics, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if p == nil {
		return nil, errors.New("runner needs a wallet pool")
	}
	if s == nil {
		return nil, errors.New("runner needs a result sink")
	}
	total := 0
	for _, t := range tasks {
		if t.Task == nil || t.Weight < 0 {
			return nil, fmt.Errorf("invalid task entry %+v", t)
		}
		total += t.Weight
	}
	if total == 0 {
		return nil, errors.New("runner needs at least one task with positive weight")
	}

	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	if cfg.IntervalMin < 0 {
		cfg.IntervalMin = 0
	}
	if cfg.IntervalMax < cfg.IntervalMin {
		cfg.IntervalMax = cfg.IntervalMin
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = DefaultMonitorInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if counters == nil {
		counters = &metrics.FleetCounters{}
	}

	r := &Runner{
		cfg:      cfg,
		pool:     p,
		tasks:    tasks,
		total:    total,
		sink:     s,
		store:    store,
		counters: counters,
		prom:     prom,
		logger:   logger,
		started:  cfg.Clock.Now(),
		tallies:  make(map[string]*proxyTally),
	}
	if cfg.TPS > 0 {
		r.limiter = ratelimit.New(cfg.TPS)
	}
	return r, nil
}

// Counters returns the shared process counters.
func (r *Runner) Counters() *metrics.FleetCounters {
	return r.counters
}

// SetTPS changes the task start rate cap. It has no effect when the runner
// was created without one.
func (r *Runner) SetTPS(tps float64) bool {
	if r.limiter == nil {
		return false
	}
	r.limiter.SetRate(tps)
	return true
}

// Run starts the workers and blocks until ctx is cancelled and every worker
// has returned its lease.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("Starting workers",
		slog.Int("workers", r.cfg.Workers),
		slog.Int("wallets", r.pool.Len()),
		slog.String("run_id", r.cfg.RunID),
	)

	var wg sync.WaitGroup
	for i := range r.cfg.Workers {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			r.counters.ActiveWorkers.Inc()
			defer r.counters.ActiveWorkers.Dec()
			r.worker(ctx, id)
		}(i)
	}

	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		r.monitor(ctx)
	}()

	wg.Wait()
	<-monitorDone

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.flushProxyStats(flushCtx)

	r.logger.Info("Workers stopped", slog.Any("counters", r.counters.Snapshot()))
	return nil
}

func (r *Runner) worker(ctx context.Context, id int) {
	workerID := fmt.Sprintf("%03d", id)

	if r.cfg.InitialJitter > 0 {
		if !r.sleep(ctx, rand.N(r.cfg.InitialJitter)) {
			return
		}
	}

	backoff := minBackoff
	for ctx.Err() == nil {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return
			}
		}

		if !r.RunOnce(ctx, workerID) {
			if !r.sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = minBackoff

		if !r.sleep(ctx, r.interval()) {
			return
		}
	}
}

// RunOnce leases a wallet and runs one task on it. It returns false when no
// lease was available.
func (r *Runner) RunOnce(ctx context.Context, workerID string) bool {
	lease := r.pool.TryAcquire(ctx)
	if lease == nil {
		r.counters.LeaseMisses.Inc()
		return false
	}

	task := r.pick()
	tc := r.newTaskContext(workerID, lease.Binding())
	tc.Nonces = lease.Nonces()

	res := r.execute(ctx, task, tc)
	if errors.Is(res.err, errEgress) {
		lease.ReportEgressFailure()
	}

	if tc.Transmitted() {
		lease.Release()
	} else {
		lease.ReleaseImmediate()
	}
	return true
}

// RunTask runs the named task once on wallet index, outside the lease
// protocol. A network failure bans the proxy and retries once through the
// next healthy one.
func (r *Runner) RunTask(ctx context.Context, name string, index int) (storage.TaskResult, error) {
	var task Task
	for _, t := range r.tasks {
		if t.Task.Name() == name {
			task = t.Task
			break
		}
	}
	if task == nil {
		return storage.TaskResult{}, fmt.Errorf("unknown task %q", name)
	}

	b, err := r.pool.GetClient(ctx, index)
	if err != nil {
		return storage.TaskResult{}, err
	}
	tc := r.newTaskContext("cli", b)
	tc.Nonces = r.pool.Nonces().ForIndex(index)

	res := r.execute(ctx, task, tc)
	if !errors.Is(res.err, errEgress) {
		return res.record, res.taskErr
	}
	r.pool.BanProxy(b.Egress.ProxyIndex)

	// One more attempt through the next healthy proxy.
	rb, err := r.pool.GetClientWithRotatedProxy(ctx, index, 1)
	if err != nil || rb.Egress.IsDirect() {
		return res.record, res.taskErr
	}
	r.logger.Info("Retrying task through rotated proxy",
		slog.String("task", name),
		slog.Int("wallet", index),
		slog.String("egress", rb.Egress.String()),
	)
	tc = r.newTaskContext("cli", rb)
	tc.Nonces = r.pool.Nonces().ForIndex(index)
	res = r.execute(ctx, task, tc)
	if errors.Is(res.err, errEgress) {
		r.pool.BanProxy(rb.Egress.ProxyIndex)
	}
	return res.record, res.taskErr
}

// TaskNames returns the configured task names in order.
func (r *Runner) TaskNames() []string {
	names := make([]string, len(r.tasks))
	for i, t := range r.tasks {
		names[i] = t.Task.Name()
	}
	return names
}

func (r *Runner) newTaskContext(workerID string, b *pool.Binding) *TaskContext {
	return &TaskContext{
		WorkerID:        workerID,
		Binding:         b,
		Store:           r.store,
		Gas:             r.cfg.Gas,
		ReceiptInterval: r.cfg.ReceiptInterval,
		Prom:            r.prom,
		Logger:          r.logger,
	}
}

// errEgress marks outcomes whose proxy should be banned.
var errEgress = errors.New("egress failure")

type outcome struct {
	record  storage.TaskResult
	taskErr error
	err     error // errEgress when the proxy should be banned
}

func (r *Runner) execute(ctx context.Context, task Task, tc *TaskContext) outcome {
	taskCtx, cancel := context.WithTimeout(ctx, r.cfg.TaskTimeout)
	defer cancel()

	start := r.cfg.Clock.Now()
	r.counters.TaskStarted()
	msg, err := task.Run(taskCtx, tc)
	r.counters.TaskFinished()
	took := r.cfg.Clock.Since(start)

	timedOut := err != nil && errors.Is(taskCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil

	rec := storage.TaskResult{
		RunID:     r.cfg.RunID,
		WorkerID:  tc.WorkerID,
		Wallet:    tc.Address().Hex(),
		TaskName:  task.Name(),
		Status:    storage.StatusSuccess,
		Message:   msg,
		Duration:  took,
		Timestamp: r.cfg.Clock.Now().UTC(),
	}
	if rec.Message == "" {
		rec.Message = "Success"
	}

	egress := "DIR"
	if !tc.Binding.Egress.IsDirect() {
		egress = fmt.Sprintf("%03d", tc.Binding.Egress.ProxyIndex)
	}
	attrs := []any{
		slog.String("worker", tc.WorkerID),
		slog.Int("wallet_idx", tc.Binding.Index),
		slog.String("proxy", egress),
		slog.String("task", task.Name()),
		slog.Duration("took", took),
	}

	out := outcome{record: rec, taskErr: err}
	kind := Classify(err)
	switch {
	case err == nil:
		r.counters.TasksSucceeded.Inc()
		r.logger.Info("Task succeeded", append(attrs, slog.String("result", msg))...)

	case timedOut:
		r.counters.TasksTimedOut.Inc()
		out.record.Status = storage.StatusFailed
		out.record.Message = "Task timed out"
		r.logger.Error("Task timed out", attrs...)

	case kind == KindResourceExhausted:
		r.logger.Debug("Task skipped", append(attrs, slog.String("reason", err.Error()))...)
		if r.prom != nil {
			r.prom.RecordError(kind.String())
		}
		return out

	default:
		out.record.Status = storage.StatusFailed
		out.record.Message = err.Error()
		if r.prom != nil {
			r.prom.RecordError(kind.String())
		}
		switch kind {
		case KindTransientNetwork:
			r.counters.NetworkErrors.Inc()
			r.counters.TasksFailed.Inc()
			if !tc.Binding.Egress.IsDirect() {
				r.counters.ProxyBans.Inc()
				out.err = errEgress
				r.logger.Warn("Banning proxy after network error", append(attrs, slog.String("error", err.Error()))...)
			} else {
				r.logger.Error("Task network error", append(attrs, slog.String("error", err.Error()))...)
			}
		case KindNonceConflict:
			r.counters.NonceConflicts.Inc()
			r.counters.TasksFailed.Inc()
			r.logger.Info("Nonce mismatch, reconciled", append(attrs, slog.String("error", err.Error()))...)
		default:
			r.counters.TasksFailed.Inc()
			r.logger.Error("Task failed", append(attrs, slog.String("error", err.Error()))...)
		}
	}

	if r.prom != nil {
		r.prom.RecordTask(task.Name(), string(out.record.Status), took)
	}
	r.tally(tc.Binding, out.record.Status == storage.StatusSuccess)
	if err := r.sink.Enqueue(out.record); err != nil && !errors.Is(err, sink.ErrClosed) {
		r.logger.Warn("Failed to queue task result", slog.String("error", err.Error()))
	}
	return out
}

func (r *Runner) pick() Task {
	n := rand.IntN(r.total)
	for _, t := range r.tasks {
		if n < t.Weight {
			return t.Task
		}
		n -= t.Weight
	}
	return r.tasks[len(r.tasks)-1].Task
}

func (r *Runner) interval() time.Duration {
	span := r.cfg.IntervalMax - r.cfg.IntervalMin
	if span <= 0 {
		return r.cfg.IntervalMin
	}
	return r.cfg.IntervalMin + rand.N(span+1)
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := r.cfg.Clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (r *Runner) tally(b *pool.Binding, success bool) {
	if b.Egress.IsDirect() {
		return
	}
	key := b.Egress.Proxy.Key()
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tallies[key]
	if !ok {
		t = &proxyTally{}
		r.tallies[key] = t
	}
	if success {
		t.successes++
	} else {
		t.failures++
	}
}

func (r *Runner) flushProxyStats(ctx context.Context) {
	r.mu.Lock()
	tallies := r.tallies
	r.tallies = make(map[string]*proxyTally)
	r.mu.Unlock()

	if r.store == nil {
		return
	}
	for key, t := range tallies {
		if err := r.store.UpdateProxyStats(ctx, key, t.successes, t.failures); err != nil {
			r.logger.Warn("Failed to update proxy stats",
				slog.String("proxy", key),
				slog.String("error", err.Error()))
		}
	}
}

func (r *Runner) monitor(ctx context.Context) {
	ticker := r.cfg.Clock.Ticker(r.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := r.Status()
			r.logger.Info("Fleet status",
				slog.Int64("succeeded", st.Counters.TasksSucceeded),
				slog.Int64("failed", st.Counters.TasksFailed),
				slog.Int64("timed_out", st.Counters.TasksTimedOut),
				slog.Int("leased", st.Pool.Leased),
				slog.Int("cooling", st.Pool.Cooling),
				slog.Int64("results_queued", st.Sink.Queued),
				slog.Int64("results_dropped", st.Sink.Dropped),
				slog.Int("proxies_healthy", st.ProxiesHealthy),
			)
			r.flushProxyStats(ctx)
		}
	}
}

// Status returns a snapshot of counters, pool, sink and proxy health.
func (r *Runner) Status() Status {
	st := Status{
		RunID:    r.cfg.RunID,
		Workers:  r.cfg.Workers,
		Counters: r.counters.Snapshot(),
		Pool:     r.pool.Stats(),
		Sink:     r.sink.Stats(),
		Uptime:   r.cfg.Clock.Since(r.started),
	}
	if t := r.pool.Proxies(); t != nil {
		st.ProxiesTotal = t.Len()
		st.ProxiesHealthy = t.HealthyCount()
	}
	if r.prom != nil {
		r.prom.ProxiesHealthy.Set(float64(st.ProxiesHealthy))
	}
	return st
}
