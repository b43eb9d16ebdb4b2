package proxy

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultScanConcurrency is the number of probes run in parallel.
const DefaultScanConcurrency = 50

// ScanResult lists the proxies that passed and failed a scan.
type ScanResult struct {
	Healthy []int
	Banned  []int
}

// ErrNoProber is returned when a scan is requested without a Prober.
var ErrNoProber = errors.New("proxy tracker has no prober")

// ScanAll probes every proxy with at most limit probes in flight, banning
// failures and unbanning recoveries.
func (t *Tracker) ScanAll(ctx context.Context, limit int) (ScanResult, error) {
	return t.scan(ctx, t.records, limit, 0)
}

// ScanPartial is ScanAll that stops launching probes once minHealthy proxies
// have passed. Proxies that were never probed keep their current state.
func (t *Tracker) ScanPartial(ctx context.Context, limit, minHealthy int) (ScanResult, error) {
	return t.scan(ctx, t.records, limit, minHealthy)
}

// Recheck probes only the currently banned proxies, then drops expired bans.
func (t *Tracker) Recheck(ctx context.Context, limit int) (ScanResult, error) {
	banned := t.BannedIndices()
	subset := make([]Record, 0, len(banned))
	for _, idx := range banned {
		if r, ok := t.Record(idx); ok {
			subset = append(subset, r)
		}
	}

	res, err := t.scan(ctx, subset, limit, 0)
	if err != nil {
		return res, err
	}
	t.CleanupExpired()
	return res, nil
}

// RecheckLoop runs Recheck every interval until ctx is done.
func (t *Tracker) RecheckLoop(ctx context.Context, interval time.Duration, limit int) {
	ticker := t.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if len(t.BannedIndices()) == 0 {
				t.CleanupExpired()
				continue
			}
			res, err := t.Recheck(ctx, limit)
			if err != nil {
				t.logger.Warn("proxy recheck failed", slog.String("error", err.Error()))
				continue
			}
			t.logger.Info("proxy recheck complete",
				slog.Int("recovered", len(res.Healthy)),
				slog.Int("still_banned", len(res.Banned)),
				slog.Int("healthy_total", t.HealthyCount()))
		}
	}
}

func (t *Tracker) scan(ctx context.Context, records []Record, limit, minHealthy int) (ScanResult, error) {
	if t.prober == nil {
		return ScanResult{}, ErrNoProber
	}
	if limit <= 0 {
		limit = DefaultScanConcurrency
	}

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu  sync.Mutex
		res ScanResult
	)

	g := new(errgroup.Group)
	g.SetLimit(limit)

	for _, r := range records {
		if scanCtx.Err() != nil {
			break
		}
		r := r
		g.Go(func() error {
			if scanCtx.Err() != nil {
				return nil
			}
			err := t.prober.Probe(scanCtx, r.Descriptor)
			if err != nil && scanCtx.Err() != nil {
				// cancelled mid-probe: outcome unknown, leave state alone
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				t.Ban(r.Index)
				res.Banned = append(res.Banned, r.Index)
				t.logger.Debug("proxy probe failed",
					slog.Int("proxy", r.Index),
					slog.String("error", err.Error()))
				return nil
			}
			t.Unban(r.Index)
			res.Healthy = append(res.Healthy, r.Index)
			if minHealthy > 0 && len(res.Healthy) >= minHealthy {
				cancel()
			}
			return nil
		})
	}
	g.Wait()

	sort.Ints(res.Healthy)
	sort.Ints(res.Banned)

	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}
