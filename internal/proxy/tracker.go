package proxy

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultBanDuration is how long a failed proxy stays excluded.
const DefaultBanDuration = 10 * time.Minute

// Tracker holds the proxy list and its temporary ban state.
// Bans age out on their own; there is no permanent-dead state.
type Tracker struct {
	records     []Record
	banDuration time.Duration
	clock       clock.Clock
	prober      Prober
	logger      *slog.Logger

	mu     sync.RWMutex
	banned map[int]time.Time // index -> ban start
}

// TrackerConfig configures a Tracker. Zero values fall back to defaults.
type TrackerConfig struct {
	BanDuration time.Duration
	Clock       clock.Clock
	Prober      Prober
}

// NewTracker creates a tracker over the given records.
func NewTracker(records []Record, cfg TrackerConfig, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BanDuration <= 0 {
		cfg.BanDuration = DefaultBanDuration
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Tracker{
		records:     records,
		banDuration: cfg.BanDuration,
		clock:       cfg.Clock,
		prober:      cfg.Prober,
		logger:      logger,
		banned:      make(map[int]time.Time),
	}
}

// Len returns the number of known proxies.
func (t *Tracker) Len() int {
	return len(t.records)
}

// Records returns the proxy list. The slice must not be modified.
func (t *Tracker) Records() []Record {
	return t.records
}

// Record returns the proxy at idx.
func (t *Tracker) Record(idx int) (Record, bool) {
	if idx < 0 || idx >= len(t.records) {
		return Record{}, false
	}
	return t.records[idx], true
}

// BanDuration returns the configured ban window.
func (t *Tracker) BanDuration() time.Duration {
	return t.banDuration
}

// Ban excludes idx from selection for the ban window, restarting the window
// if it was already banned.
func (t *Tracker) Ban(idx int) {
	t.mu.Lock()
	_, already := t.banned[idx]
	t.banned[idx] = t.clock.Now()
	t.mu.Unlock()

	if !already {
		t.logger.Warn("proxy banned",
			slog.Int("proxy", idx),
			slog.Duration("duration", t.banDuration))
	}
}

// Unban clears any ban on idx.
func (t *Tracker) Unban(idx int) {
	t.mu.Lock()
	_, was := t.banned[idx]
	delete(t.banned, idx)
	t.mu.Unlock()

	if was {
		t.logger.Info("proxy unbanned", slog.Int("proxy", idx))
	}
}

// IsBanned reports whether idx is inside its ban window.
func (t *Tracker) IsBanned(idx int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.isBannedLocked(idx, t.clock.Now())
}

func (t *Tracker) isBannedLocked(idx int, now time.Time) bool {
	at, ok := t.banned[idx]
	if !ok {
		return false
	}
	return now.Sub(at) < t.banDuration
}

// BannedIndices returns the indices currently inside their ban window, sorted.
func (t *Tracker) BannedIndices() []int {
	now := t.clock.Now()
	t.mu.RLock()
	out := make([]int, 0, len(t.banned))
	for idx := range t.banned {
		if t.isBannedLocked(idx, now) {
			out = append(out, idx)
		}
	}
	t.mu.RUnlock()
	sort.Ints(out)
	return out
}

// CleanupExpired drops ban entries whose window has elapsed and returns how
// many were removed.
func (t *Tracker) CleanupExpired() int {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for idx := range t.banned {
		if !t.isBannedLocked(idx, now) {
			delete(t.banned, idx)
			removed++
		}
	}
	return removed
}

// HealthyCount returns the number of proxies not currently banned.
func (t *Tracker) HealthyCount() int {
	return len(t.records) - len(t.BannedIndices())
}

// AnyHealthy reports whether at least one proxy can be used. With no proxies
// configured traffic goes direct, so this is true.
func (t *Tracker) AnyHealthy() bool {
	if len(t.records) == 0 {
		return true
	}
	return t.HealthyCount() > 0
}
