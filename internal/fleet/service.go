package fleet

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/txfleet/internal/nonce"
	"github.com/gateway-fm/txfleet/internal/rpc"
	"github.com/gateway-fm/txfleet/internal/storage"
)

// ErrNoStore is returned by queries that need durable storage when the fleet
// runs without it.
var ErrNoStore = errors.New("no result store configured")

// ProxyStatus is one proxy as seen by the health tracker.
type ProxyStatus struct {
	Index  int    `json:"index"`
	Proxy  string `json:"proxy"`
	Banned bool   `json:"banned"`
}

// NonceStatus is the nonce manager's view of one wallet.
type NonceStatus struct {
	Wallet string `json:"wallet"`
	nonce.Stats
}

// Service exposes read and control operations over a running fleet.
type Service struct {
	runner *Runner
	node   rpc.Client
}

// NewService wraps r. node is a direct client used for readiness checks; it
// may be nil.
func NewService(r *Runner, node rpc.Client) *Service {
	return &Service{runner: r, node: node}
}

// Status returns the fleet snapshot.
func (s *Service) Status() Status {
	return s.runner.Status()
}

// Proxies lists every loaded proxy with its ban state.
func (s *Service) Proxies() []ProxyStatus {
	t := s.runner.pool.Proxies()
	if t == nil {
		return nil
	}
	records := t.Records()
	out := make([]ProxyStatus, len(records))
	for i, rec := range records {
		out[i] = ProxyStatus{
			Index:  rec.Index,
			Proxy:  rec.Descriptor.Key(),
			Banned: t.IsBanned(rec.Index),
		}
	}
	return out
}

// BanProxy bans proxy idx.
func (s *Service) BanProxy(idx int) error {
	t := s.runner.pool.Proxies()
	if t == nil {
		return fmt.Errorf("proxy %d: no proxies configured", idx)
	}
	if _, ok := t.Record(idx); !ok {
		return fmt.Errorf("proxy %d: out of range", idx)
	}
	s.runner.pool.BanProxy(idx)
	return nil
}

// UnbanProxy clears the ban on proxy idx.
func (s *Service) UnbanProxy(idx int) error {
	t := s.runner.pool.Proxies()
	if t == nil {
		return fmt.Errorf("proxy %d: no proxies configured", idx)
	}
	if _, ok := t.Record(idx); !ok {
		return fmt.Errorf("proxy %d: out of range", idx)
	}
	t.Unban(idx)
	return nil
}

// ProxyStats returns persisted per-proxy success and failure counts.
func (s *Service) ProxyStats(ctx context.Context) ([]storage.ProxyStat, error) {
	if s.runner.store == nil {
		return nil, ErrNoStore
	}
	s.runner.flushProxyStats(ctx)
	return s.runner.store.ProxyStats(ctx)
}

// RecentResults returns the newest persisted task outcomes.
func (s *Service) RecentResults(ctx context.Context, limit int) ([]storage.TaskResult, error) {
	if s.runner.store == nil {
		return nil, ErrNoStore
	}
	return s.runner.store.RecentResults(ctx, limit)
}

// TaskCounts aggregates persisted outcomes of the current run.
func (s *Service) TaskCounts(ctx context.Context) ([]storage.TaskCount, error) {
	if s.runner.store == nil {
		return nil, ErrNoStore
	}
	return s.runner.store.TaskCounts(ctx, s.runner.cfg.RunID)
}

// NonceStatus looks addr up across every nonce shard.
func (s *Service) NonceStatus(addr common.Address) (NonceStatus, bool) {
	for _, m := range s.runner.pool.Nonces().All() {
		if st, ok := m.Stats(addr); ok {
			return NonceStatus{Wallet: addr.Hex(), Stats: st}, true
		}
	}
	return NonceStatus{}, false
}

// TaskNames lists the runnable tasks.
func (s *Service) TaskNames() []string {
	return s.runner.TaskNames()
}

// RunTask runs one named task on wallet index.
func (s *Service) RunTask(ctx context.Context, name string, index int) (storage.TaskResult, error) {
	return s.runner.RunTask(ctx, name, index)
}

// SetTPS changes the task start rate cap.
func (s *Service) SetTPS(tps float64) error {
	if tps <= 0 {
		return fmt.Errorf("tps must be positive, got %v", tps)
	}
	if !s.runner.SetTPS(tps) {
		return errors.New("fleet was started without a rate limit")
	}
	return nil
}

// CheckRPC verifies the node answers.
func (s *Service) CheckRPC(ctx context.Context) error {
	if s.node == nil {
		return nil
	}
	_, err := s.node.GetChainID(ctx)
	return err
}
