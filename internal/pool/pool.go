// Package pool leases wallets to workers. Each lease pairs one wallet with an
// RPC client routed through a healthy egress, holds one admission permit,
// and puts the wallet through a cooldown when it comes back.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/semaphore"

	"github.com/gateway-fm/txfleet/internal/account"
	"github.com/gateway-fm/txfleet/internal/metrics"
	"github.com/gateway-fm/txfleet/internal/nonce"
	"github.com/gateway-fm/txfleet/internal/proxy"
	"github.com/gateway-fm/txfleet/internal/rpc"
)

const (
	DefaultConnectionLimit = 500
	DefaultCooldown        = 4 * time.Second
	DefaultMinCooldown     = time.Second
)

// ErrIndexOutOfRange is returned by GetClient for an unknown wallet index.
var ErrIndexOutOfRange = errors.New("wallet index out of range")

// Lease miss reasons, used as metric labels.
const (
	missSaturated      = "saturated"
	missNoHealthyProxy = "no_healthy_proxy"
	missNoWallet       = "no_wallet"
	missBindFailed     = "bind_failed"
)

// Config configures a Pool.
type Config struct {
	RPCURL  string
	ChainID *big.Int

	// ConnectionLimit caps concurrently held leases.
	ConnectionLimit int

	// A released wallet is unavailable for max(Cooldown, MinCooldown).
	Cooldown    time.Duration
	MinCooldown time.Duration

	ClientCacheSize int
	// WarmupTimeout bounds the detached HEAD probe sent when a new HTTP
	// client is built. Negative disables warmup.
	WarmupTimeout time.Duration
	RPCMaxRetries int

	Clock clock.Clock
}

// DefaultConfig returns a Config with default limits for rpcURL.
func DefaultConfig(rpcURL string, chainID *big.Int) Config {
	return Config{
		RPCURL:          rpcURL,
		ChainID:         chainID,
		ConnectionLimit: DefaultConnectionLimit,
		Cooldown:        DefaultCooldown,
		MinCooldown:     DefaultMinCooldown,
		ClientCacheSize: DefaultClientCacheSize,
		WarmupTimeout:   DefaultWarmupTimeout,
		RPCMaxRetries:   1,
	}
}

// CooldownPeriod returns the effective cooldown.
func (c Config) CooldownPeriod() time.Duration {
	return max(c.Cooldown, c.MinCooldown)
}

// Binding is everything needed to sign and send as one wallet.
type Binding struct {
	Index   int
	Account *account.Account
	Client  rpc.Client
	Egress  Egress
	Signer  types.Signer
	ChainID *big.Int
}

// WalletSlot is one wallet and its lazily built binding.
type WalletSlot struct {
	Index   int
	Account *account.Account

	mu      sync.Mutex
	binding *Binding
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Total        int `json:"total"`
	Available    int `json:"available"`
	Leased       int `json:"leased"`
	Cooling      int `json:"cooling"`
	PermitsInUse int `json:"permitsInUse"`
	Capacity     int `json:"capacity"`
	HTTPClients  int `json:"httpClients"`
}

// Pool hands out exclusive wallet leases.
type Pool struct {
	cfg     Config
	clock   clock.Clock
	slots   []*WalletSlot
	proxies *proxy.Tracker
	nonces  *nonce.Shards
	clients *clientCache
	signer  types.Signer
	prom    *metrics.PrometheusMetrics
	logger  *slog.Logger

	sem     *semaphore.Weighted
	permits atomic.Int64
	rr      atomic.Uint64

	mu        sync.Mutex
	available []int
	positions map[int]int // wallet index -> position in available
	locked    map[int]struct{}
	cooling   map[int]*clock.Timer
	closed    bool

	ctx     context.Context
	cancel  context.CancelFunc
	warmups sync.WaitGroup
}

// New builds a pool over accounts. proxies may be nil or empty, in which case
// every binding is direct. Wallet i uses nonces.ForIndex(i).
func New(cfg Config, accounts []*account.Account, proxies *proxy.Tracker, nonces *nonce.Shards, prom *metrics.PrometheusMetrics, logger *slog.Logger) (*Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(accounts) == 0 {
		return nil, errors.New("pool needs at least one wallet")
	}
	if cfg.RPCURL == "" {
		return nil, errors.New("pool needs an RPC URL")
	}
	if cfg.ChainID == nil {
		return nil, errors.New("pool needs a chain ID")
	}
	if cfg.ConnectionLimit <= 0 {
		cfg.ConnectionLimit = DefaultConnectionLimit
	}
	if cfg.WarmupTimeout == 0 {
		cfg.WarmupTimeout = DefaultWarmupTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if nonces == nil {
		nonces = nonce.NewShards(1, logger)
	}

	clients, err := newClientCache(cfg.ClientCacheSize)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:       cfg,
		clock:     cfg.Clock,
		slots:     make([]*WalletSlot, len(accounts)),
		proxies:   proxies,
		nonces:    nonces,
		clients:   clients,
		signer:    types.LatestSignerForChainID(cfg.ChainID),
		prom:      prom,
		logger:    logger,
		sem:       semaphore.NewWeighted(int64(cfg.ConnectionLimit)),
		available: make([]int, len(accounts)),
		positions: make(map[int]int, len(accounts)),
		locked:    make(map[int]struct{}),
		cooling:   make(map[int]*clock.Timer),
		ctx:       ctx,
		cancel:    cancel,
	}
	for i, acc := range accounts {
		p.slots[i] = &WalletSlot{Index: i, Account: acc}
		p.available[i] = i
		p.positions[i] = i
	}

	logger.Info("Wallet pool ready",
		slog.Int("wallets", len(accounts)),
		slog.Int("connection_limit", cfg.ConnectionLimit),
		slog.Duration("cooldown", cfg.CooldownPeriod()),
		slog.Int("proxies", p.proxyCount()),
		slog.Int("nonce_shards", nonces.Len()),
	)
	return p, nil
}

// Len returns the number of wallets.
func (p *Pool) Len() int {
	return len(p.slots)
}

// Nonces returns the nonce shards wallets are assigned to.
func (p *Pool) Nonces() *nonce.Shards {
	return p.nonces
}

// Proxies returns the proxy tracker, which may be nil.
func (p *Pool) Proxies() *proxy.Tracker {
	return p.proxies
}

// TryAcquire leases a random available wallet. It never waits: a nil result
// means the pool is saturated, every wallet is leased or cooling, or every
// proxy is banned. Callers back off and try again.
func (p *Pool) TryAcquire(ctx context.Context) *Lease {
	if ctx.Err() != nil {
		return nil
	}
	if !p.sem.TryAcquire(1) {
		p.recordMiss(missSaturated)
		return nil
	}
	p.permits.Add(1)

	if p.proxyCount() > 0 && !p.proxies.AnyHealthy() {
		p.releasePermit()
		p.recordMiss(missNoHealthyProxy)
		return nil
	}

	idx, ok := p.lockRandom()
	if !ok {
		p.releasePermit()
		p.recordMiss(missNoWallet)
		return nil
	}

	slot := p.slots[idx]
	b, err := p.bind(slot)
	if err != nil {
		p.logger.Error("Failed to bind wallet",
			slog.Int("wallet_idx", idx),
			slog.String("error", err.Error()))
		p.unlock(idx)
		p.releasePermit()
		p.recordMiss(missBindFailed)
		return nil
	}

	if p.prom != nil {
		p.prom.LeasesAcquired.Inc()
		p.prom.LeasesActive.Inc()
	}
	return newLease(p, slot, b, p.nonces.ForIndex(idx))
}

// lockRandom removes a random wallet from the available list and marks it
// locked in one critical section.
func (p *Pool) lockRandom() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || len(p.available) == 0 {
		return 0, false
	}
	pos := rand.IntN(len(p.available))
	idx := p.available[pos]
	p.removeAvailableLocked(pos)
	p.locked[idx] = struct{}{}
	return idx, true
}

func (p *Pool) removeAvailableLocked(pos int) {
	idx := p.available[pos]
	last := len(p.available) - 1
	if pos != last {
		moved := p.available[last]
		p.available[pos] = moved
		p.positions[moved] = pos
	}
	p.available = p.available[:last]
	delete(p.positions, idx)
}

// unlock makes wallet idx available again.
func (p *Pool) unlock(idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unlockLocked(idx)
}

func (p *Pool) unlockLocked(idx int) {
	delete(p.locked, idx)
	if _, ok := p.positions[idx]; ok {
		return
	}
	p.positions[idx] = len(p.available)
	p.available = append(p.available, idx)
}

// release returns wallet idx, either at once or after the cooldown.
func (p *Pool) release(idx int, cooldown bool) {
	d := p.cfg.CooldownPeriod()
	if !cooldown || d <= 0 {
		p.unlock(idx)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if t, ok := p.cooling[idx]; ok {
		t.Stop()
	}
	p.cooling[idx] = p.clock.AfterFunc(d, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.cooling, idx)
		p.unlockLocked(idx)
	})
}

func (p *Pool) releasePermit() {
	p.permits.Add(-1)
	p.sem.Release(1)
}

func (p *Pool) proxyCount() int {
	if p.proxies == nil {
		return 0
	}
	return p.proxies.Len()
}

// nextEgress picks the next non-banned proxy round-robin, or Direct when no
// proxies are configured or all of them are banned.
func (p *Pool) nextEgress() Egress {
	n := p.proxyCount()
	if n == 0 {
		return Direct()
	}
	for range n {
		i := int((p.rr.Add(1) - 1) % uint64(n))
		if p.proxies.IsBanned(i) {
			continue
		}
		if rec, ok := p.proxies.Record(i); ok {
			return Proxied(rec)
		}
	}
	return Direct()
}

// rotatedEgress picks the proxy at (index+offset) mod n, moving forward past
// banned ones.
func (p *Pool) rotatedEgress(index, offset int) Egress {
	n := p.proxyCount()
	if n == 0 {
		return Direct()
	}
	start := ((index+offset)%n + n) % n
	for k := range n {
		i := (start + k) % n
		if p.proxies.IsBanned(i) {
			continue
		}
		if rec, ok := p.proxies.Record(i); ok {
			return Proxied(rec)
		}
	}
	return Direct()
}

func (p *Pool) egressUsable(eg Egress) bool {
	if eg.IsDirect() {
		// A direct binding is only kept while no proxy is usable.
		return p.proxyCount() == 0 || !p.proxies.AnyHealthy()
	}
	return !p.proxies.IsBanned(eg.ProxyIndex)
}

// bind returns the slot's binding, building one when the slot has none or
// its proxy has since been banned.
func (p *Pool) bind(slot *WalletSlot) (*Binding, error) {
	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.binding != nil && p.egressUsable(slot.binding.Egress) {
		return slot.binding, nil
	}

	b, err := p.build(slot, p.nextEgress(), true)
	if err != nil {
		return nil, err
	}
	slot.binding = b
	return b, nil
}

// build creates a binding for slot over eg. A proxied client that cannot be
// built bans the proxy and falls back to a direct connection.
func (p *Pool) build(slot *WalletSlot, eg Egress, cached bool) (*Binding, error) {
	hc, err := p.httpClient(eg, cached)
	if err != nil && !eg.IsDirect() {
		p.logger.Warn("Proxy client failed, using direct connection",
			slog.Int("wallet_idx", slot.Index),
			slog.String("egress", eg.String()),
			slog.String("error", err.Error()))
		p.BanProxy(eg.ProxyIndex)
		if p.prom != nil {
			p.prom.ProxyFallbacks.Inc()
		}
		eg = Direct()
		hc, err = p.httpClient(eg, cached)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build client for wallet %d: %w", slot.Index, err)
	}

	cfg := rpc.DefaultClientConfig(p.cfg.RPCURL)
	cfg.HTTPClient = hc
	cfg.MaxRetries = p.cfg.RPCMaxRetries
	cfg.Logger = p.logger
	if p.prom != nil {
		cfg.Observer = p.prom.RecordRPCLatency
	}

	return &Binding{
		Index:   slot.Index,
		Account: slot.Account,
		Client:  rpc.NewHTTPClient(cfg),
		Egress:  eg,
		Signer:  p.signer,
		ChainID: p.cfg.ChainID,
	}, nil
}

func (p *Pool) httpClient(eg Egress, cached bool) (*http.Client, error) {
	if !cached {
		return newHTTPClient(eg, rotatedHTTPTimeout)
	}
	hc, created, err := p.clients.get(eg)
	if err != nil {
		return nil, err
	}
	if created && p.cfg.WarmupTimeout > 0 {
		p.warmups.Add(1)
		go p.warmup(eg, hc)
	}
	return hc, nil
}

// GetClient returns the binding for wallet index without leasing it. The
// caller gets no exclusivity.
func (p *Pool) GetClient(ctx context.Context, index int) (*Binding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if index < 0 || index >= len(p.slots) {
		return nil, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, len(p.slots))
	}
	return p.bind(p.slots[index])
}

// GetClientWithRotatedProxy builds a fresh, uncached binding for wallet index
// routed through proxy (index+offset) mod n. It is used to retry a wallet
// through a different proxy after a network failure.
func (p *Pool) GetClientWithRotatedProxy(ctx context.Context, index, offset int) (*Binding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if index < 0 || index >= len(p.slots) {
		return nil, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, len(p.slots))
	}
	return p.build(p.slots[index], p.rotatedEgress(index, offset), false)
}

// BanProxy bans proxy idx and drops its cached HTTP client.
func (p *Pool) BanProxy(idx int) {
	if p.proxyCount() == 0 {
		return
	}
	rec, ok := p.proxies.Record(idx)
	if !ok {
		return
	}
	wasBanned := p.proxies.IsBanned(idx)
	p.proxies.Ban(idx)
	p.clients.remove(Proxied(rec))
	if p.prom != nil {
		if !wasBanned {
			p.prom.ProxyBans.Inc()
		}
		p.prom.ProxiesHealthy.Set(float64(p.proxies.HealthyCount()))
	}
}

// Stats returns current pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Total:        len(p.slots),
		Available:    len(p.available),
		Leased:       len(p.locked) - len(p.cooling),
		Cooling:      len(p.cooling),
		PermitsInUse: int(p.permits.Load()),
		Capacity:     p.cfg.ConnectionLimit,
		HTTPClients:  p.clients.len(),
	}
}

// Close stops cooldown timers, waits for warmup probes and closes idle
// connections. Leases still held are reported and no longer re-queued.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	held := len(p.locked) - len(p.cooling)
	for idx, t := range p.cooling {
		t.Stop()
		delete(p.cooling, idx)
	}
	p.mu.Unlock()

	if held > 0 {
		p.logger.Warn("Closing wallet pool with leases outstanding", slog.Int("held", held))
	}

	p.cancel()
	p.warmups.Wait()
	p.clients.purge()
}

func (p *Pool) recordMiss(reason string) {
	if p.prom != nil {
		p.prom.RecordLeaseMiss(reason)
	}
}
