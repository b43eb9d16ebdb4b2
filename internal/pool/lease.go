package pool

import (
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/gateway-fm/txfleet/internal/account"
	"github.com/gateway-fm/txfleet/internal/nonce"
	"github.com/gateway-fm/txfleet/internal/rpc"
)

// Release modes, used as metric labels.
const (
	releaseCooldown  = "cooldown"
	releaseImmediate = "immediate"
	releaseAbandoned = "abandoned"
)

// Lease is an exclusive hold on one wallet plus one admission permit.
// Exactly one of Release or ReleaseImmediate must be called. A Lease that
// becomes unreachable without either is released with cooldown in the
// background and logged.
type Lease struct {
	*hold
}

// hold is the part of a lease the cleanup hook keeps alive. It must not
// point back at the Lease.
type hold struct {
	pool       *Pool
	slot       *WalletSlot
	binding    *Binding
	nonces     *nonce.Manager
	acquiredAt time.Time
	released   atomic.Bool
}

func newLease(p *Pool, slot *WalletSlot, b *Binding, nonces *nonce.Manager) *Lease {
	h := &hold{
		pool:       p,
		slot:       slot,
		binding:    b,
		nonces:     nonces,
		acquiredAt: p.clock.Now(),
	}
	l := &Lease{hold: h}
	runtime.AddCleanup(l, func(h *hold) { h.abandon() }, h)
	return l
}

// Index returns the wallet index.
func (l *Lease) Index() int { return l.slot.Index }

// Account returns the leased wallet.
func (l *Lease) Account() *account.Account { return l.binding.Account }

// Client returns the RPC client bound to this wallet's egress.
func (l *Lease) Client() rpc.Client { return l.binding.Client }

// Egress returns the network path the client uses.
func (l *Lease) Egress() Egress { return l.binding.Egress }

// Binding returns the full binding, including the signer.
func (l *Lease) Binding() *Binding { return l.binding }

// Nonces returns the nonce manager shard that owns this wallet.
func (l *Lease) Nonces() *nonce.Manager { return l.nonces }

// Held returns how long the lease has been held.
func (l *Lease) Held() time.Duration {
	return l.pool.clock.Since(l.acquiredAt)
}

// Released reports whether the lease has been given back.
func (l *Lease) Released() bool {
	return l.released.Load()
}

// Release gives the wallet back. It becomes available again after the
// cooldown; the admission permit is returned at once.
func (l *Lease) Release() {
	l.finish(true, releaseCooldown)
}

// ReleaseImmediate gives the wallet back with no cooldown. Only use it when
// nothing was transmitted with this lease.
func (l *Lease) ReleaseImmediate() {
	l.finish(false, releaseImmediate)
}

// ReportEgressFailure bans the lease's proxy so the wallet is rebound
// through another egress next time. It does not release the lease.
func (l *Lease) ReportEgressFailure() {
	if eg := l.binding.Egress; !eg.IsDirect() {
		l.pool.BanProxy(eg.ProxyIndex)
	}
}

func (h *hold) finish(cooldown bool, mode string) bool {
	if !h.released.CompareAndSwap(false, true) {
		return false
	}
	h.pool.releasePermit()
	h.pool.release(h.slot.Index, cooldown)
	if h.pool.prom != nil {
		h.pool.prom.RecordLeaseRelease(mode)
	}
	return true
}

func (h *hold) abandon() {
	if !h.finish(true, releaseAbandoned) {
		return
	}
	h.pool.logger.Warn("Wallet lease dropped without release, released with cooldown",
		slog.Int("wallet_idx", h.slot.Index),
		slog.String("address", h.binding.Account.Address.Hex()))
}
