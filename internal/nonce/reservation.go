package nonce

import (
	"log/slog"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
)

// Reservation is a claimed nonce that must be consumed exactly once, either
// by MarkSubmitted or by Release. A Reservation that becomes unreachable
// without being consumed is released in the background and logged.
type Reservation struct {
	*claim
}

// claim carries the bookkeeping shared with the cleanup hook. It must not
// point back at the Reservation.
type claim struct {
	mgr       *Manager
	addr      common.Address
	nonce     uint64
	requestID uint64
	consumed  atomic.Bool
}

// Nonce returns the reserved value.
func (r *Reservation) Nonce() uint64 {
	return r.nonce
}

// Address returns the owning account.
func (r *Reservation) Address() common.Address {
	return r.addr
}

// RequestID returns the manager-wide id of this reservation.
func (r *Reservation) RequestID() uint64 {
	return r.requestID
}

// MarkSubmitted records that a transaction carrying this nonce was sent.
// It returns false if the reservation was already consumed or was
// invalidated by a reconciliation.
func (r *Reservation) MarkSubmitted() bool {
	if !r.consumed.CompareAndSwap(false, true) {
		return false
	}
	return r.mgr.markSubmitted(r.addr, r.nonce, r.requestID)
}

// Release returns an unused nonce to the account's reuse queue.
func (r *Reservation) Release() {
	if !r.consumed.CompareAndSwap(false, true) {
		return
	}
	r.mgr.release(r.addr, r.nonce, r.requestID)
}

// Consumed reports whether MarkSubmitted or Release has been called.
func (r *Reservation) Consumed() bool {
	return r.consumed.Load()
}

func (c *claim) abandon() {
	if !c.consumed.CompareAndSwap(false, true) {
		return
	}
	c.mgr.logger.Warn("nonce reservation dropped without submit or release",
		slog.String("account", c.addr.Hex()),
		slog.Uint64("nonce", c.nonce),
		slog.Uint64("request_id", c.requestID))
	go c.mgr.release(c.addr, c.nonce, c.requestID)
}
