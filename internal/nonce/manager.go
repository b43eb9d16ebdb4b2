// Package nonce allocates per-account nonces to concurrent workers and
// reconciles the local view with the chain when a submission is rejected.
package nonce

import (
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
)

// State is the lifecycle position of one tracked nonce.
type State int

const (
	StateReserved State = iota
	StateInFlight
	StateConfirmed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReserved:
		return "reserved"
	case StateInFlight:
		return "in_flight"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	// DefaultMaxRecycled bounds the queue of released nonces per account.
	DefaultMaxRecycled = 100
	// DefaultPruneWindow is how far below the confirmed watermark entries are kept.
	DefaultPruneWindow = 50
	// pruneEvery triggers pruning when a confirmed nonce is a multiple of it.
	pruneEvery = 10

	reasonStale      = "stale: superseded by chain state"
	reasonSuperseded = "rejected: nonce already used on chain"
	reasonReleased   = "released before submission"
)

type entry struct {
	requestID uint64
	state     State
	reason    string
}

type accountState struct {
	mu           sync.Mutex
	cachedNext   uint64
	confirmed    uint64
	hasConfirmed bool
	entries      map[uint64]*entry
	inFlight     map[uint64]struct{}
	recycle      []uint64
}

// Stats is a snapshot of one account's allocation state.
type Stats struct {
	CachedNext   uint64 `json:"cachedNext"`
	Confirmed    uint64 `json:"confirmed"`
	HasConfirmed bool   `json:"hasConfirmed"`
	Reserved     int    `json:"reserved"`
	InFlight     int    `json:"inFlight"`
	Recyclable   int    `json:"recyclable"`
	Tracked      int    `json:"tracked"`
}

// Manager tracks nonce allocation for any number of accounts. Each account
// has its own lock; accounts never contend with each other beyond map lookup.
type Manager struct {
	mu       sync.RWMutex
	accounts map[common.Address]*accountState

	requestID   atomic.Uint64
	maxRecycled int
	pruneWindow uint64
	logger      *slog.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		accounts:    make(map[common.Address]*accountState),
		maxRecycled: DefaultMaxRecycled,
		pruneWindow: DefaultPruneWindow,
		logger:      logger,
	}
}

func (m *Manager) account(addr common.Address) *accountState {
	m.mu.RLock()
	st := m.accounts[addr]
	m.mu.RUnlock()
	return st
}

func (m *Manager) accountOrCreate(addr common.Address) (*accountState, bool) {
	if st := m.account(addr); st != nil {
		return st, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.accounts[addr]; ok {
		return st, false
	}
	st := &accountState{
		entries:  make(map[uint64]*entry),
		inFlight: make(map[uint64]struct{}),
	}
	m.accounts[addr] = st
	return st, true
}

// Initialize bootstraps or resyncs an account from an authoritative
// transaction count. It never moves the allocation watermark backward.
func (m *Manager) Initialize(addr common.Address, confirmedCount uint64) {
	st, created := m.accountOrCreate(addr)

	st.mu.Lock()
	defer st.mu.Unlock()

	if created || confirmedCount > st.cachedNext {
		st.cachedNext = confirmedCount
	}
	if confirmedCount > 0 {
		st.raiseConfirmed(confirmedCount - 1)
	}
	st.dropRecycledBelow(confirmedCount)
}

// Reserve claims the next nonce for addr. Released nonces are handed out
// again before the watermark advances. It returns false when the account was
// never initialized.
func (m *Manager) Reserve(addr common.Address) (*Reservation, bool) {
	st := m.account(addr)
	if st == nil {
		return nil, false
	}

	st.mu.Lock()
	var n uint64
	if len(st.recycle) > 0 {
		n = st.recycle[0]
		st.recycle = st.recycle[1:]
	} else {
		n = st.cachedNext
		st.cachedNext++
	}
	id := m.requestID.Add(1)
	st.entries[n] = &entry{requestID: id, state: StateReserved}
	st.mu.Unlock()

	c := &claim{mgr: m, addr: addr, nonce: n, requestID: id}
	r := &Reservation{claim: c}
	runtime.AddCleanup(r, func(c *claim) { c.abandon() }, c)
	return r, true
}

// Confirm records that nonce was included on chain. Calling it again for the
// same nonce changes nothing.
func (m *Manager) Confirm(addr common.Address, nonce uint64) {
	st := m.account(addr)
	if st == nil {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if e, ok := st.entries[nonce]; ok && (e.state == StateReserved || e.state == StateInFlight) {
		e.state = StateConfirmed
	}
	delete(st.inFlight, nonce)
	st.raiseConfirmed(nonce)
	st.dropRecycledBelow(st.confirmed + 1)

	if nonce%pruneEvery == 0 {
		st.prune(m.pruneWindow)
	}
}

// MarkFailed marks nonce as failed. With recycle set the nonce goes back on
// the reuse queue; only do that when nothing was transmitted with it.
func (m *Manager) MarkFailed(addr common.Address, nonce uint64, reason string, recycle bool) {
	st := m.account(addr)
	if st == nil {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	e, ok := st.entries[nonce]
	if !ok {
		e = &entry{}
		st.entries[nonce] = e
	}
	e.state = StateFailed
	e.reason = reason
	delete(st.inFlight, nonce)

	if recycle {
		m.pushRecycleLocked(st, nonce)
	}
}

// HandleMismatch reconciles the account after the network rejected attempted
// as stale and reported actualNext as the next usable nonce. The attempted
// nonce is failed without recycling. When actualNext has caught up with the
// local watermark, every Reserved or InFlight nonce below it is failed as
// stale and the watermark jumps to actualNext. The whole update holds the
// account lock so no Reserve interleaves with it.
func (m *Manager) HandleMismatch(addr common.Address, attempted, actualNext uint64) {
	st, _ := m.accountOrCreate(addr)

	st.mu.Lock()
	defer st.mu.Unlock()

	e, ok := st.entries[attempted]
	if !ok {
		e = &entry{}
		st.entries[attempted] = e
	}
	e.state = StateFailed
	e.reason = reasonSuperseded
	delete(st.inFlight, attempted)
	st.removeRecycled(attempted)

	invalidated := 0
	if actualNext >= st.cachedNext {
		for n, e := range st.entries {
			if n >= actualNext || n == attempted {
				continue
			}
			if e.state == StateReserved || e.state == StateInFlight {
				e.state = StateFailed
				e.reason = reasonStale
				delete(st.inFlight, n)
				invalidated++
			}
		}
		st.cachedNext = actualNext
	}
	st.dropRecycledBelow(actualNext)
	if actualNext > 0 {
		st.raiseConfirmed(actualNext - 1)
	}

	m.logger.Warn("nonce mismatch reconciled",
		slog.String("account", addr.Hex()),
		slog.Uint64("attempted", attempted),
		slog.Uint64("actual_next", actualNext),
		slog.Uint64("cached_next", st.cachedNext),
		slog.Int("invalidated", invalidated))
}

// Stats returns a snapshot for addr.
func (m *Manager) Stats(addr common.Address) (Stats, bool) {
	st := m.account(addr)
	if st == nil {
		return Stats{}, false
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	s := Stats{
		CachedNext:   st.cachedNext,
		Confirmed:    st.confirmed,
		HasConfirmed: st.hasConfirmed,
		InFlight:     len(st.inFlight),
		Recyclable:   len(st.recycle),
		Tracked:      len(st.entries),
	}
	for _, e := range st.entries {
		if e.state == StateReserved {
			s.Reserved++
		}
	}
	return s, true
}

// StateOf returns the tracked state of one nonce.
func (m *Manager) StateOf(addr common.Address, nonce uint64) (State, bool) {
	st := m.account(addr)
	if st == nil {
		return 0, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	e, ok := st.entries[nonce]
	if !ok {
		return 0, false
	}
	return e.state, true
}

// PeekNext returns the nonce the next Reserve would hand out, without
// reserving it.
func (m *Manager) PeekNext(addr common.Address) (uint64, bool) {
	st := m.account(addr)
	if st == nil {
		return 0, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.recycle) > 0 {
		return st.recycle[0], true
	}
	return st.cachedNext, true
}

// Reset forgets addr entirely; the next Reserve fails until Initialize runs.
func (m *Manager) Reset(addr common.Address) {
	m.mu.Lock()
	delete(m.accounts, addr)
	m.mu.Unlock()
}

// Accounts returns the number of tracked accounts.
func (m *Manager) Accounts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.accounts)
}

func (m *Manager) release(addr common.Address, nonce, requestID uint64) {
	st := m.account(addr)
	if st == nil {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	e, ok := st.entries[nonce]
	if !ok || e.requestID != requestID || e.state != StateReserved {
		// reconciled or reassigned since it was reserved
		return
	}
	e.state = StateFailed
	e.reason = reasonReleased
	if nonce >= st.cachedNext {
		return
	}
	if st.hasConfirmed && nonce <= st.confirmed {
		return
	}
	m.pushRecycleLocked(st, nonce)
}

func (m *Manager) markSubmitted(addr common.Address, nonce, requestID uint64) bool {
	st := m.account(addr)
	if st == nil {
		return false
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	e, ok := st.entries[nonce]
	if !ok || e.requestID != requestID || e.state != StateReserved {
		return false
	}
	e.state = StateInFlight
	st.inFlight[nonce] = struct{}{}
	return true
}

func (m *Manager) pushRecycleLocked(st *accountState, nonce uint64) {
	for _, n := range st.recycle {
		if n == nonce {
			return
		}
	}
	if len(st.recycle) >= m.maxRecycled {
		m.logger.Warn("nonce recycle queue full, dropping nonce", slog.Uint64("nonce", nonce))
		return
	}
	st.recycle = append(st.recycle, nonce)
}

func (st *accountState) raiseConfirmed(n uint64) {
	if !st.hasConfirmed || n > st.confirmed {
		st.confirmed = n
		st.hasConfirmed = true
	}
}

func (st *accountState) removeRecycled(nonce uint64) {
	for i, n := range st.recycle {
		if n == nonce {
			st.recycle = append(st.recycle[:i], st.recycle[i+1:]...)
			return
		}
	}
}

func (st *accountState) dropRecycledBelow(limit uint64) {
	kept := st.recycle[:0]
	for _, n := range st.recycle {
		if n >= limit {
			kept = append(kept, n)
		}
	}
	st.recycle = kept
}

// prune drops settled entries more than window below the confirmed watermark.
func (st *accountState) prune(window uint64) {
	if !st.hasConfirmed || st.confirmed < window {
		return
	}
	threshold := st.confirmed - window
	for n, e := range st.entries {
		if n >= threshold {
			continue
		}
		if e.state == StateConfirmed || e.state == StateFailed {
			delete(st.entries, n)
		}
	}
}
