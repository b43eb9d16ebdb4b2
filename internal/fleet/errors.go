package fleet

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/txfleet/internal/rpc"
)

// Kind says how the runner reacts to a task error.
type Kind int

const (
	// KindFailed is an ordinary task failure (revert, insufficient funds).
	KindFailed Kind = iota
	// KindTransientNetwork bans the egress proxy; the next attempt uses
	// another wallet and path.
	KindTransientNetwork
	// KindNonceConflict reconciles the nonce manager with the chain and
	// retries once.
	KindNonceConflict
	// KindResourceExhausted means try later. It is not logged as a failure.
	KindResourceExhausted
	// KindPersistenceOverflow is a dropped result. It is counted only.
	KindPersistenceOverflow
	// KindFatal stops the process.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindFailed:
		return "failed"
	case KindTransientNetwork:
		return "transient_network"
	case KindNonceConflict:
		return "nonce_conflict"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindPersistenceOverflow:
		return "persistence_overflow"
	case KindFatal:
		return "fatal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var (
	// ErrNotInitialized is returned when a wallet's nonce was never seeded.
	ErrNotInitialized = errors.New("nonce not initialized for wallet")
	// ErrNoTarget is returned by tasks that need a previously created
	// resource when none exists yet.
	ErrNoTarget = errors.New("no target resource available")
)

// TaskError carries the wallet, nonce and egress a failure happened on.
type TaskError struct {
	Kind     Kind
	Account  common.Address
	Nonce    uint64
	ProxyIdx int // -1 for direct
	Err      error
}

func (e *TaskError) Error() string {
	proxy := "direct"
	if e.ProxyIdx >= 0 {
		proxy = strconv.Itoa(e.ProxyIdx)
	}
	return fmt.Sprintf("%s (wallet %s, nonce %d, proxy %s): %v", e.Kind, e.Account.Hex(), e.Nonce, proxy, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// networkErrorMarkers are substrings of transport failures that point at the
// egress path rather than the node.
var networkErrorMarkers = []string{
	"tunnel error",
	"proxyconnect",
	"connection closed",
	"connection refused",
	"connection reset",
	"error sending request",
	"no such host",
	"i/o timeout",
}

var nonceConflictMarkers = []string{
	"nonce too low",
	"already known",
	"replacement transaction underpriced",
}

// Classify maps an error from a task to a Kind.
func Classify(err error) Kind {
	if err == nil {
		return KindFailed
	}

	var te *TaskError
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, ErrNotInitialized) || errors.Is(err, ErrNoTarget) {
		return KindResourceExhausted
	}

	msg := strings.ToLower(err.Error())
	if IsNonceConflict(err) {
		return KindNonceConflict
	}

	var rpcErr *rpc.RPCError
	if errors.As(err, &rpcErr) {
		return KindFailed
	}

	var httpErr *rpc.HTTPStatusError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout,
			http.StatusProxyAuthRequired, http.StatusTooManyRequests:
			return KindTransientNetwork
		}
		return KindFailed
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransientNetwork
	}
	for _, m := range networkErrorMarkers {
		if strings.Contains(msg, m) {
			return KindTransientNetwork
		}
	}
	return KindFailed
}

// IsNonceConflict reports whether err is a stale-nonce rejection.
func IsNonceConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range nonceConflictMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

var nonceTooLowRe = regexp.MustCompile(`next nonce (\d+), tx nonce (\d+)`)

// ParseNonceTooLow extracts the chain's next nonce and the rejected nonce
// from a "nonce too low: next nonce N, tx nonce M" message.
func ParseNonceTooLow(msg string) (next, tx uint64, ok bool) {
	m := nonceTooLowRe.FindStringSubmatch(msg)
	if m == nil {
		return 0, 0, false
	}
	next, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	tx, err = strconv.ParseUint(m[2], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return next, tx, true
}
