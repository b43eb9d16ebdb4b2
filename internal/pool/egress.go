package pool

import (
	"fmt"

	"github.com/gateway-fm/txfleet/internal/proxy"
)

// EgressKind distinguishes direct connections from proxied ones.
type EgressKind int

const (
	EgressDirect EgressKind = iota
	EgressProxied
)

// Egress is the network path a binding sends its RPC traffic through.
// ProxyIndex and Proxy are only meaningful for EgressProxied.
type Egress struct {
	Kind       EgressKind
	ProxyIndex int
	Proxy      proxy.Descriptor
}

// Direct returns the direct egress.
func Direct() Egress {
	return Egress{Kind: EgressDirect, ProxyIndex: -1}
}

// Proxied returns an egress through rec.
func Proxied(rec proxy.Record) Egress {
	return Egress{Kind: EgressProxied, ProxyIndex: rec.Index, Proxy: rec.Descriptor}
}

// IsDirect reports whether no proxy is involved.
func (e Egress) IsDirect() bool {
	return e.Kind == EgressDirect
}

// Key identifies the egress in the HTTP client cache.
func (e Egress) Key() string {
	if e.IsDirect() {
		return "direct"
	}
	return e.Proxy.Key()
}

// String implements fmt.Stringer.
func (e Egress) String() string {
	if e.IsDirect() {
		return "direct"
	}
	return fmt.Sprintf("proxy[%d] %s", e.ProxyIndex, e.Proxy)
}
