package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultProbeTimeout bounds a single liveness probe.
	DefaultProbeTimeout = 5 * time.Second

	// DefaultProberCacheSize caps the per-proxy clients a prober keeps.
	DefaultProberCacheSize = 512
)

// Prober checks whether a proxy can reach the RPC origin.
type Prober interface {
	Probe(ctx context.Context, d Descriptor) error
}

// HTTPProber sends a HEAD request to the target through the proxy. Any HTTP
// response counts as reachable; only transport errors fail the probe.
type HTTPProber struct {
	target  string
	timeout time.Duration
	clients *lru.Cache[string, *http.Client]
}

// NewHTTPProber creates a prober against target (normally the RPC URL).
func NewHTTPProber(target string, timeout time.Duration) *HTTPProber {
	return newHTTPProber(target, timeout, DefaultProberCacheSize)
}

func newHTTPProber(target string, timeout time.Duration, cacheSize int) *HTTPProber {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	if cacheSize <= 0 {
		cacheSize = DefaultProberCacheSize
	}
	// Only a non-positive size fails.
	clients, _ := lru.NewWithEvict(cacheSize, func(_ string, c *http.Client) {
		c.CloseIdleConnections()
	})
	return &HTTPProber{
		target:  target,
		timeout: timeout,
		clients: clients,
	}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, d Descriptor) error {
	client := p.clientFor(d)

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.target, nil)
	if err != nil {
		return fmt.Errorf("failed to build probe request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probe via %s: %w", d, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

func (p *HTTPProber) clientFor(d Descriptor) *http.Client {
	key := d.Key()
	if c, ok := p.clients.Get(key); ok {
		return c
	}
	c := &http.Client{
		Timeout: p.timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyURL(d.URL()),
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     30 * time.Second,
		},
	}
	// Another goroutine may have cached a client for this proxy meanwhile.
	if prev, ok, _ := p.clients.PeekOrAdd(key, c); ok {
		return prev
	}
	return c
}
