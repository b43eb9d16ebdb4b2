package pool

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultClientCacheSize = 1024
	DefaultWarmupTimeout   = 3 * time.Second

	httpTimeout         = 60 * time.Second
	rotatedHTTPTimeout  = 30 * time.Second
	connectTimeout      = 10 * time.Second
	idleConnTimeout     = 30 * time.Second
	maxIdleConnsPerHost = 10
)

var supportedProxySchemes = map[string]bool{
	"http":    true,
	"https":   true,
	"socks5":  true,
	"socks5h": true,
}

// clientCache holds one *http.Client per egress so that wallets sharing a
// proxy share its connection pool.
type clientCache struct {
	cache *lru.Cache[string, *http.Client]
}

func newClientCache(size int) (*clientCache, error) {
	if size <= 0 {
		size = DefaultClientCacheSize
	}
	c, err := lru.NewWithEvict(size, func(_ string, hc *http.Client) {
		hc.CloseIdleConnections()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client cache: %w", err)
	}
	return &clientCache{cache: c}, nil
}

// get returns the cached client for eg, building it on a miss. The bool is
// true when a new client was built.
func (c *clientCache) get(eg Egress) (*http.Client, bool, error) {
	if hc, ok := c.cache.Get(eg.Key()); ok {
		return hc, false, nil
	}
	hc, err := newHTTPClient(eg, httpTimeout)
	if err != nil {
		return nil, false, err
	}
	c.cache.Add(eg.Key(), hc)
	return hc, true, nil
}

func (c *clientCache) remove(eg Egress) {
	c.cache.Remove(eg.Key())
}

func (c *clientCache) purge() {
	c.cache.Purge()
}

func (c *clientCache) len() int {
	return c.cache.Len()
}

func newHTTPClient(eg Egress, timeout time.Duration) (*http.Client, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: maxIdleConnsPerHost,
		IdleConnTimeout:     idleConnTimeout,
		TLSHandshakeTimeout: connectTimeout,
	}
	if !eg.IsDirect() {
		u := eg.Proxy.URL()
		if !supportedProxySchemes[u.Scheme] {
			return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
		}
		if u.Hostname() == "" {
			return nil, fmt.Errorf("proxy %d has no host", eg.ProxyIndex)
		}
		transport.Proxy = http.ProxyURL(u)
	}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

// warmup opens a connection through hc ahead of real traffic. Only
// reachability matters; the response status is ignored.
func (p *Pool) warmup(eg Egress, hc *http.Client) {
	defer p.warmups.Done()

	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.WarmupTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.cfg.RPCURL, nil)
	if err != nil {
		return
	}
	resp, err := hc.Do(req)
	if err != nil {
		p.logger.Warn("Connection warmup failed",
			slog.String("egress", eg.String()),
			slog.String("error", err.Error()))
		return
	}
	resp.Body.Close()
	p.logger.Debug("Connection warmed up", slog.String("egress", eg.String()))
}
