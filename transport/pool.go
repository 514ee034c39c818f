package transport

import (
	"crypto/tls"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// PoolOptions configures the pooled HTTP transport backing every session.
// Defaults mirror the documented configuration table.
type PoolOptions struct {
	MaxConnections int
	MaxKeepaliveConnections int
	VerifyTLS bool
	HTTP2 bool
	IdleTimeout time.Duration
}

// DefaultPoolOptions returns the documented default of at most 100
// persistent connections per endpoint.
func DefaultPoolOptions() PoolOptions {
	return PoolOptions{
		MaxConnections: 100,
		MaxKeepaliveConnections: 100,
		VerifyTLS: true,
		HTTP2: true,
		IdleTimeout: 90 * time.Second,
	}
}

// Pool owns the single *http.Client multiplexed across every call a
// Transport makes: one pooled client per endpoint rather than one
// transport per URL scheme.
type Pool struct {
	client *http.Client
}

// NewPool builds a connection pool. On a peer-reset the next attempt opens a
// fresh connection because Go's http.Transport already evicts broken idle
// connections from its pool; no explicit rotation logic is needed beyond
// that standard-library guarantee.
func NewPool(opts PoolOptions) *Pool {
	rt := &http.Transport{
		MaxConnsPerHost: opts.MaxConnections,
		MaxIdleConnsPerHost: opts.MaxKeepaliveConnections,
		IdleConnTimeout: opts.IdleTimeout,
		TLSClientConfig: &tls.Config{InsecureSkipVerify: !opts.VerifyTLS},
	}
	if opts.HTTP2 {
		_ = http2.ConfigureTransport(rt)
	}
	return &Pool{client: &http.Client{Transport: rt}}
}

// Client returns the pooled *http.Client for issuing requests.
func (p *Pool) Client() *http.Client { return p.client }

// Close releases idle connections held by the pool.
func (p *Pool) Close() {
	p.client.CloseIdleConnections()
}
