// Package httpclient provides the shared HTTP clients used for manifest,
// key and segment requests.
package httpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"
	"golang.org/x/time/rate"
)

// Config holds HTTP client configuration.
type Config struct {
	Timeout         time.Duration
	MaxConnsPerHost int
	DisableHTTP2    bool
}

// DefaultConfig returns sensible defaults for media downloads.
func DefaultConfig() Config {
	return Config{
		Timeout:         0, // per-request timeouts are set by callers
		MaxConnsPerHost: 100,
	}
}

// New creates an HTTP client tuned for many parallel segment requests.
// Redirects are followed with the default policy.
func New(cfg Config) *http.Client {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Client{
		Transport: newTransport(cfg, dialer.DialContext),
		Timeout:   cfg.Timeout,
	}
}

func newTransport(cfg Config, dial func(ctx context.Context, network, addr string) (net.Conn, error)) *http.Transport {
	if cfg.MaxConnsPerHost == 0 {
		cfg.MaxConnsPerHost = 100
	}
	t := &http.Transport{
		MaxIdleConns:        200,
		MaxIdleConnsPerHost: cfg.MaxConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,

		DisableCompression: true, // segments are already compressed
		ForceAttemptHTTP2:  !cfg.DisableHTTP2,
		DialContext:        dial,

		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
	if !cfg.DisableHTTP2 {
		// Ping idle h2 connections so a stalled CDN edge is dropped instead
		// of hanging every segment multiplexed on it.
		if h2, err := http2.ConfigureTransports(t); err == nil {
			h2.ReadIdleTimeout = 30 * time.Second
			h2.PingTimeout = 15 * time.Second
		}
	}
	return t
}

// NewWithRateLimit creates a client with bandwidth limiting.
// bytesPerSec is the maximum download speed in bytes per second.
// Set to 0 for unlimited.
func NewWithRateLimit(cfg Config, bytesPerSec int64) *http.Client {
	client := New(cfg)
	if bytesPerSec > 0 {
		client.Transport = LimitBandwidth(client.Transport, bytesPerSec)
	}
	return client
}

// LimitBandwidth wraps base so response bodies are read at no more than
// bytesPerSec, with bursts of 64KB.
func LimitBandwidth(base http.RoundTripper, bytesPerSec int64) http.RoundTripper {
	return &rateLimitedTransport{
		base:    base,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), 64*1024),
	}
}

// NewForProxy creates a client that sends every request through proxyURL.
// Supported schemes are http, https and socks5/socks5h.
func NewForProxy(cfg Config, proxyURL string) (*http.Client, error) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy %q: %w", proxyURL, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("proxy %q has no host", proxyURL)
	}

	base := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	var transport *http.Transport
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		transport = newTransport(cfg, base.DialContext)
		transport.Proxy = http.ProxyURL(u)
	case "socks5", "socks5h":
		var auth *proxy.Auth
		if u.User != nil {
			password, _ := u.User.Password()
			auth = &proxy.Auth{User: u.User.Username(), Password: password}
		}
		dialer, err := proxy.SOCKS5("tcp", u.Host, auth, base)
		if err != nil {
			return nil, fmt.Errorf("create socks5 dialer: %w", err)
		}
		cd, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 dialer for %q does not support contexts", u.Host)
		}
		transport = newTransport(cfg, cd.DialContext)
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}

	return &http.Client{Transport: transport, Timeout: cfg.Timeout}, nil
}

// NewRequest builds a GET request with headers applied.
func NewRequest(ctx context.Context, rawURL string, headers map[string]string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// rateLimitedTransport wraps a transport with rate limiting.
type rateLimitedTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

func (t *rateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	resp.Body = &rateLimitedReader{
		r:       resp.Body,
		limiter: t.limiter,
		ctx:     req.Context(),
	}
	return resp, nil
}

// rateLimitedReader wraps an io.ReadCloser with rate limiting.
type rateLimitedReader struct {
	r       io.ReadCloser
	limiter *rate.Limiter
	ctx     context.Context
}

func (r *rateLimitedReader) Read(p []byte) (int, error) {
	if len(p) > r.limiter.Burst() {
		p = p[:r.limiter.Burst()]
	}
	if err := r.limiter.WaitN(r.ctx, len(p)); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

func (r *rateLimitedReader) Close() error {
	return r.r.Close()
}
