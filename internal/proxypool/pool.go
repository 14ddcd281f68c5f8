// Package proxypool verifies candidate proxies against the target host and
// rotates requests across the ones that work.
package proxypool

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
	"go.uber.org/ratelimit"

	"github.com/mohaanymo/hlsfetch/internal/httpclient"
	"github.com/mohaanymo/hlsfetch/internal/models"
)

// ErrNoWorkingProxies is the cause of the error Verify returns when every
// candidate failed its probe.
var ErrNoWorkingProxies = errors.New("no working proxies")

// Proxy is a verified proxy with its own client.
type Proxy struct {
	URL     string
	Client  *http.Client
	Latency time.Duration
}

// Options controls verification.
type Options struct {
	Timeout     time.Duration
	Parallelism int
	Headers     map[string]string
	HTTP        httpclient.Config
	// Cache, when set, remembers probe outcomes per probe host and proxy.
	Cache  *cache.Cache
	Logger *log.Entry
}

// NewCache returns a verification cache whose entries live for ttl.
func NewCache(ttl time.Duration) *cache.Cache {
	return cache.New(ttl, 2*ttl)
}

type probeResult struct {
	ok      bool
	latency time.Duration
}

// Verify probes every candidate concurrently and returns the ones that
// answered probeURL with 200 within the timeout, in candidate order.
func Verify(ctx context.Context, candidates []string, probeURL string, opts Options) ([]*Proxy, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	host := probeHost(probeURL)
	pool, err := ants.NewPool(min(opts.Parallelism, max(len(candidates), 1)))
	if err != nil {
		return nil, models.NewError(models.KindConfig, "create probe pool", err)
	}
	defer pool.Release()

	verified := make([]*Proxy, len(candidates))
	var wg sync.WaitGroup

	for i, candidate := range candidates {
		i, candidate := i, candidate
		cacheKey := host + "|" + candidate
		if opts.Cache != nil {
			if v, ok := opts.Cache.Get(cacheKey); ok {
				res := v.(probeResult)
				if res.ok {
					if client, err := httpclient.NewForProxy(opts.HTTP, candidate); err == nil {
						verified[i] = &Proxy{URL: candidate, Client: client, Latency: res.latency}
					}
				}
				continue
			}
		}

		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			p, res := probe(ctx, candidate, probeURL, opts)
			if ctx.Err() != nil {
				return
			}
			if opts.Cache != nil {
				opts.Cache.SetDefault(cacheKey, res)
			}
			if p != nil {
				verified[i] = p
				logger.WithFields(log.Fields{"proxy": candidate, "latency": res.latency}).Debug("proxy verified")
			} else {
				logger.WithField("proxy", candidate).Debug("proxy rejected")
			}
		})
		if err != nil {
			wg.Done()
			logger.WithError(err).WithField("proxy", candidate).Warn("could not schedule proxy probe")
		}
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, models.NewError(models.KindCancelled, "verify proxies", err)
	}

	var out []*Proxy
	for _, p := range verified {
		if p != nil {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil, models.NewError(models.KindNoWorkingProxies, "verify proxies", ErrNoWorkingProxies).WithURL(probeURL)
	}
	logger.Infof("%d/%d proxies working", len(out), len(candidates))
	return out, nil
}

func probe(ctx context.Context, candidate, probeURL string, opts Options) (*Proxy, probeResult) {
	client, err := httpclient.NewForProxy(opts.HTTP, candidate)
	if err != nil {
		return nil, probeResult{}
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	req, err := httpclient.NewRequest(ctx, probeURL, opts.Headers)
	if err != nil {
		return nil, probeResult{}
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, probeResult{}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	latency := time.Since(start)
	if resp.StatusCode != http.StatusOK {
		return nil, probeResult{latency: latency}
	}
	return &Proxy{URL: candidate, Client: client, Latency: latency}, probeResult{ok: true, latency: latency}
}

func probeHost(probeURL string) string {
	u, err := url.Parse(probeURL)
	if err != nil || u.Host == "" {
		return probeURL
	}
	return u.Host
}

// Route is what a worker needs to send one request through a proxy.
type Route struct {
	Proxy   *Proxy
	Headers map[string]string
	limiter ratelimit.Limiter
}

// Client returns the proxy's HTTP client.
func (r *Route) Client() *http.Client {
	return r.Proxy.Client
}

// Wait blocks until the proxy's rate limiter admits another request.
func (r *Route) Wait() {
	if r.limiter != nil {
		r.limiter.Take()
	}
}

// Pool rotates verified proxies round-robin. It is immutable after
// construction and safe for concurrent use.
type Pool struct {
	routes []*Route
	next   atomic.Uint64
}

// NewPool builds a pool over proxies. Each proxy gets its own copy of headers
// with a User-Agent taken from userAgents in rotation, and a limiter of rps
// requests per second when rps > 0.
func NewPool(proxies []*Proxy, headers map[string]string, userAgents []string, rps int) *Pool {
	p := &Pool{routes: make([]*Route, len(proxies))}
	for i, px := range proxies {
		h := make(map[string]string, len(headers)+1)
		for k, v := range headers {
			h[k] = v
		}
		if len(userAgents) > 0 {
			h["User-Agent"] = userAgents[i%len(userAgents)]
		}
		route := &Route{Proxy: px, Headers: h}
		if rps > 0 {
			route.limiter = ratelimit.New(rps)
		}
		p.routes[i] = route
	}
	return p
}

// Len returns the number of verified proxies.
func (p *Pool) Len() int {
	if p == nil {
		return 0
	}
	return len(p.routes)
}

// Next returns the next route in rotation, or nil for an empty pool.
func (p *Pool) Next() *Route {
	if p.Len() == 0 {
		return nil
	}
	n := p.next.Add(1) - 1
	return p.routes[n%uint64(len(p.routes))]
}
