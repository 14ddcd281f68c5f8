package proxypool

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohaanymo/hlsfetch/internal/models"
)

const probeURL = "http://origin.invalid/seg0.ts"

// forwardProxy answers proxied requests itself with status.
func forwardProxy(t *testing.T, status int, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(status)
		io.WriteString(w, "segment bytes")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestVerifyKeepsWorkingProxiesInOrder(t *testing.T) {
	var hits atomic.Int32
	good1 := forwardProxy(t, http.StatusOK, &hits)
	bad := forwardProxy(t, http.StatusBadGateway, &hits)
	good2 := forwardProxy(t, http.StatusOK, &hits)

	candidates := []string{good1.URL, bad.URL, "http://127.0.0.1:1", "not a proxy", good2.URL}
	got, err := Verify(context.Background(), candidates, probeURL, Options{Timeout: 2 * time.Second, Parallelism: 2})
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, good1.URL, got[0].URL)
	assert.Equal(t, good2.URL, got[1].URL)
	assert.NotNil(t, got[0].Client)
}

func TestVerifyNoWorkingProxies(t *testing.T) {
	var hits atomic.Int32
	bad := forwardProxy(t, http.StatusForbidden, &hits)

	_, err := Verify(context.Background(), []string{bad.URL}, probeURL, Options{Timeout: time.Second, Parallelism: 4})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoWorkingProxies))
	assert.Equal(t, models.KindNoWorkingProxies, models.KindOf(err))
}

func TestVerifyUsesCache(t *testing.T) {
	var hits atomic.Int32
	good := forwardProxy(t, http.StatusOK, &hits)
	c := NewCache(time.Minute)

	for i := 0; i < 3; i++ {
		got, err := Verify(context.Background(), []string{good.URL}, probeURL, Options{Cache: c})
		require.NoError(t, err)
		require.Len(t, got, 1)
	}
	assert.Equal(t, int32(1), hits.Load())

	// A different probe host is probed again.
	_, err := Verify(context.Background(), []string{good.URL}, "http://other.invalid/seg0.ts", Options{Cache: c})
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestVerifyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Verify(ctx, []string{"http://127.0.0.1:1"}, probeURL, Options{})
	assert.Equal(t, models.KindCancelled, models.KindOf(err))
}

func TestPoolRotation(t *testing.T) {
	proxies := []*Proxy{{URL: "http://a"}, {URL: "http://b"}, {URL: "http://c"}}
	p := NewPool(proxies, map[string]string{"Referer": "https://example.com/"}, []string{"ua-1", "ua-2"}, 0)

	require.Equal(t, 3, p.Len())
	var seen []string
	for i := 0; i < 6; i++ {
		r := p.Next()
		seen = append(seen, r.Proxy.URL)
		assert.Equal(t, "https://example.com/", r.Headers["Referer"])
	}
	assert.Equal(t, []string{"http://a", "http://b", "http://c", "http://a", "http://b", "http://c"}, seen)

	assert.Equal(t, "ua-1", p.routes[0].Headers["User-Agent"])
	assert.Equal(t, "ua-2", p.routes[1].Headers["User-Agent"])
	assert.Equal(t, "ua-1", p.routes[2].Headers["User-Agent"])
}

func TestEmptyPool(t *testing.T) {
	var p *Pool
	assert.Equal(t, 0, p.Len())
	assert.Nil(t, p.Next())
	assert.Nil(t, NewPool(nil, nil, nil, 0).Next())
}

func TestRouteWaitRateLimited(t *testing.T) {
	p := NewPool([]*Proxy{{URL: "http://a"}}, nil, nil, 20)
	r := p.Next()

	start := time.Now()
	for i := 0; i < 3; i++ {
		r.Wait()
	}
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}
