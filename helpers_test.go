package hlsfetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mohaanymo/hlsfetch/internal/config"
)

// newStreamServer serves a media playlist at /index.m3u8 with n segments of
// segDur seconds each.
func newStreamServer(t *testing.T, n int, segDur float64) *httptest.Server {
	t.Helper()
	var pl strings.Builder
	pl.WriteString("#EXTM3U\n#EXT-X-TARGETDURATION:10\n#EXT-X-MEDIA-SEQUENCE:0\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&pl, "#EXTINF:%.3f,\nseg%d.ts\n", segDur, i)
	}
	pl.WriteString("#EXT-X-ENDLIST\n")

	mux := http.NewServeMux()
	mux.HandleFunc("/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, pl.String())
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		var i int
		if _, err := fmt.Sscanf(r.URL.Path, "/seg%d.ts", &i); err != nil || i >= n {
			http.NotFound(w, r)
			return
		}
		w.Write(bytes.Repeat([]byte{byte('a' + i%26)}, 256))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// copyMuxer writes the video track to the output unchanged.
type copyMuxer struct{}

func (copyMuxer) Mux(_ context.Context, job MuxJob) error {
	data, err := os.ReadFile(job.Video)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(job.Output), 0755); err != nil {
		return err
	}
	return os.WriteFile(job.Output, data, 0644)
}

type fixedDuration time.Duration

func (d fixedDuration) Probe(context.Context, string) (time.Duration, error) {
	return time.Duration(d), nil
}

// testOptions keeps downloads fast, quiet and inside t's temp dirs.
func testOptions(t *testing.T, measured time.Duration) []Option {
	return []Option{
		WithDir(t.TempDir()),
		WithWorkDir(t.TempDir()),
		WithRetries(1, time.Millisecond),
		WithTimeout(2 * time.Second),
		WithLogger(config.NewLogger(io.Discard, false)),
		WithMuxer(copyMuxer{}),
		WithDurationProbers(fixedDuration(measured), nil),
	}
}
