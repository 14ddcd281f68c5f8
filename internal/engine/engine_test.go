package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohaanymo/hlsfetch/internal/config"
	"github.com/mohaanymo/hlsfetch/internal/models"
)

const originMaster = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",LANGUAGE="en",NAME="English",DEFAULT=YES,URI="audio/en.m3u8"
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",LANGUAGE="it",NAME="Italiano",URI="audio/it.m3u8"
#EXT-X-MEDIA:TYPE=SUBTITLES,GROUP-ID="subs",LANGUAGE="en",NAME="English",URI="subs/en.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360,CODECS="avc1.4d401e,mp4a.40.2",AUDIO="aud",SUBTITLES="subs"
360/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2800000,RESOLUTION=1280x720,CODECS="avc1.4d401f,mp4a.40.2",AUDIO="aud",SUBTITLES="subs"
720/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=5000000,RESOLUTION=1920x1080,CODECS="avc1.640028,mp4a.40.2",AUDIO="aud",SUBTITLES="subs"
1080/index.m3u8
`

// mediaPlaylist builds a media playlist of n segments named <prefix><i>.ts,
// each lasting segDur seconds.
func mediaPlaylist(prefix string, n int, segDur float64, keyLine string) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:1200\n#EXT-X-MEDIA-SEQUENCE:0\n")
	b.WriteString(keyLine)
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n%s%d.ts\n", segDur, prefix, i)
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}

// origin is a fake CDN serving fixed bodies by path.
type origin struct {
	*httptest.Server
	mu     sync.Mutex
	bodies map[string][]byte
	hits   map[string]int
}

func newOrigin(t *testing.T) *origin {
	t.Helper()
	o := &origin{bodies: make(map[string][]byte), hits: make(map[string]int)}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		body, ok := o.bodies[r.URL.Path]
		o.hits[r.URL.Path]++
		o.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(body)
	}))
	t.Cleanup(o.Close)
	return o
}

func (o *origin) set(path string, body []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bodies[path] = body
}

func (o *origin) hitCount(prefix string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for p, c := range o.hits {
		if strings.HasPrefix(p, prefix) {
			n += c
		}
	}
	return n
}

// addTrack serves a playlist at dir/index-style path plus its segments and
// returns the payloads.
func (o *origin) addTrack(playlistPath, segPrefix string, n int, segDur float64) [][]byte {
	payloads := make([][]byte, n)
	for i := range payloads {
		payloads[i] = bytes.Repeat([]byte(fmt.Sprintf("%s-%d|", segPrefix, i)), 40)
		o.set(fmt.Sprintf("%s%d.ts", segPrefix, i), payloads[i])
	}
	rel := segPrefix[strings.LastIndex(segPrefix, "/")+1:]
	o.set(playlistPath, []byte(mediaPlaylist(rel, n, segDur, "")))
	return payloads
}

// fakeMuxer writes the video track to the output and records the job.
type fakeMuxer struct {
	mu     sync.Mutex
	job    MuxJob
	tracks map[string][]byte
	err    error
}

func (m *fakeMuxer) Mux(_ context.Context, job MuxJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.job = job
	if m.err != nil {
		return m.err
	}
	m.tracks = make(map[string][]byte)
	paths := []string{job.Video}
	for _, in := range append(append([]MuxInput{}, job.Audio...), job.Subtitles...) {
		paths = append(paths, in.Path)
	}
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		m.tracks[p] = data
	}
	if err := os.MkdirAll(filepath.Dir(job.Output), 0755); err != nil {
		return err
	}
	return os.WriteFile(job.Output, m.tracks[job.Video], 0644)
}

type fixedProber struct {
	d   time.Duration
	err error
}

func (p fixedProber) Probe(context.Context, string) (time.Duration, error) {
	return p.d, p.err
}

func engineConfig(t *testing.T) *config.Config {
	cfg := testConfig()
	cfg.URL = "unused"
	cfg.OutputDir = t.TempDir()
	cfg.WorkDir = t.TempDir()
	cfg.FileName = "movie"
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config, m Muxer, primary, secondary DurationProber) *Engine {
	t.Helper()
	e, err := New(cfg)
	require.NoError(t, err)
	e.SetMuxer(m)
	e.SetProbers(primary, secondary)
	return e
}

func workDirs(t *testing.T, cfg *config.Config) []string {
	t.Helper()
	entries, err := os.ReadDir(cfg.WorkDir)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out
}

func TestDownloadMasterEndToEnd(t *testing.T) {
	o := newOrigin(t)
	o.set("/show/master.m3u8", []byte(originMaster))
	video := o.addTrack("/show/1080/index.m3u8", "/show/1080/seg", 3, 1200)
	o.addTrack("/show/720/index.m3u8", "/show/720/seg", 3, 1200)
	audio := o.addTrack("/show/audio/en.m3u8", "/show/audio/en-", 3, 1200)
	subs := o.addTrack("/show/subs/en.m3u8", "/show/subs/en-", 3, 1200)

	cfg := engineConfig(t)
	cfg.Languages = []string{"English"}
	m := &fakeMuxer{}
	e := newTestEngine(t, cfg, m, fixedProber{d: 3601 * time.Second}, nil)

	var states []State
	e.OnState(func(s State) { states = append(states, s) })

	res := e.Download(context.Background(), o.URL+"/show/master.m3u8")
	require.Nil(t, res.Err)
	assert.True(t, res.OK())
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, filepath.Join(cfg.OutputDir, "movie.mp4"), res.Path)
	assert.Equal(t, 3600*time.Second, res.Expected)
	assert.Equal(t, 3601*time.Second, res.Measured)
	assert.False(t, res.Stopped)
	assert.Len(t, res.Tracks, 3)
	assert.Equal(t, []State{StateIdle, StateManifestFetched, StateStreamsSelected, StateDownloading, StateMerging, StateVerifying, StateDone}, states)

	assert.Equal(t, concat(video), m.tracks[m.job.Video])
	require.Len(t, m.job.Audio, 1)
	assert.Equal(t, "en", m.job.Audio[0].Language)
	assert.True(t, strings.HasSuffix(m.job.Audio[0].Path, filepath.Join("audio", "en", "0.ts")))
	assert.Equal(t, concat(audio), m.tracks[m.job.Audio[0].Path])
	require.Len(t, m.job.Subtitles, 1)
	assert.True(t, strings.HasSuffix(m.job.Subtitles[0].Path, filepath.Join("subs", "en.vtt")))
	assert.Equal(t, concat(subs), m.tracks[m.job.Subtitles[0].Path])
	require.NotNil(t, m.job.CodecInfo)
	assert.Equal(t, "libx264", m.job.CodecInfo.VideoCodec)

	assert.Zero(t, o.hitCount("/show/720/"), "only the selected variant is fetched")
	assert.Zero(t, o.hitCount("/show/audio/it"))
	assert.Empty(t, workDirs(t, cfg), "work dir removed")
}

func TestDownloadKeepTempSavesPlaylist(t *testing.T) {
	o := newOrigin(t)
	o.addTrack("/v/index.m3u8", "/v/seg", 2, 4)

	cfg := engineConfig(t)
	cfg.KeepTemp = true
	res := newTestEngine(t, cfg, &fakeMuxer{}, fixedProber{d: 8 * time.Second}, nil).Download(context.Background(), o.URL+"/v/index.m3u8")
	require.True(t, res.OK(), "%v", res.Err)

	dirs := workDirs(t, cfg)
	require.Len(t, dirs, 1)
	assert.True(t, strings.HasPrefix(dirs[0], "hlsfetch-"))
	raw, err := os.ReadFile(filepath.Join(cfg.WorkDir, dirs[0], "playlist.m3u8"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "#EXTM3U")
	assert.FileExists(t, filepath.Join(cfg.WorkDir, dirs[0], "video", "0.ts"))
}

func TestDownloadDurationCheck(t *testing.T) {
	tests := []struct {
		name      string
		primary   fixedProber
		secondary DurationProber
		wantKind  models.ErrorKind
		wantFile  string
	}{
		{"within primary tolerance", fixedProber{d: 3598 * time.Second}, nil, models.KindUnknown, "movie.mp4"},
		{"mismatch", fixedProber{d: 3550 * time.Second}, fixedProber{d: 3550 * time.Second}, models.KindDurationMismatch, "movie_failed.mp4"},
		{"secondary rescues", fixedProber{err: errors.New("no moov")}, fixedProber{d: 3604 * time.Second}, models.KindUnknown, "movie.mp4"},
		{"secondary looser but still off", fixedProber{d: 3590 * time.Second}, fixedProber{d: 3594 * time.Second}, models.KindDurationMismatch, "movie_failed.mp4"},
		{"nothing can measure", fixedProber{err: errors.New("bad")}, fixedProber{err: errors.New("bad")}, models.KindDurationMismatch, "movie_failed.mp4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newOrigin(t)
			o.addTrack("/v/index.m3u8", "/v/seg", 3, 1200)

			cfg := engineConfig(t)
			res := newTestEngine(t, cfg, &fakeMuxer{}, tt.primary, tt.secondary).Download(context.Background(), o.URL+"/v/index.m3u8")

			assert.Equal(t, StateDone, res.State)
			assert.Equal(t, tt.wantKind, res.Kind)
			assert.Equal(t, filepath.Join(cfg.OutputDir, tt.wantFile), res.Path)
			assert.FileExists(t, res.Path)
			if tt.wantKind == models.KindDurationMismatch {
				require.NotNil(t, res.Err)
				assert.True(t, res.Kind.Warning())
				assert.NoFileExists(t, filepath.Join(cfg.OutputDir, "movie.mp4"))
			} else {
				assert.Nil(t, res.Err)
			}
		})
	}
}

func TestDownloadEncryptedMediaPlaylist(t *testing.T) {
	key := []byte("0123456789abcdef")

	o := newOrigin(t)
	o.set("/keys/k.bin", key)
	plain := makePayloads(4)
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-TARGETDURATION:4\n#EXT-X-MEDIA-SEQUENCE:5\n#EXT-X-KEY:METHOD=AES-128,URI=\"/keys/k.bin\"\n")
	for i, p := range plain {
		o.set(fmt.Sprintf("/enc/s%d.ts", i), encryptSegment(t, key, 5, i, p))
		fmt.Fprintf(&b, "#EXTINF:4,\ns%d.ts\n", i)
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	o.set("/enc/index.m3u8", []byte(b.String()))

	m := &fakeMuxer{}
	res := newTestEngine(t, engineConfig(t), m, fixedProber{d: 16 * time.Second}, nil).Download(context.Background(), o.URL+"/enc/index.m3u8")
	require.True(t, res.OK(), "%v", res.Err)
	assert.Equal(t, concat(plain), m.tracks[m.job.Video])
	assert.Equal(t, 1, o.hitCount("/keys/"))
}

func TestDownloadKeyFetchFailureIsFatal(t *testing.T) {
	o := newOrigin(t)
	o.set("/enc/index.m3u8", []byte("#EXTM3U\n#EXT-X-TARGETDURATION:4\n#EXT-X-KEY:METHOD=AES-128,URI=\"missing.key\"\n#EXTINF:4,\ns0.ts\n#EXT-X-ENDLIST\n"))
	o.set("/enc/s0.ts", bytes.Repeat([]byte{1}, 256))

	res := newTestEngine(t, engineConfig(t), &fakeMuxer{}, fixedProber{}, nil).Download(context.Background(), o.URL+"/enc/index.m3u8")
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, models.KindKeyFetch, res.Kind)
	assert.Zero(t, o.hitCount("/enc/s"), "no segment requested without a key")
}

func TestDownloadManifestErrors(t *testing.T) {
	o := newOrigin(t)
	o.set("/empty.m3u8", []byte("  \n"))
	o.set("/html.m3u8", []byte("<html>blocked</html>"))
	o.set("/nested/master.m3u8", []byte("#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1000,RESOLUTION=640x360\ninner.m3u8\n"))
	o.set("/nested/inner.m3u8", []byte("#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1000,RESOLUTION=640x360\ninner.m3u8\n"))

	tests := []struct {
		path string
		want models.ErrorKind
	}{
		{"/missing.m3u8", models.KindManifestFetch},
		{"/empty.m3u8", models.KindManifestFetch},
		{"/html.m3u8", models.KindMalformedManifest},
		{"/nested/master.m3u8", models.KindMalformedManifest},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			cfg := engineConfig(t)
			m := &fakeMuxer{}
			res := newTestEngine(t, cfg, m, fixedProber{}, nil).Download(context.Background(), o.URL+tt.path)
			assert.Equal(t, StateFailed, res.State)
			assert.Equal(t, tt.want, res.Kind)
			require.NotNil(t, res.Err)
			assert.Empty(t, res.Path)
			assert.Empty(t, m.job.Video, "muxer not called")
			assert.Empty(t, workDirs(t, cfg), "failed downloads are cleaned up")
		})
	}
}

func TestDownloadVideoFailureIsFatal(t *testing.T) {
	o := newOrigin(t)
	o.set("/v/index.m3u8", []byte(mediaPlaylist("seg", 4, 4, "")))

	res := newTestEngine(t, engineConfig(t), &fakeMuxer{}, fixedProber{}, nil).Download(context.Background(), o.URL+"/v/index.m3u8")
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, models.KindIncompleteDownload, res.Kind)
	require.Len(t, res.Tracks, 1)
	assert.Equal(t, 4, res.Tracks[0].FailedSegments)
}

func TestDownloadDropsFailedAlternates(t *testing.T) {
	o := newOrigin(t)
	o.set("/show/master.m3u8", []byte(originMaster))
	o.addTrack("/show/1080/index.m3u8", "/show/1080/seg", 2, 4)
	o.addTrack("/show/audio/it.m3u8", "/show/audio/it-", 2, 4)
	// English audio playlist is missing; the subtitle track has broken segments.
	o.set("/show/subs/en.m3u8", []byte(mediaPlaylist("en-", 2, 4, "")))

	cfg := engineConfig(t)
	cfg.Languages = []string{"en", "it"}
	cfg.ParallelTracks = true
	m := &fakeMuxer{}

	res := newTestEngine(t, cfg, m, fixedProber{d: 8 * time.Second}, nil).Download(context.Background(), o.URL+"/show/master.m3u8")
	require.True(t, res.OK(), "%v", res.Err)
	require.Len(t, m.job.Audio, 1)
	assert.Equal(t, "it", m.job.Audio[0].Language)
	assert.Empty(t, m.job.Subtitles)
}

func TestDownloadMergeFailure(t *testing.T) {
	o := newOrigin(t)
	o.addTrack("/v/index.m3u8", "/v/seg", 2, 4)

	m := &fakeMuxer{err: errors.New("ffmpeg exploded")}
	res := newTestEngine(t, engineConfig(t), m, fixedProber{}, nil).Download(context.Background(), o.URL+"/v/index.m3u8")
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, models.KindMerge, res.Kind)
}

func TestDownloadCancelled(t *testing.T) {
	o := newOrigin(t)
	o.addTrack("/v/index.m3u8", "/v/seg", 2, 4)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := newTestEngine(t, engineConfig(t), &fakeMuxer{}, fixedProber{}, nil).Download(ctx, o.URL+"/v/index.m3u8")
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, models.KindCancelled, res.Kind)
	assert.True(t, res.Stopped)
}

func TestDownloadNoWorkingProxies(t *testing.T) {
	o := newOrigin(t)
	o.addTrack("/v/index.m3u8", "/v/seg", 2, 4)

	var proxied atomic.Int32
	badProxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxied.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer badProxy.Close()

	cfg := engineConfig(t)
	cfg.Proxies = []string{badProxy.URL}
	cfg.ProxyTimeout = time.Second
	res := newTestEngine(t, cfg, &fakeMuxer{}, fixedProber{}, nil).Download(context.Background(), o.URL+"/v/index.m3u8")
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, models.KindNoWorkingProxies, res.Kind)
	assert.Equal(t, int32(1), proxied.Load())
	assert.Zero(t, o.hitCount("/v/seg"), "no direct fallback")
}

func TestDownloadThroughProxy(t *testing.T) {
	o := newOrigin(t)
	payloads := o.addTrack("/v/index.m3u8", "/v/seg", 3, 4)

	var proxied atomic.Int32
	// Forwards absolute-form requests to the origin.
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxied.Add(1)
		resp, err := http.Get(r.URL.String())
		if err != nil {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
	}))
	defer proxy.Close()

	cfg := engineConfig(t)
	cfg.Proxies = []string{proxy.URL}
	m := &fakeMuxer{}
	res := newTestEngine(t, cfg, m, fixedProber{d: 12 * time.Second}, nil).Download(context.Background(), o.URL+"/v/index.m3u8")
	require.True(t, res.OK(), "%v", res.Err)
	assert.Equal(t, concat(payloads), m.tracks[m.job.Video])
	// One probe plus three segments.
	assert.Equal(t, int32(4), proxied.Load())
}

func TestEnsureMP4(t *testing.T) {
	assert.Equal(t, "movie.mp4", ensureMP4("movie"))
	assert.Equal(t, "movie.mp4", ensureMP4("movie.mp4"))
	assert.Equal(t, "movie.MP4", ensureMP4("movie.MP4"))
	assert.Equal(t, "dir/movie.mp4", ensureMP4("dir/movie.mkv"))
	assert.Equal(t, "movie.mp4", ensureMP4("movie.TS"))
	assert.Equal(t, "Show.S01E01.mp4", ensureMP4("Show.S01E01"))
	assert.Equal(t, "Show.S01E02.mp4", ensureMP4("Show.S01E02"))
	assert.Equal(t, "Mr. Robot.mp4", ensureMP4("Mr. Robot"))
	assert.Equal(t, "shows/v1.2/ep.mp4", ensureMP4("shows/v1.2/ep"))
}

func TestFailedPath(t *testing.T) {
	assert.Equal(t, "out/movie_failed.mp4", failedPath("out/movie.mp4"))
}

func TestTrackDirName(t *testing.T) {
	assert.Equal(t, "und", trackDirName(""))
	assert.Equal(t, "en", trackDirName("en"))
	assert.Equal(t, "__etc", trackDirName("../etc"))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "streams_selected", StateStreamsSelected.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "unknown", State(99).String())
}
