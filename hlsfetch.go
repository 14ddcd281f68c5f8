// Package hlsfetch downloads HLS streams into a single MP4 file.
//
// Basic usage:
//
//	d, err := hlsfetch.New(
//		hlsfetch.WithURL("https://example.com/master.m3u8"),
//		hlsfetch.WithFileName("episode-01"),
//		hlsfetch.WithLanguages("en", "it"),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer d.Close()
//
//	res := d.Download(ctx)
//	if res.Failed() {
//		log.Fatal(res.Err)
//	}
//
// Or use the convenience function:
//
//	res, err := hlsfetch.DownloadURL(ctx, "https://example.com/master.m3u8", "video.mp4")
package hlsfetch

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mohaanymo/hlsfetch/internal/config"
	"github.com/mohaanymo/hlsfetch/internal/engine"
	"github.com/mohaanymo/hlsfetch/internal/models"
)

// Downloader downloads one asset.
type Downloader struct {
	cfg    *config.Config
	eng    *engine.Engine
	source ManifestSource

	progressOnce sync.Once
	progress     chan ProgressUpdate
}

type settings struct {
	cfg       *config.Config
	source    ManifestSource
	muxer     Muxer
	primary   DurationProber
	secondary DurationProber
	probers   bool
	err       error
}

// Option configures the downloader.
type Option func(*settings)

// New creates a Downloader. Either WithURL or WithSource is required.
func New(opts ...Option) (*Downloader, error) {
	s := &settings{cfg: config.New()}
	for _, opt := range opts {
		opt(s)
	}
	if s.err != nil {
		return nil, s.err
	}

	if s.source == nil {
		if err := s.cfg.Validate(); err != nil {
			return nil, err
		}
		s.source = StaticSource(s.cfg.URL)
	} else if err := s.cfg.Normalize(); err != nil {
		return nil, err
	}

	eng, err := engine.New(s.cfg)
	if err != nil {
		return nil, err
	}
	if s.muxer != nil {
		eng.SetMuxer(s.muxer)
	}
	if s.probers {
		eng.SetProbers(s.primary, s.secondary)
	}

	return &Downloader{
		cfg:    s.cfg,
		eng:    eng,
		source: s.source,
	}, nil
}

// WithURL sets the manifest URL.
func WithURL(url string) Option {
	return func(s *settings) {
		s.cfg.URL = url
	}
}

// WithSource sets where the manifest URL comes from. It takes precedence
// over WithURL.
func WithSource(src ManifestSource) Option {
	return func(s *settings) {
		s.source = src
	}
}

// WithFileName sets the output file name. The extension is forced to .mp4.
func WithFileName(filename string) Option {
	return func(s *settings) {
		s.cfg.FileName = filename
	}
}

// WithDir sets the output directory.
func WithDir(dir string) Option {
	return func(s *settings) {
		s.cfg.OutputDir = dir
	}
}

// WithWorkDir sets the parent of the temporary working directories.
func WithWorkDir(dir string) Option {
	return func(s *settings) {
		s.cfg.WorkDir = dir
	}
}

// WithKeepTemp keeps the working directory after the download.
func WithKeepTemp(keep bool) Option {
	return func(s *settings) {
		s.cfg.KeepTemp = keep
	}
}

// WithThreads sets the number of concurrent segment downloads for the video
// track (default: 16, max: 128). Audio and subtitles get half and a quarter.
func WithThreads(n int) Option {
	return func(s *settings) {
		s.cfg.VideoWorkers = n
		s.cfg.AudioWorkers = max(n/2, 1)
		s.cfg.SubtitleWorkers = max(n/4, 1)
	}
}

// WithRetries sets how often a segment is attempted and the first backoff.
func WithRetries(attempts int, delay time.Duration) Option {
	return func(s *settings) {
		s.cfg.RetryAttempts = attempts
		s.cfg.RetryDelay = delay
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		s.cfg.Timeout = d
	}
}

// WithLanguages selects audio and subtitle renditions, in merge order.
// Names ("English"), ISO 639-1 and ISO 639-2 codes are accepted.
func WithLanguages(langs ...string) Option {
	return func(s *settings) {
		s.cfg.Languages = langs
	}
}

// WithResolution forces a video height such as 720. 0 picks the best.
func WithResolution(height int) Option {
	return func(s *settings) {
		s.cfg.ForcedHeight = height
	}
}

// WithProxies routes every segment request through the given proxies.
// Supported schemes are http, https, socks5 and socks5h.
func WithProxies(proxies ...string) Option {
	return func(s *settings) {
		s.cfg.Proxies = proxies
	}
}

// WithUserAgents sets the User-Agent rotation. The first one is used for
// direct requests.
func WithUserAgents(agents ...string) Option {
	return func(s *settings) {
		s.cfg.UserAgents = agents
	}
}

// WithHeaders sets custom HTTP headers for requests.
func WithHeaders(headers map[string]string) Option {
	return func(s *settings) {
		for k, v := range headers {
			s.cfg.Headers[k] = v
		}
	}
}

// WithHeader adds a single HTTP header.
func WithHeader(key, value string) Option {
	return func(s *settings) {
		s.cfg.Headers[key] = value
	}
}

// WithCookies sets cookies for HTTP requests.
func WithCookies(cookies string) Option {
	return func(s *settings) {
		s.cfg.Cookies = cookies
	}
}

// WithTranscode re-encodes streams with the encoders implied by the
// manifest's CODECS attribute instead of copying them.
func WithTranscode(transcode bool) Option {
	return func(s *settings) {
		if transcode {
			s.cfg.Codec = config.CodecTranscode
		} else {
			s.cfg.Codec = config.CodecCopy
		}
	}
}

// WithFFmpeg sets the ffmpeg and ffprobe binaries.
func WithFFmpeg(ffmpeg, ffprobe string) Option {
	return func(s *settings) {
		s.cfg.FFmpegPath = ffmpeg
		s.cfg.FFprobePath = ffprobe
	}
}

// WithVerbose enables verbose logging.
func WithVerbose(verbose bool) Option {
	return func(s *settings) {
		s.cfg.Verbose = verbose
	}
}

// WithLogger sets the logger. It overrides WithVerbose.
func WithLogger(l *log.Entry) Option {
	return func(s *settings) {
		s.cfg.Logger = l
	}
}

// WithParallelTracks downloads audio and subtitle tracks concurrently.
func WithParallelTracks(parallel bool) Option {
	return func(s *settings) {
		s.cfg.ParallelTracks = parallel
	}
}

// WithMaxBandwidth sets maximum download speed in bytes per second.
// Set to 0 for unlimited (default).
func WithMaxBandwidth(bytesPerSec int64) Option {
	return func(s *settings) {
		s.cfg.MaxBandwidth = bytesPerSec
	}
}

// WithConfigFile overlays a YAML configuration file. Options given after it
// override the file.
func WithConfigFile(path string) Option {
	return func(s *settings) {
		if err := s.cfg.LoadFile(path); err != nil && s.err == nil {
			s.err = err
		}
	}
}

// WithMuxer replaces the ffmpeg muxer.
func WithMuxer(m Muxer) Option {
	return func(s *settings) {
		s.muxer = m
	}
}

// WithDurationProbers replaces the duration checks. secondary may be nil.
func WithDurationProbers(primary, secondary DurationProber) Option {
	return func(s *settings) {
		s.primary, s.secondary = primary, secondary
		s.probers = true
	}
}

// Download runs the download. It blocks until the file is verified, the
// download fails or ctx is cancelled, and always returns a Result.
func (d *Downloader) Download(ctx context.Context) *Result {
	return newResult(d.download(ctx))
}

func (d *Downloader) download(ctx context.Context) *engine.Result {
	url, err := d.source.ResolveManifestURL(ctx)
	if err != nil {
		kind := models.KindManifestFetch
		if ctx.Err() != nil {
			kind = models.KindCancelled
		}
		me := models.NewError(kind, "resolve manifest url", err)
		return &engine.Result{State: engine.StateFailed, Err: me, Kind: kind, Stopped: kind == models.KindCancelled}
	}
	return d.eng.Download(ctx, url)
}

// Progress returns the channel of download progress updates. Every call
// returns the same channel, which is closed when the downloader is closed.
func (d *Downloader) Progress() <-chan ProgressUpdate {
	d.progressOnce.Do(func() {
		d.progress = make(chan ProgressUpdate, 100)
		go func() {
			defer close(d.progress)
			for p := range d.eng.Progress() {
				d.progress <- newProgressUpdate(p)
			}
		}()
	})
	return d.progress
}

// OnState registers a callback for state transitions. It runs on the
// downloading goroutine and must not block.
func (d *Downloader) OnState(fn func(State)) {
	d.eng.OnState(fn)
}

// Close releases all resources held by the downloader.
// Always call Close() when done, preferably with defer.
func (d *Downloader) Close() error {
	return d.eng.Close()
}

// DownloadURL is a convenience function for simple downloads. The error is
// non-nil only when no file was produced; warnings stay in the Result.
func DownloadURL(ctx context.Context, url, filename string, opts ...Option) (*Result, error) {
	allOpts := append([]Option{
		WithURL(url),
		WithFileName(filename),
	}, opts...)

	d, err := New(allOpts...)
	if err != nil {
		return nil, err
	}
	defer d.Close()

	res := d.Download(ctx)
	if res.Failed() && res.Err != nil {
		return res, res.Err
	}
	return res, nil
}
