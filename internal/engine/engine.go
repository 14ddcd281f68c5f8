// Package engine downloads one HLS asset: it fetches and parses the
// manifest, selects streams, downloads every track into an ordered file,
// merges them with ffmpeg and verifies the result.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"

	"github.com/mohaanymo/hlsfetch/internal/config"
	"github.com/mohaanymo/hlsfetch/internal/decryptor"
	"github.com/mohaanymo/hlsfetch/internal/httpclient"
	"github.com/mohaanymo/hlsfetch/internal/models"
	"github.com/mohaanymo/hlsfetch/internal/parser"
	"github.com/mohaanymo/hlsfetch/internal/proxypool"
)

// Work directory layout.
const (
	playlistFile = "playlist.m3u8"
	videoDir     = "video"
	audioDir     = "audio"
	subsDir      = "subs"
	trackFile    = "0.ts"
	failedSuffix = "_failed"
	maxManifest  = 16 << 20
)

// State is a step of the orchestrator state machine.
type State int

const (
	StateIdle State = iota
	StateManifestFetched
	StateStreamsSelected
	StateDownloading
	StateMerging
	StateVerifying
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateManifestFetched:
		return "manifest_fetched"
	case StateStreamsSelected:
		return "streams_selected"
	case StateDownloading:
		return "downloading"
	case StateMerging:
		return "merging"
	case StateVerifying:
		return "verifying"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is returned by every Download call.
type Result struct {
	// Path is the final container, renamed with the _failed suffix when
	// its duration did not match. Empty when no container was produced.
	Path string
	// Err is nil on a clean success. A KindDurationMismatch error comes
	// with State == StateDone and a usable Path.
	Err     *models.Error
	Kind    models.ErrorKind
	Stopped bool
	Tracks  []*models.TrackDownloadResult
	State   State
	// Expected and Measured are the declared and probed durations.
	Expected time.Duration
	Measured time.Duration
}

// OK reports whether the download finished without error or warning.
func (r *Result) OK() bool {
	return r.State == StateDone && r.Err == nil
}

// Engine is the download orchestrator.
type Engine struct {
	cfg        *config.Config
	client     *http.Client
	keys       *decryptor.KeyFetcher
	headers    map[string]string
	progressCh chan ProgressUpdate
	proxyCache *cache.Cache
	logger     *log.Entry

	muxer     Muxer
	primary   DurationProber
	secondary DurationProber
	onState   StateFunc
}

// New creates an Engine. cfg must have been validated.
func New(cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		return nil, models.Errorf(models.KindConfig, "create engine", "nil config")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = config.NewLogger(os.Stderr, cfg.Verbose)
		cfg.Logger = logger
	}

	hc := httpclient.DefaultConfig()
	var client *http.Client
	if cfg.MaxBandwidth > 0 {
		client = httpclient.NewWithRateLimit(hc, cfg.MaxBandwidth)
	} else {
		client = httpclient.New(hc)
	}

	headers := requestHeaders(cfg)
	e := &Engine{
		cfg:        cfg,
		client:     client,
		keys:       decryptor.NewKeyFetcher(client, headers),
		headers:    headers,
		progressCh: make(chan ProgressUpdate, 256),
		logger:     logger,
		muxer:      NewFFmpegMuxer(cfg),
		primary:    MP4Prober{},
		secondary:  FFprobeProber{Path: cfg.FFprobePath},
	}
	if cfg.UseProxies() {
		e.proxyCache = proxypool.NewCache(cfg.ProxyCacheTTL)
	}
	return e, nil
}

// SetMuxer sets a custom muxer implementation.
func (e *Engine) SetMuxer(m Muxer) {
	e.muxer = m
}

// SetProbers replaces the duration probes. secondary may be nil.
func (e *Engine) SetProbers(primary, secondary DurationProber) {
	e.primary = primary
	e.secondary = secondary
}

// OnState registers a callback for state transitions.
func (e *Engine) OnState(fn StateFunc) {
	e.onState = fn
}

// Progress returns the progress update channel.
func (e *Engine) Progress() <-chan ProgressUpdate {
	return e.progressCh
}

// Close releases engine resources. The engine must not be used afterwards.
func (e *Engine) Close() error {
	close(e.progressCh)
	return nil
}

// download is the state of one Download call.
type download struct {
	result   *Result
	workDir  string
	resolver *parser.Resolver
	fetcher  *Fetcher
	logger   *log.Entry
}

// Download runs the whole pipeline for the asset at manifestURL. It always
// returns a Result; failures are reported in Result.Err.
func (e *Engine) Download(ctx context.Context, manifestURL string) *Result {
	d := &download{
		result: &Result{State: StateIdle},
		logger: e.logger.WithField("url", manifestURL),
	}
	e.setState(d, StateIdle)

	err := e.run(ctx, d, manifestURL)
	if err != nil {
		e.fail(ctx, d, err)
	}
	e.cleanup(d)
	return d.result
}

func (e *Engine) run(ctx context.Context, d *download, manifestURL string) error {
	d.workDir = filepath.Join(e.workRoot(), "hlsfetch-"+uuid.NewString())
	if err := os.MkdirAll(d.workDir, 0755); err != nil {
		return models.NewError(models.KindConfig, "create work dir", err)
	}

	// Idle -> ManifestFetched
	manifest, err := e.fetchManifest(ctx, manifestURL)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(d.workDir, playlistFile), []byte(manifest.Raw), 0644); err != nil {
		d.logger.WithError(err).Warn("could not save playlist copy")
	}
	if d.resolver, err = parser.NewResolverFor(manifest.URI); err != nil {
		return models.NewError(models.KindManifestFetch, "resolve manifest", err).WithURL(manifest.URI)
	}
	e.setState(d, StateManifestFetched)

	// ManifestFetched -> StreamsSelected
	sel, err := Select(manifest, e.cfg)
	if err != nil {
		return err
	}
	video := manifest
	if manifest.IsMaster {
		if video, err = e.fetchMediaPlaylist(ctx, d.resolver.Resolve(sel.VideoURI)); err != nil {
			return err
		}
	}
	d.result.Expected = video.Duration
	if sel.Variant != nil {
		d.logger.Infof("selected %s video (%d kbps), %d audio, %d subtitles",
			qualityOf(sel.Variant), sel.Variant.Bandwidth/1000, len(sel.Audio), len(sel.Subtitles))
	}
	e.setState(d, StateStreamsSelected)

	// StreamsSelected -> Downloading
	var proxies *proxypool.Pool
	if e.cfg.UseProxies() {
		if proxies, err = e.verifyProxies(ctx, d, video); err != nil {
			return err
		}
	}
	d.fetcher = NewFetcher(e.cfg, e.client, proxies, e.progressCh)
	e.setState(d, StateDownloading)

	videoPath := filepath.Join(d.workDir, videoDir, trackFile)
	res, err := e.fetchTrack(ctx, d, models.TrackVideo, "", video, videoPath)
	if res != nil {
		d.result.Tracks = append(d.result.Tracks, res)
	}
	if err != nil {
		return err
	}

	job := MuxJob{
		Video:     videoPath,
		WorkDir:   d.workDir,
		Output:    e.outputPath(),
		CodecInfo: manifest.CodecInfo,
	}
	if sel.Variant != nil && sel.Variant.CodecInfo != nil {
		job.CodecInfo = sel.Variant.CodecInfo
	}
	job.Audio, job.Subtitles = e.fetchAlternates(ctx, d, sel)
	if ctx.Err() != nil {
		return models.NewError(models.KindCancelled, "download alternates", ctx.Err())
	}

	// Downloading -> Merging
	e.setState(d, StateMerging)
	if err := e.muxer.Mux(ctx, job); err != nil {
		if ctx.Err() != nil {
			return models.NewError(models.KindCancelled, "merge", ctx.Err())
		}
		return asError(models.KindMerge, "merge", err)
	}
	d.result.Path = job.Output

	// Merging -> Verifying
	e.setState(d, StateVerifying)
	if warn := e.verify(ctx, d); warn != nil {
		d.result.Err = warn
		d.result.Kind = warn.Kind
		d.logger.Warn(warn)
	}

	// Verifying -> Done
	e.setState(d, StateDone)
	d.logger.Infof("saved %s", d.result.Path)
	return nil
}

func (e *Engine) workRoot() string {
	if e.cfg.WorkDir != "" {
		return e.cfg.WorkDir
	}
	return os.TempDir()
}

func (e *Engine) outputPath() string {
	return ensureMP4(filepath.Join(e.cfg.OutputDir, e.cfg.FileName))
}

// fetchManifest GETs and parses a manifest. The URI recorded in the entry
// is the final URL after redirects so relative references resolve against
// the host that actually served it.
func (e *Engine) fetchManifest(ctx context.Context, uri string) (*models.ManifestEntry, error) {
	req, err := httpclient.NewRequest(ctx, uri, e.headers)
	if err != nil {
		return nil, models.NewError(models.KindManifestFetch, "fetch manifest", err).WithURL(uri)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, models.NewError(models.KindCancelled, "fetch manifest", ctx.Err())
		}
		return nil, models.NewError(models.KindManifestFetch, "fetch manifest", err).WithURL(uri)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, models.Errorf(models.KindManifestFetch, "fetch manifest", "HTTP %d", resp.StatusCode).WithURL(uri)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifest))
	if err != nil {
		return nil, models.NewError(models.KindManifestFetch, "read manifest", err).WithURL(uri)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, models.Errorf(models.KindManifestFetch, "fetch manifest", "empty body").WithURL(uri)
	}

	finalURI := uri
	if resp.Request != nil && resp.Request.URL != nil {
		finalURI = resp.Request.URL.String()
	}
	return parser.Parse(finalURI, string(body))
}

// fetchMediaPlaylist fetches a playlist a master pointed at. Getting
// another master back means the master was misread, so it is an error.
func (e *Engine) fetchMediaPlaylist(ctx context.Context, uri string) (*models.ManifestEntry, error) {
	m, err := e.fetchManifest(ctx, uri)
	if err != nil {
		return nil, err
	}
	if m.IsMaster {
		return nil, models.Errorf(models.KindMalformedManifest, "fetch media playlist", "nested master playlist").WithURL(uri)
	}
	return m, nil
}

func (e *Engine) verifyProxies(ctx context.Context, d *download, video *models.ManifestEntry) (*proxypool.Pool, error) {
	r, err := parser.NewResolverFor(video.URI)
	if err != nil {
		return nil, models.NewError(models.KindMalformedManifest, "resolve segments", err).WithURL(video.URI)
	}
	probeURL := r.Resolve(video.SegmentURIs[0])

	verified, err := proxypool.Verify(ctx, e.cfg.Proxies, probeURL, proxypool.Options{
		Timeout:     e.cfg.ProxyTimeout,
		Parallelism: e.cfg.ProxyParallelism,
		Headers:     e.headers,
		HTTP:        httpclient.DefaultConfig(),
		Cache:       e.proxyCache,
		Logger:      d.logger,
	})
	if err != nil {
		return nil, err
	}
	return proxypool.NewPool(verified, e.headers, e.cfg.UserAgents, e.cfg.ProxyRate), nil
}

// fetchTrack resolves the playlist's segments, prepares its cipher and
// downloads it to path.
func (e *Engine) fetchTrack(ctx context.Context, d *download, t models.TrackType, lang string, playlist *models.ManifestEntry, path string) (*models.TrackDownloadResult, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, models.NewError(models.KindConfig, "create track dir", err)
	}

	r, err := parser.NewResolverFor(playlist.URI)
	if err != nil {
		return nil, models.NewError(models.KindMalformedManifest, "resolve segments", err).WithURL(playlist.URI)
	}

	job := TrackJob{
		Type:       t,
		Language:   lang,
		Segments:   r.ResolveAll(playlist.SegmentURIs),
		OutputPath: path,
	}
	if playlist.IsEncrypted() {
		key := *playlist.EncryptionKey
		key.URI = r.Resolve(key.URI)
		cipher, err := decryptor.NewSegmentCipher(ctx, e.keys, &key, playlist.MediaSequence)
		if err != nil {
			return nil, err
		}
		job.Decrypter = cipher
	}

	start := time.Now()
	res, err := d.fetcher.FetchTrack(ctx, job)
	if res != nil {
		d.logger.WithField("track", trackLabel(job)).Infof("%s in %s", res, time.Since(start).Round(time.Millisecond))
	}
	return res, err
}

// fetchAlternates downloads the selected audio and subtitle renditions.
// A failed alternate is logged and left out of the merge.
func (e *Engine) fetchAlternates(ctx context.Context, d *download, sel *Selection) (audio, subs []MuxInput) {
	type alternate struct {
		typ       models.TrackType
		rendition *models.Rendition
		path      string
	}

	var alts []alternate
	for _, r := range sel.Audio {
		lang := trackDirName(r.Language)
		alts = append(alts, alternate{models.TrackAudio, r, filepath.Join(d.workDir, audioDir, lang, trackFile)})
	}
	for _, r := range sel.Subtitles {
		lang := trackDirName(r.Language)
		alts = append(alts, alternate{models.TrackSubtitle, r, filepath.Join(d.workDir, subsDir, lang+".vtt")})
	}

	ok := make([]bool, len(alts))
	var mu sync.Mutex

	fetch := func(i int) {
		a := alts[i]
		if ctx.Err() != nil {
			return
		}
		playlist, err := e.fetchMediaPlaylist(ctx, d.resolver.Resolve(a.rendition.URI))
		if err != nil {
			d.logger.WithError(err).Warnf("dropping %s track %s", a.typ, a.rendition.Language)
			return
		}
		res, err := e.fetchTrack(ctx, d, a.typ, a.rendition.Language, playlist, a.path)
		mu.Lock()
		if res != nil {
			d.result.Tracks = append(d.result.Tracks, res)
		}
		mu.Unlock()
		if err != nil {
			if !models.IsKind(err, models.KindCancelled) {
				d.logger.WithError(err).Warnf("dropping %s track %s", a.typ, a.rendition.Language)
			}
			return
		}
		ok[i] = true
	}

	if e.cfg.ParallelTracks {
		var wg sync.WaitGroup
		for i := range alts {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				fetch(i)
			}()
		}
		wg.Wait()
	} else {
		for i := range alts {
			fetch(i)
		}
	}

	for i, a := range alts {
		if !ok[i] {
			continue
		}
		in := MuxInput{Path: a.path, Language: a.rendition.Language}
		if a.typ == models.TrackAudio {
			audio = append(audio, in)
		} else {
			subs = append(subs, in)
		}
	}
	return audio, subs
}

// verify probes the merged file. A mismatch renames the file and returns a
// KindDurationMismatch warning.
func (e *Engine) verify(ctx context.Context, d *download) *models.Error {
	expected := d.result.Expected
	if expected <= 0 {
		return nil
	}

	measured, ok := e.probeDuration(ctx, d, e.primary, e.cfg.DurationTolerance)
	if !ok && e.secondary != nil {
		var secondary time.Duration
		secondary, ok = e.probeDuration(ctx, d, e.secondary, e.cfg.SecondaryDurationTolerance)
		if secondary > 0 {
			measured = secondary
		}
	}
	d.result.Measured = measured
	if ok {
		return nil
	}

	failed := failedPath(d.result.Path)
	if err := os.Rename(d.result.Path, failed); err != nil {
		d.logger.WithError(err).Warn("could not rename mismatched output")
	} else {
		d.result.Path = failed
	}
	return models.Errorf(models.KindDurationMismatch, "verify",
		"duration %s, expected %s", measured.Round(time.Millisecond), expected.Round(time.Millisecond)).WithURL(d.result.Path)
}

func (e *Engine) probeDuration(ctx context.Context, d *download, p DurationProber, tol time.Duration) (time.Duration, bool) {
	if p == nil {
		return 0, false
	}
	measured, err := p.Probe(ctx, d.result.Path)
	if err != nil {
		d.logger.WithError(err).Debug("duration probe failed")
		return 0, false
	}
	return measured, withinTolerance(measured, d.result.Expected, tol)
}

func (e *Engine) fail(ctx context.Context, d *download, err error) {
	me := asError(models.KindUnknown, "download", err)
	if ctx.Err() != nil && me.Kind != models.KindCancelled {
		me = models.NewError(models.KindCancelled, "download", ctx.Err())
	}
	d.result.Err = me
	d.result.Kind = me.Kind
	d.result.Stopped = me.Kind == models.KindCancelled
	for _, t := range d.result.Tracks {
		if t.WasCancelled {
			d.result.Stopped = true
		}
	}
	e.setState(d, StateFailed)
	if d.result.Stopped {
		d.logger.Warn("download stopped")
	} else {
		d.logger.WithError(me).Error("download failed")
	}
}

func (e *Engine) cleanup(d *download) {
	if d.workDir == "" || e.cfg.KeepTemp {
		return
	}
	if err := os.RemoveAll(d.workDir); err != nil {
		d.logger.WithError(err).Warn("could not remove work dir")
	}
}

func (e *Engine) setState(d *download, s State) {
	d.result.State = s
	d.logger.WithField("state", s).Debug("state change")
	if e.onState != nil {
		e.onState(s)
	}
}

// asError returns err as a *models.Error, wrapping it with kind if needed.
func asError(kind models.ErrorKind, op string, err error) *models.Error {
	var me *models.Error
	if errors.As(err, &me) {
		return me
	}
	return models.NewError(kind, op, err)
}

// containerExts are replaced by .mp4. Any other dotted suffix is part of the
// name ("Show.S01E01").
var containerExts = map[string]bool{
	".ts": true, ".mkv": true, ".m4v": true, ".mov": true,
	".webm": true, ".avi": true, ".flv": true,
}

// ensureMP4 gives p an .mp4 extension.
func ensureMP4(p string) string {
	ext := strings.ToLower(filepath.Ext(p))
	switch {
	case ext == ".mp4":
		return p
	case containerExts[ext]:
		return p[:len(p)-len(ext)] + ".mp4"
	default:
		return p + ".mp4"
	}
}

// failedPath turns movie.mp4 into movie_failed.mp4.
func failedPath(p string) string {
	ext := filepath.Ext(p)
	return strings.TrimSuffix(p, ext) + failedSuffix + ext
}

// trackDirName makes a rendition language safe for use as a path element.
func trackDirName(lang string) string {
	lang = strings.TrimSpace(lang)
	if lang == "" {
		return "und"
	}
	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_", "..", "_")
	return replacer.Replace(lang)
}

func qualityOf(v *models.VideoVariant) string {
	if label := v.Resolution.QualityLabel(); label != "" {
		return label
	}
	return "unknown-resolution"
}

// moveFile renames src to dst, copying when they are on different devices.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
