package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	log "github.com/sirupsen/logrus"

	"github.com/mohaanymo/hlsfetch/internal/config"
	"github.com/mohaanymo/hlsfetch/internal/httpclient"
	"github.com/mohaanymo/hlsfetch/internal/models"
	"github.com/mohaanymo/hlsfetch/internal/proxypool"
)

// Subtitle segments are tiny WebVTT files, so they only need to be non-empty.
const subtitleMinPayload = 1

// TrackJob describes one track download.
type TrackJob struct {
	Type     models.TrackType
	Language string
	// Segments are absolute segment URIs in playlist order.
	Segments   []string
	Decrypter  Decrypter // nil for clear segments
	OutputPath string
	// MinPayload overrides the configured minimum segment size when > 0.
	MinPayload int
}

// Fetcher downloads the segments of one track at a time into a single
// ordered output file.
type Fetcher struct {
	cfg        *config.Config
	client     *http.Client
	proxies    *proxypool.Pool
	headers    map[string]string
	progressCh chan<- ProgressUpdate
	logger     *log.Entry
}

// NewFetcher creates a Fetcher. proxies may be nil for direct downloads.
// progressCh may be nil; sends on it never block.
func NewFetcher(cfg *config.Config, client *http.Client, proxies *proxypool.Pool, progressCh chan<- ProgressUpdate) *Fetcher {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Fetcher{
		cfg:        cfg,
		client:     client,
		proxies:    proxies,
		headers:    requestHeaders(cfg),
		progressCh: progressCh,
		logger:     logger,
	}
}

// requestHeaders builds the direct-connection headers from cfg.
func requestHeaders(cfg *config.Config) map[string]string {
	h := make(map[string]string, len(cfg.Headers)+2)
	h["User-Agent"] = config.DefaultUserAgent
	if len(cfg.UserAgents) > 0 {
		h["User-Agent"] = cfg.UserAgents[0]
	}
	if cfg.Cookies != "" {
		h["Cookie"] = cfg.Cookies
	}
	for k, v := range cfg.Headers {
		h[k] = v
	}
	return h
}

// Workers returns the pool size used for a track type.
func (f *Fetcher) Workers(t models.TrackType, segments int) int {
	n := f.cfg.WorkersFor(t.String())
	if f.proxies.Len() > 0 {
		n = min(n, f.proxies.Len())
	}
	return max(min(n, segments), 1)
}

// trackRun holds the shared state of one FetchTrack call.
type trackRun struct {
	job        TrackJob
	minPayload int
	downloaded *xsync.MapOf[int, struct{}]
	deferred   *xsync.MapOf[int, struct{}]
	completed  atomic.Int64
	abort      context.CancelCauseFunc
	logger     *log.Entry
}

// FetchTrack downloads every segment of job into job.OutputPath.
//
// The returned result is non-nil whenever the output file was created, even
// alongside an error. Errors are *models.Error of kind KindCancelled,
// KindSegmentDecrypt or KindIncompleteDownload; transient segment failures
// never surface on their own.
func (f *Fetcher) FetchTrack(ctx context.Context, job TrackJob) (*models.TrackDownloadResult, error) {
	total := len(job.Segments)
	if total == 0 {
		return nil, models.Errorf(models.KindMalformedManifest, "fetch track", "%s playlist has no segments", job.Type)
	}

	run := &trackRun{
		job:        job,
		minPayload: f.minPayload(job),
		downloaded: xsync.NewMapOf[int, struct{}](),
		deferred:   xsync.NewMapOf[int, struct{}](),
		logger:     f.logger.WithField("track", trackLabel(job)),
	}

	w, err := newOrderedWriter(job.OutputPath, total)
	if err != nil {
		return nil, models.NewError(models.KindUnknown, "fetch track", err)
	}

	trackCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	run.abort = abort

	workers := f.Workers(job.Type, total)
	tasks := make(chan models.SegmentTask, total)
	for i, uri := range job.Segments {
		tasks <- models.SegmentTask{Index: i, URI: uri}
	}
	close(tasks)

	results := make(chan segmentResult, workers)
	writerDone := make(chan struct{})

	run.logger.WithFields(log.Fields{"segments": total, "workers": workers}).Debug("starting track download")

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.worker(trackCtx, run, tasks, results, writerDone)
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	writeErr := w.run(trackCtx, results, writerDone)
	if writeErr != nil {
		abort(writeErr)
	}
	wg.Wait()

	result := &models.TrackDownloadResult{
		Type:       job.Type,
		Language:   job.Language,
		OutputPath: job.OutputPath,
		Total:      total,
	}

	cause := context.Cause(trackCtx)
	var decryptErr *models.Error
	switch {
	case writeErr != nil:
		w.close()
		return withHoles(result, w.holes()), models.NewError(models.KindUnknown, "write track", writeErr)
	case errors.As(cause, &decryptErr) && decryptErr.Kind == models.KindSegmentDecrypt:
		w.close()
		return withHoles(result, w.holes()), decryptErr
	case ctx.Err() != nil:
		w.close()
		result.WasCancelled = true
		return withHoles(result, w.holes()), models.NewError(models.KindCancelled, "fetch track", ctx.Err())
	}

	if err := w.close(); err != nil {
		return withHoles(result, w.holes()), models.NewError(models.KindUnknown, "close track file", err)
	}

	if f.cfg.SecondChance {
		recovered, err := f.secondChance(ctx, run, w.holes())
		if err != nil {
			return withHoles(result, w.holes()), err
		}
		if err := w.splice(recovered); err != nil {
			return withHoles(result, w.holes()), models.NewError(models.KindUnknown, "splice recovered segments", err)
		}
		if ctx.Err() != nil {
			result.WasCancelled = true
			return withHoles(result, w.holes()), models.NewError(models.KindCancelled, "fetch track", ctx.Err())
		}
	}

	withHoles(result, w.holes())
	if !meetsThreshold(result.Succeeded(), total, f.cfg.CompletionRatio) {
		return result, models.Errorf(models.KindIncompleteDownload, "fetch track",
			"%d/%d segments written, missing %v", result.Succeeded(), total, result.Missing).WithURL(job.OutputPath)
	}
	if result.FailedSegments > 0 {
		run.logger.Warnf("%d segments missing after retries: %v", result.FailedSegments, result.Missing)
	}
	return result, nil
}

func withHoles(r *models.TrackDownloadResult, holes []int) *models.TrackDownloadResult {
	r.Missing = holes
	r.FailedSegments = len(holes)
	return r
}

func (f *Fetcher) worker(ctx context.Context, run *trackRun, tasks <-chan models.SegmentTask, results chan<- segmentResult, writerDone <-chan struct{}) {
	for task := range tasks {
		if ctx.Err() != nil {
			return
		}
		res := f.fetchSegment(ctx, run, task)
		select {
		case results <- res:
		case <-writerDone:
			return
		}
	}
}

// fetchSegment downloads, validates and decrypts one segment with retries.
// After the last attempt the segment is deferred to the second-chance pass
// and reported as missing.
func (f *Fetcher) fetchSegment(ctx context.Context, run *trackRun, task models.SegmentTask) segmentResult {
	missing := segmentResult{index: task.Index, missing: true}
	var lastErr error

	for attempt := 0; attempt < f.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoff(f.cfg.RetryDelay, f.cfg.MaxRetryDelay, attempt-1)); err != nil {
				return missing
			}
		}

		data, err := f.download(ctx, run, task)
		if err != nil {
			lastErr = err
			run.logger.WithFields(log.Fields{"segment": task.Index, "attempt": attempt + 1}).Debug(err)
			continue
		}

		data, err = f.decrypt(run, task, data)
		if err != nil {
			run.abort(err)
			return missing
		}

		f.markDone(run, task.Index, len(data))
		return segmentResult{index: task.Index, data: data}
	}

	run.deferred.Store(task.Index, struct{}{})
	run.logger.WithField("segment", task.Index).Debugf("giving up after %d attempts: %v", f.cfg.RetryAttempts, lastErr)
	f.sendProgress(run, task.Index, 0, lastErr)
	return missing
}

// download performs one GET for task. The request is detached from ctx
// cancellation and bounded by the configured timeout instead, so a
// cancelled download never leaves a half-read segment behind.
func (f *Fetcher) download(ctx context.Context, run *trackRun, task models.SegmentTask) ([]byte, error) {
	client, headers := f.client, f.headers
	if route := f.proxies.Next(); route != nil {
		route.Wait()
		client, headers = route.Client(), route.Headers
	}

	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.cfg.Timeout)
	defer cancel()

	req, err := httpclient.NewRequest(reqCtx, task.URI, headers)
	if err != nil {
		return nil, models.NewError(models.KindSegmentTransient, "fetch", err).WithIndex(task.Index).WithURL(task.URI)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, models.NewError(models.KindSegmentTransient, "fetch", err).WithIndex(task.Index).WithURL(task.URI)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		return nil, models.Errorf(models.KindSegmentTransient, "fetch", "HTTP %d", resp.StatusCode).WithIndex(task.Index).WithURL(task.URI)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, models.NewError(models.KindSegmentTransient, "read", err).WithIndex(task.Index).WithURL(task.URI)
	}
	if len(data) < run.minPayload {
		return nil, models.Errorf(models.KindSegmentTransient, "fetch", "payload of %d bytes is below %d", len(data), run.minPayload).WithIndex(task.Index).WithURL(task.URI)
	}
	return data, nil
}

func (f *Fetcher) decrypt(run *trackRun, task models.SegmentTask, data []byte) ([]byte, error) {
	if run.job.Decrypter == nil {
		return data, nil
	}
	plain, err := run.job.Decrypter.Decrypt(task.Index, data)
	if err != nil {
		return nil, models.NewError(models.KindSegmentDecrypt, "decrypt", err).WithIndex(task.Index).WithURL(task.URI)
	}
	return plain, nil
}

// secondChance retries, once and sequentially, every index that is not in
// the downloaded set.
func (f *Fetcher) secondChance(ctx context.Context, run *trackRun, holes []int) (map[int][]byte, error) {
	recovered := make(map[int][]byte)
	if len(holes) > 0 {
		run.logger.Debugf("second chance for %d segments (%d deferred by workers)", len(holes), run.deferred.Size())
	}
	for _, idx := range holes {
		if ctx.Err() != nil {
			break
		}
		if _, ok := run.downloaded.Load(idx); ok {
			continue
		}

		task := models.SegmentTask{Index: idx, URI: run.job.Segments[idx]}
		data, err := f.download(ctx, run, task)
		if err != nil {
			run.logger.WithField("segment", idx).Debugf("second chance failed: %v", err)
			continue
		}
		data, err = f.decrypt(run, task, data)
		if err != nil {
			return nil, err
		}

		run.deferred.Delete(idx)
		f.markDone(run, idx, len(data))
		recovered[idx] = data
	}
	if len(recovered) > 0 {
		run.logger.Infof("recovered %d segments on second chance", len(recovered))
	}
	return recovered, nil
}

func (f *Fetcher) markDone(run *trackRun, index, size int) {
	run.downloaded.Store(index, struct{}{})
	run.completed.Add(1)
	f.sendProgress(run, index, int64(size), nil)
}

func (f *Fetcher) sendProgress(run *trackRun, index int, bytes int64, err error) {
	if f.progressCh == nil {
		return
	}
	select {
	case f.progressCh <- ProgressUpdate{
		TrackType:    run.job.Type,
		Language:     run.job.Language,
		SegmentIndex: index,
		Total:        len(run.job.Segments),
		BytesLoaded:  bytes,
		Completed:    err == nil,
		Error:        err,
	}:
	default:
	}
}

func (f *Fetcher) minPayload(job TrackJob) int {
	switch {
	case job.MinPayload > 0:
		return job.MinPayload
	case job.Type == models.TrackSubtitle:
		return subtitleMinPayload
	default:
		return f.cfg.MinSegmentSize
	}
}

// meetsThreshold reports whether succeeded of total reaches ratio.
func meetsThreshold(succeeded, total int, ratio float64) bool {
	if total == 0 {
		return false
	}
	return float64(succeeded) >= ratio*float64(total)-1e-9
}

func trackLabel(job TrackJob) string {
	if job.Language == "" {
		return job.Type.String()
	}
	return fmt.Sprintf("%s/%s", job.Type, job.Language)
}
