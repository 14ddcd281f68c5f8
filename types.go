package hlsfetch

import (
	"context"
	"errors"
	"time"

	"github.com/mohaanymo/hlsfetch/internal/engine"
	"github.com/mohaanymo/hlsfetch/internal/models"
)

// TrackType represents the type of media track.
type TrackType int

const (
	TrackVideo    TrackType = TrackType(models.TrackVideo)
	TrackAudio    TrackType = TrackType(models.TrackAudio)
	TrackSubtitle TrackType = TrackType(models.TrackSubtitle)
)

func (t TrackType) String() string {
	return models.TrackType(t).String()
}

// State is a step of a single download.
type State = engine.State

const (
	StateIdle            = engine.StateIdle
	StateManifestFetched = engine.StateManifestFetched
	StateStreamsSelected = engine.StateStreamsSelected
	StateDownloading     = engine.StateDownloading
	StateMerging         = engine.StateMerging
	StateVerifying       = engine.StateVerifying
	StateDone            = engine.StateDone
	StateFailed          = engine.StateFailed
)

// Error is the typed error carried by a Result. Use errors.As to get at it.
type Error = models.Error

// ErrorKind classifies an Error.
type ErrorKind = models.ErrorKind

const (
	KindUnknown            = models.KindUnknown
	KindConfig             = models.KindConfig
	KindManifestFetch      = models.KindManifestFetch
	KindMalformedManifest  = models.KindMalformedManifest
	KindKeyFetch           = models.KindKeyFetch
	KindSegmentDecrypt     = models.KindSegmentDecrypt
	KindIncompleteDownload = models.KindIncompleteDownload
	KindNoWorkingProxies   = models.KindNoWorkingProxies
	KindMerge              = models.KindMerge
	KindDurationMismatch   = models.KindDurationMismatch
	KindCancelled          = models.KindCancelled
)

// KindOf extracts the ErrorKind of err, or KindUnknown.
func KindOf(err error) ErrorKind {
	return models.KindOf(err)
}

// Extension points for the merge and verify steps.
type (
	Muxer          = engine.Muxer
	MuxJob         = engine.MuxJob
	MuxInput       = engine.MuxInput
	DurationProber = engine.DurationProber
)

// ErrEmptySource is returned by a ManifestSource that has no address.
var ErrEmptySource = errors.New("manifest source returned no URL")

// ManifestSource yields the address of an HLS manifest. Implementations may
// scrape a page or call an API to find it.
type ManifestSource interface {
	ResolveManifestURL(ctx context.Context) (string, error)
}

// StaticSource is a manifest URL known up front.
type StaticSource string

// ResolveManifestURL implements ManifestSource.
func (s StaticSource) ResolveManifestURL(context.Context) (string, error) {
	if s == "" {
		return "", ErrEmptySource
	}
	return string(s), nil
}

// SourceFunc adapts a function to ManifestSource.
type SourceFunc func(ctx context.Context) (string, error)

// ResolveManifestURL implements ManifestSource.
func (f SourceFunc) ResolveManifestURL(ctx context.Context) (string, error) {
	return f(ctx)
}

// TrackResult summarizes one downloaded track.
type TrackResult struct {
	Type     TrackType
	Language string
	Total    int
	Failed   int
	// Missing lists the segment indices absent from the output.
	Missing   []int
	Cancelled bool
}

// Result is the outcome of one download. It is returned whether or not the
// download succeeded.
type Result struct {
	// Path is the merged file. A duration mismatch leaves it renamed with a
	// _failed suffix.
	Path string
	// Err is nil on a clean success.
	Err     *Error
	Kind    ErrorKind
	Stopped bool
	State   State
	Tracks  []TrackResult

	Expected time.Duration
	Measured time.Duration
}

// OK reports whether the download finished with neither error nor warning.
func (r *Result) OK() bool {
	return r.State == StateDone && r.Err == nil
}

// Failed reports whether no usable file was produced.
func (r *Result) Failed() bool {
	return r.State != StateDone
}

// Warning returns the non-fatal problem of a finished download, if any.
func (r *Result) Warning() *Error {
	if r.State == StateDone {
		return r.Err
	}
	return nil
}

func newResult(r *engine.Result) *Result {
	out := &Result{
		Path:     r.Path,
		Err:      r.Err,
		Kind:     r.Kind,
		Stopped:  r.Stopped,
		State:    r.State,
		Expected: r.Expected,
		Measured: r.Measured,
	}
	for _, t := range r.Tracks {
		out.Tracks = append(out.Tracks, TrackResult{
			Type:      TrackType(t.Type),
			Language:  t.Language,
			Total:     t.Total,
			Failed:    t.FailedSegments,
			Missing:   t.Missing,
			Cancelled: t.WasCancelled,
		})
	}
	return out
}

// ProgressUpdate represents a download progress update.
type ProgressUpdate struct {
	// Track and Language identify the track the segment belongs to.
	Track    TrackType
	Language string

	// SegmentIndex is the index of the segment that was processed, out of
	// Total segments in the track.
	SegmentIndex int
	Total        int

	// BytesLoaded is the number of bytes downloaded for this segment.
	BytesLoaded int64

	// Completed is true if the segment was successfully downloaded.
	Completed bool

	// Error is non-nil if the segment download failed.
	Error error
}

func newProgressUpdate(p engine.ProgressUpdate) ProgressUpdate {
	return ProgressUpdate{
		Track:        TrackType(p.TrackType),
		Language:     p.Language,
		SegmentIndex: p.SegmentIndex,
		Total:        p.Total,
		BytesLoaded:  p.BytesLoaded,
		Completed:    p.Completed,
		Error:        p.Error,
	}
}
