package engine

import (
	"context"
	"time"

	"github.com/mohaanymo/hlsfetch/internal/models"
)

// ProgressUpdate represents a download progress update.
type ProgressUpdate struct {
	TrackType    models.TrackType
	Language     string
	SegmentIndex int
	Total        int
	BytesLoaded  int64
	Completed    bool
	Error        error
}

// Decrypter decrypts one segment payload. index is the segment's position
// in its media playlist.
type Decrypter interface {
	Decrypt(index int, data []byte) ([]byte, error)
}

// Muxer assembles downloaded track files into a container.
type Muxer interface {
	Mux(ctx context.Context, job MuxJob) error
}

// DurationProber measures the playback duration of a container file.
type DurationProber interface {
	Probe(ctx context.Context, path string) (time.Duration, error)
}

// StateFunc is called on every orchestrator state transition.
type StateFunc func(State)
