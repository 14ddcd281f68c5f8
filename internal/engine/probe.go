package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/Eyevinn/mp4ff/mp4"
)

// MP4Prober reads the duration from the movie header of an MP4 file. It
// falls back to the longest track when mvhd carries no duration.
type MP4Prober struct{}

// Probe implements DurationProber.
func (MP4Prober) Probe(_ context.Context, path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	parsed, err := mp4.DecodeFile(f, mp4.WithDecodeMode(mp4.DecModeLazyMdat))
	if err != nil {
		return 0, fmt.Errorf("decode mp4: %w", err)
	}
	moov := parsed.Moov
	if moov == nil && parsed.Init != nil {
		moov = parsed.Init.Moov
	}
	if moov == nil || moov.Mvhd == nil {
		return 0, errors.New("no moov box")
	}

	if d := scaled(moov.Mvhd.Duration, moov.Mvhd.Timescale); d > 0 {
		return d, nil
	}

	var longest time.Duration
	for _, trak := range moov.Traks {
		if trak.Mdia == nil || trak.Mdia.Mdhd == nil {
			continue
		}
		longest = max(longest, scaled(trak.Mdia.Mdhd.Duration, trak.Mdia.Mdhd.Timescale))
	}
	if longest == 0 {
		return 0, errors.New("mp4 declares no duration")
	}
	return longest, nil
}

func scaled(duration uint64, timescale uint32) time.Duration {
	if timescale == 0 {
		return 0
	}
	return time.Duration(float64(duration) / float64(timescale) * float64(time.Second))
}

// FFprobeProber asks ffprobe for the container duration.
type FFprobeProber struct {
	Path string
}

// Probe implements DurationProber.
func (p FFprobeProber) Probe(ctx context.Context, path string) (time.Duration, error) {
	bin := p.Path
	if bin == "" {
		bin = "ffprobe"
	}
	out, err := exec.CommandContext(ctx, bin,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	).Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}
	return parseSeconds(string(out))
}

func parseSeconds(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", s, err)
	}
	if secs <= 0 {
		return 0, fmt.Errorf("non-positive duration %q", s)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// withinTolerance reports whether measured is within tol of expected.
func withinTolerance(measured, expected, tol time.Duration) bool {
	diff := measured - expected
	if diff < 0 {
		diff = -diff
	}
	return diff <= tol
}
