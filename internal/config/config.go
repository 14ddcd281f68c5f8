// Package config provides configuration types for the downloader.
package config

import (
	"errors"
	"io"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Common errors.
var (
	ErrMissingURL      = errors.New("URL is required")
	ErrInvalidCodec    = errors.New("invalid codec mode")
	ErrInvalidProxyURL = errors.New("invalid proxy URL")
)

// CodecMode selects how the muxer writes streams.
type CodecMode string

const (
	CodecCopy      CodecMode = "copy"
	CodecTranscode CodecMode = "transcode"
)

// Config holds all downloader configuration. It is built once and passed to
// the engine constructors; nothing reads it through package state.
type Config struct {
	// Input
	URL string `yaml:"url"`

	// Output
	FileName  string `yaml:"file_name"`
	OutputDir string `yaml:"output_dir"`
	WorkDir   string `yaml:"work_dir"` // parent of per-download working directories
	KeepTemp  bool   `yaml:"keep_temp"`

	// Download settings
	VideoWorkers    int           `yaml:"video_workers"`
	AudioWorkers    int           `yaml:"audio_workers"`
	SubtitleWorkers int           `yaml:"subtitle_workers"`
	ParallelTracks  bool          `yaml:"parallel_tracks"`
	RetryAttempts   int           `yaml:"retry_attempts"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	MaxRetryDelay   time.Duration `yaml:"max_retry_delay"`
	Timeout         time.Duration `yaml:"timeout"`
	MinSegmentSize  int           `yaml:"min_segment_size"`
	MaxBandwidth    int64         `yaml:"max_bandwidth"` // bytes per second, 0 = unlimited
	SecondChance    bool          `yaml:"second_chance"`
	CompletionRatio float64       `yaml:"completion_ratio"`

	// HTTP settings
	Headers    map[string]string `yaml:"headers"`
	Cookies    string            `yaml:"cookies"`
	UserAgents []string          `yaml:"user_agents"`

	// Proxies
	Proxies          []string      `yaml:"proxies"`
	ProxyTimeout     time.Duration `yaml:"proxy_timeout"`
	ProxyParallelism int           `yaml:"proxy_parallelism"`
	ProxyRate        int           `yaml:"proxy_rate"` // requests per second per proxy, 0 = unlimited
	ProxyCacheTTL    time.Duration `yaml:"proxy_cache_ttl"`

	// Stream selection
	Languages    []string `yaml:"languages"`
	ForcedHeight int      `yaml:"resolution"` // 0 = best

	// Muxer
	FFmpegPath  string    `yaml:"ffmpeg_path"`
	FFprobePath string    `yaml:"ffprobe_path"`
	Codec       CodecMode `yaml:"codec"`

	// Verification
	DurationTolerance          time.Duration `yaml:"duration_tolerance"`
	SecondaryDurationTolerance time.Duration `yaml:"secondary_duration_tolerance"`

	// UI/Logging
	NoProgress  bool `yaml:"no_progress"`
	Verbose     bool `yaml:"verbose"`
	ShowVersion bool `yaml:"-"`

	Logger *log.Entry `yaml:"-"`
}

// Default configuration values.
const (
	DefaultVideoWorkers    = 16
	DefaultAudioWorkers    = 8
	DefaultSubtitleWorkers = 4
	DefaultRetryAttempts   = 5
	DefaultRetryDelay      = 500 * time.Millisecond
	DefaultMaxRetryDelay   = 8 * time.Second
	DefaultTimeout         = 20 * time.Second
	DefaultMinSegmentSize  = 100
	DefaultCompletionRatio = 0.999
	DefaultFileName        = "output.mp4"

	DefaultProxyTimeout     = 10 * time.Second
	DefaultProxyParallelism = 16
	DefaultProxyCacheTTL    = 10 * time.Minute

	DefaultDurationTolerance          = 3 * time.Second
	DefaultSecondaryDurationTolerance = 5 * time.Second

	DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

	MaxWorkers = 128
	MinWorkers = 1
)

// New returns a Config with sensible defaults.
func New() *Config {
	return &Config{
		FileName:                   DefaultFileName,
		VideoWorkers:               DefaultVideoWorkers,
		AudioWorkers:               DefaultAudioWorkers,
		SubtitleWorkers:            DefaultSubtitleWorkers,
		RetryAttempts:              DefaultRetryAttempts,
		RetryDelay:                 DefaultRetryDelay,
		MaxRetryDelay:              DefaultMaxRetryDelay,
		Timeout:                    DefaultTimeout,
		MinSegmentSize:             DefaultMinSegmentSize,
		SecondChance:               true,
		CompletionRatio:            DefaultCompletionRatio,
		Headers:                    make(map[string]string),
		ProxyTimeout:               DefaultProxyTimeout,
		ProxyParallelism:           DefaultProxyParallelism,
		ProxyCacheTTL:              DefaultProxyCacheTTL,
		FFmpegPath:                 "ffmpeg",
		FFprobePath:                "ffprobe",
		Codec:                      CodecCopy,
		DurationTolerance:          DefaultDurationTolerance,
		SecondaryDurationTolerance: DefaultSecondaryDurationTolerance,
	}
}

// Validate checks if the configuration is valid and normalizes values.
func (c *Config) Validate() error {
	if c.URL == "" {
		return ErrMissingURL
	}
	return c.Normalize()
}

// Normalize clamps and defaults every setting except the URL, for callers
// that supply the manifest address some other way.
func (c *Config) Normalize() error {
	c.VideoWorkers = clampWorkers(c.VideoWorkers)
	c.AudioWorkers = clampWorkers(c.AudioWorkers)
	c.SubtitleWorkers = clampWorkers(c.SubtitleWorkers)

	if c.RetryAttempts < 1 {
		c.RetryAttempts = 1
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.MaxRetryDelay < c.RetryDelay {
		c.MaxRetryDelay = c.RetryDelay
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MinSegmentSize < 0 {
		c.MinSegmentSize = 0
	}
	if c.CompletionRatio <= 0 || c.CompletionRatio > 1 {
		c.CompletionRatio = DefaultCompletionRatio
	}
	if c.ProxyParallelism < 1 {
		c.ProxyParallelism = DefaultProxyParallelism
	}
	if c.ProxyTimeout <= 0 {
		c.ProxyTimeout = DefaultProxyTimeout
	}

	switch c.Codec {
	case "":
		c.Codec = CodecCopy
	case CodecCopy, CodecTranscode:
	default:
		return ErrInvalidCodec
	}

	for _, p := range c.Proxies {
		if !strings.Contains(p, "://") {
			return ErrInvalidProxyURL
		}
	}

	// Initialize headers map if nil
	if c.Headers == nil {
		c.Headers = make(map[string]string)
	}
	if c.FileName == "" {
		c.FileName = DefaultFileName
	}

	if c.Logger == nil {
		c.Logger = NewLogger(os.Stderr, c.Verbose)
	}

	return nil
}

// WorkersFor returns the configured pool size for a track type name.
func (c *Config) WorkersFor(trackType string) int {
	switch trackType {
	case "audio":
		return c.AudioWorkers
	case "subtitle":
		return c.SubtitleWorkers
	default:
		return c.VideoWorkers
	}
}

// UseProxies reports whether proxy-only mode is enabled.
func (c *Config) UseProxies() bool {
	return len(c.Proxies) > 0
}

// NewLogger builds the default logrus entry for a download.
func NewLogger(w io.Writer, verbose bool) *log.Entry {
	l := log.New()
	l.SetOutput(w)
	l.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if verbose {
		l.SetLevel(log.DebugLevel)
	} else {
		l.SetLevel(log.InfoLevel)
	}
	return log.NewEntry(l)
}

func clampWorkers(n int) int {
	if n < MinWorkers {
		return MinWorkers
	}
	if n > MaxWorkers {
		return MaxWorkers
	}
	return n
}
