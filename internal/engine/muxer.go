package engine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/mohaanymo/hlsfetch/internal/config"
	"github.com/mohaanymo/hlsfetch/internal/models"
)

// Intermediate files written by the merge passes.
const (
	videoPassName = "video.mp4"
	audioPassName = "video_audio.mp4"
	subsPassName  = "video_audio_subs.mp4"
)

// MuxInput is one downloaded alternate track.
type MuxInput struct {
	Path     string
	Language string
}

// MuxJob lists the track files of one asset.
type MuxJob struct {
	Video     string
	Audio     []MuxInput
	Subtitles []MuxInput
	// WorkDir receives the intermediate pass outputs.
	WorkDir string
	// Output is the final container path.
	Output    string
	CodecInfo *models.CodecInfo
}

// FFmpegMuxer merges tracks by running ffmpeg once per pass: video, then
// audio, then subtitles. Each pass reads the previous pass's output.
type FFmpegMuxer struct {
	ffmpegPath string
	mode       config.CodecMode
	logger     *log.Entry
}

// NewFFmpegMuxer creates a muxer from cfg.
func NewFFmpegMuxer(cfg *config.Config) *FFmpegMuxer {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &FFmpegMuxer{
		ffmpegPath: cfg.FFmpegPath,
		mode:       cfg.Codec,
		logger:     logger,
	}
}

// Mux runs the merge passes and moves the last result to job.Output.
func (m *FFmpegMuxer) Mux(ctx context.Context, job MuxJob) error {
	bin, err := exec.LookPath(m.ffmpegPath)
	if err != nil {
		return models.NewError(models.KindMerge, "find ffmpeg", err)
	}

	current := filepath.Join(job.WorkDir, videoPassName)
	if err := m.run(ctx, bin, videoPassArgs(job.Video, current, m.mode, job.CodecInfo), current); err != nil {
		return err
	}

	if len(job.Audio) > 0 {
		next := filepath.Join(job.WorkDir, audioPassName)
		if err := m.run(ctx, bin, audioPassArgs(current, job.Audio, next, m.mode, job.CodecInfo), next); err != nil {
			return err
		}
		current = next
	}

	if len(job.Subtitles) > 0 {
		next := filepath.Join(job.WorkDir, subsPassName)
		if err := m.run(ctx, bin, subtitlePassArgs(current, job.Subtitles, next), next); err != nil {
			return err
		}
		current = next
	}

	if err := os.MkdirAll(filepath.Dir(job.Output), 0755); err != nil {
		return models.NewError(models.KindMerge, "create output dir", err)
	}
	if err := moveFile(current, job.Output); err != nil {
		return models.NewError(models.KindMerge, "move output", err)
	}
	return nil
}

// run executes one pass. Success is exit code 0 and a non-empty output.
func (m *FFmpegMuxer) run(ctx context.Context, bin string, args []string, output string) error {
	m.logger.Debugf("ffmpeg %s", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return models.NewError(models.KindMerge, "ffmpeg", fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))).WithURL(output)
	}

	info, err := os.Stat(output)
	if err != nil || info.Size() == 0 {
		return models.Errorf(models.KindMerge, "ffmpeg", "no output produced").WithURL(output)
	}
	return nil
}

func baseArgs() []string {
	return []string{"-y", "-hide_banner", "-loglevel", "error"}
}

// videoPassArgs copies or transcodes the video track into an MP4.
func videoPassArgs(input, output string, mode config.CodecMode, ci *models.CodecInfo) []string {
	args := append(baseArgs(), "-i", input, "-map", "0")
	if mode == config.CodecTranscode {
		args = append(args, videoEncoderArgs(ci)...)
		args = append(args, audioEncoderArgs(ci)...)
	} else {
		args = append(args, "-c", "copy")
	}
	return append(args, "-movflags", "+faststart", output)
}

// audioPassArgs adds every audio file to the video pass output. The video
// comes from input 0 only; audio from inputs 1..n.
func audioPassArgs(video string, audio []MuxInput, output string, mode config.CodecMode, ci *models.CodecInfo) []string {
	args := append(baseArgs(), "-i", video)
	for _, a := range audio {
		args = append(args, "-i", a.Path)
	}
	args = append(args, "-map", "0:v")
	for i := range audio {
		args = append(args, "-map", strconv.Itoa(i+1)+":a")
	}
	if mode == config.CodecTranscode {
		args = append(args, "-c:v", "copy")
		args = append(args, audioEncoderArgs(ci)...)
	} else {
		args = append(args, "-c", "copy")
	}
	for i, a := range audio {
		if a.Language != "" {
			args = append(args, fmt.Sprintf("-metadata:s:a:%d", i), "language="+a.Language)
		}
	}
	return append(args, "-movflags", "+faststart", output)
}

// subtitlePassArgs is always the last pass. Subtitles are converted to
// mov_text since MP4 cannot carry WebVTT.
func subtitlePassArgs(input string, subs []MuxInput, output string) []string {
	args := append(baseArgs(), "-i", input)
	for _, s := range subs {
		args = append(args, "-i", s.Path)
	}
	args = append(args, "-map", "0")
	for i := range subs {
		args = append(args, "-map", strconv.Itoa(i+1)+":s")
	}
	args = append(args, "-c", "copy", "-c:s", "mov_text")
	for i, s := range subs {
		if s.Language != "" {
			args = append(args, fmt.Sprintf("-metadata:s:s:%d", i), "language="+s.Language)
		}
	}
	return append(args, "-movflags", "+faststart", output)
}

func videoEncoderArgs(ci *models.CodecInfo) []string {
	codec := "libx264"
	var bitrate int64
	if ci != nil {
		if ci.VideoCodec != "" {
			codec = ci.VideoCodec
		}
		bitrate = ci.VideoBitrate
	}
	args := []string{"-c:v", codec}
	if bitrate > 0 {
		args = append(args, "-b:v", strconv.FormatInt(bitrate, 10))
	}
	return args
}

func audioEncoderArgs(ci *models.CodecInfo) []string {
	codec := "aac"
	var bitrate int64
	if ci != nil {
		if ci.AudioCodec != "" {
			codec = ci.AudioCodec
		}
		bitrate = ci.AudioBitrate
	}
	args := []string{"-c:a", codec}
	if bitrate > 0 {
		args = append(args, "-b:a", strconv.FormatInt(bitrate, 10))
	}
	return args
}
