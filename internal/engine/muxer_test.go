package engine

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohaanymo/hlsfetch/internal/config"
	"github.com/mohaanymo/hlsfetch/internal/models"
)

func TestVideoPassArgs(t *testing.T) {
	got := videoPassArgs("w/video/0.ts", "w/video.mp4", config.CodecCopy, nil)
	assert.Equal(t, []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", "w/video/0.ts", "-map", "0", "-c", "copy",
		"-movflags", "+faststart", "w/video.mp4",
	}, got)

	ci := &models.CodecInfo{VideoCodec: "libx265", AudioCodec: "eac3", VideoBitrate: 4000000, AudioBitrate: 1000000}
	got = videoPassArgs("in.ts", "out.mp4", config.CodecTranscode, ci)
	assert.Equal(t, []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", "in.ts", "-map", "0",
		"-c:v", "libx265", "-b:v", "4000000", "-c:a", "eac3", "-b:a", "1000000",
		"-movflags", "+faststart", "out.mp4",
	}, got)

	got = videoPassArgs("in.ts", "out.mp4", config.CodecTranscode, nil)
	assert.Contains(t, strings.Join(got, " "), "-c:v libx264 -c:a aac")
}

func TestAudioPassArgs(t *testing.T) {
	audio := []MuxInput{{Path: "audio/en/0.ts", Language: "en"}, {Path: "audio/it/0.ts", Language: "it"}}
	got := audioPassArgs("video.mp4", audio, "video_audio.mp4", config.CodecCopy, nil)
	assert.Equal(t, []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", "video.mp4", "-i", "audio/en/0.ts", "-i", "audio/it/0.ts",
		"-map", "0:v", "-map", "1:a", "-map", "2:a",
		"-c", "copy",
		"-metadata:s:a:0", "language=en", "-metadata:s:a:1", "language=it",
		"-movflags", "+faststart", "video_audio.mp4",
	}, got)

	got = audioPassArgs("video.mp4", audio[:1], "out.mp4", config.CodecTranscode, &models.CodecInfo{AudioCodec: "aac"})
	assert.Contains(t, strings.Join(got, " "), "-c:v copy -c:a aac")
}

func TestSubtitlePassArgs(t *testing.T) {
	subs := []MuxInput{{Path: "subs/en.vtt", Language: "en"}}
	got := subtitlePassArgs("video_audio.mp4", subs, "final.mp4")
	assert.Equal(t, []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", "video_audio.mp4", "-i", "subs/en.vtt",
		"-map", "0", "-map", "1:s",
		"-c", "copy", "-c:s", "mov_text",
		"-metadata:s:s:0", "language=en",
		"-movflags", "+faststart", "final.mp4",
	}, got)
}

// fakeFFmpeg logs its arguments and writes content to its last argument.
func fakeFFmpeg(t *testing.T, content string) (bin, logPath string) {
	t.Helper()
	logPath = filepath.Join(t.TempDir(), "calls.log")
	script := `for last; do :; done
echo "$@" >> "` + logPath + `"
printf '` + content + `' > "$last"
`
	return fakeTool(t, "ffmpeg", script), logPath
}

func muxConfig(ffmpeg string) *config.Config {
	cfg := config.New()
	cfg.FFmpegPath = ffmpeg
	cfg.Logger = config.NewLogger(io.Discard, false)
	return cfg
}

func TestFFmpegMuxerPasses(t *testing.T) {
	bin, logPath := fakeFFmpeg(t, "merged")
	work := t.TempDir()
	output := filepath.Join(t.TempDir(), "out", "movie.mp4")

	err := NewFFmpegMuxer(muxConfig(bin)).Mux(context.Background(), MuxJob{
		Video:     filepath.Join(work, "video", "0.ts"),
		Audio:     []MuxInput{{Path: filepath.Join(work, "audio", "en", "0.ts"), Language: "en"}},
		Subtitles: []MuxInput{{Path: filepath.Join(work, "subs", "en.vtt"), Language: "en"}},
		WorkDir:   work,
		Output:    output,
	})
	require.NoError(t, err)

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, "merged", string(data))

	calls, err := os.ReadFile(logPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(calls)), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasSuffix(lines[0], videoPassName))
	assert.Contains(t, lines[1], "-map 0:v -map 1:a")
	assert.Contains(t, lines[2], "-c:s mov_text")
	assert.NoFileExists(t, filepath.Join(work, subsPassName), "final pass output is moved")
	assert.FileExists(t, filepath.Join(work, videoPassName))
}

func TestFFmpegMuxerVideoOnly(t *testing.T) {
	bin, logPath := fakeFFmpeg(t, "video")
	work := t.TempDir()
	output := filepath.Join(t.TempDir(), "movie.mp4")

	require.NoError(t, NewFFmpegMuxer(muxConfig(bin)).Mux(context.Background(), MuxJob{
		Video: filepath.Join(work, "video", "0.ts"), WorkDir: work, Output: output,
	}))
	calls, _ := os.ReadFile(logPath)
	assert.Equal(t, 1, strings.Count(string(calls), "\n"))
	assert.FileExists(t, output)
}

func TestFFmpegMuxerFailures(t *testing.T) {
	tests := []struct {
		name   string
		script string
	}{
		{"non-zero exit", "echo boom >&2\nexit 1\n"},
		{"empty output", "for last; do :; done\n: > \"$last\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bin := fakeTool(t, "ffmpeg", tt.script)
			err := NewFFmpegMuxer(muxConfig(bin)).Mux(context.Background(), MuxJob{
				Video: "video/0.ts", WorkDir: t.TempDir(), Output: filepath.Join(t.TempDir(), "out.mp4"),
			})
			require.Error(t, err)
			assert.Equal(t, models.KindMerge, models.KindOf(err))
		})
	}

	err := NewFFmpegMuxer(muxConfig("/nonexistent/ffmpeg")).Mux(context.Background(), MuxJob{WorkDir: t.TempDir()})
	assert.Equal(t, models.KindMerge, models.KindOf(err))
}
