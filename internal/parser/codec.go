package parser

import (
	"strings"

	"github.com/mohaanymo/hlsfetch/internal/models"
)

// Share of BANDWIDTH attributed to video when streams are not measured separately.
const videoBandwidthShare = 0.8

type codecEntry struct {
	prefix  string
	encoder string
	video   bool
}

// codecTable maps RFC 6381 codec identifiers to ffmpeg encoder names.
// Longer prefixes come first so "mp4a.40.34" wins over "mp4a".
var codecTable = []codecEntry{
	{"avc1", "libx264", true},
	{"avc3", "libx264", true},
	{"hvc1", "libx265", true},
	{"hev1", "libx265", true},
	{"dvh1", "libx265", true},
	{"av01", "libaom-av1", true},
	{"vp09", "libvpx-vp9", true},
	{"vp8", "libvpx", true},
	{"mp4a.40.34", "libmp3lame", false},
	{"mp4a.69", "libmp3lame", false},
	{"mp4a.6b", "libmp3lame", false},
	{"mp4a", "aac", false},
	{"ac-3", "ac3", false},
	{"ec-3", "eac3", false},
	{"opus", "libopus", false},
	{"mp3", "libmp3lame", false},
	{"flac", "flac", false},
	{"vorbis", "libvorbis", false},
}

func lookupCodec(id string) (codecEntry, bool) {
	id = strings.ToLower(strings.TrimSpace(id))
	for _, c := range codecTable {
		if strings.HasPrefix(id, c.prefix) {
			return c, true
		}
	}
	return codecEntry{}, false
}

// CodecInfoFor derives encoder names and estimated bitrates from a variant's
// CODECS and BANDWIDTH attributes. It returns nil when no codec is recognized.
func CodecInfoFor(codecs string, bandwidth int64) *models.CodecInfo {
	info := &models.CodecInfo{}
	for _, id := range strings.Split(strings.Trim(codecs, "\""), ",") {
		c, ok := lookupCodec(id)
		if !ok {
			continue
		}
		if c.video && info.VideoCodec == "" {
			info.VideoCodec = c.encoder
		}
		if !c.video && info.AudioCodec == "" {
			info.AudioCodec = c.encoder
		}
	}
	if info.VideoCodec == "" && info.AudioCodec == "" {
		return nil
	}

	if bandwidth > 0 {
		switch {
		case info.VideoCodec != "" && info.AudioCodec != "":
			info.VideoBitrate = int64(float64(bandwidth) * videoBandwidthShare)
			info.AudioBitrate = bandwidth - info.VideoBitrate
		case info.VideoCodec != "":
			info.VideoBitrate = bandwidth
		default:
			info.AudioBitrate = bandwidth
		}
	}
	return info
}
