// Package models defines core data structures for HLS manifests and downloads.
package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// TrackType represents the type of media track.
type TrackType int

const (
	TrackVideo TrackType = iota
	TrackAudio
	TrackSubtitle
)

func (t TrackType) String() string {
	switch t {
	case TrackVideo:
		return "video"
	case TrackAudio:
		return "audio"
	case TrackSubtitle:
		return "subtitle"
	default:
		return "unknown"
	}
}

// ManifestEntry is one parsed M3U8 document, either a master playlist
// (VideoVariants set) or a media playlist (SegmentURIs set), never both.
type ManifestEntry struct {
	URI      string
	IsMaster bool

	// Sum of EXTINF durations, media playlists only.
	Duration time.Duration

	VideoVariants      []*VideoVariant
	AudioRenditions    []*Rendition
	SubtitleRenditions []*Rendition

	SegmentURIs   []string
	MediaSequence int

	EncryptionKey *KeyDescriptor
	CodecInfo     *CodecInfo

	// Raw manifest text, kept for diagnostics.
	Raw string
}

// IsEncrypted reports whether the playlist declares an active key.
func (m *ManifestEntry) IsEncrypted() bool {
	return m.EncryptionKey != nil && m.EncryptionKey.Method != KeyMethodNone
}

// AvailableAudioLanguages returns the audio languages in manifest order,
// deduplicated by language code.
func (m *ManifestEntry) AvailableAudioLanguages() []string {
	return languagesOf(m.AudioRenditions)
}

// AvailableSubtitleLanguages returns the subtitle languages in manifest order,
// deduplicated by language code.
func (m *ManifestEntry) AvailableSubtitleLanguages() []string {
	return languagesOf(m.SubtitleRenditions)
}

func languagesOf(renditions []*Rendition) []string {
	seen := make(map[string]bool)
	var langs []string
	for _, r := range renditions {
		if r.Language == "" || seen[r.Language] {
			continue
		}
		seen[r.Language] = true
		langs = append(langs, r.Language)
	}
	return langs
}

// RenditionsByLanguage indexes renditions by language code. When several
// renditions share a language the last one wins.
func RenditionsByLanguage(renditions []*Rendition) map[string]*Rendition {
	byLang := make(map[string]*Rendition, len(renditions))
	for _, r := range renditions {
		if r.Language == "" {
			continue
		}
		byLang[r.Language] = r
	}
	return byLang
}

// VideoVariant is one EXT-X-STREAM-INF entry of a master playlist.
type VideoVariant struct {
	URI        string
	Resolution Resolution
	Bandwidth  int64
	Codecs     string
	CodecInfo  *CodecInfo
}

// SortVariants orders variants by height, highest first. Variants with the
// same height are ordered by bandwidth.
func SortVariants(variants []*VideoVariant) {
	sort.SliceStable(variants, func(i, j int) bool {
		if variants[i].Resolution.Height != variants[j].Resolution.Height {
			return variants[i].Resolution.Height > variants[j].Resolution.Height
		}
		return variants[i].Bandwidth > variants[j].Bandwidth
	})
}

// Rendition is an alternate audio or subtitle track (EXT-X-MEDIA).
type Rendition struct {
	URI       string
	Language  string
	Name      string
	GroupID   string
	IsDefault bool
}

// Key methods understood by the decryptor.
const (
	KeyMethodNone   = "NONE"
	KeyMethodAES128 = "AES-128"
)

// KeyDescriptor describes the single active EXT-X-KEY of a media playlist.
type KeyDescriptor struct {
	Method string
	URI    string
	IV     []byte
}

// CodecInfo holds encoder names and estimated bitrates for a variant.
type CodecInfo struct {
	VideoCodec   string
	AudioCodec   string
	VideoBitrate int64
	AudioBitrate int64
}

// Resolution represents video dimensions.
type Resolution struct {
	Width  int
	Height int
}

func (r Resolution) String() string {
	if r.Width == 0 && r.Height == 0 {
		return ""
	}
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// Known reports whether the resolution was found in the manifest or URI.
func (r Resolution) Known() bool {
	return r.Height > 0
}

// QualityLabel returns a human-readable quality label (e.g., "1080p").
func (r Resolution) QualityLabel() string {
	switch {
	case r.Height >= 2160:
		return "4K"
	case r.Height >= 1440:
		return "1440p"
	case r.Height >= 1080:
		return "1080p"
	case r.Height >= 720:
		return "720p"
	case r.Height >= 480:
		return "480p"
	case r.Height >= 360:
		return "360p"
	case r.Height > 0:
		return fmt.Sprintf("%dp", r.Height)
	default:
		return ""
	}
}

// SegmentTask is one segment download job. Tasks live only for the duration
// of a single track download.
type SegmentTask struct {
	Index int
	URI   string
}

// TrackDownloadResult summarizes one finished or aborted track download.
type TrackDownloadResult struct {
	Type           TrackType
	Language       string
	OutputPath     string
	Total          int
	FailedSegments int
	Missing        []int
	WasCancelled   bool
}

// Succeeded returns the number of segments written to the output.
func (r *TrackDownloadResult) Succeeded() int {
	return r.Total - r.FailedSegments
}

// CompletionRatio returns the fraction of segments written.
func (r *TrackDownloadResult) CompletionRatio() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Succeeded()) / float64(r.Total)
}

func (r *TrackDownloadResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d/%d segments", r.Type, r.Succeeded(), r.Total)
	if r.Language != "" {
		fmt.Fprintf(&b, " [%s]", r.Language)
	}
	if r.WasCancelled {
		b.WriteString(" (cancelled)")
	}
	return b.String()
}
