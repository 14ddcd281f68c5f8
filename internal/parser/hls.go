package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/grafov/m3u8"

	"github.com/mohaanymo/hlsfetch/internal/models"
)

// fromMaster converts a decoded master playlist. raw is the document text,
// needed for EXT-X-MEDIA tags that grafov does not attach to a variant.
func fromMaster(pl *m3u8.MasterPlaylist, raw string) (*models.ManifestEntry, error) {
	entry := &models.ManifestEntry{IsMaster: true}

	seen := make(map[string]bool)
	add := func(alt *m3u8.Alternative) {
		if alt == nil || seen[renditionKey(alt)] {
			return
		}
		seen[renditionKey(alt)] = true
		addRendition(entry, alt)
	}

	for _, v := range pl.Variants {
		if v == nil {
			continue
		}
		// EXT-X-MEDIA entries are attached to the variant that follows them.
		for _, alt := range v.Alternatives {
			add(alt)
		}

		if v.Iframe || v.URI == "" {
			continue
		}
		entry.VideoVariants = append(entry.VideoVariants, parseVariant(v))
	}
	// Tags after the last variant have no variant to ride on.
	for _, alt := range mediaTags(raw) {
		add(alt)
	}

	if len(entry.VideoVariants) == 0 {
		return nil, fmt.Errorf("master playlist without variant streams")
	}

	best := append([]*models.VideoVariant(nil), entry.VideoVariants...)
	models.SortVariants(best)
	entry.CodecInfo = best[0].CodecInfo
	return entry, nil
}

func parseVariant(v *m3u8.Variant) *models.VideoVariant {
	variant := &models.VideoVariant{
		URI:       strings.TrimSpace(v.URI),
		Bandwidth: int64(v.Bandwidth),
		Codecs:    v.Codecs,
	}

	variant.Resolution = parseResolutionAttr(v.Resolution)
	if !variant.Resolution.Known() {
		variant.Resolution = resolutionFromURI(variant.URI)
	}
	variant.CodecInfo = CodecInfoFor(v.Codecs, variant.Bandwidth)
	return variant
}

func renditionKey(alt *m3u8.Alternative) string {
	return strings.Join([]string{
		strings.ToUpper(alt.Type),
		alt.GroupId,
		strings.ToLower(alt.Language),
		strings.TrimSpace(alt.URI),
	}, "\x00")
}

// mediaTags returns every EXT-X-MEDIA tag of raw in document order.
func mediaTags(raw string) []*m3u8.Alternative {
	const tag = "#EXT-X-MEDIA:"
	var out []*m3u8.Alternative
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, tag) {
			continue
		}
		attrs := parseAttributes(line[len(tag):])
		out = append(out, &m3u8.Alternative{
			Type:     attrs["TYPE"],
			GroupId:  attrs["GROUP-ID"],
			Language: attrs["LANGUAGE"],
			Name:     attrs["NAME"],
			URI:      attrs["URI"],
			Default:  strings.EqualFold(attrs["DEFAULT"], "YES"),
		})
	}
	return out
}

// parseAttributes splits an attribute list (NAME=value,NAME="quoted, value").
// Names are upper-cased, quotes are removed.
func parseAttributes(list string) map[string]string {
	attrs := make(map[string]string)
	for list != "" {
		name, rest, ok := strings.Cut(list, "=")
		if !ok {
			break
		}
		var value string
		if strings.HasPrefix(rest, "\"") {
			end := strings.IndexByte(rest[1:], '"')
			if end < 0 {
				value, rest = rest[1:], ""
			} else {
				value, rest = rest[1:end+1], rest[end+2:]
			}
			rest = strings.TrimPrefix(strings.TrimLeft(rest, " "), ",")
		} else {
			value, rest, _ = strings.Cut(rest, ",")
		}
		attrs[strings.ToUpper(strings.TrimSpace(name))] = strings.TrimSpace(value)
		list = strings.TrimLeft(rest, " ")
	}
	return attrs
}

func addRendition(entry *models.ManifestEntry, alt *m3u8.Alternative) {
	// Renditions without a URI are muxed into the variant stream.
	if alt.URI == "" {
		return
	}
	r := &models.Rendition{
		URI:       strings.TrimSpace(alt.URI),
		Language:  strings.ToLower(alt.Language),
		Name:      alt.Name,
		GroupID:   alt.GroupId,
		IsDefault: alt.Default,
	}
	switch strings.ToUpper(alt.Type) {
	case "AUDIO":
		entry.AudioRenditions = append(entry.AudioRenditions, r)
	case "SUBTITLES":
		entry.SubtitleRenditions = append(entry.SubtitleRenditions, r)
	}
}

// fromMedia converts a decoded media playlist.
func fromMedia(pl *m3u8.MediaPlaylist) (*models.ManifestEntry, error) {
	entry := &models.ManifestEntry{MediaSequence: int(pl.SeqNo)}

	// The first key that actually encrypts wins; METHOD=NONE is not a key.
	var key *m3u8.Key
	if isKey(pl.Key) {
		key = pl.Key
	}
	var total float64
	for _, seg := range pl.Segments {
		// grafov keeps spare capacity as nil entries
		if seg == nil {
			continue
		}
		if key == nil && isKey(seg.Key) {
			key = seg.Key
		}
		entry.SegmentURIs = append(entry.SegmentURIs, strings.TrimSpace(seg.URI))
		total += seg.Duration
	}

	if len(entry.SegmentURIs) == 0 {
		return nil, fmt.Errorf("media playlist without segments")
	}
	entry.Duration = time.Duration(total * float64(time.Second))

	if key != nil {
		iv, err := DecodeIV(key.IV)
		if err != nil {
			return nil, err
		}
		entry.EncryptionKey = &models.KeyDescriptor{
			Method: strings.ToUpper(key.Method),
			URI:    strings.TrimSpace(key.URI),
			IV:     iv,
		}
	}

	return entry, nil
}

func isKey(k *m3u8.Key) bool {
	return k != nil && k.Method != "" && !strings.EqualFold(k.Method, models.KeyMethodNone)
}

func parseResolutionAttr(s string) models.Resolution {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), "x")
	if len(parts) != 2 {
		return models.Resolution{}
	}
	w, errW := strconv.Atoi(parts[0])
	h, errH := strconv.Atoi(parts[1])
	if errW != nil || errH != nil || w < 0 || h < 0 {
		return models.Resolution{}
	}
	return models.Resolution{Width: w, Height: h}
}

var (
	uriDimensions = regexp.MustCompile(`(\d{3,4})[xX](\d{3,4})`)
	uriHeightP    = regexp.MustCompile(`(?:^|[^0-9])(\d{3,4})[pP](?:[^a-zA-Z0-9]|$)`)
	uriHeightDir  = regexp.MustCompile(`/(\d{3,4})/`)
)

// commonHeights limits bare numeric path markers to plausible video heights.
var commonHeights = map[int]int{
	144: 256, 240: 426, 360: 640, 480: 854, 540: 960, 576: 1024,
	720: 1280, 1080: 1920, 1440: 2560, 2160: 3840,
}

// resolutionFromURI recovers a resolution from markers embedded in a variant
// URI such as "1280x720", "_720p" or "/720/". Zero means unknown.
func resolutionFromURI(uri string) models.Resolution {
	if m := uriDimensions.FindStringSubmatch(uri); m != nil {
		w, _ := strconv.Atoi(m[1])
		h, _ := strconv.Atoi(m[2])
		return models.Resolution{Width: w, Height: h}
	}
	if m := uriHeightP.FindStringSubmatch(uri); m != nil {
		h, _ := strconv.Atoi(m[1])
		return models.Resolution{Width: commonHeights[h], Height: h}
	}
	if m := uriHeightDir.FindStringSubmatch(uri); m != nil {
		h, _ := strconv.Atoi(m[1])
		if w, ok := commonHeights[h]; ok {
			return models.Resolution{Width: w, Height: h}
		}
	}
	return models.Resolution{}
}
