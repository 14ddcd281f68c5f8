// Package parser turns M3U8 manifest text into models.ManifestEntry values.
package parser

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/grafov/m3u8"

	"github.com/mohaanymo/hlsfetch/internal/models"
)

const headerTag = "#EXTM3U"

// Parse parses raw M3U8 text fetched from baseURI. Segment, key and variant
// URIs are returned exactly as written; resolving them is the Resolver's job.
func Parse(baseURI, raw string) (*models.ManifestEntry, error) {
	if !hasHeader(raw) {
		return nil, models.Errorf(models.KindMalformedManifest, "parse manifest", "missing %s header", headerTag).WithURL(baseURI)
	}

	playlist, listType, err := m3u8.DecodeFrom(strings.NewReader(raw), false)
	if err != nil {
		return nil, models.NewError(models.KindMalformedManifest, "parse manifest", err).WithURL(baseURI)
	}

	var entry *models.ManifestEntry
	switch listType {
	case m3u8.MASTER:
		entry, err = fromMaster(playlist.(*m3u8.MasterPlaylist), raw)
	case m3u8.MEDIA:
		entry, err = fromMedia(playlist.(*m3u8.MediaPlaylist))
	default:
		err = fmt.Errorf("unknown playlist type")
	}
	if err != nil {
		return nil, models.NewError(models.KindMalformedManifest, "parse manifest", err).WithURL(baseURI)
	}

	entry.URI = baseURI
	entry.Raw = raw
	return entry, nil
}

// hasHeader reports whether the first non-blank line is #EXTM3U.
func hasHeader(raw string) bool {
	scanner := bufio.NewScanner(strings.NewReader(raw))
	for scanner.Scan() {
		line := strings.TrimSpace(strings.TrimPrefix(scanner.Text(), "\ufeff"))
		if line == "" {
			continue
		}
		return strings.HasPrefix(line, headerTag)
	}
	return false
}

// DecodeIV parses the IV attribute of an EXT-X-KEY tag (0x-prefixed hex).
// Short values are left-padded to 16 bytes.
func DecodeIV(s string) ([]byte, error) {
	s = strings.Trim(strings.TrimSpace(s), "\"")
	if s == "" {
		return nil, nil
	}
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s)%2 == 1 {
		s = "0" + s
	}

	iv, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("parse IV: %w", err)
	}
	if len(iv) > 16 {
		return nil, fmt.Errorf("parse IV: %d bytes, want at most 16", len(iv))
	}
	if len(iv) < 16 {
		padded := make([]byte, 16)
		copy(padded[16-len(iv):], iv)
		iv = padded
	}
	return iv, nil
}
