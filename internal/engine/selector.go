package engine

import (
	"strings"

	"golang.org/x/text/language"

	"github.com/mohaanymo/hlsfetch/internal/config"
	"github.com/mohaanymo/hlsfetch/internal/models"
)

// Selection is the set of streams chosen for one download.
type Selection struct {
	// VideoURI is the media playlist of the chosen video variant, unresolved.
	VideoURI  string
	Variant   *models.VideoVariant // nil when the manifest is a media playlist
	Audio     []*models.Rendition
	Subtitles []*models.Rendition
}

// Select picks one video variant and the configured-language alternates.
// It has no side effects.
//
// Video: the variant whose height equals cfg.ForcedHeight, else the
// highest. Variants of unknown resolution rank below every known height.
// Alternates: the intersection of the manifest languages with
// cfg.Languages; an empty list selects no alternates.
func Select(manifest *models.ManifestEntry, cfg *config.Config) (*Selection, error) {
	sel := &Selection{}

	if !manifest.IsMaster {
		sel.VideoURI = manifest.URI
		return sel, nil
	}

	sel.Variant = selectVariant(manifest.VideoVariants, cfg.ForcedHeight)
	if sel.Variant == nil {
		return nil, models.Errorf(models.KindMalformedManifest, "select streams", "master playlist has no video variants").WithURL(manifest.URI)
	}
	sel.VideoURI = sel.Variant.URI
	sel.Audio = selectRenditions(manifest.AudioRenditions, cfg.Languages)
	sel.Subtitles = selectRenditions(manifest.SubtitleRenditions, cfg.Languages)
	return sel, nil
}

func selectVariant(variants []*models.VideoVariant, height int) *models.VideoVariant {
	if len(variants) == 0 {
		return nil
	}

	sorted := make([]*models.VideoVariant, len(variants))
	copy(sorted, variants)
	models.SortVariants(sorted)

	if height > 0 {
		for _, v := range sorted {
			if v.Resolution.Height == height {
				return v
			}
		}
	}
	return sorted[0]
}

// selectRenditions returns one rendition per wanted language, in the order
// of wanted. Among renditions of the same language the last one wins.
func selectRenditions(renditions []*models.Rendition, wanted []string) []*models.Rendition {
	if len(wanted) == 0 || len(renditions) == 0 {
		return nil
	}

	byLang := make(map[string]*models.Rendition)
	for _, r := range renditions {
		byLang[normalizeLanguage(r.Language)] = r
	}

	var out []*models.Rendition
	seen := make(map[string]bool)
	for _, w := range wanted {
		key := normalizeLanguage(w)
		if seen[key] {
			continue
		}
		if r, ok := byLang[key]; ok {
			out = append(out, r)
			seen[key] = true
		}
	}
	return out
}

// languageNames covers the English names players commonly put in LANGUAGE.
var languageNames = map[string]string{
	"english":    "en",
	"italian":    "it",
	"italiano":   "it",
	"spanish":    "es",
	"french":     "fr",
	"german":     "de",
	"portuguese": "pt",
	"japanese":   "ja",
	"korean":     "ko",
	"chinese":    "zh",
	"arabic":     "ar",
	"turkish":    "tr",
	"russian":    "ru",
}

// normalizeLanguage reduces a language tag to its ISO 639-1 base so that
// "eng", "en-US" and "en" compare equal. Unparsable input is lowercased.
func normalizeLanguage(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	if code, ok := languageNames[s]; ok {
		return code
	}
	tag, err := language.Parse(s)
	if err != nil {
		return s
	}
	base, conf := tag.Base()
	if conf != language.Exact {
		return s
	}
	return base.String()
}
