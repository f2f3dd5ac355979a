package language

import (
	"strings"

	xlang "golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// Names operators commonly type instead of codes.
var byWord = map[string]string{
	"english":        "en",
	"spanish":        "es",
	"french":         "fr",
	"portuguese":     "pt",
	"haitian creole": "ht",
	"creole":         "ht",
	"arabic":         "ar",
	"chinese":        "zh",
	"mandarin":       "zh",
	"russian":        "ru",
	"ukrainian":      "uk",
	"vietnamese":     "vi",
	"tagalog":        "tl",
	"filipino":       "tl",
	"farsi":          "fa",
	"persian":        "fa",
	"hindi":          "hi",
	"korean":         "ko",
	"german":         "de",
	"italian":        "it",
	"polish":         "pl",
}

// Normalize converts a code, tag, or language name to its ISO 639-1 base
// language, falling back to the ISO 639-3 code for languages without a
// two-letter code. It returns "" for empty or unrecognized input.
func Normalize(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return ""
	}
	if code, ok := byWord[value]; ok {
		return code
	}
	tag, err := xlang.Parse(strings.ReplaceAll(value, "_", "-"))
	if err != nil || tag == xlang.Und {
		return ""
	}
	// Base guesses a language for tags like "und-419"; a guess is not a language.
	base, confidence := tag.Base()
	if confidence < xlang.High || base.String() == "und" {
		return ""
	}
	return base.String()
}

// Same reports whether a and b name the same base language.
func Same(a, b string) bool {
	na, nb := Normalize(a), Normalize(b)
	return na != "" && na == nb
}

// DisplayName returns the English name for a recognized code, "Unknown" for
// empty input, or the uppercased input otherwise.
func DisplayName(code string) string {
	trimmed := strings.TrimSpace(code)
	if trimmed == "" {
		return "Unknown"
	}
	normalized := Normalize(trimmed)
	if normalized == "" {
		return strings.ToUpper(trimmed)
	}
	base, err := xlang.ParseBase(normalized)
	if err != nil {
		return strings.ToUpper(trimmed)
	}
	if name := display.English.Languages().Name(base); name != "" {
		return name
	}
	return strings.ToUpper(normalized)
}

// NormalizeList deduplicates and normalizes a list of languages, dropping
// anything unrecognized.
func NormalizeList(languages []string) []string {
	if len(languages) == 0 {
		return nil
	}
	normalized := make([]string, 0, len(languages))
	seen := make(map[string]struct{}, len(languages))
	for _, lang := range languages {
		code := Normalize(lang)
		if code == "" {
			continue
		}
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		normalized = append(normalized, code)
	}
	return normalized
}
