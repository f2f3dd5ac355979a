package textutil

import (
	"math"
	"strings"
	"unicode"
)

// minTermRunes drops articles and short connectives ("de", "of", "la").
const minTermRunes = 3

// Fingerprint is a term-frequency vector of extracted or translated text.
type Fingerprint struct {
	tokens map[string]float64
	norm   float64
}

// NewFingerprint returns nil when text yields no terms.
func NewFingerprint(text string) *Fingerprint {
	fp := &Fingerprint{tokens: make(map[string]float64)}
	for _, term := range Tokenize(text) {
		fp.tokens[term]++
	}
	if len(fp.tokens) == 0 {
		return nil
	}
	var sum float64
	for _, n := range fp.tokens {
		sum += n * n
	}
	fp.norm = math.Sqrt(sum)
	return fp
}

// Tokenize lowercases text and returns its letter/digit runs of at least
// three runes, in order of appearance.
func Tokenize(text string) []string {
	var (
		terms []string
		cur   strings.Builder
		runes int
	)
	flush := func() {
		if runes >= minTermRunes {
			terms = append(terms, cur.String())
		}
		cur.Reset()
		runes = 0
	}
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			cur.WriteRune(unicode.ToLower(r))
			runes++
			continue
		}
		flush()
	}
	flush()
	return terms
}

// TokenCount returns the number of distinct terms.
func (f *Fingerprint) TokenCount() int {
	if f == nil {
		return 0
	}
	return len(f.tokens)
}
