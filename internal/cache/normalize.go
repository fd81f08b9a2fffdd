// Package cache implements the three-tier response cache: exact, normalized,
// and semantic-similarity lookup over the counter store.
package cache

import (
	"strings"
	"unicode"
)

// Normalize lowercases text, strips punctuation, and collapses whitespace.
// Letters and digits of any script survive, so Hangul and other non-Latin
// prompts normalize without loss.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		b.WriteRune(' ')
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Tokenize splits normalized text into tokens.
func Tokenize(text string) []string {
	return strings.Fields(Normalize(text))
}
