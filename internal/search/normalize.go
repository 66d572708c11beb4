package search

import (
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	combiningVoicedMark     = '\u3099'
	combiningSemiVoicedMark = '\u309A'
)

// Normalize returns text in NFC with diacritics removed. Kana voicing marks are
// kept so that voiced and unvoiced kana stay distinct.
func Normalize(text string) string {
	stripper := transform.Chain(norm.NFD, runes.Remove(runes.Predicate(isStrippableMark)), norm.NFC)
	normalized, _, err := transform.String(stripper, text)
	if err != nil {
		return norm.NFC.String(text)
	}
	return normalized
}

func isStrippableMark(r rune) bool {
	if r == combiningVoicedMark || r == combiningSemiVoicedMark {
		return false
	}
	return unicode.Is(unicode.Mn, r)
}
