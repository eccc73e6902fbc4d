package match

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var folder = cases.Fold()

// Normalize applies NFKC, case folding, replaces punctuation and symbols with
// spaces and collapses whitespace.
func Normalize(s string) string {
	s = folder.String(norm.NFKC.String(s))
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range s {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r) || unicode.IsControl(r) {
			if !space {
				b.WriteByte(' ')
				space = true
			}
			continue
		}
		b.WriteRune(r)
		space = false
	}
	return strings.TrimRight(b.String(), " ")
}

// Tokenize splits normalized text into comparison units. Words of spaced
// scripts are kept whole; characters of scripts written without spaces
// (Han, Hiragana, Katakana, Hangul, Thai) become one token each.
func Tokenize(normalized string) []string {
	var tokens []string
	for _, word := range strings.Fields(normalized) {
		start := -1
		for i, r := range word {
			if unspaced(r) {
				if start >= 0 {
					tokens = append(tokens, word[start:i])
					start = -1
				}
				tokens = append(tokens, string(r))
				continue
			}
			if start < 0 {
				start = i
			}
		}
		if start >= 0 {
			tokens = append(tokens, word[start:])
		}
	}
	return tokens
}

func unspaced(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul, unicode.Thai) ||
		r == 'ー' // prolonged sound mark is script Common
}
