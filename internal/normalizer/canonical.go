package normalizer

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// CanonicalSource lowercases, strips diacritics and collapses whitespace so
// "SportsData", " sportsdata " and "Spörtsdata" style variants of a producer
// name land on one source key.
func CanonicalSource(s string) string {
	return canonicalName(s)
}

// canonicalLabel is used for sport, league and discipline labels that end up
// inside topic names. Inner spaces become dashes: "American Football" -> "american-football".
func canonicalLabel(s string) string {
	return strings.ReplaceAll(canonicalName(s), " ", "-")
}

func canonicalName(s string) string {
	if s == "" {
		return ""
	}
	s = stripDiacritics(s)
	s = strings.ToLower(strings.TrimSpace(s))
	return collapseWhitespace(s)
}

func stripDiacritics(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range norm.NFD.String(s) {
		if !unicode.Is(unicode.Mn, r) { // Mn = Mark, Nonspacing (combining accents)
			b.WriteRune(r)
		}
	}
	return b.String()
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
