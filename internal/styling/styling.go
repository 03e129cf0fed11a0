// Package styling converts a small Markdown subset in outbound messages to
// Unicode mathematical alphanumeric symbols, since the messaging provider has
// no rich text. Pure functions only.
package styling

import (
	"regexp"
	"strings"
)

var (
	monoRe       = regexp.MustCompile("`([^`\n]+)`")
	boldStarRe   = regexp.MustCompile(`\*\*([^*\n]+)\*\*`)
	boldUnderRe  = regexp.MustCompile(`__([^_\n]+)__`)
	italicStarRe = regexp.MustCompile(`\*([^*\n]+)\*`)
	// Underscore italics only fire at word boundaries so snake_case survives
	italicUnderRe = regexp.MustCompile(`(^|[^0-9A-Za-z_])_([^_\n]+)_($|[^0-9A-Za-z_])`)
)

// Apply converts **bold**, __bold__, *italic*, _italic_ and `mono` spans to
// their Unicode styled forms. Applying it twice is a no-op: styled code points
// are outside the ASCII ranges the mappers touch and the markers are consumed.
func Apply(text string) string {
	out := monoRe.ReplaceAllStringFunc(text, func(m string) string {
		return mapRunes(m[1:len(m)-1], toMono)
	})
	out = boldStarRe.ReplaceAllStringFunc(out, func(m string) string {
		return mapRunes(m[2:len(m)-2], toBold)
	})
	out = boldUnderRe.ReplaceAllStringFunc(out, func(m string) string {
		return mapRunes(m[2:len(m)-2], toBold)
	})
	out = italicStarRe.ReplaceAllStringFunc(out, func(m string) string {
		return mapRunes(m[1:len(m)-1], toItalic)
	})
	out = italicUnderRe.ReplaceAllStringFunc(out, func(m string) string {
		groups := italicUnderRe.FindStringSubmatch(m)
		return groups[1] + mapRunes(groups[2], toItalic) + groups[3]
	})
	return out
}

func mapRunes(s string, mapper func(rune) rune) string {
	var b strings.Builder
	b.Grow(len(s) * 4)
	for _, r := range s {
		b.WriteRune(mapper(r))
	}
	return b.String()
}

func toBold(r rune) rune {
	switch {
	case r >= 'A' && r <= 'Z':
		return rune(0x1D400 + (r - 'A'))
	case r >= 'a' && r <= 'z':
		return rune(0x1D41A + (r - 'a'))
	case r >= '0' && r <= '9':
		return rune(0x1D7CE + (r - '0'))
	}
	return r
}

func toItalic(r rune) rune {
	switch {
	case r == 'h':
		// Mathematical italic small h is the Planck constant code point
		return 0x210E
	case r >= 'A' && r <= 'Z':
		return rune(0x1D434 + (r - 'A'))
	case r >= 'a' && r <= 'z':
		return rune(0x1D44E + (r - 'a'))
	}
	return r
}

func toMono(r rune) rune {
	switch {
	case r >= 'A' && r <= 'Z':
		return rune(0x1D670 + (r - 'A'))
	case r >= 'a' && r <= 'z':
		return rune(0x1D68A + (r - 'a'))
	case r >= '0' && r <= '9':
		return rune(0x1D7F6 + (r - '0'))
	}
	return r
}
