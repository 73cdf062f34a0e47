package service

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
	"unicode/utf8"
)

// sanitizeUTF8 removes invalid UTF-8 sequences from string
// Extracted PDF text regularly contains them and they break JSON metadata
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}

	var result strings.Builder
	result.Grow(len(s))

	for len(s) > 0 {
		r, size := utf8.DecodeRuneInString(s)
		if r == utf8.RuneError && size == 1 {
			s = s[1:]
			continue
		}
		result.WriteRune(r)
		s = s[size:]
	}

	return result.String()
}

// Normalize lower-cases text, drops punctuation and symbols and collapses whitespace.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	space := false
	for _, r := range sanitizeUTF8(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(unicode.ToLower(r))
		case unicode.IsSpace(r):
			space = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			// "what's" and "whats" should hash the same; hyphens split words
			if r == '-' || r == '/' || r == '_' {
				space = true
			}
		default:
			space = true
		}
	}
	return b.String()
}

// TextHash is sha256 over the normalized text, hex encoded.
func TextHash(s string) string {
	sum := sha256.Sum256([]byte(Normalize(s)))
	return hex.EncodeToString(sum[:])
}

// wordCount counts whitespace separated words.
func wordCount(s string) int {
	return len(strings.Fields(s))
}
