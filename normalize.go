package memtier

import (
	"regexp"
	"strings"
)

var (
	urlPattern     = regexp.MustCompile(`https?://\S+`)
	mentionPattern = regexp.MustCompile(`<@[!&]?[0-9]+>`)
	// Collapse everything that is not a letter, digit, underscore, or
	// whitespace to a space. Unicode classes keep accented Latin, Hangul,
	// and CJK text intact.
	symbolPattern = regexp.MustCompile(`[^\p{L}\p{N}_\s]`)
	spacePattern  = regexp.MustCompile(`\s+`)
)

// Normalize canonicalizes text for similarity detection: case-fold,
// strip URLs and mention tokens, collapse symbol runs and whitespace.
// Normalize is idempotent.
func Normalize(text string) string {
	s := strings.ToLower(text)
	s = urlPattern.ReplaceAllString(s, "")
	s = mentionPattern.ReplaceAllString(s, "")
	s = symbolPattern.ReplaceAllString(s, " ")
	s = spacePattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// charShingles returns the set of overlapping k-character shingles of
// the normalized text. Inputs shorter than k yield a single shingle.
func charShingles(text string, k int) map[string]struct{} {
	normalized := []rune(Normalize(text))
	shingles := make(map[string]struct{})
	if len(normalized) < k {
		shingles[string(normalized)] = struct{}{}
		return shingles
	}
	for i := 0; i+k <= len(normalized); i++ {
		shingles[string(normalized[i:i+k])] = struct{}{}
	}
	return shingles
}

// wordShingles returns the set of overlapping k-word shingles of the
// normalized text. Inputs shorter than k words yield a single shingle.
func wordShingles(text string, k int) map[string]struct{} {
	words := strings.Fields(Normalize(text))
	shingles := make(map[string]struct{})
	if len(words) < k {
		shingles[strings.Join(words, " ")] = struct{}{}
		return shingles
	}
	for i := 0; i+k <= len(words); i++ {
		shingles[strings.Join(words[i:i+k], " ")] = struct{}{}
	}
	return shingles
}

// shingleSet is the union of character and word shingles used as the
// MinHash feature set.
func shingleSet(text string, charK, wordK int) map[string]struct{} {
	set := charShingles(text, charK)
	for s := range wordShingles(text, wordK) {
		set[s] = struct{}{}
	}
	return set
}
