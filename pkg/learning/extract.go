// Package learning extracts work-type sequences from completed missions,
// matches new missions against stored patterns, and tracks how well applied
// patterns perform over time.
package learning

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// Canonicalize normalizes one work type: lowercase, punctuation and runs of
// whitespace collapse to single spaces.
func Canonicalize(workType string) string {
	fields := strings.FieldsFunc(strings.ToLower(workType), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(fields, " ")
}

// CanonicalSequence normalizes a sequence of work types, dropping entries
// that canonicalize to nothing.
func CanonicalSequence(workTypes []string) []string {
	out := make([]string, 0, len(workTypes))
	for _, wt := range workTypes {
		if c := Canonicalize(wt); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// SequenceHash is the identity of a pattern: a digest over the pattern type,
// the mission type, and the canonical sequence.
func SequenceHash(patternType, missionType string, sequence []string) string {
	h := sha256.New()
	h.Write([]byte(patternType))
	h.Write([]byte{0})
	h.Write([]byte(missionType))
	for _, step := range sequence {
		h.Write([]byte{0})
		h.Write([]byte(step))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// tokens splits canonical work types into a word multiset.
func tokens(workTypes []string) map[string]int {
	out := make(map[string]int)
	for _, wt := range workTypes {
		for _, w := range strings.Fields(Canonicalize(wt)) {
			out[w]++
		}
	}
	return out
}

// jaccard is the multiset Jaccard similarity of two token bags: the sum of
// per-token minimum counts over the sum of maximum counts.
func jaccard(a, b map[string]int) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	var intersection, union int
	for w, na := range a {
		nb := b[w]
		intersection += min(na, nb)
		union += max(na, nb)
	}
	for w, nb := range b {
		if _, ok := a[w]; !ok {
			union += nb
		}
	}
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
