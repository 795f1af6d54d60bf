package store

import (
	"math"
	"strings"
	"unicode"
)

// cosineSimilarity returns the cosine of two vectors, or -1 as a
// guaranteed-fail sentinel for mismatched lengths, empty inputs, or
// zero-magnitude vectors. The sentinel sits below any usable min-score so
// broken embeddings never win retrieval.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return -1.0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return -1.0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// lexicalScore is the embedding-free fallback:
// 0.6 * character-sequence similarity + 0.4 * token Jaccard similarity.
func lexicalScore(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return 0.0
	}
	seq := sequenceRatio(a, b)

	ta := tokenSet(a)
	tb := tokenSet(b)
	jaccard := 0.0
	if len(ta) > 0 && len(tb) > 0 {
		inter := 0
		for tok := range ta {
			if tb[tok] {
				inter++
			}
		}
		union := len(ta) + len(tb) - inter
		jaccard = float64(inter) / float64(union)
	}
	return 0.6*seq + 0.4*jaccard
}

// tokenSet extracts lowercased alphanumeric runs longer than one character.
func tokenSet(text string) map[string]bool {
	tokens := map[string]bool{}
	var current strings.Builder
	flush := func() {
		if current.Len() > 1 {
			tokens[current.String()] = true
		}
		current.Reset()
	}
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			current.WriteRune(unicode.ToLower(r))
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

// sequenceRatio measures character-sequence similarity as
// 2*M / (len(a)+len(b)), where M is the total size of the longest matching
// blocks found by recursively splitting around the longest common
// substring. Identical strings score 1, disjoint strings 0.
func sequenceRatio(a, b string) float64 {
	if len(a)+len(b) == 0 {
		return 0.0
	}
	m := matchingTotal(a, b)
	return 2.0 * float64(m) / float64(len(a)+len(b))
}

func matchingTotal(a, b string) int {
	if a == "" || b == "" {
		return 0
	}
	ai, bi, size := longestCommonSubstring(a, b)
	if size == 0 {
		return 0
	}
	total := size
	total += matchingTotal(a[:ai], b[:bi])
	total += matchingTotal(a[ai+size:], b[bi+size:])
	return total
}

// longestCommonSubstring returns the start offsets and length of the
// longest common substring, preferring the earliest occurrence.
func longestCommonSubstring(a, b string) (int, int, int) {
	bestA, bestB, bestSize := 0, 0, 0
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
				if cur[j] > bestSize {
					bestSize = cur[j]
					bestA = i - bestSize
					bestB = j - bestSize
				}
			} else {
				cur[j] = 0
			}
		}
		prev, cur = cur, prev
	}
	return bestA, bestB, bestSize
}
