// Package coherence scores generated token sequences. Both scores are pure
// functions of their inputs and always lie in [0,1].
package coherence

import (
	"encoding/binary"

	"github.com/haricheung/haze/internal/types"
)

const (
	// DefaultWindow is the co-occurrence window used for field coherence.
	DefaultWindow = 5
	// DefaultN is the n-gram size used for pattern diversity.
	DefaultN = 3
	// neutral is returned when a sequence is too short to judge.
	neutral = 0.5
)

type pair struct{ a, b types.Token }

func makePair(a, b types.Token) pair {
	if a > b {
		a, b = b, a
	}
	return pair{a, b}
}

// FieldCoherenceScore measures how often each token re-enters company it has
// already kept earlier in the same sequence. The local co-occurrence matrix
// grows as the sequence is read: position i (i >= window) is coherent when
// some token among the window before it had already co-occurred with it at
// an earlier point.
//
// Expectations:
//   - Returns 0.5 when len(tokens) < window+1
//   - Tokens outside [0, vocabSize) never co-occur with anything
//   - window <= 0 selects DefaultWindow
//   - Result is the fraction of eligible positions that are coherent, in [0,1]
func FieldCoherenceScore(tokens []types.Token, vocabSize, window int) float64 {
	if window <= 0 {
		window = DefaultWindow
	}
	if len(tokens) < window+1 {
		return neutral
	}
	valid := func(tok types.Token) bool { return tok >= 0 && int(tok) < vocabSize }

	seen := make(map[pair]struct{})
	eligible, coherent := 0, 0
	for i, tok := range tokens {
		lo := max(0, i-window)
		if i >= window {
			eligible++
			if valid(tok) {
				for j := lo; j < i; j++ {
					if _, ok := seen[makePair(tokens[j], tok)]; ok && valid(tokens[j]) {
						coherent++
						break
					}
				}
			}
		}
		if !valid(tok) {
			continue
		}
		for j := lo; j < i; j++ {
			if valid(tokens[j]) {
				seen[makePair(tokens[j], tok)] = struct{}{}
			}
		}
	}
	return float64(coherent) / float64(eligible)
}

// PatternDiversityScore returns distinct n-grams over total n-grams.
//
// Expectations:
//   - Returns 1.0 when n <= 0 or the sequence holds fewer than n tokens
//   - A sequence of one repeated token scores 1/(len-n+1)
func PatternDiversityScore(tokens []types.Token, n int) float64 {
	if n <= 0 {
		return 1.0
	}
	total := len(tokens) - n + 1
	if total <= 0 {
		return 1.0
	}
	distinct := make(map[string]struct{}, total)
	buf := make([]byte, 4*n)
	for i := 0; i < total; i++ {
		for j, tok := range tokens[i : i+n] {
			binary.LittleEndian.PutUint32(buf[4*j:], uint32(tok))
		}
		distinct[string(buf)] = struct{}{}
	}
	return float64(len(distinct)) / float64(total)
}
