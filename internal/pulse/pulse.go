// Package pulse derives a Pulse from prompt text and maps a Pulse to a
// generation temperature.
package pulse

import (
	"context"
	"math"
	"strings"
	"unicode"

	"github.com/haricheung/haze/internal/lexis"
	"github.com/haricheung/haze/internal/types"
)

// Temperature bounds.
const (
	MinTemperature  = 0.3
	MaxTemperature  = 1.2
	BaseTemperature = 0.75
)

// Temperature maps a pulse to a sampling temperature.
//
// Expectations:
//   - Starts at 0.75 and adds arousal × 0.25
//   - novelty < 0.3 adds 0.10; novelty > 0.7 subtracts 0.15
//   - entropy > 0.7 subtracts 0.25; entropy < 0.3 adds 0.10
//   - composite > 0.7 multiplies by 1.10; composite < 0.3 multiplies by 0.90
//   - Result is clamped to [0.3, 1.2]; NaN and out-of-range inputs are clamped first
func Temperature(p types.Pulse) float64 {
	p = p.Clamped()
	t := BaseTemperature
	t += p.Arousal * 0.25

	switch {
	case p.Novelty < 0.3:
		t += 0.10
	case p.Novelty > 0.7:
		t -= 0.15
	}
	switch {
	case p.Entropy > 0.7:
		t -= 0.25
	case p.Entropy < 0.3:
		t += 0.10
	}
	switch {
	case p.Composite > 0.7:
		t *= 1.10
	case p.Composite < 0.3:
		t *= 0.90
	}
	return min(max(t, MinTemperature), MaxTemperature)
}

// Analyzer turns a prompt into a Pulse.
type Analyzer interface {
	Analyze(ctx context.Context, prompt string) (types.Pulse, error)
}

// Known is the corpus view the local analyzer scores novelty against.
type Known interface {
	Vocab() *lexis.Vocabulary
	Count(tok types.Token) int
}

type knownKey struct{}

// WithKnown returns a context that makes Local score novelty against known
// instead of the corpus it was built with. Callers pin one store snapshot for
// a whole request this way.
func WithKnown(ctx context.Context, known Known) context.Context {
	return context.WithValue(ctx, knownKey{}, known)
}

// arousalWords raise the arousal component when present in a prompt.
var arousalWords = map[string]bool{
	"hate": true, "love": true, "die": true, "kill": true, "death": true,
	"dead": true, "cry": true, "sad": true, "angry": true, "beautiful": true,
	"alone": true, "lonely": true, "miss": true, "hurt": true, "pain": true,
	"suffer": true, "burn": true, "scream": true, "bleed": true, "fear": true,
	"afraid": true, "rage": true, "joy": true, "desire": true, "lost": true,
	"help": true, "never": true, "always": true, "please": true, "want": true,
}

// Local computes a pulse from surface features of the prompt and the corpus
// vocabulary.
//
//   - novelty: share of words unknown to the corpus (half credit for words seen once)
//   - arousal: emotional keyword hits plus exclamation and all-caps intensity,
//     divided by word count + 1
//   - entropy: Shannon entropy of the word distribution over log2(word count)
//   - composite: 0.4·arousal + 0.3·novelty + 0.3·entropy
type Local struct {
	known Known
}

// NewLocal returns a Local analyzer. known may be nil, in which case every
// word counts as novel.
func NewLocal(known Known) *Local {
	return &Local{known: known}
}

// Analyze never fails; the error return satisfies Analyzer.
//
// Expectations:
//   - A prompt without words yields {arousal 0, novelty 1, entropy 0, composite 0.3}
//   - Every component of the result lies in [0,1]
//   - The same prompt against the same corpus always yields the same pulse
//   - A Known carried by ctx (WithKnown) replaces the one given to NewLocal
func (l *Local) Analyze(ctx context.Context, prompt string) (types.Pulse, error) {
	var words []string
	for _, f := range lexis.Split(prompt) {
		if lexis.IsWord(f) {
			words = append(words, f)
		}
	}
	n := len(words)
	if n == 0 {
		return Compose(0, 1, 0), nil
	}

	lower := make([]string, n)
	for i, w := range words {
		lower[i] = strings.ToLower(w)
	}

	known := l.known
	if k, ok := ctx.Value(knownKey{}).(Known); ok && k != nil {
		known = k
	}
	return Compose(
		l.arousal(prompt, words, lower),
		novelty(known, lower),
		normalizedEntropy(lower),
	), nil
}

// Compose builds a clamped pulse and derives its composite.
func Compose(arousal, novelty, entropy float64) types.Pulse {
	p := types.Pulse{Arousal: arousal, Novelty: novelty, Entropy: entropy}.Clamped()
	p.Composite = 0.4*p.Arousal + 0.3*p.Novelty + 0.3*p.Entropy
	return p.Clamped()
}

func novelty(known Known, lower []string) float64 {
	if known == nil {
		return 1
	}
	vocab := known.Vocab()
	var score float64
	for _, w := range lower {
		id, ok := vocab.ID(w)
		switch {
		case !ok || known.Count(id) == 0:
			score += 1
		case known.Count(id) == 1:
			score += 0.5
		}
	}
	return score / float64(len(lower))
}

func (l *Local) arousal(prompt string, words, lower []string) float64 {
	var hits float64
	for i, w := range lower {
		if arousalWords[w] {
			hits++
		}
		if len([]rune(words[i])) >= 2 && isUpper(words[i]) {
			hits += 0.5
		}
	}
	hits += 0.5 * float64(strings.Count(prompt, "!"))
	return hits / float64(len(lower)+1)
}

func isUpper(s string) bool {
	letters := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			letters++
			if !unicode.IsUpper(r) {
				return false
			}
		}
	}
	return letters > 0
}

// normalizedEntropy is H(words)/log2(n); a single word has entropy 0.
func normalizedEntropy(words []string) float64 {
	n := len(words)
	if n < 2 {
		return 0
	}
	freq := make(map[string]int, n)
	for _, w := range words {
		freq[w]++
	}
	var h float64
	for _, c := range freq {
		p := float64(c) / float64(n)
		h -= p * math.Log2(p)
	}
	return h / math.Log2(float64(n))
}
