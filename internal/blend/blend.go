// Package blend merges the next-token distributions of several n-gram orders
// into one dense weight vector and optionally reweights candidates that
// co-occur with the recent history.
package blend

import (
	"github.com/haricheung/haze/internal/freqstore"
	"github.com/haricheung/haze/internal/types"
)

// OrderGain is the multiplier applied to one order's relative frequencies.
type OrderGain struct {
	Order int
	Gain  float64
}

// DefaultGains favours longer contexts: order 4 counts eight times order 1.
var DefaultGains = []OrderGain{{4, 8}, {3, 4}, {2, 2}, {1, 1}}

// Coherence boost bounds: a candidate with any co-occurrence support is
// scaled by a factor in [BoostMin, BoostMax], proportional to its support
// relative to the best-supported candidate of the step.
const (
	BoostMin = 1.10
	BoostMax = 1.30
)

// Store is the read side of the frequency store the blender needs.
type Store interface {
	VocabSize() int
	Visit(order int, context []types.Token, fn func(tok types.Token, count int))
	Total(order int, context []types.Token) int
	Cooccurrence(a, b types.Token) int
}

var _ Store = (*freqstore.Store)(nil)

// Blender combines order distributions from a Store.
type Blender struct {
	store Store
	gains map[int]float64
}

// New returns a Blender over store with DefaultGains.
func New(store Store) *Blender {
	return NewWithGains(store, DefaultGains)
}

// NewWithGains returns a Blender with an explicit gain table. Orders missing
// from the table get gain 1.
func NewWithGains(store Store, gains []OrderGain) *Blender {
	g := make(map[int]float64, len(gains))
	for _, og := range gains {
		g[og.Order] = og.Gain
	}
	return &Blender{store: store, gains: g}
}

func (b *Blender) gain(order int) float64 {
	if g, ok := b.gains[order]; ok {
		return g
	}
	return 1
}

// Blend returns a non-negative weight per vocabulary id for the next token.
//
// Expectations:
//   - Every order in orders with a non-empty context contributes gain × count/total
//   - All available orders accumulate; none short-circuits the others
//   - With boost, candidates whose co-occurrence support over the last lookback
//     history tokens is positive are scaled into [BoostMin, BoostMax]
//   - When no order contributes, every id gets weight 1.0
//   - The result has length VocabSize and is never normalised here
func (b *Blender) Blend(history []types.Token, orders []int, boost bool, lookback int) []float64 {
	v := b.store.VocabSize()
	weights := make([]float64, v)
	hit := false
	for _, order := range orders {
		total := b.store.Total(order, history)
		if total <= 0 {
			continue
		}
		scale := b.gain(order) / float64(total)
		b.store.Visit(order, history, func(tok types.Token, n int) {
			if int(tok) < v && tok >= 0 {
				weights[tok] += scale * float64(n)
				hit = true
			}
		})
	}
	if !hit {
		for i := range weights {
			weights[i] = 1.0
		}
		return weights
	}
	if boost && lookback > 0 && len(history) > 0 {
		b.applyBoost(weights, history, lookback)
	}
	return weights
}

// applyBoost scales supported candidates in place.
func (b *Blender) applyBoost(weights []float64, history []types.Token, lookback int) {
	recent := history[max(0, len(history)-lookback):]
	strength := make(map[int]int)
	maxStrength := 0
	for tok, w := range weights {
		if w <= 0 {
			continue
		}
		s := 0
		for _, h := range recent {
			s += b.store.Cooccurrence(h, types.Token(tok))
		}
		if s > 0 {
			strength[tok] = s
			maxStrength = max(maxStrength, s)
		}
	}
	for tok, s := range strength {
		weights[tok] *= BoostMin + (BoostMax-BoostMin)*float64(s)/float64(maxStrength)
	}
}
