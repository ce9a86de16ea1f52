// Package sampler turns a vector of non-negative candidate weights into one
// token: temperature scaling in log space, a min-p cut relative to the most
// likely candidate, then a categorical draw.
package sampler

import (
	"math"
	"math/rand/v2"

	"github.com/haricheung/haze/internal/types"
)

// Epsilon replaces weights that are zero, negative or NaN before the log.
const Epsilon = 1e-12

// Sample draws one token index from weights.
//
// Expectations:
//   - temperature <= 0 returns the argmax; the lowest index wins ties and minP is ignored
//   - Otherwise candidates with p < minP*max(p) are removed before the draw
//   - When the min-p cut removes everything the unfiltered distribution is used
//   - An empty weight vector returns token 0
//   - The result always lies in [0, len(weights)) for non-empty input
//   - rng must be non-nil when temperature > 0
func Sample(weights []float64, temperature, minP float64, rng *rand.Rand) types.Token {
	if len(weights) == 0 {
		return 0
	}
	if temperature <= 0 {
		return Argmax(weights)
	}
	probs := Distribution(weights, temperature)
	keep, _ := MinPFilter(probs, minP)
	return draw(probs, keep, rng)
}

// Argmax returns the index of the largest weight, lowest index on ties.
// NaN weights never win.
func Argmax(weights []float64) types.Token {
	best := 0
	bestW := math.Inf(-1)
	for i, w := range weights {
		if w > bestW {
			best, bestW = i, w
		}
	}
	return types.Token(best)
}

// Distribution returns p_i ∝ exp((log w_i − max log w)/T) normalised to sum 1.
// Zero, negative and NaN weights are treated as Epsilon; +Inf as MaxFloat64.
func Distribution(weights []float64, temperature float64) []float64 {
	logits := make([]float64, len(weights))
	maxLogit := math.Inf(-1)
	for i, w := range weights {
		switch {
		case math.IsNaN(w) || w <= 0:
			w = Epsilon
		case math.IsInf(w, 1):
			w = math.MaxFloat64
		}
		logits[i] = math.Log(w) / temperature
		if logits[i] > maxLogit {
			maxLogit = logits[i]
		}
	}
	var sum float64
	for i, l := range logits {
		logits[i] = math.Exp(l - maxLogit)
		sum += logits[i]
	}
	for i := range logits {
		logits[i] /= sum
	}
	return logits
}

// MinPFilter returns the indices whose probability is at least minP times the
// largest probability. When no index qualifies (possible only with degenerate
// input such as NaN probabilities) every index is returned and fallback is true.
func MinPFilter(probs []float64, minP float64) (keep []int, fallback bool) {
	maxP := 0.0
	for _, p := range probs {
		if p > maxP {
			maxP = p
		}
	}
	threshold := minP * maxP
	for i, p := range probs {
		if p >= threshold && p > 0 {
			keep = append(keep, i)
		}
	}
	if len(keep) > 0 {
		return keep, false
	}
	keep = make([]int, len(probs))
	for i := range probs {
		keep[i] = i
	}
	return keep, true
}

// draw performs a categorical draw over probs restricted to keep, renormalised.
func draw(probs []float64, keep []int, rng *rand.Rand) types.Token {
	var sum float64
	for _, i := range keep {
		if p := probs[i]; p > 0 && !math.IsNaN(p) {
			sum += p
		}
	}
	if sum <= 0 || math.IsNaN(sum) {
		return types.Token(keep[rng.IntN(len(keep))])
	}
	r := rng.Float64() * sum
	for _, i := range keep {
		p := probs[i]
		if p <= 0 || math.IsNaN(p) {
			continue
		}
		r -= p
		if r < 0 {
			return types.Token(i)
		}
	}
	// rounding left r at or just above zero
	for j := len(keep) - 1; j >= 0; j-- {
		if p := probs[keep[j]]; p > 0 && !math.IsNaN(p) {
			return types.Token(keep[j])
		}
	}
	return types.Token(keep[len(keep)-1])
}
