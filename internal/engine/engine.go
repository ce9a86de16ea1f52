// Package engine runs the generation loop: blend the next-token candidates
// from the rolling history, sample one, append it, repeat.
package engine

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"

	"github.com/haricheung/haze/internal/blend"
	"github.com/haricheung/haze/internal/fielderr"
	"github.com/haricheung/haze/internal/freqstore"
	"github.com/haricheung/haze/internal/sampler"
	"github.com/haricheung/haze/internal/types"
)

// DefaultLookback is the number of recent tokens consulted by the coherence boost.
const DefaultLookback = 8

// Options are the per-call generation parameters.
type Options struct {
	Length            int
	Temperature       float64
	MinP              float64
	UseCoherenceBoost bool
	Lookback          int
	Mode              types.Mode
	// With StopOnEnd, drawing EndToken ends generation early; the marker is
	// not emitted.
	StopOnEnd bool
	EndToken  types.Token
	Rng       *rand.Rand
}

// DefaultOptions returns options with the documented defaults and no early stop.
func DefaultOptions(length int, rng *rand.Rand) Options {
	return Options{
		Length:            length,
		Temperature:       0.75,
		MinP:              0.05,
		UseCoherenceBoost: true,
		Lookback:          DefaultLookback,
		Mode:              types.ModeAdaptive,
		Rng:               rng,
	}
}

// Validate checks o and returns a configuration error for the first bad field.
func (o Options) Validate() error {
	switch {
	case o.Length <= 0:
		return fielderr.Configf(fielderr.CodeLength, "length must be positive, got %d", o.Length)
	case math.IsNaN(o.MinP) || o.MinP < 0 || o.MinP > 1:
		return fielderr.Configf(fielderr.CodeMinPRange, "min_p must lie in [0,1], got %v", o.MinP)
	case math.IsNaN(o.Temperature) || o.Temperature < 0:
		return fielderr.Configf(fielderr.CodeTemperature, "temperature must be non-negative, got %v", o.Temperature)
	case o.Lookback < 0:
		return fielderr.Configf(fielderr.CodeLookback, "lookback must be non-negative, got %d", o.Lookback)
	case !o.Mode.Valid():
		return fielderr.Configf(fielderr.CodeMode, "unknown mode %d", int(o.Mode))
	case o.Temperature > 0 && o.Rng == nil:
		return fielderr.Configf(fielderr.CodeRng, "sampling above temperature 0 needs a random source")
	}
	return nil
}

// Engine generates token sequences from one store snapshot. It holds no
// mutable state and may serve concurrent Generate calls.
type Engine struct {
	store   *freqstore.Store
	blender *blend.Blender
}

// New returns an Engine over store.
func New(store *freqstore.Store) *Engine {
	return &Engine{store: store, blender: blend.New(store)}
}

// state is the rolling window owned by one Generate call.
type state struct {
	history []types.Token
	limit   int
}

func (s *state) push(tok types.Token) {
	s.history = append(s.history, tok)
	if over := len(s.history) - s.limit; over > 0 {
		s.history = append(s.history[:0], s.history[over:]...)
	}
}

// Generate produces up to opts.Length tokens continuing seed.
//
// Expectations:
//   - Returns a configuration error and no tokens for invalid opts or an empty store
//   - The output never includes the seed tokens themselves
//   - Output has exactly Length tokens unless StopOnEnd is set and EndToken is drawn, in which case
//     generation stops and the marker is not emitted
//   - Seed ids outside the vocabulary are ignored
//   - ctx is checked only between steps; a cancelled call returns ctx.Err() and no tokens
//   - Temperature 0 is fully deterministic for a given store and seed
func (e *Engine) Generate(ctx context.Context, seed []types.Token, opts Options) ([]types.Token, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if e.store.VocabSize() == 0 {
		return nil, fielderr.Configf(fielderr.CodeEmptyCorpus, "store has an empty vocabulary")
	}
	st := &state{limit: max(opts.Lookback, freqstore.MaxOrder-1)}
	for _, tok := range seed {
		if tok >= 0 && int(tok) < e.store.VocabSize() {
			st.push(tok)
		}
	}
	orders := opts.Mode.Orders()

	out := make([]types.Token, 0, opts.Length)
	for step := 0; step < opts.Length; step++ {
		if err := ctx.Err(); err != nil {
			slog.Debug("[ENGINE] cancelled", "step", step, "error", err)
			return nil, err
		}
		weights := e.blender.Blend(st.history, orders, opts.UseCoherenceBoost, opts.Lookback)
		tok := sampler.Sample(weights, opts.Temperature, opts.MinP, opts.Rng)
		if opts.StopOnEnd && tok == opts.EndToken {
			slog.Debug("[ENGINE] end token drawn", "step", step)
			break
		}
		out = append(out, tok)
		st.push(tok)
	}
	return out, nil
}
