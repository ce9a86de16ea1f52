package engine

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/haricheung/haze/internal/fielderr"
	"github.com/haricheung/haze/internal/freqstore"
	"github.com/haricheung/haze/internal/lexis"
	"github.com/haricheung/haze/internal/types"
)

const corpus = "haze resonates in the field . haze resonates in the field ."

func newRng(seed uint64) *rand.Rand { return rand.New(rand.NewPCG(seed, seed^0x9e3779b9)) }

func greedy(length int) Options {
	o := DefaultOptions(length, nil)
	o.Temperature = 0
	return o
}

func TestGenerate_GreedyFollowsCorpus(t *testing.T) {
	// Temperature 0 replays the most frequent continuation; the seed is not echoed
	s := freqstore.FromText(corpus)
	seed := s.Vocab().EncodeKnown("haze resonates")
	got, err := New(s).Generate(context.Background(), seed, greedy(10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "in the field. haze resonates in the field."
	if diff := cmp.Diff(want, s.Vocab().Decode(got)); diff != "" {
		t.Errorf("greedy output mismatch (-want +got):\n%s", diff)
	}
	if len(got) != 10 {
		t.Errorf("expected 10 tokens, got %d", len(got))
	}
}

func TestGenerate_GreedyDeterministic(t *testing.T) {
	// Two greedy runs over the same store and seed are identical
	s := freqstore.FromText("the haze resonates and the field listens while the haze resonates again")
	seed := s.Vocab().EncodeKnown("haze resonates")
	e := New(s)
	a, err := e.Generate(context.Background(), seed, greedy(10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, _ := e.Generate(context.Background(), seed, greedy(10))
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("greedy runs differ (-a +b):\n%s", diff)
	}
}

func TestGenerate_ReproducibleWithSameRng(t *testing.T) {
	// Identically seeded random sources reproduce the same sampled sequence
	s := freqstore.FromText(corpus + " the haze drifts over the water and the field sleeps .")
	seed := s.Vocab().EncodeKnown("the haze")
	e := New(s)
	a, _ := e.Generate(context.Background(), seed, DefaultOptions(20, newRng(42)))
	b, _ := e.Generate(context.Background(), seed, DefaultOptions(20, newRng(42)))
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("sampled runs differ (-a +b):\n%s", diff)
	}
}

func TestGenerate_TokensInRangeAndExactLength(t *testing.T) {
	// Sampled output has the requested length and only valid ids
	s := freqstore.FromText(corpus)
	out, err := New(s).Generate(context.Background(), nil, DefaultOptions(25, newRng(3)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 25 {
		t.Errorf("expected 25 tokens, got %d", len(out))
	}
	for _, tok := range out {
		if tok < 0 || int(tok) >= s.VocabSize() {
			t.Fatalf("token %d out of range", tok)
		}
	}
}

func TestGenerate_EndTokenStopsEarly(t *testing.T) {
	// Drawing the end marker stops generation and the marker is not emitted
	s := freqstore.FromText(corpus)
	dot, _ := s.Vocab().ID(".")
	o := greedy(10)
	o.StopOnEnd = true
	o.EndToken = dot
	got, err := New(s).Generate(context.Background(), s.Vocab().EncodeKnown("haze resonates"), o)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff("in the field", s.Vocab().Decode(got)); diff != "" {
		t.Errorf("early-stop output mismatch (-want +got):\n%s", diff)
	}
}

func TestGenerate_InvalidOptions(t *testing.T) {
	// Out-of-range parameters are configuration errors with no output
	s := freqstore.FromText(corpus)
	cases := []struct {
		name string
		mod  func(*Options)
	}{
		{"min_p above 1", func(o *Options) { o.MinP = 1.5 }},
		{"min_p negative", func(o *Options) { o.MinP = -0.1 }},
		{"negative temperature", func(o *Options) { o.Temperature = -1 }},
		{"zero length", func(o *Options) { o.Length = 0 }},
		{"negative lookback", func(o *Options) { o.Lookback = -2 }},
		{"unknown mode", func(o *Options) { o.Mode = types.Mode(9) }},
		{"missing rng", func(o *Options) { o.Rng = nil }},
	}
	for _, tc := range cases {
		o := DefaultOptions(5, newRng(1))
		tc.mod(&o)
		out, err := New(s).Generate(context.Background(), nil, o)
		if !errors.Is(err, fielderr.ErrConfiguration) {
			t.Errorf("%s: expected configuration error, got %v", tc.name, err)
		}
		if out != nil {
			t.Errorf("%s: expected no output, got %v", tc.name, out)
		}
	}
}

func TestGenerate_CancelledContext(t *testing.T) {
	// A cancelled context returns ctx.Err() and no tokens
	s := freqstore.FromText(corpus)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := New(s).Generate(ctx, nil, DefaultOptions(5, newRng(1)))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if out != nil {
		t.Errorf("expected no output, got %v", out)
	}
}

func TestGenerate_EmptyStore(t *testing.T) {
	// A store without vocabulary cannot generate
	s := freqstore.Build(lexis.NewVocabulary(), nil)
	_, err := New(s).Generate(context.Background(), nil, greedy(3))
	if !errors.Is(err, fielderr.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestGenerate_IgnoresOutOfVocabularySeed(t *testing.T) {
	// Seed ids outside the vocabulary do not break generation
	s := freqstore.FromText(corpus)
	out, err := New(s).Generate(context.Background(), []types.Token{types.NoToken, 999}, greedy(4))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 4 {
		t.Errorf("expected 4 tokens, got %d", len(out))
	}
}

func TestState_PushTrimsToLimit(t *testing.T) {
	// The rolling history keeps only the last limit tokens
	st := &state{limit: 3}
	for i := 0; i < 6; i++ {
		st.push(types.Token(i))
	}
	if diff := cmp.Diff([]types.Token{3, 4, 5}, st.history); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
}
