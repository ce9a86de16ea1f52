package seed

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/haricheung/haze/internal/fielderr"
	"github.com/haricheung/haze/internal/lexis"
	"github.com/haricheung/haze/internal/types"
)

func newRng() *rand.Rand { return rand.New(rand.NewPCG(1, 2)) }

// makeCenters builds n centers with forms "wI the vI".
func makeCenters(n int) []types.GravityCenter {
	out := make([]types.GravityCenter, n)
	for i := range out {
		out[i] = types.GravityCenter{
			Tokens: []types.Token{types.Token(3 * i), types.Token(3*i + 1), types.Token(3*i + 2)},
			Forms:  []string{fmt.Sprintf("w%d", i), "the", fmt.Sprintf("v%d", i)},
			Weight: 1000 - i,
			Rank:   i + 1,
		}
	}
	return out
}

// allWords returns the content words of the first n centers.
func allWords(centers []types.GravityCenter, n int) []string {
	var out []string
	for _, c := range centers[:n] {
		out = append(out, c.Forms[0])
	}
	return out
}

func mustSelector(t *testing.T) *Selector {
	t.Helper()
	s, err := New(Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestNew_DefaultFallbackValid(t *testing.T) {
	// The built-in fallback set has at least five fragments and passes validation
	if len(FallbackFragments) < 5 {
		t.Errorf("expected at least 5 fallback fragments, got %d", len(FallbackFragments))
	}
	s := mustSelector(t)
	if len(s.fallback) != len(FallbackFragments) {
		t.Errorf("expected %d fallback fragments, got %d", len(FallbackFragments), len(s.fallback))
	}
}

func TestNew_RejectsCommonPromptVocabulary(t *testing.T) {
	// A fallback fragment using common prompt words is a configuration error
	_, err := New(Options{Fallback: []string{"hello there friend"}})
	if !errors.Is(err, fielderr.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestSelect_NeverUsesPromptWords(t *testing.T) {
	// Across many draws the chosen seed never shares a content word with the prompt
	s := mustSelector(t)
	centers := []types.GravityCenter{
		{Tokens: []types.Token{0, 1, 2}, Forms: []string{"i", "love", "you"}, Weight: 9, Rank: 1},
		{Tokens: []types.Token{3, 4, 5}, Forms: []string{"the", "haze", "resonates"}, Weight: 8, Rank: 2},
		{Tokens: []types.Token{6, 7, 8}, Forms: []string{"love", "is", "here"}, Weight: 7, Rank: 3},
		{Tokens: []types.Token{9, 10, 11}, Forms: []string{"field", "of", "light"}, Weight: 6, Rank: 4},
	}
	rng := newRng()
	for i := 0; i < 200; i++ {
		seed, err := s.Select(Request{
			Centers:       centers,
			PromptContent: lexis.Split("I love you"),
			Pulse:         types.Pulse{Arousal: 0.3, Novelty: 0.5, Entropy: 0.5, Composite: 0.4},
			Temperature:   0.8,
			Rng:           rng,
		})
		if err != nil {
			t.Fatalf("draw %d: unexpected error: %v", i, err)
		}
		for _, f := range seed.Forms {
			if f == "love" {
				t.Fatalf("draw %d: seed %v contains prompt word", i, seed.Forms)
			}
		}
		if seed.Source != types.SourceGravity {
			t.Errorf("expected gravity source, got %s", seed.Source)
		}
	}
}

func TestSelect_StablePicksTopFiltered(t *testing.T) {
	// Low temperature and low entropy pick the best remaining rank
	s := mustSelector(t)
	centers := makeCenters(10)
	seed, err := s.Select(Request{
		Centers:       centers,
		PromptContent: []string{"w0"},
		Pulse:         types.Pulse{Entropy: 0.1},
		Temperature:   0.4,
		Rng:           newRng(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seed.Rank != 2 {
		t.Errorf("expected rank 2, got %d (%v)", seed.Rank, seed.Forms)
	}
}

func TestSelect_HighVarietyStaysInTopTwenty(t *testing.T) {
	// High temperature draws only from the top 20 of the filtered pool
	s := mustSelector(t)
	centers := makeCenters(50)
	rng := newRng()
	for i := 0; i < 300; i++ {
		seed, err := s.Select(Request{Centers: centers, Pulse: types.Pulse{}, Temperature: 1.1, Rng: rng})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if seed.Rank > 20 {
			t.Fatalf("draw %d picked rank %d", i, seed.Rank)
		}
	}
}

func TestSelect_DefaultStaysInTopTen(t *testing.T) {
	// Mid temperature draws from the top 10 with decaying weights
	s := mustSelector(t)
	centers := makeCenters(50)
	rng := newRng()
	counts := make(map[int]int)
	for i := 0; i < 2000; i++ {
		seed, _ := s.Select(Request{Centers: centers, Pulse: types.Pulse{Entropy: 0.5}, Temperature: 0.8, Rng: rng})
		if seed.Rank > 10 {
			t.Fatalf("draw %d picked rank %d", i, seed.Rank)
		}
		counts[seed.Rank]++
	}
	if counts[1] <= counts[10] {
		t.Errorf("expected rank 1 (%d) drawn more than rank 10 (%d)", counts[1], counts[10])
	}
}

func TestSelect_IntensePoolOnHighArousal(t *testing.T) {
	// Arousal > 0.7 restricts to fragments containing intensity words
	s := mustSelector(t)
	centers := makeCenters(10)
	centers[6].Forms = []string{"storm", "the", "v6"}
	rng := newRng()
	for i := 0; i < 50; i++ {
		seed, err := s.Select(Request{Centers: centers, Pulse: types.Pulse{Arousal: 0.9}, Temperature: 0.8, Rng: rng})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if seed.Rank != 7 || seed.Pool != "intense" {
			t.Fatalf("expected intense rank 7, got rank %d pool %s", seed.Rank, seed.Pool)
		}
	}
}

func TestSelect_GroundingPoolOnHighNovelty(t *testing.T) {
	// Novelty > 0.7 with calm arousal restricts to grounding fragments
	s := mustSelector(t)
	centers := makeCenters(10)
	centers[4].Forms = []string{"stone", "the", "v4"}
	seed, err := s.Select(Request{Centers: centers, Pulse: types.Pulse{Novelty: 0.9, Entropy: 0.5}, Temperature: 0.8, Rng: newRng()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seed.Rank != 5 || seed.Pool != "grounding" {
		t.Errorf("expected grounding rank 5, got rank %d pool %s", seed.Rank, seed.Pool)
	}
}

func TestSelect_HighArousalWithoutIntenseUsesFullPool(t *testing.T) {
	// The arousal rule decides even when its pool is empty; grounding is not consulted
	s := mustSelector(t)
	centers := makeCenters(10)
	centers[4].Forms = []string{"stone", "the", "v4"}
	seed, err := s.Select(Request{Centers: centers, Pulse: types.Pulse{Arousal: 0.9, Novelty: 0.9}, Temperature: 0.8, Rng: newRng()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seed.Pool != "full" {
		t.Errorf("expected full pool, got %s", seed.Pool)
	}
}

func TestSelect_FallbackWhenTopFiftyOverlap(t *testing.T) {
	// A prompt covering every top-50 center falls back to the generic fragments
	s := mustSelector(t)
	centers := makeCenters(50)
	vocab := lexis.NewVocabulary("the", "haze", "settles", "wind")
	prompt := allWords(centers, 50)
	seed, err := s.Select(Request{Centers: centers, PromptContent: prompt, Pulse: types.Pulse{Entropy: 0.5}, Temperature: 0.8, Vocab: vocab, Rng: newRng()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seed.Source != types.SourceFallback {
		t.Fatalf("expected fallback source, got %s", seed.Source)
	}
	var p lexis.OverlapPolicy
	if p.Overlaps(seed.Forms, p.ContentSet(prompt)) {
		t.Errorf("fallback seed %v overlaps prompt", seed.Forms)
	}
	for _, tok := range seed.Tokens {
		if vocab.Form(tok) == "" {
			t.Errorf("fallback token %d not in vocabulary", tok)
		}
	}
}

func TestSelect_WidensWhenFallbackCollides(t *testing.T) {
	// When the prompt also covers every fallback fragment, ranks 51..100 are searched
	s := mustSelector(t)
	centers := makeCenters(60)
	prompt := append(allWords(centers, 50), "haze", "echoes", "stirs", "drifts", "silence", "pattern", "stone")
	seed, err := s.Select(Request{Centers: centers, PromptContent: prompt, Pulse: types.Pulse{Entropy: 0.5}, Temperature: 0.8, Rng: newRng()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seed.Source != types.SourceWidened {
		t.Fatalf("expected widened source, got %s", seed.Source)
	}
	if seed.Rank <= 50 {
		t.Errorf("expected rank above 50, got %d", seed.Rank)
	}
}

func TestSelect_ExhaustionIsHardError(t *testing.T) {
	// Overlap with every center and every fallback fragment returns ErrSeedExhaustion
	s := mustSelector(t)
	centers := makeCenters(50)
	prompt := append(allWords(centers, 50), "haze", "echoes", "stirs", "drifts", "silence", "pattern", "stone")
	_, err := s.Select(Request{Centers: centers, PromptContent: prompt, Temperature: 0.8, Rng: newRng()})
	if !errors.Is(err, fielderr.ErrSeedExhaustion) {
		t.Errorf("expected seed exhaustion, got %v", err)
	}
}

func TestSelect_NilRngIsConfigurationError(t *testing.T) {
	// A missing random source is rejected
	s := mustSelector(t)
	_, err := s.Select(Request{Centers: makeCenters(3)})
	if !errors.Is(err, fielderr.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestSelect_StopWordsIgnoredInOverlap(t *testing.T) {
	// Shared stop words ("the") do not count as overlap
	s := mustSelector(t)
	centers := makeCenters(3)
	seed, err := s.Select(Request{Centers: centers, PromptContent: []string{"the", "THE"}, Pulse: types.Pulse{Entropy: 0.1}, Temperature: 0.4, Rng: newRng()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seed.Rank != 1 {
		t.Errorf("expected rank 1, got %d", seed.Rank)
	}
}
