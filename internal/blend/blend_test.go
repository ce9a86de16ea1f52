package blend

import (
	"math"
	"testing"

	"github.com/haricheung/haze/internal/freqstore"
	"github.com/haricheung/haze/internal/types"
)

// fakeStore serves one fixed distribution per order regardless of context.
type fakeStore struct {
	size  int
	dists map[int]map[types.Token]int
	cooc  map[[2]types.Token]int
}

func (f *fakeStore) VocabSize() int { return f.size }

func (f *fakeStore) Visit(order int, _ []types.Token, fn func(types.Token, int)) {
	for tok, n := range f.dists[order] {
		fn(tok, n)
	}
}

func (f *fakeStore) Total(order int, _ []types.Token) int {
	total := 0
	for _, n := range f.dists[order] {
		total += n
	}
	return total
}

func (f *fakeStore) Cooccurrence(a, b types.Token) int {
	if a > b {
		a, b = b, a
	}
	return f.cooc[[2]types.Token{a, b}]
}

func TestBlend_RelativeFrequencyTimesGain(t *testing.T) {
	// Order 3 contributes gain 4 × count/total to each candidate
	s := freqstore.FromText("a b c a b d")
	a, _ := s.Vocab().ID("a")
	b, _ := s.Vocab().ID("b")
	c, _ := s.Vocab().ID("c")
	d, _ := s.Vocab().ID("d")

	w := New(s).Blend([]types.Token{a, b}, []int{3}, false, 8)
	if w[c] != 2 || w[d] != 2 {
		t.Errorf("expected c=2 d=2, got c=%v d=%v", w[c], w[d])
	}
	if w[a] != 0 || w[b] != 0 {
		t.Errorf("expected zero weight for unseen continuations, got a=%v b=%v", w[a], w[b])
	}
}

func TestBlend_AccumulatesAllOrders(t *testing.T) {
	// Adaptive blending sums every order with a non-empty context
	f := &fakeStore{size: 3, dists: map[int]map[types.Token]int{
		4: {0: 1},
		3: {0: 1, 1: 1},
		2: {2: 1},
		1: {0: 1, 1: 1, 2: 2},
	}}
	w := New(f).Blend([]types.Token{0, 1, 2}, []int{4, 3, 2, 1}, false, 8)
	want := []float64{8 + 2 + 0.25, 2 + 0.25, 2 + 0.5}
	for i := range want {
		if math.Abs(w[i]-want[i]) > 1e-12 {
			t.Errorf("token %d: expected %v, got %v", i, want[i], w[i])
		}
	}
}

func TestBlend_EmptyAccumulatorIsUniform(t *testing.T) {
	// No contributing order yields weight 1.0 for every id
	s := freqstore.FromText("a b c")
	w := New(s).Blend([]types.Token{0}, []int{4}, true, 8)
	if len(w) != s.VocabSize() {
		t.Fatalf("expected length %d, got %d", s.VocabSize(), len(w))
	}
	for i, v := range w {
		if v != 1.0 {
			t.Errorf("token %d: expected 1.0, got %v", i, v)
		}
	}
}

func TestBlend_SingleOrderDiffersFromAdaptive(t *testing.T) {
	// Restricting to order 1 changes the vector when higher orders exist
	s := freqstore.FromText("the haze resonates and the haze drifts and the field resonates")
	hist := s.Vocab().EncodeKnown("the haze")
	uni := New(s).Blend(hist, types.ModeFixed1.Orders(), false, 8)
	all := New(s).Blend(hist, types.ModeAdaptive.Orders(), false, 8)
	same := true
	for i := range uni {
		if uni[i] != all[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("expected order [1] and [4,3,2,1] blends to differ")
	}
}

func TestBlend_BoostFactorWithinBounds(t *testing.T) {
	// Supported candidates are scaled into [1.10, 1.30]; the best-supported gets 1.30
	f := &fakeStore{
		size:  4,
		dists: map[int]map[types.Token]int{1: {0: 1, 1: 1, 2: 1}},
		cooc: map[[2]types.Token]int{
			{0, 3}: 4, // token 0 strongly supported by history token 3
			{1, 3}: 1,
		},
	}
	plain := New(f).Blend([]types.Token{3}, []int{1}, false, 8)
	boosted := New(f).Blend([]types.Token{3}, []int{1}, true, 8)

	if r := boosted[0] / plain[0]; math.Abs(r-BoostMax) > 1e-12 {
		t.Errorf("expected factor %v for best-supported token, got %v", BoostMax, r)
	}
	if r := boosted[1] / plain[1]; r < BoostMin || r > BoostMax {
		t.Errorf("expected factor in [%v,%v], got %v", BoostMin, BoostMax, r)
	}
	if boosted[2] != plain[2] {
		t.Errorf("expected unsupported token unchanged, got %v vs %v", boosted[2], plain[2])
	}
	if boosted[3] != 0 {
		t.Errorf("expected zero-weight token to stay zero, got %v", boosted[3])
	}
}

func TestBlend_BoostRespectsLookback(t *testing.T) {
	// Only the last lookback history tokens contribute support
	f := &fakeStore{
		size:  4,
		dists: map[int]map[types.Token]int{1: {0: 1}},
		cooc:  map[[2]types.Token]int{{0, 3}: 5},
	}
	w := New(f).Blend([]types.Token{3, 2, 1}, []int{1}, true, 2)
	if w[0] != 1 {
		t.Errorf("expected no boost when supporting token is outside lookback, got %v", w[0])
	}
}
