// Package freqstore builds and serves the n-gram statistics of a corpus:
// next-token counts for orders 1 through 4, a windowed co-occurrence table,
// and the ranked gravity-center fragments used for seeding.
//
// A Store is immutable after construction and safe to share across
// goroutines. Absorbing new text produces a new Store via Extend.
package freqstore

import (
	"sort"

	"github.com/haricheung/haze/internal/lexis"
	"github.com/haricheung/haze/internal/types"
)

const (
	// MaxOrder is the highest n-gram order counted.
	MaxOrder = 4
	// CooccurWindow is the distance within which two tokens co-occur.
	CooccurWindow = 5
	// GravityKeep is the number of ranked gravity centers retained.
	GravityKeep = 100
)

// key is a context padded on the left with NoToken to a fixed width.
type key [MaxOrder - 1]types.Token

type pair struct{ a, b types.Token }

func makePair(a, b types.Token) pair {
	if a > b {
		a, b = b, a
	}
	return pair{a, b}
}

// Store is the frequency model over one corpus snapshot.
//
// Expectations:
//   - Counts never span a segment boundary
//   - Every stored count is positive
//   - Build over the same input always yields the same tables and centers
type Store struct {
	vocab    *lexis.Vocabulary
	segments [][]types.Token
	weights  []int

	next    [MaxOrder + 1]map[key]map[types.Token]int // indexed by order
	totals  [MaxOrder + 1]map[key]int
	unigram map[types.Token]int
	cooc    map[pair]int

	firstSeen map[key]int // order-3 context -> first corpus position
	centers   []types.GravityCenter
	tokens    int
}

// Build counts tokens as a single weighted segment. Ids outside the
// vocabulary act as segment breaks and are never counted.
func Build(vocab *lexis.Vocabulary, tokens []types.Token) *Store {
	return BuildSegments(vocab, splitSegments(tokens, vocab.Size()), nil)
}

// FromText tokenizes text, builds a vocabulary from it and counts it.
func FromText(text string) *Store {
	vocab := lexis.NewVocabulary()
	forms := lexis.Tokenize(text)
	toks := make([]types.Token, len(forms))
	for i, f := range forms {
		toks[i] = vocab.Add(f)
	}
	return Build(vocab, toks)
}

// BuildSegments counts each segment independently. weights[i] multiplies
// every count contributed by segments[i]; a nil or short weights slice
// defaults missing entries to 1.
func BuildSegments(vocab *lexis.Vocabulary, segments [][]types.Token, weights []int) *Store {
	s := &Store{
		vocab:     vocab,
		unigram:   make(map[types.Token]int),
		cooc:      make(map[pair]int),
		firstSeen: make(map[key]int),
	}
	for order := 1; order <= MaxOrder; order++ {
		s.next[order] = make(map[key]map[types.Token]int)
		s.totals[order] = make(map[key]int)
	}
	pos := 0
	for i, seg := range segments {
		w := 1
		if i < len(weights) && weights[i] > 0 {
			w = weights[i]
		}
		for _, part := range splitSegments(seg, vocab.Size()) {
			part = append([]types.Token(nil), part...)
			s.segments = append(s.segments, part)
			s.weights = append(s.weights, w)
			s.count(part, w, pos)
			pos += len(part)
		}
	}
	s.tokens = pos
	s.centers = s.rankCenters()
	return s
}

// Extend returns a new Store with tokens counted as an additional segment
// of the given weight. vocab must contain every form of the receiver's
// vocabulary under the same ids (a Clone with additions). The receiver is
// left unchanged.
func (s *Store) Extend(vocab *lexis.Vocabulary, tokens []types.Token, weight int) *Store {
	segs := make([][]types.Token, 0, len(s.segments)+1)
	segs = append(segs, s.segments...)
	segs = append(segs, tokens)
	ws := make([]int, 0, len(s.weights)+1)
	ws = append(ws, s.weights...)
	ws = append(ws, weight)
	return BuildSegments(vocab, segs, ws)
}

func (s *Store) count(seg []types.Token, w, pos int) {
	for i, tok := range seg {
		s.unigram[tok] += w
		for order := 1; order <= MaxOrder; order++ {
			if i < order-1 {
				break
			}
			k := makeKey(seg[i-order+1 : i])
			m := s.next[order][k]
			if m == nil {
				m = make(map[types.Token]int)
				s.next[order][k] = m
				if order == 3 {
					s.firstSeen[k] = pos + i - 2
				}
			}
			m[tok] += w
			s.totals[order][k] += w
		}
		for j := max(0, i-CooccurWindow); j < i; j++ {
			s.cooc[makePair(seg[j], tok)] += w
		}
	}
}

func makeKey(ctx []types.Token) key {
	var k key
	for i := range k {
		k[i] = types.NoToken
	}
	copy(k[len(k)-len(ctx):], ctx)
	return k
}

// lookup resolves the table key for order given the full history context.
func (s *Store) lookup(order int, context []types.Token) (key, bool) {
	if order < 1 || order > MaxOrder || len(context) < order-1 {
		return key{}, false
	}
	ctx := context[len(context)-(order-1):]
	for _, tok := range ctx {
		if !s.valid(tok) {
			return key{}, false
		}
	}
	return makeKey(ctx), true
}

func (s *Store) valid(tok types.Token) bool {
	return tok >= 0 && int(tok) < s.vocab.Size()
}

// ContextDistribution returns a copy of next-token counts for the last
// order-1 tokens of context.
//
// Expectations:
//   - Returns an empty, non-nil map for unseen contexts
//   - Returns an empty map when order is outside 1..MaxOrder
//   - Returns an empty map when context is shorter than order-1
//   - Order 1 ignores context and returns the unigram counts
func (s *Store) ContextDistribution(order int, context []types.Token) map[types.Token]int {
	out := make(map[types.Token]int)
	s.Visit(order, context, func(tok types.Token, n int) {
		out[tok] = n
	})
	return out
}

// Visit calls fn for every next-token count of the context without copying.
func (s *Store) Visit(order int, context []types.Token, fn func(tok types.Token, count int)) {
	k, ok := s.lookup(order, context)
	if !ok {
		return
	}
	for tok, n := range s.next[order][k] {
		fn(tok, n)
	}
}

// Total returns the sum of next-token counts for the context, 0 when unseen.
func (s *Store) Total(order int, context []types.Token) int {
	k, ok := s.lookup(order, context)
	if !ok {
		return 0
	}
	return s.totals[order][k]
}

// Cooccurrence returns how often a and b appeared within CooccurWindow of
// each other in the same segment. Symmetric.
func (s *Store) Cooccurrence(a, b types.Token) int {
	return s.cooc[makePair(a, b)]
}

// Count returns the corpus frequency of tok.
func (s *Store) Count(tok types.Token) int { return s.unigram[tok] }

// GravityCenters returns the ranked centers, best first. The slice is a copy.
func (s *Store) GravityCenters() []types.GravityCenter {
	out := make([]types.GravityCenter, len(s.centers))
	for i, c := range s.centers {
		c.Tokens = append([]types.Token(nil), c.Tokens...)
		c.Forms = append([]string(nil), c.Forms...)
		out[i] = c
	}
	return out
}

// Vocab returns the store's vocabulary. Callers must not mutate it.
func (s *Store) Vocab() *lexis.Vocabulary { return s.vocab }

// VocabSize returns the number of token ids.
func (s *Store) VocabSize() int { return s.vocab.Size() }

// TokenCount returns the number of tokens counted across all segments.
func (s *Store) TokenCount() int { return s.tokens }

// Segments returns copies of the counted segments and their weights.
func (s *Store) Segments() ([][]types.Token, []int) {
	segs := make([][]types.Token, len(s.segments))
	for i, seg := range s.segments {
		segs[i] = append([]types.Token(nil), seg...)
	}
	return segs, append([]int(nil), s.weights...)
}

// ── gravity centers ──────────────────────────────────────────────────────────

// rankCenters orders every 2-token context of the order-3 table by total
// count, breaking ties by first corpus occurrence. Each fragment is the
// context plus its most frequent continuation (lowest id on ties).
func (s *Store) rankCenters() []types.GravityCenter {
	type cand struct {
		k     key
		total int
		first int
	}
	cands := make([]cand, 0, len(s.totals[3]))
	for k, total := range s.totals[3] {
		cands = append(cands, cand{k: k, total: total, first: s.firstSeen[k]})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].total != cands[j].total {
			return cands[i].total > cands[j].total
		}
		return cands[i].first < cands[j].first
	})
	if len(cands) > GravityKeep {
		cands = cands[:GravityKeep]
	}
	out := make([]types.GravityCenter, len(cands))
	for i, c := range cands {
		ctx := c.k[len(c.k)-2:]
		toks := []types.Token{ctx[0], ctx[1], bestNext(s.next[3][c.k])}
		forms := make([]string, len(toks))
		for j, tok := range toks {
			forms[j] = s.vocab.Form(tok)
		}
		out[i] = types.GravityCenter{Tokens: toks, Forms: forms, Weight: c.total, Rank: i + 1}
	}
	return out
}

func bestNext(m map[types.Token]int) types.Token {
	best, bestN := types.NoToken, 0
	for tok, n := range m {
		if n > bestN || (n == bestN && tok < best) {
			best, bestN = tok, n
		}
	}
	return best
}

// splitSegments cuts tokens at ids outside [0, size) and drops empty parts.
func splitSegments(tokens []types.Token, size int) [][]types.Token {
	var out [][]types.Token
	start := 0
	for i := 0; i <= len(tokens); i++ {
		if i < len(tokens) && tokens[i] >= 0 && int(tokens[i]) < size {
			continue
		}
		if i > start {
			out = append(out, tokens[start:i])
		}
		start = i + 1
	}
	return out
}
