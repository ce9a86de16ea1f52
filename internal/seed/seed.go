// Package seed chooses the internal fragment that starts generation. Seeds
// come from the corpus gravity centers, never from the prompt: every
// candidate whose content words intersect the prompt's content words is
// discarded before any weighting takes place.
package seed

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/haricheung/haze/internal/fielderr"
	"github.com/haricheung/haze/internal/lexis"
	"github.com/haricheung/haze/internal/types"
)

const (
	// PoolSize is the number of top-ranked centers considered first.
	PoolSize = 50
	// WidenedSize is the rank limit of the widened search.
	WidenedSize = 100

	varietyTop  = 20
	weightedTop = 10
	rankDecay   = 0.75
)

// Request is the per-request input to Select.
type Request struct {
	RequestID string
	// Centers are the ranked gravity centers, best first.
	Centers []types.GravityCenter
	// PromptContent holds the prompt's words; stop words and punctuation are
	// dropped and the rest normalised by the selector's policy.
	PromptContent []string
	Pulse         types.Pulse
	Temperature   float64
	Vocab         *lexis.Vocabulary
	Rng           *rand.Rand
}

// Options configures a Selector.
type Options struct {
	Policy lexis.OverlapPolicy
	// Fallback replaces the built-in generic fragments when non-empty.
	Fallback []string
}

// Selector picks InternalSeeds. It holds no per-request state and is safe for
// concurrent use.
type Selector struct {
	policy   lexis.OverlapPolicy
	fallback [][]string
}

// New returns a Selector. Fallback fragments must each contain at least one
// word; fragments that overlap the common prompt vocabulary are rejected.
func New(opts Options) (*Selector, error) {
	src := opts.Fallback
	if len(src) == 0 {
		src = FallbackFragments
	}
	s := &Selector{policy: opts.Policy}
	for _, frag := range src {
		forms := lexis.Tokenize(frag)
		if len(forms) == 0 {
			return nil, fielderr.Configf(fielderr.CodeConfigFile, "empty fallback fragment")
		}
		if w := commonOverlap(opts.Policy, forms); w != "" {
			return nil, fielderr.Configf(fielderr.CodeConfigFile,
				"fallback fragment %q uses common prompt word %q", frag, w)
		}
		s.fallback = append(s.fallback, forms)
	}
	return s, nil
}

type candidate struct {
	tokens []types.Token
	forms  []string
	rank   int
}

// Select returns a seed whose content forms share nothing with the prompt.
//
// Expectations:
//   - Only ranks 1..50 are considered first, after the zero-overlap filter
//   - An arousal > 0.7 pulse restricts to intense fragments when any survive;
//     otherwise a novelty > 0.7 pulse restricts to grounding fragments
//   - temperature > 1.0 or arousal > 0.7 picks uniformly from the top 20
//   - temperature < 0.5 and entropy < 0.3 picks rank 1
//   - otherwise picks from the top 10 with weights 0.75^rank
//   - An empty filtered pool falls back to the generic fragments, then to ranks 51..100
//   - Returns ErrSeedExhaustion when every path collides with the prompt
func (s *Selector) Select(req Request) (types.InternalSeed, error) {
	if req.Rng == nil {
		return types.InternalSeed{}, fielderr.Configf(fielderr.CodeRng, "seed selection needs a random source")
	}
	prompt := s.policy.ContentSet(req.PromptContent)
	content := sortedKeys(prompt)

	top := req.Centers[:min(PoolSize, len(req.Centers))]
	if pool := s.filter(fromCenters(top), prompt); len(pool) > 0 {
		name, restricted := restrict(pool, req.Pulse)
		c := pick(restricted, req)
		return s.finish(req, c, types.SourceGravity, name, content, prompt)
	}

	slog.Warn("[SEED] every top center overlaps the prompt, using fallback fragments",
		"request_id", req.RequestID, "prompt_content", content)
	if pool := s.filter(s.fallbackCandidates(req.Vocab), prompt); len(pool) > 0 {
		c := pick(pool, req)
		return s.finish(req, c, types.SourceFallback, "fallback", content, prompt)
	}

	if len(req.Centers) > PoolSize {
		wide := req.Centers[PoolSize:min(WidenedSize, len(req.Centers))]
		if pool := s.filter(fromCenters(wide), prompt); len(pool) > 0 {
			slog.Warn("[SEED] fallback fragments collide, widened to ranks 51-100",
				"request_id", req.RequestID, "candidates", len(pool))
			name, restricted := restrict(pool, req.Pulse)
			c := pick(restricted, req)
			return s.finish(req, c, types.SourceWidened, name, content, prompt)
		}
	}

	return types.InternalSeed{}, fielderr.New(fielderr.CodeSeedExhausted, fielderr.KindSeedExhaustion,
		"no seed free of prompt content").
		WithContext("request_id", req.RequestID).
		WithContext("prompt_content", strings.Join(content, " "))
}

func (s *Selector) finish(req Request, c candidate, src types.SeedSource, pool string, content []string, prompt map[string]struct{}) (types.InternalSeed, error) {
	if s.policy.Overlaps(c.forms, prompt) {
		// unreachable while filter is applied to every pool
		return types.InternalSeed{}, fielderr.New(fielderr.CodeSeedExhausted, fielderr.KindSeedExhaustion,
			fmt.Sprintf("selected seed %q overlaps prompt", strings.Join(c.forms, " ")))
	}
	seed := types.InternalSeed{
		RequestID:     req.RequestID,
		Tokens:        c.tokens,
		Forms:         c.forms,
		Source:        src,
		Rank:          c.rank,
		Pool:          pool,
		PromptContent: content,
	}
	slog.Debug("[SEED] selected", "request_id", req.RequestID, "forms", c.forms,
		"source", src, "pool", pool, "rank", c.rank)
	return seed, nil
}

func (s *Selector) filter(cands []candidate, prompt map[string]struct{}) []candidate {
	var out []candidate
	for _, c := range cands {
		if !s.policy.Overlaps(c.forms, prompt) {
			out = append(out, c)
		}
	}
	return out
}

func fromCenters(centers []types.GravityCenter) []candidate {
	out := make([]candidate, 0, len(centers))
	for _, gc := range centers {
		out = append(out, candidate{
			tokens: append([]types.Token(nil), gc.Tokens...),
			forms:  append([]string(nil), gc.Forms...),
			rank:   gc.Rank,
		})
	}
	return out
}

// fallbackCandidates maps the fallback fragments onto vocab. Forms without an
// id stay in forms but are left out of tokens.
func (s *Selector) fallbackCandidates(vocab *lexis.Vocabulary) []candidate {
	out := make([]candidate, 0, len(s.fallback))
	for _, forms := range s.fallback {
		c := candidate{forms: append([]string(nil), forms...)}
		for _, f := range forms {
			if vocab == nil {
				break
			}
			if id, ok := vocab.ID(f); ok {
				c.tokens = append(c.tokens, id)
			}
		}
		out = append(out, c)
	}
	return out
}

// ── pool restriction ─────────────────────────────────────────────────────────

// poolRule restricts the filtered pool for a pulse. Rules are evaluated in
// order; the first whose predicate holds decides, and an empty restricted pool
// falls back to the full filtered pool.
type poolRule struct {
	name    string
	applies func(types.Pulse) bool
	words   map[string]bool
}

var poolRules = []poolRule{
	{
		name:    "intense",
		applies: func(p types.Pulse) bool { return p.Arousal > 0.7 },
		words: wordSet(`fire burn burning scream storm blood rage wild break broken
			shatter heart thunder fever ache cry fall falling crash roar sharp bright`),
	},
	{
		name:    "grounding",
		applies: func(p types.Pulse) bool { return p.Novelty > 0.7 },
		words: wordSet(`ground earth stone home still quiet slow breath water rest
			calm soft floor root roots table bread door window room sleep`),
	},
}

func restrict(pool []candidate, p types.Pulse) (string, []candidate) {
	for _, r := range poolRules {
		if !r.applies(p) {
			continue
		}
		var sub []candidate
		for _, c := range pool {
			if containsAny(c.forms, r.words) {
				sub = append(sub, c)
			}
		}
		if len(sub) > 0 {
			return r.name, sub
		}
		break
	}
	return "full", pool
}

func containsAny(forms []string, words map[string]bool) bool {
	for _, f := range forms {
		if words[strings.ToLower(f)] {
			return true
		}
	}
	return false
}

// ── pick ─────────────────────────────────────────────────────────────────────

// pick applies the pulse/temperature weighting to a non-empty ranked pool.
func pick(pool []candidate, req Request) candidate {
	switch {
	case req.Temperature > 1.0 || req.Pulse.Arousal > 0.7:
		return pool[req.Rng.IntN(min(varietyTop, len(pool)))]
	case req.Temperature < 0.5 && req.Pulse.Entropy < 0.3:
		return pool[0]
	}
	n := min(weightedTop, len(pool))
	weights := make([]float64, n)
	var sum float64
	for i := range weights {
		weights[i] = math.Pow(rankDecay, float64(i))
		sum += weights[i]
	}
	r := req.Rng.Float64() * sum
	for i, w := range weights {
		r -= w
		if r < 0 {
			return pool[i]
		}
	}
	return pool[n-1]
}

func wordSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(s) {
		out[w] = true
	}
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
