// Package field is the request surface: prompt in, internally seeded text out.
//
// A Field owns the current frequency store, the pulse analyzer and the seed
// selector. Respond runs one request end to end:
//
//	prompt → pulse → temperature ┐
//	        └→ content words → seed ┴→ engine → text
//
// The prompt influences generation only through the pulse and the set of
// words the seed must avoid; prompt tokens never enter the engine's history.
//
// The store is replaced wholesale on absorption (copy, extend, atomic swap).
// A request keeps the snapshot it started with.
package field

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/haricheung/haze/internal/bus"
	"github.com/haricheung/haze/internal/coherence"
	"github.com/haricheung/haze/internal/config"
	"github.com/haricheung/haze/internal/engine"
	"github.com/haricheung/haze/internal/fielderr"
	"github.com/haricheung/haze/internal/freqstore"
	"github.com/haricheung/haze/internal/kernel"
	"github.com/haricheung/haze/internal/lexicon"
	"github.com/haricheung/haze/internal/lexis"
	"github.com/haricheung/haze/internal/pulse"
	"github.com/haricheung/haze/internal/reqlog"
	"github.com/haricheung/haze/internal/seed"
	"github.com/haricheung/haze/internal/types"
)

// Cleaner post-processes decoded text. The identity cleaner is the default.
type Cleaner func(string) string

// Options wires the optional collaborators. Nil fields take defaults.
type Options struct {
	// Analyzer derives the pulse. Default: pulse.NewLocal over this field.
	Analyzer pulse.Analyzer
	// Selector picks seeds. Default: seed.New with the config's overlap policy.
	Selector *seed.Selector
	// Lexicon records absorbed text. Default: an in-memory lexicon.
	Lexicon *lexicon.Lexicon
	// Kernel modulates the pulse-derived temperature. Nil leaves it as is.
	Kernel  *kernel.Kernel
	Bus     *bus.Bus
	Logs    *reqlog.Registry
	Cleaner Cleaner
}

// RequestOptions are per-call overrides.
type RequestOptions struct {
	// Temperature replaces both the config override and the pulse-derived value.
	Temperature *float64
	// Length replaces the configured length when positive.
	Length int
	// Rng is the request's random source. Nil draws the next stream from the
	// field's seed.
	Rng *rand.Rand
}

// Response is one generated reply.
type Response struct {
	RequestID   string             `json:"request_id"`
	Prompt      string             `json:"prompt"`
	Pulse       types.Pulse        `json:"pulse"`
	Temperature float64            `json:"temperature"`
	Overridden  bool               `json:"overridden,omitempty"`
	Seed        types.InternalSeed `json:"seed"`
	// Tokens is the continuation only; Text decodes seed plus continuation.
	Tokens    []types.Token `json:"tokens"`
	Text      string        `json:"text"`
	Coherence float64       `json:"coherence"`
	Diversity float64       `json:"diversity"`
	ElapsedMs int64         `json:"elapsed_ms"`
}

// Field serves requests against one evolving corpus.
type Field struct {
	cfg      config.Config
	store    atomic.Pointer[freqstore.Store]
	analyzer pulse.Analyzer
	selector *seed.Selector
	lex      *lexicon.Lexicon
	kernel   *kernel.Kernel
	bus      *bus.Bus
	logs     *reqlog.Registry
	clean    Cleaner

	streams  atomic.Uint64 // next rng stream for requests without an Rng
	absorbMu sync.Mutex    // serialises store writers; readers never lock
}

// New creates a Field over store. Trigrams the lexicon absorbed in earlier
// sessions are replayed into the store.
//
// Expectations:
//   - Returns CORPUS_EMPTY when store has no vocabulary
//   - Returns the configuration error of an invalid cfg
//   - Defaults every nil collaborator in Options
func New(store *freqstore.Store, cfg *config.Config, opts Options) (*Field, error) {
	if store == nil || store.VocabSize() == 0 {
		return nil, fielderr.Configf(fielderr.CodeEmptyCorpus, "field needs a non-empty corpus")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	f := &Field{
		cfg:      *cfg,
		analyzer: opts.Analyzer,
		selector: opts.Selector,
		lex:      opts.Lexicon,
		kernel:   opts.Kernel,
		bus:      opts.Bus,
		logs:     opts.Logs,
		clean:    opts.Cleaner,
	}
	if f.analyzer == nil {
		f.analyzer = pulse.NewLocal(f)
	}
	if f.selector == nil {
		sel, err := seed.New(seed.Options{Policy: cfg.Overlap})
		if err != nil {
			return nil, err
		}
		f.selector = sel
	}
	if f.lex == nil {
		lex, err := lexicon.New(context.Background(), lexicon.Options{})
		if err != nil {
			return nil, err
		}
		f.lex = lex
	}
	if f.clean == nil {
		f.clean = func(s string) string { return s }
	}

	if tris := f.lex.Trigrams(); len(tris) > 0 {
		store = inject(store, tris, 1)
		slog.Info("[FIELD] replayed absorbed trigrams", "count", len(tris))
	}
	f.store.Store(store)
	return f, nil
}

// Store returns the current store snapshot.
func (f *Field) Store() *freqstore.Store { return f.store.Load() }

// Kernel returns the field's kernel, nil when none was configured.
func (f *Field) Kernel() *kernel.Kernel { return f.kernel }

// Vocab implements pulse.Known over the current snapshot.
func (f *Field) Vocab() *lexis.Vocabulary { return f.store.Load().Vocab() }

// Count implements pulse.Known over the current snapshot.
func (f *Field) Count(tok types.Token) int { return f.store.Load().Count(tok) }

// Lexicon returns the field's lexicon.
func (f *Field) Lexicon() *lexicon.Lexicon { return f.lex }

// Respond generates a reply to prompt.
//
// Expectations:
//   - The seed never shares a content word with the prompt
//   - A temperature override (request first, then config) replaces the pulse-derived value
//   - The same prompt, store and Rng state give the same Response apart from RequestID and ElapsedMs
//   - On error no Response is returned, RequestFailed is published and the request log is closed as failed
//   - Seed exhaustion returns an error matching fielderr.ErrSeedExhaustion
//   - Invalid generation options fail before a seed is drawn
//   - The pulse, seed and engine all read the snapshot taken at the start
func (f *Field) Respond(ctx context.Context, prompt string, ro RequestOptions) (*Response, error) {
	start := time.Now()
	requestID := uuid.New().String()
	rl := f.logs.Open(requestID, prompt)
	store := f.store.Load()

	resp, err := f.respond(ctx, store, requestID, prompt, ro, rl)
	if err != nil {
		f.fail(requestID, err)
		return nil, err
	}
	resp.ElapsedMs = time.Since(start).Milliseconds()
	f.bus.Publish(types.Message{
		From: types.ComponentField,
		Type: types.MsgGenerationComplete,
		Payload: types.GenerationComplete{
			RequestID: requestID,
			Tokens:    len(resp.Tokens),
			Coherence: resp.Coherence,
			Diversity: resp.Diversity,
			ElapsedMs: resp.ElapsedMs,
		},
	})
	f.logs.Close(requestID, "ok", "")
	slog.Info("[FIELD] request complete", "request_id", requestID, "tokens", len(resp.Tokens),
		"seed_source", resp.Seed.Source, "temperature", resp.Temperature, "elapsed_ms", resp.ElapsedMs)
	return resp, nil
}

func (f *Field) respond(ctx context.Context, store *freqstore.Store, requestID, prompt string, ro RequestOptions, rl *reqlog.RequestLog) (*Response, error) {
	p, err := f.analyzer.Analyze(pulse.WithKnown(ctx, store), prompt)
	if err != nil {
		return nil, err
	}
	p = p.Clamped()
	temp, overridden := f.kernel.Modulate(pulse.Temperature(p)), false
	if t := f.cfg.Temperature; t != nil {
		temp, overridden = *t, true
	}
	if ro.Temperature != nil {
		temp, overridden = *ro.Temperature, true
	}
	rl.Pulse(p, temp, overridden)
	f.bus.Publish(types.Message{
		From:    types.ComponentField,
		Type:    types.MsgPulseComputed,
		Payload: types.PulseComputed{RequestID: requestID, Pulse: p, Temperature: temp, Overridden: overridden},
	})

	rng := ro.Rng
	if rng == nil {
		rng = rand.New(rand.NewPCG(f.cfg.Seed, f.streams.Add(1)))
	}
	length := f.cfg.Length
	if ro.Length > 0 {
		length = ro.Length
	}
	opts := engine.Options{
		Length:            length,
		Temperature:       temp,
		MinP:              f.cfg.MinP,
		UseCoherenceBoost: f.cfg.UseCoherenceBoost,
		Lookback:          f.cfg.Lookback,
		Mode:              f.cfg.ParsedMode(),
		Rng:               rng,
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	sd, err := f.selector.Select(seed.Request{
		RequestID:     requestID,
		Centers:       store.GravityCenters(),
		PromptContent: lexis.Split(prompt),
		Pulse:         p,
		Temperature:   temp,
		Vocab:         store.Vocab(),
		Rng:           rng,
	})
	if err != nil {
		return nil, err
	}
	rl.Seed(sd)
	f.bus.Publish(types.Message{From: types.ComponentField, Type: types.MsgSeedSelected, Payload: types.SeedSelected{Seed: sd}})

	toks, err := engine.New(store).Generate(ctx, sd.Tokens, opts)
	if err != nil {
		return nil, err
	}

	full := make([]types.Token, 0, len(sd.Tokens)+len(toks))
	full = append(append(full, sd.Tokens...), toks...)
	resp := &Response{
		RequestID:   requestID,
		Prompt:      prompt,
		Pulse:       p,
		Temperature: temp,
		Overridden:  overridden,
		Seed:        sd,
		Tokens:      toks,
		Text:        f.clean(store.Vocab().Decode(full)),
		Coherence:   coherence.FieldCoherenceScore(full, store.VocabSize(), coherence.DefaultWindow),
		Diversity:   coherence.PatternDiversityScore(full, coherence.DefaultN),
	}
	rl.Generation(len(toks), resp.Coherence, resp.Diversity, resp.Text)
	return resp, nil
}

func (f *Field) fail(requestID string, err error) {
	status := "failed"
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		status = "cancelled"
	}
	f.bus.Publish(types.Message{
		From:    types.ComponentField,
		Type:    types.MsgRequestFailed,
		Payload: types.RequestFailed{RequestID: requestID, Code: fielderr.CodeOf(err), Error: err.Error()},
	})
	f.logs.Close(requestID, status, err.Error())
	slog.Warn("[FIELD] request failed", "request_id", requestID, "status", status, "error", err)
}

// RespondAll answers prompts concurrently, at most cfg.Concurrency at a time.
// Request i draws from stream i of the configured seed, so results do not
// depend on scheduling.
//
// Expectations:
//   - responses[i] answers prompts[i]
//   - The first error cancels the remaining requests and is returned alone
//   - Leaves no goroutines behind
func (f *Field) RespondAll(ctx context.Context, prompts []string) ([]*Response, error) {
	out := make([]*Response, len(prompts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.Concurrency)
	for i, prompt := range prompts {
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(f.cfg.Seed, uint64(i)))
			resp, err := f.Respond(gctx, prompt, RequestOptions{Rng: rng})
			if err != nil {
				return err
			}
			out[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// ── absorption ───────────────────────────────────────────────────────────────

// Absorb records text in the lexicon and merges its new trigrams into the
// store. Each trigram becomes its own segment weighted by boost (at least 1).
//
// Expectations:
//   - Text with no new trigrams leaves the store pointer unchanged
//   - Requests already running keep the old snapshot
//   - Existing token ids are preserved; new words get fresh ids
func (f *Field) Absorb(ctx context.Context, text, source string, boost float64) (lexicon.Record, error) {
	f.absorbMu.Lock()
	defer f.absorbMu.Unlock()

	rec, err := f.lex.Absorb(ctx, text, source, boost)
	if err != nil {
		return rec, err
	}
	if len(rec.Trigrams) > 0 {
		f.store.Store(inject(f.store.Load(), rec.Trigrams, int(rec.Boost)))
	}
	f.bus.Publish(types.Message{
		From: types.ComponentLexicon,
		Type: types.MsgLexiconAbsorbed,
		Payload: types.LexiconAbsorbed{
			RecordID:    rec.ID,
			Source:      source,
			NewWords:    len(rec.Words),
			NewTrigrams: len(rec.Trigrams),
			Injected:    len(rec.Trigrams),
		},
	})
	slog.Info("[FIELD] absorbed", "source", source, "new_words", len(rec.Words),
		"new_trigrams", len(rec.Trigrams), "vocab", f.store.Load().VocabSize())
	return rec, nil
}

// Decay fades the lexicon's word weights.
func (f *Field) Decay(ctx context.Context) (int, error) { return f.lex.Decay(ctx) }

// inject returns a new store with each trigram counted as a separate segment.
func inject(store *freqstore.Store, tris []lexicon.Trigram, weight int) *freqstore.Store {
	vocab := store.Vocab().Clone()
	toks := make([]types.Token, 0, 4*len(tris))
	for _, t := range tris {
		for _, w := range t {
			toks = append(toks, vocab.Add(w))
		}
		toks = append(toks, types.NoToken)
	}
	return store.Extend(vocab, toks, max(1, weight))
}
