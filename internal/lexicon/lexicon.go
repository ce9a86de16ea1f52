// Package lexicon grows the field's vocabulary from conversation.
//
// Absorb extracts words and word trigrams from text and remembers the new
// ones. The returned Record names the trigrams the caller should inject into
// the frequency store; the lexicon itself never touches the store. Word
// weights are reinforced on repetition and fade under Decay.
//
// With a database path the absorbed words and trigrams persist to SQLite and
// are reloaded on the next New.
package lexicon

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/haricheung/haze/internal/fielderr"
	"github.com/haricheung/haze/internal/lexis"
)

const (
	DefaultDecayRate     = 0.99
	DefaultMinWordLength = 3

	reinforceStep = 0.1
	maxWeight     = 2.0
	forgetBelow   = 0.1
	historyKeep   = 100
	growthWindow  = 10
)

// Trigram is three consecutive lowercased words.
type Trigram [3]string

// Record is what one Absorb call learned.
type Record struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Words     []string  `json:"words"`
	Trigrams  []Trigram `json:"trigrams"`
	Boost     float64   `json:"boost"`
}

// Count is the number of new words plus new trigrams.
func (r Record) Count() int { return len(r.Words) + len(r.Trigrams) }

// Stats summarises the lexicon.
type Stats struct {
	TotalWords        int     `json:"total_words"`
	TotalTrigrams     int     `json:"total_trigrams"`
	UniqueSources     int     `json:"unique_sources"`
	RecentAbsorptions int     `json:"recent_absorptions"`
	GrowthRate        float64 `json:"growth_rate"` // new patterns per absorption over the last 10
}

func (s Stats) String() string {
	return fmt.Sprintf("words=%d trigrams=%d growth=%.2f/turn", s.TotalWords, s.TotalTrigrams, s.GrowthRate)
}

// Options configures a Lexicon. Zero values take the defaults; an empty
// DBPath keeps everything in memory.
type Options struct {
	DecayRate     float64
	MinWordLength int
	DBPath        string
}

// Lexicon is safe for concurrent use.
type Lexicon struct {
	decayRate float64
	minLen    int

	mu       sync.Mutex
	weights  map[string]float64 // absorbed word -> weight
	trigrams map[Trigram]struct{}
	order    []Trigram // absorption order, for replay
	history  []Record
	db       *sql.DB
}

// New creates a Lexicon and, when opts.DBPath is set, opens the database and
// reloads whatever earlier sessions absorbed.
//
// Expectations:
//   - Creates the absorbed_words and absorbed_trigrams tables when absent
//   - Reloaded trigrams keep their original absorption order
//   - A decay rate outside (0, 1] is a configuration error
func New(ctx context.Context, opts Options) (*Lexicon, error) {
	if opts.DecayRate == 0 {
		opts.DecayRate = DefaultDecayRate
	}
	if opts.DecayRate < 0 || opts.DecayRate > 1 {
		return nil, fielderr.Configf(fielderr.CodeConfigFile, "lexicon decay rate %v outside (0, 1]", opts.DecayRate)
	}
	if opts.MinWordLength <= 0 {
		opts.MinWordLength = DefaultMinWordLength
	}
	l := &Lexicon{
		decayRate: opts.DecayRate,
		minLen:    opts.MinWordLength,
		weights:   make(map[string]float64),
		trigrams:  make(map[Trigram]struct{}),
	}
	if opts.DBPath == "" {
		return l, nil
	}
	db, err := sql.Open("sqlite", opts.DBPath)
	if err != nil {
		return nil, fielderr.Wrap(err, fielderr.CodeLexiconIO, fielderr.KindIO, "open lexicon db").WithContext("path", opts.DBPath)
	}
	l.db = db
	if err := l.initDB(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := l.reload(ctx); err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("[LEXICON] opened", "path", opts.DBPath, "words", len(l.weights), "trigrams", len(l.trigrams))
	return l, nil
}

// Close releases the database, if any.
func (l *Lexicon) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *Lexicon) initDB(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS absorbed_words (
			word      TEXT PRIMARY KEY,
			weight    REAL DEFAULT 1.0,
			source    TEXT,
			timestamp REAL
		)`,
		`CREATE TABLE IF NOT EXISTS absorbed_trigrams (
			word1     TEXT,
			word2     TEXT,
			word3     TEXT,
			source    TEXT,
			timestamp REAL,
			PRIMARY KEY (word1, word2, word3)
		)`,
	}
	for _, s := range stmts {
		if _, err := l.db.ExecContext(ctx, s); err != nil {
			return fielderr.Wrap(err, fielderr.CodeLexiconIO, fielderr.KindIO, "create lexicon tables")
		}
	}
	return nil
}

func (l *Lexicon) reload(ctx context.Context) error {
	rows, err := l.db.QueryContext(ctx, `SELECT word, weight FROM absorbed_words`)
	if err != nil {
		return fielderr.Wrap(err, fielderr.CodeLexiconIO, fielderr.KindIO, "read absorbed words")
	}
	for rows.Next() {
		var w string
		var weight float64
		if err := rows.Scan(&w, &weight); err != nil {
			rows.Close()
			return fmt.Errorf("lexicon: scan word: %w", err)
		}
		l.weights[w] = weight
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("lexicon: read words: %w", err)
	}

	rows, err = l.db.QueryContext(ctx, `SELECT word1, word2, word3 FROM absorbed_trigrams ORDER BY timestamp, rowid`)
	if err != nil {
		return fielderr.Wrap(err, fielderr.CodeLexiconIO, fielderr.KindIO, "read absorbed trigrams")
	}
	defer rows.Close()
	for rows.Next() {
		var t Trigram
		if err := rows.Scan(&t[0], &t[1], &t[2]); err != nil {
			return fmt.Errorf("lexicon: scan trigram: %w", err)
		}
		if _, seen := l.trigrams[t]; !seen {
			l.trigrams[t] = struct{}{}
			l.order = append(l.order, t)
		}
	}
	return rows.Err()
}

// words lowercases text and keeps word tokens in order.
func words(text string) []string {
	var out []string
	for _, f := range lexis.Tokenize(text) {
		if lexis.IsWord(f) {
			out = append(out, f)
		}
	}
	return out
}

// Absorb learns from text.
//
// Expectations:
//   - Words shorter than the minimum length are ignored
//   - A new word starts at weight boost; a known word gains 0.1, capped at 2.0
//   - Trigrams are taken over all words regardless of length
//   - Each new word and trigram appears in exactly one Record
//   - History keeps the last 100 records
//   - With a database, the record is persisted before Absorb returns
//   - A failed write leaves the lexicon unchanged, so the same text can be
//     absorbed again
func (l *Lexicon) Absorb(ctx context.Context, text, source string, boost float64) (Record, error) {
	if boost <= 0 {
		boost = 1
	}
	ws := words(text)

	l.mu.Lock()
	defer l.mu.Unlock()

	rec := Record{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		Boost:     boost,
	}
	// Changes are staged and applied only once the database accepted them.
	staged := make(map[string]float64)
	for _, w := range ws {
		if utf8.RuneCountInString(w) < l.minLen {
			continue
		}
		cur, ok := staged[w]
		if !ok {
			cur, ok = l.weights[w]
		}
		if ok {
			staged[w] = min(maxWeight, cur+reinforceStep)
			continue
		}
		staged[w] = boost
		rec.Words = append(rec.Words, w)
	}
	seen := make(map[Trigram]struct{})
	for i := 0; i+2 < len(ws); i++ {
		t := Trigram{ws[i], ws[i+1], ws[i+2]}
		if _, ok := l.trigrams[t]; ok {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		rec.Trigrams = append(rec.Trigrams, t)
	}

	if l.db != nil && (len(staged) > 0 || len(rec.Trigrams) > 0) {
		if err := l.persist(ctx, rec, staged); err != nil {
			return Record{}, err
		}
	}

	for w, weight := range staged {
		l.weights[w] = weight
	}
	for _, t := range rec.Trigrams {
		l.trigrams[t] = struct{}{}
		l.order = append(l.order, t)
	}
	l.history = append(l.history, rec)
	if len(l.history) > historyKeep {
		l.history = l.history[len(l.history)-historyKeep:]
	}
	slog.Debug("[LEXICON] absorbed", "id", rec.ID, "source", source, "words", len(rec.Words), "trigrams", len(rec.Trigrams))
	return rec, nil
}

// persist writes new words, reinforced weights and new trigrams in one
// transaction.
func (l *Lexicon) persist(ctx context.Context, rec Record, weights map[string]float64) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fielderr.Wrap(err, fielderr.CodeLexiconIO, fielderr.KindIO, "begin lexicon tx")
	}
	defer tx.Rollback()
	ts := float64(rec.Timestamp.UnixNano()) / 1e9
	for w, weight := range weights {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO absorbed_words (word, weight, source, timestamp) VALUES (?, ?, ?, ?)
			 ON CONFLICT(word) DO UPDATE SET weight = excluded.weight`,
			w, weight, rec.Source, ts); err != nil {
			return fielderr.Wrap(err, fielderr.CodeLexiconIO, fielderr.KindIO, "persist word").WithContext("word", w)
		}
	}
	for _, t := range rec.Trigrams {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO absorbed_trigrams (word1, word2, word3, source, timestamp) VALUES (?, ?, ?, ?, ?)`,
			t[0], t[1], t[2], rec.Source, ts); err != nil {
			return fielderr.Wrap(err, fielderr.CodeLexiconIO, fielderr.KindIO, "persist trigram")
		}
	}
	if err := tx.Commit(); err != nil {
		return fielderr.Wrap(err, fielderr.CodeLexiconIO, fielderr.KindIO, "commit lexicon tx")
	}
	return nil
}

// Decay multiplies every word weight by the decay rate and forgets words that
// fall below 0.1. It returns how many words were forgotten. Trigrams already
// injected into the store are not affected.
func (l *Lexicon) Decay(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var forgotten []string
	next := make(map[string]float64, len(l.weights))
	for w, weight := range l.weights {
		if d := weight * l.decayRate; d >= forgetBelow {
			next[w] = d
			continue
		}
		forgotten = append(forgotten, w)
	}
	if l.db != nil {
		if err := l.persistDecay(ctx, forgotten); err != nil {
			return 0, err
		}
	}
	l.weights = next
	if len(forgotten) > 0 {
		slog.Info("[LEXICON] decay forgot words", "count", len(forgotten))
	}
	return len(forgotten), nil
}

func (l *Lexicon) persistDecay(ctx context.Context, forgotten []string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fielderr.Wrap(err, fielderr.CodeLexiconIO, fielderr.KindIO, "begin lexicon tx")
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `UPDATE absorbed_words SET weight = weight * ?`, l.decayRate); err != nil {
		return fielderr.Wrap(err, fielderr.CodeLexiconIO, fielderr.KindIO, "decay weights")
	}
	for _, w := range forgotten {
		if _, err := tx.ExecContext(ctx, `DELETE FROM absorbed_words WHERE word = ?`, w); err != nil {
			return fielderr.Wrap(err, fielderr.CodeLexiconIO, fielderr.KindIO, "forget word").WithContext("word", w)
		}
	}
	if err := tx.Commit(); err != nil {
		return fielderr.Wrap(err, fielderr.CodeLexiconIO, fielderr.KindIO, "commit lexicon tx")
	}
	return nil
}

// ResonantWords returns up to n absorbed words by descending weight, ties in
// alphabetical order.
func (l *Lexicon) ResonantWords(n int) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.weights))
	for w := range l.weights {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		wi, wj := l.weights[out[i]], l.weights[out[j]]
		if wi != wj {
			return wi > wj
		}
		return out[i] < out[j]
	})
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Weight returns the current weight of an absorbed word.
func (l *Lexicon) Weight(word string) (float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.weights[word]
	return w, ok
}

// Trigrams returns every absorbed trigram in absorption order.
func (l *Lexicon) Trigrams() []Trigram {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Trigram(nil), l.order...)
}

// Stats returns counts over the lexicon and its history.
func (l *Lexicon) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	sources := make(map[string]struct{})
	for _, r := range l.history {
		sources[r.Source] = struct{}{}
	}
	var growth float64
	if len(l.history) >= 2 {
		recent := l.history[max(0, len(l.history)-growthWindow):]
		total := 0
		for _, r := range recent {
			total += r.Count()
		}
		growth = float64(total) / float64(len(recent))
	}
	return Stats{
		TotalWords:        len(l.weights),
		TotalTrigrams:     len(l.trigrams),
		UniqueSources:     len(sources),
		RecentAbsorptions: len(l.history),
		GrowthRate:        growth,
	}
}
