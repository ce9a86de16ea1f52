// Package reqlog provides per-request structured logging for the field.
//
// Each request gets one JSONL file in a configurable directory. Events record
// the pulse, the chosen seed and the generation outcome, so a single file
// explains why a response looks the way it does.
//
// Design constraints:
//   - All RequestLog methods are nil-safe (no-op on nil receiver) so the request
//     path never checks for a disabled log.
//   - Registry is the sole owner of JSONL persistence.
//   - A nil *Registry disables logging entirely.
package reqlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/haricheung/haze/internal/types"
)

// EventKind labels a single structured event in the request log.
type EventKind string

const (
	KindRequestBegin EventKind = "request_begin"
	KindRequestEnd   EventKind = "request_end"
	KindPulse        EventKind = "pulse"
	KindSeed         EventKind = "seed"
	KindGeneration   EventKind = "generation"
)

// Event is one JSONL line in the request log.
// Fields are omitempty so each event only serialises relevant data.
type Event struct {
	Kind      EventKind `json:"kind"`
	Timestamp string    `json:"ts"`

	// request_begin / request_end
	RequestID string `json:"request_id,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
	Status    string `json:"status,omitempty"` // "ok" | "failed" | "cancelled"
	Error     string `json:"error,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms,omitempty"`

	// pulse
	Pulse       *types.Pulse `json:"pulse,omitempty"`
	Temperature float64      `json:"temperature,omitempty"`
	Overridden  bool         `json:"overridden,omitempty"`

	// seed
	SeedForms     []string         `json:"seed_forms,omitempty"`
	SeedSource    types.SeedSource `json:"seed_source,omitempty"`
	SeedRank      int              `json:"seed_rank,omitempty"`
	SeedPool      string           `json:"seed_pool,omitempty"`
	PromptContent []string         `json:"prompt_content,omitempty"`

	// generation
	Tokens    int      `json:"tokens,omitempty"`
	Coherence *float64 `json:"coherence,omitempty"` // pointer: 0 must be serialised
	Diversity *float64 `json:"diversity,omitempty"`
	Text      string   `json:"text,omitempty"`
}

// Stats summarises one request.
//
// Expectations:
//   - Tokens equals the count passed to Generation
//   - SeedSource is empty until Seed is called
type Stats struct {
	RequestID  string           `json:"request_id"`
	Tokens     int              `json:"tokens"`
	SeedSource types.SeedSource `json:"seed_source"`
	ElapsedMs  int64            `json:"elapsed_ms"`
}

// RequestLog is a handle for writing structured events for one request.
//
// Expectations:
//   - All methods are nil-safe (no-op when called on nil *RequestLog)
//   - Concurrent writes are safe (mutex-protected)
type RequestLog struct {
	requestID string
	started   time.Time
	mu        sync.Mutex
	f         *os.File
	tokens    int
	source    types.SeedSource
}

// Registry maps request IDs to open RequestLogs.
//
// Expectations:
//   - Open creates the log directory if absent
//   - Open writes a request_begin event as the first JSONL line
//   - Open returns the existing log when called twice for the same requestID
//   - Get returns nil for unknown request IDs
//   - Close writes request_end with status and elapsed_ms before closing the file
//   - Close removes the requestID so subsequent Get returns nil
//   - Close no-ops gracefully when requestID is not registered
type Registry struct {
	dir   string
	mu    sync.Mutex
	logs  map[string]*RequestLog
	cache map[string]*Stats // requestID -> stats saved on Close
}

// NewRegistry creates a Registry that writes one JSONL file per request under
// dir. An empty dir returns nil, which disables logging.
func NewRegistry(dir string) *Registry {
	if dir == "" {
		return nil
	}
	return &Registry{
		dir:   dir,
		logs:  make(map[string]*RequestLog),
		cache: make(map[string]*Stats),
	}
}

// Open creates a RequestLog for requestID and writes request_begin.
func (r *Registry) Open(requestID, prompt string) *RequestLog {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if rl, ok := r.logs[requestID]; ok {
		return rl
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		slog.Error("[REQLOG] could not create dir", "dir", r.dir, "error", err)
		return nil
	}
	path := filepath.Join(r.dir, requestID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Error("[REQLOG] could not open log file", "path", path, "error", err)
		return nil
	}

	rl := &RequestLog{requestID: requestID, started: time.Now(), f: f}
	r.logs[requestID] = rl
	rl.write(Event{Kind: KindRequestBegin, RequestID: requestID, Prompt: prompt})
	return rl
}

// Get returns the RequestLog for requestID, or nil if not found.
func (r *Registry) Get(requestID string) *RequestLog {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logs[requestID]
}

// Close writes request_end, closes the file and forgets the request.
// errMsg is empty on success.
func (r *Registry) Close(requestID, status, errMsg string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	rl, ok := r.logs[requestID]
	if !ok {
		r.mu.Unlock()
		return
	}
	stats := rl.Stats()
	r.cache[requestID] = stats
	delete(r.logs, requestID)
	r.mu.Unlock()

	rl.write(Event{
		Kind:      KindRequestEnd,
		RequestID: requestID,
		Status:    status,
		Error:     errMsg,
		ElapsedMs: stats.ElapsedMs,
	})

	rl.mu.Lock()
	if rl.f != nil {
		_ = rl.f.Close()
		rl.f = nil
	}
	rl.mu.Unlock()
}

// GetStats returns and removes the cached Stats for requestID.
func (r *Registry) GetStats(requestID string) *Stats {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.cache[requestID]
	delete(r.cache, requestID)
	return s
}

// Pulse writes a pulse event.
func (rl *RequestLog) Pulse(p types.Pulse, temperature float64, overridden bool) {
	if rl == nil {
		return
	}
	rl.write(Event{Kind: KindPulse, Pulse: &p, Temperature: temperature, Overridden: overridden})
}

// Seed writes a seed event.
func (rl *RequestLog) Seed(s types.InternalSeed) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	rl.source = s.Source
	rl.mu.Unlock()
	rl.write(Event{
		Kind:          KindSeed,
		SeedForms:     s.Forms,
		SeedSource:    s.Source,
		SeedRank:      s.Rank,
		SeedPool:      s.Pool,
		PromptContent: s.PromptContent,
	})
}

// Generation writes a generation event.
func (rl *RequestLog) Generation(tokens int, coherence, diversity float64, text string) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	rl.tokens = tokens
	rl.mu.Unlock()
	rl.write(Event{Kind: KindGeneration, Tokens: tokens, Coherence: &coherence, Diversity: &diversity, Text: text})
}

// Stats returns a snapshot for the live request. Nil on nil receiver.
func (rl *RequestLog) Stats() *Stats {
	if rl == nil {
		return nil
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return &Stats{
		RequestID:  rl.requestID,
		Tokens:     rl.tokens,
		SeedSource: rl.source,
		ElapsedMs:  time.Since(rl.started).Milliseconds(),
	}
}

// write appends one JSON line to the request log file.
func (rl *RequestLog) write(e Event) {
	e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("[REQLOG] marshal event", "error", err)
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.f == nil {
		return
	}
	if _, err = fmt.Fprintf(rl.f, "%s\n", data); err != nil {
		slog.Error("[REQLOG] write event", "error", err)
	}
}
