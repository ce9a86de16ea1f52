package types

import (
	"fmt"
	"math"
	"time"
)

// Token is an integer id into a fixed Vocabulary.
type Token int32

// NoToken marks a surface form that has no id in the vocabulary.
const NoToken Token = -1

// Component identifies the publisher of a bus message.
type Component string

const (
	ComponentField   Component = "field"
	ComponentPulse   Component = "pulse"
	ComponentSeed    Component = "seed"
	ComponentEngine  Component = "engine"
	ComponentLexicon Component = "lexicon"
	ComponentAuditor Component = "auditor"
	ComponentCaller  Component = "caller"
)

// MessageType identifies the payload type of a bus message
type MessageType string

const (
	MsgPulseComputed      MessageType = "PulseComputed"      // field: pulse derived for a request
	MsgSeedSelected       MessageType = "SeedSelected"       // field: internal seed chosen
	MsgGenerationComplete MessageType = "GenerationComplete" // field: tokens produced and decoded
	MsgRequestFailed      MessageType = "RequestFailed"      // field: request ended with an error
	MsgLexiconAbsorbed    MessageType = "LexiconAbsorbed"    // field: new text merged into the store
)

// Message is the envelope for everything published on the bus
type Message struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	From      Component   `json:"from"`
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload"`
}

// ── Pulse ────────────────────────────────────────────────────────────────────

// Pulse is the scalar summary of a prompt's emotional and structural signal.
// Every component lies in [0,1] once Clamped.
type Pulse struct {
	Arousal   float64 `json:"arousal"`
	Novelty   float64 `json:"novelty"`
	Entropy   float64 `json:"entropy"`
	Composite float64 `json:"composite"`
}

// Clamped returns p with NaN components replaced by 0 and every component
// limited to [0,1].
func (p Pulse) Clamped() Pulse {
	return Pulse{
		Arousal:   unit(p.Arousal),
		Novelty:   unit(p.Novelty),
		Entropy:   unit(p.Entropy),
		Composite: unit(p.Composite),
	}
}

func (p Pulse) String() string {
	return fmt.Sprintf("arousal=%.2f novelty=%.2f entropy=%.2f composite=%.2f",
		p.Arousal, p.Novelty, p.Entropy, p.Composite)
}

func unit(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ── Seeds ────────────────────────────────────────────────────────────────────

// GravityCenter is a high-frequency corpus fragment: a 2-token order-3 context
// followed by its most frequent continuation.
type GravityCenter struct {
	Tokens []Token  `json:"tokens"`
	Forms  []string `json:"forms"`
	Weight int      `json:"weight"` // total occurrence count of the context
	Rank   int      `json:"rank"`   // 1-based
}

// SeedSource records which pool an InternalSeed came from.
type SeedSource string

const (
	SourceGravity  SeedSource = "gravity"  // ranks 1–50
	SourceFallback SeedSource = "fallback" // built-in generic fragments
	SourceWidened  SeedSource = "widened"  // ranks 51–100
)

// InternalSeed is the token sequence that starts generation for one request.
//
// Expectations:
//   - No normalised form in Forms appears in PromptContent
//   - Tokens holds only in-vocabulary ids; Forms may carry extra forms with no id
type InternalSeed struct {
	RequestID     string     `json:"request_id"`
	Tokens        []Token    `json:"tokens"`
	Forms         []string   `json:"forms"`
	Source        SeedSource `json:"source"`
	Rank          int        `json:"rank,omitempty"`
	Pool          string     `json:"pool,omitempty"`
	PromptContent []string   `json:"prompt_content,omitempty"`
}

// ── Modes ────────────────────────────────────────────────────────────────────

// Mode selects which n-gram orders the blender consults.
type Mode int

const (
	ModeAdaptive Mode = iota
	ModeFixed1
	ModeFixed2
	ModeFixed3
	ModeFixed4
)

// Orders returns the n-gram orders for m, highest first.
func (m Mode) Orders() []int {
	switch m {
	case ModeFixed1:
		return []int{1}
	case ModeFixed2:
		return []int{2}
	case ModeFixed3:
		return []int{3}
	case ModeFixed4:
		return []int{4}
	default:
		return []int{4, 3, 2, 1}
	}
}

func (m Mode) String() string {
	switch m {
	case ModeAdaptive:
		return "adaptive"
	case ModeFixed1, ModeFixed2, ModeFixed3, ModeFixed4:
		return fmt.Sprintf("fixed-%d", int(m))
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Valid reports whether m is one of the declared modes.
func (m Mode) Valid() bool {
	return m >= ModeAdaptive && m <= ModeFixed4
}

// ParseMode maps "adaptive" or "fixed-1".."fixed-4" to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "adaptive":
		return ModeAdaptive, nil
	case "fixed-1":
		return ModeFixed1, nil
	case "fixed-2":
		return ModeFixed2, nil
	case "fixed-3":
		return ModeFixed3, nil
	case "fixed-4":
		return ModeFixed4, nil
	}
	return ModeAdaptive, fmt.Errorf("unknown mode %q", s)
}

// ── Bus payloads ─────────────────────────────────────────────────────────────

// PulseComputed is published once per request after the analyzer runs.
type PulseComputed struct {
	RequestID   string  `json:"request_id"`
	Pulse       Pulse   `json:"pulse"`
	Temperature float64 `json:"temperature"`
	Overridden  bool    `json:"overridden,omitempty"` // caller fixed the temperature
}

// SeedSelected is published once per request after seed selection succeeds.
type SeedSelected struct {
	Seed InternalSeed `json:"seed"`
}

// GenerationComplete is published after a request produced text.
type GenerationComplete struct {
	RequestID string  `json:"request_id"`
	Tokens    int     `json:"tokens"`
	Coherence float64 `json:"coherence"`
	Diversity float64 `json:"diversity"`
	ElapsedMs int64   `json:"elapsed_ms"`
}

// RequestFailed is published when a request returns an error.
type RequestFailed struct {
	RequestID string `json:"request_id"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error"`
}

// LexiconAbsorbed is published after absorbed text was merged into the store.
type LexiconAbsorbed struct {
	RecordID    string `json:"record_id"`
	Source      string `json:"source"`
	NewWords    int    `json:"new_words"`
	NewTrigrams int    `json:"new_trigrams"`
	Injected    int    `json:"injected"`
}

// AuditEvent is one JSONL line written by the auditor.
type AuditEvent struct {
	EventID     string    `json:"event_id"`
	Timestamp   string    `json:"timestamp"`
	From        Component `json:"from"`
	MessageType string    `json:"message_type"`
	RequestID   string    `json:"request_id,omitempty"`
	Anomaly     string    `json:"anomaly"` // "none" | "prompt_overlap" | "seed_fallback" | "seed_widened" | "seed_exhaustion"
	Detail      *string   `json:"detail"`
}
