// Package audit taps the field bus read-only, re-checks the seed/prompt
// separation on every selected seed, counts degraded seed paths and writes
// one JSONL AuditEvent per message.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haricheung/haze/internal/fielderr"
	"github.com/haricheung/haze/internal/lexis"
	"github.com/haricheung/haze/internal/types"
)

// Anomaly labels.
const (
	AnomalyNone       = "none"
	AnomalyOverlap    = "prompt_overlap"
	AnomalyFallback   = "seed_fallback"
	AnomalyWidened    = "seed_widened"
	AnomalyExhaustion = "seed_exhaustion"
)

// Report is a snapshot of the auditor's counters.
type Report struct {
	Messages    int `json:"messages"`
	Seeds       int `json:"seeds"`
	Fallbacks   int `json:"fallbacks"`
	Widened     int `json:"widened"`
	Exhaustions int `json:"exhaustions"`
	Violations  int `json:"violations"`
	Failures    int `json:"failures"`
}

// Auditor consumes a bus tap and writes AuditEvents to a JSONL file.
type Auditor struct {
	tap     <-chan types.Message
	logPath string
	policy  lexis.OverlapPolicy

	mu      sync.Mutex
	logFile *os.File
	report  Report
}

// New creates an Auditor. policy must match the seed selector's policy.
func New(tap <-chan types.Message, logPath string, policy lexis.OverlapPolicy) *Auditor {
	return &Auditor{tap: tap, logPath: logPath, policy: policy}
}

// Run starts the auditor loop. It blocks until ctx is cancelled or the tap closes.
func (a *Auditor) Run(ctx context.Context) {
	if a.logPath != "" {
		if err := os.MkdirAll(filepath.Dir(a.logPath), 0o755); err != nil {
			slog.Error("[AUDIT] create log dir", "error", err)
			return
		}
		f, err := os.OpenFile(a.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			slog.Error("[AUDIT] open log file", "error", err)
			return
		}
		a.mu.Lock()
		a.logFile = f
		a.mu.Unlock()
		defer func() {
			a.mu.Lock()
			a.logFile = nil
			a.mu.Unlock()
			f.Close()
		}()
		slog.Info("[AUDIT] started", "path", a.logPath)
	}

	for {
		select {
		case <-ctx.Done():
			a.drain()
			return
		case msg, ok := <-a.tap:
			if !ok {
				return
			}
			a.process(msg)
		}
	}
}

// drain processes whatever is already buffered on the tap.
func (a *Auditor) drain() {
	for {
		select {
		case msg, ok := <-a.tap:
			if !ok {
				return
			}
			a.process(msg)
		default:
			return
		}
	}
}

// Report returns the current counters.
func (a *Auditor) Report() Report {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.report
}

func (a *Auditor) process(msg types.Message) {
	anomaly := AnomalyNone
	var detail *string
	var requestID string

	a.mu.Lock()
	a.report.Messages++
	a.mu.Unlock()

	switch msg.Type {
	case types.MsgSeedSelected:
		var ss types.SeedSelected
		if err := decode(msg.Payload, &ss); err != nil {
			slog.Warn("[AUDIT] bad SeedSelected payload", "error", err)
			break
		}
		requestID = ss.Seed.RequestID
		anomaly, detail = a.checkSeed(ss.Seed)
	case types.MsgRequestFailed:
		var rf types.RequestFailed
		if err := decode(msg.Payload, &rf); err != nil {
			slog.Warn("[AUDIT] bad RequestFailed payload", "error", err)
			break
		}
		requestID = rf.RequestID
		a.mu.Lock()
		a.report.Failures++
		if rf.Code == fielderr.CodeSeedExhausted {
			a.report.Exhaustions++
			anomaly = AnomalyExhaustion
			d := rf.Error
			detail = &d
		}
		a.mu.Unlock()
	}

	a.writeEvent(types.AuditEvent{
		EventID:     uuid.New().String(),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		From:        msg.From,
		MessageType: string(msg.Type),
		RequestID:   requestID,
		Anomaly:     anomaly,
		Detail:      detail,
	})
}

// checkSeed re-runs the overlap check and classifies degraded paths.
func (a *Auditor) checkSeed(s types.InternalSeed) (string, *string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.report.Seeds++

	prompt := a.policy.ContentSet(s.PromptContent)
	if a.policy.Overlaps(s.Forms, prompt) {
		a.report.Violations++
		d := fmt.Sprintf("seed %v shares content with prompt %v", s.Forms, s.PromptContent)
		slog.Error("[AUDIT] SEED OVERLAP", "request_id", s.RequestID, "detail", d)
		return AnomalyOverlap, &d
	}
	switch s.Source {
	case types.SourceFallback:
		a.report.Fallbacks++
		d := fmt.Sprintf("fallback seed %v", s.Forms)
		return AnomalyFallback, &d
	case types.SourceWidened:
		a.report.Widened++
		d := fmt.Sprintf("widened seed %v at rank %d", s.Forms, s.Rank)
		return AnomalyWidened, &d
	}
	return AnomalyNone, nil
}

func (a *Auditor) writeEvent(e types.AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.logFile == nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("[AUDIT] marshal event", "error", err)
		return
	}
	if _, err := fmt.Fprintf(a.logFile, "%s\n", data); err != nil {
		slog.Error("[AUDIT] write event", "error", err)
	}
}

// decode accepts either the payload struct itself or any JSON-compatible form of it.
func decode[T any](payload any, dst *T) error {
	if v, ok := payload.(T); ok {
		*dst = v
		return nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}
