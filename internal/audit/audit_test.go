package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/haricheung/haze/internal/bus"
	"github.com/haricheung/haze/internal/fielderr"
	"github.com/haricheung/haze/internal/lexis"
	"github.com/haricheung/haze/internal/types"
)

func seedMsg(s types.InternalSeed) types.Message {
	return types.Message{From: types.ComponentField, Type: types.MsgSeedSelected, Payload: types.SeedSelected{Seed: s}}
}

func TestProcess_CleanSeedNoAnomaly(t *testing.T) {
	// A gravity seed disjoint from the prompt is counted without anomalies
	a := New(nil, "", lexis.OverlapPolicy{})
	a.process(seedMsg(types.InternalSeed{
		Forms:         []string{"the", "haze", "settles"},
		PromptContent: []string{"love"},
		Source:        types.SourceGravity,
	}))
	r := a.Report()
	if r.Seeds != 1 || r.Violations != 0 || r.Fallbacks != 0 {
		t.Errorf("unexpected report %+v", r)
	}
}

func TestProcess_OverlapIsViolation(t *testing.T) {
	// A seed sharing a content word with the prompt is flagged
	a := New(nil, "", lexis.OverlapPolicy{})
	a.process(seedMsg(types.InternalSeed{
		Forms:         []string{"Love", "is", "here"},
		PromptContent: []string{"love"},
	}))
	if got := a.Report().Violations; got != 1 {
		t.Errorf("expected 1 violation, got %d", got)
	}
}

func TestProcess_CountsDegradedPaths(t *testing.T) {
	// Fallback and widened seeds and exhaustion failures are counted separately
	a := New(nil, "", lexis.OverlapPolicy{})
	a.process(seedMsg(types.InternalSeed{Forms: []string{"wind", "over", "stone"}, Source: types.SourceFallback}))
	a.process(seedMsg(types.InternalSeed{Forms: []string{"w60", "the", "v60"}, Source: types.SourceWidened, Rank: 61}))
	a.process(types.Message{Type: types.MsgRequestFailed, Payload: types.RequestFailed{
		RequestID: "r1", Code: fielderr.CodeSeedExhausted, Error: "no seed",
	}})
	a.process(types.Message{Type: types.MsgRequestFailed, Payload: types.RequestFailed{RequestID: "r2", Error: "boom"}})

	r := a.Report()
	if r.Fallbacks != 1 || r.Widened != 1 || r.Exhaustions != 1 || r.Failures != 2 {
		t.Errorf("unexpected report %+v", r)
	}
	if r.Messages != 4 {
		t.Errorf("expected 4 messages, got %d", r.Messages)
	}
}

func TestProcess_DecodesGenericPayload(t *testing.T) {
	// Payloads that arrive as generic maps are decoded through JSON
	a := New(nil, "", lexis.OverlapPolicy{})
	payload := map[string]any{
		"seed": map[string]any{
			"forms":          []any{"rain", "falls"},
			"prompt_content": []any{"rain"},
		},
	}
	a.process(types.Message{Type: types.MsgSeedSelected, Payload: payload})
	if got := a.Report().Violations; got != 1 {
		t.Errorf("expected 1 violation from decoded payload, got %d", got)
	}
}

func TestRun_WritesJSONL(t *testing.T) {
	// Run writes one audit event per tapped message and drains on cancel
	path := filepath.Join(t.TempDir(), "audit", "audit.jsonl")
	b := bus.New()
	a := New(b.NewTap(), path, lexis.OverlapPolicy{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	b.Publish(seedMsg(types.InternalSeed{RequestID: "r1", Forms: []string{"the", "haze"}, Source: types.SourceFallback}))
	deadline := time.Now().Add(2 * time.Second)
	for a.Report().Messages < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	var events []types.AuditEvent
	for sc.Scan() {
		var e types.AuditEvent
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		events = append(events, e)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Anomaly != AnomalyFallback || events[0].RequestID != "r1" {
		t.Errorf("unexpected event %+v", events[0])
	}
}
