package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/haricheung/haze/internal/fielderr"
	"github.com/haricheung/haze/internal/kernel"
	"github.com/haricheung/haze/internal/pulse"
	"github.com/haricheung/haze/internal/types"
)

func TestNormalizeBaseURL_StripsPingSuffix(t *testing.T) {
	// Strips a trailing "/ping" suffix
	if got := normalizeBaseURL("http://cloud.local/v1/ping"); got != "http://cloud.local/v1" {
		t.Errorf("got %q", got)
	}
}

func TestNormalizeBaseURL_StripSlashAndSuffix(t *testing.T) {
	// Strips trailing slash AND "/ping" when both are present
	if got := normalizeBaseURL("http://cloud.local/ping/"); got != "http://cloud.local" {
		t.Errorf("got %q", got)
	}
}

func TestNormalizeBaseURL_EmptyInput(t *testing.T) {
	// Returns "" for empty input
	if got := normalizeBaseURL(""); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
}

func TestNewFromEnv_UnsetReturnsNil(t *testing.T) {
	// No HAZE_CLOUD_URL means no client
	t.Setenv("HAZE_CLOUD_URL", "")
	if c := NewFromEnv(); c != nil {
		t.Errorf("expected nil client, got %+v", c)
	}
}

func TestNewFromEnv_ReadsVars(t *testing.T) {
	// URL, key and timeout come from the environment
	t.Setenv("HAZE_CLOUD_URL", "http://cloud.local/")
	t.Setenv("HAZE_CLOUD_API_KEY", "k")
	t.Setenv("HAZE_CLOUD_TIMEOUT", "250ms")
	c := NewFromEnv()
	if c == nil {
		t.Fatal("expected client")
	}
	if c.baseURL != "http://cloud.local" || c.apiKey != "k" || c.httpClient.Timeout != 250*time.Millisecond {
		t.Errorf("unexpected client %+v", c)
	}
}

func TestPing_DecodesHint(t *testing.T) {
	// Ping posts the text and decodes chambers and a clamped pulse
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ping" || r.Method != http.MethodPost {
			http.Error(w, "bad route", http.StatusNotFound)
			return
		}
		var req pingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text != "rage" {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"primary":"RAGE","secondary":"FEAR","iterations":3,"pulse":{"arousal":1.7}}`))
	}))
	defer srv.Close()

	hint, err := New(srv.URL, "", time.Second).Ping(context.Background(), "rage")
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if hint.Primary != "RAGE" || hint.Secondary != "FEAR" || hint.Iterations != 3 {
		t.Errorf("unexpected hint %+v", hint)
	}
	if hint.Pulse == nil || hint.Pulse.Arousal != 1 {
		t.Errorf("expected clamped arousal 1, got %+v", hint.Pulse)
	}
}

func TestPing_HTTPErrorIsCoded(t *testing.T) {
	// A non-200 status becomes a CLOUD_IO error
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	_, err := New(srv.URL, "", time.Second).Ping(context.Background(), "x")
	if fielderr.CodeOf(err) != fielderr.CodeCloudIO {
		t.Fatalf("expected %s, got %v", fielderr.CodeCloudIO, err)
	}
}

// ── Bridge ───────────────────────────────────────────────────────────────────

type stubPinger struct {
	hint  Hint
	err   error
	delay time.Duration
}

func (s stubPinger) Ping(ctx context.Context, _ string) (Hint, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return Hint{}, ctx.Err()
		}
	}
	return s.hint, s.err
}

func TestBridge_NilCloudIsLocal(t *testing.T) {
	// Without a cloud the bridge returns the local pulse and counts nothing
	local := pulse.NewLocal(nil)
	b := NewBridge(nil, local, 0)
	want, _ := local.Analyze(context.Background(), "calm water")
	got, err := b.Analyze(context.Background(), "calm water")
	if err != nil || got != want {
		t.Errorf("got %+v, %v; want %+v", got, err, want)
	}
	if s := b.Stats(); s.Enabled || s.Successes+s.Failures != 0 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestBridge_CloudArousalMerged(t *testing.T) {
	// A cloud pulse replaces arousal and the composite is recomputed
	local := pulse.NewLocal(nil)
	b := NewBridge(stubPinger{hint: Hint{Primary: "LOVE", Pulse: &types.Pulse{Arousal: 0.9}}}, local, time.Second)
	lp, _ := local.Analyze(context.Background(), "calm water")
	got, hint, err := b.AnalyzeHint(context.Background(), "calm water")
	if err != nil {
		t.Fatalf("AnalyzeHint: %v", err)
	}
	want := pulse.Compose(0.9, lp.Novelty, lp.Entropy)
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if hint == nil || hint.Primary != "LOVE" {
		t.Errorf("expected LOVE hint, got %+v", hint)
	}
	if s := b.Stats(); s.Successes != 1 || s.SuccessRate != 1 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestBridge_TimeoutFallsBack(t *testing.T) {
	// A slow cloud is abandoned after the timeout and the local pulse is used
	local := pulse.NewLocal(nil)
	b := NewBridge(stubPinger{delay: time.Second}, local, 10*time.Millisecond)
	want, _ := local.Analyze(context.Background(), "storm")
	got, hint, err := b.AnalyzeHint(context.Background(), "storm")
	if err != nil || got != want || hint != nil {
		t.Errorf("got %+v, %+v, %v; want local pulse", got, hint, err)
	}
	if s := b.Stats(); s.Failures != 1 || s.SuccessRate != 0 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestBridge_ErrorFallsBack(t *testing.T) {
	// A cloud error never reaches the caller
	b := NewBridge(stubPinger{err: errors.New("boom")}, pulse.NewLocal(nil), time.Second)
	if _, err := b.Analyze(context.Background(), "storm"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if s := b.Stats(); s.Failures != 1 {
		t.Errorf("expected 1 failure, got %+v", s)
	}
}

func TestBridge_HintFeedsKernel(t *testing.T) {
	// A successful hint moves the attached kernel's tension and dissonance
	k := kernel.New()
	hint := Hint{Chambers: map[string]float64{"fear": 1, "rage": 0.5}}
	b := NewBridge(stubPinger{hint: hint}, pulse.NewLocal(nil), time.Second).WithKernel(k)
	if _, err := b.Analyze(context.Background(), "storm"); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	st := k.State()
	if st.Tension != 0.5 || st.Dissonance != 0.35 {
		t.Errorf("expected tension 0.5 dissonance 0.35, got %s", st)
	}
}

func TestBridge_FailedPingLeavesKernel(t *testing.T) {
	// A cloud error leaves the kernel as it was
	k := kernel.New()
	b := NewBridge(stubPinger{err: errors.New("boom")}, pulse.NewLocal(nil), time.Second).WithKernel(k)
	if _, err := b.Analyze(context.Background(), "storm"); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if got, want := k.State(), kernel.New().State(); got != want {
		t.Errorf("kernel changed: got %s, want %s", got, want)
	}
}

// ── Hint ─────────────────────────────────────────────────────────────────────

func TestHintActivations_ExplicitChambersWin(t *testing.T) {
	// Explicit chambers are upper-cased and clamped; Primary is ignored
	h := Hint{Primary: "LOVE", Chambers: map[string]float64{"fear": 1.7, "Flow": -0.2}}
	want := map[string]float64{"FEAR": 1, "FLOW": 0}
	if diff := cmp.Diff(want, h.Activations()); diff != "" {
		t.Errorf("activations mismatch (-want +got):\n%s", diff)
	}
}

func TestHintActivations_PrimarySecondary(t *testing.T) {
	// Without chambers the named primary and secondary get fixed activations
	h := Hint{Primary: "love", Secondary: "VOID"}
	want := map[string]float64{"LOVE": 0.8, "VOID": 0.4}
	if diff := cmp.Diff(want, h.Activations()); diff != "" {
		t.Errorf("activations mismatch (-want +got):\n%s", diff)
	}
}

func TestHintActivations_Empty(t *testing.T) {
	// A hint naming no chamber has no activations
	if got := (Hint{}).Activations(); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}
