// Package cloud talks to an optional remote pulse service and bridges it to
// the local analyzer. The field always works without it.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/haricheung/haze/internal/fielderr"
	"github.com/haricheung/haze/internal/types"
)

// DefaultTimeout bounds one Ping when the caller sets none.
const DefaultTimeout = time.Second

// Client posts prompts to a pulse service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Hint is what the service says about a prompt. Pulse is nil when the service
// only names chambers; Chambers is empty when it sends no activations.
type Hint struct {
	Primary    string             `json:"primary"`
	Secondary  string             `json:"secondary"`
	Iterations int                `json:"iterations"`
	Chambers   map[string]float64 `json:"chambers,omitempty"`
	Pulse      *types.Pulse       `json:"pulse,omitempty"`
}

// Named chambers count this much when the service sends no activations.
const (
	primaryActivation   = 0.8
	secondaryActivation = 0.4
)

// Activations returns chamber activations keyed by upper-case name.
//
// Expectations:
//   - Explicit Chambers win, with keys upper-cased and values clamped to [0,1]
//   - Otherwise Primary counts 0.8 and Secondary 0.4
//   - Returns nil when the hint names no chamber
func (h Hint) Activations() map[string]float64 {
	if len(h.Chambers) > 0 {
		out := make(map[string]float64, len(h.Chambers))
		for name, v := range h.Chambers {
			out[strings.ToUpper(name)] = min(max(v, 0), 1)
		}
		return out
	}
	var out map[string]float64
	add := func(name string, v float64) {
		if name == "" {
			return
		}
		if out == nil {
			out = make(map[string]float64, 2)
		}
		name = strings.ToUpper(name)
		out[name] = max(out[name], v)
	}
	add(h.Primary, primaryActivation)
	add(h.Secondary, secondaryActivation)
	return out
}

// normalizeBaseURL strips trailing slashes and a "/ping" suffix so the path
// is never doubled when the client appends "/ping" itself.
//
// Expectations:
//   - Strips a trailing "/ping" suffix
//   - Strips a trailing slash
//   - Strips trailing slash AND "/ping" when both are present
//   - Returns "" for empty input
func normalizeBaseURL(raw string) string {
	s := strings.TrimRight(raw, "/")
	return strings.TrimSuffix(s, "/ping")
}

// New creates a Client for baseURL. A non-positive timeout uses DefaultTimeout.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    normalizeBaseURL(baseURL),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// NewFromEnv creates a Client from HAZE_CLOUD_URL, HAZE_CLOUD_API_KEY and
// HAZE_CLOUD_TIMEOUT (a Go duration). It returns nil when HAZE_CLOUD_URL is
// unset, which leaves the field local-only.
//
// Expectations:
//   - Returns nil when HAZE_CLOUD_URL is empty
//   - An unparsable HAZE_CLOUD_TIMEOUT falls back to DefaultTimeout
func NewFromEnv() *Client {
	url := os.Getenv("HAZE_CLOUD_URL")
	if url == "" {
		return nil
	}
	timeout := DefaultTimeout
	if raw := os.Getenv("HAZE_CLOUD_TIMEOUT"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			timeout = d
		} else {
			slog.Warn("[CLOUD] bad HAZE_CLOUD_TIMEOUT, using default", "value", raw, "error", err)
		}
	}
	return New(url, os.Getenv("HAZE_CLOUD_API_KEY"), timeout)
}

type pingRequest struct {
	Text string `json:"text"`
}

type pingResponse struct {
	Hint
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Ping sends text to the service and decodes its hint.
func (c *Client) Ping(ctx context.Context, text string) (Hint, error) {
	body, err := json.Marshal(pingRequest{Text: text})
	if err != nil {
		return Hint{}, fmt.Errorf("cloud: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ping", bytes.NewReader(body))
	if err != nil {
		return Hint{}, fmt.Errorf("cloud: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Hint{}, fielderr.Wrap(err, fielderr.CodeCloudIO, fielderr.KindIO, "ping request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Hint{}, fmt.Errorf("cloud: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Hint{}, fielderr.New(fielderr.CodeCloudIO, fielderr.KindIO, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, respBody))
	}

	var pr pingResponse
	if err := json.Unmarshal(respBody, &pr); err != nil {
		return Hint{}, fmt.Errorf("cloud: unmarshal response: %w", err)
	}
	if pr.Error != nil {
		return Hint{}, fielderr.New(fielderr.CodeCloudIO, fielderr.KindIO, "service error: "+pr.Error.Message)
	}
	if pr.Pulse != nil {
		p := pr.Pulse.Clamped()
		pr.Pulse = &p
	}
	slog.Debug("[CLOUD] ping", "primary", pr.Primary, "secondary", pr.Secondary, "iterations", pr.Iterations)
	return pr.Hint, nil
}
