package cloud

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/haricheung/haze/internal/kernel"
	"github.com/haricheung/haze/internal/pulse"
	"github.com/haricheung/haze/internal/types"
)

// Pinger is the part of Client the bridge needs.
type Pinger interface {
	Ping(ctx context.Context, text string) (Hint, error)
}

// BridgeStats counts cloud outcomes.
type BridgeStats struct {
	Enabled     bool    `json:"cloud_enabled"`
	Successes   int64   `json:"cloud_successes"`
	Failures    int64   `json:"cloud_failures"`
	SuccessRate float64 `json:"cloud_success_rate"`
}

// Bridge is a pulse.Analyzer that asks the cloud first and falls back to the
// local analyzer on timeout or error.
//
// Expectations:
//   - Never returns the cloud's error; a failed ping yields the local pulse
//   - A cloud pulse replaces arousal only; novelty and entropy stay local
//     since only the local analyzer knows the corpus
//   - A nil Pinger makes Bridge equivalent to the local analyzer
//   - A successful hint feeds its chamber activations to the attached kernel
type Bridge struct {
	cloud   Pinger
	local   pulse.Analyzer
	timeout time.Duration
	kernel  *kernel.Kernel

	successes atomic.Int64
	failures  atomic.Int64
}

// NewBridge creates a Bridge. cloud may be nil.
func NewBridge(cloud Pinger, local pulse.Analyzer, timeout time.Duration) *Bridge {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Bridge{cloud: cloud, local: local, timeout: timeout}
}

// WithKernel makes successful hints drive k's chamber state. It returns b.
func (b *Bridge) WithKernel(k *kernel.Kernel) *Bridge {
	b.kernel = k
	return b
}

// Analyze implements pulse.Analyzer.
func (b *Bridge) Analyze(ctx context.Context, prompt string) (types.Pulse, error) {
	p, _, err := b.AnalyzeHint(ctx, prompt)
	return p, err
}

// AnalyzeHint is Analyze plus the cloud hint, nil when the cloud was skipped
// or failed.
func (b *Bridge) AnalyzeHint(ctx context.Context, prompt string) (types.Pulse, *Hint, error) {
	local, err := b.local.Analyze(ctx, prompt)
	if err != nil {
		return types.Pulse{}, nil, err
	}
	if b.cloud == nil {
		return local, nil, nil
	}

	pctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	hint, err := b.cloud.Ping(pctx, prompt)
	if err != nil {
		b.failures.Add(1)
		if errors.Is(err, context.DeadlineExceeded) {
			slog.Warn("[CLOUD] timeout, continuing without", "timeout", b.timeout)
		} else {
			slog.Warn("[CLOUD] error, continuing without", "error", err)
		}
		return local, nil, nil
	}
	b.successes.Add(1)
	b.kernel.UpdateFromChambers(hint.Activations())
	if hint.Pulse == nil {
		return local, &hint, nil
	}
	merged := pulse.Compose(hint.Pulse.Arousal, local.Novelty, local.Entropy)
	return merged, &hint, nil
}

// Stats returns the bridge counters.
func (b *Bridge) Stats() BridgeStats {
	s := BridgeStats{
		Enabled:   b.cloud != nil,
		Successes: b.successes.Load(),
		Failures:  b.failures.Load(),
	}
	if total := s.Successes + s.Failures; total > 0 {
		s.SuccessRate = float64(s.Successes) / float64(total)
	}
	return s
}
