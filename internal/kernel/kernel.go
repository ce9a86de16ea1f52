// Package kernel holds the field's movement state: a velocity mode and the
// tension, dissonance and pain the cloud chambers stir up. It modulates the
// pulse-derived temperature and heals a little after every generation.
package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/haricheung/haze/internal/fielderr"
	"github.com/haricheung/haze/internal/pulse"
	"github.com/haricheung/haze/internal/types"
)

// Velocity is how the field moves. It scales the base temperature.
type Velocity int

const (
	VelocityBackward Velocity = -1 // structural, ×0.7
	VelocityNoMove   Velocity = 0  // cold observer, ×0.5
	VelocityWalk     Velocity = 1  // balanced, ×0.85
	VelocityRun      Velocity = 2  // chaotic, ×1.2
)

var velocityNames = map[Velocity]string{
	VelocityBackward: "backward",
	VelocityNoMove:   "nomove",
	VelocityWalk:     "walk",
	VelocityRun:      "run",
}

func (v Velocity) String() string {
	if s, ok := velocityNames[v]; ok {
		return s
	}
	return fmt.Sprintf("velocity(%d)", int(v))
}

// factor is the temperature multiplier of v.
func (v Velocity) factor() float64 {
	switch v {
	case VelocityNoMove:
		return 0.5
	case VelocityWalk:
		return 0.85
	case VelocityRun:
		return 1.2
	case VelocityBackward:
		return 0.7
	}
	return 1
}

// ParseVelocity accepts the velocity names case-insensitively.
func ParseVelocity(s string) (Velocity, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for v, n := range velocityNames {
		if n == name {
			return v, nil
		}
	}
	return VelocityWalk, fielderr.Configf(fielderr.CodeVelocity, "unknown velocity %q (nomove, walk, run, backward)", s)
}

// State is a snapshot of the kernel.
type State struct {
	Velocity        Velocity `json:"velocity"`
	Tension         float64  `json:"tension"`
	Dissonance      float64  `json:"dissonance"`
	Pain            float64  `json:"pain"`
	CosmicCoherence float64  `json:"cosmic_coherence"`
	Steps           int      `json:"steps"`
}

func (s State) String() string {
	return fmt.Sprintf("velocity=%s tension=%.2f dissonance=%.2f pain=%.2f coherence=%.2f",
		s.Velocity, s.Tension, s.Dissonance, s.Pain, s.CosmicCoherence)
}

// Kernel is safe for concurrent use. A nil *Kernel leaves temperatures
// untouched.
type Kernel struct {
	mu sync.Mutex
	st State
}

// New returns a kernel walking with no tension.
func New() *Kernel {
	return &Kernel{st: State{Velocity: VelocityWalk, CosmicCoherence: 0.5}}
}

// SetVelocity changes the velocity mode.
func (k *Kernel) SetVelocity(v Velocity) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.st.Velocity = min(max(v, VelocityBackward), VelocityRun)
}

// State returns a snapshot.
func (k *Kernel) State() State {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.st
}

// Modulate maps a base temperature through the current state.
//
// Expectations:
//   - Multiplies base by the velocity factor (nomove 0.5, walk 0.85, run 1.2, backward 0.7)
//   - Pain lowers the result by pain × 0.3; dissonance raises it by dissonance × 0.25
//   - The result is clamped to [0.3, 1.2]
//   - A nil kernel returns base unchanged
func (k *Kernel) Modulate(base float64) float64 {
	if k == nil {
		return base
	}
	k.mu.Lock()
	st := k.st
	k.mu.Unlock()
	t := base*st.Velocity.factor() - 0.3*st.Pain + 0.25*st.Dissonance
	return min(max(t, pulse.MinTemperature), pulse.MaxTemperature)
}

// UpdateFromChambers sets tension, dissonance and cosmic coherence from cloud
// chamber activations (keys are upper-case chamber names).
//
// Expectations:
//   - tension = min(1, FEAR×0.5 + VOID×0.3), eased by LOVE×0.5 when LOVE > 0.3
//   - dissonance = min(1, RAGE×0.7)
//   - cosmic coherence = min(1, FLOW×0.5 + COMPLEX×0.3 + 0.2)
//   - pain is recomputed
//   - A nil kernel ignores the call
func (k *Kernel) UpdateFromChambers(act map[string]float64) {
	if k == nil || len(act) == 0 {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.st.Tension = min(1, act["FEAR"]*0.5+act["VOID"]*0.3)
	if love := act["LOVE"]; love > 0.3 {
		k.st.Tension *= 1 - love*0.5
	}
	k.st.Dissonance = min(1, act["RAGE"]*0.7)
	k.st.CosmicCoherence = min(1, act["FLOW"]*0.5+act["COMPLEX"]*0.3+0.2)
	k.st.Pain = pain(k.st)
	slog.Debug("[KERNEL] chambers", "tension", k.st.Tension, "dissonance", k.st.Dissonance, "pain", k.st.Pain)
}

// Step advances one generation: tension and dissonance heal faster the more
// coherent the cosmos.
func (k *Kernel) Step() {
	if k == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if c := k.st.CosmicCoherence; c > 0 {
		heal := 0.998 - 0.003*(0.5+0.5*c)
		k.st.Tension *= heal
		k.st.Dissonance *= heal
		k.st.Pain = pain(k.st)
	}
	k.st.Steps++
}

// pain = 0.25×arousal + 0.35×tension + 0.25×dissonance, where arousal is
// approximated by tension × 1.5.
func pain(st State) float64 {
	p := 0.25*st.Tension*1.5 + 0.35*st.Tension + 0.25*st.Dissonance
	return min(max(p, 0), 1)
}

// Run steps the kernel once per message on done until ctx is cancelled or
// done closes. Feed it a bus subscription to GenerationComplete.
func (k *Kernel) Run(ctx context.Context, done <-chan types.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-done:
			if !ok {
				return
			}
			k.Step()
		}
	}
}
