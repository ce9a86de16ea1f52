// Package ui renders responses and live field events to a terminal.
package ui

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/haricheung/haze/internal/field"
	"github.com/haricheung/haze/internal/types"
)

// ANSI codes
const (
	ansiReset   = "\033[0m"
	ansiBold    = "\033[1m"
	ansiDim     = "\033[2m"
	ansiCyan    = "\033[36m"
	ansiYellow  = "\033[33m"
	ansiGreen   = "\033[32m"
	ansiRed     = "\033[31m"
	ansiMagenta = "\033[35m"
)

const barWidth = 20

var msgColor = map[types.MessageType]string{
	types.MsgPulseComputed:      ansiCyan,
	types.MsgSeedSelected:       ansiMagenta,
	types.MsgGenerationComplete: ansiGreen,
	types.MsgRequestFailed:      ansiRed,
	types.MsgLexiconAbsorbed:    ansiYellow,
}

var msgIcon = map[types.MessageType]string{
	types.MsgPulseComputed:      "〰",
	types.MsgSeedSelected:       "🌱",
	types.MsgGenerationComplete: "✅",
	types.MsgRequestFailed:      "❌",
	types.MsgLexiconAbsorbed:    "📥",
}

// Printer writes to w, with or without ANSI colour.
type Printer struct {
	w     io.Writer
	color bool
	width int
}

// NewPrinter returns a Printer. A non-positive width means 80 columns.
func NewPrinter(w io.Writer, width int, color bool) *Printer {
	if width <= 0 {
		width = 80
	}
	return &Printer{w: w, color: color, width: width}
}

func (p *Printer) paint(code, s string) string {
	if !p.color || code == "" {
		return s
	}
	return code + s + ansiReset
}

// Render prints a response: pulse bars, the seed, the wrapped text and the
// metrics footer.
//
// Expectations:
//   - Every text line fits in the printer width (measured in terminal cells)
//   - The seed line names its source, and its rank for gravity and widened seeds
//   - Colour codes appear only when colour is enabled
func (p *Printer) Render(resp *field.Response) {
	fmt.Fprintf(p.w, "%s\n", p.paint(ansiDim, "┌─── haze "+strings.Repeat("─", max(0, p.width-10))))
	p.bar("arousal", resp.Pulse.Arousal)
	p.bar("novelty", resp.Pulse.Novelty)
	p.bar("entropy", resp.Pulse.Entropy)
	p.bar("pulse", resp.Pulse.Composite)

	temp := fmt.Sprintf("%.2f", resp.Temperature)
	if resp.Overridden {
		temp += " (fixed)"
	}
	fmt.Fprintf(p.w, "│ %-8s %s\n", "temp", temp)
	fmt.Fprintf(p.w, "│ %-8s %s\n", "seed", p.paint(ansiMagenta, clip(seedLabel(resp.Seed), p.width-11)))
	fmt.Fprintf(p.w, "%s\n", p.paint(ansiDim, "├"+strings.Repeat("─", max(0, p.width-1))))

	for _, line := range Wrap(resp.Text, p.width-2) {
		fmt.Fprintf(p.w, "│ %s\n", p.paint(ansiBold, line))
	}
	footer := fmt.Sprintf("└─── coherence %.2f · diversity %.2f · %d tokens · %dms",
		resp.Coherence, resp.Diversity, len(resp.Tokens), resp.ElapsedMs)
	fmt.Fprintf(p.w, "%s\n", p.paint(ansiDim, runewidth.Truncate(footer, p.width, "…")))
}

func (p *Printer) bar(label string, v float64) {
	n := int(v*barWidth + 0.5)
	n = min(max(n, 0), barWidth)
	fill := strings.Repeat("█", n) + strings.Repeat("░", barWidth-n)
	fmt.Fprintf(p.w, "│ %-8s %s %.2f\n", label, p.paint(ansiCyan, fill), v)
}

func seedLabel(s types.InternalSeed) string {
	label := fmt.Sprintf("%q [%s", strings.Join(s.Forms, " "), s.Source)
	if s.Source != types.SourceFallback && s.Rank > 0 {
		label += fmt.Sprintf(" #%d", s.Rank)
	}
	if s.Pool != "" && s.Pool != "full" && s.Source != types.SourceFallback {
		label += " " + s.Pool
	}
	return label + "]"
}

// Wrap breaks text into lines of at most width terminal cells, splitting at
// spaces. A single word wider than width is truncated with "…".
func Wrap(text string, width int) []string {
	if width <= 0 {
		width = 1
	}
	var lines []string
	var cur strings.Builder
	curW := 0
	for _, word := range strings.Fields(text) {
		ww := runewidth.StringWidth(word)
		if ww > width {
			word = runewidth.Truncate(word, width, "…")
			ww = runewidth.StringWidth(word)
		}
		switch {
		case curW == 0:
			cur.WriteString(word)
			curW = ww
		case curW+1+ww <= width:
			cur.WriteByte(' ')
			cur.WriteString(word)
			curW += 1 + ww
		default:
			lines = append(lines, cur.String())
			cur.Reset()
			cur.WriteString(word)
			curW = ww
		}
	}
	if curW > 0 {
		lines = append(lines, cur.String())
	}
	return lines
}

// ── live trace ───────────────────────────────────────────────────────────────

// Trace prints one flow line per bus message read from tap until ctx is
// cancelled or tap closes.
func (p *Printer) Trace(ctx context.Context, tap <-chan types.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-tap:
			if !ok {
				return
			}
			p.printFlow(msg)
		}
	}
}

func (p *Printer) printFlow(msg types.Message) {
	icon := msgIcon[msg.Type]
	if icon == "" {
		icon = "•"
	}
	label := string(msg.Type)
	if det := msgDetail(msg); det != "" {
		label += ": " + det
	}
	line := fmt.Sprintf("  %s %s ──[%s]", icon, msg.From, p.paint(msgColor[msg.Type], label))
	fmt.Fprintln(p.w, line)
}

func msgDetail(msg types.Message) string {
	switch msg.Type {
	case types.MsgPulseComputed:
		var pc types.PulseComputed
		if remarshal(msg.Payload, &pc) == nil {
			return fmt.Sprintf("%s → t=%.2f", pc.Pulse, pc.Temperature)
		}
	case types.MsgSeedSelected:
		var ss types.SeedSelected
		if remarshal(msg.Payload, &ss) == nil {
			return clip(seedLabel(ss.Seed), 50)
		}
	case types.MsgGenerationComplete:
		var gc types.GenerationComplete
		if remarshal(msg.Payload, &gc) == nil {
			return fmt.Sprintf("%d tokens, coherence %.2f", gc.Tokens, gc.Coherence)
		}
	case types.MsgRequestFailed:
		var rf types.RequestFailed
		if remarshal(msg.Payload, &rf) == nil {
			return clip(rf.Error, 55)
		}
	case types.MsgLexiconAbsorbed:
		var la types.LexiconAbsorbed
		if remarshal(msg.Payload, &la) == nil {
			return fmt.Sprintf("+%d words, +%d trigrams", la.NewWords, la.NewTrigrams)
		}
	}
	return ""
}

// clip truncates s to at most n terminal cells, appending "…" if trimmed.
func clip(s string, n int) string {
	return runewidth.Truncate(s, n, "…")
}

func remarshal(src, dst any) error {
	b, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}
