package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/haricheung/haze/internal/field"
	"github.com/haricheung/haze/internal/kernel"
	"github.com/haricheung/haze/internal/snapshot"
	"github.com/haricheung/haze/internal/ui"
)

var (
	replTrace bool
	replLearn bool
)

// replCmd runs the interactive loop
var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Talk to the field interactively",
	Long: `Talk to the field interactively. Each line is a prompt; lines starting
with "/" are commands (/help lists them).`,
	Args: cobra.NoArgs,
	RunE: runREPL,
}

func init() {
	replCmd.Flags().BoolVar(&replTrace, "trace", false, "print field events as they happen")
	replCmd.Flags().BoolVar(&replLearn, "learn", true, "absorb each prompt after answering it")
}

var errQuit = errors.New("quit")

// session is the mutable REPL state.
type session struct {
	app         *app
	printer     *ui.Printer
	temperature *float64
}

func runREPL(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := setup(ctx, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	homeDir, _ := os.UserHomeDir()
	histDir := filepath.Join(homeDir, ".cache", "haze")
	_ = os.MkdirAll(histDir, 0o755)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "haze> ",
		HistoryFile:     filepath.Join(histDir, "history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	s := &session{app: a, printer: newPrinter()}
	if replTrace {
		go ui.NewPrinter(rl.Stderr(), 0, false).Trace(ctx, a.bus.NewTap())
	}

	fmt.Println("haze: the prompt sets the mood, never the words (/help, /quit)")
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if err := s.command(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				fmt.Printf("error: %v\n", err)
			}
			continue
		}
		if err := s.respond(ctx, line); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

func (s *session) respond(ctx context.Context, prompt string) error {
	resp, err := s.app.field.Respond(ctx, prompt, field.RequestOptions{Temperature: s.temperature})
	if err != nil {
		return err
	}
	s.printer.Render(resp)
	// The prompt joins the corpus only after its own reply was seeded.
	if replLearn {
		if _, err := s.app.field.Absorb(ctx, prompt, "user", 1); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) command(ctx context.Context, line string) error {
	parts := strings.Fields(line)
	arg := strings.TrimSpace(strings.TrimPrefix(line, parts[0]))

	switch parts[0] {
	case "/quit", "/exit", "/q":
		return errQuit

	case "/help", "/h":
		fmt.Println("  /temp <t|auto>   fix the temperature or derive it from the pulse")
		fmt.Println("  /velocity <v>    nomove, walk, run or backward")
		fmt.Println("  /kernel          tension, dissonance and pain")
		fmt.Println("  /absorb <text>   grow the corpus with text")
		fmt.Println("  /decay           fade absorbed words once")
		fmt.Println("  /resonant [n]    heaviest absorbed words")
		fmt.Println("  /stats           lexicon, audit and cloud counters")
		fmt.Println("  /save            write a snapshot to snapshot_dir")
		fmt.Println("  /quit            leave")

	case "/temp":
		if arg == "" || arg == "auto" {
			s.temperature = nil
			fmt.Println("temperature: from pulse")
			return nil
		}
		t, err := strconv.ParseFloat(arg, 64)
		if err != nil || t < 0 {
			return fmt.Errorf("temperature must be a non-negative number, got %q", arg)
		}
		s.temperature = &t
		fmt.Printf("temperature: %.2f\n", t)

	case "/velocity":
		if arg == "" {
			fmt.Printf("velocity: %s\n", s.app.kernel.State().Velocity)
			return nil
		}
		v, err := kernel.ParseVelocity(arg)
		if err != nil {
			return err
		}
		s.app.kernel.SetVelocity(v)
		fmt.Printf("velocity: %s\n", v)

	case "/kernel":
		fmt.Println(s.app.kernel.State())

	case "/absorb":
		if arg == "" {
			return fmt.Errorf("usage: /absorb <text>")
		}
		rec, err := s.app.field.Absorb(ctx, arg, "user", 1)
		if err != nil {
			return err
		}
		fmt.Printf("+%d words, +%d trigrams\n", len(rec.Words), len(rec.Trigrams))

	case "/decay":
		n, err := s.app.field.Decay(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("forgot %d words\n", n)

	case "/resonant":
		n := 10
		if arg != "" {
			v, err := strconv.Atoi(arg)
			if err != nil || v <= 0 {
				return fmt.Errorf("usage: /resonant [n]")
			}
			n = v
		}
		fmt.Println(strings.Join(s.app.lex.ResonantWords(n), " "))

	case "/stats":
		fmt.Println(s.app.lex.Stats())
		r := s.app.auditor.Report()
		fmt.Printf("audit: %d seeds, %d fallback, %d widened, %d exhausted, %d violations\n",
			r.Seeds, r.Fallbacks, r.Widened, r.Exhaustions, r.Violations)
		if s.app.bridge != nil {
			bs := s.app.bridge.Stats()
			fmt.Printf("cloud: %d ok, %d failed (%.0f%%)\n", bs.Successes, bs.Failures, bs.SuccessRate*100)
		}

	case "/save":
		if s.app.cfg.SnapshotDir == "" {
			return fmt.Errorf("snapshot_dir is not set")
		}
		meta, err := snapshot.Save(ctx, s.app.cfg.SnapshotDir, s.app.field.Store())
		if err != nil {
			return err
		}
		printMeta(meta)

	default:
		return fmt.Errorf("unknown command %s (try /help)", parts[0])
	}
	return nil
}
