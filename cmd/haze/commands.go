package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/haricheung/haze/internal/config"
	"github.com/haricheung/haze/internal/kernel"
	"github.com/haricheung/haze/internal/snapshot"
)

// generateFlags override config for one invocation. Zero values keep config.
type generateFlags struct {
	temperature float64
	length      int
	seed        uint64
	mode        string
	velocity    string
	asJSON      bool
}

var genFlags generateFlags

// generateCmd answers each argument as a separate prompt
var generateCmd = &cobra.Command{
	Use:   "generate PROMPT [PROMPT...]",
	Short: "Generate one reply per prompt",
	Long: `Generate one reply per prompt. Prompts run concurrently up to the
configured concurrency; replies print in argument order.

With a fixed --seed the output is reproducible for the same corpus and config.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGenerate,
}

func init() {
	fl := generateCmd.Flags()
	fl.Float64VarP(&genFlags.temperature, "temperature", "t", 0, "fixed temperature (overrides the pulse)")
	fl.IntVarP(&genFlags.length, "length", "n", 0, "tokens to generate")
	fl.Uint64Var(&genFlags.seed, "seed", 0, "random seed")
	fl.StringVar(&genFlags.mode, "mode", "", "n-gram mode: adaptive, trigram or bigram")
	fl.StringVar(&genFlags.velocity, "velocity", "walk", "kernel velocity: nomove, walk, run or backward")
	fl.BoolVar(&genFlags.asJSON, "json", false, "print responses as JSON lines")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	velocity, err := kernel.ParseVelocity(genFlags.velocity)
	if err != nil {
		return err
	}
	a, err := setup(ctx, func(cfg *config.Config) {
		if cmd.Flags().Changed("temperature") {
			t := genFlags.temperature
			cfg.Temperature = &t
		}
		if genFlags.length > 0 {
			cfg.Length = genFlags.length
		}
		if genFlags.seed != 0 {
			cfg.Seed = genFlags.seed
		}
		if genFlags.mode != "" {
			cfg.Mode = genFlags.mode
		}
	})
	if err != nil {
		return err
	}
	defer a.Close()
	a.kernel.SetVelocity(velocity)

	resps, err := a.field.RespondAll(ctx, args)
	if err != nil {
		return err
	}
	if genFlags.asJSON {
		enc := json.NewEncoder(os.Stdout)
		for _, r := range resps {
			if err := enc.Encode(r); err != nil {
				return fmt.Errorf("encode response: %w", err)
			}
		}
		return nil
	}
	p := newPrinter()
	for _, r := range resps {
		p.Render(r)
	}
	return nil
}

var absorbBoost float64

// absorbCmd grows the corpus with new text
var absorbCmd = &cobra.Command{
	Use:   "absorb [FILE|-]",
	Short: "Absorb text into the lexicon",
	Long: `Absorb text into the lexicon. New word trigrams are merged into the
corpus for this run and, with lexicon_db set, persist for later runs.

Reads FILE, or stdin when FILE is "-" or omitted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAbsorb,
}

func init() {
	absorbCmd.Flags().Float64Var(&absorbBoost, "boost", 1, "starting weight of new words")
}

func runAbsorb(cmd *cobra.Command, args []string) error {
	src := "-"
	if len(args) == 1 {
		src = args[0]
	}
	var (
		data []byte
		err  error
	)
	if src == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(src)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}

	ctx := cmd.Context()
	a, err := setup(ctx, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := a.field.Absorb(ctx, string(data), src, absorbBoost)
	if err != nil {
		return err
	}
	fmt.Printf("absorbed %d new words, %d new trigrams\n", len(rec.Words), len(rec.Trigrams))
	fmt.Println(a.lex.Stats())
	return nil
}

// decayCmd fades lexicon weights once
var decayCmd = &cobra.Command{
	Use:   "decay",
	Short: "Apply one decay step to absorbed words",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := setup(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()
		n, err := a.field.Decay(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("forgot %d words\n", n)
		return nil
	},
}

// snapshotCmd persists the current store
var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Save or inspect the corpus snapshot",
	Long: `Manage the LevelDB snapshot at snapshot_dir.

Available subcommands:
  save - write the current store (corpus plus absorbed text)
  info - show the saved snapshot's metadata`,
}

var snapshotSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Write the current store to snapshot_dir",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := setup(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()
		if a.cfg.SnapshotDir == "" {
			return fmt.Errorf("snapshot_dir is not set")
		}
		meta, err := snapshot.Save(ctx, a.cfg.SnapshotDir, a.field.Store())
		if err != nil {
			return err
		}
		printMeta(meta)
		return nil
	},
}

var snapshotInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the saved snapshot's metadata",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cfg.SnapshotDir == "" {
			return fmt.Errorf("snapshot_dir is not set")
		}
		_, meta, err := snapshot.Load(cmd.Context(), cfg.SnapshotDir)
		if err != nil {
			return err
		}
		printMeta(meta)
		return nil
	},
}

func init() {
	snapshotCmd.AddCommand(snapshotSaveCmd, snapshotInfoCmd)
}

func printMeta(m snapshot.Meta) {
	fmt.Printf("snapshot %s\n", m.ID)
	fmt.Printf("  created  %s\n", m.CreatedAt)
	fmt.Printf("  vocab    %d\n", m.VocabSize)
	fmt.Printf("  segments %d\n", m.Segments)
	fmt.Printf("  tokens   %d\n", m.Tokens)
}
