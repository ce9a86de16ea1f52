package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haricheung/haze/internal/audit"
	"github.com/haricheung/haze/internal/bus"
	"github.com/haricheung/haze/internal/cloud"
	"github.com/haricheung/haze/internal/config"
	"github.com/haricheung/haze/internal/field"
	"github.com/haricheung/haze/internal/fielderr"
	"github.com/haricheung/haze/internal/freqstore"
	"github.com/haricheung/haze/internal/kernel"
	"github.com/haricheung/haze/internal/lexicon"
	"github.com/haricheung/haze/internal/lexis"
	"github.com/haricheung/haze/internal/pulse"
	"github.com/haricheung/haze/internal/reqlog"
	"github.com/haricheung/haze/internal/snapshot"
	"github.com/haricheung/haze/internal/types"
	"github.com/haricheung/haze/internal/ui"
)

var (
	configPath string
	noColor    bool
)

var rootCmd = &cobra.Command{
	Use:   "haze",
	Short: "Generate text from a corpus without echoing the prompt",
	Long: `haze grows replies out of a fixed corpus. The prompt sets the mood
(arousal, novelty, entropy) but never the words: the seed that starts every
reply shares no content word with what you typed.`,
	SilenceUsage: true,
}

func main() {
	// Load env before config so HAZE_* from .env take part in overrides
	_ = godotenv.Load(".env")

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable ANSI colour")
	rootCmd.AddCommand(generateCmd, replCmd, absorbCmd, decayCmd, snapshotCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "haze: %v\n", err)
		stop()
		os.Exit(exitCode(err))
	}
}

// app is one configured field plus the infrastructure around it.
type app struct {
	cfg     *config.Config
	field   *field.Field
	bus     *bus.Bus
	auditor *audit.Auditor
	bridge  *cloud.Bridge
	lex     *lexicon.Lexicon
	kernel  *kernel.Kernel

	stopAudit context.CancelFunc
	auditDone chan struct{}
}

// fieldRef lets the local analyzer behind the cloud bridge see the field's
// current store. The field is assigned after construction.
type fieldRef struct{ f *field.Field }

func (r *fieldRef) Vocab() *lexis.Vocabulary { return r.f.Vocab() }
func (r *fieldRef) Count(tok types.Token) int { return r.f.Count(tok) }

// setup loads config, applies flag overrides and builds the field.
func setup(ctx context.Context, override func(*config.Config)) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if override != nil {
		override(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	level, _ := cfg.SlogLevel()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	if cfg.Seed == 0 {
		cfg.Seed = uint64(time.Now().UnixNano())
	}

	store, err := loadCorpus(ctx, cfg)
	if err != nil {
		return nil, err
	}
	lex, err := lexicon.New(ctx, lexicon.Options{DBPath: cfg.LexiconDB})
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, bus: bus.New(), lex: lex, kernel: kernel.New(), auditDone: make(chan struct{})}
	a.auditor = audit.New(a.bus.NewTap(), cfg.AuditPath, cfg.Overlap)
	var auditCtx context.Context
	auditCtx, a.stopAudit = context.WithCancel(context.Background())
	go func() {
		a.auditor.Run(auditCtx)
		close(a.auditDone)
	}()
	// The kernel heals once per finished generation.
	go a.kernel.Run(auditCtx, a.bus.Subscribe(types.MsgGenerationComplete))

	ref := &fieldRef{}
	var analyzer pulse.Analyzer
	if client, timeout := cloudClient(cfg); client != nil {
		a.bridge = cloud.NewBridge(client, pulse.NewLocal(ref), timeout).WithKernel(a.kernel)
		analyzer = a.bridge
		slog.Info("[MAIN] cloud pulse enabled", "timeout", timeout)
	}

	f, err := field.New(store, cfg, field.Options{
		Analyzer: analyzer,
		Lexicon:  lex,
		Bus:      a.bus,
		Logs:     reqlog.NewRegistry(cfg.LogDir),
		Kernel:   a.kernel,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	ref.f = f
	a.field = f
	return a, nil
}

// Close stops the auditor after it drained pending messages, stops the kernel
// and closes the lexicon database.
func (a *app) Close() {
	a.stopAudit()
	<-a.auditDone
	if err := a.lex.Close(); err != nil {
		slog.Warn("[MAIN] close lexicon", "error", err)
	}
	r := a.auditor.Report()
	slog.Info("[AUDIT] report", "messages", r.Messages, "seeds", r.Seeds,
		"fallbacks", r.Fallbacks, "widened", r.Widened, "violations", r.Violations)
	if a.bridge != nil {
		s := a.bridge.Stats()
		slog.Info("[CLOUD] bridge stats", "successes", s.Successes, "failures", s.Failures)
	}
}

// loadCorpus prefers a saved snapshot and falls back to the corpus file.
func loadCorpus(ctx context.Context, cfg *config.Config) (*freqstore.Store, error) {
	if cfg.SnapshotDir != "" {
		store, meta, err := snapshot.Load(ctx, cfg.SnapshotDir)
		switch {
		case err == nil:
			slog.Info("[MAIN] loaded snapshot", "id", meta.ID, "vocab", meta.VocabSize, "tokens", meta.Tokens)
			return store, nil
		case fielderr.CodeOf(err) != fielderr.CodeSnapshotMissing:
			return nil, err
		}
	}
	if cfg.CorpusPath == "" {
		return nil, fielderr.Configf(fielderr.CodeEmptyCorpus, "no corpus: set corpus_path or HAZE_CORPUS")
	}
	data, err := os.ReadFile(cfg.CorpusPath)
	if err != nil {
		return nil, fielderr.Wrap(err, fielderr.CodeConfigFile, fielderr.KindConfiguration, "read corpus").
			WithContext("path", cfg.CorpusPath)
	}
	store := freqstore.FromText(string(data))
	slog.Info("[MAIN] loaded corpus", "path", cfg.CorpusPath, "vocab", store.VocabSize(), "tokens", store.TokenCount())
	return store, nil
}

// cloudClient resolves the optional pulse service: HAZE_CLOUD_URL first,
// then the config file.
func cloudClient(cfg *config.Config) (*cloud.Client, time.Duration) {
	timeout, err := cfg.CloudTimeout()
	if err != nil || timeout <= 0 {
		timeout = cloud.DefaultTimeout
	}
	if c := cloud.NewFromEnv(); c != nil {
		return c, timeout
	}
	if cfg.Cloud.URL != "" {
		return cloud.New(cfg.Cloud.URL, "", timeout), timeout
	}
	return nil, 0
}

func newPrinter() *ui.Printer {
	color := !noColor && os.Getenv("NO_COLOR") == "" && isatty.IsTerminal(os.Stdout.Fd())
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		width, _ = strconv.Atoi(os.Getenv("COLUMNS"))
	}
	return ui.NewPrinter(os.Stdout, width, color)
}

// exitCode flags seed exhaustion separately so scripts can retry with a
// different prompt.
func exitCode(err error) int {
	if errors.Is(err, fielderr.ErrSeedExhaustion) {
		return 3
	}
	return 1
}
