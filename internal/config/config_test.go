package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/haricheung/haze/internal/fielderr"
	"github.com/haricheung/haze/internal/types"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "haze.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	// No file and no environment gives the documented defaults
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MinP != 0.05 || cfg.Lookback != 8 || !cfg.UseCoherenceBoost || cfg.Temperature != nil {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.ParsedMode() != types.ModeAdaptive {
		t.Errorf("mode = %v, want adaptive", cfg.ParsedMode())
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	// Fields in the file replace defaults; absent fields keep them
	path := writeFile(t, `
min_p: 0.1
temperature: 0.4
mode: fixed-2
use_coherence_boost: false
overlap:
  case_sensitive: true
cloud:
  url: http://cloud.local
  timeout: 250ms
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MinP != 0.1 || cfg.Temperature == nil || *cfg.Temperature != 0.4 {
		t.Errorf("unexpected sampling fields %+v", cfg)
	}
	if cfg.UseCoherenceBoost || cfg.ParsedMode() != types.ModeFixed2 {
		t.Errorf("unexpected mode/boost %+v", cfg)
	}
	if cfg.Lookback != 8 {
		t.Errorf("lookback = %d, want default 8", cfg.Lookback)
	}
	if !cfg.Overlap.CaseSensitive {
		t.Error("expected case-sensitive overlap policy")
	}
	if d, _ := cfg.CloudTimeout(); d != 250*time.Millisecond {
		t.Errorf("cloud timeout = %v", d)
	}
}

func TestLoad_EnvWinsOverFile(t *testing.T) {
	// HAZE_* variables override values from the file
	path := writeFile(t, "min_p: 0.1\nlength: 30\n")
	t.Setenv("HAZE_MIN_P", "0.2")
	t.Setenv("HAZE_TEMPERATURE", "0")
	t.Setenv("HAZE_SEED", "42")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MinP != 0.2 || cfg.Length != 30 || cfg.Seed != 42 {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.Temperature == nil || *cfg.Temperature != 0 {
		t.Errorf("expected explicit zero temperature, got %v", cfg.Temperature)
	}
}

func TestLoad_BadEnvValue(t *testing.T) {
	// An unparsable variable is a configuration error naming the variable
	t.Setenv("HAZE_LOOKBACK", "many")
	_, err := Load("")
	fe, ok := fielderr.As(err)
	if !ok || fe.Code != fielderr.CodeConfigFile || fe.Context["var"] != "HAZE_LOOKBACK" {
		t.Fatalf("expected CONFIG_FILE for HAZE_LOOKBACK, got %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	// A path that does not exist is a configuration error
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, fielderr.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestValidate_RangeErrors(t *testing.T) {
	// Each out-of-range field maps to its own code
	neg := -0.5
	cases := []struct {
		name   string
		mutate func(*Config)
		code   string
	}{
		{"min_p high", func(c *Config) { c.MinP = 1.5 }, fielderr.CodeMinPRange},
		{"min_p negative", func(c *Config) { c.MinP = -0.1 }, fielderr.CodeMinPRange},
		{"temperature", func(c *Config) { c.Temperature = &neg }, fielderr.CodeTemperature},
		{"length", func(c *Config) { c.Length = 0 }, fielderr.CodeLength},
		{"lookback", func(c *Config) { c.Lookback = -1 }, fielderr.CodeLookback},
		{"mode", func(c *Config) { c.Mode = "fixed-9" }, fielderr.CodeMode},
		{"concurrency", func(c *Config) { c.Concurrency = 0 }, fielderr.CodeConcurrency},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, fielderr.CodeConfigFile},
		{"cloud timeout", func(c *Config) { c.Cloud.Timeout = "soon" }, fielderr.CodeConfigFile},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if got := fielderr.CodeOf(cfg.Validate()); got != tc.code {
				t.Errorf("code = %q, want %q", got, tc.code)
			}
		})
	}
}

func TestSlogLevel_CaseInsensitive(t *testing.T) {
	// log_level accepts lower-case names
	cfg := Default()
	cfg.LogLevel = "debug"
	if l, err := cfg.SlogLevel(); err != nil || l != slog.LevelDebug {
		t.Errorf("got %v, %v", l, err)
	}
}

func TestSave_RoundTrip(t *testing.T) {
	// A saved config loads back with the same values
	path := filepath.Join(t.TempDir(), "sub", "haze.yaml")
	cfg := Default()
	cfg.CorpusPath = "text.txt"
	cfg.Lookback = 3
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.CorpusPath != "text.txt" || got.Lookback != 3 {
		t.Errorf("unexpected config %+v", got)
	}
}
