// Package config loads the field configuration from YAML, applies HAZE_*
// environment overrides and validates the result.
package config

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haricheung/haze/internal/fielderr"
	"github.com/haricheung/haze/internal/lexis"
	"github.com/haricheung/haze/internal/types"
)

// Config is the full field configuration.
type Config struct {
	CorpusPath        string   `yaml:"corpus_path"`
	MinP              float64  `yaml:"min_p"`
	Temperature       *float64 `yaml:"temperature,omitempty"` // nil: derive from the pulse
	Mode              string   `yaml:"mode"`
	UseCoherenceBoost bool     `yaml:"use_coherence_boost"`
	Lookback          int      `yaml:"lookback"`
	Length            int      `yaml:"length"`
	Seed              uint64   `yaml:"seed"` // 0: seed from the clock
	Concurrency       int      `yaml:"concurrency"`

	LogDir      string `yaml:"log_dir"`
	AuditPath   string `yaml:"audit_path"`
	SnapshotDir string `yaml:"snapshot_dir"`
	LexiconDB   string `yaml:"lexicon_db"`
	LogLevel    string `yaml:"log_level"`

	Overlap lexis.OverlapPolicy `yaml:"overlap"`
	Cloud   CloudConfig         `yaml:"cloud"`
}

// CloudConfig points at the optional pulse service.
type CloudConfig struct {
	URL     string `yaml:"url"`
	Timeout string `yaml:"timeout"` // Go duration, e.g. "1s"
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		MinP:              0.05,
		Mode:              "adaptive",
		UseCoherenceBoost: true,
		Lookback:          8,
		Length:            60,
		Concurrency:       4,
		LogLevel:          "info",
		Cloud:             CloudConfig{Timeout: "1s"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates.
//
// Expectations:
//   - An empty path skips the file; a missing file is a CONFIG_FILE error
//   - Fields absent from the file keep their defaults
//   - HAZE_* variables win over the file
//   - The returned config has passed Validate
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fielderr.Wrap(err, fielderr.CodeConfigFile, fielderr.KindConfiguration, "read config").WithContext("path", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fielderr.Wrap(err, fielderr.CodeConfigFile, fielderr.KindConfiguration, "parse config").WithContext("path", path)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes c as YAML, creating the parent directory.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write: %w", err)
	}
	return nil
}

// applyEnv overrides fields from HAZE_* variables. Empty variables are
// ignored.
func (c *Config) applyEnv() error {
	for name, dst := range map[string]*string{
		"HAZE_CORPUS":       &c.CorpusPath,
		"HAZE_MODE":         &c.Mode,
		"HAZE_LOG_DIR":      &c.LogDir,
		"HAZE_AUDIT_PATH":   &c.AuditPath,
		"HAZE_SNAPSHOT_DIR": &c.SnapshotDir,
		"HAZE_LEXICON_DB":   &c.LexiconDB,
		"HAZE_LOG_LEVEL":    &c.LogLevel,
	} {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	var err error
	env := func(name string, parse func(string) error) {
		v := os.Getenv(name)
		if v == "" || err != nil {
			return
		}
		if perr := parse(v); perr != nil {
			err = fielderr.Wrap(perr, fielderr.CodeConfigFile, fielderr.KindConfiguration, "bad environment value").WithContext("var", name)
		}
	}
	env("HAZE_MIN_P", func(v string) (e error) {
		c.MinP, e = strconv.ParseFloat(v, 64)
		return e
	})
	env("HAZE_TEMPERATURE", func(v string) error {
		t, e := strconv.ParseFloat(v, 64)
		if e == nil {
			c.Temperature = &t
		}
		return e
	})
	env("HAZE_COHERENCE_BOOST", func(v string) (e error) {
		c.UseCoherenceBoost, e = strconv.ParseBool(v)
		return e
	})
	env("HAZE_LOOKBACK", func(v string) (e error) {
		c.Lookback, e = strconv.Atoi(v)
		return e
	})
	env("HAZE_LENGTH", func(v string) (e error) {
		c.Length, e = strconv.Atoi(v)
		return e
	})
	env("HAZE_SEED", func(v string) (e error) {
		c.Seed, e = strconv.ParseUint(v, 10, 64)
		return e
	})
	env("HAZE_CONCURRENCY", func(v string) (e error) {
		c.Concurrency, e = strconv.Atoi(v)
		return e
	})
	return err
}

// Validate checks every range constraint.
//
// Expectations:
//   - min_p outside [0,1] → MIN_P_OUT_OF_RANGE
//   - negative temperature override → TEMPERATURE_NEGATIVE
//   - length ≤ 0 → LENGTH_NOT_POSITIVE
//   - lookback < 0 → LOOKBACK_NEGATIVE
//   - unknown mode → MODE_UNKNOWN
//   - concurrency ≤ 0 → CONCURRENCY_NOT_POSITIVE
//   - unparsable log level or cloud timeout → CONFIG_FILE
func (c *Config) Validate() error {
	if math.IsNaN(c.MinP) || c.MinP < 0 || c.MinP > 1 {
		return fielderr.Configf(fielderr.CodeMinPRange, "min_p %v outside [0,1]", c.MinP)
	}
	if c.Temperature != nil && (math.IsNaN(*c.Temperature) || *c.Temperature < 0) {
		return fielderr.Configf(fielderr.CodeTemperature, "temperature %v is negative", *c.Temperature)
	}
	if c.Length <= 0 {
		return fielderr.Configf(fielderr.CodeLength, "length %d must be positive", c.Length)
	}
	if c.Lookback < 0 {
		return fielderr.Configf(fielderr.CodeLookback, "lookback %d is negative", c.Lookback)
	}
	if _, err := types.ParseMode(c.Mode); err != nil {
		return fielderr.Configf(fielderr.CodeMode, "%v", err)
	}
	if c.Concurrency <= 0 {
		return fielderr.Configf(fielderr.CodeConcurrency, "concurrency %d must be positive", c.Concurrency)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if _, err := c.CloudTimeout(); err != nil {
		return err
	}
	return nil
}

// ParsedMode returns the generation mode. Call after Validate.
func (c *Config) ParsedMode() types.Mode {
	m, _ := types.ParseMode(c.Mode)
	return m
}

// SlogLevel maps log_level to a slog.Level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fielderr.Configf(fielderr.CodeConfigFile, "log_level %q: %v", c.LogLevel, err)
	}
	return l, nil
}

// CloudTimeout parses cloud.timeout. Empty means zero, which the cloud
// package replaces with its default.
func (c *Config) CloudTimeout() (time.Duration, error) {
	if c.Cloud.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Cloud.Timeout)
	if err != nil {
		return 0, fielderr.Configf(fielderr.CodeConfigFile, "cloud.timeout %q: %v", c.Cloud.Timeout, err)
	}
	return d, nil
}
