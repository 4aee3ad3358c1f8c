// Package config loads rootcause settings from .rootcause.yaml, ROOTCAUSE_*
// environment variables and built-in defaults, in increasing order of
// precedence: defaults, file, environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	rcerrors "github.com/phobologic/rootcause/internal/errors"
	"github.com/phobologic/rootcause/internal/ranking"
)

// FileName is the config file looked up in the snapshot root.
const FileName = ".rootcause.yaml"

// EnvPrefix prefixes environment overrides, e.g. ROOTCAUSE_INDEX_WORKERS.
const EnvPrefix = "ROOTCAUSE"

// Config is the complete configuration.
type Config struct {
	Index   IndexConfig   `yaml:"index" mapstructure:"index"`
	Ranking RankingConfig `yaml:"ranking" mapstructure:"ranking"`
	History HistoryConfig `yaml:"history" mapstructure:"history"`
	Cache   CacheConfig   `yaml:"cache" mapstructure:"cache"`
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
	// Output is the report format: json, yaml or toon.
	Output string `yaml:"output" mapstructure:"output"`
}

// IndexConfig controls source indexing.
type IndexConfig struct {
	// Workers is the parser pool size. Zero means GOMAXPROCS.
	Workers      int   `yaml:"workers" mapstructure:"workers"`
	MaxFileSize  int64 `yaml:"maxFileSize" mapstructure:"maxFileSize"`
	IncludeTests bool  `yaml:"includeTests" mapstructure:"includeTests"`
}

// RankingConfig controls candidate scoring and report confidence.
type RankingConfig struct {
	Weights         ranking.Weights `yaml:"weights" mapstructure:"weights"`
	ConfidenceFloor float64         `yaml:"confidenceFloor" mapstructure:"confidenceFloor"`
	RelatedDepth    int             `yaml:"relatedDepth" mapstructure:"relatedDepth"`
}

// HistoryConfig controls version-history lookups.
type HistoryConfig struct {
	Enabled        bool    `yaml:"enabled" mapstructure:"enabled"`
	TimeoutSeconds int     `yaml:"timeoutSeconds" mapstructure:"timeoutSeconds"`
	MaxConcurrent  int64   `yaml:"maxConcurrent" mapstructure:"maxConcurrent"`
	RatePerSecond  float64 `yaml:"ratePerSecond" mapstructure:"ratePerSecond"`
}

// Timeout returns the per-command git timeout.
func (h HistoryConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutSeconds) * time.Second
}

// CacheConfig controls the persistent snapshot store.
type CacheConfig struct {
	// Dir holds the store. Relative paths are taken from the snapshot root.
	// Empty keeps indexes in memory only.
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// LoggingConfig controls diagnostic output on stderr.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Index: IndexConfig{
			MaxFileSize: 1_000_000,
		},
		Ranking: RankingConfig{
			Weights:         ranking.DefaultWeights(),
			ConfidenceFloor: 0.5,
			RelatedDepth:    2,
		},
		History: HistoryConfig{
			Enabled:        true,
			TimeoutSeconds: 10,
			MaxConcurrent:  4,
		},
		Cache: CacheConfig{
			Dir: filepath.Join(".rootcause", "cache"),
		},
		Logging: LoggingConfig{
			Level:  "warn",
			Format: "text",
		},
		Output: "json",
	}
}

// Load reads the configuration for a snapshot root. When path is empty the
// file is looked up as root/.rootcause.yaml and may be absent; an explicit
// path must exist.
func Load(root, path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, ".yaml"))
		v.AddConfigPath(root)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, rcerrors.New(rcerrors.InvalidConfig, "reading config", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, rcerrors.New(rcerrors.InvalidConfig, "decoding config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("index.workers", d.Index.Workers)
	v.SetDefault("index.maxFileSize", d.Index.MaxFileSize)
	v.SetDefault("index.includeTests", d.Index.IncludeTests)
	v.SetDefault("ranking.weights.recency", d.Ranking.Weights.Recency)
	v.SetDefault("ranking.weights.exceptionHandling", d.Ranking.Weights.ExceptionHandling)
	v.SetDefault("ranking.weights.fanIn", d.Ranking.Weights.FanIn)
	v.SetDefault("ranking.weights.speculativePenalty", d.Ranking.Weights.SpeculativePenalty)
	v.SetDefault("ranking.confidenceFloor", d.Ranking.ConfidenceFloor)
	v.SetDefault("ranking.relatedDepth", d.Ranking.RelatedDepth)
	v.SetDefault("history.enabled", d.History.Enabled)
	v.SetDefault("history.timeoutSeconds", d.History.TimeoutSeconds)
	v.SetDefault("history.maxConcurrent", d.History.MaxConcurrent)
	v.SetDefault("history.ratePerSecond", d.History.RatePerSecond)
	v.SetDefault("cache.dir", d.Cache.Dir)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("output", d.Output)
}

// Validate reports the first invalid setting as an INVALID_CONFIG error.
func (c *Config) Validate() error {
	w := c.Ranking.Weights
	switch {
	case c.Index.Workers < 0:
		return invalid("index.workers", "must not be negative")
	case c.Index.MaxFileSize <= 0:
		return invalid("index.maxFileSize", "must be positive")
	case w.Recency < 0 || w.ExceptionHandling < 0 || w.FanIn < 0 || w.SpeculativePenalty < 0:
		return invalid("ranking.weights", "weights must not be negative")
	case w.Recency+w.ExceptionHandling+w.FanIn == 0:
		return invalid("ranking.weights", "at least one positive weight is required")
	case c.Ranking.ConfidenceFloor <= 0 || c.Ranking.ConfidenceFloor > 1:
		return invalid("ranking.confidenceFloor", "must be in (0, 1]")
	case c.Ranking.RelatedDepth < 0:
		return invalid("ranking.relatedDepth", "must not be negative")
	case c.History.TimeoutSeconds <= 0:
		return invalid("history.timeoutSeconds", "must be positive")
	case c.History.MaxConcurrent <= 0:
		return invalid("history.maxConcurrent", "must be positive")
	case c.History.RatePerSecond < 0:
		return invalid("history.ratePerSecond", "must not be negative")
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return invalid("logging.level", err.Error())
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return invalid("logging.format", fmt.Sprintf("unknown format %q", c.Logging.Format))
	}
	switch c.Output {
	case "json", "yaml", "toon":
	default:
		return invalid("output", fmt.Sprintf("unknown format %q", c.Output))
	}
	return nil
}

func invalid(field, msg string) error {
	return rcerrors.New(rcerrors.InvalidConfig, field+": "+msg, nil).
		WithDetails(map[string]string{"field": field})
}

// CacheDir returns the store directory for a snapshot root, or "" when
// persistence is off.
func (c *Config) CacheDir(root string) string {
	if c.Cache.Dir == "" || filepath.IsAbs(c.Cache.Dir) {
		return c.Cache.Dir
	}
	return filepath.Join(root, c.Cache.Dir)
}

// NewLogger builds the logger described by the logging section.
func (l LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(l.Level)
	if err != nil {
		level = slog.LevelWarn
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown level %q", s)
	}
	return level, nil
}
