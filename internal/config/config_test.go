package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	rcerrors "github.com/phobologic/rootcause/internal/errors"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Parallel()

	cfg, err := Load(t.TempDir(), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Errorf("config = %+v\nwant      %+v", cfg, Default())
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeConfig(t, filepath.Join(root, FileName), `
index:
  workers: 3
ranking:
  weights:
    recency: 0.5
  confidenceFloor: 0.8
output: toon
`)

	cfg, err := Load(root, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Index.Workers != 3 || cfg.Output != "toon" || cfg.Ranking.ConfidenceFloor != 0.8 {
		t.Errorf("config = %+v", cfg)
	}
	if cfg.Ranking.Weights.Recency != 0.5 {
		t.Errorf("recency = %v", cfg.Ranking.Weights.Recency)
	}
	if cfg.Ranking.Weights.FanIn != 0.25 {
		t.Errorf("unset weight lost its default: %v", cfg.Ranking.Weights.FanIn)
	}
	if cfg.Index.MaxFileSize != 1_000_000 {
		t.Errorf("maxFileSize = %d", cfg.Index.MaxFileSize)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, filepath.Join(root, FileName), "output: toon\n")
	t.Setenv("ROOTCAUSE_OUTPUT", "yaml")
	t.Setenv("ROOTCAUSE_INDEX_WORKERS", "7")

	cfg, err := Load(root, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Output != "yaml" || cfg.Index.Workers != 7 {
		t.Errorf("output = %s, workers = %d", cfg.Output, cfg.Index.Workers)
	}
}

func TestLoadExplicitPathMustExist(t *testing.T) {
	t.Parallel()

	_, err := Load(t.TempDir(), filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, rcerrors.ErrInvalidConfig) {
		t.Errorf("err = %v, want INVALID_CONFIG", err)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	path := filepath.Join(root, "custom.yaml")
	writeConfig(t, path, "ranking:\n  weights:\n    fanIn: -1\n")

	_, err := Load(root, path)
	if rcerrors.CodeOf(err) != rcerrors.InvalidConfig {
		t.Fatalf("err = %v, want INVALID_CONFIG", err)
	}
	if !strings.Contains(err.Error(), "ranking.weights") {
		t.Errorf("error should name the field: %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"defaults", func(*Config) {}, ""},
		{"negative workers", func(c *Config) { c.Index.Workers = -1 }, "index.workers"},
		{"zero file size", func(c *Config) { c.Index.MaxFileSize = 0 }, "index.maxFileSize"},
		{"all weights zero", func(c *Config) {
			c.Ranking.Weights.Recency, c.Ranking.Weights.ExceptionHandling, c.Ranking.Weights.FanIn = 0, 0, 0
		}, "ranking.weights"},
		{"floor above one", func(c *Config) { c.Ranking.ConfidenceFloor = 1.5 }, "ranking.confidenceFloor"},
		{"negative depth", func(c *Config) { c.Ranking.RelatedDepth = -1 }, "ranking.relatedDepth"},
		{"zero timeout", func(c *Config) { c.History.TimeoutSeconds = 0 }, "history.timeoutSeconds"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"bad output", func(c *Config) { c.Output = "csv" }, "output"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.field == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if rcerrors.CodeOf(err) != rcerrors.InvalidConfig || !strings.Contains(err.Error(), tt.field) {
				t.Errorf("err = %v, want INVALID_CONFIG on %s", err, tt.field)
			}
		})
	}
}

func TestCacheDir(t *testing.T) {
	t.Parallel()

	cfg := Default()
	if got := cfg.CacheDir("/repo"); got != filepath.Join("/repo", ".rootcause", "cache") {
		t.Errorf("relative dir = %s", got)
	}
	cfg.Cache.Dir = "/var/cache/rootcause"
	if got := cfg.CacheDir("/repo"); got != "/var/cache/rootcause" {
		t.Errorf("absolute dir = %s", got)
	}
	cfg.Cache.Dir = ""
	if got := cfg.CacheDir("/repo"); got != "" {
		t.Errorf("disabled dir = %s", got)
	}
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := LoggingConfig{Level: "info", Format: "json"}.NewLogger(&buf)
	logger.Debug("hidden")
	logger.Info("shown", "k", "v")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("debug record emitted at info level")
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"k":"v"`) {
		t.Errorf("output = %s", out)
	}
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
