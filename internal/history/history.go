// Package history supplies version-control signals for ranking candidates.
package history

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Signal is the history of one file. Ranks are raw values; the resolver
// normalizes them within a candidate set.
type Signal struct {
	// AgeRank is the number of days between the last change and HEAD.
	// Smaller is more recent.
	AgeRank float64 `json:"ageRank"`
	// FrequencyRank is the number of commits touching the file.
	FrequencyRank float64 `json:"frequencyRank"`
	// Known is false for the neutral signal.
	Known bool `json:"known"`
}

// Neutral is the signal used when no history is available.
var Neutral = Signal{}

// Provider looks up history for a snapshot-relative file path.
type Provider interface {
	Signal(ctx context.Context, key string) (Signal, error)
}

// NeutralProvider answers every lookup with Neutral.
type NeutralProvider struct{}

func (NeutralProvider) Signal(context.Context, string) (Signal, error) {
	return Neutral, nil
}

// GitProvider reads history with `git log` in a working tree.
type GitProvider struct {
	root    string
	timeout time.Duration
	logger  *slog.Logger

	headOnce sync.Once
	head     time.Time
	headErr  error
}

// NewGitProvider returns a provider for the git checkout at root.
// timeout bounds each git invocation.
func NewGitProvider(root string, timeout time.Duration, logger *slog.Logger) *GitProvider {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GitProvider{root: root, timeout: timeout, logger: logger}
}

// IsRepository reports whether dir is inside a git working tree.
func IsRepository(ctx context.Context, dir string) bool {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--is-inside-work-tree")
	cmd.Dir = dir
	out, err := cmd.Output()
	return err == nil && strings.TrimSpace(string(out)) == "true"
}

func (p *GitProvider) Signal(ctx context.Context, key string) (Signal, error) {
	p.headOnce.Do(func() {
		p.head, p.headErr = p.headTime(ctx)
	})
	if p.headErr != nil {
		return Neutral, p.headErr
	}

	lines, err := p.git(ctx, "log", "--format=%ct", "--", filepath.ToSlash(key))
	if err != nil {
		return Neutral, err
	}
	if len(lines) == 0 {
		// Untracked: treat as changed at HEAD with no churn.
		return Signal{Known: true}, nil
	}

	last, err := parseUnix(lines[0])
	if err != nil {
		return Neutral, fmt.Errorf("git log %s: %w", key, err)
	}
	age := p.head.Sub(last).Hours() / 24
	if age < 0 {
		age = 0
	}
	return Signal{AgeRank: age, FrequencyRank: float64(len(lines)), Known: true}, nil
}

func (p *GitProvider) headTime(ctx context.Context) (time.Time, error) {
	lines, err := p.git(ctx, "log", "-1", "--format=%ct")
	if err != nil {
		return time.Time{}, err
	}
	if len(lines) == 0 {
		return time.Time{}, fmt.Errorf("git log: repository has no commits")
	}
	return parseUnix(lines[0])
}

func (p *GitProvider) git(ctx context.Context, args ...string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = p.root

	p.logger.Debug("executing git command", "args", args)

	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("git %s: timed out after %s", args[0], p.timeout)
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("git %s: %w", args[0], err)
	}

	var lines []string
	for _, line := range strings.Split(string(out), "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return lines, nil
}

func parseUnix(s string) (time.Time, error) {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return time.Unix(sec, 0), nil
}
