package history

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type countingProvider struct {
	calls    atomic.Int32
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
	err      error
}

func (p *countingProvider) Signal(ctx context.Context, key string) (Signal, error) {
	p.calls.Add(1)
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(p.delay)
	if p.err != nil {
		return Neutral, p.err
	}
	return Signal{AgeRank: float64(len(key)), FrequencyRank: 1, Known: true}, nil
}

func TestGateCachesLookups(t *testing.T) {
	t.Parallel()

	p := &countingProvider{}
	g := NewGate(p, GateOptions{})
	ctx := context.Background()

	for range 3 {
		s, err := g.Signal(ctx, "a/Foo.java")
		if err != nil {
			t.Fatal(err)
		}
		if !s.Known || s.AgeRank != float64(len("a/Foo.java")) {
			t.Errorf("signal = %+v", s)
		}
	}
	if got := p.calls.Load(); got != 1 {
		t.Errorf("provider calls = %d, want 1", got)
	}
	if g.Len() != 1 {
		t.Errorf("cache size = %d", g.Len())
	}
}

func TestGateBoundsConcurrency(t *testing.T) {
	t.Parallel()

	p := &countingProvider{delay: 20 * time.Millisecond}
	g := NewGate(p, GateOptions{MaxConcurrent: 2})

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := string(rune('a'+i)) + ".java"
			if _, err := g.Signal(context.Background(), key); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if peak := p.peak.Load(); peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
	if got := p.calls.Load(); got != 8 {
		t.Errorf("calls = %d, want 8", got)
	}
}

func TestGateFailureIsNeutral(t *testing.T) {
	t.Parallel()

	p := &countingProvider{err: errors.New("backend down")}
	g := NewGate(p, GateOptions{})

	s, err := g.Signal(context.Background(), "X.java")
	if err != nil {
		t.Fatalf("provider failure leaked: %v", err)
	}
	if s != Neutral {
		t.Errorf("signal = %+v, want neutral", s)
	}
	if _, err := g.Signal(context.Background(), "X.java"); err != nil {
		t.Fatal(err)
	}
	if got := p.calls.Load(); got != 1 {
		t.Errorf("failed key was retried: %d calls", got)
	}
}

func TestGateCanceled(t *testing.T) {
	t.Parallel()

	g := NewGate(&countingProvider{}, GateOptions{RatePerSecond: 0.001})
	// The first token is free; the second waits far longer than the context.
	if _, err := g.Signal(context.Background(), "first.java"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := g.Signal(ctx, "second.java"); err == nil {
		t.Error("expected context error while rate limited")
	}
}

func TestNilProviderIsNeutral(t *testing.T) {
	t.Parallel()

	s, err := NewGate(nil, GateOptions{}).Signal(context.Background(), "any")
	if err != nil || s != Neutral {
		t.Errorf("signal = %+v, %v", s, err)
	}
}

func TestGitProvider(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	dir := t.TempDir()
	gitRun(t, dir, "", "init", "-q")

	day := int64(24 * 60 * 60)
	base := int64(1_700_000_000)

	writeFile(t, dir, "Old.java", "class Old {}")
	gitRun(t, dir, "", "add", "Old.java")
	gitCommit(t, dir, base, "old")

	writeFile(t, dir, "Hot.java", "class Hot {}")
	gitRun(t, dir, "", "add", "Hot.java")
	gitCommit(t, dir, base+day, "hot 1")

	writeFile(t, dir, "Hot.java", "class Hot { }")
	gitRun(t, dir, "", "add", "Hot.java")
	gitCommit(t, dir, base+10*day, "hot 2")

	if !IsRepository(context.Background(), dir) {
		t.Fatal("IsRepository = false for a fresh repo")
	}

	p := NewGitProvider(dir, 0, nil)
	ctx := context.Background()

	hot, err := p.Signal(ctx, "Hot.java")
	if err != nil {
		t.Fatal(err)
	}
	if hot.AgeRank != 0 || hot.FrequencyRank != 2 || !hot.Known {
		t.Errorf("Hot = %+v", hot)
	}

	old, err := p.Signal(ctx, "Old.java")
	if err != nil {
		t.Fatal(err)
	}
	if old.AgeRank != 10 || old.FrequencyRank != 1 {
		t.Errorf("Old = %+v", old)
	}
}

func TestGitProviderOutsideRepo(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	if IsRepository(context.Background(), dir) {
		t.Skip("temp dir is inside a git work tree")
	}
	if _, err := NewGitProvider(dir, time.Second, nil).Signal(context.Background(), "A.java"); err == nil {
		t.Error("expected error outside a repository")
	}
}

func gitCommit(t *testing.T, dir string, unix int64, msg string) {
	t.Helper()
	date := time.Unix(unix, 0).UTC().Format(time.RFC3339)
	gitRun(t, dir, date, "-c", "user.name=t", "-c", "user.email=t@example.com", "commit", "-q", "-m", msg)
}

func gitRun(t *testing.T, dir, date string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_CONFIG_NOSYSTEM=1", "HOME="+dir)
	if date != "" {
		cmd.Env = append(cmd.Env, "GIT_AUTHOR_DATE="+date, "GIT_COMMITTER_DATE="+date)
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
