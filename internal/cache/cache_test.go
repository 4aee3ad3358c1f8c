package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phobologic/rootcause/internal/graph"
	"github.com/phobologic/rootcause/internal/index"
	"github.com/phobologic/rootcause/internal/model"
	"github.com/phobologic/rootcause/internal/snapshot"
)

var files = fstest.MapFS{
	"p/A.java": {Data: []byte("package p;\nclass A { void a() { new B().b(); } }\n")},
	"p/B.java": {Data: []byte("package p;\nclass B { void b() {} }\n")},
}

type counter struct{ n atomic.Int32 }

func (c *counter) build(t *testing.T) BuildFunc {
	return func(ctx context.Context) (*index.Index, *graph.CallGraph, []model.Warning, error) {
		c.n.Add(1)
		time.Sleep(5 * time.Millisecond)
		ix, g, warnings, err := index.Build(ctx, snapshot.NewFSTree("test", files))
		if err != nil {
			t.Errorf("Build: %v", err)
		}
		return ix, g, warnings, err
	}
}

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetBuildsOnceAndHits(t *testing.T) {
	t.Parallel()

	c := New(nil, nil)
	var calls counter
	ctx := context.Background()

	first, err := c.Get(ctx, "repo", "h1", calls.build(t))
	require.NoError(t, err)
	second, err := c.Get(ctx, "repo", "h1", calls.build(t))
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.EqualValues(t, 1, calls.n.Load())
	assert.Equal(t, "h1", first.Hash)
	assert.Len(t, first.Index.Methods, 2)
}

func TestConcurrentMissesShareOneBuild(t *testing.T) {
	t.Parallel()

	c := New(nil, nil)
	var calls counter
	build := calls.build(t)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Get(context.Background(), "repo", "h1", build)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, calls.n.Load())
}

func TestHashChangeEvicts(t *testing.T) {
	t.Parallel()

	c := New(nil, nil)
	var calls counter
	ctx := context.Background()

	_, err := c.Get(ctx, "repo", "h1", calls.build(t))
	require.NoError(t, err)
	_, err = c.Get(ctx, "repo", "h2", calls.build(t))
	require.NoError(t, err)

	assert.Equal(t, 1, c.Len(), "old snapshot should be evicted")
	assert.EqualValues(t, 2, calls.n.Load())

	_, err = c.Get(ctx, "repo", "h1", calls.build(t))
	require.NoError(t, err)
	assert.EqualValues(t, 3, calls.n.Load(), "evicted snapshot must be rebuilt")
}

func TestSharedHashSurvivesOtherRefChange(t *testing.T) {
	t.Parallel()

	c := New(nil, nil)
	var calls counter
	ctx := context.Background()

	_, err := c.Get(ctx, "clone-a", "h1", calls.build(t))
	require.NoError(t, err)
	_, err = c.Get(ctx, "clone-b", "h1", calls.build(t))
	require.NoError(t, err)
	_, err = c.Get(ctx, "clone-a", "h2", calls.build(t))
	require.NoError(t, err)

	assert.Equal(t, 2, c.Len())

	c.Evict(ctx, "clone-b")
	assert.Equal(t, 1, c.Len())
}

func TestSupersededBuildIsNotKept(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	c := New(s, nil)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	var stale counter
	slow := func(ctx context.Context) (*index.Index, *graph.CallGraph, []model.Warning, error) {
		close(started)
		<-release
		return stale.build(t)(ctx)
	}

	done := make(chan *Entry)
	go func() {
		e, err := c.Get(ctx, "repo", "h1", slow)
		assert.NoError(t, err)
		done <- e
	}()

	<-started
	var calls counter
	_, err := c.Get(ctx, "repo", "h2", calls.build(t))
	require.NoError(t, err)
	close(release)

	e1 := <-done
	require.NotNil(t, e1, "the superseded build still answers its caller")
	assert.Equal(t, "h1", e1.Hash)

	assert.Equal(t, 1, c.Len(), "only the current snapshot is kept")
	_, err = s.Load(ctx, "h1")
	assert.ErrorIs(t, err, ErrNotFound, "superseded snapshot must not be persisted")
	_, err = s.Load(ctx, "h2")
	assert.NoError(t, err)

	_, err = c.Get(ctx, "repo", "h2", calls.build(t))
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.n.Load())
}

func TestBuildErrorIsNotCached(t *testing.T) {
	t.Parallel()

	c := New(nil, nil)
	boom := errors.New("boom")
	fail := func(context.Context) (*index.Index, *graph.CallGraph, []model.Warning, error) {
		return nil, nil, nil, boom
	}

	_, err := c.Get(context.Background(), "repo", "h1", fail)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())

	var calls counter
	_, err = c.Get(context.Background(), "repo", "h1", calls.build(t))
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.n.Load())
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	ctx := context.Background()
	ix, g, _, err := index.Build(ctx, snapshot.NewFSTree("test", files))
	require.NoError(t, err)

	warnings := []model.Warning{{Kind: model.FileIndexWarning, Path: "p/C.java", Line: 3, Message: "syntax error; file excluded"}}
	require.NoError(t, s.Save(ctx, &Entry{Hash: "h1", Index: ix, Graph: g, Warnings: warnings}))

	got, err := s.Load(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, ix.Fingerprint(), got.Index.Fingerprint())
	assert.Equal(t, g.Fingerprint(), got.Graph.Fingerprint())
	assert.Equal(t, warnings, got.Warnings)

	// Lookups are rebuilt on load.
	_, ok := got.Index.Method("p.B.b()")
	assert.True(t, ok)
	assert.Len(t, got.Graph.Callers("p.B.b()"), 1)

	metas, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, "h1", metas[0].Hash)
	assert.Equal(t, 2, metas[0].Files)

	require.NoError(t, s.Delete(ctx, "h1"))
	_, err = s.Load(ctx, "h1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, s.Delete(ctx, "h1"), "deleting twice is fine")
}

func TestCacheLoadsFromStore(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	ctx := context.Background()

	var calls counter
	_, err := New(s, nil).Get(ctx, "repo", "h1", calls.build(t))
	require.NoError(t, err)

	// A fresh cache over the same store, as after a restart.
	e, err := New(s, nil).Get(ctx, "repo", "h1", calls.build(t))
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.n.Load())
	assert.Len(t, e.Index.Files, 2)
}

func TestLoadMissing(t *testing.T) {
	t.Parallel()

	_, err := newStore(t).Load(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
