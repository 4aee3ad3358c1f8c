// Package cache keeps built snapshot indexes keyed by content hash.
//
// Each snapshot ref maps to the hash it was last seen with. Looking a ref
// up under a new hash evicts the entry of the old one, so a changed tree is
// always re-indexed. Entries are optionally persisted in a Store.
package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/phobologic/rootcause/internal/graph"
	"github.com/phobologic/rootcause/internal/index"
	"github.com/phobologic/rootcause/internal/metrics"
	"github.com/phobologic/rootcause/internal/model"
)

// Entry is one built snapshot. Its index and graph are read-only.
type Entry struct {
	Hash     string
	Index    *index.Index
	Graph    *graph.CallGraph
	Warnings []model.Warning
	BuiltAt  time.Time
}

// BuildFunc indexes a snapshot on a cache miss.
type BuildFunc func(ctx context.Context) (*index.Index, *graph.CallGraph, []model.Warning, error)

// Cache is safe for concurrent use. Concurrent misses on the same hash
// share one build.
type Cache struct {
	store  *Store
	logger *slog.Logger
	group  singleflight.Group

	mu      sync.Mutex
	entries map[string]*Entry // hash -> entry
	refs    map[string]string // ref -> hash
}

// New returns an empty cache. store may be nil.
func New(store *Store, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = discard()
	}
	return &Cache{
		store:   store,
		logger:  logger,
		entries: make(map[string]*Entry),
		refs:    make(map[string]string),
	}
}

// Get returns the snapshot of ref with content hash, building it with
// build when neither memory nor the store has it.
func (c *Cache) Get(ctx context.Context, ref, hash string, build BuildFunc) (*Entry, error) {
	c.mu.Lock()
	if old, ok := c.refs[ref]; ok && old != hash {
		c.evictLocked(ctx, ref, old)
	}
	c.refs[ref] = hash
	e, ok := c.entries[hash]
	c.mu.Unlock()
	if ok {
		metrics.RecordCacheLookup("hit")
		return e, nil
	}

	v, err, _ := c.group.Do(hash, func() (interface{}, error) {
		return c.load(ctx, hash, build)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

func (c *Cache) load(ctx context.Context, hash string, build BuildFunc) (*Entry, error) {
	if c.store != nil {
		e, err := c.store.Load(ctx, hash)
		switch {
		case err == nil:
			metrics.RecordCacheLookup("disk")
			c.keep(ctx, e, false)
			return e, nil
		case !errors.Is(err, ErrNotFound):
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Warn("snapshot store read failed; rebuilding", "hash", hash, "error", err)
		}
	}

	metrics.RecordCacheLookup("miss")
	ix, g, warnings, err := build(ctx)
	if err != nil {
		return nil, err
	}
	e := &Entry{Hash: hash, Index: ix, Graph: g, Warnings: warnings, BuiltAt: time.Now()}
	c.keep(ctx, e, true)
	return e, nil
}

// keep caches e, and with persist saves it to the store, unless the refs
// that asked for it moved to another hash while it was loading. A
// superseded entry is still returned to its callers but never kept.
func (c *Cache) keep(ctx context.Context, e *Entry, persist bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	live := false
	for _, h := range c.refs {
		if h == e.Hash {
			live = true
			break
		}
	}
	if !live {
		c.logger.Debug("snapshot superseded while loading", "hash", e.Hash)
		return
	}

	c.entries[e.Hash] = e
	if persist && c.store != nil {
		if err := c.store.Save(ctx, e); err != nil {
			c.logger.Warn("persisting snapshot failed", "hash", e.Hash, "error", err)
		}
	}
}

// Evict drops whatever is cached for ref.
func (c *Cache) Evict(ctx context.Context, ref string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hash, ok := c.refs[ref]; ok {
		c.evictLocked(ctx, ref, hash)
		delete(c.refs, ref)
	}
}

// evictLocked removes hash unless another ref still points at it.
func (c *Cache) evictLocked(ctx context.Context, ref, hash string) {
	for r, h := range c.refs {
		if r != ref && h == hash {
			return
		}
	}
	delete(c.entries, hash)
	c.logger.Debug("snapshot evicted", "ref", ref, "hash", hash)
	if c.store != nil {
		if err := c.store.Delete(ctx, hash); err != nil {
			c.logger.Warn("deleting stale snapshot failed", "hash", hash, "error", err)
		}
	}
}

// Len returns the number of snapshots held in memory.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
