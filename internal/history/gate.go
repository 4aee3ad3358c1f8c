package history

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/phobologic/rootcause/internal/metrics"
)

// GateOptions bounds traffic to a Provider.
type GateOptions struct {
	// MaxConcurrent caps in-flight lookups. Zero means 4.
	MaxConcurrent int64
	// RatePerSecond limits lookup starts. Zero disables rate limiting.
	RatePerSecond float64
	// Burst is the limiter burst. Zero means 1.
	Burst  int
	Logger *slog.Logger
}

// Gate wraps a Provider with a concurrency bound, an optional rate limit
// and a result cache. One Gate serves one snapshot. Failed lookups are
// cached as Neutral so a broken backend is asked once per key.
type Gate struct {
	provider Provider
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	logger   *slog.Logger
	group    singleflight.Group

	mu    sync.RWMutex
	cache map[string]Signal
}

// NewGate returns a Gate in front of p. A nil p behaves as NeutralProvider.
func NewGate(p Provider, opts GateOptions) *Gate {
	if p == nil {
		p = NeutralProvider{}
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	g := &Gate{
		provider: p,
		sem:      semaphore.NewWeighted(opts.MaxConcurrent),
		logger:   opts.Logger,
		cache:    make(map[string]Signal),
	}
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return g
}

// Signal returns the cached signal for key, looking it up on a miss.
// Only context errors are returned; provider failures yield Neutral.
func (g *Gate) Signal(ctx context.Context, key string) (Signal, error) {
	g.mu.RLock()
	s, ok := g.cache[key]
	g.mu.RUnlock()
	if ok {
		metrics.RecordHistoryLookup("cached")
		return s, nil
	}

	v, err, _ := g.group.Do(key, func() (interface{}, error) {
		return g.lookup(ctx, key)
	})
	if err != nil {
		return Neutral, err
	}
	return v.(Signal), nil
}

func (g *Gate) lookup(ctx context.Context, key string) (Signal, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return Neutral, err
	}
	defer g.sem.Release(1)

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return Neutral, err
		}
	}

	s, err := g.provider.Signal(ctx, key)
	if err != nil {
		if ctx.Err() != nil {
			return Neutral, ctx.Err()
		}
		metrics.RecordHistoryLookup("error")
		g.logger.Warn("history lookup failed; using neutral signal", "key", key, "error", err)
		s = Neutral
	} else {
		metrics.RecordHistoryLookup("ok")
	}

	g.mu.Lock()
	g.cache[key] = s
	g.mu.Unlock()
	return s, nil
}

// Len returns the number of cached keys.
func (g *Gate) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.cache)
}
