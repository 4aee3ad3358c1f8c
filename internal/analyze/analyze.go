// Package analyze turns a stack trace and a source snapshot into a report
// naming the most likely fault site.
package analyze

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/phobologic/rootcause/internal/cache"
	rcerrors "github.com/phobologic/rootcause/internal/errors"
	"github.com/phobologic/rootcause/internal/graph"
	"github.com/phobologic/rootcause/internal/history"
	"github.com/phobologic/rootcause/internal/index"
	"github.com/phobologic/rootcause/internal/metrics"
	"github.com/phobologic/rootcause/internal/model"
	"github.com/phobologic/rootcause/internal/ranking"
	"github.com/phobologic/rootcause/internal/snapshot"
	"github.com/phobologic/rootcause/internal/stacktrace"
)

var tracer = otel.Tracer("rootcause/analyze")

// Defaults for Options.
const (
	DefaultConfidenceFloor = 0.5
	DefaultRelatedDepth    = 2
)

// HistoryFunc picks the history provider for a snapshot. It may return nil
// for no history.
type HistoryFunc func(ctx context.Context, tree snapshot.Tree) history.Provider

// GitHistory returns a HistoryFunc that reads git history when the tree is a
// directory inside a git working tree.
func GitHistory(timeout time.Duration, logger *slog.Logger) HistoryFunc {
	return func(ctx context.Context, tree snapshot.Tree) history.Provider {
		dt, ok := tree.(*snapshot.DirTree)
		if !ok || !history.IsRepository(ctx, dt.Root()) {
			return nil
		}
		return history.NewGitProvider(dt.Root(), timeout, logger)
	}
}

// Options configure an Analyzer.
type Options struct {
	// ConfidenceFloor is the top score a frame needs for a high-confidence
	// report. Zero means DefaultConfidenceFloor.
	ConfidenceFloor float64
	// RelatedDepth bounds the caller/callee walk around the winner.
	// Zero means DefaultRelatedDepth; negative disables it.
	RelatedDepth int
	// Weights tune candidate ranking. The zero value means the defaults.
	Weights ranking.Weights
	// Index options applied on every build.
	Index []index.Option
	// History chooses a provider per snapshot. Nil means no history.
	History HistoryFunc
	// Gate bounds history lookups of each snapshot.
	Gate   history.GateOptions
	Logger *slog.Logger
}

// Analyzer runs analyses against cached snapshots. It is safe for
// concurrent use.
type Analyzer struct {
	cache *cache.Cache
	opts  Options

	mu        sync.Mutex
	resolvers map[string]*resolverEntry // snapshot ref -> resolver
}

type resolverEntry struct {
	hash     string
	resolver *ranking.Resolver
}

// New returns an Analyzer over c. A nil c gets a private in-memory cache.
func New(c *cache.Cache, opts Options) *Analyzer {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c == nil {
		c = cache.New(nil, opts.Logger)
	}
	if opts.ConfidenceFloor <= 0 {
		opts.ConfidenceFloor = DefaultConfidenceFloor
	}
	if opts.RelatedDepth == 0 {
		opts.RelatedDepth = DefaultRelatedDepth
	}
	if opts.Weights == (ranking.Weights{}) {
		opts.Weights = ranking.DefaultWeights()
	}
	if opts.Gate.Logger == nil {
		opts.Gate.Logger = opts.Logger
	}
	return &Analyzer{
		cache:     c,
		opts:      opts,
		resolvers: make(map[string]*resolverEntry),
	}
}

// BuildIndex returns the index and call graph of tree, building them only
// when the tree's content hash is not cached.
func (a *Analyzer) BuildIndex(ctx context.Context, tree snapshot.Tree) (*cache.Entry, error) {
	hash, err := snapshot.ContentHash(ctx, tree)
	if err != nil {
		return nil, canceledOr(ctx, err)
	}
	e, err := a.cache.Get(ctx, tree.Root(), hash, func(ctx context.Context) (*index.Index, *graph.CallGraph, []model.Warning, error) {
		opts := append([]index.Option{index.WithLogger(a.opts.Logger)}, a.opts.Index...)
		return index.Build(ctx, tree, opts...)
	})
	if err != nil {
		return nil, canceledOr(ctx, err)
	}
	return e, nil
}

// Analyze parses text, indexes tree (cached) and resolves the trace's
// frames. Frames of the primary section are tried first, then those of
// each "Caused by" section; the first frame whose best candidate reaches
// the confidence floor wins. Otherwise the best candidate seen anywhere is
// reported with low confidence, or none at all.
func (a *Analyzer) Analyze(ctx context.Context, tree snapshot.Tree, text string) (*model.Report, error) {
	ctx, span := tracer.Start(ctx, "analyze.Analyze",
		trace.WithAttributes(attribute.String("snapshot.root", tree.Root())))
	defer span.End()

	report, err := a.analyze(ctx, tree, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	metrics.RecordAnalysis(string(report.Confidence))
	span.SetAttributes(
		attribute.String("report.id", report.ID),
		attribute.String("report.confidence", string(report.Confidence)),
		attribute.Int("report.frames", len(report.Frames)),
	)

	winner := ""
	if report.Winner != nil {
		winner = report.Winner.MethodID
	}
	a.opts.Logger.Info("analysis complete",
		"id", report.ID,
		"snapshot", snapshot.ShortHash(report.SnapshotHash),
		"confidence", report.Confidence,
		"winner", winner,
		"frames", len(report.Frames),
		"warnings", len(report.Warnings))
	return report, nil
}

func (a *Analyzer) analyze(ctx context.Context, tree snapshot.Tree, text string) (*model.Report, error) {
	tr, err := stacktrace.Parse(text)
	if err != nil {
		return nil, err
	}

	entry, err := a.BuildIndex(ctx, tree)
	if err != nil {
		return nil, err
	}
	resolver := a.resolver(ctx, tree, entry)

	primary := tr.Sections[0]
	report := &model.Report{
		ID:            uuid.NewString(),
		Snapshot:      tree.Root(),
		SnapshotHash:  entry.Hash,
		ExceptionType: primary.ExceptionType,
		Message:       primary.Message,
		Confidence:    model.None,
	}
	report.Warnings = append(report.Warnings, tr.Warnings...)
	report.Warnings = append(report.Warnings, entry.Warnings...)

	var (
		best        *model.Candidate
		bestFrame   *model.StackFrame
		bestSection int
	)
	for si, section := range tr.Sections {
		if section.Kind == model.Suppressed {
			continue
		}
		for fi, frame := range section.Frames {
			var caller *model.StackFrame
			if fi+1 < len(section.Frames) {
				caller = &section.Frames[fi+1]
			}
			candidates, err := resolver.Resolve(ctx, frame, caller)
			if err != nil {
				return nil, canceledOr(ctx, err)
			}

			result := model.FrameResult{Section: si, Frame: frame, Candidates: len(candidates)}
			if len(candidates) > 0 {
				result.TopScore = candidates[0].Score
			}
			report.Frames = append(report.Frames, result)
			if len(candidates) == 0 {
				continue
			}

			top := candidates[0]
			if best == nil || top.Score > best.Score {
				best, bestFrame, bestSection = &top, &frame, si
			}
			if top.Score >= a.opts.ConfidenceFloor {
				report.Confidence = model.High
				thrown := exceptionTypes(primary, section)
				if err := a.finish(ctx, report, entry, resolver, &top, &frame, thrown); err != nil {
					return nil, canceledOr(ctx, err)
				}
				return report, nil
			}
		}
	}

	if best != nil {
		report.Confidence = model.Low
		thrown := exceptionTypes(primary, tr.Sections[bestSection])
		if err := a.finish(ctx, report, entry, resolver, best, bestFrame, thrown); err != nil {
			return nil, canceledOr(ctx, err)
		}
	}
	return report, nil
}

func (a *Analyzer) finish(ctx context.Context, report *model.Report, entry *cache.Entry, resolver *ranking.Resolver,
	winner *model.Candidate, frame *model.StackFrame, thrown []string) error {
	report.Winner = winner
	report.WinnerFrame = frame

	var callers []string
	if a.opts.RelatedDepth > 0 {
		report.Related = entry.Graph.Related(winner.MethodID, a.opts.RelatedDepth)
		for i := range report.Related {
			rel := &report.Related[i]
			if rel.Direction == graph.DirCaller {
				callers = append(callers, rel.MethodID)
			}
			m, ok := entry.Index.Method(rel.MethodID)
			if !ok {
				continue
			}
			s, err := resolver.Signal(ctx, m)
			if err != nil {
				return err
			}
			rel.File = m.File
			rel.HasExceptionHandling = s.HasExceptionHandling
			rel.HasNullCheck = s.HasNullCheck
			if s.HistoryKnown {
				rel.LastChange = &model.Change{DaysBeforeHead: s.AgeRank, Commits: int(s.FrequencyRank)}
			}
		}
	}
	report.Handlers = handlers(entry.Index, winner.Class, callers, thrown)
	return nil
}

// exceptionTypes lists the distinct exception types of the primary section
// and the section the winner came from.
func exceptionTypes(primary, winning model.TraceSection) []string {
	var out []string
	for _, t := range []string{primary.ExceptionType, winning.ExceptionType} {
		if t != "" && (len(out) == 0 || out[0] != t) {
			out = append(out, t)
		}
	}
	return out
}

// handlers returns the methods of class and of the given callers whose catch
// clauses name one of the thrown types, by simple or qualified name.
func handlers(ix *index.Index, class string, callers []string, thrown []string) []model.Handler {
	if len(thrown) == 0 {
		return nil
	}
	methods := append([]*model.MethodDecl(nil), ix.MethodsOfClass(class)...)
	for _, id := range callers {
		if m, ok := ix.Method(id); ok && m.Owner != class {
			methods = append(methods, m)
		}
	}

	var out []model.Handler
	for _, m := range methods {
		for _, caught := range m.Catches {
			if !catches(caught, thrown) {
				continue
			}
			out = append(out, model.Handler{
				MethodID:  m.ID(),
				File:      m.File,
				StartLine: m.StartLine,
				EndLine:   m.EndLine,
				Caught:    caught,
			})
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MethodID < out[j].MethodID })
	return out
}

func catches(caught string, thrown []string) bool {
	for _, t := range thrown {
		if caught == t || lastSegment(caught) == lastSegment(t) {
			return true
		}
	}
	return false
}

// lastSegment returns the simple name of a source or binary class name.
func lastSegment(name string) string {
	if i := strings.LastIndexAny(name, ".$"); i >= 0 {
		return name[i+1:]
	}
	return name
}

// resolver returns the resolver of the snapshot entry, replacing the one
// held for tree when its content changed. Each resolver owns the history
// gate and signal cache of its snapshot.
func (a *Analyzer) resolver(ctx context.Context, tree snapshot.Tree, entry *cache.Entry) *ranking.Resolver {
	a.mu.Lock()
	defer a.mu.Unlock()

	if re, ok := a.resolvers[tree.Root()]; ok && re.hash == entry.Hash {
		return re.resolver
	}

	var provider history.Provider
	if a.opts.History != nil {
		provider = a.opts.History(ctx, tree)
	}
	gate := history.NewGate(provider, a.opts.Gate)
	r := ranking.NewResolver(entry.Index, entry.Graph, gate, a.opts.Weights)
	a.resolvers[tree.Root()] = &resolverEntry{hash: entry.Hash, resolver: r}
	return r
}

// canceledOr maps context errors to INDEX_CANCELED and passes the rest
// through.
func canceledOr(ctx context.Context, err error) error {
	if rcerrors.CodeOf(err) == rcerrors.IndexCanceled {
		return err
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return rcerrors.New(rcerrors.IndexCanceled, "analysis canceled", err)
	}
	return err
}
