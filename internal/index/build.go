package index

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"time"

	sitter "github.com/smacker/go-tree-sitter"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/phobologic/rootcause/internal/discover"
	rcerrors "github.com/phobologic/rootcause/internal/errors"
	"github.com/phobologic/rootcause/internal/graph"
	"github.com/phobologic/rootcause/internal/lang"
	"github.com/phobologic/rootcause/internal/metrics"
	"github.com/phobologic/rootcause/internal/model"
	"github.com/phobologic/rootcause/internal/parse"
	"github.com/phobologic/rootcause/internal/snapshot"
)

// DefaultMaxFileSize is the largest source file indexed (1 MB).
const DefaultMaxFileSize = 1_000_000

var tracer = otel.Tracer("rootcause/index")

// Options configures Build.
type Options struct {
	// Workers bounds concurrent file parsing. Zero means GOMAXPROCS.
	Workers int
	// MaxFileSize skips larger files with a warning. Zero means DefaultMaxFileSize.
	MaxFileSize int64
	Logger      *slog.Logger
}

// Option is a functional option for Build.
type Option func(*Options)

// WithWorkers sets the number of parallel parsers.
func WithWorkers(n int) Option {
	return func(o *Options) { o.Workers = n }
}

// WithMaxFileSize sets the per-file size limit in bytes.
func WithMaxFileSize(n int64) Option {
	return func(o *Options) { o.MaxFileSize = n }
}

// WithLogger sets the logger for progress output.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

type fileResult struct {
	file    *parse.File
	warning *model.Warning
}

// Build parses every Java file of tree, then builds the call graph over the
// complete index.
//
// Files are parsed on a bounded worker pool, each worker holding its own
// parser. Results are merged only after every worker has returned. A file
// that cannot be read, is too large or has a syntax error is left out with
// a FileIndexWarning. If ctx is canceled the partial index is dropped and an
// INDEX_CANCELED error returned.
func Build(ctx context.Context, tree snapshot.Tree, opts ...Option) (*Index, *graph.CallGraph, []model.Warning, error) {
	o := Options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ctx, span := tracer.Start(ctx, "index.Build",
		trace.WithAttributes(
			attribute.String("snapshot.root", tree.Root()),
			attribute.Int("workers", o.Workers),
		),
	)
	defer span.End()

	start := time.Now()
	ix, g, warnings, err := build(ctx, tree, o)
	if err != nil {
		status := "failed"
		if rcerrors.CodeOf(err) == rcerrors.IndexCanceled {
			status = "canceled"
		}
		metrics.RecordIndexBuild(status, time.Since(start).Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, nil, err
	}
	metrics.RecordIndexBuild("ok", time.Since(start).Seconds())
	span.SetAttributes(
		attribute.Int("files", len(ix.Files)),
		attribute.Int("methods", len(ix.Methods)),
		attribute.Int("edges", len(g.Edges)),
		attribute.Int("warnings", len(warnings)),
	)

	o.Logger.Info("index built",
		"root", tree.Root(),
		"files", len(ix.Files),
		"classes", len(ix.Classes),
		"methods", len(ix.Methods),
		"edges", len(g.Edges),
		"externals", len(g.Externals),
		"warnings", len(warnings),
		"duration", time.Since(start).Round(time.Millisecond))
	return ix, g, warnings, nil
}

func build(ctx context.Context, tree snapshot.Tree, o Options) (*Index, *graph.CallGraph, []model.Warning, error) {
	entries, err := tree.Files(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, nil, canceled(ctx.Err())
		}
		return nil, nil, nil, err
	}
	o.Logger.Debug("indexing snapshot", "root", tree.Root(), "files", len(entries))

	workers := o.Workers
	if workers > len(entries) {
		workers = len(entries)
	}
	parsers := make(chan *sitter.Parser, workers)
	for range workers {
		parsers <- lang.Java.NewParser()
	}
	defer func() {
		close(parsers)
		for p := range parsers {
			p.Close()
		}
	}()

	results := make([]fileResult, len(entries))
	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(workers)

	for i, entry := range entries {
		eg.Go(func() error {
			if err := egctx.Err(); err != nil {
				return err
			}
			p := <-parsers
			defer func() { parsers <- p }()
			results[i] = indexFile(egctx, p, tree, entry, o.MaxFileSize)
			return egctx.Err()
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, nil, nil, canceled(err)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, nil, canceled(err)
	}

	ix, warnings := merge(results)
	warnings = append(warnings, ix.link()...)

	g, graphWarnings, err := graph.NewBuilder(o.Logger).Build(ctx, ix)
	if err != nil {
		return nil, nil, nil, canceled(err)
	}
	warnings = append(warnings, graphWarnings...)
	return ix, g, warnings, nil
}

func indexFile(ctx context.Context, p *sitter.Parser, tree snapshot.Tree, entry discover.FileEntry, maxSize int64) fileResult {
	if entry.Size > maxSize {
		return fileWarning(entry.Path, 0, fmt.Sprintf("skipped (>%d bytes)", maxSize), "too_large")
	}
	source, err := tree.ReadFile(entry.Path)
	if err != nil {
		return fileWarning(entry.Path, 0, fmt.Sprintf("read failed: %v", err), "read_error")
	}
	f, err := parse.ExtractFile(ctx, p, source, entry.Path)
	if err != nil {
		var syn *parse.SyntaxError
		if errors.As(err, &syn) {
			return fileWarning(entry.Path, syn.Line, "syntax error; file excluded", "syntax_error")
		}
		return fileWarning(entry.Path, 0, err.Error(), "syntax_error")
	}
	metrics.RecordIndexFile("indexed")
	return fileResult{file: f}
}

func fileWarning(path string, line int, msg, result string) fileResult {
	metrics.RecordIndexFile(result)
	return fileResult{
		warning: &model.Warning{Kind: model.FileIndexWarning, Path: path, Line: line, Message: msg},
	}
}

// merge folds per-file results, in path order, into one index. The first
// declaration of a class or method signature wins; later ones are dropped
// with a warning.
func merge(results []fileResult) (*Index, []model.Warning) {
	var (
		warnings []model.Warning
		files    []model.SourceFile
		classes  []model.ClassDecl
		methods  []model.MethodDecl
	)
	seenClass := make(map[string]string)
	seenMethod := make(map[string]string)

	for _, r := range results {
		if r.warning != nil {
			warnings = append(warnings, *r.warning)
			continue
		}
		if r.file == nil {
			continue
		}
		files = append(files, r.file.Source)
		for _, c := range r.file.Classes {
			if first, dup := seenClass[c.QualifiedName]; dup {
				warnings = append(warnings, model.Warning{
					Kind:    model.FileIndexWarning,
					Path:    c.File,
					Line:    c.StartLine,
					Message: fmt.Sprintf("duplicate class %s (first declared in %s); dropped", c.QualifiedName, first),
				})
				continue
			}
			seenClass[c.QualifiedName] = c.File
			classes = append(classes, c)
		}
		for _, m := range r.file.Methods {
			if owner, ok := seenClass[m.Owner]; ok && owner != m.File {
				// Owner was a dropped duplicate class.
				continue
			}
			if first, dup := seenMethod[m.ID()]; dup {
				warnings = append(warnings, model.Warning{
					Kind:    model.FileIndexWarning,
					Path:    m.File,
					Line:    m.StartLine,
					Message: fmt.Sprintf("duplicate method %s (first declared in %s); dropped", m.ID(), first),
				})
				continue
			}
			seenMethod[m.ID()] = m.File
			methods = append(methods, m)
		}
	}
	return newIndex(files, classes, methods), warnings
}

func canceled(err error) error {
	return rcerrors.New(rcerrors.IndexCanceled, "indexing canceled; partial index discarded", err)
}
