// rootcause points at the Java method most likely responsible for a runtime
// exception, given the stack trace and the source tree it came from.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/phobologic/rootcause/internal/analyze"
	"github.com/phobologic/rootcause/internal/cache"
	"github.com/phobologic/rootcause/internal/config"
	"github.com/phobologic/rootcause/internal/discover"
	"github.com/phobologic/rootcause/internal/history"
	"github.com/phobologic/rootcause/internal/index"
	"github.com/phobologic/rootcause/internal/model"
	"github.com/phobologic/rootcause/internal/snapshot"
	"github.com/phobologic/rootcause/internal/toon"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetIn(stdin)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return cmd.ExecuteContext(ctx)
}

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	configPath string
	output     string
	verbose    bool
	noCache    bool
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:   "rootcause",
		Short: "Locate the source of a Java runtime exception",
		Long: `rootcause reads a Java stack trace, indexes the source tree it was thrown from
and ranks the methods that could have caused it. Each candidate is scored on
line match, version history recency, exception handling, fan-in and call
dispatch, and every score comes with its explanation.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("rootcause {{.Version}}\n")

	pf := cmd.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "config file (default <root>/"+config.FileName+")")
	pf.StringVarP(&g.output, "output", "o", "", "output format: json, yaml or toon")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "log at debug level")
	pf.BoolVar(&g.noCache, "no-cache", false, "keep indexes in memory only")

	cmd.AddCommand(newAnalyzeCmd(g), newIndexCmd(g), newInitCmd())
	return cmd
}

type analyzeFlags struct {
	trace        string
	noHistory    bool
	includeTests bool
	workers      int
}

func newAnalyzeCmd(g *globalFlags) *cobra.Command {
	f := &analyzeFlags{}
	cmd := &cobra.Command{
		Use:   "analyze [root]",
		Short: "Rank the likely fault sites of a stack trace",
		Long: `Analyze reads a stack trace from --trace (or stdin) and reports the method of
the source tree at root (default ".") most likely to have caused it.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(cmd, g, f, args)
		},
	}
	cmd.Flags().StringVarP(&f.trace, "trace", "t", "-", "stack trace file, - for stdin")
	cmd.Flags().BoolVar(&f.noHistory, "no-history", false, "ignore version history")
	cmd.Flags().BoolVar(&f.includeTests, "include-tests", false, "index test sources too")
	cmd.Flags().IntVarP(&f.workers, "workers", "j", 0, "parser workers (default from config)")
	return cmd
}

func runAnalyze(cmd *cobra.Command, g *globalFlags, f *analyzeFlags, args []string) error {
	text, err := readTrace(cmd.InOrStdin(), f.trace)
	if err != nil {
		return err
	}

	s, err := openSession(cmd, g, rootArg(args), func(cfg *config.Config) {
		if f.noHistory {
			cfg.History.Enabled = false
		}
		if f.includeTests {
			cfg.Index.IncludeTests = true
		}
		if f.workers > 0 {
			cfg.Index.Workers = f.workers
		}
	})
	if err != nil {
		return err
	}
	defer s.close()

	report, err := s.analyzer.Analyze(cmd.Context(), s.tree, text)
	if err != nil {
		return err
	}
	return writeReport(cmd.OutOrStdout(), s.cfg.Output, report)
}

func newIndexCmd(g *globalFlags) *cobra.Command {
	var includeTests bool
	cmd := &cobra.Command{
		Use:   "index [root]",
		Short: "Index a source tree and print its structure",
		Long: `Index parses the Java sources under root (default ".") and prints the files,
methods and call graph the analyzer works from. With toon output the full
tables are printed; json and yaml print a summary.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, g, rootArg(args), func(cfg *config.Config) {
				if includeTests {
					cfg.Index.IncludeTests = true
				}
			})
			if err != nil {
				return err
			}
			defer s.close()

			e, err := s.analyzer.BuildIndex(cmd.Context(), s.tree)
			if err != nil {
				return err
			}
			return writeIndex(cmd.OutOrStdout(), s.cfg.Output, s.tree.Root(), e)
		},
	}
	cmd.Flags().BoolVar(&includeTests, "include-tests", false, "index test sources too")
	return cmd
}

func rootArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return "."
}

func readTrace(stdin io.Reader, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("reading trace: %w", err)
	}
	return string(data), nil
}

// session is the per-command wiring of config, store and analyzer.
type session struct {
	cfg      *config.Config
	tree     *snapshot.DirTree
	store    *cache.Store
	analyzer *analyze.Analyzer
	logger   *slog.Logger
}

func openSession(cmd *cobra.Command, g *globalFlags, dir string, override func(*config.Config)) (*session, error) {
	cfg, err := config.Load(dir, g.configPath)
	if err != nil {
		return nil, err
	}
	if g.output != "" {
		cfg.Output = g.output
	}
	if g.verbose {
		cfg.Logging.Level = "debug"
	}
	if g.noCache {
		cfg.Cache.Dir = ""
	}
	if override != nil {
		override(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logging.NewLogger(cmd.ErrOrStderr())

	tree, err := snapshot.NewDirTree(dir, discover.Options{IncludeTests: cfg.Index.IncludeTests})
	if err != nil {
		return nil, err
	}

	s := &session{cfg: cfg, tree: tree, logger: logger}
	if storeDir := cfg.CacheDir(tree.Root()); storeDir != "" {
		if err := os.MkdirAll(storeDir, 0o755); err != nil {
			logger.Warn("snapshot store unavailable", "dir", storeDir, "error", err)
		} else if s.store, err = cache.OpenStore(storeDir, logger); err != nil {
			// Usually another process holds the lock; carry on in memory.
			logger.Warn("snapshot store unavailable", "dir", storeDir, "error", err)
		}
	}

	opts := analyze.Options{
		ConfidenceFloor: cfg.Ranking.ConfidenceFloor,
		RelatedDepth:    cfg.Ranking.RelatedDepth,
		Weights:         cfg.Ranking.Weights,
		Index: []index.Option{
			index.WithWorkers(cfg.Index.Workers),
			index.WithMaxFileSize(cfg.Index.MaxFileSize),
		},
		Gate: history.GateOptions{
			MaxConcurrent: cfg.History.MaxConcurrent,
			RatePerSecond: cfg.History.RatePerSecond,
		},
		Logger: logger,
	}
	if cfg.Ranking.RelatedDepth == 0 {
		opts.RelatedDepth = -1
	}
	if cfg.History.Enabled {
		opts.History = analyze.GitHistory(cfg.History.Timeout(), logger)
	}
	s.analyzer = analyze.New(cache.New(s.store, logger), opts)
	return s, nil
}

func (s *session) close() {
	if s.store == nil {
		return
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn("closing snapshot store", "error", err)
	}
}

func writeReport(w io.Writer, format string, r *model.Report) error {
	switch format {
	case "toon":
		_, err := io.WriteString(w, toon.Encode(r)+"\n")
		return err
	case "yaml":
		return writeYAML(w, r)
	default:
		return writeJSON(w, r)
	}
}

// indexSummary is the json and yaml rendering of an index build.
type indexSummary struct {
	Snapshot  string          `json:"snapshot" yaml:"snapshot"`
	Hash      string          `json:"hash" yaml:"hash"`
	Files     int             `json:"files" yaml:"files"`
	Classes   int             `json:"classes" yaml:"classes"`
	Methods   int             `json:"methods" yaml:"methods"`
	Edges     int             `json:"edges" yaml:"edges"`
	External  int             `json:"externalCalls" yaml:"externalCalls"`
	Warnings  []model.Warning `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Generated string          `json:"generatedBy" yaml:"generatedBy"`
}

func writeIndex(w io.Writer, format, root string, e *cache.Entry) error {
	if format == "toon" {
		_, err := io.WriteString(w, toon.EncodeIndex(root, e.Hash, e.Index, e.Graph, e.Warnings)+"\n")
		return err
	}
	sum := indexSummary{
		Snapshot:  root,
		Hash:      e.Hash,
		Files:     len(e.Index.Files),
		Classes:   len(e.Index.Classes),
		Methods:   len(e.Index.Methods),
		Edges:     len(e.Graph.Edges),
		External:  len(e.Graph.Externals),
		Warnings:  e.Warnings,
		Generated: "rootcause " + version,
	}
	if format == "yaml" {
		return writeYAML(w, sum)
	}
	return writeJSON(w, sum)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
