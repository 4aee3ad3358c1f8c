// Package ranking finds the methods a stack frame may point at and orders
// them by how likely each is to be the fault site.
package ranking

import (
	"context"
	"fmt"
	"math"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/phobologic/rootcause/internal/graph"
	"github.com/phobologic/rootcause/internal/history"
	"github.com/phobologic/rootcause/internal/model"
)

// MaxScore is the score of an exact line match.
const MaxScore = 1.0

// Weights tune context weighting. SpeculativePenalty is deducted; the
// other three are added.
type Weights struct {
	Recency            float64 `json:"recency" yaml:"recency" mapstructure:"recency"`
	ExceptionHandling  float64 `json:"exceptionHandling" yaml:"exceptionHandling" mapstructure:"exceptionHandling"`
	FanIn              float64 `json:"fanIn" yaml:"fanIn" mapstructure:"fanIn"`
	SpeculativePenalty float64 `json:"speculativePenalty" yaml:"speculativePenalty" mapstructure:"speculativePenalty"`
}

// DefaultWeights returns the stock weighting.
func DefaultWeights() Weights {
	return Weights{
		Recency:            0.35,
		ExceptionHandling:  0.25,
		FanIn:              0.25,
		SpeculativePenalty: 0.15,
	}
}

func (w Weights) positive() float64 {
	return w.Recency + w.ExceptionHandling + w.FanIn
}

// Index is the part of the source index the resolver reads.
type Index interface {
	Class(name string) (*model.ClassDecl, bool)
	ClassesNamed(simple string) []string
	MethodsOf(class, name string) []*model.MethodDecl
}

// ContextSignal is the frame-independent evidence about one method.
type ContextSignal struct {
	AgeRank              float64
	FrequencyRank        float64
	HistoryKnown         bool
	HasExceptionHandling bool
	HasNullCheck         bool
	FanIn                int
}

// Resolver ranks candidate methods for stack frames of one snapshot.
// It is safe for concurrent use.
type Resolver struct {
	index   Index
	graph   *graph.CallGraph
	history history.Provider
	weights Weights

	mu      sync.Mutex
	signals map[string]ContextSignal
}

// NewResolver returns a Resolver over a built index and call graph.
// A nil history provider yields neutral recency for every method.
func NewResolver(ix Index, g *graph.CallGraph, h history.Provider, w Weights) *Resolver {
	if h == nil {
		h = history.NeutralProvider{}
	}
	if g == nil {
		g = graph.New(nil, nil)
	}
	return &Resolver{
		index:   ix,
		graph:   g,
		history: h,
		weights: w,
		signals: make(map[string]ContextSignal),
	}
}

// Resolve returns the candidates for frame, best first. caller is the frame
// that invoked it (the next frame down the trace) and may be nil. An empty
// result means the frame does not point into the snapshot.
func (r *Resolver) Resolve(ctx context.Context, frame model.StackFrame, caller *model.StackFrame) ([]model.Candidate, error) {
	methods, fallback := r.Match(frame)
	if len(methods) == 0 {
		return nil, nil
	}

	if frame.HasLine() {
		var hits []*model.MethodDecl
		for _, m := range methods {
			if m.Contains(frame.LineHint) {
				hits = append(hits, m)
			}
		}
		if len(hits) == 1 {
			c := candidate(hits[0], MaxScore)
			c.Explanation = []string{fmt.Sprintf("exact line match: line %d is within %d-%d",
				frame.LineHint, hits[0].StartLine, hits[0].EndLine)}
			if fallback != "" {
				c.Explanation = append(c.Explanation, fallback)
			}
			return []model.Candidate{c}, nil
		}
		if len(hits) > 1 {
			methods = hits
		}
	}

	var from []string
	if caller != nil {
		callers, _ := r.Match(*caller)
		for _, m := range callers {
			from = append(from, m.ID())
		}
	}

	signals := make([]ContextSignal, len(methods))
	for i, m := range methods {
		s, err := r.Signal(ctx, m)
		if err != nil {
			return nil, err
		}
		signals[i] = s
	}
	return r.weigh(methods, signals, from, fallback), nil
}

// Match applies the structural filter: methods named like the frame's
// method on the frame's class, or on classes sharing its simple name when
// the class is not in the snapshot. The second result explains a simple
// name match and is empty otherwise.
func (r *Resolver) Match(frame model.StackFrame) ([]*model.MethodDecl, string) {
	name := MethodName(frame.MethodName)
	if name == "" {
		return nil, ""
	}

	if _, ok := r.index.Class(frame.DeclaringClass); ok {
		if ms := r.index.MethodsOf(frame.DeclaringClass, name); len(ms) > 0 {
			return ms, ""
		}
	}

	owner := stripSynthetic(frame.DeclaringClass)
	if owner != frame.DeclaringClass {
		if _, ok := r.index.Class(owner); ok {
			if ms := r.index.MethodsOf(owner, name); len(ms) > 0 {
				return ms, fmt.Sprintf("matched enclosing class %s of %s", owner, frame.DeclaringClass)
			}
		}
	}

	simple := SimpleName(frame.DeclaringClass)
	classes := r.index.ClassesNamed(simple)
	if frame.FileHint != "" {
		var narrowed []string
		for _, cls := range classes {
			if c, ok := r.index.Class(cls); ok && path.Base(c.File) == frame.FileHint {
				narrowed = append(narrowed, cls)
			}
		}
		if len(narrowed) > 0 {
			classes = narrowed
		}
	}

	var out []*model.MethodDecl
	for _, cls := range classes {
		if cls == frame.DeclaringClass {
			continue
		}
		out = append(out, r.index.MethodsOf(cls, name)...)
	}
	if len(out) == 0 {
		return nil, ""
	}
	return out, fmt.Sprintf("matched simple class name %s", simple)
}

// Signal returns the context signal of m, asking the history provider at
// most once per method.
func (r *Resolver) Signal(ctx context.Context, m *model.MethodDecl) (ContextSignal, error) {
	id := m.ID()
	r.mu.Lock()
	s, ok := r.signals[id]
	r.mu.Unlock()
	if ok {
		return s, nil
	}

	h, err := r.history.Signal(ctx, m.File)
	if err != nil {
		return ContextSignal{}, err
	}
	s = ContextSignal{
		AgeRank:              h.AgeRank,
		FrequencyRank:        h.FrequencyRank,
		HistoryKnown:         h.Known,
		HasExceptionHandling: m.HasExceptionHandling,
		HasNullCheck:         m.HasNullCheck,
		FanIn:                r.graph.FanIn(id),
	}

	r.mu.Lock()
	r.signals[id] = s
	r.mu.Unlock()
	return s, nil
}

func (r *Resolver) weigh(methods []*model.MethodDecl, signals []ContextSignal, from []string, fallback string) []model.Candidate {
	minAge, maxAge := math.Inf(1), math.Inf(-1)
	maxFan := 0
	for _, s := range signals {
		if s.HistoryKnown {
			minAge = math.Min(minAge, s.AgeRank)
			maxAge = math.Max(maxAge, s.AgeRank)
		}
		if s.FanIn > maxFan {
			maxFan = s.FanIn
		}
	}

	w := r.weights
	total := w.positive()
	out := make([]model.Candidate, len(methods))
	for i, m := range methods {
		s := signals[i]
		var why []string
		if fallback != "" {
			why = append(why, fallback)
		}

		recency := 0.5
		if s.HistoryKnown && maxAge > minAge {
			recency = (maxAge - s.AgeRank) / (maxAge - minAge)
		}
		if s.HistoryKnown {
			why = append(why, fmt.Sprintf("recency %.2f: last changed %.0f days before HEAD in %.0f commits",
				recency, s.AgeRank, s.FrequencyRank))
		} else {
			why = append(why, "recency 0.50: no version history")
		}

		handling := 0.0
		if s.HasExceptionHandling {
			handling = 1
			why = append(why, "exception handling: catches or declares exceptions")
		}
		if s.HasNullCheck {
			why = append(why, "null check present")
		}

		fan := 0.0
		if maxFan > 0 {
			fan = float64(s.FanIn) / float64(maxFan)
		}
		why = append(why, fmt.Sprintf("fan-in %.2f: %d distinct callers", fan, s.FanIn))

		raw := w.Recency*recency + w.ExceptionHandling*handling + w.FanIn*fan
		if r.graph.OnlySpeculative(m.ID(), from...) {
			raw -= w.SpeculativePenalty
			why = append(why, fmt.Sprintf("speculative penalty %.2f: reached only through dynamic dispatch",
				w.SpeculativePenalty))
		}

		score := 0.0
		if total > 0 {
			score = raw / total
		}
		c := candidate(m, round(clamp(score)))
		c.Explanation = why
		out[i] = c
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].MethodID < out[j].MethodID
	})
	return out
}

func candidate(m *model.MethodDecl, score float64) model.Candidate {
	return model.Candidate{
		MethodID:  m.ID(),
		Class:     m.Owner,
		Method:    m.Name,
		File:      m.File,
		StartLine: m.StartLine,
		EndLine:   m.EndLine,
		Score:     score,
	}
}

// MethodName maps JVM synthetic method names back to source names:
// lambda$process$0 is process. Static initializers have no method and
// map to the empty string.
func MethodName(name string) string {
	if rest, ok := strings.CutPrefix(name, "lambda$"); ok {
		if i := strings.Index(rest, "$"); i > 0 {
			rest = rest[:i]
		}
		switch rest {
		case "new":
			return model.ConstructorName
		case "static":
			return ""
		}
		return rest
	}
	if name == "<clinit>" {
		return ""
	}
	return name
}

// SimpleName returns the source-level simple name of a binary class name,
// skipping anonymous class numbers: com.x.Outer$Inner$1 is Inner.
func SimpleName(class string) string {
	class = stripSynthetic(class)
	if i := strings.LastIndex(class, "."); i >= 0 {
		class = class[i+1:]
	}
	if i := strings.LastIndex(class, "$"); i >= 0 {
		class = class[i+1:]
	}
	return class
}

// stripSynthetic drops trailing anonymous or local class segments ($1, $1Local).
func stripSynthetic(class string) string {
	for {
		i := strings.LastIndex(class, "$")
		if i < 0 || i == len(class)-1 || class[i+1] < '0' || class[i+1] > '9' {
			return class
		}
		class = class[:i]
	}
}

func clamp(x float64) float64 {
	return math.Max(0, math.Min(MaxScore, x))
}

// round trims float noise so equal scores compare equal.
func round(x float64) float64 {
	return math.Round(x*1e6) / 1e6
}
