// Package graph holds the method call graph of a snapshot and the traversals
// the resolver and report use.
package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/phobologic/rootcause/internal/model"
)

// Direction labels for related methods.
const (
	DirCaller = "caller"
	DirCallee = "callee"
)

// Edge is a resolved invocation from one snapshot method to another.
// Speculative edges are one of several possible dynamic-dispatch targets.
type Edge struct {
	Caller      string `json:"caller"`
	Callee      string `json:"callee"`
	Speculative bool   `json:"speculative,omitempty"`
	Line        int    `json:"line"`
}

// External is an invocation that could not be tied to a snapshot method.
// Only the bare method name is kept.
type External struct {
	Caller string `json:"caller"`
	Name   string `json:"name"`
	Line   int    `json:"line"`
}

// CallGraph is the set of call edges of a snapshot with forward and reverse
// adjacency. It is read-only once New returns.
type CallGraph struct {
	Edges     []Edge     `json:"edges"`
	Externals []External `json:"externals,omitempty"`

	forward map[string][]int // caller -> edge indices
	reverse map[string][]int // callee -> edge indices
}

// New builds a CallGraph from edges and external stubs. Duplicate edges
// (same caller, callee and line) collapse; a duplicate is speculative only
// if every copy was.
func New(edges []Edge, externals []External) *CallGraph {
	type key struct {
		caller, callee string
		line           int
	}
	merged := make(map[key]int, len(edges))
	var uniq []Edge
	for _, e := range edges {
		k := key{e.Caller, e.Callee, e.Line}
		if i, ok := merged[k]; ok {
			uniq[i].Speculative = uniq[i].Speculative && e.Speculative
			continue
		}
		merged[k] = len(uniq)
		uniq = append(uniq, e)
	}

	sort.Slice(uniq, func(i, j int) bool {
		a, b := uniq[i], uniq[j]
		if a.Caller != b.Caller {
			return a.Caller < b.Caller
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		return a.Callee < b.Callee
	})

	ext := append([]External(nil), externals...)
	sort.Slice(ext, func(i, j int) bool {
		a, b := ext[i], ext[j]
		if a.Caller != b.Caller {
			return a.Caller < b.Caller
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		return a.Name < b.Name
	})

	g := &CallGraph{
		Edges:     uniq,
		Externals: ext,
		forward:   make(map[string][]int),
		reverse:   make(map[string][]int),
	}
	for i, e := range g.Edges {
		g.forward[e.Caller] = append(g.forward[e.Caller], i)
		g.reverse[e.Callee] = append(g.reverse[e.Callee], i)
	}
	return g
}

// UnmarshalJSON restores a graph written by json.Marshal, adjacency included.
func (g *CallGraph) UnmarshalJSON(data []byte) error {
	var raw struct {
		Edges     []Edge     `json:"edges"`
		Externals []External `json:"externals"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*g = *New(raw.Edges, raw.Externals)
	return nil
}

// Callees returns the outgoing edges of a method.
func (g *CallGraph) Callees(id string) []Edge {
	return g.collect(g.forward[id])
}

// Callers returns the incoming edges of a method.
func (g *CallGraph) Callers(id string) []Edge {
	return g.collect(g.reverse[id])
}

func (g *CallGraph) collect(idx []int) []Edge {
	out := make([]Edge, len(idx))
	for i, j := range idx {
		out[i] = g.Edges[j]
	}
	return out
}

// FanIn returns the number of distinct methods calling id, not counting id
// itself. External stubs never contribute.
func (g *CallGraph) FanIn(id string) int {
	seen := make(map[string]struct{})
	for _, j := range g.reverse[id] {
		if caller := g.Edges[j].Caller; caller != id {
			seen[caller] = struct{}{}
		}
	}
	return len(seen)
}

// OnlySpeculative reports whether id has incoming edges and all of them are
// speculative. When some of the from methods call id, only their edges are
// considered.
func (g *CallGraph) OnlySpeculative(id string, from ...string) bool {
	idx := g.reverse[id]
	if len(from) > 0 {
		var scoped []int
		for _, j := range idx {
			for _, f := range from {
				if g.Edges[j].Caller == f {
					scoped = append(scoped, j)
					break
				}
			}
		}
		if len(scoped) > 0 {
			idx = scoped
		}
	}
	if len(idx) == 0 {
		return false
	}
	for _, j := range idx {
		if !g.Edges[j].Speculative {
			return false
		}
	}
	return true
}

// Related returns the callers and callees of id up to depth hops away.
// Cycles are tolerated: each method is reported once per direction, at the
// shortest depth it was reached.
func (g *CallGraph) Related(id string, depth int) []model.RelatedMethod {
	var out []model.RelatedMethod
	out = append(out, g.walk(id, depth, DirCaller)...)
	out = append(out, g.walk(id, depth, DirCallee)...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Depth != out[j].Depth {
			return out[i].Depth < out[j].Depth
		}
		if out[i].Direction != out[j].Direction {
			return out[i].Direction < out[j].Direction
		}
		return out[i].MethodID < out[j].MethodID
	})
	return out
}

func (g *CallGraph) walk(start string, depth int, dir string) []model.RelatedMethod {
	visited := map[string]struct{}{start: {}}
	frontier := []string{start}
	var out []model.RelatedMethod

	for d := 1; d <= depth && len(frontier) > 0; d++ {
		var next []string
		for _, id := range frontier {
			var edges []Edge
			if dir == DirCaller {
				edges = g.Callers(id)
			} else {
				edges = g.Callees(id)
			}
			for _, e := range edges {
				other := e.Callee
				if dir == DirCaller {
					other = e.Caller
				}
				if _, ok := visited[other]; ok {
					continue
				}
				visited[other] = struct{}{}
				next = append(next, other)
				out = append(out, model.RelatedMethod{MethodID: other, Direction: dir, Depth: d})
			}
		}
		frontier = next
	}
	return out
}

// Fingerprint returns a stable hash of the graph's edges and stubs.
func (g *CallGraph) Fingerprint() string {
	data, _ := json.Marshal(struct {
		Edges     []Edge     `json:"edges"`
		Externals []External `json:"externals"`
	}{g.Edges, g.Externals})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
