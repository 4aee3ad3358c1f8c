package graph

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/phobologic/rootcause/internal/model"
)

// Source is the symbol lookup the builder resolves call sites against.
// All results must be deterministic.
type Source interface {
	// AllMethods returns every indexed method ordered by ID.
	AllMethods() []*model.MethodDecl
	Class(name string) (*model.ClassDecl, bool)
	// ResolveType qualifies a type name as written inside class from.
	ResolveType(from, name string) (string, model.Resolution)
	// Ancestors returns the in-snapshot supertypes of class, nearest first.
	Ancestors(class string) []string
	// Subtypes returns the concrete in-snapshot subtypes of class, sorted.
	Subtypes(class string) []string
	// LookupMethods finds methods named name accepting args arguments on
	// class or, failing that, on the nearest ancestor that declares any.
	LookupMethods(class, name string, args int) []*model.MethodDecl
	// DeclaredMethods is LookupMethods without inheritance.
	DeclaredMethods(class, name string, args int) []*model.MethodDecl
	// StaticImports returns the `import static` declarations of a file.
	StaticImports(file string) []model.Import
}

// Builder resolves every recorded call site in a single pass.
type Builder struct {
	logger *slog.Logger
}

// NewBuilder returns a Builder. A nil logger discards output.
func NewBuilder(logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Builder{logger: logger}
}

type target struct {
	id          string
	speculative bool
}

type buildState struct {
	src       Source
	edges     []Edge
	externals []External
	warnings  []model.Warning
	warned    map[string]struct{}
}

// Build produces the call graph. The Source must be complete: the graph is
// never used to re-resolve types, so there is no second pass.
func (b *Builder) Build(ctx context.Context, src Source) (*CallGraph, []model.Warning, error) {
	st := &buildState{src: src, warned: make(map[string]struct{})}

	methods := src.AllMethods()
	for i, m := range methods {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
		}
		for _, c := range m.Calls {
			targets, ok := st.resolve(m, c)
			if !ok {
				st.externals = append(st.externals, External{Caller: m.ID(), Name: c.Name, Line: c.Line})
				continue
			}
			for _, t := range targets {
				st.edges = append(st.edges, Edge{Caller: m.ID(), Callee: t.id, Speculative: t.speculative, Line: c.Line})
			}
		}
	}

	g := New(st.edges, st.externals)
	b.logger.Debug("call graph built",
		"methods", len(methods),
		"edges", len(g.Edges),
		"externals", len(g.Externals),
		"unresolved_types", len(st.warnings))
	return g, st.warnings, nil
}

// resolve returns the targets of one call site. ok is false when the call
// becomes an external stub. A resolved constructor call on a class with no
// declared constructor yields ok with no targets.
func (st *buildState) resolve(m *model.MethodDecl, c model.CallSite) ([]target, bool) {
	switch c.Receiver {
	case model.ReceiverImplicit:
		return st.implicit(m, c)

	case model.ReceiverThis:
		cls := m.Owner
		if c.Target != "" {
			var ok bool
			if cls, ok = st.typeOf(m, c, c.Target); !ok {
				return nil, false
			}
		}
		if c.Name == model.ConstructorName {
			return st.constructor(m, cls, c)
		}
		return st.dispatch(cls, c, true)

	case model.ReceiverSuper:
		owner, ok := st.src.Class(m.Owner)
		if !ok || owner.Superclass == "" {
			return nil, false
		}
		if _, ok := st.src.Class(owner.Superclass); !ok {
			return nil, false
		}
		if c.Name == model.ConstructorName {
			return st.constructor(m, owner.Superclass, c)
		}
		return st.dispatch(owner.Superclass, c, false)

	case model.ReceiverName:
		if typ, from, ok := st.variableType(m, c.Target); ok {
			cls, ok := st.typeOf(&model.MethodDecl{Owner: from, File: m.File}, c, typ)
			if !ok {
				return nil, false
			}
			return st.dispatch(cls, c, true)
		}
		cls, ok := st.typeOf(m, c, c.Target)
		if !ok {
			return nil, false
		}
		return st.dispatch(cls, c, false)

	case model.ReceiverField:
		typ, from, ok := st.fieldType(m.Owner, c.Target)
		if !ok {
			return nil, false
		}
		cls, ok := st.typeOf(&model.MethodDecl{Owner: from, File: m.File}, c, typ)
		if !ok {
			return nil, false
		}
		return st.dispatch(cls, c, true)

	case model.ReceiverQualified:
		head, _, _ := strings.Cut(c.Target, ".")
		if _, _, ok := st.variableType(m, head); ok {
			return nil, false
		}
		cls, ok := st.typeOf(m, c, c.Target)
		if !ok {
			return nil, false
		}
		return st.dispatch(cls, c, false)

	case model.ReceiverTyped:
		cls, ok := st.typeOf(m, c, c.Target)
		if !ok {
			return nil, false
		}
		return st.dispatch(cls, c, true)

	case model.ReceiverConstructor:
		cls, ok := st.typeOf(m, c, c.Target)
		if !ok {
			return nil, false
		}
		return st.constructor(m, cls, c)
	}
	return nil, false
}

// implicit resolves foo(): the owner's hierarchy, then each enclosing
// class's, then static imports.
func (st *buildState) implicit(m *model.MethodDecl, c model.CallSite) ([]target, bool) {
	for cls := m.Owner; cls != ""; cls = st.enclosing(cls) {
		if len(st.src.LookupMethods(cls, c.Name, c.Args)) > 0 {
			return st.dispatch(cls, c, true)
		}
	}

	for _, imp := range st.src.StaticImports(m.File) {
		ownerText := imp.Path
		if !imp.Wildcard {
			i := strings.LastIndex(imp.Path, ".")
			if i < 0 || imp.Path[i+1:] != c.Name {
				continue
			}
			ownerText = imp.Path[:i]
		}
		owner, res := st.src.ResolveType(m.Owner, ownerText)
		if res != model.Resolved {
			continue
		}
		if found := st.src.LookupMethods(owner, c.Name, c.Args); len(found) > 0 {
			return st.dispatch(owner, c, false)
		}
	}
	return nil, false
}

// dispatch picks the methods a call on static type cls can reach. When
// virtual is set and the call goes through an interface or an abstract
// method, each concrete override becomes a target.
func (st *buildState) dispatch(cls string, c model.CallSite, virtual bool) ([]target, bool) {
	found := st.src.LookupMethods(cls, c.Name, c.Args)
	if len(found) == 0 {
		return nil, false
	}

	if virtual && st.polymorphic(cls, found) {
		if impls := st.implementations(cls, c); len(impls) > 0 {
			return toTargets(impls, len(impls) > 1), true
		}
	}

	ids := make([]string, len(found))
	for i, f := range found {
		ids[i] = f.ID()
	}
	// Same-arity overloads cannot be told apart without argument types.
	return toTargets(ids, len(ids) > 1), true
}

func (st *buildState) polymorphic(cls string, found []*model.MethodDecl) bool {
	if decl, ok := st.src.Class(cls); ok && decl.Kind == model.Interface {
		return true
	}
	for _, f := range found {
		if f.Abstract {
			return true
		}
	}
	return false
}

// implementations returns the distinct concrete methods the subtypes of cls
// would run for the call.
func (st *buildState) implementations(cls string, c model.CallSite) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, sub := range append([]string{cls}, st.src.Subtypes(cls)...) {
		for _, f := range st.src.LookupMethods(sub, c.Name, c.Args) {
			if f.Abstract {
				continue
			}
			if _, dup := seen[f.ID()]; dup {
				continue
			}
			seen[f.ID()] = struct{}{}
			ids = append(ids, f.ID())
		}
	}
	return ids
}

func (st *buildState) constructor(m *model.MethodDecl, cls string, c model.CallSite) ([]target, bool) {
	var ids []string
	for _, f := range st.src.DeclaredMethods(cls, model.ConstructorName, c.Args) {
		if f.ID() != m.ID() {
			ids = append(ids, f.ID())
		}
	}
	return toTargets(ids, len(ids) > 1), true
}

// typeOf resolves a type name written inside m, reporting ambiguous names
// once per file.
func (st *buildState) typeOf(m *model.MethodDecl, c model.CallSite, name string) (string, bool) {
	qualified, res := st.src.ResolveType(m.Owner, name)
	switch res {
	case model.Resolved:
		return qualified, true
	case model.Ambiguous:
		key := m.File + "\x00" + name
		if _, dup := st.warned[key]; !dup {
			st.warned[key] = struct{}{}
			st.warnings = append(st.warnings, model.Warning{
				Kind:    model.UnresolvedReferenceWarning,
				Path:    m.File,
				Line:    c.Line,
				Message: fmt.Sprintf("type %s matches more than one wildcard import", name),
			})
		}
	}
	return "", false
}

// variableType finds the declared type of a local, parameter or field named
// name visible from m. from is the class the type name must be resolved in.
func (st *buildState) variableType(m *model.MethodDecl, name string) (typ, from string, ok bool) {
	if t, ok := m.Locals[name]; ok {
		return t, m.Owner, true
	}
	return st.fieldType(m.Owner, name)
}

// fieldType looks a field up on cls, its ancestors, then enclosing classes.
func (st *buildState) fieldType(cls, name string) (typ, from string, ok bool) {
	for c := cls; c != ""; c = st.enclosing(c) {
		for _, k := range append([]string{c}, st.src.Ancestors(c)...) {
			decl, found := st.src.Class(k)
			if !found {
				continue
			}
			if t, has := decl.Fields[name]; has {
				return t, k, true
			}
		}
	}
	return "", "", false
}

func (st *buildState) enclosing(cls string) string {
	if decl, ok := st.src.Class(cls); ok {
		return decl.Enclosing
	}
	return ""
}

func toTargets(ids []string, speculative bool) []target {
	out := make([]target, len(ids))
	for i, id := range ids {
		out[i] = target{id: id, speculative: speculative}
	}
	return out
}
