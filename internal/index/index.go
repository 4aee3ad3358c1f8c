// Package index holds the declarations of one snapshot and the lookups the
// call graph builder and candidate resolver run against them.
package index

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"github.com/phobologic/rootcause/internal/model"
)

// Index is the declaration index of a snapshot. It is immutable once built
// and safe for concurrent readers.
type Index struct {
	Files   []model.SourceFile `json:"files"`
	Classes []model.ClassDecl  `json:"classes"`
	Methods []model.MethodDecl `json:"methods"`

	files    map[string]*model.SourceFile
	classes  map[string]*model.ClassDecl
	methods  map[string]*model.MethodDecl
	byOwner  map[string][]*model.MethodDecl
	bySimple map[string][]string
	subtypes map[string][]string // direct subtypes
	ordered  []*model.MethodDecl
}

// newIndex sorts the declarations and builds the lookup tables. Hierarchy
// names are used as stored; Build links them first.
func newIndex(files []model.SourceFile, classes []model.ClassDecl, methods []model.MethodDecl) *Index {
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	sort.Slice(classes, func(i, j int) bool { return classes[i].QualifiedName < classes[j].QualifiedName })
	sort.Slice(methods, func(i, j int) bool { return methods[i].ID() < methods[j].ID() })

	ix := &Index{Files: files, Classes: classes, Methods: methods}
	ix.rebuild()
	return ix
}

func (ix *Index) rebuild() {
	ix.files = make(map[string]*model.SourceFile, len(ix.Files))
	for i := range ix.Files {
		ix.files[ix.Files[i].Path] = &ix.Files[i]
	}

	ix.classes = make(map[string]*model.ClassDecl, len(ix.Classes))
	ix.bySimple = make(map[string][]string)
	for i := range ix.Classes {
		c := &ix.Classes[i]
		ix.classes[c.QualifiedName] = c
		if c.SimpleName != "" {
			ix.bySimple[c.SimpleName] = append(ix.bySimple[c.SimpleName], c.QualifiedName)
		}
	}

	ix.methods = make(map[string]*model.MethodDecl, len(ix.Methods))
	ix.byOwner = make(map[string][]*model.MethodDecl)
	ix.ordered = make([]*model.MethodDecl, len(ix.Methods))
	for i := range ix.Methods {
		m := &ix.Methods[i]
		ix.methods[m.ID()] = m
		ix.byOwner[m.Owner] = append(ix.byOwner[m.Owner], m)
		ix.ordered[i] = m
	}

	ix.rebuildSubtypes()
}

func (ix *Index) rebuildSubtypes() {
	ix.subtypes = make(map[string][]string)
	for i := range ix.Classes {
		c := &ix.Classes[i]
		supers := append([]string{c.Superclass}, c.Interfaces...)
		for _, s := range supers {
			if _, ok := ix.classes[s]; ok {
				ix.subtypes[s] = append(ix.subtypes[s], c.QualifiedName)
			}
		}
	}
}

// UnmarshalJSON restores an index written by json.Marshal, lookups included.
func (ix *Index) UnmarshalJSON(data []byte) error {
	var raw struct {
		Files   []model.SourceFile `json:"files"`
		Classes []model.ClassDecl  `json:"classes"`
		Methods []model.MethodDecl `json:"methods"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*ix = Index{Files: raw.Files, Classes: raw.Classes, Methods: raw.Methods}
	ix.rebuild()
	return nil
}

// Fingerprint returns a stable hash of the indexed declarations. Two builds
// of an unchanged snapshot have equal fingerprints.
func (ix *Index) Fingerprint() string {
	data, _ := json.Marshal(ix)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// File returns the indexed file at path.
func (ix *Index) File(path string) (*model.SourceFile, bool) {
	f, ok := ix.files[path]
	return f, ok
}

// Class returns the class with the given binary name.
func (ix *Index) Class(name string) (*model.ClassDecl, bool) {
	c, ok := ix.classes[name]
	return c, ok
}

// ClassesNamed returns the qualified names of classes with the given simple
// name, sorted.
func (ix *Index) ClassesNamed(simple string) []string {
	return ix.bySimple[simple]
}

// Method returns a method by ID.
func (ix *Index) Method(id string) (*model.MethodDecl, bool) {
	m, ok := ix.methods[id]
	return m, ok
}

// AllMethods returns every method ordered by ID.
func (ix *Index) AllMethods() []*model.MethodDecl {
	return ix.ordered
}

// MethodsOf returns the methods declared by class with the given name,
// in ID order.
func (ix *Index) MethodsOf(class, name string) []*model.MethodDecl {
	var out []*model.MethodDecl
	for _, m := range ix.byOwner[class] {
		if m.Name == name {
			out = append(out, m)
		}
	}
	return out
}

// MethodsOfClass returns every method declared by class, in ID order.
func (ix *Index) MethodsOfClass(class string) []*model.MethodDecl {
	return ix.byOwner[class]
}

// DeclaredMethods returns the methods of class named name that a call with
// args arguments binds to. Fixed-arity matches hide varargs ones.
func (ix *Index) DeclaredMethods(class, name string, args int) []*model.MethodDecl {
	var fixed, varargs []*model.MethodDecl
	for _, m := range ix.byOwner[class] {
		if m.Name != name || !m.AcceptsArgs(args) {
			continue
		}
		if m.Varargs && len(m.Params) != args {
			varargs = append(varargs, m)
		} else {
			fixed = append(fixed, m)
		}
	}
	if len(fixed) > 0 {
		return fixed
	}
	return varargs
}

// LookupMethods is DeclaredMethods on class, then on each ancestor in turn
// until one declares a match. Constructors are not inherited.
func (ix *Index) LookupMethods(class, name string, args int) []*model.MethodDecl {
	if found := ix.DeclaredMethods(class, name, args); len(found) > 0 || name == model.ConstructorName {
		return found
	}
	for _, a := range ix.Ancestors(class) {
		if found := ix.DeclaredMethods(a, name, args); len(found) > 0 {
			return found
		}
	}
	return nil
}

// Ancestors returns the in-snapshot supertypes of class breadth first,
// superclass before interfaces. Cyclic hierarchies terminate.
func (ix *Index) Ancestors(class string) []string {
	visited := map[string]struct{}{class: {}}
	queue := []string{class}
	var out []string
	for len(queue) > 0 {
		c, ok := ix.classes[queue[0]]
		queue = queue[1:]
		if !ok {
			continue
		}
		for _, s := range append([]string{c.Superclass}, c.Interfaces...) {
			if _, known := ix.classes[s]; !known {
				continue
			}
			if _, seen := visited[s]; seen {
				continue
			}
			visited[s] = struct{}{}
			out = append(out, s)
			queue = append(queue, s)
		}
	}
	return out
}

// Subtypes returns every in-snapshot class, enum or record that extends or
// implements class, directly or not. Sorted.
func (ix *Index) Subtypes(class string) []string {
	visited := map[string]struct{}{class: {}}
	queue := []string{class}
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, sub := range ix.subtypes[cur] {
			if _, seen := visited[sub]; seen {
				continue
			}
			visited[sub] = struct{}{}
			queue = append(queue, sub)
			if c := ix.classes[sub]; c.Kind != model.Interface && c.Kind != model.Annotation {
				out = append(out, sub)
			}
		}
	}
	sort.Strings(out)
	return out
}

// StaticImports returns the static imports of a file.
func (ix *Index) StaticImports(path string) []model.Import {
	f, ok := ix.files[path]
	if !ok {
		return nil
	}
	var out []model.Import
	for _, imp := range f.Imports {
		if imp.Static {
			out = append(out, imp)
		}
	}
	return out
}

func (ix *Index) enclosing(class string) string {
	if c, ok := ix.classes[class]; ok {
		return c.Enclosing
	}
	return ""
}

func simpleName(qualified string) string {
	if i := strings.LastIndexAny(qualified, ".$"); i >= 0 {
		return qualified[i+1:]
	}
	return qualified
}
