package index

import (
	"fmt"
	"strings"

	"github.com/phobologic/rootcause/internal/model"
	"github.com/phobologic/rootcause/internal/parse"
)

// ResolveType qualifies a type name as written inside class from.
//
// Lookup order follows Java scoping: member types of the class chain (and of
// their supertypes), single-type imports, the current package, then
// on-demand imports. A name matched by two or more on-demand imports is
// Ambiguous and not guessed. Anything else is External and returned as
// written.
func (ix *Index) ResolveType(from, name string) (string, model.Resolution) {
	name = strings.TrimSpace(name)
	if name == "" || strings.HasSuffix(name, "]") || strings.HasSuffix(name, "...") || parse.IsPrimitive(name) {
		return name, model.External
	}
	if _, ok := ix.classes[name]; ok {
		return name, model.Resolved
	}
	if strings.Contains(name, ".") {
		return ix.resolveDotted(from, name)
	}

	for c := from; c != ""; c = ix.enclosing(c) {
		if simpleName(c) == name {
			return c, model.Resolved
		}
		for _, owner := range append([]string{c}, ix.Ancestors(c)...) {
			if nested := owner + "$" + name; ix.has(nested) {
				return nested, model.Resolved
			}
		}
	}

	cls, ok := ix.classes[from]
	if !ok {
		return name, model.External
	}
	file := ix.files[cls.File]

	if file != nil {
		for _, imp := range file.Imports {
			if imp.Static || imp.Wildcard {
				continue
			}
			if imp.Path == name || strings.HasSuffix(imp.Path, "."+name) {
				return ix.resolveDotted("", imp.Path)
			}
		}
	}

	if same := qualify(cls.Package, name); ix.has(same) {
		return same, model.Resolved
	}

	if file == nil {
		return name, model.External
	}
	var matches []string
	for _, imp := range file.Imports {
		if imp.Static || !imp.Wildcard {
			continue
		}
		for _, cand := range []string{imp.Path + "." + name, ix.binaryName(imp.Path) + "$" + name} {
			if ix.has(cand) && !contains(matches, cand) {
				matches = append(matches, cand)
			}
		}
	}
	switch len(matches) {
	case 0:
		return name, model.External
	case 1:
		return matches[0], model.Resolved
	default:
		return name, model.Ambiguous
	}
}

// resolveDotted handles a.b.C, a.b.Outer.Inner and Outer.Inner where Outer
// is itself resolved from class from.
func (ix *Index) resolveDotted(from, name string) (string, model.Resolution) {
	if ix.has(name) {
		return name, model.Resolved
	}
	if bin := ix.binaryName(name); bin != name {
		return bin, model.Resolved
	}
	if from != "" {
		head, rest, _ := strings.Cut(name, ".")
		if outer, res := ix.ResolveType(from, head); res == model.Resolved {
			if nested := outer + "$" + strings.ReplaceAll(rest, ".", "$"); ix.has(nested) {
				return nested, model.Resolved
			}
		}
	}
	return name, model.External
}

// binaryName maps a source-form name (a.b.Outer.Inner) to the binary name of
// an indexed class (a.b.Outer$Inner). It returns name unchanged when no
// split matches.
func (ix *Index) binaryName(name string) string {
	segs := strings.Split(name, ".")
	for i := len(segs) - 1; i >= 1; i-- {
		cand := strings.Join(segs[:i], ".") + "$" + strings.Join(segs[i:], "$")
		if ix.has(cand) {
			return cand
		}
	}
	return name
}

func (ix *Index) has(name string) bool {
	_, ok := ix.classes[name]
	return ok
}

// link rewrites superclass and interface names to qualified names and
// rebuilds the subtype table. Names that cannot be qualified stay as
// written; ambiguous ones are reported.
func (ix *Index) link() []model.Warning {
	var warnings []model.Warning
	for i := range ix.Classes {
		c := &ix.Classes[i]
		if c.Superclass != "" {
			c.Superclass = ix.linkName(c, c.Superclass, &warnings)
		}
		for j, iface := range c.Interfaces {
			c.Interfaces[j] = ix.linkName(c, iface, &warnings)
		}
		// An anonymous class names one supertype, class or interface.
		if sup, ok := ix.classes[c.Superclass]; ok && sup.Kind == model.Interface {
			c.Interfaces = append(c.Interfaces, c.Superclass)
			c.Superclass = ""
		}
	}
	ix.rebuildSubtypes()
	return warnings
}

func (ix *Index) linkName(c *model.ClassDecl, name string, warnings *[]model.Warning) string {
	// Resolve from the enclosing class: a type's own members are not in
	// scope in its extends clause.
	from := c.Enclosing
	if from == "" {
		from = c.QualifiedName
	}
	q, res := ix.ResolveType(from, name)
	switch res {
	case model.Resolved:
		if q == c.QualifiedName {
			return name
		}
		return q
	case model.Ambiguous:
		*warnings = append(*warnings, model.Warning{
			Kind:    model.UnresolvedReferenceWarning,
			Path:    c.File,
			Line:    c.StartLine,
			Message: fmt.Sprintf("supertype %s of %s matches more than one wildcard import", name, c.QualifiedName),
		})
	}
	return name
}

func qualify(pkg, name string) string {
	if pkg == "" {
		return name
	}
	return pkg + "." + name
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
