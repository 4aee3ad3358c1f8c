// Package parse extracts declarations and call sites from Java sources using tree-sitter.
package parse

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/phobologic/rootcause/internal/lang"
	"github.com/phobologic/rootcause/internal/model"
)

// File is everything extracted from one Java source file. Superclass,
// interface and field types are left as written; qualifying them needs the
// whole snapshot and is the index's job.
type File struct {
	Source  model.SourceFile
	Classes []model.ClassDecl
	Methods []model.MethodDecl
}

// SyntaxError reports a file tree-sitter could not parse cleanly.
type SyntaxError struct {
	Path string
	Line int
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s:%d: syntax error", e.Path, e.Line)
}

var (
	genericRe   = regexp.MustCompile(`<.*>`)
	dottedRe    = regexp.MustCompile(`^[\w$]+(\.[\w$]+)+$`)
	primitiveRe = regexp.MustCompile(`^(?:byte|short|int|long|float|double|char|boolean|void)$`)
)

var typeDeclKinds = map[string]model.ClassKind{
	"class_declaration":           model.Class,
	"interface_declaration":       model.Interface,
	"enum_declaration":            model.Enum,
	"record_declaration":          model.Record,
	"annotation_type_declaration": model.Annotation,
}

// ExtractFile parses a Java source file and returns its declarations.
// The parser must have been created for Java and must not be shared between
// goroutines. filePath is used only for attribution and should be the
// snapshot-relative path. A file with any syntax error yields *SyntaxError.
func ExtractFile(ctx context.Context, parser *sitter.Parser, source []byte, filePath string) (*File, error) {
	tree, err := parser.ParseCtx(ctx, nil, source)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filePath, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return nil, &SyntaxError{Path: filePath, Line: firstErrorLine(root)}
	}

	x := &extractor{
		source: source,
		file:   &File{Source: model.SourceFile{Path: filePath}},
	}

	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		switch child.Type() {
		case "package_declaration":
			x.file.Source.Package = packageName(child, source)
		case "import_declaration":
			if imp, ok := parseImport(child, source); ok {
				x.file.Source.Imports = append(x.file.Source.Imports, imp)
			}
		default:
			if _, ok := typeDeclKinds[child.Type()]; ok {
				x.visitType(child, "", "")
			}
		}
	}

	return x.file, nil
}

type extractor struct {
	source []byte
	file   *File
	taken  map[string]bool // binary names handed out by localName
}

func (x *extractor) text(n *sitter.Node) string {
	return lang.NodeText(n, x.source)
}

// visitType records a type declaration and everything declared in its body.
// enclosing is the binary name of the enclosing type, or "" for top level.
// qualified overrides the binary name, as for local classes; "" derives it
// from enclosing and the declared name.
func (x *extractor) visitType(node *sitter.Node, enclosing, qualified string) {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	name := x.text(nameNode)

	switch {
	case qualified != "":
	case enclosing != "":
		qualified = enclosing + "$" + name
	case x.file.Source.Package != "":
		qualified = x.file.Source.Package + "." + name
	default:
		qualified = name
	}

	cls := model.ClassDecl{
		QualifiedName: qualified,
		SimpleName:    name,
		Kind:          typeDeclKinds[node.Type()],
		File:          x.file.Source.Path,
		Package:       x.file.Source.Package,
		Enclosing:     enclosing,
		StartLine:     lang.StartLine(node),
		EndLine:       lang.EndLine(node),
	}

	if sc := node.ChildByFieldName("superclass"); sc != nil {
		for i := 0; i < int(sc.NamedChildCount()); i++ {
			cls.Superclass = x.typeName(sc.NamedChild(i))
		}
	}
	if ifs := node.ChildByFieldName("interfaces"); ifs != nil {
		cls.Interfaces = append(cls.Interfaces, x.typeList(ifs)...)
	}
	for i := 0; i < int(node.NamedChildCount()); i++ {
		if c := node.NamedChild(i); c.Type() == "extends_interfaces" {
			cls.Interfaces = append(cls.Interfaces, x.typeList(c)...)
		}
	}

	if cls.Kind == model.Record {
		if params := node.ChildByFieldName("parameters"); params != nil {
			for _, p := range x.params(params) {
				addField(&cls, p.name, p.typ)
			}
		}
	}

	// Append before visiting members so nested types follow their owner.
	idx := len(x.file.Classes)
	x.file.Classes = append(x.file.Classes, cls)
	x.file.Source.Classes = append(x.file.Source.Classes, qualified)

	body := node.ChildByFieldName("body")
	if body == nil {
		return
	}
	fields := x.visitBody(body, qualified)
	if len(fields) > 0 {
		c := &x.file.Classes[idx]
		for name, typ := range fields {
			addField(c, name, typ)
		}
	}
}

// visitBody walks the members of a class/interface/enum body and returns the
// declared fields.
func (x *extractor) visitBody(body *sitter.Node, owner string) map[string]string {
	fields := make(map[string]string)
	for i := 0; i < int(body.NamedChildCount()); i++ {
		member := body.NamedChild(i)
		switch member.Type() {
		case "field_declaration", "constant_declaration":
			typ := x.typeName(member.ChildByFieldName("type"))
			for _, name := range x.declaratorNames(member) {
				fields[name] = typ
			}
			x.scanInitializer(member, owner)
		case "static_initializer", "block":
			x.scanInitializer(member, owner)
		case "enum_constant":
			if cb := member.ChildByFieldName("body"); cb != nil {
				x.visitAnonymous(cb, owner, owner)
			}
		case "method_declaration":
			x.visitMethod(member, owner, false)
		case "constructor_declaration", "compact_constructor_declaration":
			x.visitMethod(member, owner, true)
		case "enum_body_declarations":
			for name, typ := range x.visitBody(member, owner) {
				fields[name] = typ
			}
		default:
			if _, ok := typeDeclKinds[member.Type()]; ok {
				x.visitType(member, owner, "")
			}
		}
	}
	return fields
}

// localName returns the binary name javac gives the next anonymous class
// (simple == "") or local class declared in enclosing: the first free
// enclosing$N, or enclosing$NSimple.
func (x *extractor) localName(enclosing, simple string) string {
	name := x.nextLocalName(enclosing, simple)
	if x.taken == nil {
		x.taken = make(map[string]bool)
	}
	x.taken[name] = true
	return name
}

// nextLocalName is localName without reserving the name.
func (x *extractor) nextLocalName(enclosing, simple string) string {
	for i := 1; ; i++ {
		if name := fmt.Sprintf("%s$%d%s", enclosing, i, simple); !x.taken[name] {
			return name
		}
	}
}

// visitAnonymous records an anonymous class body declared in enclosing
// whose supertype is written as super, and returns its binary name.
func (x *extractor) visitAnonymous(body *sitter.Node, enclosing, super string) string {
	qualified := x.localName(enclosing, "")
	cls := model.ClassDecl{
		QualifiedName: qualified,
		Kind:          model.Class,
		File:          x.file.Source.Path,
		Package:       x.file.Source.Package,
		Enclosing:     enclosing,
		Superclass:    super,
		StartLine:     lang.StartLine(body),
		EndLine:       lang.EndLine(body),
	}
	idx := len(x.file.Classes)
	x.file.Classes = append(x.file.Classes, cls)
	x.file.Source.Classes = append(x.file.Source.Classes, qualified)

	fields := x.visitBody(body, qualified)
	if len(fields) > 0 {
		c := &x.file.Classes[idx]
		for name, typ := range fields {
			addField(c, name, typ)
		}
	}
	return qualified
}

// visitLocal records a class, record, enum or interface declared inside a
// method body and returns its binary name.
func (x *extractor) visitLocal(node *sitter.Node, enclosing string) string {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return ""
	}
	qualified := x.localName(enclosing, x.text(nameNode))
	x.visitType(node, enclosing, qualified)
	return qualified
}

// scanInitializer records the anonymous and local classes of a field
// initializer or initializer block. Calls made there are not attributed to
// any method.
func (x *extractor) scanInitializer(n *sitter.Node, owner string) {
	switch n.Type() {
	case "object_creation_expression":
		if body := findChild(n, "class_body"); body != nil {
			x.visitAnonymous(body, owner, x.typeName(n.ChildByFieldName("type")))
			if args := n.ChildByFieldName("arguments"); args != nil {
				x.scanInitializer(args, owner)
			}
			return
		}
	default:
		if _, ok := typeDeclKinds[n.Type()]; ok {
			x.visitLocal(n, owner)
			return
		}
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		x.scanInitializer(n.NamedChild(i), owner)
	}
}

func (x *extractor) visitMethod(node *sitter.Node, owner string, constructor bool) {
	name := model.ConstructorName
	if !constructor {
		nameNode := node.ChildByFieldName("name")
		if nameNode == nil {
			return
		}
		name = x.text(nameNode)
	}

	m := model.MethodDecl{
		Owner:     owner,
		Name:      name,
		Params:    []string{},
		File:      x.file.Source.Path,
		StartLine: lang.StartLine(node),
		EndLine:   lang.EndLine(node),
	}

	locals := make(map[string]string)
	if params := node.ChildByFieldName("parameters"); params != nil {
		for _, p := range x.params(params) {
			m.Params = append(m.Params, p.signature())
			if p.varargs {
				m.Varargs = true
			}
			if p.name != "" {
				locals[p.name] = p.typ
			}
		}
	}

	for i := 0; i < int(node.NamedChildCount()); i++ {
		c := node.NamedChild(i)
		switch c.Type() {
		case "modifiers":
			mods := strings.Fields(x.text(c))
			for _, mod := range mods {
				switch mod {
				case "static":
					m.Static = true
				case "abstract":
					m.Abstract = true
				}
			}
		case "throws":
			m.HasExceptionHandling = true
		}
	}

	body := node.ChildByFieldName("body")
	if body == nil {
		m.Abstract = true
	} else {
		w := &bodyWalker{x: x, method: &m, locals: locals}
		w.walk(body)
	}
	if len(locals) > 0 {
		m.Locals = locals
	}

	x.file.Methods = append(x.file.Methods, m)
}

// bodyWalker collects call sites, local variable types and code-shape
// signals from a method body.
type bodyWalker struct {
	x      *extractor
	method *model.MethodDecl
	locals map[string]string
	types  map[string]string // local class name -> binary name
}

func (w *bodyWalker) walk(n *sitter.Node) {
	if _, ok := typeDeclKinds[n.Type()]; ok {
		// Members of a local class are methods of that class.
		if bin := w.x.visitLocal(n, w.method.Owner); bin != "" {
			if w.types == nil {
				w.types = make(map[string]string)
			}
			w.types[w.x.text(n.ChildByFieldName("name"))] = bin
		}
		return
	}

	switch n.Type() {
	case "catch_clause":
		w.method.HasExceptionHandling = true
		if param := findChild(n, "catch_formal_parameter"); param != nil {
			w.catchParam(param)
		}
	case "local_variable_declaration":
		w.localDecl(n)
	case "enhanced_for_statement":
		if nameNode := n.ChildByFieldName("name"); nameNode != nil {
			w.locals[w.x.text(nameNode)] = w.x.typeName(n.ChildByFieldName("type"))
		}
	case "binary_expression":
		if w.isNullComparison(n) {
			w.method.HasNullCheck = true
		}
	case "method_invocation":
		w.invocation(n)
	case "object_creation_expression":
		w.creation(n)
		if body := findChild(n, "class_body"); body != nil {
			w.x.visitAnonymous(body, w.method.Owner, w.typeName(n.ChildByFieldName("type")))
			for i := 0; i < int(n.NamedChildCount()); i++ {
				if c := n.NamedChild(i); c != body {
					w.walk(c)
				}
			}
			return
		}
	case "explicit_constructor_invocation":
		w.explicitConstructor(n)
	}

	for i := 0; i < int(n.NamedChildCount()); i++ {
		w.walk(n.NamedChild(i))
	}
}

// typeName is extractor.typeName with local classes in scope mapped to
// their binary names.
func (w *bodyWalker) typeName(n *sitter.Node) string {
	typ := w.x.typeName(n)
	if bin, ok := w.types[typ]; ok {
		return bin
	}
	return typ
}

func (w *bodyWalker) localDecl(n *sitter.Node) {
	typ := w.typeName(n.ChildByFieldName("type"))
	for i := 0; i < int(n.NamedChildCount()); i++ {
		d := n.NamedChild(i)
		if d.Type() != "variable_declarator" {
			continue
		}
		nameNode := d.ChildByFieldName("name")
		if nameNode == nil {
			continue
		}
		declared := typ
		if declared == "var" {
			declared = ""
			if v := d.ChildByFieldName("value"); v != nil && v.Type() == "object_creation_expression" {
				declared = w.typeName(v.ChildByFieldName("type"))
			}
		}
		if declared != "" {
			w.locals[w.x.text(nameNode)] = declared
		}
	}
}

// catchParam records the caught types of a catch clause and binds its
// parameter.
func (w *bodyWalker) catchParam(param *sitter.Node) {
	catchType := findChild(param, "catch_type")
	if catchType == nil || catchType.NamedChildCount() == 0 {
		return
	}
	for i := 0; i < int(catchType.NamedChildCount()); i++ {
		if t := w.x.typeName(catchType.NamedChild(i)); t != "" && !contains(w.method.Catches, t) {
			w.method.Catches = append(w.method.Catches, t)
		}
	}
	if nameNode := param.ChildByFieldName("name"); nameNode != nil {
		// Multi-catch: the first alternative stands in for the union.
		w.locals[w.x.text(nameNode)] = w.x.typeName(catchType.NamedChild(0))
	}
}

func (w *bodyWalker) isNullComparison(n *sitter.Node) bool {
	op := n.ChildByFieldName("operator")
	if op == nil {
		return false
	}
	if t := op.Type(); t != "==" && t != "!=" {
		return false
	}
	for _, field := range []string{"left", "right"} {
		if side := n.ChildByFieldName(field); side != nil && side.Type() == "null_literal" {
			return true
		}
	}
	return false
}

func (w *bodyWalker) invocation(n *sitter.Node) {
	nameNode := n.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	name := w.x.text(nameNode)
	site := model.CallSite{
		Name: name,
		Args: argCount(n.ChildByFieldName("arguments")),
		Line: lang.StartLine(nameNode),
	}

	obj := n.ChildByFieldName("object")
	site.Receiver, site.Target = w.receiver(obj)

	if name == "requireNonNull" || (obj != nil && w.x.text(obj) == "Optional") {
		w.method.HasNullCheck = true
	}

	w.method.Calls = append(w.method.Calls, site)
}

func (w *bodyWalker) receiver(obj *sitter.Node) (model.ReceiverKind, string) {
	if obj == nil {
		return model.ReceiverImplicit, ""
	}
	switch obj.Type() {
	case "this":
		return model.ReceiverThis, ""
	case "super":
		return model.ReceiverSuper, ""
	case "identifier":
		return model.ReceiverName, w.x.text(obj)
	case "field_access":
		inner := obj.ChildByFieldName("object")
		field := obj.ChildByFieldName("field")
		if inner != nil && field != nil && inner.Type() == "this" {
			return model.ReceiverField, w.x.text(field)
		}
		text := strings.Join(strings.Fields(w.x.text(obj)), "")
		if strings.HasSuffix(text, ".this") {
			return model.ReceiverThis, strings.TrimSuffix(text, ".this")
		}
		if dottedRe.MatchString(text) {
			return model.ReceiverQualified, text
		}
	case "object_creation_expression":
		if findChild(obj, "class_body") != nil {
			// The anonymous class is named when the walk reaches it next.
			return model.ReceiverTyped, w.x.nextLocalName(w.method.Owner, "")
		}
		return model.ReceiverTyped, w.typeName(obj.ChildByFieldName("type"))
	case "parenthesized_expression":
		if obj.NamedChildCount() > 0 {
			if cast := obj.NamedChild(0); cast.Type() == "cast_expression" {
				return model.ReceiverTyped, w.x.typeName(cast.ChildByFieldName("type"))
			}
		}
	}
	return model.ReceiverExpr, ""
}

func (w *bodyWalker) creation(n *sitter.Node) {
	typ := w.typeName(n.ChildByFieldName("type"))
	if typ == "" {
		return
	}
	w.method.Calls = append(w.method.Calls, model.CallSite{
		Receiver: model.ReceiverConstructor,
		Target:   typ,
		Name:     model.ConstructorName,
		Args:     argCount(n.ChildByFieldName("arguments")),
		Line:     lang.StartLine(n),
	})
}

func (w *bodyWalker) explicitConstructor(n *sitter.Node) {
	ctor := n.ChildByFieldName("constructor")
	if ctor == nil {
		return
	}
	kind := model.ReceiverThis
	if ctor.Type() == "super" {
		kind = model.ReceiverSuper
	}
	w.method.Calls = append(w.method.Calls, model.CallSite{
		Receiver: kind,
		Name:     model.ConstructorName,
		Args:     argCount(n.ChildByFieldName("arguments")),
		Line:     lang.StartLine(n),
	})
}

type param struct {
	name    string
	typ     string
	varargs bool
}

func (p param) signature() string {
	if p.varargs {
		return p.typ + "..."
	}
	return p.typ
}

// params reads a formal_parameters node. Receiver parameters are skipped.
func (x *extractor) params(node *sitter.Node) []param {
	var out []param
	for i := 0; i < int(node.NamedChildCount()); i++ {
		c := node.NamedChild(i)
		switch c.Type() {
		case "formal_parameter":
			p := param{typ: x.typeName(c.ChildByFieldName("type"))}
			if nameNode := c.ChildByFieldName("name"); nameNode != nil {
				p.name = x.text(nameNode)
			}
			if dims := c.ChildByFieldName("dimensions"); dims != nil {
				p.typ += strings.Repeat("[]", strings.Count(x.text(dims), "["))
			}
			out = append(out, p)
		case "spread_parameter":
			p := param{varargs: true}
			for j := 0; j < int(c.NamedChildCount()); j++ {
				gc := c.NamedChild(j)
				switch gc.Type() {
				case "modifiers":
				case "variable_declarator":
					if nameNode := gc.ChildByFieldName("name"); nameNode != nil {
						p.name = x.text(nameNode)
					}
				default:
					if p.typ == "" {
						p.typ = x.typeName(gc)
					}
				}
			}
			out = append(out, p)
		}
	}
	return out
}

func (x *extractor) declaratorNames(n *sitter.Node) []string {
	var names []string
	for i := 0; i < int(n.NamedChildCount()); i++ {
		d := n.NamedChild(i)
		if d.Type() != "variable_declarator" {
			continue
		}
		if nameNode := d.ChildByFieldName("name"); nameNode != nil {
			names = append(names, x.text(nameNode))
		}
	}
	return names
}

func (x *extractor) typeList(n *sitter.Node) []string {
	var out []string
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if c.Type() == "type_list" {
			out = append(out, x.typeList(c)...)
			continue
		}
		if t := x.typeName(c); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// typeName returns the erased source spelling of a type node:
// generics are dropped, array dimensions kept (List<String>[] -> List[]).
func (x *extractor) typeName(n *sitter.Node) string {
	if n == nil {
		return ""
	}
	switch n.Type() {
	case "type_identifier", "integral_type", "floating_point_type", "boolean_type", "void_type":
		return x.text(n)
	case "scoped_type_identifier":
		return erase(x.text(n))
	case "generic_type":
		if n.NamedChildCount() > 0 {
			return x.typeName(n.NamedChild(0))
		}
	case "array_type":
		elem := x.typeName(n.ChildByFieldName("element"))
		dims := n.ChildByFieldName("dimensions")
		if dims == nil {
			return elem + "[]"
		}
		return elem + strings.Repeat("[]", strings.Count(x.text(dims), "["))
	case "annotated_type":
		if c := n.NamedChildCount(); c > 0 {
			return x.typeName(n.NamedChild(int(c) - 1))
		}
	}
	return erase(x.text(n))
}

func erase(s string) string {
	s = genericRe.ReplaceAllString(s, "")
	return strings.Join(strings.Fields(s), "")
}

// IsPrimitive reports whether a type name is a Java primitive or void.
func IsPrimitive(t string) bool {
	return primitiveRe.MatchString(t)
}

func addField(c *model.ClassDecl, name, typ string) {
	if name == "" || typ == "" {
		return
	}
	if c.Fields == nil {
		c.Fields = make(map[string]string)
	}
	c.Fields[name] = typ
}

func packageName(n *sitter.Node, source []byte) string {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if c.Type() == "scoped_identifier" || c.Type() == "identifier" {
			return strings.Join(strings.Fields(lang.NodeText(c, source)), "")
		}
	}
	return ""
}

func parseImport(n *sitter.Node, source []byte) (model.Import, bool) {
	text := strings.Join(strings.Fields(lang.NodeText(n, source)), " ")
	text = strings.TrimSuffix(strings.TrimPrefix(text, "import "), ";")
	text = strings.TrimSpace(text)

	imp := model.Import{}
	if strings.HasPrefix(text, "static ") {
		imp.Static = true
		text = strings.TrimPrefix(text, "static ")
	}
	text = strings.ReplaceAll(text, " ", "")
	if strings.HasSuffix(text, ".*") {
		imp.Wildcard = true
		text = strings.TrimSuffix(text, ".*")
	}
	if text == "" {
		return model.Import{}, false
	}
	imp.Path = text
	return imp, true
}

func argCount(args *sitter.Node) int {
	if args == nil {
		return 0
	}
	n := 0
	for i := 0; i < int(args.NamedChildCount()); i++ {
		switch args.NamedChild(i).Type() {
		case "line_comment", "block_comment":
		default:
			n++
		}
	}
	return n
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func findChild(n *sitter.Node, typ string) *sitter.Node {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if c := n.NamedChild(i); c.Type() == typ {
			return c
		}
	}
	return nil
}

func firstErrorLine(n *sitter.Node) int {
	if n.Type() == "ERROR" || n.IsMissing() {
		return lang.StartLine(n)
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		c := n.Child(i)
		if c.HasError() || c.IsMissing() {
			return firstErrorLine(c)
		}
	}
	return lang.StartLine(n)
}
