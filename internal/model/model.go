// Package model defines core data structures for rootcause.
package model

import (
	"strconv"
	"strings"
)

// SectionKind identifies which part of a stack trace a frame sequence came from.
type SectionKind string

const (
	Primary    SectionKind = "primary"
	CausedBy   SectionKind = "caused-by"
	Suppressed SectionKind = "suppressed"
)

// StackFrame is a single "at ..." line of a Java stack trace.
// FileHint is empty and LineHint is zero when the frame carried no location
// (Native Method, Unknown Source).
type StackFrame struct {
	DeclaringClass string `json:"declaringClass" yaml:"declaringClass"`
	MethodName     string `json:"methodName" yaml:"methodName"`
	FileHint       string `json:"fileHint,omitempty" yaml:"fileHint,omitempty"`
	LineHint       int    `json:"lineHint,omitempty" yaml:"lineHint,omitempty"`
	Module         string `json:"module,omitempty" yaml:"module,omitempty"`
	Raw            string `json:"-" yaml:"-"`
}

// HasLine reports whether the frame carries a usable line number.
func (f StackFrame) HasLine() bool {
	return f.LineHint > 0
}

// String renders the frame the way the JVM prints it.
func (f StackFrame) String() string {
	loc := "Unknown Source"
	switch {
	case f.FileHint != "" && f.HasLine():
		loc = f.FileHint + ":" + strconv.Itoa(f.LineHint)
	case f.FileHint != "":
		loc = f.FileHint
	}
	return f.DeclaringClass + "." + f.MethodName + "(" + loc + ")"
}

// TraceSection is one exception header plus the frames printed under it.
type TraceSection struct {
	Kind          SectionKind  `json:"kind" yaml:"kind"`
	ExceptionType string       `json:"exceptionType,omitempty" yaml:"exceptionType,omitempty"`
	Message       string       `json:"message,omitempty" yaml:"message,omitempty"`
	Frames        []StackFrame `json:"frames" yaml:"frames"`
}

// Trace is a parsed stack trace. Sections[0] is always the primary section.
type Trace struct {
	Sections []TraceSection `json:"sections" yaml:"sections"`
	Warnings []Warning      `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// FrameCount returns the number of frames across all sections.
func (t *Trace) FrameCount() int {
	n := 0
	for i := range t.Sections {
		n += len(t.Sections[i].Frames)
	}
	return n
}

// WarningKind classifies non-fatal problems collected during an analysis.
type WarningKind string

const (
	TraceParseWarning          WarningKind = "trace-parse"
	FileIndexWarning           WarningKind = "file-index"
	UnresolvedReferenceWarning WarningKind = "unresolved-reference"
)

// Warning is a recoverable problem surfaced to the caller alongside a report.
type Warning struct {
	Kind    WarningKind `json:"kind" yaml:"kind"`
	Path    string      `json:"path,omitempty" yaml:"path,omitempty"`
	Line    int         `json:"line,omitempty" yaml:"line,omitempty"`
	Message string      `json:"message" yaml:"message"`
}

func (w Warning) String() string {
	var b strings.Builder
	b.WriteString(string(w.Kind))
	if w.Path != "" {
		b.WriteString(" ")
		b.WriteString(w.Path)
		if w.Line > 0 {
			b.WriteString(":")
			b.WriteString(strconv.Itoa(w.Line))
		}
	}
	b.WriteString(": ")
	b.WriteString(w.Message)
	return b.String()
}

// Import is a single import declaration of a Java source file.
type Import struct {
	Path     string `json:"path"`
	Static   bool   `json:"static,omitempty"`
	Wildcard bool   `json:"wildcard,omitempty"`
}

// SourceFile holds the file-level facts of one indexed Java file.
type SourceFile struct {
	Path    string   `json:"path"`
	Package string   `json:"package,omitempty"`
	Imports []Import `json:"imports,omitempty"`
	Classes []string `json:"classes,omitempty"`
}

// ClassKind indicates the syntactic kind of a type declaration.
type ClassKind string

const (
	Class      ClassKind = "class"
	Interface  ClassKind = "interface"
	Enum       ClassKind = "enum"
	Record     ClassKind = "record"
	Annotation ClassKind = "annotation"
)

// ClassDecl is a type declaration. Nested types use binary names
// (com.x.Outer$Inner) so they line up with stack trace class names.
// Superclass and Interfaces hold qualified names once the index has
// resolved them, and the text as written otherwise.
type ClassDecl struct {
	QualifiedName string            `json:"qualifiedName"`
	SimpleName    string            `json:"simpleName"`
	Kind          ClassKind         `json:"kind"`
	File          string            `json:"file"`
	Package       string            `json:"package,omitempty"`
	Enclosing     string            `json:"enclosing,omitempty"`
	Superclass    string            `json:"superclass,omitempty"`
	Interfaces    []string          `json:"interfaces,omitempty"`
	Fields        map[string]string `json:"fields,omitempty"`
	StartLine     int               `json:"startLine"`
	EndLine       int               `json:"endLine"`
}

// ConstructorName is the JVM name of a constructor, as printed in stack traces.
const ConstructorName = "<init>"

// MethodDecl is a method or constructor declaration.
type MethodDecl struct {
	Owner                string            `json:"owner"`
	Name                 string            `json:"name"`
	Params               []string          `json:"params"`
	Varargs              bool              `json:"varargs,omitempty"`
	Static               bool              `json:"static,omitempty"`
	Abstract             bool              `json:"abstract,omitempty"`
	File                 string            `json:"file"`
	StartLine            int               `json:"startLine"`
	EndLine              int               `json:"endLine"`
	HasExceptionHandling bool              `json:"hasExceptionHandling,omitempty"`
	HasNullCheck         bool              `json:"hasNullCheck,omitempty"`
	Catches              []string          `json:"catches,omitempty"` // caught types as written
	Locals               map[string]string `json:"locals,omitempty"`
	Calls                []CallSite        `json:"calls,omitempty"`
}

// ID returns the snapshot-unique signature of the method,
// e.g. com.x.Foo.bar(String,int).
func (m *MethodDecl) ID() string {
	return MethodID(m.Owner, m.Name, m.Params)
}

// Contains reports whether line falls inside the method's declaration range.
func (m *MethodDecl) Contains(line int) bool {
	return line >= m.StartLine && line <= m.EndLine
}

// AcceptsArgs reports whether a call with n arguments can bind to the method.
func (m *MethodDecl) AcceptsArgs(n int) bool {
	if m.Varargs {
		return n >= len(m.Params)-1
	}
	return n == len(m.Params)
}

// MethodID builds a method signature string from its parts.
func MethodID(owner, name string, params []string) string {
	return owner + "." + name + "(" + strings.Join(params, ",") + ")"
}

// ReceiverKind says how the target of an invocation was written.
type ReceiverKind string

const (
	ReceiverImplicit    ReceiverKind = "implicit"    // foo()
	ReceiverThis        ReceiverKind = "this"        // this.foo()
	ReceiverSuper       ReceiverKind = "super"       // super.foo()
	ReceiverName        ReceiverKind = "name"        // x.foo() where x is a variable, field or type
	ReceiverField       ReceiverKind = "field"       // this.x.foo()
	ReceiverQualified   ReceiverKind = "qualified"   // com.x.Util.foo()
	ReceiverTyped       ReceiverKind = "typed"       // new T().foo(), ((T) x).foo()
	ReceiverConstructor ReceiverKind = "constructor" // new T()
	ReceiverExpr        ReceiverKind = "expr"        // anything else
)

// CallSite is an invocation recorded inside a method body, before resolution.
type CallSite struct {
	Receiver ReceiverKind `json:"receiver"`
	Target   string       `json:"target,omitempty"`
	Name     string       `json:"name"`
	Args     int          `json:"args"`
	Line     int          `json:"line"`
}

// Resolution says how a type reference was resolved.
type Resolution int

const (
	// Resolved: the type is declared in the snapshot.
	Resolved Resolution = iota
	// External: the type is not declared in the snapshot (JDK, libraries, unknown).
	External
	// Ambiguous: several snapshot types could match through wildcard imports.
	Ambiguous
)

// Candidate is a ranked method that may be the fault site for a frame.
type Candidate struct {
	MethodID    string   `json:"methodId" yaml:"methodId"`
	Class       string   `json:"class" yaml:"class"`
	Method      string   `json:"method" yaml:"method"`
	File        string   `json:"file" yaml:"file"`
	StartLine   int      `json:"startLine" yaml:"startLine"`
	EndLine     int      `json:"endLine" yaml:"endLine"`
	Score       float64  `json:"score" yaml:"score"`
	Explanation []string `json:"explanation" yaml:"explanation"`
}

// Confidence grades how much trust a report's winner deserves.
type Confidence string

const (
	High Confidence = "high"
	Low  Confidence = "low"
	None Confidence = "none"
)

// FrameResult records what resolving one frame produced.
type FrameResult struct {
	Section    int        `json:"section" yaml:"section"`
	Frame      StackFrame `json:"frame" yaml:"frame"`
	Candidates int        `json:"candidates" yaml:"candidates"`
	TopScore   float64    `json:"topScore,omitempty" yaml:"topScore,omitempty"`
}

// RelatedMethod is a method reachable from the winner in the call graph,
// with the code-shape and history facts known about it.
type RelatedMethod struct {
	MethodID             string  `json:"methodId" yaml:"methodId"`
	Direction            string  `json:"direction" yaml:"direction"`
	Depth                int     `json:"depth" yaml:"depth"`
	File                 string  `json:"file,omitempty" yaml:"file,omitempty"`
	HasExceptionHandling bool    `json:"hasExceptionHandling,omitempty" yaml:"hasExceptionHandling,omitempty"`
	HasNullCheck         bool    `json:"hasNullCheck,omitempty" yaml:"hasNullCheck,omitempty"`
	LastChange           *Change `json:"lastChange,omitempty" yaml:"lastChange,omitempty"`
}

// Change summarises the version history of a file.
type Change struct {
	DaysBeforeHead float64 `json:"daysBeforeHead" yaml:"daysBeforeHead"`
	Commits        int     `json:"commits" yaml:"commits"`
}

// Handler is a snapshot method with a catch clause for the reported
// exception type.
type Handler struct {
	MethodID  string `json:"methodId" yaml:"methodId"`
	File      string `json:"file" yaml:"file"`
	StartLine int    `json:"startLine" yaml:"startLine"`
	EndLine   int    `json:"endLine" yaml:"endLine"`
	Caught    string `json:"caught" yaml:"caught"`
}

// Report is the result of one analysis.
type Report struct {
	ID            string          `json:"id" yaml:"id"`
	Snapshot      string          `json:"snapshot" yaml:"snapshot"`
	SnapshotHash  string          `json:"snapshotHash" yaml:"snapshotHash"`
	ExceptionType string          `json:"exceptionType,omitempty" yaml:"exceptionType,omitempty"`
	Message       string          `json:"message,omitempty" yaml:"message,omitempty"`
	Confidence    Confidence      `json:"confidence" yaml:"confidence"`
	Frames        []FrameResult   `json:"frames" yaml:"frames"`
	Winner        *Candidate      `json:"winner" yaml:"winner"`
	WinnerFrame   *StackFrame     `json:"winnerFrame,omitempty" yaml:"winnerFrame,omitempty"`
	Related       []RelatedMethod `json:"related,omitempty" yaml:"related,omitempty"`
	Handlers      []Handler       `json:"handlers,omitempty" yaml:"handlers,omitempty"`
	Warnings      []Warning       `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}
