package parse

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/phobologic/rootcause/internal/lang"
	"github.com/phobologic/rootcause/internal/model"
)

func extract(t *testing.T, source string) *File {
	t.Helper()
	f, err := ExtractFile(context.Background(), lang.Java.NewParser(), []byte(source), "src/Test.java")
	if err != nil {
		t.Fatalf("ExtractFile: %v", err)
	}
	return f
}

func methodNamed(t *testing.T, f *File, owner, name string) model.MethodDecl {
	t.Helper()
	for _, m := range f.Methods {
		if m.Owner == owner && m.Name == name {
			return m
		}
	}
	t.Fatalf("method %s.%s not found in %d methods", owner, name, len(f.Methods))
	return model.MethodDecl{}
}

func TestExtractPackageAndImports(t *testing.T) {
	t.Parallel()

	f := extract(t, `package com.shop;

import java.util.List;
import java.util.*;
import static java.util.Objects.requireNonNull;

class Order {}
`)

	if f.Source.Package != "com.shop" {
		t.Errorf("package = %q", f.Source.Package)
	}
	want := []model.Import{
		{Path: "java.util.List"},
		{Path: "java.util", Wildcard: true},
		{Path: "java.util.Objects.requireNonNull", Static: true},
	}
	if !reflect.DeepEqual(f.Source.Imports, want) {
		t.Errorf("imports = %+v, want %+v", f.Source.Imports, want)
	}
	if !reflect.DeepEqual(f.Source.Classes, []string{"com.shop.Order"}) {
		t.Errorf("classes = %v", f.Source.Classes)
	}
}

func TestExtractClassHierarchy(t *testing.T) {
	t.Parallel()

	f := extract(t, `package com.shop;

public class OrderService extends BaseService<Order> implements Service, java.io.Closeable {
    private final OrderRepo repo;
    private int a, b;
}

interface Service extends AutoCloseable {}
`)

	if len(f.Classes) != 2 {
		t.Fatalf("expected 2 classes, got %d", len(f.Classes))
	}
	svc := f.Classes[0]
	if svc.QualifiedName != "com.shop.OrderService" || svc.Kind != model.Class {
		t.Errorf("class = %+v", svc)
	}
	if svc.Superclass != "BaseService" {
		t.Errorf("superclass = %q", svc.Superclass)
	}
	if !reflect.DeepEqual(svc.Interfaces, []string{"Service", "java.io.Closeable"}) {
		t.Errorf("interfaces = %v", svc.Interfaces)
	}
	wantFields := map[string]string{"repo": "OrderRepo", "a": "int", "b": "int"}
	if !reflect.DeepEqual(svc.Fields, wantFields) {
		t.Errorf("fields = %v", svc.Fields)
	}
	if svc.StartLine != 3 || svc.EndLine != 6 {
		t.Errorf("range = %d-%d", svc.StartLine, svc.EndLine)
	}

	iface := f.Classes[1]
	if iface.Kind != model.Interface {
		t.Errorf("kind = %q", iface.Kind)
	}
	if !reflect.DeepEqual(iface.Interfaces, []string{"AutoCloseable"}) {
		t.Errorf("extended interfaces = %v", iface.Interfaces)
	}
}

func TestExtractNestedTypesUseBinaryNames(t *testing.T) {
	t.Parallel()

	f := extract(t, `package p;
class Outer {
    static class Inner {
        void run() {}
    }
    enum Mode { A, B; void flip() {} }
}
`)

	var names []string
	for _, c := range f.Classes {
		names = append(names, c.QualifiedName)
	}
	want := []string{"p.Outer", "p.Outer$Inner", "p.Outer$Mode"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("classes = %v, want %v", names, want)
	}
	if f.Classes[1].Enclosing != "p.Outer" {
		t.Errorf("enclosing = %q", f.Classes[1].Enclosing)
	}

	run := methodNamed(t, f, "p.Outer$Inner", "run")
	if run.StartLine != 4 {
		t.Errorf("run start line = %d", run.StartLine)
	}
	methodNamed(t, f, "p.Outer$Mode", "flip")
}

func TestExtractMethodSignatures(t *testing.T) {
	t.Parallel()

	f := extract(t, `package p;
abstract class A {
    A(int x) { }
    public static <T> List<T> wrap(Map<String, T> m, int[] xs, String... rest) { return null; }
    abstract void todo(long id);
    void legacy(int xs[]) {}
}
`)

	ctor := methodNamed(t, f, "p.A", model.ConstructorName)
	if !reflect.DeepEqual(ctor.Params, []string{"int"}) {
		t.Errorf("ctor params = %v", ctor.Params)
	}

	wrap := methodNamed(t, f, "p.A", "wrap")
	if !reflect.DeepEqual(wrap.Params, []string{"Map", "int[]", "String..."}) {
		t.Errorf("wrap params = %v", wrap.Params)
	}
	if !wrap.Static || !wrap.Varargs {
		t.Errorf("wrap static=%v varargs=%v", wrap.Static, wrap.Varargs)
	}
	if got := wrap.ID(); got != "p.A.wrap(Map,int[],String...)" {
		t.Errorf("wrap ID = %q", got)
	}
	if wrap.Locals["m"] != "Map" || wrap.Locals["rest"] != "String" {
		t.Errorf("wrap locals = %v", wrap.Locals)
	}

	todo := methodNamed(t, f, "p.A", "todo")
	if !todo.Abstract {
		t.Error("todo should be abstract")
	}

	legacy := methodNamed(t, f, "p.A", "legacy")
	if !reflect.DeepEqual(legacy.Params, []string{"int[]"}) {
		t.Errorf("legacy params = %v", legacy.Params)
	}
}

func TestExtractCallSites(t *testing.T) {
	t.Parallel()

	f := extract(t, `package p;
class C extends B {
    private Repo repo;
    void run(Helper h) {
        local();
        this.own();
        super.parent(1);
        h.help(1, 2);
        this.repo.find();
        java.util.Objects.hash(1);
        new Worker().work();
        ((Worker) h).work();
        h.get().chain();
        Worker w = new Worker(3);
    }
}
`)

	run := methodNamed(t, f, "p.C", "run")
	type site struct {
		recv   model.ReceiverKind
		target string
		name   string
		args   int
	}
	var got []site
	for _, c := range run.Calls {
		got = append(got, site{c.Receiver, c.Target, c.Name, c.Args})
	}

	want := []site{
		{model.ReceiverImplicit, "", "local", 0},
		{model.ReceiverThis, "", "own", 0},
		{model.ReceiverSuper, "", "parent", 1},
		{model.ReceiverName, "h", "help", 2},
		{model.ReceiverField, "repo", "find", 0},
		{model.ReceiverQualified, "java.util.Objects", "hash", 1},
		{model.ReceiverTyped, "Worker", "work", 0},
		{model.ReceiverConstructor, "Worker", model.ConstructorName, 0},
		{model.ReceiverTyped, "Worker", "work", 0},
		{model.ReceiverExpr, "", "chain", 0},
		{model.ReceiverName, "h", "get", 0},
		{model.ReceiverConstructor, "Worker", model.ConstructorName, 1},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("calls:\n got  %+v\n want %+v", got, want)
	}

	if run.Calls[0].Line != 5 {
		t.Errorf("first call line = %d, want 5", run.Calls[0].Line)
	}
	if run.Locals["w"] != "Worker" || run.Locals["h"] != "Helper" {
		t.Errorf("locals = %v", run.Locals)
	}
}

func TestExtractLocalsInference(t *testing.T) {
	t.Parallel()

	f := extract(t, `package p;
class C {
    void run(java.util.List<Item> items) {
        var cache = new HashMap<String, Item>();
        var unknown = compute();
        for (Item it : items) { it.touch(); }
        try { run(null); } catch (IllegalStateException | IllegalArgumentException e) { e.printStackTrace(); }
    }
}
`)

	run := methodNamed(t, f, "p.C", "run")
	want := map[string]string{
		"items": "java.util.List",
		"cache": "HashMap",
		"it":    "Item",
		"e":     "IllegalStateException",
	}
	if !reflect.DeepEqual(run.Locals, want) {
		t.Errorf("locals = %v, want %v", run.Locals, want)
	}
}

func TestExtractExceptionHandlingAndNullChecks(t *testing.T) {
	t.Parallel()

	f := extract(t, `package p;
class C {
    void guarded() {
        try { work(); } catch (Exception e) { }
    }
    void multi() {
        try { work(); } catch (IllegalStateException | java.io.UncheckedIOException e) { }
        catch (IllegalStateException e2) { }
    }
    void cleanup() {
        try { work(); } finally { close(); }
    }
    void declares() throws java.io.IOException { work(); }
    void checks(String s) {
        if (s == null) return;
    }
    void requires(String s) {
        java.util.Objects.requireNonNull(s);
    }
    void plain() { work(); }
}
`)

	tests := []struct {
		name      string
		handling  bool
		nullCheck bool
		catches   []string
	}{
		{"guarded", true, false, []string{"Exception"}},
		{"multi", true, false, []string{"IllegalStateException", "java.io.UncheckedIOException"}},
		{"cleanup", false, false, nil},
		{"declares", true, false, nil},
		{"checks", false, true, nil},
		{"requires", false, true, nil},
		{"plain", false, false, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := methodNamed(t, f, "p.C", tt.name)
			if m.HasExceptionHandling != tt.handling {
				t.Errorf("HasExceptionHandling = %v, want %v", m.HasExceptionHandling, tt.handling)
			}
			if m.HasNullCheck != tt.nullCheck {
				t.Errorf("HasNullCheck = %v, want %v", m.HasNullCheck, tt.nullCheck)
			}
			if !reflect.DeepEqual(m.Catches, tt.catches) {
				t.Errorf("Catches = %v, want %v", m.Catches, tt.catches)
			}
		})
	}
}

func TestExtractAnonymousAndLocalClasses(t *testing.T) {
	t.Parallel()

	f := extract(t, `package p;
class Job {
    static final Runnable TICK = new Runnable() { public void run() { tick(); } };
    void submit(String s) {
        new Runnable() {
            public void run() {
                s.trim();
            }
        }.run();
        class Local { void step() { s.length(); } }
        new Local().step();
        Local l = new Local();
    }
    enum Mode {
        FAST { void go() {} },
        SLOW;
        void go() {}
    }
}
`)

	var names []string
	for _, c := range f.Classes {
		names = append(names, c.QualifiedName)
	}
	want := []string{"p.Job", "p.Job$1", "p.Job$2", "p.Job$1Local", "p.Job$Mode", "p.Job$Mode$1"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("classes = %v, want %v", names, want)
	}
	if !reflect.DeepEqual(f.Source.Classes, want) {
		t.Errorf("source classes = %v, want %v", f.Source.Classes, want)
	}

	anon := f.Classes[2]
	if anon.Enclosing != "p.Job" || anon.Superclass != "Runnable" || anon.SimpleName != "" {
		t.Errorf("anonymous class = %+v", anon)
	}
	if anon.StartLine != 5 || anon.EndLine != 9 {
		t.Errorf("anonymous class lines = %d-%d, want 5-9", anon.StartLine, anon.EndLine)
	}
	if f.Classes[5].Superclass != "p.Job$Mode" {
		t.Errorf("enum constant body superclass = %q", f.Classes[5].Superclass)
	}

	run := methodNamed(t, f, "p.Job$2", "run")
	if len(run.Calls) != 1 || run.Calls[0].Name != "trim" || run.Calls[0].Line != 7 {
		t.Errorf("anonymous run calls = %+v", run.Calls)
	}
	methodNamed(t, f, "p.Job$1", "run")
	methodNamed(t, f, "p.Job$1Local", "step")
	methodNamed(t, f, "p.Job$Mode$1", "go")

	submit := methodNamed(t, f, "p.Job", "submit")
	var calls []string
	for _, c := range submit.Calls {
		calls = append(calls, c.Target+"."+c.Name)
	}
	wantCalls := []string{"p.Job$2.run", "Runnable.<init>", "p.Job$1Local.step", "p.Job$1Local.<init>", "p.Job$1Local.<init>"}
	if !reflect.DeepEqual(calls, wantCalls) {
		t.Errorf("submit calls = %v, want %v", calls, wantCalls)
	}
	if submit.Locals["l"] != "p.Job$1Local" {
		t.Errorf("local class variable type = %q", submit.Locals["l"])
	}
}

func TestExtractExplicitConstructorCalls(t *testing.T) {
	t.Parallel()

	f := extract(t, `package p;
class C extends B {
    C() { this(1); }
    C(int x) { super(x, 2); }
}
`)

	var calls []model.CallSite
	for _, m := range f.Methods {
		calls = append(calls, m.Calls...)
	}
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].Receiver != model.ReceiverThis || calls[0].Args != 1 {
		t.Errorf("this(...) = %+v", calls[0])
	}
	if calls[1].Receiver != model.ReceiverSuper || calls[1].Args != 2 {
		t.Errorf("super(...) = %+v", calls[1])
	}
}

func TestExtractRecord(t *testing.T) {
	t.Parallel()

	f := extract(t, `package p;
record Point(int x, int y) {
    int sum() { return x + y; }
}
`)

	if f.Classes[0].Kind != model.Record {
		t.Errorf("kind = %q", f.Classes[0].Kind)
	}
	if f.Classes[0].Fields["x"] != "int" {
		t.Errorf("record fields = %v", f.Classes[0].Fields)
	}
	methodNamed(t, f, "p.Point", "sum")
}

func TestExtractDefaultPackage(t *testing.T) {
	t.Parallel()

	f := extract(t, "class Bare { void f() {} }\n")
	if f.Classes[0].QualifiedName != "Bare" {
		t.Errorf("qualified name = %q", f.Classes[0].QualifiedName)
	}
}

func TestExtractSyntaxError(t *testing.T) {
	t.Parallel()

	_, err := ExtractFile(context.Background(), lang.Java.NewParser(),
		[]byte("package p;\nclass A {\n  void f( {\n}\n"), "A.java")

	var syn *SyntaxError
	if !errors.As(err, &syn) {
		t.Fatalf("expected *SyntaxError, got %v", err)
	}
	if syn.Path != "A.java" {
		t.Errorf("path = %q", syn.Path)
	}
	if syn.Line < 1 {
		t.Errorf("line = %d", syn.Line)
	}
}

func TestIsPrimitive(t *testing.T) {
	t.Parallel()

	for _, p := range []string{"int", "boolean", "void"} {
		if !IsPrimitive(p) {
			t.Errorf("IsPrimitive(%q) = false", p)
		}
	}
	for _, p := range []string{"Integer", "int[]", "String"} {
		if IsPrimitive(p) {
			t.Errorf("IsPrimitive(%q) = true", p)
		}
	}
}
