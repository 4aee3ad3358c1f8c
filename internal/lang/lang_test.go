package lang

import (
	"context"
	"testing"
)

func TestJavaMatches(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ext  string
		want bool
	}{
		{".java", true},
		{".py", false},
		{".kt", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.ext, func(t *testing.T) {
			t.Parallel()
			if got := Java.Matches(tt.ext); got != tt.want {
				t.Errorf("Matches(%q) = %v, want %v", tt.ext, got, tt.want)
			}
		})
	}
}

func TestJavaParser(t *testing.T) {
	t.Parallel()

	if Java.GetLanguage() == nil {
		t.Fatal("java language is nil")
	}

	source := []byte("class A {\n  void f() {}\n}\n")
	tree, err := Java.NewParser().ParseCtx(context.Background(), nil, source)
	if err != nil {
		t.Fatalf("ParseCtx: %v", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.Type() != "program" {
		t.Errorf("root type = %q, want program", root.Type())
	}
	if root.HasError() {
		t.Error("unexpected syntax error")
	}
	if got := EndLine(root.NamedChild(0)); got != 3 {
		t.Errorf("class end line = %d, want 3", got)
	}
}

func TestCollapseWhitespace(t *testing.T) {
	t.Parallel()

	if got := CollapseWhitespace("  List<\n  String>  "); got != "List< String>" {
		t.Errorf("CollapseWhitespace = %q", got)
	}
}
