package snapshot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/phobologic/rootcause/internal/discover"
	rcerrors "github.com/phobologic/rootcause/internal/errors"
)

func TestFSTreeFiles(t *testing.T) {
	t.Parallel()

	tree := NewFSTree("mem", fstest.MapFS{
		"com/x/Foo.java": {Data: []byte("class Foo {}")},
		"com/x/Bar.java": {Data: []byte("class Bar {}")},
		"README.md":      {Data: []byte("# hi")},
	})

	entries, err := tree.Files(context.Background())
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Path != "com/x/Bar.java" || entries[1].Path != "com/x/Foo.java" {
		t.Errorf("entries = %+v", entries)
	}

	data, err := tree.ReadFile("com/x/Foo.java")
	if err != nil || string(data) != "class Foo {}" {
		t.Errorf("ReadFile = %q, %v", data, err)
	}
}

func TestContentHashStable(t *testing.T) {
	t.Parallel()

	files := fstest.MapFS{
		"A.java": {Data: []byte("class A {}")},
		"B.java": {Data: []byte("class B {}")},
	}
	ctx := context.Background()

	h1, err := ContentHash(ctx, NewFSTree("one", files))
	if err != nil {
		t.Fatal(err)
	}
	h2, err := ContentHash(ctx, NewFSTree("two", files))
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("hash depends on root name: %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("hash length = %d", len(h1))
	}

	changed := fstest.MapFS{
		"A.java": {Data: []byte("class A { }")},
		"B.java": {Data: []byte("class B {}")},
	}
	h3, err := ContentHash(ctx, NewFSTree("one", changed))
	if err != nil {
		t.Fatal(err)
	}
	if h3 == h1 {
		t.Error("hash did not change with content")
	}

	// Moving bytes between files must change the hash too.
	moved := fstest.MapFS{
		"A.java": {Data: []byte("class A {}class B {}")},
		"B.java": {Data: []byte("")},
	}
	h4, err := ContentHash(ctx, NewFSTree("one", moved))
	if err != nil {
		t.Fatal(err)
	}
	if h4 == h1 {
		t.Error("hash ignores file boundaries")
	}
}

func TestDirTree(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "com", "x"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "com", "x", "Foo.java"), []byte("class Foo {}"), 0o644); err != nil {
		t.Fatal(err)
	}

	tree, err := NewDirTree(dir, discover.Options{})
	if err != nil {
		t.Fatalf("NewDirTree: %v", err)
	}
	entries, err := tree.Files(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Path != "com/x/Foo.java" {
		t.Fatalf("entries = %+v", entries)
	}
	data, err := tree.ReadFile(entries[0].Path)
	if err != nil || string(data) != "class Foo {}" {
		t.Errorf("ReadFile = %q, %v", data, err)
	}
}

func TestDirTreeUnavailable(t *testing.T) {
	t.Parallel()

	_, err := NewDirTree(filepath.Join(t.TempDir(), "missing"), discover.Options{})
	if !errors.Is(err, rcerrors.ErrSnapshotUnavailable) {
		t.Fatalf("expected SNAPSHOT_UNAVAILABLE, got %v", err)
	}
}

func TestShortHash(t *testing.T) {
	t.Parallel()

	if got := ShortHash("0123456789abcdef"); got != "0123456789ab" {
		t.Errorf("ShortHash = %q", got)
	}
	if got := ShortHash("abc"); got != "abc" {
		t.Errorf("ShortHash = %q", got)
	}
}
