// Package snapshot reads a materialized Java source tree.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/phobologic/rootcause/internal/discover"
	rcerrors "github.com/phobologic/rootcause/internal/errors"
	"github.com/phobologic/rootcause/internal/lang"
)

// Tree is a read-only view of one snapshot.
type Tree interface {
	// Root identifies the snapshot, usually its directory.
	Root() string
	// Files lists the Java sources in path order.
	Files(ctx context.Context) ([]discover.FileEntry, error)
	// ReadFile returns the content of a path reported by Files.
	ReadFile(rel string) ([]byte, error)
}

// DirTree is a Tree over a directory on disk.
type DirTree struct {
	root string
	opts discover.Options
}

// NewDirTree returns a Tree rooted at dir. The directory must exist.
func NewDirTree(dir string, opts discover.Options) (*DirTree, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, unavailable(dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, unavailable(dir, err)
	}
	if !info.IsDir() {
		return nil, unavailable(dir, fmt.Errorf("not a directory"))
	}
	return &DirTree{root: abs, opts: opts}, nil
}

func (t *DirTree) Root() string { return t.root }

func (t *DirTree) Files(ctx context.Context) ([]discover.FileEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := discover.Files(t.root, t.opts)
	if err != nil {
		return nil, unavailable(t.root, err)
	}
	return entries, nil
}

func (t *DirTree) ReadFile(rel string) ([]byte, error) {
	return os.ReadFile(filepath.Join(t.root, filepath.FromSlash(rel)))
}

// FSTree is a Tree over an fs.FS, such as an fstest.MapFS or an embedded
// fixture directory. Unlike DirTree it applies no ignore rules.
type FSTree struct {
	name string
	fsys fs.FS
}

// NewFSTree wraps fsys. name is reported by Root.
func NewFSTree(name string, fsys fs.FS) *FSTree {
	return &FSTree{name: name, fsys: fsys}
}

func (t *FSTree) Root() string { return t.name }

func (t *FSTree) Files(ctx context.Context) ([]discover.FileEntry, error) {
	var entries []discover.FileEntry
	err := fs.WalkDir(t.fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !lang.Java.Matches(path.Ext(p)) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, discover.FileEntry{Path: p, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, unavailable(t.name, err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})
	return entries, nil
}

func (t *FSTree) ReadFile(rel string) ([]byte, error) {
	return fs.ReadFile(t.fsys, rel)
}

// ContentHash returns a hex sha256 over every listed path and its bytes.
// Two trees with the same Java sources hash equal regardless of Root.
func ContentHash(ctx context.Context, tree Tree) (string, error) {
	entries, err := tree.Files(ctx)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		data, err := tree.ReadFile(e.Path)
		if err != nil {
			return "", unavailable(tree.Root(), fmt.Errorf("reading %s: %w", e.Path, err))
		}
		fmt.Fprintf(h, "%s\x00%d\x00", e.Path, len(data))
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ShortHash trims a content hash for display and log fields.
func ShortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

func unavailable(root string, err error) error {
	return rcerrors.New(rcerrors.SnapshotUnavailable, "cannot read snapshot "+root, err)
}
