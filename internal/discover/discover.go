// Package discover finds Java source files in a materialized source tree.
package discover

import (
	"context"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/phobologic/rootcause/internal/lang"
)

// FileEntry represents a discovered source file.
type FileEntry struct {
	Path string // Relative to the tree root, slash-separated
	Size int64
}

var skipDirs = map[string]struct{}{
	"node_modules": {},
	".git":         {},
	".hg":          {},
	".svn":         {},
	".gradle":      {},
	".idea":        {},
	".mvn":         {},
	".rootcause":   {},
}

// outputDirs hold build output. Below a source root they are ordinary
// package directories (com/acme/build) and are walked.
var outputDirs = map[string]struct{}{
	"target":    {},
	"build":     {},
	"out":       {},
	"bin":       {},
	"generated": {},
}

var sourceRoots = map[string]struct{}{
	"src":  {},
	"java": {},
}

// skipDir reports whether the directory at slash-separated rel is left out
// of discovery.
func skipDir(rel string) bool {
	parts := strings.Split(rel, "/")
	name := parts[len(parts)-1]
	if _, skip := skipDirs[name]; skip || strings.HasPrefix(name, ".") {
		return true
	}
	if _, out := outputDirs[name]; !out {
		return false
	}
	for _, p := range parts[:len(parts)-1] {
		if _, ok := sourceRoots[p]; ok {
			return false
		}
	}
	return true
}

// Options narrows discovery.
type Options struct {
	// IncludeTests keeps files IsTestFile reports as test sources.
	IncludeTests bool
}

// Files discovers Java source files under root.
// In a git checkout the set is limited to what `git ls-files` reports;
// otherwise a top-level .gitignore is honoured.
func Files(root string, opts Options) ([]FileEntry, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, err
	}

	gitFiles := gitLsFiles(root)
	var gi *ignore.GitIgnore
	if gitFiles == nil {
		gi = loadGitignore(root)
	}

	var results []FileEntry

	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // skip errors
		}

		name := d.Name()

		if d.IsDir() {
			if p == root {
				return nil
			}
			rel, err := filepath.Rel(root, p)
			if err != nil || skipDir(filepath.ToSlash(rel)) {
				return filepath.SkipDir
			}
			return nil
		}

		if strings.HasPrefix(name, ".") {
			return nil
		}

		// Skip symlinks
		if d.Type()&os.ModeSymlink != 0 {
			return nil
		}

		if !lang.Java.Matches(filepath.Ext(name)) {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if gitFiles != nil {
			if _, ok := gitFiles[rel]; !ok {
				return nil
			}
		} else if gi != nil && gi.MatchesPath(rel) {
			return nil
		}

		if !opts.IncludeTests && IsTestFile(rel) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}

		results = append(results, FileEntry{Path: rel, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Path < results[j].Path
	})

	return results, nil
}

var testDirs = map[string]struct{}{
	"test":         {},
	"tests":        {},
	"testFixtures": {},
	"it":           {},
}

// IsTestFile reports whether a slash-separated relative path looks like a
// Java test source: Maven/Gradle test roots (src/test/..., src/it/...) or
// the usual *Test, *Tests, *IT and *TestCase class names.
func IsTestFile(rel string) bool {
	dir, file := path.Split(rel)
	parts := strings.Split(strings.TrimSuffix(dir, "/"), "/")
	for i, part := range parts {
		if part != "src" || i+1 >= len(parts) {
			continue
		}
		if _, ok := testDirs[parts[i+1]]; ok {
			return true
		}
	}

	stem := strings.TrimSuffix(file, path.Ext(file))
	for _, suffix := range []string{"Test", "Tests", "IT", "TestCase"} {
		if strings.HasSuffix(stem, suffix) && stem != suffix {
			return true
		}
	}
	return false
}

func gitLsFiles(root string) map[string]struct{} {
	gitDir := filepath.Join(root, ".git")
	info, err := os.Stat(gitDir)
	if err != nil || !info.IsDir() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "ls-files", "--cached", "--others", "--exclude-standard")
	cmd.Dir = root
	out, err := cmd.Output()
	if err != nil {
		return nil
	}

	files := make(map[string]struct{})
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		if line != "" {
			files[line] = struct{}{}
		}
	}
	return files
}

func loadGitignore(root string) *ignore.GitIgnore {
	p := filepath.Join(root, ".gitignore")
	gi, err := ignore.CompileIgnoreFile(p)
	if err != nil {
		return nil
	}
	return gi
}
