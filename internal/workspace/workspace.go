// Package workspace validates and resolves paths inside a single workspace root.
//
// A Workspace is fixed at startup and immutable for the process lifetime.
// Every relative path coming from a client passes through Resolve before any
// filesystem access happens; anything that escapes the root is rejected with
// ErrPathTraversal.
package workspace

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrPathTraversal is returned when a requested path canonicalizes to a
// location outside the workspace root. It is always raised before the
// filesystem is touched.
var ErrPathTraversal = errors.New("path escapes the workspace root")

// MarkdownExtensions lists the file extensions served and watched by mdsync.
var MarkdownExtensions = map[string]bool{
	".md":       true,
	".markdown": true,
}

// Workspace is the canonicalized root directory all operations are scoped to.
type Workspace struct {
	root string
}

// New creates a workspace rooted at dir. The directory must exist; the stored
// root is absolute with symlinks resolved so later containment checks compare
// canonical paths.
func New(dir string) (*Workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %s: %w", dir, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %s: %w", abs, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("inspecting workspace root %s: %w", resolved, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", resolved)
	}
	return &Workspace{root: resolved}, nil
}

// Root returns the canonicalized absolute workspace root.
func (w *Workspace) Root() string {
	return w.root
}

// Resolve validates a workspace-relative path and returns its absolute form.
// The input is percent-decoded, normalized to forward slashes, and cleaned;
// embedded NUL bytes, absolute paths, and any result outside the root (after
// resolving symlinks on the deepest existing ancestor) fail with
// ErrPathTraversal. Resolve is pure: it never creates or modifies anything.
func (w *Workspace) Resolve(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("%w: empty path", ErrPathTraversal)
	}
	if strings.ContainsRune(rel, 0) {
		return "", fmt.Errorf("%w: embedded NUL in %q", ErrPathTraversal, rel)
	}
	if decoded, err := url.PathUnescape(rel); err == nil {
		rel = decoded
	}
	if strings.ContainsRune(rel, 0) {
		return "", fmt.Errorf("%w: embedded NUL in %q", ErrPathTraversal, rel)
	}
	rel = strings.ReplaceAll(rel, "\\", "/")
	if strings.HasPrefix(rel, "/") || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: absolute path %q", ErrPathTraversal, rel)
	}

	abs := filepath.Join(w.root, filepath.FromSlash(rel))
	canon, err := canonicalize(abs)
	if err != nil {
		return "", fmt.Errorf("canonicalizing %s: %w", abs, err)
	}
	if !w.contains(canon) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, rel)
	}
	return canon, nil
}

// Rel converts an absolute path back to the workspace-relative form used on
// the wire. The result always uses forward slashes regardless of host.
func (w *Workspace) Rel(abs string) (string, error) {
	canon, err := canonicalize(abs)
	if err != nil {
		return "", fmt.Errorf("canonicalizing %s: %w", abs, err)
	}
	if !w.contains(canon) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, abs)
	}
	rel, err := filepath.Rel(w.root, canon)
	if err != nil {
		return "", fmt.Errorf("relativizing %s: %w", canon, err)
	}
	return filepath.ToSlash(rel), nil
}

// IsMarkdown reports whether the path has a served markdown extension.
func IsMarkdown(path string) bool {
	return MarkdownExtensions[strings.ToLower(filepath.Ext(path))]
}

func (w *Workspace) contains(abs string) bool {
	if abs == w.root {
		return true
	}
	return strings.HasPrefix(abs, w.root+string(filepath.Separator))
}

// canonicalize resolves symlinks on the deepest existing ancestor of path and
// rejoins the non-existing remainder, so containment checks hold for paths
// that are about to be created as well as existing ones.
func canonicalize(path string) (string, error) {
	path = filepath.Clean(path)
	existing := path
	var pending []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		} else if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		pending = append(pending, filepath.Base(existing))
		existing = parent
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}
	for i := len(pending) - 1; i >= 0; i-- {
		resolved = filepath.Join(resolved, pending[i])
	}
	return resolved, nil
}

// ListMarkdownFiles walks the workspace recursively and returns the relative
// paths of all markdown files, sorted case-insensitively.
func (w *Workspace) ListMarkdownFiles() ([]string, error) {
	var files []string
	err := filepath.WalkDir(w.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			// A vanished or unreadable entry must not abort the walk.
			return nil
		}
		if d.IsDir() || !IsMarkdown(path) {
			return nil
		}
		rel, relErr := w.Rel(path)
		if relErr != nil {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing workspace %s: %w", w.root, err)
	}
	sort.Slice(files, func(i, j int) bool {
		return strings.ToLower(files[i]) < strings.ToLower(files[j])
	})
	return files, nil
}
