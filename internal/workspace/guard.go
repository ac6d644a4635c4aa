// Package workspace confines file and process operations to a single root
// directory. Every path a capability receives passes through Guard.Resolve
// before any filesystem access happens.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideWorkspace is returned when a path resolves outside the root.
var ErrOutsideWorkspace = errors.New("path is outside workspace")

// Guard resolves caller-supplied paths against a fixed root.
//
// A Guard is immutable after construction and safe for concurrent use.
type Guard struct {
	root string
}

// New creates the root directory if needed and returns a Guard for it.
// The stored root is absolute with symlinks resolved, so later containment
// checks compare like with like.
func New(root string) (*Guard, error) {
	if root == "" {
		return nil, errors.New("workspace root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	return &Guard{root: resolved}, nil
}

// Root returns the absolute, symlink-free workspace root.
func (g *Guard) Root() string { return g.root }

// Resolve maps path to an absolute location inside the workspace.
//
// Relative paths are joined to the root; absolute paths are taken as given.
// Symlinks are resolved for the longest prefix that exists, so a link that
// points outside the root is rejected even when the final component does
// not exist yet. The root itself is a valid result.
func (g *Guard) Resolve(path string) (string, error) {
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("%w: %q contains a NUL byte", ErrOutsideWorkspace, path)
	}

	var candidate string
	if filepath.IsAbs(path) {
		candidate = filepath.Clean(path)
	} else {
		candidate = filepath.Join(g.root, path)
	}

	resolved, err := resolveExisting(candidate)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", path, err)
	}

	if !g.contains(resolved) {
		return "", fmt.Errorf("%w: %q resolves to %s (root %s)", ErrOutsideWorkspace, path, resolved, g.root)
	}
	return resolved, nil
}

// Rel returns abs relative to the root for display. Paths outside the
// root are returned unchanged.
func (g *Guard) Rel(abs string) string {
	rel, err := filepath.Rel(g.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return abs
	}
	return filepath.ToSlash(rel)
}

func (g *Guard) contains(path string) bool {
	if path == g.root {
		return true
	}
	rel, err := filepath.Rel(g.root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// maxLinkHops bounds how many dangling symlinks resolveExisting follows.
const maxLinkHops = 40

// resolveExisting evaluates symlinks on the deepest existing ancestor of
// path and re-appends the components that do not exist yet. A dangling
// symlink is followed to its target, which is resolved the same way.
func resolveExisting(path string) (string, error) {
	var missing []string
	current := path
	hops := 0
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			for i := len(missing) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, missing[i])
			}
			return resolved, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}

		info, lerr := os.Lstat(current)
		switch {
		case lerr == nil && info.Mode()&os.ModeSymlink != 0:
			hops++
			if hops > maxLinkHops {
				return "", fmt.Errorf("too many levels of symbolic links at %s", current)
			}
			target, err := os.Readlink(current)
			if err != nil {
				return "", err
			}
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(current), target)
			}
			current = filepath.Clean(target)
			continue
		case lerr != nil && !errors.Is(lerr, os.ErrNotExist):
			return "", lerr
		}

		parent := filepath.Dir(current)
		if parent == current {
			return path, nil
		}
		missing = append(missing, filepath.Base(current))
		current = parent
	}
}
