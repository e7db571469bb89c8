package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"warden/internal/domain"
)

// PathGuard confines file access to a set of root directories.
type PathGuard struct {
	roots    []string // cleaned absolute roots, as configured
	resolved []string // roots with symlinks evaluated, where they exist
}

// NewPathGuard creates a guard over the given roots. Relative and empty roots
// are ignored so a misconfigured entry never widens access.
func NewPathGuard(roots []string) *PathGuard {
	g := &PathGuard{}
	for _, root := range roots {
		if root == "" || !filepath.IsAbs(root) {
			continue
		}
		clean := filepath.Clean(root)
		g.roots = append(g.roots, clean)

		if r, err := filepath.EvalSymlinks(clean); err == nil {
			g.resolved = append(g.resolved, r)
		} else {
			g.resolved = append(g.resolved, clean)
		}
	}
	return g
}

// Roots returns the cleaned roots.
func (g *PathGuard) Roots() []string {
	return append([]string(nil), g.roots...)
}

// Contains reports whether path is lexically equal to or beneath one of the
// roots. Relative paths are never contained.
func (g *PathGuard) Contains(path string) bool {
	if path == "" || !filepath.IsAbs(path) {
		return false
	}
	return withinAny(filepath.Clean(path), g.roots)
}

// Resolve validates requested lexically, evaluates symlinks, and validates
// the resolved location again. It returns the resolved path.
func (g *PathGuard) Resolve(requested string) (string, error) {
	if !g.Contains(requested) {
		return "", domain.NewDomainError("PathGuard.Resolve", domain.ErrPathOutsideSandbox, requested)
	}
	clean := filepath.Clean(requested)

	resolved, err := filepath.EvalSymlinks(clean)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", domain.NewDomainError("PathGuard.Resolve", domain.ErrPathOutsideSandbox, err.Error())
		}
		// Path doesn't exist yet - validate the parent directory
		resolvedParent, err2 := filepath.EvalSymlinks(filepath.Dir(clean))
		if err2 != nil {
			return "", fmt.Errorf("resolve %q: %w", requested, err)
		}
		resolved = filepath.Join(resolvedParent, filepath.Base(clean))
	}

	if !withinAny(resolved, g.resolved) {
		return "", domain.NewDomainError("PathGuard.Resolve", domain.ErrPathOutsideSandbox,
			fmt.Sprintf("resolved %q is outside allowed roots", resolved))
	}
	return resolved, nil
}

// Within reports whether path equals root or is a descendant of it. Both
// arguments must already be cleaned.
func Within(root, path string) bool {
	if path == root {
		return true
	}
	if root == string(os.PathSeparator) {
		return strings.HasPrefix(path, root)
	}
	return strings.HasPrefix(path, root+string(os.PathSeparator))
}

func withinAny(path string, roots []string) bool {
	for _, root := range roots {
		if Within(root, path) {
			return true
		}
	}
	return false
}
