// Package pathutil holds the path checks that keep served files inside the
// content root. Containment is checked on fully resolved paths: symlinks
// expanded, cleaned, and case-folded where the filesystem ignores case.
package pathutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

var (
	// ErrOutsideRoot means a path resolves to somewhere not under the root.
	ErrOutsideRoot = errors.New("path escapes content root")

	// ErrRootChanged means the root no longer resolves to where it did at load.
	ErrRootChanged = errors.New("content root changed since load")

	// ErrRetargeted means a path inside the root now resolves to a different
	// file than it did at load, typically because it was swapped for a symlink.
	ErrRetargeted = errors.New("path resolves to a different file since load")
)

// HasDotSegments reports whether any slash separated segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// Root is a content root as configured and as resolved when it was opened.
type Root struct {
	Configured string
	Resolved   string
}

func (r Root) String() string { return r.Resolved }

// ResolveRoot resolves dir to an absolute, symlink-free directory.
func ResolveRoot(dir string) (Root, error) {
	if strings.TrimSpace(dir) == "" {
		return Root{}, errors.New("content root is empty")
	}
	resolved, err := resolve(dir)
	if err != nil {
		return Root{}, fmt.Errorf("resolve content root %q: %w", dir, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return Root{}, fmt.Errorf("stat content root %q: %w", dir, err)
	}
	if !info.IsDir() {
		return Root{}, fmt.Errorf("content root %q is not a directory", dir)
	}
	return Root{Configured: dir, Resolved: resolved}, nil
}

func resolve(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// caseInsensitive is true on platforms whose default filesystems fold case.
var caseInsensitive = runtime.GOOS == "windows" || runtime.GOOS == "darwin"

func fold(p string) string {
	if caseInsensitive {
		return strings.ToLower(p)
	}
	return p
}

// Within reports whether p is root itself or a descendant of it. Both must
// already be clean absolute paths.
func Within(root, p string) bool {
	rel, err := filepath.Rel(fold(root), fold(p))
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// ResolveWithin joins a slash separated relative path onto root and
// resolves it. It fails with ErrOutsideRoot if the path is absolute, climbs
// out lexically, or resolves through a symlink to somewhere outside.
func ResolveWithin(root Root, rel string) (string, error) {
	if rel == "" || strings.ContainsRune(rel, 0) {
		return "", fmt.Errorf("%w: invalid relative path %q", ErrOutsideRoot, rel)
	}
	native := filepath.FromSlash(rel)
	if filepath.IsAbs(native) || filepath.VolumeName(native) != "" || strings.HasPrefix(rel, "/") {
		return "", fmt.Errorf("%w: %q is absolute", ErrOutsideRoot, rel)
	}

	joined := filepath.Join(root.Resolved, native)
	if joined == root.Resolved || !Within(root.Resolved, joined) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, rel)
	}

	resolved, err := filepath.EvalSymlinks(joined)
	if err != nil {
		return "", err
	}
	if !Within(root.Resolved, resolved) {
		return "", fmt.Errorf("%w: %q resolves to %q", ErrOutsideRoot, rel, resolved)
	}
	return resolved, nil
}

// Verify re-resolves a previously approved physical path against root at
// the time of use. The root itself is re-resolved too, so swapping the root
// or any directory under it for a symlink is caught. physical must be the
// symlink-free path ResolveWithin returned; if it now resolves anywhere else,
// even inside the root, Verify fails with ErrRetargeted.
//
// ErrRootChanged, ErrOutsideRoot and ErrRetargeted are violations; any other
// error (most often fs.ErrNotExist) means the file is simply not there to serve.
func Verify(root Root, physical string) (string, error) {
	current, err := checkRoot(root)
	if err != nil {
		return "", err
	}
	if !Within(current, filepath.Clean(physical)) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, physical)
	}

	resolved, err := filepath.EvalSymlinks(physical)
	if err != nil {
		return "", err
	}
	if resolved == current || !Within(current, resolved) {
		return "", fmt.Errorf("%w: %q resolves to %q", ErrOutsideRoot, physical, resolved)
	}
	if fold(resolved) != fold(filepath.Clean(physical)) {
		return "", fmt.Errorf("%w: %q resolves to %q", ErrRetargeted, physical, resolved)
	}
	return resolved, nil
}

// CheckRoot fails with ErrRootChanged when root no longer resolves to the
// directory it resolved to at load.
func CheckRoot(root Root) error {
	_, err := checkRoot(root)
	return err
}

func checkRoot(root Root) (string, error) {
	current, err := resolve(root.Configured)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRootChanged, err)
	}
	if fold(current) != fold(root.Resolved) {
		return "", fmt.Errorf("%w: was %q, now %q", ErrRootChanged, root.Resolved, current)
	}
	return current, nil
}

// IsViolation reports whether err from Verify or ResolveWithin is a
// containment failure rather than a missing file.
func IsViolation(err error) bool {
	return errors.Is(err, ErrOutsideRoot) || errors.Is(err, ErrRootChanged) || errors.Is(err, ErrRetargeted)
}
