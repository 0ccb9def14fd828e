package runner

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned for attachment paths that leave the sandbox root.
var ErrOutsideRoot = errors.New("runner: path escapes sandbox root")

// ResolveAttachment returns the absolute path of the existing file rel
// inside root. It rejects absolute paths, ".." traversal, and symlinks
// that resolve outside root.
func ResolveAttachment(root, rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) || strings.ContainsRune(rel, 0) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, rel)
	}
	clean := filepath.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, rel)
	}

	rootResolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("runner: resolve root: %w", err)
	}
	full := filepath.Join(rootResolved, clean)

	resolved, err := filepath.EvalSymlinks(full)
	if err != nil {
		return "", fmt.Errorf("runner: resolve attachment: %w", err)
	}
	if !within(rootResolved, resolved) {
		return "", fmt.Errorf("%w: %q resolves to %s", ErrOutsideRoot, rel, resolved)
	}
	return resolved, nil
}

// within reports whether path is dir or below it. Both must be clean.
func within(dir, path string) bool {
	if path == dir {
		return true
	}
	if dir == string(filepath.Separator) {
		return strings.HasPrefix(path, dir)
	}
	return strings.HasPrefix(path, dir+string(filepath.Separator))
}
