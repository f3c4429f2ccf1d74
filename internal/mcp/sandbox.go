package mcp

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrAbsolutePath rejects paths that are not relative to the root.
	ErrAbsolutePath = errors.New("absolute paths are not allowed")
	// ErrOutsideRoot rejects paths that resolve outside the root.
	ErrOutsideRoot = errors.New("path escapes the sandbox root")
)

// Sandbox confines paths to a root directory.
type Sandbox struct {
	root string
}

// NewSandbox creates a sandbox rooted at root. The root itself is resolved
// through symlinks once.
func NewSandbox(root string) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("sandbox root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("sandbox root: %w", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("sandbox root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("sandbox root %s is not a directory", root)
	}
	return &Sandbox{root: resolved}, nil
}

// Root returns the resolved root directory.
func (s *Sandbox) Root() string {
	return s.root
}

// Resolve maps a root-relative path to an absolute path inside the root.
// Symlinks are followed and must stay inside the root. A missing target
// returns an error wrapping fs.ErrNotExist.
func (s *Sandbox) Resolve(rel string) (string, error) {
	if rel == "" || rel == "." {
		return s.root, nil
	}
	if strings.HasPrefix(rel, "/") || strings.HasPrefix(rel, `\`) || filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
		return "", fmt.Errorf("%w: %s", ErrAbsolutePath, rel)
	}

	clean := filepath.Clean(filepath.FromSlash(rel))
	if escapes(clean) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, rel)
	}

	resolved, err := filepath.EvalSymlinks(filepath.Join(s.root, clean))
	if err != nil {
		return "", err
	}
	inside, err := filepath.Rel(s.root, resolved)
	if err != nil || escapes(inside) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, rel)
	}
	return resolved, nil
}

// Relative returns abs relative to the root, slash-separated.
func (s *Sandbox) Relative(abs string) string {
	rel, err := filepath.Rel(s.root, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(rel)
}

func escapes(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
