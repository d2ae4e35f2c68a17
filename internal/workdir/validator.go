// Package workdir validates agent working directories against a
// configurable allowlist.
package workdir

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	errEmptyAllowlist = errors.New(
		"no allowed working directories are configured")
	errEmptyPath  = errors.New("working directory must be a non-empty path")
	errNotAllowed = errors.New(
		"working directory is not within any allowed directory")
	errNotAbsolute = errors.New("working directory must be an absolute path")
)

// Validator answers whether a candidate working directory falls
// inside the allowlist. The allowlist can be hot-swapped while
// validations are in flight.
type Validator struct {
	mu      sync.RWMutex
	allowed []string
}

func NewValidator(allowedDirs []string) *Validator {
	v := &Validator{}
	v.SetAllowedDirs(allowedDirs)
	return v
}

// SetAllowedDirs replaces the allowlist. Entries are canonicalized
// so later comparisons are symlink-stable.
func (v *Validator) SetAllowedDirs(dirs []string) {
	canonical := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if d == "" {
			continue
		}
		canonical = append(canonical, canonicalize(d))
	}
	v.mu.Lock()
	v.allowed = canonical
	v.mu.Unlock()
}

// AllowedDirs returns a copy of the current allowlist.
func (v *Validator) AllowedDirs() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, len(v.allowed))
	copy(out, v.allowed)
	return out
}

// Validate reports whether path may be used as an agent working
// directory. On success it returns the canonical path the agent
// should actually be started in.
func (v *Validator) Validate(path string) (string, error) {
	v.mu.RLock()
	allowed := v.allowed
	v.mu.RUnlock()

	if len(allowed) == 0 {
		return "", errEmptyAllowlist
	}
	if strings.TrimSpace(path) == "" {
		return "", errEmptyPath
	}
	if !filepath.IsAbs(path) {
		return "", errNotAbsolute
	}

	resolved := canonicalize(path)
	for _, dir := range allowed {
		if isWithin(resolved, dir) {
			return resolved, nil
		}
	}
	return "", errNotAllowed
}

// canonicalize cleans the path and resolves symlinks for its
// longest existing prefix. Trailing segments that do not exist yet
// are kept verbatim so the agent may create them.
func canonicalize(path string) string {
	path = filepath.Clean(path)

	prefix := path
	var tail []string
	for {
		resolved, err := filepath.EvalSymlinks(prefix)
		if err == nil {
			return filepath.Join(append([]string{resolved}, tail...)...)
		}
		parent := filepath.Dir(prefix)
		if parent == prefix {
			return path
		}
		tail = append([]string{filepath.Base(prefix)}, tail...)
		prefix = parent
	}
}

// isWithin reports whether path equals base or is a descendant.
// Descent requires a path-separator boundary, so /tmp-evil is not
// within /tmp.
func isWithin(path, base string) bool {
	if path == base {
		return true
	}
	return strings.HasPrefix(path, base+string(os.PathSeparator))
}
