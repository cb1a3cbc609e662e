// Package security keeps files written on behalf of a run inside the
// directories they belong to.
package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// maxFilenameLen bounds names built from result and run identifiers.
const maxFilenameLen = 128

// ValidatePathWithinDirectory reports an error when filePath, after
// resolving ".." and symlinks, lies outside safeDir. Paths that do not exist
// yet are checked through their nearest existing parent.
func ValidatePathWithinDirectory(filePath, safeDir string) error {
	absPath, err := filepath.Abs(filepath.Clean(filePath))
	if err != nil {
		return fmt.Errorf("resolve %s: %w", filePath, err)
	}
	absSafeDir, err := filepath.Abs(safeDir)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", safeDir, err)
	}

	canonicalPath := canonical(absPath)
	canonicalSafeDir, err := filepath.EvalSymlinks(absSafeDir)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", safeDir, err)
	}

	rel, err := filepath.Rel(canonicalSafeDir, canonicalPath)
	if err != nil {
		return fmt.Errorf("%s is outside %s: %w", filePath, safeDir, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("path traversal detected: %s escapes %s", filePath, safeDir)
	}
	return nil
}

// canonical resolves symlinks in abs, or in its deepest existing parent
// when abs does not exist.
func canonical(abs string) string {
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	for check := abs; ; {
		parent := filepath.Dir(check)
		if parent == check {
			return abs
		}
		if resolved, err := filepath.EvalSymlinks(parent); err == nil {
			rel, _ := filepath.Rel(parent, abs)
			return filepath.Join(resolved, rel)
		}
		check = parent
	}
}

// SanitizeFilename turns a run or result name into a file name component.
// Runs of characters other than ASCII letters, digits, '.', '_' and '-'
// become a single underscore; leading and trailing '.' and '_' are trimmed.
// An empty result becomes fallback.
func SanitizeFilename(s, fallback string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxFilenameLen {
			break
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'),
			r == '.', r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		case !lastUnderscore:
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return fallback
	}
	return out
}
