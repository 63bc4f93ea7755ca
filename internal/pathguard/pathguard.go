// Package pathguard validates candidate file paths against a trusted root.
// Every path that enters or leaves a session workspace passes through
// Resolve; untrusted input never picks its own destination on disk.
package pathguard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// ErrPathEscape is returned when a candidate path resolves outside the
// trusted root. The path is rejected, never clamped or corrected;
// silently redirecting a write risks overwriting something unintended.
var ErrPathEscape = errors.New("path escapes sandbox root")

// maxFilenameLen caps sanitized filenames, preserving the extension.
const maxFilenameLen = 100

// Resolve joins candidate onto root, canonicalizes the result (relative
// segments, "..", symlinks), and verifies it is root itself or a strict
// descendant of root. An absolute candidate is accepted only when it
// already resolves inside root.
//
// Resolve performs no writes; it reads filesystem metadata only as far as
// symlink evaluation requires.
func Resolve(candidate, root string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("pathguard: empty root")
	}

	canonRoot, err := canonicalize(root)
	if err != nil {
		return "", fmt.Errorf("canonicalizing root %q: %w", root, err)
	}

	var joined string
	if filepath.IsAbs(candidate) {
		joined = candidate
	} else {
		joined = filepath.Join(canonRoot, candidate)
	}

	canon, err := canonicalize(joined)
	if err != nil {
		return "", fmt.Errorf("canonicalizing %q: %w", candidate, err)
	}

	if !isWithin(canon, canonRoot) {
		return "", fmt.Errorf("%w: %q resolves to %q, outside %q", ErrPathEscape, candidate, canon, canonRoot)
	}
	return canon, nil
}

// Within reports whether candidate resolves inside root.
func Within(candidate, root string) bool {
	_, err := Resolve(candidate, root)
	return err == nil
}

// SanitizeFilename strips path separators, traversal sequences, and
// non-printable characters from a user-supplied filename so the result can
// never navigate out of its target directory. The extension is preserved;
// overlong names are truncated ahead of the extension. An empty or fully
// stripped name becomes "file".
func SanitizeFilename(name string) string {
	// Drop any directory component the caller smuggled in.
	name = strings.ReplaceAll(name, "\\", "/")
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}

	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '/' || r == '\\' || r == 0:
		case unicode.IsControl(r):
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case strings.ContainsRune("._- ()", r):
			b.WriteRune(r)
		}
	}
	safe := strings.TrimSpace(b.String())

	// Collapse traversal remnants like "..": a name of only dots is unusable.
	safe = strings.Trim(safe, ".")
	if safe == "" {
		return "file"
	}

	if len(safe) > maxFilenameLen {
		ext := filepath.Ext(safe)
		if len(ext) > 10 {
			ext = ""
		}
		base := safe[:maxFilenameLen-len(ext)]
		safe = base + ext
	}
	return safe
}

// canonicalize makes path absolute and resolves symlinks. When the path
// does not exist yet (the usual case for a file about to be written), the
// longest existing ancestor is resolved and the remaining lexical suffix
// is cleaned and re-joined.
func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	abs = filepath.Clean(abs)

	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	// Walk up to the nearest existing ancestor, resolve it, then reattach
	// the non-existent suffix lexically.
	dir, suffix := abs, ""
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs, nil // hit the filesystem root without finding anything
		}
		suffix = filepath.Join(filepath.Base(dir), suffix)
		dir = parent

		resolved, err := filepath.EvalSymlinks(dir)
		if err == nil {
			return filepath.Clean(filepath.Join(resolved, suffix)), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
	}
}

// isWithin reports whether path equals root or sits strictly below it.
func isWithin(path, root string) bool {
	if path == root {
		return true
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
