// Package pathguard resolves user-supplied relative paths against a root
// directory and refuses anything that could land outside it.
package pathguard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrSecurity marks every rejection made by this package.
var ErrSecurity = errors.New("security violation")

// MaxPathLen is the longest relative path accepted.
const MaxPathLen = 4096

var reserved = func() map[string]bool {
	m := map[string]bool{"CON": true, "PRN": true, "AUX": true, "NUL": true}
	for i := 1; i <= 9; i++ {
		m[fmt.Sprintf("COM%d", i)] = true
		m[fmt.Sprintf("LPT%d", i)] = true
	}
	return m
}()

// Resolve joins rel onto root and returns the absolute, symlink-resolved
// result. The target does not need to exist, but whatever part of it does
// exist is followed through symlinks before the containment check.
func Resolve(root, rel string) (string, error) {
	if strings.ContainsRune(rel, 0) {
		return "", fmt.Errorf("%w: null byte in path", ErrSecurity)
	}
	if len(rel) > MaxPathLen {
		return "", fmt.Errorf("%w: path too long (%d bytes)", ErrSecurity, len(rel))
	}
	if filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" || strings.HasPrefix(rel, "/") {
		return "", fmt.Errorf("%w: absolute paths are forbidden: %s", ErrSecurity, rel)
	}
	if err := CheckReserved(rel); err != nil {
		return "", err
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("%w: resolve root: %v", ErrSecurity, err)
	}
	realRoot, err := realPath(absRoot)
	if err != nil {
		return "", fmt.Errorf("%w: resolve root: %v", ErrSecurity, err)
	}
	target, err := realPath(filepath.Join(realRoot, rel))
	if err != nil {
		return "", fmt.Errorf("%w: resolve %s: %v", ErrSecurity, rel, err)
	}

	if !Within(realRoot, target) {
		return "", fmt.Errorf("%w: path traversal detected: %s is outside %s", ErrSecurity, target, realRoot)
	}
	return target, nil
}

// Within reports whether target equals root or lies beneath it.
// Both paths must be clean and absolute.
func Within(root, target string) bool {
	r, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return r != ".." && !strings.HasPrefix(r, ".."+string(filepath.Separator))
}

// CheckReserved rejects DOS device names (CON, NUL, COM1, ...) in any
// path component, with or without an extension.
func CheckReserved(p string) error {
	for _, part := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		stem := part
		if i := strings.IndexByte(stem, '.'); i >= 0 {
			stem = stem[:i]
		}
		if reserved[strings.ToUpper(stem)] {
			return fmt.Errorf("%w: reserved device name forbidden: %s", ErrSecurity, part)
		}
	}
	return nil
}

// realPath follows symlinks on the longest existing prefix of p and appends
// the missing remainder unchanged.
func realPath(p string) (string, error) {
	p = filepath.Clean(p)
	resolved, err := filepath.EvalSymlinks(p)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	parent := filepath.Dir(p)
	if parent == p {
		return p, nil
	}
	head, err := realPath(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(head, filepath.Base(p)), nil
}
