package engine

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"taskflow/internal/atom"
	"taskflow/internal/config"
)

// ControlDir marks a project root.
const ControlDir = ".flow"

// RegistryFiles are looked up in the control directory, first match wins.
var RegistryFiles = []string{"flow.registry.json", "flow.registry.yaml", "flow.registry.yml"}

// FindRoot walks upward from start looking for a control directory.
// A symlink loop on the way, or a control path that is not a directory,
// stops the search with ErrRootNotFound.
func FindRoot(start string) (root, flowDir string, err error) {
	abs, err := filepath.Abs(start)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrRootNotFound, err)
	}
	cur, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", "", fmt.Errorf("%w: resolve %s: %v", ErrRootNotFound, abs, err)
	}

	for {
		cand := filepath.Join(cur, ControlDir)
		if _, err := os.Lstat(cand); err == nil {
			resolved, err := filepath.EvalSymlinks(cand)
			switch {
			case errors.Is(err, fs.ErrNotExist):
				// dangling link; keep looking
			case err != nil:
				return "", "", fmt.Errorf("%w: symlink loop detected during hydration: %v", ErrRootNotFound, err)
			default:
				info, err := os.Stat(resolved)
				if err != nil {
					return "", "", fmt.Errorf("%w: %v", ErrRootNotFound, err)
				}
				if !info.IsDir() {
					return "", "", fmt.Errorf("%w: found %s at %s but it is not a directory", ErrRootNotFound, ControlDir, resolved)
				}
				return cur, resolved, nil
			}
		}

		parent := filepath.Dir(cur)
		if parent == cur {
			break
		}
		cur = parent
	}
	return "", "", fmt.Errorf("%w: no %s directory found starting from %s", ErrRootNotFound, ControlDir, abs)
}

// LoadRegistry reads the tag -> implementation map and checks that every
// entry can be instantiated from catalog. A missing file is an empty registry.
func LoadRegistry(flowDir string, catalog *atom.Catalog) (map[string]string, error) {
	var path string
	for _, name := range RegistryFiles {
		p := filepath.Join(flowDir, name)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			path = p
			break
		}
	}
	if path == "" {
		return map[string]string{}, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistry, err)
	}
	var entries map[string]string
	if err := config.Decode(path, b, &entries); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegistry, err)
	}

	reg := make(map[string]string, len(entries))
	tags := make([]string, 0, len(entries))
	for tag := range entries {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	for _, tag := range tags {
		ref := entries[tag]
		if strings.TrimSpace(ref) == "" {
			return nil, fmt.Errorf("%w: entry %q must be a non-empty string", ErrRegistry, tag)
		}
		if catalog == nil {
			return nil, fmt.Errorf("%w: entry %q: no atom catalog", ErrRegistry, tag)
		}
		if _, err := catalog.New(ref); err != nil {
			return nil, fmt.Errorf("%w: integrity failed for %q: %w", ErrRegistry, tag, err)
		}
		reg[tag] = ref
	}
	return reg, nil
}
