package document

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"taskflow/internal/pathguard"
	"taskflow/internal/tree"
)

var (
	headerRe    = regexp.MustCompile(`^([^:]+):\s*(.*)$`)
	taskStartRe = regexp.MustCompile(`^\s*-\s*\[`)
	taskRe      = regexp.MustCompile(`^(\s*)-\s*\[([ xXvV/!-])\]\s*(.+)$`)
)

var markers = map[byte]tree.Status{
	' ': tree.StatusPending,
	'/': tree.StatusActive,
	'x': tree.StatusDone,
	'X': tree.StatusDone,
	'v': tree.StatusDone,
	'V': tree.StatusDone,
	'-': tree.StatusSkipped,
	'!': tree.StatusError,
}

var blockedSchemes = []string{"http", "https", "ftp", "javascript", "file", "data"}

// IndentWidth is the number of spaces per nesting level.
const IndentWidth = 4

// Parse turns document text into a tree. It performs every check that does
// not need the file's own location: grammar, hierarchy, ref safety, active
// ref existence and the whole-tree invariants.
func (p *Parser) Parse(content string) (*tree.Tree, error) {
	var (
		headers  tree.Headers
		roots    []*tree.Task
		stack    []*tree.Task
		counters []int
		inHeader = true
	)

	for i, line := range strings.Split(content, "\n") {
		n := i + 1
		line = strings.TrimSuffix(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		if inHeader {
			if !taskStartRe.MatchString(line) {
				if m := headerRe.FindStringSubmatch(line); m != nil {
					headers.Set(strings.TrimSpace(m[1]), strings.TrimSpace(m[2]))
					continue
				}
			}
			inHeader = false
		}

		task, err := p.parseTask(line, n)
		if err != nil {
			return nil, err
		}

		depth := task.IndentLevel
		if depth >= len(counters) {
			for len(counters) <= depth {
				counters = append(counters, 1)
			}
		} else {
			counters = counters[:depth+1]
			counters[depth]++
		}
		task.ID = joinIDs(counters)

		if depth == 0 {
			roots = append(roots, task)
			stack = append(stack[:0], task)
		} else {
			for len(stack) > 0 && stack[len(stack)-1].IndentLevel >= depth {
				stack = stack[:len(stack)-1]
			}
			if len(stack) == 0 || stack[len(stack)-1].IndentLevel != depth-1 {
				return nil, fmt.Errorf("%w: line %d: orphaned task %q (indent %d)", tree.ErrStructural, n, task.Name, depth)
			}
			parent := stack[len(stack)-1]
			if parent.Status == tree.StatusDone && task.Status == tree.StatusPending {
				return nil, fmt.Errorf("%w: line %d: logic conflict: parent %q is done but child %q is pending", tree.ErrState, n, parent.Name, task.Name)
			}
			task.Parent = parent
			parent.Children = append(parent.Children, task)
			stack = append(stack, task)
		}

		if task.Status == tree.StatusActive && task.Ref != "" {
			if _, err := os.Stat(filepath.Join(p.flowDir, task.Ref)); err != nil {
				return nil, fmt.Errorf("%w: line %d: missing sub-status file: %s", tree.ErrStructural, n, task.Ref)
			}
		}
	}

	if err := validateSiblings(roots); err != nil {
		return nil, err
	}

	t := tree.FromRoots(roots...)
	t.Headers = headers
	if err := t.ValidateConsistency(); err != nil {
		return nil, err
	}
	return t, nil
}

func (p *Parser) parseTask(line string, n int) (*tree.Task, error) {
	m := taskRe.FindStringSubmatch(line)
	if m == nil {
		if strings.HasPrefix(strings.TrimLeft(line, " \t"), "-") {
			return nil, fmt.Errorf("%w: line %d: missing status marker or invalid format", tree.ErrSyntax, n)
		}
		return nil, fmt.Errorf("%w: line %d: invalid format", tree.ErrSyntax, n)
	}
	indent, marker, text := m[1], m[2], m[3]

	if strings.ContainsRune(indent, '\t') {
		return nil, fmt.Errorf("%w: line %d: tabs are forbidden", tree.ErrSyntax, n)
	}
	if len(indent)%IndentWidth != 0 {
		return nil, fmt.Errorf("%w: line %d: invalid indentation, must be a multiple of %d", tree.ErrSyntax, n, IndentWidth)
	}
	status, ok := markers[marker[0]]
	if !ok {
		return nil, fmt.Errorf("%w: line %d: unknown marker [%s]", tree.ErrSyntax, n, marker)
	}

	name, ref := splitRef(strings.TrimSpace(text))
	if ref != "" {
		if err := checkRefSafety(ref); err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
	}
	if name == "" {
		return nil, fmt.Errorf("%w: line %d: empty task name", tree.ErrSyntax, n)
	}

	return &tree.Task{
		Name:        name,
		Status:      status,
		IndentLevel: len(indent) / IndentWidth,
		Ref:         ref,
	}, nil
}

// SplitTaskText splits user-entered task text the way a document line is
// read: a trailing reference is separated and checked, and the remaining
// name must be one the tree accepts.
func SplitTaskText(text string) (name, ref string, err error) {
	name, ref = splitRef(strings.TrimSpace(text))
	if ref != "" {
		if err := checkRefSafety(ref); err != nil {
			return "", "", err
		}
	}
	if err := tree.CheckName(name); err != nil {
		return "", "", err
	}
	return name, ref, nil
}

// splitRef separates a trailing "@ path" or `@ "quoted path"` suffix from the
// task text. The first '@' followed by a non-empty remainder wins.
func splitRef(text string) (name, ref string) {
	for i := 0; i < len(text); i++ {
		if text[i] != '@' {
			continue
		}
		rest := strings.TrimSpace(text[i+1:])
		if rest == "" {
			continue
		}
		if len(rest) >= 3 && rest[0] == '"' && rest[len(rest)-1] == '"' {
			rest = strings.TrimSpace(rest[1 : len(rest)-1])
		}
		return strings.TrimSpace(text[:i]), rest
	}
	return text, ""
}

func checkRefSafety(ref string) error {
	if strings.Contains(ref, "..") {
		return fmt.Errorf("%w: jailbreak attempt detected in path %q", pathguard.ErrSecurity, ref)
	}
	lower := strings.ToLower(ref)
	for _, scheme := range blockedSchemes {
		if !strings.HasPrefix(lower, scheme+":") {
			continue
		}
		// C:\dir\file.md style drive paths are local.
		if len(ref) > 1 && ref[1] == ':' && strings.Contains(ref, `\`) {
			continue
		}
		return fmt.Errorf("%w: invalid protocol in path %q", pathguard.ErrSecurity, ref)
	}
	return nil
}

func validateSiblings(tasks []*tree.Task) error {
	names := make(map[string]bool, len(tasks))
	active := 0
	for _, t := range tasks {
		if names[t.Name] {
			return fmt.Errorf("%w: %w: %q", tree.ErrStructural, tree.ErrDuplicateName, t.Name)
		}
		names[t.Name] = true
		if t.Status == tree.StatusActive {
			active++
		}
		if err := validateSiblings(t.Children); err != nil {
			return err
		}
	}
	if active > 1 {
		return fmt.Errorf("%w: ambiguous focus: multiple active siblings found", tree.ErrStructural)
	}
	return nil
}

func joinIDs(counters []int) string {
	var b strings.Builder
	for i, c := range counters {
		if i > 0 {
			b.WriteByte('.')
		}
		fmt.Fprintf(&b, "%d", c)
	}
	return b.String()
}
