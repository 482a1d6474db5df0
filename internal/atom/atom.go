// Package atom defines execution units ("atoms"), the read-only context they
// run with, and the catalog the engine instantiates them from.
package atom

import (
	"context"
	"regexp"
	"sort"
	"strings"
)

// Context keys set by the engine before dispatch.
const (
	KeyRoot     = "__root__"
	KeyDocument = "__document__"
	KeyTaskID   = "__task_id__"
	KeyTaskName = "__task_name__"
	KeyTaskRef  = "__task_ref__"
)

// Result is what an atom reports back. Exports are merged into the engine's
// context for later tasks and must be JSON-serializable.
type Result struct {
	Success bool
	Message string
	Exports map[string]any
}

// Atom is a unit of work bound to a task.
type Atom interface {
	Run(ctx context.Context, c Context) (Result, error)
}

// Func adapts a function to Atom.
type Func func(ctx context.Context, c Context) (Result, error)

func (f Func) Run(ctx context.Context, c Context) (Result, error) { return f(ctx, c) }

// Context is an immutable snapshot of the engine's variables.
type Context struct {
	vals map[string]any
}

// NewContext copies vals; later changes to vals are not visible.
func NewContext(vals map[string]any) Context {
	cp := make(map[string]any, len(vals))
	for k, v := range vals {
		cp[k] = v
	}
	return Context{vals: cp}
}

func (c Context) Get(key string) (any, bool) {
	v, ok := c.vals[key]
	return v, ok
}

// String returns the value for key if it is a string, else "".
func (c Context) String(key string) string {
	s, _ := c.vals[key].(string)
	return s
}

func (c Context) Keys() []string {
	keys := make([]string, 0, len(c.vals))
	for k := range c.vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c Context) Len() int { return len(c.vals) }

var tagRe = regexp.MustCompile(`^\[([a-zA-Z0-9_]+)\]`)

var invisible = strings.NewReplacer(
	"\u200b", "",
	"\u200c", "",
	"\u200d", "",
	"\u2060", "",
	"\ufeff", "",
)

// StripInvisible removes zero-width characters that would hide a tag.
func StripInvisible(s string) string { return invisible.Replace(s) }

// SplitTag returns the leading [tag] of a task name and the remaining text.
// A name without a tag returns an empty tag and the trimmed name.
func SplitTag(name string) (tag, body string) {
	clean := strings.TrimSpace(StripInvisible(name))
	m := tagRe.FindStringSubmatchIndex(clean)
	if m == nil {
		return "", clean
	}
	return clean[m[2]:m[3]], strings.TrimSpace(clean[m[1]:])
}
