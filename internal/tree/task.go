package tree

import "fmt"

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusDone    Status = "done"
	StatusSkipped Status = "skipped"
	StatusError   Status = "error"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusDone, StatusSkipped, StatusError:
		return true
	default:
		return false
	}
}

// Terminal reports whether s may sit below a done parent.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusSkipped || s == StatusError
}

func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrState, raw)
	}
	return s, nil
}

// Task is a single node of the forest.
//
// ID and IndentLevel are derived from the position in the tree and are
// recomputed by Tree.Reindex; they are not stable across structural mutations.
type Task struct {
	ID          string
	Name        string
	Status      Status
	IndentLevel int
	// Ref points to another status document, relative to the control directory.
	Ref string

	Parent   *Task
	Children []*Task
}

// IsRoot reports whether the task sits in the tree's root list.
func (t *Task) IsRoot() bool { return t.Parent == nil }

// Leaf reports whether the task has no children.
func (t *Task) Leaf() bool { return len(t.Children) == 0 }

func (t *Task) String() string {
	return fmt.Sprintf("%s %q (%s)", t.ID, t.Name, t.Status)
}

// Headers is an ordered string map; Set on an existing key overwrites the value
// but keeps the original position.
type Headers struct {
	keys []string
	vals map[string]string
}

func (h *Headers) Set(k, v string) {
	if h.vals == nil {
		h.vals = make(map[string]string)
	}
	if _, ok := h.vals[k]; !ok {
		h.keys = append(h.keys, k)
	}
	h.vals[k] = v
}

func (h *Headers) Get(k string) (string, bool) {
	v, ok := h.vals[k]
	return v, ok
}

// Keys returns the keys in insertion order.
func (h *Headers) Keys() []string {
	return append([]string(nil), h.keys...)
}

func (h *Headers) Len() int { return len(h.keys) }
