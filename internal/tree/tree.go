// Package tree holds the in-memory task forest and the rules that keep it
// consistent: sibling exclusivity, parent closure, name uniqueness and the
// upward status propagation that runs after every status change.
package tree

import (
	"fmt"
	"strconv"
	"strings"
)

// RootID addresses the root list when adding tasks.
const RootID = "root"

// Tree is the in-memory form of a status document.
//
// The id index is a derived cache: AddTask/InsertTask/RemoveTask invalidate it
// and every lookup fails with ErrStaleIndex until Reindex is called.
type Tree struct {
	Headers Headers
	Roots   []*Task

	index map[string]*Task
	valid bool
}

// New returns an empty tree with a valid index.
func New() *Tree {
	t := &Tree{}
	t.Reindex()
	return t
}

// FromRoots wraps an existing forest and reindexes it.
func FromRoots(roots ...*Task) *Tree {
	t := &Tree{Roots: roots}
	t.Reindex()
	return t
}

// Reindex walks the forest depth-first, assigns dotted ids, depth and parent
// back-references, and rebuilds the id index.
func (t *Tree) Reindex() {
	t.index = make(map[string]*Task)
	seen := make(map[*Task]bool)
	t.assign(t.Roots, nil, "", 0, seen)
	t.valid = true
}

func (t *Tree) assign(tasks []*Task, parent *Task, prefix string, depth int, seen map[*Task]bool) {
	for i, task := range tasks {
		// A hand-built cycle must not hang the walk; ValidateConsistency reports it.
		if seen[task] {
			continue
		}
		seen[task] = true

		id := strconv.Itoa(i + 1)
		if prefix != "" {
			id = prefix + "." + id
		}
		task.ID = id
		task.Parent = parent
		task.IndentLevel = depth
		t.index[id] = task

		if len(task.Children) > 0 {
			t.assign(task.Children, task, id, depth+1, seen)
		}
	}
}

// IndexValid reports whether lookups are currently allowed.
func (t *Tree) IndexValid() bool { return t.valid }

// FindTask returns the task with the given id.
func (t *Tree) FindTask(id string) (*Task, error) {
	if !t.valid {
		return nil, fmt.Errorf("%w: ids are invalid after a structural change; reindex first", ErrStaleIndex)
	}
	task, ok := t.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return task, nil
}

// Len returns the number of indexed tasks.
func (t *Tree) Len() int { return len(t.index) }

func (t *Tree) slot(parent *Task) *[]*Task {
	if parent == nil {
		return &t.Roots
	}
	return &parent.Children
}

func (t *Tree) siblingsOf(task *Task) []*Task {
	return *t.slot(task.Parent)
}

// AddTask appends a new task under parentID (RootID for the root list).
func (t *Tree) AddTask(parentID, name string, status Status) (*Task, error) {
	return t.InsertTask(parentID, name, status, -1)
}

// InsertTask inserts a new task at index among its siblings; a negative or
// out-of-range index appends. The id index is invalidated.
func (t *Tree) InsertTask(parentID, name string, status Status, index int) (*Task, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrState, status)
	}
	if err := CheckName(name); err != nil {
		return nil, err
	}

	var parent *Task
	if parentID != RootID {
		p, err := t.FindTask(parentID)
		if err != nil {
			return nil, err
		}
		parent = p
	}

	slot := t.slot(parent)
	for _, s := range *slot {
		if s.Name == name {
			return nil, fmt.Errorf("%w: %w: %q among siblings", ErrStructural, ErrDuplicateName, name)
		}
	}

	if status == StatusActive {
		if err := checkActivation(*slot, parent, nil); err != nil {
			return nil, err
		}
	}
	if parent != nil && parent.Status == StatusDone && !status.Terminal() {
		return nil, fmt.Errorf("%w: cannot add %s child %q to done parent %q", ErrState, status, name, parent.Name)
	}

	task := &Task{Name: name, Status: status, Parent: parent}
	if parent != nil {
		task.IndentLevel = parent.IndentLevel + 1
	}

	if index < 0 || index >= len(*slot) {
		*slot = append(*slot, task)
	} else {
		*slot = append(*slot, nil)
		copy((*slot)[index+1:], (*slot)[index:])
		(*slot)[index] = task
	}

	t.valid = false
	return task, nil
}

// CheckName rejects names a status document line cannot carry unchanged:
// empty or padded names, line breaks, and '@', which starts a reference.
func CheckName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: empty task name", ErrSyntax)
	case strings.TrimSpace(name) != name:
		return fmt.Errorf("%w: task name %q has surrounding whitespace", ErrSyntax, name)
	case strings.ContainsAny(name, "\r\n"):
		return fmt.Errorf("%w: task name %q spans lines", ErrSyntax, name)
	case strings.ContainsRune(name, '@'):
		return fmt.Errorf("%w: task name %q contains '@'; set the reference separately", ErrSyntax, name)
	}
	return nil
}

// Update describes a change to an existing task. Zero fields are left untouched.
type Update struct {
	Name   string
	Status Status
	// Anchor, when set, must equal the task's current name.
	Anchor string
}

// UpdateTask renames and/or transitions a task, then propagates the status
// change upward. A propagation conflict rolls back the whole update.
func (t *Tree) UpdateTask(id string, u Update) error {
	task, err := t.FindTask(id)
	if err != nil {
		return err
	}

	if u.Anchor != "" && task.Name != u.Anchor {
		return fmt.Errorf("%w: expected %q, got %q", ErrAnchorMismatch, u.Anchor, task.Name)
	}

	if u.Name != "" && u.Name != task.Name {
		if err := CheckName(u.Name); err != nil {
			return err
		}
		for _, s := range t.siblingsOf(task) {
			if s != task && s.Name == u.Name {
				return fmt.Errorf("%w: %w: %q among siblings", ErrStructural, ErrDuplicateName, u.Name)
			}
		}
	}

	if u.Status != "" {
		if !u.Status.Valid() {
			return fmt.Errorf("%w: unknown status %q", ErrState, u.Status)
		}
		if err := t.checkTransition(task, u.Status); err != nil {
			return err
		}
	}

	oldName := task.Name
	if u.Name != "" {
		task.Name = u.Name
	}
	if u.Status == "" {
		return nil
	}

	undo := []change{{task: task, status: task.Status}}
	task.Status = u.Status
	if err := t.propagate(task, &undo); err != nil {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i].task.Status = undo[i].status
		}
		task.Name = oldName
		return err
	}
	return nil
}

// ForceStatus sets a status without transition guards or propagation.
// The engine uses it to record failures.
func (t *Tree) ForceStatus(id string, status Status) error {
	task, err := t.FindTask(id)
	if err != nil {
		return err
	}
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrState, status)
	}
	task.Status = status
	return nil
}

// RemoveTask detaches a task (and its subtree). The id index is invalidated.
func (t *Tree) RemoveTask(id string) error {
	task, err := t.FindTask(id)
	if err != nil {
		return err
	}
	slot := t.slot(task.Parent)
	for i, s := range *slot {
		if s == task {
			*slot = append((*slot)[:i], (*slot)[i+1:]...)
			break
		}
	}
	task.Parent = nil
	t.valid = false
	return nil
}

func (t *Tree) checkTransition(task *Task, to Status) error {
	switch to {
	case StatusActive:
		if task.Status == StatusActive {
			return nil
		}
		return checkActivation(t.siblingsOf(task), task.Parent, task)
	case StatusDone:
		for _, c := range task.Children {
			if c.Status == StatusPending || c.Status == StatusActive {
				return fmt.Errorf("%w: cannot mark %q done while child %q is %s", ErrState, task.Name, c.Name, c.Status)
			}
		}
	case StatusPending:
		for _, c := range task.Children {
			if c.Status == StatusActive {
				return fmt.Errorf("%w: cannot mark %q pending while child %q is active", ErrState, task.Name, c.Name)
			}
		}
	}
	return nil
}

// checkActivation enforces sibling exclusivity and parent-is-active.
// A nil parent means the root list, which is unconstrained.
func checkActivation(siblings []*Task, parent, self *Task) error {
	for _, s := range siblings {
		if s != self && s.Status == StatusActive {
			return fmt.Errorf("%w: sibling %q is already active", ErrState, s.Name)
		}
	}
	if parent != nil && parent.Status != StatusActive {
		return fmt.Errorf("%w: parent %q is not active", ErrState, parent.Name)
	}
	return nil
}

// Walk visits every task depth-first in document order. Returning false
// from fn stops the walk.
func (t *Tree) Walk(fn func(task *Task) bool) {
	walk(t.Roots, fn)
}

func walk(tasks []*Task, fn func(task *Task) bool) bool {
	for _, task := range tasks {
		if !fn(task) {
			return false
		}
		if !walk(task.Children, fn) {
			return false
		}
	}
	return true
}
