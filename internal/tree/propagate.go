package tree

import "fmt"

type change struct {
	task   *Task
	status Status
}

// propagate runs the activation and completion bubbles from task upward.
//
//   - activation: a child that became active or done re-opens a pending parent.
//   - completion: when every child is done the parent becomes done.
//
// Every status it touches is recorded in undo so the caller can roll back.
func (t *Tree) propagate(task *Task, undo *[]change) error {
	parent := task.Parent
	if parent == nil {
		return nil
	}

	if (task.Status == StatusActive || task.Status == StatusDone) && parent.Status == StatusPending {
		for _, s := range t.siblingsOf(parent) {
			if s != parent && s.Status == StatusActive {
				return fmt.Errorf("%w: activating %q conflicts with active sibling %q", ErrState, parent.Name, s.Name)
			}
		}
		*undo = append(*undo, change{task: parent, status: parent.Status})
		parent.Status = StatusActive
		if err := t.propagate(parent, undo); err != nil {
			return err
		}
	}

	if task.Status == StatusDone && parent.Status != StatusDone {
		for _, s := range parent.Children {
			if s.Status != StatusDone {
				return nil
			}
		}
		*undo = append(*undo, change{task: parent, status: parent.Status})
		parent.Status = StatusDone
		return t.propagate(parent, undo)
	}
	return nil
}

// GetActiveTask returns the current cursor: the deepest active task, or
// failing that the first pending task in document order ("smart resume").
func (t *Tree) GetActiveTask() *Task {
	if a := deepestActive(t.Roots); a != nil {
		return a
	}
	return FirstPending(t.Roots)
}

// ActiveTask returns the deepest active task without the pending fallback.
func (t *Tree) ActiveTask() *Task {
	return deepestActive(t.Roots)
}

func deepestActive(tasks []*Task) *Task {
	for _, task := range tasks {
		if deep := deepestActive(task.Children); deep != nil {
			return deep
		}
		if task.Status == StatusActive {
			return task
		}
	}
	return nil
}

// FirstPending returns the first pending task in document order,
// checking each task before its children.
func FirstPending(tasks []*Task) *Task {
	for _, task := range tasks {
		if task.Status == StatusPending {
			return task
		}
		if child := FirstPending(task.Children); child != nil {
			return child
		}
	}
	return nil
}

// Focus activates a task together with any pending ancestors, top-down, so the
// parent-is-active rule holds at every level. On failure nothing is changed.
func (t *Tree) Focus(id string) error {
	task, err := t.FindTask(id)
	if err != nil {
		return err
	}

	var chain []*Task
	for cur := task; cur != nil; cur = cur.Parent {
		chain = append([]*Task{cur}, chain...)
	}
	before := make([]Status, len(chain))
	for i, c := range chain {
		before[i] = c.Status
	}

	for _, c := range chain {
		if c.Status == StatusActive {
			continue
		}
		if err := t.UpdateTask(c.ID, Update{Status: StatusActive}); err != nil {
			for i, c := range chain {
				c.Status = before[i]
			}
			return err
		}
	}
	return nil
}
