package tree

import (
	"fmt"
	"strings"
)

// ValidateConsistency re-verifies every invariant over the whole forest:
// acyclicity first, then sibling exclusivity, parent closure and name
// uniqueness. The root list behaves as if its parent were active.
func (t *Tree) ValidateConsistency() error {
	if err := checkCycles(t.Roots, make(map[*Task]bool), make(map[*Task]bool)); err != nil {
		return err
	}
	return checkStateLogic(t.Roots, StatusActive)
}

func checkCycles(tasks []*Task, visited, path map[*Task]bool) error {
	for _, task := range tasks {
		if path[task] {
			return fmt.Errorf("%w: cycle detected in task structure at %q", ErrStructural, task.Name)
		}
		if visited[task] {
			continue
		}
		visited[task] = true
		path[task] = true
		if err := checkCycles(task.Children, visited, path); err != nil {
			return err
		}
		delete(path, task)
	}
	return nil
}

func checkStateLogic(tasks []*Task, parentStatus Status) error {
	var active []string
	names := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		if names[task.Name] {
			return fmt.Errorf("%w: %w: %q", ErrStructural, ErrDuplicateName, task.Name)
		}
		names[task.Name] = true
		if task.Status == StatusActive {
			active = append(active, task.Name)
		}
	}
	if len(active) > 1 {
		return fmt.Errorf("%w: ambiguous focus: multiple active siblings found: %s", ErrStructural, strings.Join(active, ", "))
	}

	for _, task := range tasks {
		if parentStatus == StatusDone && !task.Status.Terminal() {
			return fmt.Errorf("%w: logic conflict: parent is done but child %q is %s", ErrState, task.Name, task.Status)
		}
		if parentStatus == StatusPending && task.Status == StatusActive {
			return fmt.Errorf("%w: logic conflict: child %q is active but parent is pending", ErrState, task.Name)
		}
		if len(task.Children) > 0 {
			if err := checkStateLogic(task.Children, task.Status); err != nil {
				return err
			}
		}
	}
	return nil
}
