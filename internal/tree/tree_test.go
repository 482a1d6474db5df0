package tree

import (
	"errors"
	"strings"
	"testing"
)

// build creates:
//
//	1 Root
//	  1.1 A
//	    1.1.1 a1
//	    1.1.2 a2
//	  1.2 B
//	2 Other
func build(t *testing.T) *Tree {
	t.Helper()
	tr := New()
	mustAdd(t, tr, RootID, "Root", StatusPending)
	mustAdd(t, tr, RootID, "Other", StatusPending)
	tr.Reindex()
	mustAdd(t, tr, "1", "A", StatusPending)
	mustAdd(t, tr, "1", "B", StatusPending)
	tr.Reindex()
	mustAdd(t, tr, "1.1", "a1", StatusPending)
	mustAdd(t, tr, "1.1", "a2", StatusPending)
	tr.Reindex()
	return tr
}

func mustAdd(t *testing.T, tr *Tree, parent, name string, st Status) *Task {
	t.Helper()
	task, err := tr.AddTask(parent, name, st)
	if err != nil {
		t.Fatalf("AddTask(%q, %q): %v", parent, name, err)
	}
	return task
}

func mustUpdate(t *testing.T, tr *Tree, id string, u Update) {
	t.Helper()
	if err := tr.UpdateTask(id, u); err != nil {
		t.Fatalf("UpdateTask(%q): %v", id, err)
	}
}

func find(t *testing.T, tr *Tree, id string) *Task {
	t.Helper()
	task, err := tr.FindTask(id)
	if err != nil {
		t.Fatalf("FindTask(%q): %v", id, err)
	}
	return task
}

func TestReindexAssignsDottedIDs(t *testing.T) {
	t.Parallel()
	tr := build(t)

	want := map[string]string{
		"1": "Root", "1.1": "A", "1.1.1": "a1", "1.1.2": "a2", "1.2": "B", "2": "Other",
	}
	if tr.Len() != len(want) {
		t.Fatalf("index size = %d, want %d", tr.Len(), len(want))
	}
	for id, name := range want {
		if got := find(t, tr, id).Name; got != name {
			t.Fatalf("FindTask(%q).Name = %q, want %q", id, got, name)
		}
	}

	// Round trip: every task is reachable through its own id.
	tr.Walk(func(task *Task) bool {
		got := find(t, tr, task.ID)
		if got != task {
			t.Fatalf("FindTask(%q) returned a different task", task.ID)
		}
		depth := strings.Count(task.ID, ".")
		if task.IndentLevel != depth {
			t.Fatalf("task %s IndentLevel = %d, want %d", task.ID, task.IndentLevel, depth)
		}
		return true
	})
}

func TestStaleIndexAfterStructuralChange(t *testing.T) {
	t.Parallel()
	tr := build(t)

	if _, err := tr.AddTask(RootID, "Third", StatusPending); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if _, err := tr.FindTask("1"); !errors.Is(err, ErrStaleIndex) {
		t.Fatalf("FindTask after add: err = %v, want ErrStaleIndex", err)
	}
	tr.Reindex()
	if got := find(t, tr, "3").Name; got != "Third" {
		t.Fatalf("task 3 = %q, want Third", got)
	}

	if err := tr.RemoveTask("1"); err != nil {
		t.Fatalf("RemoveTask: %v", err)
	}
	if _, err := tr.FindTask("2"); !errors.Is(err, ErrStaleIndex) {
		t.Fatalf("FindTask after remove: err = %v, want ErrStaleIndex", err)
	}
	tr.Reindex()
	if got := find(t, tr, "1").Name; got != "Other" {
		t.Fatalf("after removal task 1 = %q, want Other", got)
	}
	if _, err := tr.FindTask("1.1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("removed subtree still indexed: err = %v", err)
	}
}

func TestInsertTaskAtIndex(t *testing.T) {
	t.Parallel()
	tr := build(t)
	if _, err := tr.InsertTask("1", "First", StatusPending, 0); err != nil {
		t.Fatalf("InsertTask: %v", err)
	}
	tr.Reindex()
	if got := find(t, tr, "1.1").Name; got != "First" {
		t.Fatalf("1.1 = %q, want First", got)
	}
	if got := find(t, tr, "1.2.1").Name; got != "a1" {
		t.Fatalf("1.2.1 = %q, want a1", got)
	}
}

func TestAddTaskGuards(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		prepare func(t *testing.T, tr *Tree)
		parent  string
		task    string
		status  Status
		wantErr error
	}{
		{name: "duplicate sibling", parent: "1", task: "A", status: StatusPending, wantErr: ErrDuplicateName},
		{name: "active under pending parent", parent: "1", task: "C", status: StatusActive, wantErr: ErrState},
		{
			name: "second active root",
			prepare: func(t *testing.T, tr *Tree) {
				mustUpdate(t, tr, "2", Update{Status: StatusActive})
			},
			parent: RootID, task: "Third", status: StatusActive, wantErr: ErrState,
		},
		{
			name: "pending under done parent",
			prepare: func(t *testing.T, tr *Tree) {
				mustUpdate(t, tr, "1.2", Update{Status: StatusDone})
			},
			parent: "1.2", task: "late", status: StatusPending, wantErr: ErrState,
		},
		{name: "unknown status", parent: RootID, task: "X", status: Status("paused"), wantErr: ErrState},
		{name: "empty name", parent: RootID, task: "", status: StatusPending, wantErr: ErrSyntax},
		{name: "blank name", parent: RootID, task: "   ", status: StatusPending, wantErr: ErrSyntax},
		{name: "padded name", parent: RootID, task: " Third ", status: StatusPending, wantErr: ErrSyntax},
		{name: "multi-line name", parent: RootID, task: "one\ntwo", status: StatusPending, wantErr: ErrSyntax},
		{name: "at sign", parent: RootID, task: "mail ops@example.com", status: StatusPending, wantErr: ErrSyntax},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr := build(t)
			if tt.prepare != nil {
				tt.prepare(t, tr)
			}
			_, err := tr.AddTask(tt.parent, tt.task, tt.status)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("AddTask err = %v, want %v", err, tt.wantErr)
			}
			if !tr.IndexValid() {
				t.Fatal("rejected AddTask must not invalidate the index")
			}
		})
	}
}

func TestAddSkippedChildToDoneParent(t *testing.T) {
	t.Parallel()
	tr := build(t)
	mustUpdate(t, tr, "1.2", Update{Status: StatusDone})
	if _, err := tr.AddTask("1.2", "skipped", StatusSkipped); err != nil {
		t.Fatalf("AddTask skipped under done parent: %v", err)
	}
}

func TestActivationRequiresActiveParent(t *testing.T) {
	t.Parallel()
	tr := New()
	mustAdd(t, tr, RootID, "Root", StatusPending)
	tr.Reindex()
	mustAdd(t, tr, "1", "A", StatusPending)
	tr.Reindex()

	err := tr.UpdateTask("1.1", Update{Status: StatusActive})
	if !errors.Is(err, ErrState) || !strings.Contains(err.Error(), "parent") || !strings.Contains(err.Error(), "is not active") {
		t.Fatalf("child activation err = %v, want parent-not-active state error", err)
	}

	mustUpdate(t, tr, "1", Update{Status: StatusActive})
	mustUpdate(t, tr, "1.1", Update{Status: StatusActive})

	if got := find(t, tr, "1").Status; got != StatusActive {
		t.Fatalf("Root status = %s, want active", got)
	}
	if err := tr.ValidateConsistency(); err != nil {
		t.Fatalf("ValidateConsistency: %v", err)
	}
}

func TestSiblingExclusivityOnUpdate(t *testing.T) {
	t.Parallel()
	tr := build(t)
	mustUpdate(t, tr, "1", Update{Status: StatusActive})
	if err := tr.UpdateTask("2", Update{Status: StatusActive}); !errors.Is(err, ErrState) {
		t.Fatalf("second active root: err = %v, want ErrState", err)
	}
	// Re-activating the active task is a no-op, not a conflict.
	mustUpdate(t, tr, "1", Update{Status: StatusActive})
}

func TestCompletionCascade(t *testing.T) {
	t.Parallel()
	tr := build(t)

	mustUpdate(t, tr, "1.1.1", Update{Status: StatusDone})
	if got := find(t, tr, "1.1").Status; got != StatusActive {
		t.Fatalf("A after first leaf done = %s, want active (activation bubble)", got)
	}
	if got := find(t, tr, "1").Status; got != StatusActive {
		t.Fatalf("Root after first leaf done = %s, want active", got)
	}

	mustUpdate(t, tr, "1.1.2", Update{Status: StatusDone})
	if got := find(t, tr, "1.1").Status; got != StatusDone {
		t.Fatalf("A = %s, want done", got)
	}
	if got := find(t, tr, "1").Status; got != StatusActive {
		t.Fatalf("Root = %s, want active while B pending", got)
	}

	mustUpdate(t, tr, "1.2", Update{Status: StatusDone})
	if got := find(t, tr, "1").Status; got != StatusDone {
		t.Fatalf("Root = %s, want done after deep cascade", got)
	}
	if got := find(t, tr, "2").Status; got != StatusPending {
		t.Fatalf("untouched branch = %s, want pending", got)
	}
	if err := tr.ValidateConsistency(); err != nil {
		t.Fatalf("ValidateConsistency: %v", err)
	}
}

func TestActivationBubbleConflictRollsBack(t *testing.T) {
	t.Parallel()
	tr := build(t)
	mustUpdate(t, tr, "2", Update{Status: StatusActive})

	err := tr.UpdateTask("1.1.1", Update{Status: StatusDone, Name: "renamed"})
	if !errors.Is(err, ErrState) {
		t.Fatalf("err = %v, want ErrState", err)
	}
	leaf := find(t, tr, "1.1.1")
	if leaf.Status != StatusPending || leaf.Name != "a1" {
		t.Fatalf("leaf = %s/%q, want rollback to pending/a1", leaf.Status, leaf.Name)
	}
	if got := find(t, tr, "1.1").Status; got != StatusPending {
		t.Fatalf("A = %s, want pending after rollback", got)
	}
}

func TestUpdateGuards(t *testing.T) {
	t.Parallel()
	tr := build(t)

	if err := tr.UpdateTask("1.1", Update{Name: "B"}); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("rename to sibling name: err = %v", err)
	}
	if err := tr.UpdateTask("1.1", Update{Status: StatusDone}); !errors.Is(err, ErrState) {
		t.Fatalf("done with pending children: err = %v", err)
	}
	for _, bad := range []string{" A3", "A3\r", "A3 @ other.md"} {
		if err := tr.UpdateTask("1.1", Update{Name: bad}); !errors.Is(err, ErrSyntax) {
			t.Fatalf("rename to %q: err = %v", bad, err)
		}
	}
	if got := find(t, tr, "1.1").Name; got != "A" {
		t.Fatalf("rejected rename changed name to %q", got)
	}
	if err := tr.UpdateTask("1.1", Update{Name: "X", Anchor: "wrong"}); !errors.Is(err, ErrAnchorMismatch) {
		t.Fatalf("anchor mismatch: err = %v", err)
	}
	mustUpdate(t, tr, "1.1", Update{Name: "A2", Anchor: "A"})
	if got := find(t, tr, "1.1").Name; got != "A2" {
		t.Fatalf("name = %q, want A2", got)
	}

	mustUpdate(t, tr, "1", Update{Status: StatusActive})
	mustUpdate(t, tr, "1.1", Update{Status: StatusActive})
	if err := tr.UpdateTask("1", Update{Status: StatusPending}); !errors.Is(err, ErrState) {
		t.Fatalf("pending with active child: err = %v", err)
	}
}

func TestGetActiveTask(t *testing.T) {
	t.Parallel()
	tr := build(t)

	if got := tr.GetActiveTask(); got == nil || got.ID != "1" {
		t.Fatalf("smart resume = %v, want task 1", got)
	}

	mustUpdate(t, tr, "1", Update{Status: StatusActive})
	mustUpdate(t, tr, "1.1", Update{Status: StatusActive})
	mustUpdate(t, tr, "1.1.2", Update{Status: StatusActive})
	if got := tr.GetActiveTask(); got == nil || got.ID != "1.1.2" {
		t.Fatalf("deepest active = %v, want 1.1.2", got)
	}

	mustUpdate(t, tr, "1.1.2", Update{Status: StatusSkipped})
	if got := tr.GetActiveTask(); got == nil || got.ID != "1.1" {
		t.Fatalf("deepest active = %v, want 1.1", got)
	}
}

func TestFocusActivatesAncestors(t *testing.T) {
	t.Parallel()
	tr := build(t)
	if err := tr.Focus("1.1.2"); err != nil {
		t.Fatalf("Focus: %v", err)
	}
	for _, id := range []string{"1", "1.1", "1.1.2"} {
		if got := find(t, tr, id).Status; got != StatusActive {
			t.Fatalf("%s = %s, want active", id, got)
		}
	}

	other := build(t)
	mustUpdate(t, other, "2", Update{Status: StatusActive})
	if err := other.Focus("1.1.1"); !errors.Is(err, ErrState) {
		t.Fatalf("Focus with active root sibling: err = %v", err)
	}
	if got := find(t, other, "1").Status; got != StatusPending {
		t.Fatalf("Root = %s, want pending after failed focus", got)
	}
}

func TestValidateConsistency(t *testing.T) {
	t.Parallel()

	t.Run("built by ops", func(t *testing.T) {
		t.Parallel()
		tr := build(t)
		mustUpdate(t, tr, "1.1.1", Update{Status: StatusDone})
		mustUpdate(t, tr, "1.1.2", Update{Status: StatusActive})
		if err := tr.ValidateConsistency(); err != nil {
			t.Fatalf("ValidateConsistency: %v", err)
		}
	})

	t.Run("cycle", func(t *testing.T) {
		t.Parallel()
		a := &Task{Name: "a", Status: StatusPending}
		b := &Task{Name: "b", Status: StatusPending}
		a.Children = []*Task{b}
		tr := FromRoots(a)
		b.Children = []*Task{a}
		err := tr.ValidateConsistency()
		if !errors.Is(err, ErrStructural) || !strings.Contains(err.Error(), "cycle") {
			t.Fatalf("err = %v, want cycle", err)
		}
	})

	t.Run("done parent pending child", func(t *testing.T) {
		t.Parallel()
		tr := FromRoots(&Task{Name: "p", Status: StatusDone, Children: []*Task{
			{Name: "c", Status: StatusPending},
		}})
		if err := tr.ValidateConsistency(); !errors.Is(err, ErrState) {
			t.Fatalf("err = %v, want ErrState", err)
		}
	})

	t.Run("pending parent active child", func(t *testing.T) {
		t.Parallel()
		tr := FromRoots(&Task{Name: "p", Status: StatusPending, Children: []*Task{
			{Name: "c", Status: StatusActive},
		}})
		if err := tr.ValidateConsistency(); !errors.Is(err, ErrState) {
			t.Fatalf("err = %v, want ErrState", err)
		}
	})

	t.Run("two active siblings", func(t *testing.T) {
		t.Parallel()
		tr := FromRoots(&Task{Name: "x", Status: StatusActive}, &Task{Name: "y", Status: StatusActive})
		err := tr.ValidateConsistency()
		if !errors.Is(err, ErrStructural) || !strings.Contains(err.Error(), "ambiguous focus") {
			t.Fatalf("err = %v, want ambiguous focus", err)
		}
	})
}

func TestHeadersKeepOrder(t *testing.T) {
	t.Parallel()
	var h Headers
	h.Set("Title", "one")
	h.Set("Owner", "me")
	h.Set("Title", "two")

	keys := h.Keys()
	if len(keys) != 2 || keys[0] != "Title" || keys[1] != "Owner" {
		t.Fatalf("keys = %v", keys)
	}
	if v, _ := h.Get("Title"); v != "two" {
		t.Fatalf("Title = %q, want last write", v)
	}
}
