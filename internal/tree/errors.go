package tree

import "errors"

// Error taxonomy shared by the tree ops layer and the document parser.
// Callers classify failures with errors.Is.
var (
	// ErrSyntax marks a malformed document line.
	ErrSyntax = errors.New("syntax error")
	// ErrStructural marks an orphaned indent, cycle, duplicate name or ambiguous focus.
	ErrStructural = errors.New("structural error")
	// ErrState marks an invalid status transition.
	ErrState = errors.New("state error")
	// ErrIntegrity marks a hash mismatch or a corrupt sidecar.
	ErrIntegrity = errors.New("integrity violation")
	// ErrStaleIndex is returned by lookups after a structural mutation
	// until Reindex is called.
	ErrStaleIndex = errors.New("stale index")
	// ErrNotFound is returned when an id does not exist.
	ErrNotFound = errors.New("task not found")
	// ErrDuplicateName is returned when a sibling already has the name.
	ErrDuplicateName = errors.New("duplicate task name")
	// ErrAnchorMismatch is returned when the context anchor does not match the task name.
	ErrAnchorMismatch = errors.New("anchor mismatch")
)
