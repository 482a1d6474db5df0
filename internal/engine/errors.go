package engine

import "errors"

var (
	ErrRootNotFound = errors.New("root not found")
	ErrNotHydrated  = errors.New("engine not hydrated")
	ErrRegistry     = errors.New("registry error")

	// ErrCircuitBreaker is returned when a task keeps crashing mid-run.
	// The task has been recorded as error and the lock removed.
	ErrCircuitBreaker = errors.New("circuit breaker triggered")
	// ErrLocked is returned when a live process holds the lock for another task.
	ErrLocked = errors.New("locked by other task")

	ErrNothingToDo           = errors.New("no runnable task")
	ErrTaskFailed            = errors.New("task failed")
	ErrInterrupted           = errors.New("interrupted")
	ErrUnserializableExports = errors.New("atom returned non-serializable exports")
	// ErrSubflow is returned when a proxy's nested document cannot be
	// closed yet.
	ErrSubflow = errors.New("nested document not finished")
)
