package model

import "errors"

var (
	// ErrTaskNotFound is returned when a task id does not exist in the state.
	ErrTaskNotFound = errors.New("task not found")

	// ErrDuplicateTask is returned when adding a task whose id already exists.
	ErrDuplicateTask = errors.New("task id already exists")

	// ErrUnknownParent is returned when a task references a missing parent.
	ErrUnknownParent = errors.New("parent task does not exist")

	// ErrUnknownDependency is returned when a task depends on a missing id.
	ErrUnknownDependency = errors.New("dependency task does not exist")

	// ErrCycleDetected is returned when a dependency edge would form a cycle.
	ErrCycleDetected = errors.New("dependency cycle detected")

	// ErrInvalidTransition is returned for a disallowed task status change.
	ErrInvalidTransition = errors.New("invalid status transition")
)
