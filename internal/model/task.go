// Package model defines the persisted task and workflow state types.
package model

import (
	"fmt"
	"time"
)

// TaskStatus is the execution status of a single task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskBlocked    TaskStatus = "blocked"
	TaskSkipped    TaskStatus = "skipped"
)

// IsTerminal reports whether the status admits no further transitions.
// BLOCKED is terminal-for-now: it requires a human edit to leave, not the
// engine, so the scheduler treats it as non-actionable but the controller
// does not count it toward completion.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskSkipped:
		return true
	}
	return false
}

// Priority orders tasks for scheduling.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
	PriorityDeferred Priority = "deferred"
)

// Rank returns the sort key for a priority; lower runs first. Unknown
// priorities (possible after a hand-edit) sort with normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	case PriorityDeferred:
		return 4
	}
	return 2
}

// Strategy selects which pipeline stages a task runs through.
type Strategy string

const (
	StrategyQuick Strategy = "quick"
	StrategyFull  Strategy = "full"
)

// Task is one schedulable unit of work toward the objective.
type Task struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	Priority    Priority   `json:"priority"`
	ParentID    string     `json:"parent_id,omitempty"`
	DependsOn   []string   `json:"depends_on,omitempty"`

	// Strategy and ComplexityScore are set once the router has assessed the
	// task; both may be recomputed on a later attempt with amended context.
	Strategy        Strategy `json:"strategy,omitempty"`
	ComplexityScore *int     `json:"complexity_score,omitempty"`

	ValidationRetryCount int               `json:"validation_retry_count"`
	LastFailureMessage   string            `json:"last_failure_message,omitempty"`
	SkipValidation       bool              `json:"skip_validation,omitempty"`
	Outputs              map[string]string `json:"outputs,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// validTransitions encodes the allowed status edges. COMPLETED and SKIPPED
// are terminal; FAILED may return to PENDING when retries remain; BLOCKED
// may return to PENDING via a human edit.
var validTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:    {TaskInProgress, TaskSkipped},
	TaskInProgress: {TaskCompleted, TaskFailed, TaskBlocked},
	TaskFailed:     {TaskPending},
	TaskBlocked:    {TaskPending},
}

// Transition moves the task to a new status, enforcing the allowed edges
// and maintaining the started/completed timestamps.
func (t *Task) Transition(to TaskStatus) error {
	for _, allowed := range validTransitions[t.Status] {
		if allowed == to {
			now := time.Now().UTC()
			switch to {
			case TaskInProgress:
				t.StartedAt = &now
			case TaskCompleted, TaskFailed, TaskSkipped:
				t.CompletedAt = &now
			case TaskPending:
				t.StartedAt = nil
				t.CompletedAt = nil
			}
			t.Status = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s (task %s)", ErrInvalidTransition, t.Status, to, t.ID)
}
