// Package scheduler selects the next task to run from a workflow state.
// Selection is a pure function of the state so the same state always
// yields the same choice.
package scheduler

import (
	"github.com/fyrsmithlabs/taskd/internal/model"
)

// Next returns the task to execute, or nil when nothing is actionable.
//
// An interrupted task (IN_PROGRESS after a crash or pause) is always
// resumed first, in task list order. Otherwise, among PENDING tasks whose
// dependencies are all COMPLETED, the highest-priority oldest task wins;
// if that winner has its own actionable subtasks, the first of those runs
// before the parent.
func Next(state *model.WorkflowState) *model.Task {
	for _, t := range state.Tasks {
		if t.Status == model.TaskInProgress {
			return t
		}
	}

	var candidate *model.Task
	for _, t := range state.Tasks {
		if !available(state, t) {
			continue
		}
		if candidate == nil || precedes(t, candidate) {
			candidate = t
		}
	}
	if candidate == nil {
		return nil
	}

	for _, t := range state.Tasks {
		if t.ParentID == candidate.ID && available(state, t) {
			return t
		}
	}
	return candidate
}

func available(state *model.WorkflowState, t *model.Task) bool {
	return t.Status == model.TaskPending && state.DependenciesMet(t)
}

func precedes(a, b *model.Task) bool {
	ra, rb := a.Priority.Rank(), b.Priority.Rank()
	if ra != rb {
		return ra < rb
	}
	return a.CreatedAt.Before(b.CreatedAt)
}
