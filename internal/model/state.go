package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StateVersion is the schema version written into every state file.
const StateVersion = 1

// maxLogEvents bounds the execution log ring.
const maxLogEvents = 50

// WorkflowStatus is the lifecycle state of a whole workflow.
type WorkflowStatus string

const (
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowPaused    WorkflowStatus = "paused"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowHalted    WorkflowStatus = "halted"
)

// LogEvent is one entry in the bounded execution log.
type LogEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// WorkflowState is the full persisted state of one objective's execution.
// Tasks preserve insertion order; the scheduler depends on it for
// deterministic tie-breaking.
type WorkflowState struct {
	Version          int            `json:"version"`
	Objective        string         `json:"objective"`
	ObjectiveHash    string         `json:"objective_hash"`
	Status           WorkflowStatus `json:"status"`
	HaltReason       string         `json:"halt_reason,omitempty"`
	Tasks            []*Task        `json:"tasks"`
	CurrentIteration int            `json:"current_iteration"`
	MaxIterations    int            `json:"max_iterations"`
	ExecutionLog     []LogEvent     `json:"execution_log,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// HashObjective derives the short identifier used to key state and
// checkpoint files for an objective.
func HashObjective(objective string) string {
	sum := sha256.Sum256([]byte(objective))
	return hex.EncodeToString(sum[:])[:8]
}

// NewWorkflowState creates a fresh running state for an objective.
func NewWorkflowState(objective string, maxIterations int) *WorkflowState {
	now := time.Now().UTC()
	return &WorkflowState{
		Version:       StateVersion,
		Objective:     objective,
		ObjectiveHash: HashObjective(objective),
		Status:        WorkflowRunning,
		Tasks:         []*Task{},
		MaxIterations: maxIterations,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Task returns the task with the given id.
func (s *WorkflowState) Task(id string) (*Task, error) {
	for _, t := range s.Tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
}

// AddTask appends a task after validating identity, parent, dependency
// references, and graph acyclicity. On any failure the state is unchanged.
func (s *WorkflowState) AddTask(t *Task) error {
	if _, err := s.Task(t.ID); err == nil {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
	}
	if t.ParentID != "" {
		if _, err := s.Task(t.ParentID); err != nil {
			return fmt.Errorf("%w: task %s references %s", ErrUnknownParent, t.ID, t.ParentID)
		}
	}
	for _, dep := range t.DependsOn {
		if _, err := s.Task(dep); err != nil {
			return fmt.Errorf("%w: task %s depends on %s", ErrUnknownDependency, t.ID, dep)
		}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
	if t.Priority == "" {
		t.Priority = PriorityNormal
	}
	s.Tasks = append(s.Tasks, t)
	if err := s.ValidateDAG(); err != nil {
		s.Tasks = s.Tasks[:len(s.Tasks)-1]
		return err
	}
	return nil
}

// ValidateDAG checks the dependency graph for cycles. It is re-run on each
// reload because state files may be hand-edited between iterations.
func (s *WorkflowState) ValidateDAG() error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	color := make(map[string]int, len(s.Tasks))
	byID := make(map[string]*Task, len(s.Tasks))
	for _, t := range s.Tasks {
		byID[t.ID] = t
	}

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case visiting:
			return fmt.Errorf("%w: involving task %s", ErrCycleDetected, id)
		case done:
			return nil
		}
		color[id] = visiting
		if t, ok := byID[id]; ok {
			for _, dep := range t.DependsOn {
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = done
		return nil
	}

	for _, t := range s.Tasks {
		if err := visit(t.ID); err != nil {
			return err
		}
	}
	return nil
}

// DependenciesMet reports whether every dependency of the task is COMPLETED.
// Unknown dependency ids (possible after a hand-edit) count as unmet.
func (s *WorkflowState) DependenciesMet(t *Task) bool {
	for _, dep := range t.DependsOn {
		d, err := s.Task(dep)
		if err != nil || d.Status != TaskCompleted {
			return false
		}
	}
	return true
}

// Log appends an event to the execution log, evicting the oldest entries
// beyond the ring capacity.
func (s *WorkflowState) Log(format string, args ...any) {
	s.ExecutionLog = append(s.ExecutionLog, LogEvent{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Message:   fmt.Sprintf(format, args...),
	})
	if excess := len(s.ExecutionLog) - maxLogEvents; excess > 0 {
		s.ExecutionLog = s.ExecutionLog[excess:]
	}
}

// Halt marks the workflow halted with a human-readable reason.
func (s *WorkflowState) Halt(reason string) {
	s.Status = WorkflowHalted
	s.HaltReason = reason
	s.Log("halted: %s", reason)
}

// AllTasksTerminal reports whether every task is in a terminal status.
func (s *WorkflowState) AllTasksTerminal() bool {
	for _, t := range s.Tasks {
		if !t.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// BlockedCount returns the number of tasks currently BLOCKED.
func (s *WorkflowState) BlockedCount() int {
	n := 0
	for _, t := range s.Tasks {
		if t.Status == TaskBlocked {
			n++
		}
	}
	return n
}
