package checkpoint

import (
	"errors"
	"time"
)

// Stage is one phase of the full execution pipeline.
type Stage string

const (
	StageResearch Stage = "research"
	StageDesign   Stage = "design"
	StageExecute  Stage = "execute"
)

// FullStages is the ordered full pipeline.
var FullStages = []Stage{StageResearch, StageDesign, StageExecute}

// ErrObjectiveMismatch is returned when a checkpoint operation targets a
// file recorded for a different objective. This is a hard error: silently
// mixing objectives would resume the wrong work.
var ErrObjectiveMismatch = errors.New("checkpoint belongs to a different objective")

// StageRecord captures the outcome of one completed stage plus the attempt
// counter that survives crashes mid-stage.
type StageRecord struct {
	Stage        Stage             `json:"stage"`
	AttemptCount int               `json:"attempt_count"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	Result       map[string]string `json:"result,omitempty"`
}

// Checkpoint is the persisted per-task progress through the pipeline.
type Checkpoint struct {
	Objective string                 `json:"objective"`
	TaskID    string                 `json:"task_id"`
	Stages    map[Stage]*StageRecord `json:"stages"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Completed reports whether the given stage finished successfully.
func (c *Checkpoint) Completed(stage Stage) bool {
	rec, ok := c.Stages[stage]
	return ok && rec.CompletedAt != nil
}

// Attempts returns the recorded attempt count for a stage.
func (c *Checkpoint) Attempts(stage Stage) int {
	if rec, ok := c.Stages[stage]; ok {
		return rec.AttemptCount
	}
	return 0
}

// ResumeStage returns the first stage of the given pipeline that has not
// completed, or false when every stage is done.
func (c *Checkpoint) ResumeStage(stages []Stage) (Stage, bool) {
	for _, s := range stages {
		if !c.Completed(s) {
			return s, true
		}
	}
	return "", false
}
