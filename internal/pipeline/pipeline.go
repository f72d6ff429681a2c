// Package pipeline runs a task through its staged execution path with
// checkpointing, bounded retries, and a post-execution validation gate.
package pipeline

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/taskd/internal/checkpoint"
	"github.com/fyrsmithlabs/taskd/internal/model"
)

// ResultKind tags the outcome of a single stage invocation.
type ResultKind string

const (
	// ResultSuccess means the stage completed and produced its artifacts.
	ResultSuccess ResultKind = "success"
	// ResultTransientFailure means the stage failed in a way worth
	// retrying, such as a timeout or an unavailable collaborator.
	ResultTransientFailure ResultKind = "transient_failure"
	// ResultFatal means retrying cannot help; the task fails immediately.
	ResultFatal ResultKind = "fatal"
)

// StageResult is what an executor reports for one stage invocation.
type StageResult struct {
	Kind    ResultKind
	Outputs map[string]string
	Message string
}

// Validation is the verdict of the post-execution gate.
type Validation struct {
	Passed   bool
	Failures []string
}

// StageExecutor performs the work of each pipeline stage. Implementations
// report modeled failures through StageResult; a returned error means the
// infrastructure itself broke and propagates up unhandled.
type StageExecutor interface {
	Research(ctx context.Context, ec *ExecutionContext, task *model.Task) (*StageResult, error)
	Design(ctx context.Context, ec *ExecutionContext, task *model.Task) (*StageResult, error)
	Execute(ctx context.Context, ec *ExecutionContext, task *model.Task) (*StageResult, error)
}

// Validator checks completed work against the task's acceptance criteria.
type Validator interface {
	Validate(ctx context.Context, ec *ExecutionContext, task *model.Task) (*Validation, error)
}

// ExecutionContext carries per-run collaborator session tokens and the
// artifacts produced by earlier stages of the current task. It is passed
// explicitly rather than smuggled through ambient state so tests and
// callers control its lifetime.
type ExecutionContext struct {
	Objective  string
	SessionIDs map[checkpoint.Stage]string
	Artifacts  map[string]string
}

// NewExecutionContext creates an empty context for one objective.
func NewExecutionContext(objective string) *ExecutionContext {
	return &ExecutionContext{
		Objective:  objective,
		SessionIDs: map[checkpoint.Stage]string{},
		Artifacts:  map[string]string{},
	}
}

// ClearSessions drops all session tokens so the next stage invocation
// starts a fresh collaborator session.
func (ec *ExecutionContext) ClearSessions() {
	for k := range ec.SessionIDs {
		delete(ec.SessionIDs, k)
	}
}

// StagesFor returns the ordered stages a strategy runs through. Quick
// tasks skip straight to execution; everything else takes the full path.
func StagesFor(strategy model.Strategy) []checkpoint.Stage {
	if strategy == model.StrategyQuick {
		return []checkpoint.Stage{checkpoint.StageExecute}
	}
	return checkpoint.FullStages
}

// RetryConfig bounds per-stage retries with exponential backoff.
type RetryConfig struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultRetryConfig allows three invocations per stage with delays of
// one and two seconds before the second and third.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// backoffFor returns the delay before attempt n (n >= 2).
func (c RetryConfig) backoffFor(attempt int) time.Duration {
	d := c.InitialBackoff
	for i := 2; i < attempt; i++ {
		d = time.Duration(float64(d) * c.BackoffMultiplier)
		if d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	if d > c.MaxBackoff {
		return c.MaxBackoff
	}
	return d
}
