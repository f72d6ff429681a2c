package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/checkpoint"
	"github.com/fyrsmithlabs/taskd/internal/model"
)

// DefaultMaxValidationRetries bounds execute-only re-runs after a failed
// validation before the task is blocked for human attention.
const DefaultMaxValidationRetries = 3

// RunKind is the overall outcome of running a task through the pipeline.
type RunKind string

const (
	// RunCompleted means every stage succeeded and validation passed.
	RunCompleted RunKind = "completed"
	// RunFailed means a stage exhausted its retries or failed fatally.
	RunFailed RunKind = "failed"
	// RunBlocked means the work kept failing validation and needs a human.
	RunBlocked RunKind = "blocked"
)

// RunResult is the pipeline's verdict for one task.
type RunResult struct {
	Kind           RunKind
	Outputs        map[string]string
	FailureMessage string
}

// Driver executes tasks stage by stage, checkpointing progress so an
// interrupted run resumes mid-pipeline with its retry budget intact.
type Driver struct {
	executor             StageExecutor
	validator            Validator
	checkpoints          checkpoint.Manager
	retry                RetryConfig
	maxValidationRetries int
	logger               *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewDriver creates a Driver. Zero-valued retry settings take defaults.
func NewDriver(executor StageExecutor, validator Validator, checkpoints checkpoint.Manager, retry RetryConfig, logger *zap.Logger) *Driver {
	if retry.MaxRetries <= 0 {
		retry = DefaultRetryConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		executor:             executor,
		validator:            validator,
		checkpoints:          checkpoints,
		retry:                retry,
		maxValidationRetries: DefaultMaxValidationRetries,
		logger:               logger,
		sleep:                sleepCtx,
	}
}

// SetMaxValidationRetries overrides the validation re-run bound.
func (d *Driver) SetMaxValidationRetries(n int) {
	if n > 0 {
		d.maxValidationRetries = n
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Run drives the task through its strategy's stages. It mutates the task's
// validation retry counter, failure message, and outputs; status
// transitions are the caller's responsibility.
func (d *Driver) Run(ctx context.Context, ec *ExecutionContext, task *model.Task) (*RunResult, error) {
	stages := StagesFor(task.Strategy)

	// Later stages and the validator see what earlier stages produced.
	outputs := map[string]string{}
	ec.Artifacts = outputs

	// A surviving checkpoint advances the starting point past stages that
	// already completed in a previous run, carrying their artifacts along.
	start := 0
	cp, err := d.checkpoints.Load(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	if cp != nil {
		if stage, ok := cp.ResumeStage(stages); ok {
			for i, s := range stages {
				if s == stage {
					start = i
					break
				}
			}
			if start > 0 {
				d.logger.Info("resuming from checkpoint",
					zap.String("task_id", task.ID),
					zap.String("stage", string(stage)))
			}
		} else {
			// Every stage done but the task never finished; only the
			// validation gate remains.
			start = len(stages)
		}
		for _, stage := range stages[:start] {
			if rec, ok := cp.Stages[stage]; ok {
				mergeOutputs(outputs, rec.Result)
			}
		}
	}

	for _, stage := range stages[start:] {
		res, err := d.runStage(ctx, ec, task, stage)
		if err != nil {
			return nil, err
		}
		if res.Kind != ResultSuccess {
			return d.fail(ctx, task, res.Message)
		}
		mergeOutputs(outputs, res.Outputs)
	}

	result, err := d.validateAndRetry(ctx, ec, task, outputs)
	if err != nil {
		return nil, err
	}
	switch result.Kind {
	case RunCompleted:
		if err := d.checkpoints.Clear(ctx, task.ID); err != nil {
			return nil, err
		}
		task.Outputs = result.Outputs
		task.LastFailureMessage = ""
	case RunFailed:
		return d.fail(ctx, task, result.FailureMessage)
	}
	// A blocked task keeps its checkpoint: the completed stages are real,
	// and a human unblocking it resumes at the validation gate.
	return result, nil
}

// fail records the failure and drops the checkpoint so a task a human
// later flips back to PENDING restarts with a fresh retry budget.
func (d *Driver) fail(ctx context.Context, task *model.Task, message string) (*RunResult, error) {
	task.LastFailureMessage = message
	if err := d.checkpoints.Clear(ctx, task.ID); err != nil {
		return nil, err
	}
	return &RunResult{Kind: RunFailed, FailureMessage: message}, nil
}

// runStage invokes one stage until success, a fatal failure, or retry
// exhaustion. The attempt counter is persisted before each invocation so
// a crash mid-attempt consumes the attempt rather than forgetting it.
func (d *Driver) runStage(ctx context.Context, ec *ExecutionContext, task *model.Task, stage checkpoint.Stage) (*StageResult, error) {
	var lastMessage string
	for {
		attempt, err := d.checkpoints.RecordAttempt(ctx, task.ID, stage)
		if err != nil {
			return nil, err
		}
		if attempt > d.retry.MaxRetries {
			msg := fmt.Sprintf("%s stage exhausted %d attempts", stage, d.retry.MaxRetries)
			if lastMessage != "" {
				msg += ": " + lastMessage
			}
			return &StageResult{Kind: ResultTransientFailure, Message: msg}, nil
		}
		if attempt > 1 {
			// A retry gets a fresh collaborator session and a breather.
			ec.ClearSessions()
			if err := d.sleep(ctx, d.retry.backoffFor(attempt)); err != nil {
				return nil, err
			}
		}

		d.logger.Debug("running stage",
			zap.String("task_id", task.ID),
			zap.String("stage", string(stage)),
			zap.Int("attempt", attempt))

		res, err := d.invoke(ctx, ec, task, stage)
		if err != nil {
			return nil, fmt.Errorf("%s stage: %w", stage, err)
		}
		switch res.Kind {
		case ResultSuccess:
			if err := d.checkpoints.CompleteStage(ctx, task.ID, stage, res.Outputs); err != nil {
				return nil, err
			}
			return res, nil
		case ResultFatal:
			d.logger.Warn("stage failed fatally",
				zap.String("task_id", task.ID),
				zap.String("stage", string(stage)),
				zap.String("message", res.Message))
			return res, nil
		default:
			lastMessage = res.Message
			d.logger.Warn("stage attempt failed",
				zap.String("task_id", task.ID),
				zap.String("stage", string(stage)),
				zap.Int("attempt", attempt),
				zap.String("message", res.Message))
		}
	}
}

func (d *Driver) invoke(ctx context.Context, ec *ExecutionContext, task *model.Task, stage checkpoint.Stage) (*StageResult, error) {
	switch stage {
	case checkpoint.StageResearch:
		return d.executor.Research(ctx, ec, task)
	case checkpoint.StageDesign:
		return d.executor.Design(ctx, ec, task)
	case checkpoint.StageExecute:
		return d.executor.Execute(ctx, ec, task)
	}
	return nil, fmt.Errorf("unknown stage %q", stage)
}

// validateAndRetry runs the validation gate, re-running only the execute
// stage with the failure findings appended to the task description. The
// description is restored afterwards regardless of outcome.
func (d *Driver) validateAndRetry(ctx context.Context, ec *ExecutionContext, task *model.Task, outputs map[string]string) (*RunResult, error) {
	if task.SkipValidation || d.validator == nil {
		return &RunResult{Kind: RunCompleted, Outputs: outputs}, nil
	}

	originalDescription := task.Description
	defer func() { task.Description = originalDescription }()

	for {
		verdict, err := d.validator.Validate(ctx, ec, task)
		if err != nil {
			return nil, fmt.Errorf("validate task %s: %w", task.ID, err)
		}
		if verdict.Passed {
			return &RunResult{Kind: RunCompleted, Outputs: outputs}, nil
		}

		failureText := strings.Join(verdict.Failures, "; ")
		if task.ValidationRetryCount >= d.maxValidationRetries {
			task.LastFailureMessage = failureText
			d.logger.Warn("validation retries exhausted, blocking task",
				zap.String("task_id", task.ID),
				zap.Int("retries", task.ValidationRetryCount))
			return &RunResult{
				Kind:           RunBlocked,
				FailureMessage: fmt.Sprintf("validation failed after %d retries: %s", task.ValidationRetryCount, failureText),
			}, nil
		}

		task.ValidationRetryCount++
		task.LastFailureMessage = failureText
		task.Description = fmt.Sprintf("%s\n\nPrevious attempt failed validation:\n%s", originalDescription, failureText)
		ec.ClearSessions()

		d.logger.Info("validation failed, re-running execute stage",
			zap.String("task_id", task.ID),
			zap.Int("validation_retry", task.ValidationRetryCount),
			zap.Strings("failures", verdict.Failures))

		if err := d.checkpoints.ResetStage(ctx, task.ID, checkpoint.StageExecute); err != nil {
			return nil, err
		}
		res, err := d.runStage(ctx, ec, task, checkpoint.StageExecute)
		if err != nil {
			return nil, err
		}
		if res.Kind != ResultSuccess {
			task.LastFailureMessage = res.Message
			return &RunResult{Kind: RunFailed, FailureMessage: res.Message}, nil
		}
		mergeOutputs(outputs, res.Outputs)
	}
}

func mergeOutputs(dst, src map[string]string) {
	for k, v := range src {
		dst[k] = v
	}
}
