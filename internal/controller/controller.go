// Package controller drives a workflow objective to completion: one task
// per iteration, state persisted around every mutation so the process can
// die at any point and pick up where it left off.
package controller

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/model"
	"github.com/fyrsmithlabs/taskd/internal/pipeline"
	"github.com/fyrsmithlabs/taskd/internal/router"
	"github.com/fyrsmithlabs/taskd/internal/scheduler"
	"github.com/fyrsmithlabs/taskd/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/taskd/internal/controller"

// DefaultMaxIterations bounds a run when the caller does not say otherwise.
const DefaultMaxIterations = 50

// Decomposer proposes new tasks toward the objective. It is consulted at
// the start of a fresh run and again whenever the schedule runs dry before
// the objective is done.
type Decomposer interface {
	Decompose(ctx context.Context, state *model.WorkflowState) ([]*model.Task, error)
}

// Controller owns the orchestration loop for objectives in one state store.
type Controller struct {
	store      *store.Store
	router     *router.Router
	driver     *pipeline.Driver
	decomposer Decomposer
	logger     *zap.Logger

	tracer      trace.Tracer
	taskCounter metric.Int64Counter
}

// New creates a Controller.
func New(st *store.Store, rt *router.Router, driver *pipeline.Driver, decomposer Decomposer, logger *zap.Logger) (*Controller, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := otel.Meter(instrumentationName)
	taskCounter, err := meter.Int64Counter("controller.tasks_executed",
		metric.WithDescription("Tasks run through the pipeline, by outcome"))
	if err != nil {
		return nil, fmt.Errorf("create task counter: %w", err)
	}
	return &Controller{
		store:       st,
		router:      rt,
		driver:      driver,
		decomposer:  decomposer,
		logger:      logger,
		tracer:      otel.Tracer(instrumentationName),
		taskCounter: taskCounter,
	}, nil
}

// Run loops over the objective until it completes, pauses, halts, or the
// context is cancelled. A missing state file starts a fresh workflow; an
// existing one is picked up as-is, so a crashed or paused-and-resumed run
// continues where it stopped.
func (c *Controller) Run(ctx context.Context, objective string, maxIterations int) error {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	state, err := c.store.Load(objective)
	if errors.Is(err, store.ErrNotFound) {
		state = model.NewWorkflowState(objective, maxIterations)
		state.Log("workflow started")
		if err := c.store.Save(state); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	ec := pipeline.NewExecutionContext(objective)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := c.iterate(ctx, objective, ec)
		if done || err != nil {
			return err
		}
	}
}

// iterate runs one scheduling round. It reloads state from disk first so
// edits made between iterations (unblocking a task, adding one by hand)
// take effect. Returns done=true when the loop should stop.
func (c *Controller) iterate(ctx context.Context, objective string, ec *pipeline.ExecutionContext) (bool, error) {
	ctx, span := c.tracer.Start(ctx, "controller.iterate")
	defer span.End()

	state, err := c.store.Load(objective)
	if err != nil {
		return true, fmt.Errorf("reload state: %w", err)
	}

	switch state.Status {
	case model.WorkflowRunning:
	case model.WorkflowPaused:
		c.logger.Info("workflow paused, stopping",
			zap.String("objective_hash", state.ObjectiveHash))
		return true, nil
	default:
		c.logger.Info("workflow not runnable, stopping",
			zap.String("objective_hash", state.ObjectiveHash),
			zap.String("status", string(state.Status)))
		return true, nil
	}

	// Hand-edits can introduce cycles; a broken graph would wedge the
	// scheduler, so it halts the workflow instead.
	if err := state.ValidateDAG(); err != nil {
		state.Halt(fmt.Sprintf("invalid task graph: %v", err))
		return true, c.store.Save(state)
	}

	if state.CurrentIteration >= state.MaxIterations {
		state.Halt(fmt.Sprintf("iteration budget exhausted (%d)", state.MaxIterations))
		return true, c.store.Save(state)
	}
	span.SetAttributes(attribute.Int("iteration", state.CurrentIteration))

	task := scheduler.Next(state)
	if task == nil {
		return c.handleNoTask(ctx, state)
	}

	if task.Strategy == "" {
		c.router.Route(ctx, task)
	}
	if task.Status == model.TaskPending {
		if err := task.Transition(model.TaskInProgress); err != nil {
			state.Halt(fmt.Sprintf("cannot start task %s: %v", task.ID, err))
			return true, c.store.Save(state)
		}
	}
	state.Log("task %s started (strategy %s)", task.ID, task.Strategy)
	if err := c.store.Save(state); err != nil {
		return true, err
	}

	// Each task gets fresh collaborator sessions.
	ec.ClearSessions()
	res, err := c.driver.Run(ctx, ec, task)
	if err != nil {
		// Cancellation is not a workflow failure; the task stays
		// IN_PROGRESS and the next run resumes it at its checkpoint.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return true, err
		}
		// Unmodeled failure: halt with the reason rather than guessing.
		state.Halt(fmt.Sprintf("task %s: %v", task.ID, err))
		if saveErr := c.store.Save(state); saveErr != nil {
			return true, saveErr
		}
		return true, err
	}

	c.taskCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", string(res.Kind))))

	switch res.Kind {
	case pipeline.RunCompleted:
		err = task.Transition(model.TaskCompleted)
		state.Log("task %s completed", task.ID)
	case pipeline.RunBlocked:
		err = task.Transition(model.TaskBlocked)
		state.Log("task %s blocked: %s", task.ID, res.FailureMessage)
	default:
		err = task.Transition(model.TaskFailed)
		state.Log("task %s failed: %s", task.ID, res.FailureMessage)
	}
	if err != nil {
		state.Halt(fmt.Sprintf("task %s finished in an inconsistent status: %v", task.ID, err))
		return true, c.store.Save(state)
	}
	state.CurrentIteration++

	c.logger.Info("task finished",
		zap.String("task_id", task.ID),
		zap.String("outcome", string(res.Kind)))
	return false, c.store.Save(state)
}

// handleNoTask decides what an empty schedule means: every task terminal
// with none blocked is completion; blocked work pauses for a human; an
// empty task list asks the decomposer for work. Anything else means the
// remaining tasks are unreachable (a PENDING task behind a FAILED
// dependency) and the workflow halts.
func (c *Controller) handleNoTask(ctx context.Context, state *model.WorkflowState) (bool, error) {
	if state.BlockedCount() > 0 {
		state.Status = model.WorkflowPaused
		state.HaltReason = fmt.Sprintf("%d blocked task(s) need attention", state.BlockedCount())
		state.Log("paused: %s", state.HaltReason)
		c.logger.Warn("pausing on blocked tasks",
			zap.Int("blocked", state.BlockedCount()))
		return true, c.store.Save(state)
	}

	if len(state.Tasks) > 0 {
		if state.AllTasksTerminal() {
			return true, c.complete(state)
		}
		state.Halt("no runnable tasks remain; pending tasks are behind failed or skipped dependencies")
		return true, c.store.Save(state)
	}

	tasks, err := c.decomposer.Decompose(ctx, state)
	if err != nil {
		state.Halt(fmt.Sprintf("decompose: %v", err))
		if saveErr := c.store.Save(state); saveErr != nil {
			return true, saveErr
		}
		return true, err
	}
	if len(tasks) == 0 {
		// Nothing to do at all.
		return true, c.complete(state)
	}
	for _, t := range tasks {
		if err := state.AddTask(t); err != nil {
			state.Halt(fmt.Sprintf("decomposer produced an invalid task: %v", err))
			return true, c.store.Save(state)
		}
	}
	state.Log("decomposed %d new task(s)", len(tasks))
	return false, c.store.Save(state)
}

func (c *Controller) complete(state *model.WorkflowState) error {
	state.Status = model.WorkflowCompleted
	state.Log("objective complete after %d iteration(s)", state.CurrentIteration)
	if err := c.store.Save(state); err != nil {
		return err
	}
	c.logger.Info("objective complete",
		zap.String("objective_hash", state.ObjectiveHash))
	return c.store.Archive(state.Objective)
}

// Pause flips a running workflow to PAUSED; the loop notices on its next
// reload and stops cleanly.
func (c *Controller) Pause(objective string) error {
	state, err := c.store.Load(objective)
	if err != nil {
		return err
	}
	if state.Status != model.WorkflowRunning {
		return fmt.Errorf("workflow is %s, not running", state.Status)
	}
	state.Status = model.WorkflowPaused
	state.Log("paused by operator")
	return c.store.Save(state)
}

// Resume flips a paused or halted workflow back to RUNNING, clearing any
// halt reason. Run must then be called to continue execution.
func (c *Controller) Resume(objective string) error {
	state, err := c.store.Load(objective)
	if err != nil {
		return err
	}
	switch state.Status {
	case model.WorkflowPaused, model.WorkflowHalted:
	default:
		return fmt.Errorf("workflow is %s, nothing to resume", state.Status)
	}
	state.Status = model.WorkflowRunning
	state.HaltReason = ""
	state.Log("resumed by operator")
	return c.store.Save(state)
}
