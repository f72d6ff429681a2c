package controller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskd/internal/checkpoint"
	"github.com/fyrsmithlabs/taskd/internal/model"
	"github.com/fyrsmithlabs/taskd/internal/pipeline"
	"github.com/fyrsmithlabs/taskd/internal/router"
	"github.com/fyrsmithlabs/taskd/internal/store"
)

// stubExecutor completes every stage, optionally failing named tasks.
type stubExecutor struct {
	executed  []string
	failTasks map[string]pipeline.ResultKind
}

func (s *stubExecutor) result(task *model.Task) (*pipeline.StageResult, error) {
	if kind, ok := s.failTasks[task.ID]; ok {
		return &pipeline.StageResult{Kind: kind, Message: "scripted failure"}, nil
	}
	return &pipeline.StageResult{Kind: pipeline.ResultSuccess}, nil
}

func (s *stubExecutor) Research(_ context.Context, _ *pipeline.ExecutionContext, task *model.Task) (*pipeline.StageResult, error) {
	return s.result(task)
}

func (s *stubExecutor) Design(_ context.Context, _ *pipeline.ExecutionContext, task *model.Task) (*pipeline.StageResult, error) {
	return s.result(task)
}

func (s *stubExecutor) Execute(_ context.Context, _ *pipeline.ExecutionContext, task *model.Task) (*pipeline.StageResult, error) {
	s.executed = append(s.executed, task.ID)
	return s.result(task)
}

type stubValidator struct {
	failTasks map[string]bool
}

func (s *stubValidator) Validate(_ context.Context, _ *pipeline.ExecutionContext, task *model.Task) (*pipeline.Validation, error) {
	if s.failTasks[task.ID] {
		return &pipeline.Validation{Failures: []string{"unacceptable"}}, nil
	}
	return &pipeline.Validation{Passed: true}, nil
}

// stubDecomposer hands out each batch once, then reports nothing left.
type stubDecomposer struct {
	batches [][]*model.Task
	calls   int
	err     error
}

func (s *stubDecomposer) Decompose(_ context.Context, _ *model.WorkflowState) ([]*model.Task, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if len(s.batches) == 0 {
		return nil, nil
	}
	batch := s.batches[0]
	s.batches = s.batches[1:]
	return batch, nil
}

type fixedAssessor struct{ score int }

func (f *fixedAssessor) Assess(context.Context, *model.Task) (int, error) { return f.score, nil }

type fixture struct {
	controller *Controller
	store      *store.Store
	executor   *stubExecutor
	validator  *stubValidator
	decomposer *stubDecomposer
}

func newFixture(t *testing.T, objective string) *fixture {
	t.Helper()
	dir := t.TempDir()
	st, err := store.New(dir, nil)
	require.NoError(t, err)
	cm, err := checkpoint.NewManager(dir, objective, 0, nil)
	require.NoError(t, err)

	f := &fixture{
		store:      st,
		executor:   &stubExecutor{failTasks: map[string]pipeline.ResultKind{}},
		validator:  &stubValidator{failTasks: map[string]bool{}},
		decomposer: &stubDecomposer{},
	}
	driver := pipeline.NewDriver(f.executor, f.validator, cm, pipeline.RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        time.Millisecond,
		BackoffMultiplier: 1.0,
	}, nil)
	rt := router.New(&fixedAssessor{score: 10}, 0, nil)
	f.controller, err = New(st, rt, driver, f.decomposer, nil)
	require.NoError(t, err)
	return f
}

func TestRunFreshObjectiveToCompletion(t *testing.T) {
	f := newFixture(t, "ship it")
	f.decomposer.batches = [][]*model.Task{{
		{ID: "a", Description: "step one"},
		{ID: "b", Description: "step two", DependsOn: []string{"a"}},
	}}

	require.NoError(t, f.controller.Run(context.Background(), "ship it", 20))
	assert.Equal(t, []string{"a", "b"}, f.executor.executed)

	// Completed state is archived; a fresh load sees nothing.
	_, err := f.store.Load("ship it")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// All tasks terminal means done; the decomposer is not asked again.
	assert.Equal(t, 1, f.decomposer.calls)
}

func TestRunMarksInProgressBeforeExecution(t *testing.T) {
	f := newFixture(t, "obj")
	state := model.NewWorkflowState("obj", 20)
	require.NoError(t, state.AddTask(&model.Task{ID: "boom", Description: "will fail"}))
	require.NoError(t, state.AddTask(&model.Task{ID: "after", DependsOn: []string{"boom"}}))
	require.NoError(t, f.store.Save(state))
	f.executor.failTasks["boom"] = pipeline.ResultFatal

	require.NoError(t, f.controller.Run(context.Background(), "obj", 20))

	got, err := f.store.Load("obj")
	require.NoError(t, err)
	task, err := got.Task("boom")
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, task.Status)
	assert.NotNil(t, task.StartedAt)
	assert.Equal(t, "scripted failure", task.LastFailureMessage)

	// The dependent task is unreachable, so the workflow halts rather
	// than spinning or completing.
	assert.Equal(t, model.WorkflowHalted, got.Status)
	assert.Contains(t, got.HaltReason, "no runnable tasks")
}

func TestRunPausesOnBlockedTask(t *testing.T) {
	f := newFixture(t, "obj")
	state := model.NewWorkflowState("obj", 20)
	require.NoError(t, state.AddTask(&model.Task{ID: "stuck", Description: "never validates"}))
	require.NoError(t, f.store.Save(state))
	f.validator.failTasks["stuck"] = true

	require.NoError(t, f.controller.Run(context.Background(), "obj", 20))

	got, err := f.store.Load("obj")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowPaused, got.Status)
	assert.Contains(t, got.HaltReason, "1 blocked task")
	task, err := got.Task("stuck")
	require.NoError(t, err)
	assert.Equal(t, model.TaskBlocked, task.Status)
	// The decomposer is never asked to route around blocked work.
	assert.Equal(t, 0, f.decomposer.calls)
}

func TestRunHaltsOnIterationBudget(t *testing.T) {
	f := newFixture(t, "obj")
	state := model.NewWorkflowState("obj", 2)
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, state.AddTask(&model.Task{ID: id}))
	}
	require.NoError(t, f.store.Save(state))

	require.NoError(t, f.controller.Run(context.Background(), "obj", 2))

	got, err := f.store.Load("obj")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowHalted, got.Status)
	assert.Contains(t, got.HaltReason, "iteration budget")
	assert.Len(t, f.executor.executed, 2)
}

func TestRunHaltsOnCycleIntroducedByEdit(t *testing.T) {
	f := newFixture(t, "obj")
	state := model.NewWorkflowState("obj", 20)
	require.NoError(t, state.AddTask(&model.Task{ID: "a"}))
	require.NoError(t, state.AddTask(&model.Task{ID: "b", DependsOn: []string{"a"}}))
	// A hand-edit wires a into b, closing a cycle.
	state.Tasks[0].DependsOn = []string{"b"}
	require.NoError(t, f.store.Save(state))

	require.NoError(t, f.controller.Run(context.Background(), "obj", 20))

	got, err := f.store.Load("obj")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowHalted, got.Status)
	assert.Contains(t, got.HaltReason, "invalid task graph")
	assert.Empty(t, f.executor.executed)
}

func TestRunHaltsOnDecomposerError(t *testing.T) {
	f := newFixture(t, "obj")
	f.decomposer.err = errors.New("planner unavailable")

	err := f.controller.Run(context.Background(), "obj", 20)
	require.Error(t, err)

	got, err := f.store.Load("obj")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowHalted, got.Status)
	assert.Contains(t, got.HaltReason, "planner unavailable")
}

func TestRunResumesInterruptedTask(t *testing.T) {
	f := newFixture(t, "obj")
	state := model.NewWorkflowState("obj", 20)
	crashed := &model.Task{ID: "crashed", Strategy: model.StrategyQuick}
	require.NoError(t, state.AddTask(crashed))
	require.NoError(t, crashed.Transition(model.TaskInProgress))
	require.NoError(t, state.AddTask(&model.Task{ID: "fresh", Priority: model.PriorityCritical}))
	require.NoError(t, f.store.Save(state))

	require.NoError(t, f.controller.Run(context.Background(), "obj", 20))

	// The interrupted task ran before the higher-priority pending one.
	require.GreaterOrEqual(t, len(f.executor.executed), 2)
	assert.Equal(t, "crashed", f.executor.executed[0])
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t, "obj")
	state := model.NewWorkflowState("obj", 20)
	require.NoError(t, f.store.Save(state))

	require.NoError(t, f.controller.Pause("obj"))
	got, err := f.store.Load("obj")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowPaused, got.Status)

	// Pausing twice is an error.
	require.Error(t, f.controller.Pause("obj"))

	require.NoError(t, f.controller.Resume("obj"))
	got, err = f.store.Load("obj")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowRunning, got.Status)

	// Resuming a running workflow is an error.
	require.Error(t, f.controller.Resume("obj"))
}

func TestResumeClearsHaltReason(t *testing.T) {
	f := newFixture(t, "obj")
	state := model.NewWorkflowState("obj", 20)
	state.Halt("something broke")
	require.NoError(t, f.store.Save(state))

	require.NoError(t, f.controller.Resume("obj"))
	got, err := f.store.Load("obj")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowRunning, got.Status)
	assert.Empty(t, got.HaltReason)
}

func TestRunStopsWhenPausedMidRun(t *testing.T) {
	f := newFixture(t, "obj")
	state := model.NewWorkflowState("obj", 20)
	state.Status = model.WorkflowPaused
	require.NoError(t, state.AddTask(&model.Task{ID: "a"}))
	require.NoError(t, f.store.Save(state))

	require.NoError(t, f.controller.Run(context.Background(), "obj", 20))
	assert.Empty(t, f.executor.executed)
}

func TestRunRespectsContextCancellation(t *testing.T) {
	f := newFixture(t, "obj")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := f.controller.Run(ctx, "obj", 20)
	assert.ErrorIs(t, err, context.Canceled)
}
