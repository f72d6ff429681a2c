// Package checkpoint persists per-task pipeline progress so an interrupted
// run resumes at the first incomplete stage instead of starting over.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/model"
	"github.com/fyrsmithlabs/taskd/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/taskd/internal/checkpoint"

// DefaultMaxAge is how long a checkpoint stays usable. Older checkpoints
// are discarded on load; the work context they describe has gone stale.
const DefaultMaxAge = 24 * time.Hour

// Manager loads and saves checkpoints for tasks within one objective.
type Manager interface {
	// Load returns the checkpoint for a task, or nil when none exists.
	// Stale checkpoints and checkpoints whose recorded artifacts no
	// longer exist on disk are cleared and reported as absent.
	Load(ctx context.Context, taskID string) (*Checkpoint, error)
	// RecordAttempt increments and persists the attempt counter for a
	// stage before the attempt runs, so a crash mid-attempt still counts.
	RecordAttempt(ctx context.Context, taskID string, stage Stage) (int, error)
	// CompleteStage marks a stage done and stores its result artifacts.
	CompleteStage(ctx context.Context, taskID string, stage Stage, result map[string]string) error
	// ResetStage discards a stage's record so it reruns from attempt one.
	ResetStage(ctx context.Context, taskID string, stage Stage) error
	// Clear removes the checkpoint for a task entirely.
	Clear(ctx context.Context, taskID string) error
	// ClearAll removes every checkpoint recorded for the objective.
	ClearAll(ctx context.Context) error
}

type manager struct {
	dir       string
	objective string
	hash      string
	maxAge    time.Duration
	now       func() time.Time
	logger    *zap.Logger

	tracer       trace.Tracer
	saveCounter  metric.Int64Counter
	clearCounter metric.Int64Counter
}

// NewManager creates a Manager writing checkpoints for one objective under
// dir. A non-positive maxAge uses DefaultMaxAge.
func NewManager(dir, objective string, maxAge time.Duration, logger *zap.Logger) (Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}

	meter := otel.Meter(instrumentationName)
	saveCounter, err := meter.Int64Counter("checkpoint.saves",
		metric.WithDescription("Number of checkpoint writes"))
	if err != nil {
		return nil, fmt.Errorf("create save counter: %w", err)
	}
	clearCounter, err := meter.Int64Counter("checkpoint.clears",
		metric.WithDescription("Number of checkpoint removals"))
	if err != nil {
		return nil, fmt.Errorf("create clear counter: %w", err)
	}

	return &manager{
		dir:          dir,
		objective:    objective,
		hash:         model.HashObjective(objective),
		maxAge:       maxAge,
		now:          func() time.Time { return time.Now().UTC() },
		logger:       logger,
		tracer:       otel.Tracer(instrumentationName),
		saveCounter:  saveCounter,
		clearCounter: clearCounter,
	}, nil
}

func (m *manager) path(taskID string) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s.%s.checkpoint.json", m.hash, taskID))
}

func (m *manager) Load(ctx context.Context, taskID string) (*Checkpoint, error) {
	ctx, span := m.tracer.Start(ctx, "checkpoint.Load",
		trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	path := m.path(taskID)
	data, err := store.ReadFileShared(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		m.logger.Warn("corrupt checkpoint, discarding",
			zap.String("path", path), zap.Error(err))
		return nil, m.Clear(ctx, taskID)
	}
	if cp.Objective != m.objective {
		return nil, fmt.Errorf("%w: have %q", ErrObjectiveMismatch, cp.Objective)
	}
	if m.now().Sub(cp.UpdatedAt) > m.maxAge {
		m.logger.Info("stale checkpoint, discarding",
			zap.String("task_id", taskID),
			zap.Time("updated_at", cp.UpdatedAt))
		return nil, m.Clear(ctx, taskID)
	}
	if !m.artifactsValid(&cp) {
		m.logger.Warn("checkpoint references missing artifacts, discarding",
			zap.String("task_id", taskID))
		return nil, m.Clear(ctx, taskID)
	}
	return &cp, nil
}

// artifactsValid checks that every absolute path recorded as a stage
// artifact still exists. Non-path result values (inline content, refs)
// are not checked.
func (m *manager) artifactsValid(cp *Checkpoint) bool {
	for _, rec := range cp.Stages {
		for _, v := range rec.Result {
			if !filepath.IsAbs(v) {
				continue
			}
			if _, err := os.Stat(v); err != nil {
				return false
			}
		}
	}
	return true
}

// loadForWrite reads the existing checkpoint or creates an empty one,
// refusing to touch a file recorded for a different objective.
func (m *manager) loadForWrite(taskID string) (*Checkpoint, error) {
	data, err := store.ReadFileShared(m.path(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return &Checkpoint{
				Objective: m.objective,
				TaskID:    taskID,
				Stages:    map[Stage]*StageRecord{},
			}, nil
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return &Checkpoint{
			Objective: m.objective,
			TaskID:    taskID,
			Stages:    map[Stage]*StageRecord{},
		}, nil
	}
	if cp.Objective != m.objective {
		return nil, fmt.Errorf("%w: have %q", ErrObjectiveMismatch, cp.Objective)
	}
	if cp.Stages == nil {
		cp.Stages = map[Stage]*StageRecord{}
	}
	return &cp, nil
}

func (m *manager) save(ctx context.Context, cp *Checkpoint) error {
	cp.UpdatedAt = m.now()
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := store.WriteFileAtomic(m.path(cp.TaskID), data); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	m.saveCounter.Add(ctx, 1)
	return nil
}

func (m *manager) RecordAttempt(ctx context.Context, taskID string, stage Stage) (int, error) {
	ctx, span := m.tracer.Start(ctx, "checkpoint.RecordAttempt",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("stage", string(stage))))
	defer span.End()

	cp, err := m.loadForWrite(taskID)
	if err != nil {
		return 0, err
	}
	rec, ok := cp.Stages[stage]
	if !ok {
		rec = &StageRecord{Stage: stage}
		cp.Stages[stage] = rec
	}
	rec.AttemptCount++
	if err := m.save(ctx, cp); err != nil {
		return 0, err
	}
	return rec.AttemptCount, nil
}

func (m *manager) CompleteStage(ctx context.Context, taskID string, stage Stage, result map[string]string) error {
	ctx, span := m.tracer.Start(ctx, "checkpoint.CompleteStage",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("stage", string(stage))))
	defer span.End()

	cp, err := m.loadForWrite(taskID)
	if err != nil {
		return err
	}
	rec, ok := cp.Stages[stage]
	if !ok {
		rec = &StageRecord{Stage: stage}
		cp.Stages[stage] = rec
	}
	now := m.now()
	rec.CompletedAt = &now
	rec.Result = result
	if err := m.save(ctx, cp); err != nil {
		return err
	}
	m.logger.Debug("stage checkpointed",
		zap.String("task_id", taskID),
		zap.String("stage", string(stage)),
		zap.Int("attempts", rec.AttemptCount))
	return nil
}

func (m *manager) ResetStage(ctx context.Context, taskID string, stage Stage) error {
	ctx, span := m.tracer.Start(ctx, "checkpoint.ResetStage",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("stage", string(stage))))
	defer span.End()

	cp, err := m.loadForWrite(taskID)
	if err != nil {
		return err
	}
	delete(cp.Stages, stage)
	return m.save(ctx, cp)
}

func (m *manager) Clear(ctx context.Context, taskID string) error {
	_, span := m.tracer.Start(ctx, "checkpoint.Clear",
		trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	err := os.Remove(m.path(taskID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	if err == nil {
		m.clearCounter.Add(ctx, 1)
	}
	return nil
}

func (m *manager) ClearAll(ctx context.Context) error {
	matches, err := filepath.Glob(filepath.Join(m.dir, m.hash+".*.checkpoint.json"))
	if err != nil {
		return fmt.Errorf("list checkpoints: %w", err)
	}
	for _, path := range matches {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("clear checkpoint %s: %w", path, err)
		}
		m.clearCounter.Add(ctx, 1)
	}
	return nil
}
