// Package router assigns an execution strategy to a task based on an
// assessed complexity score.
package router

import (
	"context"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/model"
)

// DefaultQuickThreshold is the score at or below which a task takes the
// single-stage quick path.
const DefaultQuickThreshold = 20

// defaultScore is assumed when the assessor cannot produce a score; an
// unassessable task gets the conservative full pipeline.
const defaultScore = 50

// Assessor scores a task's complexity on a 0-100 scale.
type Assessor interface {
	Assess(ctx context.Context, task *model.Task) (int, error)
}

// Router chooses between the quick and full pipelines.
type Router struct {
	assessor       Assessor
	quickThreshold int
	logger         *zap.Logger
}

// New creates a Router. A non-positive threshold falls back to the default.
func New(assessor Assessor, quickThreshold int, logger *zap.Logger) *Router {
	if quickThreshold <= 0 {
		quickThreshold = DefaultQuickThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{assessor: assessor, quickThreshold: quickThreshold, logger: logger}
}

// Route assesses the task and records the resulting score and strategy on
// it. An assessor failure is not fatal: the task is scored at the default
// and routed accordingly.
func (r *Router) Route(ctx context.Context, task *model.Task) model.Strategy {
	score, err := r.assessor.Assess(ctx, task)
	if err != nil {
		r.logger.Warn("complexity assessment failed, using default score",
			zap.String("task_id", task.ID),
			zap.Int("default_score", defaultScore),
			zap.Error(err))
		score = defaultScore
	}
	score = clamp(score)

	strategy := model.StrategyFull
	if score <= r.quickThreshold {
		strategy = model.StrategyQuick
	}
	task.ComplexityScore = &score
	task.Strategy = strategy
	r.logger.Debug("task routed",
		zap.String("task_id", task.ID),
		zap.Int("score", score),
		zap.String("strategy", string(strategy)))
	return strategy
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
