package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"compass-pipeline/internal/model"
	"compass-pipeline/internal/telemetry"
)

// RunStore persists run state. Implemented by store.DB.
type RunStore interface {
	SaveRun(ctx context.Context, req model.Request) error
	UpdateRunStatus(ctx context.Context, runID, status string) error
	SaveRunContext(ctx context.Context, runID string, flat map[string]interface{}) error
	SaveRunError(ctx context.Context, runID, stage string, err error) error
	SaveStageProgress(ctx context.Context, p model.StageProgress) error
}

// tracker records run and stage state in the run store and in metrics.
// Persistence failures are logged and never fail the run.
type tracker struct {
	runs    RunStore
	metrics *telemetry.Metrics
	logger  *zap.Logger
}

func (t *tracker) started(ctx context.Context, req model.Request) {
	t.metrics.ActiveRuns.Inc()
	if t.runs == nil {
		return
	}
	t.check("save run", t.runs.SaveRun(ctx, req))
	t.check("update run status", t.runs.UpdateRunStatus(ctx, req.ID, model.StatusRunning))
}

func (t *tracker) stage(ctx context.Context, c *model.Context, name, outcome string, attempts int, started time.Time, finished *time.Time) {
	t.metrics.StageExecutions.WithLabelValues(c.Workflow, name, outcome).Inc()
	if attempts > 1 {
		t.metrics.StageRetries.WithLabelValues(c.Workflow, name).Add(float64(attempts - 1))
	}
	if finished != nil {
		t.metrics.StageDuration.WithLabelValues(c.Workflow, name).Observe(finished.Sub(started).Seconds())
	}
	if t.runs == nil {
		return
	}
	t.check("save stage progress", t.runs.SaveStageProgress(ctx, model.StageProgress{
		RunID:      c.RunID,
		Stage:      name,
		Outcome:    outcome,
		Attempts:   attempts,
		StartedAt:  started,
		FinishedAt: finished,
	}))
	t.check("save run context", t.runs.SaveRunContext(ctx, c.RunID, c.Flatten()))
}

func (t *tracker) finished(ctx context.Context, c *model.Context, began time.Time, stage string, runErr error) {
	status := model.StatusCompleted
	if runErr != nil {
		status = model.StatusFailed
	}
	t.metrics.ActiveRuns.Dec()
	t.metrics.Runs.WithLabelValues(c.Workflow, status).Inc()
	t.metrics.RunDuration.WithLabelValues(c.Workflow).Observe(time.Since(began).Seconds())
	if t.runs == nil {
		return
	}
	if runErr != nil {
		t.check("save run error", t.runs.SaveRunError(ctx, c.RunID, stage, runErr))
	}
	t.check("save run context", t.runs.SaveRunContext(ctx, c.RunID, c.Flatten()))
	t.check("update run status", t.runs.UpdateRunStatus(ctx, c.RunID, status))
}

func (t *tracker) check(what string, err error) {
	if err != nil {
		t.logger.Warn("run tracking failed", zap.String("op", what), zap.Error(err))
	}
}
