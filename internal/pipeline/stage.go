package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"compass-pipeline/internal/model"
	"compass-pipeline/internal/retry"
)

// Stage is one step of a workflow
type Stage struct {
	Name     string
	Requires []model.Slot
	// Enabled decides from the context whether the stage runs. nil means
	// always.
	Enabled func(c *model.Context) bool
	Retry   retry.Config
	Run     func(ctx context.Context, st *RunState) error
}

// RunState is what a stage works on: the run context plus the run logger
type RunState struct {
	*model.Context
	Logger *zap.Logger

	closers []func() error
}

func (st *RunState) close() {
	for i := len(st.closers) - 1; i >= 0; i-- {
		_ = st.closers[i]()
	}
	st.closers = nil
}

// execute runs one stage: required slots are checked, a disabled stage is
// marked skipped without calling its delegate, and an enabled one is retried
// per its budget.
func (r *Runner) execute(ctx context.Context, st *RunState, s Stage) error {
	if missing := st.Missing(s.Requires); len(missing) > 0 {
		return &MissingContextFieldError{Stage: s.Name, Missing: missing}
	}

	ctx, span := r.tracer.Start(ctx, "pipeline-stage")
	defer span.End()
	span.SetAttributes(
		attribute.String("pipeline.run_id", st.RunID),
		attribute.String("pipeline.stage", s.Name),
	)

	started := r.now()
	st.Begin(s.Name, started)

	if s.Enabled != nil && !s.Enabled(st.Context) {
		span.SetAttributes(attribute.Bool("pipeline.stage.skipped", true))
		st.Skip(s.Name)
		st.Logger.Debug("stage skipped", zap.String("stage", s.Name))
		r.tracker.stage(ctx, st.Context, s.Name, model.OutcomeSkipped, 0, started, nil)
		return nil
	}

	st.Logger.Info("stage started", zap.String("stage", s.Name))
	attempts, err := retry.Do(ctx, s.Retry, func(attempt int) error {
		if attempt > 0 {
			st.Logger.Warn("retrying stage", zap.String("stage", s.Name), zap.Int("attempt", attempt+1))
		}
		return s.Run(ctx, st)
	})
	span.SetAttributes(attribute.Int("pipeline.stage.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stage failed")
		st.Fail(s.Name, attempts, err)
		failed := r.now()
		r.tracker.stage(ctx, st.Context, s.Name, model.OutcomeFailed, attempts, started, &failed)
		return &StageError{Stage: s.Name, Attempts: attempts, Err: err}
	}

	span.SetStatus(codes.Ok, "stage finished")
	finished := r.now()
	st.Finish(s.Name, finished, attempts)
	r.tracker.stage(ctx, st.Context, s.Name, model.OutcomeExecuted, attempts, started, &finished)
	st.Logger.Info("stage finished",
		zap.String("stage", s.Name),
		zap.Int("attempts", attempts),
		zap.Duration("took", finished.Sub(started)))
	return nil
}

func (r *Runner) now() time.Time {
	return r.deps.Now()
}
