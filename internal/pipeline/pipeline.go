// Package pipeline runs workflows: ordered stages over one run context.
package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"compass-pipeline/internal/backend"
	"compass-pipeline/internal/collector"
	"compass-pipeline/internal/config"
	"compass-pipeline/internal/engine"
	"compass-pipeline/internal/model"
	"compass-pipeline/internal/notify"
	"compass-pipeline/internal/refresh"
	"compass-pipeline/internal/retry"
	"compass-pipeline/internal/store"
	"compass-pipeline/internal/telemetry"
	"compass-pipeline/internal/workspace"
)

// TemplateSource resolves a community template url
type TemplateSource interface {
	Load(ctx context.Context, templateURL string) (*model.Aggregate, error)
}

// Refresher schedules runs for stale community members
type Refresher interface {
	CheckAndRefresh(ctx context.Context, agg *model.Aggregate, families []string, window model.DateWindow, parent string) (refresh.Report, error)
}

// Notifier delivers run results to callbacks
type Notifier interface {
	Notify(ctx context.Context, cb *model.Callback, ev notify.Event) notify.Result
	NotifyFailure(ctx context.Context, cb *model.Callback, task string, err error, ev notify.Event) notify.Result
}

// Deps are the collaborators of a Runner. Runs and Refresher may be nil;
// a nil Notifier becomes a dispatcher without a hook password.
// CustomWorkspaces roots custom_v1 runs apart from Workspaces.
type Deps struct {
	Config           *config.Config
	Workspaces       *workspace.Manager
	CustomWorkspaces *workspace.Manager
	Templates        TemplateSource
	Planner          *backend.Planner
	Collector        collector.Collector
	Engine           engine.Engine
	Output           store.OutputStore
	Runs             RunStore
	Refresher        Refresher
	Notifier         Notifier
	Logger           *zap.Logger
	Metrics          *telemetry.Metrics
	Now              func() time.Time
}

// Runner executes workflow requests
type Runner struct {
	deps    Deps
	tracker *tracker
	tracer  trace.Tracer
}

// NewRunner creates a runner
func NewRunner(deps Deps) *Runner {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NewNop()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NewDispatcher(nil, "", "", retry.Config{}, deps.Logger, deps.Metrics)
	}
	return &Runner{
		deps:   deps,
		tracer: otel.Tracer("compass-pipeline"),
		tracker: &tracker{
			runs:    deps.Runs,
			metrics: deps.Metrics,
			logger:  deps.Logger,
		},
	}
}

// Run executes req to completion. Stages run strictly in order; the first
// failing stage ends the run. The returned context holds everything the run
// produced, also on failure.
func (r *Runner) Run(ctx context.Context, req model.Request) (*model.Context, error) {
	ctx, span := r.tracer.Start(ctx, "pipeline-run")
	defer span.End()
	span.SetAttributes(
		attribute.String("pipeline.run_id", req.ID),
		attribute.String("pipeline.workflow", req.Name),
	)

	began := time.Now()
	c := model.NewContext(req.ID, req.Name, req.Payload)
	c.Flags = model.ParseFlags(req.Payload, engine.FamilyNames())

	st := &RunState{
		Context: c,
		Logger:  r.deps.Logger.With(zap.String("run_id", req.ID), zap.String("workflow", req.Name)),
	}
	defer st.close()

	build, ok := workflows[req.Name]
	if !ok {
		err := &ValidationError{Field: "name", Reason: "unknown workflow " + req.Name}
		st.Logger.Error("run rejected", zap.Error(err))
		return c, err
	}

	r.tracker.started(ctx, req)
	st.Logger.Info("run started", zap.Int("payload_keys", len(req.Payload)))

	for _, s := range build(r) {
		if err := r.execute(ctx, st, s); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "run failed")
			r.fail(ctx, st, s.Name, err)
			r.tracker.finished(ctx, c, began, s.Name, err)
			return c, err
		}
	}

	span.SetStatus(codes.Ok, "run completed")
	r.tracker.finished(ctx, c, began, "", nil)
	st.Logger.Info("run completed", zap.Duration("took", time.Since(began)))
	return c, nil
}

// fail reports a failed run to the callback, since the notify stage will not
// run
func (r *Runner) fail(ctx context.Context, st *RunState, stage string, err error) {
	fields := []zap.Field{zap.String("stage", stage), zap.Error(err)}
	if IsValidation(err) {
		st.Logger.Error("run rejected", fields...)
	} else {
		st.Logger.Error("run failed", fields...)
	}

	result := r.deps.Notifier.NotifyFailure(ctx, st.Flags.Callback, stage, err, notify.Event{
		Label:   r.failureLabel(st),
		Level:   st.Flags.Level,
		Domain:  st.Platform(),
		Metrics: st.Flags.Metrics,
	})
	st.SetParams(StageNotify, result)
}

// failureLabel falls back to the requested url when no identity was derived
func (r *Runner) failureLabel(st *RunState) string {
	if label := st.Label(); label != "" {
		return label
	}
	if st.Flags.TemplateURL != "" {
		return st.Flags.TemplateURL
	}
	return st.Flags.ProjectURL
}
