package pipeline

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"compass-pipeline/internal/backend"
	"compass-pipeline/internal/collector"
	"compass-pipeline/internal/engine"
	"compass-pipeline/internal/logging"
	"compass-pipeline/internal/model"
	"compass-pipeline/internal/notify"
	"compass-pipeline/internal/retry"
	"compass-pipeline/internal/store"
	"compass-pipeline/internal/workspace"
)

// Stage names
const (
	StageExtract    = "extract"
	StageInitialize = "initialize"
	StageConfigure  = "configure"
	StageRaw        = "raw"
	StageEnrich     = "enrich"
	StageIdentities = "identities"
	StagePanels     = "panels"
	StageRefresh    = "refresh"
	StageNotify     = "notify"
)

// MetricsStage names the stage computing a metric family
func MetricsStage(family string) string { return "metrics_" + family }

// SummaryStage names the stage rolling up a metric family
func SummaryStage(family string) string { return "summary_" + family }

// extract derives the identity of the run from its payload. Every error is
// a validation error and is never retried.
func (r *Runner) extractStage() Stage {
	return Stage{
		Name: StageExtract,
		Run: func(ctx context.Context, st *RunState) error {
			f := st.Flags
			switch {
			case f.TemplateURL != "":
				agg, err := r.deps.Templates.Load(ctx, f.TemplateURL)
				if err != nil {
					return retry.Permanent(err)
				}
				st.Aggregate = agg
			case f.ProjectURL != "":
				target, err := workspace.DeriveIdentity(f.ProjectURL)
				if err != nil {
					return retry.Permanent(err)
				}
				st.Target = &target
			default:
				return retry.Permanent(&ValidationError{
					Field:  "project_url",
					Reason: "one of project_url or project_template_yaml is required",
				})
			}
			st.Logger = st.Logger.With(zap.String("label", st.Label()))
			st.SetParams(StageExtract, map[string]interface{}{
				"label":  st.Label(),
				"level":  string(f.Level),
				"domain": string(st.Platform()),
			})
			return nil
		},
	}
}

// initialize provisions the workspace under ws, opens the run log and writes
// the metrics input artifact
func (r *Runner) initializeStage(ws *workspace.Manager) Stage {
	return Stage{
		Name:     StageInitialize,
		Requires: []model.Slot{model.SlotIdentity},
		Run: func(ctx context.Context, st *RunState) error {
			paths, err := ws.Provision(st.Hash())
			if err != nil {
				return err
			}
			st.Workspace = &paths

			if len(st.closers) == 0 {
				logger, closeLog, err := logging.ForRun(st.Logger, paths.LogFile, r.deps.Config.Debug || st.Flags.Debug)
				if err != nil {
					st.Logger.Warn("run log unavailable", zap.Error(err))
				} else {
					st.Logger = logger
					st.closers = append(st.closers, closeLog)
				}
			}

			if st.IsAggregate() {
				return ws.WriteMetricsInputArtifact(paths, workspace.MetricsInputForAggregate(st.Aggregate))
			}
			return ws.WriteMetricsInputArtifact(paths, workspace.MetricsInputForTarget(*st.Target))
		},
	}
}

// configure plans the collector backends and writes the project definition
// and backend configuration artifacts in the workspace initialize provisioned
func (r *Runner) configureStage(ws *workspace.Manager) Stage {
	return Stage{
		Name:     StageConfigure,
		Requires: []model.Slot{model.SlotIdentity, model.SlotWorkspace},
		Run: func(ctx context.Context, st *RunState) error {
			var (
				plan    model.BackendPlan
				targets []model.Target
			)
			if st.IsAggregate() {
				plan = r.deps.Planner.PlanAggregate(st.Aggregate, st.Flags.Categories, st.Flags.Window)
				targets = st.Aggregate.UniqueTargets()
			} else {
				plan = r.deps.Planner.Plan(st.Target.Platform, st.Flags.Categories, st.Flags.Window)
				targets = []model.Target{*st.Target}
			}

			if err := ws.WriteProjectArtifact(*st.Workspace, backend.ProjectSections(plan, targets)); err != nil {
				return err
			}
			general := workspace.GeneralSettings{
				OutputStoreURL: r.deps.Config.OutputStoreURL,
				Template:       r.deps.Config.Collector.ConfigTemplate,
			}
			if err := ws.WriteBackendConfig(*st.Workspace, plan, general); err != nil {
				return err
			}

			indices := backend.Indices(st.Platform())
			st.Plan = &plan
			st.Indices = &indices
			st.SetParams(StageConfigure, map[string]interface{}{"backends": plan.Names()})
			return nil
		},
	}
}

// collectStage runs the collector with the switches pick selects from the
// flags. The stage is skipped when pick selects none.
func (r *Runner) collectStage(name string, pick func(model.Flags) collector.Switches) Stage {
	return Stage{
		Name:     name,
		Requires: []model.Slot{model.SlotWorkspace, model.SlotBackendPlan},
		Enabled:  func(c *model.Context) bool { return pick(c.Flags) != collector.Switches{} },
		Retry:    r.deps.Config.RetryFor(name),
		Run: func(ctx context.Context, st *RunState) error {
			return r.deps.Collector.Run(ctx, collector.Invocation{
				ConfigPath: st.Workspace.SetupFile,
				Backends:   st.Plan.Names(),
				Switches:   pick(st.Flags),
			})
		},
	}
}

func (r *Runner) collectStages() []Stage {
	return []Stage{
		r.collectStage(StageRaw, func(f model.Flags) collector.Switches {
			return collector.Switches{Raw: f.Raw}
		}),
		r.collectStage(StageEnrich, func(f model.Flags) collector.Switches {
			return collector.Switches{Enrich: f.Enrich}
		}),
		r.collectStage(StageIdentities, func(f model.Flags) collector.Switches {
			return collector.Switches{IdentitiesLoad: f.IdentitiesLoad, IdentitiesMerge: f.IdentitiesMerge}
		}),
		r.collectStage(StagePanels, func(f model.Flags) collector.Switches {
			return collector.Switches{Panels: f.Panels}
		}),
	}
}

// metricsOptions distinguish the standard and the custom metric runs
type metricsOptions struct {
	retryName string
	outSuffix string
	custom    bool
}

// metricsStage computes one family and records the computation in the
// output store
func (r *Runner) metricsStage(family engine.Family, opts metricsOptions) Stage {
	name := MetricsStage(family.Name)
	return Stage{
		Name:     name,
		Requires: []model.Slot{model.SlotIdentity, model.SlotWorkspace, model.SlotIndices},
		Enabled:  func(c *model.Context) bool { return c.Flags.MetricEnabled(family.Name) },
		Retry:    r.deps.Config.RetryFor(opts.retryName),
		Run: func(ctx context.Context, st *RunState) error {
			window := r.window(st.Flags.Window)
			params := engine.NewParams(family, *st.Indices)
			params.JSONFile = st.Workspace.MetricsFile
			params.OutIndex = r.deps.Config.OutIndex(family.Name) + opts.outSuffix
			params.FromDate = window.From
			params.EndDate = window.To
			params.Community = st.Key()
			params.Level = string(st.Flags.Level)
			if opts.custom {
				params.Weights = st.Flags.Weights
				params.CustomFields = st.Flags.CustomFields
			}
			st.SetParams(name, params)

			if err := r.deps.Engine.Compute(ctx, family.Name, params); err != nil {
				return err
			}
			return r.deps.Output.Record(ctx, params.OutIndex, store.Hit{
				Label:      st.Label(),
				Level:      string(st.Flags.Level),
				FromDate:   window.From,
				EndDate:    window.To,
				ComputedAt: r.now(),
				RunID:      st.RunID,
			})
		},
	}
}

// refresh schedules single-repo runs for stale constituents of a community
func (r *Runner) refreshStage() Stage {
	return Stage{
		Name:     StageRefresh,
		Requires: []model.Slot{model.SlotIdentity},
		Enabled: func(c *model.Context) bool {
			return r.deps.Refresher != nil && c.IsAggregate() &&
				c.Flags.RefreshSubRepos && c.Flags.Level == model.LevelCommunity
		},
		Retry: r.deps.Config.RetryFor(StageRefresh),
		Run: func(ctx context.Context, st *RunState) error {
			report, err := r.deps.Refresher.CheckAndRefresh(ctx, st.Aggregate, st.Flags.Metrics, r.window(st.Flags.Window), st.RunID)
			st.SetParams(StageRefresh, report)
			if err != nil {
				return eris.Wrap(err, "check constituent freshness")
			}
			if len(report.Submitted) > 0 {
				st.Logger.Info("constituent refresh scheduled", zap.Strings("urls", report.Submitted))
			}
			return nil
		},
	}
}

// notify reports success to the callback. Delivery problems are recorded,
// never returned.
func (r *Runner) notifyStage() Stage {
	return Stage{
		Name: StageNotify,
		Run: func(ctx context.Context, st *RunState) error {
			result := r.deps.Notifier.Notify(ctx, st.Flags.Callback, notify.Event{
				Success: true,
				Message: fmt.Sprintf("%s analysis finished", st.Label()),
				Label:   st.Label(),
				Level:   st.Flags.Level,
				Domain:  st.Platform(),
				Metrics: st.Flags.Metrics,
			})
			st.SetParams(StageNotify, result)
			if !result.Status && result.Message != notify.NoCallbackMessage {
				st.Logger.Warn("callback not delivered", zap.String("message", result.Message))
			}
			return nil
		},
	}
}

// windowStage resolves the reporting window of a run without a target
func (r *Runner) windowStage() Stage {
	return Stage{
		Name: StageInitialize,
		Run: func(ctx context.Context, st *RunState) error {
			st.SetParams(StageInitialize, r.window(st.Flags.Window))
			return nil
		},
	}
}

// summaryStage rolls a family's output index up into its summary index
func (r *Runner) summaryStage(family engine.Family) Stage {
	name := SummaryStage(family.Name)
	return Stage{
		Name:    name,
		Enabled: func(c *model.Context) bool { return c.Flags.SummaryEnabled(family.Name) },
		Retry:   r.deps.Config.RetryFor("summary"),
		Run: func(ctx context.Context, st *RunState) error {
			window := r.window(st.Flags.Window)
			source := r.deps.Config.OutIndex(family.Name)
			params := engine.SummaryParams{
				SourceIndex: source,
				Title:       family.Title,
				FromDate:    window.From,
				EndDate:     window.To,
				OutIndex:    source + "_summary",
			}
			st.SetParams(name, params)
			return r.deps.Engine.Summarize(ctx, family.Name, params)
		},
	}
}

// window fills the unset bounds of w: the configured default start and
// today
func (r *Runner) window(w model.DateWindow) model.DateWindow {
	if w.From == "" {
		w.From = r.deps.Config.DefaultFromDate
	}
	if w.To == "" {
		w.To = r.now().Format("2006-01-02")
	}
	return w
}
