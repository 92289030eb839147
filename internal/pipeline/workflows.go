package pipeline

import (
	"sort"

	"compass-pipeline/internal/engine"
)

// Workflow names
const (
	WorkflowETL     = "etl_v1"
	WorkflowCustom  = "custom_v1"
	WorkflowSummary = "summary_v1"
)

type workflowBuilder func(r *Runner) []Stage

var workflows = map[string]workflowBuilder{
	WorkflowETL:     etlStages,
	WorkflowCustom:  customStages,
	WorkflowSummary: summaryStages,
}

// Workflows lists the registered workflow names
func Workflows() []string {
	names := make([]string, 0, len(workflows))
	for name := range workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Known reports whether name is a registered workflow
func Known(name string) bool {
	_, ok := workflows[name]
	return ok
}

// etl_v1: the full chain from identity to notification
func etlStages(r *Runner) []Stage {
	stages := []Stage{r.extractStage(), r.initializeStage(r.deps.Workspaces), r.configureStage(r.deps.Workspaces)}
	stages = append(stages, r.collectStages()...)
	for _, f := range engine.Families {
		stages = append(stages, r.metricsStage(f, metricsOptions{retryName: "metrics"}))
	}
	return append(stages, r.refreshStage(), r.notifyStage())
}

// custom_v1: metrics only, with caller weights and custom fields. Its
// workspaces live under their own root so an etl_v1 run on the same target
// keeps its collector configuration.
func customStages(r *Runner) []Stage {
	stages := []Stage{r.extractStage(), r.initializeStage(r.deps.CustomWorkspaces), r.configureStage(r.deps.CustomWorkspaces)}
	for _, f := range engine.Families {
		stages = append(stages, r.metricsStage(f, metricsOptions{
			retryName: "custom_metrics",
			outSuffix: "_custom",
			custom:    true,
		}))
	}
	return append(stages, r.notifyStage())
}

// summary_v1: rollups of the families that have a summary
func summaryStages(r *Runner) []Stage {
	stages := []Stage{r.windowStage()}
	for _, f := range engine.Families {
		if f.Title == "" {
			continue
		}
		stages = append(stages, r.summaryStage(f))
	}
	return stages
}
