package model

import (
	"time"
)

// Slot names a typed field of the Context that a stage may require
type Slot string

const (
	SlotIdentity    Slot = "identity"
	SlotWorkspace   Slot = "workspace"
	SlotBackendPlan Slot = "backend_plan"
	SlotIndices     Slot = "indices"
)

// SkippedMarker is the finished_at value recorded for a skipped stage
const SkippedMarker = "skipped"

// StageRecord tracks one stage of a run
type StageRecord struct {
	Stage      string      `json:"stage"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Skipped    bool        `json:"skipped"`
	Attempts   int         `json:"attempts"`
	Error      string      `json:"error,omitempty"`
	Params     interface{} `json:"params,omitempty"` // stage-specific parameters
}

// Context accumulates state across the stages of one pipeline run. Stages add
// slots and overwrite only their own StageRecord; nothing is ever removed.
type Context struct {
	RunID     string                 `json:"run_id"`
	Workflow  string                 `json:"workflow"`
	Payload   map[string]interface{} `json:"-"`
	Flags     Flags                  `json:"flags"`
	Target    *Target                `json:"target,omitempty"`
	Aggregate *Aggregate             `json:"aggregate,omitempty"`
	Workspace *WorkspacePaths        `json:"workspace,omitempty"`
	Plan      *BackendPlan           `json:"plan,omitempty"`
	Indices   *Indices               `json:"indices,omitempty"`
	Stages    []StageRecord          `json:"stages"`
}

// NewContext creates an empty context for a run
func NewContext(runID, workflow string, payload map[string]interface{}) *Context {
	return &Context{
		RunID:    runID,
		Workflow: workflow,
		Payload:  payload,
	}
}

// Has reports whether a slot has been populated
func (c *Context) Has(slot Slot) bool {
	switch slot {
	case SlotIdentity:
		return c.Target != nil || c.Aggregate != nil
	case SlotWorkspace:
		return c.Workspace != nil
	case SlotBackendPlan:
		return c.Plan != nil
	case SlotIndices:
		return c.Indices != nil
	default:
		return false
	}
}

// Missing returns the required slots that are not yet populated
func (c *Context) Missing(required []Slot) []Slot {
	var missing []Slot
	for _, slot := range required {
		if !c.Has(slot) {
			missing = append(missing, slot)
		}
	}
	return missing
}

// IsAggregate reports whether the run targets a community template
func (c *Context) IsAggregate() bool {
	return c.Aggregate != nil
}

// Label is the identifier metrics are reported under: the repository url
// for a single target, the community name for an aggregate.
func (c *Context) Label() string {
	switch {
	case c.Aggregate != nil:
		return c.Aggregate.Name
	case c.Target != nil:
		return c.Target.URL
	default:
		return ""
	}
}

// Key is the community parameter handed to the metrics engine
func (c *Context) Key() string {
	switch {
	case c.Aggregate != nil:
		return c.Aggregate.Name
	case c.Target != nil:
		return c.Target.Key
	default:
		return ""
	}
}

// Platform returns the origin platform of the run
func (c *Context) Platform() Platform {
	switch {
	case c.Aggregate != nil:
		return c.Aggregate.Platform
	case c.Target != nil:
		return c.Target.Platform
	default:
		return ""
	}
}

// Hash returns the content hash the workspace is sharded by
func (c *Context) Hash() string {
	switch {
	case c.Aggregate != nil:
		return c.Aggregate.Hash
	case c.Target != nil:
		return c.Target.Hash
	default:
		return ""
	}
}

func (c *Context) record(stage string) *StageRecord {
	for i := range c.Stages {
		if c.Stages[i].Stage == stage {
			return &c.Stages[i]
		}
	}
	c.Stages = append(c.Stages, StageRecord{Stage: stage})
	return &c.Stages[len(c.Stages)-1]
}

// Begin marks a stage as started. Calling it again on retry keeps the first
// start time.
func (c *Context) Begin(stage string, at time.Time) {
	rec := c.record(stage)
	if rec.StartedAt.IsZero() {
		rec.StartedAt = at
	}
}

// Finish marks a stage as executed
func (c *Context) Finish(stage string, at time.Time, attempts int) {
	rec := c.record(stage)
	rec.FinishedAt = &at
	rec.Attempts = attempts
	rec.Error = ""
}

// Skip marks a stage as skipped
func (c *Context) Skip(stage string) {
	rec := c.record(stage)
	rec.Skipped = true
}

// Fail records the last error of a stage that exhausted its retries
func (c *Context) Fail(stage string, attempts int, err error) {
	rec := c.record(stage)
	rec.Attempts = attempts
	if err != nil {
		rec.Error = err.Error()
	}
}

// SetParams stores the stage-specific parameters
func (c *Context) SetParams(stage string, params interface{}) {
	c.record(stage).Params = params
}

// Stage returns the record of a stage
func (c *Context) Stage(stage string) (StageRecord, bool) {
	for _, rec := range c.Stages {
		if rec.Stage == stage {
			return rec, true
		}
	}
	return StageRecord{}, false
}

// Flatten renders the context as the accumulating key/value map returned to
// callers: <stage>_started_at and <stage>_finished_at per stage, where
// finished_at is a timestamp or "skipped".
func (c *Context) Flatten() map[string]interface{} {
	out := map[string]interface{}{
		"run_id":   c.RunID,
		"workflow": c.Workflow,
		"level":    string(c.Flags.Level),
	}
	if c.Target != nil {
		out["project_url"] = c.Target.URL
		out["project_key"] = c.Target.Key
		out["project_hash"] = c.Target.Hash
		out["domain_name"] = string(c.Target.Platform)
	}
	if c.Aggregate != nil {
		out["project_yaml_url"] = c.Aggregate.SourceURL
		out["project_key"] = c.Aggregate.Name
		out["project_hash"] = c.Aggregate.Hash
		out["domain_name"] = string(c.Aggregate.Platform)
	}
	if c.Workspace != nil {
		out["project_configs_dir"] = c.Workspace.Root
		out["project_logs_dir"] = c.Workspace.Logs
		out["project_metrics_dir"] = c.Workspace.Metrics
		out["project_data_path"] = c.Workspace.ProjectFile
		out["metrics_data_path"] = c.Workspace.MetricsFile
		out["project_setup_path"] = c.Workspace.SetupFile
	}
	if c.Plan != nil {
		out["project_backends"] = c.Plan.Names()
	}
	if c.Indices != nil {
		out["project_issues_index"] = c.Indices.Issues
		out["project_pulls_index"] = c.Indices.Pulls
		out["project_git_index"] = c.Indices.Git
		out["project_repo_index"] = c.Indices.Repo
		out["project_release_index"] = c.Indices.Releases
	}
	for _, rec := range c.Stages {
		if !rec.StartedAt.IsZero() {
			out[rec.Stage+"_started_at"] = rec.StartedAt.Format(time.RFC3339Nano)
		}
		switch {
		case rec.Skipped:
			out[rec.Stage+"_finished_at"] = SkippedMarker
		case rec.FinishedAt != nil:
			out[rec.Stage+"_finished_at"] = rec.FinishedAt.Format(time.RFC3339Nano)
		}
		if rec.Params != nil {
			out[rec.Stage+"_params"] = rec.Params
		}
		if rec.Error != "" {
			out[rec.Stage+"_error"] = rec.Error
		}
	}
	return out
}
