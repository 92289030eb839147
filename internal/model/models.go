package model

import (
	"sort"
	"strings"

	"compass-pipeline/pkg/utils"
)

// Level is the aggregation level a run computes metrics at
type Level string

const (
	LevelRepo      Level = "repo"
	LevelCommunity Level = "community"
)

// ParseLevel folds the accepted spellings into a Level. "project" is the
// legacy name for community-level runs.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "community", "project":
		return LevelCommunity
	default:
		return LevelRepo
	}
}

// DateWindow bounds the data a run collects and the metrics it computes
type DateWindow struct {
	From string `json:"from_date"` // YYYY-MM-DD
	To   string `json:"end_date"`  // YYYY-MM-DD
}

// Callback is the caller-supplied completion hook
type Callback struct {
	HookURL string                 `json:"hook_url"`
	Params  map[string]interface{} `json:"params"`
}

// Request is the body of POST /workflows and the unit of work on the queue
type Request struct {
	ID      string                 `json:"id,omitempty"`
	Name    string                 `json:"name"`
	Payload map[string]interface{} `json:"payload"`
	Parent  string                 `json:"parent,omitempty"` // run that spawned this request
}

// Flags is the typed view of a request payload, filled by the extract stage
type Flags struct {
	ProjectURL      string     `json:"project_url,omitempty"`
	TemplateURL     string     `json:"project_template_yaml,omitempty"`
	Level           Level      `json:"level"`
	Raw             bool       `json:"raw"`
	IdentitiesLoad  bool       `json:"identities_load"`
	IdentitiesMerge bool       `json:"identities_merge"`
	Enrich          bool       `json:"enrich"`
	Panels          bool       `json:"panels"`
	Debug           bool       `json:"debug"`
	RefreshSubRepos bool       `json:"refresh_sub_repos"`
	Categories      []string   `json:"categories,omitempty"`
	Metrics         []string   `json:"metrics,omitempty"`   // enabled metric families
	Summaries       []string   `json:"summaries,omitempty"` // enabled summary families
	Window          DateWindow `json:"window"`
	Weights         any        `json:"metrics_weights,omitempty"`
	CustomFields    any        `json:"metrics_custom_fields,omitempty"`
	Callback        *Callback  `json:"callback,omitempty"`
}

// MetricEnabled reports whether the metric family was requested
func (f Flags) MetricEnabled(family string) bool {
	for _, m := range f.Metrics {
		if m == family {
			return true
		}
	}
	return false
}

// SummaryEnabled reports whether the summary for a family was requested
func (f Flags) SummaryEnabled(family string) bool {
	for _, m := range f.Summaries {
		if m == family {
			return true
		}
	}
	return false
}

// ParseFlags reads the flat payload map. families lists the metric family
// names the caller may switch on with metrics_<family> and
// metrics_<family>_summary.
func ParseFlags(payload map[string]interface{}, families []string) Flags {
	flags := Flags{
		ProjectURL:      utils.String(payload["project_url"]),
		TemplateURL:     utils.String(payload["project_template_yaml"]),
		Level:           ParseLevel(utils.String(payload["level"])),
		Raw:             utils.Bool(payload["raw"]),
		IdentitiesLoad:  utils.Bool(payload["identities_load"]),
		IdentitiesMerge: utils.Bool(payload["identities_merge"]),
		Enrich:          utils.Bool(payload["enrich"]),
		Panels:          utils.Bool(payload["panels"]),
		Debug:           utils.Bool(payload["debug"]),
		RefreshSubRepos: utils.Bool(payload["refresh_sub_repos"]),
		Categories:      utils.Strings(payload["categories"]),
		Window: DateWindow{
			From: utils.String(payload["from_date"]),
			To:   utils.String(payload["end_date"]),
		},
		Weights:      payload["metrics_weights"],
		CustomFields: payload["metrics_custom_fields"],
		Callback:     parseCallback(payload["callback"]),
	}
	for _, family := range families {
		if utils.Bool(payload["metrics_"+family]) {
			flags.Metrics = append(flags.Metrics, family)
		}
		if utils.Bool(payload["metrics_"+family+"_summary"]) {
			flags.Summaries = append(flags.Summaries, family)
		}
	}
	return flags
}

func parseCallback(v interface{}) *Callback {
	raw, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	cb := &Callback{HookURL: utils.String(raw["hook_url"])}
	if params, ok := raw["params"].(map[string]interface{}); ok {
		cb.Params = params
	}
	return cb
}

// RefreshPayload builds the payload of a single-repo refresh request. Only
// the refreshed metric flags and the window are carried over.
func RefreshPayload(url string, families []string, window DateWindow) map[string]interface{} {
	sorted := append([]string(nil), families...)
	sort.Strings(sorted)
	payload := map[string]interface{}{
		"project_url": url,
		"level":       string(LevelRepo),
	}
	for _, family := range sorted {
		payload["metrics_"+family] = true
	}
	if window.From != "" {
		payload["from_date"] = window.From
	}
	if window.To != "" {
		payload["end_date"] = window.To
	}
	return payload
}
