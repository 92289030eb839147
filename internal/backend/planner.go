// Package backend turns a platform and a set of requested data source
// categories into the ordered backend plan the collector runs.
package backend

import (
	"compass-pipeline/internal/model"
	"compass-pipeline/internal/workspace"
)

// Credentials are the per-platform secrets written into backend settings
type Credentials struct {
	APIToken string
	Proxy    string
}

// Planner builds backend plans from the capability table
type Planner struct {
	creds map[model.Platform]Credentials
}

// NewPlanner creates a planner using the given platform credentials
func NewPlanner(creds map[model.Platform]Credentials) *Planner {
	if creds == nil {
		creds = map[model.Platform]Credentials{}
	}
	return &Planner{creds: creds}
}

// Plan returns the backend plan for one platform. The git backend comes
// first, then one backend per requested category in request order.
// Duplicate, unknown and unsupported categories are dropped silently.
func (p *Planner) Plan(platform model.Platform, categories []string, window model.DateWindow) model.BackendPlan {
	plan := model.BackendPlan{Platform: platform, Window: window}
	plan.Backends = append(plan.Backends, p.gitBackend(platform, window))

	for _, category := range normalizeCategories(categories) {
		c, ok := capabilities[platform][category]
		if !ok {
			continue
		}
		plan.Backends = append(plan.Backends, p.backend(platform, category, c, window))
	}
	return plan
}

// PlanAggregate plans every platform present in the aggregate, majority
// platform first. The git backend appears once.
func (p *Planner) PlanAggregate(agg *model.Aggregate, categories []string, window model.DateWindow) model.BackendPlan {
	present := make(map[model.Platform]bool)
	for _, t := range agg.UniqueTargets() {
		present[t.Platform] = true
	}

	order := []model.Platform{agg.Platform}
	for _, platform := range model.Platforms {
		if platform != agg.Platform && present[platform] {
			order = append(order, platform)
		}
	}

	plan := p.Plan(agg.Platform, categories, window)
	for _, platform := range order[1:] {
		extra := p.Plan(platform, categories, window)
		plan.Backends = append(plan.Backends, extra.Backends[1:]...)
	}
	return plan
}

func (p *Planner) gitBackend(platform model.Platform, window model.DateWindow) model.Backend {
	settings := []model.Setting{
		{Key: "raw_index", Value: string(platform) + "-git_raw"},
		{Key: "enriched_index", Value: string(platform) + "-git_enriched"},
		{Key: "category", Value: "commit"},
		{Key: "latest-items", Value: "true"},
		{Key: "no-archive", Value: "true"},
		{Key: "sleep-for-rate", Value: "true"},
	}
	settings = appendWindow(settings, window)
	return model.Backend{Name: "git", Category: categoryCommit, Settings: settings}
}

func (p *Planner) backend(platform model.Platform, category string, c capability, window model.DateWindow) model.Backend {
	prefix := indexPrefix(platform, c)
	settings := []model.Setting{
		{Key: "raw_index", Value: prefix + "-" + c.stem + "_raw"},
		{Key: "enriched_index", Value: prefix + "-" + c.stem + "_enriched"},
		{Key: "category", Value: c.dataType},
		{Key: "no-archive", Value: "true"},
		{Key: "sleep-for-rate", Value: "true"},
	}
	if c.dateWindow {
		settings = appendWindow(settings, window)
	}

	creds := p.creds[platform]
	if creds.APIToken != "" {
		settings = append(settings, model.Setting{Key: "api-token", Value: creds.APIToken})
	}
	if creds.Proxy != "" {
		settings = append(settings, model.Setting{Key: "proxy", Value: creds.Proxy})
	}
	return model.Backend{Name: c.backend, Category: category, Settings: settings}
}

func appendWindow(settings []model.Setting, window model.DateWindow) []model.Setting {
	if window.From != "" {
		settings = append(settings, model.Setting{Key: "from-date", Value: window.From})
	}
	if window.To != "" {
		settings = append(settings, model.Setting{Key: "to-date", Value: window.To})
	}
	return settings
}

func normalizeCategories(categories []string) []string {
	if len(categories) == 0 {
		return DefaultCategories
	}
	seen := make(map[string]bool, len(categories))
	out := make([]string, 0, len(categories))
	for _, c := range categories {
		if seen[c] || !IsCategory(c) {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// ProjectSections derives the project definition artifact: for each target
// its git clone url plus the url under every planned backend of its platform
func ProjectSections(plan model.BackendPlan, targets []model.Target) workspace.ProjectSections {
	sections := make(workspace.ProjectSections, len(targets))
	for _, t := range targets {
		section, ok := sections[t.Key]
		if !ok {
			section = make(map[string][]string)
			sections[t.Key] = section
		}
		for _, b := range plan.Backends {
			if b.Category == categoryCommit {
				section["git"] = appendUnique(section["git"], t.URL+".git")
				continue
			}
			c, ok := capabilities[t.Platform][b.Category]
			if !ok || c.backend != b.Name {
				continue
			}
			section[b.Name] = appendUnique(section[b.Name], t.URL)
		}
	}
	return sections
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

// Indices returns the enriched indices the metrics engine reads for a
// platform
func Indices(platform model.Platform) model.Indices {
	name := func(category, fallbackStem string, second bool) string {
		if c, ok := capabilities[platform][category]; ok {
			return indexPrefix(platform, c) + "-" + c.stem + "_enriched"
		}
		prefix := string(platform)
		if second {
			prefix += "2"
		}
		return prefix + "-" + fallbackStem + "_enriched"
	}
	return model.Indices{
		Issues:        name(CategoryIssue, "issues", false),
		IssueComments: name(CategoryIssueComments, "issues", true),
		Pulls:         name(CategoryPull, "pulls", false),
		PullComments:  name(CategoryPullComments, "pulls", true),
		Repo:          name(CategoryRepository, "repo", false),
		Releases:      name(CategoryRelease, "releases", false),
		Git:           string(platform) + "-git_enriched",
		Contributors:  string(platform) + "-contributors_org_repo",
	}
}
