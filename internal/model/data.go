package model

// Platform is the code-hosting origin of a repository
type Platform string

const (
	PlatformGitHub Platform = "github"
	PlatformGitee  Platform = "gitee"
	PlatformGitLab Platform = "gitlab"
)

// Platforms lists the supported platforms in tie-break order
var Platforms = []Platform{PlatformGitHub, PlatformGitee, PlatformGitLab}

// Target represents a single addressable repository
type Target struct {
	URL      string   `json:"project_url"`  // canonical url
	Platform Platform `json:"domain_name"`  // origin platform
	Key      string   `json:"project_key"`  // platform-qualified slug
	Hash     string   `json:"project_hash"` // sha256 of URL
}

// Category is one named group of repositories inside an aggregate
type Category struct {
	Name    string   `json:"name"`
	Targets []Target `json:"targets"`
}

// Aggregate represents a community loaded from a template
type Aggregate struct {
	Name       string     `json:"name"`
	SourceURL  string     `json:"project_yaml_url"` // canonical template url
	Hash       string     `json:"project_hash"`
	Platform   Platform   `json:"domain_name"` // majority platform
	Categories []Category `json:"categories"`
	Rejected   []string   `json:"rejected,omitempty"` // constituent urls filtered out
}

// UniqueTargets returns the constituents deduplicated across categories in
// first-seen order
func (a *Aggregate) UniqueTargets() []Target {
	seen := make(map[string]bool)
	var out []Target
	for _, c := range a.Categories {
		for _, t := range c.Targets {
			if seen[t.URL] {
				continue
			}
			seen[t.URL] = true
			out = append(out, t)
		}
	}
	return out
}

// Setting is one ordered key/value pair in a backend section
type Setting struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Backend is a single collector backend with its settings
type Backend struct {
	Name     string    `json:"name"`     // e.g. github:issue
	Category string    `json:"category"` // requested category, "git" for the commit backend
	Settings []Setting `json:"settings"`
}

// Get returns a setting value by key
func (b Backend) Get(key string) (string, bool) {
	for _, s := range b.Settings {
		if s.Key == key {
			return s.Value, true
		}
	}
	return "", false
}

// BackendPlan is the ordered backend list handed to the collector
type BackendPlan struct {
	Platform Platform   `json:"platform"`
	Backends []Backend  `json:"backends"`
	Window   DateWindow `json:"window"`
}

// Names returns the backend identifiers in plan order
func (p BackendPlan) Names() []string {
	names := make([]string, 0, len(p.Backends))
	for _, b := range p.Backends {
		names = append(names, b.Name)
	}
	return names
}

// Indices are the enriched input indices the metrics engine reads
type Indices struct {
	Issues        string `json:"project_issues_index"`
	IssueComments string `json:"project_issues2_index"`
	Pulls         string `json:"project_pulls_index"`
	PullComments  string `json:"project_pulls2_index"`
	Repo          string `json:"project_repo_index"`
	Releases      string `json:"project_release_index"`
	Git           string `json:"project_git_index"`
	Contributors  string `json:"project_contributors_index"`
}

// WorkspacePaths locates the artifacts of one workspace
type WorkspacePaths struct {
	Root        string `json:"project_configs_dir"`
	Logs        string `json:"project_logs_dir"`
	Metrics     string `json:"project_metrics_dir"`
	ProjectFile string `json:"project_data_path"`
	MetricsFile string `json:"metrics_data_path"`
	SetupFile   string `json:"project_setup_path"`
	LogFile     string `json:"project_log_file"`
}
