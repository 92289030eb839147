package backend

import "compass-pipeline/internal/model"

// Data source categories a caller may request
const (
	CategoryIssue         = "issue"
	CategoryIssueComments = "issue-comments"
	CategoryPull          = "pull"
	CategoryPullComments  = "pull-comments"
	CategoryRepository    = "repository"
	CategoryRelease       = "release"
	CategoryEvent         = "event"
	CategoryStargazer     = "stargazer"
	CategoryFork          = "fork"
	CategoryWatch         = "watch"

	// categoryCommit is the git backend, present in every plan
	categoryCommit = "git"
)

// DefaultCategories are planned when a request names none
var DefaultCategories = []string{
	CategoryIssue,
	CategoryIssueComments,
	CategoryPull,
	CategoryPullComments,
	CategoryRepository,
}

// capability describes how one platform serves one category
type capability struct {
	backend    string // collector backend name
	stem       string // index stem, e.g. issues -> <prefix>-issues_raw
	prefix2    bool   // indices use the "<platform>2" prefix
	dataType   string // collector category setting
	dateWindow bool   // backend honours from-date / to-date
	enriched   bool   // enrichment produces an index metrics can read
}

// capabilities is the single table of what each platform supports
var capabilities = map[model.Platform]map[string]capability{
	model.PlatformGitHub: {
		CategoryIssue:         {backend: "github:issue", stem: "issues", dataType: "issue", dateWindow: true, enriched: true},
		CategoryIssueComments: {backend: "github2:issue", stem: "issues", prefix2: true, dataType: "issue", dateWindow: true, enriched: true},
		CategoryPull:          {backend: "github:pull", stem: "pulls", dataType: "pull_request", dateWindow: true, enriched: true},
		CategoryPullComments:  {backend: "github2:pull", stem: "pulls", prefix2: true, dataType: "pull_request", dateWindow: true, enriched: true},
		CategoryRepository:    {backend: "github:repo", stem: "repo", dataType: "repository", enriched: true},
		CategoryRelease:       {backend: "github:release", stem: "releases", dataType: "release", dateWindow: true, enriched: true},
		CategoryEvent:         {backend: "githubql:event", stem: "events", dataType: "event", dateWindow: true},
		CategoryStargazer:     {backend: "github:stargazer", stem: "stargazers", dataType: "stargazer"},
		CategoryFork:          {backend: "github:fork", stem: "forks", dataType: "fork"},
	},
	model.PlatformGitee: {
		CategoryIssue:         {backend: "gitee", stem: "issues", dataType: "issue", dateWindow: true, enriched: true},
		CategoryIssueComments: {backend: "gitee2:issue", stem: "issues", prefix2: true, dataType: "issue", dateWindow: true, enriched: true},
		CategoryPull:          {backend: "gitee:pull", stem: "pulls", dataType: "pull_request", dateWindow: true, enriched: true},
		CategoryPullComments:  {backend: "gitee2:pull", stem: "pulls", prefix2: true, dataType: "pull_request", dateWindow: true, enriched: true},
		CategoryRepository:    {backend: "gitee:repo", stem: "repo", dataType: "repository", enriched: true},
		CategoryStargazer:     {backend: "gitee:stargazer", stem: "stargazers", dataType: "stargazer"},
		CategoryFork:          {backend: "gitee:fork", stem: "forks", dataType: "fork"},
		CategoryWatch:         {backend: "gitee:watch", stem: "watchs", dataType: "watch"},
	},
	model.PlatformGitLab: {
		CategoryIssue: {backend: "gitlab:issue", stem: "issues", dataType: "issue", dateWindow: true, enriched: true},
		CategoryPull:  {backend: "gitlab:merge", stem: "mrs", dataType: "merge_request", dateWindow: true, enriched: true},
	},
}

// IsCategory reports whether name is a known category for any platform
func IsCategory(name string) bool {
	switch name {
	case CategoryIssue, CategoryIssueComments, CategoryPull, CategoryPullComments,
		CategoryRepository, CategoryRelease, CategoryEvent, CategoryStargazer,
		CategoryFork, CategoryWatch:
		return true
	}
	return false
}

func indexPrefix(p model.Platform, c capability) string {
	if c.prefix2 {
		return string(p) + "2"
	}
	return string(p)
}
