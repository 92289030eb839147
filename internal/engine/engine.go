// Package engine is the boundary to the external metrics engine.
package engine

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"compass-pipeline/internal/model"
	"compass-pipeline/pkg/utils"
)

// Input is an enriched index a metric family reads
type Input string

const (
	InputIssue         Input = "issue"
	InputPull          Input = "pr"
	InputIssueComments Input = "issue_comments"
	InputPullComments  Input = "pr_comments"
	InputRepo          Input = "repo"
	InputRelease       Input = "release"
	InputGit           Input = "git"
	InputContributors  Input = "contributors"
)

// Family describes one metric family
type Family struct {
	Name   string
	Title  string // summary title, empty when the family has no summary
	Inputs []Input
}

var allInputs = []Input{InputIssue, InputPull, InputIssueComments, InputPullComments, InputRepo, InputRelease, InputGit, InputContributors}

// Families lists the metric families in stage order
var Families = []Family{
	{Name: "activity", Title: "Activity", Inputs: allInputs},
	{Name: "community", Title: "Community Support and Service", Inputs: []Input{InputIssue, InputPull, InputGit}},
	{Name: "codequality", Title: "Code_Quality_Guarantee", Inputs: []Input{InputIssue, InputPull, InputRepo, InputGit, InputPullComments, InputContributors}},
	{Name: "group_activity", Title: "Organization Activity", Inputs: []Input{InputIssue, InputRepo, InputPull, InputGit, InputIssueComments, InputPullComments, InputContributors}},
	{Name: "starter_project_health", Inputs: []Input{InputIssue, InputPull, InputRepo, InputGit, InputContributors, InputRelease}},
}

// FamilyNames returns the family names in stage order
func FamilyNames() []string {
	names := make([]string, 0, len(Families))
	for _, f := range Families {
		names = append(names, f.Name)
	}
	return names
}

// Lookup finds a family by name
func Lookup(name string) (Family, bool) {
	for _, f := range Families {
		if f.Name == name {
			return f, true
		}
	}
	return Family{}, false
}

// Params is the fixed keyword contract of a metrics computation
type Params struct {
	IssueIndex         string `json:"issue_index,omitempty"`
	PullIndex          string `json:"pr_index,omitempty"`
	IssueCommentsIndex string `json:"issue_comments_index,omitempty"`
	PullCommentsIndex  string `json:"pr_comments_index,omitempty"`
	RepoIndex          string `json:"repo_index,omitempty"`
	ReleaseIndex       string `json:"release_index,omitempty"`
	GitIndex           string `json:"git_index,omitempty"`
	ContributorsIndex  string `json:"contributors_index,omitempty"`
	JSONFile           string `json:"json_file"`
	OutIndex           string `json:"out_index"`
	FromDate           string `json:"from_date"`
	EndDate            string `json:"end_date"`
	Community          string `json:"community"`
	Level              string `json:"level"`
	Weights            any    `json:"weights,omitempty"`
	CustomFields       any    `json:"custom_fields,omitempty"`
}

// NewParams fills the input indices a family reads from idx
func NewParams(f Family, idx model.Indices) Params {
	var p Params
	for _, in := range f.Inputs {
		switch in {
		case InputIssue:
			p.IssueIndex = idx.Issues
		case InputPull:
			p.PullIndex = idx.Pulls
		case InputIssueComments:
			p.IssueCommentsIndex = idx.IssueComments
		case InputPullComments:
			p.PullCommentsIndex = idx.PullComments
		case InputRepo:
			p.RepoIndex = idx.Repo
		case InputRelease:
			p.ReleaseIndex = idx.Releases
		case InputGit:
			p.GitIndex = idx.Git
		case InputContributors:
			p.ContributorsIndex = idx.Contributors
		}
	}
	return p
}

// SummaryParams is the contract of a summary rollup
type SummaryParams struct {
	SourceIndex string `json:"source_index"`
	Title       string `json:"title"`
	FromDate    string `json:"from_date"`
	EndDate     string `json:"end_date"`
	OutIndex    string `json:"out_index"`
}

// Engine computes metric families and their summaries
type Engine interface {
	Compute(ctx context.Context, family string, p Params) error
	Summarize(ctx context.Context, family string, p SummaryParams) error
}

// Command runs the metrics engine as a child process with the parameters as
// JSON on stdin
type Command struct {
	Path   string
	Args   []string
	URL    string // output store the engine writes to
	Logger *zap.Logger
}

type commandInput struct {
	URL    string      `json:"url"`
	Params interface{} `json:"params"`
}

func (c *Command) Compute(ctx context.Context, family string, p Params) error {
	return c.run(ctx, "compute", family, p)
}

func (c *Command) Summarize(ctx context.Context, family string, p SummaryParams) error {
	return c.run(ctx, "summarize", family, p)
}

func (c *Command) run(ctx context.Context, mode, family string, params interface{}) error {
	body, err := json.Marshal(commandInput{URL: c.URL, Params: params})
	if err != nil {
		return eris.Wrap(err, "encode engine params")
	}
	args := append(append([]string(nil), c.Args...), mode, family)
	c.Logger.Debug("running metrics engine", zap.String("mode", mode), zap.String("family", family))

	if _, err := utils.RunCommand(ctx, c.Path, args, bytes.NewReader(body)); err != nil {
		return eris.Wrapf(err, "metrics engine %s %s", mode, family)
	}
	return nil
}
