package workflow

import (
	"bytes"
	"fmt"
	"maps"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
	"tangled.sh/tangled.sh/conveyor/conveyor/models"
)

type (
	GithubWorkflow struct {
		Name string
		On   GithubOn
		Jobs map[string]GithubJob

		// ids of Jobs in pipeline order
		Order []string
	}

	GithubOn struct {
		Push             *BranchFilter `yaml:"push,omitempty"`
		PullRequest      *BranchFilter `yaml:"pull_request,omitempty"`
		Schedule         []Cron        `yaml:"schedule,omitempty"`
		WorkflowDispatch *struct{}     `yaml:"workflow_dispatch,omitempty"`
	}

	BranchFilter struct {
		Branches []string `yaml:"branches"`
	}

	Cron struct {
		Cron string `yaml:"cron"`
	}

	GithubJob struct {
		Name   string            `yaml:"name"`
		RunsOn string            `yaml:"runs-on"`
		Needs  []string          `yaml:"needs,omitempty"`
		Env    map[string]string `yaml:"env,omitempty"`
		Steps  []GithubStep      `yaml:"steps"`
	}

	GithubStep struct {
		Name string `yaml:"name,omitempty"`
		Uses string `yaml:"uses,omitempty"`
		Run  string `yaml:"run,omitempty"`
	}
)

// Exporter converts pipelines into GitHub Actions workflows.
type Exporter struct {
	PushBranches        []string
	PullRequestBranches []string
	DefaultCron         string
	RunsOn              string
	Checkout            string
}

var DefaultExporter = Exporter{
	PushBranches:        []string{"main", "develop"},
	PullRequestBranches: []string{"main"},
	DefaultCron:         "0 0 * * *",
	RunsOn:              "ubuntu-latest",
	Checkout:            "actions/checkout@v4",
}

// Export is pure: the same pipeline always yields the same workflow and
// diagnostics. Anything that has no GitHub equivalent is reported as a
// warning.
func (x Exporter) Export(p models.Pipeline) (*GithubWorkflow, Diagnostics) {
	var diags Diagnostics

	gw := &GithubWorkflow{
		Name: p.Name,
		On:   x.on(p, &diags),
		Jobs: make(map[string]GithubJob),
	}

	var previous []string
	for si, stage := range p.Stages {
		path := fmt.Sprintf("stages[%d]", si)

		if strings.TrimSpace(stage.Condition) != "" {
			diags.AddWarning(path, ConditionDropped, fmt.Sprintf("`%s` is not exported", stage.Condition))
		}

		var current []string
		for ji, job := range stage.Jobs {
			id := x.jobId(gw, stage.Name, job.Name)
			if id != slug(job.Name) {
				diags.AddWarning(
					fmt.Sprintf("%s.jobs[%d]", path, ji),
					JobRenamed,
					fmt.Sprintf("`%s` exported as `%s`", job.Name, id),
				)
			}

			gw.Jobs[id] = x.job(p, job, previous)
			gw.Order = append(gw.Order, id)
			current = append(current, id)
		}

		previous = current
	}

	return gw, diags
}

func (x Exporter) on(p models.Pipeline, diags *Diagnostics) GithubOn {
	switch p.Trigger {
	case models.TriggerKindPush:
		return GithubOn{Push: &BranchFilter{Branches: x.PushBranches}}
	case models.TriggerKindPullRequest:
		return GithubOn{PullRequest: &BranchFilter{Branches: x.PullRequestBranches}}
	case models.TriggerKindSchedule:
		if p.Schedule != "" {
			diags.AddWarning(
				"schedule",
				ScheduleReplaced,
				fmt.Sprintf("`%s` exported as `%s`", p.Schedule, x.DefaultCron),
			)
		}
		return GithubOn{Schedule: []Cron{{Cron: x.DefaultCron}}}
	default:
		return GithubOn{WorkflowDispatch: &struct{}{}}
	}
}

func (x Exporter) job(p models.Pipeline, job models.Job, needs []string) GithubJob {
	env := maps.Clone(p.Environment)
	if env == nil {
		env = map[string]string{}
	}
	maps.Copy(env, job.Environment)
	if len(env) == 0 {
		env = nil
	}

	steps := []GithubStep{{Uses: x.Checkout}}
	for _, cmd := range job.Commands {
		steps = append(steps, GithubStep{Run: cmd})
	}

	return GithubJob{
		Name:   job.Name,
		RunsOn: x.RunsOn,
		Needs:  needs,
		Env:    env,
		Steps:  steps,
	}
}

// jobId derives a unique GitHub job id, qualifying it with the stage on
// collision and numbering it as a last resort.
func (x Exporter) jobId(gw *GithubWorkflow, stage, job string) string {
	id := slug(job)
	if _, taken := gw.Jobs[id]; !taken {
		return id
	}

	id = slug(stage) + "-" + id
	if _, taken := gw.Jobs[id]; !taken {
		return id
	}

	for n := 2; ; n++ {
		candidate := id + "-" + strconv.Itoa(n)
		if _, taken := gw.Jobs[candidate]; !taken {
			return candidate
		}
	}
}

func slug(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), " ", "-")
}

// Marshal renders the workflow as YAML with jobs in pipeline order.
func (gw *GithubWorkflow) Marshal() ([]byte, error) {
	var on yaml.Node
	if err := on.Encode(gw.On); err != nil {
		return nil, err
	}

	jobs := &yaml.Node{Kind: yaml.MappingNode}
	for _, id := range gw.Order {
		var j yaml.Node
		if err := j.Encode(gw.Jobs[id]); err != nil {
			return nil, err
		}
		jobs.Content = append(jobs.Content, scalar(id), &j)
	}

	doc := &yaml.Node{
		Kind: yaml.MappingNode,
		Content: []*yaml.Node{
			scalar("name"), scalar(gw.Name),
			scalar("on"), &on,
			scalar("jobs"), jobs,
		},
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func scalar(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v}
}
