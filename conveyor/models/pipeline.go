package models

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

type TriggerKind string

const (
	TriggerKindPush        TriggerKind = "push"
	TriggerKindPullRequest TriggerKind = "pull_request"
	TriggerKindManual      TriggerKind = "manual"
	TriggerKindSchedule    TriggerKind = "schedule"
)

var triggerKinds = []TriggerKind{
	TriggerKindPush,
	TriggerKindPullRequest,
	TriggerKindManual,
	TriggerKindSchedule,
}

func (k TriggerKind) Valid() bool {
	return slices.Contains(triggerKinds, k)
}

func ParseTriggerKind(s string) (TriggerKind, error) {
	k := TriggerKind(strings.TrimSpace(s))
	if !k.Valid() {
		return "", &ValidationError{Field: "trigger", Reason: fmt.Sprintf("unknown trigger kind %q", s)}
	}
	return k, nil
}

// Pipeline is a registered pipeline definition. Definitions are treated as
// configuration: once registered they are never mutated implicitly.
type Pipeline struct {
	Id          string            `json:"id"`
	Name        string            `json:"name"`
	Repository  string            `json:"repository"`
	Branch      string            `json:"branch"`
	Trigger     TriggerKind       `json:"trigger"`
	Schedule    string            `json:"schedule,omitempty"`
	Stages      []Stage           `json:"stages"`
	Environment map[string]string `json:"environment,omitempty"`
}

type Stage struct {
	Name      string `json:"name"`
	Jobs      []Job  `json:"jobs"`
	Condition string `json:"condition,omitempty"`
}

type Job struct {
	Name        string            `json:"name"`
	Commands    []string          `json:"commands"`
	Environment map[string]string `json:"environment,omitempty"`
	Artifacts   []string          `json:"artifacts,omitempty"`
}

// Clone returns a deep copy, so registry callers can never alias the
// stored definition.
func (p Pipeline) Clone() Pipeline {
	c := p
	c.Environment = maps.Clone(p.Environment)
	if p.Stages != nil {
		c.Stages = make([]Stage, len(p.Stages))
		for i, s := range p.Stages {
			c.Stages[i] = s.clone()
		}
	}
	return c
}

func (s Stage) clone() Stage {
	c := s
	if s.Jobs != nil {
		c.Jobs = make([]Job, len(s.Jobs))
		for i, j := range s.Jobs {
			c.Jobs[i] = j.clone()
		}
	}
	return c
}

func (j Job) clone() Job {
	c := j
	c.Commands = slices.Clone(j.Commands)
	c.Artifacts = slices.Clone(j.Artifacts)
	c.Environment = maps.Clone(j.Environment)
	return c
}

// Validate rejects malformed definitions. It never looks at Id.
func (p Pipeline) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if !p.Trigger.Valid() {
		return &ValidationError{Field: "trigger", Reason: fmt.Sprintf("unknown trigger kind %q", p.Trigger)}
	}
	if p.Trigger == TriggerKindSchedule && strings.TrimSpace(p.Schedule) == "" {
		return &ValidationError{Field: "schedule", Reason: "required for schedule triggers"}
	}
	if len(p.Stages) == 0 {
		return &ValidationError{Field: "stages", Reason: "at least one stage is required"}
	}

	for i, s := range p.Stages {
		path := fmt.Sprintf("stages[%d]", i)
		if strings.TrimSpace(s.Name) == "" {
			return &ValidationError{Field: path + ".name", Reason: "must not be empty"}
		}
		if len(s.Jobs) == 0 {
			return &ValidationError{Field: path + ".jobs", Reason: "at least one job is required"}
		}
		for k, j := range s.Jobs {
			jpath := fmt.Sprintf("%s.jobs[%d]", path, k)
			if strings.TrimSpace(j.Name) == "" {
				return &ValidationError{Field: jpath + ".name", Reason: "must not be empty"}
			}
			if len(j.Commands) == 0 {
				return &ValidationError{Field: jpath + ".commands", Reason: "at least one command is required"}
			}
			for c, cmd := range j.Commands {
				if strings.TrimSpace(cmd) == "" {
					return &ValidationError{Field: fmt.Sprintf("%s.commands[%d]", jpath, c), Reason: "must not be empty"}
				}
			}
		}
	}

	return nil
}
