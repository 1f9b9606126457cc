package workflow

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
	"tangled.sh/tangled.sh/conveyor/conveyor/models"
)

// A definition file describes one pipeline:
//
//	name: build
//	trigger: push
//	stages:
//	  - name: test
//	    when: branch == main
//	    jobs:
//	      - name: unit
//	        commands: go test ./...

type (
	// this is simply a structural representation of the definition file
	Definition struct {
		Name        string            `yaml:"name"`
		Repository  string            `yaml:"repository"`
		Branch      string            `yaml:"branch"`
		Trigger     string            `yaml:"trigger"`
		Schedule    string            `yaml:"schedule"`
		Environment map[string]string `yaml:"environment"`
		Stages      []StageDef        `yaml:"stages"`
	}

	StageDef struct {
		Name string   `yaml:"name"`
		When string   `yaml:"when"`
		Jobs []JobDef `yaml:"jobs"`
	}

	JobDef struct {
		Name        string            `yaml:"name"`
		Commands    StringList        `yaml:"commands"`
		Environment map[string]string `yaml:"environment"`
		Artifacts   StringList        `yaml:"artifacts"`
	}

	StringList []string
)

// FromFile parses a definition. A definition without a name is named after
// its file.
func FromFile(name string, contents []byte) (Definition, error) {
	var def Definition

	err := yaml.Unmarshal(contents, &def)
	if err != nil {
		return def, err
	}

	if def.Name == "" && name != "" {
		def.Name = strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	}

	return def, nil
}

// Pipeline converts the definition into a validated pipeline without an id.
func (d Definition) Pipeline() (models.Pipeline, error) {
	trigger := models.TriggerKindManual
	if d.Trigger != "" {
		t, err := models.ParseTriggerKind(d.Trigger)
		if err != nil {
			return models.Pipeline{}, err
		}
		trigger = t
	}

	p := models.Pipeline{
		Name:        d.Name,
		Repository:  d.Repository,
		Branch:      d.Branch,
		Trigger:     trigger,
		Schedule:    d.Schedule,
		Environment: d.Environment,
	}

	for _, s := range d.Stages {
		stage := models.Stage{
			Name:      s.Name,
			Condition: s.When,
		}
		for _, j := range s.Jobs {
			stage.Jobs = append(stage.Jobs, models.Job{
				Name:        j.Name,
				Commands:    []string(j.Commands),
				Environment: j.Environment,
				Artifacts:   []string(j.Artifacts),
			})
		}
		p.Stages = append(p.Stages, stage)
	}

	if err := p.Validate(); err != nil {
		return models.Pipeline{}, err
	}

	return p, nil
}

// FromPipeline is the inverse of Definition.Pipeline.
func FromPipeline(p models.Pipeline) Definition {
	d := Definition{
		Name:        p.Name,
		Repository:  p.Repository,
		Branch:      p.Branch,
		Trigger:     string(p.Trigger),
		Schedule:    p.Schedule,
		Environment: p.Environment,
	}

	for _, s := range p.Stages {
		sd := StageDef{Name: s.Name, When: s.Condition}
		for _, j := range s.Jobs {
			sd.Jobs = append(sd.Jobs, JobDef{
				Name:        j.Name,
				Commands:    StringList(j.Commands),
				Environment: j.Environment,
				Artifacts:   StringList(j.Artifacts),
			})
		}
		d.Stages = append(d.Stages, sd)
	}

	return d
}

// Custom unmarshaller for StringList
func (s *StringList) UnmarshalYAML(unmarshal func(any) error) error {
	var stringType string
	if err := unmarshal(&stringType); err == nil {
		*s = []string{stringType}
		return nil
	}

	var sliceType []any
	if err := unmarshal(&sliceType); err == nil {

		if sliceType == nil {
			*s = nil
			return nil
		}

		parts := make([]string, len(sliceType))
		for k, v := range sliceType {
			if sv, ok := v.(string); ok {
				parts[k] = sv
			} else {
				return fmt.Errorf("cannot unmarshal '%v' of type %T into a string value", v, v)
			}
		}

		*s = parts
		return nil
	}

	return errors.New("failed to unmarshal StringOrSlice")
}
