package workflow

import (
	"fmt"

	"tangled.sh/tangled.sh/conveyor/conveyor/models"
)

type RawDefinition struct {
	Name     string
	Contents []byte
}

// Compiler turns definition files into pipelines, collecting problems as
// diagnostics instead of stopping at the first one.
type Compiler struct {
	Diagnostics Diagnostics
}

type Diagnostics struct {
	Errors   []Error
	Warnings []Warning
}

func (d *Diagnostics) IsEmpty() bool {
	return len(d.Errors) == 0 && len(d.Warnings) == 0
}

func (d *Diagnostics) Combine(o Diagnostics) {
	d.Errors = append(d.Errors, o.Errors...)
	d.Warnings = append(d.Warnings, o.Warnings...)
}

func (d *Diagnostics) AddWarning(path string, kind WarningKind, reason string) {
	d.Warnings = append(d.Warnings, Warning{path, kind, reason})
}

func (d *Diagnostics) AddError(path string, err error) {
	d.Errors = append(d.Errors, Error{path, err})
}

func (d Diagnostics) IsErr() bool {
	return len(d.Errors) != 0
}

type Error struct {
	Path  string
	Error error
}

func (e Error) String() string {
	return fmt.Sprintf("error: %s: %s", e.Path, e.Error.Error())
}

type Warning struct {
	Path   string
	Type   WarningKind
	Reason string
}

func (w Warning) String() string {
	return fmt.Sprintf("warning: %s: %s: %s", w.Path, w.Type, w.Reason)
}

type WarningKind string

var (
	ConditionDropped   WarningKind = "condition dropped"
	ScheduleReplaced   WarningKind = "schedule replaced"
	JobRenamed         WarningKind = "job renamed"
	EmptyEnvironment   WarningKind = "empty environment value"
	DuplicateArtifacts WarningKind = "duplicate artifacts"
)

func (compiler *Compiler) Compile(raw []RawDefinition) []models.Pipeline {
	var out []models.Pipeline

	for _, r := range raw {
		def, err := FromFile(r.Name, r.Contents)
		if err != nil {
			compiler.Diagnostics.AddError(r.Name, err)
			continue
		}

		p, err := def.Pipeline()
		if err != nil {
			compiler.Diagnostics.AddError(r.Name, err)
			continue
		}

		compiler.analyze(r.Name, p)
		out = append(out, p)
	}

	return out
}

func (compiler *Compiler) analyze(path string, p models.Pipeline) {
	for k, v := range p.Environment {
		if v == "" {
			compiler.Diagnostics.AddWarning(path, EmptyEnvironment, fmt.Sprintf("`%s` is set to an empty string", k))
		}
	}

	for _, s := range p.Stages {
		for _, j := range s.Jobs {
			seen := map[string]bool{}
			for _, a := range j.Artifacts {
				if seen[a] {
					compiler.Diagnostics.AddWarning(
						path,
						DuplicateArtifacts,
						fmt.Sprintf("job `%s` declares `%s` more than once", j.Name, a),
					)
				}
				seen[a] = true
			}
		}
	}
}
