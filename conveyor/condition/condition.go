// Package condition decides whether a stage runs.
//
// Expressions compare a small set of run properties against literals:
//
//	branch == main
//	trigger != pull_request && env.DEPLOY == "yes"
//	!(ref == refs/tags/nightly) || always
//
// Operands are branch, trigger, ref, actor, env.NAME, quoted strings and
// bare words. The literals true/always and false/never are booleans. The
// empty expression is true. An expression that cannot be parsed evaluates
// to the evaluator's Unresolved value.
package condition

import (
	"maps"

	"github.com/go-git/go-git/v5/plumbing"
	"tangled.sh/tangled.sh/conveyor/conveyor/models"
)

type Evaluator interface {
	Evaluate(expr string, c Context) bool
}

// Context is the read-only view of a run an expression is evaluated
// against.
type Context struct {
	Trigger models.TriggerKind
	Ref     string
	Branch  string
	Actor   string
	Env     map[string]string
}

// NewContext derives the evaluation context of a run of p. The branch comes
// from the trigger ref when it names a branch, and from the pipeline
// otherwise.
func NewContext(p models.Pipeline, payload models.TriggerPayload) Context {
	kind := payload.Kind
	if kind == "" {
		kind = p.Trigger
	}

	branch := p.Branch
	if payload.Ref != "" {
		ref := plumbing.ReferenceName(payload.Ref)
		switch {
		case ref.IsBranch():
			branch = ref.Short()
		case !ref.IsTag() && !ref.IsRemote() && !ref.IsNote():
			// bare branch names are accepted as refs
			branch = payload.Ref
		}
	}

	return Context{
		Trigger: kind,
		Ref:     payload.Ref,
		Branch:  branch,
		Actor:   payload.Actor,
		Env:     maps.Clone(p.Environment),
	}
}

// Expr evaluates expressions with the grammar described in the package
// documentation.
type Expr struct {
	// Unresolved is the value of expressions that fail to parse. true
	// keeps such stages running.
	Unresolved bool
}

func Permissive() *Expr {
	return &Expr{Unresolved: true}
}

func Strict() *Expr {
	return &Expr{Unresolved: false}
}

func (e *Expr) Evaluate(expr string, c Context) bool {
	node, err := Parse(expr)
	if err != nil {
		return e.Unresolved
	}
	return node.eval(c)
}

// Always runs every stage.
type Always struct{}

func (Always) Evaluate(string, Context) bool {
	return true
}
