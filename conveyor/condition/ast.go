package condition

import (
	"strings"
)

// Node is a parsed condition.
type Node interface {
	eval(c Context) bool
}

type boolNode bool

func (b boolNode) eval(Context) bool { return bool(b) }

type notNode struct{ inner Node }

func (n notNode) eval(c Context) bool { return !n.inner.eval(c) }

type andNode struct{ left, right Node }

func (n andNode) eval(c Context) bool { return n.left.eval(c) && n.right.eval(c) }

type orNode struct{ left, right Node }

func (n orNode) eval(c Context) bool { return n.left.eval(c) || n.right.eval(c) }

type cmpNode struct {
	left, right operand
	negate      bool
}

func (n cmpNode) eval(c Context) bool {
	eq := n.left.value(c) == n.right.value(c)
	if n.negate {
		return !eq
	}
	return eq
}

type operand struct {
	text    string
	literal bool
}

func (o operand) value(c Context) string {
	if o.literal {
		return o.text
	}

	switch o.text {
	case "branch":
		return c.Branch
	case "trigger", "event":
		return string(c.Trigger)
	case "ref":
		return c.Ref
	case "actor":
		return c.Actor
	}

	if name, ok := strings.CutPrefix(o.text, "env."); ok {
		return c.Env[name]
	}

	return o.text
}

func (o operand) boolean() (bool, bool) {
	if o.literal {
		return false, false
	}
	switch strings.ToLower(o.text) {
	case "true", "always":
		return true, true
	case "false", "never":
		return false, true
	}
	return false, false
}
