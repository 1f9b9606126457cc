package condition

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

var ErrSyntax = errors.New("condition syntax error")

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokWord
	tokString
	tokEq
	tokNeq
	tokAnd
	tokOr
	tokNot
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune("_-./:*+@", r)
}

func lex(s string) ([]token, error) {
	var toks []token
	runes := []rune(s)

	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case r == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case r == '=' || r == '!' || r == '&' || r == '|':
			two := ""
			if i+1 < len(runes) {
				two = string(runes[i : i+2])
			}
			switch two {
			case "==":
				toks = append(toks, token{tokEq, two, i})
				i += 2
			case "!=":
				toks = append(toks, token{tokNeq, two, i})
				i += 2
			case "&&":
				toks = append(toks, token{tokAnd, two, i})
				i += 2
			case "||":
				toks = append(toks, token{tokOr, two, i})
				i += 2
			default:
				if r != '!' {
					return nil, fmt.Errorf("%w: unexpected %q at %d", ErrSyntax, r, i)
				}
				toks = append(toks, token{tokNot, "!", i})
				i++
			}
		case r == '"' || r == '\'':
			end := i + 1
			for end < len(runes) && runes[end] != r {
				end++
			}
			if end >= len(runes) {
				return nil, fmt.Errorf("%w: unterminated string at %d", ErrSyntax, i)
			}
			toks = append(toks, token{tokString, string(runes[i+1 : end]), i})
			i = end + 1
		case isWordRune(r):
			start := i
			for i < len(runes) && isWordRune(runes[i]) {
				i++
			}
			toks = append(toks, token{tokWord, string(runes[start:i]), start})
		default:
			return nil, fmt.Errorf("%w: unexpected %q at %d", ErrSyntax, r, i)
		}
	}

	return append(toks, token{tokEOF, "", len(runes)}), nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

// Parse compiles an expression. The empty expression always holds.
func Parse(expr string) (Node, error) {
	if strings.TrimSpace(expr) == "" {
		return boolNode(true), nil
	}

	toks, err := lex(expr)
	if err != nil {
		return nil, err
	}

	p := &parser{toks: toks}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("%w: unexpected %q at %d", ErrSyntax, t.text, t.pos)
	}
	return n, nil
}

func (p *parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left, right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = andNode{left, right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Node, error) {
	switch t := p.peek(); t.kind {
	case tokNot:
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{inner}, nil
	case tokLParen:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, fmt.Errorf("%w: expected ')' at %d", ErrSyntax, closing.pos)
		}
		return inner, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (Node, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	op := p.peek()
	if op.kind != tokEq && op.kind != tokNeq {
		if b, ok := left.boolean(); ok {
			return boolNode(b), nil
		}
		return nil, fmt.Errorf("%w: %q is not a boolean", ErrSyntax, left.text)
	}
	p.next()

	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return cmpNode{left: left, right: right, negate: op.kind == tokNeq}, nil
}

func (p *parser) parseOperand() (operand, error) {
	t := p.next()
	switch t.kind {
	case tokString:
		return operand{text: t.text, literal: true}, nil
	case tokWord:
		return operand{text: t.text}, nil
	}
	return operand{}, fmt.Errorf("%w: expected operand at %d", ErrSyntax, t.pos)
}
