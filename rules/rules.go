// Package rules compiles access rules and header expressions from
// configuration strings into evaluable programs, and evaluates them against
// session attributes. The grammar is a closed sub-language: comparisons,
// boolean connectives, string concatenation, attribute lookups and a fixed
// helper library. Session data is never evaluated as code.
package rules

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrCompile marks malformed rule or header expressions. A snapshot build
// that hits it is rejected as a whole.
var ErrCompile = errors.New("rule compile error")

// Kind classifies a compiled rule. Beside full expressions there are four
// fixed verdicts that skip evaluation entirely.
type Kind int

const (
	// KindExpr evaluates the compiled expression per request.
	KindExpr Kind = iota
	// KindAccept grants access to any authenticated session.
	KindAccept
	// KindDeny refuses access regardless of the session.
	KindDeny
	// KindUnprotect disables authorization but still forges headers when a
	// session is present.
	KindUnprotect
	// KindSkip forwards the request untouched, no authentication, no
	// forged headers.
	KindSkip
)

// Program is one compiled rule.
type Program struct {
	kind Kind
	expr expr
	src  string
}

// Compile parses one rule string. The fixed verdicts "accept", "deny",
// "unprotect" and "skip" are recognized case-insensitively as whole rules,
// anything else must parse as an expression.
func Compile(src string) (*Program, error) {
	switch strings.ToLower(src) {
	case "accept":
		return &Program{kind: KindAccept, src: src}, nil
	case "deny":
		return &Program{kind: KindDeny, src: src}, nil
	case "unprotect":
		return &Program{kind: KindUnprotect, src: src}, nil
	case "skip":
		return &Program{kind: KindSkip, src: src}, nil
	}
	e, err := parse(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrCompile, src, err)
	}
	return &Program{kind: KindExpr, expr: e, src: src}, nil
}

// CompileExpr parses a header expression. Fixed rule verdicts are not
// recognized, a header named "accept" stays an expression.
func CompileExpr(src string) (*Program, error) {
	e, err := parse(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrCompile, src, err)
	}
	return &Program{kind: KindExpr, expr: e, src: src}, nil
}

func (p *Program) Kind() Kind     { return p.kind }
func (p *Program) String() string { return p.src }

// Eval returns the boolean verdict for the given session attributes.
// Evaluation is pure CPU, it cannot block.
func (p *Program) Eval(attrs map[string]any, now func() time.Time) (bool, error) {
	switch p.kind {
	case KindAccept, KindUnprotect, KindSkip:
		return true, nil
	case KindDeny:
		return false, nil
	}
	if now == nil {
		now = time.Now
	}
	v, err := p.expr.eval(&evalCtx{attrs: attrs, now: now})
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

// EvalString evaluates the program as a string producer, for forged
// headers.
func (p *Program) EvalString(attrs map[string]any, now func() time.Time) (string, error) {
	if p.kind != KindExpr {
		return "", fmt.Errorf("rule %q is not a value expression", p.src)
	}
	if now == nil {
		now = time.Now
	}
	v, err := p.expr.eval(&evalCtx{attrs: attrs, now: now})
	if err != nil {
		return "", err
	}
	return asString(v), nil
}
