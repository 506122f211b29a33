package rules

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// evalCtx carries the read-only variable scope of one evaluation. Session
// attributes are never written through it.
type evalCtx struct {
	attrs map[string]any
	now   func() time.Time
}

type expr interface {
	eval(ctx *evalCtx) (any, error)
}

type literal struct {
	val any
}

func (e literal) eval(*evalCtx) (any, error) { return e.val, nil }

type attrRef struct {
	name string
}

func (e attrRef) eval(ctx *evalCtx) (any, error) {
	return ctx.attrs[e.name], nil
}

type binaryOp struct {
	op          tokenID
	left, right expr
}

func (e binaryOp) eval(ctx *evalCtx) (any, error) {
	l, err := e.left.eval(ctx)
	if err != nil {
		return nil, err
	}
	r, err := e.right.eval(ctx)
	if err != nil {
		return nil, err
	}
	switch e.op {
	case tokPlus:
		return asString(l) + asString(r), nil
	case tokEq:
		return equal(l, r), nil
	case tokNe:
		return !equal(l, r), nil
	case tokLt, tokLe, tokGt, tokGe:
		return ordered(e.op, l, r), nil
	}
	return nil, fmt.Errorf("unsupported operator %d", e.op)
}

// matchOp keeps the regexp compiled at parse time, it is never recompiled
// per request.
type matchOp struct {
	negated bool
	left    expr
	pattern *regexp.Regexp
}

func (e matchOp) eval(ctx *evalCtx) (any, error) {
	l, err := e.left.eval(ctx)
	if err != nil {
		return nil, err
	}
	m := e.pattern.MatchString(asString(l))
	return m != e.negated, nil
}

type logicalOp struct {
	and         bool
	left, right expr
}

func (e logicalOp) eval(ctx *evalCtx) (any, error) {
	l, err := e.left.eval(ctx)
	if err != nil {
		return nil, err
	}
	if truthy(l) != e.and {
		// short circuit: false&&_ or true||_
		return !e.and, nil
	}
	r, err := e.right.eval(ctx)
	if err != nil {
		return nil, err
	}
	return truthy(r), nil
}

type notOp struct {
	arg expr
}

func (e notOp) eval(ctx *evalCtx) (any, error) {
	v, err := e.arg.eval(ctx)
	if err != nil {
		return nil, err
	}
	return !truthy(v), nil
}

type call struct {
	name string
	fn   helperFunc
	args []expr
}

func (e call) eval(ctx *evalCtx) (any, error) {
	args := make([]any, len(e.args))
	for i, a := range e.args {
		v, err := a.eval(ctx)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	v, err := e.fn(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("%s(): %w", e.name, err)
	}
	return v, nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "0"
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []string:
		return len(t) > 0
	case []any:
		return len(t) > 0
	default:
		return true
	}
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "1"
		}
		return "0"
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []string:
		return strings.Join(t, "; ")
	case []any:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = asString(e)
		}
		return strings.Join(parts, "; ")
	default:
		return fmt.Sprint(t)
	}
}

func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case string:
		n, err := strconv.ParseFloat(t, 64)
		return n, err == nil
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// equal compares numerically when both sides are numbers, by string value
// otherwise.
func equal(l, r any) bool {
	if ln, ok := asNumber(l); ok {
		if rn, ok := asNumber(r); ok {
			return ln == rn
		}
	}
	return asString(l) == asString(r)
}

func ordered(op tokenID, l, r any) bool {
	ln, lok := asNumber(l)
	rn, rok := asNumber(r)
	var cmp int
	if lok && rok {
		switch {
		case ln < rn:
			cmp = -1
		case ln > rn:
			cmp = 1
		}
	} else {
		cmp = strings.Compare(asString(l), asString(r))
	}
	switch op {
	case tokLt:
		return cmp < 0
	case tokLe:
		return cmp <= 0
	case tokGt:
		return cmp > 0
	case tokGe:
		return cmp >= 0
	}
	return false
}
