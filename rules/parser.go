package rules

import (
	"fmt"
	"regexp"
	"strconv"
)

type parser struct {
	lex  *lexer
	tok  token
	code string
}

func parse(code string) (expr, error) {
	p := &parser{lex: newLexer(code), code: code}
	if err := p.advance(); err != nil {
		return nil, err
	}
	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.tok.id != tokEOF {
		return nil, fmt.Errorf("unexpected %q at %d", p.tok.val, p.tok.pos)
	}
	return e, nil
}

func (p *parser) advance() error {
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = t
	return nil
}

func (p *parser) expect(id tokenID, what string) error {
	if p.tok.id != id {
		return fmt.Errorf("expected %s, got %q at %d", what, p.tok.val, p.tok.pos)
	}
	return p.advance()
}

func (p *parser) parseOr() (expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.tok.id == tokOr {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = logicalOp{and: false, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.tok.id == tokAnd {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = logicalOp{and: true, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (expr, error) {
	if p.tok.id == tokNot {
		if err := p.advance(); err != nil {
			return nil, err
		}
		arg, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return notOp{arg: arg}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (expr, error) {
	left, err := p.parseConcat()
	if err != nil {
		return nil, err
	}
	switch op := p.tok.id; op {
	case tokEq, tokNe, tokLt, tokLe, tokGt, tokGe:
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseConcat()
		if err != nil {
			return nil, err
		}
		return binaryOp{op: op, left: left, right: right}, nil
	case tokMatch, tokNotMatch:
		pos := p.tok.pos
		if err := p.advance(); err != nil {
			return nil, err
		}
		// the pattern must be a literal so it can be compiled here, once
		if p.tok.id != tokString {
			return nil, fmt.Errorf("regexp pattern at %d must be a string literal", pos)
		}
		re, err := regexp.Compile(p.tok.val)
		if err != nil {
			return nil, fmt.Errorf("invalid regexp at %d: %w", pos, err)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return matchOp{negated: op == tokNotMatch, left: left, pattern: re}, nil
	}
	return left, nil
}

func (p *parser) parseConcat() (expr, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.tok.id == tokPlus {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		left = binaryOp{op: tokPlus, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parsePrimary() (expr, error) {
	switch p.tok.id {
	case tokOpenParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokCloseParen, `")"`); err != nil {
			return nil, err
		}
		return e, nil
	case tokString:
		e := literal{val: p.tok.val}
		return e, p.advance()
	case tokNumber:
		// format already checked by the lexer
		n, _ := strconv.ParseInt(p.tok.val, 10, 64)
		e := literal{val: n}
		return e, p.advance()
	case tokAttr:
		e := attrRef{name: p.tok.val}
		return e, p.advance()
	case tokIdent:
		return p.parseCall()
	}
	return nil, fmt.Errorf("unexpected %q at %d", p.tok.val, p.tok.pos)
}

func (p *parser) parseCall() (expr, error) {
	name, pos := p.tok.val, p.tok.pos
	if err := p.advance(); err != nil {
		return nil, err
	}
	switch name {
	case "true":
		return literal{val: true}, nil
	case "false":
		return literal{val: false}, nil
	}
	fn, ok := helpers[name]
	if !ok {
		return nil, fmt.Errorf("unknown function %q at %d", name, pos)
	}
	if err := p.expect(tokOpenParen, `"("`); err != nil {
		return nil, err
	}
	var args []expr
	if p.tok.id != tokCloseParen {
		for {
			a, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			args = append(args, a)
			if p.tok.id != tokComma {
				break
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
	}
	if err := p.expect(tokCloseParen, `")"`); err != nil {
		return nil, err
	}
	return call{name: name, fn: fn, args: args}, nil
}
