package rules

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

type tokenID int

const (
	tokEOF tokenID = iota
	tokString
	tokNumber
	tokAttr
	tokIdent
	tokAnd
	tokOr
	tokNot
	tokEq
	tokNe
	tokMatch
	tokNotMatch
	tokLt
	tokLe
	tokGt
	tokGe
	tokPlus
	tokOpenParen
	tokCloseParen
	tokComma
)

type token struct {
	id  tokenID
	val string
	pos int
}

func (t token) String() string { return t.val }

var (
	errInvalidCharacter = errors.New("invalid character")
	errIncompleteToken  = errors.New("incomplete token")
)

// longer operators first so that e.g. "<=" is not scanned as "<", "="
var fixedTokens = []struct {
	text string
	id   tokenID
}{
	{"&&", tokAnd},
	{"||", tokOr},
	{"==", tokEq},
	{"!=", tokNe},
	{"=~", tokMatch},
	{"!~", tokNotMatch},
	{"<=", tokLe},
	{">=", tokGe},
	{"<", tokLt},
	{">", tokGt},
	{"!", tokNot},
	{"+", tokPlus},
	{"(", tokOpenParen},
	{")", tokCloseParen},
	{",", tokComma},
}

var keywordTokens = map[string]tokenID{
	"and": tokAnd,
	"or":  tokOr,
	"not": tokNot,
}

type charPredicate func(byte) bool

func isDigit(b byte) bool  { return b >= '0' && b <= '9' }
func isLetter(b byte) bool { return unicode.IsLetter(rune(b)) }
func isIdentChar(b byte) bool {
	return isLetter(b) || isDigit(b) || b == '_'
}

type lexer struct {
	code string
	pos  int
}

func newLexer(code string) *lexer {
	return &lexer{code: code}
}

func (l *lexer) skipWhitespace() {
	for l.pos < len(l.code) && (l.code[l.pos] == ' ' || l.code[l.pos] == '\t' || l.code[l.pos] == '\n' || l.code[l.pos] == '\r') {
		l.pos++
	}
}

func (l *lexer) takeWhile(p charPredicate) string {
	start := l.pos
	for l.pos < len(l.code) && p(l.code[l.pos]) {
		l.pos++
	}
	return l.code[start:l.pos]
}

func (l *lexer) scanString(quote byte) (token, error) {
	start := l.pos
	l.pos++
	var sb strings.Builder
	for l.pos < len(l.code) {
		b := l.code[l.pos]
		switch b {
		case quote:
			l.pos++
			return token{id: tokString, val: sb.String(), pos: start}, nil
		case '\\':
			if l.pos+1 >= len(l.code) {
				return token{}, fmt.Errorf("%w: unterminated escape at %d", errIncompleteToken, l.pos)
			}
			l.pos++
			sb.WriteByte(l.code[l.pos])
			l.pos++
		default:
			sb.WriteByte(b)
			l.pos++
		}
	}
	return token{}, fmt.Errorf("%w: unterminated string at %d", errIncompleteToken, start)
}

func (l *lexer) next() (token, error) {
	l.skipWhitespace()
	if l.pos >= len(l.code) {
		return token{id: tokEOF, pos: l.pos}, nil
	}

	start := l.pos
	b := l.code[l.pos]

	switch {
	case b == '"' || b == '\'':
		return l.scanString(b)
	case b == '$':
		l.pos++
		name := l.takeWhile(isIdentChar)
		if name == "" {
			return token{}, fmt.Errorf("%w: empty attribute reference at %d", errIncompleteToken, start)
		}
		return token{id: tokAttr, val: name, pos: start}, nil
	case isDigit(b):
		return token{id: tokNumber, val: l.takeWhile(isDigit), pos: start}, nil
	case isLetter(b) || b == '_':
		word := l.takeWhile(isIdentChar)
		if id, ok := keywordTokens[word]; ok {
			return token{id: id, val: word, pos: start}, nil
		}
		return token{id: tokIdent, val: word, pos: start}, nil
	}

	for _, ft := range fixedTokens {
		if strings.HasPrefix(l.code[l.pos:], ft.text) {
			l.pos += len(ft.text)
			return token{id: ft.id, val: ft.text, pos: start}, nil
		}
	}
	return token{}, fmt.Errorf("%w: %q at %d", errInvalidCharacter, b, start)
}
