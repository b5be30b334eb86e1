// Package formula evaluates the small arithmetic expressions used by the
// command catalog to turn raw response bytes into physical values.
//
// The grammar is fixed:
//
//	expr    := term (('+' | '-') term)*
//	term    := unary (('*' | '/') unary)*
//	unary   := ('-' | '+') unary | primary
//	primary := number | 'A' | 'B' | 'C' | 'D' | '(' expr ')'
//
// Anything else is rejected at compile time. Expressions never call out to
// host code.
package formula

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrDivisionByZero is returned when a divisor evaluates to zero.
	ErrDivisionByZero = errors.New("formula: division by zero")
	// ErrEmpty is returned for a blank formula.
	ErrEmpty = errors.New("formula: empty expression")
)

// maxDepth bounds parenthesis/unary nesting so hostile input cannot blow the stack.
const maxDepth = 64

// Vars holds the decoded payload bytes. Unused variables stay zero.
type Vars struct {
	A, B, C, D float64
}

// VarsFromBytes assigns the first four bytes to A..D.
func VarsFromBytes(b []byte) Vars {
	var v Vars
	dst := [4]*float64{&v.A, &v.B, &v.C, &v.D}
	for i := 0; i < len(b) && i < len(dst); i++ {
		*dst[i] = float64(b[i])
	}
	return v
}

// SyntaxError reports where a formula failed to parse.
type SyntaxError struct {
	Formula string
	Pos     int
	Msg     string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("formula: %s at offset %d in %q", e.Msg, e.Pos, e.Formula)
}

// Expr is a compiled formula. It is immutable and safe for concurrent use.
type Expr struct {
	src  string
	root node
}

// String returns the source text the expression was compiled from.
func (e *Expr) String() string { return e.src }

// Eval evaluates the expression against v.
func (e *Expr) Eval(v Vars) (float64, error) {
	return e.root.eval(v)
}

// Compile parses src into an Expr.
func Compile(src string) (*Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return nil, ErrEmpty
	}
	p := &parser{src: src, toks: toks}
	root, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	if p.pos < len(p.toks) {
		t := p.toks[p.pos]
		return nil, &SyntaxError{Formula: src, Pos: t.pos, Msg: fmt.Sprintf("unexpected %q", t.text)}
	}
	return &Expr{src: src, root: root}, nil
}

// Evaluate compiles and evaluates src in one step.
func Evaluate(src string, v Vars) (float64, error) {
	e, err := Compile(src)
	if err != nil {
		return 0, err
	}
	return e.Eval(v)
}

// ---------------------------------------------------------------------------
// Lexer
// ---------------------------------------------------------------------------

type tokKind int

const (
	tokNum tokKind = iota
	tokVar
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokKind
	text string
	pos  int
	num  float64
}

func lex(src string) ([]token, error) {
	var toks []token
	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c >= '0' && c <= '9' || c == '.':
			start := i
			for i < len(src) && (src[i] >= '0' && src[i] <= '9' || src[i] == '.') {
				i++
			}
			text := src[start:i]
			n, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, &SyntaxError{Formula: src, Pos: start, Msg: fmt.Sprintf("bad number %q", text)}
			}
			toks = append(toks, token{kind: tokNum, text: text, pos: start, num: n})
		case c >= 'A' && c <= 'D':
			// A variable directly followed by another letter is some other identifier.
			if i+1 < len(src) && isLetter(src[i+1]) {
				return nil, &SyntaxError{Formula: src, Pos: i, Msg: "unknown identifier"}
			}
			toks = append(toks, token{kind: tokVar, text: string(c), pos: i})
			i++
		case c == '+' || c == '-' || c == '*' || c == '/':
			toks = append(toks, token{kind: tokOp, text: string(c), pos: i})
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		default:
			return nil, &SyntaxError{Formula: src, Pos: i, Msg: fmt.Sprintf("invalid character %q", c)}
		}
	}
	return toks, nil
}

func isLetter(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

// ---------------------------------------------------------------------------
// Parser
// ---------------------------------------------------------------------------

type parser struct {
	src  string
	toks []token
	pos  int
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	return p.toks[p.pos], true
}

func (p *parser) errEOF() error {
	return &SyntaxError{Formula: p.src, Pos: len(p.src), Msg: "unexpected end of expression"}
}

func (p *parser) parseExpr(depth int) (node, error) {
	left, err := p.parseTerm(depth)
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokOp || (t.text != "+" && t.text != "-") {
			return left, nil
		}
		p.pos++
		right, err := p.parseTerm(depth)
		if err != nil {
			return nil, err
		}
		left = &binary{op: t.text[0], l: left, r: right}
	}
}

func (p *parser) parseTerm(depth int) (node, error) {
	left, err := p.parseUnary(depth)
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokOp || (t.text != "*" && t.text != "/") {
			return left, nil
		}
		p.pos++
		right, err := p.parseUnary(depth)
		if err != nil {
			return nil, err
		}
		left = &binary{op: t.text[0], l: left, r: right}
	}
}

func (p *parser) parseUnary(depth int) (node, error) {
	if depth > maxDepth {
		return nil, &SyntaxError{Formula: p.src, Pos: p.curPos(), Msg: "expression nested too deeply"}
	}
	t, ok := p.peek()
	if !ok {
		return nil, p.errEOF()
	}
	if t.kind == tokOp && (t.text == "-" || t.text == "+") {
		p.pos++
		operand, err := p.parseUnary(depth + 1)
		if err != nil {
			return nil, err
		}
		if t.text == "-" {
			return &negate{x: operand}, nil
		}
		return operand, nil
	}
	return p.parsePrimary(depth)
}

func (p *parser) parsePrimary(depth int) (node, error) {
	t, ok := p.peek()
	if !ok {
		return nil, p.errEOF()
	}
	switch t.kind {
	case tokNum:
		p.pos++
		return literal(t.num), nil
	case tokVar:
		p.pos++
		return variable(t.text[0]), nil
	case tokLParen:
		p.pos++
		inner, err := p.parseExpr(depth + 1)
		if err != nil {
			return nil, err
		}
		closing, ok := p.peek()
		if !ok {
			return nil, p.errEOF()
		}
		if closing.kind != tokRParen {
			return nil, &SyntaxError{Formula: p.src, Pos: closing.pos, Msg: "expected ')'"}
		}
		p.pos++
		return inner, nil
	}
	return nil, &SyntaxError{Formula: p.src, Pos: t.pos, Msg: fmt.Sprintf("unexpected %q", t.text)}
}

func (p *parser) curPos() int {
	if t, ok := p.peek(); ok {
		return t.pos
	}
	return len(p.src)
}

// ---------------------------------------------------------------------------
// AST
// ---------------------------------------------------------------------------

type node interface {
	eval(v Vars) (float64, error)
}

type literal float64

func (l literal) eval(Vars) (float64, error) { return float64(l), nil }

type variable byte

func (n variable) eval(v Vars) (float64, error) {
	switch n {
	case 'A':
		return v.A, nil
	case 'B':
		return v.B, nil
	case 'C':
		return v.C, nil
	default:
		return v.D, nil
	}
}

type negate struct{ x node }

func (n *negate) eval(v Vars) (float64, error) {
	x, err := n.x.eval(v)
	if err != nil {
		return 0, err
	}
	return -x, nil
}

type binary struct {
	op   byte
	l, r node
}

func (b *binary) eval(v Vars) (float64, error) {
	l, err := b.l.eval(v)
	if err != nil {
		return 0, err
	}
	r, err := b.r.eval(v)
	if err != nil {
		return 0, err
	}
	switch b.op {
	case '+':
		return l + r, nil
	case '-':
		return l - r, nil
	case '*':
		return l * r, nil
	default:
		if r == 0 {
			return 0, ErrDivisionByZero
		}
		return l / r, nil
	}
}
