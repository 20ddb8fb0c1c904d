package syntax

import (
	"strings"

	"github.com/sandboxsh/vsh/ast"
)

// arithParser is a precedence-climbing parser over an arithmetic
// expression string, per spec.md §4.2's arithmetic sub-grammar. It is
// invoked both for $((...)), (( ... )), and the for-loop C-style header.
type arithParser struct {
	p      *Parser
	src    string
	i      int
	base   ast.Pos
	file   *ast.File
}

func newArithParser(p *Parser, src string, base ast.Pos) *arithParser {
	return &arithParser{p: p, src: src, base: base, file: p.file}
}

// ParseArithm parses a standalone arithmetic expression, independent of
// any enclosing command parse. Runtime consumers (array subscripts,
// integer-attribute assignments and the arithmetic operands of `[[ ]]`,
// all evaluated after word expansion) need this because their source
// text is only known once expansion has run, long after the owning
// Parser has moved on.
func ParseArithm(src string) (ast.ArithmExpr, error) {
	p := &Parser{file: &ast.File{Name: "<arithm>"}}
	return newArithParser(p, src, 1).Parse()
}

func (a *arithParser) pos() ast.Pos { return a.base + ast.Pos(a.i) }

func (a *arithParser) skipSpace() {
	for a.i < len(a.src) && (a.src[a.i] == ' ' || a.src[a.i] == '\t' || a.src[a.i] == '\n') {
		a.i++
	}
}

func (a *arithParser) peek() byte {
	if a.i >= len(a.src) {
		return 0
	}
	return a.src[a.i]
}

func (a *arithParser) at(off int) byte {
	if a.i+off >= len(a.src) {
		return 0
	}
	return a.src[a.i+off]
}

// Parse parses the whole arithmetic expression, including top-level commas
// (the comma operator, left to right, result is the last expression).
func (a *arithParser) Parse() (ast.ArithmExpr, error) {
	x, err := a.parseComma()
	if err != nil {
		return nil, err
	}
	a.skipSpace()
	if a.i < len(a.src) {
		return nil, a.errorf("unexpected %q in arithmetic expression", a.src[a.i:])
	}
	return x, nil
}

func (a *arithParser) errorf(format string, args ...any) error {
	return newSyntaxError(a.file, a.pos(), format, args...)
}

func (a *arithParser) parseComma() (ast.ArithmExpr, error) {
	x, err := a.parseAssign()
	if err != nil {
		return nil, err
	}
	for {
		a.skipSpace()
		if a.peek() == ',' {
			a.i++
			y, err := a.parseAssign()
			if err != nil {
				return nil, err
			}
			// x is still evaluated for its side effects (e.g. an
			// assignment), just not as the result.
			x = &ast.BinaryArithm{Op: ArithComma, X: x, Y: y}
			continue
		}
		return x, nil
	}
}

func (a *arithParser) parseAssign() (ast.ArithmExpr, error) {
	x, err := a.parseTernary()
	if err != nil {
		return nil, err
	}
	a.skipSpace()
	start := a.i
	op, ok := a.matchAssignOp()
	if !ok {
		a.i = start
		return x, nil
	}
	y, err := a.parseAssign()
	if err != nil {
		return nil, err
	}
	return &ast.AssignArithm{OpPos: a.pos(), Op: op, Name: x, X: y}, nil
}

func (a *arithParser) matchAssignOp() (ast.Token, bool) {
	three := map[string]ast.Token{"<<=": ast.SHL, ">>=": ast.SHR}
	for s, base := range three {
		if strings.HasPrefix(a.src[a.i:], s) {
			a.i += 3
			return base, true
		}
	}
	two := map[string]ast.Token{
		"+=": ast.ASSIGN, "-=": ast.ASSIGN, "*=": ast.ASSIGN, "/=": ast.ASSIGN,
		"%=": ast.ASSIGN, "&=": ast.ASSIGN, "|=": ast.ASSIGN, "^=": ast.ASSIGN,
	}
	for s := range two {
		if strings.HasPrefix(a.src[a.i:], s) {
			a.i += 2
			switch s[0] {
			case '+':
				return ArithAddAssign, true
			case '-':
				return ArithSubAssign, true
			case '*':
				return ArithMulAssign, true
			case '/':
				return ArithQuoAssign, true
			case '%':
				return ArithRemAssign, true
			case '&':
				return ArithAndAssign, true
			case '|':
				return ArithOrAssign, true
			case '^':
				return ArithXorAssign, true
			}
		}
	}
	if a.peek() == '=' && a.at(1) != '=' {
		a.i++
		return ast.ASSIGN, true
	}
	return 0, false
}

// Synthetic tokens for the arithmetic sub-grammar's operators (spec.md
// §4.2/§4.4), exported so the expansion package's arithmetic evaluator
// (component C4) can switch on BinaryArithm.Op / UnaryArithm.Op /
// AssignArithm.Op without reaching into this package's parsing internals.
// Operators that already have a dedicated lexer token (||, &&, |, <<, >>,
// <, >, =, !) are reused as-is instead of being re-declared here.
const (
	ArithAddAssign ast.Token = 1000 + iota
	ArithSubAssign
	ArithMulAssign
	ArithQuoAssign
	ArithRemAssign
	ArithAndAssign
	ArithOrAssign
	ArithXorAssign
	ArithShlAssign
	ArithShrAssign
)

const ArithPow ast.Token = 3001

const (
	ArithInc ast.Token = 4001
	ArithDec ast.Token = 4002
)

const (
	ArithUPlus ast.Token = 4100 + iota
	ArithUMinus
	ArithBitNot
)

const (
	ArithAdd ast.Token = 2100 + iota
	ArithSub
	ArithMul
	ArithQuo
	ArithRem
	ArithEql
	ArithNeq
	ArithLeq
	ArithGeq
	ArithBitAnd // &
	ArithXor    // ^
	ArithComma
)

func (a *arithParser) parseTernary() (ast.ArithmExpr, error) {
	cond, err := a.parseBinary(0)
	if err != nil {
		return nil, err
	}
	a.skipSpace()
	if a.peek() == '?' {
		a.i++
		then, err := a.parseAssign()
		if err != nil {
			return nil, err
		}
		a.skipSpace()
		if a.peek() != ':' {
			return nil, a.errorf("expected ':' in ternary expression")
		}
		a.i++
		els, err := a.parseAssign()
		if err != nil {
			return nil, err
		}
		return &ast.TernaryArithm{Cond: cond, Then: then, Else: els}, nil
	}
	return cond, nil
}

// Binary operator precedence levels, lowest first, matching spec.md §4.2.
var binPrec = [][]string{
	{"||"},
	{"&&"},
	{"|"},
	{"^"},
	{"&"},
	{"==", "!="},
	{"<=", ">=", "<", ">"},
	{"<<", ">>"},
	{"+", "-"},
	{"*", "/", "%"},
}

func (a *arithParser) parseBinary(level int) (ast.ArithmExpr, error) {
	if level >= len(binPrec) {
		return a.parsePow()
	}
	x, err := a.parseBinary(level + 1)
	if err != nil {
		return nil, err
	}
	for {
		a.skipSpace()
		op, tok, ok := a.matchAnyOp(binPrec[level])
		if !ok {
			return x, nil
		}
		opPos := a.pos()
		a.i += len(op)
		y, err := a.parseBinary(level + 1)
		if err != nil {
			return nil, err
		}
		x = &ast.BinaryArithm{OpPos: opPos, Op: tok, X: x, Y: y}
	}
}

// assignableOps are operators that also have an "OP=" compound-assignment
// form; a bare match must not swallow the "OP" half of "OP=" here, since
// that belongs to parseAssign's matchAssignOp instead.
var assignableOps = map[string]bool{
	"+": true, "-": true, "*": true, "/": true, "%": true,
	"&": true, "|": true, "^": true, "<<": true, ">>": true,
}

func (a *arithParser) matchAnyOp(ops []string) (string, ast.Token, bool) {
	best := ""
	for _, op := range ops {
		if strings.HasPrefix(a.src[a.i:], op) && len(op) > len(best) {
			best = op
		}
	}
	if best == "" {
		return "", 0, false
	}
	if assignableOps[best] && a.at(len(best)) == '=' {
		return "", 0, false
	}
	return best, opToken(best), true
}

func opToken(s string) ast.Token {
	switch s {
	case "||":
		return ast.LOR
	case "&&":
		return ast.LAND
	case "|":
		return ast.PIPE
	case "<<":
		return ast.SHL
	case ">>":
		return ast.SHR
	case "<":
		return ast.LSS
	case ">":
		return ast.GTR
	case "+":
		return ArithAdd
	case "-":
		return ArithSub
	case "*":
		return ArithMul
	case "/":
		return ArithQuo
	case "%":
		return ArithRem
	case "^":
		return ArithXor
	case "&":
		return ArithBitAnd
	case "==":
		return ArithEql
	case "!=":
		return ArithNeq
	case "<=":
		return ArithLeq
	case ">=":
		return ArithGeq
	}
	return 0
}

func (a *arithParser) parsePow() (ast.ArithmExpr, error) {
	x, err := a.parseUnary()
	if err != nil {
		return nil, err
	}
	a.skipSpace()
	if strings.HasPrefix(a.src[a.i:], "**") {
		a.i += 2
		y, err := a.parsePow()
		if err != nil {
			return nil, err
		}
		return &ast.BinaryArithm{Op: ArithPow, X: x, Y: y}, nil
	}
	return x, nil
}

func (a *arithParser) parseUnary() (ast.ArithmExpr, error) {
	a.skipSpace()
	start := a.pos()
	switch {
	case strings.HasPrefix(a.src[a.i:], "++"):
		a.i += 2
		x, err := a.parseUnary()
		if err != nil {
			return nil, err
		}
		return &ast.UnaryArithm{OpPos: start, Op: ArithInc, X: x}, nil
	case strings.HasPrefix(a.src[a.i:], "--"):
		a.i += 2
		x, err := a.parseUnary()
		if err != nil {
			return nil, err
		}
		return &ast.UnaryArithm{OpPos: start, Op: ArithDec, X: x}, nil
	case a.peek() == '+' || a.peek() == '-' || a.peek() == '!' || a.peek() == '~':
		op := a.peek()
		a.i++
		x, err := a.parseUnary()
		if err != nil {
			return nil, err
		}
		var tok ast.Token
		switch op {
		case '+':
			tok = ArithUPlus
		case '-':
			tok = ArithUMinus
		case '!':
			tok = ast.NOT
		case '~':
			tok = ArithBitNot
		}
		return &ast.UnaryArithm{OpPos: start, Op: tok, X: x}, nil
	}
	return a.parsePostfix()
}

func (a *arithParser) parsePostfix() (ast.ArithmExpr, error) {
	x, err := a.parsePrimary()
	if err != nil {
		return nil, err
	}
	a.skipSpace()
	if strings.HasPrefix(a.src[a.i:], "++") {
		a.i += 2
		return &ast.UnaryArithm{Op: ArithInc, Post: true, X: x}, nil
	}
	if strings.HasPrefix(a.src[a.i:], "--") {
		a.i += 2
		return &ast.UnaryArithm{Op: ArithDec, Post: true, X: x}, nil
	}
	return x, nil
}

func (a *arithParser) parsePrimary() (ast.ArithmExpr, error) {
	a.skipSpace()
	start := a.pos()
	if a.peek() == '(' {
		a.i++
		x, err := a.parseComma()
		if err != nil {
			return nil, err
		}
		a.skipSpace()
		if a.peek() != ')' {
			return nil, a.errorf("expected ')'")
		}
		end := a.pos()
		a.i++
		return &ast.ParenArithm{Lparen: start, Rparen: end, X: x}, nil
	}
	lit, err := a.scanOperand()
	if err != nil {
		return nil, err
	}
	w, err := a.p.parseWordString(lit, start)
	if err != nil {
		return nil, err
	}
	return &ast.ArithmWord{W: w}, nil
}

// scanOperand scans a number, a base#digits literal, a bare/namref
// variable name, or a $-prefixed expansion, stopping before any
// operator character.
func (a *arithParser) scanOperand() (string, error) {
	start := a.i
	if a.peek() == '$' {
		// Let the word-part scanner consume the full $-expansion span.
		ws := &wordScanner{p: a.p, src: a.src, i: a.i, base: a.base}
		if err := ws.skipDollarSpan(); err != nil {
			return "", err
		}
		a.i = ws.i
		return a.src[start:a.i], nil
	}
	for a.i < len(a.src) {
		c := a.src[a.i]
		if isAlnum(c) || c == '_' || c == '#' || c == '.' {
			a.i++
			continue
		}
		break
	}
	if a.i == start {
		return "", a.errorf("expected arithmetic operand, found %q", string(a.peek()))
	}
	return a.src[start:a.i], nil
}
