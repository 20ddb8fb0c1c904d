package syntax

import "github.com/sandboxsh/vsh/ast"

// unaryCondOps is the closed set of `[[ ]]` unary test operators this
// subset supports (spec.md §4.2 "[[ ]] sub-grammar").
var unaryCondOps = map[string]bool{
	"-e": true, "-f": true, "-d": true, "-r": true, "-w": true, "-x": true,
	"-s": true, "-n": true, "-z": true, "-L": true, "-h": true, "-p": true,
	"-S": true, "-b": true, "-c": true, "-g": true, "-u": true, "-k": true,
	"-O": true, "-G": true, "-t": true, "-v": true, "-o": true, "-R": true,
}

var binaryCondWordOps = map[string]bool{
	"==": true, "!=": true, "=~": true, "=": true,
	"-eq": true, "-ne": true, "-lt": true, "-le": true, "-gt": true, "-ge": true,
	"-nt": true, "-ot": true, "-ef": true,
}

// parseCondOr parses `[[ ]]`'s top-level expression (spec.md §4.2,
// operator precedence: || lowest, && next, ! highest among logicals).
func (p *Parser) parseCondOr() (ast.CondExpr, error) {
	x, err := p.parseCondAnd()
	if err != nil {
		return nil, err
	}
	for p.is(ast.LOR) {
		if err := p.next(); err != nil {
			return nil, err
		}
		y, err := p.parseCondAnd()
		if err != nil {
			return nil, err
		}
		x = &ast.CondAndOr{Op: ast.LOR, X: x, Y: y}
	}
	return x, nil
}

func (p *Parser) parseCondAnd() (ast.CondExpr, error) {
	x, err := p.parseCondNot()
	if err != nil {
		return nil, err
	}
	for p.is(ast.LAND) {
		if err := p.next(); err != nil {
			return nil, err
		}
		y, err := p.parseCondNot()
		if err != nil {
			return nil, err
		}
		x = &ast.CondAndOr{Op: ast.LAND, X: x, Y: y}
	}
	return x, nil
}

func (p *Parser) parseCondNot() (ast.CondExpr, error) {
	if p.isWord("!") {
		pos := p.tok.Pos
		if err := p.next(); err != nil {
			return nil, err
		}
		x, err := p.parseCondNot()
		if err != nil {
			return nil, err
		}
		return &ast.CondNot{NotPos: pos, X: x}, nil
	}
	return p.parseCondPrimary()
}

func (p *Parser) parseCondPrimary() (ast.CondExpr, error) {
	if p.is(ast.LPAREN) {
		lparen := p.tok.Pos
		if err := p.next(); err != nil {
			return nil, err
		}
		x, err := p.parseCondOr()
		if err != nil {
			return nil, err
		}
		rparen := p.tok.Pos
		if !p.is(ast.RPAREN) {
			return nil, p.errorf(rparen, "expected ')' in conditional expression")
		}
		if err := p.next(); err != nil {
			return nil, err
		}
		return &ast.CondParen{Lparen: lparen, Rparen: rparen, X: x}, nil
	}

	if p.tok.Kind == ast.WORD && unaryCondOps[p.tok.Value] {
		opPos := p.tok.Pos
		op := unaryTestToken(p.tok.Value)
		if err := p.next(); err != nil {
			return nil, err
		}
		operand, err := p.parseCondWord()
		if err != nil {
			return nil, err
		}
		return &ast.CondUnary{OpPos: opPos, Op: op, X: operand}, nil
	}

	left, err := p.parseCondWord()
	if err != nil {
		return nil, err
	}

	if op, tok, ok := p.matchCondBinaryOp(); ok {
		_ = op
		if err := p.next(); err != nil {
			return nil, err
		}
		right, err := p.parseCondWord()
		if err != nil {
			return nil, err
		}
		return &ast.CondBinary{Op: tok, X: left, Y: right}, nil
	}

	return left, nil
}

// parseCondWord parses one bare operand word inside `[[ ]]`.
func (p *Parser) parseCondWord() (ast.CondExpr, error) {
	if p.tok.Kind != ast.WORD && p.tok.Kind != ast.ASSIGNWORD {
		return nil, p.errorf(p.tok.Pos, "expected word in conditional expression, found %v", p.tok.Kind)
	}
	w, err := p.parseWordString(p.tok.Value, p.tok.Pos)
	if err != nil {
		return nil, err
	}
	if err := p.next(); err != nil {
		return nil, err
	}
	return &ast.CondWord{W: w}, nil
}

func (p *Parser) matchCondBinaryOp() (string, ast.Token, bool) {
	switch {
	case p.tok.Kind == ast.WORD && binaryCondWordOps[p.tok.Value]:
		return p.tok.Value, binaryTestToken(p.tok.Value), true
	case p.is(ast.LSS):
		return "<", ast.LSS, true
	case p.is(ast.GTR):
		return ">", ast.GTR, true
	}
	return "", 0, false
}

// Synthetic tokens for the `[[ ]]` test operators, local to the
// conditional sub-grammar (ast.Token's named constants only cover the
// lexer-level operator/reserved-word set).
const (
	condUnaryBase ast.Token = 5000
	condBinaryBase ast.Token = 5100
)

var unaryCondOrder = []string{
	"-e", "-f", "-d", "-r", "-w", "-x", "-s", "-n", "-z", "-L", "-h", "-p",
	"-S", "-b", "-c", "-g", "-u", "-k", "-O", "-G", "-t", "-v", "-o", "-R",
}

var binaryCondOrder = []string{
	"==", "!=", "=~", "=", "-eq", "-ne", "-lt", "-le", "-gt", "-ge", "-nt", "-ot", "-ef",
}

func unaryTestToken(op string) ast.Token {
	for i, s := range unaryCondOrder {
		if s == op {
			return condUnaryBase + ast.Token(i)
		}
	}
	return condUnaryBase
}

func binaryTestToken(op string) ast.Token {
	for i, s := range binaryCondOrder {
		if s == op {
			return condBinaryBase + ast.Token(i)
		}
	}
	return condBinaryBase
}

// CondOpName reverses unaryTestToken/binaryTestToken for diagnostics and
// for the interpreter's conditional evaluator (component C5).
func CondOpName(t ast.Token) string {
	if t >= condUnaryBase && int(t-condUnaryBase) < len(unaryCondOrder) {
		return unaryCondOrder[t-condUnaryBase]
	}
	if t >= condBinaryBase && int(t-condBinaryBase) < len(binaryCondOrder) {
		return binaryCondOrder[t-condBinaryBase]
	}
	switch t {
	case ast.LSS:
		return "<"
	case ast.GTR:
		return ">"
	}
	return "?"
}
