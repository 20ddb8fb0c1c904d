// Package syntax implements the lexer and recursive-descent parser for
// the shell grammar subset described in spec.md (components C1 and C2):
// pipelines, logical lists, compound commands, functions, here-documents,
// nested $(...), ${...} with its full operator set, $((...)), [[ ... ]],
// (( ... )), arrays, and the shell's quoting rules.
package syntax

import (
	"strings"

	"github.com/sandboxsh/vsh/ast"
)

// maxTokensPerStatement guards against pathological grammars consuming
// unbounded tokens without progress, per spec.md §4.2's safety cap.
const maxTokensPerStatement = 10000

// Parser builds an *ast.File from shell source text.
type Parser struct {
	file *ast.File
	lex  *Lexer

	tok     Token
	ahead   *Token
	tokenCount int
}

// NewParser returns a fresh Parser. Each invocation of $(...)/`...` gets
// its own Parser instance (spec.md §4.2 "Nested contexts"), so nested
// parsing never disturbs the outer parser's token state.
func NewParser() *Parser {
	return &Parser{}
}

// Parse lexes and parses src (named name for diagnostics) into a File.
func (p *Parser) Parse(src, name string) (*ast.File, error) {
	p.file = &ast.File{Name: name}
	p.lex = NewLexer(src, p.file)
	if err := p.next(); err != nil {
		return nil, err
	}
	stmts, err := p.parseStmtList(nil)
	if err != nil {
		return nil, err
	}
	p.file.Stmts = stmts
	return p.file, nil
}

func (p *Parser) errorf(pos ast.Pos, format string, args ...any) error {
	return newSyntaxError(p.file, pos, format, args...)
}

func (p *Parser) next() error {
	tok, err := p.lex.Next()
	if err != nil {
		return err
	}
	p.tok = tok
	p.tokenCount++
	if p.tokenCount > maxTokensPerStatement {
		return p.errorf(tok.Pos, "statement too long (safety cap exceeded)")
	}
	return nil
}

func (p *Parser) is(k ast.Token) bool { return p.tok.Kind == k }

func (p *Parser) isWord(v string) bool { return p.tok.Kind == ast.WORD && p.tok.Value == v }

// stopSet names the reserved words that terminate a statement list, so
// callers can tell "end of input" from "end of this nested block".
type stopSet map[string]bool

// atStop reports whether the current token ends a word-delimited
// statement list: EOF always does, and a bare WORD matching one of the
// caller's reserved-word terminators (e.g. "done", "fi", "}") does too.
// Operator-delimited blocks (subshells, `[[ ]]`, `(( ))`) are parsed by
// dedicated loops instead of parseStmtList, since their closing token is
// a real operator, not a WORD.
func (p *Parser) atStop(stop stopSet) bool {
	if p.tok.Kind == ast.EOF {
		return true
	}
	if p.tok.Kind == ast.WORD && stop[p.tok.Value] {
		return true
	}
	// A case item's statement list ends at its terminator, whichever of
	// the three comes first; none of these tokens can start a statement
	// in any context parseStmtList is used from, so stopping here is
	// always correct, not just inside case bodies.
	switch p.tok.Kind {
	case ast.DSEMI, ast.SEMIFALL, ast.DSEMIFALL:
		return true
	}
	return false
}

func (p *Parser) skipNewlinesAndSemis() error {
	for p.is(ast.NEWLINE) || p.is(ast.SEMI) {
		wasNL := p.is(ast.NEWLINE)
		if err := p.next(); err != nil {
			return err
		}
		if wasNL && p.lex.HasPendingHeredocs() {
			if err := p.lex.ConsumeHeredocs(); err != nil {
				return err
			}
			if err := p.refreshAfterHeredocs(); err != nil {
				return err
			}
		}
	}
	return nil
}

// refreshAfterHeredocs re-reads the current token after the lexer has
// consumed raw heredoc-body lines out from under it.
func (p *Parser) refreshAfterHeredocs() error {
	return p.next()
}

func (p *Parser) parseStmtList(stop stopSet) ([]*ast.Stmt, error) {
	var stmts []*ast.Stmt
	if err := p.skipNewlinesAndSemis(); err != nil {
		return nil, err
	}
	for !p.atStop(stop) {
		before := p.tokenCount
		st, err := p.parseStmt(stop)
		if err != nil {
			return nil, err
		}
		if st != nil {
			stmts = append(stmts, st)
		}
		if err := p.skipNewlinesAndSemis(); err != nil {
			return nil, err
		}
		if p.tokenCount == before {
			return nil, p.errorf(p.tok.Pos, "unexpected %v %q", p.tok.Kind, p.tok.Value)
		}
	}
	return stmts, nil
}

// parseStmt parses one Statement: a chain of pipelines joined by &&/||,
// optionally terminated by ; or & (spec.md §3 Statement / §4.2
// "Precedence of combinators").
func (p *Parser) parseStmt(stop stopSet) (*ast.Stmt, error) {
	pos := p.tok.Pos
	first, err := p.parsePipeline(stop)
	if err != nil {
		return nil, err
	}
	if first == nil {
		return nil, nil
	}
	st := &ast.Stmt{Position: pos, Pipelines: []*ast.Pipeline{first}}
	for p.is(ast.LAND) || p.is(ast.LOR) {
		op := p.tok.Kind
		if err := p.next(); err != nil {
			return nil, err
		}
		if err := p.skipJustNewlines(); err != nil {
			return nil, err
		}
		next, err := p.parsePipeline(stop)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, p.errorf(p.tok.Pos, "expected command after %q", op)
		}
		st.Pipelines = append(st.Pipelines, next)
		st.Ops = append(st.Ops, op)
	}
	if p.is(ast.AND) {
		st.Background = true
		if err := p.next(); err != nil {
			return nil, err
		}
	} else if p.is(ast.SEMI) {
		// consumed by caller's skipNewlinesAndSemis
	}
	return st, nil
}

func (p *Parser) skipJustNewlines() error {
	for p.is(ast.NEWLINE) {
		if err := p.next(); err != nil {
			return err
		}
		if p.lex.HasPendingHeredocs() {
			if err := p.lex.ConsumeHeredocs(); err != nil {
				return err
			}
			if err := p.refreshAfterHeredocs(); err != nil {
				return err
			}
		}
	}
	return nil
}

// parsePipeline parses commands joined by | or |&, with an optional
// leading "!" negation (spec.md §3 Pipeline).
func (p *Parser) parsePipeline(stop stopSet) (*ast.Pipeline, error) {
	negated := false
	for p.isWord("!") {
		negated = !negated
		if err := p.next(); err != nil {
			return nil, err
		}
	}
	first, err := p.parseCmd(stop)
	if err != nil {
		return nil, err
	}
	if first == nil {
		if negated {
			return nil, p.errorf(p.tok.Pos, "expected command after '!'")
		}
		return nil, nil
	}
	pl := &ast.Pipeline{Negated: negated, Commands: []*ast.Cmd{first}}
	for p.is(ast.PIPE) || p.is(ast.PIPEALL) {
		stderrPiped := p.is(ast.PIPEALL)
		if err := p.next(); err != nil {
			return nil, err
		}
		if err := p.skipJustNewlines(); err != nil {
			return nil, err
		}
		next, err := p.parseCmd(stop)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, p.errorf(p.tok.Pos, "expected command after '|'")
		}
		pl.StdErrPiped = append(pl.StdErrPiped, stderrPiped)
		pl.Commands = append(pl.Commands, next)
	}
	pl.StdErrPiped = append(pl.StdErrPiped, false) // padding for last command, unused
	return pl, nil
}

// parseCmd parses assignments, redirections, and a command (simple or
// compound), per spec.md §4.2 "Simple command" / "Compound commands".
func (p *Parser) parseCmd(stop stopSet) (*ast.Cmd, error) {
	pos := p.tok.Pos
	var assigns []*ast.Assign
	var redirs []*ast.Redirect

	for {
		if p.is(ast.ASSIGNWORD) {
			a, err := p.parseAssign()
			if err != nil {
				return nil, err
			}
			assigns = append(assigns, a)
			continue
		}
		if r, ok, err := p.tryParseRedirect(); err != nil {
			return nil, err
		} else if ok {
			redirs = append(redirs, r)
			continue
		}
		break
	}

	if p.atStop(stop) || p.is(ast.SEMI) || p.is(ast.NEWLINE) || p.is(ast.AND) ||
		p.is(ast.LAND) || p.is(ast.LOR) || p.is(ast.PIPE) || p.is(ast.PIPEALL) ||
		p.is(ast.RPAREN) || p.is(ast.DSEMI) || p.is(ast.SEMIFALL) || p.is(ast.DSEMIFALL) {
		if len(assigns) == 0 && len(redirs) == 0 {
			return nil, nil
		}
		return &ast.Cmd{Position: pos, Assigns: assigns, Redirs: redirs}, nil
	}

	cmdNode, extra, err := p.parseCommand(stop)
	if err != nil {
		return nil, err
	}
	redirs = append(redirs, extra...)

	for {
		if r, ok, err := p.tryParseRedirect(); err != nil {
			return nil, err
		} else if ok {
			redirs = append(redirs, r)
			continue
		}
		break
	}

	return &ast.Cmd{Position: pos, Assigns: assigns, Redirs: redirs, Command: cmdNode}, nil
}

func (p *Parser) parseAssign() (*ast.Assign, error) {
	raw := p.tok.Value
	pos := p.tok.Pos
	eq := indexAssignEq(raw)
	namePart := raw[:eq]
	append_ := false
	name := namePart
	if len(namePart) > 0 && namePart[len(namePart)-1] == '+' {
		append_ = true
		name = namePart[:len(namePart)-1]
	}
	var idx ast.Word
	if b := indexOf(name, '['); b >= 0 {
		idxSrc := name[b+1 : len(name)-1]
		w, err := p.parseWordString(idxSrc, pos+ast.Pos(b+1))
		if err != nil {
			return nil, err
		}
		idx = w
		name = name[:b]
	}
	valSrc := raw[eq+1:]
	if err := p.next(); err != nil {
		return nil, err
	}
	// NAME=(...) array literal: '(' always ends a word in the lexer, so
	// the array body arrives as a separate LPAREN group right after the
	// `NAME=` word.
	if valSrc == "" && p.is(ast.LPAREN) {
		arr, err := p.parseArrayLiteral()
		if err != nil {
			return nil, err
		}
		return &ast.Assign{NamePos: pos, Name: name, Index: idx, Append: append_, IsArray: true, Array: arr}, nil
	}
	w, err := p.parseWordString(valSrc, pos+ast.Pos(eq+1))
	if err != nil {
		return nil, err
	}
	return &ast.Assign{NamePos: pos, Name: name, Index: idx, Append: append_, Value: w}, nil
}

func (p *Parser) parseArrayLiteral() ([]ast.ArrayElem, error) {
	if err := p.next(); err != nil { // consume (
		return nil, err
	}
	var elems []ast.ArrayElem
	for !p.is(ast.RPAREN) && !p.is(ast.EOF) {
		if p.is(ast.NEWLINE) {
			if err := p.next(); err != nil {
				return nil, err
			}
			continue
		}
		if p.tok.Kind != ast.WORD && p.tok.Kind != ast.ASSIGNWORD {
			return nil, p.errorf(p.tok.Pos, "expected array element, found %v", p.tok.Kind)
		}
		raw := p.tok.Value
		pos := p.tok.Pos
		var idx ast.Word
		val := raw
		if len(raw) > 1 && raw[0] == '[' {
			if j := indexOf(raw, ']'); j > 0 && j+1 < len(raw) && raw[j+1] == '=' {
				idxSrc := raw[1:j]
				w, err := p.parseWordString(idxSrc, pos+1)
				if err != nil {
					return nil, err
				}
				idx = w
				val = raw[j+2:]
				pos = pos + ast.Pos(j+2)
			}
		}
		w, err := p.parseWordString(val, pos)
		if err != nil {
			return nil, err
		}
		elems = append(elems, ast.ArrayElem{Index: idx, Value: w})
		if err := p.next(); err != nil {
			return nil, err
		}
	}
	if p.is(ast.RPAREN) {
		if err := p.next(); err != nil {
			return nil, err
		}
	}
	return elems, nil
}

func indexAssignEq(raw string) int {
	depth := 0
	for i := 0; i < len(raw); i++ {
		switch raw[i] {
		case '[':
			depth++
		case ']':
			depth--
		case '=':
			if depth == 0 {
				return i
			}
		}
	}
	return len(raw)
}

func indexOf(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// tryParseRedirect consumes a redirection operator + target if the
// current token is one, handling the optional explicit fd number
// prefix (adjacency-checked via Pos/End per spec.md §4.1).
func (p *Parser) tryParseRedirect() (*ast.Redirect, bool, error) {
	var fd *int
	opPos := p.tok.Pos
	if p.tok.Kind == ast.WORD && isAllDigits(p.tok.Value) {
		if ahead, ok := p.peekAhead(); ok && ahead.Pos == p.tok.End && isRedirOp(ahead.Kind) {
			n := 0
			for _, c := range p.tok.Value {
				n = n*10 + int(c-'0')
			}
			fd = &n
			if err := p.next(); err != nil {
				return nil, false, err
			}
			opPos = p.tok.Pos
		}
	}
	op := p.tok.Kind
	if !isRedirOp(op) {
		return nil, false, nil
	}
	if err := p.next(); err != nil {
		return nil, false, err
	}
	if op == ast.SHL || op == ast.DHEREDOC {
		delimRaw := p.tok.Value
		quoted := isFullyQuoted(delimRaw)
		delim := stripQuotesLiteral(delimRaw)
		h := &ast.HereDoc{Delim: delim, DelimPos: p.tok.Pos, StripTabs: op == ast.DHEREDOC, Quoted: quoted}
		p.lex.RegisterHeredoc(h)
		r := &ast.Redirect{OpPos: opPos, Op: op, N: fd, Hdoc: h}
		if err := p.next(); err != nil {
			return nil, false, err
		}
		return r, true, nil
	}
	w, err := p.parseWordString(p.tok.Value, p.tok.Pos)
	if err != nil {
		return nil, false, err
	}
	r := &ast.Redirect{OpPos: opPos, Op: op, N: fd, Word: w}
	if err := p.next(); err != nil {
		return nil, false, err
	}
	return r, true, nil
}

// ---- command dispatch ----

var stopThen = stopSet{"then": true}
var stopFiElifElse = stopSet{"fi": true, "elif": true, "else": true}
var stopDone = stopSet{"done": true}
var stopDo = stopSet{"do": true}
var stopEsac = stopSet{"esac": true}
var stopRbrace = stopSet{"}": true}

// parseCommand parses the command that follows any prefix
// assignments/redirections already consumed by parseCmd (spec.md §4.2
// "Compound commands").
func (p *Parser) parseCommand(stop stopSet) (ast.Command, []*ast.Redirect, error) {
	switch {
	case p.isWord("if"):
		n, err := p.parseIf()
		return n, nil, err
	case p.isWord("while"):
		n, err := p.parseWhile()
		return n, nil, err
	case p.isWord("until"):
		n, err := p.parseUntil()
		return n, nil, err
	case p.isWord("for"):
		n, err := p.parseFor()
		return n, nil, err
	case p.isWord("case"):
		n, err := p.parseCase()
		return n, nil, err
	case p.isWord("function"):
		n, err := p.parseFunctionDefKeyword()
		return n, nil, err
	case p.isWord("{"):
		n, err := p.parseGroup()
		return n, nil, err
	case p.is(ast.LPAREN):
		n, err := p.parseSubshell()
		return n, nil, err
	case p.is(ast.DLPAREN):
		n, err := p.parseArithmCmd()
		return n, nil, err
	case p.is(ast.DLBRCK):
		n, err := p.parseCondCmd()
		return n, nil, err
	default:
		return p.parseSimpleOrFuncDef(stop)
	}
}

func (p *Parser) expectWord(w string) error {
	if !p.isWord(w) {
		return p.errorf(p.tok.Pos, "expected %q, found %v %q", w, p.tok.Kind, p.tok.Value)
	}
	return p.next()
}

func (p *Parser) parseIf() (*ast.If, error) {
	ifPos := p.tok.Pos
	if err := p.next(); err != nil {
		return nil, err
	}
	cond, err := p.parseStmtList(stopThen)
	if err != nil {
		return nil, err
	}
	if err := p.expectWord("then"); err != nil {
		return nil, err
	}
	then, err := p.parseStmtList(stopFiElifElse)
	if err != nil {
		return nil, err
	}
	node := &ast.If{IfPos: ifPos, Cond: cond, Then: then}
	for p.isWord("elif") {
		if err := p.next(); err != nil {
			return nil, err
		}
		econd, err := p.parseStmtList(stopThen)
		if err != nil {
			return nil, err
		}
		if err := p.expectWord("then"); err != nil {
			return nil, err
		}
		ethen, err := p.parseStmtList(stopFiElifElse)
		if err != nil {
			return nil, err
		}
		node.Elifs = append(node.Elifs, &ast.Elif{Cond: econd, Then: ethen})
	}
	if p.isWord("else") {
		if err := p.next(); err != nil {
			return nil, err
		}
		els, err := p.parseStmtList(stopSet{"fi": true})
		if err != nil {
			return nil, err
		}
		node.Else = els
	}
	node.FiPos = p.tok.Pos
	if err := p.expectWord("fi"); err != nil {
		return nil, err
	}
	return node, nil
}

func (p *Parser) parseWhile() (*ast.While, error) {
	pos := p.tok.Pos
	if err := p.next(); err != nil {
		return nil, err
	}
	cond, err := p.parseStmtList(stopDo)
	if err != nil {
		return nil, err
	}
	if err := p.expectWord("do"); err != nil {
		return nil, err
	}
	body, err := p.parseStmtList(stopDone)
	if err != nil {
		return nil, err
	}
	donePos := p.tok.Pos
	if err := p.expectWord("done"); err != nil {
		return nil, err
	}
	return &ast.While{Pos_: pos, DonePos: donePos, Cond: cond, Do: body}, nil
}

func (p *Parser) parseUntil() (*ast.Until, error) {
	pos := p.tok.Pos
	if err := p.next(); err != nil {
		return nil, err
	}
	cond, err := p.parseStmtList(stopDo)
	if err != nil {
		return nil, err
	}
	if err := p.expectWord("do"); err != nil {
		return nil, err
	}
	body, err := p.parseStmtList(stopDone)
	if err != nil {
		return nil, err
	}
	donePos := p.tok.Pos
	if err := p.expectWord("done"); err != nil {
		return nil, err
	}
	return &ast.Until{Pos_: pos, DonePos: donePos, Cond: cond, Do: body}, nil
}

// parseFor handles both `for name [in words]; do ... done` and the
// C-style `for ((init; cond; post)); do ... done` (spec.md §4.2 "for").
func (p *Parser) parseFor() (ast.Command, error) {
	pos := p.tok.Pos
	if err := p.next(); err != nil {
		return nil, err
	}
	if p.is(ast.DLPAREN) {
		return p.parseCStyleFor(pos)
	}
	if p.tok.Kind != ast.WORD {
		return nil, p.errorf(p.tok.Pos, "expected name after 'for'")
	}
	name := p.tok.Value
	if err := p.next(); err != nil {
		return nil, err
	}
	if err := p.skipJustNewlines(); err != nil {
		return nil, err
	}
	node := &ast.For{Pos_: pos, Name: name}
	if p.isWord("in") {
		node.HasIn = true
		if err := p.next(); err != nil {
			return nil, err
		}
		for p.tok.Kind == ast.WORD || p.tok.Kind == ast.ASSIGNWORD {
			w, err := p.parseWordString(p.tok.Value, p.tok.Pos)
			if err != nil {
				return nil, err
			}
			node.Items = append(node.Items, w)
			if err := p.next(); err != nil {
				return nil, err
			}
		}
	}
	if err := p.skipNewlinesAndSemis(); err != nil {
		return nil, err
	}
	if err := p.expectWord("do"); err != nil {
		return nil, err
	}
	body, err := p.parseStmtList(stopDone)
	if err != nil {
		return nil, err
	}
	node.Do = body
	node.DonePos = p.tok.Pos
	if err := p.expectWord("done"); err != nil {
		return nil, err
	}
	return node, nil
}

func (p *Parser) parseCStyleFor(pos ast.Pos) (*ast.CStyleFor, error) {
	lparen := p.tok.Pos
	if err := p.next(); err != nil { // consume ((
		return nil, err
	}
	for !p.is(ast.DRPAREN) {
		if p.is(ast.EOF) {
			return nil, p.errorf(lparen, "expected '))' to close for-loop header")
		}
		if err := p.next(); err != nil {
			return nil, err
		}
	}
	header := p.lex.src[int(lparen)+1 : int(p.tok.Pos)-1]
	headerPos := lparen + 2
	if err := p.next(); err != nil {
		return nil, err
	}
	parts := splitCStyleForHeader(header)
	node := &ast.CStyleFor{Pos_: pos}
	at := headerPos
	if parts[0] != "" {
		x, err := newArithParser(p, parts[0], at).Parse()
		if err != nil {
			return nil, err
		}
		node.Init = x
	}
	at += ast.Pos(len(parts[0]) + 1)
	if parts[1] != "" {
		x, err := newArithParser(p, parts[1], at).Parse()
		if err != nil {
			return nil, err
		}
		node.Cond = x
	}
	at += ast.Pos(len(parts[1]) + 1)
	if parts[2] != "" {
		x, err := newArithParser(p, parts[2], at).Parse()
		if err != nil {
			return nil, err
		}
		node.Post = x
	}
	if err := p.skipJustNewlines(); err != nil {
		return nil, err
	}
	if p.is(ast.SEMI) {
		if err := p.next(); err != nil {
			return nil, err
		}
	}
	if err := p.skipNewlinesAndSemis(); err != nil {
		return nil, err
	}
	if err := p.expectWord("do"); err != nil {
		return nil, err
	}
	body, err := p.parseStmtList(stopDone)
	if err != nil {
		return nil, err
	}
	node.DonePos = p.tok.Pos
	if err := p.expectWord("done"); err != nil {
		return nil, err
	}
	node.Do = body
	return node, nil
}

func splitCStyleForHeader(s string) [3]string {
	var out [3]string
	idx := 0
	depth := 0
	start := 0
	for i := 0; i < len(s) && idx < 2; i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		case ';':
			if depth == 0 {
				out[idx] = strings.TrimSpace(s[start:i])
				start = i + 1
				idx++
			}
		}
	}
	out[idx] = strings.TrimSpace(s[start:])
	return out
}

func (p *Parser) parseCase() (*ast.Case, error) {
	pos := p.tok.Pos
	if err := p.next(); err != nil {
		return nil, err
	}
	w, err := p.parseWordString(p.tok.Value, p.tok.Pos)
	if err != nil {
		return nil, err
	}
	if err := p.next(); err != nil {
		return nil, err
	}
	if err := p.skipJustNewlines(); err != nil {
		return nil, err
	}
	if err := p.expectWord("in"); err != nil {
		return nil, err
	}
	node := &ast.Case{Pos_: pos, Word: w}
	if err := p.skipNewlinesAndSemis(); err != nil {
		return nil, err
	}
	for !p.isWord("esac") && !p.is(ast.EOF) {
		item, err := p.parseCaseItem()
		if err != nil {
			return nil, err
		}
		node.Items = append(node.Items, item)
		if err := p.skipNewlinesAndSemis(); err != nil {
			return nil, err
		}
	}
	node.EsacPos = p.tok.Pos
	if err := p.expectWord("esac"); err != nil {
		return nil, err
	}
	return node, nil
}

func (p *Parser) parseCaseItem() (*ast.CaseItem, error) {
	if p.is(ast.LPAREN) {
		if err := p.next(); err != nil {
			return nil, err
		}
	}
	item := &ast.CaseItem{}
	for {
		w, err := p.parseWordString(p.tok.Value, p.tok.Pos)
		if err != nil {
			return nil, err
		}
		item.Patterns = append(item.Patterns, w)
		if err := p.next(); err != nil {
			return nil, err
		}
		if p.is(ast.PIPE) {
			if err := p.next(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	if !p.is(ast.RPAREN) {
		return nil, p.errorf(p.tok.Pos, "expected ')' in case pattern")
	}
	if err := p.next(); err != nil {
		return nil, err
	}
	if err := p.skipNewlinesAndSemis(); err != nil {
		return nil, err
	}
	stmts, err := p.parseStmtList(stopEsac)
	if err != nil {
		return nil, err
	}
	item.Stmts = stmts
	item.Op = ast.DSEMI // a case item with no explicit terminator (last item before esac) behaves like ;;
	switch {
	case p.is(ast.DSEMI):
		if err := p.next(); err != nil {
			return nil, err
		}
	case p.is(ast.SEMIFALL):
		item.Op = ast.SEMIFALL
		if err := p.next(); err != nil {
			return nil, err
		}
	case p.is(ast.DSEMIFALL):
		item.Op = ast.DSEMIFALL
		if err := p.next(); err != nil {
			return nil, err
		}
	}
	return item, nil
}

func (p *Parser) parseGroup() (*ast.Group, error) {
	lbrace := p.tok.Pos
	if err := p.next(); err != nil {
		return nil, err
	}
	stmts, err := p.parseStmtList(stopRbrace)
	if err != nil {
		return nil, err
	}
	rbrace := p.tok.Pos
	if err := p.expectWord("}"); err != nil {
		return nil, err
	}
	return &ast.Group{Lbrace: lbrace, Rbrace: rbrace, Stmts: stmts}, nil
}

func (p *Parser) parseSubshell() (*ast.Subshell, error) {
	lparen := p.tok.Pos
	if err := p.next(); err != nil {
		return nil, err
	}
	var stmts []*ast.Stmt
	if err := p.skipJustNewlinesAndSemis(); err != nil {
		return nil, err
	}
	for !p.is(ast.RPAREN) && !p.is(ast.EOF) {
		before := p.tokenCount
		st, err := p.parseStmt(nil)
		if err != nil {
			return nil, err
		}
		if st != nil {
			stmts = append(stmts, st)
		}
		if err := p.skipJustNewlinesAndSemis(); err != nil {
			return nil, err
		}
		if p.tokenCount == before {
			return nil, p.errorf(p.tok.Pos, "unexpected %v %q in subshell", p.tok.Kind, p.tok.Value)
		}
	}
	rparen := p.tok.Pos
	if !p.is(ast.RPAREN) {
		return nil, p.errorf(rparen, "expected ')' to close subshell")
	}
	if err := p.next(); err != nil {
		return nil, err
	}
	return &ast.Subshell{Lparen: lparen, Rparen: rparen, Stmts: stmts}, nil
}

func (p *Parser) skipJustNewlinesAndSemis() error {
	for p.is(ast.NEWLINE) || p.is(ast.SEMI) {
		if err := p.next(); err != nil {
			return err
		}
	}
	return nil
}

func (p *Parser) parseArithmCmd() (*ast.ArithmeticCommand, error) {
	lparen := p.tok.Pos
	if err := p.next(); err != nil {
		return nil, err
	}
	for !p.is(ast.DRPAREN) {
		if p.is(ast.EOF) {
			return nil, p.errorf(lparen, "expected '))'")
		}
		if err := p.next(); err != nil {
			return nil, err
		}
	}
	rparen := p.tok.Pos
	header := p.lex.src[int(lparen)+1 : int(rparen)-1]
	if err := p.next(); err != nil {
		return nil, err
	}
	x, err := newArithParser(p, header, lparen+2).Parse()
	if err != nil {
		return nil, err
	}
	return &ast.ArithmeticCommand{Lparen: lparen, Rparen: rparen, X: x}, nil
}

func (p *Parser) parseCondCmd() (*ast.ConditionalCommand, error) {
	lbrck := p.tok.Pos
	if err := p.next(); err != nil {
		return nil, err
	}
	x, err := p.parseCondOr()
	if err != nil {
		return nil, err
	}
	rbrck := p.tok.Pos
	if !p.is(ast.DRBRCK) {
		return nil, p.errorf(rbrck, "expected ']]'")
	}
	if err := p.next(); err != nil {
		return nil, err
	}
	return &ast.ConditionalCommand{Lbrck: lbrck, Rbrck: rbrck, X: x}, nil
}

// parseFunctionDefKeyword handles `function name [()] { ... }`.
func (p *Parser) parseFunctionDefKeyword() (*ast.FunctionDef, error) {
	pos := p.tok.Pos
	if err := p.next(); err != nil {
		return nil, err
	}
	if p.tok.Kind != ast.WORD {
		return nil, p.errorf(p.tok.Pos, "expected function name")
	}
	name := p.tok.Value
	if err := p.next(); err != nil {
		return nil, err
	}
	if p.is(ast.LPAREN) {
		if err := p.next(); err != nil {
			return nil, err
		}
		if !p.is(ast.RPAREN) {
			return nil, p.errorf(p.tok.Pos, "expected ')' in function definition")
		}
		if err := p.next(); err != nil {
			return nil, err
		}
	}
	if err := p.skipJustNewlines(); err != nil {
		return nil, err
	}
	if !p.isWord("{") {
		return nil, p.errorf(p.tok.Pos, "expected '{' to start function body")
	}
	body, err := p.parseGroup()
	if err != nil {
		return nil, err
	}
	return &ast.FunctionDef{Position: pos, Name: name, Body: body}, nil
}

// parseSimpleOrFuncDef parses a plain command name plus its arguments,
// handling the `name() { ... }` function-definition form when a WORD is
// immediately followed by "()" (spec.md §4.2 "Function definitions").
func (p *Parser) parseSimpleOrFuncDef(stop stopSet) (ast.Command, []*ast.Redirect, error) {
	pos := p.tok.Pos
	if p.tok.Kind == ast.WORD && p.peekIsFuncParens() {
		name := p.tok.Value
		if err := p.next(); err != nil { // name
			return nil, nil, err
		}
		if err := p.next(); err != nil { // (
			return nil, nil, err
		}
		if err := p.next(); err != nil { // )
			return nil, nil, err
		}
		if err := p.skipJustNewlines(); err != nil {
			return nil, nil, err
		}
		if !p.isWord("{") {
			return nil, nil, p.errorf(p.tok.Pos, "expected '{' to start function body")
		}
		body, err := p.parseGroup()
		if err != nil {
			return nil, nil, err
		}
		return &ast.FunctionDef{Position: pos, Name: name, Body: body}, nil, nil
	}

	var args []ast.Word
	var redirs []*ast.Redirect
	for {
		if r, ok, err := p.tryParseRedirect(); err != nil {
			return nil, nil, err
		} else if ok {
			redirs = append(redirs, r)
			continue
		}
		if p.tok.Kind != ast.WORD && p.tok.Kind != ast.ASSIGNWORD {
			break
		}
		w, err := p.parseWordString(p.tok.Value, p.tok.Pos)
		if err != nil {
			return nil, nil, err
		}
		args = append(args, w)
		if err := p.next(); err != nil {
			return nil, nil, err
		}
	}
	return &ast.SimpleCommand{Args: args}, redirs, nil
}

// peekIsFuncParens reports whether the current WORD is immediately
// followed by "()" with no separating space, i.e. a `name()` function
// definition header.
func (p *Parser) peekIsFuncParens() bool {
	save := *p.lex
	savedAhead := p.ahead
	defer func() { *p.lex = save; p.ahead = savedAhead }()
	tok1, err := p.lex.Next()
	if err != nil || tok1.Kind != ast.LPAREN || tok1.Pos != p.tok.End {
		return false
	}
	tok2, err := p.lex.Next()
	return err == nil && tok2.Kind == ast.RPAREN
}

// peekAhead looks at the token after the current one without consuming
// it, by snapshotting and restoring the lexer's scan position.
func (p *Parser) peekAhead() (Token, bool) {
	save := *p.lex
	tok, err := p.lex.Next()
	*p.lex = save
	if err != nil {
		return Token{}, false
	}
	return tok, true
}

func isRedirOp(t ast.Token) bool {
	switch t {
	case ast.LSS, ast.GTR, ast.SHL, ast.SHR, ast.DHEREDOC, ast.WHEREDOC,
		ast.DPLIN, ast.DPLOUT, ast.RDRINOUT, ast.CLBOUT, ast.RDRALL, ast.APPALL:
		return true
	}
	return false
}

func isFullyQuoted(s string) bool {
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return true
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return true
	}
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' {
			return true
		}
	}
	return false
}

func stripQuotesLiteral(s string) string {
	var b []byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\'' || c == '"' {
			continue
		}
		if c == '\\' && i+1 < len(s) {
			i++
			b = append(b, s[i])
			continue
		}
		b = append(b, c)
	}
	return string(b)
}
