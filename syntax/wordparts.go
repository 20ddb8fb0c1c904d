package syntax

import (
	"strconv"
	"strings"

	"github.com/sandboxsh/vsh/ast"
)

// wordScanner turns the raw text captured by the Lexer's scanWord (or the
// literal form the ASSIGNWORD rhs) into a slice of
// ast.WordPart, per spec.md §3's Word(parts[]) shape. It is also reused
// in "skip" mode by the arithmetic parser to find the extent of a bare
// $-expansion inside an arithmetic operand.
type wordScanner struct {
	p    *Parser
	src  string
	i    int
	base ast.Pos
	dq   bool // scanning inside a double-quoted context
}

func (p *Parser) parseWordString(raw string, base ast.Pos) (ast.Word, error) {
	ws := &wordScanner{p: p, src: raw, base: base}
	return ws.parts(false)
}

func (ws *wordScanner) pos() ast.Pos { return ws.base + ast.Pos(ws.i) }

func (ws *wordScanner) peek() byte {
	if ws.i >= len(ws.src) {
		return 0
	}
	return ws.src[ws.i]
}

func (ws *wordScanner) at(off int) byte {
	if ws.i+off >= len(ws.src) || ws.i+off < 0 {
		return 0
	}
	return ws.src[ws.i+off]
}

// parts parses until EOF or, when ws.dq is set, until an unescaped
// closing double-quote; the first parameter is unused.
func (ws *wordScanner) parts(first bool) (ast.Word, error) {
	var out ast.Word
	var lit strings.Builder
	litStart := ws.pos()
	flush := func() {
		if lit.Len() > 0 {
			out = append(out, &ast.Lit{ValuePos: litStart, Value: lit.String()})
			lit.Reset()
		}
	}
	atStart := true
	for ws.i < len(ws.src) {
		c := ws.peek()
		switch {
		case ws.dq && c == '"':
			flush()
			return out, nil
		case !ws.dq && c == '\'':
			flush()
			part, err := ws.scanSingleQuoted()
			if err != nil {
				return nil, err
			}
			out = append(out, part)
		case !ws.dq && c == '"':
			flush()
			part, err := ws.scanDoubleQuoted()
			if err != nil {
				return nil, err
			}
			out = append(out, part)
		case c == '\\':
			if ws.dq {
				nx := ws.at(1)
				if nx == '$' || nx == '`' || nx == '"' || nx == '\\' || nx == '\n' {
					ws.i++
					if nx != '\n' {
						if lit.Len() == 0 {
							litStart = ws.pos()
						}
						lit.WriteByte(ws.at(0))
					}
					ws.i++
					continue
				}
				lit.WriteByte(ws.peek())
				ws.i++
			} else {
				ws.i++
				if ws.i < len(ws.src) {
					if ws.peek() == '\n' {
						ws.i++
						continue
					}
					if lit.Len() == 0 {
						litStart = ws.pos()
					}
					lit.WriteByte(ws.peek())
					ws.i++
				}
			}
		case c == '$' && ws.at(1) == '\'' && !ws.dq:
			flush()
			part, err := ws.scanDollarSingle()
			if err != nil {
				return nil, err
			}
			out = append(out, part)
		case c == '$':
			flush()
			part, err := ws.scanDollar()
			if err != nil {
				return nil, err
			}
			if part != nil {
				out = append(out, part)
			}
		case c == '`':
			flush()
			part, err := ws.scanBacktick()
			if err != nil {
				return nil, err
			}
			out = append(out, part)
		case !ws.dq && c == '~' && atStart:
			flush()
			part := ws.scanTilde()
			out = append(out, part)
		case !ws.dq && c == '{' && ws.looksLikeBrace():
			flush()
			part, err := ws.scanBrace()
			if err != nil {
				return nil, err
			}
			out = append(out, part)
		case !ws.dq && (c == '*' || c == '?' || c == '[') :
			flush()
			part := ws.scanGlobRun()
			out = append(out, part)
		default:
			if lit.Len() == 0 {
				litStart = ws.pos()
			}
			lit.WriteByte(c)
			ws.i++
		}
		atStart = false
	}
	flush()
	return out, nil
}

func (ws *wordScanner) scanSingleQuoted() (ast.WordPart, error) {
	left := ws.pos()
	ws.i++ // '
	start := ws.i
	for ws.i < len(ws.src) && ws.src[ws.i] != '\'' {
		ws.i++
	}
	val := ws.src[start:ws.i]
	right := ws.pos()
	if ws.i < len(ws.src) {
		ws.i++
	}
	return &ast.SingleQuoted{Left: left, Right: right, Value: val}, nil
}

func (ws *wordScanner) scanDoubleQuoted() (ast.WordPart, error) {
	left := ws.pos()
	ws.i++ // "
	inner := &wordScanner{p: ws.p, src: ws.src, i: ws.i, base: ws.base, dq: true}
	parts, err := inner.parts(false)
	if err != nil {
		return nil, err
	}
	ws.i = inner.i
	right := ws.pos()
	if ws.i < len(ws.src) && ws.src[ws.i] == '"' {
		ws.i++
	}
	return &ast.DoubleQuoted{Left: left, Right: right, Parts: parts}, nil
}

// scanDollarSingle handles $'...' ANSI-C quoting: the escape alphabet is
// expanded immediately and the result behaves like a single-quoted
// literal (no further expansion), per spec.md §4.1.
func (ws *wordScanner) scanDollarSingle() (ast.WordPart, error) {
	left := ws.pos()
	ws.i += 2 // $'
	var b strings.Builder
	for ws.i < len(ws.src) && ws.src[ws.i] != '\'' {
		c := ws.src[ws.i]
		if c == '\\' && ws.i+1 < len(ws.src) {
			ws.i++
			b.WriteString(ansiCEscape(ws.src, &ws.i))
			continue
		}
		b.WriteByte(c)
		ws.i++
	}
	right := ws.pos()
	if ws.i < len(ws.src) {
		ws.i++
	}
	return &ast.SingleQuoted{Left: left, Right: right, Value: b.String()}, nil
}

func ansiCEscape(src string, i *int) string {
	c := src[*i]
	*i++
	switch c {
	case 'n':
		return "\n"
	case 't':
		return "\t"
	case 'r':
		return "\r"
	case 'a':
		return "\a"
	case 'b':
		return "\b"
	case 'f':
		return "\f"
	case 'v':
		return "\v"
	case 'e', 'E':
		return "\x1b"
	case '\\':
		return "\\"
	case '\'':
		return "'"
	case '"':
		return "\""
	case '0', '1', '2', '3', '4', '5', '6', '7':
		n := string(c)
		for len(n) < 3 && *i < len(src) && src[*i] >= '0' && src[*i] <= '7' {
			n += string(src[*i])
			*i++
		}
		v, _ := strconv.ParseUint(n, 8, 32)
		return string(rune(v))
	case 'x':
		n := ""
		for len(n) < 2 && *i < len(src) && isHex(src[*i]) {
			n += string(src[*i])
			*i++
		}
		if n == "" {
			return "\\x"
		}
		v, _ := strconv.ParseUint(n, 16, 32)
		return string(rune(v))
	default:
		return "\\" + string(c)
	}
}

func isHex(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
}

func (ws *wordScanner) scanTilde() ast.WordPart {
	start := ws.pos()
	ws.i++ // ~
	nstart := ws.i
	for ws.i < len(ws.src) {
		c := ws.src[ws.i]
		if c == '/' || c == ':' || c == ' ' || c == '\t' {
			break
		}
		ws.i++
	}
	return &ast.Tilde{TildePos: start, User: ws.src[nstart:ws.i]}
}

func (ws *wordScanner) scanGlobRun() ast.WordPart {
	start := ws.pos()
	startI := ws.i
	depth := 0
	for ws.i < len(ws.src) {
		c := ws.src[ws.i]
		if c == '[' {
			depth++
			ws.i++
			continue
		}
		if c == ']' && depth > 0 {
			depth--
			ws.i++
			continue
		}
		if depth > 0 {
			ws.i++
			continue
		}
		if c == '*' || c == '?' {
			ws.i++
			continue
		}
		break
	}
	return &ast.ExtGlob{OpPos: start, Pattern: ws.src[startI:ws.i]}
}

func (ws *wordScanner) looksLikeBrace() bool {
	depth := 0
	hasComma, hasDotDot := false, false
	for j := ws.i; j < len(ws.src); j++ {
		switch ws.src[j] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return hasComma || hasDotDot
			}
		case ',':
			if depth == 1 {
				hasComma = true
			}
		case '.':
			if depth == 1 && j+1 < len(ws.src) && ws.src[j+1] == '.' {
				hasDotDot = true
			}
		}
	}
	return false
}

func (ws *wordScanner) scanBrace() (ast.WordPart, error) {
	left := ws.pos()
	ws.i++
	start := ws.i
	depth := 1
	for ws.i < len(ws.src) && depth > 0 {
		switch ws.src[ws.i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				goto done
			}
		}
		ws.i++
	}
done:
	inner := ws.src[start:ws.i]
	right := ws.pos()
	if ws.i < len(ws.src) {
		ws.i++ // }
	}
	return parseBraceInner(ws.p, inner, ws.base+ast.Pos(start), left, right)
}

// parseBraceInner builds an ast.BraceExp from the text between { and }.
func parseBraceInner(p *Parser, inner string, base, left, right ast.Pos) (ast.WordPart, error) {
	if from, to, step, zeros, ok := parseSequence(inner); ok {
		return &ast.BraceExp{Lbrace: left, Rbrace: right, Sequence: true, From: from, To: to, Step: step, Zeros: zeros}, nil
	}
	segs := splitTopComma(inner)
	items := make([]ast.Word, 0, len(segs))
	for _, s := range segs {
		w, err := p.parseWordString(s, base)
		if err != nil {
			return nil, err
		}
		items = append(items, w)
	}
	return &ast.BraceExp{Lbrace: left, Rbrace: right, Items: items}, nil
}

func splitTopComma(s string) []string {
	var out []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}

func parseSequence(s string) (from, to, step string, zeros int, ok bool) {
	parts := strings.Split(s, "..")
	if len(parts) < 2 || len(parts) > 3 {
		return "", "", "", 0, false
	}
	from, to = parts[0], parts[1]
	if len(parts) == 3 {
		step = parts[2]
	}
	if from == "" || to == "" {
		return "", "", "", 0, false
	}
	isNum := func(s string) bool {
		t := s
		if len(t) > 0 && (t[0] == '-' || t[0] == '+') {
			t = t[1:]
		}
		return t != "" && isAllDigits(t)
	}
	isAlphaSingle := func(s string) bool { return len(s) == 1 && isAlpha(s[0]) && s[0] != '_' }
	switch {
	case isNum(from) && isNum(to):
		if len(from) > 1 && from[0] == '0' {
			zeros = len(from)
		} else if len(from) > 2 && (from[0] == '-' || from[0] == '+') && from[1] == '0' {
			zeros = len(from) - 1
		}
		return from, to, step, zeros, true
	case isAlphaSingle(from) && isAlphaSingle(to):
		return from, to, step, 0, true
	}
	return "", "", "", 0, false
}

func isAllDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}

// scanDollar dispatches the various $-forms: $((...)), $(...), ${...},
// and the bare $name / special-parameter forms.
func (ws *wordScanner) scanDollar() (ast.WordPart, error) {
	dollar := ws.pos()
	if ws.at(1) == '(' && ws.at(2) == '(' {
		if end, ok := ws.findArithClose(); ok {
			inner := ws.src[ws.i+3 : end]
			right := ws.base + ast.Pos(end)
			ap := newArithParser(ws.p, inner, ws.base+ast.Pos(ws.i+3))
			x, err := ap.Parse()
			if err == nil {
				ws.i = end + 2
				return &ast.ArithmExp{Left: dollar, Right: right, X: x}, nil
			}
			// fall through to command substitution on arithmetic parse failure
		}
	}
	if ws.at(1) == '(' {
		return ws.scanCmdSubst(false)
	}
	if ws.at(1) == '{' {
		return ws.scanParamExp()
	}
	return ws.scanSimpleParam()
}

// findArithClose looks for the matching "))" of a $((...)) starting at
// ws.i (positioned at '$'), returning the index of the first ')' of that
// pair.
func (ws *wordScanner) findArithClose() (int, bool) {
	depth := 0
	i := ws.i + 2 // at the second '('
	for i < len(ws.src) {
		switch ws.src[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				if i+1 < len(ws.src) && ws.src[i+1] == ')' {
					return i, true
				}
				return 0, false
			}
		}
		i++
	}
	return 0, false
}

func (ws *wordScanner) scanCmdSubst(backtick bool) (ast.WordPart, error) {
	left := ws.pos()
	if backtick {
		ws.i++ // `
	} else {
		ws.i += 2 // $(
	}
	start := ws.i
	depth := 1
	for ws.i < len(ws.src) && depth > 0 {
		switch ws.src[ws.i] {
		case '(':
			if !backtick {
				depth++
			}
		case ')':
			if !backtick {
				depth--
				if depth == 0 {
					goto done
				}
			}
		case '`':
			if backtick {
				depth = 0
				goto done
			}
		case '\\':
			ws.i++
		case '\'':
			ws.i++
			for ws.i < len(ws.src) && ws.src[ws.i] != '\'' {
				ws.i++
			}
		case '"':
			ws.i++
			for ws.i < len(ws.src) && ws.src[ws.i] != '"' {
				if ws.src[ws.i] == '\\' {
					ws.i++
				}
				ws.i++
			}
		}
		ws.i++
	}
done:
	body := ws.src[start:ws.i]
	right := ws.pos()
	if ws.i < len(ws.src) {
		ws.i++ // closing ) or `
	}
	sub := NewParser()
	f, err := sub.Parse(body, "")
	if err != nil {
		return nil, err
	}
	return &ast.CmdSubst{Left: left, Right: right, Stmts: f.Stmts, Backtick: backtick}, nil
}

func (ws *wordScanner) scanBacktick() (ast.WordPart, error) {
	return ws.scanCmdSubst(true)
}

// scanSimpleParam handles unbraced $name, $1, and the special one-char
// parameters $@ $* $# $? $$ $! $- $0.
func (ws *wordScanner) scanSimpleParam() (ast.WordPart, error) {
	dollar := ws.pos()
	ws.i++ // $
	if ws.i >= len(ws.src) {
		return &ast.Lit{ValuePos: dollar, Value: "$"}, nil
	}
	c := ws.src[ws.i]
	switch {
	case c >= '0' && c <= '9':
		ws.i++
		return &ast.ParamExp{Dollar: dollar, Short: true, Name: string(c)}, nil
	case c == '@' || c == '*' || c == '#' || c == '?' || c == '$' || c == '!' || c == '-' || c == '_':
		ws.i++
		return &ast.ParamExp{Dollar: dollar, Short: true, Name: string(c)}, nil
	case isAlpha(c):
		start := ws.i
		for ws.i < len(ws.src) && isAlnum(ws.src[ws.i]) {
			ws.i++
		}
		return &ast.ParamExp{Dollar: dollar, Short: true, Name: ws.src[start:ws.i]}, nil
	}
	return &ast.Lit{ValuePos: dollar, Value: "$"}, nil
}

// scanParamExp handles ${...}, delegating operator parsing to parseParamOp.
func (ws *wordScanner) scanParamExp() (ast.WordPart, error) {
	dollar := ws.pos()
	ws.i += 2 // ${
	start := ws.i
	depth := 1
	for ws.i < len(ws.src) && depth > 0 {
		switch ws.src[ws.i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				goto done
			}
		case '\'':
			ws.i++
			for ws.i < len(ws.src) && ws.src[ws.i] != '\'' {
				ws.i++
			}
		case '"':
			ws.i++
			for ws.i < len(ws.src) && ws.src[ws.i] != '"' {
				if ws.src[ws.i] == '\\' {
					ws.i++
				}
				ws.i++
			}
		}
		ws.i++
	}
done:
	inner := ws.src[start:ws.i]
	rbrace := ws.pos()
	if ws.i < len(ws.src) {
		ws.i++
	}
	pe, err := parseParamOp(ws.p, inner, ws.base+ast.Pos(start))
	if err != nil {
		return nil, err
	}
	pe.Dollar = dollar
	pe.RbracePos = rbrace
	return pe, nil
}

// skipDollarSpan advances ws.i past one $-expansion (used by the
// arithmetic operand scanner to find where a bare expansion ends).
func (ws *wordScanner) skipDollarSpan() error {
	part, err := ws.scanDollar()
	_ = part
	return err
}
