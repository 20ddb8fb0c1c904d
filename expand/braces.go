package expand

import (
	"strconv"
	"strings"

	"github.com/sandboxsh/vsh/ast"
)

// BraceExpand expands the brace-expansion parts of w (spec.md §4.3 phase
// 1), returning every alternative as its own Word. A word with no
// (expandable) brace expansion yields a single-element slice containing
// w unchanged, matching bash's "retains literal braces when no expansion
// is possible" rule.
func BraceExpand(w ast.Word) []ast.Word {
	for i, p := range w {
		be, ok := p.(*ast.BraceExp)
		if !ok {
			continue
		}
		alts := braceAlternatives(be)
		if len(alts) < 2 {
			continue
		}
		var out []ast.Word
		for _, alt := range alts {
			combined := make(ast.Word, 0, len(w)-1+len(alt))
			combined = append(combined, w[:i]...)
			combined = append(combined, alt...)
			combined = append(combined, w[i+1:]...)
			out = append(out, BraceExpand(combined)...)
		}
		return out
	}
	return []ast.Word{w}
}

func braceAlternatives(be *ast.BraceExp) []ast.Word {
	if be.Sequence {
		return sequenceAlternatives(be)
	}
	return be.Items
}

func sequenceAlternatives(be *ast.BraceExp) []ast.Word {
	if len(be.From) == 1 && len(be.To) == 1 && !isAsciiDigit(be.From[0]) && !isAsciiDigit(be.To[0]) {
		return letterSequence(be)
	}
	from, err1 := strconv.Atoi(be.From)
	to, err2 := strconv.Atoi(be.To)
	if err1 != nil || err2 != nil {
		return nil
	}
	step := 1
	if be.Step != "" {
		if n, err := strconv.Atoi(be.Step); err == nil && n != 0 {
			step = n
		}
	}
	if step < 0 {
		step = -step
	}
	format := func(n int) string {
		s := strconv.Itoa(n)
		neg := strings.HasPrefix(s, "-")
		if neg {
			s = s[1:]
		}
		for len(s) < be.Zeros {
			s = "0" + s
		}
		if neg {
			s = "-" + s
		}
		return s
	}
	var out []ast.Word
	if from <= to {
		for n := from; n <= to; n += step {
			out = append(out, literalWord(format(n)))
		}
	} else {
		for n := from; n >= to; n -= step {
			out = append(out, literalWord(format(n)))
		}
	}
	return out
}

func letterSequence(be *ast.BraceExp) []ast.Word {
	from, to := rune(be.From[0]), rune(be.To[0])
	step := 1
	if be.Step != "" {
		if n, err := strconv.Atoi(be.Step); err == nil && n != 0 {
			step = n
		}
	}
	if step < 0 {
		step = -step
	}
	var out []ast.Word
	if from <= to {
		for c := from; c <= to; c += rune(step) {
			out = append(out, literalWord(string(c)))
		}
	} else {
		for c := from; c >= to; c -= rune(step) {
			out = append(out, literalWord(string(c)))
		}
	}
	return out
}

func isAsciiDigit(b byte) bool { return b >= '0' && b <= '9' }

func literalWord(s string) ast.Word {
	return ast.Word{&ast.Lit{Value: s}}
}
