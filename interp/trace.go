package interp

import (
	"io"
	"strings"

	"github.com/sandboxsh/vsh/ast"
)

// tracer renders `set -x`/xtrace output, generalizing the teacher's
// interp/trace.go (which drives syntax.Printer) to this grammar's Word
// shape instead of mvdan.cc/sh/v3/syntax's.
type tracer struct {
	w io.Writer
}

func (t *tracer) emit(prefix string, fields []string) {
	if t == nil || t.w == nil {
		return
	}
	io.WriteString(t.w, "+ "+prefix+strings.Join(fields, " ")+"\n")
}

// wordText renders a Word back to source-ish text for tracing, best
// effort: literal parts verbatim, single-quoted parts in quotes, parameter
// expansions as $name, everything else as "...", since the tracer only
// needs to be readable, not round-trippable.
func wordText(w ast.Word) string {
	var b strings.Builder
	for _, p := range w {
		switch x := p.(type) {
		case *ast.Lit:
			b.WriteString(x.Value)
		case *ast.SingleQuoted:
			b.WriteByte('\'')
			b.WriteString(x.Value)
			b.WriteByte('\'')
		case *ast.ParamExp:
			b.WriteString("$" + x.Name)
		default:
			b.WriteString("...")
		}
	}
	return b.String()
}
