package syntax

import (
	"fmt"

	"github.com/sandboxsh/vsh/ast"
)

// SyntaxError is returned by the lexer or parser for malformed input,
// per spec.md §4.1/§4.2. It always carries the offending token's
// position and maps to exit code 2 at the interpreter boundary.
type SyntaxError struct {
	Line, Column int
	Message      string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%d:%d: %s", e.Line, e.Column, e.Message)
}

func newSyntaxError(f *ast.File, pos ast.Pos, format string, args ...any) *SyntaxError {
	p := f.Position(pos)
	return &SyntaxError{Line: p.Line, Column: p.Column, Message: fmt.Sprintf(format, args...)}
}
