// Package expand implements the word-expansion pipeline (component C3)
// and, in arith.go, the arithmetic evaluator (component C4) described in
// spec.md §4.3/§4.4.
//
// The package depends only on ast and syntax so that interp can depend on
// expand without a cycle. Everything expand needs from the running shell
// (variables, the virtual file system, command substitution) is reached
// through small interfaces that interp's Environment implements; expand
// type-asserts for the optional ones rather than importing interp.
package expand

import (
	"sort"
	"strconv"
	"strings"

	"github.com/sandboxsh/vsh/ast"
	"github.com/sandboxsh/vsh/syntax"
)

// Env is the minimal variable read/write surface. The arithmetic
// evaluator only ever needs this much.
type Env interface {
	Get(name string) (string, bool)
	Set(name, value string) error
}

// ArrayEnv is implemented by environments that support indexed and
// associative arrays (spec.md §3 "declaredVars"/"associativeArrays").
type ArrayEnv interface {
	GetArray(name string) ([]string, bool)
	GetAssoc(name string) (map[string]string, bool)
	IsArray(name string) bool
	IsAssoc(name string) bool
}

// SpecialEnv exposes positional parameters and the special ($?, $!, ...)
// variables, plus the option/IFS surface the expander consults.
type SpecialEnv interface {
	IsSet(name string) bool
	Positional() []string
	Special(name byte) (string, bool)
	IFS() string
	Opt(name string) bool
}

// CmdSubstEnv is implemented when the environment can run $(...) / `...`
// bodies (normally the interpreter itself, wired in without an import
// cycle).
type CmdSubstEnv interface {
	RunCmdSubst(stmts []*ast.Stmt, backtick bool) (string, error)
}

// HomeEnv resolves ~ and ~user for tilde expansion.
type HomeEnv interface {
	HomeDir(user string) (string, bool)
}

// GlobEnv resolves pathname expansion against the virtual file system.
type GlobEnv interface {
	Glob(cwd, pattern string) ([]string, bool)
	Cwd() string
}

// Fields applies the full six-phase expansion pipeline of spec.md §4.3 to
// w and returns the resulting fields, already glob-expanded and with
// quote removal applied.
func Fields(env Env, w ast.Word) ([]string, error) {
	var out []string
	for _, alt := range BraceExpand(w) {
		fs, err := expandOneField(env, alt)
		if err != nil {
			return nil, err
		}
		out = append(out, fs...)
	}
	return out, nil
}

// IsQuoted reports whether every top-level part of w is single-quoted
// or double-quoted; any other part (an unquoted Lit, glob, tilde or
// expansion) makes it report false. This is the way spec.md §4.5 distinguishes a quoted `[[ ]]` operand
// (literal equality) from an unquoted one (glob-pattern match).
func IsQuoted(w ast.Word) bool {
	for _, p := range w {
		switch p.(type) {
		case *ast.SingleQuoted, *ast.DoubleQuoted:
		default:
			return false
		}
	}
	return true
}

// Literal expands w (tilde/parameter/command/arithmetic expansion, quote
// removal) but performs neither brace expansion, field splitting nor
// pathname expansion: the semantics assignment RHSes, array indices, and
// arithmetic operands need (spec.md §4.3's ordered pipeline minus steps
// 1, 4 and 5). Brace parts are rendered back as literal braces.
func Literal(env Env, w ast.Word) (string, error) {
	var b strings.Builder
	for _, p := range w {
		cs, err := chunksForPart(env, p, true)
		if err != nil {
			return "", err
		}
		for _, c := range cs {
			b.WriteString(c.s)
		}
	}
	return b.String(), nil
}

// expandOneField runs phases 2-6 (tilde onward) of spec.md §4.3 on a
// single brace alternative of w, yielding final fields.
func expandOneField(env Env, w ast.Word) ([]string, error) {
	chunks, err := toChunks(env, w)
	if err != nil {
		return nil, err
	}
	ifs := defaultIFS
	noglob := false
	if se, ok := env.(SpecialEnv); ok {
		ifs = se.IFS()
		noglob = se.Opt("noglob")
	}
	fields := joinChunks(chunks, ifs)
	var out []string
	for _, f := range fields {
		if f.quoted || noglob || !syntax.HasGlobMeta(f.s) {
			out = append(out, f.s)
			continue
		}
		if ge, ok := env.(GlobEnv); ok {
			matches, any := ge.Glob(ge.Cwd(), f.s)
			if any {
				sort.Strings(matches)
				out = append(out, matches...)
				continue
			}
		}
		out = append(out, f.s)
	}
	return out, nil
}

// chunk is one piece of an expanded word: text plus whether it came from
// a quoted context (exempt from splitting/globbing) and whether a field
// boundary must follow even though adjacent text is quoted (the "$@"
// quirk: `"$@"` still yields one field per positional parameter).
type chunk struct {
	s      string
	quoted bool
	brk    bool // force a field break after this chunk
}

func toChunks(env Env, w ast.Word) ([]chunk, error) {
	var out []chunk
	for _, p := range w {
		cs, err := chunksForPart(env, p, false)
		if err != nil {
			return nil, err
		}
		out = append(out, cs...)
	}
	return out, nil
}

func chunksForPart(env Env, p ast.WordPart, forceQuoted bool) ([]chunk, error) {
	switch x := p.(type) {
	case *ast.Lit:
		return []chunk{{s: x.Value, quoted: forceQuoted}}, nil
	case *ast.SingleQuoted:
		return []chunk{{s: x.Value, quoted: true}}, nil
	case *ast.DoubleQuoted:
		return chunksForDoubleQuoted(env, x.Parts)
	case *ast.Tilde:
		val := "~" + x.User
		if he, ok := env.(HomeEnv); ok {
			if home, found := he.HomeDir(x.User); found {
				val = home
			}
		}
		return []chunk{{s: val, quoted: true}}, nil
	case *ast.ExtGlob:
		return []chunk{{s: x.Pattern, quoted: forceQuoted}}, nil
	case *ast.ParamExp:
		return chunksForParam(env, x, forceQuoted)
	case *ast.CmdSubst:
		s, err := runCmdSubst(env, x)
		if err != nil {
			return nil, err
		}
		return []chunk{{s: s, quoted: forceQuoted}}, nil
	case *ast.ArithmExp:
		n, err := Arithm(env, x.X)
		if err != nil {
			return nil, err
		}
		return []chunk{{s: strconv.FormatInt(n, 10), quoted: forceQuoted}}, nil
	case *ast.ProcSubst:
		// Non-goal surface kept only for parser completeness; the
		// interpreter's redirection wiring is what gives these real
		// meaning, so in bare word-expansion context they expand to
		// nothing.
		return []chunk{{s: "", quoted: forceQuoted}}, nil
	case *ast.BraceExp:
		// Reached from Literal (which does no brace expansion) and for
		// a brace part BraceExpand left in place because it yields
		// fewer than two alternatives; the braces are kept literally.
		if x.Sequence {
			s := "{" + x.From + ".." + x.To
			if x.Step != "" {
				s += ".." + x.Step
			}
			return []chunk{{s: s + "}", quoted: forceQuoted}}, nil
		}
		var b strings.Builder
		b.WriteByte('{')
		for i, it := range x.Items {
			if i > 0 {
				b.WriteByte(',')
			}
			s, err := Literal(env, it)
			if err != nil {
				return nil, err
			}
			b.WriteString(s)
		}
		b.WriteByte('}')
		return []chunk{{s: b.String(), quoted: forceQuoted}}, nil
	default:
		return nil, nil
	}
}

func chunksForDoubleQuoted(env Env, parts []ast.WordPart) ([]chunk, error) {
	var out []chunk
	for _, p := range parts {
		if pe, ok := p.(*ast.ParamExp); ok && pe.Op.Kind == ast.OpNone && (pe.Name == "@" || pe.Name == "*") {
			se, _ := env.(SpecialEnv)
			var elems []string
			if se != nil {
				elems = se.Positional()
			}
			if pe.Name == "*" {
				sep := " "
				if se != nil {
					ifs := se.IFS()
					if ifs != "" {
						sep = ifs[:1]
					} else {
						sep = ""
					}
				}
				out = append(out, chunk{s: strings.Join(elems, sep), quoted: true})
				continue
			}
			// "$@": each positional parameter is its own field,
			// even though the whole thing is quoted.
			if len(elems) == 0 {
				continue
			}
			for i, e := range elems {
				out = append(out, chunk{s: e, quoted: true, brk: i < len(elems)-1})
			}
			continue
		}
		cs, err := chunksForPart(env, p, true)
		if err != nil {
			return nil, err
		}
		out = append(out, cs...)
	}
	return out, nil
}

func chunksForParam(env Env, pe *ast.ParamExp, forceQuoted bool) ([]chunk, error) {
	val, isArrayAll, arr, err := evalParam(env, pe)
	if err != nil {
		return nil, err
	}
	if isArrayAll {
		if len(arr) == 0 {
			return nil, nil
		}
		var out []chunk
		for i, e := range arr {
			out = append(out, chunk{s: e, quoted: forceQuoted, brk: forceQuoted && i < len(arr)-1})
		}
		return out, nil
	}
	return []chunk{{s: val, quoted: forceQuoted}}, nil
}

func runCmdSubst(env Env, cs *ast.CmdSubst) (string, error) {
	ce, ok := env.(CmdSubstEnv)
	if !ok {
		return "", nil
	}
	out, err := ce.RunCmdSubst(cs.Stmts, cs.Backtick)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(out, "\n"), nil
}

// joinChunks turns the chunk stream into fields: quoted chunks (and
// unquoted chunks that contain no IFS separator) merge with their
// neighbours, "brk" forces a boundary regardless of quoting, and
// unquoted chunks are split on IFS producing zero or more fields.
func joinChunks(chunks []chunk, ifs string) []qfield {
	var fields []qfield
	pending := ""
	pendingQuoted := false
	haveAny := false
	flush := func() {
		if haveAny {
			fields = append(fields, qfield{s: pending, quoted: pendingQuoted})
		}
		pending = ""
		pendingQuoted = false
		haveAny = false
	}
	for _, c := range chunks {
		if c.quoted {
			pending += c.s
			pendingQuoted = true
			haveAny = true
			if c.brk {
				flush()
			}
			continue
		}
		parts := splitIFS(c.s, ifs)
		if len(parts) == 0 {
			// Unquoted empty expansion contributes no field.
			continue
		}
		pending += parts[0]
		haveAny = true
		if len(parts) == 1 {
			continue
		}
		flush()
		for i := 1; i < len(parts)-1; i++ {
			fields = append(fields, qfield{s: parts[i]})
		}
		pending = parts[len(parts)-1]
		haveAny = true
	}
	flush()
	out := make([]qfield, len(fields))
	copy(out, fields)
	return out
}

type qfield struct {
	s      string
	quoted bool
}

const defaultIFS = " \t\n"

// splitIFS splits s on runs of ifs characters, trimming leading and
// trailing runs, the way unquoted field splitting does (spec.md §4.3
// step 4). IFS is treated as a set of runes rather than bytes; spec.md
// §9 leaves the multibyte-IFS byte-vs-codepoint question open and notes
// the original implementation is byte-oriented, so a byte-exact
// multibyte IFS is a known approximation here.
func splitIFS(s, ifs string) []string {
	if ifs == "" {
		if s == "" {
			return nil
		}
		return []string{s}
	}
	return strings.FieldsFunc(s, func(r rune) bool {
		return strings.ContainsRune(ifs, r)
	})
}
