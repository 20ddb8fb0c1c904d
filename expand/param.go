package expand

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sandboxsh/vsh/ast"
	"github.com/sandboxsh/vsh/syntax"
)

// evalParam evaluates a ${...}/$name parameter expansion (spec.md §4.3
// "Parameter operations"). When the result is a whole-array expansion
// (positional parameters, arr[@], arr[*], !prefix@) isArrayAll is true
// and arr holds one string per element; otherwise scalar holds the
// single resulting value.
func evalParam(env Env, pe *ast.ParamExp) (scalar string, isArrayAll bool, arr []string, err error) {
	switch pe.Op.Kind {
	case ast.OpLength:
		return evalLength(env, pe)
	case ast.OpIndirection:
		return evalIndirection(env, pe)
	case ast.OpVarNamePrefix:
		return evalVarNamePrefix(env, pe)
	case ast.OpArrayKeys:
		return evalArrayKeys(env, pe)
	case ast.OpLengthSliceError:
		return "", false, nil, fmt.Errorf("${#%s:...}: length cannot be combined with a slice operator", pe.Name)
	}

	val, set, allArr, elems, rerr := resolveBase(env, pe)
	if rerr != nil {
		return "", false, nil, rerr
	}

	switch pe.Op.Kind {
	case ast.OpNone:
		if allArr {
			return "", true, elems, nil
		}
		if !set {
			if se, ok := env.(SpecialEnv); ok && se.Opt("nounset") {
				return "", false, nil, fmt.Errorf("%s: unbound variable", pe.Name)
			}
			return "", false, nil, nil
		}
		return val, false, nil, nil

	case ast.OpDefaultValue, ast.OpAssignDefault, ast.OpErrorIfUnset, ast.OpUseAlternative:
		absent := !set
		if pe.Op.CheckEmpty && val == "" {
			absent = true
		}
		if allArr {
			absent = len(elems) == 0
		}
		switch pe.Op.Kind {
		case ast.OpUseAlternative:
			if absent {
				return "", false, nil, nil
			}
			w, err := Fields(env, pe.Op.Word)
			if err != nil {
				return "", false, nil, err
			}
			return strings.Join(w, " "), false, nil, nil
		case ast.OpErrorIfUnset:
			if !absent {
				if allArr {
					return "", true, elems, nil
				}
				return val, false, nil, nil
			}
			msg, err := Literal(env, pe.Op.Word)
			if err != nil {
				return "", false, nil, err
			}
			if msg == "" {
				msg = "parameter null or not set"
			}
			return "", false, nil, fmt.Errorf("%s: %s", pe.Name, msg)
		default: // DefaultValue, AssignDefault
			if !absent {
				if allArr {
					return "", true, elems, nil
				}
				return val, false, nil, nil
			}
			def, err := Literal(env, pe.Op.Word)
			if err != nil {
				return "", false, nil, err
			}
			if pe.Op.Kind == ast.OpAssignDefault {
				if !ast.ValidName(pe.Name) {
					return "", false, nil, fmt.Errorf("%s: cannot assign in this context", pe.Name)
				}
				if err := env.Set(pe.Name, def); err != nil {
					return "", false, nil, err
				}
			}
			return def, false, nil, nil
		}

	case ast.OpSubstring:
		return evalSubstring(env, pe, val, allArr, elems)

	case ast.OpPatternRemoval:
		return applyToValueOrArray(env, pe, val, allArr, elems, func(s string) (string, error) {
			return patternRemoval(env, pe, s)
		})

	case ast.OpPatternReplacement:
		return applyToValueOrArray(env, pe, val, allArr, elems, func(s string) (string, error) {
			return patternReplacement(env, pe, s)
		})

	case ast.OpCaseModification:
		return applyToValueOrArray(env, pe, val, allArr, elems, func(s string) (string, error) {
			return caseModification(pe, s), nil
		})

	case ast.OpTransform:
		return evalTransform(env, pe, val, allArr, elems)

	default:
		return val, allArr, elems, nil
	}
}

// resolveBase resolves the plain (un-operated) value of pe's name: a
// scalar, or (for $@, $*, arr[@], arr[*]) the full element list.
func resolveBase(env Env, pe *ast.ParamExp) (val string, set bool, allArr bool, elems []string, err error) {
	name := pe.Name
	se, _ := env.(SpecialEnv)

	if pe.Index != nil {
		idxLit, ierr := Literal(env, pe.Index)
		if ierr != nil {
			return "", false, false, nil, ierr
		}
		ae, _ := env.(ArrayEnv)
		if idxLit == "@" || idxLit == "*" {
			if ae != nil && ae.IsAssoc(name) {
				m, _ := ae.GetAssoc(name)
				keys := make([]string, 0, len(m))
				for k := range m {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					elems = append(elems, m[k])
				}
				return "", false, true, elems, nil
			}
			if ae != nil {
				a, _ := ae.GetArray(name)
				return "", false, true, a, nil
			}
			return "", false, true, nil, nil
		}
		if ae != nil && ae.IsAssoc(name) {
			m, _ := ae.GetAssoc(name)
			v, ok := m[idxLit]
			return v, ok, false, nil, nil
		}
		n, aerr := arithIndex(env, pe.Index)
		if aerr != nil {
			n = 0
		}
		if ae != nil {
			a, ok := ae.GetArray(name)
			if ok {
				i := int(n)
				if i >= 0 && i < len(a) {
					return a[i], true, false, nil, nil
				}
				return "", false, false, nil, nil
			}
		}
		v, ok := env.Get(name)
		if n == 0 {
			return v, ok, false, nil, nil
		}
		return "", false, false, nil, nil
	}

	switch name {
	case "@", "*":
		var pos []string
		if se != nil {
			pos = se.Positional()
		}
		return "", false, true, pos, nil
	case "#":
		n := 0
		if se != nil {
			n = len(se.Positional())
		}
		return strconv.Itoa(n), true, false, nil, nil
	case "?", "!", "-", "$", "0":
		if se != nil {
			v, ok := se.Special(name[0])
			return v, ok, false, nil, nil
		}
		return "", false, false, nil, nil
	}
	if isAllDigitsStr(name) {
		if se != nil {
			idx, _ := strconv.Atoi(name)
			pos := se.Positional()
			if idx >= 1 && idx-1 < len(pos) {
				return pos[idx-1], true, false, nil, nil
			}
		}
		return "", false, false, nil, nil
	}

	if ae, ok := env.(ArrayEnv); ok && ae.IsArray(name) {
		a, _ := ae.GetArray(name)
		if len(a) > 0 {
			return a[0], true, false, nil, nil
		}
		return "", false, false, nil, nil
	}
	v, ok := env.Get(name)
	return v, ok, false, nil, nil
}

func isAllDigitsStr(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func arithIndex(env Env, w ast.Word) (int64, error) {
	lit, err := Literal(env, w)
	if err != nil {
		return 0, err
	}
	expr, err := syntax.ParseArithm(lit)
	if err != nil {
		return 0, err
	}
	return Arithm(env, expr)
}

func evalLength(env Env, pe *ast.ParamExp) (string, bool, []string, error) {
	_, _, allArr, elems, err := resolveBase(env, pe)
	if err != nil {
		return "", false, nil, err
	}
	if allArr {
		return strconv.Itoa(len(elems)), false, nil, nil
	}
	v, _, _, _, err := resolveBase(env, &ast.ParamExp{Name: pe.Name, Index: pe.Index})
	if err != nil {
		return "", false, nil, err
	}
	return strconv.Itoa(len([]rune(v))), false, nil, nil
}

func evalIndirection(env Env, pe *ast.ParamExp) (string, bool, []string, error) {
	target, set := env.Get(pe.Name)
	if !set || !ast.ValidName(target) {
		// Invalid or unset nameref target: behaves as a plain
		// variable lookup on the literal name itself (spec.md §3(d)).
		v, _ := env.Get(pe.Name)
		return v, false, nil, nil
	}
	v, _ := env.Get(target)
	return v, false, nil, nil
}

func evalVarNamePrefix(env Env, pe *ast.ParamExp) (string, bool, []string, error) {
	// ${!prefix*} / ${!prefix@}: the variable-name catalogue is reached
	// through an optional Names(prefix) lister (interp's Environment has
	// one); an environment without it has nothing to enumerate, so the
	// expansion is empty.
	type lister interface{ Names(prefix string) []string }
	if l, ok := env.(lister); ok {
		names := l.Names(pe.Name)
		sort.Strings(names)
		if pe.Op.Star {
			sep := " "
			return strings.Join(names, sep), false, nil, nil
		}
		return "", true, names, nil
	}
	return "", false, nil, nil
}

func evalArrayKeys(env Env, pe *ast.ParamExp) (string, bool, []string, error) {
	ae, ok := env.(ArrayEnv)
	if !ok {
		return "", false, nil, nil
	}
	if ae.IsAssoc(pe.Name) {
		m, _ := ae.GetAssoc(pe.Name)
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if pe.Op.Star {
			return strings.Join(keys, " "), false, nil, nil
		}
		return "", true, keys, nil
	}
	a, _ := ae.GetArray(pe.Name)
	idxs := make([]string, len(a))
	for i := range a {
		idxs[i] = strconv.Itoa(i)
	}
	if pe.Op.Star {
		return strings.Join(idxs, " "), false, nil, nil
	}
	return "", true, idxs, nil
}

func evalSubstring(env Env, pe *ast.ParamExp, val string, allArr bool, elems []string) (string, bool, []string, error) {
	apply := func(s string) (string, error) {
		r := []rune(s)
		off, err := Arithm(env, pe.Op.Offset)
		if err != nil {
			return "", err
		}
		start := int(off)
		if start < 0 {
			start += len(r)
			if start < 0 {
				start = 0
			}
		}
		if start > len(r) {
			start = len(r)
		}
		end := len(r)
		if pe.Op.HasLen {
			ln, err := Arithm(env, pe.Op.Length)
			if err != nil {
				return "", err
			}
			if ln < 0 {
				end = len(r) + int(ln)
			} else {
				end = start + int(ln)
			}
		}
		if end > len(r) {
			end = len(r)
		}
		if end < start {
			end = start
		}
		return string(r[start:end]), nil
	}
	return applyToValueOrArray(env, pe, val, allArr, elems, apply)
}

func applyToValueOrArray(env Env, pe *ast.ParamExp, val string, allArr bool, elems []string, f func(string) (string, error)) (string, bool, []string, error) {
	if allArr {
		out := make([]string, len(elems))
		for i, e := range elems {
			v, err := f(e)
			if err != nil {
				return "", false, nil, err
			}
			out[i] = v
		}
		return "", true, out, nil
	}
	v, err := f(val)
	if err != nil {
		return "", false, nil, err
	}
	return v, false, nil, nil
}

func patternRemoval(env Env, pe *ast.ParamExp, s string) (string, error) {
	pat, err := Literal(env, pe.Op.Pattern)
	if err != nil {
		return "", err
	}
	r := []rune(s)
	if pe.Op.Side == ast.SidePrefix {
		best := -1
		for i := 0; i <= len(r); i++ {
			if syntax.WholeMatch(pat, string(r[:i])) {
				best = i
				if !pe.Op.All {
					break
				}
			}
		}
		if best >= 0 {
			return string(r[best:]), nil
		}
		return s, nil
	}
	best := -1
	for i := len(r); i >= 0; i-- {
		if syntax.WholeMatch(pat, string(r[i:])) {
			best = i
			if !pe.Op.All {
				break
			}
		}
	}
	if best >= 0 {
		return string(r[:best]), nil
	}
	return s, nil
}

func patternReplacement(env Env, pe *ast.ParamExp, s string) (string, error) {
	pat, err := Literal(env, pe.Op.Pattern)
	if err != nil {
		return "", err
	}
	repl := ""
	if pe.Op.HasRepl {
		repl, err = Literal(env, pe.Op.Replacement)
		if err != nil {
			return "", err
		}
	}
	r := []rune(s)

	if pe.Op.Anchor == ast.AnchorStart {
		for i := 0; i <= len(r); i++ {
			if syntax.WholeMatch(pat, string(r[:i])) {
				return repl + string(r[i:]), nil
			}
		}
		return s, nil
	}
	if pe.Op.Anchor == ast.AnchorEnd {
		for i := len(r); i >= 0; i-- {
			if syntax.WholeMatch(pat, string(r[i:])) {
				return string(r[:i]) + repl, nil
			}
		}
		return s, nil
	}

	var out strings.Builder
	i := 0
	replaced := false
	for i <= len(r) {
		matched := false
		if !replaced || pe.Op.All {
			for end := len(r); end >= i; end-- {
				if end == i && pat == "" {
					continue
				}
				if syntax.WholeMatch(pat, string(r[i:end])) {
					out.WriteString(repl)
					i = end
					matched = true
					replaced = true
					break
				}
			}
		}
		if matched {
			if !pe.Op.All {
				out.WriteString(string(r[i:]))
				return out.String(), nil
			}
			continue
		}
		if i < len(r) {
			out.WriteRune(r[i])
		}
		i++
	}
	return out.String(), nil
}

func caseModification(pe *ast.ParamExp, s string) string {
	r := []rune(s)
	out := make([]rune, len(r))
	convertAll := pe.Op.All
	for i, c := range r {
		if i > 0 && !convertAll {
			out[i] = c
			continue
		}
		switch pe.Op.CaseDir {
		case ast.CaseLower:
			out[i] = toLowerRune(c)
		case ast.CaseUpper:
			out[i] = toUpperRune(c)
		case ast.CaseToggle:
			if isUpperRune(c) {
				out[i] = toLowerRune(c)
			} else {
				out[i] = toUpperRune(c)
			}
		default:
			out[i] = c
		}
	}
	return string(out)
}

func evalTransform(env Env, pe *ast.ParamExp, val string, allArr bool, elems []string) (string, bool, []string, error) {
	apply := func(s string) (string, error) {
		switch pe.Op.TransformOp {
		case 'Q':
			return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'", nil
		case 'E':
			return expandBackslashEscapes(s), nil
		case 'P', 'A', 'a', 'K':
			// Prompt/attribute/associative-print transforms are
			// implementation-defined minimal subsets per spec.md
			// §4.3; without a richer attribute surface than Env
			// exposes, they pass the value through unchanged.
			return s, nil
		default:
			return s, nil
		}
	}
	return applyToValueOrArray(env, pe, val, allArr, elems, apply)
}

func expandBackslashEscapes(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
			switch s[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case '\\':
				b.WriteByte('\\')
			default:
				b.WriteByte('\\')
				b.WriteByte(s[i])
			}
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func toLowerRune(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + 32
	}
	return r
}
func toUpperRune(r rune) rune {
	if r >= 'a' && r <= 'z' {
		return r - 32
	}
	return r
}
func isUpperRune(r rune) bool { return r >= 'A' && r <= 'Z' }
