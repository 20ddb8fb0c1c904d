// Package interp implements the executor (C6), environment/scope (C7),
// built-in dispatcher (C8) and conditional evaluator (C5) described in
// spec.md §4.5-§4.8, modeled on mvdan.cc/sh/v3/interp's Runner/Environ
// split (interp/interp.go, interp/vars.go, interp/runner.go).
package interp

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sandboxsh/vsh/ast"
	"github.com/sandboxsh/vsh/expand"
	"github.com/sandboxsh/vsh/syntax"
)

// attr holds the per-variable attribute bits spec.md §3 lists:
// readonlyVars/exportedVars/integerVars/lowercaseVars/uppercaseVars.
type attr struct {
	readonly bool
	exported bool
	integer  bool
	lower    bool
	upper    bool
}

// saved is one entry in a local-scope snapshot: the prior state of a
// name, restored verbatim when the owning function frame pops (spec.md
// §3 invariant (c)).
type saved struct {
	existed    bool
	scalar     string
	attr       *attr
	wasIndexed bool
	indexed    map[int]string
	wasAssoc   bool
	assoc      map[string]string
}

// Environment is the variable/function/option/scope record spec.md §3
// describes: one owning record shared by every nested $(...) parse
// within a single Shell (spec.md §9 "Cyclic shell state vs. ownership").
type Environment struct {
	scalars map[string]string
	indexed map[string]map[int]string
	assoc   map[string]map[string]string
	attrs   map[string]*attr
	declared map[string]bool // declared via `declare -a/-A name` with no value yet
	namerefs map[string]string

	functions map[string]*ast.FunctionDef

	options map[string]bool

	positional []string
	status     int
	lastBgPID  int
	pid        int
	shellName  string

	localStack []map[string]*saved

	homeDirs map[string]string

	runner *Runner
}

func newEnvironment(r *Runner) *Environment {
	return &Environment{
		scalars:   map[string]string{},
		indexed:   map[string]map[int]string{},
		assoc:     map[string]map[string]string{},
		attrs:     map[string]*attr{},
		declared:  map[string]bool{},
		namerefs:  map[string]string{},
		functions: map[string]*ast.FunctionDef{},
		options:   map[string]bool{},
		homeDirs:  map[string]string{},
		runner:    r,
		pid:       1000,
		shellName: "vsh",
	}
}

const maxNamerefHops = 16

// resolveNameref follows a potential nameref chain up to a fixed hop
// limit, returning the final, non-nameref name (spec.md §3 invariant (d)
// and §9 "Nameref resolution").
func (e *Environment) resolveNameref(name string) string {
	seen := map[string]bool{}
	for i := 0; i < maxNamerefHops; i++ {
		target, ok := e.namerefs[name]
		if !ok {
			return name
		}
		if !ast.ValidName(target) || seen[target] {
			return name
		}
		seen[name] = true
		name = target
	}
	return name
}

// ---- expand.Env ----

func (e *Environment) Get(name string) (string, bool) {
	name = e.resolveNameref(name)
	if arr, ok := e.indexed[name]; ok {
		v, ok := arr[0]
		return v, ok
	}
	if _, ok := e.assoc[name]; ok {
		return "", false
	}
	v, ok := e.scalars[name]
	return v, ok
}

func (e *Environment) Set(name, value string) error {
	return e.set(name, value, false)
}

func (e *Environment) set(name, value string, fromDecl bool) error {
	name = e.resolveNameref(name)
	if a := e.attrs[name]; a != nil && a.readonly {
		return fmt.Errorf("%s: readonly variable", name)
	}
	if !fromDecl {
		if _, ok := e.indexed[name]; ok {
			return fmt.Errorf("%s: cannot assign scalar to array variable", name)
		}
		if _, ok := e.assoc[name]; ok {
			return fmt.Errorf("%s: cannot assign scalar to associative array variable", name)
		}
	}
	value = e.applyWriteAttrs(name, value)
	e.snapshotLocal(name)
	e.scalars[name] = value
	delete(e.declared, name)
	return nil
}

func (e *Environment) applyWriteAttrs(name, value string) string {
	a := e.attrs[name]
	if a == nil {
		return value
	}
	if a.integer {
		expr, err := syntax.ParseArithm(value)
		if err == nil {
			if n, err2 := expand.Arithm(e, expr); err2 == nil {
				value = strconv.FormatInt(n, 10)
			}
		}
	}
	if a.lower {
		value = strings.ToLower(value)
	}
	if a.upper {
		value = strings.ToUpper(value)
	}
	return value
}

// SetIndexed sets element i of indexed array name, creating the array if
// needed.
func (e *Environment) SetIndexed(name string, i int, value string) error {
	name = e.resolveNameref(name)
	if a := e.attrs[name]; a != nil && a.readonly {
		return fmt.Errorf("%s: readonly variable", name)
	}
	if _, ok := e.scalars[name]; ok && e.indexed[name] == nil {
		// Promote an existing scalar to a[0] rather than refusing,
		// matching bash's forgiving "x=1; x[2]=2" behaviour.
		e.snapshotLocal(name)
		e.indexed[name] = map[int]string{0: e.scalars[name]}
		delete(e.scalars, name)
	}
	e.snapshotLocal(name)
	if e.indexed[name] == nil {
		e.indexed[name] = map[int]string{}
	}
	e.indexed[name][i] = value
	delete(e.declared, name)
	return nil
}

// SetAssoc sets element key of associative array name.
func (e *Environment) SetAssoc(name, key, value string) error {
	name = e.resolveNameref(name)
	if a := e.attrs[name]; a != nil && a.readonly {
		return fmt.Errorf("%s: readonly variable", name)
	}
	e.snapshotLocal(name)
	if e.assoc[name] == nil {
		e.assoc[name] = map[string]string{}
	}
	e.assoc[name][key] = value
	delete(e.declared, name)
	return nil
}

// ReplaceIndexed replaces the whole indexed array (array literal
// assignment `x=(a b c)`).
func (e *Environment) ReplaceIndexed(name string, values []string) {
	e.snapshotLocal(name)
	delete(e.scalars, name)
	m := make(map[int]string, len(values))
	for i, v := range values {
		m[i] = v
	}
	e.indexed[name] = m
}

// ReplaceAssoc replaces a whole associative array.
func (e *Environment) ReplaceAssoc(name string, values map[string]string) {
	e.snapshotLocal(name)
	delete(e.scalars, name)
	e.assoc[name] = values
}

// ---- expand.ArrayEnv ----

func (e *Environment) GetArray(name string) ([]string, bool) {
	name = e.resolveNameref(name)
	m, ok := e.indexed[name]
	if !ok {
		return nil, false
	}
	max := -1
	for i := range m {
		if i > max {
			max = i
		}
	}
	out := make([]string, max+1)
	for i := range out {
		out[i] = m[i]
	}
	return out, true
}

func (e *Environment) GetAssoc(name string) (map[string]string, bool) {
	name = e.resolveNameref(name)
	m, ok := e.assoc[name]
	return m, ok
}

func (e *Environment) IsArray(name string) bool {
	name = e.resolveNameref(name)
	_, ok := e.indexed[name]
	return ok
}

func (e *Environment) IsAssoc(name string) bool {
	name = e.resolveNameref(name)
	_, ok := e.assoc[name]
	return ok
}

// ---- expand.SpecialEnv ----

func (e *Environment) IsSet(name string) bool {
	name = e.resolveNameref(name)
	if _, ok := e.indexed[name]; ok {
		return true
	}
	if _, ok := e.assoc[name]; ok {
		return true
	}
	_, ok := e.scalars[name]
	return ok
}

func (e *Environment) Positional() []string { return e.positional }

func (e *Environment) Special(name byte) (string, bool) {
	switch name {
	case '?':
		return strconv.Itoa(e.status), true
	case '$':
		return strconv.Itoa(e.pid), true
	case '!':
		if e.lastBgPID == 0 {
			return "", false
		}
		return strconv.Itoa(e.lastBgPID), true
	case '-':
		return e.flagString(), true
	case '0':
		return e.shellName, true
	}
	return "", false
}

func (e *Environment) flagString() string {
	var b strings.Builder
	order := []struct {
		opt  string
		flag byte
	}{
		{"errexit", 'e'}, {"nounset", 'u'}, {"xtrace", 'x'}, {"noglob", 'f'},
	}
	for _, o := range order {
		if e.options[o.opt] {
			b.WriteByte(o.flag)
		}
	}
	return b.String()
}

func (e *Environment) IFS() string {
	if v, ok := e.Get("IFS"); ok {
		return v
	}
	return " \t\n"
}

func (e *Environment) Opt(name string) bool { return e.options[name] }

// ---- expand.HomeEnv ----

func (e *Environment) HomeDir(user string) (string, bool) {
	if user == "" {
		v, ok := e.Get("HOME")
		return v, ok
	}
	h, ok := e.homeDirs[user]
	return h, ok
}

// ---- expand.GlobEnv ----

func (e *Environment) Cwd() string { return e.runner.Dir }

func (e *Environment) Glob(cwd, pattern string) ([]string, bool) {
	return e.runner.glob(cwd, pattern)
}

// ---- expand.CmdSubstEnv ----

func (e *Environment) RunCmdSubst(stmts []*ast.Stmt, backtick bool) (string, error) {
	return e.runner.runCmdSubst(stmts)
}

// clone returns a deep copy of e bound to runner r, used to give a subshell
// (spec.md §4.6 "(...)") its own variable/function/option state that
// mutations never leak back out of (spec.md §3 invariant, subshell
// isolation).
func (e *Environment) clone(r *Runner) *Environment {
	n := &Environment{
		scalars:   cloneStrMap(e.scalars),
		indexed:   map[string]map[int]string{},
		assoc:     map[string]map[string]string{},
		attrs:     map[string]*attr{},
		declared:  map[string]bool{},
		namerefs:  cloneStrMap(e.namerefs),
		functions: map[string]*ast.FunctionDef{},
		options:   map[string]bool{},
		homeDirs:  cloneStrMap(e.homeDirs),
		runner:    r,
		positional: append([]string(nil), e.positional...),
		status:     e.status,
		lastBgPID:  e.lastBgPID,
		pid:        e.pid,
		shellName:  e.shellName,
	}
	for k, v := range e.indexed {
		n.indexed[k] = cloneIntMap(v)
	}
	for k, v := range e.assoc {
		n.assoc[k] = cloneStrMap(v)
	}
	for k, v := range e.attrs {
		cp := *v
		n.attrs[k] = &cp
	}
	for k, v := range e.declared {
		n.declared[k] = v
	}
	for k, v := range e.functions {
		n.functions[k] = v
	}
	for k, v := range e.options {
		n.options[k] = v
	}
	return n
}

// ---- local scopes ----

func (e *Environment) pushLocalScope() {
	e.localStack = append(e.localStack, map[string]*saved{})
}

func (e *Environment) popLocalScope() {
	if len(e.localStack) == 0 {
		return
	}
	top := e.localStack[len(e.localStack)-1]
	e.localStack = e.localStack[:len(e.localStack)-1]
	names := make([]string, 0, len(top))
	for n := range top {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, name := range names {
		s := top[name]
		delete(e.scalars, name)
		delete(e.indexed, name)
		delete(e.assoc, name)
		delete(e.attrs, name)
		if !s.existed {
			continue
		}
		if s.wasIndexed {
			e.indexed[name] = s.indexed
		} else if s.wasAssoc {
			e.assoc[name] = s.assoc
		} else {
			e.scalars[name] = s.scalar
		}
		if s.attr != nil {
			e.attrs[name] = s.attr
		}
	}
}

// snapshotLocal records name's prior value in the innermost local scope
// the first time it is written within that scope (spec.md §3
// "localScopes" and §4.7).
func (e *Environment) snapshotLocal(name string) {
	if len(e.localStack) == 0 {
		return
	}
	top := e.localStack[len(e.localStack)-1]
	if _, done := top[name]; done {
		return
	}
	s := &saved{}
	if arr, ok := e.indexed[name]; ok {
		s.existed, s.wasIndexed, s.indexed = true, true, cloneIntMap(arr)
	} else if m, ok := e.assoc[name]; ok {
		s.existed, s.wasAssoc, s.assoc = true, true, cloneStrMap(m)
	} else if v, ok := e.scalars[name]; ok {
		s.existed, s.scalar = true, v
	}
	if a, ok := e.attrs[name]; ok {
		cp := *a
		s.attr = &cp
	}
	top[name] = s
}

// declareLocal marks name as local in the current scope without writing
// a value yet, so later attribute-only declarations (e.g. `local -i x`)
// still snapshot correctly.
func (e *Environment) declareLocal(name string) {
	e.snapshotLocal(name)
}

func cloneIntMap(m map[int]string) map[int]string {
	out := make(map[int]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneStrMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ---- attributes / declare-typeset support ----

func (e *Environment) ensureAttr(name string) *attr {
	a := e.attrs[name]
	if a == nil {
		a = &attr{}
		e.attrs[name] = a
	}
	return a
}

func (e *Environment) setReadonly(name string)  { e.ensureAttr(name).readonly = true }
func (e *Environment) setExported(name string)  { e.ensureAttr(name).exported = true }
func (e *Environment) setInteger(name string)   { e.ensureAttr(name).integer = true }
func (e *Environment) setLower(name string)     { e.ensureAttr(name).lower = true }
func (e *Environment) setUpper(name string)     { e.ensureAttr(name).upper = true }

func (e *Environment) unsetAttr(name string) { delete(e.attrs, name) }

func (e *Environment) isReadonly(name string) bool {
	a := e.attrs[name]
	return a != nil && a.readonly
}

func (e *Environment) isExported(name string) bool {
	a := e.attrs[name]
	return a != nil && a.exported
}

// unset removes name entirely (variable, array, attributes, nameref).
func (e *Environment) unset(name string) error {
	if e.isReadonly(name) {
		return fmt.Errorf("%s: readonly variable", name)
	}
	e.snapshotLocal(name)
	delete(e.scalars, name)
	delete(e.indexed, name)
	delete(e.assoc, name)
	delete(e.attrs, name)
	delete(e.namerefs, name)
	delete(e.declared, name)
	return nil
}

// exportedSnapshot returns a read-only name->value view of every
// exported variable, for CommandContext.Env.
func (e *Environment) exportedSnapshot() map[string]string {
	out := map[string]string{}
	for name := range e.attrs {
		if e.isExported(name) {
			if v, ok := e.scalars[name]; ok {
				out[name] = v
			}
		}
	}
	return out
}

// Names lists every declared variable name with the given prefix, for
// ${!prefix*}/${!prefix@} (spec.md §4.3).
func (e *Environment) Names(prefix string) []string {
	seen := map[string]bool{}
	for n := range e.scalars {
		seen[n] = true
	}
	for n := range e.indexed {
		seen[n] = true
	}
	for n := range e.assoc {
		seen[n] = true
	}
	var out []string
	for n := range seen {
		if strings.HasPrefix(n, prefix) {
			out = append(out, n)
		}
	}
	return out
}
