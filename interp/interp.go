package interp

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/sandboxsh/vsh/ast"
	"github.com/sandboxsh/vsh/expand"
	"github.com/sandboxsh/vsh/netfetch"
	"github.com/sandboxsh/vsh/syntax"
	"github.com/sandboxsh/vsh/vfs"
)

// ShellExit is the non-local signal `exit n` raises (spec.md §4.6 "control
// flow signals"). Exec turns it into the script's exit status; `source`
// and command substitution also stop it at their own boundary.
type ShellExit struct{ Code int }

func (e *ShellExit) Error() string { return fmt.Sprintf("exit %d", e.Code) }

// LimitError is raised when a command-count or loop-iteration guard trips
// (spec.md §5 "Cancellation and timeouts").
type LimitError struct{ Msg string }

func (e *LimitError) Error() string { return e.Msg }

type ctrlKind int

const (
	ctrlBreak ctrlKind = iota
	ctrlContinue
	ctrlReturn
)

// ctrlSignal is the internal non-local-transfer carrier for break/continue
// n and return n (spec.md §4.6); it never escapes the interp package.
type ctrlSignal struct {
	kind ctrlKind
	n    int
	code int // meaningful for ctrlReturn
}

func (c *ctrlSignal) Error() string { return "control signal" }

// ExecHandlerFunc is the shape a registered external built-in (find, tar,
// gzip, curl, ...) implements, mirroring the teacher's
// interp.ExecHandlerFunc in interp/handler.go.
type ExecHandlerFunc func(ctx *CommandContext) (stdout, stderr string, code int)

// CommandContext is what every built-in (core or registered) receives,
// matching spec.md §6's CommandContext record exactly.
type CommandContext struct {
	Ctx        context.Context
	FS         vfs.FS
	Dir        string
	Stdin      string
	Env        map[string]string
	Args       []string
	Name       string
	Exec       func(name string, args []string, stdin string) (stdout, stderr string, code int)
	Fetch      netfetch.Fetcher
	Trace      bool
	ExportBack func(map[string]string)
}

// Limits bounds total work per Exec call (spec.md §5).
type Limits struct {
	MaxCommands int
	MaxLoopIter int
}

// DefaultLimits mirrors a generous but finite budget; scripts that need
// more should configure vsh.WithLimits explicitly.
var DefaultLimits = Limits{MaxCommands: 200000, MaxLoopIter: 1000000}

// Runner is the executor + dispatcher (components C6/C8), the `interp`
// package's counterpart to the teacher's interp.Runner.
type Runner struct {
	FS      vfs.FS
	Dir     string
	Env     *Environment
	Fetcher netfetch.Fetcher
	Limits  Limits

	Builtins   map[string]builtinFunc
	Registered map[string]ExecHandlerFunc

	trace *tracer

	commandCount int
	loopDepth    int

	background int
}

// New constructs a Runner over fsys rooted at dir, with env as initial
// exported variables (spec.md §6 "Embedding API").
func New(fsys vfs.FS, dir string, env map[string]string, fetcher netfetch.Fetcher, limits Limits) *Runner {
	r := &Runner{
		FS:         fsys,
		Dir:        dir,
		Fetcher:    fetcher,
		Limits:     limits,
		Registered: map[string]ExecHandlerFunc{},
	}
	r.Env = newEnvironment(r)
	r.trace = &tracer{}
	r.Builtins = builtinTable()
	names := make([]string, 0, len(env))
	for n := range env {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		r.Env.Set(n, env[n])
		r.Env.setExported(n)
	}
	r.Env.options["errexit"] = false
	return r
}

// RegisterCommand wires an external built-in (find, tar, gzip, curl) under
// name, matching spec.md §4.8's "registered external commands" tier. A
// nil handler is ignored. (curl is kept out of the lookup when no fetcher
// is configured by vsh.New, which then never registers it.)
func (r *Runner) RegisterCommand(name string, fn ExecHandlerFunc) {
	if fn == nil {
		return
	}
	r.Registered[name] = fn
}

// Result is the outcome of a top-level Exec call.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Exec parses and runs source as a script, matching spec.md §6's
// `exec(source) -> {stdout, stderr, exitCode}`.
func (r *Runner) Exec(ctx context.Context, source string) Result {
	file, err := syntax.NewParser().Parse(source, "")
	if err != nil {
		return Result{Stderr: "vsh: " + err.Error() + "\n", ExitCode: 2}
	}
	r.commandCount = 0
	r.loopDepth = 0

	var out, errw strings.Builder
	r.trace.w = &errw
	status, err := r.runStmts(ctx, file.Stmts, &out, &errw)
	if err != nil {
		var exit *ShellExit
		var lim *LimitError
		switch {
		case errors.As(err, &exit):
			status = exit.Code
		case errors.As(err, &lim):
			errw.WriteString("vsh: " + lim.Msg + "\n")
			status = 1
		default:
			errw.WriteString("bash: " + err.Error() + "\n")
			if status == 0 {
				status = 1
			}
		}
	}
	r.Env.status = status
	return Result{Stdout: out.String(), Stderr: errw.String(), ExitCode: status}
}

func (r *Runner) countCommand() error {
	r.commandCount++
	if r.Limits.MaxCommands > 0 && r.commandCount > r.Limits.MaxCommands {
		return &LimitError{Msg: "execution limit exceeded: too many commands"}
	}
	return nil
}

func (r *Runner) countLoopIter() error {
	if r.Limits.MaxLoopIter > 0 {
		r.loopDepth++
		if r.loopDepth > r.Limits.MaxLoopIter {
			return &LimitError{Msg: "execution limit exceeded: too many loop iterations"}
		}
	}
	return nil
}

// runCmdSubst backs expand.CmdSubstEnv: it runs stmts in the same
// Environment (spec.md §4.3 "expansion runs in the same interpreter
// instance"), capturing what they write to stdout.
func (r *Runner) runCmdSubst(stmts []*ast.Stmt) (string, error) {
	var out, errw strings.Builder
	_, err := r.runStmts(context.Background(), stmts, &out, &errw)
	var ctrl *ctrlSignal
	if errors.As(err, &ctrl) {
		err = nil
	}
	var exit *ShellExit
	if errors.As(err, &exit) {
		err = nil
	}
	return out.String(), err
}

// glob backs expand.GlobEnv using the virtual file system: it expands a
// single pathname pattern against fs state, returning matches in
// lexicographic order, or ok=false when nothing matched (the caller keeps
// the literal pattern per spec.md §4.3 step 5).
func (r *Runner) glob(cwd, pattern string) ([]string, bool) {
	abs := r.FS.ResolvePath(cwd, pattern)
	segs := strings.Split(strings.TrimPrefix(abs, "/"), "/")
	bases := []string{"/"}
	for i, seg := range segs {
		last := i == len(segs)-1
		var next []string
		for _, base := range bases {
			if !syntax.HasGlobMeta(seg) {
				candidate := joinPath(base, seg)
				if _, err := r.FS.Lstat(candidate); err == nil {
					next = append(next, candidate)
				}
				continue
			}
			entries, err := r.FS.ReadDirWithFileTypes(base)
			if err != nil {
				continue
			}
			for _, e := range entries {
				if strings.HasPrefix(e.Name, ".") && !strings.HasPrefix(seg, ".") {
					continue
				}
				if !syntax.Match(seg, e.Name) {
					continue
				}
				if !last && !e.IsDir {
					continue
				}
				next = append(next, joinPath(base, e.Name))
			}
		}
		bases = next
		if bases == nil {
			return nil, false
		}
	}
	if len(bases) == 0 {
		return nil, false
	}
	rel := make([]string, len(bases))
	for i, b := range bases {
		rel[i] = relativize(cwd, b)
	}
	sort.Strings(rel)
	return rel, true
}

func joinPath(base, name string) string {
	if base == "/" {
		return "/" + name
	}
	return base + "/" + name
}

func relativize(cwd, abs string) string {
	if cwd == "" || cwd == "/" {
		return strings.TrimPrefix(abs, "/")
	}
	prefix := strings.TrimSuffix(cwd, "/") + "/"
	if strings.HasPrefix(abs, prefix) {
		return strings.TrimPrefix(abs, prefix)
	}
	return abs
}

// literal and fields are small Runner-bound wrappers around expand's
// entry points, threading r.Env as the expand.Env.
func (r *Runner) literal(w ast.Word) (string, error) { return expand.Literal(r.Env, w) }

func (r *Runner) fields(w ast.Word) ([]string, error) { return expand.Fields(r.Env, w) }

func (r *Runner) fieldList(ws []ast.Word) ([]string, error) {
	var out []string
	for _, w := range ws {
		fs, err := r.fields(w)
		if err != nil {
			return nil, err
		}
		out = append(out, fs...)
	}
	return out, nil
}

// arithm evaluates an arithmetic expression against r.Env.
func (r *Runner) arithm(x ast.ArithmExpr) (int64, error) { return expand.Arithm(r.Env, x) }

func exitCodeFromError(err error) int {
	var lim *LimitError
	if errors.As(err, &lim) {
		return 1
	}
	return 1
}

// permToMode parses a chmod-style octal mode string into an fs.FileMode
// bit pattern; symbolic modes are rejected as a parse error.
func permToMode(s string) (fs.FileMode, error) {
	n, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, err
	}
	return fs.FileMode(n), nil
}
