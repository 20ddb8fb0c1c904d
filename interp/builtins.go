package interp

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/sandboxsh/vsh/ast"
	"github.com/sandboxsh/vsh/syntax"
)

// builtinFunc is the shape every core built-in (component C8's first
// lookup tier, spec.md §4.8) implements. It mirrors ExecHandlerFunc's
// stdout/stderr/code shape but is called in-process against the live
// Runner/Environment rather than through a CommandContext snapshot, since
// these built-ins mutate shell state that no external collaborator may
// touch (scope, options, positional parameters, ...).
type builtinFunc func(r *Runner, ctx context.Context, args []string, stdin string, out, errw *strings.Builder) (int, error)

func builtinTable() map[string]builtinFunc {
	return map[string]builtinFunc{
		":":        biTrue,
		"true":     biTrue,
		"false":    biFalse,
		"exit":     biExit,
		"return":   biReturn,
		"break":    biBreak,
		"continue": biContinue,
		"export":   biExport,
		"readonly": biReadonly,
		"declare":  biDeclare,
		"typeset":  biDeclare,
		"local":    biLocal,
		"unset":    biUnset,
		"shift":    biShift,
		"set":      biSet,
		"source":   biSource,
		".":        biSource,
		"eval":     biEval,
		"echo":     biEcho,
		"printf":   biPrintf,
		"read":     biRead,
		"test":     biTest,
		"[":        biBracketTest,
		"type":     biType,
		"trap":     biTrap,
		"cd":       biCd,
		"pwd":      biPwd,
	}
}

func biTrue(r *Runner, ctx context.Context, args []string, stdin string, out, errw *strings.Builder) (int, error) {
	return 0, nil
}

func biFalse(r *Runner, ctx context.Context, args []string, stdin string, out, errw *strings.Builder) (int, error) {
	return 1, nil
}

func biExit(r *Runner, ctx context.Context, args []string, stdin string, out, errw *strings.Builder) (int, error) {
	code := r.Env.status
	if len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil {
			code = n
		}
	}
	return code, &ShellExit{Code: code & 0xff}
}

func biReturn(r *Runner, ctx context.Context, args []string, stdin string, out, errw *strings.Builder) (int, error) {
	code := r.Env.status
	if len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil {
			code = n
		}
	}
	return code, &ctrlSignal{kind: ctrlReturn, code: code}
}

func biBreak(r *Runner, ctx context.Context, args []string, stdin string, out, errw *strings.Builder) (int, error) {
	n := 1
	if len(args) > 0 {
		if v, err := strconv.Atoi(args[0]); err == nil && v > 0 {
			n = v
		}
	}
	return 0, &ctrlSignal{kind: ctrlBreak, n: n}
}

func biContinue(r *Runner, ctx context.Context, args []string, stdin string, out, errw *strings.Builder) (int, error) {
	n := 1
	if len(args) > 0 {
		if v, err := strconv.Atoi(args[0]); err == nil && v > 0 {
			n = v
		}
	}
	return 0, &ctrlSignal{kind: ctrlContinue, n: n}
}

func biExport(r *Runner, ctx context.Context, args []string, stdin string, out, errw *strings.Builder) (int, error) {
	for _, a := range args {
		name, val, has := strings.Cut(a, "=")
		if has {
			if err := r.Env.Set(name, val); err != nil {
				errw.WriteString("export: " + err.Error() + "\n")
				return 1, nil
			}
		}
		r.Env.setExported(name)
	}
	return 0, nil
}

func biReadonly(r *Runner, ctx context.Context, args []string, stdin string, out, errw *strings.Builder) (int, error) {
	for _, a := range args {
		name, val, has := strings.Cut(a, "=")
		if has {
			if err := r.Env.Set(name, val); err != nil {
				errw.WriteString("readonly: " + err.Error() + "\n")
				return 1, nil
			}
		}
		r.Env.setReadonly(name)
	}
	return 0, nil
}

// biDeclare implements a practical slice of `declare`/`typeset`: the
// attribute flags spec.md §3 models (-x export, -r readonly, -i integer,
// -l lowercase, -u uppercase, -a indexed array, -A associative array)
// plus an optional name=value.
func biDeclare(r *Runner, ctx context.Context, args []string, stdin string, out, errw *strings.Builder) (int, error) {
	local := false
	return declareImpl(r, args, local, out, errw)
}

func biLocal(r *Runner, ctx context.Context, args []string, stdin string, out, errw *strings.Builder) (int, error) {
	return declareImpl(r, args, true, out, errw)
}

func declareImpl(r *Runner, args []string, local bool, out, errw *strings.Builder) (int, error) {
	var names []string
	for _, a := range args {
		if strings.HasPrefix(a, "-") && a != "-" {
			for _, f := range a[1:] {
				switch f {
				case 'x', 'r', 'i', 'l', 'u', 'a', 'A', 'g':
				default:
					errw.WriteString("declare: invalid option -" + string(f) + "\n")
					return 1, nil
				}
			}
			continue
		}
		names = append(names, a)
	}
	flags := ""
	for _, a := range args {
		if strings.HasPrefix(a, "-") && a != "-" {
			flags += a[1:]
		}
	}
	for _, nameval := range names {
		name, val, has := strings.Cut(nameval, "=")
		if !ast.ValidName(name) {
			errw.WriteString("declare: `" + name + "': not a valid identifier\n")
			return 1, nil
		}
		if local {
			r.Env.declareLocal(name)
		}
		for _, f := range flags {
			switch f {
			case 'x':
				r.Env.setExported(name)
			case 'r':
				r.Env.setReadonly(name)
			case 'i':
				r.Env.setInteger(name)
			case 'l':
				r.Env.setLower(name)
			case 'u':
				r.Env.setUpper(name)
			case 'a':
				if !r.Env.IsArray(name) {
					r.Env.ReplaceIndexed(name, nil)
				}
			case 'A':
				if !r.Env.IsAssoc(name) {
					r.Env.ReplaceAssoc(name, map[string]string{})
				}
			}
		}
		if has {
			if err := r.Env.Set(name, val); err != nil {
				errw.WriteString("declare: " + err.Error() + "\n")
				return 1, nil
			}
		} else if local && !r.Env.IsSet(name) {
			r.Env.Set(name, "")
		}
	}
	return 0, nil
}

func biUnset(r *Runner, ctx context.Context, args []string, stdin string, out, errw *strings.Builder) (int, error) {
	for _, a := range args {
		if a == "-v" || a == "-f" {
			continue
		}
		if err := r.Env.unset(a); err != nil {
			errw.WriteString("unset: " + err.Error() + "\n")
			return 1, nil
		}
		delete(r.Env.functions, a)
	}
	return 0, nil
}

func biShift(r *Runner, ctx context.Context, args []string, stdin string, out, errw *strings.Builder) (int, error) {
	n := 1
	if len(args) > 0 {
		if v, err := strconv.Atoi(args[0]); err == nil {
			n = v
		}
	}
	if n > len(r.Env.positional) {
		return 1, nil
	}
	r.Env.positional = r.Env.positional[n:]
	return 0, nil
}

// biSet implements the options surface spec.md §3 lists under
// "options": -e/+e errexit, -u/+u nounset, -x/+x xtrace, -o pipefail,
// -f/+f noglob, -a/+a allexport, plus bare `set -- args...`.
func biSet(r *Runner, ctx context.Context, args []string, stdin string, out, errw *strings.Builder) (int, error) {
	i := 0
	for ; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			i++
			break
		}
		if len(a) < 2 || (a[0] != '-' && a[0] != '+') {
			break
		}
		on := a[0] == '-'
		if a == "-o" || a == "+o" {
			i++
			if i >= len(args) {
				continue
			}
			r.Env.options[args[i]] = on
			continue
		}
		for _, f := range a[1:] {
			switch f {
			case 'e':
				r.Env.options["errexit"] = on
			case 'u':
				r.Env.options["nounset"] = on
			case 'x':
				r.Env.options["xtrace"] = on
			case 'f':
				r.Env.options["noglob"] = on
			case 'a':
				r.Env.options["allexport"] = on
			}
		}
	}
	if i < len(args) {
		r.Env.positional = append([]string(nil), args[i:]...)
	}
	return 0, nil
}

func biSource(r *Runner, ctx context.Context, args []string, stdin string, out, errw *strings.Builder) (int, error) {
	if len(args) == 0 {
		errw.WriteString("source: filename argument required\n")
		return 1, nil
	}
	path := args[0]
	data, err := r.FS.ReadFile(r.FS.ResolvePath(r.Dir, path))
	if err != nil {
		errw.WriteString("source: " + path + ": " + err.Error() + "\n")
		return 1, nil
	}
	savedPos := r.Env.positional
	if len(args) > 1 {
		r.Env.positional = args[1:]
	}
	file, perr := syntax.NewParser().Parse(data, path)
	if perr != nil {
		r.Env.positional = savedPos
		errw.WriteString("source: " + perr.Error() + "\n")
		return 1, nil
	}
	status, rerr := r.runStmts(ctx, file.Stmts, out, errw)
	r.Env.positional = savedPos
	if rerr != nil {
		var exit *ShellExit
		if asShellExit(rerr, &exit) {
			return exit.Code, nil
		}
		return status, rerr
	}
	return status, nil
}

func asShellExit(err error, target **ShellExit) bool {
	if se, ok := err.(*ShellExit); ok {
		*target = se
		return true
	}
	return false
}

func biEval(r *Runner, ctx context.Context, args []string, stdin string, out, errw *strings.Builder) (int, error) {
	src := strings.Join(args, " ")
	if src == "" {
		return 0, nil
	}
	file, err := syntax.NewParser().Parse(src, "")
	if err != nil {
		errw.WriteString("eval: " + err.Error() + "\n")
		return 1, nil
	}
	return r.runStmts(ctx, file.Stmts, out, errw)
}

func biEcho(r *Runner, ctx context.Context, args []string, stdin string, out, errw *strings.Builder) (int, error) {
	newline := true
	interpret := false
	i := 0
	for i < len(args) {
		switch args[i] {
		case "-n":
			newline = false
		case "-e":
			interpret = true
		case "-E":
			interpret = false
		default:
			goto done
		}
		i++
	}
done:
	fields := args[i:]
	if interpret {
		for j, f := range fields {
			fields[j] = expandEchoEscapes(f)
		}
	}
	out.WriteString(strings.Join(fields, " "))
	if newline {
		out.WriteString("\n")
	}
	return 0, nil
}

func expandEchoEscapes(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i == len(s)-1 {
			b.WriteByte(s[i])
			continue
		}
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
	}
	return b.String()
}

// biPrintf is a practical subset of POSIX printf: %s, %d, %i, %x, %o,
// %q, %% and literal text, with the format string recycled while
// arguments remain, matching bash's printf behaviour.
func biPrintf(r *Runner, ctx context.Context, args []string, stdin string, out, errw *strings.Builder) (int, error) {
	if len(args) == 0 {
		errw.WriteString("printf: usage: printf format [arguments]\n")
		return 1, nil
	}
	format := expandEchoEscapes(args[0])
	rest := args[1:]
	consumed := 0
	for {
		n, err := printfOnce(format, rest, &consumed, out)
		if err != nil {
			errw.WriteString("printf: " + err.Error() + "\n")
			return 1, nil
		}
		if !n || consumed >= len(rest) {
			break
		}
	}
	return 0, nil
}

func printfOnce(format string, args []string, consumed *int, out *strings.Builder) (bool, error) {
	usedAny := false
	i := 0
	for i < len(format) {
		c := format[i]
		if c != '%' {
			out.WriteByte(c)
			i++
			continue
		}
		i++
		if i >= len(format) {
			out.WriteByte('%')
			break
		}
		verb := format[i]
		i++
		next := func() string {
			if *consumed < len(args) {
				v := args[*consumed]
				*consumed++
				usedAny = true
				return v
			}
			return ""
		}
		switch verb {
		case '%':
			out.WriteByte('%')
		case 's':
			out.WriteString(next())
		case 'q':
			out.WriteString(strconv.Quote(next()))
		case 'd', 'i':
			v := next()
			n, err := strconv.ParseInt(strings.TrimSpace(v), 0, 64)
			if err != nil && v != "" {
				return usedAny, fmt.Errorf("%s: invalid number", v)
			}
			fmt.Fprintf(out, "%d", n)
		case 'x':
			v := next()
			n, _ := strconv.ParseInt(strings.TrimSpace(v), 0, 64)
			fmt.Fprintf(out, "%x", n)
		case 'o':
			v := next()
			n, _ := strconv.ParseInt(strings.TrimSpace(v), 0, 64)
			fmt.Fprintf(out, "%o", n)
		default:
			out.WriteByte('%')
			out.WriteByte(verb)
		}
	}
	return usedAny, nil
}

func biRead(r *Runner, ctx context.Context, args []string, stdin string, out, errw *strings.Builder) (int, error) {
	if stdin == "" {
		return 1, nil
	}
	line := stdin
	if idx := strings.IndexByte(stdin, '\n'); idx >= 0 {
		line = stdin[:idx]
	}
	names := args
	if len(names) == 0 {
		names = []string{"REPLY"}
	}
	fields := splitIFS(line, r.Env.IFS(), len(names))
	for i, n := range names {
		v := ""
		if i < len(fields) {
			v = fields[i]
		}
		if err := r.Env.Set(n, v); err != nil {
			errw.WriteString("read: " + err.Error() + "\n")
			return 1, nil
		}
	}
	return 0, nil
}

func splitIFS(s, ifs string, n int) []string {
	if n <= 0 {
		n = 1
	}
	isIFS := func(r byte) bool { return strings.IndexByte(ifs, r) >= 0 }
	var fields []string
	i := 0
	for len(fields) < n-1 && i < len(s) {
		for i < len(s) && isIFS(s[i]) {
			i++
		}
		start := i
		for i < len(s) && !isIFS(s[i]) {
			i++
		}
		if i > start {
			fields = append(fields, s[start:i])
		} else {
			break
		}
	}
	for i < len(s) && isIFS(s[i]) {
		i++
	}
	if i < len(s) {
		fields = append(fields, s[i:])
	}
	return fields
}

func biBracketTest(r *Runner, ctx context.Context, args []string, stdin string, out, errw *strings.Builder) (int, error) {
	if len(args) == 0 || args[len(args)-1] != "]" {
		errw.WriteString("[: missing closing ]\n")
		return 2, nil
	}
	return biTest(r, ctx, args[:len(args)-1], stdin, out, errw)
}

// biTest implements POSIX test/[ over already-expanded string arguments,
// against plain strings instead of an ast.CondExpr tree, since test never
// sees the AST: its arguments are ordinary command words. Its operator
// set is smaller than that of `[[ ]]` (spec.md §4.5): unary -v -z -n -e
// -f -d -s -L -h -r -w -x, binary = == != -eq -ne -lt -le -gt -ge -nt
// -ot, plus `!` and -a/-o joining sub-expressions.
func biTest(r *Runner, ctx context.Context, args []string, stdin string, out, errw *strings.Builder) (int, error) {
	ok, err := r.evalTestArgs(args)
	if err != nil {
		errw.WriteString("test: " + err.Error() + "\n")
		return 2, nil
	}
	if ok {
		return 0, nil
	}
	return 1, nil
}

func (r *Runner) evalTestArgs(args []string) (bool, error) {
	switch len(args) {
	case 0:
		return false, nil
	case 1:
		return args[0] != "", nil
	case 2:
		if args[0] == "!" {
			v, err := r.evalTestArgs(args[1:])
			return !v, err
		}
		return r.testUnary(args[0], args[1])
	case 3:
		if args[0] == "!" {
			v, err := r.evalTestArgs(args[1:])
			return !v, err
		}
		return r.testBinary(args[0], args[1], args[2])
	default:
		if args[0] == "!" {
			v, err := r.evalTestArgs(args[1:])
			return !v, err
		}
		mid := -1
		for i, a := range args {
			if a == "-a" || a == "-o" {
				mid = i
				break
			}
		}
		if mid < 0 {
			return false, fmt.Errorf("too many arguments")
		}
		left, err := r.evalTestArgs(args[:mid])
		if err != nil {
			return false, err
		}
		right, err := r.evalTestArgs(args[mid+1:])
		if err != nil {
			return false, err
		}
		if args[mid] == "-a" {
			return left && right, nil
		}
		return left || right, nil
	}
}

func (r *Runner) testUnary(op, arg string) (bool, error) {
	if op == "-v" {
		return r.Env.IsSet(arg), nil
	}
	switch op {
	case "-z":
		return arg == "", nil
	case "-n":
		return arg != "", nil
	}
	path := r.FS.ResolvePath(r.Dir, arg)
	switch op {
	case "-e":
		_, err := r.FS.Stat(path)
		return err == nil, nil
	case "-f":
		info, err := r.FS.Stat(path)
		return err == nil && !info.IsDir, nil
	case "-d":
		info, err := r.FS.Stat(path)
		return err == nil && info.IsDir, nil
	case "-s":
		info, err := r.FS.Stat(path)
		return err == nil && info.Size > 0, nil
	case "-L", "-h":
		info, err := r.FS.Lstat(path)
		return err == nil && info.IsLink, nil
	case "-r", "-w":
		_, err := r.FS.Stat(path)
		return err == nil, nil
	case "-x":
		info, err := r.FS.Stat(path)
		return err == nil && (info.IsDir || info.Mode&0o111 != 0), nil
	}
	return false, fmt.Errorf("unknown unary operator %s", op)
}

func (r *Runner) testBinary(xs, op, ys string) (bool, error) {
	switch op {
	case "=", "==":
		return xs == ys, nil
	case "!=":
		return xs != ys, nil
	case "-eq", "-ne", "-lt", "-le", "-gt", "-ge":
		xn, err := strconv.ParseInt(strings.TrimSpace(xs), 10, 64)
		if err != nil {
			return false, fmt.Errorf("%s: integer expression expected", xs)
		}
		yn, err := strconv.ParseInt(strings.TrimSpace(ys), 10, 64)
		if err != nil {
			return false, fmt.Errorf("%s: integer expression expected", ys)
		}
		switch op {
		case "-eq":
			return xn == yn, nil
		case "-ne":
			return xn != yn, nil
		case "-lt":
			return xn < yn, nil
		case "-le":
			return xn <= yn, nil
		case "-gt":
			return xn > yn, nil
		default:
			return xn >= yn, nil
		}
	case "-nt", "-ot":
		xi, xerr := r.FS.Stat(r.FS.ResolvePath(r.Dir, xs))
		yi, yerr := r.FS.Stat(r.FS.ResolvePath(r.Dir, ys))
		if op == "-nt" {
			return xerr == nil && (yerr != nil || xi.ModTime.After(yi.ModTime)), nil
		}
		return yerr == nil && (xerr != nil || xi.ModTime.Before(yi.ModTime)), nil
	}
	return false, fmt.Errorf("unknown binary operator %s", op)
}

func biType(r *Runner, ctx context.Context, args []string, stdin string, out, errw *strings.Builder) (int, error) {
	status := 0
	for _, name := range args {
		switch {
		case r.Env.functions[name] != nil:
			out.WriteString(name + " is a function\n")
		case r.Builtins[name] != nil:
			out.WriteString(name + " is a shell builtin\n")
		case r.Registered[name] != nil:
			out.WriteString(name + " is a shell builtin\n")
		default:
			out.WriteString(name + ": not found\n")
			status = 1
		}
	}
	return status, nil
}

// biTrap is accepted but a no-op: signal delivery has no meaning in an
// in-process, single-threaded sandboxed interpreter (spec.md §5 lists no
// asynchronous signal model), so `trap` only avoids "command not found"
// for scripts that defensively set one up.
func biTrap(r *Runner, ctx context.Context, args []string, stdin string, out, errw *strings.Builder) (int, error) {
	return 0, nil
}

func biCd(r *Runner, ctx context.Context, args []string, stdin string, out, errw *strings.Builder) (int, error) {
	dir := "/"
	if home, ok := r.Env.HomeDir(""); ok && len(args) == 0 {
		dir = home
	}
	if len(args) > 0 {
		dir = args[0]
	}
	target := r.FS.ResolvePath(r.Dir, dir)
	info, err := r.FS.Stat(target)
	if err != nil || !info.IsDir {
		errw.WriteString("cd: " + dir + ": No such file or directory\n")
		return 1, nil
	}
	r.Dir = target
	return 0, nil
}

func biPwd(r *Runner, ctx context.Context, args []string, stdin string, out, errw *strings.Builder) (int, error) {
	out.WriteString(r.Dir + "\n")
	return 0, nil
}
