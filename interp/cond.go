package interp

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/sandboxsh/vsh/ast"
	"github.com/sandboxsh/vsh/expand"
	"github.com/sandboxsh/vsh/syntax"
)

// execConditional evaluates a `[[ ]]` expression tree (component C5,
// spec.md §4.5), returning a shell exit status (0 true, 1 false) rather
// than a bool so its result composes directly with the rest of the
// executor's status-based control flow.
func (r *Runner) execConditional(x ast.CondExpr) (int, error) {
	ok, err := r.evalCond(x)
	if err != nil {
		return 1, err
	}
	if ok {
		return 0, nil
	}
	return 1, nil
}

func (r *Runner) evalCond(x ast.CondExpr) (bool, error) {
	switch c := x.(type) {
	case *ast.CondWord:
		s, err := r.literal(c.W)
		if err != nil {
			return false, err
		}
		return s != "", nil

	case *ast.CondNot:
		v, err := r.evalCond(c.X)
		if err != nil {
			return false, err
		}
		return !v, nil

	case *ast.CondParen:
		return r.evalCond(c.X)

	case *ast.CondAndOr:
		left, err := r.evalCond(c.X)
		if err != nil {
			return false, err
		}
		switch c.Op {
		case ast.LAND:
			if !left {
				return false, nil
			}
			return r.evalCond(c.Y)
		case ast.LOR:
			if left {
				return true, nil
			}
			return r.evalCond(c.Y)
		}
		return false, nil

	case *ast.CondUnary:
		w, err := condOperandWord(c.X)
		if err != nil {
			return false, err
		}
		return r.evalUnary(syntax.CondOpName(c.Op), w)

	case *ast.CondBinary:
		xw, err := condOperandWord(c.X)
		if err != nil {
			return false, err
		}
		yw, err := condOperandWord(c.Y)
		if err != nil {
			return false, err
		}
		return r.evalBinary(syntax.CondOpName(c.Op), xw, yw)
	}
	return false, nil
}

// condOperandWord unwraps the Word carried by a unary/binary test's
// operand; the parser always represents these operands as CondWord
// (spec.md §4.5's test grammar has no nested expression there).
func condOperandWord(x ast.CondExpr) (ast.Word, error) {
	w, ok := x.(*ast.CondWord)
	if !ok {
		return nil, fmt.Errorf("unsupported conditional operand %T", x)
	}
	return w.W, nil
}

func (r *Runner) evalUnary(op string, w ast.Word) (bool, error) {
	if op == "-v" {
		name, err := r.literal(w)
		if err != nil {
			return false, err
		}
		return r.Env.IsSet(name), nil
	}

	s, err := r.literal(w)
	if err != nil {
		return false, err
	}

	switch op {
	case "-z":
		return s == "", nil
	case "-n":
		return s != "", nil
	case "-o":
		return r.Env.options[s], nil
	}

	path := r.FS.ResolvePath(r.Dir, s)
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
	return false, nil
}

func (r *Runner) evalBinary(op string, xw, yw ast.Word) (bool, error) {
	if op == "=~" {
		s, err := r.literal(xw)
		if err != nil {
			return false, err
		}
		pat, err := r.literal(yw)
		if err != nil {
			return false, err
		}
		re, err := regexp.Compile(pat)
		if err != nil {
			return false, err
		}
		return re.MatchString(s), nil
	}

	switch op {
	case "-nt", "-ot", "-ef":
		xs, err := r.literal(xw)
		if err != nil {
			return false, err
		}
		ys, err := r.literal(yw)
		if err != nil {
			return false, err
		}
		xi, xerr := r.FS.Stat(r.FS.ResolvePath(r.Dir, xs))
		yi, yerr := r.FS.Stat(r.FS.ResolvePath(r.Dir, ys))
		switch op {
		case "-nt":
			return xerr == nil && (yerr != nil || xi.ModTime.After(yi.ModTime)), nil
		case "-ot":
			return yerr == nil && (xerr != nil || xi.ModTime.Before(yi.ModTime)), nil
		default:
			return xerr == nil && yerr == nil && xi.Name == yi.Name && xi.Size == yi.Size, nil
		}
	}

	switch op {
	case "-eq", "-ne", "-lt", "-le", "-gt", "-ge":
		xn, err := r.condInt(xw)
		if err != nil {
			return false, err
		}
		yn, err := r.condInt(yw)
		if err != nil {
			return false, err
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
		case "-ge":
			return xn >= yn, nil
		}
	}

	xs, err := r.literal(xw)
	if err != nil {
		return false, err
	}
	ys, err := r.literal(yw)
	if err != nil {
		return false, err
	}
	switch op {
	case "==", "=":
		if expand.IsQuoted(yw) {
			return xs == ys, nil
		}
		return syntax.Match(ys, xs), nil
	case "!=":
		if expand.IsQuoted(yw) {
			return xs != ys, nil
		}
		return !syntax.Match(ys, xs), nil
	case "<":
		return xs < ys, nil
	case ">":
		return xs > ys, nil
	}
	return false, nil
}

func (r *Runner) condInt(w ast.Word) (int64, error) {
	lit, err := r.literal(w)
	if err != nil {
		return 0, err
	}
	if n, err := strconv.ParseInt(lit, 10, 64); err == nil {
		return n, nil
	}
	expr, err := syntax.ParseArithm(lit)
	if err != nil {
		return 0, err
	}
	return r.arithm(expr)
}
