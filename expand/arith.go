package expand

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sandboxsh/vsh/ast"
	"github.com/sandboxsh/vsh/syntax"
)

// Arithm evaluates an arithmetic expression tree (spec.md §4.4). Integer
// semantics are two's-complement 64-bit with wraparound on overflow;
// reads of empty or non-numeric variables parse as 0 rather than erroring.
func Arithm(env Env, expr ast.ArithmExpr) (int64, error) {
	switch x := expr.(type) {
	case *ast.ArithmWord:
		lit, err := Literal(env, x.W)
		if err != nil {
			return 0, err
		}
		// A bare identifier in arithmetic context is a variable
		// reference, recursively, up to a small depth to avoid
		// following a self-referential chain forever.
		s := lit
		for i := 0; i < maxArithNameRefDepth && ast.ValidName(s); i++ {
			val, ok := env.Get(s)
			if !ok || val == "" {
				break
			}
			s = val
		}
		return atoi(s), nil

	case *ast.ParenArithm:
		return Arithm(env, x.X)

	case *ast.UnaryArithm:
		if x.Op == syntax.ArithInc || x.Op == syntax.ArithDec {
			name := arithName(x.X)
			old := atoi(firstOr(env, name))
			val := old
			if x.Op == syntax.ArithInc {
				val++
			} else {
				val--
			}
			if err := env.Set(name, strconv.FormatInt(val, 10)); err != nil {
				return 0, err
			}
			if x.Post {
				return old, nil
			}
			return val, nil
		}
		val, err := Arithm(env, x.X)
		if err != nil {
			return 0, err
		}
		switch x.Op {
		case ast.NOT:
			return oneIf(val == 0), nil
		case syntax.ArithBitNot:
			return ^val, nil
		case syntax.ArithUPlus:
			return val, nil
		default: // syntax.ArithUMinus
			return -val, nil
		}

	case *ast.BinaryArithm:
		return evalBinary(env, x)

	case *ast.TernaryArithm:
		cond, err := Arithm(env, x.Cond)
		if err != nil {
			return 0, err
		}
		if cond != 0 {
			return Arithm(env, x.Then)
		}
		return Arithm(env, x.Else)

	case *ast.AssignArithm:
		return evalAssign(env, x)

	default:
		return 0, fmt.Errorf("arithmetic: unexpected node %T", expr)
	}
}

func arithName(x ast.ArithmExpr) string {
	w, ok := x.(*ast.ArithmWord)
	if !ok {
		return ""
	}
	name, _ := Literal(nil, w.W)
	return name
}

func firstOr(env Env, name string) string {
	if name == "" || env == nil {
		return ""
	}
	v, _ := env.Get(name)
	return v
}

func oneIf(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// atoi mirrors the teacher's forgiving arithmetic literal parse: it never
// errors, trims whitespace, and defaults non-numeric input to 0.
func atoi(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		// Fall back to base-10 only, ignoring the error: unparsable
		// values are treated as 0 per spec.md §4.4.
		n, _ = strconv.ParseInt(s, 10, 64)
	}
	return n
}

func evalAssign(env Env, a *ast.AssignArithm) (int64, error) {
	name := arithName(a.Name)
	val := atoi(firstOr(env, name))
	arg, err := Arithm(env, a.X)
	if err != nil {
		return 0, err
	}
	switch a.Op {
	case ast.ASSIGN:
		val = arg
	case syntax.ArithAddAssign:
		val += arg
	case syntax.ArithSubAssign:
		val -= arg
	case syntax.ArithMulAssign:
		val *= arg
	case syntax.ArithQuoAssign:
		if arg == 0 {
			return 0, fmt.Errorf("division by zero")
		}
		val /= arg
	case syntax.ArithRemAssign:
		if arg == 0 {
			return 0, fmt.Errorf("division by zero")
		}
		val %= arg
	case syntax.ArithAndAssign:
		val &= arg
	case syntax.ArithOrAssign:
		val |= arg
	case syntax.ArithXorAssign:
		val ^= arg
	case ast.SHL: // <<=
		val <<= uint(arg)
	case ast.SHR: // >>=
		val >>= uint(arg)
	}
	if err := env.Set(name, strconv.FormatInt(val, 10)); err != nil {
		return 0, err
	}
	return val, nil
}

func evalBinary(env Env, b *ast.BinaryArithm) (int64, error) {
	if b.Op == syntax.ArithComma {
		if _, err := Arithm(env, b.X); err != nil {
			return 0, err
		}
		return Arithm(env, b.Y)
	}
	x, err := Arithm(env, b.X)
	if err != nil {
		return 0, err
	}
	y, err := Arithm(env, b.Y)
	if err != nil {
		return 0, err
	}
	switch b.Op {
	case syntax.ArithAdd:
		return x + y, nil
	case syntax.ArithSub:
		return x - y, nil
	case syntax.ArithMul:
		return x * y, nil
	case syntax.ArithQuo:
		if y == 0 {
			return 0, fmt.Errorf("division by zero")
		}
		return x / y, nil
	case syntax.ArithRem:
		if y == 0 {
			return 0, fmt.Errorf("division by zero")
		}
		return x % y, nil
	case syntax.ArithPow:
		return intPow(x, y), nil
	case syntax.ArithEql:
		return oneIf(x == y), nil
	case syntax.ArithNeq:
		return oneIf(x != y), nil
	case ast.LSS:
		return oneIf(x < y), nil
	case ast.GTR:
		return oneIf(x > y), nil
	case syntax.ArithLeq:
		return oneIf(x <= y), nil
	case syntax.ArithGeq:
		return oneIf(x >= y), nil
	case syntax.ArithBitAnd:
		return x & y, nil
	case ast.PIPE:
		return x | y, nil
	case syntax.ArithXor:
		return x ^ y, nil
	case ast.SHL:
		return x << uint(y), nil
	case ast.SHR:
		return x >> uint(y), nil
	case ast.LAND:
		return oneIf(x != 0 && y != 0), nil
	case ast.LOR:
		return oneIf(x != 0 || y != 0), nil
	default:
		return 0, fmt.Errorf("arithmetic: unsupported operator %v", b.Op)
	}
}

func intPow(a, b int64) int64 {
	if b < 0 {
		return 0
	}
	var p int64 = 1
	for b > 0 {
		if b&1 != 0 {
			p *= a
		}
		b >>= 1
		a *= a
	}
	return p
}

const maxArithNameRefDepth = 8
