package syntax

import "strings"

// QuoteMeta escapes glob metacharacters so the resulting pattern matches s
// literally, mirroring the teacher's syntax/pattern.go helper of the same
// purpose.
func QuoteMeta(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// HasGlobMeta reports whether s contains an unescaped glob metacharacter,
// i.e. whether pathname/case-pattern matching should treat it as a
// pattern rather than a literal string (spec.md §4.3 step 5 and the
// PatternRemoval/PatternReplacement/CaseModification operators in §4.3).
func HasGlobMeta(s string) bool {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '*', '?', '[':
			return true
		}
	}
	return false
}

// Match reports whether the whole of name matches the shell glob pattern.
// It supports '*', '?', '[...]' (including '!'/'^' negation and ranges)
// and backslash escapes; the word expander's pathname-expansion phase and
// the [[ ]] ==/!= operators both rely on it (spec.md §4.3, §4.5).
// Extended-glob forms such as ?(...) or @(...) are not recognised: their
// '*' and '?' act as ordinary wildcards and the other characters match
// literally.
func Match(pattern, name string) bool {
	ok, rest := matchHere([]rune(pattern), []rune(name))
	return ok && len(rest) == 0
}

func matchHere(p, s []rune) (bool, []rune) {
	for len(p) > 0 {
		switch p[0] {
		case '*':
			if ok, rest := matchStar(p[1:], s); ok {
				return true, rest
			}
			return false, nil
		case '?':
			if len(s) == 0 {
				return false, nil
			}
			p, s = p[1:], s[1:]
		case '[':
			end := findClassEnd(p)
			if end < 0 {
				if len(s) == 0 || s[0] != '[' {
					return false, nil
				}
				p, s = p[1:], s[1:]
				continue
			}
			if len(s) == 0 || !matchClass(p[1:end], s[0]) {
				return false, nil
			}
			p, s = p[end+1:], s[1:]
		case '\\':
			if len(p) > 1 {
				p = p[1:]
			}
			if len(s) == 0 || s[0] != p[0] {
				return false, nil
			}
			p, s = p[1:], s[1:]
		default:
			if len(s) == 0 || s[0] != p[0] {
				return false, nil
			}
			p, s = p[1:], s[1:]
		}
	}
	return true, s
}

func matchStar(p, s []rune) (bool, []rune) {
	for i := 0; i <= len(s); i++ {
		if ok, rest := matchHere(p, s[i:]); ok && len(rest) == 0 {
			return true, nil
		}
	}
	if len(p) == 0 {
		return true, nil
	}
	return false, nil
}

func findClassEnd(p []rune) int {
	i := 1
	if i < len(p) && (p[i] == '!' || p[i] == '^') {
		i++
	}
	if i < len(p) && p[i] == ']' {
		i++
	}
	for i < len(p) {
		if p[i] == ']' {
			return i
		}
		i++
	}
	return -1
}

func matchClass(cls []rune, c rune) bool {
	neg := false
	i := 0
	if i < len(cls) && (cls[i] == '!' || cls[i] == '^') {
		neg = true
		i++
	}
	found := false
	for i < len(cls) {
		if i+2 < len(cls) && cls[i+1] == '-' {
			if cls[i] <= c && c <= cls[i+2] {
				found = true
			}
			i += 3
			continue
		}
		if cls[i] == c {
			found = true
		}
		i++
	}
	return found != neg
}

// WholeMatch matches pattern against the entire string s, exactly as Match
// does; the pattern-removal and -replacement operators call it.
func WholeMatch(pattern, s string) bool {
	return Match(pattern, s)
}
