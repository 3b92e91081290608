// Package glob matches topic patterns.
//
// '*' matches any run of characters, ':' and '/' included, and '?' matches
// exactly one character. Every other character matches itself. Topic ids
// are free-form, so unlike path.Match there are no separators.
package glob

import (
	"fmt"
	"strings"
)

// Validate reports whether pattern is usable. Empty patterns and the
// bracket and escape characters reserved by other glob dialects are rejected.
func Validate(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("empty pattern")
	}
	if i := strings.IndexAny(pattern, `[]\`); i >= 0 {
		return fmt.Errorf("unsupported character %q in pattern %q", pattern[i], pattern)
	}
	return nil
}

// Match reports whether s matches pattern.
func Match(pattern, s string) bool {
	if !strings.ContainsAny(pattern, "*?") {
		return pattern == s
	}
	p, t := []rune(pattern), []rune(s)
	pi, ti := 0, 0
	star, mark := -1, 0
	for ti < len(t) {
		switch {
		case pi < len(p) && p[pi] == '*':
			star, mark = pi, ti
			pi++
		case pi < len(p) && (p[pi] == '?' || p[pi] == t[ti]):
			pi++
			ti++
		case star >= 0:
			// Let the last star absorb one more character and retry.
			mark++
			pi, ti = star+1, mark
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}
