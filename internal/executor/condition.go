package executor

import (
	"fmt"
	"strings"
)

// evalCondition evaluates a step condition of the form "key == value" or
// "key != value" against the accumulated environment. The left operand is
// looked up in env (missing keys read as the empty string); the right
// operand is a literal, optionally quoted. A malformed condition evaluates
// false with an error so the step is skipped, not failed.
func evalCondition(cond string, env map[string]string) (bool, error) {
	var (
		op  string
		neg bool
	)
	switch {
	case strings.Contains(cond, "!="):
		op, neg = "!=", true
	case strings.Contains(cond, "=="):
		op = "=="
	default:
		return false, fmt.Errorf("condition %q: expected == or !=", cond)
	}

	left, right, _ := strings.Cut(cond, op)
	key := strings.TrimSpace(left)
	want := unquote(strings.TrimSpace(right))
	if key == "" {
		return false, fmt.Errorf("condition %q: empty left operand", cond)
	}

	got := env[key]
	if neg {
		return got != want, nil
	}
	return got == want, nil
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
