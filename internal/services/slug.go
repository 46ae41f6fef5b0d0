package services

import (
	"fmt"
	"strings"
)

const maxVariableNameLen = 64

// slugifyVariable derives a variable name from a block label: lowercase
// alphanumerics with single underscores between words.
func slugifyVariable(label string) string {
	out := make([]rune, 0, len(label))
	pendingSep := false
	for _, ch := range strings.ToLower(label) {
		switch {
		case ch >= 'a' && ch <= 'z' || ch >= '0' && ch <= '9':
			if pendingSep && len(out) > 0 {
				out = append(out, '_')
			}
			out = append(out, ch)
			pendingSep = false
		default:
			pendingSep = true
		}
	}
	s := string(out)
	if len(s) > maxVariableNameLen {
		s = strings.TrimRight(s[:maxVariableNameLen], "_")
	}
	if s == "" {
		s = "field"
	}
	return s
}

// dedupeVariableName returns base if free, otherwise the first free
// base_2, base_3, ... candidate.
func dedupeVariableName(base string, taken []string) string {
	used := make(map[string]bool, len(taken))
	for _, t := range taken {
		used[t] = true
	}
	if !used[base] {
		return base
	}
	for i := 2; ; i++ {
		cand := fmt.Sprintf("%s_%d", base, i)
		if !used[cand] {
			return cand
		}
	}
}
