package services

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSlugifyVariable(t *testing.T) {
	cases := []struct {
		label string
		want  string
	}{
		{"Health Points", "health_points"},
		{"HP", "hp"},
		{"  spaced   out  ", "spaced_out"},
		{"Dash-Case & Symbols!", "dash_case_symbols"},
		{"42 answers", "42_answers"},
		{"", "field"},
		{"!!!", "field"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, slugifyVariable(tc.label), "label %q", tc.label)
	}
}

func TestSlugifyVariableLength(t *testing.T) {
	long := strings.Repeat("a", 200)
	got := slugifyVariable(long)
	require.LessOrEqual(t, len(got), maxVariableNameLen)
	require.NotEmpty(t, got)
}

func TestDedupeVariableName(t *testing.T) {
	require.Equal(t, "health", dedupeVariableName("health", nil))
	require.Equal(t, "health_2", dedupeVariableName("health", []string{"health"}))
	require.Equal(t, "health_3", dedupeVariableName("health", []string{"health", "health_2"}))
	require.Equal(t, "health_2", dedupeVariableName("health", []string{"health", "health_3"}))
}
