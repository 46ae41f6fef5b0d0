package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppErrorFormatting(t *testing.T) {
	e := New(CodeNotFound, "node not found")
	require.Equal(t, "not_found: node not found", e.Error())

	wrapped := Wrap(fmt.Errorf("row missing"), CodeNotFound, "node not found")
	require.Equal(t, "not_found: node not found: row missing", wrapped.Error())
}

func TestIsCodeUnwraps(t *testing.T) {
	inner := New(CodeCycleDetected, "parent chain forms a cycle")
	outer := fmt.Errorf("move failed: %w", inner)

	require.True(t, IsCode(outer, CodeCycleDetected))
	require.False(t, IsCode(outer, CodeNotFound))
	require.False(t, IsCode(fmt.Errorf("plain"), CodeCycleDetected))
}

func TestWithMeta(t *testing.T) {
	e := New(CodeShortcutConflict, "shortcut already in use").WithMeta("shortcut", "npc.hero")
	require.Equal(t, "npc.hero", e.Meta["shortcut"])
}

func TestWrapNil(t *testing.T) {
	e := Wrap(nil, CodeInternal, "should behave like New")
	require.Nil(t, e.Err)
	require.Equal(t, CodeInternal, e.Code)
}
