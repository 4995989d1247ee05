package glob_test

import (
	"testing"

	"github.com/kalcast/kalcast/util/glob"
	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		str     string
		expect  bool
	}{
		{"*", "anything", true},
		{"*", "", true},
		{"kalman", "kalman", true},
		{"kalman", "kalman-filter", false},
		{"kalman*", "kalman-filter", true},
		{"*filter", "kalman-filter", true},
		{"kal*ter", "kalman-filter", true},
		{"kal*ter", "kalman-engine", false},
		{"k?lman", "kalman", true},
		{"k?lman", "kilman", true},
		{"k?lman", "klman", false},
		{"设计*", "设计-engine", true},
		{"[kf]ilter", "filter", true},
		{"[kf]ilter", "milter", false},
		{"[a-m]odels", "models", true},
		{"[^a-m]odels", "models", false},
		{"*.trace", "kalman.trace", true},
		{"*.trace", "kalman.debug", false},
	}
	for _, tt := range tests {
		matched, err := glob.Match(tt.pattern, tt.str)
		require.NoError(t, err, "pattern %q", tt.pattern)
		require.Equal(t, tt.expect, matched, "pattern %q against %q", tt.pattern, tt.str)
	}
}

func TestMatchInvalidPattern(t *testing.T) {
	_, err := glob.Match("[unterminated", "whatever")
	require.Error(t, err)

	_, err = glob.Match("[z-a]", "whatever")
	require.Error(t, err)
}

func TestIsGlob(t *testing.T) {
	require.True(t, glob.IsGlob("kalman*"))
	require.True(t, glob.IsGlob("k?lman"))
	require.True(t, glob.IsGlob("[kf]ilter"))
	require.False(t, glob.IsGlob("kalman"))
	require.False(t, glob.IsGlob("[unterminated"))
}
