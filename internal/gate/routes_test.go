package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoutePatternMatching(t *testing.T) {
	rs, err := NewRouteSet([]Rule{
		{Pattern: "/", Public: true},
		{Pattern: "/auth", Public: true},
		{Pattern: "/ordens/:id"},
		{Pattern: "/admin/*", Roles: []string{"admin"}},
		{Pattern: "/clientes"},
	})
	require.NoError(t, err)

	tests := []struct {
		path    string
		pattern string
		matched bool
	}{
		{"/", "/", true},
		{"/auth", "/auth", true},
		{"/auth/", "/auth", true},
		{"/ordens/42", "/ordens/:id", true},
		{"/ordens/42/edit", "", false},
		{"/ordens", "", false},
		{"/admin", "/admin/*", true},
		{"/admin/users/7", "/admin/*", true},
		{"/clientes", "/clientes", true},
		{"/unknown", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			rule, ok := rs.Match(tc.path)
			assert.Equal(t, tc.matched, ok)
			if tc.matched {
				assert.Equal(t, tc.pattern, rule.Pattern)
			}
		})
	}
}

func TestFirstMatchingRuleWins(t *testing.T) {
	rs, err := NewRouteSet([]Rule{
		{Pattern: "/ordens/nova", Public: true},
		{Pattern: "/ordens/:id"},
	})
	require.NoError(t, err)

	rule, ok := rs.Match("/ordens/nova")
	require.True(t, ok)
	assert.True(t, rule.Public)

	rule, ok = rs.Match("/ordens/42")
	require.True(t, ok)
	assert.False(t, rule.Public)
}

func TestParamDoesNotCrossSegments(t *testing.T) {
	rs, err := NewRouteSet([]Rule{{Pattern: "/ordens/:id"}})
	require.NoError(t, err)

	_, ok := rs.Match("/ordens/a/b")
	assert.False(t, ok)
}
