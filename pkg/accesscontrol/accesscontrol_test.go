package accesscontrol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPoliciesWithRoleHierarchy(t *testing.T) {
	a, err := NewFromPolicies(
		[][]string{
			{"operator", "/v1/licenses/:id/revoke", "POST"},
			{"admin", "/v1/*", "*"},
		},
		[][]string{{"admin", "operator"}},
	)
	require.NoError(t, err)

	ok, err := a.Authorize("operator", "/v1/licenses/1/revoke", "POST")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = a.Authorize("anonymous", "/v1/licenses/1/revoke", "POST")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = a.Authorize("admin", "/v1/tenants/1/plan", "PUT")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAllowAll(t *testing.T) {
	ok, err := allowAll{}.Authorize("anyone", "/x", "GET")
	require.NoError(t, err)
	require.True(t, ok)
}
