package authz

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckerAnswersFromSnapshot(t *testing.T) {
	checker := NewChecker(NewPermissionSet(PermAssetsRead, PermWorkOrdersRead))

	require.True(t, checker.Can(PermAssetsRead))
	require.False(t, checker.Can(PermAssetsDelete))
	require.True(t, checker.CanAny(PermAssetsDelete, PermWorkOrdersRead))
	require.False(t, checker.CanAll(PermAssetsRead, PermAssetsDelete))
	require.True(t, checker.CanAll(PermAssetsRead, PermWorkOrdersRead))
}

func TestCheckerSystemAdminImpliesEverything(t *testing.T) {
	checker := NewChecker(NewPermissionSet(PermSystemAdmin))
	require.True(t, checker.Can(PermTenantsDelete))
	require.True(t, checker.CanAll(PermSitesManage, PermUsersDelete))
}

func TestEmptyCheckerDeniesEverything(t *testing.T) {
	var checker Checker
	require.False(t, checker.Can(PermAssetsRead))
	require.False(t, checker.CanAny(PermAssetsRead, PermSitesRead))
	require.True(t, checker.CanAll(), "vacuous CanAll holds")
}

func TestCheckerWireFormat(t *testing.T) {
	original := NewChecker(NewPermissionSet(PermAssetsWrite, PermRoomsRead))

	payload, err := json.Marshal(original)
	require.NoError(t, err)

	var restored Checker
	require.NoError(t, json.Unmarshal(payload, &restored))
	require.Equal(t, original.Permissions(), restored.Permissions())
	require.True(t, restored.Can(PermAssetsWrite))
	require.False(t, restored.Can(PermAssetsDelete))
}
