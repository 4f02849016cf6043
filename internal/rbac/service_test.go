package rbac

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fieldstone-cmms/fieldstone/internal/authz"
)

type stubInvalidator struct {
	mu    sync.Mutex
	calls []int64
	err   error
}

func (s *stubInvalidator) Invalidate(ctx context.Context, principalID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, principalID)
	return s.err
}

func newTestService(t *testing.T) (*Service, *MemoryStore, *stubInvalidator) {
	t.Helper()
	store := NewMemoryStore()
	inv := &stubInvalidator{}
	svc := NewService(store, authz.NewCatalog(), inv, nil)
	return svc, store, inv
}

func TestCreateRoleRejectsUnknownPermission(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.CreateRole(context.Background(), "TECHNICIAN", "", []authz.Permission{"assets:write", "assets:fly"})
	require.ErrorIs(t, err, authz.ErrUnknownPermission)
}

func TestCreateRoleNormalizesAndDedupes(t *testing.T) {
	svc, _, _ := newTestService(t)

	role, err := svc.CreateRole(context.Background(), "TECHNICIAN", "field staff",
		[]authz.Permission{" Assets:Write ", "assets:write", "assets:read"})
	require.NoError(t, err)
	require.Equal(t, []authz.Permission{authz.PermAssetsRead, authz.PermAssetsWrite}, role.Permissions)
}

func TestCreateRoleDuplicateName(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateRole(ctx, "TECHNICIAN", "", nil)
	require.NoError(t, err)
	_, err = svc.CreateRole(ctx, "TECHNICIAN", "", nil)
	require.ErrorIs(t, err, authz.ErrRoleExists)
}

func TestGrantTaxonomy(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	store.AddPrincipal(7)
	_, err := svc.CreateRole(ctx, "TECHNICIAN", "", []authz.Permission{authz.PermAssetsWrite})
	require.NoError(t, err)

	_, err = svc.Grant(ctx, 7, "NO_SUCH_ROLE", 1)
	require.ErrorIs(t, err, authz.ErrRoleNotFound)

	_, err = svc.Grant(ctx, 999, "TECHNICIAN", 1)
	require.ErrorIs(t, err, authz.ErrPrincipalNotFound)
}

func TestGrantIsIdempotent(t *testing.T) {
	svc, store, inv := newTestService(t)
	ctx := context.Background()
	store.AddPrincipal(7)
	_, err := svc.CreateRole(ctx, "TECHNICIAN", "", []authz.Permission{authz.PermAssetsWrite})
	require.NoError(t, err)

	first, err := svc.Grant(ctx, 7, "TECHNICIAN", 1)
	require.NoError(t, err)
	second, err := svc.Grant(ctx, 7, "TECHNICIAN", 1)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	bindings, err := svc.ListBindings(ctx, 7)
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	require.GreaterOrEqual(t, len(inv.calls), 2)
}

func TestConcurrentGrantsProduceOneBinding(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	store.AddPrincipal(7)
	_, err := svc.CreateRole(ctx, "TECHNICIAN", "", []authz.Permission{authz.PermAssetsWrite})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Grant(ctx, 7, "TECHNICIAN", 1)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	bindings, err := svc.ListBindings(ctx, 7)
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	require.True(t, bindings[0].IsActive)
}

func TestRevokeKeepsAuditRow(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	store.AddPrincipal(7)
	_, err := svc.CreateRole(ctx, "TECHNICIAN", "", []authz.Permission{authz.PermAssetsWrite})
	require.NoError(t, err)
	_, err = svc.Grant(ctx, 7, "TECHNICIAN", 1)
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, 7, "TECHNICIAN"))

	active, err := svc.ListActiveRoles(ctx, 7)
	require.NoError(t, err)
	require.Empty(t, active)

	bindings, err := svc.ListBindings(ctx, 7)
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	require.False(t, bindings[0].IsActive)
	require.NotNil(t, bindings[0].RevokedAt)

	err = svc.Revoke(ctx, 7, "TECHNICIAN")
	require.ErrorIs(t, err, authz.ErrBindingNotFound)
}

func TestRevokedRolePermissionsStopApplyingDespiteOtherRoles(t *testing.T) {
	svc, store, _ := newTestService(t)
	engine := authz.NewEngine(authz.NewCatalog(), svc, nil, nil)
	ctx := context.Background()
	store.AddPrincipal(7)

	_, err := svc.CreateRole(ctx, "TECHNICIAN", "", []authz.Permission{
		authz.PermAssetsWrite, authz.PermWorkOrdersRead,
	})
	require.NoError(t, err)
	_, err = svc.CreateRole(ctx, "VIEWER", "", []authz.Permission{
		authz.PermSitesRead, authz.PermWorkOrdersRead,
	})
	require.NoError(t, err)
	_, err = svc.Grant(ctx, 7, "TECHNICIAN", 1)
	require.NoError(t, err)
	_, err = svc.Grant(ctx, 7, "VIEWER", 1)
	require.NoError(t, err)

	ok, err := engine.Can(ctx, 7, authz.PermAssetsWrite)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, svc.Revoke(ctx, 7, "TECHNICIAN"))

	// The revoked role's exclusive permission is gone even though the
	// surviving role is still active.
	ok, err = engine.Can(ctx, 7, authz.PermAssetsWrite)
	require.NoError(t, err)
	require.False(t, ok)

	// Permissions held by the surviving role keep applying, including
	// one the revoked role also carried.
	ok, err = engine.Can(ctx, 7, authz.PermSitesRead)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = engine.Can(ctx, 7, authz.PermWorkOrdersRead)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestReplaceAllRoles(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	store.AddPrincipal(7)
	for _, name := range []string{"A", "B", "C"} {
		_, err := svc.CreateRole(ctx, name, "", []authz.Permission{authz.PermSitesRead})
		require.NoError(t, err)
	}

	require.NoError(t, svc.ReplaceAllRoles(ctx, 7, []string{"A", "B"}, 1))
	active, err := svc.ListActiveRoles(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B"}, active)

	require.NoError(t, svc.ReplaceAllRoles(ctx, 7, []string{"B", "C", "C"}, 1))
	active, err = svc.ListActiveRoles(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, []string{"B", "C"}, active)

	// Revoked binding for A is retained for audit.
	bindings, err := svc.ListBindings(ctx, 7)
	require.NoError(t, err)
	var revokedA bool
	for _, b := range bindings {
		if b.RoleName == "A" && !b.IsActive && b.RevokedAt != nil {
			revokedA = true
		}
	}
	require.True(t, revokedA)

	require.ErrorIs(t, svc.ReplaceAllRoles(ctx, 7, []string{"B", "ZZZ"}, 1), authz.ErrRoleNotFound)
}

func TestMutationsInvalidateCache(t *testing.T) {
	svc, store, inv := newTestService(t)
	ctx := context.Background()
	store.AddPrincipal(7)
	_, err := svc.CreateRole(ctx, "TECHNICIAN", "", []authz.Permission{authz.PermAssetsWrite})
	require.NoError(t, err)

	_, err = svc.Grant(ctx, 7, "TECHNICIAN", 1)
	require.NoError(t, err)
	require.NoError(t, svc.Revoke(ctx, 7, "TECHNICIAN"))
	require.NoError(t, svc.ReplaceAllRoles(ctx, 7, []string{"TECHNICIAN"}, 1))

	require.Equal(t, []int64{7, 7, 7}, inv.calls)
}

func TestInvalidatorFailureSurfaces(t *testing.T) {
	store := NewMemoryStore()
	inv := &stubInvalidator{err: context.DeadlineExceeded}
	svc := NewService(store, authz.NewCatalog(), inv, nil)
	ctx := context.Background()
	store.AddPrincipal(7)
	_, err := svc.CreateRole(ctx, "TECHNICIAN", "", nil)
	require.NoError(t, err)

	_, err = svc.Grant(ctx, 7, "TECHNICIAN", 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
