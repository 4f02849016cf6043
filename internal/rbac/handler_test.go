package rbac

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/fieldstone-cmms/fieldstone/internal/authz"
	"github.com/fieldstone-cmms/fieldstone/internal/shared"
)

// testAPI wires the full stack over the in-memory store: service, engine,
// guard and handler, with a middleware that injects the requested
// principal the way the session layer does in production.
type testAPI struct {
	router *chi.Mux
	store  *MemoryStore
	svc    *Service
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store := NewMemoryStore()
	catalog := authz.NewCatalog()
	svc := NewService(store, catalog, nil, nil)
	engine := authz.NewEngine(catalog, svc, nil, nil)
	guard := Guard{Engine: engine}
	handler := NewHandler(nil, svc, engine, guard)

	router := chi.NewRouter()
	router.Route("/api", handler.MountRoutes)
	return &testAPI{router: router, store: store, svc: svc}
}

func (a *testAPI) do(t *testing.T, method, path string, principalID int64, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if principalID > 0 {
		req = req.WithContext(shared.ContextWithPrincipal(req.Context(), principalID))
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) seedAdmin(t *testing.T, principalID int64) {
	t.Helper()
	ctx := context.Background()
	a.store.AddPrincipal(principalID)
	_, err := a.svc.CreateRole(ctx, authz.AdminRole, "", []authz.Permission{authz.PermSystemAdmin})
	require.NoError(t, err)
	_, err = a.svc.Grant(ctx, principalID, authz.AdminRole, principalID)
	require.NoError(t, err)
}

func TestMyPermissionsRequiresAuthentication(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodGet, "/api/me/permissions", 0, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMyPermissionsReturnsSnapshot(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()
	api.store.AddPrincipal(7)
	_, err := api.svc.CreateRole(ctx, "TECHNICIAN", "", []authz.Permission{
		authz.PermAssetsRead, authz.PermAssetsWrite, authz.PermWorkOrdersRead,
	})
	require.NoError(t, err)
	_, err = api.svc.Grant(ctx, 7, "TECHNICIAN", 1)
	require.NoError(t, err)

	rec := api.do(t, http.MethodGet, "/api/me/permissions", 7, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var checker authz.Checker
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &checker))
	require.True(t, checker.Can(authz.PermAssetsWrite))
	require.False(t, checker.Can(authz.PermUsersDelete))
	require.False(t, checker.CanAll(authz.PermAssetsWrite, authz.PermUsersDelete))
}

func TestAdminSurfaceGatesItself(t *testing.T) {
	api := newTestAPI(t)
	api.store.AddPrincipal(7)

	rec := api.do(t, http.MethodGet, "/api/admin/roles", 0, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/admin/roles", 7, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	api.seedAdmin(t, 1)
	rec = api.do(t, http.MethodGet, "/api/admin/roles", 1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateRoleEndpoint(t *testing.T) {
	api := newTestAPI(t)
	api.seedAdmin(t, 1)

	rec := api.do(t, http.MethodPost, "/api/admin/roles", 1, map[string]any{
		"name":        "TECHNICIAN",
		"description": "field staff",
		"permissions": []string{"assets:read", "assets:write"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var role struct {
		Name        string   `json:"name"`
		Permissions []string `json:"permissions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &role))
	require.Equal(t, "TECHNICIAN", role.Name)
	require.Equal(t, []string{"assets:read", "assets:write"}, role.Permissions)

	// Unknown permission is a configuration error, not a denial.
	rec = api.do(t, http.MethodPost, "/api/admin/roles", 1, map[string]any{
		"name":        "BROKEN",
		"permissions": []string{"assets:fly"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Duplicate role name conflicts.
	rec = api.do(t, http.MethodPost, "/api/admin/roles", 1, map[string]any{
		"name": "TECHNICIAN",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestGrantAndRevokeEndpoints(t *testing.T) {
	api := newTestAPI(t)
	api.seedAdmin(t, 1)
	api.store.AddPrincipal(7)

	rec := api.do(t, http.MethodPost, "/api/admin/roles", 1, map[string]any{
		"name":        "TECHNICIAN",
		"permissions": []string{"assets:write"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/admin/principals/7/roles", 1, map[string]any{"role": "TECHNICIAN"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/admin/principals/999/roles", 1, map[string]any{"role": "TECHNICIAN"})
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/admin/principals/7/roles", 1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Active  []string `json:"active"`
		History []struct {
			Role     string `json:"role"`
			IsActive bool   `json:"is_active"`
		} `json:"history"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Equal(t, []string{"TECHNICIAN"}, listing.Active)
	require.Len(t, listing.History, 1)

	rec = api.do(t, http.MethodDelete, "/api/admin/principals/7/roles/TECHNICIAN", 1, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = api.do(t, http.MethodDelete, "/api/admin/principals/7/roles/TECHNICIAN", 1, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReplaceRolesEndpoint(t *testing.T) {
	api := newTestAPI(t)
	api.seedAdmin(t, 1)
	api.store.AddPrincipal(7)

	for _, name := range []string{"A", "B", "C"} {
		rec := api.do(t, http.MethodPost, "/api/admin/roles", 1, map[string]any{
			"name":        name,
			"permissions": []string{"sites:read"},
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := api.do(t, http.MethodPut, "/api/admin/principals/7/roles", 1, map[string]any{"roles": []string{"A", "B"}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodPut, "/api/admin/principals/7/roles", 1, map[string]any{"roles": []string{"B", "C"}})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Active []string `json:"active"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, []string{"B", "C"}, resp.Active)
}

func TestSetRolePermissionsEndpoint(t *testing.T) {
	api := newTestAPI(t)
	api.seedAdmin(t, 1)

	rec := api.do(t, http.MethodPost, "/api/admin/roles", 1, map[string]any{
		"name":        "TECHNICIAN",
		"permissions": []string{"assets:read"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = api.do(t, http.MethodPut, "/api/admin/roles/TECHNICIAN/permissions", 1, map[string]any{
		"permissions": []string{"assets:read", "assets:write", "work_orders:write"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/admin/roles/TECHNICIAN", 1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var role struct {
		Permissions []string `json:"permissions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &role))
	require.Equal(t, []string{"assets:read", "assets:write", "work_orders:write"}, role.Permissions)

	rec = api.do(t, http.MethodPut, "/api/admin/roles/GHOST/permissions", 1, map[string]any{
		"permissions": []string{"assets:read"},
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
}
