package rbac

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fieldstone-cmms/fieldstone/internal/authz"
	"github.com/fieldstone-cmms/fieldstone/internal/platform/httpx"
	"github.com/fieldstone-cmms/fieldstone/internal/shared"
)

// Handler exposes the role administration API and the client-guard
// permissions endpoint. The administrative surface gates itself through
// the same Guard it administers: every /admin route requires
// system:admin.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	engine   *authz.Engine
	guard    Guard
	validate *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, engine *authz.Engine, guard Guard) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:   logger,
		service:  service,
		engine:   engine,
		guard:    guard,
		validate: validator.New(),
	}
}

// MountRoutes registers the RBAC routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/me/permissions", h.myPermissions)
	r.Route("/admin", func(r chi.Router) {
		r.Use(h.guard.Require(authz.PermSystemAdmin))
		r.Get("/permissions", h.listPermissions)
		r.Get("/roles", h.listRoles)
		r.Post("/roles", h.createRole)
		r.Get("/roles/{name}", h.getRole)
		r.Put("/roles/{name}/permissions", h.setRolePermissions)
		r.Get("/principals/{id}/roles", h.listPrincipalRoles)
		r.Post("/principals/{id}/roles", h.grantRole)
		r.Put("/principals/{id}/roles", h.replaceRoles)
		r.Delete("/principals/{id}/roles/{role}", h.revokeRole)
	})
}

// myPermissions serves the effective permission snapshot the browser UI
// uses to gate affordances. Advisory only: hiding a control here never
// replaces the server guard on the corresponding mutation.
func (h *Handler) myPermissions(w http.ResponseWriter, r *http.Request) {
	principalID, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	checker, err := h.engine.Snapshot(r.Context(), principalID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, checker)
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": h.engine.Catalog().All()})
}

type roleResponse struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Permissions []authz.Permission `json:"permissions"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

func toRoleResponse(role Role) roleResponse {
	perms := role.Permissions
	if perms == nil {
		perms = []authz.Permission{}
	}
	return roleResponse{
		Name:        role.Name,
		Description: role.Description,
		Permissions: perms,
		CreatedAt:   role.CreatedAt,
		UpdatedAt:   role.UpdatedAt,
	}
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]roleResponse, len(roles))
	for i, role := range roles {
		out[i] = toRoleResponse(role)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": out})
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	role, err := h.service.GetRole(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleResponse(role))
}

type createRoleRequest struct {
	Name        string   `json:"name" validate:"required,min=2,max=64"`
	Description string   `json:"description" validate:"max=255"`
	Permissions []string `json:"permissions" validate:"dive,min=3,max=64"`
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	role, err := h.service.CreateRole(r.Context(), req.Name, req.Description, toPermissions(req.Permissions))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toRoleResponse(role))
}

type setPermissionsRequest struct {
	Permissions []string `json:"permissions" validate:"dive,min=3,max=64"`
}

func (h *Handler) setRolePermissions(w http.ResponseWriter, r *http.Request) {
	var req setPermissionsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	role, err := h.service.SetRolePermissions(r.Context(), chi.URLParam(r, "name"), toPermissions(req.Permissions))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleResponse(role))
}

type bindingResponse struct {
	Role       string     `json:"role"`
	IsActive   bool       `json:"is_active"`
	AssignedBy int64      `json:"assigned_by"`
	AssignedAt time.Time  `json:"assigned_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

func (h *Handler) listPrincipalRoles(w http.ResponseWriter, r *http.Request) {
	principalID, ok := principalParam(r)
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid principal id")
		return
	}
	active, err := h.service.ListActiveRoles(r.Context(), principalID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	bindings, err := h.service.ListBindings(r.Context(), principalID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	history := make([]bindingResponse, len(bindings))
	for i, b := range bindings {
		history[i] = bindingResponse{
			Role:       b.RoleName,
			IsActive:   b.IsActive,
			AssignedBy: b.AssignedBy,
			AssignedAt: b.AssignedAt,
			RevokedAt:  b.RevokedAt,
		}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"active": active, "history": history})
}

type grantRoleRequest struct {
	Role string `json:"role" validate:"required,min=2,max=64"`
}

func (h *Handler) grantRole(w http.ResponseWriter, r *http.Request) {
	principalID, ok := principalParam(r)
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid principal id")
		return
	}
	var req grantRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	grantedBy, _ := shared.PrincipalFromContext(r.Context())
	binding, err := h.service.Grant(r.Context(), principalID, req.Role, grantedBy)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, bindingResponse{
		Role:       binding.RoleName,
		IsActive:   binding.IsActive,
		AssignedBy: binding.AssignedBy,
		AssignedAt: binding.AssignedAt,
		RevokedAt:  binding.RevokedAt,
	})
}

type replaceRolesRequest struct {
	Roles []string `json:"roles" validate:"dive,required,min=2,max=64"`
}

func (h *Handler) replaceRoles(w http.ResponseWriter, r *http.Request) {
	principalID, ok := principalParam(r)
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid principal id")
		return
	}
	var req replaceRolesRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	grantedBy, _ := shared.PrincipalFromContext(r.Context())
	if err := h.service.ReplaceAllRoles(r.Context(), principalID, req.Roles, grantedBy); err != nil {
		h.respondError(w, err)
		return
	}
	active, err := h.service.ListActiveRoles(r.Context(), principalID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"active": active})
}

func (h *Handler) revokeRole(w http.ResponseWriter, r *http.Request) {
	principalID, ok := principalParam(r)
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid principal id")
		return
	}
	if err := h.service.Revoke(r.Context(), principalID, chi.URLParam(r, "role")); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func principalParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func toPermissions(raw []string) []authz.Permission {
	perms := make([]authz.Permission, len(raw))
	for i, p := range raw {
		perms[i] = authz.Permission(p)
	}
	return perms
}

// respondError maps the authorization taxonomy onto problem responses.
// Infrastructure faults collapse to a generic denial for the client and
// keep their detail in server logs only.
func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, authz.ErrForbidden):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "")
	case errors.Is(err, authz.ErrRoleNotFound),
		errors.Is(err, authz.ErrPrincipalNotFound),
		errors.Is(err, authz.ErrBindingNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, authz.ErrRoleExists):
		httpx.Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, authz.ErrUnknownPermission):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, authz.ErrStoreUnavailable):
		h.logger.Error("rbac store unavailable", slog.Any("error", err))
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "")
	default:
		h.logger.Error("rbac handler", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
