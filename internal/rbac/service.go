package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/fieldstone-cmms/fieldstone/internal/authz"
)

// Repository defines persistence for roles and role bindings.
type Repository interface {
	GetRoleByName(ctx context.Context, name string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	CreateRole(ctx context.Context, name, description string, perms []authz.Permission) (Role, error)
	SetRolePermissions(ctx context.Context, name string, perms []authz.Permission) (Role, error)

	PrincipalExists(ctx context.Context, principalID int64) (bool, error)
	ActiveGrants(ctx context.Context, principalID int64) ([]authz.RoleGrant, error)
	Bindings(ctx context.Context, principalID int64) ([]RoleBinding, error)
	Grant(ctx context.Context, principalID, roleID, grantedBy int64) (RoleBinding, error)
	Revoke(ctx context.Context, principalID, roleID int64) error
	ReplaceAll(ctx context.Context, principalID int64, roleIDs []int64, grantedBy int64) error
}

// Invalidator drops cached effective permission sets after a binding
// mutation. *authz.Cache satisfies it.
type Invalidator interface {
	Invalidate(ctx context.Context, principalID int64) error
}

// Service orchestrates role store and binding operations. It is the
// engine's BindingSource; every mutation synchronously invalidates the
// principal's cached effective set so the next check observes it.
type Service struct {
	repo        Repository
	catalog     *authz.Catalog
	invalidator Invalidator
	logger      *slog.Logger
}

// NewService constructs a Service. invalidator may be nil when no cache
// is configured.
func NewService(repo Repository, catalog *authz.Catalog, invalidator Invalidator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, catalog: catalog, invalidator: invalidator, logger: logger}
}

// GetRole fetches a role by name.
func (s *Service) GetRole(ctx context.Context, name string) (Role, error) {
	return s.repo.GetRoleByName(ctx, strings.TrimSpace(name))
}

// ListRoles returns all roles.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.repo.ListRoles(ctx)
}

// CreateRole inserts a new role after validating its permissions against
// the catalog.
func (s *Service) CreateRole(ctx context.Context, name, description string, perms []authz.Permission) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, errors.New("rbac: role name required")
	}
	normalized, err := s.normalizePermissions(perms)
	if err != nil {
		return Role{}, err
	}
	return s.repo.CreateRole(ctx, name, strings.TrimSpace(description), normalized)
}

// SetRolePermissions replaces the role's permission set.
func (s *Service) SetRolePermissions(ctx context.Context, name string, perms []authz.Permission) (Role, error) {
	normalized, err := s.normalizePermissions(perms)
	if err != nil {
		return Role{}, err
	}
	return s.repo.SetRolePermissions(ctx, strings.TrimSpace(name), normalized)
}

// Grant assigns the role to the principal. Idempotent: an existing
// active binding is returned unchanged.
func (s *Service) Grant(ctx context.Context, principalID int64, roleName string, grantedBy int64) (RoleBinding, error) {
	role, err := s.repo.GetRoleByName(ctx, strings.TrimSpace(roleName))
	if err != nil {
		return RoleBinding{}, err
	}
	if err := s.requirePrincipal(ctx, principalID); err != nil {
		return RoleBinding{}, err
	}
	binding, err := s.repo.Grant(ctx, principalID, role.ID, grantedBy)
	if err != nil {
		return RoleBinding{}, err
	}
	if err := s.invalidate(ctx, principalID); err != nil {
		return RoleBinding{}, err
	}
	return binding, nil
}

// Revoke deactivates the principal's binding for the role. The row is
// kept for audit.
func (s *Service) Revoke(ctx context.Context, principalID int64, roleName string) error {
	role, err := s.repo.GetRoleByName(ctx, strings.TrimSpace(roleName))
	if err != nil {
		return err
	}
	if err := s.repo.Revoke(ctx, principalID, role.ID); err != nil {
		return err
	}
	return s.invalidate(ctx, principalID)
}

// ListActiveRoles returns the names of the principal's active roles.
func (s *Service) ListActiveRoles(ctx context.Context, principalID int64) ([]string, error) {
	grants, err := s.repo.ActiveGrants(ctx, principalID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(grants))
	for _, g := range grants {
		names = append(names, g.Role)
	}
	sort.Strings(names)
	return names, nil
}

// ListBindings returns the principal's full binding history, active and
// revoked.
func (s *Service) ListBindings(ctx context.Context, principalID int64) ([]RoleBinding, error) {
	return s.repo.Bindings(ctx, principalID)
}

// ReplaceAllRoles sets the principal's active roles to exactly the given
// set in one atomic operation: bindings outside the set are revoked,
// missing ones are granted, existing ones are untouched.
func (s *Service) ReplaceAllRoles(ctx context.Context, principalID int64, roleNames []string, grantedBy int64) error {
	roleIDs := make([]int64, 0, len(roleNames))
	seen := make(map[string]struct{}, len(roleNames))
	for _, name := range roleNames {
		name = strings.TrimSpace(name)
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		role, err := s.repo.GetRoleByName(ctx, name)
		if err != nil {
			return err
		}
		roleIDs = append(roleIDs, role.ID)
	}
	if err := s.requirePrincipal(ctx, principalID); err != nil {
		return err
	}
	if err := s.repo.ReplaceAll(ctx, principalID, roleIDs, grantedBy); err != nil {
		return err
	}
	return s.invalidate(ctx, principalID)
}

// ActiveGrants implements authz.BindingSource.
func (s *Service) ActiveGrants(ctx context.Context, principalID int64) ([]authz.RoleGrant, error) {
	return s.repo.ActiveGrants(ctx, principalID)
}

func (s *Service) requirePrincipal(ctx context.Context, principalID int64) error {
	ok, err := s.repo.PrincipalExists(ctx, principalID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %d", authz.ErrPrincipalNotFound, principalID)
	}
	return nil
}

func (s *Service) normalizePermissions(perms []authz.Permission) ([]authz.Permission, error) {
	out := make([]authz.Permission, 0, len(perms))
	seen := make(map[authz.Permission]struct{}, len(perms))
	for _, p := range perms {
		p = authz.Normalize(p)
		if !s.catalog.Exists(p) {
			return nil, fmt.Errorf("%w: %q", authz.ErrUnknownPermission, p)
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Service) invalidate(ctx context.Context, principalID int64) error {
	if s.invalidator == nil {
		return nil
	}
	if err := s.invalidator.Invalidate(ctx, principalID); err != nil {
		// The write has committed; a lingering cached set would violate
		// read-your-writes, so surface the failure to the caller.
		s.logger.Error("rbac invalidate permissions cache",
			slog.Int64("principal_id", principalID), slog.Any("error", err))
		return err
	}
	return nil
}
