package rbac

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fieldstone-cmms/fieldstone/internal/authz"
)

// MemoryStore is an in-memory Repository used by tests and local
// tooling. A single mutex serializes all mutations, which trivially
// satisfies the per-principal serialization the Postgres repository
// provides with advisory locks.
type MemoryStore struct {
	mu            sync.Mutex
	rolesByName   map[string]Role
	rolesByID     map[int64]Role
	bindings      []RoleBinding
	principals    map[int64]struct{}
	nextRoleID    int64
	nextBindingID int64
	now           func() time.Time
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rolesByName: make(map[string]Role),
		rolesByID:   make(map[int64]Role),
		principals:  make(map[int64]struct{}),
		now:         time.Now,
	}
}

// AddPrincipal registers a principal ID as existing.
func (m *MemoryStore) AddPrincipal(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.principals[id] = struct{}{}
}

func (m *MemoryStore) GetRoleByName(ctx context.Context, name string) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	role, ok := m.rolesByName[name]
	if !ok {
		return Role{}, fmt.Errorf("%w: %q", authz.ErrRoleNotFound, name)
	}
	return copyRole(role), nil
}

func (m *MemoryStore) ListRoles(ctx context.Context) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	roles := make([]Role, 0, len(m.rolesByName))
	for _, role := range m.rolesByName {
		roles = append(roles, copyRole(role))
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].Name < roles[j].Name })
	return roles, nil
}

func (m *MemoryStore) CreateRole(ctx context.Context, name, description string, perms []authz.Permission) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rolesByName[name]; ok {
		return Role{}, fmt.Errorf("%w: %q", authz.ErrRoleExists, name)
	}
	m.nextRoleID++
	now := m.now()
	role := Role{
		ID:          m.nextRoleID,
		Name:        name,
		Description: description,
		Permissions: append([]authz.Permission(nil), perms...),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.rolesByName[name] = role
	m.rolesByID[role.ID] = role
	return copyRole(role), nil
}

func (m *MemoryStore) SetRolePermissions(ctx context.Context, name string, perms []authz.Permission) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	role, ok := m.rolesByName[name]
	if !ok {
		return Role{}, fmt.Errorf("%w: %q", authz.ErrRoleNotFound, name)
	}
	role.Permissions = append([]authz.Permission(nil), perms...)
	role.UpdatedAt = m.now()
	m.rolesByName[name] = role
	m.rolesByID[role.ID] = role
	return copyRole(role), nil
}

func (m *MemoryStore) PrincipalExists(ctx context.Context, principalID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.principals[principalID]
	return ok, nil
}

func (m *MemoryStore) ActiveGrants(ctx context.Context, principalID int64) ([]authz.RoleGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var grants []authz.RoleGrant
	for _, b := range m.bindings {
		if b.PrincipalID != principalID || !b.IsActive {
			continue
		}
		role := m.rolesByID[b.RoleID]
		grants = append(grants, authz.RoleGrant{
			Role:        role.Name,
			Permissions: append([]authz.Permission(nil), role.Permissions...),
		})
	}
	sort.Slice(grants, func(i, j int) bool { return grants[i].Role < grants[j].Role })
	return grants, nil
}

func (m *MemoryStore) Bindings(ctx context.Context, principalID int64) ([]RoleBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var bindings []RoleBinding
	for _, b := range m.bindings {
		if b.PrincipalID == principalID {
			bindings = append(bindings, b)
		}
	}
	return bindings, nil
}

func (m *MemoryStore) Grant(ctx context.Context, principalID, roleID, grantedBy int64) (RoleBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.grantLocked(principalID, roleID, grantedBy), nil
}

func (m *MemoryStore) Revoke(ctx context.Context, principalID, roleID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.revokeLocked(principalID, roleID) {
		return fmt.Errorf("%w: principal %d role %d", authz.ErrBindingNotFound, principalID, roleID)
	}
	return nil
}

func (m *MemoryStore) ReplaceAll(ctx context.Context, principalID int64, roleIDs []int64, grantedBy int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	target := make(map[int64]struct{}, len(roleIDs))
	for _, id := range roleIDs {
		target[id] = struct{}{}
	}
	for i := range m.bindings {
		b := &m.bindings[i]
		if b.PrincipalID != principalID || !b.IsActive {
			continue
		}
		if _, ok := target[b.RoleID]; !ok {
			m.revokeLocked(principalID, b.RoleID)
		}
	}
	for id := range target {
		m.grantLocked(principalID, id, grantedBy)
	}
	return nil
}

func (m *MemoryStore) grantLocked(principalID, roleID, grantedBy int64) RoleBinding {
	for _, b := range m.bindings {
		if b.PrincipalID == principalID && b.RoleID == roleID && b.IsActive {
			return b
		}
	}
	m.nextBindingID++
	binding := RoleBinding{
		ID:          m.nextBindingID,
		PrincipalID: principalID,
		RoleID:      roleID,
		RoleName:    m.rolesByID[roleID].Name,
		IsActive:    true,
		AssignedBy:  grantedBy,
		AssignedAt:  m.now(),
	}
	m.bindings = append(m.bindings, binding)
	return binding
}

func (m *MemoryStore) revokeLocked(principalID, roleID int64) bool {
	for i := range m.bindings {
		b := &m.bindings[i]
		if b.PrincipalID == principalID && b.RoleID == roleID && b.IsActive {
			b.IsActive = false
			revoked := m.now()
			b.RevokedAt = &revoked
			return true
		}
	}
	return false
}

func copyRole(role Role) Role {
	role.Permissions = append([]authz.Permission(nil), role.Permissions...)
	return role
}

var _ Repository = (*MemoryStore)(nil)
