package rbac

import (
	"time"

	"github.com/fieldstone-cmms/fieldstone/internal/authz"
)

// Role is a named, reusable bundle of catalog permissions.
type Role struct {
	ID          int64
	Name        string
	Description string
	Permissions []authz.Permission
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RoleBinding ties one principal to one role. Revocation flips IsActive
// instead of deleting the row so the grant history stays auditable.
type RoleBinding struct {
	ID          int64
	PrincipalID int64
	RoleID      int64
	RoleName    string
	IsActive    bool
	AssignedBy  int64
	AssignedAt  time.Time
	RevokedAt   *time.Time
}
