package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fieldstone-cmms/fieldstone/internal/authz"
	"github.com/fieldstone-cmms/fieldstone/internal/platform/db"
)

// PGRepository provides PostgreSQL backed persistence for roles and
// bindings. Same-principal binding mutations are serialized with a
// transaction-scoped advisory lock so the at-most-one-active-binding
// invariant holds under concurrent grants.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const lockBindings = `SELECT pg_advisory_xact_lock(hashtextextended('rbac:binding:' || $1::text, 0))`

// GetRoleByName fetches a role and its permission set.
func (r *PGRepository) GetRoleByName(ctx context.Context, name string) (Role, error) {
	var role Role
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, description, created_at, updated_at FROM roles WHERE name = $1`, name,
	).Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, fmt.Errorf("%w: %q", authz.ErrRoleNotFound, name)
		}
		return Role{}, err
	}
	perms, err := r.rolePermissions(ctx, r.pool, role.ID)
	if err != nil {
		return Role{}, err
	}
	role.Permissions = perms
	return role, nil
}

// ListRoles returns all roles with their permission sets.
func (r *PGRepository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, description, created_at, updated_at FROM roles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	permRows, err := r.pool.Query(ctx,
		`SELECT role_id, permission FROM role_permissions ORDER BY permission`)
	if err != nil {
		return nil, err
	}
	defer permRows.Close()
	byRole := make(map[int64][]authz.Permission)
	for permRows.Next() {
		var roleID int64
		var perm string
		if err := permRows.Scan(&roleID, &perm); err != nil {
			return nil, err
		}
		byRole[roleID] = append(byRole[roleID], authz.Permission(perm))
	}
	if err := permRows.Err(); err != nil {
		return nil, err
	}
	for i := range roles {
		roles[i].Permissions = byRole[roles[i].ID]
	}
	return roles, nil
}

// CreateRole inserts a role and its permission rows.
func (r *PGRepository) CreateRole(ctx context.Context, name, description string, perms []authz.Permission) (Role, error) {
	var role Role
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO roles (name, description) VALUES ($1, $2)
			 RETURNING id, name, description, created_at, updated_at`,
			name, description,
		).Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %q", authz.ErrRoleExists, name)
			}
			return err
		}
		for _, p := range perms {
			if _, err := tx.Exec(ctx,
				`INSERT INTO role_permissions (role_id, permission) VALUES ($1, $2)`,
				role.ID, string(p)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Role{}, err
	}
	role.Permissions = perms
	return role, nil
}

// SetRolePermissions replaces the role's permission rows. The role row
// is locked for the duration so concurrent writers to the same role
// cannot interleave partial updates.
func (r *PGRepository) SetRolePermissions(ctx context.Context, name string, perms []authz.Permission) (Role, error) {
	var role Role
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`SELECT id, name, description, created_at, updated_at FROM roles WHERE name = $1 FOR UPDATE`,
			name,
		).Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %q", authz.ErrRoleNotFound, name)
			}
			return err
		}
		existing, err := r.rolePermissions(ctx, tx, role.ID)
		if err != nil {
			return err
		}
		keep := make(map[authz.Permission]struct{}, len(perms))
		for _, p := range perms {
			keep[p] = struct{}{}
		}
		current := make(map[authz.Permission]struct{}, len(existing))
		for _, p := range existing {
			current[p] = struct{}{}
			if _, ok := keep[p]; !ok {
				if _, err := tx.Exec(ctx,
					`DELETE FROM role_permissions WHERE role_id = $1 AND permission = $2`,
					role.ID, string(p)); err != nil {
					return err
				}
			}
		}
		for _, p := range perms {
			if _, ok := current[p]; !ok {
				if _, err := tx.Exec(ctx,
					`INSERT INTO role_permissions (role_id, permission) VALUES ($1, $2)`,
					role.ID, string(p)); err != nil {
					return err
				}
			}
		}
		_, err = tx.Exec(ctx, `UPDATE roles SET updated_at = now() WHERE id = $1`, role.ID)
		return err
	})
	if err != nil {
		return Role{}, err
	}
	role.Permissions = perms
	return role, nil
}

// PrincipalExists reports whether an active user row exists.
func (r *PGRepository) PrincipalExists(ctx context.Context, principalID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1 AND is_active)`, principalID,
	).Scan(&exists)
	return exists, err
}

// ActiveGrants returns the principal's active roles with their resolved
// permission sets. Unknown principals yield an empty slice.
func (r *PGRepository) ActiveGrants(ctx context.Context, principalID int64) ([]authz.RoleGrant, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT r.name,
		        COALESCE(array_agg(rp.permission ORDER BY rp.permission)
		                 FILTER (WHERE rp.permission IS NOT NULL), '{}')
		 FROM role_bindings b
		 JOIN roles r ON r.id = b.role_id
		 LEFT JOIN role_permissions rp ON rp.role_id = r.id
		 WHERE b.principal_id = $1 AND b.is_active
		 GROUP BY r.id, r.name
		 ORDER BY r.name`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var grants []authz.RoleGrant
	for rows.Next() {
		var name string
		var perms []string
		if err := rows.Scan(&name, &perms); err != nil {
			return nil, err
		}
		grant := authz.RoleGrant{Role: name, Permissions: make([]authz.Permission, len(perms))}
		for i, p := range perms {
			grant.Permissions[i] = authz.Permission(p)
		}
		grants = append(grants, grant)
	}
	return grants, rows.Err()
}

// Bindings returns the principal's full binding history.
func (r *PGRepository) Bindings(ctx context.Context, principalID int64) ([]RoleBinding, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT b.id, b.principal_id, b.role_id, r.name, b.is_active, b.assigned_by, b.assigned_at, b.revoked_at
		 FROM role_bindings b
		 JOIN roles r ON r.id = b.role_id
		 WHERE b.principal_id = $1
		 ORDER BY b.assigned_at, b.id`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var bindings []RoleBinding
	for rows.Next() {
		var b RoleBinding
		if err := rows.Scan(&b.ID, &b.PrincipalID, &b.RoleID, &b.RoleName, &b.IsActive, &b.AssignedBy, &b.AssignedAt, &b.RevokedAt); err != nil {
			return nil, err
		}
		bindings = append(bindings, b)
	}
	return bindings, rows.Err()
}

// Grant creates an active binding, returning the existing one unchanged
// when the pair is already bound.
func (r *PGRepository) Grant(ctx context.Context, principalID, roleID, grantedBy int64) (RoleBinding, error) {
	var binding RoleBinding
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, lockBindings, principalID); err != nil {
			return err
		}
		err := tx.QueryRow(ctx,
			`SELECT b.id, b.principal_id, b.role_id, r.name, b.is_active, b.assigned_by, b.assigned_at, b.revoked_at
			 FROM role_bindings b
			 JOIN roles r ON r.id = b.role_id
			 WHERE b.principal_id = $1 AND b.role_id = $2 AND b.is_active`,
			principalID, roleID,
		).Scan(&binding.ID, &binding.PrincipalID, &binding.RoleID, &binding.RoleName, &binding.IsActive, &binding.AssignedBy, &binding.AssignedAt, &binding.RevokedAt)
		if err == nil {
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		return tx.QueryRow(ctx,
			`INSERT INTO role_bindings (principal_id, role_id, assigned_by)
			 VALUES ($1, $2, $3)
			 RETURNING id, principal_id, role_id,
			           (SELECT name FROM roles WHERE id = $2),
			           is_active, assigned_by, assigned_at, revoked_at`,
			principalID, roleID, grantedBy,
		).Scan(&binding.ID, &binding.PrincipalID, &binding.RoleID, &binding.RoleName, &binding.IsActive, &binding.AssignedBy, &binding.AssignedAt, &binding.RevokedAt)
	})
	if err != nil {
		return RoleBinding{}, err
	}
	return binding, nil
}

// Revoke deactivates the binding, keeping the row.
func (r *PGRepository) Revoke(ctx context.Context, principalID, roleID int64) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, lockBindings, principalID); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			`UPDATE role_bindings SET is_active = false, revoked_at = now()
			 WHERE principal_id = $1 AND role_id = $2 AND is_active`,
			principalID, roleID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: principal %d role %d", authz.ErrBindingNotFound, principalID, roleID)
		}
		return nil
	})
}

// ReplaceAll revokes active bindings outside the target set and grants
// the missing ones inside one transaction.
func (r *PGRepository) ReplaceAll(ctx context.Context, principalID int64, roleIDs []int64, grantedBy int64) error {
	target := make(map[int64]struct{}, len(roleIDs))
	for _, id := range roleIDs {
		target[id] = struct{}{}
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, lockBindings, principalID); err != nil {
			return err
		}
		rows, err := tx.Query(ctx,
			`SELECT role_id FROM role_bindings WHERE principal_id = $1 AND is_active`, principalID)
		if err != nil {
			return err
		}
		active := make(map[int64]struct{})
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			active[id] = struct{}{}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for id := range active {
			if _, ok := target[id]; !ok {
				if _, err := tx.Exec(ctx,
					`UPDATE role_bindings SET is_active = false, revoked_at = now()
					 WHERE principal_id = $1 AND role_id = $2 AND is_active`,
					principalID, id); err != nil {
					return err
				}
			}
		}
		for id := range target {
			if _, ok := active[id]; !ok {
				if _, err := tx.Exec(ctx,
					`INSERT INTO role_bindings (principal_id, role_id, assigned_by) VALUES ($1, $2, $3)`,
					principalID, id, grantedBy); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (r *PGRepository) rolePermissions(ctx context.Context, q queryer, roleID int64) ([]authz.Permission, error) {
	rows, err := q.Query(ctx,
		`SELECT permission FROM role_permissions WHERE role_id = $1 ORDER BY permission`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []authz.Permission
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		perms = append(perms, authz.Permission(p))
	}
	return perms, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ Repository = (*PGRepository)(nil)
