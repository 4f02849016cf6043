package authz

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/sync/singleflight"
)

// RoleGrant is one active role binding resolved to its permission set.
type RoleGrant struct {
	Role        string
	Permissions []Permission
}

// BindingSource loads the active role grants for a principal. An unknown
// principal yields an empty slice, not an error.
type BindingSource interface {
	ActiveGrants(ctx context.Context, principalID int64) ([]RoleGrant, error)
}

// Engine computes effective permission sets and answers permission
// queries. It is safe for concurrent use.
type Engine struct {
	catalog *Catalog
	source  BindingSource
	cache   *Cache
	logger  *slog.Logger
	group   singleflight.Group
}

// NewEngine constructs an Engine. cache may be nil to disable caching.
func NewEngine(catalog *Catalog, source BindingSource, cache *Cache, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{catalog: catalog, source: source, cache: cache, logger: logger}
}

// Catalog returns the catalog the engine resolves against.
func (e *Engine) Catalog() *Catalog { return e.catalog }

// EffectivePermissions unions the permissions of all active role grants.
// A grant carrying system:admin, or the ADMIN role itself, short-circuits
// to the full catalog before any union work so the super-role property
// holds even when the stored permission set is incomplete.
func (e *Engine) EffectivePermissions(ctx context.Context, principalID int64) (PermissionSet, error) {
	if e.cache != nil {
		if set, ok := e.cache.Get(ctx, principalID); ok {
			return set, nil
		}
	}
	v, err, _ := e.group.Do(strconv.FormatInt(principalID, 10), func() (any, error) {
		// The generation is read before the bindings. If an invalidation
		// lands between the two, the result is stored under the old
		// generation and no reader ever sees it.
		var gen int64
		cacheable := false
		if e.cache != nil {
			gen, cacheable = e.cache.Generation(ctx, principalID)
		}
		set, err := e.load(ctx, principalID)
		if err != nil {
			return nil, err
		}
		if cacheable {
			e.cache.Put(ctx, principalID, gen, set)
		}
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(PermissionSet), nil
}

func (e *Engine) load(ctx context.Context, principalID int64) (PermissionSet, error) {
	grants, err := e.source.ActiveGrants(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("%w: load grants for principal %d: %v", ErrStoreUnavailable, principalID, err)
	}
	for _, grant := range grants {
		if grant.Role == AdminRole {
			return e.catalog.FullSet(), nil
		}
		for _, p := range grant.Permissions {
			if Normalize(p) == PermSystemAdmin {
				return e.catalog.FullSet(), nil
			}
		}
	}
	set := make(PermissionSet)
	for _, grant := range grants {
		for _, p := range grant.Permissions {
			p = Normalize(p)
			if !e.catalog.Exists(p) {
				// A stored permission outside the catalog is a seed or
				// migration bug; surface it in logs but do not grant it.
				e.logger.Error("authz: stored permission not in catalog",
					slog.String("role", grant.Role), slog.String("permission", string(p)))
				continue
			}
			set[p] = struct{}{}
		}
	}
	return set, nil
}

// Can reports whether the principal holds the permission.
func (e *Engine) Can(ctx context.Context, principalID int64, perm Permission) (bool, error) {
	if !e.catalog.Exists(perm) {
		return false, fmt.Errorf("%w: %q", ErrUnknownPermission, perm)
	}
	set, err := e.EffectivePermissions(ctx, principalID)
	if err != nil {
		return false, err
	}
	return set.Has(perm), nil
}

// CanAny reports whether the principal holds at least one of the
// permissions. All arguments are validated against the catalog first.
func (e *Engine) CanAny(ctx context.Context, principalID int64, perms ...Permission) (bool, error) {
	if err := e.checkKnown(perms); err != nil {
		return false, err
	}
	if len(perms) == 0 {
		return true, nil
	}
	set, err := e.EffectivePermissions(ctx, principalID)
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if set.Has(p) {
			return true, nil
		}
	}
	return false, nil
}

// CanAll reports whether the principal holds every permission.
func (e *Engine) CanAll(ctx context.Context, principalID int64, perms ...Permission) (bool, error) {
	if err := e.checkKnown(perms); err != nil {
		return false, err
	}
	set, err := e.EffectivePermissions(ctx, principalID)
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if !set.Has(p) {
			return false, nil
		}
	}
	return true, nil
}

// Snapshot produces an immutable Checker for the principal. The checker
// backs UI gating on both the server and, serialized, the browser.
func (e *Engine) Snapshot(ctx context.Context, principalID int64) (Checker, error) {
	set, err := e.EffectivePermissions(ctx, principalID)
	if err != nil {
		return Checker{}, err
	}
	return NewChecker(set), nil
}

// Invalidate drops the cached effective set for the principal. Binding
// mutations call this synchronously so the next check observes them.
func (e *Engine) Invalidate(ctx context.Context, principalID int64) error {
	if e.cache == nil {
		return nil
	}
	return e.cache.Invalidate(ctx, principalID)
}

func (e *Engine) checkKnown(perms []Permission) error {
	for _, p := range perms {
		if !e.catalog.Exists(p) {
			return fmt.Errorf("%w: %q", ErrUnknownPermission, p)
		}
	}
	return nil
}
