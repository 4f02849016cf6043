// Package authz provides the permission catalog and the authorization
// engine that resolves a principal's effective permissions from its
// active role bindings.
package authz

import (
	"sort"
	"strings"
)

// Permission is an atomic capability identifier shaped "resource:action".
type Permission string

// Core platform permissions. The catalog is static configuration: new
// permissions are added here, not derived from the data store.
const (
	PermSitesRead   Permission = "sites:read"
	PermSitesWrite  Permission = "sites:write"
	PermSitesDelete Permission = "sites:delete"
	PermSitesManage Permission = "sites:manage"

	PermBuildingsRead   Permission = "buildings:read"
	PermBuildingsWrite  Permission = "buildings:write"
	PermBuildingsDelete Permission = "buildings:delete"
	PermBuildingsManage Permission = "buildings:manage"

	PermRoomsRead   Permission = "rooms:read"
	PermRoomsWrite  Permission = "rooms:write"
	PermRoomsDelete Permission = "rooms:delete"
	PermRoomsManage Permission = "rooms:manage"

	PermAssetsRead   Permission = "assets:read"
	PermAssetsWrite  Permission = "assets:write"
	PermAssetsDelete Permission = "assets:delete"
	PermAssetsManage Permission = "assets:manage"

	PermWorkOrdersRead   Permission = "work_orders:read"
	PermWorkOrdersWrite  Permission = "work_orders:write"
	PermWorkOrdersDelete Permission = "work_orders:delete"
	PermWorkOrdersManage Permission = "work_orders:manage"

	PermTenantsRead   Permission = "tenants:read"
	PermTenantsWrite  Permission = "tenants:write"
	PermTenantsDelete Permission = "tenants:delete"
	PermTenantsManage Permission = "tenants:manage"

	PermUsersRead   Permission = "users:read"
	PermUsersWrite  Permission = "users:write"
	PermUsersDelete Permission = "users:delete"
	PermUsersManage Permission = "users:manage"

	// PermSystemAdmin implies every other permission in the catalog.
	PermSystemAdmin Permission = "system:admin"
)

// AdminRole is the distinguished role name that the engine treats as
// implicitly carrying PermSystemAdmin even when its stored permission
// set does not include it.
const AdminRole = "ADMIN"

// Resource returns the resource segment of the permission.
func (p Permission) Resource() string {
	if i := strings.IndexByte(string(p), ':'); i >= 0 {
		return string(p[:i])
	}
	return string(p)
}

// Action returns the action segment of the permission.
func (p Permission) Action() string {
	if i := strings.IndexByte(string(p), ':'); i >= 0 {
		return string(p[i+1:])
	}
	return ""
}

func (p Permission) String() string { return string(p) }

// Normalize trims whitespace and lowercases the identifier so catalog
// lookups are stable regardless of caller input.
func Normalize(p Permission) Permission {
	return Permission(strings.ToLower(strings.TrimSpace(string(p))))
}

func defaultPermissions() []Permission {
	return []Permission{
		PermSitesRead, PermSitesWrite, PermSitesDelete, PermSitesManage,
		PermBuildingsRead, PermBuildingsWrite, PermBuildingsDelete, PermBuildingsManage,
		PermRoomsRead, PermRoomsWrite, PermRoomsDelete, PermRoomsManage,
		PermAssetsRead, PermAssetsWrite, PermAssetsDelete, PermAssetsManage,
		PermWorkOrdersRead, PermWorkOrdersWrite, PermWorkOrdersDelete, PermWorkOrdersManage,
		PermTenantsRead, PermTenantsWrite, PermTenantsDelete, PermTenantsManage,
		PermUsersRead, PermUsersWrite, PermUsersDelete, PermUsersManage,
		PermSystemAdmin,
	}
}

// Catalog is the closed set of recognized permissions. It is built once
// at startup and shared read-only across requests.
type Catalog struct {
	perms  map[Permission]struct{}
	sorted []Permission
}

// NewCatalog builds the default Fieldstone catalog.
func NewCatalog() *Catalog {
	return NewCatalogFrom(defaultPermissions()...)
}

// NewCatalogFrom builds a catalog from an explicit permission list.
// Tests use this to substitute fixture catalogs.
func NewCatalogFrom(perms ...Permission) *Catalog {
	c := &Catalog{perms: make(map[Permission]struct{}, len(perms))}
	for _, p := range perms {
		p = Normalize(p)
		if _, ok := c.perms[p]; ok {
			continue
		}
		c.perms[p] = struct{}{}
		c.sorted = append(c.sorted, p)
	}
	sort.Slice(c.sorted, func(i, j int) bool { return c.sorted[i] < c.sorted[j] })
	return c
}

// Exists reports whether the permission is part of the catalog.
func (c *Catalog) Exists(p Permission) bool {
	_, ok := c.perms[Normalize(p)]
	return ok
}

// All returns every catalog permission, sorted.
func (c *Catalog) All() []Permission {
	out := make([]Permission, len(c.sorted))
	copy(out, c.sorted)
	return out
}

// Len returns the catalog cardinality.
func (c *Catalog) Len() int { return len(c.sorted) }

// FullSet returns a PermissionSet covering the whole catalog.
func (c *Catalog) FullSet() PermissionSet {
	set := make(PermissionSet, len(c.sorted))
	for _, p := range c.sorted {
		set[p] = struct{}{}
	}
	return set
}

// MustHave panics when any of the given permissions is missing from the
// catalog. Guard constructors call this so that a misspelled permission
// in a route table fails at startup instead of silently denying.
func (c *Catalog) MustHave(perms ...Permission) {
	for _, p := range perms {
		if !c.Exists(p) {
			panic("authz: permission not in catalog: " + string(p))
		}
	}
}

// PermissionSet is an unordered set of permissions.
type PermissionSet map[Permission]struct{}

// NewPermissionSet builds a set from the given permissions.
func NewPermissionSet(perms ...Permission) PermissionSet {
	set := make(PermissionSet, len(perms))
	for _, p := range perms {
		set[Normalize(p)] = struct{}{}
	}
	return set
}

// Has reports membership.
func (s PermissionSet) Has(p Permission) bool {
	_, ok := s[Normalize(p)]
	return ok
}

// Add inserts a permission.
func (s PermissionSet) Add(p Permission) {
	s[Normalize(p)] = struct{}{}
}

// Union merges other into s.
func (s PermissionSet) Union(other PermissionSet) {
	for p := range other {
		s[p] = struct{}{}
	}
}

// Slice returns the members sorted, for stable serialization.
func (s PermissionSet) Slice() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
