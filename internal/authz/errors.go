package authz

import "errors"

var (
	// ErrForbidden indicates the principal lacks the required permission.
	ErrForbidden = errors.New("authz: forbidden")
	// ErrRoleNotFound indicates a referenced role does not exist.
	ErrRoleNotFound = errors.New("authz: role not found")
	// ErrPrincipalNotFound indicates a referenced principal does not exist.
	ErrPrincipalNotFound = errors.New("authz: principal not found")
	// ErrBindingNotFound indicates no active binding exists for the pair.
	ErrBindingNotFound = errors.New("authz: role binding not found")
	// ErrRoleExists indicates a duplicate role creation attempt.
	ErrRoleExists = errors.New("authz: role already exists")
	// ErrUnknownPermission indicates a code path referenced a permission
	// that is not part of the catalog. This is a configuration bug and is
	// kept distinct from ErrForbidden so it cannot masquerade as a
	// legitimate denial.
	ErrUnknownPermission = errors.New("authz: unknown permission")
	// ErrStoreUnavailable indicates the role/binding store could not be
	// read. Guards treat it as a denial while logging it as an
	// infrastructure fault.
	ErrStoreUnavailable = errors.New("authz: store unavailable")
)
