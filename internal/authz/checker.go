package authz

import "encoding/json"

// Checker is an immutable snapshot of a principal's effective
// permissions, used to gate UI affordances. It is advisory: hiding a
// control is a UX decision, the server guard remains the authority. The
// browser client reconstructs a Checker from the /api/me/permissions
// payload so both enforcement points consume the same engine output.
type Checker struct {
	perms PermissionSet
	all   bool
}

// NewChecker builds a Checker over the given set. A set containing
// system:admin answers true for every query.
func NewChecker(set PermissionSet) Checker {
	perms := make(PermissionSet, len(set))
	perms.Union(set)
	return Checker{perms: perms, all: set.Has(PermSystemAdmin)}
}

// Can reports whether the snapshot holds the permission. Unknown strings
// simply answer false here; only the engine distinguishes catalog bugs.
func (c Checker) Can(p Permission) bool {
	if c.all {
		return true
	}
	return c.perms.Has(p)
}

// CanAny reports whether at least one permission holds.
func (c Checker) CanAny(perms ...Permission) bool {
	for _, p := range perms {
		if c.Can(p) {
			return true
		}
	}
	return false
}

// CanAll reports whether every permission holds.
func (c Checker) CanAll(perms ...Permission) bool {
	for _, p := range perms {
		if !c.Can(p) {
			return false
		}
	}
	return true
}

// Permissions returns the snapshot members, sorted.
func (c Checker) Permissions() []Permission {
	return c.perms.Slice()
}

type checkerPayload struct {
	Permissions []Permission `json:"permissions"`
	All         bool         `json:"all"`
}

// MarshalJSON serializes the snapshot for the client guard endpoint.
func (c Checker) MarshalJSON() ([]byte, error) {
	return json.Marshal(checkerPayload{Permissions: c.perms.Slice(), All: c.all})
}

// UnmarshalJSON restores a snapshot from the wire format.
func (c *Checker) UnmarshalJSON(data []byte) error {
	var payload checkerPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	c.perms = NewPermissionSet(payload.Permissions...)
	c.all = payload.All || c.perms.Has(PermSystemAdmin)
	return nil
}
