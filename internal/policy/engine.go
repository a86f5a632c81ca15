package policy

import "github.com/org/vxlgateway/pkg/models"

// Requirement is the permission check attached to a route. An empty
// requirement is satisfied by any authenticated principal.
type Requirement struct {
	Permissions []models.Permission
	// Any switches from all-of to any-of semantics.
	Any bool
}

// NewRequirement parses "resource:action" strings. Malformed entries are
// returned as bad so configuration can reject them at load time.
func NewRequirement(perms []string, anyOf bool) (req Requirement, bad []string) {
	req.Any = anyOf
	for _, s := range perms {
		p, ok := models.ParsePermission(s)
		if !ok {
			bad = append(bad, s)
			continue
		}
		req.Permissions = append(req.Permissions, p)
	}
	return req, bad
}

// Empty reports whether the requirement names no permissions.
func (r Requirement) Empty() bool { return len(r.Permissions) == 0 }

// Allows returns true if p holds perm exactly, or is an admin.
func Allows(p *models.Principal, perm models.Permission) bool {
	if p == nil || !p.IsActive {
		return false
	}
	if p.IsAdmin() {
		return true
	}
	return p.Permissions.Has(perm)
}

// AllowsAny returns true if p holds at least one of perms.
func AllowsAny(p *models.Principal, perms ...models.Permission) bool {
	for _, perm := range perms {
		if Allows(p, perm) {
			return true
		}
	}
	return false
}

// Satisfied evaluates r against p. missing lists what was not held; for
// any-of requirements it is the whole list on failure.
func (r Requirement) Satisfied(p *models.Principal) (ok bool, missing []string) {
	if p == nil || !p.IsActive {
		return false, permStrings(r.Permissions)
	}
	if r.Empty() {
		return true, nil
	}
	if r.Any {
		if AllowsAny(p, r.Permissions...) {
			return true, nil
		}
		return false, permStrings(r.Permissions)
	}
	for _, perm := range r.Permissions {
		if !Allows(p, perm) {
			missing = append(missing, perm.String())
		}
	}
	return len(missing) == 0, missing
}

func permStrings(perms []models.Permission) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = p.String()
	}
	return out
}
