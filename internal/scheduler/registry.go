package scheduler

import (
	"fmt"

	"github.com/aristath/conductor/internal/errors"
)

// RoleCapability declares the categories a role accepts and how many of its
// tasks may be in flight at once.
type RoleCapability struct {
	Role          string
	Categories    []string
	MaxConcurrent int
}

// Registry is the static table of role capabilities. Registration order is
// meaningful: when two roles tie for a task, the earlier one wins. A
// Registry is immutable after construction; configuration reloads build a
// fresh one and swap it in between dispatch ticks.
type Registry struct {
	roles []RoleCapability
	index map[string]int
}

// NewRegistry builds a Registry from an ordered capability list.
func NewRegistry(roles []RoleCapability) (*Registry, error) {
	if len(roles) == 0 {
		return nil, errors.NewValidationError("roles", "at least one role required")
	}
	r := &Registry{
		roles: make([]RoleCapability, 0, len(roles)),
		index: make(map[string]int, len(roles)),
	}
	for _, rc := range roles {
		if rc.Role == "" {
			return nil, errors.NewValidationError("role", "must not be empty")
		}
		if _, dup := r.index[rc.Role]; dup {
			return nil, errors.NewValidationError("role", fmt.Sprintf("duplicate role %s", rc.Role))
		}
		if rc.MaxConcurrent < 1 {
			return nil, errors.NewValidationError("max_concurrent", fmt.Sprintf("role %s: must be at least 1", rc.Role))
		}
		if len(rc.Categories) == 0 {
			return nil, errors.NewValidationError("categories", fmt.Sprintf("role %s: must accept at least one category", rc.Role))
		}
		cp := rc
		cp.Categories = append([]string(nil), rc.Categories...)
		r.index[rc.Role] = len(r.roles)
		r.roles = append(r.roles, cp)
	}
	return r, nil
}

// Roles returns role names in registration order.
func (r *Registry) Roles() []string {
	names := make([]string, len(r.roles))
	for i, rc := range r.roles {
		names[i] = rc.Role
	}
	return names
}

// Has reports whether the role is registered.
func (r *Registry) Has(role string) bool {
	_, ok := r.index[role]
	return ok
}

// Accepts reports whether the role takes tasks of the given category.
func (r *Registry) Accepts(role, category string) bool {
	i, ok := r.index[role]
	if !ok {
		return false
	}
	for _, c := range r.roles[i].Categories {
		if c == category {
			return true
		}
	}
	return false
}

// MaxConcurrent returns the role's concurrency ceiling, or 0 for an
// unknown role.
func (r *Registry) MaxConcurrent(role string) int {
	i, ok := r.index[role]
	if !ok {
		return 0
	}
	return r.roles[i].MaxConcurrent
}

// Capability returns the full capability record for a role.
func (r *Registry) Capability(role string) (RoleCapability, error) {
	i, ok := r.index[role]
	if !ok {
		return RoleCapability{}, fmt.Errorf("%w: %s", errors.ErrUnknownRole, role)
	}
	rc := r.roles[i]
	rc.Categories = append([]string(nil), rc.Categories...)
	return rc, nil
}
