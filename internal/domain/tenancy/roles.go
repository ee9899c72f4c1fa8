package tenancy

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
)

// defaultRoles is served when the roles table is empty or unreadable.
var defaultRoles = []Role{
	{ID: "admin", Name: "Administrator", Permissions: []string{"manage:all", "manage:client_organizations"}},
	{ID: "data_entry", Name: "Data Entry", Permissions: []string{"create:historical_records", "view:patients", "view:certificates"}},
	{ID: "doctor", Name: "Doctor", Permissions: []string{"view:patients", "view:tests", "view:certificates", "approve:certificates", "sign:certificates"}},
	{ID: "employer", Name: "Employer", Permissions: []string{"view:certificates"}},
	{ID: "manager", Name: "Manager", Permissions: []string{"view:all", "manage:client_organizations", "manage:reports"}},
	{ID: "member", Name: "Member", Permissions: []string{"view:basic"}},
	{ID: "nurse", Name: "Nurse", Permissions: []string{"view:patients", "create:vitals", "update:vitals", "view:tests"}},
	{ID: "owner", Name: "Owner", Permissions: []string{PermissionAll}},
	{ID: "receptionist", Name: "Receptionist", Permissions: []string{"view:patients", "create:patients", "update:patients", "view:tests", "view:vitals", "create:certificates", "update:certificates"}},
	{ID: "technician", Name: "Technician", Permissions: []string{"view:patients", "create:tests", "update:tests", "view:test_types"}},
}

// DefaultRoles returns a copy of the built-in catalog, ordered by name.
func DefaultRoles() []*Role {
	out := make([]*Role, len(defaultRoles))
	for i := range defaultRoles {
		r := defaultRoles[i]
		r.Permissions = append([]string(nil), r.Permissions...)
		out[i] = &r
	}
	return out
}

func defaultRole(id string) (*Role, bool) {
	for i := range defaultRoles {
		if defaultRoles[i].ID == id {
			r := defaultRoles[i]
			r.Permissions = append([]string(nil), r.Permissions...)
			return &r, true
		}
	}
	return nil, false
}

// RoleCatalog reads roles from storage and degrades to the built-in set.
type RoleCatalog struct {
	repo RoleRepository
}

func NewRoleCatalog(repo RoleRepository) *RoleCatalog {
	return &RoleCatalog{repo: repo}
}

// List never returns an empty slice.
func (c *RoleCatalog) List(ctx context.Context) []*Role {
	roles, err := c.repo.List(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("role catalog unavailable, serving built-in roles")
		return DefaultRoles()
	}
	if len(roles) == 0 {
		return DefaultRoles()
	}
	return roles
}

func (c *RoleCatalog) Get(ctx context.Context, id string) (*Role, error) {
	r, err := c.repo.GetByID(ctx, id)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, ErrRoleNotFound) {
		log.Warn().Err(err).Str("role_id", id).Msg("role lookup failed, trying built-in roles")
	}
	if r, ok := defaultRole(id); ok {
		return r, nil
	}
	return nil, ErrRoleNotFound
}
