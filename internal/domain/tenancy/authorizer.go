package tenancy

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
)

// Access is a verified membership together with its role.
type Access struct {
	Organization *Organization
	Membership   *Membership
	Role         *Role
}

func (a *Access) IsAdmin() bool { return a.Role.CanAdminister() }

func (a *Access) IsOwner() bool { return a.Membership.RoleID == RoleOwner }

// Authorizer answers every access question from membership rows.
type Authorizer struct {
	orgs        OrganizationRepository
	memberships MembershipRepository
	roles       *RoleCatalog
}

func NewAuthorizer(orgs OrganizationRepository, memberships MembershipRepository, roles *RoleCatalog) *Authorizer {
	return &Authorizer{orgs: orgs, memberships: memberships, roles: roles}
}

// RequireMember returns ErrOrganizationNotFound for an unknown organization
// and ErrNotMember when the user holds no membership in it.
func (a *Authorizer) RequireMember(ctx context.Context, userID, orgID uuid.UUID) (*Access, error) {
	org, err := a.orgs.GetByID(ctx, orgID)
	if err != nil {
		return nil, err
	}
	m, err := a.memberships.Get(ctx, userID, orgID)
	if errors.Is(err, ErrMembershipNotFound) {
		return nil, ErrNotMember
	}
	if err != nil {
		return nil, err
	}

	role, err := a.roles.Get(ctx, m.RoleID)
	if err != nil {
		role = &Role{ID: m.RoleID, Name: fallbackRoleName, Permissions: []string{}}
	}
	return &Access{Organization: org, Membership: m, Role: role}, nil
}

// RequireAdmin additionally requires the owner or admin role, or a role
// granting "*" or "manage:all".
func (a *Authorizer) RequireAdmin(ctx context.Context, userID, orgID uuid.UUID) (*Access, error) {
	acc, err := a.RequireMember(ctx, userID, orgID)
	if err != nil {
		return nil, err
	}
	if !acc.IsAdmin() {
		return nil, ErrForbidden
	}
	return acc, nil
}

// StatusCode maps access errors to HTTP status codes. ok is false for any
// other error.
func StatusCode(err error) (code int, ok bool) {
	switch {
	case errors.Is(err, ErrOrganizationNotFound):
		return http.StatusNotFound, true
	case errors.Is(err, ErrNotMember), errors.Is(err, ErrForbidden):
		return http.StatusForbidden, true
	}
	return 0, false
}
