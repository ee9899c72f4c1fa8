package tenancy

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type OrganizationType string

const (
	DirectClient    OrganizationType = "direct_client"
	ServiceProvider OrganizationType = "service_provider"
)

func (t OrganizationType) Valid() bool {
	return t == DirectClient || t == ServiceProvider
}

// DefaultOrganizationID identifies the synthetic tenant handed to users
// without memberships. It never exists in storage.
const DefaultOrganizationID = "default"

const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"

	PermissionAll       = "*"
	PermissionManageAll = "manage:all"
)

const (
	unknownOrganizationName = "Unknown Organization"
	fallbackRoleName        = "Member"
)

var (
	ErrOrganizationNotFound = errors.New("organization not found")
	ErrNotMember            = errors.New("you are not a member of this organization")
	ErrForbidden            = errors.New("you don't have permission to perform this action")
	ErrMembershipNotFound   = errors.New("membership not found")
	ErrRoleNotFound         = errors.New("role not found")
	ErrUserNotFound         = errors.New("user not found")
)

type Organization struct {
	ID        uuid.UUID        `json:"id"`
	Name      string           `json:"name"`
	Type      OrganizationType `json:"organization_type"`
	CreatedBy *uuid.UUID       `json:"created_by,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Membership is the only authority for what a user may do in an organization.
type Membership struct {
	ID             uuid.UUID `json:"id"`
	UserID         uuid.UUID `json:"user_id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	RoleID         string    `json:"role_id"`
	CreatedAt      time.Time `json:"created_at"`
}

type Role struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

// Has reports whether the role grants perm directly or through a wildcard.
func (r *Role) Has(perm string) bool {
	for _, p := range r.Permissions {
		if p == perm || p == PermissionAll {
			return true
		}
	}
	return false
}

// CanAdminister reports whether holders may manage members and invitations.
func (r *Role) CanAdminister() bool {
	if r.ID == RoleOwner || r.ID == RoleAdmin {
		return true
	}
	return r.Has(PermissionManageAll)
}

// TenantContext is one organization as seen by a member.
type TenantContext struct {
	OrganizationID   string           `json:"organizationId"`
	OrganizationName string           `json:"organizationName"`
	OrganizationType OrganizationType `json:"organizationType"`
	Role             string           `json:"role"`
	RoleName         string           `json:"roleName"`
	Permissions      []string         `json:"permissions"`
	JoinedAt         time.Time        `json:"joinedAt,omitzero"`
}

// MembershipRow is a membership joined with its organization and role. The
// nullable fields come from outer joins.
type MembershipRow struct {
	OrganizationID   uuid.UUID
	OrganizationName *string
	OrganizationType *string
	RoleID           string
	RoleName         *string
	Permissions      []string
	JoinedAt         time.Time
}

func (m MembershipRow) tenant() TenantContext {
	tc := TenantContext{
		OrganizationID:   m.OrganizationID.String(),
		OrganizationName: unknownOrganizationName,
		OrganizationType: DirectClient,
		Role:             m.RoleID,
		RoleName:         fallbackRoleName,
		Permissions:      m.Permissions,
		JoinedAt:         m.JoinedAt,
	}
	if m.OrganizationName != nil && *m.OrganizationName != "" {
		tc.OrganizationName = *m.OrganizationName
	}
	if m.OrganizationType != nil && OrganizationType(*m.OrganizationType).Valid() {
		tc.OrganizationType = OrganizationType(*m.OrganizationType)
	}
	if m.RoleName != nil && *m.RoleName != "" {
		tc.RoleName = *m.RoleName
	}
	if tc.Permissions == nil {
		tc.Permissions = []string{}
	}
	return tc
}

// UserProfile is the part of a user record the resolver reads. Metadata is a
// cache of the resolved tenant and is never used for access decisions.
type UserProfile struct {
	ID                   uuid.UUID
	Email                string
	FullName             string
	ActiveOrganizationID *uuid.UUID
	Role                 string
}

// DefaultTenant is the synthetic tenant for a user with no memberships.
func DefaultTenant(fullName string) TenantContext {
	name := "My Organization"
	if fullName != "" {
		name = fullName + "'s Organization"
	}
	return TenantContext{
		OrganizationID:   DefaultOrganizationID,
		OrganizationName: name,
		OrganizationType: ServiceProvider,
		Role:             RoleOwner,
		RoleName:         "Owner",
		Permissions:      []string{PermissionAll},
	}
}
