package tenancy

import (
	"context"

	"github.com/google/uuid"
)

type OrganizationRepository interface {
	Create(ctx context.Context, org *Organization) error
	GetByID(ctx context.Context, id uuid.UUID) (*Organization, error)
}

type MembershipRepository interface {
	Create(ctx context.Context, m *Membership) error
	Get(ctx context.Context, userID, orgID uuid.UUID) (*Membership, error)
	// ListForUser returns the user's memberships joined with organization and
	// role, ordered by membership creation time then organization id.
	ListForUser(ctx context.Context, userID uuid.UUID) ([]MembershipRow, error)
}

type RoleRepository interface {
	List(ctx context.Context) ([]*Role, error)
	GetByID(ctx context.Context, id string) (*Role, error)
}

// UserMetadataRepository reads profiles and writes the cached active tenant.
type UserMetadataRepository interface {
	GetProfile(ctx context.Context, userID uuid.UUID) (*UserProfile, error)
	SetActiveTenant(ctx context.Context, userID, orgID uuid.UUID, role string) error
}
