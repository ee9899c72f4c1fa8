package team

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type MemberRepository interface {
	ListByOrganization(ctx context.Context, orgID uuid.UUID) ([]*Member, error)
	// CountOwners locks the owner memberships until commit, so it must be
	// called inside the transaction that changes them.
	CountOwners(ctx context.Context, orgID uuid.UUID) (int, error)
	IsMemberByEmail(ctx context.Context, orgID uuid.UUID, email string) (bool, error)
	UpdateRole(ctx context.Context, orgID, userID uuid.UUID, roleID string) error
	Delete(ctx context.Context, orgID, userID uuid.UUID) error
}

type InvitationRepository interface {
	Create(ctx context.Context, inv *Invitation) error
	GetByID(ctx context.Context, id uuid.UUID) (*Invitation, error)
	// GetByToken joins role and organization names for display.
	GetByToken(ctx context.Context, token string) (*InvitationView, error)
	// LockByToken must be called inside a transaction; it holds the row
	// until commit.
	LockByToken(ctx context.Context, token string) (*Invitation, error)
	// ListPending returns unaccepted invitations still valid at now.
	ListPending(ctx context.Context, orgID uuid.UUID, now time.Time) ([]*InvitationView, error)
	// MarkAccepted reports false when the invitation was already accepted.
	MarkAccepted(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	ExtendExpiry(ctx context.Context, id uuid.UUID, expiresAt time.Time) error
	Delete(ctx context.Context, id uuid.UUID) error
	// DeleteExpired drops an unaccepted invitation for email that expired
	// before now, freeing the address for a new invitation.
	DeleteExpired(ctx context.Context, orgID uuid.UUID, email string, now time.Time) error
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}
