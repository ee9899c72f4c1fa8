package team

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

const defaultInvitationRoleName = "Team Member"

var (
	ErrMemberNotFound     = errors.New("member not found")
	ErrCannotRemoveSelf   = errors.New("you cannot remove yourself from the organization")
	ErrLastOwner          = errors.New("the organization must keep at least one owner")
	ErrOwnerRequired      = errors.New("only an owner can manage the owner role")
	ErrInvalidRole        = errors.New("invalid role")
	ErrAlreadyMember      = errors.New("user is already a member of this organization")
	ErrAlreadyInvited     = errors.New("user already invited to this organization")
	ErrInvitationNotFound = errors.New("invalid or expired invitation")
	ErrInvitationAccepted = errors.New("this invitation has already been accepted")
	ErrInvitationExpired  = errors.New("this invitation has expired")
	// ErrEmailMismatch is returned when a signed-in user accepts an
	// invitation addressed to someone else.
	ErrEmailMismatch = errors.New("this invitation was sent to a different email address")
	// ErrSignupEmailMismatch is the invited-signup form of ErrEmailMismatch.
	ErrSignupEmailMismatch = errors.New("email does not match the invitation")
)

// Member is a membership joined with the user and role.
type Member struct {
	ID       uuid.UUID `json:"id"`
	UserID   uuid.UUID `json:"user_id"`
	Email    string    `json:"email"`
	FullName string    `json:"full_name"`
	RoleID   string    `json:"role_id"`
	RoleName string    `json:"role_name"`
	JoinedAt time.Time `json:"joined_at"`
}

type Invitation struct {
	ID             uuid.UUID  `json:"id"`
	OrganizationID uuid.UUID  `json:"organization_id"`
	Email          string     `json:"email"`
	RoleID         string     `json:"role_id"`
	Token          string     `json:"-"`
	InvitedBy      *uuid.UUID `json:"invited_by,omitempty"`
	ExpiresAt      time.Time  `json:"expires_at"`
	Accepted       bool       `json:"accepted"`
	AcceptedAt     *time.Time `json:"accepted_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func (i *Invitation) Expired(now time.Time) bool {
	return i.ExpiresAt.Before(now)
}

// InvitationView is an invitation joined with role and organization names.
type InvitationView struct {
	Invitation
	RoleName         string `json:"role_name"`
	OrganizationName string `json:"organization_name"`
	InvitedByName    string `json:"invited_by_name,omitempty"`
}

type CreateInvitationRequest struct {
	Email          string `json:"email"`
	OrganizationID string `json:"organizationId"`
	RoleID         string `json:"roleId"`
}

// CreatedInvitation is returned to the inviter. The link embeds the token.
type CreatedInvitation struct {
	ID             uuid.UUID `json:"id"`
	Email          string    `json:"email"`
	RoleID         string    `json:"roleId"`
	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	InvitationLink string    `json:"invitationLink"`
}
