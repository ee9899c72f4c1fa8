package team

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/meddocs/meddocs/internal/domain/tenancy"
	"github.com/meddocs/meddocs/internal/platform/apperr"
	"github.com/meddocs/meddocs/internal/platform/db"
	"github.com/meddocs/meddocs/internal/platform/events"
	"github.com/meddocs/meddocs/internal/platform/notification"
)

// InvitationNotifier delivers invitation emails.
type InvitationNotifier interface {
	SendInvitation(ctx context.Context, inv notification.Invitation) error
}

type ProfileReader interface {
	GetProfile(ctx context.Context, userID uuid.UUID) (*tenancy.UserProfile, error)
}

type Options struct {
	// AppURL is the frontend base used to build invitation links.
	AppURL string
	// InvitationTTL is both the invitation lifetime and the grace period
	// before an expired invitation is purged.
	InvitationTTL time.Duration
}

type Service struct {
	tx          db.TxManager
	members     MemberRepository
	invitations InvitationRepository
	orgs        tenancy.OrganizationRepository
	memberships tenancy.MembershipRepository
	authz       *tenancy.Authorizer
	roles       *tenancy.RoleCatalog
	profiles    ProfileReader
	notifier    InvitationNotifier
	events      *events.Emitter
	appURL      string
	ttl         time.Duration
	now         func() time.Time
}

func NewService(tx db.TxManager, members MemberRepository, invitations InvitationRepository,
	orgs tenancy.OrganizationRepository, memberships tenancy.MembershipRepository,
	authz *tenancy.Authorizer, roles *tenancy.RoleCatalog, profiles ProfileReader,
	notifier InvitationNotifier, emitter *events.Emitter, opts Options) *Service {
	if opts.InvitationTTL <= 0 {
		opts.InvitationTTL = 7 * 24 * time.Hour
	}
	return &Service{
		tx:          tx,
		members:     members,
		invitations: invitations,
		orgs:        orgs,
		memberships: memberships,
		authz:       authz,
		roles:       roles,
		profiles:    profiles,
		notifier:    notifier,
		events:      emitter,
		appURL:      strings.TrimRight(opts.AppURL, "/"),
		ttl:         opts.InvitationTTL,
		now:         time.Now,
	}
}

// -- Members --

func (s *Service) ListMembers(ctx context.Context, callerID, orgID uuid.UUID) ([]*Member, error) {
	if _, err := s.authz.RequireMember(ctx, callerID, orgID); err != nil {
		return nil, err
	}
	members, err := s.members.ListByOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if members == nil {
		members = []*Member{}
	}
	return members, nil
}

func (s *Service) RemoveMember(ctx context.Context, callerID, orgID, userID uuid.UUID) error {
	acc, err := s.authz.RequireAdmin(ctx, callerID, orgID)
	if err != nil {
		return err
	}
	if callerID == userID {
		return ErrCannotRemoveSelf
	}

	return s.tx.InTx(ctx, func(ctx context.Context) error {
		target, err := s.memberships.Get(ctx, userID, orgID)
		if errors.Is(err, tenancy.ErrMembershipNotFound) {
			return ErrMemberNotFound
		}
		if err != nil {
			return err
		}
		if target.RoleID == tenancy.RoleOwner {
			if !acc.IsOwner() {
				return ErrOwnerRequired
			}
			if err := s.requireAnotherOwner(ctx, orgID); err != nil {
				return err
			}
		}
		return s.members.Delete(ctx, orgID, userID)
	})
}

func (s *Service) UpdateMemberRole(ctx context.Context, callerID, orgID, userID uuid.UUID, roleID string) (*Member, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return nil, apperr.Invalid("role ID is required")
	}
	acc, err := s.authz.RequireAdmin(ctx, callerID, orgID)
	if err != nil {
		return nil, err
	}
	role, err := s.roles.Get(ctx, roleID)
	if err != nil {
		return nil, ErrInvalidRole
	}
	if role.ID == tenancy.RoleOwner && !acc.IsOwner() {
		return nil, ErrOwnerRequired
	}

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		target, err := s.memberships.Get(ctx, userID, orgID)
		if errors.Is(err, tenancy.ErrMembershipNotFound) {
			return ErrMemberNotFound
		}
		if err != nil {
			return err
		}
		if target.RoleID == tenancy.RoleOwner && role.ID != tenancy.RoleOwner {
			if !acc.IsOwner() {
				return ErrOwnerRequired
			}
			if err := s.requireAnotherOwner(ctx, orgID); err != nil {
				return err
			}
		}
		return s.members.UpdateRole(ctx, orgID, userID, role.ID)
	})
	if err != nil {
		return nil, err
	}

	members, err := s.members.ListByOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		if m.UserID == userID {
			return m, nil
		}
	}
	return nil, ErrMemberNotFound
}

func (s *Service) requireAnotherOwner(ctx context.Context, orgID uuid.UUID) error {
	owners, err := s.members.CountOwners(ctx, orgID)
	if err != nil {
		return err
	}
	if owners <= 1 {
		return ErrLastOwner
	}
	return nil
}

// -- Invitations --

func (s *Service) invitationLink(token string) string {
	return s.appURL + "/invitations/accept?token=" + token
}

func (s *Service) CreateInvitation(ctx context.Context, callerID uuid.UUID, req CreateInvitationRequest) (*CreatedInvitation, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, apperr.Invalid("a valid email is required")
	}
	orgID, err := tenancy.ParseOrganizationID(req.OrganizationID)
	if err != nil {
		return nil, err
	}
	roleID := strings.TrimSpace(req.RoleID)
	if roleID == "" {
		roleID = tenancy.RoleMember
	}

	acc, err := s.authz.RequireAdmin(ctx, callerID, orgID)
	if err != nil {
		return nil, err
	}
	role, err := s.roles.Get(ctx, roleID)
	if err != nil {
		return nil, ErrInvalidRole
	}
	if role.ID == tenancy.RoleOwner && !acc.IsOwner() {
		return nil, ErrOwnerRequired
	}

	member, err := s.members.IsMemberByEmail(ctx, orgID, email)
	if err != nil {
		return nil, err
	}
	if member {
		return nil, ErrAlreadyMember
	}

	now := s.now()
	inv := &Invitation{
		OrganizationID: orgID,
		Email:          email,
		RoleID:         role.ID,
		Token:          uuid.NewString(),
		InvitedBy:      &callerID,
		ExpiresAt:      now.Add(s.ttl),
	}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.invitations.DeleteExpired(ctx, orgID, email, now); err != nil {
			return err
		}
		return s.invitations.Create(ctx, inv)
	})
	if err != nil {
		return nil, err
	}

	link := s.invitationLink(inv.Token)
	s.sendInvitation(ctx, inv, acc.Organization.Name, callerID, link, false)
	s.events.Emit(ctx, events.InvitationCreated, orgID, map[string]interface{}{
		"invitationId": inv.ID,
		"email":        inv.Email,
		"roleId":       inv.RoleID,
	})

	return &CreatedInvitation{
		ID:             inv.ID,
		Email:          inv.Email,
		RoleID:         inv.RoleID,
		CreatedAt:      inv.CreatedAt,
		ExpiresAt:      inv.ExpiresAt,
		InvitationLink: link,
	}, nil
}

// sendInvitation logs delivery failures; the invitation stays valid.
func (s *Service) sendInvitation(ctx context.Context, inv *Invitation, orgName string, inviterID uuid.UUID, link string, resend bool) {
	if s.notifier == nil {
		return
	}
	msg := notification.Invitation{
		Email:            inv.Email,
		OrganizationName: orgName,
		Link:             link,
		ExpiresAt:        inv.ExpiresAt,
		Resend:           resend,
	}
	if s.profiles != nil {
		if p, err := s.profiles.GetProfile(ctx, inviterID); err == nil {
			msg.InviterName = p.FullName
		}
	}
	if err := s.notifier.SendInvitation(ctx, msg); err != nil {
		log.Warn().Err(err).Str("invitation_id", inv.ID.String()).Msg("failed to send invitation email")
	}
}

func (s *Service) ListInvitations(ctx context.Context, callerID, orgID uuid.UUID) ([]*InvitationView, error) {
	if _, err := s.authz.RequireAdmin(ctx, callerID, orgID); err != nil {
		return nil, err
	}
	list, err := s.invitations.ListPending(ctx, orgID, s.now())
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*InvitationView{}
	}
	return list, nil
}

// Validate checks a token without consuming it. Expiry is checked before
// acceptance.
func (s *Service) Validate(ctx context.Context, token string) (*InvitationView, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, apperr.Invalid("token is required")
	}
	inv, err := s.invitations.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if inv.Expired(s.now()) {
		return nil, ErrInvitationExpired
	}
	if inv.Accepted {
		return nil, ErrInvitationAccepted
	}
	if inv.RoleName == "" {
		inv.RoleName = defaultInvitationRoleName
	}
	return inv, nil
}

// Accept adds the signed-in user to the invitation's organization.
func (s *Service) Accept(ctx context.Context, userID uuid.UUID, email, token string) (*tenancy.Organization, error) {
	return s.redeem(ctx, token, email, userID, ErrEmailMismatch)
}

// RedeemForNewUser is used by invited signup inside the signup transaction.
func (s *Service) RedeemForNewUser(ctx context.Context, token, email string, userID uuid.UUID) (*tenancy.Organization, error) {
	return s.redeem(ctx, token, email, userID, ErrSignupEmailMismatch)
}

func (s *Service) redeem(ctx context.Context, token, email string, userID uuid.UUID, mismatch error) (*tenancy.Organization, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, apperr.Invalid("token is required")
	}

	var (
		org *tenancy.Organization
		inv *Invitation
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		inv, err = s.invitations.LockByToken(ctx, token)
		if err != nil {
			return err
		}
		now := s.now()
		switch {
		case inv.Accepted:
			return ErrInvitationAccepted
		case inv.Expired(now):
			return ErrInvitationExpired
		case !strings.EqualFold(strings.TrimSpace(email), inv.Email):
			return mismatch
		}

		org, err = s.orgs.GetByID(ctx, inv.OrganizationID)
		if err != nil {
			return err
		}

		_, err = s.memberships.Get(ctx, userID, inv.OrganizationID)
		switch {
		case errors.Is(err, tenancy.ErrMembershipNotFound):
			if err := s.memberships.Create(ctx, &tenancy.Membership{
				UserID:         userID,
				OrganizationID: inv.OrganizationID,
				RoleID:         inv.RoleID,
			}); err != nil {
				return err
			}
		case err != nil:
			return err
		}

		ok, err := s.invitations.MarkAccepted(ctx, inv.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvitationAccepted
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.Emit(ctx, events.InvitationAccepted, inv.OrganizationID, map[string]interface{}{
		"invitationId": inv.ID,
		"userId":       userID,
		"roleId":       inv.RoleID,
	})
	return org, nil
}

// Resend extends the invitation by the configured TTL and emails it again.
func (s *Service) Resend(ctx context.Context, callerID, invitationID uuid.UUID) (*Invitation, error) {
	inv, acc, err := s.adminInvitation(ctx, callerID, invitationID)
	if err != nil {
		return nil, err
	}
	if inv.Accepted {
		return nil, ErrInvitationAccepted
	}
	inv.ExpiresAt = s.now().Add(s.ttl)
	if err := s.invitations.ExtendExpiry(ctx, inv.ID, inv.ExpiresAt); err != nil {
		return nil, err
	}
	s.sendInvitation(ctx, inv, acc.Organization.Name, callerID, s.invitationLink(inv.Token), true)
	return inv, nil
}

func (s *Service) Revoke(ctx context.Context, callerID, invitationID uuid.UUID) error {
	inv, _, err := s.adminInvitation(ctx, callerID, invitationID)
	if err != nil {
		return err
	}
	if inv.Accepted {
		return ErrInvitationAccepted
	}
	return s.invitations.Delete(ctx, inv.ID)
}

func (s *Service) adminInvitation(ctx context.Context, callerID, invitationID uuid.UUID) (*Invitation, *tenancy.Access, error) {
	inv, err := s.invitations.GetByID(ctx, invitationID)
	if err != nil {
		return nil, nil, err
	}
	acc, err := s.authz.RequireAdmin(ctx, callerID, inv.OrganizationID)
	if err != nil {
		return nil, nil, err
	}
	return inv, acc, nil
}

// PurgeExpired removes unaccepted invitations that expired more than one
// TTL ago.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	return s.invitations.PurgeExpired(ctx, s.now().Add(-s.ttl))
}

// StatusCode maps team and invitation errors to HTTP status codes.
func StatusCode(err error) (int, bool) {
	if code, ok := tenancy.StatusCode(err); ok {
		return code, true
	}
	switch {
	case apperr.IsInvalid(err),
		errors.Is(err, ErrCannotRemoveSelf),
		errors.Is(err, ErrLastOwner),
		errors.Is(err, ErrInvalidRole),
		errors.Is(err, ErrInvitationAccepted),
		errors.Is(err, ErrInvitationExpired),
		errors.Is(err, ErrSignupEmailMismatch):
		return http.StatusBadRequest, true
	case errors.Is(err, ErrOwnerRequired), errors.Is(err, ErrEmailMismatch):
		return http.StatusForbidden, true
	case errors.Is(err, ErrMemberNotFound), errors.Is(err, ErrInvitationNotFound):
		return http.StatusNotFound, true
	case errors.Is(err, ErrAlreadyMember), errors.Is(err, ErrAlreadyInvited):
		return http.StatusConflict, true
	}
	return 0, false
}
