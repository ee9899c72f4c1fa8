package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/meddocs/meddocs/internal/domain/tenancy"
	"github.com/meddocs/meddocs/internal/platform/apperr"
	"github.com/meddocs/meddocs/internal/platform/auth"
	"github.com/meddocs/meddocs/internal/platform/db"
)

// OrganizationCreator creates an organization owned by a user.
type OrganizationCreator interface {
	CreateWithOwner(ctx context.Context, ownerID uuid.UUID, name string, typ tenancy.OrganizationType) (*tenancy.Organization, error)
}

// InvitationRedeemer accepts an invitation on behalf of a user that is being
// created in the same transaction.
type InvitationRedeemer interface {
	RedeemForNewUser(ctx context.Context, token, email string, userID uuid.UUID) (*tenancy.Organization, error)
}

type Service struct {
	tx          db.TxManager
	users       UserRepository
	orgs        OrganizationCreator
	invitations InvitationRedeemer
	issuer      *auth.Issuer
	revocations auth.RevocationStore
	verify      func(hash, password string) error
}

func NewService(tx db.TxManager, users UserRepository, orgs OrganizationCreator, issuer *auth.Issuer, revocations auth.RevocationStore) *Service {
	return &Service{tx: tx, users: users, orgs: orgs, issuer: issuer, revocations: revocations, verify: auth.VerifyPassword}
}

// SetInvitationRedeemer enables invited signup.
func (s *Service) SetInvitationRedeemer(r InvitationRedeemer) {
	s.invitations = r
}

func validateCredentials(email, password string) (string, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return "", apperr.Invalid("email is required")
	}
	if !strings.Contains(email, "@") {
		return "", apperr.Invalid("invalid email address")
	}
	if len(password) < auth.MinPasswordLength {
		return "", apperr.Invalid("password must be at least %d characters", auth.MinPasswordLength)
	}
	return email, nil
}

func (s *Service) newUser(email, password, fullName string) (*User, error) {
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	return &User{Email: email, PasswordHash: hash, FullName: strings.TrimSpace(fullName)}, nil
}

// Signup creates the user, an organization and the owner membership in one
// transaction.
func (s *Service) Signup(ctx context.Context, req SignupRequest) (*AuthResult, error) {
	email, err := validateCredentials(req.Email, req.Password)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.FullName) == "" {
		return nil, apperr.Invalid("full name is required")
	}
	user, err := s.newUser(email, req.Password, req.FullName)
	if err != nil {
		return nil, err
	}
	orgName := strings.TrimSpace(req.OrganizationName)
	if orgName == "" {
		orgName = user.FullName + "'s Organization"
	}

	var org *tenancy.Organization
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.users.Create(ctx, user); err != nil {
			return err
		}
		var err error
		org, err = s.orgs.CreateWithOwner(ctx, user.ID, orgName, tenancy.DirectClient)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.issue(user, org)
}

func (s *Service) Login(ctx context.Context, req LoginRequest) (*AuthResult, error) {
	email := NormalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		return nil, apperr.Invalid("email and password are required")
	}
	user, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, ErrUserNotFound) {
		// unknown accounts take as long to reject as wrong passwords
		_ = s.verify("", req.Password)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := s.verify(user.PasswordHash, req.Password); err != nil {
		return nil, ErrInvalidCredentials
	}
	return s.issue(user, nil)
}

// InvitedSignup creates the user, redeems the invitation and creates the
// membership in one transaction.
func (s *Service) InvitedSignup(ctx context.Context, req InvitedSignupRequest) (*AuthResult, error) {
	if s.invitations == nil {
		return nil, errors.New("invited signup is not configured")
	}
	email, err := validateCredentials(req.Email, req.Password)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Token) == "" {
		return nil, apperr.Invalid("invitation token is required")
	}
	user, err := s.newUser(email, req.Password, req.FullName)
	if err != nil {
		return nil, err
	}

	var org *tenancy.Organization
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.users.Create(ctx, user); err != nil {
			return err
		}
		var err error
		org, err = s.invitations.RedeemForNewUser(ctx, req.Token, email, user.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.issue(user, org)
}

// Logout revokes the token until it would have expired anyway.
func (s *Service) Logout(ctx context.Context, claims *auth.Claims) error {
	if claims == nil || claims.ID == "" {
		return apperr.Invalid("token has no id")
	}
	expiresAt := time.Now().Add(s.issuer.TTL())
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return s.revocations.Revoke(ctx, claims.ID, expiresAt)
}

func (s *Service) Me(ctx context.Context, userID uuid.UUID) (*User, error) {
	return s.users.GetByID(ctx, userID)
}

func (s *Service) issue(user *User, org *tenancy.Organization) (*AuthResult, error) {
	token, claims, err := s.issuer.Issue(user.ID, user.Email)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	log.Debug().Str("user_id", user.ID.String()).Msg("token issued")
	return &AuthResult{Token: token, ExpiresAt: claims.ExpiresAt.Time, User: user, Organization: org}, nil
}
