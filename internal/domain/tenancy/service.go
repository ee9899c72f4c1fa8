package tenancy

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/meddocs/meddocs/internal/platform/apperr"
	"github.com/meddocs/meddocs/internal/platform/db"
)

type Service struct {
	tx          db.TxManager
	orgs        OrganizationRepository
	memberships MembershipRepository
	users       UserMetadataRepository
	authz       *Authorizer
	roles       *RoleCatalog
	resolver    *Resolver
}

func NewService(tx db.TxManager, orgs OrganizationRepository, memberships MembershipRepository,
	users UserMetadataRepository, roles *RoleCatalog, resolver *Resolver) *Service {
	return &Service{
		tx:          tx,
		orgs:        orgs,
		memberships: memberships,
		users:       users,
		authz:       NewAuthorizer(orgs, memberships, roles),
		roles:       roles,
		resolver:    resolver,
	}
}

func (s *Service) Authorizer() *Authorizer { return s.authz }

func (s *Service) Resolver() *Resolver { return s.resolver }

func (s *Service) Roles() *RoleCatalog { return s.roles }

// CreateWithOwner creates an organization and makes ownerID its owner. It
// joins the caller's transaction when there is one.
func (s *Service) CreateWithOwner(ctx context.Context, ownerID uuid.UUID, name string, typ OrganizationType) (*Organization, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.Invalid("organization name is required")
	}
	if typ == "" {
		typ = DirectClient
	}
	if !typ.Valid() {
		return nil, apperr.Invalid("organization type must be %q or %q", DirectClient, ServiceProvider)
	}

	org := &Organization{Name: name, Type: typ, CreatedBy: &ownerID}
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.orgs.Create(ctx, org); err != nil {
			return err
		}
		if err := s.memberships.Create(ctx, &Membership{
			UserID:         ownerID,
			OrganizationID: org.ID,
			RoleID:         RoleOwner,
		}); err != nil {
			return err
		}
		return s.users.SetActiveTenant(ctx, ownerID, org.ID, RoleOwner)
	})
	if err != nil {
		return nil, err
	}
	return org, nil
}

func (s *Service) GetOrganization(ctx context.Context, userID, orgID uuid.UUID) (*Organization, error) {
	acc, err := s.authz.RequireMember(ctx, userID, orgID)
	if err != nil {
		return nil, err
	}
	return acc.Organization, nil
}

// ParseOrganizationID parses a client-supplied organization id.
func ParseOrganizationID(raw string) (uuid.UUID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return uuid.Nil, apperr.Invalid("organization ID is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperr.Invalid("invalid organization ID")
	}
	return id, nil
}
