package dashboard

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/meddocs/meddocs/internal/domain/documents"
	"github.com/meddocs/meddocs/internal/domain/tenancy"
)

// RecentLister is satisfied by documents.DocumentRepository.
type RecentLister interface {
	ListByOrganization(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]*documents.Document, int, error)
}

type Service struct {
	stats StatsRepository
	docs  RecentLister
	authz *tenancy.Authorizer
}

func NewService(stats StatsRepository, docs RecentLister, authz *tenancy.Authorizer) *Service {
	return &Service{stats: stats, docs: docs, authz: authz}
}

// Stats returns empty statistics for the synthetic default tenant.
func (s *Service) Stats(ctx context.Context, callerID uuid.UUID, rawOrgID string) (*Stats, error) {
	if strings.TrimSpace(rawOrgID) == tenancy.DefaultOrganizationID {
		return emptyStats(), nil
	}
	orgID, err := tenancy.ParseOrganizationID(rawOrgID)
	if err != nil {
		return nil, err
	}
	if _, err := s.authz.RequireMember(ctx, callerID, orgID); err != nil {
		return nil, err
	}

	stats, err := s.stats.Counts(ctx, orgID)
	if err != nil {
		return nil, err
	}
	recent, _, err := s.docs.ListByOrganization(ctx, orgID, recentDocumentsLimit, 0)
	if err != nil {
		return nil, err
	}
	if recent != nil {
		stats.RecentDocuments = recent
	}
	return stats, nil
}
