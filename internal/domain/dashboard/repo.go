package dashboard

import (
	"context"

	"github.com/google/uuid"
)

// StatsRepository computes the counters of Stats; RecentDocuments is left
// empty.
type StatsRepository interface {
	Counts(ctx context.Context, orgID uuid.UUID) (*Stats, error)
}
