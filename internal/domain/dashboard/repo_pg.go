package dashboard

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meddocs/meddocs/internal/platform/db"
)

type statsRepoPG struct {
	pool *pgxpool.Pool
}

func NewStatsRepo(pool *pgxpool.Pool) StatsRepository {
	return &statsRepoPG{pool: pool}
}

func (r *statsRepoPG) Counts(ctx context.Context, orgID uuid.UUID) (*Stats, error) {
	s := emptyStats()
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status IN ('processing', 'pending')),
			COUNT(*) FILTER (WHERE status = 'failed'),
			(SELECT COUNT(*) FROM certificates c
				JOIN documents d ON d.id = c.document_id
				WHERE d.organization_id = $1)
		FROM documents WHERE organization_id = $1`, orgID,
	).Scan(&s.TotalDocuments, &s.CompletedDocuments, &s.ProcessingDocuments, &s.FailedDocuments, &s.TotalCertificates)
	if err != nil {
		return nil, err
	}
	return s, nil
}
