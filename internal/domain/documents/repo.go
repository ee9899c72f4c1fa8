package documents

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

type DocumentRepository interface {
	Create(ctx context.Context, d *Document) error
	// GetByID includes the certificate count.
	GetByID(ctx context.Context, id uuid.UUID) (*Document, error)
	// ListByOrganization orders by created_at descending and returns the
	// total count of the organization's documents.
	ListByOrganization(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]*Document, int, error)
	// ListProcessing returns up to limit documents in status processing,
	// oldest first.
	ListProcessing(ctx context.Context, limit int) ([]*Document, error)
	MarkProcessing(ctx context.Context, id uuid.UUID, batchID string) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	// MarkCompleted reports false when the document was no longer processing.
	MarkCompleted(ctx context.Context, id uuid.UUID) (bool, error)
}

type CertificateRepository interface {
	CreateBatch(ctx context.Context, documentID uuid.UUID, data []json.RawMessage) error
	ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*Certificate, error)
}

type QueryRepository interface {
	Create(ctx context.Context, q *Query) error
	ListByDocument(ctx context.Context, documentID uuid.UUID, limit int) ([]*Query, error)
}
