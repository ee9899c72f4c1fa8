package dashboard

import "github.com/meddocs/meddocs/internal/domain/documents"

const recentDocumentsLimit = 5

// Stats summarizes an organization's documents. Pending documents count as
// processing.
type Stats struct {
	TotalDocuments      int                   `json:"total_documents"`
	CompletedDocuments  int                   `json:"completed_documents"`
	ProcessingDocuments int                   `json:"processing_documents"`
	FailedDocuments     int                   `json:"failed_documents"`
	TotalCertificates   int                   `json:"total_certificates"`
	RecentDocuments     []*documents.Document `json:"recent_documents"`
}

func emptyStats() *Stats {
	return &Stats{RecentDocuments: []*documents.Document{}}
}
