package documents

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Metadata keys written by the upload and refresh flows.
const (
	metaBatchID = "batch_id"
	metaError   = "error"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrNotProcessed     = errors.New("document has not been processed yet")
	ErrDataNotFound     = errors.New("processed data not found for this document")
	ErrNoFiles          = errors.New("no files were uploaded")
)

// ProcessorError marks failures caused by the document processor. They are
// reported as 502.
type ProcessorError struct {
	Op  string
	Err error
}

func (e *ProcessorError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ProcessorError) Unwrap() error { return e.Err }

func IsProcessorError(err error) bool {
	var pe *ProcessorError
	return errors.As(err, &pe)
}

type Document struct {
	ID               uuid.UUID              `json:"id"`
	OrganizationID   uuid.UUID              `json:"organization_id"`
	Name             string                 `json:"name"`
	FilePath         string                 `json:"file_path"`
	FileURL          string                 `json:"file_url"`
	FileType         string                 `json:"file_type"`
	FileSize         int64                  `json:"file_size"`
	Status           Status                 `json:"status"`
	Metadata         map[string]interface{} `json:"metadata"`
	UploadedBy       *uuid.UUID             `json:"uploaded_by,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
	CertificateCount int                    `json:"certificate_count"`
	HasCertificates  bool                   `json:"has_certificates"`
	Certificates     []*Certificate         `json:"certificates,omitempty"`
}

// BatchID returns the processor batch handle, or "" before a successful
// submission.
func (d *Document) BatchID() string {
	if d.Metadata == nil {
		return ""
	}
	s, _ := d.Metadata[metaBatchID].(string)
	return s
}

type Certificate struct {
	ID         uuid.UUID       `json:"id"`
	DocumentID uuid.UUID       `json:"document_id"`
	Data       json.RawMessage `json:"data"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Query is one logged question about a document.
type Query struct {
	ID         uuid.UUID       `json:"id"`
	DocumentID uuid.UUID       `json:"document_id"`
	UserID     *uuid.UUID      `json:"user_id,omitempty"`
	Question   string          `json:"question"`
	Answer     json.RawMessage `json:"answer"`
	CreatedAt  time.Time       `json:"created_at"`
}

// BlobKey is the object storage path of a document. Files without an
// extension are stored under the bare id.
func BlobKey(orgID, docID uuid.UUID, fileName string) string {
	key := "organizations/" + orgID.String() + "/documents/" + docID.String()
	if ext := strings.ToLower(strings.TrimPrefix(path.Ext(fileName), ".")); ext != "" {
		key += "." + ext
	}
	return key
}

// FileOutcome reports what happened to one file of an upload.
type FileOutcome struct {
	FileName   string     `json:"fileName"`
	DocumentID *uuid.UUID `json:"documentId,omitempty"`
	Status     Status     `json:"status,omitempty"`
	BatchID    string     `json:"batchId,omitempty"`
	Error      string     `json:"error,omitempty"`

	err error
}

type UploadResult struct {
	Files []FileOutcome
}

// DocumentIDs lists the documents that reached the processor.
func (r *UploadResult) DocumentIDs() []uuid.UUID {
	ids := []uuid.UUID{}
	for _, f := range r.Files {
		if f.err == nil && f.DocumentID != nil {
			ids = append(ids, *f.DocumentID)
		}
	}
	return ids
}

// Err returns the first failure in file order.
func (r *UploadResult) Err() error {
	for _, f := range r.Files {
		if f.err != nil {
			return f.err
		}
	}
	return nil
}
