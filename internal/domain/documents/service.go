package documents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/meddocs/meddocs/internal/domain/tenancy"
	"github.com/meddocs/meddocs/internal/platform/apperr"
	"github.com/meddocs/meddocs/internal/platform/blobstore"
	"github.com/meddocs/meddocs/internal/platform/db"
	"github.com/meddocs/meddocs/internal/platform/events"
	"github.com/meddocs/meddocs/internal/platform/processor"
)

const (
	refreshBatchSize = 100
	queryHistorySize = 50
)

// Processor is the subset of the processor client used here.
type Processor interface {
	Submit(ctx context.Context, req processor.SubmitRequest) (*processor.SubmitResult, error)
	Data(ctx context.Context, batchID string) (*processor.BatchData, error)
	Ask(ctx context.Context, batchID, question string) (*processor.Answer, error)
	Cleanup(ctx context.Context, batchID string) error
}

type UploadRecorder interface {
	UploadResult(err error)
}

// UploadFile is one file of a multipart upload. Open may be called more
// than once.
type UploadFile struct {
	Name        string
	ContentType string
	Size        int64
	Open        func() (io.ReadCloser, error)
}

type Options struct {
	// Concurrency caps how many files of one upload are handled at once.
	Concurrency int
	// ProcessingTimeout is how long a document may stay processing without
	// processor data before it is marked failed.
	ProcessingTimeout time.Duration
}

type Service struct {
	tx        db.TxManager
	docs      DocumentRepository
	certs     CertificateRepository
	queries   QueryRepository
	authz     *tenancy.Authorizer
	blobs     blobstore.BlobStore
	processor Processor
	events    *events.Emitter
	recorder  UploadRecorder
	opts      Options
	now       func() time.Time
}

func NewService(tx db.TxManager, docs DocumentRepository, certs CertificateRepository, queries QueryRepository,
	authz *tenancy.Authorizer, blobs blobstore.BlobStore, proc Processor, emitter *events.Emitter,
	rec UploadRecorder, opts Options) *Service {
	if opts.Concurrency < 1 {
		opts.Concurrency = 4
	}
	if opts.ProcessingTimeout <= 0 {
		opts.ProcessingTimeout = time.Hour
	}
	return &Service{
		tx:        tx,
		docs:      docs,
		certs:     certs,
		queries:   queries,
		authz:     authz,
		blobs:     blobs,
		processor: proc,
		events:    emitter,
		recorder:  rec,
		opts:      opts,
		now:       time.Now,
	}
}

// -- Upload --

// Upload stores, records and submits every file. Files are handled
// concurrently and independently; a failure in one does not stop the
// others. The returned result always lists every file; the error is the
// first failure in file order.
func (s *Service) Upload(ctx context.Context, callerID uuid.UUID, rawOrgID string, files []UploadFile) (*UploadResult, error) {
	orgID, err := tenancy.ParseOrganizationID(rawOrgID)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, ErrNoFiles
	}
	if _, err := s.authz.RequireMember(ctx, callerID, orgID); err != nil {
		return nil, err
	}

	result := &UploadResult{Files: make([]FileOutcome, len(files))}
	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for i, f := range files {
		g.Go(func() error {
			result.Files[i] = s.uploadOne(ctx, callerID, orgID, f)
			return nil
		})
	}
	_ = g.Wait()

	return result, result.Err()
}

func (s *Service) uploadOne(ctx context.Context, callerID, orgID uuid.UUID, f UploadFile) (out FileOutcome) {
	out.FileName = f.Name
	defer func() {
		if out.err != nil {
			out.Error = out.err.Error()
		}
		if s.recorder != nil {
			s.recorder.UploadResult(out.err)
		}
	}()

	id := uuid.New()
	key := BlobKey(orgID, id, f.Name)
	contentType := f.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	if err := s.putBlob(ctx, key, contentType, f); err != nil {
		out.err = fmt.Errorf("failed to upload file: %w", err)
		return out
	}

	doc := &Document{
		ID:             id,
		OrganizationID: orgID,
		Name:           f.Name,
		FilePath:       key,
		FileURL:        s.blobs.URL(key),
		FileType:       contentType,
		FileSize:       f.Size,
		Status:         StatusPending,
		UploadedBy:     &callerID,
	}
	if err := s.docs.Create(ctx, doc); err != nil {
		if derr := s.blobs.Delete(context.WithoutCancel(ctx), key); derr != nil {
			log.Warn().Err(derr).Str("key", key).Msg("failed to delete orphaned blob")
		}
		out.err = fmt.Errorf("failed to create document record: %w", err)
		return out
	}
	out.DocumentID = &id
	out.Status = StatusPending

	res, err := s.submit(ctx, doc, f)
	if err != nil {
		out.err = &ProcessorError{Op: "failed to queue document for processing", Err: err}
		if merr := s.docs.MarkFailed(context.WithoutCancel(ctx), id, err.Error()); merr != nil {
			log.Error().Err(merr).Str("document_id", id.String()).Msg("failed to mark document failed")
		}
		out.Status = StatusFailed
		return out
	}
	if err := s.docs.MarkProcessing(ctx, id, res.BatchID); err != nil {
		out.err = fmt.Errorf("failed to record processing batch: %w", err)
		bg := context.WithoutCancel(ctx)
		if merr := s.docs.MarkFailed(bg, id, "failed to record processing batch"); merr != nil {
			log.Error().Err(merr).Str("document_id", id.String()).Msg("failed to mark document failed")
		}
		s.releaseBatch(bg, res.BatchID)
		out.Status = StatusFailed
		return out
	}
	out.Status = StatusProcessing
	out.BatchID = res.BatchID

	s.events.Emit(ctx, events.DocumentUploaded, orgID, map[string]interface{}{
		"documentId": id,
		"batchId":    res.BatchID,
		"name":       f.Name,
	})
	return out
}

func (s *Service) putBlob(ctx context.Context, key, contentType string, f UploadFile) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = s.blobs.Put(ctx, key, contentType, rc, f.Size)
	return err
}

func (s *Service) submit(ctx context.Context, doc *Document, f UploadFile) (*processor.SubmitResult, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	res, err := s.processor.Submit(ctx, processor.SubmitRequest{
		DocumentID:     doc.ID,
		OrganizationID: doc.OrganizationID,
		FileName:       doc.Name,
		ContentType:    doc.FileType,
		FileURL:        doc.FileURL,
		Content:        rc,
	})
	if err != nil {
		return nil, err
	}
	if res.Failed() {
		if res.Error != "" {
			return nil, errors.New(res.Error)
		}
		return nil, errors.New("processing failed")
	}
	return res, nil
}

// -- Read --

func (s *Service) List(ctx context.Context, callerID uuid.UUID, rawOrgID string, limit, offset int) ([]*Document, int, error) {
	orgID, err := tenancy.ParseOrganizationID(rawOrgID)
	if err != nil {
		return nil, 0, err
	}
	if _, err := s.authz.RequireMember(ctx, callerID, orgID); err != nil {
		return nil, 0, err
	}
	docs, total, err := s.docs.ListByOrganization(ctx, orgID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	if docs == nil {
		docs = []*Document{}
	}
	return docs, total, nil
}

// authorized loads a document and checks the caller belongs to its
// organization.
func (s *Service) authorized(ctx context.Context, callerID, docID uuid.UUID) (*Document, error) {
	doc, err := s.docs.GetByID(ctx, docID)
	if err != nil {
		return nil, err
	}
	if _, err := s.authz.RequireMember(ctx, callerID, doc.OrganizationID); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Service) Get(ctx context.Context, callerID, docID uuid.UUID) (*Document, error) {
	doc, err := s.authorized(ctx, callerID, docID)
	if err != nil {
		return nil, err
	}
	certs, err := s.certs.ListByDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	if certs == nil {
		certs = []*Certificate{}
	}
	doc.Certificates = certs
	doc.CertificateCount = len(certs)
	doc.HasCertificates = len(certs) > 0
	return doc, nil
}

// Data relays the processor's extraction result with the document URL
// added.
func (s *Service) Data(ctx context.Context, callerID, docID uuid.UUID) (map[string]interface{}, error) {
	doc, err := s.authorized(ctx, callerID, docID)
	if err != nil {
		return nil, err
	}
	batchID := doc.BatchID()
	if batchID == "" {
		return nil, ErrNotProcessed
	}
	data, err := s.processor.Data(ctx, batchID)
	if errors.Is(err, processor.ErrBatchNotFound) {
		return nil, ErrDataNotFound
	}
	if err != nil {
		return nil, &ProcessorError{Op: "failed to get document data", Err: err}
	}

	out := make(map[string]interface{}, len(data.Raw)+1)
	for k, v := range data.Raw {
		out[k] = v
	}
	out["documentUrl"] = doc.FileURL
	return out, nil
}

// File opens the stored blob. The caller closes the reader.
func (s *Service) File(ctx context.Context, callerID, docID uuid.UUID) (io.ReadCloser, *Document, error) {
	doc, err := s.authorized(ctx, callerID, docID)
	if err != nil {
		return nil, nil, err
	}
	rc, _, err := s.blobs.Get(ctx, doc.FilePath)
	if errors.Is(err, blobstore.ErrBlobNotFound) {
		return nil, nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	return rc, doc, nil
}

// -- Q&A --

type QueryRequest struct {
	DocumentID string `json:"documentId"`
	Question   string `json:"question"`
}

func (s *Service) Ask(ctx context.Context, callerID uuid.UUID, req QueryRequest) (*processor.Answer, error) {
	question := strings.TrimSpace(req.Question)
	if req.DocumentID == "" || question == "" {
		return nil, apperr.Invalid("Document ID and question are required")
	}
	docID, err := uuid.Parse(req.DocumentID)
	if err != nil {
		return nil, apperr.Invalid("invalid document ID")
	}
	doc, err := s.authorized(ctx, callerID, docID)
	if err != nil {
		return nil, err
	}
	batchID := doc.BatchID()
	if batchID == "" {
		return nil, ErrNotProcessed
	}

	ans, err := s.processor.Ask(ctx, batchID, question)
	if err != nil {
		return nil, &ProcessorError{Op: "failed to query document", Err: err}
	}

	raw, err := json.Marshal(ans)
	if err == nil {
		err = s.queries.Create(ctx, &Query{DocumentID: docID, UserID: &callerID, Question: question, Answer: raw})
	}
	if err != nil {
		log.Warn().Err(err).Str("document_id", docID.String()).Msg("failed to log document query")
	}
	return ans, nil
}

func (s *Service) Queries(ctx context.Context, callerID, docID uuid.UUID) ([]*Query, error) {
	if _, err := s.authorized(ctx, callerID, docID); err != nil {
		return nil, err
	}
	qs, err := s.queries.ListByDocument(ctx, docID, queryHistorySize)
	if err != nil {
		return nil, err
	}
	if qs == nil {
		qs = []*Query{}
	}
	return qs, nil
}

// -- Processing refresh --

// RefreshProcessing polls the processor for every document still in
// processing and records the outcome. Per-document errors are joined.
func (s *Service) RefreshProcessing(ctx context.Context) error {
	docs, err := s.docs.ListProcessing(ctx, refreshBatchSize)
	if err != nil {
		return fmt.Errorf("list processing documents: %w", err)
	}
	var errs []error
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.refreshOne(ctx, doc); err != nil {
			errs = append(errs, fmt.Errorf("document %s: %w", doc.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) refreshOne(ctx context.Context, doc *Document) error {
	batchID := doc.BatchID()
	if batchID == "" {
		return s.fail(ctx, doc, "missing processing batch")
	}

	data, err := s.processor.Data(ctx, batchID)
	switch {
	case errors.Is(err, processor.ErrBatchNotFound):
		if s.now().Sub(doc.UpdatedAt) > s.opts.ProcessingTimeout {
			return s.fail(ctx, doc, "processing timed out")
		}
		return nil
	case errors.Is(err, processor.ErrProcessingFailed):
		if err := s.fail(ctx, doc, err.Error()); err != nil {
			return err
		}
		s.releaseBatch(ctx, batchID)
		return nil
	case err != nil:
		return err
	}

	entries, err := certificateData(data)
	if err != nil {
		return err
	}
	completed := false
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		ok, err := s.docs.MarkCompleted(ctx, doc.ID)
		if err != nil || !ok {
			return err
		}
		completed = true
		return s.certs.CreateBatch(ctx, doc.ID, entries)
	})
	if err != nil {
		return err
	}
	if completed {
		s.events.Emit(ctx, events.DocumentProcessed, doc.OrganizationID, map[string]interface{}{
			"documentId":   doc.ID,
			"batchId":      batchID,
			"certificates": len(entries),
		})
	}
	return nil
}

func (s *Service) fail(ctx context.Context, doc *Document, reason string) error {
	if err := s.docs.MarkFailed(ctx, doc.ID, reason); err != nil {
		return err
	}
	s.events.Emit(ctx, events.DocumentFailed, doc.OrganizationID, map[string]interface{}{
		"documentId": doc.ID,
		"reason":     reason,
	})
	return nil
}

// releaseBatch frees a failed batch on the processor. Errors are logged only.
func (s *Service) releaseBatch(ctx context.Context, batchID string) {
	if err := s.processor.Cleanup(ctx, batchID); err != nil && !errors.Is(err, processor.ErrBatchNotFound) {
		log.Warn().Err(err).Str("batch_id", batchID).Msg("failed to clean up processor batch")
	}
}

type certificateEntry struct {
	FileName string          `json:"filename"`
	BatchID  string          `json:"batch_id"`
	Evidence json.RawMessage `json:"evidence"`
}

// certificateData produces one certificate per evidence entry, ordered by
// file name.
func certificateData(data *processor.BatchData) ([]json.RawMessage, error) {
	names := make([]string, 0, len(data.Evidence))
	for name := range data.Evidence {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]json.RawMessage, 0, len(names))
	for _, name := range names {
		raw, err := json.Marshal(certificateEntry{FileName: name, BatchID: data.BatchID, Evidence: data.Evidence[name]})
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}
