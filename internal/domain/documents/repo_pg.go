package documents

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meddocs/meddocs/internal/platform/db"
)

// -- Document Repository --

type docRepoPG struct {
	pool *pgxpool.Pool
}

func NewDocumentRepo(pool *pgxpool.Pool) DocumentRepository {
	return &docRepoPG{pool: pool}
}

func (r *docRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const docCols = `d.id, d.organization_id, d.name, d.file_path, d.file_url, d.file_type, d.file_size,
	d.status, d.metadata, d.uploaded_by, d.created_at, d.updated_at`

const certCountCol = `(SELECT COUNT(*) FROM certificates c WHERE c.document_id = d.id)`

func scanDocument(row pgx.Row, withCount bool) (*Document, error) {
	var (
		d    Document
		meta []byte
	)
	dest := []interface{}{&d.ID, &d.OrganizationID, &d.Name, &d.FilePath, &d.FileURL, &d.FileType, &d.FileSize,
		&d.Status, &meta, &d.UploadedBy, &d.CreatedAt, &d.UpdatedAt}
	if withCount {
		dest = append(dest, &d.CertificateCount)
	}
	if err := row.Scan(dest...); err != nil {
		if db.IsNoRows(err) {
			return nil, ErrDocumentNotFound
		}
		return nil, err
	}
	d.Metadata = map[string]interface{}{}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &d.Metadata); err != nil {
			return nil, err
		}
	}
	d.HasCertificates = d.CertificateCount > 0
	return &d, nil
}

func (r *docRepoPG) Create(ctx context.Context, d *Document) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Metadata == nil {
		d.Metadata = map[string]interface{}{}
	}
	meta, err := json.Marshal(d.Metadata)
	if err != nil {
		return err
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO documents (id, organization_id, name, file_path, file_url, file_type, file_size,
			status, metadata, uploaded_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at`,
		d.ID, d.OrganizationID, d.Name, d.FilePath, d.FileURL, d.FileType, d.FileSize,
		d.Status, meta, d.UploadedBy,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
}

func (r *docRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Document, error) {
	return scanDocument(r.conn(ctx).QueryRow(ctx,
		`SELECT `+docCols+`, `+certCountCol+` FROM documents d WHERE d.id = $1`, id), true)
}

func (r *docRepoPG) ListByOrganization(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]*Document, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM documents WHERE organization_id = $1`, orgID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+docCols+`, `+certCountCol+`
		FROM documents d WHERE d.organization_id = $1
		ORDER BY d.created_at DESC LIMIT $2 OFFSET $3`, orgID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		d, err := scanDocument(rows, true)
		if err != nil {
			return nil, 0, err
		}
		docs = append(docs, d)
	}
	return docs, total, rows.Err()
}

func (r *docRepoPG) ListProcessing(ctx context.Context, limit int) ([]*Document, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+docCols+`
		FROM documents d WHERE d.status = 'processing'
		ORDER BY d.updated_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		d, err := scanDocument(rows, false)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (r *docRepoPG) setStatus(ctx context.Context, id uuid.UUID, status Status, patch map[string]interface{}) error {
	raw, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE documents SET status = $2, metadata = metadata || $3::jsonb, updated_at = NOW()
		WHERE id = $1`, id, status, raw)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

func (r *docRepoPG) MarkProcessing(ctx context.Context, id uuid.UUID, batchID string) error {
	return r.setStatus(ctx, id, StatusProcessing, map[string]interface{}{metaBatchID: batchID})
}

func (r *docRepoPG) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return r.setStatus(ctx, id, StatusFailed, map[string]interface{}{metaError: reason})
}

func (r *docRepoPG) MarkCompleted(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE documents SET status = 'completed', updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// -- Certificate Repository --

type certRepoPG struct {
	pool *pgxpool.Pool
}

func NewCertificateRepo(pool *pgxpool.Pool) CertificateRepository {
	return &certRepoPG{pool: pool}
}

func (r *certRepoPG) CreateBatch(ctx context.Context, documentID uuid.UUID, data []json.RawMessage) error {
	if len(data) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, d := range data {
		batch.Queue(`INSERT INTO certificates (id, document_id, data) VALUES ($1, $2, $3)`,
			uuid.New(), documentID, []byte(d))
	}
	return db.Conn(ctx, r.pool).SendBatch(ctx, batch).Close()
}

func (r *certRepoPG) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*Certificate, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, document_id, data, created_at FROM certificates
		WHERE document_id = $1 ORDER BY created_at, id`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Certificate
	for rows.Next() {
		var (
			c   Certificate
			raw []byte
		)
		if err := rows.Scan(&c.ID, &c.DocumentID, &raw, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Data = raw
		out = append(out, &c)
	}
	return out, rows.Err()
}

// -- Query Repository --

type queryRepoPG struct {
	pool *pgxpool.Pool
}

func NewQueryRepo(pool *pgxpool.Pool) QueryRepository {
	return &queryRepoPG{pool: pool}
}

func (r *queryRepoPG) Create(ctx context.Context, q *Query) error {
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO document_queries (id, document_id, user_id, question, answer)
		VALUES ($1, $2, $3, $4, $5) RETURNING created_at`,
		q.ID, q.DocumentID, q.UserID, q.Question, []byte(q.Answer),
	).Scan(&q.CreatedAt)
}

func (r *queryRepoPG) ListByDocument(ctx context.Context, documentID uuid.UUID, limit int) ([]*Query, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, document_id, user_id, question, answer, created_at FROM document_queries
		WHERE document_id = $1 ORDER BY created_at DESC LIMIT $2`, documentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Query
	for rows.Next() {
		var (
			q   Query
			raw []byte
		)
		if err := rows.Scan(&q.ID, &q.DocumentID, &q.UserID, &q.Question, &raw, &q.CreatedAt); err != nil {
			return nil, err
		}
		q.Answer = raw
		out = append(out, &q)
	}
	return out, rows.Err()
}
