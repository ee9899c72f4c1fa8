package documents

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meddocs/meddocs/internal/domain/tenancy"
	"github.com/meddocs/meddocs/internal/platform/apperr"
	"github.com/meddocs/meddocs/internal/platform/blobstore"
	"github.com/meddocs/meddocs/internal/platform/db"
	"github.com/meddocs/meddocs/internal/platform/events"
	"github.com/meddocs/meddocs/internal/platform/processor"
)

// -- Mock Repositories --

type mockDocRepo struct {
	mu            sync.Mutex
	docs          map[uuid.UUID]*Document
	certs         *mockCertRepo
	createErr     error
	processingErr error
	seq           time.Time
}

func newMockDocRepo(certs *mockCertRepo) *mockDocRepo {
	return &mockDocRepo{docs: make(map[uuid.UUID]*Document), certs: certs, seq: time.Now().Add(-time.Hour)}
}

func (m *mockDocRepo) Create(_ context.Context, d *Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if d.Metadata == nil {
		d.Metadata = map[string]interface{}{}
	}
	m.seq = m.seq.Add(time.Second)
	d.CreatedAt, d.UpdatedAt = m.seq, m.seq
	cp := *d
	m.docs[d.ID] = &cp
	return nil
}

func (m *mockDocRepo) withCount(d *Document) *Document {
	cp := *d
	cp.Metadata = make(map[string]interface{}, len(d.Metadata))
	for k, v := range d.Metadata {
		cp.Metadata[k] = v
	}
	cp.CertificateCount = m.certs.count(d.ID)
	cp.HasCertificates = cp.CertificateCount > 0
	return &cp
}

func (m *mockDocRepo) GetByID(_ context.Context, id uuid.UUID) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	return m.withCount(d), nil
}

func (m *mockDocRepo) ListByOrganization(_ context.Context, orgID uuid.UUID, limit, offset int) ([]*Document, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Document
	for _, d := range m.docs {
		if d.OrganizationID == orgID {
			all = append(all, m.withCount(d))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *mockDocRepo) ListProcessing(_ context.Context, limit int) ([]*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Document
	for _, d := range m.docs {
		if d.Status == StatusProcessing {
			out = append(out, m.withCount(d))
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockDocRepo) set(id uuid.UUID, status Status, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return ErrDocumentNotFound
	}
	d.Status = status
	if key != "" {
		d.Metadata[key] = value
	}
	return nil
}

func (m *mockDocRepo) MarkProcessing(_ context.Context, id uuid.UUID, batchID string) error {
	if m.processingErr != nil {
		return m.processingErr
	}
	return m.set(id, StatusProcessing, metaBatchID, batchID)
}

func (m *mockDocRepo) MarkFailed(_ context.Context, id uuid.UUID, reason string) error {
	return m.set(id, StatusFailed, metaError, reason)
}

func (m *mockDocRepo) MarkCompleted(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok || d.Status != StatusProcessing {
		return false, nil
	}
	d.Status = StatusCompleted
	return true, nil
}

func (m *mockDocRepo) status(id uuid.UUID) (Status, map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.docs[id]
	return d.Status, d.Metadata
}

type mockCertRepo struct {
	mu    sync.Mutex
	certs []*Certificate
}

func (m *mockCertRepo) count(docID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.certs {
		if c.DocumentID == docID {
			n++
		}
	}
	return n
}

func (m *mockCertRepo) CreateBatch(_ context.Context, docID uuid.UUID, data []json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range data {
		m.certs = append(m.certs, &Certificate{ID: uuid.New(), DocumentID: docID, Data: d, CreatedAt: time.Now()})
	}
	return nil
}

func (m *mockCertRepo) ListByDocument(_ context.Context, docID uuid.UUID) ([]*Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Certificate
	for _, c := range m.certs {
		if c.DocumentID == docID {
			out = append(out, c)
		}
	}
	return out, nil
}

type mockQueryRepo struct {
	mu      sync.Mutex
	queries []*Query
	err     error
}

func (m *mockQueryRepo) Create(_ context.Context, q *Query) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	q.ID = uuid.New()
	q.CreatedAt = time.Now()
	m.queries = append(m.queries, q)
	return nil
}

func (m *mockQueryRepo) ListByDocument(_ context.Context, docID uuid.UUID, limit int) ([]*Query, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Query
	for i := len(m.queries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.queries[i].DocumentID == docID {
			out = append(out, m.queries[i])
		}
	}
	return out, nil
}

// -- Tenancy mocks --

type mockOrgRepo struct {
	orgs map[uuid.UUID]*tenancy.Organization
}

func (m *mockOrgRepo) Create(_ context.Context, org *tenancy.Organization) error {
	m.orgs[org.ID] = org
	return nil
}

func (m *mockOrgRepo) GetByID(_ context.Context, id uuid.UUID) (*tenancy.Organization, error) {
	org, ok := m.orgs[id]
	if !ok {
		return nil, tenancy.ErrOrganizationNotFound
	}
	return org, nil
}

type mockMembershipRepo struct {
	items map[[2]uuid.UUID]*tenancy.Membership
}

func (m *mockMembershipRepo) Create(_ context.Context, mem *tenancy.Membership) error {
	m.items[[2]uuid.UUID{mem.UserID, mem.OrganizationID}] = mem
	return nil
}

func (m *mockMembershipRepo) Get(_ context.Context, userID, orgID uuid.UUID) (*tenancy.Membership, error) {
	mem, ok := m.items[[2]uuid.UUID{userID, orgID}]
	if !ok {
		return nil, tenancy.ErrMembershipNotFound
	}
	return mem, nil
}

func (m *mockMembershipRepo) ListForUser(context.Context, uuid.UUID) ([]tenancy.MembershipRow, error) {
	return nil, nil
}

type mockRoleRepo struct{}

func (mockRoleRepo) List(context.Context) ([]*tenancy.Role, error) { return nil, nil }

func (mockRoleRepo) GetByID(context.Context, string) (*tenancy.Role, error) {
	return nil, tenancy.ErrRoleNotFound
}

// -- Processor fake --

type fakeProcessor struct {
	mu        sync.Mutex
	submitted []processor.SubmitRequest
	contents  []string
	// failNames makes Submit return an error for these file names.
	failNames map[string]error
	// failedStatus makes Submit report status "failed" for these names.
	failedStatus map[string]bool
	data         map[string]*processor.BatchData
	dataErr      map[string]error
	answer       *processor.Answer
	askErr       error
	cleaned      []string
	delay        time.Duration
	inFlight     atomic.Int32
	maxInFlight  atomic.Int32
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{
		failNames:    map[string]error{},
		failedStatus: map[string]bool{},
		data:         map[string]*processor.BatchData{},
		dataErr:      map[string]error{},
	}
}

func (p *fakeProcessor) Submit(ctx context.Context, req processor.SubmitRequest) (*processor.SubmitResult, error) {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		peak := p.maxInFlight.Load()
		if n <= peak || p.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}

	body, _ := io.ReadAll(req.Content)
	p.mu.Lock()
	p.submitted = append(p.submitted, req)
	p.contents = append(p.contents, string(body))
	p.mu.Unlock()

	if err, ok := p.failNames[req.FileName]; ok {
		return nil, err
	}
	if p.failedStatus[req.FileName] {
		return &processor.SubmitResult{BatchID: "b-" + req.FileName, Status: "failed", Error: "unreadable scan"}, nil
	}
	return &processor.SubmitResult{BatchID: "b-" + req.FileName, Status: "completed", DocumentCount: 1}, nil
}

func (p *fakeProcessor) Data(_ context.Context, batchID string) (*processor.BatchData, error) {
	if err, ok := p.dataErr[batchID]; ok {
		return nil, err
	}
	d, ok := p.data[batchID]
	if !ok {
		return nil, processor.ErrBatchNotFound
	}
	return d, nil
}

func (p *fakeProcessor) Ask(_ context.Context, _ string, _ string) (*processor.Answer, error) {
	if p.askErr != nil {
		return nil, p.askErr
	}
	return p.answer, nil
}

func (p *fakeProcessor) Cleanup(_ context.Context, batchID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleaned = append(p.cleaned, batchID)
	return nil
}

type countingRecorder struct {
	ok, failed atomic.Int32
}

func (r *countingRecorder) UploadResult(err error) {
	if err != nil {
		r.failed.Add(1)
		return
	}
	r.ok.Add(1)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

// -- Test environment --

type testEnv struct {
	svc       *Service
	docs      *mockDocRepo
	certs     *mockCertRepo
	queries   *mockQueryRepo
	blobs     *blobstore.InMemoryBlobStore
	proc      *fakeProcessor
	recorder  *countingRecorder
	publisher *recordingPublisher
	orgs      *mockOrgRepo
	mems      *mockMembershipRepo
}

func newTestEnv() *testEnv {
	certs := &mockCertRepo{}
	docs := newMockDocRepo(certs)
	queries := &mockQueryRepo{}
	orgs := &mockOrgRepo{orgs: map[uuid.UUID]*tenancy.Organization{}}
	mems := &mockMembershipRepo{items: map[[2]uuid.UUID]*tenancy.Membership{}}
	authz := tenancy.NewAuthorizer(orgs, mems, tenancy.NewRoleCatalog(mockRoleRepo{}))
	blobs := blobstore.NewInMemoryBlobStore("http://files.local")
	proc := newFakeProcessor()
	rec := &countingRecorder{}
	pub := &recordingPublisher{}

	svc := NewService(db.NopTxManager{}, docs, certs, queries, authz, blobs, proc,
		events.NewEmitter(pub, nil, zerolog.Nop()), rec,
		Options{Concurrency: 2, ProcessingTimeout: time.Hour})
	return &testEnv{
		svc: svc, docs: docs, certs: certs, queries: queries, blobs: blobs,
		proc: proc, recorder: rec, publisher: pub, orgs: orgs, mems: mems,
	}
}

// member creates an organization with one member and returns both ids.
func (e *testEnv) member(t *testing.T) (orgID, userID uuid.UUID) {
	t.Helper()
	orgID, userID = uuid.New(), uuid.New()
	_ = e.orgs.Create(context.Background(), &tenancy.Organization{ID: orgID, Name: "Acme", Type: tenancy.DirectClient})
	_ = e.mems.Create(context.Background(), &tenancy.Membership{ID: uuid.New(), UserID: userID, OrganizationID: orgID, RoleID: "nurse"})
	return orgID, userID
}

// addDocument stores a document directly.
func (e *testEnv) addDocument(t *testing.T, orgID uuid.UUID, status Status, batchID string) *Document {
	t.Helper()
	d := &Document{
		ID:             uuid.New(),
		OrganizationID: orgID,
		Name:           "scan.pdf",
		FilePath:       "organizations/" + orgID.String() + "/documents/x.pdf",
		FileURL:        "http://files.local/x.pdf",
		FileType:       "application/pdf",
		Status:         status,
		Metadata:       map[string]interface{}{},
	}
	if batchID != "" {
		d.Metadata[metaBatchID] = batchID
	}
	if err := e.docs.Create(context.Background(), d); err != nil {
		t.Fatalf("create document: %v", err)
	}
	return d
}

func textFile(name, body string) UploadFile {
	return UploadFile{
		Name:        name,
		ContentType: "application/pdf",
		Size:        int64(len(body)),
		Open:        func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader(body)), nil },
	}
}

// -- Upload Tests --

func TestService_Upload(t *testing.T) {
	env := newTestEnv()
	orgID, userID := env.member(t)

	res, err := env.svc.Upload(context.Background(), userID, orgID.String(), []UploadFile{
		textFile("a.PDF", "first"),
		textFile("b.png", "second"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Files) != 2 || len(res.DocumentIDs()) != 2 {
		t.Fatalf("expected two uploaded files, got %+v", res.Files)
	}

	for i, f := range res.Files {
		if f.Status != StatusProcessing || f.BatchID == "" || f.Error != "" {
			t.Errorf("file %d: unexpected outcome %+v", i, f)
		}
		doc, err := env.docs.GetByID(context.Background(), *f.DocumentID)
		if err != nil {
			t.Fatalf("document not stored: %v", err)
		}
		if doc.Status != StatusProcessing || doc.BatchID() != f.BatchID {
			t.Errorf("unexpected stored document %+v", doc)
		}
		if _, err := env.blobs.Stat(context.Background(), doc.FilePath); err != nil {
			t.Errorf("expected blob at %s: %v", doc.FilePath, err)
		}
		if doc.FileURL != "http://files.local/"+doc.FilePath {
			t.Errorf("unexpected file url %q", doc.FileURL)
		}
	}
	first, _ := env.docs.GetByID(context.Background(), *res.Files[0].DocumentID)
	want := "organizations/" + orgID.String() + "/documents/" + first.ID.String() + ".pdf"
	if first.FilePath != want {
		t.Errorf("expected blob key %q, got %q", want, first.FilePath)
	}

	if env.recorder.ok.Load() != 2 {
		t.Errorf("expected 2 successful upload metrics, got %d", env.recorder.ok.Load())
	}
	if env.publisher.count(events.DocumentUploaded) != 2 {
		t.Errorf("expected 2 document.uploaded events, got %d", env.publisher.count(events.DocumentUploaded))
	}
	if len(env.proc.contents) != 2 {
		t.Fatalf("expected two submissions, got %d", len(env.proc.contents))
	}
	for _, c := range env.proc.contents {
		if c != "first" && c != "second" {
			t.Errorf("processor received unexpected content %q", c)
		}
	}
}

func TestService_Upload_PartialFailure(t *testing.T) {
	env := newTestEnv()
	orgID, userID := env.member(t)
	env.proc.failNames["bad.pdf"] = errors.New("processor unavailable")

	res, err := env.svc.Upload(context.Background(), userID, orgID.String(), []UploadFile{
		textFile("good.pdf", "ok"),
		textFile("bad.pdf", "nope"),
		textFile("also-good.pdf", "ok"),
	})
	if err == nil {
		t.Fatal("a batch with a failed file must not succeed")
	}
	if !IsProcessorError(err) {
		t.Errorf("expected processor error, got %v", err)
	}
	if !strings.Contains(err.Error(), "processor unavailable") {
		t.Errorf("expected the first failure message, got %q", err.Error())
	}
	if res == nil || len(res.Files) != 3 {
		t.Fatalf("expected outcomes for every file, got %+v", res)
	}

	bad := res.Files[1]
	if bad.Status != StatusFailed || bad.Error == "" || bad.DocumentID == nil {
		t.Fatalf("unexpected outcome for failed file %+v", bad)
	}
	status, meta := env.docs.status(*bad.DocumentID)
	if status != StatusFailed {
		t.Errorf("expected failed document, got %s", status)
	}
	if meta[metaError] != "processor unavailable" {
		t.Errorf("expected error in metadata, got %v", meta)
	}
	for _, i := range []int{0, 2} {
		if res.Files[i].Status != StatusProcessing {
			t.Errorf("sibling %d should still be processed, got %+v", i, res.Files[i])
		}
	}
	if len(res.DocumentIDs()) != 2 {
		t.Errorf("expected two submitted documents, got %v", res.DocumentIDs())
	}
	if env.recorder.failed.Load() != 1 || env.recorder.ok.Load() != 2 {
		t.Errorf("unexpected upload metrics ok=%d failed=%d", env.recorder.ok.Load(), env.recorder.failed.Load())
	}
}

func TestService_Upload_ProcessorReportsFailure(t *testing.T) {
	env := newTestEnv()
	orgID, userID := env.member(t)
	env.proc.failedStatus["blurry.pdf"] = true

	res, err := env.svc.Upload(context.Background(), userID, orgID.String(), []UploadFile{textFile("blurry.pdf", "x")})
	if !IsProcessorError(err) {
		t.Fatalf("expected processor error, got %v", err)
	}
	status, meta := env.docs.status(*res.Files[0].DocumentID)
	if status != StatusFailed || meta[metaError] != "unreadable scan" {
		t.Errorf("unexpected document state %s %v", status, meta)
	}
}

func TestService_Upload_RecordFailureRemovesBlob(t *testing.T) {
	env := newTestEnv()
	orgID, userID := env.member(t)
	env.docs.createErr = errors.New("insert failed")

	res, err := env.svc.Upload(context.Background(), userID, orgID.String(), []UploadFile{textFile("a.pdf", "x")})
	if err == nil {
		t.Fatal("expected error")
	}
	if IsProcessorError(err) {
		t.Error("a database failure must not be reported as a processor failure")
	}
	if env.blobs.Len() != 0 {
		t.Errorf("expected stored blob to be removed, %d left", env.blobs.Len())
	}
	if res.Files[0].DocumentID != nil {
		t.Error("no document id should be reported")
	}
	if len(env.proc.submitted) != 0 {
		t.Error("nothing should reach the processor")
	}
}

func TestService_Upload_BatchRecordFailure(t *testing.T) {
	env := newTestEnv()
	orgID, userID := env.member(t)
	env.docs.processingErr = errors.New("connection reset")

	res, err := env.svc.Upload(context.Background(), userID, orgID.String(), []UploadFile{textFile("a.pdf", "x")})
	if err == nil {
		t.Fatal("expected error")
	}
	if IsProcessorError(err) {
		t.Error("a database failure must not be reported as a processor failure")
	}
	out := res.Files[0]
	if out.Status != StatusFailed || out.DocumentID == nil {
		t.Fatalf("unexpected outcome %+v", out)
	}
	status, _ := env.docs.status(*out.DocumentID)
	if status != StatusFailed {
		t.Errorf("document must not stay %s", status)
	}
	if len(env.proc.submitted) != 1 || len(env.proc.cleaned) != 1 {
		t.Errorf("expected the accepted batch to be released, submitted %d cleaned %v",
			len(env.proc.submitted), env.proc.cleaned)
	}
}

func TestService_Upload_ConcurrencyLimit(t *testing.T) {
	env := newTestEnv()
	orgID, userID := env.member(t)
	env.proc.delay = 20 * time.Millisecond

	files := make([]UploadFile, 6)
	for i := range files {
		files[i] = textFile("f"+string(rune('a'+i))+".pdf", "x")
	}
	if _, err := env.svc.Upload(context.Background(), userID, orgID.String(), files); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if peak := env.proc.maxInFlight.Load(); peak > 2 {
		t.Errorf("expected at most 2 concurrent submissions, got %d", peak)
	}
	if len(env.proc.submitted) != 6 {
		t.Errorf("expected 6 submissions, got %d", len(env.proc.submitted))
	}
}

func TestService_Upload_Validation(t *testing.T) {
	env := newTestEnv()
	orgID, userID := env.member(t)

	if _, err := env.svc.Upload(context.Background(), userID, orgID.String(), nil); !errors.Is(err, ErrNoFiles) {
		t.Errorf("expected ErrNoFiles, got %v", err)
	}
	if _, err := env.svc.Upload(context.Background(), userID, "", []UploadFile{textFile("a.pdf", "x")}); !apperr.IsInvalid(err) {
		t.Errorf("expected validation error, got %v", err)
	}
	_, err := env.svc.Upload(context.Background(), uuid.New(), orgID.String(), []UploadFile{textFile("a.pdf", "x")})
	if !errors.Is(err, tenancy.ErrNotMember) {
		t.Errorf("expected ErrNotMember, got %v", err)
	}
	if env.blobs.Len() != 0 {
		t.Error("nothing should be stored for rejected uploads")
	}
}

// -- Read Tests --

func TestService_ListAndGet(t *testing.T) {
	env := newTestEnv()
	orgID, userID := env.member(t)
	otherOrg, _ := env.member(t)
	older := env.addDocument(t, orgID, StatusCompleted, "b1")
	newer := env.addDocument(t, orgID, StatusPending, "")
	env.addDocument(t, otherOrg, StatusPending, "")
	_ = env.certs.CreateBatch(context.Background(), older.ID, []json.RawMessage{json.RawMessage(`{"a":1}`)})

	docs, total, err := env.svc.List(context.Background(), userID, orgID.String(), 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 2 || len(docs) != 2 {
		t.Fatalf("expected 2 documents, got %d/%d", len(docs), total)
	}
	if docs[0].ID != newer.ID {
		t.Error("expected newest document first")
	}
	if !docs[1].HasCertificates || docs[1].CertificateCount != 1 {
		t.Errorf("expected certificate count on listed document, got %+v", docs[1])
	}

	doc, err := env.svc.Get(context.Background(), userID, older.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(doc.Certificates) != 1 {
		t.Errorf("expected certificates to be attached, got %d", len(doc.Certificates))
	}

	if _, err := env.svc.Get(context.Background(), uuid.New(), older.ID); !errors.Is(err, tenancy.ErrNotMember) {
		t.Errorf("expected ErrNotMember, got %v", err)
	}
	if _, err := env.svc.Get(context.Background(), userID, uuid.New()); !errors.Is(err, ErrDocumentNotFound) {
		t.Errorf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestService_Data(t *testing.T) {
	env := newTestEnv()
	orgID, userID := env.member(t)
	pending := env.addDocument(t, orgID, StatusPending, "")
	missing := env.addDocument(t, orgID, StatusProcessing, "gone")
	failed := env.addDocument(t, orgID, StatusProcessing, "broken")
	ready := env.addDocument(t, orgID, StatusCompleted, "b1")
	env.proc.data["b1"] = &processor.BatchData{
		BatchID: "b1",
		Raw:     map[string]interface{}{"batch_id": "b1", "evidence": map[string]interface{}{}},
	}
	env.proc.dataErr["broken"] = processor.ErrProcessingFailed

	if _, err := env.svc.Data(context.Background(), userID, pending.ID); !errors.Is(err, ErrNotProcessed) {
		t.Errorf("expected ErrNotProcessed, got %v", err)
	}
	if _, err := env.svc.Data(context.Background(), userID, missing.ID); !errors.Is(err, ErrDataNotFound) {
		t.Errorf("expected ErrDataNotFound, got %v", err)
	}
	if _, err := env.svc.Data(context.Background(), userID, failed.ID); !IsProcessorError(err) {
		t.Errorf("expected processor error, got %v", err)
	}

	data, err := env.svc.Data(context.Background(), userID, ready.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if data["documentUrl"] != ready.FileURL || data["batch_id"] != "b1" {
		t.Errorf("unexpected data %v", data)
	}
}

func TestService_File(t *testing.T) {
	env := newTestEnv()
	orgID, userID := env.member(t)
	doc := env.addDocument(t, orgID, StatusCompleted, "b1")
	if _, err := env.blobs.Put(context.Background(), doc.FilePath, doc.FileType, strings.NewReader("%PDF"), 4); err != nil {
		t.Fatalf("put blob: %v", err)
	}

	rc, got, err := env.svc.File(context.Background(), userID, doc.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if string(body) != "%PDF" || got.ID != doc.ID {
		t.Errorf("unexpected file %q %v", body, got.ID)
	}

	orphan := env.addDocument(t, orgID, StatusCompleted, "b2")
	orphan.FilePath = "organizations/none.pdf"
	env.docs.docs[orphan.ID].FilePath = orphan.FilePath
	if _, _, err := env.svc.File(context.Background(), userID, orphan.ID); !errors.Is(err, ErrDocumentNotFound) {
		t.Errorf("expected ErrDocumentNotFound, got %v", err)
	}
}

// -- Q&A Tests --

func TestService_Ask(t *testing.T) {
	env := newTestEnv()
	orgID, userID := env.member(t)
	doc := env.addDocument(t, orgID, StatusCompleted, "b1")
	pending := env.addDocument(t, orgID, StatusPending, "")
	env.proc.answer = &processor.Answer{Answer: "Fit for work", Reasoning: "no findings"}

	ans, err := env.svc.Ask(context.Background(), userID, QueryRequest{DocumentID: doc.ID.String(), Question: " Is the patient fit? "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ans.Answer != "Fit for work" {
		t.Errorf("unexpected answer %+v", ans)
	}
	history, err := env.svc.Queries(context.Background(), userID, doc.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(history) != 1 || history[0].Question != "Is the patient fit?" {
		t.Errorf("expected the query to be logged, got %+v", history)
	}

	_, err = env.svc.Ask(context.Background(), userID, QueryRequest{DocumentID: pending.ID.String(), Question: "q"})
	if !errors.Is(err, ErrNotProcessed) {
		t.Errorf("expected ErrNotProcessed, got %v", err)
	}
	_, err = env.svc.Ask(context.Background(), userID, QueryRequest{DocumentID: doc.ID.String()})
	if !apperr.IsInvalid(err) {
		t.Errorf("expected validation error, got %v", err)
	}
	_, err = env.svc.Ask(context.Background(), uuid.New(), QueryRequest{DocumentID: doc.ID.String(), Question: "q"})
	if !errors.Is(err, tenancy.ErrNotMember) {
		t.Errorf("expected ErrNotMember, got %v", err)
	}
}

func TestService_Ask_LogFailureIsSwallowed(t *testing.T) {
	env := newTestEnv()
	orgID, userID := env.member(t)
	doc := env.addDocument(t, orgID, StatusCompleted, "b1")
	env.proc.answer = &processor.Answer{Answer: "yes"}
	env.queries.err = errors.New("insert failed")

	if _, err := env.svc.Ask(context.Background(), userID, QueryRequest{DocumentID: doc.ID.String(), Question: "q"}); err != nil {
		t.Fatalf("log failure must not fail the query: %v", err)
	}
}

func TestService_Ask_ProcessorError(t *testing.T) {
	env := newTestEnv()
	orgID, userID := env.member(t)
	doc := env.addDocument(t, orgID, StatusCompleted, "b1")
	env.proc.askErr = errors.New("timeout")

	_, err := env.svc.Ask(context.Background(), userID, QueryRequest{DocumentID: doc.ID.String(), Question: "q"})
	if !IsProcessorError(err) {
		t.Fatalf("expected processor error, got %v", err)
	}
	if len(env.queries.queries) != 0 {
		t.Error("failed queries must not be logged")
	}
}

// -- Refresh Tests --

func TestService_RefreshProcessing(t *testing.T) {
	env := newTestEnv()
	orgID, _ := env.member(t)
	done := env.addDocument(t, orgID, StatusProcessing, "b-done")
	waiting := env.addDocument(t, orgID, StatusProcessing, "b-wait")
	stale := env.addDocument(t, orgID, StatusProcessing, "b-stale")
	broken := env.addDocument(t, orgID, StatusProcessing, "b-broken")
	noBatch := env.addDocument(t, orgID, StatusProcessing, "")

	env.proc.data["b-done"] = &processor.BatchData{
		BatchID: "b-done",
		Evidence: map[string]json.RawMessage{
			"page2.pdf": json.RawMessage(`{"fit":false}`),
			"page1.pdf": json.RawMessage(`{"fit":true}`),
		},
	}
	env.proc.dataErr["b-broken"] = processor.ErrProcessingFailed
	now := time.Now()
	env.svc.now = func() time.Time { return now }
	env.docs.docs[stale.ID].UpdatedAt = now.Add(-2 * time.Hour)
	env.docs.docs[waiting.ID].UpdatedAt = now.Add(-time.Minute)

	if err := env.svc.RefreshProcessing(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name string
		id   uuid.UUID
		want Status
	}{
		{"completed", done.ID, StatusCompleted},
		{"still waiting", waiting.ID, StatusProcessing},
		{"timed out", stale.ID, StatusFailed},
		{"processor failed", broken.ID, StatusFailed},
		{"no batch", noBatch.ID, StatusFailed},
	}
	for _, tt := range tests {
		if got, _ := env.docs.status(tt.id); got != tt.want {
			t.Errorf("%s: expected %s, got %s", tt.name, tt.want, got)
		}
	}

	certs, _ := env.certs.ListByDocument(context.Background(), done.ID)
	if len(certs) != 2 {
		t.Fatalf("expected one certificate per evidence entry, got %d", len(certs))
	}
	var first certificateEntry
	if err := json.Unmarshal(certs[0].Data, &first); err != nil {
		t.Fatalf("decode certificate: %v", err)
	}
	if first.FileName != "page1.pdf" || first.BatchID != "b-done" {
		t.Errorf("unexpected certificate %+v", first)
	}
	if env.publisher.count(events.DocumentProcessed) != 1 {
		t.Errorf("expected one document.processed event, got %d", env.publisher.count(events.DocumentProcessed))
	}
	if env.publisher.count(events.DocumentFailed) != 3 {
		t.Errorf("expected three document.failed events, got %d", env.publisher.count(events.DocumentFailed))
	}
	if len(env.proc.cleaned) != 1 || env.proc.cleaned[0] != "b-broken" {
		t.Errorf("expected only the failed batch to be cleaned up, got %v", env.proc.cleaned)
	}

	// a second run finds nothing new to complete
	if err := env.svc.RefreshProcessing(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := env.certs.count(done.ID); n != 2 {
		t.Errorf("certificates must not be duplicated, got %d", n)
	}
}

func TestService_RefreshProcessing_TransientError(t *testing.T) {
	env := newTestEnv()
	orgID, _ := env.member(t)
	doc := env.addDocument(t, orgID, StatusProcessing, "b1")
	env.proc.dataErr["b1"] = errors.New("connection refused")

	if err := env.svc.RefreshProcessing(context.Background()); err == nil {
		t.Fatal("expected the transient error to be reported")
	}
	if got, _ := env.docs.status(doc.ID); got != StatusProcessing {
		t.Errorf("document should stay processing, got %s", got)
	}
}

func TestBlobKey(t *testing.T) {
	org := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	doc := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	prefix := "organizations/" + org.String() + "/documents/" + doc.String()

	tests := []struct {
		name string
		want string
	}{
		{"scan.PDF", prefix + ".pdf"},
		{"archive.tar.gz", prefix + ".gz"},
		{"README", prefix},
	}
	for _, tt := range tests {
		if got := BlobKey(org, doc, tt.name); got != tt.want {
			t.Errorf("BlobKey(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}
