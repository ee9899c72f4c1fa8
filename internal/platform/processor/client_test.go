package processor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type recorder struct {
	mu    sync.Mutex
	calls map[string][]error
}

func (r *recorder) ProcessorCall(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = make(map[string][]error)
	}
	r.calls[op] = append(r.calls[op], err)
}

func newTestClient(t *testing.T, mode Mode, h http.HandlerFunc) (*Client, *recorder) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	rec := &recorder{}
	return New(Config{BaseURL: srv.URL, Mode: mode, Timeout: 5 * time.Second}, rec), rec
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestSubmit_Multipart(t *testing.T) {
	var gotName, gotBody string
	c, rec := newTestClient(t, ModeMultipart, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/process-documents" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		f, hdr, err := r.FormFile("files")
		if err != nil {
			t.Errorf("form file: %v", err)
			return
		}
		b, _ := io.ReadAll(f)
		gotName, gotBody = hdr.Filename, string(b)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"batch_id": "batch-1", "document_count": 1, "status": "success",
		})
	})

	res, err := c.Submit(context.Background(), SubmitRequest{
		DocumentID:  uuid.New(),
		FileName:    "report.pdf",
		ContentType: "application/pdf",
		Content:     strings.NewReader("%PDF-1.4"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.BatchID != "batch-1" || res.Failed() {
		t.Errorf("unexpected result %+v", res)
	}
	if gotName != "report.pdf" || gotBody != "%PDF-1.4" {
		t.Errorf("processor received %q %q", gotName, gotBody)
	}
	if len(rec.calls["submit"]) != 1 || rec.calls["submit"][0] != nil {
		t.Errorf("expected one successful submit recorded, got %v", rec.calls["submit"])
	}
}

func TestSubmit_MultipartRequiresContent(t *testing.T) {
	c, _ := newTestClient(t, ModeMultipart, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	if _, err := c.Submit(context.Background(), SubmitRequest{FileName: "a.pdf"}); err == nil {
		t.Fatal("expected error without content")
	}
}

func TestSubmit_JSONModeAcceptsJobID(t *testing.T) {
	docID, orgID := uuid.New(), uuid.New()
	c, _ := newTestClient(t, ModeJSON, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/documents/process" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["documentId"] != docID.String() || body["organizationId"] != orgID.String() {
			t.Errorf("unexpected body %v", body)
		}
		if body["fileUrl"] != "http://files/a.pdf" {
			t.Errorf("unexpected fileUrl %q", body["fileUrl"])
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"jobId": "job-9"})
	})

	res, err := c.Submit(context.Background(), SubmitRequest{
		DocumentID: docID, OrganizationID: orgID, FileURL: "http://files/a.pdf",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.BatchID != "job-9" {
		t.Errorf("expected batch id from jobId, got %q", res.BatchID)
	}
}

func TestSubmit_ErrorStatus(t *testing.T) {
	c, rec := newTestClient(t, ModeJSON, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "model offline"})
	})
	_, err := c.Submit(context.Background(), SubmitRequest{FileURL: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "model offline") {
		t.Errorf("expected service message in error, got %v", err)
	}
	if rec.calls["submit"][0] == nil {
		t.Error("expected failed submit to be recorded")
	}
}

func TestSubmit_MissingBatchID(t *testing.T) {
	c, _ := newTestClient(t, ModeJSON, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
	})
	if _, err := c.Submit(context.Background(), SubmitRequest{FileURL: "x"}); err == nil {
		t.Fatal("expected error when batch id is missing")
	}
}

func TestData(t *testing.T) {
	c, _ := newTestClient(t, ModeMultipart, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/get-document-data/b1":
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"batch_id":       "b1",
				"document_count": 2,
				"filenames":      []string{"a.pdf", "b.pdf"},
				"evidence": map[string]interface{}{
					"a.pdf": map[string]string{"patient": "Jane"},
					"b.pdf": map[string]string{"patient": "John"},
				},
			})
		case "/get-document-data/failed":
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "Processing failed", "error_details": "unreadable scan",
			})
		default:
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Batch not found"})
		}
	})

	data, err := c.Data(context.Background(), "b1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(data.Evidence) != 2 || data.DocumentCount != 2 {
		t.Errorf("unexpected data %+v", data)
	}
	if data.Raw["batch_id"] != "b1" {
		t.Errorf("expected raw payload to be kept, got %v", data.Raw)
	}

	_, err = c.Data(context.Background(), "failed")
	if !errors.Is(err, ErrProcessingFailed) {
		t.Fatalf("expected ErrProcessingFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "unreadable scan") {
		t.Errorf("expected error details, got %v", err)
	}

	if _, err := c.Data(context.Background(), "nope"); !errors.Is(err, ErrBatchNotFound) {
		t.Errorf("expected ErrBatchNotFound, got %v", err)
	}
}

func TestData_RetriesGetOnServerError(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"message": "warming up"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"batch_id": "b1"})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Timeout: 5 * time.Second, Retries: 2}, nil)
	if _, err := c.Data(context.Background(), "b1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestAsk(t *testing.T) {
	c, _ := newTestClient(t, ModeMultipart, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["batch_id"] != "b1" || body["question"] != "Who is the patient?" {
			t.Errorf("unexpected body %v", body)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"answer": "Jane Doe", "reasoning": "named on page 1", "evidence": []string{"page 1"},
		})
	})

	ans, err := c.Ask(context.Background(), "b1", "Who is the patient?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ans.Answer != "Jane Doe" || ans.Reasoning != "named on page 1" {
		t.Errorf("unexpected answer %+v", ans)
	}
	if !strings.Contains(string(ans.Evidence), "page 1") {
		t.Errorf("expected evidence to be kept, got %s", ans.Evidence)
	}
}

func TestCleanupAndHealth(t *testing.T) {
	var deleted string
	c, _ := newTestClient(t, ModeMultipart, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodDelete:
			deleted = strings.TrimPrefix(r.URL.Path, "/cleanup/")
			writeJSON(w, http.StatusOK, map[string]string{"message": "cleaned"})
		case r.URL.Path == "/health":
			writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
		}
	})

	if err := c.Cleanup(context.Background(), "b1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != "b1" {
		t.Errorf("expected cleanup of b1, got %q", deleted)
	}
	if err := c.Health(context.Background()); err != nil {
		t.Errorf("unexpected health error: %v", err)
	}
}
