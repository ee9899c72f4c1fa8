// Package processor is the HTTP client for the external document processing
// service, which extracts evidence from uploaded files and answers questions
// about a processed batch.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

var (
	ErrBatchNotFound    = errors.New("processing batch not found")
	ErrProcessingFailed = errors.New("document processing failed")
)

type Mode string

const (
	// ModeMultipart posts the raw file to /process-documents.
	ModeMultipart Mode = "multipart"
	// ModeJSON posts a job description referencing the stored file.
	ModeJSON Mode = "json"
)

type Config struct {
	BaseURL string
	Mode    Mode
	Timeout time.Duration
	// Retries applies to idempotent GET calls only.
	Retries int
}

// Recorder receives one call per processor request. metrics.Metrics satisfies it.
type Recorder interface {
	ProcessorCall(op string, err error)
}

type Client struct {
	http     *resty.Client
	mode     Mode
	recorder Recorder
}

func New(cfg Config, rec Recorder) *Client {
	if cfg.Mode == "" {
		cfg.Mode = ModeMultipart
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	hc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if r == nil || r.Request == nil || r.Request.Method != http.MethodGet {
				return false
			}
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	return &Client{http: hc, mode: cfg.Mode, recorder: rec}
}

func (c *Client) Mode() Mode { return c.mode }

func (c *Client) record(op string, err error) {
	if c.recorder != nil {
		c.recorder.ProcessorCall(op, err)
	}
}

type errorBody struct {
	Error        string `json:"error"`
	Message      string `json:"message"`
	ErrorDetails string `json:"error_details"`
}

func (e *errorBody) text() string {
	parts := make([]string, 0, 2)
	for _, s := range []string{e.Error, e.Message, e.ErrorDetails} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ": ")
}

// statusError turns a non-2xx response into an error, preferring the
// service's own message.
func statusError(resp *resty.Response) error {
	var body errorBody
	if eb, ok := resp.Error().(*errorBody); ok && eb != nil {
		body = *eb
	}
	msg := body.text()
	if msg == "" {
		msg = strings.TrimSpace(string(resp.Body()))
	}
	if msg == "" {
		msg = resp.Status()
	}
	switch resp.StatusCode() {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrBatchNotFound, msg)
	default:
		return fmt.Errorf("processor returned %d: %s", resp.StatusCode(), msg)
	}
}

type SubmitRequest struct {
	DocumentID     uuid.UUID
	OrganizationID uuid.UUID
	FileName       string
	ContentType    string
	FileURL        string
	// Content is read only in multipart mode.
	Content io.Reader
}

type SubmitResult struct {
	BatchID               string  `json:"batch_id"`
	DocumentCount         int     `json:"document_count"`
	ProcessingTimeSeconds float64 `json:"processing_time_seconds"`
	Status                string  `json:"status"`
	Error                 string  `json:"error,omitempty"`
}

// Failed reports whether the service accepted the upload but could not
// process it.
func (r *SubmitResult) Failed() bool {
	return r.Status == "failed"
}

type jobRequest struct {
	DocumentID     string `json:"documentId"`
	OrganizationID string `json:"organizationId"`
	FileURL        string `json:"fileUrl"`
	FileName       string `json:"fileName,omitempty"`
	FileType       string `json:"fileType,omitempty"`
}

type jobResponse struct {
	SubmitResult
	BatchIDCamel string `json:"batchId"`
	JobID        string `json:"jobId"`
}

// Submit hands a stored document to the processor and returns its batch handle.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (res *SubmitResult, err error) {
	defer func() { c.record("submit", err) }()

	var out jobResponse
	r := c.http.R().SetContext(ctx).SetResult(&out).SetError(&errorBody{})

	var resp *resty.Response
	switch c.mode {
	case ModeJSON:
		resp, err = r.SetBody(jobRequest{
			DocumentID:     req.DocumentID.String(),
			OrganizationID: req.OrganizationID.String(),
			FileURL:        req.FileURL,
			FileName:       req.FileName,
			FileType:       req.ContentType,
		}).Post("/api/documents/process")
	default:
		if req.Content == nil {
			return nil, errors.New("file content is required in multipart mode")
		}
		ct := req.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		resp, err = r.SetMultipartField("files", req.FileName, ct, req.Content).Post("/process-documents")
	}
	if err != nil {
		return nil, fmt.Errorf("submit document: %w", err)
	}
	if resp.IsError() {
		return nil, statusError(resp)
	}

	result := out.SubmitResult
	if result.BatchID == "" {
		result.BatchID = out.BatchIDCamel
	}
	if result.BatchID == "" {
		result.BatchID = out.JobID
	}
	if result.BatchID == "" {
		return nil, errors.New("processor response did not include a batch id")
	}
	return &result, nil
}

// BatchData is the extraction result of a batch. Evidence is keyed by file
// name; Raw keeps the full payload for relaying to clients.
type BatchData struct {
	BatchID       string                     `json:"batch_id"`
	Evidence      map[string]json.RawMessage `json:"evidence"`
	ProcessedAt   float64                    `json:"processed_at"`
	DocumentCount int                        `json:"document_count"`
	Filenames     []string                   `json:"filenames"`
	Raw           map[string]interface{}     `json:"-"`
}

func (c *Client) Data(ctx context.Context, batchID string) (data *BatchData, err error) {
	defer func() { c.record("data", err) }()

	resp, err := c.http.R().SetContext(ctx).
		SetPathParam("batchId", batchID).
		SetError(&errorBody{}).
		Get("/get-document-data/{batchId}")
	if err != nil {
		return nil, fmt.Errorf("get batch data: %w", err)
	}
	if resp.IsError() {
		if resp.StatusCode() == http.StatusInternalServerError {
			if eb, ok := resp.Error().(*errorBody); ok && eb.Error != "" {
				return nil, fmt.Errorf("%w: %s", ErrProcessingFailed, eb.text())
			}
		}
		return nil, statusError(resp)
	}

	var out BatchData
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("decode batch data: %w", err)
	}
	if err := json.Unmarshal(resp.Body(), &out.Raw); err != nil {
		return nil, fmt.Errorf("decode batch data: %w", err)
	}
	return &out, nil
}

type Answer struct {
	Answer    string          `json:"answer"`
	Reasoning string          `json:"reasoning"`
	Evidence  json.RawMessage `json:"evidence,omitempty"`
}

// Ask forwards a question about a processed batch.
func (c *Client) Ask(ctx context.Context, batchID, question string) (ans *Answer, err error) {
	defer func() { c.record("ask", err) }()

	var out Answer
	resp, err := c.http.R().SetContext(ctx).
		SetBody(map[string]string{"batch_id": batchID, "question": question}).
		SetResult(&out).SetError(&errorBody{}).
		Post("/ask-question")
	if err != nil {
		return nil, fmt.Errorf("ask question: %w", err)
	}
	if resp.IsError() {
		return nil, statusError(resp)
	}
	return &out, nil
}

// Cleanup releases the processor's copy of a batch.
func (c *Client) Cleanup(ctx context.Context, batchID string) (err error) {
	defer func() { c.record("cleanup", err) }()

	resp, err := c.http.R().SetContext(ctx).
		SetPathParam("batchId", batchID).
		SetError(&errorBody{}).
		Delete("/cleanup/{batchId}")
	if err != nil {
		return fmt.Errorf("cleanup batch: %w", err)
	}
	if resp.IsError() {
		return statusError(resp)
	}
	return nil
}

func (c *Client) Health(ctx context.Context) (err error) {
	defer func() { c.record("health", err) }()

	resp, err := c.http.R().SetContext(ctx).Get("/health")
	if err != nil {
		return fmt.Errorf("processor health: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("processor health returned %d", resp.StatusCode())
	}
	return nil
}
