package documents

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/meddocs/meddocs/internal/domain/tenancy"
	"github.com/meddocs/meddocs/internal/platform/apperr"
	"github.com/meddocs/meddocs/internal/platform/auth"
	"github.com/meddocs/meddocs/internal/platform/db"
	"github.com/meddocs/meddocs/internal/platform/middleware"
	"github.com/meddocs/meddocs/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/documents/upload", h.Upload)
	api.POST("/documents/query", h.Query)
	api.GET("/documents", h.List)
	api.GET("/documents/:id", h.Get)
	api.GET("/documents/:id/data", h.Data)
	api.GET("/documents/:id/file", h.File)
	api.GET("/documents/:id/queries", h.ListQueries)
}

func statusCode(err error) (int, string, bool) {
	if code, ok := tenancy.StatusCode(err); ok {
		return code, err.Error(), true
	}
	switch {
	case apperr.IsInvalid(err):
		return http.StatusBadRequest, err.Error(), true
	case errors.Is(err, ErrNoFiles):
		return http.StatusBadRequest, "No files were uploaded", true
	case errors.Is(err, ErrNotProcessed):
		return http.StatusBadRequest, "Document has not been processed yet", true
	case errors.Is(err, ErrDocumentNotFound):
		return http.StatusNotFound, "Document not found", true
	case errors.Is(err, ErrDataNotFound):
		return http.StatusNotFound, err.Error(), true
	case IsProcessorError(err):
		return http.StatusBadGateway, err.Error(), true
	}
	return 0, "", false
}

func httpError(err error) error {
	if code, msg, ok := statusCode(err); ok {
		he := echo.NewHTTPError(code, msg)
		if code == http.StatusBadGateway {
			return he.SetInternal(err)
		}
		return he
	}
	return err
}

func documentID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid document id")
	}
	return id, nil
}

func uploadFiles(headers []*multipart.FileHeader) []UploadFile {
	files := make([]UploadFile, 0, len(headers))
	for _, fh := range headers {
		files = append(files, UploadFile{
			Name:        fh.Filename,
			ContentType: fh.Header.Get(echo.HeaderContentType),
			Size:        fh.Size,
			Open:        func() (io.ReadCloser, error) { return fh.Open() },
		})
	}
	return files
}

// uploadFailureMessage keeps storage and database details out of responses.
// Processor failures pass through unchanged.
func uploadFailureMessage(err error) string {
	switch {
	case IsProcessorError(err):
		return err.Error()
	case db.IsUndefinedTable(err):
		return middleware.MigrationHint
	}
	return "failed to upload document"
}

func clientOutcomes(files []FileOutcome) []FileOutcome {
	out := make([]FileOutcome, len(files))
	for i, f := range files {
		if f.err != nil {
			f.Error = uploadFailureMessage(f.err)
		}
		out[i] = f
	}
	return out
}

// Upload reports per-file outcomes. When any file fails the response is an
// error status carrying every outcome.
func (h *Handler) Upload(c echo.Context) error {
	form, err := c.MultipartForm()
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) && he.Code == http.StatusRequestEntityTooLarge {
			return he
		}
		return echo.NewHTTPError(http.StatusBadRequest, "invalid multipart form")
	}
	orgID := ""
	if v := form.Value["organizationId"]; len(v) > 0 {
		orgID = v[0]
	}

	ctx := c.Request().Context()
	res, err := h.svc.Upload(ctx, auth.UserIDFromContext(ctx), orgID, uploadFiles(form.File["files"]))
	if res == nil {
		return httpError(err)
	}
	if err != nil {
		code := http.StatusInternalServerError
		if IsProcessorError(err) {
			code = http.StatusBadGateway
		}
		log.Error().Err(err).Str("organization_id", orgID).Msg("document upload failed")
		return c.JSON(code, echo.Map{
			"success":   false,
			"message":   uploadFailureMessage(err),
			"documents": clientOutcomes(res.Files),
		})
	}

	ids := res.DocumentIDs()
	return c.JSON(http.StatusOK, echo.Map{
		"success":     true,
		"message":     fmt.Sprintf("Successfully uploaded %d document(s)", len(ids)),
		"documentIds": ids,
		"documents":   res.Files,
	})
}

func (h *Handler) List(c echo.Context) error {
	p := pagination.FromContext(c)
	ctx := c.Request().Context()
	docs, total, err := h.svc.List(ctx, auth.UserIDFromContext(ctx), c.QueryParam("organizationId"), p.Limit, p.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":    true,
		"documents":  docs,
		"pagination": p.Page(total),
	})
}

func (h *Handler) Get(c echo.Context) error {
	id, err := documentID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	doc, err := h.svc.Get(ctx, auth.UserIDFromContext(ctx), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "document": doc})
}

func (h *Handler) Data(c echo.Context) error {
	id, err := documentID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	data, err := h.svc.Data(ctx, auth.UserIDFromContext(ctx), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "data": data})
}

func (h *Handler) File(c echo.Context) error {
	id, err := documentID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	rc, doc, err := h.svc.File(ctx, auth.UserIDFromContext(ctx), id)
	if err != nil {
		return httpError(err)
	}
	defer rc.Close()

	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("inline; filename=%q", doc.Name))
	return c.Stream(http.StatusOK, doc.FileType, rc)
}

func (h *Handler) Query(c echo.Context) error {
	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	ans, err := h.svc.Ask(ctx, auth.UserIDFromContext(ctx), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":   true,
		"answer":    ans.Answer,
		"reasoning": ans.Reasoning,
		"evidence":  ans.Evidence,
	})
}

func (h *Handler) ListQueries(c echo.Context) error {
	id, err := documentID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	qs, err := h.svc.Queries(ctx, auth.UserIDFromContext(ctx), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "queries": qs})
}
