package dashboard

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/meddocs/meddocs/internal/domain/tenancy"
	"github.com/meddocs/meddocs/internal/platform/apperr"
	"github.com/meddocs/meddocs/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/dashboard/stats", h.GetStats)
}

func (h *Handler) GetStats(c echo.Context) error {
	ctx := c.Request().Context()
	stats, err := h.svc.Stats(ctx, auth.UserIDFromContext(ctx), c.QueryParam("organizationId"))
	if err != nil {
		if code, ok := tenancy.StatusCode(err); ok {
			return echo.NewHTTPError(code, err.Error())
		}
		if apperr.IsInvalid(err) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "stats": stats})
}
