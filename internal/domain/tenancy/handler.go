package tenancy

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

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
	api.GET("/session", h.GetSession)
	api.POST("/session/tenant", h.SwitchTenant)
	api.POST("/auth/sync-membership", h.SyncMembership)
	api.GET("/roles", h.ListRoles)
	api.POST("/organizations", h.CreateOrganization)
	api.GET("/organizations/:id", h.GetOrganization)
}

func httpError(err error) error {
	if code, ok := StatusCode(err); ok {
		return echo.NewHTTPError(code, err.Error())
	}
	switch {
	case apperr.IsInvalid(err):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrRoleNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return err
}

func sessionBody(res Resolution) echo.Map {
	body := echo.Map{
		"success":      res.Variant != VariantDegraded,
		"variant":      res.Variant,
		"tenants":      res.Tenants,
		"activeTenant": res.Active,
	}
	if res.Err != nil {
		body["message"] = "Tenant information is temporarily unavailable"
	}
	return body
}

// GetSession never fails on resolution errors; a degraded result is
// reported in the body.
func (h *Handler) GetSession(c echo.Context) error {
	ctx := c.Request().Context()
	res := h.svc.resolver.Resolve(ctx, auth.UserIDFromContext(ctx))
	return c.JSON(http.StatusOK, sessionBody(res))
}

type switchTenantRequest struct {
	OrganizationID string `json:"organizationId"`
}

func (h *Handler) SwitchTenant(c echo.Context) error {
	var req switchTenantRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	orgID, err := ParseOrganizationID(req.OrganizationID)
	if err != nil {
		return httpError(err)
	}
	ctx := c.Request().Context()
	res, err := h.svc.resolver.Switch(ctx, auth.UserIDFromContext(ctx), orgID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sessionBody(res))
}

func (h *Handler) SyncMembership(c echo.Context) error {
	ctx := c.Request().Context()
	res, err := h.svc.resolver.Sync(ctx, auth.UserIDFromContext(ctx))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to sync membership").SetInternal(err)
	}
	body := sessionBody(res)
	body["message"] = "Membership synced"
	return c.JSON(http.StatusOK, body)
}

func (h *Handler) ListRoles(c echo.Context) error {
	roles := h.svc.roles.List(c.Request().Context())
	return c.JSON(http.StatusOK, echo.Map{"success": true, "roles": roles})
}

type createOrganizationRequest struct {
	Name             string           `json:"name"`
	OrganizationType OrganizationType `json:"organizationType"`
}

func (h *Handler) CreateOrganization(c echo.Context) error {
	var req createOrganizationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	org, err := h.svc.CreateWithOwner(ctx, auth.UserIDFromContext(ctx), req.Name, req.OrganizationType)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, echo.Map{"success": true, "organization": org})
}

func (h *Handler) GetOrganization(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	org, err := h.svc.GetOrganization(ctx, auth.UserIDFromContext(ctx), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "organization": org})
}
