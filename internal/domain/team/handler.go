package team

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/meddocs/meddocs/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/organizations/:id/members", h.ListMembers)
	api.DELETE("/organizations/:id/members/:userId", h.RemoveMember)
	api.PUT("/organizations/:id/members/:userId/role", h.UpdateMemberRole)
	api.GET("/organizations/:id/invitations", h.ListInvitations)

	api.POST("/invitations", h.CreateInvitation)
	api.POST("/invitations/accept", h.AcceptInvitation)
	api.GET("/invitations/validate", h.ValidateInvitation)
	api.POST("/invitations/validate", h.ValidateInvitation)
	api.POST("/invitations/:id/resend", h.ResendInvitation)
	api.DELETE("/invitations/:id", h.RevokeInvitation)
}

func httpError(err error) error {
	if code, ok := StatusCode(err); ok {
		return echo.NewHTTPError(code, err.Error())
	}
	return err
}

func pathUUID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func (h *Handler) ListMembers(c echo.Context) error {
	orgID, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	members, err := h.svc.ListMembers(ctx, auth.UserIDFromContext(ctx), orgID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "members": members})
}

func (h *Handler) RemoveMember(c echo.Context) error {
	orgID, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	userID, err := pathUUID(c, "userId")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.svc.RemoveMember(ctx, auth.UserIDFromContext(ctx), orgID, userID); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "message": "Member removed"})
}

type updateRoleRequest struct {
	RoleID string `json:"roleId"`
}

func (h *Handler) UpdateMemberRole(c echo.Context) error {
	orgID, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	userID, err := pathUUID(c, "userId")
	if err != nil {
		return err
	}
	var req updateRoleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	member, err := h.svc.UpdateMemberRole(ctx, auth.UserIDFromContext(ctx), orgID, userID, req.RoleID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "member": member})
}

func (h *Handler) ListInvitations(c echo.Context) error {
	orgID, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	list, err := h.svc.ListInvitations(ctx, auth.UserIDFromContext(ctx), orgID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "invitations": list})
}

func (h *Handler) CreateInvitation(c echo.Context) error {
	var req CreateInvitationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	inv, err := h.svc.CreateInvitation(ctx, auth.UserIDFromContext(ctx), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, echo.Map{"success": true, "invitation": inv})
}

type tokenRequest struct {
	Token string `json:"token" query:"token"`
}

func (h *Handler) AcceptInvitation(c echo.Context) error {
	var req tokenRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	org, err := h.svc.Accept(ctx, auth.UserIDFromContext(ctx), auth.EmailFromContext(ctx), req.Token)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":      true,
		"message":      "Invitation accepted",
		"organization": org,
	})
}

// ValidateInvitation accepts the token as a query parameter or JSON body.
func (h *Handler) ValidateInvitation(c echo.Context) error {
	var req tokenRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Token == "" {
		req.Token = c.QueryParam("token")
	}
	inv, err := h.svc.Validate(c.Request().Context(), req.Token)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "invitation": inv})
}

func (h *Handler) ResendInvitation(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	inv, err := h.svc.Resend(ctx, auth.UserIDFromContext(ctx), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":   true,
		"message":   "Invitation resent",
		"expiresAt": inv.ExpiresAt,
	})
}

func (h *Handler) RevokeInvitation(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.svc.Revoke(ctx, auth.UserIDFromContext(ctx), id); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "message": "Invitation revoked"})
}
