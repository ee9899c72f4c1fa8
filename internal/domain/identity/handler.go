package identity

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/meddocs/meddocs/internal/domain/tenancy"
	"github.com/meddocs/meddocs/internal/platform/apperr"
	"github.com/meddocs/meddocs/internal/platform/auth"
)

// InvitationErrorMapper maps invitation errors raised during invited signup.
type InvitationErrorMapper func(err error) (code int, ok bool)

type Handler struct {
	svc             *Service
	invitationError InvitationErrorMapper
}

func NewHandler(svc *Service, invitationError InvitationErrorMapper) *Handler {
	return &Handler{svc: svc, invitationError: invitationError}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/auth/signup", h.Signup)
	api.POST("/auth/login", h.Login)
	api.POST("/auth/invited-signup", h.InvitedSignup)
	api.POST("/auth/logout", h.Logout)
	api.GET("/auth/me", h.Me)
}

func (h *Handler) httpError(err error) error {
	if code, ok := tenancy.StatusCode(err); ok {
		return echo.NewHTTPError(code, err.Error())
	}
	if h.invitationError != nil {
		if code, ok := h.invitationError(err); ok {
			return echo.NewHTTPError(code, err.Error())
		}
	}
	switch {
	case apperr.IsInvalid(err):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrEmailTaken):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidCredentials):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case errors.Is(err, ErrUserNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return err
}

func authBody(res *AuthResult) echo.Map {
	body := echo.Map{
		"success":   true,
		"token":     res.Token,
		"expiresAt": res.ExpiresAt,
		"user":      res.User,
	}
	if res.Organization != nil {
		body["organization"] = res.Organization
	}
	return body
}

func (h *Handler) Signup(c echo.Context) error {
	var req SignupRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := h.svc.Signup(c.Request().Context(), req)
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusCreated, authBody(res))
}

func (h *Handler) Login(c echo.Context) error {
	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := h.svc.Login(c.Request().Context(), req)
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusOK, authBody(res))
}

func (h *Handler) InvitedSignup(c echo.Context) error {
	var req InvitedSignupRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := h.svc.InvitedSignup(c.Request().Context(), req)
	if err != nil {
		return h.httpError(err)
	}
	body := authBody(res)
	body["message"] = "Account created and invitation accepted"
	return c.JSON(http.StatusCreated, body)
}

func (h *Handler) Logout(c echo.Context) error {
	ctx := c.Request().Context()
	if err := h.svc.Logout(ctx, auth.ClaimsFromContext(ctx)); err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "message": "Logged out"})
}

func (h *Handler) Me(c echo.Context) error {
	ctx := c.Request().Context()
	user, err := h.svc.Me(ctx, auth.UserIDFromContext(ctx))
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "user": user})
}
