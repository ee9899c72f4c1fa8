package middleware

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/meddocs/meddocs/internal/platform/db"
)

// MigrationHint is returned when a query hits a missing table.
const MigrationHint = "Database tables not set up. Run `meddocs-server migrate up` to apply pending migrations"

type errorBody struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ErrorHandler renders every error as {"success": false, "message": ...}.
// Internal errors are logged and replaced with a generic message.
// An HTTPError's Internal error is logged too.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		msg := http.StatusText(code)

		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			switch m := he.Message.(type) {
			case string:
				msg = m
			case error:
				msg = m.Error()
			default:
				msg = http.StatusText(code)
			}
			if he.Internal != nil {
				logInternal(logger, c, he.Internal)
			}
		} else {
			logInternal(logger, c, err)
		}
		if code == http.StatusInternalServerError && db.IsUndefinedTable(err) {
			msg = MigrationHint
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(code)
			return
		}
		_ = c.JSON(code, errorBody{Success: false, Message: msg})
	}
}

func logInternal(logger zerolog.Logger, c echo.Context, err error) {
	rid, _ := c.Get("request_id").(string)
	logger.Error().Err(err).Str("request_id", rid).Str("path", c.Request().URL.Path).Msg("unhandled error")
}
