package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
)

// NotFound answers every path that no route matched.
func NotFound(c echo.Context) error {
	return c.JSON(http.StatusNotFound, map[string]string{"error": "Not found"})
}

// ErrorHandler renders errors returned by handlers and middleware as
// {"error": "..."} bodies, the same shape the forwarding route uses.
func ErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	logger = logger.With("component", "error_handler")

	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		msg := "Internal server error"

		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			switch {
			case code == http.StatusNotFound:
				msg = "Not found"
			case he.Message != nil:
				msg = fmt.Sprint(he.Message)
			default:
				msg = http.StatusText(code)
			}
		} else {
			logger.Error("unhandled error", "err", err, "path", c.Request().URL.Path)
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(code)
		} else {
			err = c.JSON(code, map[string]string{"error": msg})
		}
		if err != nil {
			logger.Error("writing error response", "err", err)
		}
	}
}
