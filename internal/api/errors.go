package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"

	"formbar/internal/auth"
	"formbar/internal/logging"
	"formbar/pkg/types"
)

var errInvalidID = types.Validation("invalid_id", "id must be a positive integer")

type errorBody struct {
	Message string            `json:"message"`
	Reason  string            `json:"reason"`
	Fields  map[string]string `json:"fields,omitempty"`
}

type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *errorBody  `json:"error,omitempty"`
}

func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, envelope{Success: true, Data: data})
}

func statusOf(appErr *types.AppError) int {
	if appErr == auth.ErrMissingToken || appErr == auth.ErrInvalidToken {
		return http.StatusUnauthorized
	}
	switch appErr.Kind {
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindForbidden:
		return http.StatusForbidden
	case types.KindValidation:
		return http.StatusBadRequest
	case types.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// errorHandler renders every failure in the error envelope. Internal errors
// are reported and their detail hidden from the client.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var code int
	var body *errorBody
	if httpErr, ok := err.(*echo.HTTPError); ok {
		code = httpErr.Code
		message := http.StatusText(code)
		if m, ok := httpErr.Message.(string); ok {
			message = m
		}
		body = &errorBody{
			Message: message,
			Reason:  strings.ReplaceAll(strings.ToLower(http.StatusText(code)), " ", "_"),
		}
	} else {
		appErr := types.AsAppError(err)
		code = statusOf(appErr)
		body = &errorBody{Message: appErr.Message, Reason: appErr.Reason, Fields: appErr.Fields}
		if appErr.Kind == types.KindInternal {
			extras := map[string]interface{}{
				"method": c.Request().Method,
				"path":   c.Path(),
			}
			if principal, ok := auth.PrincipalFrom(c); ok {
				extras["user"] = principal.Email
			}
			logging.Report(err, extras)
			if s.app.Debug {
				body.Message = err.Error()
			}
		}
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, envelope{Success: false, Error: body})
	}
	if err != nil {
		log.Errorf("failed to write error response: %v", err)
	}
}
