package http

import (
	"errors"
	"net/http"

	"crewwatch/internal/control"
	"crewwatch/internal/jsonx"
	"crewwatch/internal/logging"

	"github.com/gin-gonic/gin"
)

type apiErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

var responseLogger = logging.NewComponentLogger("HTTPResponse")

func writeJSON(c *gin.Context, status int, payload any) {
	data, err := jsonx.Marshal(payload)
	if err != nil {
		data, err = jsonx.MarshalSafe(payload)
	}
	if err != nil {
		responseLogger.Error("Failed to encode JSON response: %v", err)
		status = http.StatusInternalServerError
		data = []byte(`{"error":"failed to encode response"}`)
	}
	c.Data(status, "application/json; charset=utf-8", data)
}

func writeJSONError(c *gin.Context, status int, message string, err error) {
	if err != nil && status >= http.StatusInternalServerError {
		responseLogger.Error("HTTP %d - %s: %v", status, message, err)
	} else {
		responseLogger.Warn("HTTP %d - %s", status, message)
	}
	resp := apiErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(c, status, resp)
}

// statusFor maps control-plane errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, control.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, control.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, control.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(c *gin.Context, message string, err error) {
	writeJSONError(c, statusFor(err), message, err)
}
