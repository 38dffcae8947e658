package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gyeh/volumetria/internal/batch"
	"github.com/gyeh/volumetria/internal/model"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var errInvalidRequest = errors.New("invalid_request")

// ErrorHandlingMiddleware renders the last handler error when the handler
// wrote nothing.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}
		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}
		status, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func abortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	if kind := batch.KindOf(err); kind != "" {
		return kindStatus(kind), errorPayload{Type: string(kind), Message: err.Error()}
	}
	switch {
	case errors.Is(err, errInvalidRequest):
		return http.StatusBadRequest, errorPayload{Type: "invalid_request", Message: err.Error()}
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, errorPayload{Type: "not_found", Message: err.Error()}
	case errors.Is(err, model.ErrCursorConflict):
		return http.StatusConflict, errorPayload{Type: "cursor_conflict", Message: err.Error()}
	default:
		return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
	}
}

func kindStatus(kind batch.ErrorKind) int {
	switch kind {
	case batch.KindInvalidRequest:
		return http.StatusBadRequest
	case batch.KindNotFound:
		return http.StatusNotFound
	case batch.KindCursorConflict, batch.KindCatalogMismatch:
		return http.StatusConflict
	case batch.KindDiscrepancy, batch.KindMalformedInput, batch.KindLookupMiss:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
