package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bull/docchat/internal/document"
)

// statusFor maps a service error to its HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, document.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, document.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, document.ErrIngestionInProgress):
		return http.StatusConflict
	case errors.Is(err, document.ErrCompletionTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, document.ErrCompletionFailure), errors.Is(err, document.ErrEmbeddingUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, document.ErrVectorStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error("Request failed", "path", c.FullPath(), "status", code, "error", err)
	}
	c.JSON(code, gin.H{"error": err.Error()})
}
