package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const healthTimeout = 3 * time.Second

// HealthResponse represents the JSON response from the health check endpoint.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
	Timestamp  string            `json:"timestamp"`
}

// HealthChecker is implemented by the vector store and the metadata store.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// newHealthHandler probes every check and answers 503 when any of them fails.
func newHealthHandler(checks map[string]HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()

		response := HealthResponse{
			Status:     "healthy",
			Components: make(map[string]string, len(checks)),
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
		}
		code := http.StatusOK
		for name, check := range checks {
			if err := check.Health(ctx); err != nil {
				response.Components[name] = "disconnected"
				response.Status = "unhealthy"
				code = http.StatusServiceUnavailable
				continue
			}
			response.Components[name] = "connected"
		}
		c.JSON(code, response)
	}
}
