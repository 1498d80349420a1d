// Package httpapi serves document ingestion and chat over a JSON REST API.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bull/docchat/internal/chat"
	"github.com/bull/docchat/internal/document"
)

// Chat runs question turns and reads conversation history.
type Chat interface {
	Ask(ctx context.Context, req chat.AskRequest) (*chat.Reply, error)
	History(ctx context.Context, conversationID string, lastN int) ([]document.ChatMessage, error)
}

// Ingestion accepts documents and reports their status.
type Ingestion interface {
	Submit(ctx context.Context, ref, userID, projectID string) (string, error)
	Status(ctx context.Context, id string) (*document.Document, error)
	List(ctx context.Context, projectID string) ([]document.Document, error)
	Delete(ctx context.Context, id string) error
}

// Config holds router dependencies.
type Config struct {
	Chat   Chat
	Ingest Ingestion
	// Checks are probed by /health, keyed by component name.
	Checks map[string]HealthChecker
	// MCP, when set, is mounted at /mcp.
	MCP    http.Handler
	Logger *slog.Logger
}

// Handler holds the API's request handlers.
type Handler struct {
	chat   Chat
	ingest Ingestion
	logger *slog.Logger
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(cfg Config) *gin.Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{chat: cfg.Chat, ingest: cfg.Ingest, logger: logger}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	router.GET("/", landing)
	router.GET("/health", newHealthHandler(cfg.Checks))
	if cfg.MCP != nil {
		router.Any("/mcp", gin.WrapH(cfg.MCP))
	}

	apiV1 := router.Group("/api/v1")
	{
		apiV1.POST("/documents", h.SubmitDocument)
		apiV1.GET("/documents", h.ListDocuments)
		apiV1.GET("/documents/:id", h.GetDocument)
		apiV1.DELETE("/documents/:id", h.DeleteDocument)
		apiV1.POST("/conversations/:id/ask", h.Ask)
		apiV1.GET("/conversations/:id/messages", h.Messages)
	}
	return router
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		logger.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
		)
	}
}
