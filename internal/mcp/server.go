package mcp

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/bull/docchat/internal/chat"
	"github.com/bull/docchat/internal/document"
)

// Asker answers questions and searches a project's documents.
type Asker interface {
	Ask(ctx context.Context, req chat.AskRequest) (*chat.Reply, error)
	Search(ctx context.Context, scope document.Scope, query string, k int) ([]document.RetrievalResult, error)
}

// Documents reports ingestion status.
type Documents interface {
	Status(ctx context.Context, id string) (*document.Document, error)
	List(ctx context.Context, projectID string) ([]document.Document, error)
}

// Server wraps the MCP server with dependencies.
type Server struct {
	server *mcp.Server
}

// Config holds server dependencies.
type Config struct {
	Chat      Asker
	Documents Documents
	// DefaultUser owns conversations started without a user id.
	DefaultUser string
	Version     string
}

// NewServer creates a configured MCP server with tools registered.
func NewServer(cfg *Config) *Server {
	version := cfg.Version
	if version == "" {
		version = "v0.1.0"
	}
	defaultUser := cfg.DefaultUser
	if defaultUser == "" {
		defaultUser = "mcp"
	}

	server := mcp.NewServer(&mcp.Implementation{Name: "docchat", Version: version}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ask_documents",
		Description: "Ask a question about a project's documents. Answers cite the retrieved passages as [n]. Pass the returned conversation_id to ask follow-up questions.",
	}, makeAskHandler(cfg.Chat, defaultUser))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "search_documents",
		Description: "Semantic search over a project's ingested documents. Returns ranked passages with page ranges.",
	}, makeSearchHandler(cfg.Chat))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "document_status",
		Description: "Report the ingestion status of a document, or of every document in a project, including failed and low confidence pages.",
	}, makeStatusHandler(cfg.Documents))

	return &Server{server: server}
}

// Run starts the server with stdio transport (blocks until client disconnects).
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// MCPServer returns the underlying MCP server instance.
func (s *Server) MCPServer() *mcp.Server {
	return s.server
}
