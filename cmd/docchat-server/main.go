// Package main provides the docchat server: the REST API and MCP over HTTP,
// or MCP over stdio for local clients.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/bull/docchat/internal/app"
	"github.com/bull/docchat/internal/config"
	"github.com/bull/docchat/internal/httpapi"
	mcpserver "github.com/bull/docchat/internal/mcp"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Create context that cancels on SIGTERM/SIGINT
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load(getEnv("DOCCHAT_CONFIG", "docchat.yaml"))
	if err != nil {
		return err
	}
	// stdout carries the MCP stream in stdio mode.
	logger := cfg.Log.Logger(os.Stderr)
	slog.SetDefault(logger)

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.Ingest.Recover(ctx); err != nil {
		return err
	}
	chatSvc, err := a.Chat(ctx)
	if err != nil {
		return err
	}

	server := mcpserver.NewServer(&mcpserver.Config{
		Chat:      chatSvc,
		Documents: a.Ingest,
	})

	if cfg.Server.Mode == "stdio" {
		logger.Info("Starting docchat MCP server (stdio mode)")
		return server.Run(ctx)
	}

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httpapi.NewRouter(httpapi.Config{
		Chat:   chatSvc,
		Ingest: a.Ingest,
		Checks: map[string]httpapi.HealthChecker{
			"vector_store": a.Vectors,
			"store":        a.Store,
		},
		MCP:    mcpserver.NewHTTPHandler(server, &mcpserver.HTTPHandlerOptions{Stateless: true}),
		Logger: logger.With("component", "http"),
	})

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: router}
	errc := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", "addr", cfg.Server.Addr, "mcp", "/mcp", "api", "/api/v1", "health", "/health")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down", "timeout", cfg.Server.ShutdownTimeout)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	return srv.Shutdown(shutdownCtx)
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
