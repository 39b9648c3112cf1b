package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	mcpadapter "github.com/kirillkom/passage-retrieval/internal/adapters/mcp"
	"github.com/kirillkom/passage-retrieval/internal/bootstrap"
	"github.com/kirillkom/passage-retrieval/internal/config"
	"github.com/kirillkom/passage-retrieval/internal/infrastructure/queue/nats"
	"github.com/kirillkom/passage-retrieval/internal/observability/logging"
)

const version = "0.1.0"

func main() {
	httpAddr := flag.String("http", "", "serve streamable HTTP on this address instead of stdio")
	flag.Parse()

	_ = godotenv.Load()
	cfg := config.Load()
	// stdout carries the JSON-RPC stream.
	logger := logging.NewJSONLoggerTo(os.Stderr, "mcp", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger, nats.Options{})
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	tools := mcpadapter.NewTools(app.Retriever, app.Documents, cfg.SearchDefaultMinScore)
	mcpServer := mcpadapter.NewServer("passage-retrieval", version, tools)

	if *httpAddr != "" {
		logger.Info("mcp_http_listening", "addr", *httpAddr)
		httpServer := server.NewStreamableHTTPServer(mcpServer)
		go func() {
			<-ctx.Done()
			_ = httpServer.Shutdown(context.Background())
		}()
		if err := httpServer.Start(*httpAddr); err != nil && ctx.Err() == nil {
			logger.Error("mcp_http_failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := server.ServeStdio(mcpServer); err != nil {
		logger.Error("mcp_stdio_failed", "error", err)
		os.Exit(1)
	}
}
