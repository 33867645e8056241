package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/campusconnect/internal/api"
	"github.com/kalambet/campusconnect/internal/ingest"
	"github.com/kalambet/campusconnect/internal/observability"
	"github.com/kalambet/campusconnect/internal/ollama"
)

var (
	serveStdio     bool
	servePullModel bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the MCP stdio server and the embedding worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveStdio, "stdio", true, "serve MCP tools on stdin/stdout")
	serveCmd.Flags().BoolVar(&servePullModel, "pull", true, "pull the embedding model when Ollama does not have it")
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "campusconnect version %s\n", version)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := observability.InitTracing(ctx, observability.TracingConfig{
		ServiceName:    "campusconnect",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SampleRate:     cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.Warn("flushing traces", "error", err)
		}
	}()

	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Check the embedding model before accepting traffic.
	if servePullModel {
		if err := ollama.EnsureModel(ctx, a.ollama, cfg.Ollama.EmbedModel, os.Stderr); err != nil {
			return err
		}
	} else if !a.ollama.HasModel(ctx, cfg.Ollama.EmbedModel) {
		printWarning("embedding model %s is not available; searches will fail until it is pulled", cfg.Ollama.EmbedModel)
	}
	if err := a.prepareIndex(ctx); err != nil {
		return err
	}

	deps := api.Deps{
		Search:       a.search,
		Profiles:     a.profiles,
		Token:        cfg.Server.APIToken,
		DefaultLimit: cfg.Search.DefaultLimit,
	}
	if deps.Token == "" {
		slog.Warn("no API token configured, /v1 routes are unauthenticated")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewHandler(deps),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	worker := ingest.NewWorker(a.store, a.embedder, a.index, 500*time.Millisecond)
	go worker.Run(ctx)

	if serveStdio {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(deps, version))
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", addr, "index", cfg.Index.Backend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
