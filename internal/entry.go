// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/starford/sowilo/internal/api"
	"github.com/starford/sowilo/internal/embedding"
	"github.com/starford/sowilo/internal/graph"
	"github.com/starford/sowilo/internal/index"
	"github.com/starford/sowilo/internal/mcpserver"
	"github.com/starford/sowilo/internal/noteservice"
	"github.com/starford/sowilo/internal/search"
	"github.com/starford/sowilo/internal/sse"
)

// core is everything between the store and the transports.
type core struct {
	db       *index.DB
	resolver *embedding.Resolver
	notes    *noteservice.Service
	search   *search.Engine
	graph    *graph.Builder
}

func newApplication(opts []Option, defaultOut io.Writer) (*application, *slog.Logger, error) {
	app := &application{version: "dev", logOutput: defaultOut}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, nil, fmt.Errorf("config is required")
	}

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(app.logOutput, &slog.HandlerOptions{
		Level: app.config.App.LogLevel,
	}))
	slog.SetDefault(logger)
	return app, logger, nil
}

func openCore(cfg *Config, logger *slog.Logger, noteOpts ...noteservice.Option) (*core, error) {
	db, err := index.Open(cfg.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("init index: %w", err)
	}

	resolver := embedding.NewResolver(cfg.Embedding, logger)
	gen := embedding.NewGenerator(resolver, cfg.Embedding, logger)

	noteOpts = append([]noteservice.Option{noteservice.WithLogger(logger)}, noteOpts...)
	return &core{
		db:       db,
		resolver: resolver,
		notes:    noteservice.NewService(db, gen, noteOpts...),
		search:   search.NewEngine(db, gen, cfg.Search, logger),
		graph:    graph.NewBuilder(db, gen, cfg.Graph, logger),
	}, nil
}

func (c *core) Close() error {
	return c.db.Close()
}

// Run starts the HTTP server with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app, logger, err := newApplication(opts, os.Stdout)
	if err != nil {
		return err
	}
	cfg := app.config

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.String("embedding_provider", cfg.Embedding.Provider),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// SSE broker.
	broker := sse.NewBroker(sse.Options{GraphThrottle: cfg.Events.GraphThrottle, Logger: logger})
	defer broker.Close()

	c, err := openCore(cfg, logger, noteservice.WithPublisher(broker))
	if err != nil {
		return err
	}
	defer c.Close()

	// Resolve eagerly so a misconfigured provider is reported at startup.
	status := c.resolver.Status()
	logger.Info("Semantic search",
		slog.Bool("enabled", status.Enabled),
		slog.String("provider", status.Provider),
		slog.String("reason", status.Reason))

	h := api.NewHandler(c.notes, c.search, c.graph, c.resolver)
	apiRouter := api.NewRouter(h, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(api.MetricsMiddleware)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := c.db.Ping(r.Context()); err != nil {
			logger.Warn("readiness check failed", slog.String("error", err.Error()))
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		// Close event streams first; Shutdown does not wait for hijacked or
		// long-lived responses to finish on their own.
		broker.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// RunMCP serves the MCP tools over stdio until the client disconnects.
func RunMCP(_ context.Context, opts ...Option) error {
	app, logger, err := newApplication(opts, os.Stderr)
	if err != nil {
		return err
	}

	c, err := openCore(app.config, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	logger.Info("Starting MCP server on stdio")
	return mcpserver.New(c.notes, c.search, c.graph, app.version).ServeStdio()
}

// Reembed backfills embeddings for notes that have none or whose vector does
// not match the active provider's dimension.
func Reembed(ctx context.Context, workers int, opts ...Option) (noteservice.ReembedResult, error) {
	app, logger, err := newApplication(opts, os.Stderr)
	if err != nil {
		return noteservice.ReembedResult{}, err
	}

	c, err := openCore(app.config, logger)
	if err != nil {
		return noteservice.ReembedResult{}, err
	}
	defer c.Close()

	if st := c.resolver.Status(); !st.Enabled {
		return noteservice.ReembedResult{}, fmt.Errorf("embeddings disabled: %s", st.Reason)
	}
	return c.notes.Reembed(ctx, workers)
}
