// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/starford/slabsync/internal/api"
	"github.com/starford/slabsync/internal/indicator"
	"github.com/starford/slabsync/internal/sse"
	"github.com/starford/slabsync/internal/telemetry"
)

// Run starts the sync agent: the local HTTP surface, the connectivity
// source, the reconnect-driven and periodic drains. It returns after a
// signal or ctx cancellation, once in-flight drains have finished.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config

	logger, logCloser, err := newLogger(cfg, nil)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.String("remote", cfg.Remote.BaseURL),
		slog.String("connectivity", cfg.Connectivity.Mode),
		slog.String("log_level", cfg.App.LogLevel.String()))

	shutdownTracing := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     app.version,
	}, logger)
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			logger.Warn("telemetry: shutdown failed", slog.String("error", err.Error()))
		}
	}()

	st, err := buildStack(ctx, cfg, app.version, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	broker := sse.NewBroker(time.Second)
	defer broker.Close()

	ind := indicator.New(st.engine, broker, logger)
	stopWatch := ind.Watch(st.monitor)
	defer stopWatch()

	apiRouter := api.NewRouter(ind, st.engine, st.store, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := st.conn.PingContext(req.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"database unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           otelhttp.NewHandler(r, "slabsync"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gCtx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		return st.watchConnectivity(gCtx)
	})

	detach := st.engine.Attach(gCtx)

	if cfg.Sync.Interval > 0 {
		g.Go(func() error {
			return st.engine.Loop(gCtx, cfg.Sync.Interval)
		})
	}

	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

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

		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		cancel()
		return nil
	})

	err = g.Wait()
	detach()
	logger.Info("Waiting for in-flight drains")
	st.engine.Wait()

	if err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("Server stopped successfully")
	return nil
}
