package internal

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/starford/slabsync/internal/connectivity"
	"github.com/starford/slabsync/internal/db"
	"github.com/starford/slabsync/internal/localstore"
	"github.com/starford/slabsync/internal/logging"
	"github.com/starford/slabsync/internal/outbox"
	"github.com/starford/slabsync/internal/remote"
	"github.com/starford/slabsync/internal/syncengine"
)

// stack is every long-lived component, built once per process.
type stack struct {
	cfg     *Config
	logger  *slog.Logger
	conn    *sql.DB
	store   *localstore.Store
	outbox  *outbox.Outbox
	client  *remote.Client
	monitor *connectivity.Monitor
	engine  *syncengine.Engine
}

func newApplication(opts []Option) (*application, error) {
	app := &application{version: "dev", out: os.Stdout}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	return app, nil
}

// newLogger builds the logger. stdout carries protocol data in MCP mode
// and JSON results in one-shot commands, so those log to stderr.
func newLogger(cfg *Config, w io.Writer) (*slog.Logger, io.Closer, error) {
	return logging.New(logging.Options{
		Level:      cfg.App.LogLevel,
		File:       cfg.App.Log.File,
		MaxSizeMB:  cfg.App.Log.MaxSizeMB,
		MaxBackups: cfg.App.Log.MaxBackups,
		MaxAgeDays: cfg.App.Log.MaxAgeDays,
		Compress:   cfg.App.Log.Compress,
		Stdout:     w,
	})
}

func buildStack(ctx context.Context, cfg *Config, version string, logger *slog.Logger) (*stack, error) {
	conn, err := db.Open(cfg.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	store, err := localstore.New(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	ob, err := outbox.New(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	client := remote.New(remote.Config{
		BaseURL:   cfg.Remote.BaseURL,
		Token:     cfg.Remote.Token,
		StoreID:   cfg.Remote.StoreID,
		Timeout:   cfg.Remote.Timeout,
		UserAgent: "slabsync/" + version,
	})
	monitor := connectivity.NewMonitor(cfg.Connectivity.Mode == ConnectivityStatic, logger)

	engine := syncengine.New(conn, store, ob, client, monitor,
		syncengine.WithLogger(logger),
		syncengine.WithDrainOnSubmit(cfg.Sync.DrainOnSubmit),
		syncengine.WithCacheTTL(cfg.Sync.CacheTTL),
		syncengine.WithEndpoints(cfg.Sync.PartitionEndpoints()),
		syncengine.WithAuthFailureHook(func(err error) {
			logger.Error("sync: remote rejected credentials, session must be renewed",
				slog.String("error", err.Error()))
		}),
	)

	return &stack{
		cfg:     cfg,
		logger:  logger,
		conn:    conn,
		store:   store,
		outbox:  ob,
		client:  client,
		monitor: monitor,
		engine:  engine,
	}, nil
}

func (s *stack) Close() error {
	return s.conn.Close()
}

// watchConnectivity feeds the configured signal source into the monitor
// until ctx is cancelled.
func (s *stack) watchConnectivity(ctx context.Context) error {
	c := s.cfg.Connectivity
	switch c.Mode {
	case ConnectivityProbe:
		return connectivity.Poll(ctx, s.monitor, s.client, c.ProbePath, c.Interval, c.Timeout, s.logger)
	case ConnectivityFile:
		return connectivity.WatchFlag(ctx, s.monitor, c.FlagFile, s.logger)
	default:
		s.monitor.Set(true)
		<-ctx.Done()
		return nil
	}
}

// checkConnectivity takes one reading of the signal source, for one-shot
// commands that do not keep a watcher running.
func (s *stack) checkConnectivity(ctx context.Context) {
	c := s.cfg.Connectivity
	switch c.Mode {
	case ConnectivityProbe:
		timeout := c.Timeout
		if timeout <= 0 {
			timeout = s.cfg.Remote.Timeout
		}
		pctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		status, err := s.client.Ping(pctx, c.ProbePath)
		s.monitor.Set(err == nil && status < http.StatusInternalServerError)
	case ConnectivityFile:
		_, err := os.Stat(c.FlagFile)
		s.monitor.Set(err == nil)
	default:
		s.monitor.Set(true)
	}
}
