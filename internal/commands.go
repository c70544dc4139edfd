package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/starford/slabsync/internal/indicator"
	"github.com/starford/slabsync/internal/mcpserver"
	"github.com/starford/slabsync/internal/models"
	"github.com/starford/slabsync/internal/syncengine"
)

// oneShot builds the stack for a command that runs once and prints JSON.
func oneShot(ctx context.Context, opts []Option, fn func(ctx context.Context, app *application, st *stack) (any, error)) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	logger, logCloser, err := newLogger(app.config, os.Stderr)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logCloser.Close()

	st, err := buildStack(ctx, app.config, app.version, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	st.checkConnectivity(ctx)

	v, err := fn(ctx, app, st)
	if err != nil {
		return err
	}
	return printJSON(app.out, v)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// SyncOnce runs a single drain and prints its result.
func SyncOnce(ctx context.Context, opts ...Option) error {
	return oneShot(ctx, opts, func(ctx context.Context, _ *application, st *stack) (any, error) {
		if !st.monitor.IsOnline() {
			st.logger.Warn("sync: remote unreachable, nothing sent")
		}
		return st.engine.SyncPendingMutations(ctx)
	})
}

// PrintStatus prints the indicator snapshot together with the queue.
func PrintStatus(ctx context.Context, opts ...Option) error {
	return oneShot(ctx, opts, func(ctx context.Context, _ *application, st *stack) (any, error) {
		status, err := indicator.New(st.engine, nil, st.logger).Status(ctx)
		if err != nil {
			return nil, err
		}
		pending, err := st.engine.PendingMutations(ctx)
		if err != nil {
			return nil, err
		}
		return struct {
			indicator.Status
			Mutations []models.Mutation `json:"mutations"`
		}{status, pending}, nil
	})
}

// RefreshCache refreshes the named partitions, or all of them when none
// are given.
func RefreshCache(ctx context.Context, partitions []string, opts ...Option) error {
	return oneShot(ctx, opts, func(ctx context.Context, _ *application, st *stack) (any, error) {
		targets := models.Partitions
		if len(partitions) > 0 {
			targets = make([]models.Partition, 0, len(partitions))
			for _, p := range partitions {
				targets = append(targets, models.Partition(p))
			}
		}
		out := make([]syncengine.RefreshResult, 0, len(targets))
		for _, p := range targets {
			res, err := st.engine.Refresh(ctx, p)
			if err != nil {
				return nil, fmt.Errorf("refresh %s: %w", p, err)
			}
			out = append(out, res)
		}
		return out, nil
	})
}

// ServeMCP runs the MCP server on stdio. The connectivity source and
// reconnect-driven drains keep running in the background.
func ServeMCP(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	logger, logCloser, err := newLogger(app.config, os.Stderr)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	st, err := buildStack(ctx, app.config, app.version, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	bgCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := st.watchConnectivity(bgCtx); err != nil {
			logger.Error("connectivity: source failed", slog.String("error", err.Error()))
		}
	}()
	detach := st.engine.Attach(bgCtx)
	defer func() {
		detach()
		st.engine.Wait()
	}()

	ind := indicator.New(st.engine, nil, logger)
	return mcpserver.New(ind, st.engine, st.store, app.version).ServeStdio()
}
