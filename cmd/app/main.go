package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/slabsync/internal"
	pkgconfig "github.com/starford/slabsync/pkg/config"
)

var version = "dev"

func options(cmd *cli.Command) ([]internal.Option, error) {
	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.LoadOptional(cmd.String("config"), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return []internal.Option{
		internal.WithConfig(cfg),
		internal.WithVersion(version),
	}, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	opts, err := options(cmd)
	if err != nil {
		return err
	}
	if err := internal.Run(ctx, opts...); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}
	return nil
}

func syncOnce(ctx context.Context, cmd *cli.Command) error {
	opts, err := options(cmd)
	if err != nil {
		return err
	}
	return internal.SyncOnce(ctx, opts...)
}

func status(ctx context.Context, cmd *cli.Command) error {
	opts, err := options(cmd)
	if err != nil {
		return err
	}
	return internal.PrintStatus(ctx, opts...)
}

func refresh(ctx context.Context, cmd *cli.Command) error {
	opts, err := options(cmd)
	if err != nil {
		return err
	}
	return internal.RefreshCache(ctx, cmd.StringSlice("partition"), opts...)
}

func serveMCP(ctx context.Context, cmd *cli.Command) error {
	opts, err := options(cmd)
	if err != nil {
		return err
	}
	return internal.ServeMCP(ctx, opts...)
}

func main() {
	cmd := &cli.Command{
		Name:    "slabsync",
		Usage:   "Offline mutation queue and sync agent for the stone trading app",
		Version: version,
		Action:  serve,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the local HTTP surface and background sync (default)",
				Action: serve,
			},
			{
				Name:   "sync",
				Usage:  "Drain the outbox once and print the result",
				Action: syncOnce,
			},
			{
				Name:   "status",
				Usage:  "Print connectivity, pending mutations and the queue",
				Action: status,
			},
			{
				Name:   "refresh",
				Usage:  "Download cache partitions from the remote API",
				Action: refresh,
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:    "partition",
						Aliases: []string{"p"},
						Usage:   "Partition to refresh (repeatable; default all)",
					},
				},
			},
			{
				Name:   "mcp",
				Usage:  "Serve MCP tools on stdio",
				Action: serveMCP,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
