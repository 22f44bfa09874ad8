package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/filevault/filevault/internal/app"
	"github.com/filevault/filevault/internal/logging/ship"
	"github.com/filevault/filevault/internal/store"
	"github.com/filevault/filevault/internal/svc"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the filevault server",
		Long: `Run the filevault HTTP server.

Without --config the server uses an in-memory metadata store and keeps blobs
under /var/lib/filevault. Keys for URL signing and encryption at rest are
generated in the data directory on first start.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if serviceRun {
				return svc.Run(&svc.Config{ConfigPath: cfgFile}, runServer)
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfgFile)
		},
	}
}

// runServer loads configPath and serves until ctx is cancelled.
func runServer(ctx context.Context, configPath string) error {
	cfgFile = configPath
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	var extras []io.Writer
	if serviceRun {
		if f := serviceLogFile(); f != nil {
			extras = append(extras, f)
		}
	}
	if sc := cfg.Log.Ship; sc.URL != "" {
		shipper, err := ship.New(ship.Config{
			URL:           sc.URL,
			Labels:        sc.Labels,
			BatchSize:     sc.BatchSize,
			FlushInterval: sc.FlushInterval.D(),
		})
		if err != nil {
			return err
		}
		shipper.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shipper.Stop(stopCtx)
		}()
		extras = append(extras, shipper)
	}
	setupLogging(cfg.Log, extras...)

	log.Info().
		Str("version", Version).
		Str("listen", cfg.Listen).
		Str("database", cfg.Database.Driver).
		Str("blob", cfg.Blob.Driver).
		Msg("starting filevault")

	a, err := app.New(ctx, cfg, Version)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Msg("close store")
		}
	}()
	return a.Run(ctx)
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			setupLogging(cfg.Log)
			if cfg.Database.Driver != "postgres" {
				return errors.New("migrate needs database.driver postgres (or FILEVAULT_DSN)")
			}
			pg, err := store.OpenPostgres(cmd.Context(), cfg.Database.DSN)
			if err != nil {
				return err
			}
			defer func() { _ = pg.Close() }()
			return pg.Migrate(cmd.Context())
		},
	}
}

func newGCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Run one garbage collection pass and exit",
		Long: `Expire stale upload sessions (releasing their quota reservations and
chunks) and purge files deleted longer ago than gc.tombstone_retention.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			setupLogging(cfg.Log)
			if cfg.Database.Driver == "memory" {
				log.Warn().Msg("gc against an in-memory store has nothing to collect")
			}
			a, err := app.New(cmd.Context(), cfg, Version)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			res, err := a.GC(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Expired sessions: %d\nPurged files:     %d\n", res.Sessions, res.Files)
			return nil
		},
	}
}
