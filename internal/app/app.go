// Package app assembles a filevault server from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/filevault/filevault/internal/api"
	"github.com/filevault/filevault/internal/batch"
	"github.com/filevault/filevault/internal/blob"
	"github.com/filevault/filevault/internal/config"
	"github.com/filevault/filevault/internal/logging/audit"
	"github.com/filevault/filevault/internal/metrics"
	"github.com/filevault/filevault/internal/notify"
	"github.com/filevault/filevault/internal/quota"
	"github.com/filevault/filevault/internal/share"
	"github.com/filevault/filevault/internal/store"
	"github.com/filevault/filevault/internal/thumbnail"
	"github.com/filevault/filevault/internal/upload"
	"github.com/filevault/filevault/internal/versions"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 10 * time.Second

// App is a fully wired server.
type App struct {
	cfg     *config.Config
	version string

	Store    store.Store
	Blobs    blob.Store
	Ledger   *quota.Ledger
	Uploads  *upload.Manager
	Versions *versions.Service
	Shares   *share.Service
	Batch    *batch.Executor
	Hub      *notify.Hub
	Metrics  *metrics.VaultMetrics
	Audit    *audit.Logger
	API      *api.Server
}

// New builds every component named by cfg. Postgres schemas are migrated
// before the store is used.
func New(ctx context.Context, cfg *config.Config, version string) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, version: version, Audit: audit.NewLogger(log.Logger)}
	if cfg.Metrics.Enabled {
		a.Metrics = metrics.InitVaultMetrics(metrics.Registry)
	}

	st, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Store = st

	blobs, blobHandler, err := openBlobs(ctx, cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	a.Blobs = blobs

	spool := filepath.Join(cfg.DataDir, "spool")
	if err := os.MkdirAll(spool, 0o700); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("create spool dir: %w", err)
	}

	a.Ledger = quota.NewLedger(st, a.Metrics)
	a.Versions = versions.NewService(st, blobs, a.Ledger, a.Audit)
	chunks := upload.NewChunkStore(blobs)
	merger := upload.NewMerger(upload.MergerDeps{
		Store:    st,
		Blobs:    blobs,
		Chunks:   chunks,
		Ledger:   a.Ledger,
		Versions: a.Versions,
		Deriver:  thumbnail.NewGenerator(blobs, a.Metrics),
		Metrics:  a.Metrics,
		Audit:    a.Audit,
		SpoolDir: spool,
	})
	a.Uploads = upload.NewManager(upload.Config{
		ChunkSize:    cfg.Upload.ChunkSize.Bytes(),
		MaxFileSize:  cfg.Upload.MaxFileSize.Bytes(),
		SessionTTL:   cfg.Upload.SessionTTL.D(),
		MergeTimeout: cfg.Upload.MergeTimeout.D(),
	}, upload.Deps{
		Store:   st,
		Ledger:  a.Ledger,
		Chunks:  chunks,
		Merger:  merger,
		Metrics: a.Metrics,
		Audit:   a.Audit,
	})
	a.Shares = share.NewService(share.Config{
		MaxCodeAttempts: cfg.Share.CodeAttempts,
		SignedURLTTL:    cfg.Share.SignedURLTTL.D(),
		PublicBaseURL:   cfg.Share.PublicBaseURL,
	}, st, blobs, a.Metrics, a.Audit)

	a.Hub = notify.NewHub()
	a.Batch = batch.NewExecutor(st, notify.Multi{notify.LogNotifier{}, a.Hub}, a.Metrics, a.Audit)

	a.API = api.NewServer(api.Config{
		AdminToken:        cfg.AdminToken,
		DefaultVaultQuota: cfg.DefaultVaultQuota.Bytes(),
		MetricsEnabled:    cfg.Metrics.Enabled,
		Version:           version,
	}, api.Services{
		Store:    st,
		Ledger:   a.Ledger,
		Uploads:  a.Uploads,
		Versions: a.Versions,
		Shares:   a.Shares,
		Batch:    a.Batch,
		Events:   a.Hub,
		Blobs:    blobHandler,
		Metrics:  a.Metrics,
		Audit:    a.Audit,
	})
	return a, nil
}

// OpenStore opens the metadata store named by cfg.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case "memory":
		log.Warn().Msg("using in-memory metadata store; data is lost on restart")
		return store.NewMemoryStore(), nil
	case "postgres":
		pg, err := store.OpenPostgres(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, err
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

// openBlobs opens the object store. The handler is non-nil when the store
// serves its own signed URLs.
func openBlobs(ctx context.Context, cfg *config.Config) (blob.Store, http.Handler, error) {
	switch cfg.Blob.Driver {
	case "memory":
		return blob.NewMemoryStore(), nil, nil
	case "disk":
		signing, err := cfg.SigningKey()
		if err != nil {
			return nil, nil, fmt.Errorf("signing key: %w", err)
		}
		master, err := cfg.MasterKey()
		if err != nil {
			return nil, nil, fmt.Errorf("master key: %w", err)
		}
		d, err := blob.NewDiskStore(blob.DiskConfig{
			Dir:        cfg.Blob.Dir,
			MasterKey:  master,
			SigningKey: signing,
			BaseURL:    cfg.Blob.BaseURL,
		})
		if err != nil {
			return nil, nil, err
		}
		return d, d.Handler(), nil
	case "s3":
		s, err := blob.NewS3Store(ctx, blob.S3Config{
			Bucket:    cfg.Blob.S3.Bucket,
			Region:    cfg.Blob.S3.Region,
			Endpoint:  cfg.Blob.S3.Endpoint,
			Prefix:    cfg.Blob.S3.Prefix,
			AccessKey: cfg.Blob.S3.AccessKey,
			SecretKey: cfg.Blob.S3.SecretKey,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown blob driver %q", cfg.Blob.Driver)
	}
}

// Run listens on the configured address and serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.cfg.Listen, err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves the API on ln and runs the GC loop until ctx is cancelled,
// then shuts the HTTP server down gracefully.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.API,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", ln.Addr().String()).Str("version", a.version).Msg("filevault listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	gcDone := make(chan struct{})
	go func() {
		defer close(gcDone)
		a.gcLoop(ctx)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	<-gcDone
	return serveErr
}

func (a *App) gcLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.GC.Interval.D())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.GC(ctx); err != nil {
				log.Warn().Err(err).Msg("gc pass failed")
			}
		}
	}
}

// GCResult counts what one GC pass reclaimed.
type GCResult struct {
	Sessions int `json:"sessions"`
	Files    int `json:"files"`
}

// GC expires stale upload sessions and purges files whose tombstones are
// older than the configured retention.
func (a *App) GC(ctx context.Context) (GCResult, error) {
	var res GCResult
	now := time.Now().UTC()

	n, err := a.Uploads.Reclaim(ctx, now)
	res.Sessions = n
	if err != nil {
		return res, fmt.Errorf("reclaim sessions: %w", err)
	}

	n, err = a.Versions.PurgeDeleted(ctx, now.Add(-a.cfg.GC.TombstoneRetention.D()))
	res.Files = n
	if err != nil {
		return res, fmt.Errorf("purge deleted files: %w", err)
	}
	if res.Sessions > 0 || res.Files > 0 {
		log.Info().Int("sessions", res.Sessions).Int("files", res.Files).Msg("gc pass reclaimed")
	}
	return res, nil
}

// Close releases the metadata store.
func (a *App) Close() error {
	return a.Store.Close()
}
