package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/filevault/filevault/internal/blob"
	"github.com/filevault/filevault/internal/logging/audit"
	"github.com/filevault/filevault/internal/metrics"
	"github.com/filevault/filevault/internal/quota"
	"github.com/filevault/filevault/internal/store"
	"github.com/filevault/filevault/internal/thumbnail"
	"github.com/filevault/filevault/internal/vault"
	"github.com/filevault/filevault/internal/versions"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Deriver produces derived assets for merged content.
type Deriver interface {
	Generate(ctx context.Context, sourceKey, mimeType string, src io.ReadSeeker) thumbnail.Result
}

// MergeStore is the part of the persistence layer a merge touches.
type MergeStore interface {
	store.SessionStore
	store.FileStore
	store.FolderStore
}

// MergerDeps wires a Merger. Deriver, Metrics and Audit may be nil.
type MergerDeps struct {
	Store    MergeStore
	Blobs    blob.Store
	Chunks   *ChunkStore
	Ledger   *quota.Ledger
	Versions *versions.Service
	Deriver  Deriver
	Metrics  *metrics.VaultMetrics
	Audit    *audit.Logger
	SpoolDir string
}

// Merger assembles the chunks of a session into a permanent file.
type Merger struct {
	MergerDeps
	now func() time.Time
}

// NewMerger creates a merger.
func NewMerger(d MergerDeps) *Merger {
	return &Merger{MergerDeps: d, now: time.Now}
}

// Merge verifies and promotes the content of a session in status processing.
// On any failure before the file record exists the session ends failed, its
// reservation is released and everything written so far is removed.
func (m *Merger) Merge(ctx context.Context, s *vault.UploadSession) (*vault.File, error) {
	start := time.Now()
	defer func() { m.Metrics.ObserveMerge(time.Since(start).Seconds()) }()
	logger := log.With().Str("session", s.ID).Str("vault", s.VaultID).Logger()

	spool, err := os.CreateTemp(m.SpoolDir, "filevault-merge-*")
	if err != nil {
		return nil, m.fail(ctx, s, vault.StorageFailure("create spool file", err))
	}
	defer func() {
		_ = spool.Close()
		_ = os.Remove(spool.Name())
	}()

	strong := sha256.New()
	fast := xxhash.New()
	n, err := io.Copy(io.MultiWriter(spool, strong, fast), m.Chunks.GetOrdered(ctx, s))
	if err != nil {
		if !isIntegrity(err) {
			err = vault.StorageFailure("read chunks", err)
		}
		return nil, m.fail(ctx, s, err)
	}
	if n != s.FileSize {
		return nil, m.fail(ctx, s, &vault.IntegrityError{
			Kind:     vault.ErrSizeMismatch,
			Expected: strconv.FormatInt(s.FileSize, 10),
			Actual:   strconv.FormatInt(n, 10),
		})
	}

	strongDigest := AlgoSHA256 + ":" + hex.EncodeToString(strong.Sum(nil))
	fastDigest := fmt.Sprintf("%s:%016x", AlgoXXH64, fast.Sum64())
	if s.ExpectedDigest != nil {
		want, err := ParseDigest(*s.ExpectedDigest)
		if err != nil || !want.Matches(strongDigest, fastDigest) {
			actual := strongDigest
			if want.Algo == AlgoXXH64 {
				actual = fastDigest
			}
			return nil, m.fail(ctx, s, &vault.IntegrityError{
				Kind:     vault.ErrChecksumMismatch,
				Expected: *s.ExpectedDigest,
				Actual:   actual,
			})
		}
	}

	target, folderPath, err := m.destination(ctx, s)
	if err != nil {
		return nil, m.fail(ctx, s, err)
	}

	key := vault.ObjectKey(s.VaultID, folderPath, s.FileName)
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return nil, m.fail(ctx, s, vault.StorageFailure("rewind spool file", err))
	}
	if err := m.Blobs.Put(ctx, key, spool, n, s.MimeType, blob.PutOptions{}); err != nil {
		m.removeBlobs(ctx, key)
		return nil, m.fail(ctx, s, vault.StorageFailure("write object", err))
	}

	var derived thumbnail.Result
	if m.Deriver != nil {
		if _, err := spool.Seek(0, io.SeekStart); err == nil {
			derived = m.Deriver.Generate(ctx, key, s.MimeType, spool)
		}
	}
	written := append([]string{key}, derived.Thumbnails.Keys()...)
	width, height := derived.Dimensions()
	now := m.now().UTC()

	var file *vault.File
	if target != nil {
		file, err = m.Versions.Replace(ctx, target, versions.Content{
			BlobKey:      key,
			Size:         n,
			FastDigest:   fastDigest,
			StrongDigest: strongDigest,
			MimeType:     s.MimeType,
			Thumbnails:   derived.Thumbnails,
			Width:        width,
			Height:       height,
		})
	} else {
		file = &vault.File{
			ID:           uuid.NewString(),
			VaultID:      s.VaultID,
			FolderID:     s.FolderID,
			Name:         s.FileName,
			Path:         vault.JoinPath(folderPath, s.FileName),
			MimeType:     s.MimeType,
			Size:         n,
			FastDigest:   fastDigest,
			StrongDigest: strongDigest,
			BlobKey:      key,
			Version:      1,
			Thumbnails:   derived.Thumbnails,
			Width:        width,
			Height:       height,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		err = m.Store.CreateFile(ctx, file)
	}
	if err != nil {
		m.removeBlobs(ctx, written...)
		if !errors.Is(err, vault.ErrConflict) && !errors.Is(err, vault.ErrNotFound) {
			err = vault.StorageFailure("record file", err)
		}
		return nil, m.fail(ctx, s, err)
	}

	if err := m.Ledger.Commit(ctx, s.VaultID, n, s.FileSize); err != nil {
		if target == nil {
			m.undoCreate(ctx, logger, file, 0, written)
			if !errors.Is(err, vault.ErrQuotaExceeded) {
				err = vault.StorageFailure("commit quota", err)
			}
			return nil, m.fail(ctx, s, err)
		}
		// A version swap cannot be taken back; the content stays and the
		// reservation is returned instead.
		logger.Error().Err(err).Str("file", file.ID).Int64("bytes", n).
			Msg("quota commit failed after version swap, usage needs reconciliation")
		if rerr := m.Ledger.Release(context.WithoutCancel(ctx), s.VaultID, s.FileSize); rerr != nil {
			logger.Warn().Err(rerr).Msg("failed to release reservation")
		}
	}

	fileID := file.ID
	if _, err := m.Store.TransitionSession(ctx, s.ID, []vault.SessionStatus{vault.SessionProcessing},
		vault.SessionCompleted, store.SessionUpdate{FileID: &fileID, At: now}); err != nil {
		if target == nil {
			m.undoCreate(ctx, logger, file, n, written)
		} else {
			logger.Error().Err(err).Str("file", file.ID).Msg("session not completed after version swap")
		}
		err = vault.StorageFailure("complete session", err)
		m.failSettled(ctx, s, err)
		return nil, err
	}

	m.purgeChunks(ctx, s)
	m.Metrics.RecordSession(string(vault.SessionCompleted))
	m.Metrics.RecordUpload(n)
	m.Audit.LogUpload(s.VaultID, s.ID, file.ID, "completed", "", n)
	logger.Info().Str("file", file.ID).Int64("size", n).Int("version", file.Version).Msg("upload merged")
	return file, nil
}

// destination resolves the file replaced by a version upload, if any, and the
// folder path the merged object is filed under.
func (m *Merger) destination(ctx context.Context, s *vault.UploadSession) (*vault.File, string, error) {
	if s.TargetFileID != nil {
		f, err := m.Store.GetFile(ctx, *s.TargetFileID)
		if err != nil {
			return nil, "", err
		}
		if f.VaultID != s.VaultID || f.IsDeleted() {
			return nil, "", fmt.Errorf("file %s: %w", f.ID, vault.ErrNotFound)
		}
		return f, path.Dir(f.Path), nil
	}
	if s.FolderID != nil {
		folder, err := m.Store.GetFolder(ctx, *s.FolderID)
		if err != nil {
			return nil, "", err
		}
		if folder.VaultID != s.VaultID {
			return nil, "", fmt.Errorf("folder %s: %w", folder.ID, vault.ErrNotFound)
		}
		return nil, folder.Path, nil
	}
	return nil, "/", nil
}

// fail marks the session failed with cause attached and returns cause. Only
// the caller that wins the transition releases the reservation and purges
// the chunks.
func (m *Merger) fail(ctx context.Context, s *vault.UploadSession, cause error) error {
	ctx = context.WithoutCancel(ctx)
	_, err := m.Store.TransitionSession(ctx, s.ID, []vault.SessionStatus{vault.SessionProcessing},
		vault.SessionFailed, store.SessionUpdate{Error: cause.Error(), At: m.now().UTC()})
	if err != nil {
		log.Warn().Err(err).Str("session", s.ID).Msg("could not mark session failed")
		return cause
	}
	if err := m.Ledger.Release(ctx, s.VaultID, s.FileSize); err != nil {
		log.Warn().Err(err).Str("session", s.ID).Msg("failed to release reservation")
	}
	m.purgeChunks(ctx, s)
	m.Metrics.RecordSession(string(vault.SessionFailed))
	m.Audit.LogUpload(s.VaultID, s.ID, "", "failed", cause.Error(), s.FileSize)
	log.Warn().Err(cause).Str("session", s.ID).Msg("upload failed")
	return cause
}

// failSettled marks s failed once its reservation is no longer held, either
// consumed by a commit or returned after a version swap. When s cannot be
// moved to failed, whoever closes it later releases FileSize, so the
// reservation is taken again to keep the ledger balanced.
func (m *Merger) failSettled(ctx context.Context, s *vault.UploadSession, cause error) {
	ctx = context.WithoutCancel(ctx)
	_, err := m.Store.TransitionSession(ctx, s.ID, []vault.SessionStatus{vault.SessionProcessing},
		vault.SessionFailed, store.SessionUpdate{Error: cause.Error(), At: m.now().UTC()})
	if err != nil {
		log.Warn().Err(err).Str("session", s.ID).Msg("could not mark session failed")
		if rerr := m.Ledger.Reserve(ctx, s.VaultID, s.FileSize); rerr != nil {
			log.Error().Err(rerr).Str("session", s.ID).Int64("bytes", s.FileSize).
				Msg("reservation not restored, usage needs reconciliation")
		}
		return
	}
	m.purgeChunks(ctx, s)
	m.Metrics.RecordSession(string(vault.SessionFailed))
	m.Audit.LogUpload(s.VaultID, s.ID, "", "failed", cause.Error(), s.FileSize)
	log.Warn().Err(cause).Str("session", s.ID).Msg("upload failed")
}

// undoCreate removes a freshly created file record and its blobs, and frees
// committed bytes if any were committed.
func (m *Merger) undoCreate(ctx context.Context, logger zerolog.Logger, f *vault.File, committed int64, keys []string) {
	ctx = context.WithoutCancel(ctx)
	if err := m.Store.PurgeFile(ctx, f.ID); err != nil {
		logger.Error().Err(err).Str("file", f.ID).Msg("failed to remove file record")
		return
	}
	if err := m.Ledger.Free(ctx, f.VaultID, committed); err != nil {
		logger.Error().Err(err).Msg("failed to free committed bytes")
	}
	m.removeBlobs(ctx, keys...)
}

func (m *Merger) removeBlobs(ctx context.Context, keys ...string) {
	if err := m.Blobs.Delete(context.WithoutCancel(ctx), keys...); err != nil {
		log.Error().Err(err).Strs("keys", keys).Msg("failed to remove merged objects")
	}
}

func (m *Merger) purgeChunks(ctx context.Context, s *vault.UploadSession) {
	if err := m.Chunks.DeleteAll(context.WithoutCancel(ctx), s.ID, s.TotalChunks); err != nil {
		log.Warn().Err(err).Str("session", s.ID).Msg("chunk purge failed")
	}
}

func isIntegrity(err error) bool {
	return errors.Is(err, vault.ErrMissingChunk) ||
		errors.Is(err, vault.ErrChecksumMismatch) ||
		errors.Is(err, vault.ErrSizeMismatch)
}
