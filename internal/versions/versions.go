// Package versions keeps the content history of files. Replacing a file's
// content snapshots the previous state as an immutable FileVersion; the file
// record itself is updated in place with the next version number.
package versions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/filevault/filevault/internal/blob"
	"github.com/filevault/filevault/internal/logging/audit"
	"github.com/filevault/filevault/internal/quota"
	"github.com/filevault/filevault/internal/store"
	"github.com/filevault/filevault/internal/vault"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// purgeBatch bounds how many tombstoned files one PurgeDeleted pass handles.
const purgeBatch = 500

// Content is the new state written by a version-creating update.
type Content struct {
	BlobKey      string
	Size         int64
	FastDigest   string
	StrongDigest string
	MimeType     string
	Thumbnails   vault.Thumbnails
	Width        *int
	Height       *int
}

// Service manages file versions.
type Service struct {
	files  store.FileStore
	blobs  blob.Store
	ledger *quota.Ledger
	audit  *audit.Logger
	now    func() time.Time
}

// NewService creates a version service. a may be nil.
func NewService(files store.FileStore, blobs blob.Store, ledger *quota.Ledger, a *audit.Logger) *Service {
	return &Service{files: files, blobs: blobs, ledger: ledger, audit: a, now: time.Now}
}

// Replace snapshots the current content of f as version f.Version and makes
// c the content of version f.Version+1. It fails with vault.ErrConflict if
// the file changed since f was read.
func (s *Service) Replace(ctx context.Context, f *vault.File, c Content) (*vault.File, error) {
	if f.IsDeleted() {
		return nil, fmt.Errorf("file %s is deleted: %w", f.ID, vault.ErrNotFound)
	}
	now := s.now().UTC()
	snapshot := &vault.FileVersion{
		ID:           uuid.NewString(),
		FileID:       f.ID,
		Version:      f.Version,
		BlobKey:      f.BlobKey,
		Size:         f.Size,
		FastDigest:   f.FastDigest,
		StrongDigest: f.StrongDigest,
		MimeType:     f.MimeType,
		CreatedAt:    f.UpdatedAt,
	}

	updated := *f
	updated.BlobKey = c.BlobKey
	updated.Size = c.Size
	updated.FastDigest = c.FastDigest
	updated.StrongDigest = c.StrongDigest
	updated.MimeType = c.MimeType
	updated.Thumbnails = c.Thumbnails
	updated.Width, updated.Height = c.Width, c.Height
	updated.Version = f.Version + 1
	updated.UpdatedAt = now

	if err := s.files.SwapFileVersion(ctx, snapshot, &updated); err != nil {
		return nil, fmt.Errorf("swap version of file %s: %w", f.ID, err)
	}

	// Versions do not carry derived assets.
	if old := f.Thumbnails.Keys(); len(old) > 0 {
		if err := s.blobs.Delete(ctx, old...); err != nil {
			log.Warn().Err(err).Str("file", f.ID).Msg("failed to delete replaced thumbnails")
		}
	}
	s.audit.LogVersion(f.VaultID, f.ID, "replace", updated.Version)
	return &updated, nil
}

// List returns the current state as an implicit entry followed by the stored
// versions, newest first.
func (s *Service) List(ctx context.Context, fileID string) ([]vault.VersionEntry, error) {
	f, err := s.files.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	stored, err := s.files.ListVersions(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("list versions of file %s: %w", fileID, err)
	}

	entries := make([]vault.VersionEntry, 0, len(stored)+1)
	entries = append(entries, vault.VersionEntry{
		Version:      f.Version,
		Size:         f.Size,
		StrongDigest: f.StrongDigest,
		MimeType:     f.MimeType,
		CreatedAt:    f.UpdatedAt,
		IsCurrent:    true,
	})
	for _, v := range stored {
		entries = append(entries, vault.VersionEntry{
			Version:      v.Version,
			Size:         v.Size,
			StrongDigest: v.StrongDigest,
			MimeType:     v.MimeType,
			CreatedAt:    v.CreatedAt,
		})
	}
	return entries, nil
}

// Open returns the content of one version of a file, current or historical.
func (s *Service) Open(ctx context.Context, fileID string, version int) (io.ReadCloser, *vault.VersionEntry, error) {
	f, err := s.files.GetFile(ctx, fileID)
	if err != nil {
		return nil, nil, err
	}
	key, entry := f.BlobKey, vault.VersionEntry{
		Version: f.Version, Size: f.Size, StrongDigest: f.StrongDigest,
		MimeType: f.MimeType, CreatedAt: f.UpdatedAt, IsCurrent: true,
	}
	if version != f.Version {
		v, err := s.files.GetVersion(ctx, fileID, version)
		if err != nil {
			return nil, nil, err
		}
		key, entry = v.BlobKey, vault.VersionEntry{
			Version: v.Version, Size: v.Size, StrongDigest: v.StrongDigest,
			MimeType: v.MimeType, CreatedAt: v.CreatedAt,
		}
	}
	rc, err := s.blobs.Get(ctx, key)
	if err != nil {
		return nil, nil, vault.StorageFailure("open version", err)
	}
	return rc, &entry, nil
}

// Restore makes a historical version current again. The current content is
// kept as a new historical version and the restored one reuses its blob.
func (s *Service) Restore(ctx context.Context, fileID string, version int) (*vault.File, error) {
	f, err := s.files.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if version == f.Version {
		return nil, vault.Validationf("version %d is already current", version)
	}
	v, err := s.files.GetVersion(ctx, fileID, version)
	if err != nil {
		return nil, err
	}
	restored, err := s.Replace(ctx, f, Content{
		BlobKey:      v.BlobKey,
		Size:         v.Size,
		FastDigest:   v.FastDigest,
		StrongDigest: v.StrongDigest,
		MimeType:     v.MimeType,
	})
	if err != nil {
		return nil, err
	}
	s.audit.LogVersion(f.VaultID, f.ID, "restore", version)
	return restored, nil
}

// Purge erases a file, its history and every blob they reference, and
// returns the freed bytes to the vault.
func (s *Service) Purge(ctx context.Context, fileID string) error {
	f, err := s.files.GetFile(ctx, fileID)
	if err != nil {
		return err
	}
	stored, err := s.files.ListVersions(ctx, fileID)
	if err != nil {
		return fmt.Errorf("list versions of file %s: %w", fileID, err)
	}

	// A restored version shares its blob with the version it came from.
	sizes := map[string]int64{f.BlobKey: f.Size}
	for _, v := range stored {
		sizes[v.BlobKey] = v.Size
	}
	keys := f.Thumbnails.Keys()
	var freed int64
	for k, n := range sizes {
		keys = append(keys, k)
		freed += n
	}

	// The record goes first so nothing ever points at a deleted blob.
	if err := s.files.PurgeFile(ctx, fileID); err != nil {
		return fmt.Errorf("purge file %s: %w", fileID, err)
	}
	if err := s.blobs.Delete(ctx, keys...); err != nil {
		log.Error().Err(err).Str("file", fileID).Msg("failed to delete purged blobs")
	}
	if err := s.ledger.Free(ctx, f.VaultID, freed); err != nil {
		log.Error().Err(err).Str("vault", f.VaultID).Int64("bytes", freed).Msg("failed to free purged bytes")
	}
	s.audit.LogVersion(f.VaultID, f.ID, "purge", f.Version)
	return nil
}

// PurgeDeleted purges files that were soft-deleted before the given time and
// returns how many were purged.
func (s *Service) PurgeDeleted(ctx context.Context, before time.Time) (int, error) {
	files, err := s.files.ListTombstonedFiles(ctx, before, purgeBatch)
	if err != nil {
		return 0, fmt.Errorf("list tombstoned files: %w", err)
	}
	purged := 0
	for _, f := range files {
		if ctx.Err() != nil {
			return purged, ctx.Err()
		}
		if err := s.Purge(ctx, f.ID); err != nil {
			if errors.Is(err, vault.ErrNotFound) {
				continue
			}
			log.Warn().Err(err).Str("file", f.ID).Msg("purge failed")
			continue
		}
		purged++
	}
	return purged, nil
}
