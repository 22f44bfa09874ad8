// Package store is the metadata persistence layer of the vault. Every counter
// it exposes (quota bytes, chunk progress, share counters) is changed by an
// atomic delta inside the store, never by a read-modify-write in the caller.
package store

import (
	"context"
	"time"

	"github.com/filevault/filevault/internal/vault"
)

// VaultStore persists vaults and their byte accounting.
type VaultStore interface {
	CreateVault(ctx context.Context, v *vault.Vault) error
	GetVault(ctx context.Context, id string) (*vault.Vault, error)

	// ReserveBytes adds n to the reserved counter if used+reserved+n fits the quota.
	ReserveBytes(ctx context.Context, vaultID string, n int64) error
	// CommitBytes adds n to used and drops reserved by the given amount, failing
	// with vault.ErrQuotaExceeded if used+n would pass the quota.
	CommitBytes(ctx context.Context, vaultID string, n, reserved int64) error
	// ReleaseReserved drops the reserved counter by n (never below zero).
	ReleaseReserved(ctx context.Context, vaultID string, n int64) error
	// ReleaseUsed drops the used counter by n (never below zero).
	ReleaseUsed(ctx context.Context, vaultID string, n int64) error
}

// FolderStore persists the folder tree.
type FolderStore interface {
	CreateFolder(ctx context.Context, f *vault.Folder) error
	GetFolder(ctx context.Context, id string) (*vault.Folder, error)
	ListFolders(ctx context.Context, vaultID string) ([]*vault.Folder, error)
}

// FileStore persists files and their version history.
type FileStore interface {
	CreateFile(ctx context.Context, f *vault.File) error
	GetFile(ctx context.Context, id string) (*vault.File, error)
	ListFiles(ctx context.Context, vaultID string, folderID *string, includeDeleted bool) ([]*vault.File, error)

	// SwapFileVersion stores snapshot and replaces the file with updated in one
	// transaction. It fails with vault.ErrConflict unless the stored file is
	// still at snapshot.Version.
	SwapFileVersion(ctx context.Context, snapshot *vault.FileVersion, updated *vault.File) error
	// ListVersions returns stored historical versions, newest first.
	ListVersions(ctx context.Context, fileID string) ([]*vault.FileVersion, error)
	GetVersion(ctx context.Context, fileID string, version int) (*vault.FileVersion, error)

	SoftDeleteFile(ctx context.Context, vaultID, id string, at time.Time) error
	RestoreFile(ctx context.Context, vaultID, id string) error
	MoveFile(ctx context.Context, vaultID, id string, folder *vault.Folder) error
	TagFile(ctx context.Context, vaultID, id string, tags []string) error

	// ListTombstonedFiles returns files soft-deleted before the given time.
	ListTombstonedFiles(ctx context.Context, before time.Time, limit int) ([]*vault.File, error)
	// PurgeFile erases a file and all of its versions.
	PurgeFile(ctx context.Context, id string) error
}

// BulkFileStore is implemented by stores that can update many files in one
// statement. Each method returns the number of files changed.
type BulkFileStore interface {
	BulkSoftDelete(ctx context.Context, vaultID string, ids []string, at time.Time) (int, error)
	BulkRestore(ctx context.Context, vaultID string, ids []string) (int, error)
	BulkMove(ctx context.Context, vaultID string, ids []string, folder *vault.Folder) (int, error)
	BulkTag(ctx context.Context, vaultID string, ids []string, tags []string) (int, error)
}

// SessionUpdate carries the optional fields written by a session transition.
type SessionUpdate struct {
	FileID *string
	Error  string
	At     time.Time
}

// SessionStore persists upload sessions and their chunk tables.
type SessionStore interface {
	CreateSession(ctx context.Context, s *vault.UploadSession) error
	GetSession(ctx context.Context, id string) (*vault.UploadSession, error)

	// MarkChunk records chunk index as present if it is not already. The
	// returned bool is false when the index was already present, in which
	// case no counter changes. It fails with vault.ErrSessionTerminal or
	// vault.ErrSessionExpired when the session no longer accepts chunks.
	MarkChunk(ctx context.Context, id string, index int, ref vault.ChunkRef, now time.Time) (*vault.UploadSession, bool, error)

	// TransitionSession moves a session to status to if its current status is
	// one of from, and fails with vault.ErrConflict otherwise.
	TransitionSession(ctx context.Context, id string, from []vault.SessionStatus, to vault.SessionStatus, upd SessionUpdate) (*vault.UploadSession, error)

	// ListStaleSessions returns non-terminal sessions whose expiry is before the given time.
	ListStaleSessions(ctx context.Context, before time.Time, limit int) ([]*vault.UploadSession, error)
}

// ShareStore persists share links.
type ShareStore interface {
	// CreateShare fails with vault.ErrConflict if the short code is taken.
	CreateShare(ctx context.Context, s *vault.Share) error
	GetShare(ctx context.Context, id string) (*vault.Share, error)
	GetShareByCode(ctx context.Context, code string) (*vault.Share, error)
	ListShares(ctx context.Context, vaultID string) ([]*vault.Share, error)
	DeleteShare(ctx context.Context, id string) error

	IncrementShareAccess(ctx context.Context, id string) error
	// IncrementShareDownload consumes one download. It returns false without
	// changing anything if the download limit has been reached.
	IncrementShareDownload(ctx context.Context, id string) (bool, error)
}

// Store is the full persistence layer.
type Store interface {
	VaultStore
	FolderStore
	FileStore
	SessionStore
	ShareStore
	Close() error
}

func isOneOf(s vault.SessionStatus, set []vault.SessionStatus) bool {
	for _, c := range set {
		if s == c {
			return true
		}
	}
	return false
}
