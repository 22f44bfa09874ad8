// Package vault holds the records shared by every part of the file vault:
// vaults, folders, files, versions, upload sessions and share links.
package vault

import (
	"time"
)

// VaultStatus is the lifecycle state of a vault.
type VaultStatus string

const (
	VaultActive    VaultStatus = "active"
	VaultSuspended VaultStatus = "suspended"
)

// Vault is a tenant-scoped storage container with a byte quota.
// UsedBytes and ReservedBytes are only ever changed through the quota ledger.
type Vault struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	QuotaBytes    int64       `json:"quota_bytes"` // 0 = unlimited
	UsedBytes     int64       `json:"used_bytes"`
	ReservedBytes int64       `json:"reserved_bytes"`
	Status        VaultStatus `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
}

// Unlimited reports whether the vault has no quota.
func (v *Vault) Unlimited() bool {
	return v.QuotaBytes == 0
}

// Folder is a node in a vault's folder tree.
type Folder struct {
	ID        string    `json:"id"`
	VaultID   string    `json:"vault_id"`
	ParentID  *string   `json:"parent_id,omitempty"`
	Name      string    `json:"name"`
	Path      string    `json:"path"` // "/" for the root, "/docs/2024" below it
	CreatedAt time.Time `json:"created_at"`
}

// Thumbnails holds the blob keys of the derived raster previews of an image.
type Thumbnails struct {
	Small  *string `json:"small,omitempty"`
	Medium *string `json:"medium,omitempty"`
	Large  *string `json:"large,omitempty"`
}

// Keys returns every thumbnail key that is set.
func (t Thumbnails) Keys() []string {
	var keys []string
	for _, k := range []*string{t.Small, t.Medium, t.Large} {
		if k != nil {
			keys = append(keys, *k)
		}
	}
	return keys
}

// File is the current state of a stored document.
type File struct {
	ID           string     `json:"id"`
	VaultID      string     `json:"vault_id"`
	FolderID     *string    `json:"folder_id,omitempty"`
	Name         string     `json:"name"`
	Path         string     `json:"path"`
	MimeType     string     `json:"mime_type"`
	Size         int64      `json:"size"`
	FastDigest   string     `json:"fast_digest"`   // xxh64:<hex>, used for identity and dedup
	StrongDigest string     `json:"strong_digest"` // sha256:<hex>, used for audit and integrity
	BlobKey      string     `json:"blob_key"`
	Version      int        `json:"version"`
	Thumbnails   Thumbnails `json:"thumbnails"`
	Width        *int       `json:"width,omitempty"`
	Height       *int       `json:"height,omitempty"`
	Tags         []string   `json:"tags,omitempty"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// IsDeleted returns true if the file has been soft-deleted.
func (f *File) IsDeleted() bool {
	return f.DeletedAt != nil
}

// BlobKeys returns the content key and all derived keys of the file.
func (f *File) BlobKeys() []string {
	return append([]string{f.BlobKey}, f.Thumbnails.Keys()...)
}

// FileVersion is an immutable snapshot of a file's content before it was replaced.
type FileVersion struct {
	ID           string    `json:"id"`
	FileID       string    `json:"file_id"`
	Version      int       `json:"version"`
	BlobKey      string    `json:"blob_key"`
	Size         int64     `json:"size"`
	FastDigest   string    `json:"fast_digest"`
	StrongDigest string    `json:"strong_digest"`
	MimeType     string    `json:"mime_type"`
	CreatedAt    time.Time `json:"created_at"`
}

// VersionEntry is one row of a version listing.
type VersionEntry struct {
	Version      int       `json:"version"`
	Size         int64     `json:"size"`
	StrongDigest string    `json:"strong_digest"`
	MimeType     string    `json:"mime_type"`
	CreatedAt    time.Time `json:"created_at"`
	IsCurrent    bool      `json:"is_current"`
}

// SessionStatus is the state of an upload session.
type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionUploading  SessionStatus = "uploading"
	SessionProcessing SessionStatus = "processing"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
	SessionCancelled  SessionStatus = "cancelled"
	SessionExpired    SessionStatus = "expired"
)

// IsTerminal reports whether no further chunks can be accepted in this state.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCancelled, SessionExpired:
		return true
	}
	return false
}

// ChunkRef records whether a chunk index has been stored and where.
type ChunkRef struct {
	Present bool   `json:"present"`
	Key     string `json:"key,omitempty"`
	Size    int64  `json:"size,omitempty"`
}

// UploadSession is the working state of one resumable upload.
// Chunks always has TotalChunks entries.
type UploadSession struct {
	ID             string        `json:"id"`
	VaultID        string        `json:"vault_id"`
	FolderID       *string       `json:"folder_id,omitempty"`
	TargetFileID   *string       `json:"target_file_id,omitempty"` // set for new-version uploads
	FileName       string        `json:"file_name"`
	FileSize       int64         `json:"file_size"`
	MimeType       string        `json:"mime_type"`
	ChunkSize      int64         `json:"chunk_size"`
	TotalChunks    int           `json:"total_chunks"`
	Chunks         []ChunkRef    `json:"-"`
	UploadedChunks int           `json:"uploaded_chunks"`
	UploadedBytes  int64         `json:"uploaded_bytes"`
	Status         SessionStatus `json:"status"`
	ExpectedDigest *string       `json:"expected_digest,omitempty"`
	FileID         *string       `json:"file_id,omitempty"`
	Error          string        `json:"error,omitempty"`
	ExpiresAt      time.Time     `json:"expires_at"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// EffectiveStatus returns the stored status, or expired if the session has
// outlived its TTL while still taking chunks. A processing session keeps its
// status: its merge decides the outcome.
func (s *UploadSession) EffectiveStatus(now time.Time) SessionStatus {
	switch s.Status {
	case SessionPending, SessionUploading:
		if now.After(s.ExpiresAt) {
			return SessionExpired
		}
	}
	return s.Status
}

// MissingChunks returns the indexes that have not been uploaded yet.
func (s *UploadSession) MissingChunks() []int {
	var missing []int
	for i, c := range s.Chunks {
		if !c.Present {
			missing = append(missing, i)
		}
	}
	return missing
}

// ExpectedChunkSize returns the exact size chunk index must have.
func (s *UploadSession) ExpectedChunkSize(index int) int64 {
	if index == s.TotalChunks-1 {
		return s.FileSize - int64(s.TotalChunks-1)*s.ChunkSize
	}
	return s.ChunkSize
}

// ChunkAck is returned for every accepted chunk.
type ChunkAck struct {
	SessionID      string        `json:"session_id"`
	Index          int           `json:"index"`
	UploadedChunks int           `json:"uploaded_chunks"`
	TotalChunks    int           `json:"total_chunks"`
	UploadedBytes  int64         `json:"uploaded_bytes"`
	Status         SessionStatus `json:"status"`
	Duplicate      bool          `json:"duplicate"`
	FileID         *string       `json:"file_id,omitempty"`
}

// ShareTarget says whether a share points at a file or a folder.
type ShareTarget string

const (
	ShareFile   ShareTarget = "file"
	ShareFolder ShareTarget = "folder"
)

// Share is a public short-coded link to a file or folder.
type Share struct {
	ID            string      `json:"id"`
	VaultID       string      `json:"vault_id"`
	Code          string      `json:"code"`
	TargetType    ShareTarget `json:"target_type"`
	TargetID      string      `json:"target_id"`
	AllowDownload bool        `json:"allow_download"`
	AllowUpload   bool        `json:"allow_upload"`
	PasswordHash  []byte      `json:"-"`
	ExpiresAt     *time.Time  `json:"expires_at,omitempty"`
	DownloadLimit *int64      `json:"download_limit,omitempty"`
	DownloadCount int64       `json:"download_count"`
	AccessCount   int64       `json:"access_count"`
	CreatedAt     time.Time   `json:"created_at"`
}

// HasPassword reports whether the share is password protected.
func (s *Share) HasPassword() bool {
	return len(s.PasswordHash) > 0
}

// IsExpired reports whether the share expired before now.
func (s *Share) IsExpired(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

// LimitReached reports whether the download limit has been used up.
func (s *Share) LimitReached() bool {
	return s.DownloadLimit != nil && s.DownloadCount >= *s.DownloadLimit
}
