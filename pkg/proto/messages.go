// Package proto defines the JSON messages of the filevault HTTP API shared by
// the server and the command line client.
package proto

import (
	"github.com/filevault/filevault/internal/vault"
	"github.com/filevault/filevault/pkg/bytesize"
)

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
	// Class tells the caller what to do next, e.g. "retry" or "new_session".
	Class string `json:"class,omitempty"`
	// MissingChunk is the first absent chunk when a merge cannot start.
	MissingChunk *int `json:"missing_chunk,omitempty"`
}

// CreateVaultRequest creates a vault. A zero quota falls back to the server
// default; use "unlimited" to force no quota.
type CreateVaultRequest struct {
	ID         string        `json:"id,omitempty"`
	Name       string        `json:"name"`
	QuotaBytes bytesize.Size `json:"quota_bytes,omitempty"`
	Unlimited  bool          `json:"unlimited,omitempty"`
}

// CreateFolderRequest creates a folder below ParentID, or below the root.
type CreateFolderRequest struct {
	Name     string  `json:"name"`
	ParentID *string `json:"parent_id,omitempty"`
}

// CreateShareRequest creates a share link.
type CreateShareRequest struct {
	VaultID          string            `json:"vault_id"`
	TargetType       vault.ShareTarget `json:"target_type"`
	TargetID         string            `json:"target_id"`
	AllowDownload    bool              `json:"allow_download"`
	AllowUpload      bool              `json:"allow_upload"`
	ExpiresInSeconds int64             `json:"expires_in_seconds,omitempty"`
	DownloadLimit    *int64            `json:"download_limit,omitempty"`
	Password         string            `json:"password,omitempty"`
}

// ShareResponse is a share plus its public URL.
type ShareResponse struct {
	*vault.Share
	URL       string `json:"url"`
	Protected bool   `json:"password_protected"`
}

// ShareDownloadRequest asks for a download grant through a share.
type ShareDownloadRequest struct {
	Password string `json:"password,omitempty"`
	FileID   string `json:"file_id,omitempty"`
}

// SessionResponse is an upload session plus the chunks still missing.
type SessionResponse struct {
	*vault.UploadSession
	MissingChunks []int `json:"missing_chunks"`
}

// FileResponse is a file plus its version history, newest first.
type FileResponse struct {
	*vault.File
	Versions []vault.VersionEntry `json:"versions,omitempty"`
}

// HealthResponse is returned by /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}
