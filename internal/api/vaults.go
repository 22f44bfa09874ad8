package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/filevault/filevault/internal/batch"
	"github.com/filevault/filevault/internal/vault"
	"github.com/filevault/filevault/pkg/proto"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

func (s *Server) handleCreateVault(w http.ResponseWriter, r *http.Request) error {
	var req proto.CreateVaultRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.Name == "" {
		return vault.Validationf("name is required")
	}
	if req.QuotaBytes < 0 {
		return vault.Validationf("quota_bytes must not be negative")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	quotaBytes := req.QuotaBytes.Bytes()
	if quotaBytes == 0 && !req.Unlimited {
		quotaBytes = s.cfg.DefaultVaultQuota
	}

	v := &vault.Vault{
		ID:         req.ID,
		Name:       req.Name,
		QuotaBytes: quotaBytes,
		Status:     vault.VaultActive,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.Store.CreateVault(r.Context(), v); err != nil {
		return err
	}
	log.Info().Str("vault", v.ID).Str("name", v.Name).Int64("quota", v.QuotaBytes).Msg("vault created")
	writeJSON(w, http.StatusCreated, v)
	return nil
}

func (s *Server) handleGetVault(w http.ResponseWriter, r *http.Request) error {
	v, err := s.Store.GetVault(r.Context(), r.PathValue("vault"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, v)
	return nil
}

func (s *Server) handleVaultUsage(w http.ResponseWriter, r *http.Request) error {
	u, err := s.Ledger.Usage(r.Context(), r.PathValue("vault"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, u)
	return nil
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) error {
	vaultID := r.PathValue("vault")
	var req proto.CreateFolderRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	name, err := vault.SanitizeFileName(req.Name)
	if err != nil {
		return err
	}

	parentPath := "/"
	if req.ParentID != nil {
		parent, err := s.Store.GetFolder(r.Context(), *req.ParentID)
		if err != nil {
			return err
		}
		if parent.VaultID != vaultID {
			return fmt.Errorf("folder %s: %w", parent.ID, vault.ErrNotFound)
		}
		parentPath = parent.Path
	}

	f := &vault.Folder{
		ID:        uuid.NewString(),
		VaultID:   vaultID,
		ParentID:  req.ParentID,
		Name:      name,
		Path:      vault.JoinPath(parentPath, name),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.Store.CreateFolder(r.Context(), f); err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, f)
	return nil
}

func (s *Server) handleListFolders(w http.ResponseWriter, r *http.Request) error {
	folders, err := s.Store.ListFolders(r.Context(), r.PathValue("vault"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, nonNil(folders))
	return nil
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) error {
	var folderID *string
	if f := r.URL.Query().Get("folder"); f != "" {
		folderID = &f
	}
	includeDeleted, _ := strconv.ParseBool(r.URL.Query().Get("deleted"))

	files, err := s.Store.ListFiles(r.Context(), r.PathValue("vault"), folderID, includeDeleted)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, nonNil(files))
	return nil
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) error {
	var req batch.Request
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.VaultID != "" && req.VaultID != r.PathValue("vault") {
		return vault.Validationf("vault_id does not match the path")
	}
	req.VaultID = r.PathValue("vault")

	res, err := s.Batch.Execute(r.Context(), req)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, res)
	return nil
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) error {
	f, err := s.Store.GetFile(r.Context(), r.PathValue("id"))
	if err != nil {
		return err
	}
	entries, err := s.Versions.List(r.Context(), f.ID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, proto.FileResponse{File: f, Versions: entries})
	return nil
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) error {
	entries, err := s.Versions.List(r.Context(), r.PathValue("id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, entries)
	return nil
}

func versionParam(r *http.Request) (int, error) {
	v, err := strconv.Atoi(r.PathValue("version"))
	if err != nil || v < 1 {
		return 0, vault.Validationf("invalid version %q", r.PathValue("version"))
	}
	return v, nil
}

func (s *Server) handleVersionContent(w http.ResponseWriter, r *http.Request) error {
	version, err := versionParam(r)
	if err != nil {
		return err
	}
	rc, entry, err := s.Versions.Open(r.Context(), r.PathValue("id"), version)
	if err != nil {
		return err
	}
	defer rc.Close()

	w.Header().Set("Content-Type", entry.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(entry.Size, 10))
	w.Header().Set("Digest", entry.StrongDigest)
	n, err := io.Copy(w, rc)
	if err != nil {
		log.Warn().Err(err).Str("file", r.PathValue("id")).Msg("version download interrupted")
	}
	s.Metrics.RecordDownload(n)
	return nil
}

func (s *Server) handleRestoreVersion(w http.ResponseWriter, r *http.Request) error {
	version, err := versionParam(r)
	if err != nil {
		return err
	}
	f, err := s.Versions.Restore(r.Context(), r.PathValue("id"), version)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, f)
	return nil
}

// nonNil keeps empty lists encoded as [] instead of null.
func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
