package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/filevault/filevault/internal/share"
	"github.com/filevault/filevault/internal/vault"
	"github.com/filevault/filevault/pkg/proto"
)

// sharePasswordHeader carries the share password on GET requests.
const sharePasswordHeader = "X-Share-Password"

func (s *Server) shareResponse(sh *vault.Share) proto.ShareResponse {
	return proto.ShareResponse{Share: sh, URL: s.Shares.URL(sh.Code), Protected: sh.HasPassword()}
}

func (s *Server) handleCreateShare(w http.ResponseWriter, r *http.Request) error {
	var req proto.CreateShareRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.ExpiresInSeconds < 0 {
		return vault.Validationf("expires_in_seconds must not be negative")
	}
	if req.ExpiresInSeconds > int64(share.MaxExpiry/time.Second) {
		return vault.Validationf("expires_in_seconds must be at most %d", int64(share.MaxExpiry/time.Second))
	}
	sh, err := s.Shares.Create(r.Context(), share.CreateRequest{
		VaultID:       req.VaultID,
		TargetType:    req.TargetType,
		TargetID:      req.TargetID,
		AllowDownload: req.AllowDownload,
		AllowUpload:   req.AllowUpload,
		ExpiresIn:     time.Duration(req.ExpiresInSeconds) * time.Second,
		DownloadLimit: req.DownloadLimit,
		Password:      req.Password,
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, s.shareResponse(sh))
	return nil
}

func (s *Server) handleListShares(w http.ResponseWriter, r *http.Request) error {
	shares, err := s.Shares.List(r.Context(), r.PathValue("vault"))
	if err != nil {
		return err
	}
	out := make([]proto.ShareResponse, 0, len(shares))
	for _, sh := range shares {
		out = append(out, s.shareResponse(sh))
	}
	writeJSON(w, http.StatusOK, out)
	return nil
}

func (s *Server) handleDeleteShare(w http.ResponseWriter, r *http.Request) error {
	if err := s.Shares.Delete(r.Context(), r.PathValue("id")); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// handleResolveShare shows what a share points at. Password protected shares
// need the password in the X-Share-Password header.
func (s *Server) handleResolveShare(w http.ResponseWriter, r *http.Request) error {
	code := r.PathValue("code")
	if _, err := s.Shares.Authorize(r.Context(), code, r.Header.Get(sharePasswordHeader)); err != nil {
		return err
	}
	res, err := s.Shares.Resolve(r.Context(), code, clientIP(r))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, res)
	return nil
}

// handleShareDownload issues a signed URL. With ?redirect=1 the client is
// sent straight to it.
func (s *Server) handleShareDownload(w http.ResponseWriter, r *http.Request) error {
	var body proto.ShareDownloadRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &body); err != nil {
			return err
		}
	}
	if body.Password == "" {
		body.Password = r.Header.Get(sharePasswordHeader)
	}
	if body.FileID == "" {
		body.FileID = r.URL.Query().Get("file")
	}

	grant, err := s.Shares.Download(r.Context(), share.DownloadRequest{
		Code:     r.PathValue("code"),
		Password: body.Password,
		FileID:   body.FileID,
		SourceIP: clientIP(r),
	})
	if err != nil {
		return err
	}

	if redirect, _ := strconv.ParseBool(r.URL.Query().Get("redirect")); redirect {
		http.Redirect(w, r, grant.URL, http.StatusFound)
		return nil
	}
	writeJSON(w, http.StatusOK, grant)
	return nil
}

func (s *Server) handleShareQRCode(w http.ResponseWriter, r *http.Request) error {
	code := r.PathValue("code")
	sh, err := s.Store.GetShareByCode(r.Context(), code)
	if err != nil {
		return err
	}
	if sh.IsExpired(time.Now()) {
		return vault.ErrExpired
	}
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))
	png, err := s.Shares.QRCode(code, size)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
	return nil
}
