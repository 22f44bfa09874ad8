package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/filevault/filevault/internal/upload"
	"github.com/filevault/filevault/internal/vault"
	"github.com/filevault/filevault/pkg/proto"
)

func sessionResponse(s *vault.UploadSession) proto.SessionResponse {
	return proto.SessionResponse{UploadSession: s, MissingChunks: nonNil(s.MissingChunks())}
}

func (s *Server) handleOpenUpload(w http.ResponseWriter, r *http.Request) error {
	var req upload.OpenRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	sess, err := s.Uploads.Open(r.Context(), req)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, sessionResponse(sess))
	return nil
}

func (s *Server) handleUploadStatus(w http.ResponseWriter, r *http.Request) error {
	sess, err := s.Uploads.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, sessionResponse(sess))
	return nil
}

func (s *Server) handlePutChunk(w http.ResponseWriter, r *http.Request) error {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		return vault.Validationf("invalid chunk index %q", r.PathValue("index"))
	}

	// One byte over the chunk size is enough to reject an oversized body.
	limit := s.Uploads.Config().ChunkSize + 1
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return vault.Validationf("chunk larger than %d bytes", limit-1)
		}
		return vault.Validationf("read chunk body: %v", err)
	}

	ack, err := s.Uploads.AcceptChunk(r.Context(), r.PathValue("id"), index, data)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, ack)
	return nil
}

func (s *Server) handleCompleteUpload(w http.ResponseWriter, r *http.Request) error {
	sess, err := s.Uploads.Complete(r.Context(), r.PathValue("id"))
	if err != nil {
		return err
	}
	code := http.StatusOK
	if sess.Status == vault.SessionProcessing {
		code = http.StatusAccepted
	}
	writeJSON(w, code, sessionResponse(sess))
	return nil
}

func (s *Server) handleCancelUpload(w http.ResponseWriter, r *http.Request) error {
	sess, err := s.Uploads.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, sessionResponse(sess))
	return nil
}
