// Package upload implements resumable chunked uploads: the session state
// machine, the temporary chunk store and the merge that turns a complete
// session into a file.
//
// A session is merged by the request that stores its last missing chunk.
// Complete only inspects or retries that merge, so a merge runs once per
// session even when both entry points fire.
package upload

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path"
	"sync"
	"time"

	"github.com/filevault/filevault/internal/logging/audit"
	"github.com/filevault/filevault/internal/metrics"
	"github.com/filevault/filevault/internal/quota"
	"github.com/filevault/filevault/internal/store"
	"github.com/filevault/filevault/internal/vault"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Defaults for Config.
const (
	DefaultChunkSize    = 10 << 20
	DefaultMaxFileSize  = 5 << 30
	DefaultSessionTTL   = 24 * time.Hour
	DefaultMergeTimeout = 15 * time.Minute
)

// reclaimBatch bounds how many stale sessions one Reclaim pass handles.
const reclaimBatch = 500

// Config tunes the session manager.
type Config struct {
	ChunkSize   int64
	MaxFileSize int64
	SessionTTL  time.Duration
	// MergeTimeout bounds a merge. A session left in processing for longer
	// is assumed abandoned and may be merged again or cancelled.
	MergeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = DefaultMaxFileSize
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.MergeTimeout <= 0 {
		c.MergeTimeout = DefaultMergeTimeout
	}
	return c
}

// OpenRequest declares an upload.
type OpenRequest struct {
	VaultID  string  `json:"vault_id"`
	FolderID *string `json:"folder_id,omitempty"`
	// TargetFileID makes the upload a new version of an existing file.
	TargetFileID   *string `json:"target_file_id,omitempty"`
	FileName       string  `json:"file_name"`
	FileSize       int64   `json:"file_size"`
	MimeType       string  `json:"mime_type"`
	ExpectedDigest *string `json:"expected_digest,omitempty"`
}

// SessionStore is the part of the persistence layer the manager needs.
type SessionStore interface {
	store.VaultStore
	MergeStore
}

// Deps wires a Manager. Metrics and Audit may be nil.
type Deps struct {
	Store   SessionStore
	Ledger  *quota.Ledger
	Chunks  *ChunkStore
	Merger  *Merger
	Metrics *metrics.VaultMetrics
	Audit   *audit.Logger
}

// Manager owns the upload session state machine.
type Manager struct {
	cfg     Config
	store   SessionStore
	ledger  *quota.Ledger
	chunks  *ChunkStore
	merger  *Merger
	metrics *metrics.VaultMetrics
	audit   *audit.Logger
	now     func() time.Time

	flight  singleflight.Group
	merging sync.Map // session id -> struct{}
}

// NewManager creates a session manager.
func NewManager(cfg Config, d Deps) *Manager {
	return &Manager{
		cfg:     cfg.withDefaults(),
		store:   d.Store,
		ledger:  d.Ledger,
		chunks:  d.Chunks,
		merger:  d.Merger,
		metrics: d.Metrics,
		audit:   d.Audit,
		now:     time.Now,
	}
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Open validates an upload, reserves its bytes against the vault quota and
// creates a pending session.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (*vault.UploadSession, error) {
	if req.VaultID == "" {
		return nil, vault.Validationf("vault_id is required")
	}
	name, err := vault.SanitizeFileName(req.FileName)
	if err != nil {
		return nil, err
	}
	if req.FileSize < 0 {
		return nil, vault.Validationf("file_size must not be negative")
	}
	if req.FileSize > m.cfg.MaxFileSize {
		return nil, vault.Validationf("file_size %d exceeds the limit of %d bytes", req.FileSize, m.cfg.MaxFileSize)
	}
	if req.ExpectedDigest != nil {
		d, err := ParseDigest(*req.ExpectedDigest)
		if err != nil {
			return nil, err
		}
		normalized := d.String()
		req.ExpectedDigest = &normalized
	}
	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = mime.TypeByExtension(path.Ext(name))
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	v, err := m.store.GetVault(ctx, req.VaultID)
	if err != nil {
		return nil, err
	}
	if v.Status != vault.VaultActive {
		return nil, fmt.Errorf("vault %s is %s: %w", v.ID, v.Status, vault.ErrForbidden)
	}
	if err := m.checkTarget(ctx, req); err != nil {
		return nil, err
	}

	if err := m.ledger.Reserve(ctx, req.VaultID, req.FileSize); err != nil {
		return nil, err
	}

	total := int((req.FileSize + m.cfg.ChunkSize - 1) / m.cfg.ChunkSize)
	if total == 0 {
		total = 1
	}
	now := m.now().UTC()
	s := &vault.UploadSession{
		ID:             uuid.NewString(),
		VaultID:        req.VaultID,
		FolderID:       req.FolderID,
		TargetFileID:   req.TargetFileID,
		FileName:       name,
		FileSize:       req.FileSize,
		MimeType:       mimeType,
		ChunkSize:      m.cfg.ChunkSize,
		TotalChunks:    total,
		Chunks:         make([]vault.ChunkRef, total),
		Status:         vault.SessionPending,
		ExpectedDigest: req.ExpectedDigest,
		ExpiresAt:      now.Add(m.cfg.SessionTTL),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.CreateSession(ctx, s); err != nil {
		if rerr := m.ledger.Release(context.WithoutCancel(ctx), req.VaultID, req.FileSize); rerr != nil {
			log.Warn().Err(rerr).Str("vault", req.VaultID).Msg("failed to release reservation")
		}
		return nil, vault.StorageFailure("create session", err)
	}

	log.Info().Str("session", s.ID).Str("vault", s.VaultID).Int64("size", s.FileSize).
		Int("chunks", s.TotalChunks).Msg("upload session opened")
	return s, nil
}

func (m *Manager) checkTarget(ctx context.Context, req OpenRequest) error {
	if req.FolderID != nil && req.TargetFileID != nil {
		return vault.Validationf("folder_id and target_file_id are mutually exclusive")
	}
	if req.FolderID != nil {
		f, err := m.store.GetFolder(ctx, *req.FolderID)
		if err != nil {
			return err
		}
		if f.VaultID != req.VaultID {
			return fmt.Errorf("folder %s: %w", f.ID, vault.ErrNotFound)
		}
	}
	if req.TargetFileID != nil {
		f, err := m.store.GetFile(ctx, *req.TargetFileID)
		if err != nil {
			return err
		}
		if f.VaultID != req.VaultID || f.IsDeleted() {
			return fmt.Errorf("file %s: %w", f.ID, vault.ErrNotFound)
		}
	}
	return nil
}

// AcceptChunk stores chunk index of a session. A chunk that was already
// accepted is not stored again; the current progress is returned. The chunk
// that completes the session triggers the merge before AcceptChunk returns.
func (m *Manager) AcceptChunk(ctx context.Context, sessionID string, index int, data []byte) (*vault.ChunkAck, error) {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := m.checkWritable(ctx, s); err != nil {
		return nil, err
	}
	if index < 0 || index >= s.TotalChunks {
		return nil, fmt.Errorf("index %d of %d: %w", index, s.TotalChunks, vault.ErrInvalidIndex)
	}
	if s.Chunks[index].Present {
		m.metrics.RecordChunk(true)
		return ackFor(s, index, true), nil
	}
	if want := s.ExpectedChunkSize(index); int64(len(data)) != want {
		return nil, vault.Validationf("chunk %d must be %d bytes, got %d", index, want, len(data))
	}

	key, _, err := m.chunks.Put(ctx, s.ID, index, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", vault.ErrChunkWrite, err)
	}

	updated, inserted, err := m.store.MarkChunk(ctx, s.ID, index,
		vault.ChunkRef{Present: true, Key: key, Size: int64(len(data))}, m.now().UTC())
	switch {
	case errors.Is(err, vault.ErrSessionExpired):
		m.expire(ctx, updated)
		return nil, err
	case errors.Is(err, vault.ErrSessionTerminal):
		// Landed after a cancel or a failure; the bytes are discarded.
		if derr := m.chunks.blobs.Delete(context.WithoutCancel(ctx), key); derr != nil {
			log.Debug().Err(derr).Str("session", s.ID).Msg("late chunk not removed")
		}
		return nil, err
	case err != nil:
		return nil, err
	}
	m.metrics.RecordChunk(!inserted)

	ack := ackFor(updated, index, !inserted)
	if !inserted || updated.UploadedChunks < updated.TotalChunks {
		return ack, nil
	}

	processing, err := m.store.TransitionSession(ctx, s.ID,
		[]vault.SessionStatus{vault.SessionPending, vault.SessionUploading},
		vault.SessionProcessing, store.SessionUpdate{At: m.now().UTC()})
	if err != nil {
		if errors.Is(err, vault.ErrConflict) {
			// Another request won the transition and merges.
			return ack, nil
		}
		return nil, err
	}
	ack.Status = vault.SessionProcessing

	file, err := m.merge(ctx, processing)
	if err != nil {
		return nil, err
	}
	ack.Status = vault.SessionCompleted
	ack.FileID = &file.ID
	return ack, nil
}

func ackFor(s *vault.UploadSession, index int, duplicate bool) *vault.ChunkAck {
	return &vault.ChunkAck{
		SessionID:      s.ID,
		Index:          index,
		UploadedChunks: s.UploadedChunks,
		TotalChunks:    s.TotalChunks,
		UploadedBytes:  s.UploadedBytes,
		Status:         s.Status,
		Duplicate:      duplicate,
		FileID:         s.FileID,
	}
}

// checkWritable rejects writes to terminal sessions and turns an observed
// expiry into a stored one. A processing session passes: every index is
// present, so chunks sent to it are duplicates.
func (m *Manager) checkWritable(ctx context.Context, s *vault.UploadSession) error {
	switch status := s.EffectiveStatus(m.now()); {
	case status == vault.SessionExpired:
		if !s.Status.IsTerminal() {
			m.expire(ctx, s)
		}
		return fmt.Errorf("session %s: %w", s.ID, vault.ErrSessionExpired)
	case status.IsTerminal():
		if s.Error != "" {
			return fmt.Errorf("session %s is %s (%s): %w", s.ID, status, s.Error, vault.ErrSessionTerminal)
		}
		return fmt.Errorf("session %s is %s: %w", s.ID, status, vault.ErrSessionTerminal)
	}
	return nil
}

// merge runs the merge of a processing session at most once per process at
// a time. The merge is detached from the caller's cancellation and bounded
// by MergeTimeout instead.
func (m *Manager) merge(ctx context.Context, s *vault.UploadSession) (*vault.File, error) {
	v, err, _ := m.flight.Do(s.ID, func() (interface{}, error) {
		m.merging.Store(s.ID, struct{}{})
		defer m.merging.Delete(s.ID)

		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.MergeTimeout)
		defer cancel()
		return m.merger.Merge(mctx, s)
	})
	if err != nil {
		return nil, err
	}
	return v.(*vault.File), nil
}

// abandoned reports whether a processing session has no live merge.
func (m *Manager) abandoned(s *vault.UploadSession) bool {
	if _, ok := m.merging.Load(s.ID); ok {
		return false
	}
	return m.now().Sub(s.UpdatedAt) >= m.cfg.MergeTimeout
}

// Status returns a session with expiry applied to its status. It never
// writes.
func (m *Manager) Status(ctx context.Context, sessionID string) (*vault.UploadSession, error) {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.Status = s.EffectiveStatus(m.now())
	return s, nil
}

// Complete returns the outcome of a session's merge, joining or retrying it
// when needed. A session with missing chunks fails with a
// *vault.MissingChunkError naming the first gap.
func (m *Manager) Complete(ctx context.Context, sessionID string) (*vault.UploadSession, error) {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	switch s.EffectiveStatus(m.now()) {
	case vault.SessionCompleted:
		return s, nil
	case vault.SessionProcessing:
		if _, active := m.merging.Load(s.ID); !active && !m.abandoned(s) {
			// Merging in another process.
			return s, nil
		}
	case vault.SessionPending, vault.SessionUploading:
		if missing := s.MissingChunks(); len(missing) > 0 {
			return nil, &vault.MissingChunkError{Index: missing[0]}
		}
		if s, err = m.store.TransitionSession(ctx, s.ID,
			[]vault.SessionStatus{vault.SessionPending, vault.SessionUploading},
			vault.SessionProcessing, store.SessionUpdate{At: m.now().UTC()}); err != nil {
			return nil, err
		}
	default:
		return nil, m.checkWritable(ctx, s)
	}

	if _, err := m.merge(ctx, s); err != nil {
		return nil, err
	}
	return m.store.GetSession(ctx, sessionID)
}

// Cancel ends a session that has not finished. Its reservation is released
// and its chunks are purged.
func (m *Manager) Cancel(ctx context.Context, sessionID string) (*vault.UploadSession, error) {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	from := []vault.SessionStatus{vault.SessionPending, vault.SessionUploading}
	if s.Status == vault.SessionProcessing {
		if !m.abandoned(s) {
			return nil, fmt.Errorf("session %s is being merged: %w", s.ID, vault.ErrConflict)
		}
		from = append(from, vault.SessionProcessing)
	}
	if s.Status.IsTerminal() {
		return nil, fmt.Errorf("session %s is %s: %w", s.ID, s.Status, vault.ErrSessionTerminal)
	}

	cancelled, err := m.store.TransitionSession(ctx, s.ID, from, vault.SessionCancelled,
		store.SessionUpdate{At: m.now().UTC()})
	if err != nil {
		if errors.Is(err, vault.ErrConflict) {
			return nil, fmt.Errorf("session %s: %w", s.ID, vault.ErrSessionTerminal)
		}
		return nil, err
	}
	m.finish(ctx, cancelled, "cancelled")
	return cancelled, nil
}

// expire stores the expired status of s if it is still open, then releases
// the reservation and purges chunks.
func (m *Manager) expire(ctx context.Context, s *vault.UploadSession) bool {
	if s == nil {
		return false
	}
	from := []vault.SessionStatus{vault.SessionPending, vault.SessionUploading}
	if s.Status == vault.SessionProcessing && m.abandoned(s) {
		from = append(from, vault.SessionProcessing)
	}
	expired, err := m.store.TransitionSession(ctx, s.ID, from, vault.SessionExpired,
		store.SessionUpdate{At: m.now().UTC(), Error: "session expired"})
	if err != nil {
		if !errors.Is(err, vault.ErrConflict) {
			log.Warn().Err(err).Str("session", s.ID).Msg("could not expire session")
		}
		return false
	}
	m.finish(ctx, expired, "expired")
	return true
}

func (m *Manager) finish(ctx context.Context, s *vault.UploadSession, result string) {
	ctx = context.WithoutCancel(ctx)
	if err := m.ledger.Release(ctx, s.VaultID, s.FileSize); err != nil {
		log.Warn().Err(err).Str("session", s.ID).Msg("failed to release reservation")
	}
	if err := m.chunks.DeleteAll(ctx, s.ID, s.TotalChunks); err != nil {
		log.Warn().Err(err).Str("session", s.ID).Msg("chunk purge failed")
	}
	m.metrics.RecordSession(result)
	m.audit.LogUpload(s.VaultID, s.ID, "", result, "", s.FileSize)
	log.Info().Str("session", s.ID).Str("result", result).Msg("upload session closed")
}

// Reclaim expires open sessions whose expiry lies before the given time and
// returns how many it closed.
func (m *Manager) Reclaim(ctx context.Context, before time.Time) (int, error) {
	stale, err := m.store.ListStaleSessions(ctx, before, reclaimBatch)
	if err != nil {
		return 0, fmt.Errorf("list stale sessions: %w", err)
	}
	n := 0
	for _, s := range stale {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if m.expire(ctx, s) {
			n++
		}
	}
	return n, nil
}
