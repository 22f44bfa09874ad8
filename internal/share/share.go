// Package share issues and serves public short-coded links to files and
// folders. Links may expire, carry a download limit and be protected by a
// password, of which only a bcrypt hash is stored.
package share

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/filevault/filevault/internal/blob"
	"github.com/filevault/filevault/internal/logging/audit"
	"github.com/filevault/filevault/internal/metrics"
	"github.com/filevault/filevault/internal/store"
	"github.com/filevault/filevault/internal/vault"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"
	"golang.org/x/crypto/bcrypt"
)

// Defaults for Config.
const (
	DefaultCodeLength      = 10
	DefaultMaxCodeAttempts = 5
	DefaultSignedURLTTL    = 15 * time.Minute
)

// MaxExpiry is the longest lifetime a share can be created with.
const MaxExpiry = 10 * 365 * 24 * time.Hour

// maxPasswordLen is the longest password bcrypt hashes without truncation.
const maxPasswordLen = 72

const codeAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// Denial reasons used in metrics and audit records.
const (
	reasonNotFound  = "not_found"
	reasonExpired   = "expired"
	reasonLimit     = "limit_reached"
	reasonPassword  = "bad_password"
	reasonForbidden = "download_not_allowed"
)

// Config tunes the share service.
type Config struct {
	CodeLength      int
	MaxCodeAttempts int
	SignedURLTTL    time.Duration
	// PublicBaseURL prefixes share URLs, e.g. https://files.example.com.
	PublicBaseURL string
	BcryptCost    int
}

func (c Config) withDefaults() Config {
	if c.CodeLength <= 0 {
		c.CodeLength = DefaultCodeLength
	}
	if c.MaxCodeAttempts <= 0 {
		c.MaxCodeAttempts = DefaultMaxCodeAttempts
	}
	if c.SignedURLTTL <= 0 {
		c.SignedURLTTL = DefaultSignedURLTTL
	}
	if c.BcryptCost == 0 {
		c.BcryptCost = bcrypt.DefaultCost
	}
	return c
}

// Store is the part of the persistence layer shares need.
type Store interface {
	store.ShareStore
	store.FileStore
	store.FolderStore
}

// CreateRequest describes a new share.
type CreateRequest struct {
	VaultID       string            `json:"vault_id"`
	TargetType    vault.ShareTarget `json:"target_type"`
	TargetID      string            `json:"target_id"`
	AllowDownload bool              `json:"allow_download"`
	AllowUpload   bool              `json:"allow_upload"`
	ExpiresIn     time.Duration     `json:"-"`
	DownloadLimit *int64            `json:"download_limit,omitempty"`
	Password      string            `json:"password,omitempty"`
}

// Resolved is the content behind a share.
type Resolved struct {
	Share  *vault.Share  `json:"share"`
	File   *vault.File   `json:"file,omitempty"`
	Folder *vault.Folder `json:"folder,omitempty"`
	Files  []*vault.File `json:"files,omitempty"`
}

// DownloadRequest asks for a download through a share.
type DownloadRequest struct {
	Code     string
	Password string
	// FileID picks a file inside a shared folder.
	FileID   string
	SourceIP string
}

// DownloadGrant is a time-limited URL for the shared content.
type DownloadGrant struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
	FileID    string    `json:"file_id"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
}

// Service manages share links.
type Service struct {
	cfg     Config
	store   Store
	blobs   blob.Store
	metrics *metrics.VaultMetrics
	audit   *audit.Logger
	now     func() time.Time
	newCode func(n int) (string, error)
}

// NewService creates a share service. m and a may be nil.
func NewService(cfg Config, st Store, blobs blob.Store, m *metrics.VaultMetrics, a *audit.Logger) *Service {
	return &Service{
		cfg:     cfg.withDefaults(),
		store:   st,
		blobs:   blobs,
		metrics: m,
		audit:   a,
		now:     time.Now,
		newCode: randomCode,
	}
}

// randomCode returns n characters drawn uniformly from the base62 alphabet.
func randomCode(n int) (string, error) {
	limit := big.NewInt(int64(len(codeAlphabet)))
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate share code: %w", err)
		}
		b.WriteByte(codeAlphabet[idx.Int64()])
	}
	return b.String(), nil
}

// Create validates the target and stores a new share under a fresh code.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*vault.Share, error) {
	if req.VaultID == "" || req.TargetID == "" {
		return nil, vault.Validationf("vault_id and target_id are required")
	}
	if err := s.checkTarget(ctx, req); err != nil {
		return nil, err
	}
	if req.ExpiresIn < 0 {
		return nil, vault.Validationf("expiry must be in the future")
	}
	if req.ExpiresIn > MaxExpiry {
		return nil, vault.Validationf("expiry must be at most %s", MaxExpiry)
	}
	if req.DownloadLimit != nil && *req.DownloadLimit <= 0 {
		return nil, vault.Validationf("download_limit must be positive")
	}
	if len(req.Password) > maxPasswordLen {
		return nil, vault.Validationf("password longer than %d bytes", maxPasswordLen)
	}

	now := s.now().UTC()
	sh := &vault.Share{
		ID:            uuid.NewString(),
		VaultID:       req.VaultID,
		TargetType:    req.TargetType,
		TargetID:      req.TargetID,
		AllowDownload: req.AllowDownload,
		AllowUpload:   req.AllowUpload,
		DownloadLimit: req.DownloadLimit,
		CreatedAt:     now,
	}
	if req.ExpiresIn > 0 {
		exp := now.Add(req.ExpiresIn)
		sh.ExpiresAt = &exp
	}
	if req.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cfg.BcryptCost)
		if err != nil {
			return nil, fmt.Errorf("hash share password: %w", err)
		}
		sh.PasswordHash = hash
	}

	for attempt := 1; attempt <= s.cfg.MaxCodeAttempts; attempt++ {
		code, err := s.newCode(s.cfg.CodeLength)
		if err != nil {
			return nil, err
		}
		sh.Code = code
		err = s.store.CreateShare(ctx, sh)
		if err == nil {
			s.audit.LogShareMgmt("create", sh.VaultID, sh.ID, string(sh.TargetType)+":"+sh.TargetID)
			return sh, nil
		}
		if !errors.Is(err, vault.ErrConflict) {
			return nil, vault.StorageFailure("create share", err)
		}
		log.Debug().Int("attempt", attempt).Msg("share code collision, retrying")
	}
	return nil, fmt.Errorf("no free share code after %d attempts: %w", s.cfg.MaxCodeAttempts, vault.ErrConflict)
}

func (s *Service) checkTarget(ctx context.Context, req CreateRequest) error {
	switch req.TargetType {
	case vault.ShareFile:
		f, err := s.store.GetFile(ctx, req.TargetID)
		if err != nil {
			return err
		}
		if f.VaultID != req.VaultID || f.IsDeleted() {
			return fmt.Errorf("file %s: %w", req.TargetID, vault.ErrNotFound)
		}
	case vault.ShareFolder:
		f, err := s.store.GetFolder(ctx, req.TargetID)
		if err != nil {
			return err
		}
		if f.VaultID != req.VaultID {
			return fmt.Errorf("folder %s: %w", req.TargetID, vault.ErrNotFound)
		}
	default:
		return vault.Validationf("target_type must be %q or %q", vault.ShareFile, vault.ShareFolder)
	}
	return nil
}

// lookup loads a share by code and applies the expiry and limit checks.
// Expiry is checked first so an expired share never reveals anything else.
func (s *Service) lookup(ctx context.Context, code, action, sourceIP string) (*vault.Share, error) {
	sh, err := s.store.GetShareByCode(ctx, code)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			s.deny(nil, code, action, reasonNotFound, sourceIP)
		}
		return nil, err
	}
	if sh.IsExpired(s.now()) {
		s.deny(sh, code, action, reasonExpired, sourceIP)
		return nil, fmt.Errorf("share %s: %w", code, vault.ErrExpired)
	}
	if sh.LimitReached() {
		s.deny(sh, code, action, reasonLimit, sourceIP)
		return nil, fmt.Errorf("share %s: %w", code, vault.ErrLimitReached)
	}
	return sh, nil
}

func (s *Service) deny(sh *vault.Share, code, action, reason, sourceIP string) {
	id := ""
	if sh != nil {
		id = sh.ID
	}
	s.metrics.RecordShareDenial(reason)
	s.audit.LogShareAccess(id, code, action, "denied", reason, sourceIP)
}

// Resolve returns the content behind a share and counts the access.
func (s *Service) Resolve(ctx context.Context, code, sourceIP string) (*Resolved, error) {
	sh, err := s.lookup(ctx, code, "resolve", sourceIP)
	if err != nil {
		return nil, err
	}
	res := &Resolved{Share: sh}
	switch sh.TargetType {
	case vault.ShareFile:
		f, err := s.store.GetFile(ctx, sh.TargetID)
		if err != nil {
			return nil, err
		}
		if f.IsDeleted() {
			return nil, fmt.Errorf("file %s: %w", f.ID, vault.ErrNotFound)
		}
		res.File = f
	case vault.ShareFolder:
		folder, err := s.store.GetFolder(ctx, sh.TargetID)
		if err != nil {
			return nil, err
		}
		files, err := s.store.ListFiles(ctx, sh.VaultID, nil, false)
		if err != nil {
			return nil, vault.StorageFailure("list shared files", err)
		}
		res.Folder = folder
		for _, f := range files {
			if vault.InFolder(f.Path, folder.Path) {
				res.Files = append(res.Files, f)
			}
		}
	}

	if err := s.store.IncrementShareAccess(ctx, sh.ID); err != nil {
		log.Warn().Err(err).Str("share", sh.ID).Msg("failed to count share access")
	} else {
		sh.AccessCount++
	}
	s.audit.LogShareAccess(sh.ID, code, "resolve", "allowed", "", sourceIP)
	return res, nil
}

// Authorize checks password against a share. Shares without a password
// accept anything; otherwise a missing or wrong password fails with
// vault.ErrUnauthorized.
func (s *Service) Authorize(ctx context.Context, code, password string) (*vault.Share, error) {
	sh, err := s.lookup(ctx, code, "authorize", "")
	if err != nil {
		return nil, err
	}
	if !passwordMatches(sh, password) {
		s.deny(sh, code, "authorize", reasonPassword, "")
		return nil, fmt.Errorf("share %s: %w", code, vault.ErrUnauthorized)
	}
	return sh, nil
}

// passwordMatches compares in constant time. An empty password is still run
// through bcrypt so it costs the same as a wrong one.
func passwordMatches(sh *vault.Share, password string) bool {
	if !sh.HasPassword() {
		return true
	}
	return bcrypt.CompareHashAndPassword(sh.PasswordHash, []byte(password)) == nil
}

// Download re-validates a share, consumes one download and returns a signed
// URL for the shared file.
func (s *Service) Download(ctx context.Context, req DownloadRequest) (*DownloadGrant, error) {
	sh, err := s.lookup(ctx, req.Code, "download", req.SourceIP)
	if err != nil {
		return nil, err
	}
	if !passwordMatches(sh, req.Password) {
		s.deny(sh, req.Code, "download", reasonPassword, req.SourceIP)
		return nil, fmt.Errorf("share %s: %w", req.Code, vault.ErrUnauthorized)
	}
	if !sh.AllowDownload {
		s.deny(sh, req.Code, "download", reasonForbidden, req.SourceIP)
		return nil, fmt.Errorf("share %s does not allow downloads: %w", req.Code, vault.ErrForbidden)
	}

	f, err := s.target(ctx, sh, req.FileID)
	if err != nil {
		return nil, err
	}

	url, err := s.blobs.SignedURL(ctx, f.BlobKey, s.cfg.SignedURLTTL)
	if err != nil {
		return nil, vault.StorageFailure("sign download url", err)
	}
	ok, err := s.store.IncrementShareDownload(ctx, sh.ID)
	if err != nil {
		return nil, vault.StorageFailure("count share download", err)
	}
	if !ok {
		s.deny(sh, req.Code, "download", reasonLimit, req.SourceIP)
		return nil, fmt.Errorf("share %s: %w", req.Code, vault.ErrLimitReached)
	}

	s.metrics.RecordShareDownload(f.Size)
	s.audit.LogShareAccess(sh.ID, req.Code, "download", "allowed", "", req.SourceIP)
	return &DownloadGrant{
		URL:       url,
		ExpiresAt: s.now().UTC().Add(s.cfg.SignedURLTTL),
		FileID:    f.ID,
		Name:      f.Name,
		Size:      f.Size,
	}, nil
}

// target returns the file a download refers to. Folder shares need fileID,
// which must name a live file inside the shared folder.
func (s *Service) target(ctx context.Context, sh *vault.Share, fileID string) (*vault.File, error) {
	if sh.TargetType == vault.ShareFile {
		if fileID != "" && fileID != sh.TargetID {
			return nil, fmt.Errorf("file %s is not shared: %w", fileID, vault.ErrNotFound)
		}
		fileID = sh.TargetID
	} else if fileID == "" {
		return nil, vault.Validationf("file_id is required for folder shares")
	}

	f, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if f.VaultID != sh.VaultID || f.IsDeleted() {
		return nil, fmt.Errorf("file %s: %w", fileID, vault.ErrNotFound)
	}
	if sh.TargetType == vault.ShareFolder {
		folder, err := s.store.GetFolder(ctx, sh.TargetID)
		if err != nil {
			return nil, err
		}
		if !vault.InFolder(f.Path, folder.Path) {
			return nil, fmt.Errorf("file %s is outside the shared folder: %w", fileID, vault.ErrNotFound)
		}
	}
	return f, nil
}

// List returns the shares of a vault.
func (s *Service) List(ctx context.Context, vaultID string) ([]*vault.Share, error) {
	return s.store.ListShares(ctx, vaultID)
}

// Get returns a share by id.
func (s *Service) Get(ctx context.Context, id string) (*vault.Share, error) {
	return s.store.GetShare(ctx, id)
}

// Delete deactivates a share.
func (s *Service) Delete(ctx context.Context, id string) error {
	sh, err := s.store.GetShare(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteShare(ctx, id); err != nil {
		return err
	}
	s.audit.LogShareMgmt("delete", sh.VaultID, sh.ID, "")
	return nil
}

// URL returns the public URL of a share code.
func (s *Service) URL(code string) string {
	return strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/s/" + code
}

// QRCode renders the share URL of code as a PNG of size x size pixels.
func (s *Service) QRCode(code string, size int) ([]byte, error) {
	if size <= 0 || size > 1024 {
		size = 256
	}
	png, err := qrcode.Encode(s.URL(code), qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("encode qr code: %w", err)
	}
	return png, nil
}
