package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/filevault/filevault/internal/vault"
)

// MemoryStore is an in-process Store. All records are copied on the way in
// and out so callers can never mutate stored state directly.
type MemoryStore struct {
	mu       sync.RWMutex
	vaults   map[string]*vault.Vault
	folders  map[string]*vault.Folder
	files    map[string]*vault.File
	versions map[string][]*vault.FileVersion // fileID -> versions, oldest first
	sessions map[string]*vault.UploadSession
	shares   map[string]*vault.Share
	codes    map[string]string // code -> share ID
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		vaults:   make(map[string]*vault.Vault),
		folders:  make(map[string]*vault.Folder),
		files:    make(map[string]*vault.File),
		versions: make(map[string][]*vault.FileVersion),
		sessions: make(map[string]*vault.UploadSession),
		shares:   make(map[string]*vault.Share),
		codes:    make(map[string]string),
	}
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

// --- Vaults ---

func (m *MemoryStore) CreateVault(_ context.Context, v *vault.Vault) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vaults[v.ID]; ok {
		return fmt.Errorf("vault %s: %w", v.ID, vault.ErrConflict)
	}
	c := *v
	m.vaults[v.ID] = &c
	return nil
}

func (m *MemoryStore) GetVault(_ context.Context, id string) (*vault.Vault, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vaults[id]
	if !ok {
		return nil, fmt.Errorf("vault %s: %w", id, vault.ErrNotFound)
	}
	c := *v
	return &c, nil
}

func (m *MemoryStore) ReserveBytes(_ context.Context, vaultID string, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vaults[vaultID]
	if !ok {
		return fmt.Errorf("vault %s: %w", vaultID, vault.ErrNotFound)
	}
	if !v.Unlimited() && v.UsedBytes+v.ReservedBytes+n > v.QuotaBytes {
		return vault.ErrQuotaExceeded
	}
	v.ReservedBytes += n
	return nil
}

func (m *MemoryStore) CommitBytes(_ context.Context, vaultID string, n, reserved int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vaults[vaultID]
	if !ok {
		return fmt.Errorf("vault %s: %w", vaultID, vault.ErrNotFound)
	}
	if !v.Unlimited() && v.UsedBytes+n > v.QuotaBytes {
		return vault.ErrQuotaExceeded
	}
	v.UsedBytes += n
	v.ReservedBytes = max(v.ReservedBytes-reserved, 0)
	return nil
}

func (m *MemoryStore) ReleaseReserved(_ context.Context, vaultID string, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vaults[vaultID]
	if !ok {
		return fmt.Errorf("vault %s: %w", vaultID, vault.ErrNotFound)
	}
	v.ReservedBytes = max(v.ReservedBytes-n, 0)
	return nil
}

func (m *MemoryStore) ReleaseUsed(_ context.Context, vaultID string, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vaults[vaultID]
	if !ok {
		return fmt.Errorf("vault %s: %w", vaultID, vault.ErrNotFound)
	}
	v.UsedBytes = max(v.UsedBytes-n, 0)
	return nil
}

// --- Folders ---

func (m *MemoryStore) CreateFolder(_ context.Context, f *vault.Folder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vaults[f.VaultID]; !ok {
		return fmt.Errorf("vault %s: %w", f.VaultID, vault.ErrNotFound)
	}
	for _, existing := range m.folders {
		if existing.VaultID == f.VaultID && existing.Path == f.Path {
			return fmt.Errorf("folder %s: %w", f.Path, vault.ErrConflict)
		}
	}
	c := *f
	m.folders[f.ID] = &c
	return nil
}

func (m *MemoryStore) GetFolder(_ context.Context, id string) (*vault.Folder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.folders[id]
	if !ok {
		return nil, fmt.Errorf("folder %s: %w", id, vault.ErrNotFound)
	}
	c := *f
	return &c, nil
}

func (m *MemoryStore) ListFolders(_ context.Context, vaultID string) ([]*vault.Folder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*vault.Folder
	for _, f := range m.folders {
		if f.VaultID == vaultID {
			c := *f
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// --- Files ---

func copyFile(f *vault.File) *vault.File {
	c := *f
	c.Tags = append([]string(nil), f.Tags...)
	return &c
}

func (m *MemoryStore) CreateFile(_ context.Context, f *vault.File) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[f.ID]; ok {
		return fmt.Errorf("file %s: %w", f.ID, vault.ErrConflict)
	}
	m.files[f.ID] = copyFile(f)
	return nil
}

func (m *MemoryStore) GetFile(_ context.Context, id string) (*vault.File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[id]
	if !ok {
		return nil, fmt.Errorf("file %s: %w", id, vault.ErrNotFound)
	}
	return copyFile(f), nil
}

func (m *MemoryStore) ListFiles(_ context.Context, vaultID string, folderID *string, includeDeleted bool) ([]*vault.File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*vault.File
	for _, f := range m.files {
		if f.VaultID != vaultID || (f.IsDeleted() && !includeDeleted) {
			continue
		}
		if folderID != nil && (f.FolderID == nil || *f.FolderID != *folderID) {
			continue
		}
		out = append(out, copyFile(f))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *MemoryStore) SwapFileVersion(_ context.Context, snapshot *vault.FileVersion, updated *vault.File) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.files[updated.ID]
	if !ok {
		return fmt.Errorf("file %s: %w", updated.ID, vault.ErrNotFound)
	}
	if cur.Version != snapshot.Version {
		return fmt.Errorf("file %s is at version %d, not %d: %w", updated.ID, cur.Version, snapshot.Version, vault.ErrConflict)
	}
	for _, v := range m.versions[updated.ID] {
		if v.Version == snapshot.Version {
			return fmt.Errorf("version %d of %s: %w", snapshot.Version, updated.ID, vault.ErrConflict)
		}
	}
	sc := *snapshot
	m.versions[updated.ID] = append(m.versions[updated.ID], &sc)
	m.files[updated.ID] = copyFile(updated)
	return nil
}

func (m *MemoryStore) ListVersions(_ context.Context, fileID string) ([]*vault.FileVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored := m.versions[fileID]
	out := make([]*vault.FileVersion, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		c := *stored[i]
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func (m *MemoryStore) GetVersion(_ context.Context, fileID string, version int) (*vault.FileVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.versions[fileID] {
		if v.Version == version {
			c := *v
			return &c, nil
		}
	}
	return nil, fmt.Errorf("version %d of %s: %w", version, fileID, vault.ErrNotFound)
}

// fileInVault returns the stored file if it belongs to vaultID (caller must hold lock).
func (m *MemoryStore) fileInVault(vaultID, id string) (*vault.File, error) {
	f, ok := m.files[id]
	if !ok || f.VaultID != vaultID {
		return nil, fmt.Errorf("file %s: %w", id, vault.ErrNotFound)
	}
	return f, nil
}

func (m *MemoryStore) SoftDeleteFile(_ context.Context, vaultID, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, err := m.fileInVault(vaultID, id)
	if err != nil {
		return err
	}
	if f.DeletedAt == nil {
		t := at
		f.DeletedAt = &t
		f.UpdatedAt = at
	}
	return nil
}

func (m *MemoryStore) RestoreFile(_ context.Context, vaultID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, err := m.fileInVault(vaultID, id)
	if err != nil {
		return err
	}
	f.DeletedAt = nil
	return nil
}

func (m *MemoryStore) MoveFile(_ context.Context, vaultID, id string, folder *vault.Folder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, err := m.fileInVault(vaultID, id)
	if err != nil {
		return err
	}
	fid := folder.ID
	f.FolderID = &fid
	f.Path = vault.JoinPath(folder.Path, f.Name)
	return nil
}

func (m *MemoryStore) TagFile(_ context.Context, vaultID, id string, tags []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, err := m.fileInVault(vaultID, id)
	if err != nil {
		return err
	}
	f.Tags = mergeTags(f.Tags, tags)
	return nil
}

func (m *MemoryStore) ListTombstonedFiles(_ context.Context, before time.Time, limit int) ([]*vault.File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*vault.File
	for _, f := range m.files {
		if f.DeletedAt != nil && f.DeletedAt.Before(before) {
			out = append(out, copyFile(f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeletedAt.Before(*out[j].DeletedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) PurgeFile(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[id]; !ok {
		return fmt.Errorf("file %s: %w", id, vault.ErrNotFound)
	}
	delete(m.files, id)
	delete(m.versions, id)
	return nil
}

// --- Bulk ---

func (m *MemoryStore) bulk(vaultID string, ids []string, fn func(f *vault.File) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range ids {
		f, ok := m.files[id]
		if !ok || f.VaultID != vaultID {
			continue
		}
		if fn(f) {
			n++
		}
	}
	return n
}

func (m *MemoryStore) BulkSoftDelete(_ context.Context, vaultID string, ids []string, at time.Time) (int, error) {
	return m.bulk(vaultID, ids, func(f *vault.File) bool {
		if f.DeletedAt != nil {
			return false
		}
		t := at
		f.DeletedAt = &t
		f.UpdatedAt = at
		return true
	}), nil
}

func (m *MemoryStore) BulkRestore(_ context.Context, vaultID string, ids []string) (int, error) {
	return m.bulk(vaultID, ids, func(f *vault.File) bool {
		if f.DeletedAt == nil {
			return false
		}
		f.DeletedAt = nil
		return true
	}), nil
}

func (m *MemoryStore) BulkMove(_ context.Context, vaultID string, ids []string, folder *vault.Folder) (int, error) {
	return m.bulk(vaultID, ids, func(f *vault.File) bool {
		fid := folder.ID
		f.FolderID = &fid
		f.Path = vault.JoinPath(folder.Path, f.Name)
		return true
	}), nil
}

func (m *MemoryStore) BulkTag(_ context.Context, vaultID string, ids []string, tags []string) (int, error) {
	return m.bulk(vaultID, ids, func(f *vault.File) bool {
		f.Tags = mergeTags(f.Tags, tags)
		return true
	}), nil
}

// --- Sessions ---

func copySession(s *vault.UploadSession) *vault.UploadSession {
	c := *s
	c.Chunks = append([]vault.ChunkRef(nil), s.Chunks...)
	return &c
}

func (m *MemoryStore) CreateSession(_ context.Context, s *vault.UploadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("session %s: %w", s.ID, vault.ErrConflict)
	}
	c := copySession(s)
	if len(c.Chunks) != c.TotalChunks {
		c.Chunks = make([]vault.ChunkRef, c.TotalChunks)
	}
	m.sessions[s.ID] = c
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*vault.UploadSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, vault.ErrSessionNotFound
	}
	return copySession(s), nil
}

func (m *MemoryStore) MarkChunk(_ context.Context, id string, index int, ref vault.ChunkRef, now time.Time) (*vault.UploadSession, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, false, vault.ErrSessionNotFound
	}
	if s.Status.IsTerminal() {
		return copySession(s), false, vault.ErrSessionTerminal
	}
	if now.After(s.ExpiresAt) {
		return copySession(s), false, vault.ErrSessionExpired
	}
	if index < 0 || index >= s.TotalChunks {
		return copySession(s), false, vault.ErrInvalidIndex
	}
	if s.Chunks[index].Present {
		return copySession(s), false, nil
	}
	if s.Status != vault.SessionPending && s.Status != vault.SessionUploading {
		return copySession(s), false, vault.ErrSessionTerminal
	}
	ref.Present = true
	s.Chunks[index] = ref
	s.UploadedChunks++
	s.UploadedBytes += ref.Size
	if s.Status == vault.SessionPending {
		s.Status = vault.SessionUploading
	}
	s.UpdatedAt = now
	return copySession(s), true, nil
}

func (m *MemoryStore) TransitionSession(_ context.Context, id string, from []vault.SessionStatus, to vault.SessionStatus, upd SessionUpdate) (*vault.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, vault.ErrSessionNotFound
	}
	if !isOneOf(s.Status, from) {
		return copySession(s), fmt.Errorf("session %s is %s: %w", id, s.Status, vault.ErrConflict)
	}
	s.Status = to
	if upd.FileID != nil {
		fid := *upd.FileID
		s.FileID = &fid
	}
	if upd.Error != "" {
		s.Error = upd.Error
	}
	if !upd.At.IsZero() {
		s.UpdatedAt = upd.At
	}
	return copySession(s), nil
}

func (m *MemoryStore) ListStaleSessions(_ context.Context, before time.Time, limit int) ([]*vault.UploadSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*vault.UploadSession
	for _, s := range m.sessions {
		if !s.Status.IsTerminal() && s.ExpiresAt.Before(before) {
			out = append(out, copySession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Shares ---

func copyShare(s *vault.Share) *vault.Share {
	c := *s
	c.PasswordHash = append([]byte(nil), s.PasswordHash...)
	return &c
}

func (m *MemoryStore) CreateShare(_ context.Context, s *vault.Share) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.codes[s.Code]; ok {
		return fmt.Errorf("share code %s: %w", s.Code, vault.ErrConflict)
	}
	m.shares[s.ID] = copyShare(s)
	m.codes[s.Code] = s.ID
	return nil
}

func (m *MemoryStore) GetShare(_ context.Context, id string) (*vault.Share, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.shares[id]
	if !ok {
		return nil, fmt.Errorf("share %s: %w", id, vault.ErrNotFound)
	}
	return copyShare(s), nil
}

func (m *MemoryStore) GetShareByCode(_ context.Context, code string) (*vault.Share, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.codes[code]
	if !ok {
		return nil, fmt.Errorf("share code %s: %w", code, vault.ErrNotFound)
	}
	return copyShare(m.shares[id]), nil
}

func (m *MemoryStore) ListShares(_ context.Context, vaultID string) ([]*vault.Share, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*vault.Share
	for _, s := range m.shares {
		if s.VaultID == vaultID {
			out = append(out, copyShare(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DeleteShare(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shares[id]
	if !ok {
		return fmt.Errorf("share %s: %w", id, vault.ErrNotFound)
	}
	delete(m.codes, s.Code)
	delete(m.shares, id)
	return nil
}

func (m *MemoryStore) IncrementShareAccess(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shares[id]
	if !ok {
		return fmt.Errorf("share %s: %w", id, vault.ErrNotFound)
	}
	s.AccessCount++
	return nil
}

func (m *MemoryStore) IncrementShareDownload(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shares[id]
	if !ok {
		return false, fmt.Errorf("share %s: %w", id, vault.ErrNotFound)
	}
	if s.LimitReached() {
		return false, nil
	}
	s.DownloadCount++
	return true, nil
}

// mergeTags returns the sorted union of two tag lists.
func mergeTags(existing, add []string) []string {
	set := make(map[string]struct{}, len(existing)+len(add))
	for _, t := range existing {
		set[t] = struct{}{}
	}
	for _, t := range add {
		if t != "" {
			set[t] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

var (
	_ Store         = (*MemoryStore)(nil)
	_ BulkFileStore = (*MemoryStore)(nil)
)
