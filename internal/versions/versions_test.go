package versions

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/filevault/filevault/internal/blob"
	"github.com/filevault/filevault/internal/quota"
	"github.com/filevault/filevault/internal/store"
	"github.com/filevault/filevault/internal/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store *store.MemoryStore
	blobs *blob.MemoryStore
	svc   *Service
	file  *vault.File
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	blobs := blob.NewMemoryStore()
	ledger := quota.NewLedger(st, nil)

	require.NoError(t, st.CreateVault(ctx, &vault.Vault{ID: "v1", QuotaBytes: 1000, Status: vault.VaultActive}))
	require.NoError(t, st.ReserveBytes(ctx, "v1", 5))
	require.NoError(t, st.CommitBytes(ctx, "v1", 5, 5))
	require.NoError(t, blobs.Put(ctx, "vaults/v1/a_doc.txt", strings.NewReader("first"), 5, "text/plain", blob.PutOptions{}))

	thumb := "vaults/v1/a_doc.txt.thumb-small.jpg"
	require.NoError(t, blobs.Put(ctx, thumb, strings.NewReader("jpg"), 3, "image/jpeg", blob.PutOptions{}))

	f := &vault.File{
		ID: "f1", VaultID: "v1", Name: "doc.txt", Path: "/doc.txt", MimeType: "text/plain",
		Size: 5, FastDigest: "xxh64:1111111111111111", StrongDigest: "sha256:first",
		BlobKey: "vaults/v1/a_doc.txt", Version: 1, Thumbnails: vault.Thumbnails{Small: &thumb},
		CreatedAt: time.Now().Add(-time.Hour), UpdatedAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, st.CreateFile(ctx, f))
	return &fixture{store: st, blobs: blobs, svc: NewService(st, blobs, ledger, nil), file: f}
}

func (fx *fixture) replace(t *testing.T, key, content string) *vault.File {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, fx.blobs.Put(ctx, key, strings.NewReader(content), int64(len(content)), "text/plain", blob.PutOptions{}))
	cur, err := fx.store.GetFile(ctx, fx.file.ID)
	require.NoError(t, err)
	updated, err := fx.svc.Replace(ctx, cur, Content{
		BlobKey: key, Size: int64(len(content)), StrongDigest: "sha256:" + content, MimeType: "text/plain",
	})
	require.NoError(t, err)
	require.NoError(t, fx.store.CommitBytes(ctx, "v1", int64(len(content)), 0))
	return updated
}

func TestReplace_SnapshotsPreviousState(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	updated := fx.replace(t, "vaults/v1/b_doc.txt", "second!")
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, "sha256:second!", updated.StrongDigest)
	assert.Nil(t, updated.Thumbnails.Small)

	old, err := fx.store.GetVersion(ctx, "f1", 1)
	require.NoError(t, err)
	assert.Equal(t, "sha256:first", old.StrongDigest)
	assert.Equal(t, "vaults/v1/a_doc.txt", old.BlobKey)
	assert.Equal(t, int64(5), old.Size)

	ok, err := fx.blobs.Exists(ctx, "vaults/v1/a_doc.txt.thumb-small.jpg")
	require.NoError(t, err)
	assert.False(t, ok, "thumbnails of replaced content are removed")
}

func TestReplace_StaleFileConflicts(t *testing.T) {
	fx := newFixture(t)
	stale := *fx.file
	fx.replace(t, "vaults/v1/b_doc.txt", "second")

	_, err := fx.svc.Replace(context.Background(), &stale, Content{BlobKey: "x", MimeType: "text/plain"})
	assert.ErrorIs(t, err, vault.ErrConflict)
}

func TestList_CurrentFirstThenNewestHistory(t *testing.T) {
	fx := newFixture(t)
	fx.replace(t, "vaults/v1/b_doc.txt", "second")
	fx.replace(t, "vaults/v1/c_doc.txt", "third")

	entries, err := fx.svc.List(context.Background(), "f1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, 3, entries[0].Version)
	assert.True(t, entries[0].IsCurrent)
	assert.Equal(t, "sha256:third", entries[0].StrongDigest)
	assert.Equal(t, 2, entries[1].Version)
	assert.False(t, entries[1].IsCurrent)
	assert.Equal(t, 1, entries[2].Version)
}

func TestOpenAndRestore(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.replace(t, "vaults/v1/b_doc.txt", "second")

	rc, entry, err := fx.svc.Open(ctx, "f1", 1)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))
	assert.False(t, entry.IsCurrent)

	_, err = fx.svc.Restore(ctx, "f1", 2)
	assert.ErrorIs(t, err, vault.ErrValidation)
	_, err = fx.svc.Restore(ctx, "f1", 9)
	assert.ErrorIs(t, err, vault.ErrNotFound)

	restored, err := fx.svc.Restore(ctx, "f1", 1)
	require.NoError(t, err)
	assert.Equal(t, 3, restored.Version)
	assert.Equal(t, "vaults/v1/a_doc.txt", restored.BlobKey)
	assert.Equal(t, "sha256:first", restored.StrongDigest)

	rc, entry, err = fx.svc.Open(ctx, "f1", 3)
	require.NoError(t, err)
	data, _ = io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "first", string(data))
	assert.True(t, entry.IsCurrent)
}

func TestPurge_RemovesEverythingAndFreesBytes(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.replace(t, "vaults/v1/b_doc.txt", "second")
	_, err := fx.svc.Restore(ctx, "f1", 1)
	require.NoError(t, err)

	v, err := fx.store.GetVault(ctx, "v1")
	require.NoError(t, err)
	require.Equal(t, int64(11), v.UsedBytes)

	require.NoError(t, fx.svc.Purge(ctx, "f1"))
	_, err = fx.store.GetFile(ctx, "f1")
	assert.ErrorIs(t, err, vault.ErrNotFound)
	assert.Empty(t, fx.blobs.KeysWithPrefix("vaults/v1/"))

	v, err = fx.store.GetVault(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v.UsedBytes, "shared blobs are freed once")
}

func TestPurgeDeleted(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.store.SoftDeleteFile(ctx, "v1", "f1", time.Now().Add(-48*time.Hour)))

	n, err := fx.svc.PurgeDeleted(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = fx.svc.PurgeDeleted(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}
