package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/filevault/filevault/internal/vault"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStoreWithMock(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func sessionRow(status vault.SessionStatus, uploaded int, expires time.Time) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{"id", "vault_id", "folder_id", "target_file_id", "file_name", "file_size",
		"mime_type", "chunk_size", "total_chunks", "uploaded_chunks", "uploaded_bytes", "status", "expected_digest",
		"file_id", "error", "expires_at", "created_at", "updated_at"}).
		AddRow("s1", "v1", nil, nil, "a.bin", int64(20), "application/octet-stream", int64(10), 2, uploaded,
			int64(uploaded*10), string(status), nil, nil, "", expires, now, now)
}

func TestPostgres_ReserveBytes(t *testing.T) {
	s, mock := newStoreWithMock(t)
	q := `(?s)^\s*UPDATE vaults SET reserved_bytes = reserved_bytes \+ \$2\s+WHERE id = \$1 AND \(quota_bytes = 0 OR`

	mock.ExpectExec(q).WithArgs("v1", int64(10)).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.ReserveBytes(context.Background(), "v1", 10))

	mock.ExpectExec(q).WithArgs("v1", int64(10)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT 1 FROM vaults WHERE id = \$1`).WithArgs("v1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	assert.ErrorIs(t, s.ReserveBytes(context.Background(), "v1", 10), vault.ErrQuotaExceeded)

	mock.ExpectExec(q).WithArgs("v9", int64(10)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT 1 FROM vaults WHERE id = \$1`).WithArgs("v9").WillReturnError(sql.ErrNoRows)
	assert.ErrorIs(t, s.ReserveBytes(context.Background(), "v9", 10), vault.ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CommitBytesFloorsReservation(t *testing.T) {
	s, mock := newStoreWithMock(t)
	mock.ExpectExec(`(?s)UPDATE vaults SET used_bytes = used_bytes \+ \$2, reserved_bytes = GREATEST\(reserved_bytes - \$3, 0\)`).
		WithArgs("v1", int64(7), int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.CommitBytes(context.Background(), "v1", 7, 10))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CreateShareDuplicateCode(t *testing.T) {
	s, mock := newStoreWithMock(t)
	mock.ExpectExec(`(?s)^INSERT INTO shares`).WillReturnError(&pgconn.PgError{Code: "23505"})

	err := s.CreateShare(context.Background(), &vault.Share{ID: "sh1", Code: "abc", CreatedAt: time.Now()})
	assert.ErrorIs(t, err, vault.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_IncrementShareDownload(t *testing.T) {
	s, mock := newStoreWithMock(t)
	q := `(?s)UPDATE shares SET download_count = download_count \+ 1\s+WHERE id = \$1 AND \(download_limit IS NULL OR download_count < download_limit\)`

	mock.ExpectExec(q).WithArgs("sh1").WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := s.IncrementShareDownload(context.Background(), "sh1")
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec(q).WithArgs("sh1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`(?s)SELECT .* FROM shares WHERE id = \$1`).WithArgs("sh1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "vault_id", "code", "target_type", "target_id", "allow_download",
			"allow_upload", "password_hash", "expires_at", "download_limit", "download_count", "access_count", "created_at"}).
			AddRow("sh1", "v1", "abc", "file", "f1", true, false, nil, nil, int64(1), int64(1), int64(4), time.Now()))
	ok, err = s.IncrementShareDownload(context.Background(), "sh1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SwapFileVersionConflictRollsBack(t *testing.T) {
	s, mock := newStoreWithMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(`(?s)^INSERT INTO file_versions`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`(?s)^UPDATE files SET .* WHERE id = \$1 AND version = \$2`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.SwapFileVersion(context.Background(),
		&vault.FileVersion{ID: "fv1", FileID: "f1", Version: 1},
		&vault.File{ID: "f1", Version: 2})
	assert.ErrorIs(t, err, vault.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_MarkChunkAddsChunk(t *testing.T) {
	s, mock := newStoreWithMock(t)
	expires := time.Now().Add(time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT .* FROM upload_sessions WHERE id = \$1 FOR UPDATE`).WithArgs("s1").
		WillReturnRows(sessionRow(vault.SessionPending, 0, expires))
	mock.ExpectExec(`(?s)INSERT INTO upload_chunks .* ON CONFLICT \(session_id, idx\) DO NOTHING`).
		WithArgs("s1", 1, "_chunks/s1/00000001", int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`(?s)UPDATE upload_sessions SET uploaded_chunks = uploaded_chunks \+ 1.*RETURNING`).
		WillReturnRows(sessionRow(vault.SessionUploading, 1, expires))
	mock.ExpectQuery(`SELECT idx, blob_key, size FROM upload_chunks WHERE session_id = \$1`).WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"idx", "blob_key", "size"}).AddRow(1, "_chunks/s1/00000001", int64(10)))
	mock.ExpectCommit()

	u, added, err := s.MarkChunk(context.Background(), "s1", 1, vault.ChunkRef{Key: "_chunks/s1/00000001", Size: 10}, time.Now())
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, vault.SessionUploading, u.Status)
	assert.Equal(t, []int{0}, u.MissingChunks())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_MarkChunkDuplicate(t *testing.T) {
	s, mock := newStoreWithMock(t)
	expires := time.Now().Add(time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT .* FROM upload_sessions WHERE id = \$1 FOR UPDATE`).
		WillReturnRows(sessionRow(vault.SessionUploading, 1, expires))
	mock.ExpectExec(`(?s)INSERT INTO upload_chunks`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT idx, blob_key, size FROM upload_chunks`).
		WillReturnRows(sqlmock.NewRows([]string{"idx", "blob_key", "size"}).AddRow(0, "k0", int64(10)))
	mock.ExpectCommit()

	u, added, err := s.MarkChunk(context.Background(), "s1", 0, vault.ChunkRef{Key: "k0", Size: 10}, time.Now())
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, 1, u.UploadedChunks)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_MarkChunkExpired(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT .* FROM upload_sessions WHERE id = \$1 FOR UPDATE`).
		WillReturnRows(sessionRow(vault.SessionUploading, 1, time.Now().Add(-time.Minute)))
	mock.ExpectQuery(`SELECT idx, blob_key, size FROM upload_chunks`).
		WillReturnRows(sqlmock.NewRows([]string{"idx", "blob_key", "size"}))
	mock.ExpectCommit()

	_, _, err := s.MarkChunk(context.Background(), "s1", 1, vault.ChunkRef{Key: "k1", Size: 10}, time.Now())
	assert.ErrorIs(t, err, vault.ErrSessionExpired)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_TransitionSessionLosesRace(t *testing.T) {
	s, mock := newStoreWithMock(t)
	expires := time.Now().Add(time.Hour)

	mock.ExpectQuery(`(?s)UPDATE upload_sessions SET status = \$2.*status IN \(SELECT jsonb_array_elements_text\(\$6::jsonb\)\)`).
		WithArgs("s1", "processing", nil, "", sqlmock.AnyArg(), `["uploading"]`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`(?s)SELECT .* FROM upload_sessions WHERE id = \$1$`).
		WillReturnRows(sessionRow(vault.SessionProcessing, 2, expires))
	mock.ExpectQuery(`SELECT idx, blob_key, size FROM upload_chunks`).
		WillReturnRows(sqlmock.NewRows([]string{"idx", "blob_key", "size"}))

	u, err := s.TransitionSession(context.Background(), "s1",
		[]vault.SessionStatus{vault.SessionUploading}, vault.SessionProcessing, SessionUpdate{})
	assert.ErrorIs(t, err, vault.ErrConflict)
	require.NotNil(t, u)
	assert.Equal(t, vault.SessionProcessing, u.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetFileDecodesTags(t *testing.T) {
	s, mock := newStoreWithMock(t)
	now := time.Now()
	small := "k.thumb-small.jpg"
	mock.ExpectQuery(`(?s)SELECT .* FROM files WHERE id = \$1`).WithArgs("f1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "vault_id", "folder_id", "name", "path", "mime_type", "size",
			"fast_digest", "strong_digest", "blob_key", "version", "thumb_small", "thumb_medium", "thumb_large", "width",
			"height", "tags", "deleted_at", "created_at", "updated_at"}).
			AddRow("f1", "v1", nil, "a.png", "/a.png", "image/png", int64(3), "xxh64:1", "sha256:2", "k", 1,
				small, nil, nil, int64(10), int64(20), []byte(`["a","b"]`), nil, now, now))

	f, err := s.GetFile(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, f.Tags)
	require.NotNil(t, f.Thumbnails.Small)
	assert.Equal(t, small, *f.Thumbnails.Small)
	assert.Nil(t, f.Thumbnails.Medium)
	require.NotNil(t, f.Width)
	assert.Equal(t, 10, *f.Width)

	mock.ExpectQuery(`(?s)SELECT .* FROM files WHERE id = \$1`).WithArgs("f2").WillReturnError(sql.ErrNoRows)
	_, err = s.GetFile(context.Background(), "f2")
	assert.ErrorIs(t, err, vault.ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_BulkSoftDeletePassesIDsAsJSON(t *testing.T) {
	s, mock := newStoreWithMock(t)
	at := time.Now()
	mock.ExpectExec(`(?s)UPDATE files SET deleted_at = \$3.*id IN \(SELECT jsonb_array_elements_text\(\$2::jsonb\)\)`).
		WithArgs("v1", `["a","b"]`, at).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := s.BulkSoftDelete(context.Background(), "v1", []string{"a", "b"}, at)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}
