package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/filevault/filevault/internal/store/migrations"
	"github.com/filevault/filevault/internal/vault"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"
)

// PostgresStore implements Store on PostgreSQL through the pgx database/sql driver.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}
	return NewPostgresStore(db), nil
}

// Migrate applies all pending schema migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, s.db, "."); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	log.Info().Msg("database migrations applied")
	return nil
}

// Close closes the database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// dbErr maps driver errors onto vault errors.
func dbErr(op string, err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%s: %w", op, vault.ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func jsonList(items []string) string {
	if items == nil {
		items = []string{}
	}
	b, _ := json.Marshal(items)
	return string(b)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func affected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}

// --- Vaults ---

const vaultColumns = `id, name, quota_bytes, used_bytes, reserved_bytes, status, created_at`

func scanVault(r rowScanner) (*vault.Vault, error) {
	var v vault.Vault
	if err := r.Scan(&v.ID, &v.Name, &v.QuotaBytes, &v.UsedBytes, &v.ReservedBytes, &v.Status, &v.CreatedAt); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *PostgresStore) CreateVault(ctx context.Context, v *vault.Vault) error {
	query := `INSERT INTO vaults (` + vaultColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.db.ExecContext(ctx, query, v.ID, v.Name, v.QuotaBytes, v.UsedBytes, v.ReservedBytes, v.Status, v.CreatedAt)
	if err != nil {
		return dbErr("create vault", err)
	}
	return nil
}

func (s *PostgresStore) GetVault(ctx context.Context, id string) (*vault.Vault, error) {
	query := `SELECT ` + vaultColumns + ` FROM vaults WHERE id = $1`
	v, err := scanVault(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("vault %s: %w", id, vault.ErrNotFound)
	}
	if err != nil {
		return nil, dbErr("get vault", err)
	}
	return v, nil
}

// vaultUpdateMiss explains why a conditional vault update touched no row.
func (s *PostgresStore) vaultUpdateMiss(ctx context.Context, id string, cause error) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM vaults WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("vault %s: %w", id, vault.ErrNotFound)
	}
	if err != nil {
		return dbErr("check vault", err)
	}
	return cause
}

func (s *PostgresStore) ReserveBytes(ctx context.Context, vaultID string, n int64) error {
	query := `
		UPDATE vaults SET reserved_bytes = reserved_bytes + $2
		WHERE id = $1 AND (quota_bytes = 0 OR used_bytes + reserved_bytes + $2 <= quota_bytes)`
	res, err := s.db.ExecContext(ctx, query, vaultID, n)
	if err != nil {
		return dbErr("reserve bytes", err)
	}
	rows, err := affected(res)
	if err != nil {
		return err
	}
	if rows == 0 {
		return s.vaultUpdateMiss(ctx, vaultID, vault.ErrQuotaExceeded)
	}
	return nil
}

func (s *PostgresStore) CommitBytes(ctx context.Context, vaultID string, n, reserved int64) error {
	query := `
		UPDATE vaults SET used_bytes = used_bytes + $2, reserved_bytes = GREATEST(reserved_bytes - $3, 0)
		WHERE id = $1 AND (quota_bytes = 0 OR used_bytes + $2 <= quota_bytes)`
	res, err := s.db.ExecContext(ctx, query, vaultID, n, reserved)
	if err != nil {
		return dbErr("commit bytes", err)
	}
	rows, err := affected(res)
	if err != nil {
		return err
	}
	if rows == 0 {
		return s.vaultUpdateMiss(ctx, vaultID, vault.ErrQuotaExceeded)
	}
	return nil
}

func (s *PostgresStore) ReleaseReserved(ctx context.Context, vaultID string, n int64) error {
	return s.releaseColumn(ctx, "reserved_bytes", vaultID, n)
}

func (s *PostgresStore) ReleaseUsed(ctx context.Context, vaultID string, n int64) error {
	return s.releaseColumn(ctx, "used_bytes", vaultID, n)
}

func (s *PostgresStore) releaseColumn(ctx context.Context, column, vaultID string, n int64) error {
	query := fmt.Sprintf(`UPDATE vaults SET %[1]s = GREATEST(%[1]s - $2, 0) WHERE id = $1`, column)
	res, err := s.db.ExecContext(ctx, query, vaultID, n)
	if err != nil {
		return dbErr("release "+column, err)
	}
	rows, err := affected(res)
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("vault %s: %w", vaultID, vault.ErrNotFound)
	}
	return nil
}

// --- Folders ---

const folderColumns = `id, vault_id, parent_id, name, path, created_at`

func scanFolder(r rowScanner) (*vault.Folder, error) {
	var f vault.Folder
	if err := r.Scan(&f.ID, &f.VaultID, &f.ParentID, &f.Name, &f.Path, &f.CreatedAt); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *PostgresStore) CreateFolder(ctx context.Context, f *vault.Folder) error {
	query := `INSERT INTO folders (` + folderColumns + `) VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.db.ExecContext(ctx, query, f.ID, f.VaultID, f.ParentID, f.Name, f.Path, f.CreatedAt)
	if err != nil {
		return dbErr("create folder", err)
	}
	return nil
}

func (s *PostgresStore) GetFolder(ctx context.Context, id string) (*vault.Folder, error) {
	query := `SELECT ` + folderColumns + ` FROM folders WHERE id = $1`
	f, err := scanFolder(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("folder %s: %w", id, vault.ErrNotFound)
	}
	if err != nil {
		return nil, dbErr("get folder", err)
	}
	return f, nil
}

func (s *PostgresStore) ListFolders(ctx context.Context, vaultID string) ([]*vault.Folder, error) {
	query := `SELECT ` + folderColumns + ` FROM folders WHERE vault_id = $1 ORDER BY path`
	rows, err := s.db.QueryContext(ctx, query, vaultID)
	if err != nil {
		return nil, dbErr("list folders", err)
	}
	defer rows.Close()

	var out []*vault.Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// --- Files ---

const fileColumns = `id, vault_id, folder_id, name, path, mime_type, size, fast_digest, strong_digest,
	blob_key, version, thumb_small, thumb_medium, thumb_large, width, height, tags, deleted_at, created_at, updated_at`

func scanFile(r rowScanner) (*vault.File, error) {
	var (
		f    vault.File
		tags []byte
	)
	err := r.Scan(&f.ID, &f.VaultID, &f.FolderID, &f.Name, &f.Path, &f.MimeType, &f.Size, &f.FastDigest, &f.StrongDigest,
		&f.BlobKey, &f.Version, &f.Thumbnails.Small, &f.Thumbnails.Medium, &f.Thumbnails.Large, &f.Width, &f.Height,
		&tags, &f.DeletedAt, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &f.Tags); err != nil {
			return nil, fmt.Errorf("decode tags of %s: %w", f.ID, err)
		}
	}
	if len(f.Tags) == 0 {
		f.Tags = nil
	}
	return &f, nil
}

func fileArgs(f *vault.File) []any {
	return []any{f.ID, f.VaultID, f.FolderID, f.Name, f.Path, f.MimeType, f.Size, f.FastDigest, f.StrongDigest,
		f.BlobKey, f.Version, f.Thumbnails.Small, f.Thumbnails.Medium, f.Thumbnails.Large, f.Width, f.Height,
		jsonList(f.Tags), f.DeletedAt, f.CreatedAt, f.UpdatedAt}
}

func (s *PostgresStore) CreateFile(ctx context.Context, f *vault.File) error {
	query := `INSERT INTO files (` + fileColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17::jsonb, $18, $19, $20)`
	if _, err := s.db.ExecContext(ctx, query, fileArgs(f)...); err != nil {
		return dbErr("create file", err)
	}
	return nil
}

func (s *PostgresStore) GetFile(ctx context.Context, id string) (*vault.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE id = $1`
	f, err := scanFile(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("file %s: %w", id, vault.ErrNotFound)
	}
	if err != nil {
		return nil, dbErr("get file", err)
	}
	return f, nil
}

func (s *PostgresStore) queryFiles(ctx context.Context, query string, args ...any) ([]*vault.File, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbErr("list files", err)
	}
	defer rows.Close()

	var out []*vault.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListFiles(ctx context.Context, vaultID string, folderID *string, includeDeleted bool) ([]*vault.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files
		WHERE vault_id = $1 AND ($2::text IS NULL OR folder_id = $2) AND ($3 OR deleted_at IS NULL)
		ORDER BY path`
	return s.queryFiles(ctx, query, vaultID, folderID, includeDeleted)
}

func (s *PostgresStore) SwapFileVersion(ctx context.Context, snapshot *vault.FileVersion, updated *vault.File) error {
	return WithTx(ctx, s.db, nil, func(ctx context.Context, tx DBTX) error {
		insert := `INSERT INTO file_versions (id, file_id, version, blob_key, size, fast_digest, strong_digest, mime_type, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
		_, err := tx.ExecContext(ctx, insert, snapshot.ID, snapshot.FileID, snapshot.Version, snapshot.BlobKey,
			snapshot.Size, snapshot.FastDigest, snapshot.StrongDigest, snapshot.MimeType, snapshot.CreatedAt)
		if err != nil {
			return dbErr("insert version", err)
		}

		update := `UPDATE files SET mime_type = $3, size = $4, fast_digest = $5, strong_digest = $6, blob_key = $7,
			version = $8, thumb_small = $9, thumb_medium = $10, thumb_large = $11, width = $12, height = $13, updated_at = $14
			WHERE id = $1 AND version = $2`
		res, err := tx.ExecContext(ctx, update, updated.ID, snapshot.Version, updated.MimeType, updated.Size,
			updated.FastDigest, updated.StrongDigest, updated.BlobKey, updated.Version, updated.Thumbnails.Small,
			updated.Thumbnails.Medium, updated.Thumbnails.Large, updated.Width, updated.Height, updated.UpdatedAt)
		if err != nil {
			return dbErr("update file", err)
		}
		n, err := affected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("file %s is no longer at version %d: %w", updated.ID, snapshot.Version, vault.ErrConflict)
		}
		return nil
	})
}

const versionColumns = `id, file_id, version, blob_key, size, fast_digest, strong_digest, mime_type, created_at`

func scanVersion(r rowScanner) (*vault.FileVersion, error) {
	var v vault.FileVersion
	if err := r.Scan(&v.ID, &v.FileID, &v.Version, &v.BlobKey, &v.Size, &v.FastDigest, &v.StrongDigest, &v.MimeType, &v.CreatedAt); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *PostgresStore) ListVersions(ctx context.Context, fileID string) ([]*vault.FileVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM file_versions WHERE file_id = $1 ORDER BY version DESC`
	rows, err := s.db.QueryContext(ctx, query, fileID)
	if err != nil {
		return nil, dbErr("list versions", err)
	}
	defer rows.Close()

	var out []*vault.FileVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetVersion(ctx context.Context, fileID string, version int) (*vault.FileVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM file_versions WHERE file_id = $1 AND version = $2`
	v, err := scanVersion(s.db.QueryRowContext(ctx, query, fileID, version))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("version %d of %s: %w", version, fileID, vault.ErrNotFound)
	}
	if err != nil {
		return nil, dbErr("get version", err)
	}
	return v, nil
}

// execOne runs an update that must touch exactly one file of the vault.
func (s *PostgresStore) execOne(ctx context.Context, op, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return dbErr(op, err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("file %s: %w", id, vault.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) SoftDeleteFile(ctx context.Context, vaultID, id string, at time.Time) error {
	query := `UPDATE files SET deleted_at = COALESCE(deleted_at, $3), updated_at = $3 WHERE vault_id = $1 AND id = $2`
	return s.execOne(ctx, "soft delete file", id, query, vaultID, id, at)
}

func (s *PostgresStore) RestoreFile(ctx context.Context, vaultID, id string) error {
	query := `UPDATE files SET deleted_at = NULL WHERE vault_id = $1 AND id = $2`
	return s.execOne(ctx, "restore file", id, query, vaultID, id)
}

func folderPrefix(folder *vault.Folder) string {
	return strings.TrimSuffix(folder.Path, "/") + "/"
}

func (s *PostgresStore) MoveFile(ctx context.Context, vaultID, id string, folder *vault.Folder) error {
	query := `UPDATE files SET folder_id = $3, path = $4 || name WHERE vault_id = $1 AND id = $2`
	return s.execOne(ctx, "move file", id, query, vaultID, id, folder.ID, folderPrefix(folder))
}

// mergedTags is the SQL expression for the sorted union of the stored tags and a jsonb parameter.
func mergedTags(param string) string {
	return `(SELECT COALESCE(jsonb_agg(DISTINCT t ORDER BY t), '[]'::jsonb)
		FROM jsonb_array_elements_text(tags || ` + param + `::jsonb) AS t WHERE t <> '')`
}

func (s *PostgresStore) TagFile(ctx context.Context, vaultID, id string, tags []string) error {
	query := `UPDATE files SET tags = ` + mergedTags("$3") + ` WHERE vault_id = $1 AND id = $2`
	return s.execOne(ctx, "tag file", id, query, vaultID, id, jsonList(tags))
}

func (s *PostgresStore) ListTombstonedFiles(ctx context.Context, before time.Time, limit int) ([]*vault.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files
		WHERE deleted_at IS NOT NULL AND deleted_at < $1 ORDER BY deleted_at LIMIT $2`
	return s.queryFiles(ctx, query, before, limit)
}

func (s *PostgresStore) PurgeFile(ctx context.Context, id string) error {
	return s.execOne(ctx, "purge file", id, `DELETE FROM files WHERE id = $1`, id)
}

// --- Bulk ---

const idsInList = `id IN (SELECT jsonb_array_elements_text($2::jsonb))`

func (s *PostgresStore) bulkExec(ctx context.Context, op, query string, args ...any) (int, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, dbErr(op, err)
	}
	n, err := affected(res)
	return int(n), err
}

func (s *PostgresStore) BulkSoftDelete(ctx context.Context, vaultID string, ids []string, at time.Time) (int, error) {
	query := `UPDATE files SET deleted_at = $3, updated_at = $3
		WHERE vault_id = $1 AND deleted_at IS NULL AND ` + idsInList
	return s.bulkExec(ctx, "bulk delete", query, vaultID, jsonList(ids), at)
}

func (s *PostgresStore) BulkRestore(ctx context.Context, vaultID string, ids []string) (int, error) {
	query := `UPDATE files SET deleted_at = NULL WHERE vault_id = $1 AND deleted_at IS NOT NULL AND ` + idsInList
	return s.bulkExec(ctx, "bulk restore", query, vaultID, jsonList(ids))
}

func (s *PostgresStore) BulkMove(ctx context.Context, vaultID string, ids []string, folder *vault.Folder) (int, error) {
	query := `UPDATE files SET folder_id = $3, path = $4 || name WHERE vault_id = $1 AND ` + idsInList
	return s.bulkExec(ctx, "bulk move", query, vaultID, jsonList(ids), folder.ID, folderPrefix(folder))
}

func (s *PostgresStore) BulkTag(ctx context.Context, vaultID string, ids []string, tags []string) (int, error) {
	query := `UPDATE files SET tags = ` + mergedTags("$3") + ` WHERE vault_id = $1 AND ` + idsInList
	return s.bulkExec(ctx, "bulk tag", query, vaultID, jsonList(ids), jsonList(tags))
}

// --- Sessions ---

const sessionColumns = `id, vault_id, folder_id, target_file_id, file_name, file_size, mime_type, chunk_size,
	total_chunks, uploaded_chunks, uploaded_bytes, status, expected_digest, file_id, error, expires_at, created_at, updated_at`

func scanSession(r rowScanner) (*vault.UploadSession, error) {
	var u vault.UploadSession
	err := r.Scan(&u.ID, &u.VaultID, &u.FolderID, &u.TargetFileID, &u.FileName, &u.FileSize, &u.MimeType, &u.ChunkSize,
		&u.TotalChunks, &u.UploadedChunks, &u.UploadedBytes, &u.Status, &u.ExpectedDigest, &u.FileID, &u.Error,
		&u.ExpiresAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// loadChunks fills the chunk table of a session from upload_chunks.
func loadChunks(ctx context.Context, db DBTX, u *vault.UploadSession) error {
	u.Chunks = make([]vault.ChunkRef, u.TotalChunks)
	rows, err := db.QueryContext(ctx, `SELECT idx, blob_key, size FROM upload_chunks WHERE session_id = $1 ORDER BY idx`, u.ID)
	if err != nil {
		return dbErr("load chunks", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			idx int
			ref vault.ChunkRef
		)
		if err := rows.Scan(&idx, &ref.Key, &ref.Size); err != nil {
			return err
		}
		if idx < 0 || idx >= u.TotalChunks {
			continue
		}
		ref.Present = true
		u.Chunks[idx] = ref
	}
	return rows.Err()
}

func (s *PostgresStore) CreateSession(ctx context.Context, u *vault.UploadSession) error {
	query := `INSERT INTO upload_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`
	_, err := s.db.ExecContext(ctx, query, u.ID, u.VaultID, u.FolderID, u.TargetFileID, u.FileName, u.FileSize,
		u.MimeType, u.ChunkSize, u.TotalChunks, u.UploadedChunks, u.UploadedBytes, u.Status, u.ExpectedDigest,
		u.FileID, u.Error, u.ExpiresAt, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return dbErr("create session", err)
	}
	return nil
}

func (s *PostgresStore) getSession(ctx context.Context, db DBTX, id string, lock bool) (*vault.UploadSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM upload_sessions WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	u, err := scanSession(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, vault.ErrSessionNotFound
	}
	if err != nil {
		return nil, dbErr("get session", err)
	}
	return u, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*vault.UploadSession, error) {
	u, err := s.getSession(ctx, s.db, id, false)
	if err != nil {
		return nil, err
	}
	if err := loadChunks(ctx, s.db, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *PostgresStore) MarkChunk(ctx context.Context, id string, index int, ref vault.ChunkRef, now time.Time) (*vault.UploadSession, bool, error) {
	var (
		out   *vault.UploadSession
		added bool
		state error
	)
	err := WithTx(ctx, s.db, nil, func(ctx context.Context, tx DBTX) error {
		u, err := s.getSession(ctx, tx, id, true)
		if err != nil {
			return err
		}
		out = u
		switch {
		case u.Status.IsTerminal():
			state = vault.ErrSessionTerminal
		case now.After(u.ExpiresAt):
			state = vault.ErrSessionExpired
		case index < 0 || index >= u.TotalChunks:
			state = vault.ErrInvalidIndex
		}
		if state != nil {
			return loadChunks(ctx, tx, u)
		}

		res, err := tx.ExecContext(ctx, `INSERT INTO upload_chunks (session_id, idx, blob_key, size)
			VALUES ($1, $2, $3, $4) ON CONFLICT (session_id, idx) DO NOTHING`, id, index, ref.Key, ref.Size)
		if err != nil {
			return dbErr("insert chunk", err)
		}
		n, err := affected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return loadChunks(ctx, tx, u)
		}
		if u.Status != vault.SessionPending && u.Status != vault.SessionUploading {
			// Row inserted for a session that stopped accepting chunks; undo it.
			state = vault.ErrSessionTerminal
			return state
		}

		update := `UPDATE upload_sessions SET uploaded_chunks = uploaded_chunks + 1, uploaded_bytes = uploaded_bytes + $2,
			status = CASE WHEN status = 'pending' THEN 'uploading' ELSE status END, updated_at = $3
			WHERE id = $1 RETURNING ` + sessionColumns
		u, err = scanSession(tx.QueryRowContext(ctx, update, id, ref.Size, now))
		if err != nil {
			return dbErr("update session", err)
		}
		out = u
		added = true
		return loadChunks(ctx, tx, u)
	})
	if state != nil {
		return out, false, state
	}
	if err != nil {
		return nil, false, err
	}
	return out, added, nil
}

func (s *PostgresStore) TransitionSession(ctx context.Context, id string, from []vault.SessionStatus, to vault.SessionStatus, upd SessionUpdate) (*vault.UploadSession, error) {
	at := upd.At
	if at.IsZero() {
		at = time.Now()
	}
	allowed := make([]string, len(from))
	for i, f := range from {
		allowed[i] = string(f)
	}
	query := `UPDATE upload_sessions SET status = $2, file_id = COALESCE($3, file_id),
		error = CASE WHEN $4 = '' THEN error ELSE $4 END, updated_at = $5
		WHERE id = $1 AND status IN (SELECT jsonb_array_elements_text($6::jsonb))
		RETURNING ` + sessionColumns
	u, err := scanSession(s.db.QueryRowContext(ctx, query, id, to, upd.FileID, upd.Error, at, jsonList(allowed)))
	if errors.Is(err, sql.ErrNoRows) {
		cur, gerr := s.getSession(ctx, s.db, id, false)
		if gerr != nil {
			return nil, gerr
		}
		if err := loadChunks(ctx, s.db, cur); err != nil {
			return nil, err
		}
		return cur, fmt.Errorf("session %s is %s: %w", id, cur.Status, vault.ErrConflict)
	}
	if err != nil {
		return nil, dbErr("transition session", err)
	}
	if err := loadChunks(ctx, s.db, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *PostgresStore) ListStaleSessions(ctx context.Context, before time.Time, limit int) ([]*vault.UploadSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM upload_sessions
		WHERE status IN ('pending', 'uploading', 'processing') AND expires_at < $1
		ORDER BY expires_at LIMIT $2`
	rows, err := s.db.QueryContext(ctx, query, before, limit)
	if err != nil {
		return nil, dbErr("list stale sessions", err)
	}
	var out []*vault.UploadSession
	for rows.Next() {
		u, err := scanSession(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for _, u := range out {
		if err := loadChunks(ctx, s.db, u); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// --- Shares ---

const shareColumns = `id, vault_id, code, target_type, target_id, allow_download, allow_upload, password_hash,
	expires_at, download_limit, download_count, access_count, created_at`

func scanShare(r rowScanner) (*vault.Share, error) {
	var sh vault.Share
	err := r.Scan(&sh.ID, &sh.VaultID, &sh.Code, &sh.TargetType, &sh.TargetID, &sh.AllowDownload, &sh.AllowUpload,
		&sh.PasswordHash, &sh.ExpiresAt, &sh.DownloadLimit, &sh.DownloadCount, &sh.AccessCount, &sh.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &sh, nil
}

func (s *PostgresStore) CreateShare(ctx context.Context, sh *vault.Share) error {
	query := `INSERT INTO shares (` + shareColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	var hash any
	if len(sh.PasswordHash) > 0 {
		hash = sh.PasswordHash
	}
	_, err := s.db.ExecContext(ctx, query, sh.ID, sh.VaultID, sh.Code, sh.TargetType, sh.TargetID, sh.AllowDownload,
		sh.AllowUpload, hash, sh.ExpiresAt, sh.DownloadLimit, sh.DownloadCount, sh.AccessCount, sh.CreatedAt)
	if err != nil {
		return dbErr("create share", err)
	}
	return nil
}

func (s *PostgresStore) getShareWhere(ctx context.Context, column, value string) (*vault.Share, error) {
	query := `SELECT ` + shareColumns + ` FROM shares WHERE ` + column + ` = $1`
	sh, err := scanShare(s.db.QueryRowContext(ctx, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("share %s: %w", value, vault.ErrNotFound)
	}
	if err != nil {
		return nil, dbErr("get share", err)
	}
	return sh, nil
}

func (s *PostgresStore) GetShare(ctx context.Context, id string) (*vault.Share, error) {
	return s.getShareWhere(ctx, "id", id)
}

func (s *PostgresStore) GetShareByCode(ctx context.Context, code string) (*vault.Share, error) {
	return s.getShareWhere(ctx, "code", code)
}

func (s *PostgresStore) ListShares(ctx context.Context, vaultID string) ([]*vault.Share, error) {
	query := `SELECT ` + shareColumns + ` FROM shares WHERE vault_id = $1 ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query, vaultID)
	if err != nil {
		return nil, dbErr("list shares", err)
	}
	defer rows.Close()

	var out []*vault.Share
	for rows.Next() {
		sh, err := scanShare(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sh)
	}
	return out, rows.Err()
}

func (s *PostgresStore) shareExec(ctx context.Context, op, id, query string) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return 0, dbErr(op, err)
	}
	return affected(res)
}

func (s *PostgresStore) DeleteShare(ctx context.Context, id string) error {
	n, err := s.shareExec(ctx, "delete share", id, `DELETE FROM shares WHERE id = $1`)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("share %s: %w", id, vault.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) IncrementShareAccess(ctx context.Context, id string) error {
	n, err := s.shareExec(ctx, "count share access", id, `UPDATE shares SET access_count = access_count + 1 WHERE id = $1`)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("share %s: %w", id, vault.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) IncrementShareDownload(ctx context.Context, id string) (bool, error) {
	n, err := s.shareExec(ctx, "count share download", id, `UPDATE shares SET download_count = download_count + 1
		WHERE id = $1 AND (download_limit IS NULL OR download_count < download_limit)`)
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetShare(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

var (
	_ Store         = (*PostgresStore)(nil)
	_ BulkFileStore = (*PostgresStore)(nil)
)
