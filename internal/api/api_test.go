package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/filevault/filevault/internal/batch"
	"github.com/filevault/filevault/internal/blob"
	"github.com/filevault/filevault/internal/notify"
	"github.com/filevault/filevault/internal/quota"
	"github.com/filevault/filevault/internal/share"
	"github.com/filevault/filevault/internal/store"
	"github.com/filevault/filevault/internal/thumbnail"
	"github.com/filevault/filevault/internal/upload"
	"github.com/filevault/filevault/internal/vault"
	"github.com/filevault/filevault/internal/versions"
	"github.com/filevault/filevault/pkg/proto"
	"github.com/filevault/filevault/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testToken = "admin-secret"

type testServer struct {
	t     *testing.T
	store *store.MemoryStore
	blobs *blob.MemoryStore
	srv   *Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := store.NewMemoryStore()
	blobs := blob.NewMemoryStore()
	ledger := quota.NewLedger(st, nil)
	chunks := upload.NewChunkStore(blobs)
	vers := versions.NewService(st, blobs, ledger, nil)
	merger := upload.NewMerger(upload.MergerDeps{
		Store:    st,
		Blobs:    blobs,
		Chunks:   chunks,
		Ledger:   ledger,
		Versions: vers,
		Deriver:  thumbnail.NewGenerator(blobs, nil),
		SpoolDir: t.TempDir(),
	})
	mgr := upload.NewManager(upload.Config{ChunkSize: 64}, upload.Deps{
		Store: st, Ledger: ledger, Chunks: chunks, Merger: merger,
	})

	srv := NewServer(Config{AdminToken: testToken, DefaultVaultQuota: 1 << 20, Version: "test"}, Services{
		Store:    st,
		Ledger:   ledger,
		Uploads:  mgr,
		Versions: vers,
		Shares: share.NewService(share.Config{
			PublicBaseURL: "https://files.example.com",
			BcryptCost:    bcrypt.MinCost,
		}, st, blobs, nil, nil),
		Batch: batch.NewExecutor(st, notify.LogNotifier{}, nil, nil),
	})
	return &testServer{t: t, store: st, blobs: blobs, srv: srv}
}

func (ts *testServer) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	ts.t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		rd = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(ts.t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Authorization", "Bearer "+testToken)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (ts *testServer) createVault(id string) {
	ts.t.Helper()
	rec := ts.do("POST", "/v1/vaults", map[string]any{"id": id, "name": id})
	require.Equal(ts.t, http.StatusCreated, rec.Code, rec.Body.String())
}

// uploadFile pushes data through a full session and returns the final ack.
func (ts *testServer) uploadFile(vaultID, name string, data []byte) *vault.ChunkAck {
	ts.t.Helper()
	rec := ts.do("POST", "/v1/uploads", upload.OpenRequest{VaultID: vaultID, FileName: name, FileSize: int64(len(data))})
	require.Equal(ts.t, http.StatusCreated, rec.Code, rec.Body.String())
	sess := decode[proto.SessionResponse](ts.t, rec)

	var ack vault.ChunkAck
	for i := 0; i < sess.TotalChunks; i++ {
		end := min(int64(i+1)*sess.ChunkSize, int64(len(data)))
		rec = ts.do("PUT", fmt.Sprintf("/v1/uploads/%s/chunks/%d", sess.ID, i), data[int64(i)*sess.ChunkSize:end])
		require.Equal(ts.t, http.StatusOK, rec.Code, rec.Body.String())
		ack = decode[vault.ChunkAck](ts.t, rec)
	}
	return &ack
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "test", decode[proto.HealthResponse](t, rec).Version)
}

func TestAdminAuth(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest("GET", "/v1/vaults/v1", nil)
	rec := httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")

	req = httptest.NewRequest("GET", "/v1/vaults/v1", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateVault(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do("POST", "/v1/vaults", map[string]any{"name": "team", "quota_bytes": "2Ki"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	v := decode[vault.Vault](t, rec)
	assert.NotEmpty(t, v.ID)
	assert.Equal(t, int64(2048), v.QuotaBytes)

	rec = ts.do("POST", "/v1/vaults", map[string]any{"name": "default"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, int64(1<<20), decode[vault.Vault](t, rec).QuotaBytes)

	rec = ts.do("POST", "/v1/vaults", map[string]any{"name": "open", "unlimited": true})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Zero(t, decode[vault.Vault](t, rec).QuotaBytes)

	rec = ts.do("POST", "/v1/vaults", map[string]any{"name": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do("POST", "/v1/vaults", map[string]any{"name": "x", "bogus": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(vault.ClassFixRequest), decode[proto.ErrorResponse](t, rec).Class)
}

func TestUploadRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	ts.createVault("v1")
	data := testutil.Content(150)

	ack := ts.uploadFile("v1", "notes.txt", data)
	assert.Equal(t, vault.SessionCompleted, ack.Status)
	require.NotNil(t, ack.FileID)

	rec := ts.do("GET", "/v1/files/"+*ack.FileID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	f := decode[proto.FileResponse](t, rec)
	assert.Equal(t, "notes.txt", f.Name)
	assert.Equal(t, int64(150), f.Size)

	rec = ts.do("GET", "/v1/files/"+*ack.FileID+"/versions/1/content", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, data, rec.Body.Bytes())
	assert.NotEmpty(t, rec.Header().Get("Digest"))

	rec = ts.do("GET", "/v1/vaults/v1/usage", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	usage := decode[quota.Usage](t, rec)
	assert.Equal(t, int64(150), usage.UsedBytes)
	assert.Zero(t, usage.ReservedBytes)
}

func TestUploadStatusAndComplete(t *testing.T) {
	ts := newTestServer(t)
	ts.createVault("v1")
	data := testutil.Content(100)

	rec := ts.do("POST", "/v1/uploads", upload.OpenRequest{VaultID: "v1", FileName: "a.bin", FileSize: 100})
	require.Equal(t, http.StatusCreated, rec.Code)
	sess := decode[proto.SessionResponse](t, rec)
	assert.Equal(t, []int{0, 1}, sess.MissingChunks)

	rec = ts.do("PUT", "/v1/uploads/"+sess.ID+"/chunks/1", data[64:])
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do("GET", "/v1/uploads/"+sess.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int{0}, decode[proto.SessionResponse](t, rec).MissingChunks)

	rec = ts.do("POST", "/v1/uploads/"+sess.ID+"/complete", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	errResp := decode[proto.ErrorResponse](t, rec)
	require.NotNil(t, errResp.MissingChunk)
	assert.Equal(t, 0, *errResp.MissingChunk)

	rec = ts.do("PUT", "/v1/uploads/"+sess.ID+"/chunks/0", data[:64])
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do("POST", "/v1/uploads/"+sess.ID+"/complete", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	done := decode[proto.SessionResponse](t, rec)
	assert.Equal(t, vault.SessionCompleted, done.Status)
	assert.Empty(t, done.MissingChunks)
}

func TestPutChunkErrors(t *testing.T) {
	ts := newTestServer(t)
	ts.createVault("v1")
	rec := ts.do("POST", "/v1/uploads", upload.OpenRequest{VaultID: "v1", FileName: "a.bin", FileSize: 100})
	require.Equal(t, http.StatusCreated, rec.Code)
	sess := decode[proto.SessionResponse](t, rec)

	tests := []struct {
		name  string
		path  string
		body  []byte
		code  int
		class vault.Class
	}{
		{"bad index", "/chunks/x", make([]byte, 64), http.StatusBadRequest, vault.ClassFixRequest},
		{"out of range", "/chunks/7", make([]byte, 64), http.StatusBadRequest, vault.ClassFixRequest},
		{"wrong size", "/chunks/0", make([]byte, 10), http.StatusBadRequest, vault.ClassFixRequest},
		{"oversized", "/chunks/0", make([]byte, 500), http.StatusBadRequest, vault.ClassFixRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do("PUT", "/v1/uploads/"+sess.ID+tt.path, tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
			assert.Equal(t, string(tt.class), decode[proto.ErrorResponse](t, rec).Class)
		})
	}

	rec = ts.do("PUT", "/v1/uploads/nope/chunks/0", make([]byte, 64))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUploadQuotaExceeded(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do("POST", "/v1/vaults", map[string]any{"id": "small", "name": "small", "quota_bytes": 100})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do("POST", "/v1/uploads", upload.OpenRequest{VaultID: "small", FileName: "big.bin", FileSize: 101})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestCancelUpload(t *testing.T) {
	ts := newTestServer(t)
	ts.createVault("v1")
	rec := ts.do("POST", "/v1/uploads", upload.OpenRequest{VaultID: "v1", FileName: "a.bin", FileSize: 100})
	require.Equal(t, http.StatusCreated, rec.Code)
	sess := decode[proto.SessionResponse](t, rec)

	rec = ts.do("DELETE", "/v1/uploads/"+sess.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, vault.SessionCancelled, decode[proto.SessionResponse](t, rec).Status)

	rec = ts.do("PUT", "/v1/uploads/"+sess.ID+"/chunks/0", make([]byte, 64))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(vault.ClassNewSession), decode[proto.ErrorResponse](t, rec).Class)
}

func TestFoldersAndBatch(t *testing.T) {
	ts := newTestServer(t)
	ts.createVault("v1")

	rec := ts.do("POST", "/v1/vaults/v1/folders", proto.CreateFolderRequest{Name: "docs"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	folder := decode[vault.Folder](t, rec)
	assert.Equal(t, "/docs", folder.Path)

	a := ts.uploadFile("v1", "a.txt", testutil.Content(10))
	b := ts.uploadFile("v1", "b.txt", testutil.Content(20))

	rec = ts.do("POST", "/v1/vaults/v1/batch", batch.Request{
		Action: batch.ActionMove, FileIDs: []string{*a.FileID, *b.FileID}, TargetFolderID: &folder.ID,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2, decode[batch.Result](t, rec).Processed)

	rec = ts.do("GET", "/v1/vaults/v1/files?folder="+folder.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]*vault.File](t, rec), 2)

	rec = ts.do("POST", "/v1/vaults/v1/batch", batch.Request{Action: batch.ActionDelete, FileIDs: []string{*a.FileID}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do("GET", "/v1/vaults/v1/files", nil)
	assert.Len(t, decode[[]*vault.File](t, rec), 1)
	rec = ts.do("GET", "/v1/vaults/v1/files?deleted=true", nil)
	assert.Len(t, decode[[]*vault.File](t, rec), 2)

	rec = ts.do("POST", "/v1/vaults/v1/batch", batch.Request{VaultID: "other", Action: batch.ActionDelete, FileIDs: []string{"x"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestShareFlow(t *testing.T) {
	ts := newTestServer(t)
	ts.createVault("v1")
	ack := ts.uploadFile("v1", "report.pdf", testutil.Content(30))

	limit := int64(1)
	rec := ts.do("POST", "/v1/shares", proto.CreateShareRequest{
		VaultID: "v1", TargetType: vault.ShareFile, TargetID: *ack.FileID,
		AllowDownload: true, DownloadLimit: &limit, Password: "hunter2",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[proto.ShareResponse](t, rec)
	assert.Equal(t, "https://files.example.com/s/"+created.Code, created.URL)

	rec = ts.do("GET", "/s/"+created.Code, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do("GET", "/s/"+created.Code, nil, sharePasswordHeader, "hunter2")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resolved := decode[share.Resolved](t, rec)
	assert.Equal(t, *ack.FileID, resolved.File.ID)

	rec = ts.do("POST", "/s/"+created.Code+"/download", proto.ShareDownloadRequest{Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do("POST", "/s/"+created.Code+"/download", proto.ShareDownloadRequest{Password: "hunter2"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	grant := decode[share.DownloadGrant](t, rec)
	assert.True(t, strings.HasPrefix(grant.URL, "memory://"))

	rec = ts.do("POST", "/s/"+created.Code+"/download", proto.ShareDownloadRequest{Password: "hunter2"})
	assert.Equal(t, http.StatusGone, rec.Code)

	rec = ts.do("GET", "/v1/vaults/v1/shares", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decode[[]proto.ShareResponse](t, rec)
	require.Len(t, listed, 1)
	assert.Equal(t, int64(1), listed[0].DownloadCount)

	rec = ts.do("DELETE", "/v1/shares/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do("GET", "/s/"+created.Code, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateShare_ExpiryBounds(t *testing.T) {
	ts := newTestServer(t)
	ts.createVault("v1")
	ack := ts.uploadFile("v1", "a.bin", testutil.Content(10))

	for _, secs := range []int64{-1, 1e12, math.MaxInt64} {
		rec := ts.do("POST", "/v1/shares", proto.CreateShareRequest{
			VaultID: "v1", TargetType: vault.ShareFile, TargetID: *ack.FileID, ExpiresInSeconds: secs,
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code, "%d", secs)
		assert.Equal(t, string(vault.ClassFixRequest), decode[proto.ErrorResponse](t, rec).Class)
	}

	rec := ts.do("POST", "/v1/shares", proto.CreateShareRequest{
		VaultID: "v1", TargetType: vault.ShareFile, TargetID: *ack.FileID, ExpiresInSeconds: 3600,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[proto.ShareResponse](t, rec)
	require.NotNil(t, created.ExpiresAt)
	assert.True(t, created.ExpiresAt.After(time.Now()))
}

func TestShareDownloadRedirect(t *testing.T) {
	ts := newTestServer(t)
	ts.createVault("v1")
	ack := ts.uploadFile("v1", "pic.bin", testutil.Content(30))

	rec := ts.do("POST", "/v1/shares", proto.CreateShareRequest{
		VaultID: "v1", TargetType: vault.ShareFile, TargetID: *ack.FileID, AllowDownload: true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[proto.ShareResponse](t, rec)

	rec = ts.do("POST", "/s/"+created.Code+"/download?redirect=1", nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Location"), "memory://"))

	rec = ts.do("GET", "/s/"+created.Code+"/qr.png?size=128", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))

	rec = ts.do("GET", "/s/missing/qr.png", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{vault.Validationf("bad"), http.StatusBadRequest},
		{vault.ErrInvalidIndex, http.StatusBadRequest},
		{vault.ErrUnauthorized, http.StatusUnauthorized},
		{vault.ErrForbidden, http.StatusForbidden},
		{fmt.Errorf("file x: %w", vault.ErrNotFound), http.StatusNotFound},
		{vault.ErrSessionNotFound, http.StatusNotFound},
		{vault.ErrSessionExpired, http.StatusGone},
		{vault.ErrExpired, http.StatusGone},
		{vault.ErrLimitReached, http.StatusGone},
		{vault.ErrSessionTerminal, http.StatusConflict},
		{&vault.MissingChunkError{Index: 2}, http.StatusConflict},
		{vault.ErrQuotaExceeded, http.StatusRequestEntityTooLarge},
		{&vault.IntegrityError{Kind: vault.ErrChecksumMismatch}, http.StatusUnprocessableEntity},
		{vault.ErrSizeMismatch, http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: disk full", vault.ErrChunkWrite), http.StatusServiceUnavailable},
		{vault.StorageFailure("put", errors.New("boom")), http.StatusBadGateway},
		{errors.New("unexpected"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.code, statusFor(tt.err))
		})
	}
}

func TestMetricsEndpointOptional(t *testing.T) {
	srv := NewServer(Config{}, Services{Store: store.NewMemoryStore()})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	srv = NewServer(Config{MetricsEnabled: true}, Services{Store: store.NewMemoryStore()})
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetVaultNotFound(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do("GET", "/v1/vaults/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(vault.ClassNotFound), decode[proto.ErrorResponse](t, rec).Class)
}
