package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/filevault/filevault/internal/config"
	"github.com/filevault/filevault/internal/share"
	"github.com/filevault/filevault/internal/upload"
	"github.com/filevault/filevault/internal/vault"
	"github.com/filevault/filevault/pkg/proto"
	"github.com/filevault/filevault/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, addr string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Listen = addr
	cfg.Blob.Dir = filepath.Join(cfg.DataDir, "blobs")
	cfg.Blob.BaseURL = "http://" + addr
	cfg.Share.PublicBaseURL = "http://" + addr
	cfg.AdminToken = "token"
	cfg.Upload.ChunkSize = 1024
	return cfg
}

// running starts an App on a loopback port and stops it with the test.
func running(t *testing.T) (*App, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	a, err := New(context.Background(), testConfig(t, addr), "test")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
		_ = a.Close()
	})
	return a, "http://" + addr
}

func call(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		rd = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Blob.Driver = "tape"
	_, err := New(context.Background(), cfg, "test")
	assert.Error(t, err)
}

func TestNew_GeneratesKeys(t *testing.T) {
	cfg := testConfig(t, "127.0.0.1:0")
	a, err := New(context.Background(), cfg, "test")
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	assert.FileExists(t, filepath.Join(cfg.DataDir, config.SigningKeyFile))
	assert.FileExists(t, filepath.Join(cfg.DataDir, config.MasterKeyFile))
	assert.DirExists(t, filepath.Join(cfg.DataDir, "spool"))
}

func TestServe_EndToEnd(t *testing.T) {
	_, base := running(t)

	var health proto.HealthResponse
	require.Equal(t, http.StatusOK, call(t, "GET", base+"/healthz", nil, &health))
	assert.Equal(t, "ok", health.Status)

	require.Equal(t, http.StatusCreated, call(t, "POST", base+"/v1/vaults",
		proto.CreateVaultRequest{ID: "team", Name: "team"}, nil))

	data := testutil.Content(2500)
	var sess proto.SessionResponse
	require.Equal(t, http.StatusCreated, call(t, "POST", base+"/v1/uploads",
		upload.OpenRequest{VaultID: "team", FileName: "data.bin", FileSize: int64(len(data))}, &sess))
	require.Equal(t, 3, sess.TotalChunks)

	// Out of order on purpose.
	var ack vault.ChunkAck
	for _, i := range []int{1, 2, 0} {
		end := min((i+1)*1024, len(data))
		require.Equal(t, http.StatusOK, call(t, "PUT",
			fmt.Sprintf("%s/v1/uploads/%s/chunks/%d", base, sess.ID, i), data[i*1024:end], &ack))
	}
	require.Equal(t, vault.SessionCompleted, ack.Status)
	require.NotNil(t, ack.FileID)

	var sh proto.ShareResponse
	require.Equal(t, http.StatusCreated, call(t, "POST", base+"/v1/shares", proto.CreateShareRequest{
		VaultID: "team", TargetType: vault.ShareFile, TargetID: *ack.FileID, AllowDownload: true,
	}, &sh))

	var grant share.DownloadGrant
	require.Equal(t, http.StatusOK, call(t, "POST", base+"/s/"+sh.Code+"/download", nil, &grant))

	resp, err := http.Get(grant.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	resp2, err := http.Get(base + "/blob/" + "team/data.bin?token=forged")
	require.NoError(t, err)
	_ = resp2.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp2.StatusCode)
}

func TestGC_NothingToReclaim(t *testing.T) {
	a, err := New(context.Background(), testConfig(t, "127.0.0.1:0"), "test")
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	res, err := a.GC(context.Background())
	require.NoError(t, err)
	assert.Equal(t, GCResult{}, res)
}
