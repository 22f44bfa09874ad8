// Package testutil provides shared test utilities for filevault tests.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/filevault/filevault/internal/store"
	"github.com/filevault/filevault/internal/vault"
)

// TempDir creates a temporary directory for testing and returns a cleanup function.
func TempDir(t *testing.T) (string, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "filevault-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	return dir, func() {
		_ = os.RemoveAll(dir)
	}
}

// TempFile creates a temporary file with the given content and returns its path.
func TempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// Content returns n deterministic, poorly compressible bytes.
func Content(n int) []byte {
	b := make([]byte, n)
	x := uint32(2463534242)
	for i := range b {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		b[i] = byte(x)
	}
	return b
}

// SeedVault creates an active vault with the given quota (0 = unlimited).
func SeedVault(t *testing.T, st store.VaultStore, id string, quota int64) *vault.Vault {
	t.Helper()
	v := &vault.Vault{ID: id, Name: id, QuotaBytes: quota, Status: vault.VaultActive, CreatedAt: time.Now().UTC()}
	if err := st.CreateVault(context.Background(), v); err != nil {
		t.Fatalf("failed to create vault %s: %v", id, err)
	}
	return v
}

// SeedFolder creates a folder directly below the vault root.
func SeedFolder(t *testing.T, st store.FolderStore, vaultID, id, name string) *vault.Folder {
	t.Helper()
	f := &vault.Folder{ID: id, VaultID: vaultID, Name: name, Path: "/" + name, CreatedAt: time.Now().UTC()}
	if err := st.CreateFolder(context.Background(), f); err != nil {
		t.Fatalf("failed to create folder %s: %v", id, err)
	}
	return f
}
