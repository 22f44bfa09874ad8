package config

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/filevault/filevault/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKey(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	path := filepath.Join(dir, "keys", "master.key")
	key, err := GenerateKey(path)
	require.NoError(t, err)
	assert.Len(t, key, 32)

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm(), "key should have 0600 permissions")
	}

	loaded, err := LoadKey(path)
	require.NoError(t, err)
	assert.Equal(t, key, loaded)

	_, err = GenerateKey(path)
	assert.Error(t, err, "existing keys are never overwritten")
}

func TestEnsureKey(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	path := filepath.Join(dir, "signing.key")
	first, err := EnsureKey(path)
	require.NoError(t, err)
	second, err := EnsureKey(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	bad := testutil.TempFile(t, dir, "bad.key", "not hex")
	_, err = EnsureKey(bad)
	assert.Error(t, err)
}

func TestConfigKeys(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	cfg := Default()
	cfg.DataDir = dir

	signing, err := cfg.SigningKey()
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, SigningKeyFile))

	master, err := cfg.MasterKey()
	require.NoError(t, err)
	assert.NotEqual(t, [32]byte{}, master)
	assert.NotEqual(t, signing, master[:])

	cfg.Blob.SigningKey = "configured"
	signing, err = cfg.SigningKey()
	require.NoError(t, err)
	assert.Equal(t, []byte("configured"), signing)

	cfg.Blob.MasterKey = strings.Repeat("ab", 32)
	master, err = cfg.MasterKey()
	require.NoError(t, err)
	want, _ := hex.DecodeString(strings.Repeat("ab", 32))
	assert.Equal(t, want, master[:])
}
