package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Key files created under the data directory when no key is configured.
const (
	SigningKeyFile = "signing.key"
	MasterKeyFile  = "master.key"
)

// GenerateKey generates a random 32-byte key and saves it hex-encoded to path.
func GenerateKey(path string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	// O_EXCL so two processes starting together never overwrite each other.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("write key: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(hex.EncodeToString(key) + "\n"); err != nil {
		return nil, fmt.Errorf("write key: %w", err)
	}
	return key, nil
}

// LoadKey reads a hex-encoded 32-byte key from path.
func LoadKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	key, err := decodeKey(string(data))
	if err != nil {
		return nil, fmt.Errorf("key %s: %w", path, err)
	}
	return key[:], nil
}

// EnsureKey loads the key at path or generates it if the file does not exist.
func EnsureKey(path string) ([]byte, error) {
	key, err := LoadKey(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	key, err = GenerateKey(path)
	if errors.Is(err, fs.ErrExist) {
		return LoadKey(path)
	}
	return key, err
}

// SigningKey returns the configured URL signing key, falling back to a key
// file in the data directory.
func (c *Config) SigningKey() ([]byte, error) {
	if c.Blob.SigningKey != "" {
		return []byte(strings.TrimSpace(c.Blob.SigningKey)), nil
	}
	return EnsureKey(filepath.Join(c.DataDir, SigningKeyFile))
}

// MasterKey returns the configured at-rest encryption key, falling back to a
// key file in the data directory.
func (c *Config) MasterKey() ([32]byte, error) {
	if c.Blob.MasterKey != "" {
		return decodeKey(c.Blob.MasterKey)
	}
	var key [32]byte
	b, err := EnsureKey(filepath.Join(c.DataDir, MasterKeyFile))
	if err != nil {
		return key, err
	}
	copy(key[:], b)
	return key, nil
}
