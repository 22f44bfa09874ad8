// Package blob stores opaque byte objects under string keys. The vault keeps
// file content, upload chunks and thumbnails here; metadata lives in the store.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Blob store errors.
var (
	ErrNotFound   = errors.New("blob not found")
	ErrExists     = errors.New("blob already exists")
	ErrInvalidKey = errors.New("invalid blob key")
)

// PutOptions controls a Put.
type PutOptions struct {
	// Overwrite replaces an existing object instead of failing with ErrExists.
	Overwrite bool
}

// Store is a key/value object store.
type Store interface {
	// Put writes size bytes from r under key. A negative size means unknown.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string, opts PutOptions) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes the given keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
	// SignedURL returns a time-limited download URL for key.
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// ValidateKey rejects keys that could escape the store's namespace.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") || strings.ContainsRune(key, 0) || strings.Contains(key, "\\") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

// countingReader counts the bytes read through it.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func checkSize(want, got int64) error {
	if want >= 0 && want != got {
		return fmt.Errorf("short write: expected %d bytes, got %d", want, got)
	}
	return nil
}
