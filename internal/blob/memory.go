package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryObject struct {
	data        []byte
	contentType string
}

// MemoryStore keeps objects in a map. It is used by tests and the dev server.
// FailPut and FailDelete inject failures for keys matching a prefix.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject

	failPut    []string
	failDelete []string
}

// NewMemoryStore returns an empty in-memory blob store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

// ErrInjected is returned by operations failed through FailPut or FailDelete.
var ErrInjected = errors.New("injected failure")

// FailPut makes every Put of a key starting with prefix fail.
func (m *MemoryStore) FailPut(prefix string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPut = append(m.failPut, prefix)
}

// FailDelete makes every Delete of a key starting with prefix fail.
func (m *MemoryStore) FailDelete(prefix string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failDelete = append(m.failDelete, prefix)
}

// Reset clears injected failures.
func (m *MemoryStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPut, m.failDelete = nil, nil
}

func hasAnyPrefix(key string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

func (m *MemoryStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string, opts PutOptions) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	m.mu.RLock()
	failing := hasAnyPrefix(key, m.failPut)
	m.mu.RUnlock()
	if failing {
		return fmt.Errorf("put %s: %w", key, ErrInjected)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read object: %w", err)
	}
	if err := checkSize(size, int64(len(data))); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; ok && !opts.Overwrite {
		return fmt.Errorf("%w: %s", ErrExists, key)
	}
	m.objects[key] = memoryObject{data: data, contentType: contentType}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (m *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, key := range keys {
		if hasAnyPrefix(key, m.failDelete) {
			errs = append(errs, fmt.Errorf("delete %s: %w", key, ErrInjected))
			continue
		}
		delete(m.objects, key)
	}
	return errors.Join(errs...)
}

func (m *MemoryStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return fmt.Sprintf("memory://%s?expires=%d", url.PathEscape(key), time.Now().Add(ttl).Unix()), nil
}

func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

// Keys returns all stored keys in sorted order.
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// KeysWithPrefix returns the stored keys starting with prefix.
func (m *MemoryStore) KeysWithPrefix(prefix string) []string {
	var out []string
	for _, k := range m.Keys() {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
