package upload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/filevault/filevault/internal/blob"
	"github.com/filevault/filevault/internal/vault"
	"github.com/klauspost/compress/zstd"
)

// Stored chunk layout: SHA-256 of the plaintext (32 bytes) followed by the
// zstd-compressed chunk. The hash is checked on every read.
const chunkHashSize = sha256.Size

const chunkContentType = "application/zstd"

// ChunkStore holds the temporary chunks of upload sessions in a blob store.
type ChunkStore struct {
	blobs blob.Store

	encoderPool sync.Pool
	decoderPool sync.Pool
}

// NewChunkStore creates a chunk store on top of blobs.
func NewChunkStore(blobs blob.Store) *ChunkStore {
	c := &ChunkStore{blobs: blobs}
	c.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithZeroFrames(true))
			return enc
		},
	}
	c.decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}
	return c
}

// Put stores chunk index of a session and returns its key. A chunk that is
// already stored is left untouched and reported as a duplicate.
func (c *ChunkStore) Put(ctx context.Context, sessionID string, index int, data []byte) (string, bool, error) {
	key := vault.ChunkKey(sessionID, index)
	sum := sha256.Sum256(data)

	enc := c.encoderPool.Get().(*zstd.Encoder)
	payload := enc.EncodeAll(data, sum[:])
	c.encoderPool.Put(enc)

	err := c.blobs.Put(ctx, key, bytes.NewReader(payload), int64(len(payload)), chunkContentType, blob.PutOptions{})
	if errors.Is(err, blob.ErrExists) {
		return key, true, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store chunk %d of session %s: %w", index, sessionID, err)
	}
	return key, false, nil
}

// Open reads and verifies one chunk. A chunk that is not in the blob store
// yields a *vault.MissingChunkError.
func (c *ChunkStore) Open(ctx context.Context, sessionID string, index int) ([]byte, error) {
	key := vault.ChunkKey(sessionID, index)
	rc, err := c.blobs.Get(ctx, key)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, &vault.MissingChunkError{Index: index}
	}
	if err != nil {
		return nil, fmt.Errorf("read chunk %d of session %s: %w", index, sessionID, err)
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read chunk %d of session %s: %w", index, sessionID, err)
	}
	if len(raw) < chunkHashSize {
		return nil, &vault.IntegrityError{Kind: vault.ErrChecksumMismatch, Expected: "chunk header", Actual: fmt.Sprintf("%d bytes", len(raw))}
	}

	dec := c.decoderPool.Get().(*zstd.Decoder)
	data, err := dec.DecodeAll(raw[chunkHashSize:], nil)
	c.decoderPool.Put(dec)
	if err != nil {
		return nil, fmt.Errorf("decompress chunk %d: %w", index, err)
	}

	sum := sha256.Sum256(data)
	if !bytes.Equal(sum[:], raw[:chunkHashSize]) {
		return nil, &vault.IntegrityError{
			Kind:     vault.ErrChecksumMismatch,
			Expected: hex.EncodeToString(raw[:chunkHashSize]),
			Actual:   hex.EncodeToString(sum[:]),
		}
	}
	return data, nil
}

// GetOrdered returns a reader over the chunks of s concatenated in index
// order. Chunks are fetched lazily, one at a time.
func (c *ChunkStore) GetOrdered(ctx context.Context, s *vault.UploadSession) io.Reader {
	return &orderedReader{ctx: ctx, chunks: c, session: s}
}

// DeleteAll removes every chunk a session may have stored.
func (c *ChunkStore) DeleteAll(ctx context.Context, sessionID string, total int) error {
	keys := make([]string, total)
	for i := range keys {
		keys[i] = vault.ChunkKey(sessionID, i)
	}
	if err := c.blobs.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("purge chunks of session %s: %w", sessionID, err)
	}
	return nil
}

type orderedReader struct {
	ctx     context.Context
	chunks  *ChunkStore
	session *vault.UploadSession
	next    int
	buf     []byte
}

func (o *orderedReader) Read(p []byte) (int, error) {
	for len(o.buf) == 0 {
		if o.next >= o.session.TotalChunks {
			return 0, io.EOF
		}
		if err := o.ctx.Err(); err != nil {
			return 0, err
		}
		if !o.session.Chunks[o.next].Present {
			return 0, &vault.MissingChunkError{Index: o.next}
		}
		data, err := o.chunks.Open(o.ctx, o.session.ID, o.next)
		if err != nil {
			return 0, err
		}
		o.buf = data
		o.next++
	}
	n := copy(p, o.buf)
	o.buf = o.buf[n:]
	return n, nil
}
