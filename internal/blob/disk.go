package blob

import (
	"bufio"
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// On-disk object layout:
//
//	magic(4) | nonce(24) | content type length(2) | content type | sealed segments
//
// The plaintext is zstd compressed, cut into 64 KiB segments and each segment
// is sealed with XChaCha20-Poly1305. The per-segment nonce is the random base
// nonce XORed with the segment counter, and the additional data binds the
// header, the counter and a final-segment flag so segments cannot be
// reordered, dropped or truncated without detection.
const (
	diskMagic   = "FVB1"
	segmentSize = 64 << 10
	sealedSize  = segmentSize + chacha20poly1305.Overhead
)

// DiskConfig configures a DiskStore.
type DiskConfig struct {
	Dir        string
	MasterKey  [32]byte // encryption at rest
	SigningKey []byte   // HS256 key for signed download URLs
	BaseURL    string   // public base URL the Handler is mounted under
}

// DiskStore keeps objects as encrypted, compressed files under a directory.
type DiskStore struct {
	dir        string
	masterKey  [32]byte
	signingKey []byte
	baseURL    string

	encoderPool sync.Pool
}

// NewDiskStore creates the object directory and returns a store over it.
func NewDiskStore(cfg DiskConfig) (*DiskStore, error) {
	if len(cfg.SigningKey) == 0 {
		return nil, errors.New("disk blob store: signing key is required")
	}
	dir := filepath.Join(cfg.Dir, "objects")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create objects dir: %w", err)
	}
	d := &DiskStore{
		dir:        dir,
		masterKey:  cfg.MasterKey,
		signingKey: cfg.SigningKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
	}
	d.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
			return enc
		},
	}
	return d, nil
}

func (d *DiskStore) objectPath(key string) string {
	return filepath.Join(d.dir, filepath.FromSlash(key))
}

// Put writes an object atomically: the sealed content goes to a temp file in
// the target directory, is synced, and then renamed (or hard-linked when
// overwriting is not allowed, so a concurrent writer cannot be clobbered).
func (d *DiskStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string, opts PutOptions) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	final := d.objectPath(key)
	if !opts.Overwrite && fileExists(final) {
		return fmt.Errorf("%w: %s", ErrExists, key)
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o750); err != nil {
		return fmt.Errorf("create object dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(final), ".blob-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	n, err := d.writeSealed(tmp, key, r, contentType)
	if err == nil {
		err = checkSize(size, n)
	}
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write object %s: %w", key, err)
	}

	if opts.Overwrite {
		if err := os.Rename(tmpPath, final); err != nil {
			return fmt.Errorf("rename object: %w", err)
		}
		return nil
	}
	if err := os.Link(tmpPath, final); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrExists, key)
		}
		return fmt.Errorf("link object: %w", err)
	}
	return nil
}

func (d *DiskStore) writeSealed(w io.Writer, key string, r io.Reader, contentType string) (int64, error) {
	if len(contentType) > 0xffff {
		return 0, fmt.Errorf("content type too long")
	}
	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return 0, fmt.Errorf("generate nonce: %w", err)
	}
	header := make([]byte, 0, len(diskMagic)+len(nonce)+2+len(contentType))
	header = append(header, diskMagic...)
	header = append(header, nonce[:]...)
	header = binary.BigEndian.AppendUint16(header, uint16(len(contentType)))
	header = append(header, contentType...)
	if _, err := w.Write(header); err != nil {
		return 0, err
	}

	aead, err := d.aead(key)
	if err != nil {
		return 0, err
	}
	sw := &sealWriter{w: w, aead: aead, nonce: nonce, header: header}

	enc := d.encoderPool.Get().(*zstd.Encoder)
	defer d.encoderPool.Put(enc)
	enc.Reset(sw)

	cr := &countingReader{r: r}
	if _, err := io.Copy(enc, cr); err != nil {
		_ = enc.Close()
		return cr.n, err
	}
	if err := enc.Close(); err != nil {
		return cr.n, fmt.Errorf("compress: %w", err)
	}
	if err := sw.Close(); err != nil {
		return cr.n, err
	}
	return cr.n, nil
}

// deriveObjectKey derives the per-object encryption key with HKDF.
func (d *DiskStore) deriveObjectKey(key string) ([32]byte, error) {
	var out [32]byte
	kdf := hkdf.New(sha256.New, d.masterKey[:], []byte(key), []byte("filevault-blob"))
	if _, err := io.ReadFull(kdf, out[:]); err != nil {
		return out, fmt.Errorf("derive object key: %w", err)
	}
	return out, nil
}

func (d *DiskStore) aead(key string) (cipher.AEAD, error) {
	k, err := d.deriveObjectKey(key)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(k[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return aead, nil
}

// Get opens an object for reading.
func (d *DiskStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, _, err := d.open(ctx, key)
	return rc, err
}

func (d *DiskStore) open(ctx context.Context, key string) (io.ReadCloser, string, error) {
	if err := ValidateKey(key); err != nil {
		return nil, "", err
	}
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	f, err := os.Open(d.objectPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, "", fmt.Errorf("open object: %w", err)
	}

	br := bufio.NewReaderSize(f, sealedSize+1)
	header, contentType, nonce, err := readHeader(br)
	if err != nil {
		_ = f.Close()
		return nil, "", fmt.Errorf("object %s: %w", key, err)
	}
	aead, err := d.aead(key)
	if err != nil {
		_ = f.Close()
		return nil, "", err
	}
	or := &openReader{r: br, aead: aead, nonce: nonce, header: header, seg: make([]byte, sealedSize)}
	dec, err := zstd.NewReader(or, zstd.WithDecoderConcurrency(1))
	if err != nil {
		_ = f.Close()
		return nil, "", fmt.Errorf("create decoder: %w", err)
	}
	return &objectReader{ReadCloser: dec.IOReadCloser(), file: f}, contentType, nil
}

func readHeader(br *bufio.Reader) (header []byte, contentType string, nonce [chacha20poly1305.NonceSizeX]byte, err error) {
	fixed := make([]byte, len(diskMagic)+len(nonce)+2)
	if _, err = io.ReadFull(br, fixed); err != nil {
		return nil, "", nonce, fmt.Errorf("read header: %w", err)
	}
	if string(fixed[:len(diskMagic)]) != diskMagic {
		return nil, "", nonce, errors.New("not a blob object")
	}
	copy(nonce[:], fixed[len(diskMagic):])
	ctLen := binary.BigEndian.Uint16(fixed[len(fixed)-2:])
	ct := make([]byte, ctLen)
	if _, err = io.ReadFull(br, ct); err != nil {
		return nil, "", nonce, fmt.Errorf("read header: %w", err)
	}
	return append(fixed, ct...), string(ct), nonce, nil
}

type objectReader struct {
	io.ReadCloser
	file *os.File
}

func (o *objectReader) Close() error {
	err := o.ReadCloser.Close()
	if ferr := o.file.Close(); err == nil {
		err = ferr
	}
	return err
}

// Delete removes objects and prunes directories left empty.
func (d *DiskStore) Delete(ctx context.Context, keys ...string) error {
	var errs []error
	for _, key := range keys {
		if err := ValidateKey(key); err != nil {
			errs = append(errs, err)
			continue
		}
		p := d.objectPath(key)
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("delete object %s: %w", key, err))
			continue
		}
		d.pruneEmptyDirs(filepath.Dir(p))
	}
	return errors.Join(errs...)
}

func (d *DiskStore) pruneEmptyDirs(dir string) {
	for dir != d.dir && strings.HasPrefix(dir, d.dir) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// Exists reports whether an object is stored under key.
func (d *DiskStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	return fileExists(d.objectPath(key)), nil
}

// SignedURL returns a URL served by Handler carrying an HS256 token for key.
func (d *DiskStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   key,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	signed, err := token.SignedString(d.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign url: %w", err)
	}
	return d.baseURL + "/blob/" + escapeKey(key) + "?token=" + url.QueryEscape(signed), nil
}

// VerifyToken checks that token is a valid, unexpired grant for key.
func (d *DiskStore) VerifyToken(key, token string) error {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return d.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}
	if claims.Subject != key {
		return errors.New("token does not grant this object")
	}
	return nil
}

// Handler serves GET /blob/{key...} for URLs produced by SignedURL.
func (d *DiskStore) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		key := strings.TrimPrefix(r.URL.Path, "/blob/")
		if err := d.VerifyToken(key, r.URL.Query().Get("token")); err != nil {
			log.Debug().Err(err).Str("key", key).Msg("rejected signed blob request")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		rc, contentType, err := d.open(r.Context(), key)
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err != nil {
			log.Error().Err(err).Str("key", key).Msg("failed to open blob")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		defer func() { _ = rc.Close() }()

		if contentType == "" {
			contentType = "application/octet-stream"
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Cache-Control", "private, no-store")
		if r.Method == http.MethodHead {
			return
		}
		if _, err := io.Copy(w, rc); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("blob download interrupted")
		}
	})
}

func escapeKey(key string) string {
	segs := strings.Split(key, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// sealWriter cuts its input into segments and seals each one.
type sealWriter struct {
	w      io.Writer
	aead   cipher.AEAD
	nonce  [chacha20poly1305.NonceSizeX]byte
	header []byte
	buf    []byte
	seq    uint64
}

func (s *sealWriter) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	// Keep at least one byte back so the last segment is always sealed as final.
	for len(s.buf) > segmentSize {
		if err := s.seal(s.buf[:segmentSize], false); err != nil {
			return 0, err
		}
		s.buf = append(s.buf[:0], s.buf[segmentSize:]...)
	}
	return len(p), nil
}

func (s *sealWriter) Close() error {
	return s.seal(s.buf, true)
}

func (s *sealWriter) seal(p []byte, final bool) error {
	nonce := segmentNonce(s.nonce, s.seq)
	out := s.aead.Seal(nil, nonce[:], p, segmentAD(s.header, s.seq, final))
	s.seq++
	_, err := s.w.Write(out)
	return err
}

// openReader is the reading side of sealWriter.
type openReader struct {
	r      *bufio.Reader
	aead   cipher.AEAD
	nonce  [chacha20poly1305.NonceSizeX]byte
	header []byte
	seq    uint64
	seg    []byte
	buf    []byte
	done   bool
}

func (o *openReader) Read(p []byte) (int, error) {
	for len(o.buf) == 0 {
		if o.done {
			return 0, io.EOF
		}
		if err := o.next(); err != nil {
			return 0, err
		}
	}
	n := copy(p, o.buf)
	o.buf = o.buf[n:]
	return n, nil
}

func (o *openReader) next() error {
	n, err := io.ReadFull(o.r, o.seg)
	final := false
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		final = true
	case err != nil:
		return err
	default:
		if _, perr := o.r.Peek(1); errors.Is(perr, io.EOF) {
			final = true
		} else if perr != nil {
			return perr
		}
	}
	if n < chacha20poly1305.Overhead {
		return errors.New("blob corrupt: truncated segment")
	}
	nonce := segmentNonce(o.nonce, o.seq)
	plain, err := o.aead.Open(o.seg[:0], nonce[:], o.seg[:n], segmentAD(o.header, o.seq, final))
	if err != nil {
		return fmt.Errorf("blob corrupt: %w", err)
	}
	o.seq++
	o.buf = plain
	o.done = final
	return nil
}

func segmentNonce(base [chacha20poly1305.NonceSizeX]byte, seq uint64) [chacha20poly1305.NonceSizeX]byte {
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], seq)
	off := len(base) - 8
	for i := range ctr {
		base[off+i] ^= ctr[i]
	}
	return base
}

func segmentAD(header []byte, seq uint64, final bool) []byte {
	ad := make([]byte, 0, len(header)+9)
	ad = append(ad, header...)
	ad = binary.BigEndian.AppendUint64(ad, seq)
	if final {
		return append(ad, 1)
	}
	return append(ad, 0)
}

var _ Store = (*DiskStore)(nil)
