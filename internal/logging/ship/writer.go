// Package ship forwards zerolog JSON lines to a Loki-compatible push
// endpoint so that server and audit logs of every node end up in one place.
package ship

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
)

const pushPath = "/loki/api/v1/push"

// Config configures a Writer.
type Config struct {
	URL           string            // base URL of the log store, e.g. http://loki:3100
	Labels        map[string]string // static stream labels; "job" defaults to filevault
	BatchSize     int               // lines per push (default: 200)
	MaxBuffered   int               // lines kept while the endpoint is down (default: 10000)
	FlushInterval time.Duration     // (default: 2s)
	Timeout       time.Duration     // per push (default: 10s)
}

func (c *Config) withDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.MaxBuffered < c.BatchSize {
		c.MaxBuffered = max(10000, c.BatchSize)
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 2 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	labels := make(map[string]string, len(c.Labels)+1)
	for k, v := range c.Labels {
		labels[k] = v
	}
	if labels["job"] == "" {
		labels["job"] = "filevault"
	}
	c.Labels = labels
}

// Stats counts what a Writer did with the lines it was given.
type Stats struct {
	Sent    uint64 // lines accepted by the endpoint
	Dropped uint64 // lines discarded because the buffer was full
	Failed  uint64 // failed pushes
}

type line struct {
	at    time.Time
	level string
	text  string
}

// Writer is an io.Writer for zerolog. Lines are buffered and pushed in
// batches, one stream per log level. Write never fails so that logging keeps
// working while the endpoint is unreachable; the oldest lines are dropped
// once MaxBuffered is reached.
type Writer struct {
	cfg    Config
	client *http.Client

	mu  sync.Mutex
	buf []line

	kick chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	pushing atomic.Bool
	sent    atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// New returns a Writer for cfg. Call Start to begin pushing.
func New(cfg Config) (*Writer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("ship: url is required")
	}
	cfg.withDefaults()
	return &Writer{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		buf:    make([]line, 0, cfg.BatchSize),
		kick:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}, nil
}

// Write buffers one log line. zerolog reuses p, so it is copied.
func (w *Writer) Write(p []byte) (int, error) {
	text := string(bytes.TrimSpace(p))
	if text == "" {
		return len(p), nil
	}
	l := line{at: time.Now(), level: levelOf(p), text: text}

	w.mu.Lock()
	if len(w.buf) >= w.cfg.MaxBuffered {
		w.buf = w.buf[1:]
		w.dropped.Add(1)
	}
	w.buf = append(w.buf, l)
	full := len(w.buf) >= w.cfg.BatchSize
	w.mu.Unlock()

	if full {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// Start runs the background pusher until Stop.
func (w *Writer) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
			case <-w.kick:
			}
			w.Flush(context.Background())
		}
	}()
}

// Stop ends the pusher and pushes what is left, bounded by ctx.
func (w *Writer) Stop(ctx context.Context) {
	w.once.Do(func() { close(w.stop) })
	w.wg.Wait()
	w.Flush(ctx)
}

// Stats returns the counters so far.
func (w *Writer) Stats() Stats {
	return Stats{Sent: w.sent.Load(), Dropped: w.dropped.Load(), Failed: w.failed.Load()}
}

// Flush pushes buffered lines in batches. A failed batch is put back in
// front of the buffer and retried on the next flush. Concurrent calls return
// immediately.
func (w *Writer) Flush(ctx context.Context) {
	if !w.pushing.CompareAndSwap(false, true) {
		return
	}
	defer w.pushing.Store(false)

	for {
		w.mu.Lock()
		n := min(len(w.buf), w.cfg.BatchSize)
		batch := make([]line, n)
		copy(batch, w.buf[:n])
		w.buf = w.buf[n:]
		w.mu.Unlock()
		if n == 0 {
			return
		}

		if err := w.push(ctx, batch); err != nil {
			if w.failed.Add(1) <= 3 {
				// Not through zerolog, which would feed back into this writer.
				fmt.Fprintf(os.Stderr, "ship: push failed: %v\n", err)
			}
			w.requeue(batch)
			return
		}
		w.sent.Add(uint64(n))
	}
}

func (w *Writer) requeue(batch []line) {
	w.mu.Lock()
	defer w.mu.Unlock()
	merged := append(batch, w.buf...)
	if over := len(merged) - w.cfg.MaxBuffered; over > 0 {
		merged = merged[over:]
		w.dropped.Add(uint64(over))
	}
	w.buf = merged
}

type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

func (w *Writer) encode(batch []line) ([]byte, error) {
	byLevel := make(map[string]int)
	var req pushRequest
	for _, l := range batch {
		i, ok := byLevel[l.level]
		if !ok {
			labels := make(map[string]string, len(w.cfg.Labels)+1)
			for k, v := range w.cfg.Labels {
				labels[k] = v
			}
			labels["level"] = l.level
			i = len(req.Streams)
			req.Streams = append(req.Streams, stream{Stream: labels})
			byLevel[l.level] = i
		}
		req.Streams[i].Values = append(req.Streams[i].Values, [2]string{strconv.FormatInt(l.at.UnixNano(), 10), l.text})
	}

	var body bytes.Buffer
	zw := gzip.NewWriter(&body)
	if err := json.NewEncoder(zw).Encode(req); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return body.Bytes(), nil
}

func (w *Writer) push(ctx context.Context, batch []line) error {
	body, err := w.encode(batch)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL+pushPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// levelOf extracts the zerolog "level" field, or "unknown".
func levelOf(p []byte) string {
	var v struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal(p, &v); err != nil || v.Level == "" {
		return "unknown"
	}
	return v.Level
}
