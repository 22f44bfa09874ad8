// Package thumbnail derives preview images and pixel dimensions from image
// uploads. Derived assets are best-effort: a failure is logged and counted,
// never returned to the upload.
package thumbnail

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif" // register decoders
	"image/jpeg"
	_ "image/png"
	"io"
	"strings"
	"sync"

	"github.com/filevault/filevault/internal/blob"
	"github.com/filevault/filevault/internal/metrics"
	"github.com/filevault/filevault/internal/vault"
	"github.com/rs/zerolog/log"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DefaultQuality is the JPEG quality of generated thumbnails.
const DefaultQuality = 85

// DefaultMaxPixels bounds the source images that are decoded at all.
const DefaultMaxPixels = 64 << 20

// Bounds is the bounding box edge, in pixels, of each thumbnail size.
var Bounds = map[vault.ThumbnailSize]int{
	vault.ThumbSmall:  64,
	vault.ThumbMedium: 256,
	vault.ThumbLarge:  1024,
}

// Result describes the derived assets of one image.
type Result struct {
	Width      int
	Height     int
	Thumbnails vault.Thumbnails
	Errors     map[vault.ThumbnailSize]error
}

// Decoded reports whether the source image could be read at all.
func (r Result) Decoded() bool {
	return r.Width > 0 && r.Height > 0
}

// Dimensions returns width and height as optional record fields.
func (r Result) Dimensions() (*int, *int) {
	if !r.Decoded() {
		return nil, nil
	}
	w, h := r.Width, r.Height
	return &w, &h
}

// Generator writes thumbnails next to their source object.
type Generator struct {
	blobs     blob.Store
	metrics   *metrics.VaultMetrics
	quality   int
	maxPixels int
}

// NewGenerator creates a generator storing thumbnails in blobs. m may be nil.
func NewGenerator(blobs blob.Store, m *metrics.VaultMetrics) *Generator {
	return &Generator{blobs: blobs, metrics: m, quality: DefaultQuality, maxPixels: DefaultMaxPixels}
}

// Supported reports whether mimeType is an image type worth decoding.
func Supported(mimeType string) bool {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	switch mt {
	case "image/jpeg", "image/jpg", "image/png", "image/gif", "image/webp", "image/bmp", "image/tiff":
		return true
	}
	return false
}

// Generate decodes src and stores the three thumbnail sizes under keys
// derived from sourceKey. Non-image content yields an empty Result.
func (g *Generator) Generate(ctx context.Context, sourceKey, mimeType string, src io.ReadSeeker) Result {
	res := Result{Errors: make(map[vault.ThumbnailSize]error)}
	if !Supported(mimeType) {
		return res
	}

	img, err := g.decode(src)
	if err != nil {
		log.Warn().Err(err).Str("key", sourceKey).Str("mime", mimeType).Msg("image decode failed, skipping thumbnails")
		for _, size := range vault.ThumbnailSizes {
			res.Errors[size] = err
			g.metrics.RecordThumbnailFailure(string(size))
		}
		return res
	}
	b := img.Bounds()
	res.Width, res.Height = b.Dx(), b.Dy()

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, size := range vault.ThumbnailSizes {
		wg.Add(1)
		go func(size vault.ThumbnailSize) {
			defer wg.Done()
			key := vault.ThumbnailKey(sourceKey, size)
			err := g.render(ctx, key, img, Bounds[size])

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Errors[size] = err
				g.metrics.RecordThumbnailFailure(string(size))
				log.Warn().Err(err).Str("key", sourceKey).Str("size", string(size)).Msg("thumbnail failed")
				return
			}
			switch size {
			case vault.ThumbSmall:
				res.Thumbnails.Small = &key
			case vault.ThumbMedium:
				res.Thumbnails.Medium = &key
			case vault.ThumbLarge:
				res.Thumbnails.Large = &key
			}
		}(size)
	}
	wg.Wait()
	return res
}

func (g *Generator) decode(src io.ReadSeeker) (image.Image, error) {
	cfg, _, err := image.DecodeConfig(src)
	if err != nil {
		return nil, fmt.Errorf("decode image header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width*cfg.Height > g.maxPixels {
		return nil, fmt.Errorf("image %dx%d exceeds decode limit", cfg.Width, cfg.Height)
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind image: %w", err)
	}
	img, _, err := image.Decode(src)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

func (g *Generator) render(ctx context.Context, key string, img image.Image, bound int) error {
	w, h := fit(img.Bounds().Dx(), img.Bounds().Dy(), bound)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: g.quality}); err != nil {
		return fmt.Errorf("encode jpeg: %w", err)
	}
	if err := g.blobs.Put(ctx, key, &buf, int64(buf.Len()), "image/jpeg", blob.PutOptions{Overwrite: true}); err != nil {
		return fmt.Errorf("store thumbnail: %w", err)
	}
	return nil
}

// fit scales w x h into a bound x bound box, keeping the aspect ratio and
// never enlarging.
func fit(w, h, bound int) (int, int) {
	if w <= bound && h <= bound {
		return w, h
	}
	if w >= h {
		return bound, max(1, h*bound/w)
	}
	return max(1, w*bound/h), bound
}
