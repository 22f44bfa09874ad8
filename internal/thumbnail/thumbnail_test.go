package thumbnail

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/filevault/filevault/internal/blob"
	"github.com/filevault/filevault/internal/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 128, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestFit(t *testing.T) {
	tests := []struct {
		w, h, bound int
		wantW       int
		wantH       int
	}{
		{2000, 1000, 256, 256, 128},
		{1000, 2000, 256, 128, 256},
		{100, 50, 256, 100, 50}, // never upscaled
		{4000, 1, 64, 64, 1},
	}
	for _, tt := range tests {
		w, h := fit(tt.w, tt.h, tt.bound)
		assert.Equal(t, tt.wantW, w)
		assert.Equal(t, tt.wantH, h)
	}
}

func TestSupported(t *testing.T) {
	assert.True(t, Supported("image/png"))
	assert.True(t, Supported("IMAGE/JPEG; charset=binary"))
	assert.False(t, Supported("image/svg+xml"))
	assert.False(t, Supported("application/pdf"))
}

func TestGenerate_AllSizes(t *testing.T) {
	blobs := blob.NewMemoryStore()
	g := NewGenerator(blobs, nil)
	src := "vaults/v1/photo.png"

	res := g.Generate(context.Background(), src, "image/png", bytes.NewReader(pngBytes(t, 600, 300)))
	require.True(t, res.Decoded())
	assert.Equal(t, 600, res.Width)
	assert.Equal(t, 300, res.Height)
	assert.Empty(t, res.Errors)
	require.NotNil(t, res.Thumbnails.Small)
	require.NotNil(t, res.Thumbnails.Medium)
	require.NotNil(t, res.Thumbnails.Large)
	assert.Equal(t, vault.ThumbnailKey(src, vault.ThumbMedium), *res.Thumbnails.Medium)

	rc, err := blobs.Get(context.Background(), *res.Thumbnails.Medium)
	require.NoError(t, err)
	defer rc.Close()
	cfg, err := jpeg.DecodeConfig(rc)
	require.NoError(t, err)
	assert.Equal(t, 256, cfg.Width)
	assert.Equal(t, 128, cfg.Height)

	// The large box exceeds the source, so the source size is kept.
	rc2, err := blobs.Get(context.Background(), *res.Thumbnails.Large)
	require.NoError(t, err)
	defer rc2.Close()
	cfg, err = jpeg.DecodeConfig(rc2)
	require.NoError(t, err)
	assert.Equal(t, 600, cfg.Width)
}

func TestGenerate_OneSizeFailing(t *testing.T) {
	blobs := blob.NewMemoryStore()
	src := "vaults/v1/photo.png"
	blobs.FailPut(vault.ThumbnailKey(src, vault.ThumbSmall))
	g := NewGenerator(blobs, nil)

	res := g.Generate(context.Background(), src, "image/png", bytes.NewReader(pngBytes(t, 80, 80)))
	assert.True(t, res.Decoded())
	assert.Nil(t, res.Thumbnails.Small)
	assert.NotNil(t, res.Thumbnails.Medium)
	assert.NotNil(t, res.Thumbnails.Large)
	assert.ErrorIs(t, res.Errors[vault.ThumbSmall], blob.ErrInjected)
}

func TestGenerate_NonImageAndGarbage(t *testing.T) {
	blobs := blob.NewMemoryStore()
	g := NewGenerator(blobs, nil)

	res := g.Generate(context.Background(), "k", "application/pdf", bytes.NewReader([]byte("%PDF")))
	assert.False(t, res.Decoded())
	assert.Empty(t, res.Errors)

	res = g.Generate(context.Background(), "k", "image/png", bytes.NewReader([]byte("not a png")))
	assert.False(t, res.Decoded())
	assert.Len(t, res.Errors, 3)
	w, h := res.Dimensions()
	assert.Nil(t, w)
	assert.Nil(t, h)
	assert.Empty(t, blobs.Keys())
}
