package imageio

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteRead(t *testing.T) {
	dir := t.TempDir()
	src := image.NewNRGBA(image.Rect(0, 0, 12, 7))
	src.Set(3, 4, color.NRGBA{R: 10, G: 20, B: 30, A: 0})

	for _, name := range []string{"out.png", "out.jpg", "out.bmp", "out.tif"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, Write(path, src))

			got, err := Read(path)
			require.NoError(t, err)
			assert.Equal(t, 12, got.Bounds().Dx())
			assert.Equal(t, 7, got.Bounds().Dy())
			assert.Equal(t, uint8(0xff), got.NRGBAAt(3, 4).A)
		})
	}
}

func TestReadDropsAlpha(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alpha.png")
	src := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	src.Set(0, 0, color.NRGBA{R: 200, G: 100, B: 50, A: 0})
	require.NoError(t, Write(path, src))

	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{R: 200, G: 100, B: 50, A: 0xff}, got.NRGBAAt(0, 0))
}

func TestReadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Read(filepath.Join(dir, "missing.jpg"))
	assert.ErrorIs(t, err, ErrUnreadable)
	assert.ErrorIs(t, err, os.ErrNotExist)

	garbage := filepath.Join(dir, "garbage.jpg")
	require.NoError(t, os.WriteFile(garbage, []byte("not an image"), 0o600))
	_, err = Read(garbage)
	assert.ErrorIs(t, err, ErrUnreadable)
	assert.Contains(t, err.Error(), garbage)
}

func TestWriteUnsupportedExtension(t *testing.T) {
	err := Write(filepath.Join(t.TempDir(), "out.xyz"), image.NewNRGBA(image.Rect(0, 0, 1, 1)))
	assert.Error(t, err)
}
