package hlsprep

import (
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"
)

func writeTIFF(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, tiff.Encode(f, img, &tiff.Options{Compression: tiff.Deflate}))
	require.NoError(t, f.Close())
}

func TestFileChecker(t *testing.T) {
	dir := t.TempDir()
	gray := filepath.Join(dir, "gray.tif")
	writeTIFF(t, gray, image.NewGray(image.Rect(0, 0, 16, 8)))
	rgba := filepath.Join(dir, "rgba.tif")
	writeTIFF(t, rgba, image.NewRGBA(image.Rect(0, 0, 4, 4)))
	garbage := filepath.Join(dir, "garbage.tif")
	require.NoError(t, os.WriteFile(garbage, []byte("this is not a tiff at all"), 0o644))
	empty := filepath.Join(dir, "empty.tif")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))

	testfunc := func(path string, bands int, expected bool) {
		t.Helper()
		done, err := FileChecker{}.Done(path, bands)
		require.NoError(t, err)
		assert.Equal(t, expected, done, path)
	}
	testfunc(gray, 0, true)
	testfunc(gray, 1, true)
	testfunc(gray, 3, false)
	testfunc(rgba, 4, true)
	testfunc(rgba, 0, true)
	testfunc(garbage, 0, false)
	testfunc(empty, 0, false)
	testfunc(filepath.Join(dir, "missing.tif"), 0, false)
}
