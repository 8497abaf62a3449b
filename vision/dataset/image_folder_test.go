package dataset

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, path string, size int, fill func(x, y int) color.Color) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, fill(x, y))
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

// createSegmentationDir writes n image/mask pairs; the mask of pair i covers the top row.
func createSegmentationDir(t *testing.T, n int) (imageDir, maskDir string) {
	t.Helper()
	root := t.TempDir()
	imageDir, maskDir = filepath.Join(root, "images"), filepath.Join(root, "masks")
	require.NoError(t, os.MkdirAll(imageDir, 0o755))
	require.NoError(t, os.MkdirAll(maskDir, 0o755))
	for i := 0; i < n; i++ {
		name := string(rune('a'+i)) + ".png"
		writePNG(t, filepath.Join(imageDir, name), 4, func(x, y int) color.Color {
			return color.Gray{Y: uint8(60 * i)}
		})
		writePNG(t, filepath.Join(maskDir, name), 4, func(x, y int) color.Color {
			if y == 0 {
				return color.White
			}
			return color.Black
		})
	}
	return imageDir, maskDir
}

func testFolderConfig() FolderConfig {
	cfg := DefaultFolderConfig()
	cfg.ImageSize = 4
	cfg.CacheSize = 2
	return cfg
}

func TestSegmentationFolderDataset(t *testing.T) {
	imageDir, maskDir := createSegmentationDir(t, 3)
	require.NoError(t, os.WriteFile(filepath.Join(imageDir, "notes.txt"), []byte("x"), 0o644))

	ds, err := NewSegmentationFolderDataset(imageDir, maskDir, testFolderConfig())
	require.NoError(t, err)
	assert.Equal(t, 3, ds.Len())

	img, mask, err := ds.Get(1)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4, 4}, img.Shape)
	assert.Equal(t, []int{1, 4, 4}, mask.Shape)
	assert.InDelta(t, 60.0/255.0, img.Data[5], 1e-3)
	assert.Equal(t, []float32{1, 1, 1, 1, 0, 0, 0, 0}, mask.Data[:8])

	imgPath, maskPath := ds.Paths(1)
	assert.Equal(t, "b.png", filepath.Base(imgPath))
	assert.Equal(t, filepath.Join(maskDir, "b.png"), maskPath)

	_, _, err = ds.Get(3)
	assert.Error(t, err)
	assert.Contains(t, ds.String(), "3 samples")
}

func TestSegmentationFolderDatasetCache(t *testing.T) {
	imageDir, maskDir := createSegmentationDir(t, 3)
	ds, err := NewSegmentationFolderDataset(imageDir, maskDir, testFolderConfig())
	require.NoError(t, err)

	first, _, err := ds.Get(0)
	require.NoError(t, err)
	again, _, err := ds.Get(0)
	require.NoError(t, err)
	assert.Same(t, first, again)

	stats := ds.CacheStats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestSegmentationFolderDatasetErrors(t *testing.T) {
	imageDir, maskDir := createSegmentationDir(t, 2)

	t.Run("MissingMask", func(t *testing.T) {
		require.NoError(t, os.Remove(filepath.Join(maskDir, "b.png")))
		_, err := NewSegmentationFolderDataset(imageDir, maskDir, testFolderConfig())
		assert.ErrorContains(t, err, "no mask")
	})

	t.Run("EmptyDir", func(t *testing.T) {
		_, err := NewSegmentationFolderDataset(t.TempDir(), maskDir, testFolderConfig())
		assert.ErrorContains(t, err, "no images")
	})

	t.Run("MissingDir", func(t *testing.T) {
		_, err := NewSegmentationFolderDataset(filepath.Join(t.TempDir(), "nope"), maskDir, testFolderConfig())
		assert.Error(t, err)
	})

	t.Run("BadConfig", func(t *testing.T) {
		cfg := testFolderConfig()
		cfg.Channels = 4
		_, err := NewSegmentationFolderDataset(imageDir, maskDir, cfg)
		assert.Error(t, err)
	})

	t.Run("CorruptImage", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "a.png"), []byte("garbage"), 0o644))
		ds, err := NewSegmentationFolderDataset(dir, maskDir, testFolderConfig())
		require.NoError(t, err)
		_, _, err = ds.Get(0)
		assert.Error(t, err)
	})
}

func TestCacheManagerEviction(t *testing.T) {
	cm := NewCacheManager(2)
	imageDir, maskDir := createSegmentationDir(t, 1)
	ds, err := NewSegmentationFolderDataset(imageDir, maskDir, testFolderConfig())
	require.NoError(t, err)
	img, mask, err := ds.Get(0)
	require.NoError(t, err)

	cm.Put(1, img, mask)
	cm.Put(2, img, mask)
	_, _, ok := cm.Get(1)
	require.True(t, ok)
	cm.Put(3, img, mask)

	_, _, ok = cm.Get(2)
	assert.False(t, ok, "least recently used entry should be evicted")
	_, _, ok = cm.Get(1)
	assert.True(t, ok)

	stats := cm.Stats()
	assert.Equal(t, 2, stats.Size)
	assert.Contains(t, stats.String(), "2/2 items")

	cm.Clear()
	assert.Equal(t, 0, cm.Stats().Size)
	assert.Equal(t, int64(3), cm.Stats().Hits+cm.Stats().Misses)

	disabled := NewCacheManager(0)
	disabled.Put(1, img, mask)
	_, _, ok = disabled.Get(1)
	assert.False(t, ok)
}
