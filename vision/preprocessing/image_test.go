package preprocessing

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// quadrantPNG encodes a size x size image whose left half is c and right half black.
func quadrantPNG(t *testing.T, size int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			if x < size/2 {
				img.Set(x, y, c)
			} else {
				img.Set(x, y, color.Black)
			}
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestNewImageProcessor(t *testing.T) {
	_, err := NewImageProcessor(0, 3)
	assert.Error(t, err)
	_, err = NewImageProcessor(8, 2)
	assert.Error(t, err)
	p, err := NewImageProcessor(8, 1)
	require.NoError(t, err)
	assert.Equal(t, 8, p.targetSize)
}

func TestDecodeAndPreprocessRGB(t *testing.T) {
	p, err := NewImageProcessor(4, 3)
	require.NoError(t, err)

	img, err := p.DecodeAndPreprocess(bytes.NewReader(quadrantPNG(t, 8, color.RGBA{R: 255, A: 255})))
	require.NoError(t, err)
	assert.Equal(t, 3, img.Channels)
	require.Len(t, img.Data, 3*16)

	// Red plane: left two columns set, right two clear.
	assert.Equal(t, float32(1), img.Data[0])
	assert.Equal(t, float32(1), img.Data[1])
	assert.Equal(t, float32(0), img.Data[2])
	// Green plane is empty.
	assert.Equal(t, float32(0), img.Data[16])

	ten, err := img.Tensor()
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4, 4}, ten.Shape)
}

func TestDecodeAndPreprocessGrayscaleJPEG(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 6, 6))
	for i := range src.Pix {
		src.Pix[i] = 128
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, src, &jpeg.Options{Quality: 100}))

	p, err := NewImageProcessor(3, 1)
	require.NoError(t, err)
	img, err := p.DecodeAndPreprocess(&buf)
	require.NoError(t, err)
	require.Len(t, img.Data, 9)
	for _, v := range img.Data {
		assert.InDelta(t, 128.0/255.0, v, 0.02)
	}
}

func TestDecodeMask(t *testing.T) {
	p, err := NewImageProcessor(2, 3)
	require.NoError(t, err)
	mask, err := p.DecodeMask(bytes.NewReader(quadrantPNG(t, 4, color.White)), 0.5)
	require.NoError(t, err)
	assert.Equal(t, 1, mask.Channels)
	assert.Equal(t, []float32{1, 0, 1, 0}, mask.Data)
}

func TestDecodeInvalid(t *testing.T) {
	p, err := NewImageProcessor(2, 1)
	require.NoError(t, err)
	_, err = p.DecodeAndPreprocess(bytes.NewReader([]byte("not an image")))
	assert.Error(t, err)
	_, err = p.DecodeMask(bytes.NewReader(nil), 0.5)
	assert.Error(t, err)
}

func TestBufferReuseDoesNotAlias(t *testing.T) {
	p, err := NewImageProcessor(2, 1)
	require.NoError(t, err)
	first, err := p.DecodeAndPreprocess(bytes.NewReader(quadrantPNG(t, 2, color.White)))
	require.NoError(t, err)
	_, err = p.DecodeAndPreprocess(bytes.NewReader(quadrantPNG(t, 2, color.Black)))
	require.NoError(t, err)
	assert.InDelta(t, 1.0, first.Data[0], 1e-6)
}

func TestPreprocessBatch(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i, c := range []color.Color{color.White, color.Black, color.Gray{Y: 64}} {
		path := filepath.Join(dir, string(rune('a'+i))+".png")
		require.NoError(t, os.WriteFile(path, quadrantPNG(t, 4, c), 0o644))
		paths = append(paths, path)
	}

	out, err := PreprocessBatch(context.Background(), paths, 2, 1, 2)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.InDelta(t, 1.0, out[0].Data[0], 1e-6)
	assert.InDelta(t, 0.0, out[1].Data[0], 1e-6)

	_, err = PreprocessBatch(context.Background(), append(paths, filepath.Join(dir, "missing.png")), 2, 1, 2)
	assert.Error(t, err)
}
