package preprocessing

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-segtrain/tensor"
)

// ImageProcessor decodes images and resizes them to a square target with nearest-neighbour
// sampling, reusing its float buffer between calls.
type ImageProcessor struct {
	mu            sync.Mutex
	processBuffer []float32
	targetSize    int
	channels      int
}

// NewImageProcessor creates a processor producing targetSize x targetSize images with
// 1 (grayscale) or 3 (RGB) channels.
func NewImageProcessor(targetSize, channels int) (*ImageProcessor, error) {
	if targetSize <= 0 {
		return nil, fmt.Errorf("target size must be positive, got %d", targetSize)
	}
	if channels != 1 && channels != 3 {
		return nil, fmt.Errorf("channels must be 1 or 3, got %d", channels)
	}
	return &ImageProcessor{targetSize: targetSize, channels: channels}, nil
}

// ProcessedImage is CHW float data in [0, 1].
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// Tensor wraps the data as a [C, H, W] tensor.
func (p *ProcessedImage) Tensor() (*tensor.Tensor, error) {
	return tensor.NewTensor([]int{p.Channels, p.Height, p.Width}, p.Data)
}

// DecodeAndPreprocess decodes a PNG or JPEG image into normalized CHW data.
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	size := p.targetSize
	plane := size * size
	required := p.channels * plane
	if len(p.processBuffer) < required {
		p.processBuffer = make([]float32, required)
	}
	data := p.processBuffer[:required]

	resample(img, size, func(x, y int, r, g, b uint32) {
		idx := y*size + x
		if p.channels == 1 {
			data[idx] = luma(r, g, b)
			return
		}
		data[idx] = float32(r) / 65535.0
		data[plane+idx] = float32(g) / 65535.0
		data[2*plane+idx] = float32(b) / 65535.0
	})

	// data aliases the reusable buffer
	result := make([]float32, len(data))
	copy(result, data)

	return &ProcessedImage{Data: result, Width: size, Height: size, Channels: p.channels}, nil
}

// DecodeMask decodes a mask image into a single {0, 1} channel. Pixels whose gray level is
// above threshold (in [0, 1]) are foreground.
func (p *ImageProcessor) DecodeMask(reader io.Reader, threshold float32) (*ProcessedImage, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode mask: %w", err)
	}
	size := p.targetSize
	data := make([]float32, size*size)
	resample(img, size, func(x, y int, r, g, b uint32) {
		if luma(r, g, b) > threshold {
			data[y*size+x] = 1
		}
	})
	return &ProcessedImage{Data: data, Width: size, Height: size, Channels: 1}, nil
}

// resample visits every target pixel with the colour of its nearest source pixel.
func resample(img image.Image, size int, visit func(x, y int, r, g, b uint32)) {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	scaleX := float64(width) / float64(size)
	scaleY := float64(height) / float64(size)

	for y := 0; y < size; y++ {
		srcY := int(float64(y) * scaleY)
		if srcY >= height {
			srcY = height - 1
		}
		for x := 0; x < size; x++ {
			srcX := int(float64(x) * scaleX)
			if srcX >= width {
				srcX = width - 1
			}
			r, g, b, _ := img.At(bounds.Min.X+srcX, bounds.Min.Y+srcY).RGBA()
			visit(x, y, r, g, b)
		}
	}
}

func luma(r, g, b uint32) float32 {
	return (0.299*float32(r) + 0.587*float32(g) + 0.114*float32(b)) / 65535.0
}

// DecodeFile opens path and runs DecodeAndPreprocess, or DecodeMask when mask is set.
func (p *ImageProcessor) DecodeFile(path string, mask bool, threshold float32) (*ProcessedImage, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	if mask {
		return p.DecodeMask(file, threshold)
	}
	return p.DecodeAndPreprocess(file)
}

// PreprocessBatch decodes images concurrently with at most maxWorkers files in flight.
func PreprocessBatch(ctx context.Context, imagePaths []string, targetSize, channels, maxWorkers int) ([]*ProcessedImage, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if _, err := NewImageProcessor(targetSize, channels); err != nil {
		return nil, err
	}

	results := make([]*ProcessedImage, len(imagePaths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxWorkers)
	for i, path := range imagePaths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			processor, _ := NewImageProcessor(targetSize, channels)
			img, err := processor.DecodeFile(path, false, 0)
			if err != nil {
				return fmt.Errorf("failed to process image %d: %w", i, err)
			}
			results[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
