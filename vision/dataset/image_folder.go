package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tsawler/go-segtrain/tensor"
	"github.com/tsawler/go-segtrain/vision/preprocessing"
)

// FolderConfig controls how SegmentationFolderDataset reads its files.
type FolderConfig struct {
	ImageSize     int      // square side length after resizing
	Channels      int      // 1 or 3
	MaskThreshold float32  // gray level above which a mask pixel is foreground
	Extensions    []string // accepted image extensions
	CacheSize     int      // decoded samples kept in memory (0 = no cache)
}

// DefaultFolderConfig returns 64x64 grayscale inputs with masks binarized at 0.5.
func DefaultFolderConfig() FolderConfig {
	return FolderConfig{
		ImageSize:     64,
		Channels:      1,
		MaskThreshold: 0.5,
		Extensions:    []string{".png", ".jpg", ".jpeg"},
	}
}

// SegmentationFolderDataset pairs every image in an image directory with the mask of the
// same base name in a mask directory. Masks may use a different extension than images.
type SegmentationFolderDataset struct {
	imagePaths []string
	maskPaths  []string
	cfg        FolderConfig
	processor  *preprocessing.ImageProcessor
	cache      *CacheManager
}

// NewSegmentationFolderDataset scans imageDir and maskDir. Images without a mask are an error.
func NewSegmentationFolderDataset(imageDir, maskDir string, cfg FolderConfig) (*SegmentationFolderDataset, error) {
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = DefaultFolderConfig().Extensions
	}
	processor, err := preprocessing.NewImageProcessor(cfg.ImageSize, cfg.Channels)
	if err != nil {
		return nil, err
	}

	images, err := listImages(imageDir, cfg.Extensions)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	masks, err := listImages(maskDir, cfg.Extensions)
	if err != nil {
		return nil, fmt.Errorf("failed to list masks: %w", err)
	}

	d := &SegmentationFolderDataset{cfg: cfg, processor: processor, cache: NewCacheManager(cfg.CacheSize)}
	stems := make([]string, 0, len(images))
	for stem := range images {
		stems = append(stems, stem)
	}
	sort.Strings(stems)
	for _, stem := range stems {
		mask, ok := masks[stem]
		if !ok {
			return nil, fmt.Errorf("no mask for image %s in %s", images[stem], maskDir)
		}
		d.imagePaths = append(d.imagePaths, images[stem])
		d.maskPaths = append(d.maskPaths, mask)
	}

	if len(d.imagePaths) == 0 {
		return nil, fmt.Errorf("no images found in %s", imageDir)
	}
	return d, nil
}

// listImages maps file stems to paths for the regular files in dir with an accepted extension.
func listImages(dir string, extensions []string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	accepted := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		accepted[strings.ToLower(ext)] = true
	}
	out := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if !accepted[strings.ToLower(ext)] {
			continue
		}
		stem := strings.TrimSuffix(e.Name(), ext)
		if prev, dup := out[stem]; dup {
			return nil, fmt.Errorf("ambiguous files %s and %s", prev, e.Name())
		}
		out[stem] = filepath.Join(dir, e.Name())
	}
	return out, nil
}

// Len returns the number of items in the dataset
func (d *SegmentationFolderDataset) Len() int {
	return len(d.imagePaths)
}

// Get returns the [C, H, W] image and [1, H, W] binary mask at index.
func (d *SegmentationFolderDataset) Get(index int) (*tensor.Tensor, *tensor.Tensor, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	if img, mask, ok := d.cache.Get(index); ok {
		return img, mask, nil
	}

	img, err := d.processor.DecodeFile(d.imagePaths[index], false, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", d.imagePaths[index], err)
	}
	mask, err := d.processor.DecodeFile(d.maskPaths[index], true, d.cfg.MaskThreshold)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", d.maskPaths[index], err)
	}
	imgT, err := img.Tensor()
	if err != nil {
		return nil, nil, err
	}
	maskT, err := mask.Tensor()
	if err != nil {
		return nil, nil, err
	}
	d.cache.Put(index, imgT, maskT)
	return imgT, maskT, nil
}

// Paths returns the image and mask files at index.
func (d *SegmentationFolderDataset) Paths(index int) (image, mask string) {
	return d.imagePaths[index], d.maskPaths[index]
}

// CacheStats reports how often Get was served from memory.
func (d *SegmentationFolderDataset) CacheStats() CacheStats {
	return d.cache.Stats()
}

// String returns a string representation of the dataset
func (d *SegmentationFolderDataset) String() string {
	return fmt.Sprintf("SegmentationFolderDataset(%d samples, %dx%dx%d)",
		d.Len(), d.cfg.Channels, d.cfg.ImageSize, d.cfg.ImageSize)
}
