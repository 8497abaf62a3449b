package dataset

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-segtrain/tensor"
)

// ShapesDataset generates noisy images of one filled circle or rectangle each, with the
// shape as the mask. Sample i is the same on every call for a given seed.
type ShapesDataset struct {
	n        int
	size     int
	channels int
	noise    float32
	seed     int64
}

// NewShapesDataset creates n synthetic size x size samples.
func NewShapesDataset(n, size, channels int, noise float32, seed int64) (*ShapesDataset, error) {
	if n <= 0 {
		return nil, fmt.Errorf("sample count must be positive, got %d", n)
	}
	if size < 4 {
		return nil, fmt.Errorf("image size must be at least 4, got %d", size)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("channels must be positive, got %d", channels)
	}
	return &ShapesDataset{n: n, size: size, channels: channels, noise: noise, seed: seed}, nil
}

func (d *ShapesDataset) Len() int { return d.n }

func (d *ShapesDataset) Get(index int) (*tensor.Tensor, *tensor.Tensor, error) {
	if index < 0 || index >= d.n {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", index, d.n)
	}
	rng := rand.New(rand.NewSource(d.seed*1_000_003 + int64(index)))
	s := d.size
	mask := make([]float32, s*s)

	cx, cy := rng.Intn(s), rng.Intn(s)
	if rng.Intn(2) == 0 {
		r := 1 + rng.Intn(s/3)
		for y := 0; y < s; y++ {
			for x := 0; x < s; x++ {
				if dx, dy := x-cx, y-cy; dx*dx+dy*dy <= r*r {
					mask[y*s+x] = 1
				}
			}
		}
	} else {
		w, h := 1+rng.Intn(s/2), 1+rng.Intn(s/2)
		for y := max(cy-h/2, 0); y < min(cy+h-h/2, s); y++ {
			for x := max(cx-w/2, 0); x < min(cx+w-w/2, s); x++ {
				mask[y*s+x] = 1
			}
		}
	}

	img := make([]float32, d.channels*s*s)
	for c := 0; c < d.channels; c++ {
		plane := img[c*s*s : (c+1)*s*s]
		for i := range plane {
			plane[i] = 2*mask[i] - 1 + d.noise*float32(rng.NormFloat64())
		}
	}

	imgT, err := tensor.NewTensor([]int{d.channels, s, s}, img)
	if err != nil {
		return nil, nil, err
	}
	maskT, err := tensor.NewTensor([]int{1, s, s}, mask)
	if err != nil {
		return nil, nil, err
	}
	return imgT, maskT, nil
}
