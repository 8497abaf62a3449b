package training

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-segtrain/tensor"
)

// SubsetDataset allows training on a limited number of samples from an underlying dataset.
type SubsetDataset struct {
	originalDataset Dataset
	limit           int
}

// NewSubsetDataset wraps original and exposes at most limit samples from its start.
func NewSubsetDataset(original Dataset, limit int) (*SubsetDataset, error) {
	if limit < 0 {
		return nil, fmt.Errorf("limit cannot be negative")
	}
	if limit > original.Len() {
		limit = original.Len()
	}
	return &SubsetDataset{
		originalDataset: original,
		limit:           limit,
	}, nil
}

func (sd *SubsetDataset) Len() int {
	return sd.limit
}

func (sd *SubsetDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	if idx < 0 || idx >= sd.limit {
		return nil, nil, fmt.Errorf("index out of bounds for subset: %d (limit: %d)", idx, sd.limit)
	}
	return sd.originalDataset.Get(idx)
}

// IndexSubset exposes the samples of a dataset at the given indices, in order.
type IndexSubset struct {
	dataset Dataset
	indices []int
}

func NewIndexSubset(dataset Dataset, indices []int) (*IndexSubset, error) {
	n := dataset.Len()
	for _, idx := range indices {
		if idx < 0 || idx >= n {
			return nil, fmt.Errorf("index %d out of range [0, %d)", idx, n)
		}
	}
	return &IndexSubset{dataset: dataset, indices: append([]int(nil), indices...)}, nil
}

func (s *IndexSubset) Len() int { return len(s.indices) }

func (s *IndexSubset) Indices() []int { return s.indices }

func (s *IndexSubset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	if idx < 0 || idx >= len(s.indices) {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", idx, len(s.indices))
	}
	return s.dataset.Get(s.indices[idx])
}

// RandomSplit shuffles dataset indices with seed and splits off valFraction of them for validation.
// Both parts get at least one sample when the dataset has two or more.
func RandomSplit(dataset Dataset, valFraction float64, seed int64) (train, val *IndexSubset, err error) {
	if valFraction <= 0 || valFraction >= 1 {
		return nil, nil, fmt.Errorf("validation fraction must be in (0, 1), got %v", valFraction)
	}
	n := dataset.Len()
	if n < 2 {
		return nil, nil, fmt.Errorf("need at least 2 samples to split, got %d", n)
	}

	perm := rand.New(rand.NewSource(seed)).Perm(n)
	nVal := int(float64(n)*valFraction + 0.5)
	if nVal < 1 {
		nVal = 1
	}
	if nVal >= n {
		nVal = n - 1
	}

	val = &IndexSubset{dataset: dataset, indices: perm[:nVal]}
	train = &IndexSubset{dataset: dataset, indices: perm[nVal:]}
	return train, val, nil
}
