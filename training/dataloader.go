package training

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-segtrain/tensor"
)

// ErrEmptyLoader is returned when an epoch is asked to run over a loader with no batches.
var ErrEmptyLoader = errors.New("training: loader yields no batches")

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	Len() int
	// Get returns one CHW image and its 1HW mask.
	Get(idx int) (image *tensor.Tensor, mask *tensor.Tensor, err error)
}

// Loader yields batches for one pass over a dataset. Next returns a nil batch at the end of the epoch.
type Loader interface {
	Len() int
	Reset()
	Next(ctx context.Context) (*Batch, error)
}

// Batch represents a batch of images and masks in NCHW layout.
type Batch struct {
	Data   *tensor.Tensor
	Labels *tensor.Tensor
}

// DataLoader provides batching, shuffling and concurrent sample loading
type DataLoader struct {
	dataset    Dataset
	batchSize  int
	shuffle    bool
	dropLast   bool
	numWorkers int
	rng        *rand.Rand
	indices    []int
	position   int
	mutex      sync.Mutex
}

// LoaderOption configures a DataLoader.
type LoaderOption func(*DataLoader)

// WithSeed makes shuffling reproducible.
func WithSeed(seed int64) LoaderOption {
	return func(dl *DataLoader) { dl.rng = rand.New(rand.NewSource(seed)) }
}

// WithDropLast drops the final batch when it is smaller than the batch size.
func WithDropLast(drop bool) LoaderOption {
	return func(dl *DataLoader) { dl.dropLast = drop }
}

// NewDataLoader creates a new DataLoader. numWorkers bounds how many samples are read concurrently.
func NewDataLoader(dataset Dataset, batchSize int, shuffle bool, numWorkers int, opts ...LoaderOption) (*DataLoader, error) {
	if dataset == nil {
		return nil, fmt.Errorf("dataset is nil")
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if numWorkers <= 0 {
		numWorkers = 1
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	dl := &DataLoader{
		dataset:    dataset,
		batchSize:  batchSize,
		shuffle:    shuffle,
		numWorkers: numWorkers,
		indices:    indices,
	}
	for _, opt := range opts {
		opt(dl)
	}
	if dl.rng == nil {
		dl.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	dl.Reset()
	return dl, nil
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	n := len(dl.indices)
	if dl.dropLast {
		return n / dl.batchSize
	}
	return (n + dl.batchSize - 1) / dl.batchSize
}

func (dl *DataLoader) BatchSize() int { return dl.batchSize }

// Reset rewinds the loader and reshuffles when shuffling is enabled.
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0
	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// Next returns the next batch or nil if epoch is complete
func (dl *DataLoader) Next(ctx context.Context) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dl.mutex.Lock()
	if dl.position >= len(dl.indices) {
		dl.mutex.Unlock()
		return nil, nil
	}
	end := dl.position + dl.batchSize
	if end > len(dl.indices) {
		if dl.dropLast {
			dl.position = len(dl.indices)
			dl.mutex.Unlock()
			return nil, nil
		}
		end = len(dl.indices)
	}
	batchIndices := append([]int(nil), dl.indices[dl.position:end]...)
	dl.position = end
	dl.mutex.Unlock()

	batch, err := dl.loadBatch(ctx, batchIndices)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}
	return batch, nil
}

// HasNext returns true if there are more batches in the current epoch
func (dl *DataLoader) HasNext() bool {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	if dl.dropLast {
		return dl.position+dl.batchSize <= len(dl.indices)
	}
	return dl.position < len(dl.indices)
}

// loadBatch reads the first sample to size the batch, then fans the rest out over the workers.
func (dl *DataLoader) loadBatch(ctx context.Context, indices []int) (*Batch, error) {
	if len(indices) == 0 {
		return nil, fmt.Errorf("empty batch indices")
	}

	firstData, firstLabel, err := dl.dataset.Get(indices[0])
	if err != nil {
		return nil, fmt.Errorf("failed to load sample %d: %w", indices[0], err)
	}

	n := len(indices)
	batchData, err := tensor.Zeros(append([]int{n}, firstData.Shape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create batch data tensor: %w", err)
	}
	batchLabels, err := tensor.Zeros(append([]int{n}, firstLabel.Shape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create batch labels tensor: %w", err)
	}
	if err := copyInto(batchData, firstData, 0); err != nil {
		return nil, fmt.Errorf("sample %d: %w", indices[0], err)
	}
	if err := copyInto(batchLabels, firstLabel, 0); err != nil {
		return nil, fmt.Errorf("sample %d: %w", indices[0], err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(dl.numWorkers)
	for i := 1; i < n; i++ {
		slot, idx := i, indices[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, label, err := dl.dataset.Get(idx)
			if err != nil {
				return fmt.Errorf("failed to load sample %d: %w", idx, err)
			}
			if err := copyInto(batchData, data, slot); err != nil {
				return fmt.Errorf("sample %d: %w", idx, err)
			}
			if err := copyInto(batchLabels, label, slot); err != nil {
				return fmt.Errorf("sample %d: %w", idx, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &Batch{Data: batchData, Labels: batchLabels}, nil
}

// copyInto copies a sample tensor into a specific position in the batch tensor.
// Each slot is a disjoint range so concurrent callers never overlap.
func copyInto(batchTensor, sampleTensor *tensor.Tensor, batchIndex int) error {
	sampleShape := batchTensor.Shape[1:]
	if len(sampleShape) != len(sampleTensor.Shape) {
		return fmt.Errorf("%w: sample %v, batch expects %v", tensor.ErrShapeMismatch, sampleTensor.Shape, sampleShape)
	}
	for i, d := range sampleShape {
		if sampleTensor.Shape[i] != d {
			return fmt.Errorf("%w: sample %v, batch expects %v", tensor.ErrShapeMismatch, sampleTensor.Shape, sampleShape)
		}
	}

	sampleSize := sampleTensor.NumElems
	offset := batchIndex * sampleSize
	copy(batchTensor.Data[offset:offset+sampleSize], sampleTensor.Data)
	return nil
}

// SimpleDataset serves in-memory image/mask pairs.
type SimpleDataset struct {
	data   []*tensor.Tensor
	labels []*tensor.Tensor
}

// NewSimpleDataset creates a new SimpleDataset
func NewSimpleDataset(data, labels []*tensor.Tensor) (*SimpleDataset, error) {
	if len(data) != len(labels) {
		return nil, fmt.Errorf("data and labels must have the same length: got %d and %d", len(data), len(labels))
	}
	return &SimpleDataset{data: data, labels: labels}, nil
}

func (ds *SimpleDataset) Len() int {
	return len(ds.data)
}

func (ds *SimpleDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	if idx < 0 || idx >= len(ds.data) {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", idx, len(ds.data))
	}
	return ds.data[idx], ds.labels[idx], nil
}
