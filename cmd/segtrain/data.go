package main

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-segtrain/config"
	"github.com/tsawler/go-segtrain/layers"
	"github.com/tsawler/go-segtrain/training"
	"github.com/tsawler/go-segtrain/vision/dataset"
)

// openDataset builds the dataset named by the data section.
func openDataset(d config.DataConfig) (training.Dataset, error) {
	switch d.Source {
	case config.SourceShapes:
		return dataset.NewShapesDataset(d.Samples, d.ImageSize, d.Channels, d.Noise, d.Seed)
	case config.SourceFolder:
		fc := dataset.DefaultFolderConfig()
		fc.ImageSize = d.ImageSize
		fc.Channels = d.Channels
		fc.MaskThreshold = d.MaskThreshold
		fc.CacheSize = d.CacheSize
		return dataset.NewSegmentationFolderDataset(d.ImageDir, d.MaskDir, fc)
	default:
		return nil, fmt.Errorf("unknown data source %q", d.Source)
	}
}

// buildLoaders splits ds and wraps both parts in data loaders. val is nil when
// ValFraction is zero.
func buildLoaders(ds training.Dataset, d config.DataConfig) (train, val *training.DataLoader, err error) {
	trainSet := training.Dataset(ds)
	var valSet training.Dataset
	if d.ValFraction > 0 {
		t, v, err := training.RandomSplit(ds, d.ValFraction, d.Seed)
		if err != nil {
			return nil, nil, err
		}
		trainSet, valSet = t, v
	}

	train, err = training.NewDataLoader(trainSet, d.BatchSize, d.Shuffle, d.NumWorkers, training.WithSeed(d.Seed))
	if err != nil {
		return nil, nil, err
	}
	if valSet != nil {
		if val, err = training.NewDataLoader(valSet, d.BatchSize, false, d.NumWorkers); err != nil {
			return nil, nil, err
		}
	}
	return train, val, nil
}

func buildModel(c *config.Config) (*layers.Sequential, error) {
	return layers.NewSegmentationNet(c.Data.BatchSize, c.Data.Channels, c.Data.ImageSize, c.Data.ImageSize,
		c.Model.Hidden, rand.New(rand.NewSource(c.Model.Seed)))
}
