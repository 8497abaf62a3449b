package training

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainData(t *testing.T, l Loader) [][]float32 {
	t.Helper()
	var out [][]float32
	for {
		b, err := l.Next(context.Background())
		require.NoError(t, err)
		if b == nil {
			return out
		}
		out = append(out, b.Data.Data)
	}
}

func TestPrefetchLoaderMatchesInner(t *testing.T) {
	ds := toyDataset(t, 7, 4, 3)
	want := drainData(t, toyLoader(t, ds, 2))

	pl, err := NewPrefetchLoader(toyLoader(t, ds, 2), 1)
	require.NoError(t, err)
	defer pl.Close()
	assert.Equal(t, 4, pl.Len())

	pl.Reset()
	assert.Equal(t, want, drainData(t, pl))

	// A second pass after Reset yields the same batches again.
	pl.Reset()
	assert.Equal(t, want, drainData(t, pl))

	// Next past the end keeps returning nil.
	b, err := pl.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestPrefetchLoaderResetMidPass(t *testing.T) {
	pl, err := NewPrefetchLoader(toyLoader(t, toyDataset(t, 8, 4, 4), 2), 2)
	require.NoError(t, err)
	defer pl.Close()

	pl.Reset()
	_, err = pl.Next(context.Background())
	require.NoError(t, err)
	pl.Reset()
	assert.Len(t, drainData(t, pl), 4)
}

func TestPrefetchLoaderPropagatesErrors(t *testing.T) {
	dl, err := NewDataLoader(&indexDataset{n: 4, failAt: 2, badSize: -1}, 2, false, 1)
	require.NoError(t, err)
	pl, err := NewPrefetchLoader(dl, 2)
	require.NoError(t, err)
	defer pl.Close()

	pl.Reset()
	_, err = pl.Next(context.Background())
	require.NoError(t, err)
	_, err = pl.Next(context.Background())
	assert.Error(t, err)
}

func TestPrefetchLoaderClose(t *testing.T) {
	pl, err := NewPrefetchLoader(toyLoader(t, toyDataset(t, 6, 4, 5), 1), 1)
	require.NoError(t, err)
	pl.Reset()
	require.NoError(t, pl.Close())
	require.NoError(t, pl.Close())

	_, err = pl.Next(context.Background())
	assert.Error(t, err)

	_, err = NewPrefetchLoader(nil, 1)
	assert.Error(t, err)
}

func TestPrefetchLoaderCancelledContext(t *testing.T) {
	pl, err := NewPrefetchLoader(toyLoader(t, toyDataset(t, 6, 4, 6), 2), 1)
	require.NoError(t, err)
	defer pl.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pl.Reset()
	_, err = pl.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTrainEpochWithPrefetch(t *testing.T) {
	pl, err := NewPrefetchLoader(toyLoader(t, toyDataset(t, 6, 4, 7), 2), 2)
	require.NoError(t, err)
	defer pl.Close()

	model := toyModel(t, 1)
	out, err := TrainEpoch(context.Background(), pl, model, adamFor(t, model, 0.01), &BCEWithLogitsLoss{}, disabledScaler(t), EpochConfig{})
	require.NoError(t, err)
	_, ok := out.Get("loss")
	assert.True(t, ok)
}
