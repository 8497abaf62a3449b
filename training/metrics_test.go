package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-segtrain/tensor"
)

func TestOverlapMetrics(t *testing.T) {
	pred := tensor.MustNew([]int{1, 1, 2, 2}, []float32{1, 1, 0, 0})
	target := tensor.MustNew([]int{1, 1, 2, 2}, []float32{1, 0, 1, 0})

	dice, err := DiceScore(pred, target)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, dice, 1e-6)

	iou, err := IoU(pred, target)
	require.NoError(t, err)
	assert.InDelta(t, 1.0/3, iou, 1e-6)

	acc, err := PixelAccuracy(pred, target)
	require.NoError(t, err)
	assert.Equal(t, 0.5, acc)

	// Soft predictions are binarized for accuracy only.
	soft := tensor.MustNew([]int{1, 1, 2, 2}, []float32{0.9, 0.2, 0.7, 0.4})
	acc, err = PixelAccuracy(soft, target)
	require.NoError(t, err)
	assert.Equal(t, 1.0, acc)
}

func TestMetricsOnEmptyMasks(t *testing.T) {
	empty := tensor.MustNew([]int{1, 1, 2, 2}, nil)

	dice, err := DiceScore(empty, empty)
	require.NoError(t, err)
	assert.InDelta(t, 1, dice, 1e-12)

	iou, err := IoU(empty, empty)
	require.NoError(t, err)
	assert.InDelta(t, 1, iou, 1e-12)

	full := tensor.MustNew([]int{1, 1, 2, 2}, []float32{1, 1, 1, 1})
	dice, err = DiceScore(full, empty)
	require.NoError(t, err)
	assert.Less(t, dice, 1e-8)
}

func TestMetricShapeMismatch(t *testing.T) {
	a := tensor.MustNew([]int{1, 1, 2, 2}, nil)
	b := tensor.MustNew([]int{1, 1, 1, 4}, nil)
	for name, fn := range DefaultMetricFuncs() {
		_, err := fn(a, b)
		assert.ErrorIs(t, err, tensor.ErrShapeMismatch, name)
	}
	assert.Equal(t, []string{"accuracy", "dice", "iou"}, MetricNames(DefaultMetricFuncs()))
}

func TestConfusionMatrix(t *testing.T) {
	cm := NewConfusionMatrix()
	pred := tensor.MustNew([]int{1, 1, 2, 2}, []float32{1, 1, 0, 0})
	target := tensor.MustNew([]int{1, 1, 2, 2}, []float32{1, 0, 1, 0})
	require.NoError(t, cm.UpdateFromMasks(pred, target))

	assert.Equal(t, [2][2]int64{{1, 1}, {1, 1}}, cm.Matrix)
	assert.Equal(t, int64(4), cm.TotalPixels)
	assert.Equal(t, 0.5, cm.GetAccuracy())
	assert.Equal(t, 0.5, cm.GetMetric(Precision))
	assert.Equal(t, 0.5, cm.GetMetric(Recall))
	assert.Equal(t, 0.5, cm.GetMetric(F1Score))
	assert.Equal(t, 0.5, cm.GetMetric(Specificity))
	assert.Equal(t, 0.5, cm.GetMetric(NPV))
	assert.InDelta(t, 1.0/3, cm.GetMetric(Jaccard), 1e-12)

	// The cache is invalidated by further updates.
	require.NoError(t, cm.UpdateFromMasks(target, target))
	assert.Equal(t, 0.75, cm.GetAccuracy())
	assert.Equal(t, 0.75, cm.GetMetric(Precision))

	cm.Reset()
	assert.Equal(t, 0.0, cm.GetAccuracy())
	assert.Equal(t, 0.0, cm.GetMetric(Precision))
	assert.Contains(t, cm.String(), "true=1")
}
