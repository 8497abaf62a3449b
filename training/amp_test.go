package training

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-segtrain/optimizer"
	"github.com/tsawler/go-segtrain/tensor"
)

func sgdFor(t *testing.T, lr float32, params ...*tensor.Tensor) *optimizer.SGD {
	t.Helper()
	opt, err := optimizer.NewSGD(optimizer.SGDConfig{LearningRate: lr}, params)
	require.NoError(t, err)
	return opt
}

func TestGradScalerDisabledIsPassThrough(t *testing.T) {
	s, err := NewGradScaler(GradScalerConfig{})
	require.NoError(t, err)
	assert.False(t, s.Enabled())
	assert.Equal(t, 1.0, s.Scale())
	assert.Equal(t, 2.5, s.ScaleLoss(2.5))

	g := tensor.MustNew([]int{2}, []float32{1, 2})
	assert.Same(t, g, s.ScaleGrad(g))

	p := param(t, 1, 1)
	require.NoError(t, p.AccumulateGrad([]float32{1, 1}))
	stepped, err := s.Step(sgdFor(t, 0.5, p))
	require.NoError(t, err)
	assert.True(t, stepped)
	assert.Equal(t, []float32{0.5, 0.5}, p.Data)
	s.Update()
	assert.Equal(t, 1.0, s.Scale())
}

func TestGradScalerUnscalesBeforeStep(t *testing.T) {
	s, err := NewGradScaler(DefaultGradScalerConfig())
	require.NoError(t, err)
	assert.Equal(t, 65536.0, s.Scale())

	scaled := s.ScaleGrad(tensor.MustNew([]int{2}, []float32{1, 2}))
	assert.Equal(t, []float32{65536, 131072}, scaled.Data)

	p := param(t, 1, 1)
	require.NoError(t, p.AccumulateGrad(scaled.Data))
	stepped, err := s.Step(sgdFor(t, 0.5, p))
	require.NoError(t, err)
	assert.True(t, stepped)
	assert.Equal(t, []float32{1, 2}, p.Grad())
	assert.Equal(t, []float32{0.5, 0}, p.Data)
}

func TestGradScalerSkipsOverflowAndBacksOff(t *testing.T) {
	s, err := NewGradScaler(DefaultGradScalerConfig())
	require.NoError(t, err)

	p := param(t, 1, 1)
	require.NoError(t, p.AccumulateGrad([]float32{float32(math.Inf(1)), 1}))
	stepped, err := s.Step(sgdFor(t, 0.5, p))
	require.NoError(t, err)
	assert.False(t, stepped)
	assert.Equal(t, []float32{1, 1}, p.Data, "parameters must not change on a skipped step")
	assert.Equal(t, 1, s.SkippedSteps())

	s.Update()
	assert.Equal(t, 32768.0, s.Scale())
}

func TestGradScalerGrowth(t *testing.T) {
	cfg := DefaultGradScalerConfig()
	cfg.InitScale = 8
	cfg.GrowthInterval = 2
	s, err := NewGradScaler(cfg)
	require.NoError(t, err)

	p := param(t, 0)
	opt := sgdFor(t, 0.1, p)
	for i := 0; i < 2; i++ {
		opt.ZeroGrad()
		require.NoError(t, p.AccumulateGrad([]float32{8}))
		_, err := s.Step(opt)
		require.NoError(t, err)
		s.Update()
	}
	assert.Equal(t, 16.0, s.Scale())

	state := s.State()
	restored, err := NewGradScaler(cfg)
	require.NoError(t, err)
	require.NoError(t, restored.LoadState(state))
	assert.Equal(t, 16.0, restored.Scale())

	assert.Error(t, restored.LoadState(map[string]interface{}{"scale": "big"}))
	assert.Error(t, restored.LoadState(map[string]interface{}{"growth_tracker": -1.0}))
}

func TestGradScalerConfigValidation(t *testing.T) {
	bad := []GradScalerConfig{
		{Enabled: true, InitScale: 0, GrowthFactor: 2, BackoffFactor: 0.5, GrowthInterval: 1},
		{Enabled: true, InitScale: 1, GrowthFactor: 1, BackoffFactor: 0.5, GrowthInterval: 1},
		{Enabled: true, InitScale: 1, GrowthFactor: 2, BackoffFactor: 1, GrowthInterval: 1},
		{Enabled: true, InitScale: 1, GrowthFactor: 2, BackoffFactor: 0.5, GrowthInterval: 0},
	}
	for i, cfg := range bad {
		_, err := NewGradScaler(cfg)
		assert.Error(t, err, "config %d", i)
	}
}

func TestAutocastRound(t *testing.T) {
	x := tensor.MustNew([]int{3}, []float32{1e6, 0.1, 1})

	assert.Same(t, x, Autocast{}.Round(x))

	h := Autocast{Enabled: true}.Round(x)
	assert.True(t, math.IsInf(float64(h.Data[0]), 1), "1e6 overflows binary16")
	assert.NotEqual(t, float32(0.1), h.Data[1])
	assert.InDelta(t, 0.1, h.Data[1], 1e-4)
	assert.Equal(t, float32(1), h.Data[2])
	assert.Equal(t, float32(1e6), x.Data[0], "input must not be modified")
}
