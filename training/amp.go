package training

import (
	"fmt"

	"github.com/tsawler/go-segtrain/optimizer"
	"github.com/tsawler/go-segtrain/tensor"
)

// Autocast emulates fp16 compute: when enabled, model outputs and the gradients fed back
// into the model are rounded through binary16, so large values overflow to Inf.
type Autocast struct {
	Enabled bool
}

// Round returns t rounded to half precision, or t unchanged when disabled.
func (a Autocast) Round(t *tensor.Tensor) *tensor.Tensor {
	if !a.Enabled {
		return t
	}
	h := tensor.ToHalf(t)
	h.DType = tensor.Float32
	return h
}

// Forward runs model and rounds its output.
func (a Autocast) Forward(model Model, input *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := model.Forward(input)
	if err != nil {
		return nil, err
	}
	return a.Round(out), nil
}

// GradScalerConfig holds the dynamic loss scaling parameters.
type GradScalerConfig struct {
	Enabled        bool    `yaml:"enabled"`
	InitScale      float64 `yaml:"init_scale"`
	GrowthFactor   float64 `yaml:"growth_factor"`
	BackoffFactor  float64 `yaml:"backoff_factor"`
	GrowthInterval int     `yaml:"growth_interval"`
}

// DefaultGradScalerConfig starts at 2^16, halves on overflow and doubles after 2000 clean steps.
func DefaultGradScalerConfig() GradScalerConfig {
	return GradScalerConfig{
		Enabled:        true,
		InitScale:      65536,
		GrowthFactor:   2,
		BackoffFactor:  0.5,
		GrowthInterval: 2000,
	}
}

// GradScaler multiplies the loss gradient by a dynamic scale, unscales parameter gradients
// before the optimizer step and skips steps whose gradients overflowed.
// A disabled scaler is a pass-through.
type GradScaler struct {
	cfg           GradScalerConfig
	scale         float64
	growthTracker int
	foundInf      bool
	unscaled      bool
	skipped       int
}

func NewGradScaler(cfg GradScalerConfig) (*GradScaler, error) {
	if cfg.Enabled {
		if cfg.InitScale <= 0 {
			return nil, fmt.Errorf("grad scaler init scale must be positive, got %v", cfg.InitScale)
		}
		if cfg.GrowthFactor <= 1 {
			return nil, fmt.Errorf("grad scaler growth factor must be > 1, got %v", cfg.GrowthFactor)
		}
		if cfg.BackoffFactor <= 0 || cfg.BackoffFactor >= 1 {
			return nil, fmt.Errorf("grad scaler backoff factor must be in (0, 1), got %v", cfg.BackoffFactor)
		}
		if cfg.GrowthInterval <= 0 {
			return nil, fmt.Errorf("grad scaler growth interval must be positive, got %d", cfg.GrowthInterval)
		}
	}
	return &GradScaler{cfg: cfg, scale: cfg.InitScale}, nil
}

func (s *GradScaler) Enabled() bool { return s.cfg.Enabled }

// Scale returns the current loss scale, 1 when disabled.
func (s *GradScaler) Scale() float64 {
	if !s.cfg.Enabled {
		return 1
	}
	return s.scale
}

// SkippedSteps counts optimizer steps skipped because of Inf/NaN gradients.
func (s *GradScaler) SkippedSteps() int { return s.skipped }

// ScaleLoss multiplies a loss value by the current scale.
func (s *GradScaler) ScaleLoss(loss float64) float64 { return loss * s.Scale() }

// ScaleGrad returns grad multiplied by the current scale. It seeds the backward pass.
func (s *GradScaler) ScaleGrad(grad *tensor.Tensor) *tensor.Tensor {
	if !s.cfg.Enabled {
		return grad
	}
	return tensor.Scale(grad, float32(s.scale))
}

// Unscale divides every parameter gradient of opt by the scale in place and records
// whether any of them is Inf or NaN. It runs at most once per step.
func (s *GradScaler) Unscale(opt optimizer.Optimizer) {
	if !s.cfg.Enabled || s.unscaled {
		return
	}
	inv := float32(1 / s.scale)
	for _, p := range opt.Parameters() {
		g := p.Grad()
		for i := range g {
			g[i] *= inv
		}
		if tensor.HasNonFinite(g) {
			s.foundInf = true
		}
	}
	s.unscaled = true
}

// Step unscales the gradients and calls opt.Step unless they overflowed.
// It reports whether the optimizer actually stepped.
func (s *GradScaler) Step(opt optimizer.Optimizer) (bool, error) {
	if !s.cfg.Enabled {
		return true, opt.Step()
	}
	s.Unscale(opt)
	if s.foundInf {
		s.skipped++
		return false, nil
	}
	if err := opt.Step(); err != nil {
		return false, err
	}
	return true, nil
}

// Update adjusts the scale for the next iteration: backoff after an overflow,
// growth after GrowthInterval consecutive clean steps.
func (s *GradScaler) Update() {
	if !s.cfg.Enabled {
		return
	}
	if s.foundInf {
		s.scale *= s.cfg.BackoffFactor
		s.growthTracker = 0
	} else {
		s.growthTracker++
		if s.growthTracker >= s.cfg.GrowthInterval {
			s.scale *= s.cfg.GrowthFactor
			s.growthTracker = 0
		}
	}
	s.foundInf = false
	s.unscaled = false
}

// State returns the values needed to resume scaling.
func (s *GradScaler) State() map[string]interface{} {
	return map[string]interface{}{
		"scale":          s.scale,
		"growth_tracker": float64(s.growthTracker),
	}
}

// LoadState restores a State snapshot. Missing keys keep the current values.
func (s *GradScaler) LoadState(state map[string]interface{}) error {
	if v, ok := state["scale"]; ok {
		f, ok := v.(float64)
		if !ok || f <= 0 {
			return fmt.Errorf("invalid grad scaler scale %v", v)
		}
		s.scale = f
	}
	if v, ok := state["growth_tracker"]; ok {
		f, ok := v.(float64)
		if !ok || f < 0 {
			return fmt.Errorf("invalid grad scaler growth tracker %v", v)
		}
		s.growthTracker = int(f)
	}
	return nil
}
