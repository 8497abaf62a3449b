package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-segtrain/tensor"
)

// Adam implements Adam with bias correction and optional L2 weight decay.
type Adam struct {
	// Hyperparameters
	LearningRate float32
	Beta1        float32 // Momentum decay (typically 0.9)
	Beta2        float32 // Variance decay (typically 0.999)
	Epsilon      float32 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay  float32 // L2 regularization coefficient

	params []*tensor.Tensor
	m      [][]float32 // first moment per parameter
	v      [][]float32 // second moment per parameter

	// Step tracking for bias correction
	StepCount uint64
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

func NewAdam(config AdamConfig, params []*tensor.Tensor) (*Adam, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %f", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("betas must be in [0, 1), got %f, %f", config.Beta1, config.Beta2)
	}
	return &Adam{
		LearningRate: config.LearningRate,
		Beta1:        config.Beta1,
		Beta2:        config.Beta2,
		Epsilon:      config.Epsilon,
		WeightDecay:  config.WeightDecay,
		params:       params,
		m:            newStateBuffers(params),
		v:            newStateBuffers(params),
	}, nil
}

func (adam *Adam) Step() error {
	adam.StepCount++

	t := float64(adam.StepCount)
	bias1 := float32(1 - math.Pow(float64(adam.Beta1), t))
	bias2 := float32(1 - math.Pow(float64(adam.Beta2), t))

	for i, p := range adam.params {
		grad := p.Grad()
		if grad == nil {
			continue
		}
		m, v := adam.m[i], adam.v[i]
		for j, g := range grad {
			if adam.WeightDecay != 0 {
				g += adam.WeightDecay * p.Data[j]
			}
			m[j] = adam.Beta1*m[j] + (1-adam.Beta1)*g
			v[j] = adam.Beta2*v[j] + (1-adam.Beta2)*g*g
			mHat := m[j] / bias1
			vHat := v[j] / bias2
			p.Data[j] -= adam.LearningRate * mHat / (float32(math.Sqrt(float64(vHat))) + adam.Epsilon)
		}
	}
	return nil
}

func (adam *Adam) ZeroGrad()                    { tensor.ZeroGrad(adam.params) }
func (adam *Adam) Parameters() []*tensor.Tensor { return adam.params }
func (adam *Adam) GetStepCount() uint64         { return adam.StepCount }
func (adam *Adam) GetLR() float32               { return adam.LearningRate }
func (adam *Adam) SetLR(lr float32)             { adam.LearningRate = lr }

// GetState extracts optimizer state for checkpointing
func (adam *Adam) GetState() (*OptimizerState, error) {
	state := extractBufferStates(adam.m, adam.params, "m", "m")
	state = append(state, extractBufferStates(adam.v, adam.params, "v", "v")...)
	return &OptimizerState{
		Type: string(TypeAdam),
		Parameters: map[string]interface{}{
			"learning_rate": float64(adam.LearningRate),
			"beta1":         float64(adam.Beta1),
			"beta2":         float64(adam.Beta2),
			"epsilon":       float64(adam.Epsilon),
			"weight_decay":  float64(adam.WeightDecay),
			"step_count":    float64(adam.StepCount),
		},
		StateData: state,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *Adam) LoadState(state *OptimizerState) error {
	if err := validateStateType(TypeAdam, state); err != nil {
		return err
	}

	adam.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", adam.LearningRate)
	adam.Beta1 = extractFloat32Param(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloat32Param(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloat32Param(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.StepCount = extractUint64Param(state.Parameters, "step_count", adam.StepCount)

	for _, t := range state.StateData {
		var err error
		switch t.StateType {
		case "m":
			err = restoreBufferState(adam.m, t)
		case "v":
			err = restoreBufferState(adam.v, t)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
