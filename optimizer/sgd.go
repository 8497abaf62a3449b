package optimizer

import (
	"fmt"

	"github.com/tsawler/go-segtrain/checkpoints"
	"github.com/tsawler/go-segtrain/tensor"
)

// SGD implements stochastic gradient descent with optional momentum, Nesterov momentum and L2 weight decay.
type SGD struct {
	LearningRate float32
	Momentum     float32
	WeightDecay  float32
	Nesterov     bool

	params   []*tensor.Tensor
	momentum [][]float32 // nil unless Momentum > 0

	StepCount uint64
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float32
	Momentum     float32
	WeightDecay  float32
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

func NewSGD(config SGDConfig, params []*tensor.Tensor) (*SGD, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %f", config.LearningRate)
	}
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum must be non-negative, got %f", config.Momentum)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, fmt.Errorf("nesterov momentum requires momentum > 0")
	}
	sgd := &SGD{
		LearningRate: config.LearningRate,
		Momentum:     config.Momentum,
		WeightDecay:  config.WeightDecay,
		Nesterov:     config.Nesterov,
		params:       params,
	}
	if sgd.Momentum > 0 {
		sgd.momentum = newStateBuffers(params)
	}
	return sgd, nil
}

func (sgd *SGD) Step() error {
	sgd.StepCount++
	for i, p := range sgd.params {
		grad := p.Grad()
		if grad == nil {
			continue
		}
		for j, g := range grad {
			if sgd.WeightDecay != 0 {
				g += sgd.WeightDecay * p.Data[j]
			}
			if sgd.momentum != nil {
				buf := sgd.momentum[i]
				buf[j] = sgd.Momentum*buf[j] + g
				if sgd.Nesterov {
					g += sgd.Momentum * buf[j]
				} else {
					g = buf[j]
				}
			}
			p.Data[j] -= sgd.LearningRate * g
		}
	}
	return nil
}

func (sgd *SGD) ZeroGrad()                    { tensor.ZeroGrad(sgd.params) }
func (sgd *SGD) Parameters() []*tensor.Tensor { return sgd.params }
func (sgd *SGD) GetStepCount() uint64         { return sgd.StepCount }
func (sgd *SGD) GetLR() float32               { return sgd.LearningRate }
func (sgd *SGD) SetLR(lr float32)             { sgd.LearningRate = lr }

// GetState extracts optimizer state for checkpointing
func (sgd *SGD) GetState() (*OptimizerState, error) {
	var stateData []checkpoints.OptimizerTensor
	if sgd.momentum != nil {
		stateData = extractBufferStates(sgd.momentum, sgd.params, "momentum", "momentum")
	}
	return &OptimizerState{
		Type: string(TypeSGD),
		Parameters: map[string]interface{}{
			"learning_rate": float64(sgd.LearningRate),
			"momentum":      float64(sgd.Momentum),
			"weight_decay":  float64(sgd.WeightDecay),
			"nesterov":      sgd.Nesterov,
			"step_count":    float64(sgd.StepCount),
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGD) LoadState(state *OptimizerState) error {
	if err := validateStateType(TypeSGD, state); err != nil {
		return err
	}

	sgd.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", sgd.LearningRate)
	sgd.Momentum = extractFloat32Param(state.Parameters, "momentum", sgd.Momentum)
	sgd.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.StepCount = extractUint64Param(state.Parameters, "step_count", sgd.StepCount)

	if sgd.Momentum > 0 && sgd.momentum == nil {
		sgd.momentum = newStateBuffers(sgd.params)
	}
	for _, t := range state.StateData {
		if t.StateType != "momentum" {
			continue
		}
		if sgd.momentum == nil {
			return fmt.Errorf("momentum buffer %s present but momentum is disabled", t.Name)
		}
		if err := restoreBufferState(sgd.momentum, t); err != nil {
			return err
		}
	}
	return nil
}
