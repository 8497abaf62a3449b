package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-segtrain/tensor"
)

// RMSProp divides each gradient by a running root mean square of recent gradients.
type RMSProp struct {
	LearningRate float32
	Alpha        float32 // smoothing constant of the squared-gradient average
	Epsilon      float32
	WeightDecay  float32
	Momentum     float32

	params    []*tensor.Tensor
	squareAvg [][]float32
	momentum  [][]float32 // nil unless Momentum > 0

	StepCount uint64
}

// RMSPropConfig holds configuration for RMSProp optimizer
type RMSPropConfig struct {
	LearningRate float32
	Alpha        float32
	Epsilon      float32
	WeightDecay  float32
	Momentum     float32
}

// DefaultRMSPropConfig returns default RMSProp optimizer configuration
func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		LearningRate: 0.01,
		Alpha:        0.99,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
		Momentum:     0.0,
	}
}

func NewRMSProp(config RMSPropConfig, params []*tensor.Tensor) (*RMSProp, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %f", config.LearningRate)
	}
	if config.Alpha < 0 || config.Alpha >= 1 {
		return nil, fmt.Errorf("alpha must be in [0, 1), got %f", config.Alpha)
	}
	r := &RMSProp{
		LearningRate: config.LearningRate,
		Alpha:        config.Alpha,
		Epsilon:      config.Epsilon,
		WeightDecay:  config.WeightDecay,
		Momentum:     config.Momentum,
		params:       params,
		squareAvg:    newStateBuffers(params),
	}
	if r.Momentum > 0 {
		r.momentum = newStateBuffers(params)
	}
	return r, nil
}

func (r *RMSProp) Step() error {
	r.StepCount++
	for i, p := range r.params {
		grad := p.Grad()
		if grad == nil {
			continue
		}
		sq := r.squareAvg[i]
		for j, g := range grad {
			if r.WeightDecay != 0 {
				g += r.WeightDecay * p.Data[j]
			}
			sq[j] = r.Alpha*sq[j] + (1-r.Alpha)*g*g
			update := g / (float32(math.Sqrt(float64(sq[j]))) + r.Epsilon)
			if r.momentum != nil {
				r.momentum[i][j] = r.Momentum*r.momentum[i][j] + update
				update = r.momentum[i][j]
			}
			p.Data[j] -= r.LearningRate * update
		}
	}
	return nil
}

func (r *RMSProp) ZeroGrad()                    { tensor.ZeroGrad(r.params) }
func (r *RMSProp) Parameters() []*tensor.Tensor { return r.params }
func (r *RMSProp) GetStepCount() uint64         { return r.StepCount }
func (r *RMSProp) GetLR() float32               { return r.LearningRate }
func (r *RMSProp) SetLR(lr float32)             { r.LearningRate = lr }

func (r *RMSProp) GetState() (*OptimizerState, error) {
	stateData := extractBufferStates(r.squareAvg, r.params, "square_avg", "square_avg")
	if r.momentum != nil {
		stateData = append(stateData, extractBufferStates(r.momentum, r.params, "momentum", "momentum")...)
	}
	return &OptimizerState{
		Type: string(TypeRMSProp),
		Parameters: map[string]interface{}{
			"learning_rate": float64(r.LearningRate),
			"alpha":         float64(r.Alpha),
			"epsilon":       float64(r.Epsilon),
			"weight_decay":  float64(r.WeightDecay),
			"momentum":      float64(r.Momentum),
			"step_count":    float64(r.StepCount),
		},
		StateData: stateData,
	}, nil
}

func (r *RMSProp) LoadState(state *OptimizerState) error {
	if err := validateStateType(TypeRMSProp, state); err != nil {
		return err
	}

	r.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", r.LearningRate)
	r.Alpha = extractFloat32Param(state.Parameters, "alpha", r.Alpha)
	r.Epsilon = extractFloat32Param(state.Parameters, "epsilon", r.Epsilon)
	r.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", r.WeightDecay)
	r.Momentum = extractFloat32Param(state.Parameters, "momentum", r.Momentum)
	r.StepCount = extractUint64Param(state.Parameters, "step_count", r.StepCount)

	if r.Momentum > 0 && r.momentum == nil {
		r.momentum = newStateBuffers(r.params)
	}
	for _, t := range state.StateData {
		var err error
		switch t.StateType {
		case "square_avg":
			err = restoreBufferState(r.squareAvg, t)
		case "momentum":
			if r.momentum == nil {
				return fmt.Errorf("momentum buffer %s present but momentum is disabled", t.Name)
			}
			err = restoreBufferState(r.momentum, t)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
