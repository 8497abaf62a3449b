package optimizer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tsawler/go-segtrain/checkpoints"
	"github.com/tsawler/go-segtrain/tensor"
)

// Optimizer updates a fixed set of parameters from their accumulated gradients.
// State save/restore goes through checkpoints.OptimizerState.
type Optimizer interface {
	// Step applies one update using the current gradients.
	Step() error

	// ZeroGrad clears the gradients of every managed parameter.
	ZeroGrad()

	// Parameters returns the tensors this optimizer updates, in state-index order.
	Parameters() []*tensor.Tensor

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	GetLR() float32
	SetLR(lr float32)
}

// OptimizerState is the serializable optimizer state stored in checkpoints.
type OptimizerState = checkpoints.OptimizerState

// Type names an optimizer implementation.
type Type string

const (
	TypeAdam    Type = "Adam"
	TypeSGD     Type = "SGD"
	TypeRMSProp Type = "RMSProp"
)

// ParseType accepts optimizer names case-insensitively.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "adam", "":
		return TypeAdam, nil
	case "sgd":
		return TypeSGD, nil
	case "rmsprop":
		return TypeRMSProp, nil
	default:
		return "", fmt.Errorf("unknown optimizer %q", s)
	}
}

// Config selects and parameterizes an optimizer. Zero fields take the type's defaults,
// except Momentum and WeightDecay where zero is meaningful.
type Config struct {
	Type         Type    `yaml:"type"`
	LearningRate float32 `yaml:"learning_rate"`
	Momentum     float32 `yaml:"momentum"`
	WeightDecay  float32 `yaml:"weight_decay"`
	Nesterov     bool    `yaml:"nesterov"`
	Beta1        float32 `yaml:"beta1"`
	Beta2        float32 `yaml:"beta2"`
	Epsilon      float32 `yaml:"epsilon"`
	Alpha        float32 `yaml:"alpha"`
}

// New builds the optimizer described by cfg over params.
func New(cfg Config, params []*tensor.Tensor) (Optimizer, error) {
	t, err := ParseType(string(cfg.Type))
	if err != nil {
		return nil, err
	}
	switch t {
	case TypeAdam:
		c := DefaultAdamConfig()
		setIfNonZero(&c.LearningRate, cfg.LearningRate)
		setIfNonZero(&c.Beta1, cfg.Beta1)
		setIfNonZero(&c.Beta2, cfg.Beta2)
		setIfNonZero(&c.Epsilon, cfg.Epsilon)
		c.WeightDecay = cfg.WeightDecay
		return NewAdam(c, params)
	case TypeSGD:
		c := DefaultSGDConfig()
		setIfNonZero(&c.LearningRate, cfg.LearningRate)
		c.Momentum = cfg.Momentum
		c.WeightDecay = cfg.WeightDecay
		c.Nesterov = cfg.Nesterov
		return NewSGD(c, params)
	case TypeRMSProp:
		c := DefaultRMSPropConfig()
		setIfNonZero(&c.LearningRate, cfg.LearningRate)
		setIfNonZero(&c.Alpha, cfg.Alpha)
		setIfNonZero(&c.Epsilon, cfg.Epsilon)
		c.Momentum = cfg.Momentum
		c.WeightDecay = cfg.WeightDecay
		return NewRMSProp(c, params)
	default:
		return nil, fmt.Errorf("unknown optimizer type %q", t)
	}
}

func setIfNonZero(dst *float32, v float32) {
	if v != 0 {
		*dst = v
	}
}

// extractBufferIndex extracts the parameter index from state tensor names like "m_0" or "momentum_12".
func extractBufferIndex(name string) int {
	i := strings.LastIndexByte(name, '_')
	if i < 0 {
		return -1
	}
	idx, err := strconv.Atoi(name[i+1:])
	if err != nil || idx < 0 {
		return -1
	}
	return idx
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType Type, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != string(optimizerType) {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

// validateParams requires every parameter to track gradients.
func validateParams(params []*tensor.Tensor) error {
	if len(params) == 0 {
		return fmt.Errorf("no parameters to optimize")
	}
	for i, p := range params {
		if p == nil {
			return fmt.Errorf("parameter %d is nil", i)
		}
		if !p.RequiresGrad() {
			return fmt.Errorf("parameter %d does not require grad", i)
		}
	}
	return nil
}
