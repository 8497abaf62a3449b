package layers

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-segtrain/tensor"
)

// Sequential chains layers and is the model type the trainer drives.
type Sequential struct {
	spec     *ModelSpec
	layers   []Layer
	training bool
}

// NewSequential wraps already constructed layers. spec may be nil for ad-hoc models.
func NewSequential(spec *ModelSpec, layers ...Layer) *Sequential {
	return &Sequential{spec: spec, layers: layers, training: true}
}

// Spec returns the compiled architecture the model was built from, if any.
func (s *Sequential) Spec() *ModelSpec { return s.spec }

func (s *Sequential) Layers() []Layer { return s.layers }

func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	out := input
	for _, l := range s.layers {
		next, err := l.Forward(out)
		if err != nil {
			return nil, fmt.Errorf("layer %s forward: %w", l.Name(), err)
		}
		out = next
	}
	return out, nil
}

// Backward propagates dL/d(output) through the layers in reverse order.
func (s *Sequential) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	grad := gradOutput
	for i := len(s.layers) - 1; i >= 0; i-- {
		next, err := s.layers[i].Backward(grad)
		if err != nil {
			return nil, fmt.Errorf("layer %s backward: %w", s.layers[i].Name(), err)
		}
		grad = next
	}
	return grad, nil
}

// NamedParameters returns every trainable tensor in layer order.
func (s *Sequential) NamedParameters() []Parameter {
	var params []Parameter
	for _, l := range s.layers {
		params = append(params, l.Parameters()...)
	}
	return params
}

func (s *Sequential) Parameters() []*tensor.Tensor {
	named := s.NamedParameters()
	params := make([]*tensor.Tensor, len(named))
	for i, p := range named {
		params[i] = p.Tensor
	}
	return params
}

func (s *Sequential) Train()           { s.training = true }
func (s *Sequential) Eval()            { s.training = false }
func (s *Sequential) IsTraining() bool { return s.training }

// LoadStateDict copies values by name. Every parameter must be present with a matching shape.
func (s *Sequential) LoadStateDict(state map[string]*tensor.Tensor) error {
	for _, p := range s.NamedParameters() {
		src, ok := state[p.Name]
		if !ok {
			return fmt.Errorf("missing parameter %q in state dict", p.Name)
		}
		if !tensor.SameShape(src, p.Tensor) {
			return fmt.Errorf("shape mismatch for %q: model %v vs state %v", p.Name, p.Tensor.Shape, src.Shape)
		}
		if err := p.Tensor.SetData(src.Data); err != nil {
			return fmt.Errorf("failed to copy %q: %w", p.Name, err)
		}
	}
	return nil
}

// StateDict returns deep copies of every parameter keyed by name.
func (s *Sequential) StateDict() map[string]*tensor.Tensor {
	state := make(map[string]*tensor.Tensor)
	for _, p := range s.NamedParameters() {
		state[p.Name] = p.Tensor.Clone()
	}
	return state
}

// NewSegmentationNet compiles NewSegmentationSpec and builds it with weights drawn from rng.
func NewSegmentationNet(batchSize, inChannels, height, width, hidden int, rng *rand.Rand) (*Sequential, error) {
	spec, err := NewSegmentationSpec(batchSize, inChannels, height, width, hidden)
	if err != nil {
		return nil, err
	}
	return spec.Build(rng)
}
