package layers

import (
	"fmt"
	"math/rand"
	"strings"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Conv2D LayerType = iota
	ReLU
	Sigmoid
)

func (lt LayerType) String() string {
	switch lt {
	case Conv2D:
		return "Conv2D"
	case ReLU:
		return "ReLU"
	case Sigmoid:
		return "Sigmoid"
	default:
		return "Unknown"
	}
}

// LayerSpec is pure configuration for one layer. Shapes are filled in by Compile.
type LayerSpec struct {
	Type LayerType `json:"type"`
	Name string    `json:"name"`

	// Conv2D only
	InputChannels  int  `json:"input_channels,omitempty"`
	OutputChannels int  `json:"output_channels,omitempty"`
	KernelSize     int  `json:"kernel_size,omitempty"`
	Padding        int  `json:"padding,omitempty"`
	UseBias        bool `json:"use_bias,omitempty"`

	InputShape      []int   `json:"input_shape,omitempty"`
	OutputShape     []int   `json:"output_shape,omitempty"`
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec describes a complete feed-forward segmentation network.
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	TotalParameters int64 `json:"total_parameters"`
	InputShape      []int `json:"input_shape"`
	OutputShape     []int `json:"output_shape"`
	Compiled        bool  `json:"compiled"`
}

// ModelBuilder helps construct neural network models
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
}

// NewModelBuilder creates a builder for inputs of shape [batch, channels, height, width].
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: append([]int(nil), inputShape...),
	}
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	mb.layers = append(mb.layers, layer)
	return mb
}

// AddConv2D adds a stride-1 convolution. Input channels are inferred during Compile.
func (mb *ModelBuilder) AddConv2D(outputChannels, kernelSize, padding int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:           Conv2D,
		Name:           name,
		OutputChannels: outputChannels,
		KernelSize:     kernelSize,
		Padding:        padding,
		UseBias:        useBias,
	})
}

func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: ReLU, Name: name})
}

func (mb *ModelBuilder) AddSigmoid(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Sigmoid, Name: name})
}

// Compile computes shapes and parameter counts for every layer.
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}
	if len(mb.inputShape) != 4 {
		return nil, fmt.Errorf("input shape must be [batch, channels, height, width], got %v", mb.inputShape)
	}

	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: append([]int(nil), mb.inputShape...),
	}
	copy(model.Layers, mb.layers)

	seen := make(map[string]bool)
	currentShape := model.InputShape
	for i := range model.Layers {
		layer := &model.Layers[i]
		if layer.Name == "" {
			layer.Name = fmt.Sprintf("%s%d", strings.ToLower(layer.Type.String()), i)
		}
		if seen[layer.Name] {
			return nil, fmt.Errorf("duplicate layer name %q", layer.Name)
		}
		seen[layer.Name] = true

		layer.InputShape = append([]int(nil), currentShape...)
		if err := computeLayerInfo(layer, currentShape); err != nil {
			return nil, fmt.Errorf("failed to compute layer %d (%s) info: %w", i, layer.Name, err)
		}
		model.TotalParameters += layer.ParameterCount
		currentShape = layer.OutputShape
	}

	model.OutputShape = currentShape
	model.Compiled = true
	return model, nil
}

func computeLayerInfo(layer *LayerSpec, in []int) error {
	switch layer.Type {
	case Conv2D:
		if layer.OutputChannels <= 0 || layer.KernelSize <= 0 || layer.Padding < 0 {
			return fmt.Errorf("invalid conv2d config: out=%d kernel=%d padding=%d",
				layer.OutputChannels, layer.KernelSize, layer.Padding)
		}
		layer.InputChannels = in[1]
		oh := in[2] + 2*layer.Padding - layer.KernelSize + 1
		ow := in[3] + 2*layer.Padding - layer.KernelSize + 1
		if oh <= 0 || ow <= 0 {
			return fmt.Errorf("kernel %d too large for input %dx%d", layer.KernelSize, in[2], in[3])
		}
		layer.OutputShape = []int{in[0], layer.OutputChannels, oh, ow}
		w := []int{layer.OutputChannels, layer.InputChannels, layer.KernelSize, layer.KernelSize}
		layer.ParameterShapes = [][]int{w}
		layer.ParameterCount = int64(w[0] * w[1] * w[2] * w[3])
		if layer.UseBias {
			layer.ParameterShapes = append(layer.ParameterShapes, []int{layer.OutputChannels})
			layer.ParameterCount += int64(layer.OutputChannels)
		}
	case ReLU, Sigmoid:
		layer.OutputShape = append([]int(nil), in...)
	default:
		return fmt.Errorf("unsupported layer type: %s", layer.Type)
	}
	return nil
}

// Build instantiates the layers with freshly initialized weights drawn from rng.
func (ms *ModelSpec) Build(rng *rand.Rand) (*Sequential, error) {
	if !ms.Compiled {
		return nil, fmt.Errorf("model spec is not compiled")
	}
	built := make([]Layer, 0, len(ms.Layers))
	for _, spec := range ms.Layers {
		switch spec.Type {
		case Conv2D:
			conv, err := NewConv2D(spec.Name, spec.InputChannels, spec.OutputChannels,
				spec.KernelSize, spec.Padding, spec.UseBias, rng)
			if err != nil {
				return nil, err
			}
			built = append(built, conv)
		case ReLU:
			built = append(built, NewReLU(spec.Name))
		case Sigmoid:
			built = append(built, NewSigmoid(spec.Name))
		default:
			return nil, fmt.Errorf("unsupported layer type: %s", spec.Type)
		}
	}
	return NewSequential(ms, built...), nil
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&b, "Output Shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&b, "Total Parameters: %d\n", ms.TotalParameters)
	fmt.Fprintf(&b, "Layers: %d\n", len(ms.Layers))
	for i, layer := range ms.Layers {
		switch layer.Type {
		case Conv2D:
			fmt.Fprintf(&b, "  (%d) %s: Conv2d(%d, %d, kernel_size=(%d, %d), padding=(%d, %d), bias=%t)  params=%d\n",
				i, layer.Name, layer.InputChannels, layer.OutputChannels,
				layer.KernelSize, layer.KernelSize, layer.Padding, layer.Padding, layer.UseBias, layer.ParameterCount)
		default:
			fmt.Fprintf(&b, "  (%d) %s: %s()\n", i, layer.Name, layer.Type)
		}
	}
	return b.String()
}

// NewSegmentationSpec compiles a small fully convolutional network producing one
// logit map per image: conv3x3-ReLU-conv3x3-ReLU-conv1x1.
func NewSegmentationSpec(batchSize, inChannels, height, width, hidden int) (*ModelSpec, error) {
	return NewModelBuilder([]int{batchSize, inChannels, height, width}).
		AddConv2D(hidden, 3, 1, true, "conv1").
		AddReLU("relu1").
		AddConv2D(hidden, 3, 1, true, "conv2").
		AddReLU("relu2").
		AddConv2D(1, 1, 0, true, "head").
		Compile()
}
