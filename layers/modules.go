package layers

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-segtrain/tensor"
)

// Parameter is a trainable tensor with its state-dict name ("conv1.weight").
type Parameter struct {
	Name   string
	Tensor *tensor.Tensor
}

// Layer is a differentiable building block. Backward must be called after
// Forward and accumulates parameter gradients as a side effect.
type Layer interface {
	Name() string
	Type() LayerType
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []Parameter
}

// Conv2DLayer is a stride-1 2D convolution over NCHW input with zero padding.
type Conv2DLayer struct {
	name      string
	inC, outC int
	kernel    int
	padding   int
	weight    *tensor.Tensor // [outC, inC, k, k]
	bias      *tensor.Tensor // [outC] or nil
	lastInput *tensor.Tensor
}

// NewConv2D creates a convolution with Kaiming-normal weights N(0, 2/fan_in) and zero bias.
func NewConv2D(name string, inChannels, outChannels, kernelSize, padding int, useBias bool, rng *rand.Rand) (*Conv2DLayer, error) {
	if inChannels <= 0 || outChannels <= 0 || kernelSize <= 0 || padding < 0 {
		return nil, fmt.Errorf("invalid conv2d %s: in=%d out=%d kernel=%d padding=%d",
			name, inChannels, outChannels, kernelSize, padding)
	}
	fanIn := inChannels * kernelSize * kernelSize
	std := float32(math.Sqrt(2.0 / float64(fanIn)))

	weight, err := tensor.RandomNormal([]int{outChannels, inChannels, kernelSize, kernelSize}, 0, std, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %w", err)
	}
	weight.SetRequiresGrad(true)

	c := &Conv2DLayer{
		name:    name,
		inC:     inChannels,
		outC:    outChannels,
		kernel:  kernelSize,
		padding: padding,
		weight:  weight,
	}
	if useBias {
		c.bias = tensor.MustNew([]int{outChannels}, nil)
		c.bias.SetRequiresGrad(true)
	}
	return c, nil
}

func (c *Conv2DLayer) Name() string    { return c.name }
func (c *Conv2DLayer) Type() LayerType { return Conv2D }

func (c *Conv2DLayer) outputSize(h, w int) (int, int) {
	return h + 2*c.padding - c.kernel + 1, w + 2*c.padding - c.kernel + 1
}

func (c *Conv2DLayer) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 || input.Shape[1] != c.inC {
		return nil, fmt.Errorf("%s expects input [N, %d, H, W], got %v", c.name, c.inC, input.Shape)
	}
	n, h, w := input.Shape[0], input.Shape[2], input.Shape[3]
	oh, ow := c.outputSize(h, w)
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("%s: input %dx%d too small for kernel %d", c.name, h, w, c.kernel)
	}
	c.lastInput = input

	in, wt := input.Data, c.weight.Data
	k, p := c.kernel, c.padding
	out := make([]float32, n*c.outC*oh*ow)

	for b := 0; b < n; b++ {
		for o := 0; o < c.outC; o++ {
			plane := out[((b*c.outC)+o)*oh*ow : ((b*c.outC)+o+1)*oh*ow]
			if c.bias != nil {
				bv := c.bias.Data[o]
				for i := range plane {
					plane[i] = bv
				}
			}
			for i := 0; i < c.inC; i++ {
				src := in[((b*c.inC)+i)*h*w : ((b*c.inC)+i+1)*h*w]
				for ky := 0; ky < k; ky++ {
					for kx := 0; kx < k; kx++ {
						wv := wt[((o*c.inC+i)*k+ky)*k+kx]
						for y := 0; y < oh; y++ {
							iy := y + ky - p
							if iy < 0 || iy >= h {
								continue
							}
							for x := 0; x < ow; x++ {
								ix := x + kx - p
								if ix < 0 || ix >= w {
									continue
								}
								plane[y*ow+x] += wv * src[iy*w+ix]
							}
						}
					}
				}
			}
		}
	}
	return tensor.NewTensor([]int{n, c.outC, oh, ow}, out)
}

func (c *Conv2DLayer) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if c.lastInput == nil {
		return nil, fmt.Errorf("%s: backward called before forward", c.name)
	}
	input := c.lastInput
	n, h, w := input.Shape[0], input.Shape[2], input.Shape[3]
	oh, ow := c.outputSize(h, w)
	if !shapeIs(gradOutput.Shape, n, c.outC, oh, ow) {
		return nil, fmt.Errorf("%s: gradient shape %v does not match output [%d %d %d %d]",
			c.name, gradOutput.Shape, n, c.outC, oh, ow)
	}

	in, wt, g := input.Data, c.weight.Data, gradOutput.Data
	k, p := c.kernel, c.padding
	gradIn := make([]float32, len(in))
	dW := make([]float32, len(wt))
	var dB []float32
	if c.bias != nil {
		dB = make([]float32, c.outC)
	}

	for b := 0; b < n; b++ {
		for o := 0; o < c.outC; o++ {
			gplane := g[((b*c.outC)+o)*oh*ow : ((b*c.outC)+o+1)*oh*ow]
			if dB != nil {
				for _, gv := range gplane {
					dB[o] += gv
				}
			}
			for i := 0; i < c.inC; i++ {
				base := ((b*c.inC)+i)*h*w
				for ky := 0; ky < k; ky++ {
					for kx := 0; kx < k; kx++ {
						widx := ((o*c.inC+i)*k+ky)*k + kx
						wv := wt[widx]
						var acc float32
						for y := 0; y < oh; y++ {
							iy := y + ky - p
							if iy < 0 || iy >= h {
								continue
							}
							for x := 0; x < ow; x++ {
								ix := x + kx - p
								if ix < 0 || ix >= w {
									continue
								}
								gv := gplane[y*ow+x]
								acc += gv * in[base+iy*w+ix]
								gradIn[base+iy*w+ix] += gv * wv
							}
						}
						dW[widx] += acc
					}
				}
			}
		}
	}

	if err := c.weight.AccumulateGrad(dW); err != nil {
		return nil, err
	}
	if c.bias != nil {
		if err := c.bias.AccumulateGrad(dB); err != nil {
			return nil, err
		}
	}
	return tensor.NewTensor(input.Shape, gradIn)
}

func (c *Conv2DLayer) Parameters() []Parameter {
	params := []Parameter{{Name: c.name + ".weight", Tensor: c.weight}}
	if c.bias != nil {
		params = append(params, Parameter{Name: c.name + ".bias", Tensor: c.bias})
	}
	return params
}

// ReLULayer implements ReLU activation function module
type ReLULayer struct {
	name      string
	lastInput *tensor.Tensor
}

func NewReLU(name string) *ReLULayer {
	return &ReLULayer{name: name}
}

func (r *ReLULayer) Name() string    { return r.name }
func (r *ReLULayer) Type() LayerType { return ReLU }

func (r *ReLULayer) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	r.lastInput = input
	return tensor.ReLU(input), nil
}

func (r *ReLULayer) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if r.lastInput == nil {
		return nil, fmt.Errorf("%s: backward called before forward", r.name)
	}
	if !tensor.SameShape(r.lastInput, gradOutput) {
		return nil, fmt.Errorf("%s: %w", r.name, tensor.ErrShapeMismatch)
	}
	grad := make([]float32, gradOutput.NumElems)
	for i, v := range r.lastInput.Data {
		if v > 0 {
			grad[i] = gradOutput.Data[i]
		}
	}
	return tensor.NewTensor(gradOutput.Shape, grad)
}

func (r *ReLULayer) Parameters() []Parameter { return nil }

// SigmoidLayer squashes logits into probabilities. Models ending with it are
// validated with FromLogits disabled.
type SigmoidLayer struct {
	name       string
	lastOutput *tensor.Tensor
}

func NewSigmoid(name string) *SigmoidLayer {
	return &SigmoidLayer{name: name}
}

func (s *SigmoidLayer) Name() string    { return s.name }
func (s *SigmoidLayer) Type() LayerType { return Sigmoid }

func (s *SigmoidLayer) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	s.lastOutput = tensor.Sigmoid(input)
	return s.lastOutput, nil
}

// Backward applies dσ/dx = σ(x)(1-σ(x)).
func (s *SigmoidLayer) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if s.lastOutput == nil {
		return nil, fmt.Errorf("%s: backward called before forward", s.name)
	}
	if !tensor.SameShape(s.lastOutput, gradOutput) {
		return nil, fmt.Errorf("%s: %w", s.name, tensor.ErrShapeMismatch)
	}
	grad := make([]float32, gradOutput.NumElems)
	for i, y := range s.lastOutput.Data {
		grad[i] = gradOutput.Data[i] * y * (1 - y)
	}
	return tensor.NewTensor(gradOutput.Shape, grad)
}

func (s *SigmoidLayer) Parameters() []Parameter { return nil }

func shapeIs(shape []int, dims ...int) bool {
	if len(shape) != len(dims) {
		return false
	}
	for i := range dims {
		if shape[i] != dims[i] {
			return false
		}
	}
	return true
}
