package tensor

import (
	"errors"
	"fmt"
)

// DType records the precision a tensor's values were last rounded to.
// Storage is always float32; Float16 marks values that fit in half precision.
type DType int

const (
	Float32 DType = iota
	Float16
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "Float32"
	case Float16:
		return "Float16"
	default:
		return "Unknown"
	}
}

// ErrShapeMismatch is returned by element-wise operations on tensors of different shapes.
var ErrShapeMismatch = errors.New("tensor: shape mismatch")

// Tensor is a dense row-major float32 tensor. Image batches use NCHW layout.
type Tensor struct {
	Shape        []int
	Strides      []int
	DType        DType
	Data         []float32
	NumElems     int
	requiresGrad bool
	grad         []float32
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, elements=%d)", t.Shape, t.DType, t.NumElems)
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
	if requires && t.grad == nil {
		t.grad = make([]float32, t.NumElems)
	}
}

// Grad returns the accumulated gradient, or nil when the tensor does not track gradients.
func (t *Tensor) Grad() []float32 {
	return t.grad
}

// AccumulateGrad adds g into the tensor's gradient buffer.
func (t *Tensor) AccumulateGrad(g []float32) error {
	if !t.requiresGrad {
		return fmt.Errorf("tensor %v does not require grad", t.Shape)
	}
	if len(g) != t.NumElems {
		return fmt.Errorf("gradient length %d does not match tensor size %d", len(g), t.NumElems)
	}
	for i, v := range g {
		t.grad[i] += v
	}
	return nil
}

// ZeroGrad resets the gradient buffer in place.
func (t *Tensor) ZeroGrad() {
	for i := range t.grad {
		t.grad[i] = 0
	}
}

// ZeroGrad resets the gradients of every tensor in the slice.
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		if t != nil {
			t.ZeroGrad()
		}
	}
}

// Dim returns the number of dimensions.
func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// Item returns the single value held by a one-element tensor.
func (t *Tensor) Item() (float32, error) {
	if t.NumElems != 1 {
		return 0, fmt.Errorf("item() requires a single-element tensor, got %d elements", t.NumElems)
	}
	return t.Data[0], nil
}

// SameShape reports whether both tensors have identical shapes.
func SameShape(a, b *Tensor) bool {
	return shapesEqual(a.Shape, b.Shape)
}

func shapesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: at least one dimension is required")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}
