package tensor

import (
	"fmt"
	"math"
)

func checkCompatibility(t1, t2 *Tensor) error {
	if !shapesEqual(t1.Shape, t2.Shape) {
		return fmt.Errorf("%w: %v vs %v", ErrShapeMismatch, t1.Shape, t2.Shape)
	}
	return nil
}

func elementwise(t1, t2 *Tensor, fn func(a, b float32) float32) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}
	out := make([]float32, t1.NumElems)
	for i := range out {
		out[i] = fn(t1.Data[i], t2.Data[i])
	}
	return NewTensor(t1.Shape, out)
}

func Add(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, func(a, b float32) float32 { return a + b })
}

func Sub(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, func(a, b float32) float32 { return a - b })
}

func Mul(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, func(a, b float32) float32 { return a * b })
}

// Scale multiplies every element by s.
func Scale(t *Tensor, s float32) *Tensor {
	out := make([]float32, t.NumElems)
	for i, v := range t.Data {
		out[i] = v * s
	}
	return MustNew(t.Shape, out)
}

func ReLU(t *Tensor) *Tensor {
	out := make([]float32, t.NumElems)
	for i, v := range t.Data {
		if v > 0 {
			out[i] = v
		}
	}
	return MustNew(t.Shape, out)
}

// Sigmoid computes 1/(1+exp(-x)) element-wise.
func Sigmoid(t *Tensor) *Tensor {
	out := make([]float32, t.NumElems)
	for i, v := range t.Data {
		out[i] = SigmoidScalar(v)
	}
	return MustNew(t.Shape, out)
}

// SigmoidScalar evaluates the logistic function without overflowing for large |x|.
func SigmoidScalar(x float32) float32 {
	if x >= 0 {
		return float32(1 / (1 + math.Exp(-float64(x))))
	}
	e := math.Exp(float64(x))
	return float32(e / (1 + e))
}

// Threshold maps values strictly greater than thresh to 1 and everything else to 0.
func Threshold(t *Tensor, thresh float32) *Tensor {
	out := make([]float32, t.NumElems)
	for i, v := range t.Data {
		if v > thresh {
			out[i] = 1
		}
	}
	return MustNew(t.Shape, out)
}

// Sum adds all elements in float64.
func Sum(t *Tensor) float64 {
	var s float64
	for _, v := range t.Data {
		s += float64(v)
	}
	return s
}

func Mean(t *Tensor) float64 {
	if t.NumElems == 0 {
		return 0
	}
	return Sum(t) / float64(t.NumElems)
}

// CountEqual returns how many positions hold identical values in both tensors.
func CountEqual(t1, t2 *Tensor) (int, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return 0, err
	}
	n := 0
	for i, v := range t1.Data {
		if v == t2.Data[i] {
			n++
		}
	}
	return n, nil
}
