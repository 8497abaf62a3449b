package tensor

import (
	"math"

	"github.com/x448/float16"
)

// ToHalf returns a copy of t with every value rounded to the nearest IEEE 754
// binary16 number. Values beyond the half range become ±Inf and tiny values
// flush towards zero, just as a real fp16 kernel would produce.
func ToHalf(t *Tensor) *Tensor {
	out := make([]float32, t.NumElems)
	RoundHalf(out, t.Data)
	h := MustNew(t.Shape, out)
	h.DType = Float16
	return h
}

// RoundHalf writes src rounded through binary16 into dst.
func RoundHalf(dst, src []float32) {
	for i, v := range src {
		dst[i] = float16.Fromfloat32(v).Float32()
	}
}

// HasNonFinite reports whether any value is NaN or ±Inf.
func HasNonFinite(data []float32) bool {
	for _, v := range data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}
