package tensor

import (
	"errors"
	"math"
	"math/rand"
	"reflect"
	"testing"
)

func TestDTypeString(t *testing.T) {
	tests := []struct {
		dtype    DType
		expected string
	}{
		{Float32, "Float32"},
		{Float16, "Float16"},
		{DType(999), "Unknown"},
	}

	for _, test := range tests {
		result := test.dtype.String()
		if result != test.expected {
			t.Errorf("DType.String() = %s, expected %s", result, test.expected)
		}
	}
}

func TestCalculateStrides(t *testing.T) {
	tests := []struct {
		shape    []int
		expected []int
	}{
		{[]int{}, []int{}},
		{[]int{5}, []int{1}},
		{[]int{2, 3}, []int{3, 1}},
		{[]int{2, 3, 4}, []int{12, 4, 1}},
		{[]int{1, 5, 1, 3}, []int{15, 3, 3, 1}},
	}

	for _, test := range tests {
		result := calculateStrides(test.shape)
		if !reflect.DeepEqual(result, test.expected) {
			t.Errorf("calculateStrides(%v) = %v, expected %v", test.shape, result, test.expected)
		}
	}
}

func TestNewTensor(t *testing.T) {
	tt, err := NewTensor([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	if err != nil {
		t.Fatalf("NewTensor failed: %v", err)
	}
	if tt.NumElems != 6 {
		t.Errorf("NumElems = %d, expected 6", tt.NumElems)
	}
	if !reflect.DeepEqual(tt.Strides, []int{3, 1}) {
		t.Errorf("Strides = %v, expected [3 1]", tt.Strides)
	}

	if _, err := NewTensor([]int{2, 3}, []float32{1, 2}); err == nil {
		t.Error("expected error for data length mismatch")
	}
	if _, err := NewTensor([]int{2, 0}, nil); err == nil {
		t.Error("expected error for zero dimension")
	}
	if _, err := NewTensor(nil, nil); err == nil {
		t.Error("expected error for empty shape")
	}
}

func TestGradAccumulation(t *testing.T) {
	p := MustNew([]int{3}, []float32{1, 2, 3})
	if err := p.AccumulateGrad([]float32{1, 1, 1}); err == nil {
		t.Error("expected error accumulating into a tensor without grad")
	}

	p.SetRequiresGrad(true)
	if err := p.AccumulateGrad([]float32{1, 2, 3}); err != nil {
		t.Fatalf("AccumulateGrad failed: %v", err)
	}
	if err := p.AccumulateGrad([]float32{1, 2, 3}); err != nil {
		t.Fatalf("AccumulateGrad failed: %v", err)
	}
	if !reflect.DeepEqual(p.Grad(), []float32{2, 4, 6}) {
		t.Errorf("Grad = %v, expected [2 4 6]", p.Grad())
	}

	ZeroGrad([]*Tensor{p})
	if !reflect.DeepEqual(p.Grad(), []float32{0, 0, 0}) {
		t.Errorf("Grad after ZeroGrad = %v", p.Grad())
	}
}

func TestElementwiseOps(t *testing.T) {
	a := MustNew([]int{2, 2}, []float32{1, 2, 3, 4})
	b := MustNew([]int{2, 2}, []float32{4, 3, 2, 1})

	sum, err := Add(a, b)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if !reflect.DeepEqual(sum.Data, []float32{5, 5, 5, 5}) {
		t.Errorf("Add = %v", sum.Data)
	}

	diff, _ := Sub(a, b)
	if !reflect.DeepEqual(diff.Data, []float32{-3, -1, 1, 3}) {
		t.Errorf("Sub = %v", diff.Data)
	}

	prod, _ := Mul(a, b)
	if !reflect.DeepEqual(prod.Data, []float32{4, 6, 6, 4}) {
		t.Errorf("Mul = %v", prod.Data)
	}

	c := MustNew([]int{4}, []float32{1, 2, 3, 4})
	if _, err := Add(a, c); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestSigmoidAndThreshold(t *testing.T) {
	x := MustNew([]int{5}, []float32{-100, -1, 0, 1, 100})
	s := Sigmoid(x)

	if s.Data[2] != 0.5 {
		t.Errorf("sigmoid(0) = %f, expected 0.5", s.Data[2])
	}
	if s.Data[0] < 0 || s.Data[0] > 1e-6 {
		t.Errorf("sigmoid(-100) = %g, expected ~0", s.Data[0])
	}
	if math.Abs(float64(s.Data[3])-0.7310586) > 1e-6 {
		t.Errorf("sigmoid(1) = %f", s.Data[3])
	}

	bin := Threshold(s, 0.5)
	if !reflect.DeepEqual(bin.Data, []float32{0, 0, 0, 1, 1}) {
		t.Errorf("Threshold = %v, expected [0 0 0 1 1]", bin.Data)
	}
}

func TestReductions(t *testing.T) {
	x := MustNew([]int{2, 2}, []float32{1, 2, 3, 4})
	if Sum(x) != 10 {
		t.Errorf("Sum = %f", Sum(x))
	}
	if Mean(x) != 2.5 {
		t.Errorf("Mean = %f", Mean(x))
	}

	y := MustNew([]int{2, 2}, []float32{1, 0, 3, 0})
	n, err := CountEqual(x, y)
	if err != nil {
		t.Fatalf("CountEqual failed: %v", err)
	}
	if n != 2 {
		t.Errorf("CountEqual = %d, expected 2", n)
	}
}

func TestReshapeSharesData(t *testing.T) {
	x := MustNew([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	r, err := x.Reshape([]int{3, 2})
	if err != nil {
		t.Fatalf("Reshape failed: %v", err)
	}
	r.Data[0] = 42
	if x.Data[0] != 42 {
		t.Error("Reshape should share the underlying data")
	}
	if _, err := x.Reshape([]int{4, 2}); err == nil {
		t.Error("expected error for incompatible reshape")
	}

	c := x.Clone()
	c.Data[1] = -1
	if x.Data[1] == -1 {
		t.Error("Clone should not share data")
	}
}

func TestToHalf(t *testing.T) {
	x := MustNew([]int{4}, []float32{1.0, 0.1, 70000, 1e-9})
	h := ToHalf(x)

	if h.DType != Float16 {
		t.Errorf("DType = %s, expected Float16", h.DType)
	}
	if h.Data[0] != 1.0 {
		t.Errorf("1.0 should be exact in fp16, got %v", h.Data[0])
	}
	if h.Data[1] == 0.1 {
		t.Error("0.1 is not representable in fp16 and should be rounded")
	}
	if math.Abs(float64(h.Data[1])-0.1) > 1e-3 {
		t.Errorf("fp16(0.1) = %v, too far from 0.1", h.Data[1])
	}
	if !math.IsInf(float64(h.Data[2]), 1) {
		t.Errorf("70000 overflows fp16 and should become +Inf, got %v", h.Data[2])
	}
	if h.Data[3] != 0 {
		t.Errorf("1e-9 underflows fp16 and should become 0, got %v", h.Data[3])
	}
	if !HasNonFinite(h.Data) {
		t.Error("HasNonFinite should detect the overflowed value")
	}
	if HasNonFinite(x.Data) {
		t.Error("HasNonFinite reported a finite tensor as non-finite")
	}
}

func TestRandomNormalDeterministic(t *testing.T) {
	a, _ := RandomNormal([]int{8}, 0, 1, rand.New(rand.NewSource(7)))
	b, _ := RandomNormal([]int{8}, 0, 1, rand.New(rand.NewSource(7)))
	if !reflect.DeepEqual(a.Data, b.Data) {
		t.Error("RandomNormal should be deterministic for a fixed seed")
	}
}

func TestParseDevice(t *testing.T) {
	tests := []struct {
		in      string
		want    Device
		wantErr error
	}{
		{"", Device{Type: CPU}, nil},
		{"cpu", Device{Type: CPU}, nil},
		{"CPU:1", Device{Type: CPU, Index: 1}, nil},
		{"cuda:0", Device{}, ErrUnsupportedDevice},
		{"mps", Device{}, ErrUnsupportedDevice},
	}

	for _, test := range tests {
		got, err := ParseDevice(test.in)
		if test.wantErr != nil {
			if !errors.Is(err, test.wantErr) {
				t.Errorf("ParseDevice(%q) error = %v, expected %v", test.in, err, test.wantErr)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseDevice(%q) failed: %v", test.in, err)
			continue
		}
		if got != test.want {
			t.Errorf("ParseDevice(%q) = %+v, expected %+v", test.in, got, test.want)
		}
	}

	if _, err := ParseDevice("cpu:x"); err == nil {
		t.Error("expected error for non-numeric device index")
	}
}

func TestDetect(t *testing.T) {
	info := Detect()
	if info.LogicalCores <= 0 {
		t.Errorf("LogicalCores = %d, expected > 0", info.LogicalCores)
	}
	if info.Arch == "" || info.Brand == "" {
		t.Errorf("Detect returned empty fields: %+v", info)
	}
}
