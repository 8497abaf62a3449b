package optimizer

import (
	"testing"

	"github.com/tsawler/go-segtrain/checkpoints"
)

// TestExtractFloat32Param tests the extractFloat32Param helper function
func TestExtractFloat32Param(t *testing.T) {
	tests := []struct {
		name         string
		params       map[string]interface{}
		key          string
		defaultValue float32
		expected     float32
	}{
		{"existing_float64_param", map[string]interface{}{"learning_rate": float64(0.01)}, "learning_rate", 0.001, 0.01},
		{"float32_param", map[string]interface{}{"learning_rate": float32(0.5)}, "learning_rate", 0.001, 0.5},
		{"missing_param", map[string]interface{}{"beta1": float64(0.9)}, "learning_rate", 0.001, 0.001},
		{"wrong_type_param", map[string]interface{}{"learning_rate": "0.01"}, "learning_rate", 0.001, 0.001},
		{"zero_value", map[string]interface{}{"learning_rate": float64(0.0)}, "learning_rate", 0.001, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := extractFloat32Param(tt.params, tt.key, tt.defaultValue)
			if result != tt.expected {
				t.Errorf("extractFloat32Param() = %v, want %v", result, tt.expected)
			}
		})
	}
}

// TestExtractBoolParam tests the extractBoolParam helper function
func TestExtractBoolParam(t *testing.T) {
	params := map[string]interface{}{"nesterov": true, "bad": 1.0}
	if !extractBoolParam(params, "nesterov", false) {
		t.Error("expected true")
	}
	if extractBoolParam(params, "bad", false) {
		t.Error("wrong type should fall back to default")
	}
	if !extractBoolParam(params, "missing", true) {
		t.Error("missing key should fall back to default")
	}
}

func TestExtractUint64Param(t *testing.T) {
	params := map[string]interface{}{"a": float64(42), "b": uint64(7), "neg": float64(-1)}
	if got := extractUint64Param(params, "a", 0); got != 42 {
		t.Errorf("a = %d, want 42", got)
	}
	if got := extractUint64Param(params, "b", 0); got != 7 {
		t.Errorf("b = %d, want 7", got)
	}
	if got := extractUint64Param(params, "neg", 3); got != 3 {
		t.Errorf("negative value should fall back to default, got %d", got)
	}
}

func TestRestoreBufferState(t *testing.T) {
	bufs := [][]float32{make([]float32, 2), make([]float32, 3)}

	err := restoreBufferState(bufs, checkpoints.OptimizerTensor{Name: "v_1", Data: []float32{1, 2, 3}})
	if err != nil {
		t.Fatalf("restoreBufferState failed: %v", err)
	}
	if bufs[1][2] != 3 {
		t.Errorf("buffer not restored: %v", bufs[1])
	}

	if err := restoreBufferState(bufs, checkpoints.OptimizerTensor{Name: "v_5", Data: []float32{1}}); err == nil {
		t.Error("expected error for out of range index")
	}
	if err := restoreBufferState(bufs, checkpoints.OptimizerTensor{Name: "v_0", Data: []float32{1}}); err == nil {
		t.Error("expected error for size mismatch")
	}
}
