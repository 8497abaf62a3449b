package optimizer

import (
	"fmt"

	"github.com/tsawler/go-segtrain/checkpoints"
	"github.com/tsawler/go-segtrain/tensor"
)

// Common helper functions for optimizer state management

// newStateBuffers allocates one zeroed buffer per parameter.
func newStateBuffers(params []*tensor.Tensor) [][]float32 {
	bufs := make([][]float32, len(params))
	for i, p := range params {
		bufs[i] = make([]float32, p.NumElems)
	}
	return bufs
}

// extractBufferStates copies per-parameter buffers into named state tensors ("<prefix>_<i>").
func extractBufferStates(bufs [][]float32, params []*tensor.Tensor, prefix, stateType string) []checkpoints.OptimizerTensor {
	out := make([]checkpoints.OptimizerTensor, 0, len(bufs))
	for i, buf := range bufs {
		data := make([]float32, len(buf))
		copy(data, buf)
		out = append(out, checkpoints.OptimizerTensor{
			Name:      fmt.Sprintf("%s_%d", prefix, i),
			Shape:     append([]int(nil), params[i].Shape...),
			Data:      data,
			StateType: stateType,
		})
	}
	return out
}

// restoreBufferState copies a saved state tensor into the matching buffer.
func restoreBufferState(bufs [][]float32, t checkpoints.OptimizerTensor) error {
	idx := extractBufferIndex(t.Name)
	if idx < 0 || idx >= len(bufs) {
		return fmt.Errorf("invalid buffer index in tensor name: %s", t.Name)
	}
	if len(t.Data) != len(bufs[idx]) {
		return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
			t.Name, len(bufs[idx]), len(t.Data))
	}
	copy(bufs[idx], t.Data)
	return nil
}

// extractFloat32Param safely extracts a float32 parameter from the state map.
// JSON and binary checkpoints decode numbers as float64; in-memory states may hold float32.
func extractFloat32Param(params map[string]interface{}, key string, defaultValue float32) float32 {
	switch val := params[key].(type) {
	case float64:
		return float32(val)
	case float32:
		return val
	case int:
		return float32(val)
	}
	return defaultValue
}

// extractBoolParam safely extracts a bool parameter from the state map
func extractBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

// extractUint64Param safely extracts a uint64 parameter from the state map
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	switch val := params[key].(type) {
	case float64:
		if val >= 0 {
			return uint64(val)
		}
	case uint64:
		return val
	case int:
		if val >= 0 {
			return uint64(val)
		}
	}
	return defaultValue
}
