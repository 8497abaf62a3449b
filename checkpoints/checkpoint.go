package checkpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/tsawler/go-segtrain/layers"
	"github.com/tsawler/go-segtrain/tensor"
)

// ErrUnsupportedFormat is returned for unknown formats or unrecognized file contents.
var ErrUnsupportedFormat = errors.New("checkpoints: unsupported format")

const (
	FrameworkName    = "go-segtrain"
	FrameworkVersion = "1.0.0"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatBinary
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatBinary:
		return "Binary"
	default:
		return "Unknown"
	}
}

// Extension returns the file extension used for default checkpoint names.
func (cf CheckpointFormat) Extension() string {
	switch cf {
	case FormatBinary:
		return ".ckpt"
	default:
		return ".json"
	}
}

// ParseFormat maps "json" and "binary" (or "ckpt") to a format.
func ParseFormat(s string) (CheckpointFormat, error) {
	switch s {
	case "json", "JSON", "":
		return FormatJSON, nil
	case "binary", "Binary", "ckpt":
		return FormatBinary, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
	}
}

// Checkpoint is a model state dict plus optional optimizer state and training metadata.
type Checkpoint struct {
	ModelSpec *layers.ModelSpec `json:"model_spec,omitempty"`
	Weights   []WeightTensor    `json:"weights"`

	TrainingState TrainingState `json:"training_state"`

	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight" or "bias"
}

// TrainingState captures the current training progress
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float32 `json:"learning_rate"`
	BestLoss     float32 `json:"best_loss"`
	BestAccuracy float32 `json:"best_accuracy"`
	BestDice     float32 `json:"best_dice"`
	TotalSteps   int     `json:"total_steps"`
}

// OptimizerState captures optimizer-specific state (moments, velocities).
// Parameters hold hyperparameters; after a JSON or binary round trip numbers come back as float64.
type OptimizerState struct {
	Type       string                 `json:"type"` // "SGD", "Adam"
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "m", "v"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	RunID       string    `json:"run_id,omitempty"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// StateSource is a model whose parameters can be exported.
type StateSource interface {
	NamedParameters() []layers.Parameter
}

// StateLoader is a model that accepts a state dict.
type StateLoader interface {
	LoadStateDict(state map[string]*tensor.Tensor) error
}

// ExtractWeights copies every named parameter of model into checkpoint weights.
func ExtractWeights(model StateSource) []WeightTensor {
	params := model.NamedParameters()
	weights := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		layer, kind := splitParamName(p.Name)
		data := make([]float32, len(p.Tensor.Data))
		copy(data, p.Tensor.Data)
		weights = append(weights, WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Tensor.Shape...),
			Data:  data,
			Layer: layer,
			Type:  kind,
		})
	}
	return weights
}

// StateDict converts checkpoint weights back into tensors keyed by name.
func StateDict(weights []WeightTensor) (map[string]*tensor.Tensor, error) {
	state := make(map[string]*tensor.Tensor, len(weights))
	for _, w := range weights {
		if _, dup := state[w.Name]; dup {
			return nil, fmt.Errorf("duplicate weight %q in checkpoint", w.Name)
		}
		t, err := tensor.NewTensor(w.Shape, w.Data)
		if err != nil {
			return nil, fmt.Errorf("invalid weight %q: %w", w.Name, err)
		}
		state[w.Name] = t
	}
	return state, nil
}

// LoadWeights copies checkpoint weights into model. Names and shapes must match.
func LoadWeights(weights []WeightTensor, model StateLoader) error {
	state, err := StateDict(weights)
	if err != nil {
		return err
	}
	return model.LoadStateDict(state)
}

func splitParamName(name string) (layer, kind string) {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[:i], name[i+1:]
		}
	}
	return name, "weight"
}

// saveJSON saves checkpoint in JSON format
func saveJSON(checkpoint *Checkpoint, path string) error {
	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return writeFileAtomic(path, append(data, '\n'))
}

// writeFileAtomic writes through path+".tmp" so a failed save never clobbers an existing file.
func writeFileAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename checkpoint file: %w", err)
	}
	return nil
}

// jsonTensorData encodes float32 slices in JSON with NaN and ±Inf spelled as strings,
// so diverged weights can still be saved.
type jsonTensorData []float32

func (d jsonTensorData) MarshalJSON() ([]byte, error) {
	if d == nil {
		return []byte("null"), nil
	}
	b := make([]byte, 0, 2+len(d)*10)
	b = append(b, '[')
	for i, v := range d {
		if i > 0 {
			b = append(b, ',')
		}
		f := float64(v)
		switch {
		case math.IsNaN(f):
			b = append(b, `"NaN"`...)
		case math.IsInf(f, 1):
			b = append(b, `"+Inf"`...)
		case math.IsInf(f, -1):
			b = append(b, `"-Inf"`...)
		default:
			b = strconv.AppendFloat(b, f, 'g', -1, 32)
		}
	}
	return append(b, ']'), nil
}

func (d *jsonTensorData) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*d = nil
		return nil
	}
	out := make([]float32, len(raw))
	for i, r := range raw {
		text := string(r)
		if len(r) > 0 && r[0] == '"' {
			if err := json.Unmarshal(r, &text); err != nil {
				return err
			}
		}
		f, err := strconv.ParseFloat(text, 32)
		if err != nil {
			return fmt.Errorf("invalid tensor value %s", r)
		}
		out[i] = float32(f)
	}
	*d = out
	return nil
}

func (w WeightTensor) MarshalJSON() ([]byte, error) {
	type plain WeightTensor
	return json.Marshal(struct {
		plain
		Data jsonTensorData `json:"data"`
	}{plain(w), w.Data})
}

func (w *WeightTensor) UnmarshalJSON(data []byte) error {
	type plain WeightTensor
	aux := struct {
		*plain
		Data jsonTensorData `json:"data"`
	}{plain: (*plain)(w)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("weight tensor: %w", err)
	}
	w.Data = aux.Data
	return nil
}

func (o OptimizerTensor) MarshalJSON() ([]byte, error) {
	type plain OptimizerTensor
	return json.Marshal(struct {
		plain
		Data jsonTensorData `json:"data"`
	}{plain(o), o.Data})
}

func (o *OptimizerTensor) UnmarshalJSON(data []byte) error {
	type plain OptimizerTensor
	aux := struct {
		*plain
		Data jsonTensorData `json:"data"`
	}{plain: (*plain)(o)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("optimizer tensor: %w", err)
	}
	o.Data = aux.Data
	return nil
}

// decodeJSON parses a JSON checkpoint.
func decodeJSON(data []byte) (*Checkpoint, error) {
	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &checkpoint, nil
}
