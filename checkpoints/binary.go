package checkpoints

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/tsawler/go-segtrain/layers"
)

// binaryMagic prefixes every binary checkpoint so Load can tell it from JSON.
var binaryMagic = []byte("SEGCKPT1")

// Field numbers of the binary checkpoint message. The layout mirrors the
// Checkpoint struct; nested messages are length-delimited.
const (
	fieldModelSpec      protowire.Number = 1 // bytes, JSON encoded layers.ModelSpec
	fieldWeight         protowire.Number = 2 // repeated WeightTensor
	fieldTrainingState  protowire.Number = 3
	fieldOptimizerState protowire.Number = 4
	fieldMetadata       protowire.Number = 5
)

const (
	tensorName  protowire.Number = 1
	tensorShape protowire.Number = 2 // packed varint
	tensorData  protowire.Number = 3 // packed fixed32
	tensorLayer protowire.Number = 4 // weight: layer, optimizer tensor: state type
	tensorType  protowire.Number = 5
)

const (
	stateEpoch        protowire.Number = 1
	stateStep         protowire.Number = 2
	stateLearningRate protowire.Number = 3
	stateBestLoss     protowire.Number = 4
	stateBestAccuracy protowire.Number = 5
	stateBestDice     protowire.Number = 6
	stateTotalSteps   protowire.Number = 7
)

const (
	optType       protowire.Number = 1
	optParameters protowire.Number = 2 // google.protobuf.Struct
	optTensor     protowire.Number = 3
)

const (
	metaVersion     protowire.Number = 1
	metaFramework   protowire.Number = 2
	metaCreatedAt   protowire.Number = 3 // google.protobuf.Timestamp
	metaRunID       protowire.Number = 4
	metaDescription protowire.Number = 5
	metaTag         protowire.Number = 6
)

// isBinary reports whether data starts with the binary checkpoint magic.
func isBinary(data []byte) bool {
	return bytes.HasPrefix(data, binaryMagic)
}

func saveBinary(checkpoint *Checkpoint, path string) error {
	data, err := marshalBinary(checkpoint)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

func marshalBinary(c *Checkpoint) ([]byte, error) {
	b := append([]byte(nil), binaryMagic...)

	if c.ModelSpec != nil {
		spec, err := json.Marshal(c.ModelSpec)
		if err != nil {
			return nil, fmt.Errorf("failed to encode model spec: %w", err)
		}
		b = protowire.AppendTag(b, fieldModelSpec, protowire.BytesType)
		b = protowire.AppendBytes(b, spec)
	}

	for _, w := range c.Weights {
		b = protowire.AppendTag(b, fieldWeight, protowire.BytesType)
		b = protowire.AppendBytes(b, appendTensor(nil, w.Name, w.Shape, w.Data, w.Layer, w.Type))
	}

	b = protowire.AppendTag(b, fieldTrainingState, protowire.BytesType)
	b = protowire.AppendBytes(b, appendTrainingState(nil, c.TrainingState))

	if c.OptimizerState != nil {
		opt, err := appendOptimizerState(nil, c.OptimizerState)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldOptimizerState, protowire.BytesType)
		b = protowire.AppendBytes(b, opt)
	}

	meta, err := appendMetadata(nil, c.Metadata)
	if err != nil {
		return nil, err
	}
	b = protowire.AppendTag(b, fieldMetadata, protowire.BytesType)
	b = protowire.AppendBytes(b, meta)
	return b, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendFloat(b []byte, num protowire.Number, v float32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

func appendTensor(b []byte, name string, shape []int, data []float32, layer, kind string) []byte {
	b = appendString(b, tensorName, name)

	var packed []byte
	for _, d := range shape {
		packed = protowire.AppendVarint(packed, uint64(d))
	}
	b = protowire.AppendTag(b, tensorShape, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)

	packed = make([]byte, 0, 4*len(data))
	for _, v := range data {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	b = protowire.AppendTag(b, tensorData, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)

	b = appendString(b, tensorLayer, layer)
	return appendString(b, tensorType, kind)
}

func appendTrainingState(b []byte, s TrainingState) []byte {
	b = appendVarint(b, stateEpoch, protowire.EncodeZigZag(int64(s.Epoch)))
	b = appendVarint(b, stateStep, protowire.EncodeZigZag(int64(s.Step)))
	b = appendFloat(b, stateLearningRate, s.LearningRate)
	b = appendFloat(b, stateBestLoss, s.BestLoss)
	b = appendFloat(b, stateBestAccuracy, s.BestAccuracy)
	b = appendFloat(b, stateBestDice, s.BestDice)
	return appendVarint(b, stateTotalSteps, protowire.EncodeZigZag(int64(s.TotalSteps)))
}

func appendOptimizerState(b []byte, s *OptimizerState) ([]byte, error) {
	b = appendString(b, optType, s.Type)
	if len(s.Parameters) > 0 {
		params, err := structpb.NewStruct(s.Parameters)
		if err != nil {
			return nil, fmt.Errorf("failed to encode optimizer parameters: %w", err)
		}
		raw, err := proto.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to encode optimizer parameters: %w", err)
		}
		b = protowire.AppendTag(b, optParameters, protowire.BytesType)
		b = protowire.AppendBytes(b, raw)
	}
	for _, t := range s.StateData {
		b = protowire.AppendTag(b, optTensor, protowire.BytesType)
		b = protowire.AppendBytes(b, appendTensor(nil, t.Name, t.Shape, t.Data, t.StateType, ""))
	}
	return b, nil
}

func appendMetadata(b []byte, m CheckpointMetadata) ([]byte, error) {
	b = appendString(b, metaVersion, m.Version)
	b = appendString(b, metaFramework, m.Framework)
	if !m.CreatedAt.IsZero() {
		raw, err := proto.Marshal(timestamppb.New(m.CreatedAt))
		if err != nil {
			return nil, fmt.Errorf("failed to encode timestamp: %w", err)
		}
		b = protowire.AppendTag(b, metaCreatedAt, protowire.BytesType)
		b = protowire.AppendBytes(b, raw)
	}
	b = appendString(b, metaRunID, m.RunID)
	b = appendString(b, metaDescription, m.Description)
	for _, tag := range m.Tags {
		b = appendString(b, metaTag, tag)
	}
	return b, nil
}

// fieldFunc handles one decoded field. raw is the value for bytes fields,
// v the value for varint and fixed32 fields.
type fieldFunc func(num protowire.Number, typ protowire.Type, raw []byte, v uint64) error

// walk iterates over the fields of a message, skipping unknown wire types.
func walk(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("malformed tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		var raw []byte
		var v uint64
		switch typ {
		case protowire.BytesType:
			raw, n = protowire.ConsumeBytes(b)
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v32 uint32
			v32, n = protowire.ConsumeFixed32(b)
			v = uint64(v32)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("malformed field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		if n < 0 {
			return fmt.Errorf("malformed field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(num, typ, raw, v); err != nil {
			return err
		}
	}
	return nil
}

func unmarshalBinary(data []byte) (*Checkpoint, error) {
	if !isBinary(data) {
		return nil, fmt.Errorf("%w: missing binary checkpoint header", ErrUnsupportedFormat)
	}
	c := &Checkpoint{}
	err := walk(data[len(binaryMagic):], func(num protowire.Number, typ protowire.Type, raw []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case fieldModelSpec:
			c.ModelSpec = &layers.ModelSpec{}
			if err := json.Unmarshal(raw, c.ModelSpec); err != nil {
				return fmt.Errorf("failed to decode model spec: %w", err)
			}
		case fieldWeight:
			t, err := consumeTensor(raw)
			if err != nil {
				return err
			}
			c.Weights = append(c.Weights, WeightTensor{
				Name: t.name, Shape: t.shape, Data: t.data, Layer: t.layer, Type: t.kind,
			})
		case fieldTrainingState:
			s, err := consumeTrainingState(raw)
			if err != nil {
				return err
			}
			c.TrainingState = s
		case fieldOptimizerState:
			s, err := consumeOptimizerState(raw)
			if err != nil {
				return err
			}
			c.OptimizerState = s
		case fieldMetadata:
			m, err := consumeMetadata(raw)
			if err != nil {
				return err
			}
			c.Metadata = m
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return c, nil
}

type decodedTensor struct {
	name, layer, kind string
	shape             []int
	data              []float32
}

func consumeTensor(b []byte) (decodedTensor, error) {
	var t decodedTensor
	err := walk(b, func(num protowire.Number, typ protowire.Type, raw []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case tensorName:
			t.name = string(raw)
		case tensorLayer:
			t.layer = string(raw)
		case tensorType:
			t.kind = string(raw)
		case tensorShape:
			for len(raw) > 0 {
				d, n := protowire.ConsumeVarint(raw)
				if n < 0 {
					return fmt.Errorf("malformed shape: %w", protowire.ParseError(n))
				}
				t.shape = append(t.shape, int(d))
				raw = raw[n:]
			}
		case tensorData:
			if len(raw)%4 != 0 {
				return fmt.Errorf("tensor %q: data length %d is not a multiple of 4", t.name, len(raw))
			}
			t.data = make([]float32, 0, len(raw)/4)
			for len(raw) > 0 {
				v, n := protowire.ConsumeFixed32(raw)
				if n < 0 {
					return fmt.Errorf("malformed data: %w", protowire.ParseError(n))
				}
				t.data = append(t.data, math.Float32frombits(v))
				raw = raw[n:]
			}
		}
		return nil
	})
	if t.data == nil {
		t.data = []float32{}
	}
	return t, err
}

func consumeTrainingState(b []byte) (TrainingState, error) {
	var s TrainingState
	err := walk(b, func(num protowire.Number, typ protowire.Type, _ []byte, v uint64) error {
		switch {
		case typ == protowire.VarintType && num == stateEpoch:
			s.Epoch = int(protowire.DecodeZigZag(v))
		case typ == protowire.VarintType && num == stateStep:
			s.Step = int(protowire.DecodeZigZag(v))
		case typ == protowire.VarintType && num == stateTotalSteps:
			s.TotalSteps = int(protowire.DecodeZigZag(v))
		case typ == protowire.Fixed32Type && num == stateLearningRate:
			s.LearningRate = math.Float32frombits(uint32(v))
		case typ == protowire.Fixed32Type && num == stateBestLoss:
			s.BestLoss = math.Float32frombits(uint32(v))
		case typ == protowire.Fixed32Type && num == stateBestAccuracy:
			s.BestAccuracy = math.Float32frombits(uint32(v))
		case typ == protowire.Fixed32Type && num == stateBestDice:
			s.BestDice = math.Float32frombits(uint32(v))
		}
		return nil
	})
	return s, err
}

func consumeOptimizerState(b []byte) (*OptimizerState, error) {
	s := &OptimizerState{Parameters: map[string]interface{}{}}
	err := walk(b, func(num protowire.Number, typ protowire.Type, raw []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case optType:
			s.Type = string(raw)
		case optParameters:
			params := &structpb.Struct{}
			if err := proto.Unmarshal(raw, params); err != nil {
				return fmt.Errorf("failed to decode optimizer parameters: %w", err)
			}
			s.Parameters = params.AsMap()
		case optTensor:
			t, err := consumeTensor(raw)
			if err != nil {
				return err
			}
			s.StateData = append(s.StateData, OptimizerTensor{
				Name: t.name, Shape: t.shape, Data: t.data, StateType: t.layer,
			})
		}
		return nil
	})
	return s, err
}

func consumeMetadata(b []byte) (CheckpointMetadata, error) {
	var m CheckpointMetadata
	err := walk(b, func(num protowire.Number, typ protowire.Type, raw []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case metaVersion:
			m.Version = string(raw)
		case metaFramework:
			m.Framework = string(raw)
		case metaRunID:
			m.RunID = string(raw)
		case metaDescription:
			m.Description = string(raw)
		case metaTag:
			m.Tags = append(m.Tags, string(raw))
		case metaCreatedAt:
			ts := &timestamppb.Timestamp{}
			if err := proto.Unmarshal(raw, ts); err != nil {
				return fmt.Errorf("failed to decode timestamp: %w", err)
			}
			m.CreatedAt = ts.AsTime().Local()
		}
		return nil
	})
	return m, err
}
