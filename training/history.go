package training

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// MetricValue is a float64 whose JSON form spells NaN and ±Inf as the strings
// "NaN", "+Inf" and "-Inf". Overflowing fp16 losses produce them.
type MetricValue float64

func (v MetricValue) MarshalJSON() ([]byte, error) {
	f := float64(v)
	switch {
	case math.IsNaN(f):
		return []byte(`"NaN"`), nil
	case math.IsInf(f, 1):
		return []byte(`"+Inf"`), nil
	case math.IsInf(f, -1):
		return []byte(`"-Inf"`), nil
	}
	return json.Marshal(f)
}

func (v *MetricValue) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid metric value %q", s)
		}
		*v = MetricValue(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*v = MetricValue(f)
	return nil
}

// MetricValues converts values for JSON encoding.
func MetricValues(values []float64) []MetricValue {
	out := make([]MetricValue, len(values))
	for i, v := range values {
		out[i] = MetricValue(v)
	}
	return out
}

// History maps metric names to one value per completed epoch, keeping key insertion order.
type History struct {
	keys   []string
	values map[string][]float64
}

// NewHistory creates a history with the given keys, each starting empty.
func NewHistory(keys ...string) *History {
	h := &History{values: make(map[string][]float64)}
	for _, k := range keys {
		h.AddKey(k)
	}
	return h
}

// AddKey registers key if it is not present yet.
func (h *History) AddKey(key string) {
	if _, ok := h.values[key]; ok {
		return
	}
	h.keys = append(h.keys, key)
	h.values[key] = []float64{}
}

// Append records one epoch. Every registered key must receive a value and no unknown keys are allowed.
func (h *History) Append(epoch map[string]float64) error {
	if len(epoch) != len(h.keys) {
		return fmt.Errorf("history expects %d values per epoch, got %d", len(h.keys), len(epoch))
	}
	for _, k := range h.keys {
		if _, ok := epoch[k]; !ok {
			return fmt.Errorf("history: missing value for %q", k)
		}
	}
	for _, k := range h.keys {
		h.values[k] = append(h.values[k], epoch[k])
	}
	return nil
}

func (h *History) Keys() []string { return append([]string(nil), h.keys...) }

// Get returns the per-epoch values recorded for key.
func (h *History) Get(key string) []float64 { return h.values[key] }

// Epochs returns how many epochs have been recorded.
func (h *History) Epochs() int {
	if len(h.keys) == 0 {
		return 0
	}
	return len(h.values[h.keys[0]])
}

// Last returns the most recent value for key.
func (h *History) Last(key string) (float64, bool) {
	v := h.values[key]
	if len(v) == 0 {
		return 0, false
	}
	return v[len(v)-1], true
}

// MarshalJSON writes the history as an object whose keys keep their insertion order.
func (h *History) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range h.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vals, err := json.Marshal(MetricValues(h.values[k]))
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(vals)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a history object, preserving the key order found in the document.
func (h *History) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("history: expected object")
	}
	*h = History{values: make(map[string][]float64)}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("history: expected key, got %v", tok)
		}
		var vals []MetricValue
		if err := dec.Decode(&vals); err != nil {
			return fmt.Errorf("history %q: %w", key, err)
		}
		h.AddKey(key)
		floats := make([]float64, len(vals))
		for i, v := range vals {
			floats[i] = float64(v)
		}
		h.values[key] = floats
	}
	_, err = dec.Token()
	return err
}
