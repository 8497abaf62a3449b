package training

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryAppend(t *testing.T) {
	h := NewHistory("loss", "dice", "val_loss")
	h.AddKey("dice")
	assert.Equal(t, []string{"loss", "dice", "val_loss"}, h.Keys())
	assert.Equal(t, 0, h.Epochs())

	require.NoError(t, h.Append(map[string]float64{"loss": 0.7, "dice": 0.2, "val_loss": 0.8}))
	require.NoError(t, h.Append(map[string]float64{"loss": 0.5, "dice": 0.4, "val_loss": 0.6}))
	assert.Equal(t, 2, h.Epochs())
	assert.Equal(t, []float64{0.7, 0.5}, h.Get("loss"))
	last, ok := h.Last("dice")
	assert.True(t, ok)
	assert.Equal(t, 0.4, last)

	assert.Error(t, h.Append(map[string]float64{"loss": 1, "dice": 1}), "missing key")
	assert.Error(t, h.Append(map[string]float64{"loss": 1, "dice": 1, "iou": 1}), "unknown key")
	assert.Equal(t, 2, h.Epochs(), "failed appends must not record anything")

	_, ok = h.Last("iou")
	assert.False(t, ok)
}

func TestHistoryJSONKeepsOrder(t *testing.T) {
	h := NewHistory("loss", "val_dice", "dice")
	require.NoError(t, h.Append(map[string]float64{"loss": 1, "val_dice": 0.5, "dice": 0.25}))

	data, err := json.Marshal(h)
	require.NoError(t, err)
	assert.JSONEq(t, `{"loss":[1],"val_dice":[0.5],"dice":[0.25]}`, string(data))
	assert.Equal(t, `{"loss":[1],"val_dice":[0.5],"dice":[0.25]}`, string(data))

	var back History
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, h.Keys(), back.Keys())
	assert.Equal(t, []float64{0.25}, back.Get("dice"))

	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &back))
}

func TestHistoryJSONNonFinite(t *testing.T) {
	h := NewHistory("loss", "val_dice")
	require.NoError(t, h.Append(map[string]float64{"loss": math.Inf(1), "val_dice": math.NaN()}))
	require.NoError(t, h.Append(map[string]float64{"loss": 0.5, "val_dice": math.Inf(-1)}))

	data, err := json.Marshal(h)
	require.NoError(t, err)
	assert.Equal(t, `{"loss":["+Inf",0.5],"val_dice":["NaN","-Inf"]}`, string(data))

	var back History
	require.NoError(t, json.Unmarshal(data, &back))
	loss := back.Get("loss")
	require.Len(t, loss, 2)
	assert.True(t, math.IsInf(loss[0], 1))
	assert.Equal(t, 0.5, loss[1])
	dice := back.Get("val_dice")
	require.Len(t, dice, 2)
	assert.True(t, math.IsNaN(dice[0]))
	assert.True(t, math.IsInf(dice[1], -1))

	assert.Error(t, json.Unmarshal([]byte(`{"loss":["big"]}`), &back))
}
