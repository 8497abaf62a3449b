package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-segtrain/report"
	"github.com/tsawler/go-segtrain/runstore"
)

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	yml := `
training:
  epochs: 2
  metrics: [dice, iou]
  checkpoint_dir: ` + filepath.Join(dir, "ckpt") + `
  checkpoint_name: final.json
data:
  source: shapes
  samples: 12
  image_size: 8
  batch_size: 4
  num_workers: 2
  val_fraction: 0.25
model:
  hidden: 4
logging:
  level: error
history_db: ` + filepath.Join(dir, "runs.db") + `
`
	path := filepath.Join(dir, "segtrain.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestTrainInspectValidateHistory(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)
	ckptPath := filepath.Join(dir, "ckpt", "final.json")

	out, err := execute(t, "train", "--config", cfgPath, "--save")
	require.NoError(t, err)
	assert.Contains(t, out, report.Banner(" epoch 1/2 "))
	assert.Contains(t, out, report.Banner(" epoch 2/2 "))
	assert.Contains(t, out, "val_dice:")
	assert.Contains(t, out, "Checkpoint was saved as: "+ckptPath)
	assert.FileExists(t, ckptPath)

	out, err = execute(t, "inspect", "--config", cfgPath, ckptPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Epoch 2")
	assert.Contains(t, out, "conv1.weight")
	assert.Contains(t, out, "Type: Adam")
	assert.Contains(t, out, "grad_scaler.scale")

	out, err = execute(t, "validate", "--config", cfgPath, "--split", ckptPath)
	require.NoError(t, err)
	assert.Contains(t, out, report.Banner(" validation "))
	assert.Contains(t, out, "val_accuracy:")
	assert.Contains(t, out, "val_iou:")

	store, err := runstore.Open(filepath.Join(dir, "runs.db"))
	require.NoError(t, err)
	runs, err := store.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.Len(t, runs, 1)
	runID := runs[0].ID
	assert.Equal(t, "completed", runs[0].Status)

	out, err = execute(t, "history", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, runID)
	assert.Contains(t, out, "2/2")

	out, err = execute(t, "history", "--config", cfgPath, "--json", runID)
	require.NoError(t, err)
	var hist map[string][]float64
	require.NoError(t, json.Unmarshal([]byte(out), &hist))
	assert.Len(t, hist["val_dice"], 2)
	historyJSON = false
}

func TestTrainRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)
	t.Setenv("SEGTRAIN_DEVICE", "cuda")

	_, err := execute(t, "train", "--config", cfgPath, "--no-history")
	assert.ErrorContains(t, err, "unsupported device")
	trainNoDB = false
}

func TestInspectMissingCheckpoint(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)
	_, err := execute(t, "inspect", "--config", cfgPath, filepath.Join(dir, "nope.json"))
	assert.Error(t, err)
}
