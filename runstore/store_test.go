package runstore

import (
	"context"
	"math"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-segtrain/layers"
	"github.com/tsawler/go-segtrain/report"
	"github.com/tsawler/go-segtrain/tensor"
	"github.com/tsawler/go-segtrain/training"
	"github.com/tsawler/go-segtrain/vision/dataset"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, err := Open(filepath.Join(t.TempDir(), "db", "runs.db"), WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	run := training.RunInfo{
		ID:        "run-a",
		StartedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Epochs:    2,
		Device:    "cpu",
		Optimizer: "Adam",
		Loss:      "bce_with_logits",
		Keys:      []string{"loss", "val_loss", "val_dice"},
	}
	require.NoError(t, s.StartRun(ctx, run))

	got, err := s.GetRun(ctx, "run-a")
	require.NoError(t, err)
	assert.Equal(t, "running", got.Status)
	assert.Nil(t, got.FinishedAt)
	assert.Equal(t, run.Keys, got.Keys)
	assert.True(t, run.StartedAt.Equal(got.StartedAt))

	require.NoError(t, s.RecordEpoch(ctx, "run-a", 1, map[string]float64{"loss": 0.7, "val_loss": 0.6, "val_dice": 0.4}))
	require.NoError(t, s.RecordEpoch(ctx, "run-a", 2, map[string]float64{"loss": 0.5, "val_loss": 0.45, "val_dice": 0.6}))
	require.NoError(t, s.FinishRun(ctx, "run-a", training.RunCompleted, "/tmp/final.json"))

	got, err = s.GetRun(ctx, "run-a")
	require.NoError(t, err)
	assert.Equal(t, training.RunCompleted, got.Status)
	assert.Equal(t, 2, got.EpochsDone)
	assert.Equal(t, "/tmp/final.json", got.CheckpointPath)
	require.NotNil(t, got.FinishedAt)

	h, err := s.History(ctx, "run-a")
	require.NoError(t, err)
	assert.Equal(t, run.Keys, h.Keys())
	assert.Equal(t, []float64{0.7, 0.5}, h.Get("loss"))
	assert.Equal(t, []float64{0.4, 0.6}, h.Get("val_dice"))
}

func TestRecordEpochReplaces(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.StartRun(ctx, training.RunInfo{ID: "r", Epochs: 1, Keys: []string{"loss"}}))
	require.NoError(t, s.RecordEpoch(ctx, "r", 1, map[string]float64{"loss": 1}))
	require.NoError(t, s.RecordEpoch(ctx, "r", 1, map[string]float64{"loss": 0.25}))

	h, err := s.History(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.25}, h.Get("loss"))
}

func TestListAndDeleteRuns(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, s.StartRun(ctx, training.RunInfo{
			ID: id, StartedAt: base.Add(time.Duration(i) * time.Hour), Epochs: 1, Keys: []string{"loss"},
		}))
	}

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "new", runs[0].ID)
	assert.Equal(t, "old", runs[2].ID)

	runs, err = s.ListRuns(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	require.NoError(t, s.DeleteRun(ctx, "mid"))
	assert.ErrorIs(t, s.DeleteRun(ctx, "mid"), ErrRunNotFound)
	_, err = s.GetRun(ctx, "mid")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestUnknownRun(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	assert.ErrorIs(t, s.FinishRun(ctx, "ghost", training.RunFailed, ""), ErrRunNotFound)
	_, err := s.History(ctx, "ghost")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestDuplicateRun(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	run := training.RunInfo{ID: "dup", Epochs: 1, Keys: []string{"loss"}}
	require.NoError(t, s.StartRun(ctx, run))
	assert.Error(t, s.StartRun(ctx, run))
}

func TestReopenKeepsRuns(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "runs.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.StartRun(ctx, training.RunInfo{ID: "persisted", Epochs: 1, Keys: []string{"loss"}}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "persisted", runs[0].ID)
	assert.Equal(t, path, s.Path())
}

func TestTrainerWritesToStore(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	shapes, err := dataset.NewShapesDataset(8, 8, 1, 0.1, 3)
	require.NoError(t, err)
	train, val, err := training.RandomSplit(shapes, 0.25, 1)
	require.NoError(t, err)
	trainLoader, err := training.NewDataLoader(train, 2, true, 2, training.WithSeed(5))
	require.NoError(t, err)
	valLoader, err := training.NewDataLoader(val, 2, false, 1)
	require.NoError(t, err)

	model, err := layers.NewSegmentationNet(2, 1, 8, 8, 4, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	cfg := training.DefaultTrainingConfig()
	cfg.Epochs = 2
	cfg.CheckpointDir = t.TempDir()
	tr, err := training.NewTrainer(model, cfg,
		training.WithReporter(report.Discard()),
		training.WithHistorySink(s))
	require.NoError(t, err)

	res, err := tr.Fit(ctx, trainLoader, valLoader)
	require.NoError(t, err)

	run, err := s.GetRun(ctx, tr.RunID())
	require.NoError(t, err)
	assert.Equal(t, training.RunCompleted, run.Status)
	assert.Equal(t, 2, run.EpochsDone)

	h, err := s.History(ctx, tr.RunID())
	require.NoError(t, err)
	assert.Equal(t, res.History.Keys(), h.Keys())
	for _, k := range h.Keys() {
		assert.Equal(t, res.History.Get(k), h.Get(k), k)
	}
}

// overflowLoss reports +Inf like an fp16 overflow while still producing usable gradients.
type overflowLoss struct {
	training.Loss
}

func (overflowLoss) Forward(_, _ *tensor.Tensor) (float64, error) { return math.Inf(1), nil }

func TestRecordEpochNonFinite(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.StartRun(ctx, training.RunInfo{ID: "r", Epochs: 1, Keys: []string{"loss", "val_dice"}}))
	require.NoError(t, s.RecordEpoch(ctx, "r", 1, map[string]float64{"loss": math.Inf(1), "val_dice": math.NaN()}))

	h, err := s.History(ctx, "r")
	require.NoError(t, err)
	require.Len(t, h.Get("loss"), 1)
	assert.True(t, math.IsInf(h.Get("loss")[0], 1))
	assert.True(t, math.IsNaN(h.Get("val_dice")[0]))
}

func TestTrainerKeepsRecordingInfiniteLoss(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	shapes, err := dataset.NewShapesDataset(4, 8, 1, 0.1, 3)
	require.NoError(t, err)
	loader, err := training.NewDataLoader(shapes, 2, false, 1)
	require.NoError(t, err)
	model, err := layers.NewSegmentationNet(2, 1, 8, 8, 4, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	cfg := training.DefaultTrainingConfig()
	cfg.Epochs = 2
	cfg.CheckpointDir = t.TempDir()
	tr, err := training.NewTrainer(model, cfg,
		training.WithReporter(report.Discard()),
		training.WithLoss(overflowLoss{training.NewBCEWithLogitsLoss()}),
		training.WithHistorySink(s))
	require.NoError(t, err)

	res, err := tr.Fit(ctx, loader, nil)
	require.NoError(t, err)
	assert.Len(t, res.History.Get("loss"), 2)

	run, err := s.GetRun(ctx, tr.RunID())
	require.NoError(t, err)
	assert.Equal(t, training.RunCompleted, run.Status)
	assert.Equal(t, 2, run.EpochsDone)

	h, err := s.History(ctx, tr.RunID())
	require.NoError(t, err)
	for _, v := range h.Get("loss") {
		assert.True(t, math.IsInf(v, 1))
	}
}
