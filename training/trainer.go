package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tsawler/go-segtrain/checkpoints"
	"github.com/tsawler/go-segtrain/layers"
	"github.com/tsawler/go-segtrain/optimizer"
	"github.com/tsawler/go-segtrain/report"
	"github.com/tsawler/go-segtrain/tensor"
)

// scalerParamPrefix namespaces grad scaler values inside the saved optimizer parameters.
const scalerParamPrefix = "grad_scaler."

// TrainingConfig holds configuration for training
type TrainingConfig struct {
	Epochs  int      `yaml:"epochs"`
	Device  string   `yaml:"device"`
	Metrics []string `yaml:"metrics"`

	Optimizer      optimizer.Config `yaml:"optimizer"`
	Loss           string           `yaml:"loss"`
	MixedPrecision bool             `yaml:"mixed_precision"`
	GradScaler     GradScalerConfig `yaml:"grad_scaler"`

	FromLogits bool    `yaml:"from_logits"`
	Threshold  float32 `yaml:"threshold"`

	LoadModel        string   `yaml:"load_model"`
	ResumeOptimizer  bool     `yaml:"resume_optimizer"`
	SaveModel        bool     `yaml:"save_model"`
	CheckpointDir    string   `yaml:"checkpoint_dir"`
	CheckpointName   string   `yaml:"checkpoint_name"`
	CheckpointFormat string   `yaml:"checkpoint_format"`
	Description      string   `yaml:"description"`
	Tags             []string `yaml:"tags"`

	Checkpointing CheckpointPolicy `yaml:"checkpointing"`
}

// DefaultTrainingConfig trains for 10 epochs with Adam(lr=0.001), BCE with logits and mixed precision.
func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		Epochs:           10,
		Device:           "cpu",
		Metrics:          []string{"dice"},
		Optimizer:        optimizer.Config{Type: optimizer.TypeAdam, LearningRate: 0.001},
		Loss:             "bce",
		MixedPrecision:   true,
		GradScaler:       DefaultGradScalerConfig(),
		FromLogits:       true,
		Threshold:        0.5,
		CheckpointDir:    "runs/checkpoints",
		CheckpointFormat: "json",
	}
}

// Validate reports the first invalid field.
func (c TrainingConfig) Validate() error {
	if c.Epochs < 0 {
		return fmt.Errorf("epochs must not be negative, got %d", c.Epochs)
	}
	if _, err := tensor.ParseDevice(c.Device); err != nil {
		return err
	}
	if _, err := optimizer.ParseType(string(c.Optimizer.Type)); err != nil {
		return err
	}
	if _, err := NewLoss(c.Loss); err != nil {
		return err
	}
	if _, err := checkpoints.ParseFormat(c.CheckpointFormat); err != nil {
		return err
	}
	if c.Checkpointing.SaveEvery < 0 || c.Checkpointing.KeepCheckpoints < 0 {
		return fmt.Errorf("checkpointing intervals must not be negative")
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("threshold must be in [0, 1], got %v", c.Threshold)
	}
	seen := make(map[string]bool, len(c.Metrics))
	for _, m := range c.Metrics {
		if m == "" || m == "loss" || strings.HasPrefix(m, "val_") {
			return fmt.Errorf("invalid metric name %q", m)
		}
		if seen[m] {
			return fmt.Errorf("duplicate metric %q", m)
		}
		seen[m] = true
	}
	return nil
}

// TrainableModel is a Model whose weights can be checkpointed.
type TrainableModel interface {
	Model
	NamedParameters() []layers.Parameter
	LoadStateDict(state map[string]*tensor.Tensor) error
}

// RunInfo describes a training run to a HistorySink.
type RunInfo struct {
	ID          string
	StartedAt   time.Time
	Epochs      int
	Device      string
	Optimizer   string
	Loss        string
	Description string
	Keys        []string
}

// HistorySink receives epoch records as training progresses.
type HistorySink interface {
	StartRun(ctx context.Context, run RunInfo) error
	RecordEpoch(ctx context.Context, runID string, epoch int, metrics map[string]float64) error
	FinishRun(ctx context.Context, runID string, status string, checkpointPath string) error
}

// Run statuses passed to HistorySink.FinishRun.
const (
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// FitResult is what Fit leaves behind.
type FitResult struct {
	RunID          string
	History        *History
	Validation     *ValidationResult // last epoch, nil without a validation loader
	CheckpointPath string
	State          checkpoints.TrainingState
}

// Trainer manages the training process
type Trainer struct {
	cfg         TrainingConfig
	model       TrainableModel
	optimizer   optimizer.Optimizer
	criterion   Loss
	scaler      *GradScaler
	metricFuncs map[string]MetricFunc
	logger      *zap.Logger
	reporter    *report.Reporter
	progress    io.Writer
	progressSet bool
	sink        HistorySink
	saver       *checkpoints.CheckpointSaver
	manager     *CheckpointManager
	runID       string
	now         func() time.Time
}

// TrainerOption configures a Trainer.
type TrainerOption func(*Trainer)

func WithLogger(l *zap.Logger) TrainerOption {
	return func(t *Trainer) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithReporter sets where banners and metric lines are printed.
func WithReporter(r *report.Reporter) TrainerOption {
	return func(t *Trainer) { t.reporter = r }
}

// WithProgress sets where progress bars are drawn. nil disables them.
func WithProgress(w io.Writer) TrainerOption {
	return func(t *Trainer) {
		t.progress = w
		t.progressSet = true
	}
}

// WithMetricFuncs replaces the metric functions looked up by name.
func WithMetricFuncs(funcs map[string]MetricFunc) TrainerOption {
	return func(t *Trainer) { t.metricFuncs = funcs }
}

func WithHistorySink(s HistorySink) TrainerOption {
	return func(t *Trainer) { t.sink = s }
}

// WithOptimizer overrides the optimizer built from the config.
func WithOptimizer(opt optimizer.Optimizer) TrainerOption {
	return func(t *Trainer) { t.optimizer = opt }
}

// WithLoss overrides the loss built from the config.
func WithLoss(l Loss) TrainerOption {
	return func(t *Trainer) { t.criterion = l }
}

func WithRunID(id string) TrainerOption {
	return func(t *Trainer) { t.runID = id }
}

func WithClock(now func() time.Time) TrainerOption {
	return func(t *Trainer) { t.now = now }
}

// NewTrainer validates cfg and builds the optimizer, loss and grad scaler for model.
func NewTrainer(model TrainableModel, cfg TrainingConfig, opts ...TrainerOption) (*Trainer, error) {
	if model == nil {
		return nil, fmt.Errorf("model is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid training config: %w", err)
	}

	t := &Trainer{
		cfg:         cfg,
		model:       model,
		metricFuncs: DefaultMetricFuncs(),
		logger:      zap.NewNop(),
		reporter:    report.Stdout(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	if !t.progressSet {
		t.progress = t.reporter.Writer()
	}
	if t.runID == "" {
		t.runID = uuid.NewString()
	}

	if t.optimizer == nil {
		opt, err := optimizer.New(cfg.Optimizer, model.Parameters())
		if err != nil {
			return nil, fmt.Errorf("failed to create optimizer: %w", err)
		}
		t.optimizer = opt
	}
	if t.criterion == nil {
		l, err := NewLoss(cfg.Loss)
		if err != nil {
			return nil, err
		}
		t.criterion = l
	}

	scfg := cfg.GradScaler
	scfg.Enabled = cfg.MixedPrecision
	scaler, err := NewGradScaler(scfg)
	if err != nil {
		return nil, err
	}
	t.scaler = scaler

	format, err := checkpoints.ParseFormat(cfg.CheckpointFormat)
	if err != nil {
		return nil, err
	}
	t.saver = checkpoints.NewCheckpointSaver(format,
		checkpoints.WithReporter(t.reporter),
		checkpoints.WithLogger(t.logger),
		checkpoints.WithClock(t.now))
	t.manager = NewCheckpointManager(cfg.Checkpointing, cfg.CheckpointDir, t.saver, t.logger)
	return t, nil
}

func (t *Trainer) RunID() string                  { return t.runID }
func (t *Trainer) Optimizer() optimizer.Optimizer { return t.optimizer }
func (t *Trainer) Scaler() *GradScaler            { return t.scaler }

// HistoryKeys returns the history keys in order: loss, the requested metrics and,
// with validation, val_loss, val_<metric>, val_accuracy and val_dice.
func (t *Trainer) HistoryKeys(withValidation bool) []string {
	keys := []string{"loss"}
	keys = append(keys, t.cfg.Metrics...)
	if withValidation {
		keys = append(keys, "val_loss")
		for _, m := range t.cfg.Metrics {
			if m != "accuracy" && m != "dice" {
				keys = append(keys, "val_"+m)
			}
		}
		keys = append(keys, "val_accuracy", "val_dice")
	}
	return keys
}

// Fit trains for the configured number of epochs. valLoader may be nil.
func (t *Trainer) Fit(ctx context.Context, trainLoader, valLoader Loader) (res *FitResult, err error) {
	if trainLoader == nil {
		return nil, fmt.Errorf("train loader is nil")
	}
	log := t.logger.With(zap.String("run_id", t.runID))

	device, _ := tensor.ParseDevice(t.cfg.Device)
	info := tensor.Detect()
	autocast := Autocast{Enabled: t.cfg.MixedPrecision}
	log.Info("starting training",
		zap.Int("epochs", t.cfg.Epochs),
		zap.Stringer("device", device),
		zap.String("cpu", info.Brand),
		zap.String("optimizer", string(t.optimizerType())),
		zap.String("loss", t.criterion.Name()),
		zap.Bool("mixed_precision", autocast.Enabled))
	if autocast.Enabled && !info.HalfPrecision {
		log.Warn("CPU has no hardware fp16 conversion, autocast rounding runs in software")
	}

	var state checkpoints.TrainingState
	if t.cfg.LoadModel != "" {
		if state, err = t.restore(t.cfg.LoadModel); err != nil {
			return nil, err
		}
		log.Info("resumed from checkpoint", zap.String("path", t.cfg.LoadModel), zap.Int("epoch", state.Epoch))
	}

	history := NewHistory(t.HistoryKeys(valLoader != nil)...)
	res = &FitResult{RunID: t.runID, History: history}

	if t.sink != nil {
		run := RunInfo{
			ID:          t.runID,
			StartedAt:   t.now(),
			Epochs:      t.cfg.Epochs,
			Device:      device.String(),
			Optimizer:   string(t.optimizerType()),
			Loss:        t.criterion.Name(),
			Description: t.cfg.Description,
			Keys:        history.Keys(),
		}
		if err := t.sink.StartRun(ctx, run); err != nil {
			return nil, fmt.Errorf("history sink: %w", err)
		}
		defer func() {
			status := RunCompleted
			if err != nil {
				status = RunFailed
			}
			path := ""
			if res != nil {
				path = res.CheckpointPath
			}
			if ferr := t.sink.FinishRun(context.WithoutCancel(ctx), t.runID, status, path); ferr != nil {
				log.Error("failed to close run in history sink", zap.Error(ferr))
				if err == nil {
					err = fmt.Errorf("history sink: %w", ferr)
				}
			}
		}()
	}

	if state.BestLoss == 0 {
		state.BestLoss = float32(math.Inf(1))
	}
	startEpoch := state.Epoch

	for e := 0; e < t.cfg.Epochs; e++ {
		t.reporter.Banner(fmt.Sprintf(" epoch %d/%d ", e+1, t.cfg.Epochs))
		epochStart := t.now()

		trainMetrics, err := TrainEpoch(ctx, trainLoader, t.model, t.optimizer, t.criterion, t.scaler, EpochConfig{
			Metrics:     t.cfg.Metrics,
			MetricFuncs: t.metricFuncs,
			FromLogits:  t.cfg.FromLogits,
			Autocast:    autocast,
			Description: "train",
			Progress:    t.progress,
			Logger:      log,
		})
		if err != nil {
			return res, fmt.Errorf("training epoch %d failed: %w", e+1, err)
		}
		record := trainMetrics.Map()

		if valLoader != nil {
			val, err := Validate(ctx, valLoader, t.model, ValidateConfig{
				Loss:        t.criterion,
				FromLogits:  t.cfg.FromLogits,
				Threshold:   t.cfg.Threshold,
				Metrics:     t.cfg.Metrics,
				MetricFuncs: t.metricFuncs,
				Description: "valid",
				Progress:    t.progress,
			})
			if err != nil {
				return res, fmt.Errorf("validation epoch %d failed: %w", e+1, err)
			}
			record["val_loss"] = val.Loss
			for _, m := range val.Metrics {
				record[m.Name] = m.Value
			}
			record["val_accuracy"] = val.Accuracy
			record["val_dice"] = val.Dice
			res.Validation = val

			if float32(val.Dice) > state.BestDice {
				state.BestDice = float32(val.Dice)
			}
			if float32(val.Accuracy) > state.BestAccuracy {
				state.BestAccuracy = float32(val.Accuracy)
			}
		}

		if err := history.Append(record); err != nil {
			return res, err
		}
		if loss := float32(record["loss"]); loss < state.BestLoss {
			state.BestLoss = loss
		}
		state.Epoch = startEpoch + e + 1
		state.Step = int(t.optimizer.GetStepCount())
		state.TotalSteps = state.Step
		state.LearningRate = t.optimizer.GetLR()

		t.reporter.Println()
		for _, key := range history.Keys() {
			v, _ := history.Last(key)
			t.reporter.Metric(key, v)
		}

		fields := []zap.Field{
			zap.Int("epoch", e+1),
			zap.Duration("elapsed", t.now().Sub(epochStart)),
			zap.Float64("grad_scale", t.scaler.Scale()),
			zap.Int("skipped_steps", t.scaler.SkippedSteps()),
		}
		for _, key := range history.Keys() {
			fields = append(fields, zap.Float64(key, record[key]))
		}
		log.Info("epoch complete", fields...)

		build := func() (*checkpoints.Checkpoint, error) { return t.Checkpoint(state) }
		if res.Validation != nil {
			if _, err := t.manager.SaveBest(res.Validation.Dice, build); err != nil {
				return res, err
			}
		}
		if _, err := t.manager.SavePeriodic(state.Epoch, build); err != nil {
			return res, err
		}

		if t.sink != nil {
			if err := t.sink.RecordEpoch(ctx, t.runID, e+1, record); err != nil {
				return res, fmt.Errorf("history sink: %w", err)
			}
		}
	}
	if math.IsInf(float64(state.BestLoss), 1) {
		state.BestLoss = 0
	}
	res.State = state

	if t.cfg.SaveModel {
		path, err := t.save(state)
		if err != nil {
			return res, err
		}
		res.CheckpointPath = path
	}
	return res, nil
}

// Checkpoint captures the model, optimizer and grad scaler state.
func (t *Trainer) Checkpoint(state checkpoints.TrainingState) (*checkpoints.Checkpoint, error) {
	optState, err := t.optimizer.GetState()
	if err != nil {
		return nil, fmt.Errorf("failed to capture optimizer state: %w", err)
	}
	if optState.Parameters == nil {
		optState.Parameters = make(map[string]interface{})
	}
	for k, v := range t.scaler.State() {
		optState.Parameters[scalerParamPrefix+k] = v
	}

	if math.IsInf(float64(state.BestLoss), 0) || math.IsNaN(float64(state.BestLoss)) {
		state.BestLoss = 0
	}
	ckpt := &checkpoints.Checkpoint{
		Weights:        checkpoints.ExtractWeights(t.model),
		TrainingState:  state,
		OptimizerState: optState,
		Metadata: checkpoints.CheckpointMetadata{
			RunID:       t.runID,
			Description: t.cfg.Description,
			Tags:        t.cfg.Tags,
		},
	}
	if s, ok := t.model.(interface{ Spec() *layers.ModelSpec }); ok {
		ckpt.ModelSpec = s.Spec()
	}
	return ckpt, nil
}

func (t *Trainer) save(state checkpoints.TrainingState) (string, error) {
	ckpt, err := t.Checkpoint(state)
	if err != nil {
		return "", err
	}
	path, err := t.saver.Save(ckpt, t.cfg.CheckpointDir, t.cfg.CheckpointName)
	if err != nil {
		return "", fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return path, nil
}

// restore loads model weights, and optimizer plus scaler state when ResumeOptimizer is set.
func (t *Trainer) restore(path string) (checkpoints.TrainingState, error) {
	ckpt, err := t.saver.LoadCheckpoint(path)
	if err != nil {
		return checkpoints.TrainingState{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if err := t.saver.LoadInto(ckpt, t.model); err != nil {
		return checkpoints.TrainingState{}, err
	}
	if !t.cfg.ResumeOptimizer {
		return checkpoints.TrainingState{}, nil
	}
	if ckpt.OptimizerState == nil {
		return checkpoints.TrainingState{}, errors.New("checkpoint has no optimizer state to resume")
	}
	if err := t.optimizer.LoadState(ckpt.OptimizerState); err != nil {
		return checkpoints.TrainingState{}, fmt.Errorf("failed to restore optimizer state: %w", err)
	}
	scalerState := make(map[string]interface{})
	for k, v := range ckpt.OptimizerState.Parameters {
		if name, ok := strings.CutPrefix(k, scalerParamPrefix); ok {
			scalerState[name] = v
		}
	}
	if err := t.scaler.LoadState(scalerState); err != nil {
		return checkpoints.TrainingState{}, err
	}
	return ckpt.TrainingState, nil
}

func (t *Trainer) optimizerType() optimizer.Type {
	switch t.optimizer.(type) {
	case *optimizer.Adam:
		return optimizer.TypeAdam
	case *optimizer.SGD:
		return optimizer.TypeSGD
	case *optimizer.RMSProp:
		return optimizer.TypeRMSProp
	default:
		return optimizer.Type(fmt.Sprintf("%T", t.optimizer))
	}
}
