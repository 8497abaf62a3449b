package training

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/tsawler/go-segtrain/optimizer"
	"github.com/tsawler/go-segtrain/tensor"
)

// Metric is one named epoch-level value.
type Metric struct {
	Name  string
	Value float64
}

// EpochMetrics keeps metrics in reporting order.
type EpochMetrics []Metric

func (m EpochMetrics) Get(name string) (float64, bool) {
	for _, v := range m {
		if v.Name == name {
			return v.Value, true
		}
	}
	return 0, false
}

func (m EpochMetrics) Map() map[string]float64 {
	out := make(map[string]float64, len(m))
	for _, v := range m {
		out[v.Name] = v.Value
	}
	return out
}

// EpochConfig carries the per-epoch knobs of TrainEpoch.
type EpochConfig struct {
	// Metrics are the names to accumulate, in output order. Names without a function report 0.
	Metrics     []string
	MetricFuncs map[string]MetricFunc
	// FromLogits makes metrics see sigmoid(predictions) instead of raw outputs.
	FromLogits  bool
	Autocast    Autocast
	Description string
	Progress    io.Writer
	Logger      *zap.Logger
}

func (c EpochConfig) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// TrainEpoch runs one pass over loader: forward under autocast, loss, metrics, scaled backward,
// scaler step and update for every batch. It returns the requested metrics followed by "loss",
// each averaged over the number of batches.
func TrainEpoch(ctx context.Context, loader Loader, model Model, opt optimizer.Optimizer, lossFn Loss, scaler *GradScaler, cfg EpochConfig) (EpochMetrics, error) {
	if loader.Len() == 0 {
		return nil, ErrEmptyLoader
	}
	if scaler == nil {
		var err error
		if scaler, err = NewGradScaler(GradScalerConfig{}); err != nil {
			return nil, err
		}
	}
	log := cfg.logger()

	desc := cfg.Description
	if desc == "" {
		desc = "train"
	}
	bar := NewProgressBar(cfg.Progress, desc, loader.Len())

	sums := make([]float64, len(cfg.Metrics))
	var totalLoss float64
	batches := 0

	model.Train()
	loader.Reset()
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("training interrupted after %d batches: %w", batches, err)
		}
		batch, err := loader.Next(ctx)
		if err != nil {
			return nil, err
		}
		if batch == nil {
			break
		}

		targets := batch.Labels
		targets.DType = tensor.Float32

		predictions, err := cfg.Autocast.Forward(model, batch.Data)
		if err != nil {
			return nil, fmt.Errorf("forward pass failed: %w", err)
		}
		if !tensor.SameShape(predictions, targets) {
			return nil, fmt.Errorf("%w: predictions %v, targets %v", tensor.ErrShapeMismatch, predictions.Shape, targets.Shape)
		}

		loss, err := lossFn.Forward(predictions, targets)
		if err != nil {
			return nil, fmt.Errorf("loss computation failed: %w", err)
		}

		if len(cfg.Metrics) > 0 {
			scored := predictions
			if cfg.FromLogits {
				scored = tensor.Sigmoid(predictions)
			}
			for i, name := range cfg.Metrics {
				fn, ok := cfg.MetricFuncs[name]
				if !ok {
					continue
				}
				v, err := fn(scored, targets)
				if err != nil {
					return nil, fmt.Errorf("metric %s: %w", name, err)
				}
				sums[i] += v
			}
		}

		opt.ZeroGrad()
		grad, err := lossFn.Backward(predictions, targets)
		if err != nil {
			return nil, fmt.Errorf("loss backward failed: %w", err)
		}
		if _, err := model.Backward(cfg.Autocast.Round(scaler.ScaleGrad(grad))); err != nil {
			return nil, fmt.Errorf("backward pass failed: %w", err)
		}

		stepped, err := scaler.Step(opt)
		if err != nil {
			return nil, fmt.Errorf("optimizer step failed: %w", err)
		}
		if !stepped {
			log.Debug("skipped optimizer step on non-finite gradients",
				zap.Int("batch", batches), zap.Float64("scale", scaler.Scale()))
		}
		scaler.Update()

		totalLoss += loss
		batches++
		bar.Update(batches)
		bar.SetPostfix(map[string]float64{"loss": loss})
	}
	bar.Finish()

	if batches == 0 {
		return nil, ErrEmptyLoader
	}

	n := float64(batches)
	out := make(EpochMetrics, 0, len(cfg.Metrics)+1)
	for i, name := range cfg.Metrics {
		out = append(out, Metric{Name: name, Value: sums[i] / n})
	}
	out = append(out, Metric{Name: "loss", Value: totalLoss / n})
	return out, nil
}

// ValidateConfig controls Validate.
type ValidateConfig struct {
	// Loss, when set, is evaluated on the raw outputs and averaged over batches.
	Loss       Loss
	FromLogits bool
	Threshold  float32
	// Metrics are computed on the binarized predictions and reported as val_<name>.
	// "accuracy" and "dice" are always reported and are not repeated here.
	Metrics     []string
	MetricFuncs map[string]MetricFunc
	Description string
	Progress    io.Writer
}

// DefaultValidateConfig expects logits and thresholds probabilities at 0.5.
func DefaultValidateConfig() ValidateConfig {
	return ValidateConfig{FromLogits: true, Threshold: 0.5}
}

// ValidationResult aggregates one validation pass.
type ValidationResult struct {
	Loss      float64
	Accuracy  float64
	Dice      float64
	Metrics   EpochMetrics
	Confusion *ConfusionMatrix
	Batches   int
	Pixels    int64
}

// Validate runs inference over loader with the model in eval mode and leaves it in train mode.
// Accuracy is correct pixels over all pixels; Dice is the mean per-batch score of the
// thresholded predictions.
func Validate(ctx context.Context, loader Loader, model Model, cfg ValidateConfig) (*ValidationResult, error) {
	if loader.Len() == 0 {
		return nil, ErrEmptyLoader
	}
	model.Eval()
	defer model.Train()

	diceFn := MetricFunc(DiceScore)
	if fn, ok := cfg.MetricFuncs["dice"]; ok {
		diceFn = fn
	}
	extra := make([]string, 0, len(cfg.Metrics))
	for _, name := range cfg.Metrics {
		if name != "accuracy" && name != "dice" {
			extra = append(extra, name)
		}
	}

	desc := cfg.Description
	if desc == "" {
		desc = "valid"
	}
	bar := NewProgressBar(cfg.Progress, desc, loader.Len())

	res := &ValidationResult{Confusion: NewConfusionMatrix()}
	var correct int64
	var diceSum, lossSum float64
	sums := make([]float64, len(extra))

	loader.Reset()
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("validation interrupted after %d batches: %w", res.Batches, err)
		}
		batch, err := loader.Next(ctx)
		if err != nil {
			return nil, err
		}
		if batch == nil {
			break
		}
		targets := batch.Labels

		outputs, err := model.Forward(batch.Data)
		if err != nil {
			return nil, fmt.Errorf("validation forward pass failed: %w", err)
		}
		if !tensor.SameShape(outputs, targets) {
			return nil, fmt.Errorf("%w: predictions %v, targets %v", tensor.ErrShapeMismatch, outputs.Shape, targets.Shape)
		}

		if cfg.Loss != nil {
			l, err := cfg.Loss.Forward(outputs, targets)
			if err != nil {
				return nil, fmt.Errorf("validation loss computation failed: %w", err)
			}
			lossSum += l
		}

		probs := outputs
		if cfg.FromLogits {
			probs = tensor.Sigmoid(outputs)
		}
		preds := tensor.Threshold(probs, cfg.Threshold)

		n, err := tensor.CountEqual(preds, targets)
		if err != nil {
			return nil, err
		}
		correct += int64(n)
		res.Pixels += int64(preds.NumElems)

		d, err := diceFn(preds, targets)
		if err != nil {
			return nil, fmt.Errorf("metric dice: %w", err)
		}
		diceSum += d

		for i, name := range extra {
			fn, ok := cfg.MetricFuncs[name]
			if !ok {
				continue
			}
			v, err := fn(preds, targets)
			if err != nil {
				return nil, fmt.Errorf("metric %s: %w", name, err)
			}
			sums[i] += v
		}
		if err := res.Confusion.UpdateFromMasks(preds, targets); err != nil {
			return nil, err
		}

		res.Batches++
		bar.Update(res.Batches)
	}
	bar.Finish()

	if res.Batches == 0 {
		return nil, ErrEmptyLoader
	}

	nb := float64(res.Batches)
	res.Accuracy = float64(correct) / float64(res.Pixels)
	res.Dice = diceSum / nb
	res.Loss = lossSum / nb
	for i, name := range extra {
		res.Metrics = append(res.Metrics, Metric{Name: "val_" + name, Value: sums[i] / nb})
	}
	return res, nil
}
