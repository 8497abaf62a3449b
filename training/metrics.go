package training

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tsawler/go-segtrain/tensor"
)

// MetricFunc scores predictions against masks of the same shape. Higher is better.
type MetricFunc func(predicted, target *tensor.Tensor) (float64, error)

// metricEps keeps the overlap ratios defined when both masks are empty; they then score 1.
const metricEps = 1e-8

// DiceScore returns (2*sum(p*t) + eps) / (sum(p) + sum(t) + eps).
// Binary inputs give the hard Dice coefficient, probabilities the soft one.
func DiceScore(predicted, target *tensor.Tensor) (float64, error) {
	if !tensor.SameShape(predicted, target) {
		return 0, fmt.Errorf("%w: predictions %v, targets %v", tensor.ErrShapeMismatch, predicted.Shape, target.Shape)
	}
	var inter, total float64
	for i, p := range predicted.Data {
		t := float64(target.Data[i])
		inter += float64(p) * t
		total += float64(p) + t
	}
	return (2*inter + metricEps) / (total + metricEps), nil
}

// IoU returns the Jaccard index (sum(p*t) + eps) / (sum(p) + sum(t) - sum(p*t) + eps).
func IoU(predicted, target *tensor.Tensor) (float64, error) {
	if !tensor.SameShape(predicted, target) {
		return 0, fmt.Errorf("%w: predictions %v, targets %v", tensor.ErrShapeMismatch, predicted.Shape, target.Shape)
	}
	var inter, total float64
	for i, p := range predicted.Data {
		t := float64(target.Data[i])
		inter += float64(p) * t
		total += float64(p) + t
	}
	return (inter + metricEps) / (total - inter + metricEps), nil
}

// PixelAccuracy binarizes both tensors at 0.5 and returns the fraction of matching pixels.
func PixelAccuracy(predicted, target *tensor.Tensor) (float64, error) {
	if !tensor.SameShape(predicted, target) {
		return 0, fmt.Errorf("%w: predictions %v, targets %v", tensor.ErrShapeMismatch, predicted.Shape, target.Shape)
	}
	if predicted.NumElems == 0 {
		return 0, nil
	}
	correct, err := tensor.CountEqual(tensor.Threshold(predicted, 0.5), tensor.Threshold(target, 0.5))
	if err != nil {
		return 0, err
	}
	return float64(correct) / float64(predicted.NumElems), nil
}

// DefaultMetricFuncs returns the built-in metrics keyed by the names used in history.
func DefaultMetricFuncs() map[string]MetricFunc {
	return map[string]MetricFunc{
		"dice":     DiceScore,
		"iou":      IoU,
		"accuracy": PixelAccuracy,
	}
}

// MetricNames returns the sorted keys of funcs.
func MetricNames(funcs map[string]MetricFunc) []string {
	names := make([]string, 0, len(funcs))
	for name := range funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MetricType represents different evaluation metrics
type MetricType int

const (
	Precision MetricType = iota
	Recall
	F1Score
	Specificity
	NPV // Negative Predictive Value
	Jaccard
)

func (mt MetricType) String() string {
	switch mt {
	case Precision:
		return "Precision"
	case Recall:
		return "Recall"
	case F1Score:
		return "F1Score"
	case Specificity:
		return "Specificity"
	case NPV:
		return "NPV"
	case Jaccard:
		return "IoU"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// ConfusionMatrix counts binary pixel outcomes over a validation pass.
// Matrix is indexed [true_class][predicted_class] with class 1 as foreground.
type ConfusionMatrix struct {
	Matrix      [2][2]int64
	TotalPixels int64

	cachedMetrics map[MetricType]float64
}

func NewConfusionMatrix() *ConfusionMatrix {
	return &ConfusionMatrix{cachedMetrics: make(map[MetricType]float64)}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	cm.Matrix = [2][2]int64{}
	cm.TotalPixels = 0
	cm.cachedMetrics = make(map[MetricType]float64)
}

// UpdateFromMasks adds binarized predictions against the mask. Values above 0.5 count as foreground.
func (cm *ConfusionMatrix) UpdateFromMasks(predicted, target *tensor.Tensor) error {
	if !tensor.SameShape(predicted, target) {
		return fmt.Errorf("%w: predictions %v, targets %v", tensor.ErrShapeMismatch, predicted.Shape, target.Shape)
	}
	for i, p := range predicted.Data {
		var pc, tc int
		if p > 0.5 {
			pc = 1
		}
		if target.Data[i] > 0.5 {
			tc = 1
		}
		cm.Matrix[tc][pc]++
	}
	cm.TotalPixels += int64(predicted.NumElems)
	cm.cachedMetrics = make(map[MetricType]float64)
	return nil
}

func (cm *ConfusionMatrix) counts() (tp, fp, tn, fn float64) {
	return float64(cm.Matrix[1][1]), float64(cm.Matrix[0][1]), float64(cm.Matrix[0][0]), float64(cm.Matrix[1][0])
}

// GetMetric calculates and caches evaluation metrics. Undefined ratios are 0.
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	if value, ok := cm.cachedMetrics[metric]; ok {
		return value
	}

	tp, fp, tn, fn := cm.counts()
	var result float64
	switch metric {
	case Precision:
		result = ratio(tp, tp+fp)
	case Recall:
		result = ratio(tp, tp+fn)
	case F1Score:
		p, r := ratio(tp, tp+fp), ratio(tp, tp+fn)
		result = ratio(2*p*r, p+r)
	case Specificity:
		result = ratio(tn, tn+fp)
	case NPV:
		result = ratio(tn, tn+fn)
	case Jaccard:
		result = ratio(tp, tp+fp+fn)
	default:
		return 0
	}

	if cm.cachedMetrics == nil {
		cm.cachedMetrics = make(map[MetricType]float64)
	}
	cm.cachedMetrics[metric] = result
	return result
}

// GetAccuracy returns the fraction of correctly classified pixels.
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalPixels == 0 {
		return 0
	}
	return float64(cm.Matrix[0][0]+cm.Matrix[1][1]) / float64(cm.TotalPixels)
}

func (cm *ConfusionMatrix) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "              pred=0      pred=1\n")
	fmt.Fprintf(&b, "true=0  %10d  %10d\n", cm.Matrix[0][0], cm.Matrix[0][1])
	fmt.Fprintf(&b, "true=1  %10d  %10d\n", cm.Matrix[1][0], cm.Matrix[1][1])
	return b.String()
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}
