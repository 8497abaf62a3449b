package training

import (
	"fmt"
	"math"
	"strings"

	"github.com/tsawler/go-segtrain/tensor"
)

// Loss interface defines methods that all loss functions must implement.
// Both methods take raw model outputs (logits) and float masks of the same shape.
type Loss interface {
	Name() string
	Forward(predicted, target *tensor.Tensor) (float64, error)
	Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
}

func checkLossShapes(predicted, target *tensor.Tensor) error {
	if !tensor.SameShape(predicted, target) {
		return fmt.Errorf("%w: predictions %v, targets %v", tensor.ErrShapeMismatch, predicted.Shape, target.Shape)
	}
	if predicted.NumElems == 0 {
		return fmt.Errorf("loss over an empty tensor")
	}
	return nil
}

// softplus returns log(1+exp(z)) without overflow.
func softplus(z float64) float64 {
	return math.Max(z, 0) + math.Log1p(math.Exp(-math.Abs(z)))
}

// BCEWithLogitsLoss combines a sigmoid and binary cross entropy in the numerically stable form,
// averaged over every element.
type BCEWithLogitsLoss struct {
	// PosWeight scales the positive term. Zero means 1.
	PosWeight float32
}

func NewBCEWithLogitsLoss() *BCEWithLogitsLoss {
	return &BCEWithLogitsLoss{PosWeight: 1}
}

func (l *BCEWithLogitsLoss) Name() string { return "bce_with_logits" }

func (l *BCEWithLogitsLoss) posWeight() float64 {
	if l.PosWeight == 0 {
		return 1
	}
	return float64(l.PosWeight)
}

// Forward computes mean(pw*y*softplus(-x) + (1-y)*softplus(x)).
func (l *BCEWithLogitsLoss) Forward(predicted, target *tensor.Tensor) (float64, error) {
	if err := checkLossShapes(predicted, target); err != nil {
		return 0, err
	}
	pw := l.posWeight()
	var sum float64
	for i, v := range predicted.Data {
		x := float64(v)
		y := float64(target.Data[i])
		sum += pw*y*softplus(-x) + (1-y)*softplus(x)
	}
	return sum / float64(predicted.NumElems), nil
}

// Backward returns dL/dx = (sigmoid(x)*(1-y+pw*y) - pw*y) / N.
func (l *BCEWithLogitsLoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkLossShapes(predicted, target); err != nil {
		return nil, err
	}
	pw := float32(l.posWeight())
	n := float32(predicted.NumElems)
	grad := make([]float32, predicted.NumElems)
	for i, x := range predicted.Data {
		y := target.Data[i]
		s := tensor.SigmoidScalar(x)
		grad[i] = (s*(1-y+pw*y) - pw*y) / n
	}
	return tensor.NewTensor(predicted.Shape, grad)
}

// DiceLoss is 1 - soft Dice between sigmoid(logits) and the mask, computed over the whole batch.
type DiceLoss struct {
	Smooth float64
}

func NewDiceLoss() *DiceLoss {
	return &DiceLoss{Smooth: 1}
}

func (l *DiceLoss) Name() string { return "dice" }

func (l *DiceLoss) sums(predicted, target *tensor.Tensor) (probs []float64, inter, total float64) {
	probs = make([]float64, predicted.NumElems)
	for i, v := range predicted.Data {
		p := float64(tensor.SigmoidScalar(v))
		y := float64(target.Data[i])
		probs[i] = p
		inter += p * y
		total += p + y
	}
	return probs, inter, total
}

func (l *DiceLoss) Forward(predicted, target *tensor.Tensor) (float64, error) {
	if err := checkLossShapes(predicted, target); err != nil {
		return 0, err
	}
	_, inter, total := l.sums(predicted, target)
	return 1 - (2*inter+l.Smooth)/(total+l.Smooth), nil
}

func (l *DiceLoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkLossShapes(predicted, target); err != nil {
		return nil, err
	}
	probs, inter, total := l.sums(predicted, target)
	den := total + l.Smooth
	num := 2*inter + l.Smooth

	grad := make([]float32, predicted.NumElems)
	for i, p := range probs {
		y := float64(target.Data[i])
		dDice := (2*y*den - num) / (den * den)
		grad[i] = float32(-dDice * p * (1 - p))
	}
	return tensor.NewTensor(predicted.Shape, grad)
}

// WeightedLoss sums several losses with fixed weights, e.g. BCE + Dice.
type WeightedLoss struct {
	Terms   []Loss
	Weights []float64
}

// NewBCEDiceLoss returns bceWeight*BCEWithLogits + diceWeight*Dice.
func NewBCEDiceLoss(bceWeight, diceWeight float64) *WeightedLoss {
	return &WeightedLoss{
		Terms:   []Loss{NewBCEWithLogitsLoss(), NewDiceLoss()},
		Weights: []float64{bceWeight, diceWeight},
	}
}

func (l *WeightedLoss) Name() string {
	names := make([]string, len(l.Terms))
	for i, t := range l.Terms {
		names[i] = t.Name()
	}
	return strings.Join(names, "+")
}

func (l *WeightedLoss) Forward(predicted, target *tensor.Tensor) (float64, error) {
	var total float64
	for i, t := range l.Terms {
		v, err := t.Forward(predicted, target)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", t.Name(), err)
		}
		total += l.Weights[i] * v
	}
	return total, nil
}

func (l *WeightedLoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	grad := tensor.ZerosLike(predicted)
	for i, t := range l.Terms {
		g, err := t.Backward(predicted, target)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", t.Name(), err)
		}
		w := float32(l.Weights[i])
		for j, v := range g.Data {
			grad.Data[j] += w * v
		}
	}
	return grad, nil
}

// NewLoss maps a config name to a loss: "bce" (default), "dice" or "bce_dice".
func NewLoss(name string) (Loss, error) {
	switch strings.ToLower(name) {
	case "", "bce", "bce_with_logits":
		return NewBCEWithLogitsLoss(), nil
	case "dice":
		return NewDiceLoss(), nil
	case "bce_dice", "bce+dice":
		return NewBCEDiceLoss(1, 1), nil
	default:
		return nil, fmt.Errorf("unknown loss %q", name)
	}
}
