// Package train composes the per-batch training-mode dispatch, the loss
// functions and the epoch loop around the model variants.
package train

import (
	"math"
	"sort"
	"strings"

	"github.com/motionlab/bgmix/bgmix-golib/errors"
	"github.com/motionlab/bgmix/bgmix-golib/tensor"
)

// LossFunc scores [batch, numClasses] logits against label rows. Labels may
// be soft (mixup compositions); both implementations are linear in them.
type LossFunc interface {
	Name() string
	// Loss is the mean per-sample loss.
	Loss(preds, labels *tensor.Tensor) (float64, error)
	// PerSample returns one loss per row, for weighted mixup composition.
	PerSample(preds, labels *tensor.Tensor) ([]float64, error)
	// Grad returns dLoss/dLogits for the mean-reduced loss, same shape as
	// preds.
	Grad(preds, labels *tensor.Tensor) (*tensor.Tensor, error)
}

// lossFuncs maps config names to constructors, like the model registry.
var lossFuncs = map[string]func() LossFunc{
	"bce_logit":     func() LossFunc { return bceLogit{} },
	"cross_entropy": func() LossFunc { return crossEntropy{} },
}

// GetLossFunc resolves a loss by its config name.
func GetLossFunc(name string) (LossFunc, error) {
	ctor, ok := lossFuncs[name]
	if !ok {
		names := make([]string, 0, len(lossFuncs))
		for n := range lossFuncs {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, errors.Errorf("unknown loss function %q, expected one of: %s",
			name, strings.Join(names, ", "))
	}
	return ctor(), nil
}

func checkShapes(preds, labels *tensor.Tensor) error {
	if !preds.SameShape(labels) {
		return errors.Errorf("prediction/label shape mismatch: %v vs %v",
			preds.Shape, labels.Shape)
	}
	return nil
}

// bceLogit is binary cross-entropy with logits, averaged over samples and
// classes, for multi-label targets.
type bceLogit struct{}

func (bceLogit) Name() string { return "bce_logit" }

func (l bceLogit) PerSample(preds, labels *tensor.Tensor) ([]float64, error) {
	if err := checkShapes(preds, labels); err != nil {
		return nil, err
	}
	n, c := preds.Dim(0), preds.Dim(1)
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		var sum float64
		for j := 0; j < c; j++ {
			x := float64(preds.Data[i*c+j])
			y := float64(labels.Data[i*c+j])
			// stable form of y*log(sigmoid(x)) + (1-y)*log(1-sigmoid(x))
			sum += math.Max(x, 0) - x*y + math.Log1p(math.Exp(-math.Abs(x)))
		}
		out[i] = sum / float64(c)
	}
	return out, nil
}

func (l bceLogit) Loss(preds, labels *tensor.Tensor) (float64, error) {
	per, err := l.PerSample(preds, labels)
	if err != nil {
		return 0, err
	}
	return mean(per), nil
}

func (l bceLogit) Grad(preds, labels *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkShapes(preds, labels); err != nil {
		return nil, err
	}
	n, c := preds.Dim(0), preds.Dim(1)
	grad := tensor.New(n, c)
	scale := 1 / float64(n*c)
	for i := range grad.Data {
		s := 1 / (1 + math.Exp(-float64(preds.Data[i])))
		grad.Data[i] = float32((s - float64(labels.Data[i])) * scale)
	}
	return grad, nil
}

// crossEntropy is softmax cross-entropy over rows, supporting soft targets.
type crossEntropy struct{}

func (crossEntropy) Name() string { return "cross_entropy" }

func (l crossEntropy) PerSample(preds, labels *tensor.Tensor) ([]float64, error) {
	if err := checkShapes(preds, labels); err != nil {
		return nil, err
	}
	probs := tensor.SoftmaxRows(preds.Clone())
	n, c := preds.Dim(0), preds.Dim(1)
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		var sum float64
		for j := 0; j < c; j++ {
			y := float64(labels.Data[i*c+j])
			if y == 0 {
				continue
			}
			sum -= y * math.Log(float64(probs.Data[i*c+j])+1e-12)
		}
		out[i] = sum
	}
	return out, nil
}

func (l crossEntropy) Loss(preds, labels *tensor.Tensor) (float64, error) {
	per, err := l.PerSample(preds, labels)
	if err != nil {
		return 0, err
	}
	return mean(per), nil
}

func (l crossEntropy) Grad(preds, labels *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkShapes(preds, labels); err != nil {
		return nil, err
	}
	probs := tensor.SoftmaxRows(preds.Clone())
	n, c := preds.Dim(0), preds.Dim(1)
	grad := tensor.New(n, c)
	scale := 1 / float64(n)
	for i := 0; i < n; i++ {
		var mass float64
		for j := 0; j < c; j++ {
			mass += float64(labels.Data[i*c+j])
		}
		for j := 0; j < c; j++ {
			p := float64(probs.Data[i*c+j])
			y := float64(labels.Data[i*c+j])
			grad.Data[i*c+j] = float32((p*mass - y) * scale)
		}
	}
	return grad, nil
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
