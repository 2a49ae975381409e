package train

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/motionlab/bgmix/bgmix-golib/tensor"
)

func TestGetLossFunc(t *testing.T) {
	for _, name := range []string{"bce_logit", "cross_entropy"} {
		fn, err := GetLossFunc(name)
		require.NoError(t, err)
		assert.Equal(t, name, fn.Name())
	}

	_, err := GetLossFunc("hinge")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hinge")
	assert.Contains(t, err.Error(), "bce_logit")
}

func TestBCELogit(t *testing.T) {
	fn, err := GetLossFunc("bce_logit")
	require.NoError(t, err)

	// zero logits: loss is log(2) per class regardless of target
	preds := tensor.New(2, 2)
	labels := tensor.FromSlice([]float32{1, 0, 0, 1}, 2, 2)
	loss, err := fn.Loss(preds, labels)
	require.NoError(t, err)
	assert.InDelta(t, math.Log(2), loss, 1e-6)

	grad, err := fn.Grad(preds, labels)
	require.NoError(t, err)
	require.Equal(t, []int{2, 2}, grad.Shape)
	// sigmoid(0)=0.5, scaled by 1/(n*c)
	assert.InDelta(t, (0.5-1)/4, float64(grad.Data[0]), 1e-6)
	assert.InDelta(t, 0.5/4, float64(grad.Data[1]), 1e-6)

	// a confident correct logit costs almost nothing
	preds = tensor.FromSlice([]float32{20, -20}, 1, 2)
	labels = tensor.FromSlice([]float32{1, 0}, 1, 2)
	loss, err = fn.Loss(preds, labels)
	require.NoError(t, err)
	assert.Less(t, loss, 1e-6)
}

func TestCrossEntropy(t *testing.T) {
	fn, err := GetLossFunc("cross_entropy")
	require.NoError(t, err)

	// uniform logits over 4 classes: loss is log(4)
	preds := tensor.New(1, 4)
	labels := tensor.FromSlice([]float32{0, 1, 0, 0}, 1, 4)
	loss, err := fn.Loss(preds, labels)
	require.NoError(t, err)
	assert.InDelta(t, math.Log(4), loss, 1e-5)

	grad, err := fn.Grad(preds, labels)
	require.NoError(t, err)
	// p - y for one-hot targets
	assert.InDelta(t, 0.25, float64(grad.Data[0]), 1e-5)
	assert.InDelta(t, 0.25-1, float64(grad.Data[1]), 1e-5)
}

func TestLossShapeMismatch(t *testing.T) {
	for _, name := range []string{"bce_logit", "cross_entropy"} {
		fn, err := GetLossFunc(name)
		require.NoError(t, err)
		_, err = fn.Loss(tensor.New(2, 3), tensor.New(2, 4))
		require.Error(t, err)
		_, err = fn.Grad(tensor.New(2, 3), tensor.New(3, 3))
		require.Error(t, err)
	}
}

func TestPerSampleMatchesLoss(t *testing.T) {
	preds := tensor.FromSlice([]float32{1, -2, 0.5, 3, -1, 0}, 2, 3)
	labels := tensor.FromSlice([]float32{1, 0, 1, 0, 1, 0}, 2, 3)
	for _, name := range []string{"bce_logit", "cross_entropy"} {
		fn, err := GetLossFunc(name)
		require.NoError(t, err)
		per, err := fn.PerSample(preds, labels)
		require.NoError(t, err)
		require.Len(t, per, 2)
		loss, err := fn.Loss(preds, labels)
		require.NoError(t, err)
		assert.InDelta(t, (per[0]+per[1])/2, loss, 1e-9)
	}
}
