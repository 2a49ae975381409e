package train

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/motionlab/bgmix/bgmix-golib/tensor"
	"github.com/motionlab/bgmix/bgmix-go/traindata"
	"github.com/motionlab/bgmix/bgmix-go/videomodel"
	"github.com/motionlab/bgmix/bgmix-go/videomodel/backbone"
)

// nanModel always produces a non-finite prediction.
type nanModel struct {
	head *backbone.Linear
	in   *tensor.Tensor
}

func newNaNModel() *nanModel {
	rng := rand.New(rand.NewSource(1))
	return &nanModel{head: backbone.NewLinear(rng, 2, 3), in: tensor.New(4, 2)}
}

func (m *nanModel) Forward(batch *traindata.Batch) (*tensor.Tensor, error) {
	preds := tensor.New(batch.Size(), batch.NumClasses())
	preds.Data[0] = float32(math.NaN())
	return preds, nil
}

func (m *nanModel) Params() backbone.ParamSet { return backbone.ParamSet{} }
func (m *nanModel) Head() *backbone.Linear    { return m.head }
func (m *nanModel) HeadInput() *tensor.Tensor { return m.in }

func TestNewTrainerValidation(t *testing.T) {
	m, err := videomodel.Build("plain", smallModelConfig())
	require.NoError(t, err)
	d, err := NewDispatcher(DispatchConfig{}, 0)
	require.NoError(t, err)

	_, err = NewTrainer(TrainerConfig{Epochs: 0, LR: 0.1}, m, d, nil, nil)
	require.Error(t, err)
	_, err = NewTrainer(TrainerConfig{Epochs: 1, LR: 0}, m, d, nil, nil)
	require.Error(t, err)
	_, err = NewTrainer(TrainerConfig{Epochs: 1, LR: 0.1}, m, d, nil, nil)
	require.NoError(t, err)
}

func TestHeadUpdateReducesLoss(t *testing.T) {
	m, err := videomodel.Build("plain", smallModelConfig())
	require.NoError(t, err)
	d, err := NewDispatcher(DispatchConfig{}, 0)
	require.NoError(t, err)
	tr, err := NewTrainer(TrainerConfig{Epochs: 10, LR: 1}, m, d, nil, nil)
	require.NoError(t, err)

	batches := []*traindata.Batch{dispatchBatch(t)}
	before, err := tr.Evaluate(batches, 0)
	require.NoError(t, err)
	for e := 0; e < 10; e++ {
		_, err := tr.runEpoch(batches, e, true)
		require.NoError(t, err)
	}
	after, err := tr.Evaluate(batches, 0)
	require.NoError(t, err)
	assert.Less(t, after, before)
}

func TestNaNLossAbortsEpoch(t *testing.T) {
	d, err := NewDispatcher(DispatchConfig{}, 0)
	require.NoError(t, err)
	tr, err := NewTrainer(TrainerConfig{Epochs: 1, LR: 0.1}, newNaNModel(), d, nil, nil)
	require.NoError(t, err)

	_, err = tr.runEpoch([]*traindata.Batch{dispatchBatch(t)}, 0, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-finite loss")
}

func TestEncoderReloadRequiresLoader(t *testing.T) {
	m, err := videomodel.Build("plain", smallModelConfig())
	require.NoError(t, err)
	d, err := NewDispatcher(DispatchConfig{}, 0)
	require.NoError(t, err)
	tr, err := NewTrainer(TrainerConfig{
		Epochs:        1,
		LR:            0.1,
		FGEncoderPath: "fg.json",
		BGEncoderPath: "bg.json",
	}, m, d, nil, nil)
	require.NoError(t, err)

	err = tr.Train(func(int) ([]*traindata.Batch, error) { return nil, nil }, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sub-encoders")
}

func TestClip(t *testing.T) {
	tr := &Trainer{cfg: TrainerConfig{Clip: ClipConfig{Value: 1}}}
	grad := []float32{3, -2, 0.5}
	require.NoError(t, tr.clip(grad))
	assert.Equal(t, []float32{1, -1, 0.5}, grad)

	tr = &Trainer{cfg: TrainerConfig{Clip: ClipConfig{MaxNorm: 1}}}
	grad = []float32{3, 4}
	require.NoError(t, tr.clip(grad))
	assert.InDelta(t, 0.6, float64(grad[0]), 1e-6)
	assert.InDelta(t, 0.8, float64(grad[1]), 1e-6)

	tr = &Trainer{cfg: TrainerConfig{Clip: ClipConfig{MaxNorm: 1}}}
	grad = []float32{float32(math.NaN())}
	require.Error(t, tr.clip(grad))
}

func TestLocalReducer(t *testing.T) {
	v, err := LocalReducer{}.ReduceScalar(2.5)
	require.NoError(t, err)
	assert.Equal(t, 2.5, v)
}
