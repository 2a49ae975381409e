package train

import (
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/motionlab/bgmix/bgmix-golib/serialization"
	"github.com/motionlab/bgmix/bgmix-golib/tensor"
	"github.com/motionlab/bgmix/bgmix-go/traindata"
	"github.com/motionlab/bgmix/bgmix-go/videomodel"
	"github.com/motionlab/bgmix/bgmix-go/videomodel/backbone"
	"github.com/motionlab/bgmix/bgmix-go/videomodel/schedule"
)

func smallModelConfig() videomodel.Config {
	spec := backbone.DefaultConvSpec()
	spec.Depth = 18
	spec.WidthPerGroup = 8
	spec.FastChannelRatio = 4
	spec.EmbedDim = 16
	return videomodel.Config{Backbone: spec, NumClasses: 3, Seed: 1}
}

func dispatchBatch(t *testing.T) *traindata.Batch {
	t.Helper()
	rng := rand.New(rand.NewSource(11))
	labels := tensor.New(4, 3)
	for i := 0; i < 4; i++ {
		labels.Data[i*3+i%3] = 1
	}
	b := &traindata.Batch{
		FGFrames: tensor.Randn(rng, 1, 4, 3, 8, 8, 8),
		BGFrames: tensor.Randn(rng, 1, 4, 3, 8, 8, 8),
		Mask:     make([]bool, 4),
		Labels:   labels,
	}
	require.NoError(t, b.Validate())
	return b
}

func TestResolveModeMutuallyExclusive(t *testing.T) {
	mode, err := ResolveMode(DispatchConfig{})
	require.NoError(t, err)
	assert.Equal(t, ModePlain, mode)

	_, err = ResolveMode(DispatchConfig{
		Contrastive: true,
		Manifold:    videomodel.ManifoldMixupConfig{Enable: true, Pairs: true},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CONTRASTIVE")
	assert.Contains(t, err.Error(), "MANIFOLD_MIXUP")

	mode, err = ResolveMode(DispatchConfig{
		Manifold: videomodel.ManifoldMixupConfig{Enable: true, Triplets: true},
	})
	require.NoError(t, err)
	assert.Equal(t, ModeManifoldTriplets, mode)
}

func TestResolveModeRejectsUnrecognizedCombination(t *testing.T) {
	// mixing enabled with neither subtract nor add is not a recognized mode
	_, err := ResolveMode(DispatchConfig{
		FGBG: videomodel.FGBGMixupConfig{Enable: true},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SUBTRACT_BG")

	_, err = ResolveMode(DispatchConfig{
		Manifold: videomodel.ManifoldMixupConfig{Enable: true},
	})
	require.Error(t, err)

	// the error fires at construction, before any forward pass
	_, err = NewDispatcher(DispatchConfig{
		FGBG: videomodel.FGBGMixupConfig{Enable: true},
	}, 0)
	require.Error(t, err)
}

func TestComposeLossTriplets(t *testing.T) {
	d, err := NewDispatcher(DispatchConfig{LossName: "bce_logit"}, 0)
	require.NoError(t, err)

	preds := tensor.FromSlice([]float32{1, -1, 0.5, -0.5, 2, 0}, 2, 3)
	yA := tensor.FromSlice([]float32{1, 0, 0, 0, 1, 0}, 2, 3)
	yB := tensor.FromSlice([]float32{0, 1, 0, 1, 0, 0}, 2, 3)
	yC := tensor.FromSlice([]float32{0, 0, 1, 0, 0, 1}, 2, 3)
	w := func(v float32) []float32 { return []float32{v, v} }

	loss, grad, err := d.composeLoss(preds,
		[]*tensor.Tensor{yA, yB, yC},
		[][]float32{w(0.5), w(0.3), w(0.2)})
	require.NoError(t, err)
	require.Equal(t, []int{2, 3}, grad.Shape)

	lA, err := d.loss.Loss(preds, yA)
	require.NoError(t, err)
	lB, err := d.loss.Loss(preds, yB)
	require.NoError(t, err)
	lC, err := d.loss.Loss(preds, yC)
	require.NoError(t, err)
	assert.InDelta(t, 0.5*lA+0.3*lB+0.2*lC, loss, 1e-6)
}

func TestStepPlain(t *testing.T) {
	m, err := videomodel.Build("plain", smallModelConfig())
	require.NoError(t, err)
	d, err := NewDispatcher(DispatchConfig{}, 0)
	require.NoError(t, err)

	res, err := d.Step(m, dispatchBatch(t), 0, 0, true)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 3}, res.Preds.Shape)
	assert.Equal(t, []int{4, 3}, res.Grad.Shape)
	assert.Greater(t, res.Loss, 0.0)
	assert.Nil(t, res.Ortho)
}

func TestStepFGBGAddsOrtho(t *testing.T) {
	cfg := smallModelConfig()
	cfg.FGBG = videomodel.FGBGMixupConfig{
		Enable: true,
		SubtractBG: videomodel.SubtractBGConfig{
			Enable:    true,
			AlphaMax:  1,
			Scheduler: schedule.PolicyExp,
			OrthoEmbs: true,
		},
	}
	m, err := videomodel.Build("fgbg_mixup", cfg)
	require.NoError(t, err)
	d, err := NewDispatcher(DispatchConfig{FGBG: cfg.FGBG}, 0)
	require.NoError(t, err)
	require.Equal(t, ModeFGBG, d.Mode())

	res, err := d.Step(m, dispatchBatch(t), 0, 0.5, true)
	require.NoError(t, err)
	require.NotNil(t, res.Ortho)

	primary, err := d.loss.Loss(res.Preds, dispatchBatch(t).Labels)
	require.NoError(t, err)
	assert.InDelta(t, primary+float64(*res.Ortho), res.Loss, 1e-6)
}

func TestStepManifoldPairs(t *testing.T) {
	cfg := smallModelConfig()
	cfg.Manifold = videomodel.ManifoldMixupConfig{Enable: true, Pairs: true, Alpha: 2}
	m, err := videomodel.Build("manifold_mixup", cfg)
	require.NoError(t, err)
	d, err := NewDispatcher(DispatchConfig{Manifold: cfg.Manifold}, 0)
	require.NoError(t, err)

	res, err := d.Step(m, dispatchBatch(t), 0, 0, true)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 3}, res.Preds.Shape)
	assert.Equal(t, []int{4, 3}, res.Grad.Shape)

	// eval falls back to the unmixed forward
	res, err = d.Step(m, dispatchBatch(t), 0, 0, false)
	require.NoError(t, err)
	assert.NotNil(t, res.Grad)
}

func TestStepFramewise(t *testing.T) {
	cfg := smallModelConfig()
	cfg.Framewise = videomodel.FramewiseMixupConfig{Enable: true, PerFrame: true, Alpha: 1}
	m, err := videomodel.Build("framewise_mixup", cfg)
	require.NoError(t, err)
	d, err := NewDispatcher(DispatchConfig{Framewise: cfg.Framewise}, 0)
	require.NoError(t, err)

	batch := dispatchBatch(t)
	res, err := d.Step(m, batch, 0, 0, true)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 3}, res.Preds.Shape)
	// one gradient row per (sample, time step), matching the head input
	assert.Equal(t, []int{4 * 8, 3}, res.Grad.Shape)
	assert.Equal(t, 4*8, m.HeadInput().Dim(0))
}

func TestStepPseudoLabels(t *testing.T) {
	dir, err := ioutil.TempDir("", "pseudo")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	store := traindata.PseudoLabelStore{Entries: map[string]traindata.PseudoEntry{
		traindata.Key([]float32{1, 0, 0}): {PseudoLabels: [][]float32{{1, 1, 0}}},
		traindata.Key([]float32{0, 1, 0}): {PseudoLabels: [][]float32{{0, 1, 1}}},
		traindata.Key([]float32{0, 0, 1}): {PseudoLabels: [][]float32{{1, 0, 1}}},
	}}
	path := filepath.Join(dir, "pseudo.json")
	require.NoError(t, serialization.Encode(path, store))
	pl := PseudoLabelConfig{Enable: true, Path: path, Weight: 1}

	// plain mode: the pseudo term raises the loss
	m1, err := videomodel.Build("plain", smallModelConfig())
	require.NoError(t, err)
	m2, err := videomodel.Build("plain", smallModelConfig())
	require.NoError(t, err)
	withPseudo, err := NewDispatcher(DispatchConfig{PseudoLabels: pl}, 0)
	require.NoError(t, err)
	plain, err := NewDispatcher(DispatchConfig{}, 0)
	require.NoError(t, err)

	augmented, err := withPseudo.Step(m1, dispatchBatch(t), 0, 0, true)
	require.NoError(t, err)
	bare, err := plain.Step(m2, dispatchBatch(t), 0, 0, true)
	require.NoError(t, err)
	assert.Greater(t, augmented.Loss, bare.Loss)
	assert.Equal(t, bare.Grad.Shape, augmented.Grad.Shape)
}

func TestStepFramewisePseudoLabelsNoop(t *testing.T) {
	dir, err := ioutil.TempDir("", "pseudo")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	store := traindata.PseudoLabelStore{Entries: map[string]traindata.PseudoEntry{
		traindata.Key([]float32{1, 0, 0}): {PseudoLabels: [][]float32{{1, 1, 0}}},
		traindata.Key([]float32{0, 1, 0}): {PseudoLabels: [][]float32{{0, 1, 1}}},
		traindata.Key([]float32{0, 0, 1}): {PseudoLabels: [][]float32{{1, 0, 1}}},
	}}
	path := filepath.Join(dir, "pseudo.json")
	require.NoError(t, serialization.Encode(path, store))

	cfg := smallModelConfig()
	cfg.Framewise = videomodel.FramewiseMixupConfig{Enable: true, PerFrame: true, Alpha: 1}
	m1, err := videomodel.Build("framewise_mixup", cfg)
	require.NoError(t, err)
	m2, err := videomodel.Build("framewise_mixup", cfg)
	require.NoError(t, err)

	withPseudo, err := NewDispatcher(DispatchConfig{
		Framewise:    cfg.Framewise,
		PseudoLabels: PseudoLabelConfig{Enable: true, Path: path, Weight: 1},
	}, 0)
	require.NoError(t, err)
	bare, err := NewDispatcher(DispatchConfig{Framewise: cfg.Framewise}, 0)
	require.NoError(t, err)

	// per-frame gradient rows cannot absorb the clip-level pseudo term, so
	// the reported loss must match the applied update and stay unaugmented
	augmented, err := withPseudo.Step(m1, dispatchBatch(t), 0, 0, true)
	require.NoError(t, err)
	base, err := bare.Step(m2, dispatchBatch(t), 0, 0, true)
	require.NoError(t, err)
	assert.InDelta(t, base.Loss, augmented.Loss, 1e-6)
	assert.Equal(t, base.Grad.Data, augmented.Grad.Data)
}

func TestStepUnimplementedModeInterfaces(t *testing.T) {
	m, err := videomodel.Build("plain", smallModelConfig())
	require.NoError(t, err)

	for _, cfg := range []DispatchConfig{
		{Contrastive: true},
		{Detection: true},
		{MaskedModeling: true},
	} {
		d, err := NewDispatcher(cfg, 0)
		require.NoError(t, err)
		_, err = d.Step(m, dispatchBatch(t), 0, 0, true)
		require.Error(t, err)
	}
}
