package videomodel

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/motionlab/bgmix/bgmix-golib/tensor"
	"github.com/motionlab/bgmix/bgmix-go/traindata"
	"github.com/motionlab/bgmix/bgmix-go/videomodel/backbone"
	"github.com/motionlab/bgmix/bgmix-go/videomodel/schedule"
)

const (
	testBatch   = 4
	testClasses = 3
	testFrames  = 8
)

func testSpec() backbone.Spec {
	spec := backbone.DefaultConvSpec()
	spec.Depth = 18
	spec.WidthPerGroup = 8
	spec.FastChannelRatio = 4
	spec.EmbedDim = 16
	return spec
}

func testConfig() Config {
	return Config{
		Backbone:   testSpec(),
		NumClasses: testClasses,
		TapClipLen: 4,
		Seed:       1,
	}
}

func testBatchOf(t *testing.T, masked []bool) *traindata.Batch {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	labels := tensor.New(testBatch, testClasses)
	for i := 0; i < testBatch; i++ {
		labels.Data[i*testClasses+i%testClasses] = 1
	}
	if masked == nil {
		masked = make([]bool, testBatch)
	}
	b := &traindata.Batch{
		FGFrames: tensor.Randn(rng, 1, testBatch, 3, testFrames, 8, 8),
		BGFrames: tensor.Randn(rng, 1, testBatch, 3, testFrames, 8, 8),
		Mask:     masked,
		Labels:   labels,
	}
	require.NoError(t, b.Validate())
	return b
}

func TestRegistry(t *testing.T) {
	assert.Equal(t,
		[]string{"dual_fgbg", "fgbg_mixup", "framewise_mixup", "manifold_mixup", "plain", "tap"},
		Names())

	_, err := Build("slowonly", testConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slowonly")
	assert.Contains(t, err.Error(), "plain")
}

func TestPlainForward(t *testing.T) {
	m, err := Build("plain", testConfig())
	require.NoError(t, err)

	preds, err := m.Forward(testBatchOf(t, nil))
	require.NoError(t, err)
	assert.Equal(t, []int{testBatch, testClasses}, preds.Shape)
	assert.False(t, preds.HasNaN())
	require.NotNil(t, m.Head())
	require.NotNil(t, m.HeadInput())
	assert.Equal(t, testBatch, m.HeadInput().Dim(0))
}

func fgbgConfig() Config {
	cfg := testConfig()
	cfg.FGBG = FGBGMixupConfig{
		Enable: true,
		SubtractBG: SubtractBGConfig{
			Enable:    true,
			AlphaMin:  0,
			AlphaMax:  1,
			Scheduler: schedule.PolicyExp,
		},
	}
	return cfg
}

func TestFGBGTrainEvalAgreementAtAlphaOne(t *testing.T) {
	m, err := NewFGBGMixup(fgbgConfig())
	require.NoError(t, err)
	fm := m.(FGBGModel)
	batch := testBatchOf(t, nil)

	evalPreds, err := m.Forward(batch)
	require.NoError(t, err)

	// alpha=1 removes no background, so training output matches eval.
	trainPreds, ortho, err := fm.ForwardFGBG(batch, 1, nil, batch.Labels, true, false)
	require.NoError(t, err)
	assert.Nil(t, ortho)
	assert.InDeltaSlice(t, evalPreds.Data, trainPreds.Data, 1e-5)

	mixedPreds, _, err := fm.ForwardFGBG(batch, 0.5, nil, batch.Labels, true, false)
	require.NoError(t, err)
	var diff float32
	for i := range mixedPreds.Data {
		d := mixedPreds.Data[i] - evalPreds.Data[i]
		if d < 0 {
			d = -d
		}
		diff += d
	}
	assert.Greater(t, diff, float32(0))
}

func TestFGBGMaskedBatchBypassesMixing(t *testing.T) {
	m, err := NewFGBGMixup(fgbgConfig())
	require.NoError(t, err)
	fm := m.(FGBGModel)
	batch := testBatchOf(t, []bool{true, true, true, true})

	evalPreds, err := m.Forward(batch)
	require.NoError(t, err)
	trainPreds, _, err := fm.ForwardFGBG(batch, 0.3, nil, batch.Labels, true, false)
	require.NoError(t, err)
	assert.InDeltaSlice(t, evalPreds.Data, trainPreds.Data, 1e-5)
}

func TestFGBGOrtho(t *testing.T) {
	cfg := fgbgConfig()
	cfg.FGBG.SubtractBG.OrthoEmbs = true
	m, err := NewFGBGMixup(cfg)
	require.NoError(t, err)
	fm := m.(FGBGModel)

	_, ortho, err := fm.ForwardFGBG(testBatchOf(t, nil), 0.5, nil, nil, true, false)
	require.NoError(t, err)
	require.NotNil(t, ortho)
	assert.GreaterOrEqual(t, *ortho, float32(0))
	assert.LessOrEqual(t, *ortho, float32(1))

	// every sample masked leaves nothing to orthogonalize
	_, _, err = fm.ForwardFGBG(testBatchOf(t, []bool{true, true, true, true}), 0.5, nil, nil, true, false)
	require.Error(t, err)
}

func TestDualForwardAndParams(t *testing.T) {
	cfg := testConfig()
	cfg.HeadMLPDim = 16
	m, err := NewDualFGBG(cfg)
	require.NoError(t, err)

	preds, err := m.Forward(testBatchOf(t, nil))
	require.NoError(t, err)
	assert.Equal(t, []int{testBatch, testClasses}, preds.Shape)

	var fg, bg bool
	for _, name := range m.Params().Names() {
		if len(name) > 9 && name[:9] == "fg_model/" {
			fg = true
		}
		if len(name) > 9 && name[:9] == "bg_model/" {
			bg = true
		}
	}
	assert.True(t, fg)
	assert.True(t, bg)
	_, ok := m.Params()["projection/fc/w"]
	assert.True(t, ok)
	_, ok = m.(EncoderLoader)
	assert.True(t, ok)
}

func TestManifoldPairs(t *testing.T) {
	cfg := testConfig()
	cfg.Manifold = ManifoldMixupConfig{Enable: true, Pairs: true, Alpha: 2}
	m, err := NewManifoldMixup(cfg)
	require.NoError(t, err)
	mm := m.(ManifoldModel)
	batch := testBatchOf(t, nil)

	preds, yA, yB, lam, err := mm.ForwardMixupPairs(batch)
	require.NoError(t, err)
	assert.Equal(t, []int{testBatch, testClasses}, preds.Shape)
	assert.Equal(t, batch.Labels, yA)
	require.Len(t, lam, testBatch)
	for _, l := range lam {
		assert.GreaterOrEqual(t, l, float32(0))
		assert.LessOrEqual(t, l, float32(1))
	}

	// partner labels are a row permutation, so per-class mass is conserved
	var sumA, sumB float32
	for i := range yA.Data {
		sumA += yA.Data[i]
		sumB += yB.Data[i]
	}
	assert.Equal(t, sumA, sumB)
}

func TestManifoldTriplets(t *testing.T) {
	cfg := testConfig()
	cfg.Manifold = ManifoldMixupConfig{Enable: true, Triplets: true, Alpha: 2}
	m, err := NewManifoldMixup(cfg)
	require.NoError(t, err)
	mm := m.(ManifoldModel)

	preds, _, yB, yC, lam1, lam2, err := mm.ForwardMixupTriplets(testBatchOf(t, nil))
	require.NoError(t, err)
	assert.Equal(t, []int{testBatch, testClasses}, preds.Shape)
	assert.Equal(t, []int{testBatch, testClasses}, yB.Shape)
	assert.Equal(t, []int{testBatch, testClasses}, yC.Shape)
	assert.Len(t, lam1, testBatch)
	assert.Len(t, lam2, testBatch)
}

func TestManifoldConfigExclusive(t *testing.T) {
	cfg := testConfig()
	cfg.Manifold = ManifoldMixupConfig{Enable: true, Pairs: true, Triplets: true}
	_, err := NewManifoldMixup(cfg)
	require.Error(t, err)

	cfg.Manifold = ManifoldMixupConfig{Enable: true}
	_, err = NewManifoldMixup(cfg)
	require.Error(t, err)
}

func TestFramewise(t *testing.T) {
	cfg := testConfig()
	cfg.Framewise = FramewiseMixupConfig{Enable: true, PerFrame: true, Alpha: 1}
	m, err := NewFramewise(cfg)
	require.NoError(t, err)
	fm := m.(FramewiseModel)
	batch := testBatchOf(t, nil)

	preds, lam, perm, err := fm.ForwardFramewise(batch)
	require.NoError(t, err)
	assert.Equal(t, []int{testBatch, testFrames, testClasses}, preds.Shape)
	assert.Equal(t, []int{testBatch, testFrames}, lam.Shape)
	require.Len(t, perm, testBatch)
	for _, l := range lam.Data {
		assert.GreaterOrEqual(t, l, float32(0))
		assert.LessOrEqual(t, l, float32(1))
	}

	evalPreds, err := m.Forward(batch)
	require.NoError(t, err)
	assert.Equal(t, []int{testBatch, testClasses}, evalPreds.Shape)
}

func TestFramewiseScalarLam(t *testing.T) {
	cfg := testConfig()
	cfg.Framewise = FramewiseMixupConfig{Enable: true, Alpha: 1}
	m, err := NewFramewise(cfg)
	require.NoError(t, err)

	_, lam, _, err := m.(FramewiseModel).ForwardFramewise(testBatchOf(t, nil))
	require.NoError(t, err)
	assert.Equal(t, []int{testBatch, 1}, lam.Shape)
}

func TestTapClip(t *testing.T) {
	m, err := NewTapClip(testConfig())
	require.NoError(t, err)

	preds, err := m.Forward(testBatchOf(t, nil))
	require.NoError(t, err)
	assert.Equal(t, []int{testBatch, testClasses}, preds.Shape)

	cfg := testConfig()
	cfg.TapClipLen = testFrames * 2
	m, err = NewTapClip(cfg)
	require.NoError(t, err)
	_, err = m.Forward(testBatchOf(t, nil))
	require.Error(t, err)

	cfg.TapClipLen = 0
	_, err = NewTapClip(cfg)
	require.Error(t, err)
}

func TestFGBGConfigValidation(t *testing.T) {
	cfg := testConfig()
	cfg.FGBG = FGBGMixupConfig{Enable: true}
	require.Error(t, cfg.Validate())

	cfg = fgbgConfig()
	cfg.FGBG.AddBG = AddBGConfig{Enable: true}
	require.Error(t, cfg.Validate())
}
