package videomodel

import (
	"math/rand"

	"github.com/motionlab/bgmix/bgmix-golib/tensor"
	"github.com/motionlab/bgmix/bgmix-go/traindata"
	"github.com/motionlab/bgmix/bgmix-go/videomodel/backbone"
	"github.com/motionlab/bgmix/bgmix-go/videomodel/embed"
	"github.com/motionlab/bgmix/bgmix-go/videomodel/mixing"
)

// FGBGMixup extracts every stream through a shared backbone, narrows the
// mask with the classwise policy and feeds the mixed embedding to the head.
// Works with either backbone family.
type FGBGMixup struct {
	headed
	cfg       FGBGMixupConfig
	extractor *embed.Extractor
	policy    mixing.MaskPolicy
	// engines for the two epoch regimes of the bg2 gate
	engine    *mixing.Engine
	engineBG2 *mixing.Engine
	params    backbone.ParamSet
}

// NewFGBGMixup builds the FG/BG mixing variant.
func NewFGBGMixup(cfg Config) (Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b, err := backbone.Build(cfg.Backbone)
	if err != nil {
		return nil, err
	}

	engine, err := mixing.NewEngine(cfg.FGBG.mixing(false))
	if err != nil {
		return nil, err
	}
	engineBG2, err := mixing.NewEngine(cfg.FGBG.mixing(true))
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(cfg.Seed + 2))
	m := &FGBGMixup{
		cfg:       cfg.FGBG,
		extractor: embed.NewShared(b, cfg.FGBG.GenBGNoGrad),
		policy: mixing.NewMaskPolicy(
			cfg.FGBG.SubtractBG.ApplyClasswise.Enable,
			cfg.FGBG.SubtractBG.ApplyClasswise.Classes,
		),
		engine:    engine,
		engineBG2: engineBG2,
		params:    backbone.ParamSet{},
	}
	m.head = backbone.NewLinear(rng, b.EmbedDim(), cfg.NumClasses)
	m.params.Merge("backbone", b.Params())
	m.params.Merge("projection", m.head.Params("fc"))
	return m, nil
}

// Forward is the eval-style pass: no mixing unless MIX_ON_EVAL is set.
func (m *FGBGMixup) Forward(batch *traindata.Batch) (*tensor.Tensor, error) {
	preds, _, err := m.ForwardFGBG(batch, 0, nil, batch.Labels, false, false)
	return preds, err
}

// ForwardFGBG implements FGBGModel.
func (m *FGBGMixup) ForwardFGBG(batch *traindata.Batch, alpha float32, beta *float32, labels *tensor.Tensor, train, addBG2 bool) (*tensor.Tensor, *float32, error) {
	streams, err := m.extractor.ExtractAll(batch)
	if err != nil {
		return nil, nil, err
	}
	fg := streams[traindata.StreamFG].Vectors

	if !(train && m.cfg.Enable) && !(!train && m.cfg.MixOnEval) {
		return m.project(fg), nil, nil
	}

	mask := m.policy.Effective(batch.Mask, labels)

	var bg2 *tensor.Tensor
	if block, ok := streams[traindata.StreamBG2]; ok {
		bg2 = block.Vectors
	}
	engine := m.engine
	if addBG2 {
		engine = m.engineBG2
	}

	res, err := engine.Mix(fg, streams[traindata.StreamBG].Vectors, bg2, mask, alpha, beta)
	if err != nil {
		return nil, nil, err
	}
	return m.project(res.Mixed), res.OrthoLoss, nil
}

// Params implements Model.
func (m *FGBGMixup) Params() backbone.ParamSet { return m.params }
