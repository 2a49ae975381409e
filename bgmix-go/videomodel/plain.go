package videomodel

import (
	"math/rand"

	"github.com/motionlab/bgmix/bgmix-golib/tensor"
	"github.com/motionlab/bgmix/bgmix-go/traindata"
	"github.com/motionlab/bgmix/bgmix-go/videomodel/backbone"
)

// Plain is backbone + linear head over the foreground stream only.
type Plain struct {
	headed
	backbone backbone.Backbone
	params   backbone.ParamSet
}

// NewPlain builds the plain variant.
func NewPlain(cfg Config) (Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b, err := backbone.Build(cfg.Backbone)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed + 1))
	m := &Plain{backbone: b, params: backbone.ParamSet{}}
	m.head = backbone.NewLinear(rng, b.EmbedDim(), cfg.NumClasses)
	m.params.Merge("backbone", b.Params())
	m.params.Merge("projection", m.head.Params("fc"))
	return m, nil
}

// Forward embeds the foreground stream and projects to class logits.
func (m *Plain) Forward(batch *traindata.Batch) (*tensor.Tensor, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	embs, err := m.backbone.Extract(batch.FGFrames)
	if err != nil {
		return nil, err
	}
	return m.project(embs), nil
}

// Params implements Model.
func (m *Plain) Params() backbone.ParamSet { return m.params }
