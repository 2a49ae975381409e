package videomodel

import (
	"math/rand"

	"github.com/motionlab/bgmix/bgmix-golib/tensor"
	"github.com/motionlab/bgmix/bgmix-go/traindata"
	"github.com/motionlab/bgmix/bgmix-go/videomodel/backbone"
)

// DualFGBG holds two frozen, separately trained encoders under the names
// fg_model and bg_model, fusing their pooled features through a three-layer
// MLP before projection. Only the fusion head trains.
type DualFGBG struct {
	headed
	fgModel backbone.Backbone
	bgModel backbone.Backbone
	fuse    []*backbone.Linear
	params  backbone.ParamSet
}

// NewDualFGBG builds the dual-stream fusion variant.
func NewDualFGBG(cfg Config) (Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fgSpec, bgSpec := cfg.Backbone, cfg.Backbone
	fgSpec.Seed = cfg.Seed + 10
	bgSpec.Seed = cfg.Seed + 11
	fg, err := backbone.Build(fgSpec)
	if err != nil {
		return nil, err
	}
	bg, err := backbone.Build(bgSpec)
	if err != nil {
		return nil, err
	}

	mlpDim := cfg.HeadMLPDim
	if mlpDim <= 0 {
		mlpDim = fg.EmbedDim()
	}

	rng := rand.New(rand.NewSource(cfg.Seed + 3))
	m := &DualFGBG{
		fgModel: fg,
		bgModel: bg,
		fuse: []*backbone.Linear{
			backbone.NewLinear(rng, 2*fg.EmbedDim(), mlpDim),
			backbone.NewLinear(rng, mlpDim, mlpDim/2),
			backbone.NewLinear(rng, mlpDim/2, mlpDim/4),
		},
		params: backbone.ParamSet{},
	}
	m.head = backbone.NewLinear(rng, mlpDim/4, cfg.NumClasses)

	m.params.Merge("fg_model", fg.Params())
	m.params.Merge("bg_model", bg.Params())
	for i, l := range m.fuse {
		m.params.Merge("fusion", l.Params(fuseName(i)))
	}
	m.params.Merge("projection", m.head.Params("fc"))
	return m, nil
}

func fuseName(i int) string {
	return []string{"linear_1", "linear_2", "linear_3"}[i]
}

// Forward runs both encoders, concatenates their embeddings and fuses.
func (m *DualFGBG) Forward(batch *traindata.Batch) (*tensor.Tensor, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	fgEmb, err := m.fgModel.Extract(batch.FGFrames)
	if err != nil {
		return nil, err
	}
	bgEmb, err := m.bgModel.Extract(batch.BGFrames)
	if err != nil {
		return nil, err
	}

	n, d := fgEmb.Dim(0), fgEmb.Dim(1)
	cat := tensor.New(n, 2*d)
	for i := 0; i < n; i++ {
		copy(cat.Row(i)[:d], fgEmb.Row(i))
		copy(cat.Row(i)[d:], bgEmb.Row(i))
	}

	x := cat
	for _, l := range m.fuse {
		x = tensor.ReLU(l.Apply(x))
	}
	return m.project(x), nil
}

// LoadEncoders installs separately trained encoder checkpoints into the two
// named sub-modules. Called before (and during multi-process) FG/BG training.
func (m *DualFGBG) LoadEncoders(fgPath, bgPath string) error {
	if err := backbone.LoadSubModule(fgPath, m.params, "fg_model"); err != nil {
		return err
	}
	return backbone.LoadSubModule(bgPath, m.params, "bg_model")
}

// Params implements Model.
func (m *DualFGBG) Params() backbone.ParamSet { return m.params }
