package videomodel

import (
	"math/rand"

	exprand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/motionlab/bgmix/bgmix-golib/errors"
	"github.com/motionlab/bgmix/bgmix-golib/tensor"
	"github.com/motionlab/bgmix/bgmix-go/traindata"
	"github.com/motionlab/bgmix/bgmix-go/videomodel/backbone"
)

// ManifoldMixup interpolates pooled latents between randomly paired samples
// before projection, returning the partner label sets and weights so the
// loss can be composed downstream.
type ManifoldMixup struct {
	headed
	cfg      ManifoldMixupConfig
	backbone backbone.Backbone
	beta     distuv.Beta
	rng      *rand.Rand
	params   backbone.ParamSet
}

// NewManifoldMixup builds the latent-mixup variant.
func NewManifoldMixup(cfg Config) (Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Manifold.Enable {
		return nil, errors.Errorf("config error: manifold mixup variant requires MANIFOLD_MIXUP enabled")
	}
	b, err := backbone.Build(cfg.Backbone)
	if err != nil {
		return nil, err
	}
	alpha := cfg.Manifold.Alpha
	if alpha <= 0 {
		alpha = 1
	}
	rng := rand.New(rand.NewSource(cfg.Seed + 4))
	m := &ManifoldMixup{
		cfg:      cfg.Manifold,
		backbone: b,
		beta: distuv.Beta{
			Alpha: alpha,
			Beta:  alpha,
			Src:   exprand.NewSource(uint64(cfg.Seed + 5)),
		},
		rng:    rng,
		params: backbone.ParamSet{},
	}
	m.head = backbone.NewLinear(rng, b.EmbedDim(), cfg.NumClasses)
	m.params.Merge("backbone", b.Params())
	m.params.Merge("projection", m.head.Params("fc"))
	return m, nil
}

// Forward is the eval-style pass with no mixing.
func (m *ManifoldMixup) Forward(batch *traindata.Batch) (*tensor.Tensor, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	embs, err := m.backbone.Extract(batch.FGFrames)
	if err != nil {
		return nil, err
	}
	return m.project(embs), nil
}

// ForwardMixupPairs implements ManifoldModel.
func (m *ManifoldMixup) ForwardMixupPairs(batch *traindata.Batch) (*tensor.Tensor, *tensor.Tensor, *tensor.Tensor, []float32, error) {
	embs, err := m.embed(batch)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	n := embs.Dim(0)
	perm := m.rng.Perm(n)
	lam := m.sampleLam(n)

	mixed := tensor.New(n, embs.Dim(1))
	for i := 0; i < n; i++ {
		dst := mixed.Row(i)
		tensor.Axpy(lam[i], embs.Row(i), dst)
		tensor.Axpy(1-lam[i], embs.Row(perm[i]), dst)
	}

	yA := batch.Labels
	yB := permuteRows(batch.Labels, perm)
	return m.project(mixed), yA, yB, lam, nil
}

// ForwardMixupTriplets implements ManifoldModel. The third label set is
// weighted by 1 - lam1 - lam2 downstream.
func (m *ManifoldMixup) ForwardMixupTriplets(batch *traindata.Batch) (*tensor.Tensor, *tensor.Tensor, *tensor.Tensor, *tensor.Tensor, []float32, []float32, error) {
	embs, err := m.embed(batch)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}
	n := embs.Dim(0)
	perm1 := m.rng.Perm(n)
	perm2 := m.rng.Perm(n)
	lam1 := m.sampleLam(n)
	lam2 := m.sampleLam(n)

	mixed := tensor.New(n, embs.Dim(1))
	for i := 0; i < n; i++ {
		dst := mixed.Row(i)
		tensor.Axpy(lam1[i], embs.Row(i), dst)
		tensor.Axpy(1-lam1[i], embs.Row(perm1[i]), dst)
		tensor.Axpy(lam2[i], embs.Row(perm2[i]), dst)
	}

	yA := batch.Labels
	yB := permuteRows(batch.Labels, perm1)
	yC := permuteRows(batch.Labels, perm2)
	return m.project(mixed), yA, yB, yC, lam1, lam2, nil
}

func (m *ManifoldMixup) embed(batch *traindata.Batch) (*tensor.Tensor, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	if batch.Labels == nil {
		return nil, errors.Errorf("manifold mixup needs labels in the batch")
	}
	return m.backbone.Extract(batch.FGFrames)
}

func (m *ManifoldMixup) sampleLam(n int) []float32 {
	lam := make([]float32, n)
	for i := range lam {
		lam[i] = float32(m.beta.Rand())
	}
	return lam
}

func permuteRows(t *tensor.Tensor, perm []int) *tensor.Tensor {
	out := tensor.New(t.Shape...)
	for i, p := range perm {
		copy(out.Row(i), t.Row(p))
	}
	return out
}

// Params implements Model.
func (m *ManifoldMixup) Params() backbone.ParamSet { return m.params }
