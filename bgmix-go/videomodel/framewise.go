package videomodel

import (
	"math/rand"

	exprand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/motionlab/bgmix/bgmix-golib/tensor"
	"github.com/motionlab/bgmix/bgmix-go/traindata"
	"github.com/motionlab/bgmix/bgmix-go/videomodel/backbone"
)

// Framewise mixes raw frames between partner samples time step by time step
// and scores each step separately, so the loss can be composed per frame.
type Framewise struct {
	headed
	cfg      FramewiseMixupConfig
	backbone backbone.Backbone
	beta     distuv.Beta
	rng      *rand.Rand
	params   backbone.ParamSet
}

// NewFramewise builds the framewise-mixup variant.
func NewFramewise(cfg Config) (Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b, err := backbone.Build(cfg.Backbone)
	if err != nil {
		return nil, err
	}
	alpha := cfg.Framewise.Alpha
	if alpha <= 0 {
		alpha = 1
	}
	rng := rand.New(rand.NewSource(cfg.Seed + 6))
	m := &Framewise{
		cfg:      cfg.Framewise,
		backbone: b,
		beta: distuv.Beta{
			Alpha: alpha,
			Beta:  alpha,
			Src:   exprand.NewSource(uint64(cfg.Seed + 7)),
		},
		rng:    rng,
		params: backbone.ParamSet{},
	}
	m.head = backbone.NewLinear(rng, b.EmbedDim(), cfg.NumClasses)
	m.params.Merge("backbone", b.Params())
	m.params.Merge("projection", m.head.Params("fc"))
	return m, nil
}

// Forward scores the unmixed clip with per-frame logits averaged over time.
func (m *Framewise) Forward(batch *traindata.Batch) (*tensor.Tensor, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	preds, err := m.frameLogits(batch.FGFrames)
	if err != nil {
		return nil, err
	}
	n, t, c := preds.Dim(0), preds.Dim(1), preds.Dim(2)
	out := tensor.New(n, c)
	for i := 0; i < n; i++ {
		for ti := 0; ti < t; ti++ {
			tensor.Axpy(1, preds.Data[(i*t+ti)*c:(i*t+ti+1)*c], out.Row(i))
		}
		tensor.Scale(1/float32(t), out.Row(i))
	}
	return out, nil
}

// ForwardFramewise implements FramewiseModel.
func (m *Framewise) ForwardFramewise(batch *traindata.Batch) (*tensor.Tensor, *tensor.Tensor, []int, error) {
	if err := batch.Validate(); err != nil {
		return nil, nil, nil, err
	}
	frames := batch.FGFrames
	n, t := frames.Dim(0), frames.Dim(2)
	perm := m.rng.Perm(n)

	lamCols := 1
	if m.cfg.PerFrame {
		lamCols = t
	}
	lam := tensor.New(n, lamCols)
	for i := range lam.Data {
		lam.Data[i] = float32(m.beta.Rand())
	}

	mixed := mixFrames(frames, perm, lam)
	preds, err := m.frameLogits(mixed)
	if err != nil {
		return nil, nil, nil, err
	}
	return preds, lam, perm, nil
}

// frameLogits embeds each time step separately: [B, T, numClasses].
func (m *Framewise) frameLogits(frames *tensor.Tensor) (*tensor.Tensor, error) {
	n, c := frames.Dim(0), frames.Dim(1)
	t, h, w := frames.Dim(2), frames.Dim(3), frames.Dim(4)

	headIn := tensor.New(n*t, m.backbone.EmbedDim())
	plane := h * w
	for ti := 0; ti < t; ti++ {
		step := tensor.New(n, c, 1, h, w)
		for bi := 0; bi < n; bi++ {
			for ci := 0; ci < c; ci++ {
				src := frames.Data[((bi*c+ci)*t+ti)*plane : ((bi*c+ci)*t+ti+1)*plane]
				copy(step.Data[(bi*c+ci)*plane:(bi*c+ci+1)*plane], src)
			}
		}
		embs, err := m.backbone.Extract(step)
		if err != nil {
			return nil, err
		}
		for bi := 0; bi < n; bi++ {
			copy(headIn.Row(bi*t+ti), embs.Row(bi))
		}
	}

	logits := m.project(headIn)
	return logits.Reshape(n, t, logits.Dim(1)), nil
}

// mixFrames interpolates each sample's frames with its partner's, using one
// weight per frame or one per clip.
func mixFrames(frames *tensor.Tensor, perm []int, lam *tensor.Tensor) *tensor.Tensor {
	n, c := frames.Dim(0), frames.Dim(1)
	t, h, w := frames.Dim(2), frames.Dim(3), frames.Dim(4)
	plane := h * w
	out := tensor.New(n, c, t, h, w)
	for bi := 0; bi < n; bi++ {
		for ti := 0; ti < t; ti++ {
			l := lam.Row(bi)[0]
			if lam.Dim(1) > 1 {
				l = lam.Row(bi)[ti]
			}
			for ci := 0; ci < c; ci++ {
				off := ((bi*c+ci)*t + ti) * plane
				pOff := ((perm[bi]*c+ci)*t + ti) * plane
				dst := out.Data[off : off+plane]
				tensor.Axpy(l, frames.Data[off:off+plane], dst)
				tensor.Axpy(1-l, frames.Data[pOff:pOff+plane], dst)
			}
		}
	}
	return out
}

// Params implements Model.
func (m *Framewise) Params() backbone.ParamSet { return m.params }
