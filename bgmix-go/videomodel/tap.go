package videomodel

import (
	"math/rand"
	"sort"

	"github.com/motionlab/bgmix/bgmix-golib/errors"
	"github.com/motionlab/bgmix/bgmix-golib/tensor"
	"github.com/motionlab/bgmix/bgmix-go/traindata"
	"github.com/motionlab/bgmix/bgmix-go/videomodel/backbone"
)

// TapClip splits a long clip into fixed-length sub-clips, scores each with a
// shared encoder, and aggregates per class over the highest-scoring sub-clips.
type TapClip struct {
	headed
	clipLen  int
	backbone backbone.Backbone
	params   backbone.ParamSet
}

// NewTapClip builds the sub-clip aggregation variant.
func NewTapClip(cfg Config) (Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.TapClipLen <= 0 {
		return nil, errors.Errorf("tap variant requires a positive clip length, got %d", cfg.TapClipLen)
	}
	b, err := backbone.Build(cfg.Backbone)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed + 8))
	m := &TapClip{
		clipLen:  cfg.TapClipLen,
		backbone: b,
		params:   backbone.ParamSet{},
	}
	m.head = backbone.NewLinear(rng, b.EmbedDim(), cfg.NumClasses)
	m.params.Merge("backbone", b.Params())
	m.params.Merge("projection", m.head.Params("fc"))
	return m, nil
}

// Forward scores every full-length sub-clip and keeps, per class, the mean of
// the top eighth of sub-clip logits (at least one).
func (m *TapClip) Forward(batch *traindata.Batch) (*tensor.Tensor, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	frames := batch.FGFrames
	n, t := frames.Dim(0), frames.Dim(2)
	nClips := t / m.clipLen
	if nClips == 0 {
		return nil, errors.Errorf("clip of %d frames is shorter than sub-clip length %d", t, m.clipLen)
	}

	clipLogits, err := m.clipLogits(frames, nClips)
	if err != nil {
		return nil, err
	}

	numClasses := clipLogits.Dim(2)
	k := nClips / 8
	if k < 1 {
		k = 1
	}
	out := tensor.New(n, numClasses)
	scores := make([]float64, nClips)
	for bi := 0; bi < n; bi++ {
		for ci := 0; ci < numClasses; ci++ {
			for j := 0; j < nClips; j++ {
				scores[j] = float64(clipLogits.Data[(bi*nClips+j)*numClasses+ci])
			}
			sort.Sort(sort.Reverse(sort.Float64Slice(scores)))
			var sum float64
			for j := 0; j < k; j++ {
				sum += scores[j]
			}
			out.Data[bi*numClasses+ci] = float32(sum / float64(k))
		}
	}
	return out, nil
}

// clipLogits embeds each contiguous sub-clip: [batch, nClips, numClasses].
// Trailing frames short of a full sub-clip are dropped.
func (m *TapClip) clipLogits(frames *tensor.Tensor, nClips int) (*tensor.Tensor, error) {
	n, c := frames.Dim(0), frames.Dim(1)
	t, h, w := frames.Dim(2), frames.Dim(3), frames.Dim(4)
	plane := h * w

	headIn := tensor.New(n*nClips, m.backbone.EmbedDim())
	for j := 0; j < nClips; j++ {
		sub := tensor.New(n, c, m.clipLen, h, w)
		for bi := 0; bi < n; bi++ {
			for ci := 0; ci < c; ci++ {
				for ti := 0; ti < m.clipLen; ti++ {
					src := frames.Data[((bi*c+ci)*t+j*m.clipLen+ti)*plane : ((bi*c+ci)*t+j*m.clipLen+ti+1)*plane]
					copy(sub.Data[((bi*c+ci)*m.clipLen+ti)*plane:((bi*c+ci)*m.clipLen+ti+1)*plane], src)
				}
			}
		}
		embs, err := m.backbone.Extract(sub)
		if err != nil {
			return nil, err
		}
		for bi := 0; bi < n; bi++ {
			copy(headIn.Row(bi*nClips+j), embs.Row(bi))
		}
	}

	logits := m.project(headIn)
	return logits.Reshape(n, nClips, logits.Dim(1)), nil
}

// Params implements Model.
func (m *TapClip) Params() backbone.ParamSet { return m.params }
