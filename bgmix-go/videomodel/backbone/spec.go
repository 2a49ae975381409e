// Package backbone builds the spatiotemporal encoders that turn clip batches
// into pooled embedding vectors. All model variants consume the same
// Spec -> Backbone builder instead of wiring stages by hand.
package backbone

import (
	"math/rand"
	"sort"

	"github.com/motionlab/bgmix/bgmix-golib/errors"
	"github.com/motionlab/bgmix/bgmix-golib/tensor"
)

// Family selects the encoder architecture.
type Family string

// The supported backbone families.
const (
	FamilyConv        Family = "conv"
	FamilyTransformer Family = "transformer"
)

// PosEmbedKind selects how transformer tokens are position-encoded.
type PosEmbedKind string

// The supported positional embedding kinds.
const (
	PosEmbedLearned   PosEmbedKind = "learned"
	PosEmbedSinCos    PosEmbedKind = "sincos"
	PosEmbedSeparable PosEmbedKind = "separable"
)

// stageDepths maps a nominal network depth to per-stage residual block counts
// for the four stages after the stem.
var stageDepths = map[int][4]int{
	18:  {2, 2, 2, 2},
	50:  {3, 4, 6, 3},
	101: {3, 4, 23, 3},
}

// Spec describes a backbone to build. The zero value is not valid; use
// DefaultConvSpec / DefaultTransformerSpec and override.
type Spec struct {
	Family     Family
	InChannels int
	EmbedDim   int
	Seed       int64

	// Conv family.
	Depth            int // 18, 50 or 101
	WidthPerGroup    int // channels out of the stem; doubles per stage
	FastPathway      bool
	FastChannelRatio int // slow channels / fast channels
	FastTemporalRate int // slow stream takes every FastTemporalRate-th frame

	// Transformer family.
	InputSize  [3]int // expected clip extent (t, h, w)
	PatchSize  [3]int // t, h, w
	NumBlocks  int
	NumHeads   int
	MLPRatio   int
	PosEmbed   PosEmbedKind
	ClsToken   bool
	PoolBlocks []int // blocks after which the token grid is spatially pooled
}

// DefaultConvSpec returns a two-pathway convolutional spec.
func DefaultConvSpec() Spec {
	return Spec{
		Family:           FamilyConv,
		InChannels:       3,
		EmbedDim:         256,
		Depth:            50,
		WidthPerGroup:    64,
		FastPathway:      true,
		FastChannelRatio: 8,
		FastTemporalRate: 4,
	}
}

// DefaultTransformerSpec returns a multiscale transformer spec.
func DefaultTransformerSpec() Spec {
	return Spec{
		Family:     FamilyTransformer,
		InChannels: 3,
		EmbedDim:   192,
		InputSize:  [3]int{8, 32, 32},
		PatchSize:  [3]int{2, 4, 4},
		NumBlocks:  4,
		NumHeads:   4,
		MLPRatio:   4,
		PosEmbed:   PosEmbedSeparable,
		PoolBlocks: []int{1},
	}
}

// Validate checks the spec for contradictions before building.
func (s Spec) Validate() error {
	if s.InChannels <= 0 || s.EmbedDim <= 0 {
		return errors.Errorf("backbone spec needs positive channels and embed dim, got %d/%d",
			s.InChannels, s.EmbedDim)
	}
	switch s.Family {
	case FamilyConv:
		if _, ok := stageDepths[s.Depth]; !ok {
			return errors.Errorf("unsupported conv depth %d (want 18, 50 or 101)", s.Depth)
		}
		if s.WidthPerGroup <= 0 {
			return errors.Errorf("conv spec needs positive width per group")
		}
		if s.FastPathway && (s.FastChannelRatio <= 0 || s.FastTemporalRate <= 0) {
			return errors.Errorf("fast pathway needs positive channel ratio and temporal rate")
		}
	case FamilyTransformer:
		if s.NumBlocks <= 0 || s.NumHeads <= 0 {
			return errors.Errorf("transformer spec needs positive blocks and heads")
		}
		if s.EmbedDim%s.NumHeads != 0 {
			return errors.Errorf("embed dim %d not divisible by %d heads", s.EmbedDim, s.NumHeads)
		}
		for _, d := range s.PatchSize {
			if d <= 0 {
				return errors.Errorf("patch size must be positive, got %v", s.PatchSize)
			}
		}
		switch s.PosEmbed {
		case PosEmbedLearned, PosEmbedSinCos, PosEmbedSeparable:
		default:
			return errors.Errorf("unknown positional embedding kind %q", s.PosEmbed)
		}
	default:
		return errors.Errorf("unknown backbone family %q", s.Family)
	}
	return nil
}

// Backbone pools a [batch, channels, time, h, w] clip batch into one
// embedding vector per sample. Extract must not mutate its input.
type Backbone interface {
	Extract(frames *tensor.Tensor) (*tensor.Tensor, error)
	EmbedDim() int
	Params() ParamSet
}

// Build constructs a backbone from the spec. This is the single entry point
// used by every model variant.
func Build(spec Spec) (Backbone, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(spec.Seed))
	switch spec.Family {
	case FamilyConv:
		return newConvNet(spec, rng), nil
	case FamilyTransformer:
		return newTransformer(spec, rng), nil
	}
	return nil, errors.Errorf("unknown backbone family %q", spec.Family)
}

// ParamSet maps parameter names to their tensors.
type ParamSet map[string]*tensor.Tensor

// Names returns the parameter names in sorted order.
func (p ParamSet) Names() []string {
	names := make([]string, 0, len(p))
	for n := range p {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Merge copies every parameter of other into p under prefix.
func (p ParamSet) Merge(prefix string, other ParamSet) {
	for name, t := range other {
		p[prefix+"/"+name] = t
	}
}
