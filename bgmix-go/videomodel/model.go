package videomodel

import (
	"github.com/motionlab/bgmix/bgmix-golib/tensor"
	"github.com/motionlab/bgmix/bgmix-go/traindata"
	"github.com/motionlab/bgmix/bgmix-go/videomodel/backbone"
)

// Model is the contract every variant satisfies: a plain forward pass plus
// access to the classifier head for the shared optimizer.
type Model interface {
	// Forward returns [batch, numClasses] logits.
	Forward(batch *traindata.Batch) (*tensor.Tensor, error)
	// Params returns every named parameter for checkpointing.
	Params() backbone.ParamSet
	// Head returns the final projection layer, the only part updated by the
	// shared head optimizer.
	Head() *backbone.Linear
	// HeadInput returns the activations fed to the head on the most recent
	// forward pass, for computing head gradients.
	HeadInput() *tensor.Tensor
}

// FGBGModel is implemented by variants supporting FG/BG embedding mixing.
type FGBGModel interface {
	Model
	// ForwardFGBG runs extraction + mixing. beta may be nil; addBG2 reflects
	// the epoch gate for the second background. The returned ortho pointer is
	// non-nil only when orthogonalization is configured.
	ForwardFGBG(batch *traindata.Batch, alpha float32, beta *float32, labels *tensor.Tensor, train, addBG2 bool) (*tensor.Tensor, *float32, error)
}

// ManifoldModel is implemented by the latent-mixup variant.
type ManifoldModel interface {
	Model
	// ForwardMixupPairs mixes pooled latents between random sample pairs.
	ForwardMixupPairs(batch *traindata.Batch) (preds, yA, yB *tensor.Tensor, lam []float32, err error)
	// ForwardMixupTriplets mixes three-way; the implied third weight is
	// 1 - lam1 - lam2.
	ForwardMixupTriplets(batch *traindata.Batch) (preds, yA, yB, yC *tensor.Tensor, lam1, lam2 []float32, err error)
}

// FramewiseModel is implemented by the per-time-step mixup variant.
type FramewiseModel interface {
	Model
	// ForwardFramewise returns per-frame logits [batch, time, numClasses],
	// the mixing weights ([batch, time] per-frame or [batch, 1] scalar) and
	// the partner permutation.
	ForwardFramewise(batch *traindata.Batch) (preds, lam *tensor.Tensor, perm []int, err error)
}

// EncoderLoader is implemented by dual-stream variants whose named
// sub-encoders are initialized from separately trained checkpoints.
type EncoderLoader interface {
	LoadEncoders(fgPath, bgPath string) error
}

// headed caches the head and its most recent input for the shared optimizer.
type headed struct {
	head      *backbone.Linear
	headInput *tensor.Tensor
}

func (h *headed) Head() *backbone.Linear      { return h.head }
func (h *headed) HeadInput() *tensor.Tensor   { return h.headInput }
func (h *headed) project(x *tensor.Tensor) *tensor.Tensor {
	h.headInput = x
	return h.head.Apply(x)
}
