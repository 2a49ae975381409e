package backbone

import (
	"math"
	"math/rand"

	"github.com/motionlab/bgmix/bgmix-golib/tensor"
)

// Linear is a fully connected layer, weights shaped [in, out].
type Linear struct {
	W    *tensor.Tensor
	Bias []float32
}

// NewLinear returns a layer with scaled gaussian weights and zero bias.
func NewLinear(rng *rand.Rand, in, out int) *Linear {
	std := 1 / math.Sqrt(float64(in))
	return &Linear{
		W:    tensor.Randn(rng, std, in, out),
		Bias: make([]float32, out),
	}
}

// Apply maps [n, in] to [n, out].
func (l *Linear) Apply(x *tensor.Tensor) *tensor.Tensor {
	out := tensor.MatMul(x, l.W)
	tensor.AddBias(out, l.Bias)
	return out
}

// In returns the input width.
func (l *Linear) In() int { return l.W.Dim(0) }

// Out returns the output width.
func (l *Linear) Out() int { return l.W.Dim(1) }

// Params exposes the layer's tensors under the given base name.
func (l *Linear) Params(name string) ParamSet {
	return ParamSet{
		name + "/w": l.W,
		name + "/b": tensor.FromSlice(l.Bias, len(l.Bias)),
	}
}
