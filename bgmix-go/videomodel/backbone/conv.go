package backbone

import (
	"fmt"
	"math/rand"

	"github.com/motionlab/bgmix/bgmix-golib/errors"
	"github.com/motionlab/bgmix/bgmix-golib/tensor"
)

// convNet is the two-pathway convolutional backbone: a slow pathway over a
// temporally strided view of the clip and an optional fast pathway over the
// full frame rate, fused laterally into the slow pathway after each stage.
type convNet struct {
	spec   Spec
	slow   *pathway
	fast   *pathway
	fuse   []*Linear // per-stage fast->slow channel projection
	head   *Linear
	params ParamSet
}

// pathway is a stem plus four residual stages of pointwise convolutions.
type pathway struct {
	stem   *Linear
	stages [][]*Linear
}

func newPathway(rng *rand.Rand, inChannels, width int, depths [4]int) *pathway {
	p := &pathway{stem: NewLinear(rng, inChannels, width)}
	in := width
	for stage := 0; stage < 4; stage++ {
		out := width << uint(stage)
		var blocks []*Linear
		for b := 0; b < depths[stage]; b++ {
			blocks = append(blocks, NewLinear(rng, in, out))
			in = out
		}
		p.stages = append(p.stages, blocks)
	}
	return p
}

func (p *pathway) register(params ParamSet, prefix string) {
	for name, t := range p.stem.Params(prefix + "/stem") {
		params[name] = t
	}
	for s, blocks := range p.stages {
		for b, block := range blocks {
			for name, t := range block.Params(fmt.Sprintf("%s/s%d/b%d", prefix, s+2, b)) {
				params[name] = t
			}
		}
	}
}

func newConvNet(spec Spec, rng *rand.Rand) *convNet {
	depths := stageDepths[spec.Depth]
	n := &convNet{
		spec:   spec,
		slow:   newPathway(rng, spec.InChannels, spec.WidthPerGroup, depths),
		params: ParamSet{},
	}

	headIn := spec.WidthPerGroup << 3
	if spec.FastPathway {
		fastWidth := spec.WidthPerGroup / spec.FastChannelRatio
		if fastWidth < 1 {
			fastWidth = 1
		}
		n.fast = newPathway(rng, spec.InChannels, fastWidth, depths)
		for stage := 0; stage < 4; stage++ {
			n.fuse = append(n.fuse, NewLinear(rng,
				fastWidth<<uint(stage), spec.WidthPerGroup<<uint(stage)))
		}
		headIn += fastWidth << 3
	}
	n.head = NewLinear(rng, headIn, spec.EmbedDim)

	n.slow.register(n.params, "slow")
	if n.fast != nil {
		n.fast.register(n.params, "fast")
		for i, f := range n.fuse {
			for name, t := range f.Params(fmt.Sprintf("fuse/s%d", i+2)) {
				n.params[name] = t
			}
		}
	}
	for name, t := range n.head.Params("head") {
		n.params[name] = t
	}
	return n
}

func (n *convNet) EmbedDim() int    { return n.spec.EmbedDim }
func (n *convNet) Params() ParamSet { return n.params }

// Extract runs both pathways and pools to [batch, embedDim].
func (n *convNet) Extract(frames *tensor.Tensor) (*tensor.Tensor, error) {
	if frames.NumDims() != 5 {
		return nil, errors.Errorf("conv backbone expects [B,C,T,H,W] frames, got shape %v", frames.Shape)
	}
	if frames.Dim(1) != n.spec.InChannels {
		return nil, errors.Errorf("conv backbone built for %d channels, got %d",
			n.spec.InChannels, frames.Dim(1))
	}

	var fastOuts *stageOutputs
	slowIn := frames
	if n.fast != nil {
		fastOuts = runStages(n.fast, frames, nil, nil)
		slowIn = temporalStride(frames, n.spec.FastTemporalRate)
	}

	slowFeats := runStages(n.slow, slowIn, n.fuse, fastOuts)
	pooled := []*tensor.Tensor{globalPool(slowFeats.out)}
	if fastOuts != nil {
		pooled = append(pooled, globalPool(fastOuts.out))
	}

	cat := concatCols(pooled)
	return n.head.Apply(cat), nil
}

// stageOutputs keeps per-stage activations so the slow pathway can consume
// the fast pathway's features laterally.
type stageOutputs struct {
	perStage []*tensor.Tensor
	out      *tensor.Tensor
}

// runStages pushes frames through stem and the four stages. When fuse and
// fastOuts are non-nil this is the slow pathway: after each stage the fast
// pathway's matching activation is temporally pooled to the slow length,
// channel-projected and added in, so later slow stages see the fused signal.
func runStages(p *pathway, frames *tensor.Tensor, fuse []*Linear, fastOuts *stageOutputs) *stageOutputs {
	x := spatialPool(frames, 2)
	x = applyPointwise(p.stem, x, true)

	outs := &stageOutputs{}
	for s, blocks := range p.stages {
		x = spatialPool(x, 2)
		for _, block := range blocks {
			y := applyPointwise(block, x, true)
			if y.SameShape(x) {
				tensor.Axpy(1, x.Data, y.Data)
			}
			x = y
		}
		if fuse != nil && fastOuts != nil {
			lateralFuse(fuse[s], fastOuts.perStage[s], x)
		}
		outs.perStage = append(outs.perStage, x)
	}
	outs.out = x
	return outs
}

// lateralFuse pools fast [B,Cf,Tf,H,W] down to the slow stream's temporal
// length, projects channels and adds into slow in place.
func lateralFuse(proj *Linear, fast, slow *tensor.Tensor) {
	rate := fast.Dim(2) / slow.Dim(2)
	if rate < 1 {
		rate = 1
	}
	pooled := temporalPool(fast, rate)
	projected := applyPointwise(proj, pooled, false)
	if projected.SameShape(slow) {
		tensor.Axpy(1, projected.Data, slow.Data)
	}
}

// applyPointwise runs a 1x1x1 convolution (channel projection) over a
// [B,C,T,H,W] tensor, optionally with a ReLU.
func applyPointwise(l *Linear, x *tensor.Tensor, relu bool) *tensor.Tensor {
	b, t, h, w := x.Dim(0), x.Dim(2), x.Dim(3), x.Dim(4)
	flat := channelsLast(x)
	out := l.Apply(flat)
	if relu {
		tensor.ReLU(out)
	}
	return channelsFirst(out, b, l.Out(), t, h, w)
}

// channelsLast copies [B,C,T,H,W] into [B*T*H*W, C] rows.
func channelsLast(x *tensor.Tensor) *tensor.Tensor {
	b, c := x.Dim(0), x.Dim(1)
	t, h, w := x.Dim(2), x.Dim(3), x.Dim(4)
	spatial := t * h * w
	out := tensor.New(b*spatial, c)
	for bi := 0; bi < b; bi++ {
		for ci := 0; ci < c; ci++ {
			src := x.Data[(bi*c+ci)*spatial : (bi*c+ci+1)*spatial]
			for si, v := range src {
				out.Data[(bi*spatial+si)*c+ci] = v
			}
		}
	}
	return out
}

// channelsFirst is the inverse of channelsLast for the given target shape.
func channelsFirst(x *tensor.Tensor, b, c, t, h, w int) *tensor.Tensor {
	spatial := t * h * w
	out := tensor.New(b, c, t, h, w)
	for bi := 0; bi < b; bi++ {
		for si := 0; si < spatial; si++ {
			row := x.Row(bi*spatial + si)
			for ci, v := range row {
				out.Data[(bi*c+ci)*spatial+si] = v
			}
		}
	}
	return out
}

// temporalStride takes every stride-th frame of [B,C,T,H,W].
func temporalStride(x *tensor.Tensor, stride int) *tensor.Tensor {
	if stride <= 1 {
		return x.Clone()
	}
	b, c := x.Dim(0), x.Dim(1)
	t, h, w := x.Dim(2), x.Dim(3), x.Dim(4)
	outT := (t + stride - 1) / stride
	out := tensor.New(b, c, outT, h, w)
	plane := h * w
	for bi := 0; bi < b; bi++ {
		for ci := 0; ci < c; ci++ {
			for ti := 0; ti < outT; ti++ {
				src := x.Data[((bi*c+ci)*t+ti*stride)*plane : ((bi*c+ci)*t+ti*stride+1)*plane]
				dst := out.Data[((bi*c+ci)*outT+ti)*plane : ((bi*c+ci)*outT+ti+1)*plane]
				copy(dst, src)
			}
		}
	}
	return out
}

// temporalPool mean-pools time by the given factor.
func temporalPool(x *tensor.Tensor, factor int) *tensor.Tensor {
	if factor <= 1 {
		return x.Clone()
	}
	b, c := x.Dim(0), x.Dim(1)
	t, h, w := x.Dim(2), x.Dim(3), x.Dim(4)
	outT := t / factor
	if outT < 1 {
		outT = 1
		factor = t
	}
	plane := h * w
	out := tensor.New(b, c, outT, h, w)
	for bi := 0; bi < b; bi++ {
		for ci := 0; ci < c; ci++ {
			for ti := 0; ti < outT; ti++ {
				dst := out.Data[((bi*c+ci)*outT+ti)*plane : ((bi*c+ci)*outT+ti+1)*plane]
				for f := 0; f < factor; f++ {
					src := x.Data[((bi*c+ci)*t+ti*factor+f)*plane : ((bi*c+ci)*t+ti*factor+f+1)*plane]
					tensor.Axpy(1, src, dst)
				}
				tensor.Scale(1/float32(factor), dst)
			}
		}
	}
	return out
}

// spatialPool mean-pools height and width by the given factor, clamping so a
// dimension never collapses below one.
func spatialPool(x *tensor.Tensor, factor int) *tensor.Tensor {
	b, c := x.Dim(0), x.Dim(1)
	t, h, w := x.Dim(2), x.Dim(3), x.Dim(4)
	fh, fw := factor, factor
	if h < fh {
		fh = h
	}
	if w < fw {
		fw = w
	}
	outH, outW := h/fh, w/fw
	out := tensor.New(b, c, t, outH, outW)
	norm := 1 / float32(fh*fw)
	for bi := 0; bi < b; bi++ {
		for ci := 0; ci < c; ci++ {
			for ti := 0; ti < t; ti++ {
				base := ((bi*c+ci)*t + ti) * h * w
				outBase := ((bi*c+ci)*t + ti) * outH * outW
				for hi := 0; hi < outH; hi++ {
					for wi := 0; wi < outW; wi++ {
						var sum float32
						for dh := 0; dh < fh; dh++ {
							for dw := 0; dw < fw; dw++ {
								sum += x.Data[base+(hi*fh+dh)*w+wi*fw+dw]
							}
						}
						out.Data[outBase+hi*outW+wi] = sum * norm
					}
				}
			}
		}
	}
	return out
}

// globalPool averages [B,C,T,H,W] over time and space to [B,C].
func globalPool(x *tensor.Tensor) *tensor.Tensor {
	b, c := x.Dim(0), x.Dim(1)
	spatial := x.Dim(2) * x.Dim(3) * x.Dim(4)
	out := tensor.New(b, c)
	for bi := 0; bi < b; bi++ {
		for ci := 0; ci < c; ci++ {
			var sum float32
			for _, v := range x.Data[(bi*c+ci)*spatial : (bi*c+ci+1)*spatial] {
				sum += v
			}
			out.Data[bi*c+ci] = sum / float32(spatial)
		}
	}
	return out
}

// concatCols concatenates [B,Ci] tensors along the channel axis.
func concatCols(parts []*tensor.Tensor) *tensor.Tensor {
	b := parts[0].Dim(0)
	var cols int
	for _, p := range parts {
		cols += p.Dim(1)
	}
	out := tensor.New(b, cols)
	for bi := 0; bi < b; bi++ {
		dst := out.Row(bi)
		off := 0
		for _, p := range parts {
			copy(dst[off:], p.Row(bi))
			off += p.Dim(1)
		}
	}
	return out
}
