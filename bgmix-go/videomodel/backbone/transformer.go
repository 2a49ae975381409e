package backbone

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/motionlab/bgmix/bgmix-golib/errors"
	"github.com/motionlab/bgmix/bgmix-golib/tensor"
)

// transformer is the multiscale transformer backbone: cube patchify into
// tokens, positional embedding, attention blocks with progressive spatial
// pooling of the token grid, then mean-pool or class-token readout.
type transformer struct {
	spec   Spec
	grid   [3]int // t, h, w token grid at the input
	patch  *Linear
	pos    *tensor.Tensor // learned: [N, D]
	posT   *tensor.Tensor // separable: [t, D]
	posS   *tensor.Tensor // separable: [h*w, D]
	cls    *tensor.Tensor // [1, D] when ClsToken
	blocks []*msBlock
	params ParamSet
}

type msBlock struct {
	ln1Gain, ln1Bias []float32
	ln2Gain, ln2Bias []float32
	q, k, v, proj    *Linear
	mlp1, mlp2       *Linear
	heads            int
	pool             bool
}

func newTransformer(spec Spec, rng *rand.Rand) *transformer {
	if spec.InputSize == [3]int{} {
		spec.InputSize = [3]int{8, 32, 32}
	}
	if spec.MLPRatio <= 0 {
		spec.MLPRatio = 4
	}
	grid := [3]int{
		max1(spec.InputSize[0] / spec.PatchSize[0]),
		max1(spec.InputSize[1] / spec.PatchSize[1]),
		max1(spec.InputSize[2] / spec.PatchSize[2]),
	}
	d := spec.EmbedDim
	patchDim := spec.InChannels * spec.PatchSize[0] * spec.PatchSize[1] * spec.PatchSize[2]

	tr := &transformer{
		spec:   spec,
		grid:   grid,
		patch:  NewLinear(rng, patchDim, d),
		params: ParamSet{},
	}

	n := grid[0] * grid[1] * grid[2]
	switch spec.PosEmbed {
	case PosEmbedLearned:
		tr.pos = tensor.Randn(rng, 0.02, n, d)
		tr.params["pos_embed"] = tr.pos
	case PosEmbedSeparable:
		tr.posT = tensor.Randn(rng, 0.02, grid[0], d)
		tr.posS = tensor.Randn(rng, 0.02, grid[1]*grid[2], d)
		tr.params["pos_embed_temporal"] = tr.posT
		tr.params["pos_embed_spatial"] = tr.posS
	case PosEmbedSinCos:
		tr.pos = sincosEmbed(n, d)
	}
	if spec.ClsToken {
		tr.cls = tensor.Randn(rng, 0.02, 1, d)
		tr.params["cls_token"] = tr.cls
	}

	poolAfter := map[int]bool{}
	for _, b := range spec.PoolBlocks {
		poolAfter[b] = true
	}
	for i := 0; i < spec.NumBlocks; i++ {
		blk := &msBlock{
			ln1Gain: ones(d), ln1Bias: make([]float32, d),
			ln2Gain: ones(d), ln2Bias: make([]float32, d),
			q:     NewLinear(rng, d, d),
			k:     NewLinear(rng, d, d),
			v:     NewLinear(rng, d, d),
			proj:  NewLinear(rng, d, d),
			mlp1:  NewLinear(rng, d, d*spec.MLPRatio),
			mlp2:  NewLinear(rng, d*spec.MLPRatio, d),
			heads: spec.NumHeads,
			pool:  poolAfter[i],
		}
		tr.blocks = append(tr.blocks, blk)
		prefix := fmt.Sprintf("block%d", i)
		for name, p := range blk.q.Params(prefix + "/q") {
			tr.params[name] = p
		}
		for name, p := range blk.k.Params(prefix + "/k") {
			tr.params[name] = p
		}
		for name, p := range blk.v.Params(prefix + "/v") {
			tr.params[name] = p
		}
		for name, p := range blk.proj.Params(prefix + "/proj") {
			tr.params[name] = p
		}
		for name, p := range blk.mlp1.Params(prefix + "/mlp1") {
			tr.params[name] = p
		}
		for name, p := range blk.mlp2.Params(prefix + "/mlp2") {
			tr.params[name] = p
		}
		tr.params[prefix+"/ln1_g"] = tensor.FromSlice(blk.ln1Gain, d)
		tr.params[prefix+"/ln1_b"] = tensor.FromSlice(blk.ln1Bias, d)
		tr.params[prefix+"/ln2_g"] = tensor.FromSlice(blk.ln2Gain, d)
		tr.params[prefix+"/ln2_b"] = tensor.FromSlice(blk.ln2Bias, d)
	}
	for name, p := range tr.patch.Params("patch") {
		tr.params[name] = p
	}
	return tr
}

func (tr *transformer) EmbedDim() int    { return tr.spec.EmbedDim }
func (tr *transformer) Params() ParamSet { return tr.params }

// Extract tokenizes each sample and runs the block stack, returning [B, D].
func (tr *transformer) Extract(frames *tensor.Tensor) (*tensor.Tensor, error) {
	if frames.NumDims() != 5 {
		return nil, errors.Errorf("transformer backbone expects [B,C,T,H,W] frames, got shape %v", frames.Shape)
	}
	want := tr.spec.InputSize
	if frames.Dim(1) != tr.spec.InChannels ||
		frames.Dim(2) != want[0] || frames.Dim(3) != want[1] || frames.Dim(4) != want[2] {
		return nil, errors.Errorf("transformer backbone built for [C,T,H,W]=[%d,%d,%d,%d], got %v",
			tr.spec.InChannels, want[0], want[1], want[2], frames.Shape[1:])
	}

	b := frames.Dim(0)
	out := tensor.New(b, tr.spec.EmbedDim)
	for bi := 0; bi < b; bi++ {
		emb := tr.extractOne(frames, bi)
		copy(out.Row(bi), emb)
	}
	return out, nil
}

func (tr *transformer) extractOne(frames *tensor.Tensor, bi int) []float32 {
	x := tr.patch.Apply(tr.tokenize(frames, bi))
	tr.addPosEmbed(x)

	hasCls := tr.cls != nil
	if hasCls {
		withCls := tensor.New(x.Dim(0)+1, x.Dim(1))
		copy(withCls.Row(0), tr.cls.Row(0))
		copy(withCls.Data[x.Dim(1):], x.Data)
		x = withCls
	}

	grid := tr.grid
	for _, blk := range tr.blocks {
		x = blk.apply(x, hasCls)
		if blk.pool {
			x, grid = poolTokens(x, grid, hasCls)
		}
	}

	if hasCls {
		return x.Row(0)
	}
	return tensor.MeanRows(x)
}

// tokenize cuts sample bi into non-overlapping cubes, one row per token.
func (tr *transformer) tokenize(frames *tensor.Tensor, bi int) *tensor.Tensor {
	c := tr.spec.InChannels
	t, h, w := frames.Dim(2), frames.Dim(3), frames.Dim(4)
	pt, ph, pw := tr.spec.PatchSize[0], tr.spec.PatchSize[1], tr.spec.PatchSize[2]
	gt, gh, gw := tr.grid[0], tr.grid[1], tr.grid[2]

	tokens := tensor.New(gt*gh*gw, c*pt*ph*pw)
	for ti := 0; ti < gt; ti++ {
		for hi := 0; hi < gh; hi++ {
			for wi := 0; wi < gw; wi++ {
				row := tokens.Row((ti*gh+hi)*gw + wi)
				idx := 0
				for ci := 0; ci < c; ci++ {
					for dt := 0; dt < pt; dt++ {
						for dh := 0; dh < ph; dh++ {
							for dw := 0; dw < pw; dw++ {
								src := (((bi*c+ci)*t+ti*pt+dt)*h + hi*ph + dh) * w
								row[idx] = frames.Data[src+wi*pw+dw]
								idx++
							}
						}
					}
				}
			}
		}
	}
	return tokens
}

func (tr *transformer) addPosEmbed(x *tensor.Tensor) {
	switch tr.spec.PosEmbed {
	case PosEmbedLearned, PosEmbedSinCos:
		tensor.Axpy(1, tr.pos.Data, x.Data)
	case PosEmbedSeparable:
		gt, spatial := tr.grid[0], tr.grid[1]*tr.grid[2]
		for ti := 0; ti < gt; ti++ {
			for si := 0; si < spatial; si++ {
				row := x.Row(ti*spatial + si)
				tensor.Axpy(1, tr.posT.Row(ti), row)
				tensor.Axpy(1, tr.posS.Row(si), row)
			}
		}
	}
}

// apply runs pre-norm attention and MLP with residuals over [N, D] tokens.
func (blk *msBlock) apply(x *tensor.Tensor, hasCls bool) *tensor.Tensor {
	normed := tensor.LayerNormRows(x.Clone(), blk.ln1Gain, blk.ln1Bias)
	attn := blk.attend(normed)
	tensor.Axpy(1, x.Data, attn.Data)

	normed = tensor.LayerNormRows(attn.Clone(), blk.ln2Gain, blk.ln2Bias)
	h := tensor.GELU(blk.mlp1.Apply(normed))
	mlpOut := blk.mlp2.Apply(h)
	tensor.Axpy(1, attn.Data, mlpOut.Data)
	return mlpOut
}

func (blk *msBlock) attend(x *tensor.Tensor) *tensor.Tensor {
	n, d := x.Dim(0), x.Dim(1)
	dh := d / blk.heads
	q := blk.q.Apply(x)
	k := blk.k.Apply(x)
	v := blk.v.Apply(x)

	out := tensor.New(n, d)
	scale := float32(1 / math.Sqrt(float64(dh)))
	for h := 0; h < blk.heads; h++ {
		qh := sliceCols(q, h*dh, dh)
		kh := sliceCols(k, h*dh, dh)
		vh := sliceCols(v, h*dh, dh)

		scores := tensor.MatMulT(qh, kh)
		tensor.Scale(scale, scores.Data)
		tensor.SoftmaxRows(scores)
		ctx := tensor.MatMul(scores, vh)

		for i := 0; i < n; i++ {
			copy(out.Row(i)[h*dh:(h+1)*dh], ctx.Row(i))
		}
	}
	return blk.proj.Apply(out)
}

// sliceCols copies columns [start, start+width) of a [n, d] tensor.
func sliceCols(x *tensor.Tensor, start, width int) *tensor.Tensor {
	n := x.Dim(0)
	out := tensor.New(n, width)
	for i := 0; i < n; i++ {
		copy(out.Row(i), x.Row(i)[start:start+width])
	}
	return out
}

// poolTokens halves the spatial token grid by mean-pooling 2x2 neighborhoods,
// carrying the class token through untouched.
func poolTokens(x *tensor.Tensor, grid [3]int, hasCls bool) (*tensor.Tensor, [3]int) {
	gt, gh, gw := grid[0], grid[1], grid[2]
	nh, nw := max1(gh/2), max1(gw/2)
	if nh == gh && nw == gw {
		return x, grid
	}
	d := x.Dim(1)
	offset := 0
	if hasCls {
		offset = 1
	}

	out := tensor.New(offset+gt*nh*nw, d)
	if hasCls {
		copy(out.Row(0), x.Row(0))
	}
	for ti := 0; ti < gt; ti++ {
		for hi := 0; hi < nh; hi++ {
			for wi := 0; wi < nw; wi++ {
				dst := out.Row(offset + (ti*nh+hi)*nw + wi)
				var count float32
				for dh := 0; dh < 2; dh++ {
					for dw := 0; dw < 2; dw++ {
						sh, sw := hi*2+dh, wi*2+dw
						if sh >= gh || sw >= gw {
							continue
						}
						src := x.Row(offset + (ti*gh+sh)*gw + sw)
						tensor.Axpy(1, src, dst)
						count++
					}
				}
				tensor.Scale(1/count, dst)
			}
		}
	}
	return out, [3]int{gt, nh, nw}
}

// sincosEmbed builds the fixed sinusoidal position table [n, d].
func sincosEmbed(n, d int) *tensor.Tensor {
	out := tensor.New(n, d)
	for pos := 0; pos < n; pos++ {
		row := out.Row(pos)
		for i := 0; i < d; i += 2 {
			freq := math.Pow(10000, -float64(i)/float64(d))
			row[i] = float32(math.Sin(float64(pos) * freq))
			if i+1 < d {
				row[i+1] = float32(math.Cos(float64(pos) * freq))
			}
		}
	}
	return out
}

func ones(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

func max1(x int) int {
	if x < 1 {
		return 1
	}
	return x
}
