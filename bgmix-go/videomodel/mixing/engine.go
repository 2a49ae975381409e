package mixing

import (
	"math"

	"github.com/motionlab/bgmix/bgmix-golib/errors"
	"github.com/motionlab/bgmix/bgmix-golib/tensor"
)

// Config selects the mixing algorithm. SubtractBG and AddBG are mutually
// exclusive; AddBG2 and OrthoEmbs only apply on top of SubtractBG.
type Config struct {
	SubtractBG bool
	AddBG      bool
	AddBG2     bool
	OrthoEmbs  bool
}

// Validate rejects contradictory mixing configurations.
func (c Config) Validate() error {
	if c.SubtractBG && c.AddBG {
		return errors.Errorf("mixing config error: SUBTRACT_BG and ADD_BG are mutually exclusive")
	}
	if c.AddBG2 && !c.SubtractBG {
		return errors.Errorf("mixing config error: ADD_BG2 requires SUBTRACT_BG")
	}
	if c.OrthoEmbs && !c.SubtractBG {
		return errors.Errorf("mixing config error: ORTHO_EMBS requires SUBTRACT_BG")
	}
	return nil
}

// Engine combines per-stream embeddings into the embedding handed to the
// classifier head.
type Engine struct {
	cfg Config
}

// NewEngine validates the config and returns an engine.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg}, nil
}

// Result is the engine's output for one batch.
type Result struct {
	// Mixed is [batch, dim]; masked rows are the untouched fg embeddings.
	Mixed *tensor.Tensor
	// OrthoLoss is set only when orthogonalization is enabled.
	OrthoLoss *float32
}

// Mix applies the per-sample mixing rule. Rows where mask[i] is true pass
// fg row i through unchanged. bg2 may be nil unless AddBG2 is on, and beta
// scales the second background when provided.
//
// With orthogonalization enabled the eligible subset must be non-empty:
// an empty subset would leave the regularizer silently disabled, so it is
// reported as an error instead.
func (e *Engine) Mix(fg, bg, bg2 *tensor.Tensor, mask []bool, alpha float32, beta *float32) (Result, error) {
	if !fg.SameShape(bg) {
		return Result{}, errors.Errorf("fg/bg embedding shape mismatch: %v vs %v", fg.Shape, bg.Shape)
	}
	if len(mask) != fg.Dim(0) {
		return Result{}, errors.Errorf("mask length %d does not match %d embeddings", len(mask), fg.Dim(0))
	}
	if e.cfg.AddBG2 && bg2 == nil {
		return Result{}, errors.Errorf("ADD_BG2 enabled but no bg2 embeddings supplied")
	}
	if bg2 != nil && !fg.SameShape(bg2) {
		return Result{}, errors.Errorf("fg/bg2 embedding shape mismatch: %v vs %v", fg.Shape, bg2.Shape)
	}

	mixed := fg.Clone()
	dim := fg.Dim(1)

	var bgComponents, bgSubs, bg2Components [][]float32
	for i := range mask {
		if mask[i] {
			continue
		}
		switch {
		case e.cfg.SubtractBG:
			bgComponent := append([]float32(nil), bg.Row(i)...)
			if alpha > 0 {
				tensor.Scale(1-alpha, bgComponent)
			}
			bgSub := make([]float32, dim)
			copy(bgSub, fg.Row(i))
			tensor.Axpy(-1, bgComponent, bgSub)

			if e.cfg.AddBG2 {
				bg2Component := append([]float32(nil), bg2.Row(i)...)
				if beta != nil {
					tensor.Scale(*beta, bg2Component)
				}
				copy(mixed.Row(i), bgSub)
				tensor.Axpy(1, bg2Component, mixed.Row(i))
				bg2Components = append(bg2Components, bg2Component)
			} else {
				copy(mixed.Row(i), bgSub)
			}
			bgComponents = append(bgComponents, bgComponent)
			bgSubs = append(bgSubs, bgSub)

		case e.cfg.AddBG:
			row := mixed.Row(i)
			tensor.Axpy(1-alpha, bg.Row(i), row)
		}
	}

	if !e.cfg.OrthoEmbs {
		return Result{Mixed: mixed}, nil
	}
	if len(bgSubs) == 0 {
		return Result{}, errors.Errorf(
			"orthogonality loss undefined: no mixing-eligible samples in batch")
	}

	loss := orthoLoss(bgComponents, bgSubs)
	if e.cfg.AddBG2 && beta != nil {
		loss += orthoLoss(bgSubs, bg2Components)
	}
	return Result{Mixed: mixed, OrthoLoss: &loss}, nil
}

// orthoLoss is |mean(cosine similarity)| over paired embedding rows.
func orthoLoss(a, b [][]float32) float32 {
	var sum float64
	for i := range a {
		sum += float64(tensor.Dot(tensor.Normalize(a[i]), tensor.Normalize(b[i])))
	}
	return float32(math.Abs(sum / float64(len(a))))
}
