// Package mixing implements the foreground/background embedding-mixing
// protocol: the per-sample mask policy and the subtraction/addition/
// orthogonalization engine.
package mixing

import (
	"github.com/motionlab/bgmix/bgmix-golib/tensor"
)

// MaskPolicy resolves which samples skip FG/BG mixing. A true mask entry
// means "leave this sample's foreground embedding untouched".
type MaskPolicy struct {
	classwise bool
	allowed   map[int]bool
}

// NewMaskPolicy returns a policy. When classwise is set, mixing is restricted
// to samples whose entire active label set lies within classes.
func NewMaskPolicy(classwise bool, classes []int) MaskPolicy {
	p := MaskPolicy{classwise: classwise && len(classes) > 0}
	if p.classwise {
		p.allowed = make(map[int]bool, len(classes))
		for _, c := range classes {
			p.allowed[c] = true
		}
	}
	return p
}

// Effective narrows the raw negative-sample mask with the classwise override.
// The override only ever adds exclusions: a sample already masked stays
// masked, and a sample with any active label outside the allow-list becomes
// masked. labels may be nil when the override is disabled.
func (p MaskPolicy) Effective(raw []bool, labels *tensor.Tensor) []bool {
	out := append([]bool(nil), raw...)
	if !p.classwise || labels == nil {
		return out
	}
	for i := range out {
		if out[i] {
			continue
		}
		row := labels.Row(i)
		for c, v := range row {
			if v != 0 && !p.allowed[c] {
				out[i] = true
				break
			}
		}
	}
	return out
}
