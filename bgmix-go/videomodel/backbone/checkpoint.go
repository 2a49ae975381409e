package backbone

import (
	"strings"

	"github.com/motionlab/bgmix/bgmix-golib/errors"
	"github.com/motionlab/bgmix/bgmix-golib/serialization"
)

// SavedParam is one serialized parameter tensor.
type SavedParam struct {
	Shape []int
	Data  []float32
}

// Checkpoint is the on-disk form of a ParamSet (.gob or .json, optionally .gz).
type Checkpoint struct {
	Params map[string]SavedParam
}

// SaveParams writes the parameter set to path.
func SaveParams(path string, params ParamSet) error {
	ckpt := Checkpoint{Params: map[string]SavedParam{}}
	for _, name := range params.Names() {
		t := params[name]
		ckpt.Params[name] = SavedParam{
			Shape: append([]int(nil), t.Shape...),
			Data:  append([]float32(nil), t.Data...),
		}
	}
	return errors.WrapfOrNil(serialization.Encode(path, ckpt), "error saving checkpoint %s", path)
}

// LoadParams reads a checkpoint and copies every entry into the matching
// parameter. Missing or shape-mismatched entries are errors.
func LoadParams(path string, params ParamSet) error {
	var ckpt Checkpoint
	if err := serialization.Decode(path, &ckpt); err != nil {
		return errors.Wrapf(err, "error loading checkpoint %s", path)
	}
	return copyInto(ckpt, params, path)
}

// LoadSubModule loads a checkpoint saved from a bare backbone into the
// sub-module whose parameters are registered under prefix (e.g. "fg_model").
// This is how separately trained FG and BG encoders are installed into the
// dual-stream models.
func LoadSubModule(path string, params ParamSet, prefix string) error {
	sub := ParamSet{}
	for name, t := range params {
		if strings.HasPrefix(name, prefix+"/") {
			sub[strings.TrimPrefix(name, prefix+"/")] = t
		}
	}
	if len(sub) == 0 {
		return errors.Errorf("no parameters registered under sub-module %q", prefix)
	}
	return errors.WrapfOrNil(LoadParams(path, sub), "loading sub-module %q", prefix)
}

func copyInto(ckpt Checkpoint, params ParamSet, path string) error {
	for _, name := range params.Names() {
		t := params[name]
		saved, ok := ckpt.Params[name]
		if !ok {
			return errors.Errorf("checkpoint %s missing parameter %q", path, name)
		}
		if len(saved.Data) != len(t.Data) {
			return errors.Errorf("checkpoint %s parameter %q has %d values, model wants %d",
				path, name, len(saved.Data), len(t.Data))
		}
		copy(t.Data, saved.Data)
	}
	return nil
}
