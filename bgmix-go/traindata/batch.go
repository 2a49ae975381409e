// Package traindata defines the batch types flowing between the data loader
// and the video models, plus the clip manifest and pseudo-label stores.
package traindata

import (
	"github.com/motionlab/bgmix/bgmix-golib/errors"
	"github.com/motionlab/bgmix/bgmix-golib/tensor"
)

// StreamKind tags a frame stream within a batch.
type StreamKind int

// The recognized frame streams.
const (
	StreamFG StreamKind = iota
	StreamBG
	StreamBG2
)

func (k StreamKind) String() string {
	switch k {
	case StreamFG:
		return "fg"
	case StreamBG:
		return "bg"
	case StreamBG2:
		return "bg2"
	}
	return "unknown"
}

// Stream is one tagged stream of frames, shaped [batch, channels, time, h, w].
type Stream struct {
	Kind   StreamKind
	Frames *tensor.Tensor
}

// Batch is one collated training/eval step worth of samples. Frames tensors
// are shaped [batch, channels, time, h, w]; Labels is a multi-hot
// [batch, numClasses] tensor. Mask is true for samples that must skip FG/BG
// mixing (negative samples with no real foreground).
type Batch struct {
	FGFrames  *tensor.Tensor
	BGFrames  *tensor.Tensor
	BG2Frames *tensor.Tensor
	Mask      []bool
	Labels    *tensor.Tensor
	Index     []int
	TimeIdx   []int

	// UTM carries auxiliary geolocation metadata, opaque to the models.
	UTM []string
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	return b.FGFrames.Dim(0)
}

// NumClasses returns the width of the label tensor.
func (b *Batch) NumClasses() int {
	return b.Labels.Dim(1)
}

// Streams returns the present frame streams in a fixed order.
func (b *Batch) Streams() []Stream {
	streams := []Stream{
		{Kind: StreamFG, Frames: b.FGFrames},
		{Kind: StreamBG, Frames: b.BGFrames},
	}
	if b.BG2Frames != nil {
		streams = append(streams, Stream{Kind: StreamBG2, Frames: b.BG2Frames})
	}
	return streams
}

// Validate checks the cross-stream shape invariants. Any violation is a fatal
// data error for this batch.
func (b *Batch) Validate() error {
	if b.FGFrames == nil || b.BGFrames == nil {
		return errors.Errorf("batch must carry fg and bg frame streams")
	}
	if !b.FGFrames.SameShape(b.BGFrames) {
		return errors.Errorf("fg/bg stream shape mismatch: %v vs %v",
			b.FGFrames.Shape, b.BGFrames.Shape)
	}
	if b.BG2Frames != nil && !b.FGFrames.SameShape(b.BG2Frames) {
		return errors.Errorf("fg/bg2 stream shape mismatch: %v vs %v",
			b.FGFrames.Shape, b.BG2Frames.Shape)
	}
	if len(b.Mask) != b.Size() {
		return errors.Errorf("mask length %d does not match batch size %d",
			len(b.Mask), b.Size())
	}
	if b.Labels != nil && b.Labels.Dim(0) != b.Size() {
		return errors.Errorf("label count %d does not match batch size %d",
			b.Labels.Dim(0), b.Size())
	}
	return nil
}

// LoaderInputs is the raw mapping yielded by an upstream loader. Loaders that
// concatenate foreground clips emit the key "concat_frames" instead of
// "fg_frames"; FromLoaderInputs renames it on ingest.
type LoaderInputs struct {
	Frames map[string]*tensor.Tensor
	Mask   []bool
	UTM    []string
}

// FromLoaderInputs converts a raw loader mapping into a validated Batch.
func FromLoaderInputs(in LoaderInputs, labels *tensor.Tensor, index, timeIdx []int) (*Batch, error) {
	fg, ok := in.Frames["fg_frames"]
	if !ok {
		fg, ok = in.Frames["concat_frames"]
	}
	if !ok {
		return nil, errors.Errorf("loader inputs missing fg_frames/concat_frames")
	}
	b := &Batch{
		FGFrames:  fg,
		BGFrames:  in.Frames["bg_frames"],
		BG2Frames: in.Frames["bg2_frames"],
		Mask:      in.Mask,
		Labels:    labels,
		Index:     index,
		TimeIdx:   timeIdx,
		UTM:       in.UTM,
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}
