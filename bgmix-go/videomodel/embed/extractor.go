// Package embed runs backbones over a batch's frame streams and returns one
// pooled embedding per sample per stream.
package embed

import (
	"github.com/motionlab/bgmix/bgmix-golib/errors"
	"github.com/motionlab/bgmix/bgmix-golib/tensor"
	"github.com/motionlab/bgmix/bgmix-go/traindata"
	"github.com/motionlab/bgmix/bgmix-go/videomodel/backbone"
)

// Embeddings is one stream's [batch, dim] embedding block. Detached marks
// embeddings produced under the no-gradient policy: downstream training code
// must not propagate updates through them.
type Embeddings struct {
	Vectors  *tensor.Tensor
	Detached bool
}

// Extractor applies a backbone per stream. A shared extractor runs the one
// backbone over every stream; a dedicated extractor routes each stream to its
// own encoder (the dual-stream models).
type Extractor struct {
	shared    backbone.Backbone
	perStream map[traindata.StreamKind]backbone.Backbone
	bgNoGrad  bool
}

// NewShared returns an extractor running one backbone over all streams.
// When bgNoGrad is set, background-stream embeddings come out detached.
func NewShared(b backbone.Backbone, bgNoGrad bool) *Extractor {
	return &Extractor{shared: b, bgNoGrad: bgNoGrad}
}

// NewDedicated returns an extractor with a backbone per stream kind.
func NewDedicated(perStream map[traindata.StreamKind]backbone.Backbone) *Extractor {
	return &Extractor{perStream: perStream}
}

// EmbedDim returns the output embedding width.
func (e *Extractor) EmbedDim() int {
	if e.shared != nil {
		return e.shared.EmbedDim()
	}
	for _, b := range e.perStream {
		return b.EmbedDim()
	}
	return 0
}

func (e *Extractor) backboneFor(kind traindata.StreamKind) (backbone.Backbone, error) {
	if e.shared != nil {
		return e.shared, nil
	}
	b, ok := e.perStream[kind]
	if !ok {
		return nil, errors.Errorf("no backbone registered for stream %s", kind)
	}
	return b, nil
}

// ExtractStream embeds one tagged stream.
func (e *Extractor) ExtractStream(s traindata.Stream) (Embeddings, error) {
	b, err := e.backboneFor(s.Kind)
	if err != nil {
		return Embeddings{}, err
	}
	vecs, err := b.Extract(s.Frames)
	if err != nil {
		return Embeddings{}, errors.Wrapf(err, "extracting %s stream", s.Kind)
	}
	detached := e.bgNoGrad && s.Kind != traindata.StreamFG
	return Embeddings{Vectors: vecs, Detached: detached}, nil
}

// ExtractAll embeds every stream present in the batch.
func (e *Extractor) ExtractAll(b *traindata.Batch) (map[traindata.StreamKind]Embeddings, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	out := make(map[traindata.StreamKind]Embeddings)
	for _, s := range b.Streams() {
		embs, err := e.ExtractStream(s)
		if err != nil {
			return nil, err
		}
		out[s.Kind] = embs
	}
	return out, nil
}
