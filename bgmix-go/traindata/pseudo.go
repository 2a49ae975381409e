package traindata

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/motionlab/bgmix/bgmix-golib/errors"
	"github.com/motionlab/bgmix/bgmix-golib/serialization"
)

// PseudoEntry holds the candidate pseudo labels generated offline for one
// ground-truth label signature.
type PseudoEntry struct {
	PseudoLabels [][]float32 `json:"pseudo_labels"`
}

// PseudoLabelStore maps a multi-hot label signature to its pseudo labels.
type PseudoLabelStore struct {
	Entries map[string]PseudoEntry `json:"entries"`
}

// LoadPseudoLabels reads a store written by the offline label-chaining tool
// (.json or .json.gz).
func LoadPseudoLabels(path string) (*PseudoLabelStore, error) {
	var store PseudoLabelStore
	if err := serialization.Decode(path, &store); err != nil {
		return nil, errors.Wrapf(err, "error loading pseudo labels from %s", path)
	}
	return &store, nil
}

// Key renders a multi-hot label row into the store's signature format.
func Key(label []float32) string {
	parts := make([]string, len(label))
	for i, v := range label {
		parts[i] = fmt.Sprintf("%g", v)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// Sample draws k distinct pseudo labels for the given ground-truth label row.
// It returns nil if the store has no entry for the label.
func (s *PseudoLabelStore) Sample(rng *rand.Rand, label []float32, k int) [][]float32 {
	entry, ok := s.Entries[Key(label)]
	if !ok || len(entry.PseudoLabels) == 0 {
		return nil
	}
	if k > len(entry.PseudoLabels) {
		k = len(entry.PseudoLabels)
	}
	perm := rng.Perm(len(entry.PseudoLabels))
	out := make([][]float32, 0, k)
	for _, idx := range perm[:k] {
		out = append(out, entry.PseudoLabels[idx])
	}
	return out
}
