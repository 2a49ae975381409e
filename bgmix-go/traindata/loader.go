package traindata

import (
	"math/rand"

	"github.com/motionlab/bgmix/bgmix-golib/errors"
	"github.com/motionlab/bgmix/bgmix-golib/serialization"
	"github.com/motionlab/bgmix/bgmix-golib/tensor"
	"github.com/motionlab/bgmix/bgmix-golib/workerpool"
)

// LoaderConfig drives batch assembly from a manifest.
type LoaderConfig struct {
	BatchSize  int
	NumClasses int
	// NumGo bounds the parallel clip reads per batch.
	NumGo   int
	Shuffle bool
	Seed    int64
}

// Loader assembles collated batches from pre-extracted clip tensors on disk.
// Video decoding happens upstream; manifests reference the decoded dumps
// (.json or .json.gz), each holding one [C,T,H,W] tensor.
type Loader struct {
	rows []ManifestRow
	cfg  LoaderConfig
}

// NewLoader validates the config against the manifest.
func NewLoader(rows []ManifestRow, cfg LoaderConfig) (*Loader, error) {
	if len(rows) == 0 {
		return nil, errors.Errorf("loader needs a non-empty manifest")
	}
	if cfg.BatchSize <= 0 || cfg.NumClasses <= 0 {
		return nil, errors.Errorf("loader needs positive batch size and class count, got %d/%d",
			cfg.BatchSize, cfg.NumClasses)
	}
	if cfg.NumGo <= 0 {
		cfg.NumGo = 4
	}
	return &Loader{rows: rows, cfg: cfg}, nil
}

// NumBatches returns the per-epoch batch count. A short final batch is kept.
func (l *Loader) NumBatches() int {
	return (len(l.rows) + l.cfg.BatchSize - 1) / l.cfg.BatchSize
}

// Batches loads one epoch worth of batches. The shuffle order is
// deterministic per (seed, epoch), so every worker of a data-parallel run
// sees the same order.
func (l *Loader) Batches(epoch int) ([]*Batch, error) {
	order := make([]int, len(l.rows))
	for i := range order {
		order[i] = i
	}
	if l.cfg.Shuffle {
		rng := rand.New(rand.NewSource(l.cfg.Seed + int64(epoch)))
		rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}

	batches := make([]*Batch, 0, l.NumBatches())
	for start := 0; start < len(order); start += l.cfg.BatchSize {
		end := start + l.cfg.BatchSize
		if end > len(order) {
			end = len(order)
		}
		batch, err := l.loadBatch(order[start:end])
		if err != nil {
			return nil, err
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

func (l *Loader) loadBatch(idx []int) (*Batch, error) {
	n := len(idx)
	fg := make([]*tensor.Tensor, n)
	bg := make([]*tensor.Tensor, n)
	bg2 := make([]*tensor.Tensor, n)

	pool := workerpool.New(l.cfg.NumGo)
	jobs := make([]workerpool.Job, 0, n)
	for i, rowIdx := range idx {
		i, row := i, l.rows[rowIdx]
		jobs = append(jobs, func() error {
			var err error
			if fg[i], err = loadClip(row.FGPath); err != nil {
				return err
			}
			if bg[i], err = loadClip(row.BGPath); err != nil {
				return err
			}
			if row.BG2Path != "" {
				if bg2[i], err = loadClip(row.BG2Path); err != nil {
					return err
				}
			}
			return nil
		})
	}
	pool.Add(jobs)
	if err := pool.Wait(); err != nil {
		return nil, err
	}

	labels := tensor.New(n, l.cfg.NumClasses)
	mask := make([]bool, n)
	utm := make([]string, n)
	for i, rowIdx := range idx {
		row := l.rows[rowIdx]
		hot, err := row.MultiHot(l.cfg.NumClasses)
		if err != nil {
			return nil, err
		}
		copy(labels.Row(i), hot)
		mask[i] = row.IsNegative
		utm[i] = row.UTM
	}

	batch := &Batch{
		Mask:    mask,
		Labels:  labels,
		Index:   append([]int(nil), idx...),
		TimeIdx: make([]int, n),
		UTM:     utm,
	}
	var err error
	if batch.FGFrames, err = stackClips(fg); err != nil {
		return nil, err
	}
	if batch.BGFrames, err = stackClips(bg); err != nil {
		return nil, err
	}
	if bg2[0] != nil {
		if batch.BG2Frames, err = stackClips(bg2); err != nil {
			return nil, err
		}
	}
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	return batch, nil
}

func loadClip(path string) (*tensor.Tensor, error) {
	var t tensor.Tensor
	if err := serialization.Decode(path, &t); err != nil {
		return nil, errors.Wrapf(err, "error loading clip %s", path)
	}
	if t.NumDims() != 4 {
		return nil, errors.Errorf("clip %s has shape %v, want [C,T,H,W]", path, t.Shape)
	}
	return &t, nil
}

// stackClips collates per-sample [C,T,H,W] clips into one [B,C,T,H,W] tensor.
func stackClips(clips []*tensor.Tensor) (*tensor.Tensor, error) {
	first := clips[0]
	out := tensor.New(append([]int{len(clips)}, first.Shape...)...)
	size := first.Size()
	for i, c := range clips {
		if c == nil || !c.SameShape(first) {
			return nil, errors.Errorf("clip %d does not match batch shape %v", i, first.Shape)
		}
		copy(out.Data[i*size:(i+1)*size], c.Data)
	}
	return out, nil
}
