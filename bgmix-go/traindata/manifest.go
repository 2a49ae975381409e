package traindata

import (
	"os"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/motionlab/bgmix/bgmix-golib/errors"
	"github.com/motionlab/bgmix/bgmix-golib/workerpool"
)

// ManifestRow is one paired clip entry in a dataset manifest CSV. Label holds
// one or more class ids separated by '|'.
type ManifestRow struct {
	FGPath     string `csv:"fg_path"`
	BGPath     string `csv:"bg_path"`
	BG2Path    string `csv:"bg2_path,omitempty"`
	Label      string `csv:"label"`
	IsNegative bool   `csv:"is_negative"`
	UTM        string `csv:"utm"`
}

// Classes parses the label column into class ids.
func (r ManifestRow) Classes() ([]int, error) {
	if r.Label == "" {
		return nil, nil
	}
	parts := strings.Split(r.Label, "|")
	classes := make([]int, 0, len(parts))
	for _, p := range parts {
		c, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, errors.Wrapf(err, "bad class id %q in label %q", p, r.Label)
		}
		classes = append(classes, c)
	}
	return classes, nil
}

// MultiHot returns the row's label as a multi-hot vector of width numClasses.
func (r ManifestRow) MultiHot(numClasses int) ([]float32, error) {
	classes, err := r.Classes()
	if err != nil {
		return nil, err
	}
	out := make([]float32, numClasses)
	for _, c := range classes {
		if c < 0 || c >= numClasses {
			return nil, errors.Errorf("class id %d out of range [0,%d)", c, numClasses)
		}
		out[c] = 1
	}
	return out, nil
}

// ReadManifest parses a manifest CSV from path.
func ReadManifest(path string) (rows []ManifestRow, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening manifest %s", path)
	}
	defer errors.Defer(&err, f.Close)

	if err := gocsv.UnmarshalFile(f, &rows); err != nil {
		return nil, errors.Wrapf(err, "error parsing manifest %s", path)
	}
	return rows, nil
}

// CheckClips stats every referenced clip path on numGo goroutines and returns
// the first missing one. Decoding the clips is the loader's problem; this only
// catches stale manifests before training starts.
func CheckClips(rows []ManifestRow, numGo int) error {
	pool := workerpool.New(numGo)

	var jobs []workerpool.Job
	for _, row := range rows {
		paths := []string{row.FGPath, row.BGPath}
		if row.BG2Path != "" {
			paths = append(paths, row.BG2Path)
		}
		for _, p := range paths {
			p := p
			jobs = append(jobs, func() error {
				if _, err := os.Stat(p); err != nil {
					return errors.Wrapf(err, "manifest references missing clip %s", p)
				}
				return nil
			})
		}
	}

	pool.Add(jobs)
	return pool.Wait()
}
