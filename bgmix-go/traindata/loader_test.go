package traindata

import (
	"fmt"
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/motionlab/bgmix/bgmix-golib/serialization"
	"github.com/motionlab/bgmix/bgmix-golib/tensor"
)

func writeClip(t *testing.T, dir, name string, seed int64) string {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	clip := tensor.Randn(rng, 1, 3, 4, 2, 2)
	path := filepath.Join(dir, name+".json.gz")
	require.NoError(t, serialization.Encode(path, clip))
	return path
}

func loaderRows(t *testing.T, dir string, n int) []ManifestRow {
	t.Helper()
	rows := make([]ManifestRow, n)
	for i := range rows {
		rows[i] = ManifestRow{
			FGPath:     writeClip(t, dir, fmt.Sprintf("fg%d", i), int64(i)),
			BGPath:     writeClip(t, dir, fmt.Sprintf("bg%d", i), int64(100+i)),
			Label:      fmt.Sprintf("%d", i%3),
			IsNegative: i%2 == 1,
			UTM:        "32U",
		}
	}
	return rows
}

func TestLoaderBatches(t *testing.T) {
	dir, err := ioutil.TempDir("", "loader")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	rows := loaderRows(t, dir, 5)
	loader, err := NewLoader(rows, LoaderConfig{BatchSize: 2, NumClasses: 3, NumGo: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, loader.NumBatches())

	batches, err := loader.Batches(0)
	require.NoError(t, err)
	require.Len(t, batches, 3)

	first := batches[0]
	assert.Equal(t, []int{2, 3, 4, 2, 2}, first.FGFrames.Shape)
	assert.Equal(t, []int{2, 3, 4, 2, 2}, first.BGFrames.Shape)
	assert.Nil(t, first.BG2Frames)
	assert.Equal(t, 2, first.Size())
	assert.Equal(t, []bool{false, true}, first.Mask)
	assert.Equal(t, float32(1), first.Labels.Row(0)[0])

	// short final batch is kept
	assert.Equal(t, 1, batches[2].Size())
}

func TestLoaderShuffleDeterministic(t *testing.T) {
	dir, err := ioutil.TempDir("", "loader")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	rows := loaderRows(t, dir, 6)
	loader, err := NewLoader(rows, LoaderConfig{
		BatchSize: 3, NumClasses: 3, Shuffle: true, Seed: 9,
	})
	require.NoError(t, err)

	a, err := loader.Batches(1)
	require.NoError(t, err)
	b, err := loader.Batches(1)
	require.NoError(t, err)
	assert.Equal(t, a[0].Index, b[0].Index)

	c, err := loader.Batches(2)
	require.NoError(t, err)
	assert.NotEqual(t, a[0].Index, c[0].Index)
}

func TestLoaderMissingClip(t *testing.T) {
	dir, err := ioutil.TempDir("", "loader")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	rows := loaderRows(t, dir, 2)
	rows[1].BGPath = filepath.Join(dir, "gone.json")
	loader, err := NewLoader(rows, LoaderConfig{BatchSize: 2, NumClasses: 3})
	require.NoError(t, err)

	_, err = loader.Batches(0)
	require.Error(t, err)
}

func TestLoaderValidation(t *testing.T) {
	_, err := NewLoader(nil, LoaderConfig{BatchSize: 2, NumClasses: 3})
	require.Error(t, err)
	_, err = NewLoader([]ManifestRow{{}}, LoaderConfig{BatchSize: 0, NumClasses: 3})
	require.Error(t, err)
}
