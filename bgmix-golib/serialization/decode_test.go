package serialization

import (
	"bytes"
	"compress/gzip"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clip struct {
	Path  string
	Label int
}

func gzipString(x string) []byte {
	var b bytes.Buffer
	w := gzip.NewWriter(&b)
	w.Write([]byte(x))
	w.Close()
	return b.Bytes()
}

func TestJSON(t *testing.T) {
	var clips []*clip
	d := []byte(`{"Path": "a.mp4", "Label": 2}{"Path": "b.mp4", "Label": 3}`)
	err := decodeAs(bytes.NewBuffer(d), "foo.json", func(c *clip) {
		clips = append(clips, c)
	})
	require.NoError(t, err)
	assert.Len(t, clips, 2)
}

func TestGzippedJSON(t *testing.T) {
	var clips []*clip
	d := gzipString(`{"Path": "a.mp4", "Label": 2}{"Path": "b.mp4", "Label": 3}`)
	err := decodeAs(bytes.NewBuffer(d), "bar.json.gz", func(c *clip) {
		clips = append(clips, c)
	})
	require.NoError(t, err)
	assert.Len(t, clips, 2)
}

func TestStop(t *testing.T) {
	var clips []*clip
	d := []byte(`{"Path": "a.mp4", "Label": 2}{"Path": "b.mp4", "Label": 3}`)
	err := decodeAs(bytes.NewBuffer(d), "foo.json", func(c *clip) error {
		clips = append(clips, c)
		return ErrStop
	})
	require.NoError(t, err)
	assert.Len(t, clips, 1)
}

func TestUnknownExtension(t *testing.T) {
	err := decodeAs(bytes.NewBuffer(nil), "foo.csv", func(c *clip) {})
	require.Error(t, err)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	dir, err := ioutil.TempDir("", "serialization")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	for _, name := range []string{"clips.json", "clips.gob", "clips.json.gz", "clips.gob.gz"} {
		path := filepath.Join(dir, name)
		in := clip{Path: "a.mp4", Label: 7}
		require.NoError(t, Encode(path, in))

		var out clip
		require.NoError(t, Decode(path, &out))
		assert.Equal(t, in, out, "round trip failed for %s", name)
	}
}
