package serialization

import (
	"compress/gzip"
	"encoding/gob"
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/motionlab/bgmix/bgmix-golib/errors"
)

// Encoder is an interface that matches gob.Encoder and json.Encoder
type Encoder interface {
	// Encode adds an item to the stream
	Encode(interface{}) error
}

// EncodeCloser is an encoder that can also close its underlying stream
type EncodeCloser struct {
	encoder Encoder
	closers []io.Closer
}

// Encode writes an object to the underlying stream
func (e *EncodeCloser) Encode(x interface{}) error {
	return e.encoder.Encode(x)
}

// Close closes the underlying stream. Writers are closed in reverse order so
// compressed streams are flushed before the file.
func (e *EncodeCloser) Close() error {
	var err error
	for i := len(e.closers) - 1; i >= 0; i-- {
		err = errors.Combine(err, e.closers[i].Close())
	}
	return err
}

// NewEncoder creates the file at path and returns an encoder that writes in the
// format given by the file extension, which can be .json or .gob. The path may
// additionally have a .gz suffix, in which case the stream will be compressed.
func NewEncoder(path string) (*EncodeCloser, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	var w io.Writer = f
	closers := []io.Closer{f}

	trimmed := path
	if strings.HasSuffix(trimmed, ".gz") {
		trimmed = strings.TrimSuffix(trimmed, ".gz")
		gw := gzip.NewWriter(w)
		w = gw
		closers = append(closers, gw)
	}

	var e Encoder
	switch {
	case strings.HasSuffix(trimmed, ".json"):
		e = json.NewEncoder(w)
	case strings.HasSuffix(trimmed, ".gob"):
		e = gob.NewEncoder(w)
	default:
		f.Close()
		return nil, errors.Errorf("could not find encoder for %s", path)
	}

	return &EncodeCloser{
		encoder: e,
		closers: closers,
	}, nil
}

// Encode writes the object to the path, using the format specified by the file
// extension, which can be .json or .gob, optionally with a .gz suffix.
func Encode(path string, obj interface{}) (err error) {
	enc, err := NewEncoder(path)
	if err != nil {
		return err
	}
	defer errors.Defer(&err, enc.Close)
	return enc.Encode(obj)
}
