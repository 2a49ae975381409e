package serialization

import (
	"compress/gzip"
	"encoding/gob"
	"encoding/json"
	"io"
	"os"
	"reflect"
	"strings"

	"github.com/motionlab/bgmix/bgmix-golib/errors"
)

// Decoder is an interface that matches gob.Decoder and json.Decoder
type Decoder interface {
	// Decode extracts an object from the stream
	Decode(interface{}) error
}

// ErrStop is a special value returned from handlers to cease processing
var ErrStop = errors.New("stop processing requested")

// Decode loads objects from a file. If the path ends with .gz the contents are
// decompressed; the encoding is then determined by the remaining extension,
// which can be .json or .gob.
//
// The handler may be a pointer, in which case a single object is decoded into
// it, or a func(*T) / func(*T) error called once per object in the stream:
//
//	var rows []Row
//	err := serialization.Decode("rows.json.gz", func(r *Row) {
//	    rows = append(rows, *r)
//	})
func Decode(path string, handler interface{}) (err error) {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "error loading %s", path)
	}
	defer errors.Defer(&err, f.Close)
	return decodeAs(f, path, handler)
}

// decodeAs is like Decode but uses the provided path to determine the
// compression and encoding used in the stream.
func decodeAs(r io.Reader, path string, handler interface{}) error {
	trimmed := path
	if strings.HasSuffix(trimmed, ".gz") {
		trimmed = strings.TrimSuffix(trimmed, ".gz")
		gr, err := gzip.NewReader(r)
		if err != nil {
			return errors.Wrapf(err, "error loading %s", path)
		}
		defer gr.Close()
		r = gr
	}

	var d Decoder
	switch {
	case strings.HasSuffix(trimmed, ".json"):
		d = json.NewDecoder(r)
	case strings.HasSuffix(trimmed, ".gob"):
		d = gob.NewDecoder(r)
	default:
		return errors.Errorf("could not find decoder for %s", path)
	}

	f := reflect.ValueOf(handler)
	if f.Kind() == reflect.Ptr {
		return d.Decode(handler)
	}
	if f.Kind() != reflect.Func {
		return errors.Errorf("expected a function or a pointer, got %T", handler)
	}

	funcType := f.Type()
	if funcType.NumIn() != 1 || funcType.In(0).Kind() != reflect.Ptr {
		return errors.Errorf("expected a function taking one pointer parameter")
	}
	if funcType.NumOut() > 1 {
		return errors.Errorf("expected a function with zero or one output parameter")
	}
	elemType := funcType.In(0).Elem()

	for {
		elem := reflect.New(elemType)
		err := d.Decode(elem.Interface())
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		out := f.Call([]reflect.Value{elem})
		if len(out) == 1 && !out[0].IsNil() {
			err := out[0].Interface().(error)
			if err == ErrStop {
				return nil
			}
			return err
		}
	}
}
