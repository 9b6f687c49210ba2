// Package codecs compresses and decompresses snapshot blobs. A blob's Codec
// is recovered from the suffix of its attachment name.
package codecs

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
)

// Codec is a compression codec of snapshot blobs.
type Codec string

const (
	None      Codec = "none"
	Gzip      Codec = "gzip"
	Snappy    Codec = "snappy"
	Zstandard Codec = "zstd"
)

// Codecs enumerates the supported Codecs.
var Codecs = []Codec{None, Gzip, Snappy, Zstandard}

// Validate returns an error if the Codec isn't supported.
func (c Codec) Validate() error {
	for _, cc := range Codecs {
		if c == cc {
			return nil
		}
	}
	return fmt.Errorf("unsupported codec %q", string(c))
}

// Suffix is the attachment name suffix which follows ".json" in the names
// of blobs encoded with the Codec.
func (c Codec) Suffix() string {
	switch c {
	case Gzip:
		return ".gz"
	case Snappy:
		return ".sz"
	case Zstandard:
		return ".zst"
	default:
		return ""
	}
}

// FromName returns the Codec of attachment |name| given its suffix, and the
// name with the suffix removed.
func FromName(name string) (Codec, string) {
	for _, c := range []Codec{Gzip, Snappy, Zstandard} {
		if strings.HasSuffix(name, c.Suffix()) {
			return c, strings.TrimSuffix(name, c.Suffix())
		}
	}
	return None, name
}

// Decompressor is a ReadCloser where Close closes and releases Decompressor
// state, but does not Close or affect the underlying Reader.
type Decompressor io.ReadCloser

// Compressor is a WriteCloser where Close closes and releases Compressor
// state, potentially flushing final content to the underlying Writer,
// but does not Close or otherwise affect the underlying Writer.
type Compressor io.WriteCloser

// NewCodecReader returns a Decompressor of the Reader encoded with Codec.
func NewCodecReader(r io.Reader, codec Codec) (Decompressor, error) {
	switch codec {
	case None:
		return io.NopCloser(r), nil
	case Gzip:
		return gzip.NewReader(r)
	case Snappy:
		return io.NopCloser(snappy.NewReader(r)), nil
	case Zstandard:
		return zstdNewReader(r)
	default:
		return nil, codec.Validate()
	}
}

// NewCodecWriter returns a Compressor wrapping the Writer encoding with Codec.
func NewCodecWriter(w io.Writer, codec Codec) (Compressor, error) {
	switch codec {
	case None:
		return nopWriteCloser{w}, nil
	case Gzip:
		return gzip.NewWriter(w), nil
	case Snappy:
		return snappy.NewBufferedWriter(w), nil
	case Zstandard:
		return zstdNewWriter(w)
	default:
		return nil, codec.Validate()
	}
}

// Compress |b| with |codec|.
func Compress(b []byte, codec Codec) ([]byte, error) {
	var buf bytes.Buffer

	var w, err = NewCodecWriter(&buf, codec)
	if err != nil {
		return nil, err
	} else if _, err = w.Write(b); err != nil {
		return nil, err
	} else if err = w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress |b| encoded with |codec|.
func Decompress(b []byte, codec Codec) ([]byte, error) {
	var r, err = NewCodecReader(bytes.NewReader(b), codec)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return io.ReadAll(r)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

var (
	zstdNewReader = func(io.Reader) (io.ReadCloser, error) {
		return nil, fmt.Errorf("zstd was not enabled at compile time")
	}
	zstdNewWriter = func(io.Writer) (io.WriteCloser, error) {
		return nil, fmt.Errorf("zstd was not enabled at compile time")
	}
)
