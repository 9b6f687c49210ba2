//go:build !nozstd

package codecs

import (
	"io"

	"github.com/DataDog/zstd"
)

// Snapshots are written once per flush and read once per boot, so they're
// compressed at the library's default level rather than its fastest.
func init() {
	zstdNewReader = func(r io.Reader) (io.ReadCloser, error) {
		return zstd.NewReader(r), nil
	}
	zstdNewWriter = func(w io.Writer) (io.WriteCloser, error) {
		return zstd.NewWriterLevel(w, zstd.DefaultCompression), nil
	}
}
