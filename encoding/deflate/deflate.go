// Package deflate installs the "deflate" compressor named in spec §3. Per
// §4.L ("When compression is configured... ZLIB compression"), the wire
// encoding is a zlib stream (RFC 1950: a deflate stream with a zlib
// header/checksum), not raw deflate. Importing this package for its side
// effect registers the compressor:
//
//	import _ "github.com/chalvern/grpctransport/encoding/deflate"
package deflate

import (
	"compress/zlib"
	"io"

	"github.com/chalvern/grpctransport/encoding"
)

const Name = "deflate"

type compressor struct{}

func init() {
	encoding.RegisterCompressor(&compressor{})
}

func (c *compressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return zlib.NewWriter(w), nil
}

func (c *compressor) Decompress(r io.Reader) (io.Reader, error) {
	zr, err := zlib.NewReader(r)
	if err != nil {
		return nil, err
	}
	return zr, nil
}

func (c *compressor) Name() string { return Name }
