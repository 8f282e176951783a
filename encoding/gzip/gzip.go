// Package gzip installs the gzip compressor, registered under the name
// "gzip" (one of the three algorithms named in spec §3). Importing this
// package for its side effect registers the compressor:
//
//	import _ "github.com/chalvern/grpctransport/encoding/gzip"
package gzip

import (
	"compress/gzip"
	"io"
	"sync"

	"github.com/chalvern/grpctransport/encoding"
)

const Name = "gzip"

type compressor struct {
	writerPool sync.Pool
	readerPool sync.Pool
}

func init() {
	c := &compressor{}
	c.writerPool.New = func() interface{} {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.DefaultCompression)
		return w
	}
	encoding.RegisterCompressor(c)
}

func (c *compressor) Compress(w io.Writer) (io.WriteCloser, error) {
	z := c.writerPool.Get().(*gzip.Writer)
	z.Reset(w)
	return &writeCloser{Writer: z, pool: &c.writerPool}, nil
}

type writeCloser struct {
	*gzip.Writer
	pool *sync.Pool
}

func (wc *writeCloser) Close() error {
	err := wc.Writer.Close()
	wc.pool.Put(wc.Writer)
	return err
}

func (c *compressor) Decompress(r io.Reader) (io.Reader, error) {
	z, inPool := c.readerPool.Get().(*gzip.Reader)
	if !inPool {
		newZ, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		return &reader{Reader: newZ, pool: &c.readerPool}, nil
	}
	if err := z.Reset(r); err != nil {
		c.readerPool.Put(z)
		return nil, err
	}
	return &reader{Reader: z, pool: &c.readerPool}, nil
}

type reader struct {
	*gzip.Reader
	pool *sync.Pool
}

func (r *reader) Read(p []byte) (n int, err error) {
	n, err = r.Reader.Read(p)
	if err == io.EOF {
		r.pool.Put(r.Reader)
	}
	return n, err
}

func (c *compressor) Name() string { return Name }
