package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gzipenc "github.com/chalvern/grpctransport/encoding/gzip"
	"github.com/chalvern/grpctransport/encoding"
)

func drainDeliver(t *testing.T, d *Deframer) [][]byte {
	t.Helper()
	var out [][]byte
	for {
		r := d.Next()
		switch r.Kind {
		case DeframeDeliver:
			out = append(out, r.Message)
		case DeframeAwaitMore, DeframeNoMore:
			return out
		case DeframeFatal:
			require.NoError(t, r.Err)
			return out
		}
	}
}

func TestFramerDeframerRoundTripIdentity(t *testing.T) {
	msgs := [][]byte{[]byte("hello"), {}, []byte("a bit longer message body")}
	f := NewFramer(nil)
	for _, m := range msgs {
		f.Queue(m, nil)
	}
	buf, tokens, err := f.FlushOne()
	require.NoError(t, err)
	require.Len(t, tokens, len(msgs))

	d := NewDeframer(1 << 20)
	// Feed one byte at a time to exercise partial-accumulation.
	for i := range buf {
		d.Write(buf[i : i+1])
	}
	d.SetEndStream()
	got := drainDeliver(t, d)
	require.Len(t, got, len(msgs))
	for i, m := range msgs {
		assert.Equal(t, m, got[i])
	}
}

func TestFramerDeframerRoundTripGzip(t *testing.T) {
	c := encoding.GetCompressor(gzipenc.Name)
	require.NotNil(t, c)

	f := NewFramer(c)
	f.Queue([]byte("compress me please"), "tok")
	buf, tokens, err := f.FlushOne()
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"tok"}, tokens)
	assert.Equal(t, byte(1), buf[0])

	d := NewDeframer(1 << 20)
	d.SetCompressor(c)
	d.Write(buf)
	d.SetEndStream()
	got := drainDeliver(t, d)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("compress me please"), got[0])
}

func TestDeframerOversizedMessage(t *testing.T) {
	d := NewDeframer(1)
	hdr := []byte{0x00, 0, 0, 0, 42}
	d.Write(hdr)
	r := d.Next()
	require.Equal(t, DeframeFatal, r.Kind)
	assert.Contains(t, r.Err.Error(), "Failed to decode message")
}

func TestDeframerTruncatedAtEndStream(t *testing.T) {
	d := NewDeframer(1 << 20)
	d.Write([]byte{0x00, 0, 0, 0, 5, 'a', 'b'})
	d.SetEndStream()
	r := d.Next()
	require.Equal(t, DeframeFatal, r.Kind)
	assert.Contains(t, r.Err.Error(), "Message is truncated")
}

func TestDeframerInvalidCompressionFlag(t *testing.T) {
	d := NewDeframer(1 << 20)
	d.Write([]byte{0x02, 0, 0, 0, 0})
	r := d.Next()
	require.Equal(t, DeframeFatal, r.Kind)
	assert.Contains(t, r.Err.Error(), "Invalid compression flag")
}

func TestDeframerAwaitsMoreMessages(t *testing.T) {
	d := NewDeframer(1 << 20)
	d.Write([]byte{0x00, 0, 0, 0, 3})
	r := d.Next()
	require.Equal(t, DeframeAwaitMore, r.Kind)

	d.Write([]byte{1, 2})
	r = d.Next()
	require.Equal(t, DeframeAwaitMore, r.Kind)

	d.Write([]byte{3})
	r = d.Next()
	require.Equal(t, DeframeDeliver, r.Kind)
	assert.Equal(t, []byte{1, 2, 3}, r.Message)

	d.SetEndStream()
	r = d.Next()
	require.Equal(t, DeframeNoMore, r.Kind)
}

func TestFramerWriteBufferShrinksAfterLargeFlush(t *testing.T) {
	f := NewFramer(nil)
	big := make([]byte, maxWriteBufferRetain+1)
	f.Queue(big, nil)
	buf, _, err := f.FlushOne()
	require.NoError(t, err)
	assert.True(t, len(buf) > maxWriteBufferRetain)
	assert.Nil(t, f.buf)
}
