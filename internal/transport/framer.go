package transport

import (
	"bytes"
	"encoding/binary"

	"github.com/chalvern/grpctransport/codes"
	"github.com/chalvern/grpctransport/encoding"
	"github.com/chalvern/grpctransport/status"
)

// maxWriteBufferRetain is the threshold above which the framer's shared
// write buffer is discarded instead of reused, per spec §4.L ("if its
// capacity exceeds 64 KiB after a flush it is replaced to avoid unbounded
// retention").
const maxWriteBufferRetain = 64 * 1024

// msgHeaderLen is the 5-byte gRPC message header: 1 compression-flag byte
// + 4-byte big-endian length.
const msgHeaderLen = 5

type queuedMessage struct {
	data  []byte
	token interface{}
}

// Framer implements the send-side framing described in spec §4.L: queued
// messages are materialized into a single reused write buffer on flush.
// It performs no network I/O; it only produces bytes for the caller
// (the per-stream handler, §4.P) to write.
type Framer struct {
	compressor encoding.Compressor
	queue      []queuedMessage
	buf        []byte
}

// NewFramer returns a Framer that compresses outbound messages with c, or
// sends them raw if c is nil (identity encoding).
func NewFramer(c encoding.Compressor) *Framer {
	return &Framer{compressor: c}
}

// Queue enqueues a message for the next flush. token, if non-nil, is
// returned by FlushOne alongside the message's position so the caller can
// resolve a completion signal (e.g. a write promise) once the bytes have
// actually been written to the wire.
func (f *Framer) Queue(data []byte, token interface{}) {
	f.queue = append(f.queue, queuedMessage{data: data, token: token})
}

// Pending reports whether any messages are queued.
func (f *Framer) Pending() bool { return len(f.queue) > 0 }

// FlushOne encodes every currently queued message into the shared write
// buffer and returns it along with the tokens of the messages it
// contains, in FIFO order. If compression fails for any message, the
// entire flush fails: FlushOne returns the bytes successfully encoded so
// far as nil, an `internal "Compression failed"` status error, and the
// earliest queued completion token so the caller can propagate failure.
func (f *Framer) FlushOne() (out []byte, tokens []interface{}, err error) {
	if len(f.queue) == 0 {
		return nil, nil, nil
	}
	buf := f.buf[:0]
	tokens = make([]interface{}, 0, len(f.queue))
	for _, m := range f.queue {
		encoded, cerr := f.encode(m.data)
		if cerr != nil {
			first := f.queue[0].token
			f.queue = nil
			return nil, []interface{}{first}, status.Error(codes.Internal, "Compression failed")
		}
		buf = append(buf, encoded...)
		tokens = append(tokens, m.token)
	}
	f.queue = nil
	if cap(buf) > maxWriteBufferRetain {
		// Don't retain an oversized backing array across calls.
		f.buf = nil
	} else {
		f.buf = buf
	}
	return buf, tokens, nil
}

func (f *Framer) encode(msg []byte) ([]byte, error) {
	var hdr [msgHeaderLen]byte
	if f.compressor == nil {
		hdr[0] = 0
		binary.BigEndian.PutUint32(hdr[1:], uint32(len(msg)))
		out := make([]byte, 0, msgHeaderLen+len(msg))
		out = append(out, hdr[:]...)
		return append(out, msg...), nil
	}
	var cbuf bytes.Buffer
	wc, err := f.compressor.Compress(&cbuf)
	if err != nil {
		return nil, err
	}
	if _, err := wc.Write(msg); err != nil {
		return nil, err
	}
	if err := wc.Close(); err != nil {
		return nil, err
	}
	hdr[0] = 1
	binary.BigEndian.PutUint32(hdr[1:], uint32(cbuf.Len()))
	out := make([]byte, 0, msgHeaderLen+cbuf.Len())
	out = append(out, hdr[:]...)
	return append(out, cbuf.Bytes()...), nil
}

// DeframeKind classifies the outcome of one Deframer.Next call.
type DeframeKind uint8

const (
	// DeframeAwaitMore means not enough bytes have been accumulated yet;
	// the caller should wait for the next chunk.
	DeframeAwaitMore DeframeKind = iota
	// DeframeDeliver means a full message was reassembled and is ready for
	// delivery; the caller should call Next again to check for further
	// messages in the already-buffered bytes.
	DeframeDeliver
	// DeframeNoMore means the deframer is empty and the stream's
	// end-of-stream has been observed: no further messages will arrive.
	DeframeNoMore
	// DeframeFatal means a protocol violation was detected (oversized
	// message, invalid flag, or truncation at end-of-stream); Err carries
	// the terminal status and the stream must close.
	DeframeFatal
)

// DeframeResult is the outcome of one Deframer.Next call.
type DeframeResult struct {
	Kind    DeframeKind
	Message []byte
	Err     error
}

// Deframer implements the receive-side framing described in spec §4.L: it
// accepts HTTP/2 DATA chunks incrementally and reassembles length-prefixed
// gRPC messages, decompressing them per the stream's declared
// grpc-encoding.
type Deframer struct {
	maxPayload uint32
	compressor encoding.Compressor // set once grpc-encoding is known; nil means identity

	buf       []byte
	endStream bool
}

// NewDeframer returns a Deframer enforcing maxPayload as the maximum
// on-the-wire message length.
func NewDeframer(maxPayload uint32) *Deframer {
	return &Deframer{maxPayload: maxPayload}
}

// SetCompressor installs the decompressor to use for flag=1 messages, once
// grpc-encoding has been read from headers.
func (d *Deframer) SetCompressor(c encoding.Compressor) { d.compressor = c }

// Write appends an incoming DATA chunk to the deframer's buffer.
func (d *Deframer) Write(p []byte) {
	d.buf = append(d.buf, p...)
}

// SetEndStream records that the HTTP/2 stream's end-of-stream has been
// observed; Next will return DeframeNoMore once the buffer drains instead
// of DeframeAwaitMore.
func (d *Deframer) SetEndStream() { d.endStream = true }

// Next attempts to reassemble and decode one message, per the algorithm in
// spec §4.L. The caller should loop on Next until it sees anything other
// than DeframeDeliver.
func (d *Deframer) Next() DeframeResult {
	if len(d.buf) < msgHeaderLen {
		if d.endStream {
			if len(d.buf) == 0 {
				return DeframeResult{Kind: DeframeNoMore}
			}
			return DeframeResult{Kind: DeframeFatal, Err: status.Error(codes.Internal, "Message is truncated")}
		}
		return DeframeResult{Kind: DeframeAwaitMore}
	}
	flag := d.buf[0]
	length := binary.BigEndian.Uint32(d.buf[1:5])
	if length > d.maxPayload {
		return DeframeResult{Kind: DeframeFatal, Err: status.Error(codes.Internal, "Failed to decode message")}
	}
	if uint32(len(d.buf)-msgHeaderLen) < length {
		if d.endStream {
			return DeframeResult{Kind: DeframeFatal, Err: status.Error(codes.Internal, "Message is truncated")}
		}
		return DeframeResult{Kind: DeframeAwaitMore}
	}
	if flag != 0 && flag != 1 {
		return DeframeResult{Kind: DeframeFatal, Err: status.Error(codes.Internal, "Invalid compression flag")}
	}
	payload := d.buf[msgHeaderLen : msgHeaderLen+length]
	d.buf = d.buf[msgHeaderLen+length:]

	if flag == 0 {
		msg := make([]byte, len(payload))
		copy(msg, payload)
		return DeframeResult{Kind: DeframeDeliver, Message: msg}
	}
	if d.compressor == nil {
		return DeframeResult{Kind: DeframeFatal, Err: status.Error(codes.Internal, "Failed to decode message")}
	}
	r, err := d.compressor.Decompress(bytes.NewReader(payload))
	if err != nil {
		return DeframeResult{Kind: DeframeFatal, Err: status.Error(codes.Internal, "Failed to decode message")}
	}
	var out bytes.Buffer
	if _, err := out.ReadFrom(r); err != nil {
		return DeframeResult{Kind: DeframeFatal, Err: status.Error(codes.Internal, "Failed to decode message")}
	}
	return DeframeResult{Kind: DeframeDeliver, Message: out.Bytes()}
}
