// Package transport implements the gRPC-over-HTTP/2 wire protocol: framing,
// header/trailer codec, the per-stream state machine, and the client/server
// connection managers that drive golang.org/x/net/http2 connections. It does
// not reimplement HTTP/2 or HPACK; those are delegated to golang.org/x/net.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/chalvern/grpctransport/codes"
	"github.com/chalvern/grpctransport/metadata"
	"github.com/chalvern/grpctransport/status"
)

// CallHdr carries the per-RPC information a client needs to open a new
// stream: which method to call, what compression to request, and whether
// the request headers should be flushed immediately or coalesced with the
// first message.
type CallHdr struct {
	Host           string
	Method         string
	SendCompress   string
	ContentSubtype string
	PreviousAttempts int
	Flush          bool
}

// Options carries per-write knobs for ClientTransport.Write and
// ServerTransport.Write.
type Options struct {
	// Last indicates this is the last message the caller will send on the
	// stream. The client transport marks the outbound HTTP/2 DATA frame
	// END_STREAM; the server transport ignores it, since a server stream
	// ends with the trailers sent by WriteStatus.
	Last bool
}

// GoAwayReason explains why a transport sent or received a GOAWAY frame.
type GoAwayReason uint8

const (
	GoAwayInvalid GoAwayReason = iota
	GoAwayNoReason
	GoAwayTooManyPings
)

// ConnectionError is returned by operations performed on, or that discover,
// a transport in a terminal state.
type ConnectionError struct {
	Desc string
	temp bool
	err  error
}

func (e ConnectionError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("transport: %s: %v", e.Desc, e.err)
	}
	return fmt.Sprintf("transport: %s", e.Desc)
}

func (e ConnectionError) Temporary() bool { return e.temp }
func (e ConnectionError) Origin() error {
	if e.err == nil {
		return e
	}
	return e.err
}

// ErrConnClosing is returned by ClientTransport.NewStream when the
// transport has begun closing and will not accept new streams.
var ErrConnClosing = ConnectionError{Desc: "the connection is closing", temp: true}

// ErrStreamDrain is returned when a stream would be created on a transport
// that has already issued or received a GOAWAY.
var ErrStreamDrain = ConnectionError{Desc: "the connection is draining", temp: true}

// ClientTransport is the interface a client-side HTTP/2 connection exposes
// to the RPC layer above it.
type ClientTransport interface {
	// Close tears down the connection, failing every outstanding stream
	// with err.
	Close(err error) error
	// GracefulClose starts graceful shutdown: it sends a GOAWAY and
	// refuses new streams, but lets outstanding ones finish.
	GracefulClose()
	// NewStream creates and opens a stream for an RPC described by hdr.
	NewStream(ctx context.Context, hdr *CallHdr) (*Stream, error)
	// CloseStream terminates an RPC, sending RST_STREAM if the stream is
	// still open, and frees stream-related resources.
	CloseStream(s *Stream, err error)
	// Write sends data on the stream. Data may be nil and opts.Last set
	// to indicate a half-close with no payload.
	Write(s *Stream, hdr []byte, data []byte, opts *Options) error
	// Error returns a channel that is closed when the transport goes
	// unhealthy.
	Error() <-chan struct{}
	// GoAway returns a channel closed when a GOAWAY has been received.
	GoAway() <-chan struct{}
	// GetGoAwayReason returns the reason for the most recently received
	// GOAWAY, if any.
	GetGoAwayReason() GoAwayReason
	// IdleExpired reports whether Close was triggered by the connection's
	// own idle timer (maxIdleTime elapsed with zero open streams) rather
	// than a peer GOAWAY or other transport failure.
	IdleExpired() bool
	// IncrMsgSent/IncrMsgRecv update per-connection message counters.
	IncrMsgSent()
	IncrMsgRecv()
	// RemoteAddr reports the transport's peer address.
	RemoteAddr() net.Addr
}

// ServerTransport is the interface a server-side HTTP/2 connection exposes
// to the RPC dispatch layer above it.
type ServerTransport interface {
	// HandleStreams blocks, invoking handle for every stream the peer
	// opens, until the connection closes.
	HandleStreams(handle func(*Stream))
	// WriteHeader sends the response header metadata for s.
	WriteHeader(s *Stream, md metadata.MD) error
	// Write sends a DATA chunk on s.
	Write(s *Stream, hdr []byte, data []byte, opts *Options) error
	// WriteStatus sends the final status (trailers-only or trailers) for
	// s and closes it.
	WriteStatus(s *Stream, st *status.Status) error
	// Close tears down the connection.
	Close() error
	// RemoteAddr reports the transport's peer address.
	RemoteAddr() net.Addr
	// Drain sends a GOAWAY telling the peer to stop opening new streams
	// on this connection.
	Drain()
	// ActiveStreamCount reports how many streams are still open on this
	// connection, so a graceful shutdown can wait for it to reach zero
	// instead of guessing at a fixed delay.
	ActiveStreamCount() int
	IncrMsgSent()
	IncrMsgRecv()
}

// recvMsg is one item in a Stream's inbound message queue: either a
// decoded message payload, or a terminal error (including io.EOF).
type recvMsg struct {
	data []byte
	err  error
}

// recvBuffer is an unbounded, single-consumer FIFO queue used to hand
// decoded messages (or a terminal error) from the connection's read loop
// to the Stream's RecvMsg/Recv caller without blocking the read loop.
type recvBuffer struct {
	mu       sync.Mutex
	c        chan recvMsg
	backlog  []recvMsg
	err      error
}

func newRecvBuffer() *recvBuffer {
	return &recvBuffer{c: make(chan recvMsg, 1)}
}

func (b *recvBuffer) put(r recvMsg) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return
	}
	if r.err != nil {
		b.err = r.err
	}
	if len(b.backlog) == 0 {
		select {
		case b.c <- r:
			return
		default:
		}
	}
	b.backlog = append(b.backlog, r)
}

func (b *recvBuffer) load() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.backlog) > 0 {
		select {
		case b.c <- b.backlog[0]:
			b.backlog = b.backlog[1:]
		default:
		}
	}
}

// get returns a channel that yields the next recvMsg when available.
func (b *recvBuffer) get() <-chan recvMsg {
	return b.c
}

// recvIO multiplexes over a Stream's recvBuffer so RecvMsg can be
// cancelled by ctx.Done() or an abort channel closing.
func recvIO(ctx context.Context, done <-chan struct{}, buf *recvBuffer) ([]byte, error) {
	// A message already queued is returned even if the stream has finished.
	select {
	case r := <-buf.get():
		buf.load()
		return r.data, r.err
	default:
	}
	select {
	case r := <-buf.get():
		buf.load()
		return r.data, r.err
	case <-ctx.Done():
		return nil, ContextErr(ctx.Err())
	case <-done:
		return nil, io.EOF
	}
}

// ContextErr converts a context error into an appropriate gRPC status
// error.
func ContextErr(err error) error {
	switch err {
	case context.DeadlineExceeded:
		return status.Error(codes.DeadlineExceeded, err.Error())
	case context.Canceled:
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
