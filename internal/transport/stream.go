package transport

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/chalvern/grpctransport/codes"
	"github.com/chalvern/grpctransport/metadata"
	"github.com/chalvern/grpctransport/status"
)

// Stream represents one gRPC call's HTTP/2 stream, shared by client and
// server transports. It owns the framer/deframer pair used to turn
// application messages into length-prefixed frames and back, the
// half-close state machine (streamFSM), and the header/trailer/status
// bookkeeping the RPC layer above reads from.
type Stream struct {
	id     uint32
	ctx    context.Context
	cancel context.CancelFunc
	method string

	fsm *streamFSM

	framer   *Framer
	deframer *Deframer

	recvCompress string
	sendCompress string

	buf *recvBuffer

	headerChan  chan struct{}
	headerDone  uint32 // atomically set once headerChan is closed
	header      metadata.MD
	headerErr   error

	mu      sync.Mutex
	trailer metadata.MD
	st      *status.Status

	bytesReceived uint64
	bytesSent     uint64

	// done is closed when the stream is fully torn down (both FSM
	// directions closed, or reset); RecvMsg callers select on it so a
	// pending read unblocks on cancellation from elsewhere.
	done chan struct{}
}

func newStream(ctx context.Context, role Role, id uint32, method string, maxReceiveMessageSize uint32) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	return &Stream{
		id:         id,
		ctx:        ctx,
		cancel:     cancel,
		method:     method,
		fsm:        newStreamFSM(role),
		deframer:   NewDeframer(maxReceiveMessageSize),
		buf:        newRecvBuffer(),
		headerChan: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Context returns the stream's context; it is cancelled when the stream
// closes for any reason.
func (s *Stream) Context() context.Context { return s.ctx }

// Method returns the full "/service/method" path this stream is for.
func (s *Stream) Method() string { return s.method }

// RecvCompress returns the grpc-encoding the peer declared for messages it
// sends on this stream, or "" for identity.
func (s *Stream) RecvCompress() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recvCompress
}

func (s *Stream) setRecvCompress(enc string) {
	s.mu.Lock()
	s.recvCompress = enc
	s.mu.Unlock()
}

// BytesReceived reports whether any message bytes have been delivered on
// this stream, used by the RPC layer to decide whether a transport error
// should be reported as partially-delivered.
func (s *Stream) BytesReceived() bool {
	return atomic.LoadUint64(&s.bytesReceived) > 0
}

func (s *Stream) addBytesReceived(n int) {
	atomic.AddUint64(&s.bytesReceived, uint64(n))
}

// setHeader delivers the server's initial response metadata, unblocking
// any goroutine parked in Header(). Only the connection's read loop calls
// this, exactly once.
func (s *Stream) setHeader(md metadata.MD, err error) {
	s.header = md
	s.headerErr = err
	if atomic.CompareAndSwapUint32(&s.headerDone, 0, 1) {
		close(s.headerChan)
	}
}

// Header blocks until response header metadata is available (or the
// stream ends without any, e.g. a trailers-only response) and returns it.
func (s *Stream) Header() (metadata.MD, error) {
	select {
	case <-s.headerChan:
		return s.header, s.headerErr
	case <-s.ctx.Done():
		return nil, ContextErr(s.ctx.Err())
	case <-s.done:
		return s.header, s.headerErr
	}
}

// Trailer returns the trailer metadata received with the final status. It
// must only be called after the stream has ended.
func (s *Stream) Trailer() metadata.MD {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trailer.Copy()
}

// SetTrailer merges md into the trailer metadata to be sent with the final
// status (server side).
func (s *Stream) SetTrailer(md metadata.MD) {
	s.mu.Lock()
	s.trailer = metadata.Join(s.trailer, md)
	s.mu.Unlock()
}

// setTrailerFromPeer records trailer metadata received from the peer (client
// side), merging with anything already set via the header frame's
// trailing fields.
func (s *Stream) setTrailerFromPeer(md metadata.MD) {
	s.mu.Lock()
	s.trailer = metadata.Join(s.trailer, md)
	s.mu.Unlock()
}

// Status returns the final RPC status once the stream has ended; before
// that it returns a nil-error OK status.
func (s *Stream) Status() *status.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st == nil {
		return status.New(0, "")
	}
	return s.st
}

func (s *Stream) setStatus(st *status.Status) {
	s.mu.Lock()
	s.st = st
	s.mu.Unlock()
}

// SetHeader merges md into the pending response header metadata (server
// side), before it has been flushed by SendHeader/the first message.
func (s *Stream) SetHeader(md metadata.MD) error {
	s.mu.Lock()
	s.header = metadata.Join(s.header, md)
	s.mu.Unlock()
	return nil
}

// queueForSend queues data with the stream's framer for the next flush; it does
// not itself perform I/O. Used by ClientTransport/ServerTransport
// implementations so framing logic lives in one place regardless of role.
func (s *Stream) queueForSend(data []byte, token interface{}) {
	s.framer.Queue(data, token)
}

// QueueForSend queues an application message, with its negotiated
// per-message compression, for the next FlushForSend call.
func (s *Stream) QueueForSend(data []byte, token interface{}) {
	s.queueForSend(data, token)
}

// FlushForSend materializes every message queued since the last flush into
// a single length-prefixed (and, if negotiated, compressed) wire buffer
// ready to hand to ClientTransport.Write/ServerTransport.Write as data,
// with hdr left nil.
func (s *Stream) FlushForSend() ([]byte, []interface{}, error) {
	return s.framer.FlushOne()
}

// CanSend reports whether this side of s may still write DATA: once this
// side has half-closed (or the stream is fully done), per §3/§4.N further
// outbound writes are a state-machine violation rather than ordinary I/O.
func (s *Stream) CanSend() bool {
	return s.fsm.canSend()
}

// CanReceive reports whether the peer may still have DATA/HEADERS in
// flight that this side should accept.
func (s *Stream) CanReceive() bool {
	return s.fsm.canReceive()
}

// deliverData feeds an inbound HTTP/2 DATA payload to the deframer and
// drains any messages it completes into the recv buffer. endStream, if
// true, tells the deframer no further DATA will arrive. It reports true
// if the frame was rejected as a protocol violation instead of being fed
// to the deframer, so the caller tears the stream down rather than
// treating it as an ordinary end-of-stream.
//
// A server may only close a stream by sending status and trailers; a
// DATA frame that both ends the stream and still carries a message means
// the server tried to close by ending the data stream instead, which is
// the §3 "EOS alongside a data frame" violation. This can only happen on
// a client-side Stream, since a client legitimately ends its own request
// by setting END_STREAM on its last DATA frame.
func (s *Stream) deliverData(p []byte, endStream bool) bool {
	if endStream && len(p) > 0 && s.fsm.role == RoleClient {
		st := status.New(codes.Internal, "Server sent EOS alongside a data frame, but server is only allowed to close by sending status and trailers.")
		s.buf.put(recvMsg{err: st.Err()})
		s.fsm.reset()
		s.finish(st)
		return true
	}
	if len(p) > 0 {
		s.deframer.Write(p)
	}
	if endStream {
		s.deframer.SetEndStream()
	}
	for {
		r := s.deframer.Next()
		switch r.Kind {
		case DeframeDeliver:
			s.addBytesReceived(len(r.Message))
			s.buf.put(recvMsg{data: r.Message})
		case DeframeAwaitMore:
			return false
		case DeframeNoMore:
			s.buf.put(recvMsg{err: io.EOF})
			return false
		case DeframeFatal:
			s.buf.put(recvMsg{err: r.Err})
			return false
		}
	}
}

// RecvMsg blocks for the next decoded message, a terminal error, or
// cancellation, whichever comes first.
func (s *Stream) RecvMsg() ([]byte, error) {
	return recvIO(s.ctx, s.done, s.buf)
}

// closeLocal and closeRemote advance the stream's half-close state and
// report whether the stream just became fully closed, so the caller (the
// connection's read/write loop) knows when to release resources.
func (s *Stream) closeLocalSend() bool  { return s.fsm.closeLocal() }
func (s *Stream) closeRemoteRecv() bool { return s.fsm.closeRemote() }

// finish marks the stream fully done: it cancels the stream's context and
// closes s.done, unblocking any pending Recv/Header call. Safe to call
// more than once.
func (s *Stream) finish(st *status.Status) {
	s.setStatus(st)
	select {
	case <-s.done:
		return
	default:
	}
	close(s.done)
	s.cancel()
}
