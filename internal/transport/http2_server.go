package transport

import (
	"bytes"
	"context"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/chalvern/grpctransport/codes"
	"github.com/chalvern/grpctransport/encoding"
	"github.com/chalvern/grpctransport/grpclog"
	"github.com/chalvern/grpctransport/metadata"
	"github.com/chalvern/grpctransport/status"
)

var serverLogger = grpclog.Component("transport")

// http2Server implements ServerTransport atop a single accepted HTTP/2
// connection, symmetric to http2Client: one reader goroutine dispatching
// inbound frames per stream, one write mutex serializing outbound frames.
type http2Server struct {
	conn       net.Conn
	fr         *http2.Framer
	remoteAddr net.Addr

	hEnc *hpack.Encoder
	hBuf *bytes.Buffer

	maxRecvMessageSize uint32

	mu            sync.Mutex
	activeStreams map[uint32]*Stream
	draining      bool
	closed        bool

	writeMu sync.Mutex

	framesSent uint64
	framesRecv uint64
}

// NewServerTransport reads the client preface off conn, then the initial
// SETTINGS frame, and returns a ready-to-serve http2Server.
func NewServerTransport(conn net.Conn, maxRecvMessageSize uint32) (*http2Server, error) {
	preface := make([]byte, len(http2.ClientPreface))
	if _, err := readFull(conn, preface); err != nil {
		conn.Close()
		return nil, ConnectionError{Desc: "failed to read client preface", err: err}
	}
	if string(preface) != http2.ClientPreface {
		conn.Close()
		return nil, ConnectionError{Desc: "invalid client preface"}
	}
	fr := http2.NewFramer(conn, conn)
	fr.ReadMetaHeaders = hpack.NewDecoder(4096, nil)

	var hBuf bytes.Buffer
	t := &http2Server{
		conn:          conn,
		fr:            fr,
		remoteAddr:    conn.RemoteAddr(),
		hEnc:          hpack.NewEncoder(&hBuf),
		hBuf:          &hBuf,
		maxRecvMessageSize: maxRecvMessageSize,
		activeStreams: make(map[uint32]*Stream),
	}
	if err := fr.WriteSettings(); err != nil {
		conn.Close()
		return nil, ConnectionError{Desc: "failed to write initial SETTINGS", err: err}
	}
	return t, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (t *http2Server) RemoteAddr() net.Addr { return t.remoteAddr }
func (t *http2Server) IncrMsgSent()         { atomic.AddUint64(&t.framesSent, 1) }
func (t *http2Server) IncrMsgRecv()         { atomic.AddUint64(&t.framesRecv, 1) }

// HandleStreams reads frames until the connection closes, invoking handle
// once per new stream in its own goroutine so a slow handler cannot stall
// other streams' frame delivery.
func (t *http2Server) HandleStreams(handle func(*Stream)) {
	defer t.Close()
	for {
		f, err := t.fr.ReadFrame()
		if err != nil {
			serverLogger.Warningf("transport: server connection error: %v", err)
			return
		}
		switch fr := f.(type) {
		case *http2.MetaHeadersFrame:
			s := t.operateHeaders(fr)
			if s != nil {
				go handle(s)
			}
		case *http2.DataFrame:
			t.handleData(fr)
		case *http2.RSTStreamFrame:
			t.handleRSTStream(fr)
		case *http2.PingFrame:
			t.handlePing(fr)
		case *http2.SettingsFrame:
			if !fr.IsAck() {
				t.writeMu.Lock()
				t.fr.WriteSettingsAck()
				t.writeMu.Unlock()
			}
		case *http2.WindowUpdateFrame:
		case *http2.GoAwayFrame:
			return
		}
	}
}

// operateHeaders validates an inbound request HEADERS frame per §4.N
// "Server transitions (inbound)" before ever building a Stream for it: a
// request that isn't shaped like gRPC at the HTTP/2 level (wrong :method,
// missing :scheme/:path, no "trailers" in te) is rejected with
// RST_STREAM(protocolError); one that is gRPC-shaped but otherwise invalid
// (bad content-type, unknown grpc-encoding, malformed grpc-timeout) gets a
// trailers-only grpc-status response instead. Only a request that passes
// both checks gets a live Stream handed to the dispatch loop.
func (t *http2Server) operateHeaders(fr *http2.MetaHeadersFrame) *Stream {
	outcome := decodeServerRequestMetadata(fr.Fields)
	if outcome.ProtocolError {
		t.writeMu.Lock()
		t.fr.WriteRSTStream(fr.StreamID, http2.ErrCodeProtocol)
		t.writeMu.Unlock()
		return nil
	}

	ctx := context.Background()
	var cancelTimeout context.CancelFunc
	if outcome.HasTimeout {
		ctx, cancelTimeout = context.WithTimeout(ctx, outcome.Timeout)
	}
	s := newStream(ctx, RoleServer, fr.StreamID, outcome.Method, t.maxRecvMessageSize)
	if cancelTimeout != nil {
		// newStream wraps ctx in its own cancellable child; free the
		// timeout's timer as soon as the stream ends for any reason
		// instead of waiting out the full deadline.
		go func() { <-s.ctx.Done(); cancelTimeout() }()
	}
	s.framer = NewFramer(nil)
	s.setRecvCompress(outcome.RecvCompress)
	if outcome.RecvCompress != "" && outcome.RecvCompress != encoding.Identity {
		s.deframer.SetCompressor(encoding.GetCompressor(outcome.RecvCompress))
	}
	s.setHeader(outcome.Metadata, nil)

	if outcome.Terminal != nil {
		t.WriteStatus(s, outcome.Terminal)
		return nil
	}

	t.mu.Lock()
	if t.draining || t.closed {
		t.mu.Unlock()
		return nil
	}
	t.activeStreams[fr.StreamID] = s
	t.mu.Unlock()

	if fr.StreamEnded() {
		s.deliverData(nil, true)
	}
	return s
}

func (t *http2Server) streamFor(id uint32) *Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeStreams[id]
}

// ActiveStreamCount reports how many streams are still registered on this
// connection; GracefulStop polls this to let in-flight RPCs finish instead
// of cutting them off on a fixed timer.
func (t *http2Server) ActiveStreamCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.activeStreams)
}

func (t *http2Server) handleData(fr *http2.DataFrame) {
	s := t.streamFor(fr.StreamID)
	if s == nil {
		return
	}
	if !s.CanReceive() {
		t.mu.Lock()
		delete(t.activeStreams, fr.StreamID)
		t.mu.Unlock()
		s.fsm.reset()
		s.finish(status.New(codes.Internal, "invalid state: DATA received after the client's send side was already closed"))
		return
	}
	if violation := s.deliverData(fr.Data(), fr.StreamEnded()); violation {
		t.mu.Lock()
		delete(t.activeStreams, fr.StreamID)
		t.mu.Unlock()
		return
	}
	if fr.StreamEnded() {
		if done := s.closeRemoteRecv(); done {
			t.mu.Lock()
			delete(t.activeStreams, fr.StreamID)
			t.mu.Unlock()
		}
	}
}

func (t *http2Server) handleRSTStream(fr *http2.RSTStreamFrame) {
	s := t.streamFor(fr.StreamID)
	if s == nil {
		return
	}
	t.mu.Lock()
	delete(t.activeStreams, fr.StreamID)
	t.mu.Unlock()
	s.fsm.reset()
	s.finish(status.New(codes.Canceled, "stream reset by client"))
}

func (t *http2Server) handlePing(fr *http2.PingFrame) {
	if fr.IsAck() {
		return
	}
	t.writeMu.Lock()
	t.fr.WritePing(true, fr.Data)
	t.writeMu.Unlock()
}

// WriteHeader sends the response initial metadata for s, if it has not
// already been sent.
func (t *http2Server) WriteHeader(s *Stream, md metadata.MD) error {
	fields := encodeServerInitialMetadata(s.sendCompress, metadata.Join(s.header, md))
	return t.writeHeadersFrame(s.id, fields, false)
}

func (t *http2Server) writeHeadersFrame(id uint32, fields []hpack.HeaderField, endStream bool) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.hBuf.Reset()
	for _, f := range fields {
		if err := t.hEnc.WriteField(f); err != nil {
			return status.Errorf(codes.Internal, "hpack encode failed: %v", err)
		}
	}
	return t.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      id,
		BlockFragment: t.hBuf.Bytes(),
		EndHeaders:    true,
		EndStream:     endStream,
	})
}

// Write sends one DATA chunk for s.
func (t *http2Server) Write(s *Stream, hdr []byte, data []byte, opts *Options) error {
	if !s.CanSend() {
		return status.Error(codes.Internal, "invalid state: stream has already half-closed its send side")
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if len(hdr) > 0 {
		if err := t.fr.WriteData(s.id, false, hdr); err != nil {
			return err
		}
	}
	return t.fr.WriteData(s.id, false, data)
}

// WriteStatus sends the final trailers (or trailers-only response, if no
// header/data frame has gone out yet) and closes the stream.
func (t *http2Server) WriteStatus(s *Stream, st *status.Status) error {
	fields := encodeTrailers(st.Code(), st.Message(), s.Trailer())
	err := t.writeHeadersFrame(s.id, fields, true)
	s.finish(st)
	done := s.closeLocalSend()
	if done {
		t.mu.Lock()
		delete(t.activeStreams, s.id)
		t.mu.Unlock()
	}
	return err
}

// Drain tells the client, via a single GOAWAY carrying the largest possible
// last-stream-ID, that it should stop opening new streams on this
// connection. No second GOAWAY naming the actual last stream ID is sent;
// server.go's GracefulStop closes the connection after the drain.
func (t *http2Server) Drain() {
	t.mu.Lock()
	if t.draining {
		t.mu.Unlock()
		return
	}
	t.draining = true
	t.mu.Unlock()
	t.writeMu.Lock()
	t.fr.WriteGoAway(^uint32(0), http2.ErrCodeNo, nil)
	t.writeMu.Unlock()
}

func (t *http2Server) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	streams := t.activeStreams
	t.activeStreams = make(map[uint32]*Stream)
	t.mu.Unlock()

	st := status.New(codes.Unavailable, "transport closing")
	for _, s := range streams {
		s.finish(st)
	}
	return t.conn.Close()
}
