package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/chalvern/grpctransport/codes"
	"github.com/chalvern/grpctransport/encoding"
	"github.com/chalvern/grpctransport/grpclog"
	"github.com/chalvern/grpctransport/keepalive"
	"github.com/chalvern/grpctransport/metadata"
	"github.com/chalvern/grpctransport/status"
)

var clientLogger = grpclog.Component("transport")

// ConnectOptions configures an http2Client's keepalive, user agent and
// idle timeout. The connection itself is dialed and authenticated by the
// caller before NewClientTransport is invoked.
type ConnectOptions struct {
	KeepaliveParams keepalive.ClientParameters
	UserAgent       string
	// MaxIdleTime, if positive, closes the transport after it has carried
	// zero open streams for this long, per §4.Q step 4. Zero disables it.
	MaxIdleTime time.Duration
}

// http2Client implements ClientTransport atop a single HTTP/2 connection.
// Outbound frames, including those from concurrent streams, are written
// directly by the calling goroutine under writeMu; a single reader
// goroutine dispatches inbound frames to their Stream.
type http2Client struct {
	conn   net.Conn
	fr     *http2.Framer
	remoteAddr net.Addr

	authority string
	userAgent string

	hEnc *hpack.Encoder
	hBuf *bytes.Buffer

	kp keepalive.ClientParameters

	mu          sync.Mutex
	nextID      uint32
	activeStreams map[uint32]*Stream
	state       transportState
	goAwayReason GoAwayReason

	writeMu sync.Mutex // serializes frame writes onto conn

	errCh   chan struct{}
	errOnce sync.Once
	goAwayCh chan struct{}
	goAwayOnce sync.Once
	pingAckCh chan struct{}

	maxSendMessageSize uint32
	maxRecvMessageSize uint32

	framesSent uint64
	framesRecv uint64

	idleTimeout time.Duration
	idleMu      sync.Mutex
	idleTimer   *time.Timer
	idleFired   uint32
}

type transportState uint8

const (
	reachable transportState = iota
	draining
	closing
)

// NewClientTransport dials nothing itself: it takes an already-established
// net.Conn (e.g. from net.Dial, a TLS handshake, or net.Pipe in tests) and
// performs the HTTP/2 client preface and initial SETTINGS exchange.
func NewClientTransport(ctx context.Context, conn net.Conn, authority string, opts ConnectOptions) (*http2Client, error) {
	if _, err := conn.Write([]byte(http2.ClientPreface)); err != nil {
		conn.Close()
		return nil, ConnectionError{Desc: "failed to write client preface", err: err}
	}
	fr := http2.NewFramer(conn, conn)
	fr.ReadMetaHeaders = hpack.NewDecoder(4096, nil)

	kp := opts.KeepaliveParams
	if kp.Time > 0 {
		kp.Time = keepalive.ClampClientTime(kp.Time)
	}
	if kp.Timeout <= 0 {
		kp.Timeout = 20 * time.Second
	}
	var hBuf bytes.Buffer
	t := &http2Client{
		conn:          conn,
		fr:            fr,
		remoteAddr:    conn.RemoteAddr(),
		authority:     authority,
		userAgent:     opts.UserAgent,
		hEnc:          hpack.NewEncoder(&hBuf),
		hBuf:          &hBuf,
		kp:            kp,
		nextID:        1,
		activeStreams: make(map[uint32]*Stream),
		errCh:         make(chan struct{}),
		goAwayCh:      make(chan struct{}),
		maxSendMessageSize: 4 << 20,
		maxRecvMessageSize: 4 << 20,
		pingAckCh:     make(chan struct{}, 1),
		idleTimeout:   opts.MaxIdleTime,
	}
	if err := fr.WriteSettings(); err != nil {
		conn.Close()
		return nil, ConnectionError{Desc: "failed to write initial SETTINGS", err: err}
	}
	go t.readLoop()
	if t.kp.Time > 0 {
		go t.keepaliveLoop()
	}
	t.onStreamCountChange()
	return t, nil
}

// onStreamCountChange arms the idle timer when the transport has just
// dropped to zero open streams, and cancels it the moment a stream is
// open again, per §4.Q step 4.
func (t *http2Client) onStreamCountChange() {
	if t.idleTimeout <= 0 {
		return
	}
	t.mu.Lock()
	n := len(t.activeStreams)
	t.mu.Unlock()

	t.idleMu.Lock()
	defer t.idleMu.Unlock()
	if n == 0 {
		if t.idleTimer == nil {
			t.idleTimer = time.AfterFunc(t.idleTimeout, t.onIdleTimeout)
		}
	} else if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
}

// onIdleTimeout fires maxIdleTime after the transport last reached zero
// open streams; since there is nothing in flight to wait for, it closes
// the transport directly rather than only sending a GOAWAY.
func (t *http2Client) onIdleTimeout() {
	atomic.StoreUint32(&t.idleFired, 1)
	t.Close(ConnectionError{Desc: "connection is idle", temp: true})
}

// IdleExpired reports whether Close was triggered by the idle timer.
func (t *http2Client) IdleExpired() bool {
	return atomic.LoadUint32(&t.idleFired) == 1
}

func (t *http2Client) reportError(err error) {
	t.errOnce.Do(func() {
		clientLogger.Warningf("transport: connection error: %v", err)
		close(t.errCh)
	})
}

func (t *http2Client) Error() <-chan struct{} { return t.errCh }
func (t *http2Client) GoAway() <-chan struct{} { return t.goAwayCh }
func (t *http2Client) GetGoAwayReason() GoAwayReason {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.goAwayReason
}
func (t *http2Client) RemoteAddr() net.Addr { return t.remoteAddr }
func (t *http2Client) IncrMsgSent()         { atomic.AddUint64(&t.framesSent, 1) }
func (t *http2Client) IncrMsgRecv()         { atomic.AddUint64(&t.framesRecv, 1) }

// NewStream allocates the next client-initiated (odd) stream ID, sends
// HEADERS carrying the RPC's metadata, and returns the Stream handle.
func (t *http2Client) NewStream(ctx context.Context, hdr *CallHdr) (*Stream, error) {
	var deadline time.Time
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	fields := encodeClientInitialMetadata("https", hdr.Method, sanitizeAuthorityForSNI(t.authority), t.userAgent, hdr.SendCompress, encoding.CompressorNames(), deadline, metadata.MD{})

	// writeMu is held across allocation and the HEADERS write so stream IDs
	// reach the wire in the increasing order HTTP/2 requires, not just the
	// order NewStream callers happened to acquire t.mu.
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	if t.state != reachable {
		st := t.state
		t.mu.Unlock()
		if st == draining {
			return nil, ErrStreamDrain
		}
		return nil, ErrConnClosing
	}
	id := t.nextID
	t.nextID += 2
	s := newStream(ctx, RoleClient, id, hdr.Method, t.maxRecvMessageSize)
	s.framer = NewFramer(encoding.GetCompressor(hdr.SendCompress))
	s.sendCompress = hdr.SendCompress
	t.activeStreams[id] = s
	t.mu.Unlock()
	t.onStreamCountChange()

	t.hBuf.Reset()
	for _, f := range fields {
		if err := t.hEnc.WriteField(f); err != nil {
			return nil, status.Errorf(codes.Internal, "hpack encode failed: %v", err)
		}
	}
	err := t.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      id,
		BlockFragment: t.hBuf.Bytes(),
		EndHeaders:    true,
	})
	if err != nil {
		t.mu.Lock()
		delete(t.activeStreams, id)
		t.mu.Unlock()
		return nil, ConnectionError{Desc: "failed to write HEADERS", err: err}
	}
	return s, nil
}

// Write flushes hdr+data as one or more HTTP/2 DATA frames for s.
func (t *http2Client) Write(s *Stream, hdr []byte, data []byte, opts *Options) error {
	if !s.CanSend() {
		return status.Error(codes.Internal, "invalid state: stream has already half-closed its send side")
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if len(hdr) > 0 {
		if err := t.fr.WriteData(s.id, false, hdr); err != nil {
			return ConnectionError{Desc: "write failed", err: err}
		}
	}
	if err := t.fr.WriteData(s.id, opts.Last, data); err != nil {
		return ConnectionError{Desc: "write failed", err: err}
	}
	if opts.Last {
		s.closeLocalSend()
	}
	return nil
}

// CloseStream sends RST_STREAM if the stream has not already ended, then
// frees its bookkeeping.
func (t *http2Client) CloseStream(s *Stream, err error) {
	t.mu.Lock()
	_, ok := t.activeStreams[s.id]
	delete(t.activeStreams, s.id)
	t.mu.Unlock()
	if !ok {
		return
	}
	t.onStreamCountChange()
	if s.fsm.reset() {
		t.writeMu.Lock()
		t.fr.WriteRSTStream(s.id, http2.ErrCodeCancel)
		t.writeMu.Unlock()
	}
	st := status.Convert(err)
	s.finish(st)
}

// GracefulClose stops accepting new streams and sends the server a single
// GOAWAY carrying the largest possible last-stream-ID. It does not wait for
// outstanding streams, send a second GOAWAY, or close the connection.
func (t *http2Client) GracefulClose() {
	t.mu.Lock()
	if t.state != reachable {
		t.mu.Unlock()
		return
	}
	t.state = draining
	t.mu.Unlock()
	t.writeMu.Lock()
	t.fr.WriteGoAway(^uint32(0), http2.ErrCodeNo, nil)
	t.writeMu.Unlock()
}

// Close tears down the connection immediately, failing every outstanding
// stream with err.
func (t *http2Client) Close(err error) error {
	t.mu.Lock()
	if t.state == closing {
		t.mu.Unlock()
		return nil
	}
	t.state = closing
	streams := t.activeStreams
	t.activeStreams = make(map[uint32]*Stream)
	t.mu.Unlock()

	t.idleMu.Lock()
	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
	t.idleMu.Unlock()

	st := status.Convert(err)
	for _, s := range streams {
		s.finish(st)
	}
	t.reportError(err)
	return t.conn.Close()
}

func (t *http2Client) readLoop() {
	defer t.Close(ConnectionError{Desc: "connection closed", temp: false})
	for {
		f, err := t.fr.ReadFrame()
		if err != nil {
			t.reportError(fmt.Errorf("read frame: %w", err))
			return
		}
		switch fr := f.(type) {
		case *http2.MetaHeadersFrame:
			t.handleHeaders(fr)
		case *http2.DataFrame:
			t.handleData(fr)
		case *http2.RSTStreamFrame:
			t.handleRSTStream(fr)
		case *http2.GoAwayFrame:
			t.handleGoAway(fr)
		case *http2.PingFrame:
			t.handlePing(fr)
		case *http2.SettingsFrame:
			// Acknowledge; per-setting application (e.g. peer's
			// MAX_CONCURRENT_STREAMS) is not modeled beyond framing.
			if !fr.IsAck() {
				t.writeMu.Lock()
				t.fr.WriteSettingsAck()
				t.writeMu.Unlock()
			}
		case *http2.WindowUpdateFrame:
		}
	}
}

func (t *http2Client) streamFor(id uint32) *Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeStreams[id]
}

func (t *http2Client) handleHeaders(fr *http2.MetaHeadersFrame) {
	s := t.streamFor(fr.StreamID)
	if s == nil {
		return
	}
	if atomic.LoadUint32(&s.headerDone) == 1 {
		// Initial metadata already arrived: this frame carries the trailers.
		t.finishStream(s, decodeTrailers(fr.Fields))
		return
	}
	outcome := decodeClientInitialMetadata(fr.Fields, acceptedEncodingSet())
	if outcome.Informational {
		return
	}
	if outcome.Terminal != nil {
		t.CloseStream(s, outcome.Terminal)
		return
	}
	if isTrailerOnly(fr.Fields) {
		to := decodeTrailers(fr.Fields)
		t.finishStream(s, to)
		return
	}
	s.setHeader(outcome.Metadata, nil)
	s.setRecvCompress(outcome.RecvCompress)
	if fr.StreamEnded() {
		to := decodeTrailers(fr.Fields)
		t.finishStream(s, to)
	}
}

func isTrailerOnly(fields []hpack.HeaderField) bool {
	for _, f := range fields {
		if f.Name == "grpc-status" {
			return true
		}
	}
	return false
}

func (t *http2Client) finishStream(s *Stream, to trailerOutcome) {
	s.setTrailerFromPeer(to.Metadata)
	done := s.closeRemoteRecv()
	s.buf.put(recvMsg{err: io.EOF})
	st := status.New(to.Code, to.Message)
	s.finish(st)
	if done {
		t.mu.Lock()
		delete(t.activeStreams, s.id)
		t.mu.Unlock()
		t.onStreamCountChange()
	}
}

func (t *http2Client) handleData(fr *http2.DataFrame) {
	s := t.streamFor(fr.StreamID)
	if s == nil {
		return
	}
	if !s.CanReceive() {
		t.mu.Lock()
		delete(t.activeStreams, s.id)
		t.mu.Unlock()
		t.onStreamCountChange()
		s.fsm.reset()
		s.finish(status.New(codes.Internal, "invalid state: DATA received after the server's send side was already closed"))
		return
	}
	if violation := s.deliverData(fr.Data(), fr.StreamEnded()); violation {
		t.mu.Lock()
		delete(t.activeStreams, s.id)
		t.mu.Unlock()
		t.onStreamCountChange()
		return
	}
	if fr.StreamEnded() {
		if done := s.closeRemoteRecv(); done {
			t.mu.Lock()
			delete(t.activeStreams, s.id)
			t.mu.Unlock()
			t.onStreamCountChange()
		}
	}
}

func (t *http2Client) handleRSTStream(fr *http2.RSTStreamFrame) {
	s := t.streamFor(fr.StreamID)
	if s == nil {
		return
	}
	t.mu.Lock()
	delete(t.activeStreams, s.id)
	t.mu.Unlock()
	t.onStreamCountChange()
	s.fsm.reset()
	s.finish(status.New(codes.Unavailable, "stream reset by peer"))
}

func (t *http2Client) handleGoAway(fr *http2.GoAwayFrame) {
	t.mu.Lock()
	t.state = draining
	if fr.ErrCode == http2.ErrCodeEnhanceYourCalm {
		t.goAwayReason = GoAwayTooManyPings
	} else {
		t.goAwayReason = GoAwayNoReason
	}
	t.mu.Unlock()
	t.goAwayOnce.Do(func() { close(t.goAwayCh) })
}

func (t *http2Client) handlePing(fr *http2.PingFrame) {
	if fr.IsAck() {
		select {
		case t.pingAckCh <- struct{}{}:
		default:
		}
		return
	}
	t.writeMu.Lock()
	t.fr.WritePing(true, fr.Data)
	t.writeMu.Unlock()
}

func (t *http2Client) keepaliveLoop() {
	timer := time.NewTimer(t.kp.Time)
	defer timer.Stop()
	for {
		select {
		case <-t.errCh:
			return
		case <-timer.C:
		}
		if !t.kp.PermitWithoutStream {
			t.mu.Lock()
			n := len(t.activeStreams)
			t.mu.Unlock()
			if n == 0 {
				timer.Reset(t.kp.Time)
				continue
			}
		}
		t.writeMu.Lock()
		err := t.fr.WritePing(false, [8]byte{})
		t.writeMu.Unlock()
		if err != nil {
			t.reportError(fmt.Errorf("keepalive ping: %w", err))
			return
		}
		select {
		case <-t.pingAckCh:
			timer.Reset(t.kp.Time)
		case <-time.After(t.kp.Timeout):
			t.Close(ConnectionError{Desc: "keepalive ping timeout", temp: true})
			return
		case <-t.errCh:
			return
		}
	}
}
