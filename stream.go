package grpc

import (
	"context"
	"io"
	"sync"

	"github.com/chalvern/grpctransport/balancer"
	"github.com/chalvern/grpctransport/channelz"
	"github.com/chalvern/grpctransport/codes"
	"github.com/chalvern/grpctransport/encoding"
	"github.com/chalvern/grpctransport/internal/transport"
	"github.com/chalvern/grpctransport/metadata"
	"github.com/chalvern/grpctransport/stats"
	"github.com/chalvern/grpctransport/status"
)

// StreamDesc represents a RPC service's streaming information.
type StreamDesc struct {
	StreamName string
	Handler    StreamHandler

	ServerStreams bool
	ClientStreams bool
}

// StreamHandler defines the handler called by gRPC server to complete the
// execution of a streaming RPC.
type StreamHandler func(srv interface{}, stream ServerStream) error

// Stream defines the common interface a client or server stream has to
// satisfy.
type Stream interface {
	Context() context.Context
	SendMsg(m interface{}) error
	RecvMsg(m interface{}) error
}

// ClientStream defines the client-side behavior of a streaming RPC.
type ClientStream interface {
	Header() (metadata.MD, error)
	Trailer() metadata.MD
	CloseSend() error
	Stream
}

// ServerStream defines the server-side behavior of a streaming RPC.
type ServerStream interface {
	SetHeader(metadata.MD) error
	SendHeader(metadata.MD) error
	SetTrailer(metadata.MD)
	Stream
}

// NewClientStream creates a new ClientStream for method on cc, applying
// method-level defaults, the call's ServiceConfig-derived timeout, and the
// supplied CallOptions, then opens the underlying transport.Stream.
func NewClientStream(ctx context.Context, desc *StreamDesc, cc *ClientConn, method string, opts ...CallOption) (ClientStream, error) {
	if cc.dopts.streamInt != nil {
		return cc.dopts.streamInt(ctx, desc, cc, method, newClientStream, opts...)
	}
	return newClientStream(ctx, desc, cc, method, opts...)
}

func newClientStream(ctx context.Context, desc *StreamDesc, cc *ClientConn, method string, opts ...CallOption) (ClientStream, error) {
	mc := cc.GetMethodConfig(method)
	c := defaultCallInfo()
	if mc.WaitForReady != nil {
		c.failFast = !*mc.WaitForReady
	}
	for _, o := range append(cc.dopts.callOptions, opts...) {
		if err := o.before(c); err != nil {
			return nil, toRPCErr(err)
		}
	}
	c.maxReceiveMessageSize = getMaxSize(mc.MaxRespSize, c.maxReceiveMessageSize, defaultMaxReceiveMessageSize)
	c.maxSendMessageSize = getMaxSize(mc.MaxReqSize, c.maxSendMessageSize, defaultMaxSendMessageSize)
	if err := setCallInfoCodec(c); err != nil {
		return nil, err
	}

	var cancel context.CancelFunc
	if mc.Timeout != nil && *mc.Timeout >= 0 {
		ctx, cancel = context.WithTimeout(ctx, *mc.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	cc.incrCallsStarted()
	t, done, err := cc.getTransport(ctx, c.failFast)
	if err != nil {
		cancel()
		cc.incrCallsFailed()
		return nil, toRPCErr(err)
	}

	s, err := t.NewStream(ctx, &transport.CallHdr{
		Method:         method,
		SendCompress:   c.compressorType,
		ContentSubtype: c.contentSubtype,
	})
	if err != nil {
		cancel()
		cc.incrCallsFailed()
		return nil, toRPCErr(err)
	}

	cs := &clientStream{
		callInfo: c,
		cc:       cc,
		desc:     desc,
		method:   method,
		t:        t,
		s:        s,
		done:     done,
		cancel:   cancel,
	}
	c.stream = cs
	return cs, nil
}

// clientStream implements ClientStream over a single transport attempt.
// Transparent retries (per the retry-throttle token bucket) are not
// implemented beyond what the channel's queued-stream mechanism already
// provides at pick time.
type clientStream struct {
	callInfo *callInfo
	cc       *ClientConn
	desc     *StreamDesc
	method   string

	t    transport.ClientTransport
	s    *transport.Stream
	done func(balancer.DoneInfo)

	cancel context.CancelFunc

	mu       sync.Mutex
	finished bool
}

func (cs *clientStream) Context() context.Context { return cs.s.Context() }

func (cs *clientStream) Header() (metadata.MD, error) {
	m, err := cs.s.Header()
	if err != nil {
		return nil, cs.finish(toRPCErr(err))
	}
	return m, nil
}

func (cs *clientStream) Trailer() metadata.MD { return cs.s.Trailer() }

func (cs *clientStream) SendMsg(m interface{}) error {
	if err := sendMsg(cs.t, cs.s, cs.callInfo.codec, m, *cs.callInfo.maxSendMessageSize, !cs.desc.ClientStreams); err != nil {
		return cs.finish(err)
	}
	return nil
}

func (cs *clientStream) RecvMsg(m interface{}) error {
	err := recvMsg(cs.s, cs.callInfo.codec, m, *cs.callInfo.maxReceiveMessageSize)
	if err == nil {
		if channelz.IsOn() {
			cs.t.IncrMsgRecv()
		}
		if !cs.desc.ServerStreams {
			// A unary response's trailer arrives as a second, EOF-only
			// RecvMsg; drain it so the stream finishes with the real status.
			if terr := recvMsg(cs.s, cs.callInfo.codec, m, *cs.callInfo.maxReceiveMessageSize); terr != io.EOF {
				return cs.finish(cs.statusErr())
			}
			return cs.finish(nil)
		}
		return nil
	}
	if err == io.EOF {
		return cs.finish(cs.statusErr())
	}
	return cs.finish(err)
}

func (cs *clientStream) statusErr() error {
	st := cs.s.Status()
	if st.Code() == codes.OK {
		return io.EOF
	}
	return st.Err()
}

func (cs *clientStream) CloseSend() error {
	if err := cs.t.Write(cs.s, nil, nil, &transport.Options{Last: true}); err != nil {
		cs.finish(toRPCErr(err))
		return toRPCErr(err)
	}
	return nil
}

// finish tears down the stream exactly once, releasing the channel's
// picker done-callback and the context cancel func, and records the
// outcome for the channel's call counters.
func (cs *clientStream) finish(err error) error {
	cs.mu.Lock()
	if cs.finished {
		cs.mu.Unlock()
		return err
	}
	cs.finished = true
	cs.mu.Unlock()

	if err != nil && err != io.EOF {
		cs.cc.incrCallsFailed()
		cs.cc.retryThrottlerFor().throttle()
	} else {
		cs.cc.incrCallsSucceeded()
		cs.cc.retryThrottlerFor().onSuccess()
	}
	if cs.done != nil {
		cs.done(balancer.DoneInfo{Err: err})
	}
	cs.t.CloseStream(cs.s, err)
	cs.cancel()
	return err
}

// serverStream implements ServerStream over one inbound transport.Stream.
type serverStream struct {
	t transport.ServerTransport
	s *transport.Stream

	codec encoding.Codec

	maxReceiveMessageSize int
	maxSendMessageSize    int

	statsHandler stats.Handler

	mu         sync.Mutex
	headerSent bool
}

func (ss *serverStream) Context() context.Context { return ss.s.Context() }

func (ss *serverStream) SetHeader(md metadata.MD) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.headerSent {
		return status.Error(codes.Internal, "grpc: SetHeader called after headers already sent")
	}
	return ss.s.SetHeader(md)
}

func (ss *serverStream) SendHeader(md metadata.MD) error {
	ss.mu.Lock()
	if ss.headerSent {
		ss.mu.Unlock()
		return status.Error(codes.Internal, "grpc: SendHeader called multiple times")
	}
	ss.headerSent = true
	ss.mu.Unlock()
	if md != nil {
		if err := ss.s.SetHeader(md); err != nil {
			return err
		}
	}
	return ss.t.WriteHeader(ss.s, nil)
}

func (ss *serverStream) SetTrailer(md metadata.MD) { ss.s.SetTrailer(md) }

func (ss *serverStream) SendMsg(m interface{}) error {
	ss.mu.Lock()
	first := !ss.headerSent
	ss.headerSent = true
	ss.mu.Unlock()
	if first {
		if err := ss.t.WriteHeader(ss.s, nil); err != nil {
			return toRPCErr(err)
		}
	}
	return sendMsgServer(ss.t, ss.s, ss.codec, m, ss.maxSendMessageSize, false)
}

func (ss *serverStream) RecvMsg(m interface{}) error {
	err := recvMsg(ss.s, ss.codec, m, ss.maxReceiveMessageSize)
	if channelz.IsOn() && err == nil {
		ss.t.IncrMsgRecv()
	}
	return err
}
