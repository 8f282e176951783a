package grpc

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chalvern/grpctransport/codes"
	"github.com/chalvern/grpctransport/credentials"
	"github.com/chalvern/grpctransport/encoding"
	"github.com/chalvern/grpctransport/grpclog"
	"github.com/chalvern/grpctransport/internal/transport"
	"github.com/chalvern/grpctransport/status"
)

var serverLog = grpclog.Component("server")

// MethodDesc represents an RPC service's method specification.
type MethodDesc struct {
	MethodName string
	Handler    methodHandler
}

type methodHandler func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor UnaryServerInterceptor) (interface{}, error)

// ServiceDesc represents an RPC service's specification.
type ServiceDesc struct {
	ServiceName string
	HandlerType interface{}
	Methods     []MethodDesc
	Streams     []StreamDesc
	Metadata    interface{}
}

type serviceInfo struct {
	serviceImpl interface{}
	methods     map[string]MethodDesc
	streams     map[string]StreamDesc
	mdata       interface{}
}

// ServerOption configures a Server.
type ServerOption interface {
	apply(*serverOptions)
}

type serverOptions struct {
	creds                credentials.TransportCredentials
	unaryInt             UnaryServerInterceptor
	streamInt            StreamServerInterceptor
	maxReceiveMessageSize int
	maxSendMessageSize    int
	maxConcurrentStreams  uint32
}

func defaultServerOptions() serverOptions {
	return serverOptions{
		maxReceiveMessageSize: defaultMaxReceiveMessageSize,
		maxSendMessageSize:    defaultMaxSendMessageSize,
	}
}

type funcServerOption struct{ f func(*serverOptions) }

func (fso *funcServerOption) apply(so *serverOptions) { fso.f(so) }

func newFuncServerOption(f func(*serverOptions)) *funcServerOption {
	return &funcServerOption{f: f}
}

// Creds returns a ServerOption that sets credentials for server connections.
func Creds(c credentials.TransportCredentials) ServerOption {
	return newFuncServerOption(func(o *serverOptions) { o.creds = c })
}

// UnaryInterceptor returns a ServerOption that sets the interceptor for
// unary RPCs.
func UnaryInterceptor(i UnaryServerInterceptor) ServerOption {
	return newFuncServerOption(func(o *serverOptions) { o.unaryInt = i })
}

// StreamInterceptor returns a ServerOption that sets the interceptor for
// streaming RPCs.
func StreamInterceptor(i StreamServerInterceptor) ServerOption {
	return newFuncServerOption(func(o *serverOptions) { o.streamInt = i })
}

// MaxRecvMsgSize returns a ServerOption to set the max message size the
// server can receive.
func MaxRecvMsgSize(m int) ServerOption {
	return newFuncServerOption(func(o *serverOptions) { o.maxReceiveMessageSize = m })
}

// MaxSendMsgSize returns a ServerOption to set the max message size the
// server can send.
func MaxSendMsgSize(m int) ServerOption {
	return newFuncServerOption(func(o *serverOptions) { o.maxSendMessageSize = m })
}

// Server is a gRPC server, accepting connections and dispatching RPCs to
// registered services.
type Server struct {
	opts serverOptions

	mu       sync.Mutex
	lis      map[net.Listener]struct{}
	conns    map[transport.ServerTransport]struct{}
	services map[string]*serviceInfo
	serve    bool
	drain    bool
	quit     chan struct{}

	cg errgroup.Group
}

// NewServer creates a gRPC server which has no service registered and has
// not started to accept requests yet.
func NewServer(opt ...ServerOption) *Server {
	opts := defaultServerOptions()
	for _, o := range opt {
		o.apply(&opts)
	}
	return &Server{
		opts:     opts,
		lis:      make(map[net.Listener]struct{}),
		conns:    make(map[transport.ServerTransport]struct{}),
		services: make(map[string]*serviceInfo),
		quit:     make(chan struct{}),
	}
}

// RegisterService registers a service and its implementation to the gRPC
// server.
func (s *Server) RegisterService(sd *ServiceDesc, ss interface{}) {
	info := &serviceInfo{
		serviceImpl: ss,
		methods:     make(map[string]MethodDesc),
		streams:     make(map[string]StreamDesc),
		mdata:       sd.Metadata,
	}
	for _, m := range sd.Methods {
		info.methods[m.MethodName] = m
	}
	for _, st := range sd.Streams {
		info.streams[st.StreamName] = st
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[sd.ServiceName] = info
}

// Serve accepts incoming connections on lis, creating a server transport
// per connection and a goroutine to serve its streams. The goroutines are
// started through an errgroup so GracefulStop and Stop can wait for them;
// panics in them are not recovered.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	s.lis[lis] = struct{}{}
	s.serve = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.lis, lis)
		s.mu.Unlock()
		lis.Close()
	}()

	var tempDelay time.Duration
	for {
		conn, err := lis.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				serverLog.Warningf("grpc: Server.Serve accept error: %v; retrying in %v", err, tempDelay)
				timer := time.NewTimer(tempDelay)
				select {
				case <-timer.C:
				case <-s.quit:
					timer.Stop()
					return nil
				}
				continue
			}
			select {
			case <-s.quit:
				return nil
			default:
			}
			return err
		}
		tempDelay = 0

		s.mu.Lock()
		drain := s.drain
		s.mu.Unlock()
		if drain {
			conn.Close()
			continue
		}

		rawConn := conn
		s.cg.Go(func() error {
			s.handleRawConn(rawConn)
			return nil
		})
	}
}

func (s *Server) handleRawConn(conn net.Conn) {
	if s.opts.creds != nil {
		tc, _, err := s.opts.creds.ServerHandshake(conn)
		if err != nil {
			serverLog.Warningf("grpc: server handshake failed: %v", err)
			conn.Close()
			return
		}
		conn = tc
	}

	st, err := transport.NewServerTransport(conn, uint32(s.opts.maxReceiveMessageSize))
	if err != nil {
		serverLog.Warningf("grpc: failed to open server transport: %v", err)
		conn.Close()
		return
	}

	s.mu.Lock()
	if s.drain {
		s.mu.Unlock()
		st.Close()
		return
	}
	s.conns[st] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, st)
		s.mu.Unlock()
	}()

	st.HandleStreams(func(stream *transport.Stream) {
		s.handleStream(st, stream)
	})
}

func (s *Server) handleStream(t transport.ServerTransport, stream *transport.Stream) {
	method := stream.Method()
	service, mname, err := splitMethodName(method)
	if err != nil {
		t.WriteStatus(stream, status.New(codes.Unimplemented, err.Error()))
		return
	}

	s.mu.Lock()
	info, ok := s.services[service]
	s.mu.Unlock()
	if !ok {
		t.WriteStatus(stream, status.Newf(codes.Unimplemented, "unknown service %v", service))
		return
	}

	if md, ok := info.methods[mname]; ok {
		s.processUnary(t, stream, info, &md)
		return
	}
	if sd, ok := info.streams[mname]; ok {
		s.processStreaming(t, stream, info, &sd)
		return
	}
	t.WriteStatus(stream, status.Newf(codes.Unimplemented, "unknown method %v for service %v", mname, service))
}

func (s *Server) codecFor(stream *transport.Stream) encoding.Codec {
	if c := encoding.GetCodec("proto"); c != nil {
		return c
	}
	return nil
}

func (s *Server) processUnary(t transport.ServerTransport, stream *transport.Stream, info *serviceInfo, md *MethodDesc) {
	codec := s.codecFor(stream)
	df := func(v interface{}) error {
		return recvMsg(stream, codec, v, s.opts.maxReceiveMessageSize)
	}
	reply, appErr := md.Handler(info.serviceImpl, stream.Context(), df, s.opts.unaryInt)
	if appErr != nil {
		st, _ := status.FromError(toRPCErr(appErr))
		t.WriteStatus(stream, st)
		return
	}
	if err := t.WriteHeader(stream, nil); err != nil {
		st, _ := status.FromError(toRPCErr(err))
		t.WriteStatus(stream, st)
		return
	}
	if err := sendMsgServer(t, stream, codec, reply, s.opts.maxSendMessageSize, false); err != nil {
		st, _ := status.FromError(toRPCErr(err))
		t.WriteStatus(stream, st)
		return
	}
	t.WriteStatus(stream, status.New(codes.OK, ""))
}

func (s *Server) processStreaming(t transport.ServerTransport, stream *transport.Stream, info *serviceInfo, sd *StreamDesc) {
	ss := &serverStream{
		t:                     t,
		s:                     stream,
		codec:                 s.codecFor(stream),
		maxReceiveMessageSize: s.opts.maxReceiveMessageSize,
		maxSendMessageSize:    s.opts.maxSendMessageSize,
	}
	var appErr error
	if s.opts.streamInt != nil {
		appErr = s.opts.streamInt(info.serviceImpl, ss, &StreamServerInfo{
			FullMethod:     stream.Method(),
			IsClientStream: sd.ClientStreams,
			IsServerStream: sd.ServerStreams,
		}, sd.Handler)
	} else {
		appErr = sd.Handler(info.serviceImpl, ss)
	}
	if appErr != nil && appErr != io.EOF {
		st, _ := status.FromError(toRPCErr(appErr))
		t.WriteStatus(stream, st)
		return
	}
	t.WriteStatus(stream, status.New(codes.OK, ""))
}

func splitMethodName(method string) (service, mname string, err error) {
	if len(method) == 0 || method[0] != '/' {
		return "", "", fmt.Errorf("malformed method name: %q", method)
	}
	method = method[1:]
	for i := len(method) - 1; i >= 0; i-- {
		if method[i] == '/' {
			return method[:i], method[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("malformed method name: %q", method)
}

// GracefulStop stops the server: on every live connection it sends one
// GOAWAY (Drain), allows a grace period for in-flight RPCs to finish, then
// calls Close; no second GOAWAY is sent. It then waits for all
// connection-handling goroutines spawned by Serve to return.
func (s *Server) GracefulStop() {
	s.mu.Lock()
	if s.drain {
		s.mu.Unlock()
		s.cg.Wait()
		return
	}
	s.drain = true
	conns := make([]transport.ServerTransport, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	listeners := make([]net.Listener, 0, len(s.lis))
	for l := range s.lis {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}
	close(s.quit)

	for _, c := range conns {
		c.Drain()
	}
	// Per §4.S, in-flight RPCs are allowed to complete before the final
	// Close rather than being cut off on a blind timer: poll each
	// connection's active-stream count down to zero, bounded by
	// drainGracePeriod so a stuck handler can't hang GracefulStop forever.
	s.awaitStreamsDrained(conns, drainGracePeriod)
	for _, c := range conns {
		c.Close()
	}
	s.cg.Wait()
}

// drainGracePeriod bounds how long GracefulStop waits for in-flight RPCs
// to finish on their own after Drain before forcing every connection
// closed.
const drainGracePeriod = 10 * time.Second

// drainPollInterval is how often awaitStreamsDrained rechecks each
// connection's active-stream count.
const drainPollInterval = 50 * time.Millisecond

func (s *Server) awaitStreamsDrained(conns []transport.ServerTransport, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for {
		drained := true
		for _, c := range conns {
			if c.ActiveStreamCount() > 0 {
				drained = false
				break
			}
		}
		if drained || time.Now().After(deadline) {
			return
		}
		<-ticker.C
	}
}

// Stop stops the server, immediately closing every listener and every
// established connection, without waiting for in-flight RPCs.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.drain {
		s.drain = true
		close(s.quit)
	}
	listeners := make([]net.Listener, 0, len(s.lis))
	for l := range s.lis {
		listeners = append(listeners, l)
	}
	conns := make([]transport.ServerTransport, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	s.cg.Wait()
}
