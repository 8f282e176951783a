package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/chalvern/grpctransport/backoff"
	"github.com/chalvern/grpctransport/balancer"
	"github.com/chalvern/grpctransport/balancer/pickfirst"
	_ "github.com/chalvern/grpctransport/balancer/roundrobin"
	"github.com/chalvern/grpctransport/connectivity"
	"github.com/chalvern/grpctransport/credentials"
	_ "github.com/chalvern/grpctransport/encoding/proto"
	"github.com/chalvern/grpctransport/grpclog"
	"github.com/chalvern/grpctransport/internal/transport"
	"github.com/chalvern/grpctransport/keepalive"
	"github.com/chalvern/grpctransport/resolver"
	_ "github.com/chalvern/grpctransport/resolver/passthrough"
)

var logger = grpclog.Component("core")

// ErrClientConnClosing indicates that the operation is illegal because the
// ClientConn is closing.
var ErrClientConnClosing = errors.New("grpc: the client connection is closing")

// ErrClientConnTimeout indicates that the ClientConn cannot establish the
// underlying connections within the specified timeout.
var ErrClientConnTimeout = errors.New("grpc: timed out when dialing")

// dialOptions configures a Dial call. dialOptions are set by the DialOption
// values passed to Dial.
type dialOptions struct {
	unaryInt    UnaryClientInterceptor
	streamInt   StreamClientInterceptor
	callOptions []CallOption

	insecure   bool
	creds      credentials.TransportCredentials
	userAgent  string
	kp         keepalive.ClientParameters
	bs         backoff.Config
	block      bool
	timeout    time.Duration
	authority  string
	idleTimeout time.Duration

	balancerBuilder balancer.Builder
	resolverBuilder resolver.Builder

	defaultServiceConfig *string
}

// DialOption configures how Dial connects to a target.
type DialOption interface {
	apply(*dialOptions)
}

type funcDialOption struct {
	f func(*dialOptions)
}

func (fdo *funcDialOption) apply(do *dialOptions) { fdo.f(do) }

func newFuncDialOption(f func(*dialOptions)) *funcDialOption {
	return &funcDialOption{f: f}
}

// WithInsecure returns a DialOption which disables transport security for
// this ClientConn.
func WithInsecure() DialOption {
	return newFuncDialOption(func(o *dialOptions) { o.insecure = true })
}

// WithTransportCredentials returns a DialOption which configures a
// connection-level security credentials (e.g., TLS/SSL).
func WithTransportCredentials(creds credentials.TransportCredentials) DialOption {
	return newFuncDialOption(func(o *dialOptions) { o.creds = creds })
}

// WithUserAgent returns a DialOption that sets the user-agent prefix sent
// with every RPC.
func WithUserAgent(s string) DialOption {
	return newFuncDialOption(func(o *dialOptions) { o.userAgent = s })
}

// WithKeepaliveParams returns a DialOption that specifies the keepalive
// parameters for the client transport.
func WithKeepaliveParams(kp keepalive.ClientParameters) DialOption {
	return newFuncDialOption(func(o *dialOptions) { o.kp = kp })
}

// WithIdleTimeout returns a DialOption that tears a subchannel's transport
// down after it has carried zero open streams for d, per §4.Q step 4. A
// zero value (the default) disables the idle timer.
func WithIdleTimeout(d time.Duration) DialOption {
	return newFuncDialOption(func(o *dialOptions) { o.idleTimeout = d })
}

// WithBackoffConfig returns a DialOption that configures the reconnect
// backoff strategy.
func WithBackoffConfig(b backoff.Config) DialOption {
	return newFuncDialOption(func(o *dialOptions) { o.bs = b })
}

// WithBalancerName sets the balancer registered by name as the channel's
// load-balancing policy.
func WithBalancerName(name string) DialOption {
	return newFuncDialOption(func(o *dialOptions) {
		if b := balancer.Get(name); b != nil {
			o.balancerBuilder = b
		}
	})
}

// WithResolverBuilder overrides scheme-based resolver lookup; mainly for
// tests that need a hermetic resolver.
func WithResolverBuilder(b resolver.Builder) DialOption {
	return newFuncDialOption(func(o *dialOptions) { o.resolverBuilder = b })
}

// WithBlock returns a DialOption which makes caller of Dial blocks until
// the underlying connection is up.
func WithBlock() DialOption {
	return newFuncDialOption(func(o *dialOptions) { o.block = true })
}

// WithTimeout returns a DialOption that configures a timeout for dialing a
// ClientConn initially, only valid together with WithBlock.
func WithTimeout(d time.Duration) DialOption {
	return newFuncDialOption(func(o *dialOptions) { o.timeout = d })
}

// WithAuthority returns a DialOption that sets the value to be used as the
// :authority pseudo-header and as the server name used to verify server
// certificates, overriding the target's host:port.
func WithAuthority(a string) DialOption {
	return newFuncDialOption(func(o *dialOptions) { o.authority = a })
}

// WithDefaultCallOptions returns a DialOption which sets the default
// CallOptions for calls over the ClientConn.
func WithDefaultCallOptions(cos ...CallOption) DialOption {
	return newFuncDialOption(func(o *dialOptions) { o.callOptions = append(o.callOptions, cos...) })
}

// WithUnaryInterceptor returns a DialOption that specifies the interceptor
// for unary RPCs.
func WithUnaryInterceptor(f UnaryClientInterceptor) DialOption {
	return newFuncDialOption(func(o *dialOptions) { o.unaryInt = f })
}

// WithStreamInterceptor returns a DialOption that specifies the interceptor
// for streaming RPCs.
func WithStreamInterceptor(f StreamClientInterceptor) DialOption {
	return newFuncDialOption(func(o *dialOptions) { o.streamInt = f })
}

// WithDefaultServiceConfig returns a DialOption that configures the default
// service config, used in the absence of one pushed by the name resolver.
func WithDefaultServiceConfig(s string) DialOption {
	return newFuncDialOption(func(o *dialOptions) { o.defaultServiceConfig = &s })
}

func defaultDialOptions() dialOptions {
	return dialOptions{
		bs: backoff.DefaultConfig,
	}
}

// Dial creates a client connection to the given target.
func Dial(target string, opts ...DialOption) (*ClientConn, error) {
	return DialContext(context.Background(), target, opts...)
}

// DialContext creates a client connection to the given target, honoring
// ctx for the duration of a blocking dial (WithBlock).
func DialContext(ctx context.Context, target string, opts ...DialOption) (conn *ClientConn, err error) {
	cc := &ClientConn{
		target: target,
		dopts:  defaultDialOptions(),
		conns:  make(map[*addrConn]struct{}),
	}
	cc.ctx, cc.cancel = context.WithCancel(context.Background())

	for _, opt := range opts {
		opt.apply(&cc.dopts)
	}

	if cc.dopts.bs == (backoff.Config{}) {
		cc.dopts.bs = backoff.DefaultConfig
	}

	if cc.dopts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cc.dopts.timeout)
		defer cancel()
	}
	defer func() {
		select {
		case <-ctx.Done():
			conn, err = nil, ctx.Err()
		default:
		}
	}()

	cc.parsedTarget = parseTarget(cc.target)
	if cc.dopts.authority != "" {
		cc.authority = cc.dopts.authority
	} else {
		cc.authority = cc.parsedTarget.Endpoint
	}

	if cc.dopts.resolverBuilder == nil {
		scheme := cc.parsedTarget.Scheme
		if scheme == "" {
			scheme = resolver.GetDefaultScheme()
		}
		cc.dopts.resolverBuilder = resolver.Get(scheme)
		if cc.dopts.resolverBuilder == nil {
			return nil, fmt.Errorf("grpc: no resolver registered for scheme %q", scheme)
		}
	}

	if cc.dopts.balancerBuilder == nil {
		cc.dopts.balancerBuilder = balancer.Get(pickfirst.Name)
	}

	cc.csMgr = &connectivityStateManager{}
	cc.blockingpicker = newPickerWrapper()

	cc.balancerWrapper = newCCBalancerWrapper(cc, cc.dopts.balancerBuilder)

	rWrapper, err := newCCResolverWrapper(cc)
	if err != nil {
		cc.cancel()
		return nil, fmt.Errorf("grpc: failed to build resolver: %v", err)
	}
	cc.resolverWrapper = rWrapper
	cc.resolverWrapper.start()

	if cc.dopts.block {
		for {
			s := cc.GetState()
			if s == connectivity.Ready {
				break
			}
			if !cc.WaitForStateChange(ctx, s) {
				return nil, ctx.Err()
			}
		}
	}

	return cc, nil
}

// ClientConn represents a virtual connection to a conceptual endpoint, to
// perform RPCs. It owns a name-resolver driver and zero or more underlying
// transport connections, load-balanced across resolved addresses.
type ClientConn struct {
	ctx    context.Context
	cancel context.CancelFunc

	target       string
	parsedTarget resolver.Target
	authority    string
	dopts        dialOptions

	csMgr           *connectivityStateManager
	resolverWrapper *ccResolverWrapper
	balancerWrapper *ccBalancerWrapper
	blockingpicker  *pickerWrapper

	mu        sync.RWMutex
	sc        ServiceConfig
	scRaw     string
	conns     map[*addrConn]struct{}
	closed    bool
	throttler *retryThrottler

	callsStarted   int64
	callsSucceeded int64
	callsFailed    int64
}

// retryThrottlerFor returns the channel's current retry throttler, or nil if
// the active service config doesn't configure one.
func (cc *ClientConn) retryThrottlerFor() *retryThrottler {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return cc.throttler
}

func (cc *ClientConn) incrCallsStarted()   { cc.mu.Lock(); cc.callsStarted++; cc.mu.Unlock() }
func (cc *ClientConn) incrCallsSucceeded() { cc.mu.Lock(); cc.callsSucceeded++; cc.mu.Unlock() }
func (cc *ClientConn) incrCallsFailed()    { cc.mu.Lock(); cc.callsFailed++; cc.mu.Unlock() }

// GetState returns the ClientConn's current connectivity state.
func (cc *ClientConn) GetState() connectivity.State { return cc.csMgr.getState() }

// WaitForStateChange waits until the connectivity.State changes from
// sourceState or ctx expires; it returns false if ctx fails before a
// change happens, true otherwise.
func (cc *ClientConn) WaitForStateChange(ctx context.Context, sourceState connectivity.State) bool {
	ch := cc.csMgr.getNotifyChan()
	if cc.csMgr.getState() != sourceState {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-ch:
		return true
	}
}

// GetMethodConfig gets the method config of the input method. If there's no
// exact match for the input method (i.e. /service/method), we look for the
// default config for the service (/service/). If there's still no match,
// an empty MethodConfig is returned.
func (cc *ClientConn) GetMethodConfig(method string) MethodConfig {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	m, ok := cc.sc.Methods[method]
	if !ok {
		i := strings.LastIndex(method, "/")
		m = cc.sc.Methods[method[:i+1]]
	}
	return m
}

func (cc *ClientConn) handleResolvedAddrs(addrs []resolver.Address, err error) {
	cc.mu.Lock()
	if cc.closed {
		cc.mu.Unlock()
		return
	}
	cc.mu.Unlock()
	cc.balancerWrapper.handleResolvedAddrs(addrs, err)
}

func (cc *ClientConn) handleServiceConfig(js string) {
	sc, err := parseServiceConfig(js)
	if err != nil {
		logger.Warningf("grpc: failed to parse service config %q: %v", js, err)
		return
	}
	cc.mu.Lock()
	cc.scRaw = js
	cc.sc = sc
	cc.throttler = newRetryThrottler(sc.RetryThrottling)
	cc.mu.Unlock()
}

// getTransport picks a ready SubConn's transport via the balancer's current
// Picker, blocking (per §4.R "Queued streams") while the channel is not
// ready. A failFast caller also waits while the balancer is still
// connecting; it fails instead only when the pick reports TransientFailure.
func (cc *ClientConn) getTransport(ctx context.Context, failFast bool) (transport.ClientTransport, func(balancer.DoneInfo), error) {
	return cc.blockingpicker.pick(ctx, failFast, balancer.PickOptions{})
}

// Close tears down the ClientConn and all its underlying connections.
func (cc *ClientConn) Close() error {
	cc.mu.Lock()
	if cc.closed {
		cc.mu.Unlock()
		return nil
	}
	cc.closed = true
	conns := cc.conns
	cc.conns = nil
	cc.mu.Unlock()

	cc.resolverWrapper.close()
	cc.balancerWrapper.close()
	cc.blockingpicker.close()
	for ac := range conns {
		ac.tearDown(ErrClientConnClosing)
	}
	cc.cancel()
	return nil
}

// connectivityStateManager keeps track of the ClientConn's aggregate
// connectivity state and broadcasts transitions to WaitForStateChange
// callers via channel replacement (closing the old channel wakes every
// waiter, mirroring a condition variable).
type connectivityStateManager struct {
	mu         sync.Mutex
	state      connectivity.State
	notifyChan chan struct{}
}

func (csm *connectivityStateManager) updateState(state connectivity.State) {
	csm.mu.Lock()
	defer csm.mu.Unlock()
	if csm.state == connectivity.Shutdown {
		return
	}
	if csm.state == state {
		return
	}
	csm.state = state
	if csm.notifyChan != nil {
		close(csm.notifyChan)
		csm.notifyChan = nil
	}
}

func (csm *connectivityStateManager) getState() connectivity.State {
	csm.mu.Lock()
	defer csm.mu.Unlock()
	return csm.state
}

func (csm *connectivityStateManager) getNotifyChan() <-chan struct{} {
	csm.mu.Lock()
	defer csm.mu.Unlock()
	if csm.notifyChan == nil {
		csm.notifyChan = make(chan struct{})
	}
	return csm.notifyChan
}

// dialAddress performs the raw net.Dial and, if configured, the
// credentials' TLS handshake for a single resolved address.
func (cc *ClientConn) dialAddress(ctx context.Context, addr resolver.Address) (net.Conn, error) {
	d := &net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr.Addr)
	if err != nil {
		return nil, err
	}
	if cc.dopts.insecure || cc.dopts.creds == nil {
		return conn, nil
	}
	authority := addr.ServerName
	if authority == "" {
		authority = cc.authority
	}
	tc, _, err := cc.dopts.creds.ClientHandshake(ctx, authority, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return tc, nil
}
