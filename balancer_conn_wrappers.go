package grpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/chalvern/grpctransport/balancer"
	"github.com/chalvern/grpctransport/codes"
	"github.com/chalvern/grpctransport/connectivity"
	"github.com/chalvern/grpctransport/internal/transport"
	"github.com/chalvern/grpctransport/resolver"
	"github.com/chalvern/grpctransport/status"
)

// ccBalancerWrapper sits between the ClientConn and a balancer.Balancer
// implementation, translating resolver updates into HandleResolvedAddrs
// calls and SubConn state changes into aggregated connectivity updates.
type ccBalancerWrapper struct {
	cc      *ClientConn
	mu      sync.Mutex
	balancer balancer.Balancer
}

func newCCBalancerWrapper(cc *ClientConn, b balancer.Builder) *ccBalancerWrapper {
	ccb := &ccBalancerWrapper{cc: cc}
	ccb.balancer = b.Build(ccb, balancer.BuildOptions{})
	return ccb
}

func (ccb *ccBalancerWrapper) handleResolvedAddrs(addrs []resolver.Address, err error) {
	ccb.mu.Lock()
	defer ccb.mu.Unlock()
	ccb.balancer.HandleResolvedAddrs(addrs, err)
}

func (ccb *ccBalancerWrapper) handleSubConnStateChange(sc balancer.SubConn, s connectivity.State) {
	ccb.mu.Lock()
	defer ccb.mu.Unlock()
	ccb.balancer.HandleSubConnStateChange(sc, s)
}

func (ccb *ccBalancerWrapper) close() {
	ccb.mu.Lock()
	defer ccb.mu.Unlock()
	ccb.balancer.Close()
}

// NewSubConn implements balancer.ClientConn.
func (ccb *ccBalancerWrapper) NewSubConn(addrs []resolver.Address, opts balancer.NewSubConnOptions) (balancer.SubConn, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("grpc: cannot create SubConn with empty address list")
	}
	ac := &addrConn{
		cc:    ccb.cc,
		ccb:   ccb,
		addrs: addrs,
		state: connectivity.Idle,
	}
	ac.ctx, ac.cancel = context.WithCancel(ccb.cc.ctx)

	ccb.cc.mu.Lock()
	if ccb.cc.conns == nil {
		ccb.cc.mu.Unlock()
		return nil, ErrClientConnClosing
	}
	ccb.cc.conns[ac] = struct{}{}
	ccb.cc.mu.Unlock()
	return ac, nil
}

// RemoveSubConn implements balancer.ClientConn.
func (ccb *ccBalancerWrapper) RemoveSubConn(sc balancer.SubConn) {
	ac, ok := sc.(*addrConn)
	if !ok {
		return
	}
	ac.tearDown(fmt.Errorf("grpc: subconn removed by balancer"))
	ccb.cc.mu.Lock()
	delete(ccb.cc.conns, ac)
	ccb.cc.mu.Unlock()
}

// UpdateBalancerState implements balancer.ClientConn.
func (ccb *ccBalancerWrapper) UpdateBalancerState(s connectivity.State, p balancer.Picker) {
	ccb.cc.csMgr.updateState(s)
	ccb.cc.blockingpicker.updatePicker(p)
}

// ResolveNow implements balancer.ClientConn.
func (ccb *ccBalancerWrapper) ResolveNow(o resolver.ResolveNowOption) {
	ccb.cc.resolverWrapper.resolveNow(o)
}

// Target implements balancer.ClientConn.
func (ccb *ccBalancerWrapper) Target() string { return ccb.cc.target }

// pickerWrapper queues withStream/getTransport callers (per the channel's
// "queued streams" behavior) while no balancer.Picker has been installed
// yet or the current one reports ErrNoSubConnAvailable, and wakes them as
// soon as a new Picker arrives via updatePicker.
type pickerWrapper struct {
	mu     sync.Mutex
	picker balancer.Picker
	done   bool
	blockingCh chan struct{}
}

func newPickerWrapper() *pickerWrapper {
	return &pickerWrapper{blockingCh: make(chan struct{})}
}

func (pw *pickerWrapper) updatePicker(p balancer.Picker) {
	pw.mu.Lock()
	pw.picker = p
	close(pw.blockingCh)
	pw.blockingCh = make(chan struct{})
	pw.mu.Unlock()
}

func (pw *pickerWrapper) close() {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	if pw.done {
		return
	}
	pw.done = true
	close(pw.blockingCh)
}

// pick blocks a caller whose RPC is not fail-fast until a Picker reports a
// READY SubConn, a terminal failure is reported, or ctx is done.
func (pw *pickerWrapper) pick(ctx context.Context, failFast bool, opts balancer.PickOptions) (transport.ClientTransport, func(balancer.DoneInfo), error) {
	for {
		pw.mu.Lock()
		if pw.done {
			pw.mu.Unlock()
			return nil, nil, ErrClientConnClosing
		}
		p := pw.picker
		ch := pw.blockingCh
		pw.mu.Unlock()

		if p == nil {
			if err := pw.waitForPicker(ctx, ch); err != nil {
				return nil, nil, err
			}
			continue
		}

		sc, done, err := p.Pick(ctx, opts)
		if err != nil {
			switch err {
			case balancer.ErrNoSubConnAvailable:
				if werr := pw.waitForPicker(ctx, ch); werr != nil {
					return nil, nil, werr
				}
				continue
			case balancer.ErrTransientFailure:
				if !failFast {
					if werr := pw.waitForPicker(ctx, ch); werr != nil {
						return nil, nil, werr
					}
					continue
				}
				return nil, nil, status.Error(codes.Unavailable, "all SubConns are in TransientFailure")
			default:
				return nil, nil, err
			}
		}

		ac, ok := sc.(*addrConn)
		if !ok || ac.currentTransport() == nil {
			if werr := pw.waitForPicker(ctx, ch); werr != nil {
				return nil, nil, werr
			}
			continue
		}
		return ac.currentTransport(), done, nil
	}
}

func (pw *pickerWrapper) waitForPicker(ctx context.Context, ch chan struct{}) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}
