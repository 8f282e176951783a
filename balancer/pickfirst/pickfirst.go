// Package pickfirst implements the pick_first load balancing policy (§4.R):
// it maintains a single SubConn at a time, advancing through the resolved
// address list only on connection failure, and sticks with the first
// address that becomes READY.
package pickfirst

import (
	"context"

	"github.com/chalvern/grpctransport/balancer"
	"github.com/chalvern/grpctransport/connectivity"
	"github.com/chalvern/grpctransport/grpclog"
	"github.com/chalvern/grpctransport/resolver"
)

// Name is the name by which this balancer is registered and selected via
// service config.
const Name = "pick_first"

var logger = grpclog.Component("pickfirst")

func init() {
	balancer.Register(&builder{})
}

type builder struct{}

func (*builder) Name() string { return Name }

func (*builder) Build(cc balancer.ClientConn, _ balancer.BuildOptions) balancer.Balancer {
	return &pickFirstBalancer{cc: cc}
}

type pickFirstBalancer struct {
	cc   balancer.ClientConn
	sc   balancer.SubConn
	state connectivity.State
}

func (b *pickFirstBalancer) HandleResolvedAddrs(addrs []resolver.Address, err error) {
	if err != nil {
		b.cc.UpdateBalancerState(connectivity.TransientFailure, &errPicker{err: err})
		return
	}
	if len(addrs) == 0 {
		b.cc.UpdateBalancerState(connectivity.TransientFailure, &errPicker{err: balancer.ErrNoSubConnAvailable})
		return
	}
	if b.sc == nil {
		sc, err := b.cc.NewSubConn(addrs, balancer.NewSubConnOptions{})
		if err != nil {
			logger.Warningf("pickfirst: failed to create SubConn: %v", err)
			b.cc.UpdateBalancerState(connectivity.TransientFailure, &errPicker{err: err})
			return
		}
		b.sc = sc
		b.state = connectivity.Idle
		sc.Connect()
		return
	}
	// A re-resolution: hand the new list to the existing SubConn. Its
	// current connection is kept; the new addresses are used on its next
	// dial.
	b.sc.UpdateAddresses(addrs)
}

func (b *pickFirstBalancer) HandleSubConnStateChange(sc balancer.SubConn, s connectivity.State) {
	if b.sc != sc {
		return
	}
	b.state = s
	switch s {
	case connectivity.Ready:
		b.cc.UpdateBalancerState(s, &pickFirstPicker{sc: sc})
	case connectivity.TransientFailure:
		b.cc.UpdateBalancerState(s, &errPicker{err: balancer.ErrTransientFailure})
	case connectivity.Connecting, connectivity.Idle:
		b.cc.UpdateBalancerState(s, &errPicker{err: balancer.ErrNoSubConnAvailable})
	case connectivity.Shutdown:
		b.sc = nil
	}
}

func (b *pickFirstBalancer) Close() {}

type pickFirstPicker struct {
	sc balancer.SubConn
}

func (p *pickFirstPicker) Pick(context.Context, balancer.PickOptions) (balancer.SubConn, func(balancer.DoneInfo), error) {
	return p.sc, nil, nil
}

type errPicker struct {
	err error
}

func (p *errPicker) Pick(context.Context, balancer.PickOptions) (balancer.SubConn, func(balancer.DoneInfo), error) {
	return nil, nil, p.err
}
