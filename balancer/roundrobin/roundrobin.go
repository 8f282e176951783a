// Package roundrobin implements the round_robin load balancing policy
// (§4.R): it keeps one SubConn per resolved address and cycles through
// the READY ones in order.
package roundrobin

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/chalvern/grpctransport/balancer"
	"github.com/chalvern/grpctransport/connectivity"
	"github.com/chalvern/grpctransport/resolver"
)

// Name is the name by which this balancer is registered and selected via
// service config.
const Name = "round_robin"

func init() {
	balancer.Register(&builder{})
}

type builder struct{}

func (*builder) Name() string { return Name }

func (*builder) Build(cc balancer.ClientConn, _ balancer.BuildOptions) balancer.Balancer {
	return &roundRobinBalancer{cc: cc, scStates: make(map[balancer.SubConn]connectivity.State)}
}

type roundRobinBalancer struct {
	cc balancer.ClientConn

	mu       sync.Mutex
	scStates map[balancer.SubConn]connectivity.State
}

func (b *roundRobinBalancer) HandleResolvedAddrs(addrs []resolver.Address, err error) {
	if err != nil {
		b.regeneratePicker(connectivity.TransientFailure)
		return
	}
	b.mu.Lock()
	existing := make(map[balancer.SubConn]bool, len(b.scStates))
	for sc := range b.scStates {
		existing[sc] = false
	}
	for _, a := range addrs {
		sc, err := b.cc.NewSubConn([]resolver.Address{a}, balancer.NewSubConnOptions{})
		if err != nil {
			continue
		}
		if _, ok := b.scStates[sc]; !ok {
			b.scStates[sc] = connectivity.Idle
			sc.Connect()
		}
		existing[sc] = true
	}
	for sc, stillPresent := range existing {
		if !stillPresent {
			delete(b.scStates, sc)
			b.cc.RemoveSubConn(sc)
		}
	}
	b.mu.Unlock()
	b.regeneratePicker(connectivity.Connecting)
}

func (b *roundRobinBalancer) HandleSubConnStateChange(sc balancer.SubConn, s connectivity.State) {
	b.mu.Lock()
	if _, ok := b.scStates[sc]; !ok {
		b.mu.Unlock()
		return
	}
	if s == connectivity.Shutdown {
		delete(b.scStates, sc)
	} else {
		b.scStates[sc] = s
	}
	b.mu.Unlock()
	b.regeneratePicker(s)
}

func (b *roundRobinBalancer) regeneratePicker(fallback connectivity.State) {
	b.mu.Lock()
	var ready []balancer.SubConn
	anyConnecting := false
	for sc, s := range b.scStates {
		if s == connectivity.Ready {
			ready = append(ready, sc)
		}
		if s == connectivity.Connecting {
			anyConnecting = true
		}
	}
	b.mu.Unlock()

	if len(ready) > 0 {
		b.cc.UpdateBalancerState(connectivity.Ready, &roundRobinPicker{subConns: ready})
		return
	}
	if anyConnecting {
		b.cc.UpdateBalancerState(connectivity.Connecting, &errPicker{err: balancer.ErrNoSubConnAvailable})
		return
	}
	b.cc.UpdateBalancerState(fallback, &errPicker{err: balancer.ErrTransientFailure})
}

func (b *roundRobinBalancer) Close() {}

// roundRobinPicker cycles through a fixed snapshot of READY SubConns.
// Balancer regenerates (and gRPC swaps in) a new picker whenever the READY
// set changes, so this picker itself never mutates its subConns slice.
type roundRobinPicker struct {
	subConns []balancer.SubConn
	next     uint32
}

func (p *roundRobinPicker) Pick(context.Context, balancer.PickOptions) (balancer.SubConn, func(balancer.DoneInfo), error) {
	n := atomic.AddUint32(&p.next, 1)
	sc := p.subConns[(n-1)%uint32(len(p.subConns))]
	return sc, nil, nil
}

type errPicker struct {
	err error
}

func (p *errPicker) Pick(context.Context, balancer.PickOptions) (balancer.SubConn, func(balancer.DoneInfo), error) {
	return nil, nil, p.err
}
