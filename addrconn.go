package grpc

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/chalvern/grpctransport/backoff"
	"github.com/chalvern/grpctransport/connectivity"
	"github.com/chalvern/grpctransport/internal/transport"
	"github.com/chalvern/grpctransport/resolver"
)

// addrConn is gRPC's implementation of balancer.SubConn. It owns at most
// one live transport.ClientTransport at a time, dialing addrs in order and
// retrying with backoff on failure, per §4.R.
type addrConn struct {
	ctx    context.Context
	cancel context.CancelFunc

	cc  *ClientConn
	ccb *ccBalancerWrapper

	mu        sync.Mutex
	addrs     []resolver.Address
	state     connectivity.State
	transport transport.ClientTransport
	backoff   *backoff.Strategy
	connectRequested bool
	tornDown  bool

	dialGroup singleflight.Group
}

func (ac *addrConn) currentTransport() transport.ClientTransport {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	if ac.state != connectivity.Ready {
		return nil
	}
	return ac.transport
}

// UpdateAddresses implements balancer.SubConn. It replaces the address
// list used on the next dial; the current transport is left untouched and
// no state transition occurs.
func (ac *addrConn) UpdateAddresses(addrs []resolver.Address) {
	ac.mu.Lock()
	ac.addrs = addrs
	ac.mu.Unlock()
}

// Connect implements balancer.SubConn. It triggers (or joins, via
// singleflight, an already in-flight) connection attempt; the run loop
// keeps retrying with backoff until it succeeds or the addrConn is torn
// down.
func (ac *addrConn) Connect() {
	ac.mu.Lock()
	if ac.tornDown {
		ac.mu.Unlock()
		return
	}
	if ac.connectRequested {
		ac.mu.Unlock()
		return
	}
	ac.connectRequested = true
	ac.mu.Unlock()

	go ac.resetTransportAndUnlock()
}

func (ac *addrConn) updateConnectivityState(s connectivity.State) {
	ac.mu.Lock()
	if ac.tornDown {
		ac.mu.Unlock()
		return
	}
	ac.state = s
	ac.mu.Unlock()
	ac.ccb.handleSubConnStateChange(ac, s)
}

// resetTransportAndUnlock runs the connect-with-backoff loop described by
// spec §4.R: try every resolved address in order; on success reset the
// backoff strategy and go READY; on exhausting every address, back off and
// retry the whole address list again until the addrConn is torn down.
func (ac *addrConn) resetTransportAndUnlock() {
	bs := backoff.New(ac.cc.dopts.bs)
	retries := 0
	for {
		ac.mu.Lock()
		if ac.tornDown {
			ac.mu.Unlock()
			return
		}
		addrs := ac.addrs
		ac.mu.Unlock()

		ac.updateConnectivityState(connectivity.Connecting)

		tr, err := ac.tryAllAddrs(addrs)
		ac.mu.Lock()
		if ac.tornDown {
			ac.mu.Unlock()
			if tr != nil {
				tr.Close(ErrClientConnClosing)
			}
			return
		}
		if err == nil {
			ac.transport = tr
			ac.state = connectivity.Ready
			ac.mu.Unlock()
			bs.Reset()
			retries = 0
			logger.Infof("grpc: addrConn %p connectSucceeded", ac)
			ac.ccb.handleSubConnStateChange(ac, connectivity.Ready)
			ev := ac.waitForTransportError(tr)
			logger.Infof("grpc: addrConn %p %s", ac, ev)
			continue
		}
		ac.mu.Unlock()
		logger.Warningf("grpc: addrConn %p connectFailed(%v)", ac, err)

		ac.updateConnectivityState(connectivity.TransientFailure)
		delay := bs.Backoff(retries)
		retries++
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ac.ctx.Done():
			timer.Stop()
			return
		}
	}
}

// tryAllAddrs dials each resolved address in turn, returning the first
// transport that completes its handshake successfully.
func (ac *addrConn) tryAllAddrs(addrs []resolver.Address) (transport.ClientTransport, error) {
	var firstErr error
	for _, addr := range addrs {
		select {
		case <-ac.ctx.Done():
			return nil, ac.ctx.Err()
		default:
		}
		tr, err := ac.createTransport(addr)
		if err == nil {
			return tr, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

func (ac *addrConn) createTransport(addr resolver.Address) (transport.ClientTransport, error) {
	v, err, _ := ac.dialGroup.Do(addr.Addr, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ac.ctx, 20*time.Second)
		defer cancel()

		conn, err := ac.cc.dialAddress(ctx, addr)
		if err != nil {
			return nil, err
		}

		authority := addr.ServerName
		if authority == "" {
			authority = ac.cc.authority
		}
		return transport.NewClientTransport(ctx, conn, authority, transport.ConnectOptions{
			KeepaliveParams: ac.cc.dopts.kp,
			UserAgent:       ac.cc.dopts.userAgent,
			MaxIdleTime:     ac.cc.dopts.idleTimeout,
		})
	})
	if err != nil {
		return nil, err
	}
	return v.(transport.ClientTransport), nil
}

// waitForTransportError blocks the run loop for as long as tr stays
// healthy, so the addrConn only re-dials once the live transport actually
// fails. While waiting, an inbound GOAWAY is logged as a goingAway event
// per §4.Q step 5 without ending the wait — the connection keeps serving
// in-flight streams until it actually closes. The returned ConnEvent
// classifies the eventual loss: the transport's own idle timer firing
// makes this closed(idleTimeout); a prior inbound GOAWAY makes it
// closed(remote); anything else is closed(error(...)).
func (ac *addrConn) waitForTransportError(tr transport.ClientTransport) ConnEvent {
	goAwayCh := tr.GoAway()
	for {
		select {
		case <-tr.Error():
			if tr.IdleExpired() {
				return ConnEvent{Type: "closed", Reason: CloseIdleTimeout}
			}
			goAwayReceived := tr.GetGoAwayReason() != transport.GoAwayInvalid
			return classifyTransportLoss(goAwayReceived, nil)
		case <-ac.ctx.Done():
			return ConnEvent{Type: "closed", Reason: CloseInitiatedLocally}
		case <-goAwayCh:
			logger.Infof("grpc: addrConn %p goingAway", ac)
			goAwayCh = nil
		}
	}
}

func (ac *addrConn) tearDown(err error) {
	ac.mu.Lock()
	if ac.tornDown {
		ac.mu.Unlock()
		return
	}
	ac.tornDown = true
	tr := ac.transport
	ac.state = connectivity.Shutdown
	ac.mu.Unlock()

	logger.Infof("grpc: addrConn %p closed(initiatedLocally): %v", ac, err)
	ac.cancel()
	if tr != nil {
		tr.Close(err)
	}
}
