package grpc

import "fmt"

// CloseReason classifies why an addrConn's transport stopped being usable,
// mirroring the connection lifecycle's closed(reason) event.
type CloseReason int

const (
	// CloseInitiatedLocally means the ClientConn or addrConn was closed by
	// the application (ClientConn.Close, or removal of the SubConn by the
	// balancer).
	CloseInitiatedLocally CloseReason = iota
	// CloseRemote means the peer sent GOAWAY and the last in-flight stream
	// on the connection has since completed.
	CloseRemote
	// CloseKeepaliveTimeout means a keepalive PING went unacknowledged
	// within the configured timeout.
	CloseKeepaliveTimeout
	// CloseIdleTimeout means the connection carried zero open streams for
	// at least the configured maxIdleTime and was closed proactively.
	CloseIdleTimeout
	// CloseError means the transport failed for a reason other than a
	// clean local or remote shutdown (e.g. the TCP connection dropped).
	CloseError
)

func (r CloseReason) String() string {
	switch r {
	case CloseInitiatedLocally:
		return "initiatedLocally"
	case CloseRemote:
		return "remote"
	case CloseKeepaliveTimeout:
		return "keepaliveTimeout"
	case CloseIdleTimeout:
		return "idleTimeout"
	case CloseError:
		return "error"
	default:
		return "unknown"
	}
}

// ConnEvent is one entry in an addrConn's connection lifecycle event
// stream: connectSucceeded, connectFailed(err), goingAway, or closed(reason).
type ConnEvent struct {
	Type   string
	Err    error
	Reason CloseReason
}

func (e ConnEvent) String() string {
	switch e.Type {
	case "connectFailed":
		return fmt.Sprintf("connectFailed(%v)", e.Err)
	case "closed":
		if e.Err != nil {
			return fmt.Sprintf("closed(%s: %v)", e.Reason, e.Err)
		}
		return fmt.Sprintf("closed(%s)", e.Reason)
	default:
		return e.Type
	}
}

// classifyTransportLoss inspects a transport that just signaled Error()
// and decides whether its loss was a clean remote GOAWAY-driven shutdown
// or an unexpected error, per §4.Q's closed(reason) taxonomy.
func classifyTransportLoss(goAwayReceived bool, err error) ConnEvent {
	if goAwayReceived {
		return ConnEvent{Type: "closed", Reason: CloseRemote}
	}
	if err == nil {
		err = fmt.Errorf("grpc: the connection was dropped unexpectedly")
	}
	return ConnEvent{Type: "closed", Reason: CloseError, Err: err}
}
