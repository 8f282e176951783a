package transport

import "sync"

// Role distinguishes which side of a stream a streamFSM is tracking. The
// state machine itself is shared between client and server streams; only
// the meaning callers attach to "local" and "remote" differs.
type Role uint8

const (
	RoleClient Role = iota
	RoleServer
)

// streamState enumerates the half-close lattice a gRPC stream moves
// through. It mirrors HTTP/2 stream states (RFC 7540 §5.1) restricted to
// the subset gRPC uses: streams are opened implicitly by the first
// HEADERS frame, so there is no separate "idle"/"reserved" phase visible
// above the framer.
type streamState uint8

const (
	// streamActive: neither side has half-closed.
	streamActive streamState = iota
	// streamLocalClosed: this side sent its last frame (END_STREAM on a
	// client's request, or trailers/status on a server's response).
	streamLocalClosed
	// streamRemoteClosed: the peer has sent its last frame.
	streamRemoteClosed
	// streamDone: both directions closed, or the stream was reset. The
	// stream is eligible for cleanup.
	streamDone
)

func (s streamState) String() string {
	switch s {
	case streamActive:
		return "active"
	case streamLocalClosed:
		return "local-closed"
	case streamRemoteClosed:
		return "remote-closed"
	case streamDone:
		return "done"
	default:
		return "unknown"
	}
}

// streamFSM tracks one stream's half-close state. It performs no I/O: it
// only records transitions and reports, via its return values, whether a
// transition just completed the stream (both sides closed) so the caller
// knows when it is safe to free stream bookkeeping and, for the server,
// when to deliver the queued RPC status to the wire.
type streamFSM struct {
	mu    sync.Mutex
	role  Role
	state streamState
}

func newStreamFSM(role Role) *streamFSM {
	return &streamFSM{role: role, state: streamActive}
}

func (f *streamFSM) currentState() streamState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// closeLocal records that this side has sent its final frame. It returns
// true if the stream is now fully closed.
func (f *streamFSM) closeLocal() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.state {
	case streamActive:
		f.state = streamLocalClosed
		return false
	case streamRemoteClosed:
		f.state = streamDone
		return true
	default:
		return f.state == streamDone
	}
}

// closeRemote records that the peer's final frame (END_STREAM, or for a
// client stream the server's trailers) has arrived. It returns true if the
// stream is now fully closed.
func (f *streamFSM) closeRemote() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.state {
	case streamActive:
		f.state = streamRemoteClosed
		return false
	case streamLocalClosed:
		f.state = streamDone
		return true
	default:
		return f.state == streamDone
	}
}

// reset forces the stream to streamDone unconditionally, e.g. on
// RST_STREAM or connection loss. Returns whether this call was the one
// that transitioned the stream into streamDone (false if it was already
// done).
func (f *streamFSM) reset() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	wasDone := f.state == streamDone
	f.state = streamDone
	return !wasDone
}

// canSend reports whether the local side may still write DATA/HEADERS.
func (f *streamFSM) canSend() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == streamActive || f.state == streamRemoteClosed
}

// canReceive reports whether the peer may still have DATA/HEADERS in
// flight that this side should accept.
func (f *streamFSM) canReceive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == streamActive || f.state == streamLocalClosed
}
