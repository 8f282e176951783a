package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chalvern/grpctransport/codes"
	"github.com/chalvern/grpctransport/status"
)

// pipeAddr satisfies net.Addr for the two ends of a net.Pipe, which
// otherwise report a nil RemoteAddr.
type pipeAddr struct{ s string }

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return a.s }

type addrConnShim struct {
	net.Conn
	local, remote net.Addr
}

func (c addrConnShim) LocalAddr() net.Addr  { return c.local }
func (c addrConnShim) RemoteAddr() net.Addr { return c.remote }

func newPipePair() (net.Conn, net.Conn) {
	c1, c2 := net.Pipe()
	return addrConnShim{c1, pipeAddr{"client"}, pipeAddr{"server"}},
		addrConnShim{c2, pipeAddr{"server"}, pipeAddr{"client"}}
}

func TestClientServerUnaryRoundTrip(t *testing.T) {
	clientConn, serverConn := newPipePair()

	srvReady := make(chan *http2Server, 1)
	go func() {
		st, err := NewServerTransport(serverConn, 4<<20)
		require.NoError(t, err)
		srvReady <- st
	}()

	cli, err := NewClientTransport(context.Background(), clientConn, "test.authority", ConnectOptions{})
	require.NoError(t, err)
	defer cli.Close(nil)

	st := <-srvReady
	defer st.Close()

	streams := make(chan *Stream, 1)
	go st.HandleStreams(func(s *Stream) { streams <- s })

	cs, err := cli.NewStream(context.Background(), &CallHdr{Method: "/svc/Method"})
	require.NoError(t, err)

	req := []byte("ping")
	cs.QueueForSend(req, nil)
	wire, _, err := cs.FlushForSend()
	require.NoError(t, err)
	require.NoError(t, cli.Write(cs, nil, wire, &Options{Last: true}))

	ss := <-streams
	require.Equal(t, "/svc/Method", ss.Method())

	got, err := ss.RecvMsg()
	require.NoError(t, err)
	require.Equal(t, req, got)

	require.NoError(t, st.WriteHeader(ss, nil))

	resp := []byte("pong")
	ss.QueueForSend(resp, nil)
	respWire, _, err := ss.FlushForSend()
	require.NoError(t, err)
	require.NoError(t, st.Write(ss, nil, respWire, &Options{Last: true}))
	require.NoError(t, st.WriteStatus(ss, status.New(codes.OK, "")))

	gotResp, err := cs.RecvMsg()
	require.NoError(t, err)
	require.Equal(t, resp, gotResp)

	// A unary response's trailer arrives as a second, EOF-only RecvMsg.
	done := make(chan struct{})
	go func() {
		cs.RecvMsg()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for trailer status")
	}
	finalSt := cs.Status()
	require.Equal(t, codes.OK, finalSt.Code())
}
