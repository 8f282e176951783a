package transport

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chalvern/grpctransport/codes"
	"github.com/chalvern/grpctransport/metadata"
	"github.com/chalvern/grpctransport/status"
)

func newTestStream() *Stream {
	return newStream(context.Background(), RoleClient, 1, "/svc/Method", 1<<20)
}

func TestStreamDeliverDataAndRecv(t *testing.T) {
	// Server role: a client legitimately ends its request with END_STREAM
	// on its last DATA frame.
	s := newStream(context.Background(), RoleServer, 1, "/svc/Method", 1<<20)
	f := NewFramer(nil)
	f.Queue([]byte("hello"), nil)
	buf, _, err := f.FlushOne()
	require.NoError(t, err)

	s.deliverData(buf, true)

	msg, err := s.RecvMsg()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), msg)
	assert.True(t, s.BytesReceived())

	_, err = s.RecvMsg()
	assert.Equal(t, io.EOF, err)
}

func TestStreamHeaderBlocksUntilSet(t *testing.T) {
	s := newTestStream()
	done := make(chan struct{})
	var got metadata.MD
	go func() {
		got, _ = s.Header()
		close(done)
	}()
	s.setHeader(metadata.Pairs("k", "v"), nil)
	<-done
	assert.Equal(t, []string{"v"}, got.Get("k"))
}

func TestStreamFinishUnblocksRecv(t *testing.T) {
	s := newTestStream()
	done := make(chan struct{})
	var err error
	go func() {
		_, err = s.RecvMsg()
		close(done)
	}()
	s.finish(status.New(codes.Canceled, "cancelled"))
	<-done
	assert.Equal(t, codes.Canceled, s.Status().Code())
}

func TestStreamTrailerMerge(t *testing.T) {
	s := newTestStream()
	s.SetTrailer(metadata.Pairs("a", "1"))
	s.setTrailerFromPeer(metadata.Pairs("b", "2"))
	tr := s.Trailer()
	assert.Equal(t, []string{"1"}, tr.Get("a"))
	assert.Equal(t, []string{"2"}, tr.Get("b"))
}
