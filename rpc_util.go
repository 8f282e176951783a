package grpc

import (
	"context"
	"io"

	"github.com/chalvern/grpctransport/channelz"
	"github.com/chalvern/grpctransport/codes"
	"github.com/chalvern/grpctransport/encoding"
	"github.com/chalvern/grpctransport/internal/transport"
	"github.com/chalvern/grpctransport/status"
)

const defaultMaxSendMessageSize = 1024 * 1024 * 4
const defaultMaxReceiveMessageSize = 1024 * 1024 * 4

// encode marshals v with c, wire framing and message-level compression
// both being internal/transport's concern (the Framer installed on the
// Stream already knows the negotiated grpc-encoding).
func encode(c encoding.Codec, v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := c.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "grpc: error while marshaling: %v", err.Error())
	}
	return b, nil
}

// sendMsg encodes v, frames it through s's Framer (which applies the
// stream's negotiated per-message compression), and writes the resulting
// wire bytes via t, enforcing maxSendMessageSize against the unframed,
// uncompressed size.
func sendMsg(t transport.ClientTransport, s *transport.Stream, c encoding.Codec, v interface{}, maxSendMessageSize int, last bool) error {
	if !s.CanSend() {
		return status.Error(codes.Internal, "grpc: invalid state: stream's send side is already half-closed")
	}
	data, err := encode(c, v)
	if err != nil {
		return err
	}
	if len(data) > maxSendMessageSize {
		return status.Errorf(codes.ResourceExhausted, "grpc: trying to send message larger than max (%d vs. %d)", len(data), maxSendMessageSize)
	}
	s.QueueForSend(data, nil)
	wire, _, ferr := s.FlushForSend()
	if ferr != nil {
		return toRPCErr(ferr)
	}
	if err := t.Write(s, nil, wire, &transport.Options{Last: last}); err != nil {
		return toRPCErr(err)
	}
	if channelz.IsOn() {
		t.IncrMsgSent()
	}
	return nil
}

// sendMsgServer is sendMsg's server-transport counterpart.
func sendMsgServer(t transport.ServerTransport, s *transport.Stream, c encoding.Codec, v interface{}, maxSendMessageSize int, last bool) error {
	if !s.CanSend() {
		return status.Error(codes.Internal, "grpc: invalid state: stream's send side is already half-closed")
	}
	data, err := encode(c, v)
	if err != nil {
		return err
	}
	if len(data) > maxSendMessageSize {
		return status.Errorf(codes.ResourceExhausted, "grpc: trying to send message larger than max (%d vs. %d)", len(data), maxSendMessageSize)
	}
	s.QueueForSend(data, nil)
	wire, _, ferr := s.FlushForSend()
	if ferr != nil {
		return toRPCErr(ferr)
	}
	if err := t.Write(s, nil, wire, &transport.Options{Last: last}); err != nil {
		return toRPCErr(err)
	}
	if channelz.IsOn() {
		t.IncrMsgSent()
	}
	return nil
}

// recvMsg blocks for s's next message and unmarshals it into v with c,
// enforcing maxReceiveMessageSize against the already-decompressed bytes.
func recvMsg(s *transport.Stream, c encoding.Codec, v interface{}, maxReceiveMessageSize int) error {
	data, err := s.RecvMsg()
	if err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return toRPCErr(err)
	}
	if len(data) > maxReceiveMessageSize {
		return status.Errorf(codes.ResourceExhausted, "grpc: received message larger than max (%d vs. %d)", len(data), maxReceiveMessageSize)
	}
	if err := c.Unmarshal(data, v); err != nil {
		return status.Errorf(codes.Internal, "grpc: error while unmarshaling: %v", err.Error())
	}
	return nil
}

// toRPCErr converts an error from the transport/context layer into one
// with a gRPC status attached, so callers can always status.FromError it.
func toRPCErr(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch err {
	case context.DeadlineExceeded:
		return status.Error(codes.DeadlineExceeded, err.Error())
	case context.Canceled:
		return status.Error(codes.Canceled, err.Error())
	case io.ErrUnexpectedEOF:
		return status.Error(codes.Internal, err.Error())
	}
	if err == transport.ErrConnClosing {
		return status.Error(codes.Unavailable, err.Error())
	}
	if _, ok := err.(transport.ConnectionError); ok {
		return status.Error(codes.Unavailable, err.Error())
	}
	return status.Error(codes.Unknown, err.Error())
}

// UnaryClientInterceptor intercepts the execution of a unary RPC on the
// client.
type UnaryClientInterceptor func(ctx context.Context, method string, req, reply interface{}, cc *ClientConn, invoker UnaryInvoker, opts ...CallOption) error

// UnaryInvoker is called by UnaryClientInterceptor to complete the RPC.
type UnaryInvoker func(ctx context.Context, method string, req, reply interface{}, cc *ClientConn, opts ...CallOption) error

// StreamClientInterceptor intercepts the creation of a ClientStream.
type StreamClientInterceptor func(ctx context.Context, desc *StreamDesc, cc *ClientConn, method string, streamer Streamer, opts ...CallOption) (ClientStream, error)

// Streamer is called by StreamClientInterceptor to create a ClientStream.
type Streamer func(ctx context.Context, desc *StreamDesc, cc *ClientConn, method string, opts ...CallOption) (ClientStream, error)

// UnaryServerInterceptor intercepts the execution of a unary RPC on the
// server.
type UnaryServerInterceptor func(ctx context.Context, req interface{}, info *UnaryServerInfo, handler UnaryHandler) (resp interface{}, err error)

// UnaryServerInfo consists of various information about a unary RPC on
// server side.
type UnaryServerInfo struct {
	Server     interface{}
	FullMethod string
}

// UnaryHandler defines the handler invoked by UnaryServerInterceptor to
// complete the normal execution of a unary RPC.
type UnaryHandler func(ctx context.Context, req interface{}) (interface{}, error)

// StreamServerInterceptor intercepts the execution of a streaming RPC on
// the server.
type StreamServerInterceptor func(srv interface{}, ss ServerStream, info *StreamServerInfo, handler StreamHandler) error

// StreamServerInfo consists of various information about a streaming RPC
// on server side.
type StreamServerInfo struct {
	FullMethod     string
	IsClientStream bool
	IsServerStream bool
}
