package grpc

import (
	"github.com/chalvern/grpctransport/codes"
	"github.com/chalvern/grpctransport/encoding"
	"github.com/chalvern/grpctransport/metadata"
	"github.com/chalvern/grpctransport/status"
)

// CallOption configures a Call before it starts or extracts information
// from a Call after it completes.
type CallOption interface {
	// before is called before the call is sent to any server. If before
	// returns a non-nil error, the RPC fails with that error.
	before(*callInfo) error
	// after is called after the call has completed. after cannot return an
	// error, so any failures should be reported via GoString and logged
	// (using the log package).
	after(*callInfo)
}

// EmptyCallOption does not alter the Call configuration. It can be
// embedded in another structure to carry satellite data for use by
// interceptors.
type EmptyCallOption struct{}

func (EmptyCallOption) before(*callInfo) error { return nil }
func (EmptyCallOption) after(*callInfo)         {}

// callInfo contains all related configuration and information about an RPC.
type callInfo struct {
	failFast              bool
	stream                ClientStream
	maxReceiveMessageSize *int
	maxSendMessageSize    *int
	codec                 encoding.Codec
	compressorType        string
	contentSubtype        string
}

func defaultCallInfo() *callInfo {
	return &callInfo{failFast: true}
}

// WaitForReady configures the action to take when an RPC is attempted on
// broken connections or unreachable servers. If waitForReady is false and
// the connection is in the TRANSIENT_FAILURE state, the RPC fails fast.
// Otherwise, the RPC client will block the call until a connection is
// available (or the call is canceled or times out).
func WaitForReady(waitForReady bool) CallOption {
	return FailFastCallOption{FailFast: !waitForReady}
}

// FailFastCallOption is a CallOption for indicating whether an RPC should
// fail fast or not.
type FailFastCallOption struct {
	FailFast bool
}

func (o FailFastCallOption) before(c *callInfo) error {
	c.failFast = o.FailFast
	return nil
}
func (o FailFastCallOption) after(*callInfo) {}

// MaxCallRecvMsgSize returns a CallOption which sets the maximum message
// size in bytes the client can receive.
func MaxCallRecvMsgSize(bytes int) CallOption {
	return MaxRecvMsgSizeCallOption{MaxRecvMsgSize: bytes}
}

type MaxRecvMsgSizeCallOption struct {
	MaxRecvMsgSize int
}

func (o MaxRecvMsgSizeCallOption) before(c *callInfo) error {
	c.maxReceiveMessageSize = &o.MaxRecvMsgSize
	return nil
}
func (o MaxRecvMsgSizeCallOption) after(*callInfo) {}

// MaxCallSendMsgSize returns a CallOption which sets the maximum message
// size in bytes the client can send.
func MaxCallSendMsgSize(bytes int) CallOption {
	return MaxSendMsgSizeCallOption{MaxSendMsgSize: bytes}
}

type MaxSendMsgSizeCallOption struct {
	MaxSendMsgSize int
}

func (o MaxSendMsgSizeCallOption) before(c *callInfo) error {
	c.maxSendMessageSize = &o.MaxSendMsgSize
	return nil
}
func (o MaxSendMsgSizeCallOption) after(*callInfo) {}

// UseCompressor returns a CallOption which sets the compressor used when
// sending the request.
func UseCompressor(name string) CallOption {
	return CompressorCallOption{CompressorType: name}
}

type CompressorCallOption struct {
	CompressorType string
}

func (o CompressorCallOption) before(c *callInfo) error {
	c.compressorType = o.CompressorType
	return nil
}
func (o CompressorCallOption) after(*callInfo) {}

// CallContentSubtype returns a CallOption that will set the content-subtype
// for a request. The content-subtype will be used to look up the Codec to
// use for marshaling the request and unmarshaling the response.
func CallContentSubtype(contentSubtype string) CallOption {
	return ContentSubtypeCallOption{ContentSubtype: contentSubtype}
}

type ContentSubtypeCallOption struct {
	ContentSubtype string
}

func (o ContentSubtypeCallOption) before(c *callInfo) error {
	c.contentSubtype = o.ContentSubtype
	return nil
}
func (o ContentSubtypeCallOption) after(*callInfo) {}

// Header returns a CallOptions that retrieves the header metadata for a
// unary RPC.
func Header(md *metadata.MD) CallOption {
	return HeaderCallOption{HeaderAddr: md}
}

type HeaderCallOption struct {
	HeaderAddr *metadata.MD
}

func (o HeaderCallOption) before(*callInfo) error { return nil }
func (o HeaderCallOption) after(c *callInfo) {
	if c.stream == nil {
		return
	}
	*o.HeaderAddr, _ = c.stream.Header()
}

// Trailer returns a CallOptions that retrieves the trailer metadata for a
// unary RPC.
func Trailer(md *metadata.MD) CallOption {
	return TrailerCallOption{TrailerAddr: md}
}

type TrailerCallOption struct {
	TrailerAddr *metadata.MD
}

func (o TrailerCallOption) before(*callInfo) error { return nil }
func (o TrailerCallOption) after(c *callInfo) {
	if c.stream == nil {
		return
	}
	*o.TrailerAddr = c.stream.Trailer()
}

func setCallInfoCodec(c *callInfo) error {
	if c.contentSubtype == "" {
		c.contentSubtype = "proto"
	}
	codec := encoding.GetCodec(c.contentSubtype)
	if codec == nil {
		return status.Errorf(codes.Internal, "no codec registered for content-subtype %q", c.contentSubtype)
	}
	c.codec = codec
	return nil
}
