// Package status implements errors returned by gRPC. These errors are
// serialized and transmitted on the wire between server and client, and
// allow for additional data to be transmitted via the Details field in the
// status proto.
package status

import (
	"fmt"

	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/chalvern/grpctransport/codes"
)

// Status represents an RPC status code, message, and details, as defined
// by https://github.com/grpc/grpc/blob/master/doc/statuscodes.md. It
// implements error.
type Status struct {
	code    codes.Code
	message string
	details []*anypb.Any
}

// Error implements the error interface.
func (s *Status) Error() string {
	if s == nil {
		return "<nil>"
	}
	return fmt.Sprintf("rpc error: code = %s desc = %s", s.code, s.message)
}

// Code returns the status code.
func (s *Status) Code() codes.Code {
	if s == nil {
		return codes.OK
	}
	return s.code
}

// Message returns the status message.
func (s *Status) Message() string {
	if s == nil {
		return ""
	}
	return s.message
}

// Details returns the details carried in the status, decoded as proto
// messages is the caller's responsibility (they are stored as Any).
func (s *Status) Details() []*anypb.Any {
	if s == nil {
		return nil
	}
	return s.details
}

// Err returns an error that wraps s, or nil if s.Code() is OK.
func (s *Status) Err() error {
	if s.Code() == codes.OK {
		return nil
	}
	return s
}

// Proto returns a protobuf-serializable Status representation.
func (s *Status) Proto() *spb.Status {
	if s == nil {
		return nil
	}
	return &spb.Status{
		Code:    int32(s.code),
		Message: s.message,
		Details: s.details,
	}
}

// New returns a Status representing c and msg.
func New(c codes.Code, msg string) *Status {
	return &Status{code: c, message: msg}
}

// Newf returns New(c, fmt.Sprintf(format, a...)).
func Newf(c codes.Code, format string, a ...interface{}) *Status {
	return New(c, fmt.Sprintf(format, a...))
}

// Error returns an error representing c and msg. If c is OK, returns nil.
func Error(c codes.Code, msg string) error {
	return New(c, msg).Err()
}

// Errorf returns Error(c, fmt.Sprintf(format, a...)).
func Errorf(c codes.Code, format string, a ...interface{}) error {
	return Error(c, fmt.Sprintf(format, a...))
}

// FromProto returns a Status representing p.
func FromProto(p *spb.Status) *Status {
	if p == nil {
		return nil
	}
	return &Status{
		code:    codes.Code(p.GetCode()),
		message: p.GetMessage(),
		details: p.GetDetails(),
	}
}

// WithDetails returns a new Status carrying the given proto messages as
// additional details, encoded as Any. If encoding any message fails, that
// detail is dropped and an error is returned alongside the partially
// populated Status.
func (s *Status) WithDetails(details ...proto.Message) (*Status, error) {
	if s.Code() == codes.OK {
		return nil, fmt.Errorf("status: cannot add details to a status with code OK")
	}
	ns := &Status{code: s.code, message: s.message, details: append([]*anypb.Any{}, s.details...)}
	for _, d := range details {
		any, err := anypb.New(d)
		if err != nil {
			return ns, err
		}
		ns.details = append(ns.details, any)
	}
	return ns, nil
}

// FromError returns a Status representation of err.
//
//   - If err was produced by this package, the its Status is returned
//     directly.
//   - If err is nil, a nil *Status (whose Code() is OK) is returned.
//   - Otherwise, a Status with code Unknown and err.Error() as the message
//     is returned, and ok is false.
func FromError(err error) (s *Status, ok bool) {
	if err == nil {
		return nil, true
	}
	if se, ok := err.(interface{ GRPCStatus() *Status }); ok {
		return se.GRPCStatus(), true
	}
	var st *Status
	if As(err, &st) {
		return st, true
	}
	return New(codes.Unknown, err.Error()), false
}

// As walks err's chain looking for a *Status, mirroring errors.As without
// importing it at the package surface (kept local to avoid a hard
// dependency on Go 1.20+ wrapped-error semantics in older toolchains).
func As(err error, target **Status) bool {
	for err != nil {
		if s, ok := err.(*Status); ok {
			*target = s
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Convert is a convenience function which removes the need to handle the
// boolean return value from FromError.
func Convert(err error) *Status {
	s, _ := FromError(err)
	return s
}

// Code returns the Code of the error if it is a Status error or if it
// wraps a Status error. If that is not the case, it returns codes.OK if
// err is nil, or codes.Unknown otherwise.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	return Convert(err).Code()
}

// GRPCStatus implements the interface consulted by FromError.
func (s *Status) GRPCStatus() *Status { return s }
