package transport

// Metadata codec (spec §4.M) and the grpc-message wire encoding (spec §7),
// grounded on the internal/transport/http_util.go reference file retrieved
// for this spec (a real grpc-go internal/transport/http_util.go).

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/http2/hpack"

	"github.com/chalvern/grpctransport/codes"
	"github.com/chalvern/grpctransport/encoding"
	"github.com/chalvern/grpctransport/metadata"
	"github.com/chalvern/grpctransport/status"
)

// isReservedHeader reports whether hdr is one of the pseudo-headers or
// gRPC-protocol headers filtered out of user-visible metadata (spec §3).
func isReservedHeader(hdr string) bool {
	if hdr != "" && hdr[0] == ':' {
		return true
	}
	switch hdr {
	case "content-type",
		"user-agent",
		"grpc-encoding",
		"grpc-accept-encoding",
		"grpc-message-type",
		"grpc-message",
		"grpc-status",
		"grpc-timeout",
		"grpc-status-details-bin",
		"te":
		return true
	default:
		return false
	}
}

// isWhitelistedHeader reports whether hdr should still be propagated into
// user-visible metadata despite being reserved.
func isWhitelistedHeader(hdr string) bool {
	switch hdr {
	case ":authority", "user-agent":
		return true
	default:
		return false
	}
}

func encodeBinHeader(v []byte) string {
	return base64.RawStdEncoding.EncodeToString(v)
}

func decodeBinHeader(v string) ([]byte, error) {
	if len(v)%4 == 0 {
		return base64.StdEncoding.DecodeString(v)
	}
	return base64.RawStdEncoding.DecodeString(v)
}

func encodeMetadataHeader(k, v string) string {
	if metadata.IsBinaryKey(k) {
		return encodeBinHeader([]byte(v))
	}
	return v
}

func decodeMetadataHeader(k, v string) (string, error) {
	if metadata.IsBinaryKey(k) {
		b, err := decodeBinHeader(v)
		return string(b), err
	}
	return v, nil
}

// HTTPStatusConvTab maps non-200 HTTP status codes to gRPC codes, per
// spec §4.M. Anything not listed here maps to codes.Unknown (the
// documented, intentional fallback: see spec §9 Open Questions).
var HTTPStatusConvTab = map[int]codes.Code{
	http.StatusBadRequest:         codes.Internal,
	http.StatusUnauthorized:       codes.Unauthenticated,
	http.StatusForbidden:          codes.PermissionDenied,
	http.StatusNotFound:           codes.Unimplemented,
	http.StatusTooManyRequests:    codes.Unavailable,
	http.StatusBadGateway:         codes.Unavailable,
	http.StatusServiceUnavailable: codes.Unavailable,
	http.StatusGatewayTimeout:     codes.Unavailable,
}

func codeForHTTPStatus(httpStatus int) codes.Code {
	if c, ok := HTTPStatusConvTab[httpStatus]; ok {
		return c
	}
	return codes.Unknown
}

type timeoutUnit byte

const (
	unitHour        timeoutUnit = 'H'
	unitMinute      timeoutUnit = 'M'
	unitSecond      timeoutUnit = 'S'
	unitMillisecond timeoutUnit = 'm'
	unitMicrosecond timeoutUnit = 'u'
	unitNanosecond  timeoutUnit = 'n'
)

func timeoutUnitToDuration(u timeoutUnit) (time.Duration, bool) {
	switch u {
	case unitHour:
		return time.Hour, true
	case unitMinute:
		return time.Minute, true
	case unitSecond:
		return time.Second, true
	case unitMillisecond:
		return time.Millisecond, true
	case unitMicrosecond:
		return time.Microsecond, true
	case unitNanosecond:
		return time.Nanosecond, true
	}
	return 0, false
}

// decodeTimeout parses a grpc-timeout header value ([0-9]{1,8}[HMSmun]).
func decodeTimeout(s string) (time.Duration, error) {
	size := len(s)
	if size < 2 {
		return 0, fmt.Errorf("transport: timeout string is too short: %q", s)
	}
	if size > 9 {
		return 0, fmt.Errorf("transport: timeout string is too long: %q", s)
	}
	unit := timeoutUnit(s[size-1])
	d, ok := timeoutUnitToDuration(unit)
	if !ok {
		return 0, fmt.Errorf("transport: timeout unit is not recognized: %q", s)
	}
	t, err := strconv.ParseInt(s[:size-1], 10, 64)
	if err != nil {
		return 0, err
	}
	const maxHours = math.MaxInt64 / int64(time.Hour)
	if d == time.Hour && t > maxHours {
		return time.Duration(math.MaxInt64), nil
	}
	return d * time.Duration(t), nil
}

func encodeTimeout(d time.Duration) string {
	if d <= 0 {
		return "0n"
	}
	if h := d / time.Hour; h > 0 && d%time.Hour == 0 && h < 1e8 {
		return strconv.FormatInt(int64(h), 10) + "H"
	}
	if us := d / time.Microsecond; us < 1e8 {
		return strconv.FormatInt(int64(us), 10) + "u"
	}
	return strconv.FormatInt(int64(d/time.Millisecond), 10) + "m"
}

const (
	spaceByte   = ' '
	tildeByte   = '~'
	percentByte = '%'
)

// encodeGrpcMessage percent-encodes msg for the grpc-message header, per
// spec §4.M/§7: bytes outside 0x20-0x7E or '%' become %HH; invalid UTF-8 is
// replaced with the Unicode replacement character before encoding.
func encodeGrpcMessage(msg string) string {
	if msg == "" {
		return ""
	}
	for i := 0; i < len(msg); i++ {
		c := msg[i]
		if !(c >= spaceByte && c <= tildeByte && c != percentByte) {
			return encodeGrpcMessageUnchecked(msg)
		}
	}
	return msg
}

func encodeGrpcMessageUnchecked(msg string) string {
	var buf bytes.Buffer
	for len(msg) > 0 {
		r, size := utf8.DecodeRuneInString(msg)
		for _, b := range []byte(string(r)) {
			if size > 1 {
				fmt.Fprintf(&buf, "%%%02X", b)
				continue
			}
			if b >= spaceByte && b <= tildeByte && b != percentByte {
				buf.WriteByte(b)
			} else {
				fmt.Fprintf(&buf, "%%%02X", b)
			}
		}
		msg = msg[size:]
	}
	return buf.String()
}

// decodeGrpcMessage reverses encodeGrpcMessage, accepting malformed
// percent-sequences leniently (they pass through unchanged).
func decodeGrpcMessage(msg string) string {
	if msg == "" {
		return ""
	}
	for i := 0; i < len(msg); i++ {
		if msg[i] == percentByte && i+2 < len(msg) {
			return decodeGrpcMessageUnchecked(msg)
		}
	}
	return msg
}

func decodeGrpcMessageUnchecked(msg string) string {
	var buf bytes.Buffer
	for i := 0; i < len(msg); i++ {
		c := msg[i]
		if c == percentByte && i+2 < len(msg) {
			parsed, err := strconv.ParseUint(msg[i+1:i+3], 16, 8)
			if err != nil {
				buf.WriteByte(c)
			} else {
				buf.WriteByte(byte(parsed))
				i += 2
			}
		} else {
			buf.WriteByte(c)
		}
	}
	return buf.String()
}

// sanitizeAuthorityForSNI strips a trailing ":port" from authority when
// what precedes it looks like a DNS hostname and the port is numeric,
// exactly per spec §4.M / §8 scenario 6. IP addresses and other
// pathological inputs (non-numeric "port", no colon) are returned as-is.
func sanitizeAuthorityForSNI(authority string) string {
	idx := strings.LastIndexByte(authority, ':')
	if idx < 0 {
		return authority
	}
	host, port := authority[:idx], authority[idx+1:]
	if !isDNSHostname(host) {
		return authority
	}
	if _, err := strconv.Atoi(port); err != nil {
		return authority
	}
	return host
}

func isDNSHostname(host string) bool {
	if host == "" {
		return false
	}
	for i := 0; i < len(host); i++ {
		c := host[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '.':
		default:
			return false
		}
	}
	return true
}

func hf(name, value string) hpack.HeaderField {
	return hpack.HeaderField{Name: name, Value: value}
}

// encodeClientInitialMetadata builds the outbound HEADERS field list for a
// new client request, per spec §4.M / §6. deadline is the call's
// context.Context deadline, if any; when set it is carried as a
// grpc-timeout header so the server can enforce it without relying on TCP
// half-close or a hung handler to notice the client gave up.
func encodeClientInitialMetadata(scheme, method, authority, userAgent string, sendCompress string, acceptedEncodings []string, deadline time.Time, md metadata.MD) []hpack.HeaderField {
	fields := make([]hpack.HeaderField, 0, 11+md.Len())
	fields = append(fields,
		hf(":method", "POST"),
		hf(":scheme", scheme),
		hf(":path", method),
	)
	if authority != "" {
		fields = append(fields, hf(":authority", sanitizeAuthorityForSNI(authority)))
	}
	fields = append(fields,
		hf("content-type", "application/grpc"),
		hf("te", "trailers"),
	)
	if !deadline.IsZero() {
		fields = append(fields, hf("grpc-timeout", encodeTimeout(time.Until(deadline))))
	}
	if userAgent != "" {
		fields = append(fields, hf("user-agent", userAgent))
	}
	if sendCompress != "" && sendCompress != encoding.Identity {
		fields = append(fields, hf("grpc-encoding", sendCompress))
	}
	if len(acceptedEncodings) > 0 {
		fields = append(fields, hf("grpc-accept-encoding", strings.Join(acceptedEncodings, ",")))
	}
	md.Range(func(k, v string) bool {
		if isReservedHeader(k) {
			return true
		}
		fields = append(fields, hf(k, encodeMetadataHeader(k, v)))
		return true
	})
	return fields
}

// clientInitialMetadataOutcome is the result of decoding a response HEADERS
// frame seen by the client while awaiting initial metadata.
type clientInitialMetadataOutcome struct {
	// Informational reports a 1xx status: the caller should ignore this
	// frame and keep waiting.
	Informational bool
	// Terminal, if non-nil, is a synthesized terminal status (e.g. for a
	// non-200 status or a missing/invalid content-type), per spec §4.M.
	Terminal error
	// Metadata is the user-visible initial metadata, populated only when
	// neither Informational nor Terminal is set.
	Metadata metadata.MD
	// RecvCompress is the grpc-encoding declared by the server, or "".
	RecvCompress string
}

// acceptedEncodingSet builds the accepted-encodings lookup
// decodeClientInitialMetadata needs from the encodings this process has
// compressors registered for.
func acceptedEncodingSet() map[string]bool {
	names := encoding.CompressorNames()
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// decodeClientInitialMetadata implements spec §4.M's "Decoding inbound
// initial metadata (client)" algorithm.
func decodeClientInitialMetadata(fields []hpack.HeaderField, acceptedEncodings map[string]bool) clientInitialMetadataOutcome {
	var statusCode int
	var contentType string
	var recvEncoding string
	md := metadata.MD{}

	for _, f := range fields {
		switch f.Name {
		case ":status":
			statusCode, _ = strconv.Atoi(f.Value)
		case "content-type":
			contentType = f.Value
		case "grpc-encoding":
			recvEncoding = f.Value
		default:
			if isReservedHeader(f.Name) && !isWhitelistedHeader(f.Name) {
				continue
			}
			v, err := decodeMetadataHeader(f.Name, f.Value)
			if err != nil {
				continue
			}
			md.Append(f.Name, v)
		}
	}

	if statusCode >= 100 && statusCode <= 199 {
		return clientInitialMetadataOutcome{Informational: true}
	}
	if statusCode != 200 {
		return clientInitialMetadataOutcome{
			Terminal: status.Error(codeForHTTPStatus(statusCode), "Unexpected non-200 HTTP Status Code."),
		}
	}
	if !strings.HasPrefix(contentType, "application/grpc") {
		return clientInitialMetadataOutcome{
			Terminal: status.Error(codes.Internal, "Missing content-type header"),
		}
	}
	if recvEncoding != "" && recvEncoding != encoding.Identity && !acceptedEncodings[recvEncoding] {
		return clientInitialMetadataOutcome{
			Terminal: status.Errorf(codes.Internal,
				"The server picked a compression algorithm (%q) the client does not know about.", recvEncoding),
		}
	}
	return clientInitialMetadataOutcome{Metadata: md, RecvCompress: recvEncoding}
}

// serverRequestOutcome is the result of validating and decoding an inbound
// request HEADERS frame, per spec §4.N "Server transitions (inbound)".
type serverRequestOutcome struct {
	Method       string
	Metadata     metadata.MD
	RecvCompress string
	// Timeout and HasTimeout carry the deadline derived from an inbound
	// grpc-timeout header, if present.
	Timeout    time.Duration
	HasTimeout bool

	// Terminal, if non-nil, is the trailers-only gRPC error the caller
	// should write back (grpc-status/grpc-message), for a malformed-but-
	// still-gRPC-shaped request.
	Terminal *status.Status
	// ProtocolError reports that the request never qualified as gRPC at
	// all (wrong :method/:scheme, missing "trailers" in te, no :path): the
	// caller should reject it with RST_STREAM(protocolError) instead of a
	// grpc-status trailer.
	ProtocolError bool
}

// decodeServerRequestMetadata implements spec §4.N's inbound HEADERS
// validation: :method=POST, :scheme present, :path present, te contains
// "trailers", content-type begins with "application/grpc", and
// grpc-encoding (if present) names a compressor the server has. Mirrors
// decodeClientInitialMetadata's shape on the server side of the exchange.
func decodeServerRequestMetadata(fields []hpack.HeaderField) serverRequestOutcome {
	var httpMethod, scheme, path, contentType, te, recvEncoding, timeoutStr string
	md := metadata.MD{}

	for _, f := range fields {
		switch f.Name {
		case ":method":
			httpMethod = f.Value
		case ":scheme":
			scheme = f.Value
		case ":path":
			path = f.Value
		case "content-type":
			contentType = f.Value
		case "te":
			te = f.Value
		case "grpc-encoding":
			recvEncoding = f.Value
		case "grpc-timeout":
			timeoutStr = f.Value
		default:
			if isReservedHeader(f.Name) {
				continue
			}
			v, err := decodeMetadataHeader(f.Name, f.Value)
			if err != nil {
				continue
			}
			md.Append(f.Name, v)
		}
	}

	if httpMethod != "POST" || scheme == "" || path == "" || !strings.Contains(te, "trailers") {
		return serverRequestOutcome{ProtocolError: true}
	}
	if !strings.HasPrefix(contentType, "application/grpc") {
		return serverRequestOutcome{Terminal: status.New(codes.Internal, "Missing content-type header")}
	}
	if recvEncoding != "" && !encoding.IsCompressorRegistered(recvEncoding) {
		return serverRequestOutcome{
			Terminal: status.Newf(codes.Unimplemented, "grpc: Decompressor is not installed for grpc-encoding %q", recvEncoding),
		}
	}

	out := serverRequestOutcome{Method: path, Metadata: md, RecvCompress: recvEncoding}
	if timeoutStr != "" {
		d, err := decodeTimeout(timeoutStr)
		if err != nil {
			return serverRequestOutcome{Terminal: status.Newf(codes.Internal, "malformed grpc-timeout: %v", err)}
		}
		out.Timeout = d
		out.HasTimeout = true
	}
	return out
}

// trailerOutcome is the result of decoding a trailers (or trailers-only)
// HEADERS frame.
type trailerOutcome struct {
	Code     codes.Code
	Message  string
	Metadata metadata.MD
	// HadStatus reports whether grpc-status was actually present; used to
	// require it for trailers-only responses per spec §4.M.
	HadStatus bool
}

// decodeTrailers implements spec §4.M's "Decoding trailers" algorithm.
func decodeTrailers(fields []hpack.HeaderField) trailerOutcome {
	out := trailerOutcome{Metadata: metadata.MD{}}
	for _, f := range fields {
		switch f.Name {
		case "grpc-status":
			if n, err := strconv.Atoi(f.Value); err == nil {
				out.Code = codes.Code(n)
				out.HadStatus = true
			}
		case "grpc-message":
			out.Message = decodeGrpcMessage(f.Value)
		default:
			if isReservedHeader(f.Name) && !isWhitelistedHeader(f.Name) {
				continue
			}
			v, err := decodeMetadataHeader(f.Name, f.Value)
			if err != nil {
				continue
			}
			out.Metadata.Append(f.Name, v)
		}
	}
	return out
}

// encodeTrailers builds the outbound trailers HEADERS field list carrying
// the final status, per spec §6.
func encodeTrailers(code codes.Code, message string, md metadata.MD) []hpack.HeaderField {
	fields := []hpack.HeaderField{
		hf("grpc-status", strconv.Itoa(int(code))),
	}
	if message != "" {
		fields = append(fields, hf("grpc-message", encodeGrpcMessage(message)))
	}
	md.Range(func(k, v string) bool {
		if isReservedHeader(k) {
			return true
		}
		fields = append(fields, hf(k, encodeMetadataHeader(k, v)))
		return true
	})
	return fields
}

// encodeServerInitialMetadata builds a non-trailers-only response HEADERS
// field list, per spec §6.
func encodeServerInitialMetadata(sendCompress string, md metadata.MD) []hpack.HeaderField {
	fields := []hpack.HeaderField{
		hf(":status", "200"),
		hf("content-type", "application/grpc"),
	}
	if sendCompress != "" && sendCompress != encoding.Identity {
		fields = append(fields, hf("grpc-encoding", sendCompress))
	}
	md.Range(func(k, v string) bool {
		if isReservedHeader(k) {
			return true
		}
		fields = append(fields, hf(k, encodeMetadataHeader(k, v)))
		return true
	})
	return fields
}
