package transport

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrpcMessageRoundTrip(t *testing.T) {
	cases := []string{
		"",
		"hello world",
		"100% sure",
		"line\nbreak\ttab",
		"unicode: héllo wörld 日本語",
		string([]byte{0x01, 0x02, 0xff}),
	}
	for _, c := range cases {
		enc := encodeGrpcMessage(c)
		dec := decodeGrpcMessage(enc)
		if utf8.ValidString(c) {
			assert.Equal(t, c, dec, "round-trip for %q", c)
		}
	}
}

func TestEncodeGrpcMessageOnlyEscapesWhenNeeded(t *testing.T) {
	assert.Equal(t, "hello world", encodeGrpcMessage("hello world"))
	assert.Equal(t, "100%25", encodeGrpcMessage("100%"))
}

func TestDecodeTimeout(t *testing.T) {
	d, err := decodeTimeout("10S")
	require.NoError(t, err)
	assert.Equal(t, 10.0, d.Seconds())

	d, err = decodeTimeout("500m")
	require.NoError(t, err)
	assert.Equal(t, int64(500), d.Milliseconds())

	_, err = decodeTimeout("1")
	assert.Error(t, err)

	_, err = decodeTimeout("123456789H")
	assert.Error(t, err)

	_, err = decodeTimeout("10X")
	assert.Error(t, err)
}

func TestSanitizeAuthorityForSNI(t *testing.T) {
	cases := map[string]string{
		"foo.example.com":        "foo.example.com",
		"foo.example.com:31415":  "foo.example.com",
		"foo.example-31415":      "foo.example-31415",
		"foo.example.com:abc123": "foo.example.com:abc123",
		"10.0.0.1:443":           "10.0.0.1",
		"[::1]:443":              "[::1]:443",
	}
	for in, want := range cases {
		assert.Equal(t, want, sanitizeAuthorityForSNI(in), "input %q", in)
	}
}
