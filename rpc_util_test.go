package grpc

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chalvern/grpctransport/codes"
	"github.com/chalvern/grpctransport/internal/transport"
	"github.com/chalvern/grpctransport/status"
)

type stringCodec struct{}

func (stringCodec) Marshal(v interface{}) ([]byte, error) {
	s, ok := v.(*string)
	if !ok {
		return nil, errors.New("not a *string")
	}
	return []byte(*s), nil
}

func (stringCodec) Unmarshal(data []byte, v interface{}) error {
	s, ok := v.(*string)
	if !ok {
		return errors.New("not a *string")
	}
	*s = string(data)
	return nil
}

func (stringCodec) Name() string { return "string" }

func TestEncodeNilMessage(t *testing.T) {
	b, err := encode(stringCodec{}, nil)
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestEncodeMarshalError(t *testing.T) {
	_, err := encode(stringCodec{}, 5)
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.Internal, st.Code())
}

func TestToRPCErrPassesThroughStatusErrors(t *testing.T) {
	orig := status.Error(codes.NotFound, "nope")
	assert.Equal(t, orig, toRPCErr(orig))
}

func TestToRPCErrMapsWellKnownErrors(t *testing.T) {
	cases := []struct {
		in   error
		want codes.Code
	}{
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{context.Canceled, codes.Canceled},
		{io.ErrUnexpectedEOF, codes.Internal},
		{transport.ErrConnClosing, codes.Unavailable},
		{errors.New("boom"), codes.Unknown},
	}
	for _, c := range cases {
		st, ok := status.FromError(toRPCErr(c.in))
		require.True(t, ok)
		assert.Equal(t, c.want, st.Code())
	}
}

func TestToRPCErrNil(t *testing.T) {
	assert.Nil(t, toRPCErr(nil))
}
