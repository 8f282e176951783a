package grpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServiceConfigRetryThrottling(t *testing.T) {
	js := `{
		"methodConfig": [{"name": [{"service": "foo", "method": "Bar"}], "timeout": "1s"}],
		"retryThrottling": {"maxTokens": 10, "tokenRatio": 0.1}
	}`
	sc, err := parseServiceConfig(js)
	require.NoError(t, err)
	require.NotNil(t, sc.RetryThrottling)
	assert.Equal(t, 10.0, sc.RetryThrottling.MaxTokens)
	assert.Equal(t, 0.1, sc.RetryThrottling.TokenRatio)
	mc, ok := sc.Methods["/foo/Bar"]
	require.True(t, ok)
	require.NotNil(t, mc.Timeout)
}

func TestParseServiceConfigRejectsInvalidRetryThrottling(t *testing.T) {
	js := `{"retryThrottling": {"maxTokens": 0, "tokenRatio": 0.1}}`
	sc, err := parseServiceConfig(js)
	require.NoError(t, err)
	assert.Nil(t, sc.RetryThrottling)
}

func TestParseServiceConfigNoRetryThrottling(t *testing.T) {
	sc, err := parseServiceConfig(`{}`)
	require.NoError(t, err)
	assert.Nil(t, sc.RetryThrottling)
}
