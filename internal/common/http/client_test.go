package http

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHTTPClientDefaults(t *testing.T) {
	client := NewDefaultHTTPClient()

	assert.Equal(t, 30*time.Second, client.Timeout)

	transport, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 100, transport.MaxIdleConns)
	assert.Equal(t, 10, transport.MaxIdleConnsPerHost)
	assert.False(t, transport.DisableKeepAlives)
}

func TestClientOptions(t *testing.T) {
	client := NewHTTPClient(
		WithTimeout(5*time.Second),
		WithMaxIdleConnsPerHost(3),
		WithoutKeepAlives(),
	)

	assert.Equal(t, 5*time.Second, client.Timeout)

	transport, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 3, transport.MaxIdleConnsPerHost)
	assert.True(t, transport.DisableKeepAlives)
}

func TestWithTransportOverridesPool(t *testing.T) {
	custom := &http.Transport{}
	client := NewHTTPClient(WithTransport(custom))
	assert.Same(t, custom, client.Transport)
}

func TestWithInsecureSkipVerify(t *testing.T) {
	client := NewHTTPClient(WithInsecureSkipVerify())

	transport, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	require.NotNil(t, transport.TLSClientConfig)
	assert.True(t, transport.TLSClientConfig.InsecureSkipVerify)
}
