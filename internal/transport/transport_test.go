package transport

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointAddr(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "alice@web-01:22", Endpoint{Host: "web-01", User: "alice"}.Addr())
	assert.Equal(t, "web-01:2222", Endpoint{Host: "web-01", Port: 2222}.Addr())
	assert.Equal(t, "local:/bin/bash", Endpoint{LocalShell: "/bin/bash"}.Addr())
}

func TestEndpointValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, Endpoint{Host: "web-01"}.Validate())
	require.NoError(t, Endpoint{LocalShell: "/bin/sh"}.Validate())
	require.Error(t, Endpoint{}.Validate())
	require.Error(t, Endpoint{Host: "web-01", Port: 70000}.Validate())
}

func TestConnectErrorMatchesSentinel(t *testing.T) {
	t.Parallel()

	cause := errors.New("dial tcp: i/o timeout")
	err := &ConnectError{Endpoint: "web-01:22", Reason: ReasonUnreachable, Err: cause}

	assert.True(t, errors.Is(err, ErrConnect))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "unreachable")
	assert.Contains(t, err.Error(), "web-01:22")
}
