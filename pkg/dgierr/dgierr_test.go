package dgierr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewCarriesKindAndMessage(t *testing.T) {
	err := New(KindConfigError, "missing listen_port")
	require.Equal(t, KindConfigError, err.Kind)
	require.Contains(t, err.Error(), "ConfigError")
	require.Contains(t, err.Error(), "missing listen_port")
	require.NotEmpty(t, err.Stack)
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindTransportFault, cause, "write failed")
	require.ErrorIs(t, err, cause)
}

func TestIsChecksKind(t *testing.T) {
	err := New(KindProtocolViolation, "bad seq")
	require.True(t, Is(err, KindProtocolViolation))
	require.False(t, Is(err, KindTimeout))
	require.False(t, Is(errors.New("plain"), KindTimeout))
}
