package peerid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewNormalisesCase(t *testing.T) {
	p := New("HOST.example.COM", 1870)
	require.Equal(t, PeerId("host.example.com:1870"), p)
}

func TestHostPortRoundTrip(t *testing.T) {
	p := New("10.0.0.1", 1870)
	host, port, err := p.HostPort()
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1", host)
	require.Equal(t, "1870", port)
}

func TestNewTokenIsUnique(t *testing.T) {
	require.NotEqual(t, NewToken(), NewToken())
}
