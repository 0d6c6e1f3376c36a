package xport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSendAndReceiveRoundTrip(t *testing.T) {
	received := make(chan []byte, 1)
	b, err := New("127.0.0.1:0", func(from net.Addr, buf []byte) {
		received <- buf
	})
	require.NoError(t, err)
	defer b.Close()

	a, err := New("127.0.0.1:0", func(from net.Addr, buf []byte) {})
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Send(b.LocalAddr(), []byte("hello")))

	select {
	case got := <-received:
		require.Equal(t, "hello", string(got))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for packet")
	}
}

func TestLossyModeDropsAllPackets(t *testing.T) {
	received := make(chan []byte, 1)
	b, err := New("127.0.0.1:0", func(from net.Addr, buf []byte) { received <- buf })
	require.NoError(t, err)
	defer b.Close()

	a, err := New("127.0.0.1:0", func(from net.Addr, buf []byte) {})
	require.NoError(t, err)
	defer a.Close()

	a.SetReliability(b.LocalAddr().String(), 0)
	require.NoError(t, a.Send(b.LocalAddr(), []byte("dropped")))

	select {
	case <-received:
		t.Fatal("packet should have been dropped")
	case <-time.After(100 * time.Millisecond):
	}
}
