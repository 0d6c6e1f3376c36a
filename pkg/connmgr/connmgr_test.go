package connmgr

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dgi-broker/broker/pkg/message"
	"github.com/dgi-broker/broker/pkg/peerid"
	"github.com/dgi-broker/broker/pkg/protocol"
)

func TestSelfSendDeliversLocallyWithNoWireTraffic(t *testing.T) {
	self := peerid.New("127.0.0.1", 9001)
	var delivered *message.Message
	m := New(self, nil, func(msg *message.Message) { delivered = msg }, protocol.Timings{})

	err := m.Send(&message.Message{Destination: string(self), HandlerKey: "sc.marker", Payload: message.NewTree("")})
	require.NoError(t, err)
	require.NotNil(t, delivered)
	require.Equal(t, string(self), delivered.Source)
	require.False(t, delivered.SendTime.IsZero())
}

func TestPutHostnameThenEngineForResolves(t *testing.T) {
	self := peerid.New("127.0.0.1", 9001)
	m := New(self, nil, func(msg *message.Message) {}, protocol.Timings{ResendInterval: 1, DefaultTimeout: 1})

	other := peerid.New("127.0.0.1", 9002)
	m.PutHostname(other, RemoteHost{Host: "127.0.0.1", Port: "9002"})

	h, ok := m.GetHostname(other)
	require.True(t, ok)
	require.Equal(t, "9002", h.Port)

	e, err := m.EngineFor(other, message.ProtoSRC)
	require.NoError(t, err)
	require.NotNil(t, e)
}

func TestEngineForFailsWithoutHostname(t *testing.T) {
	self := peerid.New("127.0.0.1", 9001)
	m := New(self, nil, func(msg *message.Message) {}, protocol.Timings{})

	_, err := m.EngineFor(peerid.New("10.0.0.9", 1), message.ProtoSRC)
	require.Error(t, err)
}

func TestSplitHostPortSanity(t *testing.T) {
	_, _, err := net.SplitHostPort("host:1234")
	require.NoError(t, err)
}
