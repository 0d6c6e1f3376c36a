package clocksync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dgi-broker/broker/pkg/message"
	"github.com/dgi-broker/broker/pkg/peerid"
)

func TestReferencePeerIsLowestIdExcludingSelf(t *testing.T) {
	self := peerid.PeerId("b:2")
	s := New(self, func(m *message.Message) error { return nil })
	s.SetPeers([]peerid.PeerId{"c:3", "a:1", "b:2"})

	ref, ok := s.referencePeerLocked()
	require.True(t, ok)
	require.Equal(t, peerid.PeerId("a:1"), ref)
}

func TestPingPongComputesSkew(t *testing.T) {
	var pongOut *message.Message
	a := New("a:1", func(m *message.Message) error {
		if m.HandlerKey == pingHandlerKey {
			pongOut = nil
		}
		return nil
	})
	b := New("b:2", func(m *message.Message) error {
		pongOut = m
		return nil
	})

	a.SetPeers([]peerid.PeerId{"a:1", "b:2"})

	payload := message.NewTree("")
	payload.Put("token", "tok-1")
	payload.Put("t1", time.Now().UTC().Format(time.RFC3339Nano))
	ping := &message.Message{Source: "a:1", HandlerKey: pingHandlerKey, Payload: payload}

	// record an inflight ping on a as Probe() would
	a.inflight["tok-1"] = inflightPing{peer: "b:2", t1: time.Now()}

	b.OnPing(ping)
	require.NotNil(t, pongOut)
	require.Equal(t, pongHandlerKey, pongOut.HandlerKey)

	pongOut.Source = "b:2"
	a.OnPong(pongOut)

	require.Empty(t, a.inflight)
	require.Len(t, a.samples["b:2"], 1)
	require.Equal(t, a.samples["b:2"][0].Offset, a.GetSkew())
}
