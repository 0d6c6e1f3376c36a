package protocol

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dgi-broker/broker/pkg/message"
)

// pipe wires two SRC engines directly together in-process, bypassing
// pkg/xport, so the protocol state machine can be tested without a
// socket.
type pipe struct {
	mu      sync.Mutex
	deliver map[string][]*message.Message
}

func newPipe() *pipe { return &pipe{deliver: make(map[string][]*message.Message)} }

func testTimings() Timings {
	return Timings{ResendInterval: 20 * time.Millisecond, DefaultTimeout: time.Second}
}

func TestSRCReliableInOrderDelivery(t *testing.T) {
	var a, b *SRC
	p := newPipe()

	a = NewSRC("a:1", "b:2", func(m *message.Message) error { go b.OnPacket(m); return nil }, func(m *message.Message) {
		p.mu.Lock()
		p.deliver["a"] = append(p.deliver["a"], m)
		p.mu.Unlock()
	}, testTimings())

	b = NewSRC("b:2", "a:1", func(m *message.Message) error { go a.OnPacket(m); return nil }, func(m *message.Message) {
		p.mu.Lock()
		p.deliver["b"] = append(p.deliver["b"], m)
		p.mu.Unlock()
	}, testTimings())

	for i := 0; i < 3; i++ {
		err := a.Send(&message.Message{Destination: "b:2", HandlerKey: "sc.marker", Payload: message.NewTree("")})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.deliver["b"]) == 3
	}, time.Second, 5*time.Millisecond)

	p.mu.Lock()
	defer p.mu.Unlock()
	for i, m := range p.deliver["b"] {
		require.Equal(t, i, m.SeqNo)
	}
}

func TestSRCDuplicateReAcksWithoutRedelivery(t *testing.T) {
	var delivered int
	e := NewSRC("a:1", "b:2", func(m *message.Message) error { return nil }, func(m *message.Message) {
		delivered++
	}, testTimings())
	e.inSync = true

	msg := &message.Message{SeqNo: 0, HandlerKey: "sc.marker", Payload: message.NewTree("")}
	e.onData(msg)
	require.Equal(t, 1, delivered)
	require.Equal(t, 1, e.inSeq)

	// re-deliver the same seq: duplicate, should not redeliver
	e.onData(msg)
	require.Equal(t, 1, delivered)
}

func TestSRCGapIsDroppedSilently(t *testing.T) {
	var delivered int
	e := NewSRC("a:1", "b:2", func(m *message.Message) error { return nil }, func(m *message.Message) {
		delivered++
	}, testTimings())
	e.inSync = true

	msg := &message.Message{SeqNo: 5, HandlerKey: "sc.marker", Payload: message.NewTree("")}
	e.onData(msg)
	require.Equal(t, 0, delivered)
	require.Equal(t, 0, e.inSeq)
}

func TestSRCCumulativeAckPopsWindow(t *testing.T) {
	var sent []*message.Message
	e := NewSRC("a:1", "b:2", func(m *message.Message) error {
		sent = append(sent, m)
		return nil
	}, func(m *message.Message) {}, testTimings())
	e.outSync = true

	for i := 0; i < 3; i++ {
		require.NoError(t, e.Send(&message.Message{Destination: "b:2", HandlerKey: "sc.marker", Payload: message.NewTree("")}))
	}
	require.Len(t, e.window, 3)

	ack := &message.Message{HandlerKey: string(message.ProtoSRC) + ".ack", SeqNo: 1}
	e.onAck(ack)
	require.Len(t, e.window, 1)
	require.Equal(t, 2, e.window[0].SeqNo)
}

func TestSRCIdempotentAck(t *testing.T) {
	e := NewSRC("a:1", "b:2", func(m *message.Message) error { return nil }, func(m *message.Message) {}, testTimings())
	e.outSync = true
	require.NoError(t, e.Send(&message.Message{Destination: "b:2", HandlerKey: "sc.marker", Payload: message.NewTree("")}))

	ack := &message.Message{HandlerKey: string(message.ProtoSRC) + ".ack", SeqNo: 0}
	e.onAck(ack)
	require.Empty(t, e.window)

	// replay: no effect
	e.onAck(ack)
	require.Empty(t, e.window)
}

func TestSRCSynResetsInboundSequence(t *testing.T) {
	e := NewSRC("a:1", "b:2", func(m *message.Message) error { return nil }, func(m *message.Message) {}, testTimings())
	e.inSync = true
	e.inSeq = 42

	syn := &message.Message{HandlerKey: string(message.ProtoSRC) + ".syn", Epoch: 100}
	e.onSyn(syn)
	require.True(t, e.inSync)
	require.Equal(t, 0, e.inSeq)
	require.Equal(t, int64(100), e.inEpochTime)
}
