package protocol

import (
	"github.com/dgi-broker/broker/pkg/message"
)

// SUC is the unreliable, best-effort protocol: same framing as SRC, no
// ACK, no retransmission, no window. Sequence numbers are still assigned
// so duplicate/gap detection remains possible for modules that want it,
// but nothing is done about gaps.
type SUC struct {
	*state
}

// NewSUC constructs a best-effort engine bound to one peer.
func NewSUC(localID, peerID string, send Sender, deliver Deliverer, t Timings) *SUC {
	return &SUC{state: newState(message.ProtoSUC, localID, peerID, send, deliver, t)}
}

// Send assigns a sequence number and writes immediately; there is no
// window and no retry.
func (e *SUC) Send(m *message.Message) error {
	e.mu.Lock()
	m.Protocol = message.ProtoSUC
	m.SeqNo = e.outSeq
	e.outSeq = (e.outSeq + 1) % message.SeqRing
	e.mu.Unlock()
	return e.send(m)
}

// OnPacket delivers every inbound message except protocol ACK/SYN
// control traffic, which it drops; SUC makes no ordering or duplication
// guarantees.
func (e *SUC) OnPacket(m *message.Message) {
	if m.IsAck() || m.IsSyn() {
		return
	}
	e.deliver(m)
}

// RequestKill is a no-op: SUC has no resync handshake to trigger.
func (e *SUC) RequestKill() {}

// ChangePhase is a no-op: SUC carries no per-phase state.
func (e *SUC) ChangePhase(newRound bool) {}

// Stop marks the engine stopped; there is nothing else to release.
func (e *SUC) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
}
