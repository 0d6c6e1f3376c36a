package protocol

import (
	"github.com/dgi-broker/broker/pkg/message"
)

// SRSW is the reliable sequenced protocol restricted to a sliding window
// bounded by the current scheduler phase: at every phase change the
// window is flushed and sequencing restarts. It reuses SRC's send/ack/syn
// mechanics and only overrides ChangePhase.
type SRSW struct {
	*SRC
}

// NewSRSW constructs a phase-bounded reliable engine bound to one peer.
func NewSRSW(localID, peerID string, send Sender, deliver Deliverer, t Timings) *SRSW {
	src := NewSRC(localID, peerID, send, deliver, t)
	src.proto = message.ProtoSRSW
	return &SRSW{SRC: src}
}

// ChangePhase flushes the outbound window and resets sequencing: work
// left over from the previous phase is not worth resending into the next
// one.
func (e *SRSW) ChangePhase(newRound bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disarmResend()
	e.window = nil
	e.outSeq = 0
	e.inSeq = 0
}
