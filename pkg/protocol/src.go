package protocol

import (
	"strconv"

	"github.com/dgi-broker/broker/pkg/clog"
	"github.com/dgi-broker/broker/pkg/message"
)

// SRC is the reliable sequenced protocol: at-most-once delivery in order
// within one epoch, bounded retransmission, and a SYN/epoch handshake for
// resync. ACKs are cumulative: an ACK for sequence N pops every queued
// message up to and including N, not just an exact match.
type SRC struct {
	*state
}

// NewSRC constructs a reliable sequenced engine bound to one peer.
func NewSRC(localID, peerID string, send Sender, deliver Deliverer, t Timings) *SRC {
	return &SRC{state: newState(message.ProtoSRC, localID, peerID, send, deliver, t)}
}

// Send assigns the next sequence number, appends to the window, and
// writes the message once immediately when the outbound side is
// synchronised (otherwise it emits a SYN and the message waits in the
// window). The resend timer is armed when the window was empty.
func (e *SRC) Send(m *message.Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.outEpochTime == 0 {
		e.outEpochTime = nowMicro()
	}

	m.Protocol = e.proto
	m.SeqNo = e.outSeq
	m.Epoch = e.outEpochTime
	e.outSeq = (e.outSeq + 1) % message.SeqRing

	if e.sendKills {
		m.Payload = withKill(m.Payload, e.outKillHash)
		e.sendKills = false
	}

	wasEmpty := len(e.window) == 0
	e.window = append(e.window, m)

	if !e.outSync {
		return e.sendSYNLocked()
	}
	if err := e.send(m); err != nil {
		return err
	}
	if wasEmpty {
		e.armResend(e.onResendFire)
	}
	return nil
}

// RequestKill arms a one-shot kill marker on the next outbound DATA,
// carrying the last cumulatively-ACKed sequence number as its value.
func (e *SRC) RequestKill() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sendKills = true
}

func withKill(t *message.Tree, killHash int) *message.Tree {
	if t == nil {
		t = message.NewTree("")
	}
	t.Put("src.kill", strconv.Itoa(killHash))
	return t
}

// sendSYNLocked emits a SYN carrying the current outbound epoch,
// assigning one first if none is set yet. Retries reuse the same epoch
// as the handshake they belong to; a caller that wants a genuinely new
// resync zeroes outEpochTime first.
func (e *SRC) sendSYNLocked() error {
	if e.outEpochTime == 0 {
		e.outEpochTime = nowMicro()
	}
	syn := &message.Message{
		Source:      e.localID,
		Destination: e.peerID,
		HandlerKey:  string(e.proto) + "." + message.KindSuffixSyn,
		Protocol:    e.proto,
		Epoch:       e.outEpochTime,
	}
	if err := e.send(syn); err != nil {
		return err
	}
	e.armResend(e.onResendFire)
	return nil
}

// onResendFire rewrites every queued message (or re-emits SYN if the
// outbound side isn't synchronised yet), then re-arms.
func (e *SRC) onResendFire() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	if !e.outSync {
		_ = e.sendSYNLocked()
		return
	}
	if len(e.window) == 0 {
		e.disarmResend()
		return
	}
	for _, m := range e.window {
		resends.WithLabelValues(string(e.proto), e.peerID).Inc()
		if err := e.send(m); err != nil {
			clog.Log.Log(clog.LevelWarn, "protocol", "err", err, "peer", e.peerID)
		}
	}
	e.armResend(e.onResendFire)
}

// OnPacket routes an inbound decoded Message to the DATA/ACK/SYN handler.
func (e *SRC) OnPacket(m *message.Message) {
	switch {
	case m.IsSyn():
		e.onSyn(m)
	case m.IsSynAck():
		e.onSynAck()
	case m.IsAck():
		e.onAck(m)
	default:
		e.onData(m)
	}
}

func (e *SRC) onData(m *message.Message) {
	e.mu.Lock()

	if !e.inSync || m.Epoch != e.inEpochTime {
		e.mu.Unlock()
		return
	}

	if killV, ok := m.Payload.Get("src.kill"); ok {
		if kv, err := strconv.Atoi(killV); err == nil && kv != e.inKillHash {
			e.inKillHash = kv
			kills.WithLabelValues(string(e.proto), e.peerID).Inc()
			e.inSync = false
			e.outSync = false
			e.outEpochTime = 0
			if synErr := e.sendSYNLocked(); synErr != nil {
				clog.Log.Log(clog.LevelWarn, "protocol", "err", synErr, "peer", e.peerID)
			}
			e.mu.Unlock()
			return
		}
	}

	delta := message.SeqDelta(e.inSeq, m.SeqNo)
	switch {
	case m.SeqNo == e.inSeq:
		e.inSeq = (e.inSeq + 1) % message.SeqRing
		ack := e.buildAckLocked(m)
		e.mu.Unlock()
		e.deliver(m)
		if err := e.send(ack); err != nil {
			clog.Log.Log(clog.LevelWarn, "protocol", "err", err, "peer", e.peerID)
		}
		acksSent.WithLabelValues(string(e.proto), e.peerID).Inc()
		return
	case delta > message.SeqRing/2:
		// duplicate: re-ack, do not deliver
		ack := e.buildAckLocked(m)
		e.mu.Unlock()
		if err := e.send(ack); err != nil {
			clog.Log.Log(clog.LevelWarn, "protocol", "err", err, "peer", e.peerID)
		}
		return
	default:
		// gap: drop silently, sender will retransmit
		e.mu.Unlock()
		return
	}
}

func (e *SRC) buildAckLocked(m *message.Message) *message.Message {
	return &message.Message{
		Source:      e.localID,
		Destination: e.peerID,
		HandlerKey:  string(e.proto) + "." + message.KindSuffixAck,
		Protocol:    e.proto,
		SeqNo:       m.SeqNo,
	}
}

// onSynAck completes the outbound handshake without touching the data
// window: sequence-number 0 is a legitimate DATA sequence and must never
// be confused with handshake acknowledgment.
func (e *SRC) onSynAck() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outSync = true
}

func (e *SRC) onAck(m *message.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx := -1
	for i, w := range e.window {
		if w.SeqNo == m.SeqNo {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	e.outKillHash = m.SeqNo
	e.window = e.window[idx+1:]
	if len(e.window) == 0 {
		e.disarmResend()
	}
}

func (e *SRC) onSyn(m *message.Message) {
	e.mu.Lock()

	accept := !e.inSync || m.Epoch > e.inEpochTime
	if !accept && m.Epoch == e.inEpochTime {
		// tie-break: lexicographically larger peer id wins
		accept = e.peerID > e.localID
	}
	if !accept {
		e.mu.Unlock()
		return
	}

	e.inSeq = 0
	e.inEpochTime = m.Epoch
	e.inSync = true
	ack := &message.Message{
		Source:      e.localID,
		Destination: e.peerID,
		HandlerKey:  string(e.proto) + "." + message.KindSuffixSynAck,
		Protocol:    e.proto,
	}
	e.mu.Unlock()
	if err := e.send(ack); err != nil {
		clog.Log.Log(clog.LevelWarn, "protocol", "err", err, "peer", e.peerID)
	}
}

// ChangePhase is a no-op for SRC: its window survives phase transitions
// (that is SRSW's job).
func (e *SRC) ChangePhase(newRound bool) {}

// Stop cancels the resend timer and drops the outstanding window.
func (e *SRC) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	e.disarmResend()
	e.window = nil
}
