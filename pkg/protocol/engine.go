// Package protocol implements the three wire protocols a connection can
// speak: SRC (reliable sequenced delivery with ACK/resend/SYN), SUC
// (unreliable best-effort, same framing, no window), and SRSW (SRC
// restricted to a sliding window that resets on every phase change).
//
// Each is a tagged variant of the same Engine interface rather than a
// class hierarchy: a fixed-size table keyed by selector, matching the
// "polymorphism via interface, not inheritance" idiom used throughout
// this codebase.
package protocol

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dgi-broker/broker/pkg/message"
)

var (
	resends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dgibroker_protocol_resends_total",
		Help: "Messages rewritten to the wire by the resend timer.",
	}, []string{"protocol", "peer"})
	acksSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dgibroker_protocol_acks_sent_total",
		Help: "ACKs emitted.",
	}, []string{"protocol", "peer"})
	kills = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dgibroker_protocol_kills_total",
		Help: "Kill markers observed, forcing a resync.",
	}, []string{"protocol", "peer"})
)

func init() {
	prometheus.MustRegister(resends, acksSent, kills)
}

// Sender writes an already-encoded outbound Message to the peer this
// engine is bound to. The connection table supplies this.
type Sender func(m *message.Message) error

// Deliverer hands a fully accepted inbound Message to the dispatcher.
type Deliverer func(m *message.Message)

// Timings bounds the refire/timeout intervals a protocol engine uses.
type Timings struct {
	ResendInterval time.Duration
	DefaultTimeout time.Duration
}

// Engine is the interface every protocol variant implements.
type Engine interface {
	// Send assigns sequencing metadata and queues/writes m.
	Send(m *message.Message) error
	// OnPacket handles one inbound decoded Message addressed to this engine.
	OnPacket(m *message.Message)
	// ChangePhase notifies the engine of a scheduler phase transition.
	ChangePhase(newRound bool)
	// RequestKill arms a one-shot kill marker on the next outbound DATA.
	RequestKill()
	// Stop cancels timers and releases resources.
	Stop()
}

// state is the shared mutable state every variant is built from.
type state struct {
	mu sync.Mutex

	proto    message.Protocol
	localID  string
	peerID   string
	send     Sender
	deliver  Deliverer
	timings  Timings

	outSeq       int
	inSeq        int
	outSync      bool
	inSync       bool
	outEpochTime int64
	inEpochTime  int64

	window      []*message.Message
	outKillHash int // last cumulatively-ACKed outbound sequence number; embedded in the next kill marker we send
	inKillHash  int // last kill token observed from the peer's outbound side
	sendKills   bool

	resendTimer *time.Timer
	stopped     bool
}

func newState(proto message.Protocol, localID, peerID string, send Sender, deliver Deliverer, t Timings) *state {
	return &state{
		proto:   proto,
		localID: localID,
		peerID:  peerID,
		send:    send,
		deliver: deliver,
		timings: t,
	}
}

func (s *state) armResend(fire func()) {
	if s.resendTimer != nil {
		s.resendTimer.Stop()
	}
	s.resendTimer = time.AfterFunc(s.timings.ResendInterval, fire)
}

func (s *state) disarmResend() {
	if s.resendTimer != nil {
		s.resendTimer.Stop()
		s.resendTimer = nil
	}
}

func nowMicro() int64 { return time.Now().UnixMicro() }
