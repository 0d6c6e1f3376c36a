// Package clocksync estimates this node's clock offset from a
// deterministically chosen reference peer using pairwise NTP-style
// pings, and exposes it as GetSkew() for the scheduler's phase
// alignment. The periodic-probe idiom follows crux/pkg/flock/flock.go's
// tickHB loop.
package clocksync

import (
	"sort"
	"sync"
	"time"

	"github.com/dgi-broker/broker/pkg/clog"
	"github.com/dgi-broker/broker/pkg/message"
	"github.com/dgi-broker/broker/pkg/peerid"
)

const pingHandlerKey = "clocksync.ping"
const pongHandlerKey = "clocksync.pong"

// Sample is one pairwise offset observation.
type Sample struct {
	Peer   peerid.PeerId
	Offset time.Duration
	Taken  time.Time
}

// Sender submits a message for delivery the way pkg/connmgr does.
type Sender func(m *message.Message) error

// Synchronizer maintains a rolling estimate of this node's offset from
// a chosen reference peer.
type Synchronizer struct {
	self peerid.PeerId
	send Sender

	mu       sync.RWMutex
	peers    []peerid.PeerId
	skew     time.Duration
	samples  map[peerid.PeerId][]Sample
	inflight map[string]inflightPing
}

type inflightPing struct {
	peer peerid.PeerId
	t1   time.Time
}

// New builds a synchroniser for the local peer, sending pings via send.
func New(self peerid.PeerId, send Sender) *Synchronizer {
	return &Synchronizer{
		self:     self,
		send:     send,
		samples:  make(map[peerid.PeerId][]Sample),
		inflight: make(map[string]inflightPing),
	}
}

// SetPeers replaces the known peer set the synchroniser probes and
// chooses a reference from.
func (s *Synchronizer) SetPeers(peers []peerid.PeerId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers = append([]peerid.PeerId(nil), peers...)
}

// referencePeerLocked picks the lowest peer id among known peers other
// than self, the
// deterministic bully-style tiebreak this corpus uses elsewhere
// (leader/reference selection) whenever the source is silent on which
// peer to trust.
func (s *Synchronizer) referencePeerLocked() (peerid.PeerId, bool) {
	if len(s.peers) == 0 {
		return "", false
	}
	sorted := append([]peerid.PeerId(nil), s.peers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for _, p := range sorted {
		if p != s.self {
			return p, true
		}
	}
	return "", false
}

// Probe sends a ping to the current reference peer. pkg/broker calls it
// once per CS_EXCHANGE_TIME tick from its own goroutine.
func (s *Synchronizer) Probe() {
	s.mu.Lock()
	ref, ok := s.referencePeerLocked()
	if !ok {
		s.mu.Unlock()
		return
	}
	token := peerid.NewToken()
	s.inflight[token] = inflightPing{peer: ref, t1: time.Now()}
	s.mu.Unlock()

	payload := message.NewTree("")
	payload.Put("token", token)
	payload.Put("t1", formatTime(time.Now()))
	msg := &message.Message{
		Destination: string(ref),
		HandlerKey:  pingHandlerKey,
		Protocol:    message.ProtoSUC,
		Payload:     payload,
	}
	if err := s.send(msg); err != nil {
		clog.Log.Log(clog.LevelWarn, "clocksync", "err", err)
	}
}

// OnPing answers an inbound ping with a pong carrying our receive/send
// timestamps.
func (s *Synchronizer) OnPing(m *message.Message) {
	token, _ := m.Payload.Get("token")
	t1, _ := m.Payload.Get("t1")
	t2 := formatTime(time.Now())

	payload := message.NewTree("")
	payload.Put("token", token)
	payload.Put("t1", t1)
	payload.Put("t2", t2)
	payload.Put("t3", formatTime(time.Now()))
	reply := &message.Message{
		Destination: m.Source,
		HandlerKey:  pongHandlerKey,
		Protocol:    message.ProtoSUC,
		Payload:     payload,
	}
	if err := s.send(reply); err != nil {
		clog.Log.Log(clog.LevelWarn, "clocksync", "err", err)
	}
}

// OnPong completes a round trip, computing the classic NTP-style offset
// estimate: ((t2-t1) + (t3-t4)) / 2.
func (s *Synchronizer) OnPong(m *message.Message) {
	token, _ := m.Payload.Get("token")
	t4 := time.Now()

	s.mu.Lock()
	pending, ok := s.inflight[token]
	if ok {
		delete(s.inflight, token)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	t2s, _ := m.Payload.Get("t2")
	t3s, _ := m.Payload.Get("t3")
	t2, err2 := parseTime(t2s)
	t3, err3 := parseTime(t3s)
	if err2 != nil || err3 != nil {
		return
	}

	offset := (t2.Sub(pending.t1) + t3.Sub(t4)) / 2

	s.mu.Lock()
	s.samples[pending.peer] = append(s.samples[pending.peer], Sample{
		Peer: pending.peer, Offset: offset, Taken: t4,
	})
	if len(s.samples[pending.peer]) > 16 {
		s.samples[pending.peer] = s.samples[pending.peer][1:]
	}
	s.recomputeSkewLocked()
	s.mu.Unlock()
}

func (s *Synchronizer) recomputeSkewLocked() {
	ref, ok := s.referencePeerLocked()
	if !ok {
		return
	}
	samples := s.samples[ref]
	if len(samples) == 0 {
		return
	}
	var total time.Duration
	for _, sm := range samples {
		total += sm.Offset
	}
	s.skew = total / time.Duration(len(samples))
}

// GetSkew returns the current estimated offset from the reference peer,
// satisfying scheduler.SkewProvider.
func (s *Synchronizer) GetSkew() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.skew
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }
