package broker

import (
	"net"
	"time"

	"github.com/dgi-broker/broker/pkg/clog"
	"github.com/dgi-broker/broker/pkg/message"
	"github.com/dgi-broker/broker/pkg/peerid"
	"github.com/dgi-broker/broker/pkg/scheduler"
)

// HeartbeatModule is a minimal demonstration collaborator showing the
// shape an application module (group management, state collection, load
// balancing) presents to the substrate: it runs one phase per round,
// broadcasts a heartbeat to every configured peer at the start of its
// phase, and logs whatever heartbeats it receives.
type HeartbeatModule struct {
	id    scheduler.ModuleId
	phase time.Duration

	node *Node
}

// NewHeartbeatModule builds a demonstration module with the given phase
// duration.
func NewHeartbeatModule(id string, phase time.Duration) *HeartbeatModule {
	return &HeartbeatModule{id: scheduler.ModuleId(id), phase: phase}
}

// ID implements Module.
func (h *HeartbeatModule) ID() scheduler.ModuleId { return h.id }

// PhaseDuration implements Module.
func (h *HeartbeatModule) PhaseDuration() time.Duration { return h.phase }

// Register implements Module: install a handler for inbound heartbeats
// and a next-phase timer that re-arms itself every time this module's
// phase ends.
func (h *HeartbeatModule) Register(n *Node) {
	h.node = n
	n.Dispatch.Register(string(h.id), "beat", h.onBeat)

	handle := n.Scheduler.AllocateTimer(h.id)
	var arm func(expired bool)
	arm = func(expired bool) {
		h.broadcast()
		n.Scheduler.Schedule(handle, -1, arm)
	}
	n.Scheduler.Schedule(handle, -1, arm)
}

func (h *HeartbeatModule) broadcast() {
	for _, p := range h.node.Config.Peers {
		host, port, err := net.SplitHostPort(p)
		if err != nil {
			continue
		}
		payload := message.NewTree("")
		payload.Put("from", string(h.node.Self))
		msg := &message.Message{
			Destination: string(peerid.New(host, atoiOrZero(port))),
			HandlerKey:  string(h.id) + ".beat",
			Protocol:    message.ProtoSUC,
			Payload:     payload,
		}
		if err := h.node.Send(msg); err != nil {
			clog.Log.Log(clog.LevelWarn, "heartbeat", "err", err)
		}
	}
}

func (h *HeartbeatModule) onBeat(m *message.Message) {
	clog.Log.Logi("heartbeat", "msg", "received beat", "from", m.Source)
}
