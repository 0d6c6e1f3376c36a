// Package connmgr owns the mapping from PeerId to outbound protocol
// engines, plus a hostname resolution table for peers announced before
// their canonical address is confirmed.
package connmgr

import (
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dgi-broker/broker/pkg/clog"
	"github.com/dgi-broker/broker/pkg/dgierr"
	"github.com/dgi-broker/broker/pkg/message"
	"github.com/dgi-broker/broker/pkg/peerid"
	"github.com/dgi-broker/broker/pkg/protocol"
	"github.com/dgi-broker/broker/pkg/xport"
)

var connectionCount = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "dgibroker_connmgr_connections",
	Help: "Number of peers with an established connection record.",
})

func init() {
	prometheus.MustRegister(connectionCount)
}

// RemoteHost is a resolved hostname/port pair for a peer.
type RemoteHost struct {
	Host string
	Port string
}

// Connection is the per-peer bundle of protocol engines this manager
// hands out — one per selector, lazily created.
type Connection struct {
	peer  peerid.PeerId
	addr  net.Addr
	mu    sync.Mutex
	engines map[message.Protocol]protocol.Engine
}

// Engine returns (creating if absent) the engine for the given selector.
func (c *Connection) Engine(proto message.Protocol, factory func() protocol.Engine) protocol.Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.engines[proto]; ok {
		return e
	}
	e := factory()
	c.engines[proto] = e
	return e
}

func (c *Connection) changePhase(newRound bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.engines {
		e.ChangePhase(newRound)
	}
}

func (c *Connection) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.engines {
		e.Stop()
	}
}

// Manager is the connection table. It owns no socket itself; it is handed
// the xport endpoint it writes encoded bytes through, and a Deliverer for
// handing accepted messages onward to the dispatcher.
type Manager struct {
	self peerid.PeerId

	mu          sync.RWMutex
	connections map[peerid.PeerId]*Connection
	hostnames   map[peerid.PeerId]RemoteHost

	endpoint *xport.Endpoint
	deliver  protocol.Deliverer
	timings  protocol.Timings
}

// New builds a connection manager for the local peer identified by self,
// writing through endpoint and delivering accepted messages to deliver.
func New(self peerid.PeerId, endpoint *xport.Endpoint, deliver protocol.Deliverer, t protocol.Timings) *Manager {
	return &Manager{
		self:        self,
		connections: make(map[peerid.PeerId]*Connection),
		hostnames:   make(map[peerid.PeerId]RemoteHost),
		endpoint:    endpoint,
		deliver:     deliver,
		timings:     t,
	}
}

// Self returns the local peer id.
func (m *Manager) Self() peerid.PeerId { return m.self }

// PutHostname records a hostname/port resolution for id, used the next
// time a connection to that peer must be constructed.
func (m *Manager) PutHostname(id peerid.PeerId, host RemoteHost) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hostnames[id] = host
}

// GetHostname retrieves a previously recorded hostname resolution.
func (m *Manager) GetHostname(id peerid.PeerId) (RemoteHost, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hostnames[id]
	return h, ok
}

func (m *Manager) getOrCreate(id peerid.PeerId) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.connections[id]; ok {
		return c, nil
	}
	host, ok := m.hostnames[id]
	if !ok {
		return nil, dgierr.Newf(dgierr.KindConfigError, "connmgr: no hostname registered for peer %s", id)
	}
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host.Host, host.Port))
	if err != nil {
		return nil, dgierr.Wrap(dgierr.KindConfigError, err, "resolve peer "+string(id))
	}
	c := &Connection{peer: id, addr: addr, engines: make(map[message.Protocol]protocol.Engine)}
	m.connections[id] = c
	connectionCount.Set(float64(len(m.connections)))
	clog.Log.Log(clog.LevelInfo, "connmgr", "msg", "new connection", "peer", string(id))
	return c, nil
}

// EngineFor returns the protocol engine to use for sending to id under
// the given selector, creating the connection and engine lazily.
func (m *Manager) EngineFor(id peerid.PeerId, proto message.Protocol) (protocol.Engine, error) {
	c, err := m.getOrCreate(id)
	if err != nil {
		return nil, err
	}
	return c.Engine(proto, func() protocol.Engine {
		sendFn := func(msg *message.Message) error {
			raw, err := message.Encode(msg)
			if err != nil {
				return dgierr.Wrap(dgierr.KindProtocolViolation, err, "encode outbound message")
			}
			return m.endpoint.Send(c.addr, raw)
		}
		switch proto {
		case message.ProtoSUC:
			return protocol.NewSUC(string(m.self), string(id), sendFn, m.deliver, m.timings)
		case message.ProtoSRSW:
			return protocol.NewSRSW(string(m.self), string(id), sendFn, m.deliver, m.timings)
		default:
			return protocol.NewSRC(string(m.self), string(id), sendFn, m.deliver, m.timings)
		}
	}), nil
}

// Send routes m to its destination: locally if the destination is this
// node (the self-send optimisation, no wire traffic), otherwise through
// the appropriate protocol engine.
func (m *Manager) Send(msg *message.Message) error {
	msg.Source = string(m.self)
	dest := peerid.PeerId(msg.Destination)
	if dest == m.self || dest == "" {
		msg.SendTime = time.Now()
		m.deliver(msg)
		return nil
	}
	e, err := m.EngineFor(dest, msg.Protocol)
	if err != nil {
		return err
	}
	msg.SendTime = time.Now()
	return e.Send(msg)
}

// OnInbound decodes and routes one datagram received from addr.
func (m *Manager) OnInbound(from net.Addr, raw []byte) {
	msg, err := message.Decode(raw)
	if err != nil {
		clog.Log.Log(clog.LevelWarn, "connmgr", "msg", "undecodable datagram", "from", from.String(), "err", err)
		return
	}
	id := peerid.PeerId(msg.Source)
	m.mu.Lock()
	if _, ok := m.hostnames[id]; !ok {
		host, port, splitErr := net.SplitHostPort(from.String())
		if splitErr == nil {
			m.hostnames[id] = RemoteHost{Host: host, Port: port}
		}
	}
	m.mu.Unlock()

	e, err := m.EngineFor(id, msg.Protocol)
	if err != nil {
		clog.Log.Log(clog.LevelWarn, "connmgr", "err", err)
		return
	}
	e.OnPacket(msg)
}

// ChangePhase broadcasts a scheduler phase transition to every protocol
// engine of every known connection.
func (m *Manager) ChangePhase(newRound bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.connections {
		c.changePhase(newRound)
	}
}

// StopAll stops every connection's protocol engines and clears the table.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.connections {
		c.stop()
	}
	m.connections = make(map[peerid.PeerId]*Connection)
	connectionCount.Set(0)
	clog.Log.Log(clog.LevelDebug, "connmgr", "msg", "all connections closed")
}
