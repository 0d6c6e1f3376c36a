// Package xport owns the single UDP socket a broker node listens and
// sends on. It performs no retransmission of its own; reliability lives
// one layer up, in pkg/protocol. It optionally drops outbound packets to
// simulate a lossy link for fault-injection tests.
package xport

import (
	"math/rand"
	"net"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dgi-broker/broker/pkg/clog"
	"github.com/dgi-broker/broker/pkg/dgierr"
)

var (
	packetsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dgibroker_xport_packets_sent_total",
		Help: "UDP packets written to the socket.",
	}, []string{"peer"})
	packetsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dgibroker_xport_packets_dropped_total",
		Help: "Outbound packets dropped by lossy-mode fault injection.",
	}, []string{"peer"})
	packetsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dgibroker_xport_packets_received_total",
		Help: "UDP packets read from the socket.",
	}, []string{"peer"})
)

func init() {
	prometheus.MustRegister(packetsSent, packetsDropped, packetsReceived)
}

// PacketHandler is invoked once per inbound datagram, on the endpoint's
// own read goroutine.
type PacketHandler func(from net.Addr, b []byte)

// Endpoint owns one UDP socket.
type Endpoint struct {
	conn *net.UDPConn

	mu          sync.RWMutex
	reliability map[string]int // peer addr -> percent chance of delivery, 100 = always
	defaultRel  int
	onPacket    PacketHandler
	stopped     bool
}

// New binds a UDP socket at addr ("host:port") and starts the read loop.
// onPacket is invoked from a dedicated goroutine for every datagram read.
func New(addr string, onPacket PacketHandler) (*Endpoint, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, dgierr.Wrap(dgierr.KindConfigError, err, "resolve listen address "+addr)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, dgierr.Wrap(dgierr.KindTransportFault, err, "bind udp socket "+addr)
	}
	e := &Endpoint{
		conn:        conn,
		reliability: make(map[string]int),
		defaultRel:  100,
		onPacket:    onPacket,
	}
	go e.listen()
	return e, nil
}

// LocalAddr returns the bound local address.
func (e *Endpoint) LocalAddr() net.Addr { return e.conn.LocalAddr() }

func (e *Endpoint) listen() {
	buf := make([]byte, maxReadBufSize)
	for {
		n, from, err := e.conn.ReadFrom(buf)
		if err != nil {
			e.mu.RLock()
			stopped := e.stopped
			e.mu.RUnlock()
			if stopped {
				return
			}
			clog.Log.Log(clog.LevelWarn, "xport", "err", err)
			continue
		}
		packetsReceived.WithLabelValues(from.String()).Inc()
		cp := make([]byte, n)
		copy(cp, buf[:n])
		e.onPacket(from, cp)
	}
}

// maxReadBufSize is a byte larger than MaxDatagramSize to detect
// oversize datagrams rather than silently truncate them.
const maxReadBufSize = 60001

// SetReliability sets the percentage chance (0-100) that an outbound
// packet to peerAddr is actually written to the wire. Used only by
// fault-injection tests.
func (e *Endpoint) SetReliability(peerAddr string, percent int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reliability[peerAddr] = percent
}

// Send writes b to addr, subject to lossy-mode fault injection. It never
// blocks on retransmission; a caller wanting reliability uses pkg/protocol.
func (e *Endpoint) Send(addr net.Addr, b []byte) error {
	e.mu.RLock()
	rel, ok := e.reliability[addr.String()]
	if !ok {
		rel = e.defaultRel
	}
	e.mu.RUnlock()

	if rel < 100 && rand.Intn(100) >= rel {
		packetsDropped.WithLabelValues(addr.String()).Inc()
		return nil
	}
	if _, err := e.conn.WriteTo(b, addr); err != nil {
		return dgierr.Wrap(dgierr.KindTransportFault, err, "write to "+addr.String())
	}
	packetsSent.WithLabelValues(addr.String()).Inc()
	return nil
}

// Close stops the read loop and releases the socket.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	return e.conn.Close()
}
