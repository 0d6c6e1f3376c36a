// Package broker wires the substrate packages (scheduler, connmgr,
// dispatch, xport, clocksync) into one running node and exposes the
// Module interface application-level collaborators register against.
// Grounded on crux/pkg/flock/flock.go's NewFlockNode/Close lifecycle,
// extended to start several long-lived goroutines and wait for clean
// shutdown via golang.org/x/sync/errgroup.
package broker

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dgi-broker/broker/pkg/clocksync"
	"github.com/dgi-broker/broker/pkg/clog"
	"github.com/dgi-broker/broker/pkg/config"
	"github.com/dgi-broker/broker/pkg/connmgr"
	"github.com/dgi-broker/broker/pkg/dgierr"
	"github.com/dgi-broker/broker/pkg/dispatch"
	"github.com/dgi-broker/broker/pkg/message"
	"github.com/dgi-broker/broker/pkg/metrics"
	"github.com/dgi-broker/broker/pkg/peerid"
	"github.com/dgi-broker/broker/pkg/protocol"
	"github.com/dgi-broker/broker/pkg/scheduler"
	"github.com/dgi-broker/broker/pkg/xport"
)

// Module is the interface an application-level collaborator (group
// management, state collection, load balancing, or a demonstration
// module) presents to the substrate: a phase duration to run under and
// a chance to register handlers and timers before the scheduler starts.
type Module interface {
	// ID names this module for scheduler registration and dispatch routing.
	ID() scheduler.ModuleId
	// PhaseDuration is how long this module's phase lasts in one round.
	PhaseDuration() time.Duration
	// Register installs handlers and allocates timers. Called once, before Start.
	Register(n *Node)
}

// Node is one running broker instance.
type Node struct {
	Self      peerid.PeerId
	Config    config.Options
	Timings   config.Timings
	Dispatch  *dispatch.Dispatcher
	Scheduler *scheduler.Scheduler
	ConnMgr   *connmgr.Manager
	ClockSync *clocksync.Synchronizer
	Endpoint  *xport.Endpoint
	Metrics   *metrics.Server

	modules []Module

	mu      sync.Mutex
	started bool
}

// New builds a node from opts/timings and binds its UDP socket, but does
// not start the scheduler; call AddModule for each collaborator and then
// Start.
func New(opts config.Options, timings config.Timings, metricsAddr string) (*Node, error) {
	self := peerid.New(hostOnly(opts.ListenAddress), opts.ListenPort)

	n := &Node{
		Self:      self,
		Config:    opts,
		Timings:   timings,
		Dispatch:  dispatch.New(),
		Scheduler: scheduler.New(),
	}
	n.Dispatch.SetScheduler(n.Scheduler)

	// The endpoint's inbound callback and the connection manager are
	// mutually referential (the endpoint reads packets that the manager
	// must decode, and the manager writes through the endpoint); we build
	// the endpoint first with a callback that reaches the manager through
	// cm, and assign cm right after. Packets read before then are dropped.
	var cm *connmgr.Manager
	endpoint, err := xport.New(net.JoinHostPort(opts.ListenAddress, portString(opts.ListenPort)), func(from net.Addr, b []byte) {
		if cm != nil {
			cm.OnInbound(from, b)
		}
	})
	if err != nil {
		return nil, err
	}
	n.Endpoint = endpoint

	protoTimings := protocol.Timings{
		ResendInterval: timings.Get("CSRC_RESEND_TIME", 10*time.Millisecond),
		DefaultTimeout: timings.Get("CSRC_DEFAULT_TIMEOUT", 5*time.Second),
	}
	cm = connmgr.New(self, endpoint, n.Dispatch.Route, protoTimings)
	n.ConnMgr = cm

	for _, p := range opts.Peers {
		host, port, splitErr := net.SplitHostPort(p)
		if splitErr != nil {
			return nil, dgierr.Wrap(dgierr.KindConfigError, splitErr, "parse peer "+p)
		}
		cm.PutHostname(peerid.New(host, atoiOrZero(port)), connmgr.RemoteHost{Host: host, Port: port})
	}

	n.ClockSync = clocksync.New(self, cm.Send)
	peers := make([]peerid.PeerId, 0, len(opts.Peers))
	for _, p := range opts.Peers {
		host, port, _ := net.SplitHostPort(p)
		peers = append(peers, peerid.New(host, atoiOrZero(port)))
	}
	n.ClockSync.SetPeers(peers)
	n.Scheduler.SetClockSynchronizer(n.ClockSync)
	n.Scheduler.SetPhaseChangeHook(cm.ChangePhase)

	// Clock sync runs as a module-like background task, one phase per
	// exchange interval, so its ping/pong handlers are subject to the
	// same phase-isolation contract as every application module.
	n.Scheduler.RegisterModule("clocksync", timings.Get("CS_EXCHANGE_TIME", time.Second))
	n.Dispatch.Register("clocksync", "ping", n.ClockSync.OnPing)
	n.Dispatch.Register("clocksync", "pong", n.ClockSync.OnPong)

	if metricsAddr != "" {
		srv, mErr := metrics.Listen(metricsAddr)
		if mErr != nil {
			return nil, dgierr.Wrap(dgierr.KindConfigError, mErr, "start metrics listener")
		}
		n.Metrics = srv
	}

	return n, nil
}

// AddModule registers an application-level collaborator with the
// scheduler and lets it install its handlers. Must be called before
// Start.
func (n *Node) AddModule(m Module) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.modules = append(n.modules, m)
	n.Scheduler.RegisterModule(m.ID(), m.PhaseDuration())
	m.Register(n)
}

// Send is a convenience wrapper modules use to submit a message through
// the connection table.
func (n *Node) Send(m *message.Message) error {
	return n.ConnMgr.Send(m)
}

// Start begins the phase rotation and the clock-sync probe loop. It
// returns immediately; use Wait or Stop to manage the node's lifetime.
func (n *Node) Start(ctx context.Context) *errgroup.Group {
	n.mu.Lock()
	n.started = true
	n.mu.Unlock()

	n.Scheduler.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(n.Timings.Get("CS_EXCHANGE_TIME", time.Second))
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-n.Scheduler.Done():
				return nil
			case <-ticker.C:
				n.ClockSync.Probe()
			}
		}
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			n.Stop()
			return nil
		case <-n.Scheduler.Done():
			return nil
		}
	})
	return g
}

// Stop shuts the node down: scheduler, connections, socket, metrics.
func (n *Node) Stop() {
	n.Scheduler.Stop()
	n.ConnMgr.StopAll()
	if err := n.Endpoint.Close(); err != nil {
		clog.Log.Log(clog.LevelWarn, "broker", "err", err)
	}
	if err := n.Metrics.Close(); err != nil {
		clog.Log.Log(clog.LevelWarn, "broker", "err", err)
	}
}

func hostOnly(addr string) string {
	if addr == "0.0.0.0" || addr == "" {
		return "127.0.0.1"
	}
	return addr
}

func portString(p int) string {
	return strconv.Itoa(p)
}

func atoiOrZero(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}
