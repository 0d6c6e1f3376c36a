// Package dispatch routes decoded messages to module handlers keyed by
// (module, kind), with an "any" wildcard fallback and a pre-handler
// chain that can claim a message before ordinary routing runs.
package dispatch

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dgi-broker/broker/pkg/clog"
	"github.com/dgi-broker/broker/pkg/message"
	"github.com/dgi-broker/broker/pkg/scheduler"
)

var unhandled = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "dgibroker_dispatch_unhandled_total",
	Help: "Messages with no registered handler.",
}, []string{"module", "kind"})

func init() {
	prometheus.MustRegister(unhandled)
}

// AnyKind matches every kind registered for a module when no exact
// (module, kind) handler exists.
const AnyKind = "any"

// Handler processes one decoded message.
type Handler func(m *message.Message)

// PreHandler runs before a module's real handler and may claim the
// message (returning true) to stop it going any further.
type PreHandler func(m *message.Message) (handled bool)

type key struct {
	module string
	kind   string
}

// Dispatcher owns the (module, kind) -> Handler table and the
// per-module pre-handler chain. Once a scheduler is installed, Route
// never calls a handler inline: it submits the handler to the scheduler
// as a task owned by that module, so it only actually runs during that
// module's phase, one task at a time, on the scheduler's own goroutine.
// Without a scheduler, Route calls the handler inline.
type Dispatcher struct {
	mu          sync.RWMutex
	handlers    map[key]Handler
	preHandlers map[string][]PreHandler
	sched       *scheduler.Scheduler
}

// New returns an empty dispatcher. SetScheduler must be called before
// Route is used to hand work off to it.
func New() *Dispatcher {
	return &Dispatcher{
		handlers:    make(map[key]Handler),
		preHandlers: make(map[string][]PreHandler),
	}
}

// SetScheduler installs the scheduler Route submits handler tasks to.
func (d *Dispatcher) SetScheduler(s *scheduler.Scheduler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sched = s
}

// Register installs h for (module, kind). A message with no exact match
// falls back to (module, AnyKind) if one was registered. Once installed,
// a handler is never replaced by a later Register for the same key —
// first registration wins.
func (d *Dispatcher) Register(module, kind string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := key{module, kind}
	if _, exists := d.handlers[k]; exists {
		return
	}
	d.handlers[k] = h
}

// RegisterPreHandler appends a pre-handler to module's chain, run in
// registration order before its real handler.
func (d *Dispatcher) RegisterPreHandler(module string, h PreHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.preHandlers[module] = append(d.preHandlers[module], h)
}

// Route looks up the handler for m and submits it to the scheduler as a
// task owned by m's module, so it runs during that module's phase
// rather than on the caller's goroutine. If no scheduler is installed,
// the handler runs inline on the caller's goroutine instead. Absence of
// a handler is logged at info; an unroutable message is not itself an
// error.
func (d *Dispatcher) Route(m *message.Message) {
	module, kind := m.Module(), m.SubKind()

	d.mu.RLock()
	pre := d.preHandlers[module]
	h, ok := d.handlers[key{module, kind}]
	if !ok {
		h, ok = d.handlers[key{module, AnyKind}]
	}
	sched := d.sched
	d.mu.RUnlock()

	for _, p := range pre {
		if p(m) {
			return
		}
	}

	if !ok {
		unhandled.WithLabelValues(module, kind).Inc()
		clog.Log.Logi("dispatch", "msg", "unhandled message", "module", module, "kind", kind)
		return
	}

	task := func(expired bool) { h(m) }
	if sched == nil {
		task(false)
		return
	}
	sched.ScheduleTask(scheduler.ModuleId(module), task, true)
}
