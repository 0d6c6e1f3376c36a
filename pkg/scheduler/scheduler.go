// Package scheduler implements the cooperative, single-threaded,
// wall-clock-aligned round-robin phase scheduler every module runs on
// top of: a fixed rotation of module phases, per-module ready queues and
// timers, and periodic realignment to a wall-clock canonical phase. The
// single event loop driven by many time.Timers follows the shape of
// crux/pkg/flock/flock.go's serve().
package scheduler

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dgi-broker/broker/pkg/clog"
)

var phaseTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "dgibroker_scheduler_phase_transitions_total",
	Help: "Phase transitions taken by the scheduler.",
}, []string{"module"})

func init() {
	prometheus.MustRegister(phaseTransitions)
}

// AlignmentInterval is how often the scheduler compares its local phase
// to the wall-clock canonical phase and corrects for drift.
const AlignmentInterval = 5 * time.Second

// ModuleId names a registered module.
type ModuleId string

// TimerHandle identifies an allocated timer.
type TimerHandle int

// Task is a unit of work bound to one module.
type Task func(expired bool)

// SkewProvider supplies the local clock's estimated offset from the
// cluster, used to bound phase alignment. pkg/clocksync implements this.
type SkewProvider interface {
	GetSkew() time.Duration
}

type moduleEntry struct {
	id       ModuleId
	duration time.Duration
}

type timerEntry struct {
	owner     ModuleId
	nextPhase bool
	timer     *time.Timer
	task      Task
	canceled  bool
}

// PhaseChangeHook is invoked synchronously whenever the scheduler moves
// to a new phase, before the new phase's worker is woken. pkg/broker
// wires this to connmgr.Manager.ChangePhase.
type PhaseChangeHook func(newRound bool)

// Scheduler is the phase rotation engine.
type Scheduler struct {
	mu sync.Mutex

	modules []moduleEntry
	index   map[ModuleId]int

	phase         int
	phaseDeadline time.Time
	phaseTimer    *time.Timer

	ready map[ModuleId][]Task
	busy  bool

	timers         map[TimerHandle]*timerEntry
	handlerCounter TimerHandle

	lastAlignment time.Time
	synchronizer  SkewProvider

	onPhaseChange PhaseChangeHook

	stopping bool
	stopped  chan struct{}
}

// New returns an idle scheduler; call RegisterModule for each module and
// then Start to begin the phase rotation.
func New() *Scheduler {
	return &Scheduler{
		index:   make(map[ModuleId]int),
		ready:   make(map[ModuleId][]Task),
		timers:  make(map[TimerHandle]*timerEntry),
		stopped: make(chan struct{}),
	}
}

// SetClockSynchronizer installs the skew provider used during alignment.
func (s *Scheduler) SetClockSynchronizer(sp SkewProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synchronizer = sp
}

// GetClockSynchronizer returns the installed skew provider, or nil.
func (s *Scheduler) GetClockSynchronizer() SkewProvider {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synchronizer
}

// SetPhaseChangeHook installs the callback fired on every phase
// transition, used to fan the new phase out to open connections.
func (s *Scheduler) SetPhaseChangeHook(h PhaseChangeHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPhaseChange = h
}

// RegisterModule adds module to the rotation with the given phase
// duration. Must be called before Start.
func (s *Scheduler) RegisterModule(id ModuleId, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index[id] = len(s.modules)
	s.modules = append(s.modules, moduleEntry{id: id, duration: duration})
	if _, ok := s.ready[id]; !ok {
		s.ready[id] = nil
	}
}

func (s *Scheduler) totalRound() time.Duration {
	var total time.Duration
	for _, m := range s.modules {
		total += m.duration
	}
	return total
}

// currentModuleLocked returns the module id whose phase is active.
func (s *Scheduler) currentModuleLocked() ModuleId {
	if len(s.modules) == 0 {
		return ""
	}
	return s.modules[s.phase].id
}

// AllocateTimer returns a fresh handle bound to module.
func (s *Scheduler) AllocateTimer(module ModuleId) TimerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlerCounter++
	h := s.handlerCounter
	s.timers[h] = &timerEntry{owner: module}
	return h
}

// Schedule arms handle to fire task after wait. If wait is negative, the
// timer is a "next phase" timer: task fires (synthetically, expired=true)
// the instant the owning module's phase ends, instead of on a wall-clock
// deadline.
func (s *Scheduler) Schedule(handle TimerHandle, wait time.Duration, task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	te, ok := s.timers[handle]
	if !ok {
		return
	}
	if te.timer != nil {
		te.timer.Stop()
	}
	te.canceled = false
	te.task = task

	if wait < 0 {
		te.nextPhase = true
		te.timer = nil
		return
	}
	te.nextPhase = false
	te.timer = time.AfterFunc(wait, func() { s.fireTimer(handle, false) })
}

func (s *Scheduler) fireTimer(handle TimerHandle, expired bool) {
	s.mu.Lock()
	te, ok := s.timers[handle]
	if !ok || te.canceled || te.task == nil {
		s.mu.Unlock()
		return
	}
	task := te.task
	owner := te.owner
	te.task = nil
	s.mu.Unlock()

	s.enqueue(owner, func(e bool) { task(e || expired) })
}

// CancelTimer stops handle. A pending timer is dropped silently; a
// timer that already fired but whose task has not yet run still
// delivers once.
func (s *Scheduler) CancelTimer(handle TimerHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	te, ok := s.timers[handle]
	if !ok {
		return
	}
	if te.timer != nil {
		te.timer.Stop()
	}
	te.canceled = true
	te.nextPhase = false
	te.task = nil
}

// ScheduleTask appends task directly to module's ready queue, optionally
// waking the worker immediately instead of waiting for it to next drain.
func (s *Scheduler) ScheduleTask(module ModuleId, task Task, startWorker bool) {
	if !startWorker {
		s.mu.Lock()
		s.ready[module] = append(s.ready[module], task)
		s.mu.Unlock()
		return
	}
	s.enqueue(module, task)
}

func (s *Scheduler) enqueue(module ModuleId, task Task) {
	s.mu.Lock()
	s.ready[module] = append(s.ready[module], task)
	wake := !s.busy
	if wake {
		s.busy = true
	}
	s.mu.Unlock()
	if wake {
		go s.worker()
	}
}

// worker drains ready queues belonging to the currently active module
// until empty, then goes idle. Exactly one worker goroutine is ever
// live at a time (guarded by busy), preserving the single-threaded
// cooperative contract.
func (s *Scheduler) worker() {
	for {
		s.mu.Lock()
		cur := s.currentModuleLocked()
		q := s.ready[cur]
		if len(q) == 0 {
			s.busy = false
			s.mu.Unlock()
			return
		}
		task := q[0]
		s.ready[cur] = q[1:]
		s.mu.Unlock()

		func() {
			defer func() {
				if r := recover(); r != nil {
					clog.Log.Log(clog.LevelError, "scheduler", "msg", "handler panic", "module", string(cur), "recover", r)
				}
			}()
			task(false)
		}()
	}
}

// TimeRemaining returns the time left in the currently active phase if
// module is the active one, else zero.
func (s *Scheduler) TimeRemaining(module ModuleId) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentModuleLocked() != module {
		return 0
	}
	return time.Until(s.phaseDeadline)
}

// canonicalPhaseLocked computes which phase index the wall clock (offset
// by the installed skew) says is active right now.
func (s *Scheduler) canonicalPhaseLocked(now time.Time) (int, time.Duration) {
	total := s.totalRound()
	if total <= 0 {
		return 0, 0
	}
	var skew time.Duration
	if s.synchronizer != nil {
		skew = s.synchronizer.GetSkew()
	}
	elapsed := now.Add(skew).UnixNano() % int64(total)
	if elapsed < 0 {
		elapsed += int64(total)
	}
	var acc int64
	for i, m := range s.modules {
		acc += int64(m.duration)
		if elapsed < acc {
			return i, time.Duration(acc - elapsed)
		}
	}
	return len(s.modules) - 1, 0
}

// Start begins the phase rotation. It must be called after all modules
// are registered.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if len(s.modules) == 0 {
		s.mu.Unlock()
		return
	}
	s.phase = 0
	s.phaseDeadline = time.Now().Add(s.modules[0].duration)
	s.lastAlignment = time.Now()
	dur := s.modules[0].duration
	s.mu.Unlock()

	s.mu.Lock()
	s.phaseTimer = time.AfterFunc(dur, s.changePhase)
	s.mu.Unlock()
}

func (s *Scheduler) changePhase() {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	outgoing := s.currentModuleLocked()
	newRound := s.phase == len(s.modules)-1

	s.phase = (s.phase + 1) % len(s.modules)

	if time.Since(s.lastAlignment) >= AlignmentInterval {
		canonical, remaining := s.canonicalPhaseLocked(time.Now())
		if canonical != s.phase {
			s.phase = canonical
			s.phaseDeadline = time.Now().Add(remaining)
		} else {
			s.phaseDeadline = time.Now().Add(s.modules[s.phase].duration)
		}
		s.lastAlignment = time.Now()
	} else {
		s.phaseDeadline = time.Now().Add(s.modules[s.phase].duration)
	}

	// synthesize next-phase timers owned by the outgoing module
	var fired []Task
	for _, te := range s.timers {
		if te.owner == outgoing && te.nextPhase && !te.canceled && te.task != nil {
			fired = append(fired, te.task)
			te.task = nil
			te.nextPhase = false
		}
	}
	for _, t := range fired {
		s.ready[outgoing] = append(s.ready[outgoing], func(e bool) { t(true) })
	}

	hook := s.onPhaseChange
	nextDur := time.Until(s.phaseDeadline)
	wake := !s.busy && (len(s.ready[outgoing]) > 0 || len(s.ready[s.currentModuleLocked()]) > 0)
	if wake {
		s.busy = true
	}
	s.phaseTimer = time.AfterFunc(nextDur, s.changePhase)
	s.mu.Unlock()

	phaseTransitions.WithLabelValues(string(outgoing)).Inc()
	if hook != nil {
		hook(newRound)
	}
	if wake {
		go s.worker()
	}
}

// Stop cancels every timer and halts the rotation; the phase-change hook
// is not called again afterwards. Safe to call from any goroutine.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	if s.phaseTimer != nil {
		s.phaseTimer.Stop()
	}
	for _, te := range s.timers {
		if te.timer != nil {
			te.timer.Stop()
		}
		te.canceled = true
	}
	close(s.stopped)
	s.mu.Unlock()
}

// Done returns a channel closed once Stop has been called.
func (s *Scheduler) Done() <-chan struct{} {
	return s.stopped
}
