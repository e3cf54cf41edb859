// Package sched implements the single-runqueue, priority-free round-robin
// scheduler and Thread (§4.F). Go has no way to suspend an arbitrary running
// goroutine mid-instruction the way a real kernel suspends a thread via an
// interrupt frame, so each Thread runs its body on a dedicated goroutine and
// cooperates with the scheduler through a baton channel — the same
// "hand a unit of work to a single serialized worker" shape
// internal/hv/kvm.go uses for virtualCPU.runQueue (chan func()), generalized
// from "one VCPU, one channel of closures" to "N threads, one baton handed
// to exactly one Running thread at a time".
package sched

import (
	"fmt"
	"sync"
)

// State mirrors the subset of Process states (§3) that apply to a Thread.
type State int

const (
	StateReady State = iota
	StateRunning
	StateBlocked
	StateWaiting
	StateDead
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateWaiting:
		return "waiting"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// TID identifies a thread.
type TID int64

// Thread is one schedulable unit of execution.
type Thread struct {
	TID   TID
	PID   int
	State State

	// EntryIP/UserStack are recorded for spawn_user threads so
	// internal/syscallabi's ABI bookkeeping has somewhere to read them
	// from; this package never jumps to user mode itself.
	EntryIP   uint64
	UserStack uint64

	baton   chan struct{} // scheduler -> thread: you may run
	yielded chan struct{} // thread -> scheduler: I've stopped running
	sched   *Scheduler
}

// Yield voluntarily gives up the CPU; the caller must not be holding a
// spinlock (§4.F). The thread is re-enqueued at the tail of the runqueue and
// blocks here until the scheduler hands it the baton again.
func (t *Thread) Yield() {
	t.sched.reschedule(t, StateReady)
}

// Block parks the thread off the runqueue entirely; a future Wake is
// required to make it runnable again.
func (t *Thread) Block() {
	t.sched.reschedule(t, StateBlocked)
}

// Scheduler owns the single global runqueue.
type Scheduler struct {
	mu      sync.Mutex
	ready   []*Thread
	current *Thread
	threads map[TID]*Thread
	nextTID int64
	onTick  func(prev, next *Thread)
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{threads: make(map[TID]*Thread)}
}

// OnTick installs an observer invoked on every context switch, used to wire
// trace-bus accounting without this package depending on internal/tracebus
// directly.
func (s *Scheduler) OnTick(fn func(prev, next *Thread)) { s.onTick = fn }

func (s *Scheduler) newThread(pid int) *Thread {
	s.mu.Lock()
	tid := TID(s.nextTID + 1)
	s.nextTID++
	t := &Thread{
		TID:     tid,
		PID:     pid,
		State:   StateReady,
		baton:   make(chan struct{}),
		yielded: make(chan struct{}),
		sched:   s,
	}
	s.threads[tid] = t
	s.ready = append(s.ready, t)
	s.mu.Unlock()
	return t
}

// SpawnKernel creates a kernel thread whose body is entry(arg), run on its
// own goroutine once the scheduler grants it the baton.
func (s *Scheduler) SpawnKernel(entry func(arg any), arg any) TID {
	t := s.newThread(KernelPID)
	go t.run(func() { entry(arg) })
	return t.TID
}

// KernelPID is the PID kernel-only threads (not owned by any process) are
// attributed to.
const KernelPID = 0

// SpawnUser creates a thread attributed to pid, recording the entry IP and
// initial user stack pointer for the ABI layer; body is the (host-side)
// continuation that simulates running the user program, typically supplied
// by internal/syscallabi.
func (s *Scheduler) SpawnUser(pid int, entryIP, userStack uint64, body func()) TID {
	t := s.newThread(pid)
	t.EntryIP = entryIP
	t.UserStack = userStack
	go t.run(body)
	return t.TID
}

func (t *Thread) run(body func()) {
	<-t.baton // wait for our first turn
	body()
	t.sched.mu.Lock()
	t.State = StateDead
	t.sched.mu.Unlock()
	t.yielded <- struct{}{}
}

// reschedule is the common path for Yield/Block: mark the thread's new
// state, optionally re-enqueue it, signal the run loop we've stopped, and —
// if re-enqueued — block until handed the baton again.
func (s *Scheduler) reschedule(t *Thread, newState State) {
	s.mu.Lock()
	t.State = newState
	if newState == StateReady {
		s.ready = append(s.ready, t)
	}
	s.mu.Unlock()

	t.yielded <- struct{}{}
	if newState == StateReady {
		<-t.baton
	}
}

// Wake transitions a Blocked/Waiting thread back to Ready and enqueues it.
func (s *Scheduler) Wake(tid TID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[tid]
	if !ok {
		return fmt.Errorf("sched: Wake: no such thread %d", tid)
	}
	if t.State != StateBlocked && t.State != StateWaiting {
		return nil
	}
	t.State = StateReady
	s.ready = append(s.ready, t)
	return nil
}

// SetWaiting transitions a thread to Waiting (blocked on a child, §3) without
// requiring the thread itself to call Block — used by proctable's wait path.
func (s *Scheduler) SetWaiting(tid TID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.threads[tid]; ok {
		t.State = StateWaiting
	}
}

// RunOne picks the next ready thread, grants it the baton, and waits for it
// to yield, block, or finish. Returns false when the runqueue is empty. A
// thread only ever appears in the runqueue while it is not the one holding
// the baton, so this can never hand the baton to the thread that is
// currently running it — the §4.F "refuses to switch to itself" invariant
// holds by construction.
func (s *Scheduler) RunOne() bool {
	s.mu.Lock()
	if len(s.ready) == 0 {
		s.mu.Unlock()
		return false
	}
	next := s.ready[0]
	s.ready = s.ready[1:]
	prev := s.current
	next.State = StateRunning
	s.current = next
	s.mu.Unlock()

	if s.onTick != nil {
		s.onTick(prev, next)
	}

	next.baton <- struct{}{}
	<-next.yielded
	return true
}

// Run drains the runqueue, invoking RunOne until no thread is runnable.
func (s *Scheduler) Run() {
	for s.RunOne() {
	}
}

// TimerTick is the scheduling-interval ISR hook (§4.E): "if a runnable
// thread other than current exists, switch." In this cooperative model that
// means the current thread must itself reach a Yield() call for the switch
// to actually happen; TimerTick only decides whether one is warranted.
func (s *Scheduler) TimerTick() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ready) > 0
}

// Current returns the thread the scheduler most recently granted the baton
// to, or nil if nothing has run yet.
func (s *Scheduler) Current() *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// ThreadCount returns the number of threads known to the scheduler,
// including ones that have finished but not yet been forgotten.
func (s *Scheduler) ThreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.threads)
}
