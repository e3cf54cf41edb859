// Package signals implements per-process signal delivery and ptrace (§4.P).
// The teacher has no guest-signal concept to ground this on directly, so it
// is built in the small-capability-set-struct-plus-RWMutex shape
// internal/proctable uses, and its "stop and notify the controller" flow is
// modeled after the event-exit delivery internal/hv's VirtualCPU.Run
// contract describes (a VM exit stops the vCPU and hands control back to the
// host loop until resumed).
package signals

import (
	"errors"
	"fmt"
	"sync"
)

// Signal identifies a signal number. The small subset below covers what the
// syscall tail (§4.G) and ptrace stops need; others pass through Pending
// unnamed via their raw number.
type Signal int

const (
	SIGHUP  Signal = 1
	SIGINT  Signal = 2
	SIGQUIT Signal = 3
	SIGILL  Signal = 4
	SIGTRAP Signal = 5
	SIGABRT Signal = 6
	SIGBUS  Signal = 7
	SIGFPE  Signal = 8
	SIGKILL Signal = 9
	SIGSEGV Signal = 11
	SIGPIPE Signal = 13
	SIGALRM Signal = 14
	SIGTERM Signal = 15
	SIGCHLD Signal = 17
	SIGCONT Signal = 18
	SIGSTOP Signal = 19
)

// Disposition is how a process reacts to a raised signal.
type Disposition int

const (
	DispositionDefault Disposition = iota
	DispositionIgnore
	DispositionCustom
)

// Handler describes a custom disposition's target.
type Handler struct {
	EntryIP uint64
	Mask    uint64 // signals blocked while the handler runs
}

// Outcome reports what delivering a signal should do to the owning thread.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeTerminate
	OutcomeIgnore
	OutcomeInvokeHandler
)

var (
	ErrNoSuchProcess = errors.New("signals: no such process")
	ErrNotTraced     = errors.New("signals: process is not being traced")
	ErrAlreadyTraced = errors.New("signals: process is already being traced")
)

// TraceStop is the ptrace disposition a tracee stops on.
type TraceStop int

const (
	TraceStopNone TraceStop = iota
	TraceStopSyscallEntry
	TraceStopSyscallExit
	TraceStopSignal
)

// ptraceState tracks one tracer/tracee relationship.
type ptraceState struct {
	tracerPID int
	stop      TraceStop
	// stopped is true while the tracee sits parked waiting for the tracer
	// to issue CONT/SINGLESTEP/SYSCALL/DETACH/KILL.
	stopped bool
}

// procSignals is one process's signal-delivery bookkeeping (§4.P).
type procSignals struct {
	pending     map[Signal]struct{}
	blocked     uint64 // bitmask, bit N set => signal N+1 blocked
	dispositions map[Signal]Disposition
	handlers     map[Signal]Handler
	trace        *ptraceState
}

func newProcSignals() *procSignals {
	return &procSignals{
		pending:      make(map[Signal]struct{}),
		dispositions: make(map[Signal]Disposition),
		handlers:     make(map[Signal]Handler),
	}
}

// Table owns per-process signal and ptrace state, one row per live PID.
type Table struct {
	mu    sync.RWMutex
	procs map[int]*procSignals
}

// New creates an empty signal table.
func New() *Table {
	return &Table{procs: make(map[int]*procSignals)}
}

func (t *Table) entry(pid int) *procSignals {
	p, ok := t.procs[pid]
	if !ok {
		p = newProcSignals()
		t.procs[pid] = p
	}
	return p
}

// Register creates signal bookkeeping for a newly created process. Calling
// it is optional — Kill/SetDisposition lazily create the row — but it lets
// proctable.Create call this symmetrically at process birth.
func (t *Table) Register(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entry(pid)
}

// Forget removes a process's signal bookkeeping once it has been reaped.
func (t *Table) Forget(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.procs, pid)
}

// Kill adds sig to pid's pending set unless it is currently blocked (§4.P:
// "kill(pid, signo) adds to the pending set if not blocked").
func (t *Table) Kill(pid int, sig Signal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[pid]
	if !ok {
		return fmt.Errorf("signals: Kill: %w", ErrNoSuchProcess)
	}
	if sig == SIGKILL || sig == SIGSTOP || p.blocked&(1<<(uint(sig)-1)) == 0 {
		p.pending[sig] = struct{}{}
	}
	return nil
}

// SetBlocked replaces pid's blocked-signal mask.
func (t *Table) SetBlocked(pid int, mask uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[pid]
	if !ok {
		return fmt.Errorf("signals: SetBlocked: %w", ErrNoSuchProcess)
	}
	p.blocked = mask
	return nil
}

// SetDisposition installs how pid should react to sig.
func (t *Table) SetDisposition(pid int, sig Signal, d Disposition, h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.entry(pid)
	p.dispositions[sig] = d
	if d == DispositionCustom {
		p.handlers[sig] = h
	}
	return nil
}

// PollPending is the §4.G syscall-tail hook: "before returning to user mode,
// poll for pending signals; deliver or terminate as appropriate." It pops
// one pending, unblocked signal (if any) and reports what the caller should
// do with it. SIGKILL always terminates regardless of disposition.
func (t *Table) PollPending(pid int) (Signal, Outcome, Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[pid]
	if !ok || len(p.pending) == 0 {
		return 0, OutcomeNone, Handler{}
	}

	for sig := range p.pending {
		delete(p.pending, sig)
		if sig == SIGKILL {
			return sig, OutcomeTerminate, Handler{}
		}
		switch p.dispositions[sig] {
		case DispositionIgnore:
			return sig, OutcomeIgnore, Handler{}
		case DispositionCustom:
			return sig, OutcomeInvokeHandler, p.handlers[sig]
		default:
			return sig, OutcomeTerminate, Handler{}
		}
	}
	return 0, OutcomeNone, Handler{}
}

// TraceMe marks pid as tracing itself, the TRACEME ptrace operation's target
// convention (the tracer attaches implicitly to its own future exec/syscalls).
func (t *Table) TraceMe(pid int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.entry(pid)
	if p.trace != nil {
		return fmt.Errorf("signals: TraceMe: %w", ErrAlreadyTraced)
	}
	p.trace = &ptraceState{tracerPID: pid}
	return nil
}

// Attach makes tracerPID the tracer of tracee.
func (t *Table) Attach(tracerPID, tracee int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[tracee]
	if !ok {
		return fmt.Errorf("signals: Attach: %w", ErrNoSuchProcess)
	}
	if p.trace != nil {
		return fmt.Errorf("signals: Attach: %w", ErrAlreadyTraced)
	}
	p.trace = &ptraceState{tracerPID: tracerPID}
	return nil
}

// SetOptions configures which syscall boundaries a tracee stops at
// (SETOPTIONS / SYSCALL operations).
func (t *Table) SetOptions(tracee int, stop TraceStop) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[tracee]
	if !ok || p.trace == nil {
		return fmt.Errorf("signals: SetOptions: %w", ErrNotTraced)
	}
	p.trace.stop = stop
	return nil
}

// NotifyStop marks a tracee stopped at the configured boundary (called from
// the syscall tail on entry/exit when tracing is active) so the tracer's
// wait on a child-death-like signal observes it.
func (t *Table) NotifyStop(tracee int, at TraceStop) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[tracee]
	if !ok || p.trace == nil {
		return fmt.Errorf("signals: NotifyStop: %w", ErrNotTraced)
	}
	if p.trace.stop == at || at == TraceStopSignal {
		p.trace.stopped = true
	}
	return nil
}

// Stopped reports whether tracee is currently parked at a ptrace stop.
func (t *Table) Stopped(tracee int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.procs[tracee]
	return ok && p.trace != nil && p.trace.stopped
}

// Cont resumes a stopped tracee (CONT/SINGLESTEP operations — the single-step
// behavior itself lives in the scheduler/trap layer, this only clears the
// stop).
func (t *Table) Cont(tracee int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[tracee]
	if !ok || p.trace == nil {
		return fmt.Errorf("signals: Cont: %w", ErrNotTraced)
	}
	p.trace.stopped = false
	return nil
}

// Detach ends the tracer relationship (DETACH operation).
func (t *Table) Detach(tracee int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[tracee]
	if !ok || p.trace == nil {
		return fmt.Errorf("signals: Detach: %w", ErrNotTraced)
	}
	p.trace = nil
	return nil
}
