// Package proctable implements the PID table (§4.N): a dense map from PID to
// Process guarded by one reader-writer lock, the same dense-map-plus-RWMutex
// shape internal/hv/kvm.go uses for virtualMachine.vcpus (map[int]*virtualCPU
// behind memMu sync.RWMutex), generalized from VCPU identity to process
// identity.
package proctable

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/trustos/trustos/internal/addrspace"
)

// State is a Process's lifecycle state (§3).
type State int

const (
	StateCreated State = iota
	StateReady
	StateRunning
	StateBlocked
	StateWaiting
	StateStopped
	StateZombie
	StateDead
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateWaiting:
		return "waiting"
	case StateStopped:
		return "stopped"
	case StateZombie:
		return "zombie"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// FdEntry is one file-descriptor-table slot (§3); Backing is an opaque
// handle into internal/vfs or a pipe endpoint, not modeled here.
type FdEntry struct {
	Backing any
	Flags   int
}

// Process is one PID table row (§3's Process data model).
type Process struct {
	PID      int
	PPID     int
	Name     string
	State    State
	Flags    uint32
	ExitCode int

	FdTable map[int]FdEntry
	Cwd     string
	Env     []string

	Children     map[int]struct{}
	AddressSpace *addrspace.AddressSpace

	nextFd int
}

// KernelPID is the kernel process's fixed PID; it may never be killed.
const KernelPID = 0

// InitPID is the PID orphans are reparented to on their parent's exit.
const InitPID = 1

var ErrNotFound = errors.New("proctable: no such process")
var ErrKernelProcess = errors.New("proctable: cannot kill the kernel process")
var ErrNotZombie = errors.New("proctable: process is not a zombie")

// Table is the PID table: one global instance per running kernel.
type Table struct {
	mu      sync.RWMutex
	procs   map[int]*Process
	nextPID atomic.Int64
}

// New creates a PID table seeded with the kernel process at PID 0.
func New() *Table {
	t := &Table{procs: make(map[int]*Process)}
	t.nextPID.Store(1)
	t.procs[KernelPID] = &Process{PID: KernelPID, Name: "kernel", State: StateRunning, FdTable: map[int]FdEntry{}, Children: map[int]struct{}{}}
	return t
}

// Create allocates a new PID and inserts a fresh Process row.
func (t *Table) Create(name string, ppid int, as *addrspace.AddressSpace) *Process {
	pid := int(t.nextPID.Add(1) - 1)
	p := &Process{
		PID:          pid,
		PPID:         ppid,
		Name:         name,
		State:        StateCreated,
		FdTable:      map[int]FdEntry{},
		Children:     map[int]struct{}{},
		AddressSpace: as,
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.procs[pid] = p
	if parent, ok := t.procs[ppid]; ok {
		parent.Children[pid] = struct{}{}
	}
	return p
}

// Fork clones parent's fields into a new Process, delegating address-space
// cloning to internal/addrspace (§4.D) and inheriting the fd table (same
// backings, bumped refcounts are the caller's responsibility since fd
// backing lifetime lives in internal/vfs, not here).
func (t *Table) Fork(parentPID int) (*Process, error) {
	t.mu.Lock()
	parent, ok := t.procs[parentPID]
	if !ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("proctable: Fork: %w", ErrNotFound)
	}
	t.mu.Unlock()

	var childAS *addrspace.AddressSpace
	if parent.AddressSpace != nil {
		var err error
		childAS, err = parent.AddressSpace.Fork()
		if err != nil {
			return nil, fmt.Errorf("proctable: Fork: %w", err)
		}
	}

	child := t.Create(parent.Name, parent.PID, childAS)
	t.mu.Lock()
	defer t.mu.Unlock()
	child.Cwd = parent.Cwd
	child.Env = append([]string(nil), parent.Env...)
	for fd, entry := range parent.FdTable {
		child.FdTable[fd] = entry
	}
	child.nextFd = parent.nextFd
	child.State = StateReady
	return child, nil
}

// Exit marks a process a zombie with the given exit code and reparents its
// children to PID 1 (§4.N).
func (t *Table) Exit(pid int, exitCode int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.procs[pid]
	if !ok {
		return fmt.Errorf("proctable: Exit: %w", ErrNotFound)
	}
	if pid == KernelPID {
		return ErrKernelProcess
	}
	p.State = StateZombie
	p.ExitCode = exitCode

	initProc := t.procs[InitPID]
	for childPID := range p.Children {
		if child, ok := t.procs[childPID]; ok {
			child.PPID = InitPID
			if initProc != nil {
				initProc.Children[childPID] = struct{}{}
			}
		}
	}
	p.Children = map[int]struct{}{}
	return nil
}

// Kill transitions a process toward exit by signal; §4.P owns actual signal
// delivery, this just enforces the PID-0 protection invariant that every
// other operation here also must not violate.
func (t *Table) Kill(pid int) error {
	if pid == KernelPID {
		return ErrKernelProcess
	}
	return t.Exit(pid, -1)
}

// Reap removes a zombie row entirely and detaches it from its parent's
// child set; the caller is responsible for signal cleanup (§4.P).
func (t *Table) Reap(pid int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.procs[pid]
	if !ok {
		return fmt.Errorf("proctable: Reap: %w", ErrNotFound)
	}
	if p.State != StateZombie {
		return ErrNotZombie
	}
	if parent, ok := t.procs[p.PPID]; ok {
		delete(parent.Children, pid)
	}
	p.State = StateDead
	delete(t.procs, pid)
	return nil
}

// Wait reports whether a zombie child of parentPID exists and returns it
// without reaping it; callers call Reap once they've consumed the status.
func (t *Table) Wait(parentPID int) (*Process, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	parent, ok := t.procs[parentPID]
	if !ok {
		return nil, false
	}
	for childPID := range parent.Children {
		if child, ok := t.procs[childPID]; ok && child.State == StateZombie {
			return child, true
		}
	}
	return nil, false
}

// Get returns the Process row for pid.
func (t *Table) Get(pid int) (*Process, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.procs[pid]
	return p, ok
}

// List returns a snapshot of every live PID, in no particular order.
func (t *Table) List() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]int, 0, len(t.procs))
	for pid := range t.procs {
		out = append(out, pid)
	}
	return out
}

// Count returns the number of rows currently in the table.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.procs)
}

// FdDup duplicates fd in pid's fd table, returning the new descriptor
// number. The duplicate shares the same backing (refcounting lives with the
// backing itself, in internal/vfs).
func (t *Table) FdDup(pid int, fd int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.procs[pid]
	if !ok {
		return 0, fmt.Errorf("proctable: FdDup: %w", ErrNotFound)
	}
	entry, ok := p.FdTable[fd]
	if !ok {
		return 0, fmt.Errorf("proctable: FdDup: no such fd %d", fd)
	}
	newFd := p.nextFd
	for {
		if _, taken := p.FdTable[newFd]; !taken {
			break
		}
		newFd++
	}
	p.FdTable[newFd] = entry
	p.nextFd = newFd + 1
	return newFd, nil
}
