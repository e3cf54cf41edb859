// Package syscallabi implements the syscall dispatcher, numbering table, and
// per-process sandbox policy gate (§4.G), grounded on
// internal/linux/syscallnum/lookup.go (Number/MustNumber) and
// internal/linux/defs/syscall.go (the dense Syscall enum this table reuses
// the numbering convention of) adapted from "one arch-specific lookup" to
// "one dense dispatch table keyed on the number itself", plus a policy gate
// modeled after original_source/kernel/src/sandbox/mod.rs's allow/deny
// verdict shape, narrowed from a web-content proxy policy to a syscall-table
// policy per process.
package syscallabi

import (
	"errors"
	"fmt"
	"sync"
)

// Number is a syscall number. TrustOS follows the well-known Linux x86-64
// numbering as a convenience (§6); TrustOS-specific calls live at and above
// ExtensionBase.
type Number int64

// ExtensionBase is the first syscall number reserved for TrustOS-only calls
// (debug-print, IPC send/recv/create) that have no Linux analogue.
const ExtensionBase Number = 0x1000

const (
	SysRead        Number = 0
	SysWrite       Number = 1
	SysOpen        Number = 2
	SysClose       Number = 3
	SysMmap        Number = 9
	SysBrk         Number = 12
	SysRtSigaction Number = 13
	SysIoctl       Number = 16
	SysSchedYield  Number = 24
	SysDup         Number = 32
	SysGetpid      Number = 39
	SysClone       Number = 56
	SysFork        Number = 57
	SysExecve      Number = 59
	SysExit        Number = 60
	SysWait4       Number = 61
	SysKill        Number = 62
	SysUname       Number = 63
	SysGetcwd      Number = 79
	SysChdir       Number = 80
	SysMkdir       Number = 83
	SysUnlink      Number = 87
	SysGettimeofday Number = 96
	SysGetuid      Number = 102
	SysFutex       Number = 202
	SysExitGroup   Number = 231
	SysPipe2       Number = 293
	SysPrlimit64   Number = 302
	SysGetrandom   Number = 318

	SysDebugPrint Number = ExtensionBase + 0
	SysIpcCreate  Number = ExtensionBase + 1
	SysIpcSend    Number = ExtensionBase + 2
	SysIpcRecv    Number = ExtensionBase + 3
)

// Errno is a negative return value per the §6 return convention: success is
// a small non-negative value, failure is a negative errno.
type Errno int64

const (
	EPERM   Errno = -1
	ENOENT  Errno = -2
	EBADF   Errno = -9
	EAGAIN  Errno = -11
	ENOMEM  Errno = -12
	EACCES  Errno = -13
	EFAULT  Errno = -14
	EBUSY   Errno = -16
	EEXIST  Errno = -17
	ENOTDIR Errno = -20
	EISDIR  Errno = -21
	EINVAL  Errno = -22
	EMFILE  Errno = -24
	ENOSYS  Errno = -38
)

// Error kinds the syscall boundary translates to a negative errno (§7's
// "Userspace boundary" and "Process" error kinds).
var (
	ErrBadAddress    = errors.New("syscallabi: bad address")
	ErrStringTooLong = errors.New("syscallabi: string too long")
	ErrNullPointer   = errors.New("syscallabi: null pointer")
	ErrNoSuchPid     = errors.New("syscallabi: no such pid")
	ErrNotAChild     = errors.New("syscallabi: not a child")
	ErrAlreadyZombie = errors.New("syscallabi: already a zombie")
	ErrBadFd         = errors.New("syscallabi: bad file descriptor")
	ErrNoSuchSyscall = errors.New("syscallabi: no such syscall")
	ErrSandboxDenied = errors.New("syscallabi: denied by sandbox policy")
)

// ErrnoFor maps a sentinel error kind to its negative errno (§6, §7). An
// unrecognized error maps to EINVAL rather than panicking — the syscall
// dispatcher never panics on user-caused or handler-returned errors.
func ErrnoFor(err error) Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrBadAddress), errors.Is(err, ErrNullPointer):
		return EFAULT
	case errors.Is(err, ErrStringTooLong):
		return EINVAL
	case errors.Is(err, ErrNoSuchPid), errors.Is(err, ErrNotAChild):
		return ENOENT
	case errors.Is(err, ErrAlreadyZombie):
		return EINVAL
	case errors.Is(err, ErrBadFd):
		return EBADF
	case errors.Is(err, ErrNoSuchSyscall):
		return ENOSYS
	case errors.Is(err, ErrSandboxDenied):
		return EACCES
	default:
		return EINVAL
	}
}

// TrapFrame is the slow-path interrupt frame (§4.G): the register state
// saved/restored across a Ring-3 <-> Ring-0 transition that did not go
// through the fast syscall pair.
type TrapFrame struct {
	UserSS    uint64
	UserRSP   uint64
	RFlags    uint64
	UserCS    uint64
	UserRIP   uint64
	GPRegs    [15]uint64
}

// NewEntryFrame builds the fake interrupt frame used to enter user mode for
// the first time, or to resume after exit-unwind (§4.G's "exec-in-ring-3
// pattern"): general-purpose registers cleared, interrupts enabled.
func NewEntryFrame(userCS, userSS, entryRIP, userRSP uint64) TrapFrame {
	const interruptsEnabled = 1 << 9 // RFLAGS.IF
	return TrapFrame{
		UserSS:  userSS,
		UserRSP: userRSP,
		RFlags:  interruptsEnabled,
		UserCS:  userCS,
		UserRIP: entryRIP,
	}
}

// CallContext carries the six C-ABI argument registers the fast-path stub
// shuffled into place, plus the calling process's PID for policy/handler use.
type CallContext struct {
	PID  int
	Args [6]uint64
}

// Handler services one syscall number and returns the raw (non-negated,
// non-negative on success) result value, or an error to be translated to a
// negative errno by the dispatcher.
type Handler func(ctx CallContext) (int64, error)

// Table is the dense dispatch table keyed on syscall number (§4.G), plus the
// per-process sandbox policy gate (supplemented feature, grounded on
// original_source/kernel/src/sandbox/mod.rs's allow/deny verdict, narrowed to
// syscall-table scope).
type Table struct {
	mu       sync.RWMutex
	handlers map[Number]Handler
	// deny holds, per PID, the set of syscall numbers that process may not
	// invoke. Absence from the map means "no restriction" (default allow),
	// matching the original's PolicyVerdict::Allow default for an unlisted
	// resource.
	deny map[int]map[Number]bool
}

// NewTable creates an empty dispatch table with no installed policy.
func NewTable() *Table {
	return &Table{
		handlers: make(map[Number]Handler),
		deny:     make(map[int]map[Number]bool),
	}
}

// Register installs the handler for a syscall number, overwriting any prior
// registration.
func (t *Table) Register(num Number, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[num] = h
}

// Deny adds num to pid's sandbox deny list; subsequent Dispatch calls for
// that (pid, num) pair fail with ErrSandboxDenied regardless of whether a
// handler is registered.
func (t *Table) Deny(pid int, num Number) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.deny[pid] == nil {
		t.deny[pid] = make(map[Number]bool)
	}
	t.deny[pid][num] = true
}

// Allow removes num from pid's sandbox deny list.
func (t *Table) Allow(pid int, num Number) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.deny[pid] != nil {
		delete(t.deny[pid], num)
	}
}

// Dispatch looks up and invokes the handler registered for num, enforcing
// the sandbox policy gate first. The return value is always the final
// syscall-return-register value: a non-negative result on success, or a
// negative errno on failure (§6) — callers never need to inspect the error
// separately from the returned int64.
func (t *Table) Dispatch(ctx CallContext, num Number) int64 {
	t.mu.RLock()
	denied := t.deny[ctx.PID] != nil && t.deny[ctx.PID][num]
	h := t.handlers[num]
	t.mu.RUnlock()

	if denied {
		return int64(ErrnoFor(ErrSandboxDenied))
	}
	if h == nil {
		return int64(ErrnoFor(fmt.Errorf("syscallabi: number %d: %w", num, ErrNoSuchSyscall)))
	}

	result, err := h(ctx)
	if err != nil {
		return int64(ErrnoFor(err))
	}
	return result
}
