package syscallabi

import "testing"

func TestDispatchSuccessReturnsHandlerValue(t *testing.T) {
	tbl := NewTable()
	tbl.Register(SysGetpid, func(ctx CallContext) (int64, error) {
		return int64(ctx.PID), nil
	})
	got := tbl.Dispatch(CallContext{PID: 42}, SysGetpid)
	if got != 42 {
		t.Fatalf("Dispatch = %d, want 42", got)
	}
}

func TestDispatchUnregisteredReturnsENOSYS(t *testing.T) {
	tbl := NewTable()
	got := tbl.Dispatch(CallContext{PID: 1}, SysOpen)
	if got != int64(ENOSYS) {
		t.Fatalf("Dispatch = %d, want ENOSYS (%d)", got, ENOSYS)
	}
}

func TestDispatchHandlerErrorTranslatesToErrno(t *testing.T) {
	tbl := NewTable()
	tbl.Register(SysOpen, func(ctx CallContext) (int64, error) {
		return 0, ErrBadFd
	})
	got := tbl.Dispatch(CallContext{PID: 1}, SysOpen)
	if got != int64(EBADF) {
		t.Fatalf("Dispatch = %d, want EBADF (%d)", got, EBADF)
	}
}

func TestDenyOverridesRegisteredHandler(t *testing.T) {
	tbl := NewTable()
	tbl.Register(SysKill, func(ctx CallContext) (int64, error) { return 0, nil })
	tbl.Deny(7, SysKill)

	got := tbl.Dispatch(CallContext{PID: 7}, SysKill)
	if got != int64(EACCES) {
		t.Fatalf("Dispatch = %d, want EACCES (%d)", got, EACCES)
	}

	// A different process is unaffected by pid 7's policy.
	got = tbl.Dispatch(CallContext{PID: 8}, SysKill)
	if got != 0 {
		t.Fatalf("Dispatch for uninvolved pid = %d, want 0", got)
	}
}

func TestAllowClearsDeny(t *testing.T) {
	tbl := NewTable()
	tbl.Register(SysKill, func(ctx CallContext) (int64, error) { return 5, nil })
	tbl.Deny(7, SysKill)
	tbl.Allow(7, SysKill)

	got := tbl.Dispatch(CallContext{PID: 7}, SysKill)
	if got != 5 {
		t.Fatalf("Dispatch after Allow = %d, want 5", got)
	}
}

func TestErrnoForKnownKinds(t *testing.T) {
	tests := []struct {
		err  error
		want Errno
	}{
		{ErrBadAddress, EFAULT},
		{ErrNullPointer, EFAULT},
		{ErrNoSuchPid, ENOENT},
		{ErrBadFd, EBADF},
		{ErrSandboxDenied, EACCES},
		{nil, 0},
	}
	for _, tt := range tests {
		if got := ErrnoFor(tt.err); got != tt.want {
			t.Errorf("ErrnoFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestNewEntryFrameEnablesInterrupts(t *testing.T) {
	f := NewEntryFrame(0x33, 0x2b, 0x400000, 0x7fff0000)
	const interruptsEnabled = 1 << 9
	if f.RFlags&interruptsEnabled == 0 {
		t.Fatal("NewEntryFrame: IF not set in RFlags")
	}
	if f.UserRIP != 0x400000 || f.UserRSP != 0x7fff0000 {
		t.Fatalf("frame = %+v, entry/stack not threaded through", f)
	}
}
