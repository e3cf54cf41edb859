package proctable

import "testing"

func TestNewSeedsKernelProcess(t *testing.T) {
	tbl := New()
	p, ok := tbl.Get(KernelPID)
	if !ok || p.Name != "kernel" || p.State != StateRunning {
		t.Fatalf("kernel process = %+v, ok=%v", p, ok)
	}
}

func TestCreateAndList(t *testing.T) {
	tbl := New()
	a := tbl.Create("init", KernelPID, nil)
	b := tbl.Create("shell", a.PID, nil)
	if a.PID == b.PID {
		t.Fatal("expected distinct PIDs")
	}
	if tbl.Count() != 3 {
		t.Fatalf("Count = %d, want 3", tbl.Count())
	}
	parent, _ := tbl.Get(KernelPID)
	if _, ok := parent.Children[a.PID]; !ok {
		t.Fatal("kernel process should have init as a child")
	}
}

func TestKillKernelProcessRejected(t *testing.T) {
	tbl := New()
	if err := tbl.Kill(KernelPID); err != ErrKernelProcess {
		t.Fatalf("err = %v, want ErrKernelProcess", err)
	}
}

func TestExitReparentsChildrenToInit(t *testing.T) {
	tbl := New()
	tbl.Create("init", KernelPID, nil) // occupies PID 1
	parent := tbl.Create("parent", KernelPID, nil)
	child := tbl.Create("child", parent.PID, nil)

	if err := tbl.Exit(parent.PID, 0); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	got, _ := tbl.Get(child.PID)
	if got.PPID != InitPID {
		t.Fatalf("child.PPID = %d, want %d", got.PPID, InitPID)
	}
	initProc, _ := tbl.Get(InitPID)
	if _, ok := initProc.Children[child.PID]; !ok {
		t.Fatal("init should have inherited the orphan")
	}
}

func TestWaitAndReap(t *testing.T) {
	tbl := New()
	tbl.Create("init", KernelPID, nil)
	parent := tbl.Create("parent", KernelPID, nil)
	child := tbl.Create("child", parent.PID, nil)

	if _, ok := tbl.Wait(parent.PID); ok {
		t.Fatal("Wait: no zombie child yet, want false")
	}
	if err := tbl.Exit(child.PID, 7); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	z, ok := tbl.Wait(parent.PID)
	if !ok || z.ExitCode != 7 {
		t.Fatalf("Wait = %+v, ok=%v, want exit code 7", z, ok)
	}
	if err := tbl.Reap(child.PID); err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if _, ok := tbl.Get(child.PID); ok {
		t.Fatal("Reap should remove the row")
	}
}

func TestReapNonZombieRejected(t *testing.T) {
	tbl := New()
	p := tbl.Create("proc", KernelPID, nil)
	if err := tbl.Reap(p.PID); err != ErrNotZombie {
		t.Fatalf("err = %v, want ErrNotZombie", err)
	}
}

func TestFdDupAllocatesDistinctFd(t *testing.T) {
	tbl := New()
	p := tbl.Create("proc", KernelPID, nil)
	p.FdTable[3] = FdEntry{Backing: "file"}
	p.nextFd = 4

	dup, err := tbl.FdDup(p.PID, 3)
	if err != nil {
		t.Fatalf("FdDup: %v", err)
	}
	if dup == 3 {
		t.Fatal("FdDup should return a distinct descriptor")
	}
	if p.FdTable[dup].Backing != "file" {
		t.Fatalf("duplicated entry backing = %v, want same backing", p.FdTable[dup].Backing)
	}
}
