package tracebus

import "testing"

func fakeClock() func() uint64 {
	var t uint64
	return func() uint64 {
		t += 10
		return t
	}
}

func TestEmitReadSinceOrdering(t *testing.T) {
	b := New(8, fakeClock())
	for i := 0; i < 5; i++ {
		b.Emit(CategoryProcess, "spawn", int64(i))
	}
	events, next := b.ReadSince(0, 10)
	if len(events) != 5 {
		t.Fatalf("len(events) = %d, want 5", len(events))
	}
	for i, ev := range events {
		if ev.Counter != uint64(i) || ev.Numeric != int64(i) {
			t.Fatalf("event %d = %+v, want counter/numeric %d", i, ev, i)
		}
	}
	if next != 5 {
		t.Fatalf("next = %d, want 5", next)
	}
}

func TestEmitOverflowOverwritesOldest(t *testing.T) {
	b := New(4, fakeClock())
	for i := 0; i < 10; i++ {
		b.Emit(CategoryNet, "pkt", int64(i))
	}
	events, _ := b.ReadSince(0, 100)
	if len(events) != 4 {
		t.Fatalf("len(events) = %d, want 4 (capacity)", len(events))
	}
	if events[0].Numeric != 6 {
		t.Fatalf("oldest retained event.Numeric = %d, want 6", events[0].Numeric)
	}
}

func TestReadSinceIndependentConsumers(t *testing.T) {
	b := New(8, fakeClock())
	b.Emit(CategoryFileSystem, "open", 1)
	b.Emit(CategoryFileSystem, "close", 2)

	a1, next1 := b.ReadSince(0, 1)
	if len(a1) != 1 || next1 != 1 {
		t.Fatalf("consumer1 first read = %+v, next=%d", a1, next1)
	}
	a2, next2 := b.ReadSince(0, 10)
	if len(a2) != 2 || next2 != 2 {
		t.Fatalf("consumer2 read = %+v, next=%d (should be unaffected by consumer1)", a2, next2)
	}
}

func TestEmitSyscallAndHypervisorHelpers(t *testing.T) {
	b := New(4, fakeClock())
	b.EmitSyscall(1, [3]int64{2, 3, 4}, 0)
	b.EmitHypervisor(1, "npf", 0x1000)
	events, _ := b.ReadSince(0, 10)
	if events[0].Category != CategorySyscall {
		t.Fatalf("category = %v, want syscall", events[0].Category)
	}
	if events[1].Category != CategoryHypervisor || events[1].Payload != "npf" {
		t.Fatalf("event = %+v, want hypervisor/npf", events[1])
	}
}
