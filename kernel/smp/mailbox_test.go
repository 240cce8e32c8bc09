package smp

import (
	"strings"
	"testing"
)

func TestMailboxUnlinkMiddle(t *testing.T) {
	var mb mailbox
	var a, b, c message
	mb.push(&a)
	mb.push(&b)
	mb.push(&c)

	if !mb.unlink(&b) {
		t.Fatalf("unlink(b) = false, want true")
	}
	if mb.unlink(&b) {
		t.Fatalf("unlink(b) twice = true, want false")
	}
	if got := mb.pop(); got != &c {
		t.Fatalf("pop() = %p, want c", got)
	}
	if got := mb.pop(); got != &a {
		t.Fatalf("pop() = %p, want a", got)
	}
	if got := mb.pop(); got != nil {
		t.Fatalf("pop() on empty = %p, want nil", got)
	}
	if got := mb.count.Load(); got != 0 {
		t.Fatalf("count = %d, want 0", got)
	}
}

func TestMailboxUnlinkForeign(t *testing.T) {
	var mb, other mailbox
	var m message
	other.push(&m)
	if mb.unlink(&m) {
		t.Fatalf("unlink() of another mailbox's message = true, want false")
	}
}

func TestFinishMissingBroadcastPanics(t *testing.T) {
	h := newHarness(t, 2, nil)
	c := h.cpus[1]

	m, _ := h.sys.findFreeMessage(c)
	m.op = Reschedule{}
	m.refCount.Store(1)

	pe := expectPanic(t, func() { h.sys.finishMessageProcessing(c, m, sourceBroadcast) })
	if !strings.Contains(pe.Message, "not found in broadcast mailbox") {
		t.Fatalf("panic message = %q, want missing broadcast message", pe.Message)
	}
}

func TestCPUMask(t *testing.T) {
	m := MaskOf(0, 3)
	if !m.Has(0) || !m.Has(3) || m.Has(1) {
		t.Fatalf("MaskOf(0, 3) = %#b", m)
	}
	if got := m.With(1).Without(0); got != MaskOf(1, 3) {
		t.Fatalf("With/Without = %#b, want %#b", got, MaskOf(1, 3))
	}
	if got := AllCPUs(MaxCPUs).Count(); got != MaxCPUs {
		t.Fatalf("AllCPUs(MaxCPUs).Count() = %d, want %d", got, MaxCPUs)
	}
	if got := AllCPUs(3); got != 0b111 {
		t.Fatalf("AllCPUs(3) = %#b, want 0b111", got)
	}
}

func TestOpCodeString(t *testing.T) {
	ops := []Op{
		InvalidatePageRange{}, InvalidatePageList{}, InvalidateUserPages{},
		InvalidateGlobalPages{}, Reschedule{}, CPUHalt{}, CallFunction{},
	}
	seen := make(map[string]bool)
	for _, op := range ops {
		s := op.Code().String()
		if s == "unknown" || seen[s] {
			t.Fatalf("%T.Code().String() = %q, want a distinct name", op, s)
		}
		seen[s] = true
	}
	if got := OpCode(0).String(); got != "unknown" {
		t.Fatalf("OpCode(0).String() = %q, want unknown", got)
	}
}
