package smp

import (
	"strings"
	"sync"
	"testing"
)

func TestSpinlockAcquireRelease(t *testing.T) {
	h := newHarness(t, 2, nil)
	c := h.cpus[0]
	var l Spinlock

	h.sys.AcquireSpinlock(c, &l)
	if !l.IsLocked() {
		t.Fatalf("IsLocked() = false after acquire, want true")
	}
	h.sys.ReleaseSpinlock(c, &l)
	if l.IsLocked() {
		t.Fatalf("IsLocked() = true after release, want false")
	}
}

func TestSpinlockUniprocessorDoubleAcquirePanics(t *testing.T) {
	var handled []PanicInfo
	h := newHarness(t, 1, func(cfg *Config) {
		cfg.TrackSpinlocks = true
		cfg.PanicHandler = func(info PanicInfo) { handled = append(handled, info) }
	})
	c := h.cpus[0]
	var l Spinlock

	h.sys.AcquireSpinlock(c, &l)
	pe := expectPanic(t, func() { h.sys.AcquireSpinlock(c, &l) })
	if !strings.Contains(pe.Message, "already locked") {
		t.Fatalf("panic message = %q, want it to mention already locked", pe.Message)
	}
	if !strings.Contains(pe.Message, "last acquired at") {
		t.Fatalf("panic message = %q, want the previous holder", pe.Message)
	}
	if pe.CPU != 0 {
		t.Fatalf("PanicInfo.CPU = %d, want 0", pe.CPU)
	}
	if !h.sys.InPanicMode() {
		t.Fatalf("InPanicMode() = false, want true")
	}

	// A second fatal error still panics but does not re-run the handler.
	expectPanic(t, func() { h.sys.AcquireSpinlock(c, &l) })
	if len(handled) != 1 {
		t.Fatalf("panic handler ran %d times, want 1", len(handled))
	}
	if len(handled[0].Stack) == 0 {
		t.Fatalf("PanicInfo.Stack empty, want a captured stack")
	}
}

func TestSpinlockInterruptsEnabledPanics(t *testing.T) {
	h := newHarness(t, 2, nil)
	c := h.cpus[0]
	c.intr.Store(true)
	var l Spinlock

	pe := expectPanic(t, func() { h.sys.AcquireSpinlock(c, &l) })
	if !strings.Contains(pe.Message, "interrupts enabled") {
		t.Fatalf("panic message = %q, want it to mention interrupts", pe.Message)
	}
	if l.IsLocked() {
		t.Fatalf("IsLocked() = true, want the lock untouched")
	}

	l.state.Store(1)
	pe = expectPanic(t, func() { h.sys.ReleaseSpinlock(c, &l) })
	if !strings.Contains(pe.Message, "interrupts enabled") {
		t.Fatalf("panic message = %q, want it to mention interrupts", pe.Message)
	}
}

func TestSpinlockDoubleReleasePanics(t *testing.T) {
	h := newHarness(t, 2, nil)
	c := h.cpus[0]
	var l Spinlock

	h.sys.AcquireSpinlock(c, &l)
	h.sys.ReleaseSpinlock(c, &l)
	pe := expectPanic(t, func() { h.sys.ReleaseSpinlock(c, &l) })
	if !strings.Contains(pe.Message, "already released") {
		t.Fatalf("panic message = %q, want it to mention already released", pe.Message)
	}
}

func TestSpinlockMutualExclusion(t *testing.T) {
	const (
		cpus   = 4
		rounds = 2_000
	)
	h := newHarness(t, cpus, nil)
	var (
		l       Spinlock
		counter int
		inside  int
	)

	var wg sync.WaitGroup
	for _, c := range h.cpus {
		wg.Add(1)
		go func(c *fakeCPU) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				h.sys.AcquireSpinlock(c, &l)
				inside++
				if inside != 1 {
					panic("two holders inside the critical section")
				}
				counter++
				inside--
				h.sys.ReleaseSpinlock(c, &l)
			}
		}(c)
	}
	wg.Wait()

	if counter != cpus*rounds {
		t.Fatalf("counter = %d, want %d", counter, cpus*rounds)
	}
}

func TestSpinlockPumpsICIsWhileWaiting(t *testing.T) {
	h := newHarness(t, 2, nil)
	c0, c1 := h.cpus[0], h.cpus[1]
	var l Spinlock

	ran := make(chan struct{})
	h.sys.SendICI(c0, 1, CallFunction{Fn: func(uintptr, int, uintptr, uintptr) {
		close(ran)
		// Let CPU 1 through once it has serviced the message.
		h.sys.releaseSpinlockNoCheck(c1, &l)
	}}, FlagAsync)

	l.state.Store(1)
	h.sys.AcquireSpinlock(c1, &l)
	waitOrFail(t, ran, "pending message to run")
	h.sys.ReleaseSpinlock(c1, &l)
	h.checkQuiescent(t)
}

func TestSpinlockHistory(t *testing.T) {
	h := newHarness(t, 2, func(cfg *Config) { cfg.TrackSpinlocks = true })
	c := h.cpus[0]
	var a, b Spinlock

	for i := 0; i < lockHistorySize+6; i++ {
		h.sys.AcquireSpinlock(c, &a)
		h.sys.ReleaseSpinlock(c, &a)
	}
	h.sys.AcquireSpinlock(c, &b)
	h.sys.ReleaseSpinlock(c, &b)

	recs := h.sys.SpinlockHistory()
	if len(recs) != lockHistorySize {
		t.Fatalf("len(SpinlockHistory()) = %d, want %d", len(recs), lockHistorySize)
	}
	last := recs[len(recs)-1]
	if last.Lock != &b {
		t.Fatalf("newest record lock = %p, want %p", last.Lock, &b)
	}
	if recs[0].Lock != &a {
		t.Fatalf("oldest record lock = %p, want %p", recs[0].Lock, &a)
	}
	if fn := last.Function(); !strings.Contains(fn, "kernel/smp.") {
		t.Fatalf("Function() = %q, want a function of this package", fn)
	}
}

func TestSpinlockHistoryDisabled(t *testing.T) {
	h := newHarness(t, 2, nil)
	var l Spinlock
	h.sys.AcquireSpinlock(h.cpus[0], &l)
	h.sys.ReleaseSpinlock(h.cpus[0], &l)
	if recs := h.sys.SpinlockHistory(); recs != nil {
		t.Fatalf("SpinlockHistory() = %v, want nil", recs)
	}
}
