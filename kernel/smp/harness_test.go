package smp

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeCPU struct {
	id       int
	intr     atomic.Bool
	haltOnce sync.Once
	halted   chan struct{}
}

func newFakeCPU(id int) *fakeCPU {
	return &fakeCPU{id: id, halted: make(chan struct{})}
}

func (c *fakeCPU) ID() int                 { return c.id }
func (c *fakeCPU) InterruptsEnabled() bool { return c.intr.Load() }
func (c *fakeCPU) DisableInterrupts() bool { return c.intr.Swap(false) }
func (c *fakeCPU) RestoreInterrupts(e bool) {
	c.intr.Store(e)
}

func (c *fakeCPU) Halt() {
	c.haltOnce.Do(func() { close(c.halted) })
	runtime.Goexit()
}

type rangeCall struct {
	start, end uintptr
}

type fakeArch struct {
	mu         sync.Mutex
	unicast    []int
	broadcasts []int
	multicasts []uint64
	ranges     map[int][]rangeCall
	lists      map[int][][]uintptr
	user       map[int]int
	global     map[int]int
}

func newFakeArch() *fakeArch {
	return &fakeArch{
		ranges: make(map[int][]rangeCall),
		lists:  make(map[int][][]uintptr),
		user:   make(map[int]int),
		global: make(map[int]int),
	}
}

func (a *fakeArch) SendICI(target int) {
	a.mu.Lock()
	a.unicast = append(a.unicast, target)
	a.mu.Unlock()
}

func (a *fakeArch) SendBroadcastICI(from int) {
	a.mu.Lock()
	a.broadcasts = append(a.broadcasts, from)
	a.mu.Unlock()
}

func (a *fakeArch) SendMulticastICI(targets uint64) {
	a.mu.Lock()
	a.multicasts = append(a.multicasts, targets)
	a.mu.Unlock()
}

func (a *fakeArch) InvalidateTLBRange(cpu int, start, end uintptr) {
	a.mu.Lock()
	a.ranges[cpu] = append(a.ranges[cpu], rangeCall{start, end})
	a.mu.Unlock()
}

func (a *fakeArch) InvalidateTLBList(cpu int, pages []uintptr) {
	a.mu.Lock()
	a.lists[cpu] = append(a.lists[cpu], append([]uintptr(nil), pages...))
	a.mu.Unlock()
}

func (a *fakeArch) InvalidateUserTLB(cpu int) {
	a.mu.Lock()
	a.user[cpu]++
	a.mu.Unlock()
}

func (a *fakeArch) InvalidateGlobalTLB(cpu int) {
	a.mu.Lock()
	a.global[cpu]++
	a.mu.Unlock()
}

type lineLog struct {
	mu    sync.Mutex
	lines []string
}

func (l *lineLog) WriteLineString(s string) {
	l.mu.Lock()
	l.lines = append(l.lines, s)
	l.mu.Unlock()
}

func (l *lineLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

type harness struct {
	sys  *System
	arch *fakeArch
	log  *lineLog
	cpus []*fakeCPU
}

// newHarness builds a system of n fake CPUs with ICIs enabled and every CPU
// running with interrupts disabled.
func newHarness(t *testing.T, n int, mod func(*Config)) *harness {
	t.Helper()

	h := &harness{arch: newFakeArch(), log: &lineLog{}}
	cfg := Config{NumCPUs: n, Arch: h.arch, Logger: h.log}
	if mod != nil {
		mod(&cfg)
	}
	sys, err := Init(cfg)
	if err != nil {
		t.Fatalf("Init() err = %v", err)
	}
	h.sys = sys
	for i := 0; i < n; i++ {
		h.cpus = append(h.cpus, newFakeCPU(i))
	}
	sys.iciEnabled.Store(n > 1)
	return h
}

// serve runs ProcessPendingICI on each listed CPU in its own goroutine
// until the returned stop function is called.
func (h *harness) serve(ids ...int) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	for _, id := range ids {
		c := h.cpus[id]
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				h.sys.ProcessPendingICI(c)
				runtime.Gosched()
			}
		}()
	}
	return func() {
		close(done)
		wg.Wait()
	}
}

func (h *harness) checkQuiescent(t *testing.T) {
	t.Helper()
	st := h.sys.PoolStats()
	if st.Free != st.Capacity {
		t.Fatalf("PoolStats() = %+v, want all %d messages free", st, st.Capacity)
	}
	if st.LinkedLocal != 0 || st.LinkedBroadcast != 0 {
		t.Fatalf("PoolStats() = %+v, want empty mailboxes", st)
	}
}

func expectPanic(t *testing.T, fn func()) *PanicError {
	t.Helper()

	var got any
	func() {
		defer func() { got = recover() }()
		fn()
	}()
	if got == nil {
		t.Fatalf("expected panic, got none")
	}
	err, ok := got.(error)
	if !ok {
		t.Fatalf("panic value = %T(%v), want *PanicError", got, got)
	}
	var pe *PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("panic value = %T(%v), want *PanicError", got, got)
	}
	return pe
}

func waitOrFail(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}
