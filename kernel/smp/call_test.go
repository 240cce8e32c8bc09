package smp

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestCallAllCPUsSync(t *testing.T) {
	h := newHarness(t, 4, nil)
	stop := h.serve(1, 2, 3)
	defer stop()

	var seen atomic.Uint64
	var args atomic.Int32
	h.sys.CallAllCPUsSync(h.cpus[0], func(d1 uintptr, cpu int, d2, d3 uintptr) {
		if d1 == 7 && d2 == 8 && d3 == 9 {
			args.Add(1)
		}
		for {
			old := seen.Load()
			if seen.CompareAndSwap(old, old|1<<uint(cpu)) {
				return
			}
		}
	}, 7, 8, 9)

	if got, want := seen.Load(), uint64(AllCPUs(4)); got != want {
		t.Fatalf("cpus that ran = %#b, want %#b", got, want)
	}
	if got := args.Load(); got != 4 {
		t.Fatalf("%d calls saw the right arguments, want 4", got)
	}
	h.checkQuiescent(t)
}

func TestCallAllCPUsRunsLocallyWithInterruptsDisabled(t *testing.T) {
	h := newHarness(t, 2, nil)
	c0 := h.cpus[0]
	c0.intr.Store(true)

	var localDisabled bool
	h.sys.CallAllCPUs(c0, func(_ uintptr, cpu int, _, _ uintptr) {
		if cpu == 0 {
			localDisabled = !c0.InterruptsEnabled()
		}
	}, 0, 0, 0)

	if !localDisabled {
		t.Fatalf("local call ran with interrupts enabled")
	}
	if !c0.InterruptsEnabled() {
		t.Fatalf("InterruptsEnabled() = false after CallAllCPUs, want restored")
	}
	if got := h.sys.PoolStats().LinkedBroadcast; got != 1 {
		t.Fatalf("PoolStats().LinkedBroadcast = %d, want 1 pending", got)
	}
	h.sys.ProcessPendingICI(h.cpus[1])
	h.checkQuiescent(t)
}

func TestCallAllCPUsBeforeBringUpRunsOnlyLocally(t *testing.T) {
	for _, tt := range []struct {
		name string
		call func(*System, CPU, CallFunc)
	}{
		{"async", func(s *System, c CPU, fn CallFunc) { s.CallAllCPUs(c, fn, 0, 0, 0) }},
		{"sync", func(s *System, c CPU, fn CallFunc) { s.CallAllCPUsSync(c, fn, 0, 0, 0) }},
	} {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 2, nil)
			h.sys.iciEnabled.Store(false)
			stop := h.serve(1)
			defer stop()

			var ran atomic.Uint64
			done := make(chan struct{})
			go func() {
				defer close(done)
				tt.call(h.sys, h.cpus[0], func(_ uintptr, cpu int, _, _ uintptr) {
					ran.Add(uint64(MaskOf(cpu)))
				})
			}()
			waitOrFail(t, done, "call-all with the ICI gate closed")

			if got, want := ran.Load(), uint64(MaskOf(0)); got != want {
				t.Fatalf("cpus that ran = %#b, want %#b", got, want)
			}
			h.checkQuiescent(t)
			h.arch.mu.Lock()
			broadcasts := len(h.arch.broadcasts)
			h.arch.mu.Unlock()
			if broadcasts != 0 {
				t.Fatalf("arch broadcasts = %d, want 0", broadcasts)
			}
		})
	}
}

func TestCallSingleCPU(t *testing.T) {
	h := newHarness(t, 3, nil)
	stop := h.serve(2)
	defer stop()

	var ranOn atomic.Int32
	ranOn.Store(-1)
	fn := func(_ uintptr, cpu int, _, _ uintptr) { ranOn.Store(int32(cpu)) }

	h.sys.CallSingleCPUSync(h.cpus[0], 2, fn, 0, 0, 0)
	if got := ranOn.Load(); got != 2 {
		t.Fatalf("CallSingleCPUSync ran on cpu %d, want 2", got)
	}

	h.sys.CallSingleCPU(h.cpus[0], 0, fn, 0, 0, 0)
	if got := ranOn.Load(); got != 0 {
		t.Fatalf("CallSingleCPU to self ran on cpu %d, want 0 inline", got)
	}
	if got := h.sys.Stats(0).SentUnicast; got != 1 {
		t.Fatalf("Stats(0).SentUnicast = %d, want 1", got)
	}
	h.checkQuiescent(t)
}

func TestRendezvous(t *testing.T) {
	const cpus = 4
	h := newHarness(t, cpus, nil)

	var (
		v       atomic.Uint64
		arrived atomic.Int32
		wg      sync.WaitGroup
	)
	for _, c := range h.cpus {
		wg.Add(1)
		go func(c *fakeCPU) {
			defer wg.Done()
			arrived.Add(1)
			h.sys.Rendezvous(c, &v)
			if got := arrived.Load(); got != cpus {
				t.Errorf("cpu %d left rendezvous with %d arrivals, want %d", c.id, got, cpus)
			}
		}(c)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	waitOrFail(t, done, "rendezvous")
}
