package smp

import "sync/atomic"

// CallAllCPUs runs fn on every CPU, the caller included. The other CPUs run
// it asynchronously; the caller runs it with interrupts disabled before
// returning.
func (s *System) CallAllCPUs(c CPU, fn CallFunc, data1, data2, data3 uintptr) {
	s.callAll(c, fn, data1, data2, data3, FlagAsync)
}

// CallAllCPUsSync is CallAllCPUs that returns only after every CPU has run
// fn.
func (s *System) CallAllCPUsSync(c CPU, fn CallFunc, data1, data2, data3 uintptr) {
	s.callAll(c, fn, data1, data2, data3, FlagSync)
}

func (s *System) callAll(c CPU, fn CallFunc, data1, data2, data3 uintptr, flags Flags) {
	state := c.DisableInterrupts()
	// Before bring-up opens the gate only the caller runs fn.
	if s.numCPUs > 1 && s.iciEnabled.Load() {
		s.sendBroadcast(c, CallFunction{Fn: fn, Data1: data1, Data2: data2, Data3: data3}, flags)
	}
	fn(data1, c.ID(), data2, data3)
	c.RestoreInterrupts(state)
}

// CallSingleCPU runs fn on target. A call aimed at the caller runs inline.
func (s *System) CallSingleCPU(c CPU, target int, fn CallFunc, data1, data2, data3 uintptr) {
	s.callSingle(c, target, fn, data1, data2, data3, FlagAsync)
}

// CallSingleCPUSync is CallSingleCPU that waits for target to finish.
func (s *System) CallSingleCPUSync(c CPU, target int, fn CallFunc, data1, data2, data3 uintptr) {
	s.callSingle(c, target, fn, data1, data2, data3, FlagSync)
}

func (s *System) callSingle(c CPU, target int, fn CallFunc, data1, data2, data3 uintptr, flags Flags) {
	if target < 0 || target >= s.numCPUs {
		return
	}
	if target == c.ID() {
		state := c.DisableInterrupts()
		fn(data1, target, data2, data3)
		c.RestoreInterrupts(state)
		return
	}
	s.SendICI(c, target, CallFunction{Fn: fn, Data1: data1, Data2: data2, Data3: data3}, flags)
}

// Rendezvous blocks until every CPU has entered it with the same variable.
// Each CPU sets its bit in v and waits for the rest, servicing ICIs meanwhile.
// v must be zeroed before the first CPU enters.
func (s *System) Rendezvous(c CPU, v *atomic.Uint64) {
	bit := uint64(MaskOf(c.ID()))
	for {
		old := v.Load()
		if v.CompareAndSwap(old, old|bit) {
			break
		}
	}
	want := uint64(AllCPUs(s.numCPUs))
	for v.Load()&want != want {
		s.ProcessPendingICI(c)
		cpuRelax()
	}
}
