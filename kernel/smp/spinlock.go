package smp

import (
	"runtime"
	"sync/atomic"
)

// Spinlock is a single-word busy-wait lock: 0 unlocked, 1 locked.
//
// It carries no owner and is not recursive. The zero value is unlocked.
// It must only be held with interrupts disabled.
type Spinlock struct {
	state atomic.Uint32
}

// IsLocked reports whether the lock word is currently set.
func (l *Spinlock) IsLocked() bool { return l.state.Load() != 0 }

// cpuRelax yields the host thread inside a spin loop.
func cpuRelax() {
	runtime.Gosched()
}

// AcquireSpinlock takes l, spinning until it is free. While waiting the
// caller keeps processing its own pending ICIs so that a held lock cannot
// starve message delivery.
//
// On a single-CPU system an already held lock can only mean reentrancy, so it
// panics instead of spinning.
func (s *System) AcquireSpinlock(c CPU, l *Spinlock) {
	if c.InterruptsEnabled() {
		s.panicf(c, "acquire_spinlock: attempt to acquire lock %p with interrupts enabled", l)
	}
	s.acquire(c, l, true)
}

// acquireSpinlockNoCheck is AcquireSpinlock without the ICI pump and
// without the interrupt check. Pool, mailbox and parking locks use it.
func (s *System) acquireSpinlockNoCheck(c CPU, l *Spinlock) {
	s.acquire(c, l, false)
}

func (s *System) acquire(c CPU, l *Spinlock, pump bool) {
	caller := callerPC()
	if s.numCPUs > 1 {
		for {
			for l.state.Load() != 0 {
				if pump {
					s.ProcessPendingICI(c)
				}
				cpuRelax()
			}
			if l.state.CompareAndSwap(0, 1) {
				break
			}
		}
	} else if l.state.Swap(1) != 0 {
		s.panicf(c, "acquire_spinlock: lock %p already locked by someone else (called from %#x, %s)",
			l, caller, s.lastHolder(l))
	}
	if s.history != nil {
		s.history.record(caller, l)
	}
}

// ReleaseSpinlock drops l. Releasing an unlocked lock is fatal.
func (s *System) ReleaseSpinlock(c CPU, l *Spinlock) {
	if c.InterruptsEnabled() {
		s.panicf(c, "release_spinlock: attempt to release lock %p with interrupts enabled", l)
	}
	if l.state.Swap(0) != 1 {
		s.panicf(c, "release_spinlock: lock %p was already released", l)
	}
}

// releaseSpinlockNoCheck is used on paths that may run with interrupts
// enabled.
func (s *System) releaseSpinlockNoCheck(c CPU, l *Spinlock) {
	if l.state.Swap(0) != 1 {
		s.panicf(c, "release_spinlock: lock %p was already released", l)
	}
}

func callerPC() uintptr {
	var pcs [1]uintptr
	// Skip runtime.Callers, callerPC, acquire and the exported wrapper.
	if runtime.Callers(4, pcs[:]) == 0 {
		return 0
	}
	return pcs[0]
}
