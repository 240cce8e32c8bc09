package smp

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

const lockHistorySize = 64

type lockRecord struct {
	caller atomic.Uintptr
	lock   atomic.Pointer[Spinlock]
}

// lockHistory is a ring of the last lockHistorySize acquisitions.
type lockHistory struct {
	next    atomic.Uint32
	records [lockHistorySize]lockRecord
}

func (h *lockHistory) record(caller uintptr, l *Spinlock) {
	i := (h.next.Add(1) - 1) % lockHistorySize
	r := &h.records[i]
	r.lock.Store(l)
	r.caller.Store(caller)
}

// LockRecord is one entry of the acquisition history.
type LockRecord struct {
	Caller uintptr
	Lock   *Spinlock
}

// Function returns the name of the function that took the lock.
func (r LockRecord) Function() string {
	if f := runtime.FuncForPC(r.Caller); f != nil {
		return f.Name()
	}
	return "?"
}

// SpinlockHistory returns recorded acquisitions, oldest first. It is empty
// unless Config.TrackSpinlocks was set.
func (s *System) SpinlockHistory() []LockRecord {
	h := s.history
	if h == nil {
		return nil
	}
	n := h.next.Load()
	start := uint32(0)
	count := n
	if n > lockHistorySize {
		start = n - lockHistorySize
		count = lockHistorySize
	}
	out := make([]LockRecord, 0, count)
	for i := start; i < n; i++ {
		r := &h.records[i%lockHistorySize]
		out = append(out, LockRecord{Caller: r.caller.Load(), Lock: r.lock.Load()})
	}
	return out
}

func (s *System) lastHolder(l *Spinlock) string {
	recs := s.SpinlockHistory()
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].Lock == l {
			return fmt.Sprintf("last acquired at %#x in %s", recs[i].Caller, recs[i].Function())
		}
	}
	return "no recorded holder"
}
