// Package klog buffers kernel log lines written from interrupt context.
//
// CPUs must not block on the host logger while interrupts are disabled, so
// they write into a fixed ring that never allocates or waits; a full ring
// drops the line and counts it. The host drains the ring from its own loop.
package klog

import (
	"runtime"
	"sync/atomic"
)

// MaxLineBytes is the longest line kept; longer lines are truncated.
const MaxLineBytes = 160

const ringSlots = 256

type slot struct {
	seq atomic.Uint64
	n   int
	buf [MaxLineBytes]byte
}

// Ring is a bounded multi-producer, multi-consumer line queue. The zero value
// is not ready; use New.
type Ring struct {
	_       [0]func() // prevent accidental copying.
	head    atomic.Uint64
	tail    atomic.Uint64
	dropped atomic.Uint64
	slots   [ringSlots]slot
}

func New() *Ring {
	r := &Ring{}
	for i := range r.slots {
		r.slots[i].seq.Store(uint64(i))
	}
	return r
}

// TryWrite enqueues one line, returning false if the ring is full.
func (r *Ring) TryWrite(b []byte) bool {
	for {
		head := r.head.Load()
		s := &r.slots[head%ringSlots]
		seq := s.seq.Load()
		switch {
		case seq == head:
			// Reserve the slot.
			if !r.head.CompareAndSwap(head, head+1) {
				continue
			}
			s.n = copy(s.buf[:], b)
			s.seq.Store(head + 1)
			return true
		case seq < head:
			return false
		default:
			runtime.Gosched()
		}
	}
}

// WriteLineString enqueues s, dropping it if the ring is full.
func (r *Ring) WriteLineString(s string) {
	var buf [MaxLineBytes]byte
	n := copy(buf[:], s)
	if !r.TryWrite(buf[:n]) {
		r.dropped.Add(1)
	}
}

func (r *Ring) WriteLineBytes(b []byte) {
	if !r.TryWrite(b) {
		r.dropped.Add(1)
	}
}

// TryRead copies the oldest line into dst and returns its length, or false
// if the ring is empty.
func (r *Ring) TryRead(dst []byte) (int, bool) {
	for {
		tail := r.tail.Load()
		s := &r.slots[tail%ringSlots]
		seq := s.seq.Load()
		switch {
		case seq == tail+1:
			if !r.tail.CompareAndSwap(tail, tail+1) {
				continue
			}
			n := copy(dst, s.buf[:s.n])
			s.seq.Store(tail + ringSlots)
			return n, true
		case seq < tail+1:
			return 0, false
		default:
			runtime.Gosched()
		}
	}
}

// Drain hands every queued line to fn and returns how many there were. The
// slice is only valid during the call.
func (r *Ring) Drain(fn func(line []byte)) int {
	var buf [MaxLineBytes]byte
	n := 0
	for {
		l, ok := r.TryRead(buf[:])
		if !ok {
			return n
		}
		fn(buf[:l])
		n++
	}
}

// Dropped returns the number of lines lost to a full ring.
func (r *Ring) Dropped() uint64 { return r.dropped.Load() }
