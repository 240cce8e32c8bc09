package smp

import "sync/atomic"

// freePool holds unused messages. head is guarded by lock; count may be
// polled without it.
type freePool struct {
	lock  Spinlock
	head  *message
	count atomic.Int32
}

func (p *freePool) push(m *message) {
	m.next = p.head
	p.head = m
	p.count.Add(1)
}

func (p *freePool) pop() *message {
	m := p.head
	if m == nil {
		return nil
	}
	p.head = m.next
	m.next = nil
	p.count.Add(-1)
	return m
}

// findFreeMessage disables interrupts and takes a message from the pool,
// waiting for one if the pool is empty. The caller owns restoring the
// returned interrupt state.
//
// The pool is sized so it should not run dry; if it does, this stalls until
// another CPU returns a message. Rather than only polling the pool count,
// the wait keeps draining the caller's own messages, since the ones it is
// waiting for may be parked there.
func (s *System) findFreeMessage(c CPU) (*message, bool) {
	state := c.DisableInterrupts()
	for {
		for s.pool.count.Load() <= 0 {
			s.ProcessPendingICI(c)
			cpuRelax()
		}

		s.acquireSpinlockNoCheck(c, &s.pool.lock)
		// The unlocked check above may have raced another taker.
		m := s.pool.pop()
		s.releaseSpinlockNoCheck(c, &s.pool.lock)
		if m != nil {
			m.reset()
			return m, state
		}
	}
}

// returnFreeMessage puts m back into the pool.
func (s *System) returnFreeMessage(c CPU, m *message) {
	m.op = nil
	s.acquireSpinlockNoCheck(c, &s.pool.lock)
	s.pool.push(m)
	s.releaseSpinlockNoCheck(c, &s.pool.lock)
}

// PoolStats is a snapshot of where the messages are.
//
// At quiescence Free+LinkedLocal+LinkedBroadcast equals Capacity.
type PoolStats struct {
	Capacity        int
	Free            int
	LinkedLocal     int
	LinkedBroadcast int
}

// InFlight returns the messages that are neither free nor linked: taken by
// a sender, being processed, or awaiting return by a synchronous sender.
func (p PoolStats) InFlight() int {
	return p.Capacity - p.Free - p.LinkedLocal - p.LinkedBroadcast
}

// PoolStats returns a racy snapshot of the pool and mailboxes.
func (s *System) PoolStats() PoolStats {
	st := PoolStats{
		Capacity:        len(s.messages),
		Free:            int(s.pool.count.Load()),
		LinkedBroadcast: int(s.broadcast.count.Load()),
	}
	for i := range s.mailboxes {
		st.LinkedLocal += int(s.mailboxes[i].count.Load())
	}
	return st
}
