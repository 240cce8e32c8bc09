package smp

import "sync/atomic"

// mailbox is a LIFO list of pending messages. Every field except count is
// guarded by lock.
type mailbox struct {
	lock  Spinlock
	head  *message
	count atomic.Int32
}

func (mb *mailbox) push(m *message) {
	m.owner = mb
	m.prev = nil
	m.next = mb.head
	if mb.head != nil {
		mb.head.prev = m
	}
	mb.head = m
	mb.count.Add(1)
}

func (mb *mailbox) pop() *message {
	m := mb.head
	if m == nil {
		return nil
	}
	mb.unlink(m)
	return m
}

// unlink splices m out of the list. It reports false if m is not linked
// here.
func (mb *mailbox) unlink(m *message) bool {
	if m.owner != mb {
		return false
	}
	if m.prev != nil {
		m.prev.next = m.next
	} else {
		if mb.head != m {
			return false
		}
		mb.head = m.next
	}
	if m.next != nil {
		m.next.prev = m.prev
	}
	m.next, m.prev, m.owner = nil, nil, nil
	mb.count.Add(-1)
	return true
}

// firstUnclaimed returns the newest message cpu has not claimed yet.
func (mb *mailbox) firstUnclaimed(cpu int) *message {
	for m := mb.head; m != nil; m = m.next {
		if !m.procMask.Has(cpu) {
			return m
		}
	}
	return nil
}
