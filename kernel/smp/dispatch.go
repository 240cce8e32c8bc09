package smp

type source uint8

const (
	sourceLocal source = iota
	sourceBroadcast
)

// checkForMessage takes the next message for c: first from its own mailbox,
// then the newest broadcast message it has not claimed yet. Broadcast
// messages stay linked until their last target finishes them.
func (s *System) checkForMessage(c CPU) (*message, source) {
	if !s.iciEnabled.Load() {
		return nil, 0
	}
	id := c.ID()

	mb := &s.mailboxes[id].mailbox
	s.acquireSpinlockNoCheck(c, &mb.lock)
	m := mb.pop()
	s.releaseSpinlockNoCheck(c, &mb.lock)
	if m != nil {
		return m, sourceLocal
	}

	bc := &s.broadcast.mailbox
	s.acquireSpinlockNoCheck(c, &bc.lock)
	m = bc.firstUnclaimed(id)
	if m != nil {
		m.procMask = m.procMask.With(id)
	}
	s.releaseSpinlockNoCheck(c, &bc.lock)
	if m != nil {
		return m, sourceBroadcast
	}
	return nil, 0
}

// finishMessageProcessing drops c's reference to m. The CPU that drops the
// last reference unlinks the message and either marks it done, for the
// waiting synchronous sender to reclaim, or returns it to the pool.
func (s *System) finishMessageProcessing(c CPU, m *message, src source) {
	if m.refCount.Add(-1) != 0 {
		return
	}

	if src == sourceBroadcast {
		bc := &s.broadcast.mailbox
		s.acquireSpinlockNoCheck(c, &bc.lock)
		ok := bc.unlink(m)
		s.releaseSpinlockNoCheck(c, &bc.lock)
		if !ok {
			s.panicf(c, "smp: message %p not found in broadcast mailbox", m)
		}
	}
	// Local messages were already popped by checkForMessage.

	if m.flags&FlagFreePayload != 0 {
		if p, ok := m.op.(payloadOwner); ok {
			p.freePayload()
		}
	}

	if m.flags&FlagSync != 0 {
		m.done.Store(true)
		return
	}
	s.returnFreeMessage(c, m)
}

// ProcessPendingICI runs at most one pending message for c.
func (s *System) ProcessPendingICI(c CPU) Result {
	r, _ := s.processPendingICI(c)
	return r
}

func (s *System) processPendingICI(c CPU) (Result, bool) {
	m, src := s.checkForMessage(c)
	if m == nil {
		return Handled, false
	}

	id := c.ID()
	result := Handled
	halt := false
	cs := &s.stats[id]

	switch op := m.op.(type) {
	case InvalidatePageRange:
		s.arch.InvalidateTLBRange(id, op.Start, op.End)
		cs.processed[OpInvalidatePageRange].Add(1)
	case InvalidatePageList:
		if op.Pages != nil {
			s.arch.InvalidateTLBList(id, op.Pages.Pages)
		}
		cs.processed[OpInvalidatePageList].Add(1)
	case InvalidateUserPages:
		s.arch.InvalidateUserTLB(id)
		cs.processed[OpInvalidateUserPages].Add(1)
	case InvalidateGlobalPages:
		s.arch.InvalidateGlobalTLB(id)
		cs.processed[OpInvalidateGlobalPages].Add(1)
	case Reschedule:
		result = InvokeScheduler
		cs.processed[OpReschedule].Add(1)
	case CPUHalt:
		halt = true
		cs.processed[OpCPUHalt].Add(1)
	case CallFunction:
		if op.Fn != nil {
			op.Fn(op.Data1, id, op.Data2, op.Data3)
		}
		cs.processed[OpCallFunction].Add(1)
	default:
		cs.unknown.Add(1)
		code := OpCode(0)
		if m.op != nil {
			code = m.op.Code()
		}
		s.logf("smp: cpu %d: unknown message code %d (%T)", id, code, m.op)
	}

	s.finishMessageProcessing(c, m, src)

	if halt {
		c.DisableInterrupts()
		for {
			c.Halt()
		}
	}
	return result, true
}

// InterCPUInterruptHandler is the entry point of the ICI vector. Where a
// single ProcessPendingICI handles one message, this drains every message
// pending for c, since several ICIs may have been coalesced into one
// interrupt.
func (s *System) InterCPUInterruptHandler(c CPU) Result {
	result := Handled
	for {
		r, ok := s.processPendingICI(c)
		if !ok {
			return result
		}
		if r == InvokeScheduler {
			result = InvokeScheduler
		}
	}
}
