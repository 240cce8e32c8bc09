package smp

// SendICI asks target to run op.
//
// It does nothing before ICIs are enabled, and nothing when target is the
// calling CPU: a CPU never messages itself, callers run such requests
// inline. With FlagSync it returns only after target has run op, processing
// the caller's own mailbox meanwhile so two CPUs sending to each other
// cannot deadlock.
func (s *System) SendICI(c CPU, target int, op Op, flags Flags) {
	if !s.iciEnabled.Load() {
		return
	}
	id := c.ID()
	if target == id || target < 0 || target >= s.numCPUs {
		return
	}

	m, state := s.findFreeMessage(c)
	m.op = op
	m.flags = flags
	m.refCount.Store(1)

	mb := &s.mailboxes[target].mailbox
	s.acquireSpinlockNoCheck(c, &mb.lock)
	mb.push(m)
	s.releaseSpinlockNoCheck(c, &mb.lock)

	s.stats[id].sentUnicast.Add(1)
	s.arch.SendICI(target)

	if flags&FlagSync != 0 {
		s.waitForDone(c, m)
	}
	c.RestoreInterrupts(state)
}

// SendBroadcastICI asks every other CPU to run op.
func (s *System) SendBroadcastICI(c CPU, op Op, flags Flags) {
	if !s.iciEnabled.Load() {
		return
	}
	s.sendBroadcast(c, op, flags)
}

// SendBroadcastICIInterruptsDisabled is SendBroadcastICI for callers that
// already run with interrupts disabled, such as the kernel debugger
// stopping the other CPUs. Interrupts stay disabled.
func (s *System) SendBroadcastICIInterruptsDisabled(c CPU, op Op, flags Flags) {
	if c.InterruptsEnabled() {
		s.panicf(c, "smp_send_broadcast_ici_interrupts_disabled: called with interrupts enabled")
	}
	if !s.iciEnabled.Load() {
		return
	}
	s.sendBroadcast(c, op, flags)
}

func (s *System) sendBroadcast(c CPU, op Op, flags Flags) {
	id := c.ID()
	targets := AllCPUs(s.numCPUs).Without(id)
	if targets == 0 {
		return
	}

	m, state := s.findFreeMessage(c)
	m.op = op
	m.flags = flags
	m.refCount.Store(int32(targets.Count()))
	// The sender never processes its own broadcast.
	m.procMask = MaskOf(id)

	bc := &s.broadcast.mailbox
	s.acquireSpinlockNoCheck(c, &bc.lock)
	bc.push(m)
	s.releaseSpinlockNoCheck(c, &bc.lock)

	s.stats[id].sentBroadcast.Add(1)
	s.arch.SendBroadcastICI(id)

	if flags&FlagSync != 0 {
		s.waitForDone(c, m)
	}
	c.RestoreInterrupts(state)
}

// SendMulticastICI asks the CPUs in targets to run op. The caller is
// dropped from targets.
func (s *System) SendMulticastICI(c CPU, targets CPUMask, op Op, flags Flags) {
	if !s.iciEnabled.Load() {
		return
	}
	id := c.ID()
	all := AllCPUs(s.numCPUs)
	targets = targets & all &^ MaskOf(id)
	if targets == 0 {
		return
	}

	m, state := s.findFreeMessage(c)
	m.op = op
	m.flags = flags
	m.refCount.Store(int32(targets.Count()))
	// Everyone outside targets counts as having claimed it already.
	m.procMask = ^targets

	bc := &s.broadcast.mailbox
	s.acquireSpinlockNoCheck(c, &bc.lock)
	bc.push(m)
	s.releaseSpinlockNoCheck(c, &bc.lock)

	s.stats[id].sentMulticast.Add(1)
	s.arch.SendMulticastICI(uint64(targets))

	if flags&FlagSync != 0 {
		s.waitForDone(c, m)
	}
	c.RestoreInterrupts(state)
}

// waitForDone spins until the last target marks m done, then reclaims it.
// There is no timeout: a target that never answers stalls the sender.
func (s *System) waitForDone(c CPU, m *message) {
	s.stats[c.ID()].syncWaits.Add(1)
	for !m.done.Load() {
		s.ProcessPendingICI(c)
		cpuRelax()
	}
	s.returnFreeMessage(c, m)
}
