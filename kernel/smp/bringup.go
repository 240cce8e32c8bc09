package smp

// TrapNonBootCPUs parks every CPU but the boot CPU until
// WakeUpNonBootCPUs releases it. A released CPU flushes its whole TLB, since
// the boot CPU may have changed mappings meanwhile. It reports whether c is
// the boot CPU.
func (s *System) TrapNonBootCPUs(c CPU) bool {
	id := c.ID()
	if id == 0 {
		return true
	}
	park := &s.mailboxes[id].park
	// Engage the parking lock, then spin on it until the boot CPU lets go.
	park.state.Store(1)
	s.acquireSpinlockNoCheck(c, park)
	s.arch.InvalidateGlobalTLB(id)
	return false
}

// WaitForNonBootCPUs spins until every secondary CPU is parked.
func (s *System) WaitForNonBootCPUs(c CPU) {
	for {
		ready := true
		for i := 1; i < s.numCPUs; i++ {
			if !s.mailboxes[i].park.IsLocked() {
				ready = false
				break
			}
		}
		if ready {
			return
		}
		cpuRelax()
	}
}

// WakeUpNonBootCPUs opens the ICI gate and releases the parked CPUs. No
// message is processed before this point. The gate stays closed on a
// single-CPU system.
func (s *System) WakeUpNonBootCPUs(c CPU) {
	if s.numCPUs > 1 {
		s.iciEnabled.Store(true)
	}
	for i := 1; i < s.numCPUs; i++ {
		s.releaseSpinlockNoCheck(c, &s.mailboxes[i].park)
	}
}
