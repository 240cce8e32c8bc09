package smp

import (
	"math/bits"
	"sync/atomic"
)

// CPUMask is a set of processor indices.
type CPUMask uint64

// MaskOf returns the mask holding the given CPUs.
func MaskOf(cpus ...int) CPUMask {
	var m CPUMask
	for _, c := range cpus {
		m = m.With(c)
	}
	return m
}

// AllCPUs returns the mask of CPUs 0..n-1.
func AllCPUs(n int) CPUMask {
	if n >= MaxCPUs {
		return ^CPUMask(0)
	}
	return CPUMask(1)<<uint(n) - 1
}

func (m CPUMask) Has(cpu int) bool       { return m&(1<<uint(cpu)) != 0 }
func (m CPUMask) With(cpu int) CPUMask    { return m | 1<<uint(cpu) }
func (m CPUMask) Without(cpu int) CPUMask { return m &^ (1 << uint(cpu)) }
func (m CPUMask) Count() int              { return bits.OnesCount64(uint64(m)) }

type message struct {
	next, prev *message
	owner      *mailbox

	op    Op
	flags Flags

	refCount atomic.Int32
	done     atomic.Bool

	// procMask holds the CPUs that have claimed a broadcast message. It
	// is only touched under the broadcast mailbox lock.
	procMask CPUMask
}

func (m *message) reset() {
	m.op = nil
	m.flags = 0
	m.procMask = 0
	m.done.Store(false)
	m.refCount.Store(0)
}
