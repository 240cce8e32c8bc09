// Package tmap keeps virtual-to-physical translation maps coherent across
// CPUs. Unmapping queues pages for invalidation; Flush drops them from the
// local TLB and shoots them down on every other CPU that may cache them.
package tmap

import (
	"sync/atomic"

	"smpsim/hal/mp"
	"smpsim/kernel/smp"
)

// InvalidateCacheSize is the number of queued pages a flush invalidates one
// by one. Past it the whole TLB is flushed instead.
const InvalidateCacheSize = 64

// Kind tells kernel maps, whose entries are global, from user maps.
type Kind uint8

const (
	User Kind = iota
	Kernel
)

func (k Kind) String() string {
	if k == Kernel {
		return "kernel"
	}
	return "user"
}

// CPU is a processor with a software-visible TLB.
type CPU interface {
	smp.CPU
	TLB() *mp.TLB
}

// Map is one address space.
type Map struct {
	sys  *smp.System
	kind Kind

	lock          smp.Spinlock
	entries       map[uintptr]uintptr
	invalidate    [InvalidateCacheSize]uintptr
	numInvalidate int

	// active holds the CPUs running on a user map.
	active atomic.Uint64

	listFlushes atomic.Uint64
	fullFlushes atomic.Uint64
	pagesQueued atomic.Uint64
}

func New(sys *smp.System, kind Kind) *Map {
	return &Map{sys: sys, kind: kind, entries: make(map[uintptr]uintptr)}
}

func (m *Map) Kind() Kind { return m.kind }

// Activate marks m as loaded on c. Flushes of a user map only reach CPUs
// it is active on.
func (m *Map) Activate(c CPU) {
	bit := uint64(smp.MaskOf(c.ID()))
	for {
		old := m.active.Load()
		if m.active.CompareAndSwap(old, old|bit) {
			return
		}
	}
}

// Deactivate drops c from the CPUs running on m. Its TLB keeps whatever it
// cached; the caller flushes it on the switch.
func (m *Map) Deactivate(c CPU) {
	bit := uint64(smp.MaskOf(c.ID()))
	for {
		old := m.active.Load()
		if m.active.CompareAndSwap(old, old&^bit) {
			return
		}
	}
}

// ActiveCPUs returns the CPUs m is loaded on.
func (m *Map) ActiveCPUs() smp.CPUMask { return smp.CPUMask(m.active.Load()) }

func (m *Map) lockMap(c CPU) bool {
	state := c.DisableInterrupts()
	m.sys.AcquireSpinlock(c, &m.lock)
	return state
}

func (m *Map) unlockMap(c CPU, state bool) {
	m.sys.ReleaseSpinlock(c, &m.lock)
	c.RestoreInterrupts(state)
}

// queue records va for the next flush. Past the cache only the count grows.
func (m *Map) queue(va uintptr) {
	if m.numInvalidate < InvalidateCacheSize {
		m.invalidate[m.numInvalidate] = va
	}
	m.numInvalidate++
	m.pagesQueued.Add(1)
}

// Map installs va -> pa. Replacing a different existing translation queues
// va for invalidation.
func (m *Map) Map(c CPU, va, pa uintptr) {
	va, pa = mp.PageOf(va), mp.PageOf(pa)
	state := m.lockMap(c)
	if old, ok := m.entries[va]; ok && old != pa {
		m.queue(va)
	}
	m.entries[va] = pa
	m.unlockMap(c, state)
}

// Unmap removes every translation in [start, end) and queues each removed
// page for invalidation. It returns the number of pages removed.
func (m *Map) Unmap(c CPU, start, end uintptr) int {
	start = mp.PageOf(start)
	n := 0
	state := m.lockMap(c)
	for va := start; va < end; va += mp.PageSize {
		if _, ok := m.entries[va]; !ok {
			continue
		}
		delete(m.entries, va)
		m.queue(va)
		n++
	}
	m.unlockMap(c, state)
	return n
}

// Query looks va up in the map without touching any TLB.
func (m *Map) Query(c CPU, va uintptr) (uintptr, bool) {
	state := m.lockMap(c)
	pa, ok := m.entries[mp.PageOf(va)]
	m.unlockMap(c, state)
	if !ok {
		return 0, false
	}
	return pa + va&(mp.PageSize-1), true
}

// Touch resolves va the way a page walk would, caching the translation in
// c's TLB. Interrupts stay off from the walk to the fill, so a reschedule
// cannot switch c to another map in between.
func (m *Map) Touch(c CPU, va uintptr) (uintptr, bool) {
	state := m.lockMap(c)
	pa, ok := m.entries[mp.PageOf(va)]
	if ok {
		c.TLB().Fill(va, m.kind == Kernel)
	}
	m.unlockMap(c, state)
	if !ok {
		return 0, false
	}
	return pa + va&(mp.PageSize-1), true
}

// Pending returns the number of pages queued since the last flush.
func (m *Map) Pending(c CPU) int {
	state := m.lockMap(c)
	n := m.numInvalidate
	m.unlockMap(c, state)
	return n
}

// Flush invalidates every queued page on c and, synchronously, on every
// other CPU that may cache it: all CPUs for a kernel map, the CPUs the map
// is active on for a user map.
func (m *Map) Flush(c CPU) {
	state := m.lockMap(c)
	n := m.numInvalidate
	if n == 0 {
		m.unlockMap(c, state)
		return
	}

	var (
		op    smp.Op
		flags = smp.FlagSync
		list  *smp.PageList
	)
	tlb := c.TLB()
	switch {
	case n > InvalidateCacheSize && m.kind == Kernel:
		tlb.FlushAll()
		op = smp.InvalidateGlobalPages{}
		m.fullFlushes.Add(1)
	case n > InvalidateCacheSize:
		tlb.FlushUser()
		op = smp.InvalidateUserPages{}
		m.fullFlushes.Add(1)
	default:
		list = smp.NewPageList()
		list.Pages = append(list.Pages, m.invalidate[:n]...)
		tlb.InvalidateList(list.Pages)
		op = smp.InvalidatePageList{Pages: list}
		flags |= smp.FlagFreePayload
		m.listFlushes.Add(1)
	}
	m.numInvalidate = 0
	m.sys.ReleaseSpinlock(c, &m.lock)

	targets := smp.AllCPUs(m.sys.NumCPUs()).Without(c.ID())
	if m.kind == User {
		targets &= m.ActiveCPUs()
	}
	switch {
	case targets == 0 || !m.sys.ICIEnabled():
		if list != nil {
			list.Free()
		}
	case m.kind == Kernel:
		m.sys.SendBroadcastICI(c, op, flags)
	default:
		m.sys.SendMulticastICI(c, targets, op, flags)
	}
	c.RestoreInterrupts(state)
}

// InvalidateRange drops [start, end], end inclusive, on every CPU at once
// without going through the queue. It is meant for contiguous kernel
// ranges such as I/O space remaps.
func (m *Map) InvalidateRange(c CPU, start, end uintptr) {
	state := c.DisableInterrupts()
	c.TLB().InvalidateRange(start, end)
	m.sys.SendBroadcastICI(c, smp.InvalidatePageRange{Start: start, End: end}, smp.FlagSync)
	c.RestoreInterrupts(state)
}

// FlushStats counts flushes by kind.
type FlushStats struct {
	List        uint64
	Full        uint64
	PagesQueued uint64
}

func (m *Map) Stats() FlushStats {
	return FlushStats{
		List:        m.listFlushes.Load(),
		Full:        m.fullFlushes.Load(),
		PagesQueued: m.pagesQueued.Load(),
	}
}
