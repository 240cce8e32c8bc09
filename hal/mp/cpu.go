package mp

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

type job struct {
	fn   func(*CPU)
	done chan struct{}
}

// CPU is one virtual processor.
//
// The smp-facing methods (ID, InterruptsEnabled, DisableInterrupts,
// RestoreInterrupts, Halt, Poll) describe the calling processor and must only
// be called from code running on this CPU.
type CPU struct {
	_ cpu.CacheLinePad

	id int
	m  *Machine

	intr    atomic.Bool
	pending atomic.Bool

	doorbell chan struct{}
	jobs     chan job

	tlb *TLB
	ctx context.Context

	haltOnce sync.Once
	halted   chan struct{}

	interrupts  atomic.Uint64
	icis        atomic.Uint64
	reschedules atomic.Uint64
	jobsRun     atomic.Uint64

	_ cpu.CacheLinePad
}

func newCPU(m *Machine, id, depth int) *CPU {
	return &CPU{
		id:       id,
		m:        m,
		doorbell: make(chan struct{}, 1),
		jobs:     make(chan job, depth),
		tlb:      newTLB(),
		halted:   make(chan struct{}),
	}
}

func (c *CPU) ID() int { return c.id }

// TLB returns the CPU's translation cache.
func (c *CPU) TLB() *TLB { return c.tlb }

func (c *CPU) InterruptsEnabled() bool { return c.intr.Load() }

// DisableInterrupts masks interrupts and reports whether they were enabled.
func (c *CPU) DisableInterrupts() bool { return c.intr.Swap(false) }

// RestoreInterrupts sets the interrupt flag. Re-enabling with an ICI latched
// takes it at once.
func (c *CPU) RestoreInterrupts(enabled bool) {
	c.intr.Store(enabled)
	if enabled {
		c.service()
	}
}

// Poll takes a latched ICI if interrupts are enabled.
func (c *CPU) Poll() { c.service() }

// Halt takes the CPU offline for good. It does not return: the goroutine
// parks until the machine stops.
func (c *CPU) Halt() {
	c.intr.Store(false)
	c.haltOnce.Do(func() { close(c.halted) })
	if c.ctx != nil {
		<-c.ctx.Done()
	}
	runtime.Goexit()
}

// Halted reports whether the CPU has gone offline.
func (c *CPU) Halted() bool {
	select {
	case <-c.halted:
		return true
	default:
		return false
	}
}

func (c *CPU) raise() {
	c.icis.Add(1)
	c.pending.Store(true)
	select {
	case c.doorbell <- struct{}{}:
	default:
	}
}

func (c *CPU) service() {
	for c.intr.Load() && c.pending.Load() {
		c.takeInterrupt()
	}
}

func (c *CPU) takeInterrupt() {
	c.pending.Store(false)
	c.intr.Store(false)
	c.interrupts.Add(1)

	resched := false
	if h := c.m.handler; h != nil {
		resched = h(c)
	}
	c.intr.Store(true)

	if resched {
		c.reschedules.Add(1)
		if s := c.m.scheduler; s != nil {
			s(c)
		}
	}
}

func (c *CPU) run(ctx context.Context, boot func(*CPU) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &Fault{CPU: c.id, Value: r, Stack: debug.Stack()}
		}
	}()

	c.ctx = ctx
	c.intr.Store(false)
	if boot != nil {
		if err := boot(c); err != nil {
			return fmt.Errorf("mp: boot cpu %d: %w", c.id, err)
		}
	}
	c.RestoreInterrupts(true)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.doorbell:
			c.service()
		case j := <-c.jobs:
			j.fn(c)
			c.jobsRun.Add(1)
			if j.done != nil {
				close(j.done)
			}
			// Jobs may leave interrupts masked; the idle loop never does.
			c.RestoreInterrupts(true)
		}
	}
}

// Stats is a snapshot of one CPU's counters.
type Stats struct {
	Interrupts  uint64
	ICIs        uint64
	Reschedules uint64
	Jobs        uint64
	TLBEntries  int
	TLBFlushes  uint64
	Halted      bool
}

func (c *CPU) Stats() Stats {
	return Stats{
		Interrupts:  c.interrupts.Load(),
		ICIs:        c.icis.Load(),
		Reschedules: c.reschedules.Load(),
		Jobs:        c.jobsRun.Load(),
		TLBEntries:  c.tlb.Len(),
		TLBFlushes:  c.tlb.Flushes(),
		Halted:      c.Halted(),
	}
}

// Fault is a panic raised on a virtual CPU.
type Fault struct {
	CPU   int
	Value any
	Stack []byte
}

func (f *Fault) Error() string {
	return fmt.Sprintf("mp: fault on cpu %d: %v", f.CPU, f.Value)
}

// Unwrap exposes a panic value that is itself an error.
func (f *Fault) Unwrap() error {
	if err, ok := f.Value.(error); ok {
		return err
	}
	return nil
}
