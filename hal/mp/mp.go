// Package mp simulates a shared-memory multiprocessor on the host.
//
// Each virtual CPU is a goroutine with an interrupt-enable flag, a latched
// inter-CPU interrupt line and its own TLB. Interrupts are taken only at
// well-defined points on the CPU's own goroutine: when the CPU is idle, when
// interrupts are re-enabled, and when running code calls Poll. Code that
// disables interrupts therefore runs to completion on its CPU, as it would
// on hardware.
//
// A Machine satisfies the architecture interface of kernel/smp and a *CPU
// its processor interface.
package mp

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// MaxCPUs matches the widest CPU mask.
const MaxCPUs = 64

const defaultQueueDepth = 64

var (
	ErrInvalidCPUCount = errors.New("invalid cpu count")
	ErrNoSuchCPU       = errors.New("no such cpu")
	ErrHalted          = errors.New("cpu halted")
	ErrQueueFull       = errors.New("cpu job queue full")
)

// Config describes the machine.
type Config struct {
	CPUs int

	// QueueDepth bounds each CPU's pending job queue. Zero means 64.
	QueueDepth int
}

// Machine is a set of virtual CPUs.
type Machine struct {
	cpus []*CPU

	handler   func(*CPU) bool
	scheduler func(*CPU)
}

// New builds a machine. No CPU runs until Run is called.
func New(cfg Config) (*Machine, error) {
	if cfg.CPUs < 1 || cfg.CPUs > MaxCPUs {
		return nil, fmt.Errorf("mp: %d cpus: %w", cfg.CPUs, ErrInvalidCPUCount)
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	m := &Machine{cpus: make([]*CPU, cfg.CPUs)}
	for i := range m.cpus {
		m.cpus[i] = newCPU(m, i, depth)
	}
	return m, nil
}

func (m *Machine) NumCPUs() int { return len(m.cpus) }

// CPU returns CPU id, or nil if there is none.
func (m *Machine) CPU(id int) *CPU {
	if id < 0 || id >= len(m.cpus) {
		return nil
	}
	return m.cpus[id]
}

// SetInterruptHandler installs the ICI vector. It returns true when the
// interrupted CPU should reschedule. It must be set before Run.
func (m *Machine) SetInterruptHandler(fn func(*CPU) bool) { m.handler = fn }

// SetScheduler installs the hook run after an interrupt asked for a
// reschedule. It must be set before Run.
func (m *Machine) SetScheduler(fn func(*CPU)) { m.scheduler = fn }

// Run starts every CPU with interrupts disabled and runs boot on each. When
// boot returns the CPU enables interrupts and idles, taking interrupts and
// jobs until ctx is done.
//
// Run returns nil once ctx is done, or the first error: a boot error or a
// *Fault raised by a CPU. Either stops the other CPUs.
func (m *Machine) Run(ctx context.Context, boot func(*CPU) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range m.cpus {
		c := c
		g.Go(func() error {
			return c.run(gctx, boot)
		})
	}
	return g.Wait()
}

// Exec runs fn on CPU id with interrupts enabled and waits for it.
func (m *Machine) Exec(ctx context.Context, id int, fn func(*CPU)) error {
	c := m.CPU(id)
	if c == nil {
		return fmt.Errorf("mp: exec on cpu %d: %w", id, ErrNoSuchCPU)
	}
	j := job{fn: fn, done: make(chan struct{})}
	select {
	case c.jobs <- j:
	case <-c.halted:
		return fmt.Errorf("mp: exec on cpu %d: %w", id, ErrHalted)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-j.done:
		return nil
	case <-c.halted:
		return fmt.Errorf("mp: exec on cpu %d: %w", id, ErrHalted)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit queues fn on CPU id without waiting.
func (m *Machine) Submit(id int, fn func(*CPU)) error {
	c := m.CPU(id)
	if c == nil {
		return fmt.Errorf("mp: submit to cpu %d: %w", id, ErrNoSuchCPU)
	}
	if c.Halted() {
		return fmt.Errorf("mp: submit to cpu %d: %w", id, ErrHalted)
	}
	select {
	case c.jobs <- job{fn: fn}:
		return nil
	default:
		return fmt.Errorf("mp: submit to cpu %d: %w", id, ErrQueueFull)
	}
}

// SendICI raises the ICI line of target.
func (m *Machine) SendICI(target int) {
	if c := m.CPU(target); c != nil {
		c.raise()
	}
}

// SendBroadcastICI raises the ICI line of every CPU but from.
func (m *Machine) SendBroadcastICI(from int) {
	for _, c := range m.cpus {
		if c.id != from {
			c.raise()
		}
	}
}

// SendMulticastICI raises the ICI line of each CPU in targets.
func (m *Machine) SendMulticastICI(targets uint64) {
	for _, c := range m.cpus {
		if targets&(1<<uint(c.id)) != 0 {
			c.raise()
		}
	}
}

func (m *Machine) InvalidateTLBRange(cpu int, start, end uintptr) {
	if c := m.CPU(cpu); c != nil {
		c.tlb.InvalidateRange(start, end)
	}
}

func (m *Machine) InvalidateTLBList(cpu int, pages []uintptr) {
	if c := m.CPU(cpu); c != nil {
		c.tlb.InvalidateList(pages)
	}
}

func (m *Machine) InvalidateUserTLB(cpu int) {
	if c := m.CPU(cpu); c != nil {
		c.tlb.FlushUser()
	}
}

func (m *Machine) InvalidateGlobalTLB(cpu int) {
	if c := m.CPU(cpu); c != nil {
		c.tlb.FlushAll()
	}
}
