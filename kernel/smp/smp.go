// Package smp implements inter-CPU messaging and the spinlock primitive of a
// symmetric multiprocessing kernel.
//
// A sender takes a message from a fixed pool, links it into the target CPU's
// mailbox (or the shared broadcast mailbox) and raises an inter-CPU interrupt
// (ICI) through the architecture layer. Targets drain their mailboxes from the
// ICI handler, or while spinning on a lock or on a synchronous send, run the
// requested operation and release the message once every target is done.
//
// Nothing in this package blocks on a scheduler primitive: all waiting is busy
// spinning with interrupts disabled.
package smp

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// MaxCPUs is the largest supported processor count.
const MaxCPUs = 64

// DefaultPoolSize is the number of preallocated messages.
const DefaultPoolSize = 4 * MaxCPUs

var (
	ErrInvalidCPUCount = errors.New("invalid cpu count")
	ErrNoArch          = errors.New("no architecture layer")
	ErrPoolSize        = errors.New("invalid message pool size")
)

// Arch is the architecture layer the messaging code drives.
//
// TLB operations act on the processor named by cpu, which is always the
// caller's own processor.
type Arch interface {
	SendICI(target int)
	SendBroadcastICI(from int)
	SendMulticastICI(targets uint64)

	InvalidateTLBRange(cpu int, start, end uintptr)
	InvalidateTLBList(cpu int, pages []uintptr)
	InvalidateUserTLB(cpu int)
	InvalidateGlobalTLB(cpu int)
}

// CPU is the calling processor's view of itself.
type CPU interface {
	ID() int
	InterruptsEnabled() bool
	// DisableInterrupts turns interrupts off and reports whether they were on.
	DisableInterrupts() bool
	RestoreInterrupts(enabled bool)
	// Halt takes the processor offline. It does not return.
	Halt()
}

// Logger receives diagnostic lines. hal.Logger satisfies it.
type Logger interface {
	WriteLineString(s string)
}

// Config describes the processor set handed to Init.
type Config struct {
	NumCPUs int
	Arch    Arch
	Logger  Logger

	// PoolSize overrides DefaultPoolSize when positive.
	PoolSize int

	// TrackSpinlocks records recent spinlock acquisitions so a
	// double-acquire panic can name the previous holder.
	TrackSpinlocks bool

	// PanicHandler is invoked once, on the first fatal error.
	PanicHandler func(PanicInfo)
}

type cpuMailbox struct {
	_ cpu.CacheLinePad
	mailbox
	park Spinlock
	_    cpu.CacheLinePad
}

// System is the process-wide messaging state. It lives as long as the
// kernel does; there is no teardown.
type System struct {
	numCPUs int
	arch    Arch
	log     Logger

	iciEnabled atomic.Bool

	pool      freePool
	messages  []message
	mailboxes []cpuMailbox
	broadcast struct {
		_ cpu.CacheLinePad
		mailbox
		_ cpu.CacheLinePad
	}

	history *lockHistory
	stats   []cpuStats

	panicHandler func(PanicInfo)
	panicOnce    sync.Once
	panicActive  atomic.Bool
}

// Init allocates the message pool and mailboxes. It must run before any
// other entry point.
func Init(cfg Config) (*System, error) {
	if cfg.NumCPUs < 1 || cfg.NumCPUs > MaxCPUs {
		return nil, fmt.Errorf("smp: %d cpus: %w", cfg.NumCPUs, ErrInvalidCPUCount)
	}
	if cfg.Arch == nil {
		return nil, fmt.Errorf("smp: init: %w", ErrNoArch)
	}
	size := cfg.PoolSize
	if size == 0 {
		size = DefaultPoolSize
	}
	if size < 0 {
		return nil, fmt.Errorf("smp: pool size %d: %w", size, ErrPoolSize)
	}

	s := &System{
		numCPUs:      cfg.NumCPUs,
		arch:         cfg.Arch,
		log:          cfg.Logger,
		messages:     make([]message, size),
		mailboxes:    make([]cpuMailbox, cfg.NumCPUs),
		stats:        make([]cpuStats, cfg.NumCPUs),
		panicHandler: cfg.PanicHandler,
	}
	if cfg.TrackSpinlocks {
		s.history = new(lockHistory)
	}
	for i := range s.messages {
		s.pool.push(&s.messages[i])
	}
	return s, nil
}

// NumCPUs returns the processor count given to Init.
func (s *System) NumCPUs() int { return s.numCPUs }

// ICIEnabled reports whether messages are being delivered yet.
func (s *System) ICIEnabled() bool { return s.iciEnabled.Load() }

func (s *System) logf(format string, args ...any) {
	if s.log == nil {
		return
	}
	s.log.WriteLineString(fmt.Sprintf(format, args...))
}
