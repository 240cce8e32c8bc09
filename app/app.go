// Package app runs the SMP simulator on a HAL: it boots a virtual machine,
// brings the messaging layer up on it, drives a workload and renders live
// per-CPU counters with a scrolling kernel log.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"smpsim/hal"
	"smpsim/hal/mp"
	"smpsim/internal/buildinfo"
	"smpsim/kernel/klog"
	"smpsim/kernel/smp"
)

// DefaultCPUs is the processor count used when Config.CPUs is zero.
const DefaultCPUs = 4

const bootTimeout = 5 * time.Second

var (
	// ErrQuit is returned by Step once the user asked to leave.
	ErrQuit = errors.New("quit")

	errBootTimeout = errors.New("app: machine did not come up")
)

type Config struct {
	CPUs           int
	Workload       Workload
	TrackSpinlocks bool
	Seed           int64

	// ExitOnFault makes Step return the machine error instead of drawing
	// the panic screen.
	ExitOnFault bool
}

// App is one running simulator.
type App struct {
	h   hal.HAL
	log hal.Logger
	cfg Config

	m      *mp.Machine
	sys    *smp.System
	klog   *klog.Ring
	driver *driver
	mon    *monitor

	cancel  context.CancelFunc
	errc    chan error
	err     error
	stopped bool

	workload Workload
	paused   bool
	halted   bool
	uptime   uint64
	panicked bool
}

// New boots the machine. It returns once every CPU is online.
func New(h hal.HAL, cfg Config) (*App, error) {
	if cfg.CPUs == 0 {
		cfg.CPUs = DefaultCPUs
	}
	m, err := mp.New(mp.Config{CPUs: cfg.CPUs})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	a := &App{
		h:        h,
		log:      h.Logger(),
		cfg:      cfg,
		m:        m,
		klog:     klog.New(),
		errc:     make(chan error, 1),
		workload: cfg.Workload,
	}
	a.sys, err = smp.Init(smp.Config{
		NumCPUs:        cfg.CPUs,
		Arch:           m,
		Logger:         a.klog,
		TrackSpinlocks: cfg.TrackSpinlocks,
		PanicHandler: func(info smp.PanicInfo) {
			a.klog.WriteLineString(fmt.Sprintf("PANIC cpu %d: %s", info.CPU, info.Message))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.driver = newDriver(a.sys, m, cfg.Seed)

	m.SetInterruptHandler(func(c *mp.CPU) bool {
		return a.sys.InterCPUInterruptHandler(c) == smp.InvokeScheduler
	})
	m.SetScheduler(a.driver.schedule)

	if d := h.Display(); d != nil {
		if fb := d.Framebuffer(); fb != nil {
			a.mon, err = newMonitor(fb, cfg.CPUs+4)
			if err != nil {
				return nil, fmt.Errorf("app: %w", err)
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	booted := make(chan struct{})
	go func() {
		a.errc <- m.Run(ctx, func(c *mp.CPU) error {
			a.boot(c, booted)
			return nil
		})
	}()

	select {
	case <-booted:
	case err := <-a.errc:
		cancel()
		if err == nil {
			err = errBootTimeout
		}
		return nil, err
	case <-time.After(bootTimeout):
		cancel()
		return nil, errBootTimeout
	}
	a.klog.WriteLineString(fmt.Sprintf("smpsim %s: %d cpus up, workload %s", buildinfo.Short(), cfg.CPUs, a.workload))
	return a, nil
}

// NewWithConfig adapts New to the HAL runners.
func NewWithConfig(h hal.HAL, cfg Config) (func() error, error) {
	a, err := New(h, cfg)
	if err != nil {
		return nil, err
	}
	return a.Step, nil
}

// boot is the per-CPU entry code. Secondaries park until CPU 0 has seen
// them all and opened the ICI gate.
func (a *App) boot(c *mp.CPU, booted chan<- struct{}) {
	if a.sys.TrapNonBootCPUs(c) {
		a.sys.WaitForNonBootCPUs(c)
		a.sys.WakeUpNonBootCPUs(c)
		a.driver.attach(c)
		a.klog.WriteLineString("cpu 0 online (boot)")
		close(booted)
		return
	}
	a.driver.attach(c)
	a.klog.WriteLineString(fmt.Sprintf("cpu %d online", c.ID()))
}

// Close stops the machine and waits for its CPUs.
func (a *App) Close() error {
	a.cancel()
	if a.stopped {
		return nil
	}
	a.stopped = true
	return <-a.errc
}

// Step runs one frame: input, one workload tick, log and screen.
func (a *App) Step() error {
	if !a.stopped {
		select {
		case err := <-a.errc:
			a.stopped = true
			if err == nil {
				err = errors.New("app: machine stopped")
			}
			a.err = err
		default:
		}
	}
	if a.err != nil {
		return a.fault()
	}

	a.drainTicks()
	if err := a.handleKeys(); err != nil {
		return err
	}
	if !a.paused && !a.halted {
		a.driver.run(a.workload)
	}
	a.drainLog()

	if a.mon != nil {
		a.mon.drawStats(a.statLines())
		return a.mon.present()
	}
	return nil
}

func (a *App) fault() error {
	a.drainLog()
	if a.cfg.ExitOnFault {
		return a.err
	}
	if a.panicked {
		return nil
	}
	a.panicked = true
	r := reportFromError(a.err)
	logPanic(a.log, r)
	if d := a.h.Display(); d != nil {
		return drawPanic(d.Framebuffer(), r)
	}
	return nil
}

func (a *App) drainTicks() {
	t := a.h.Time()
	if t == nil {
		return
	}
	ch := t.Ticks()
	for {
		select {
		case seq := <-ch:
			a.uptime = seq
		default:
			return
		}
	}
}

func (a *App) handleKeys() error {
	in := a.h.Input()
	if in == nil {
		return nil
	}
	kbd := in.Keyboard()
	if kbd == nil {
		return nil
	}
	ch := kbd.Events()
	for {
		select {
		case ev := <-ch:
			if !ev.Press {
				continue
			}
			if err := a.handleKey(ev.Code); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (a *App) handleKey(code hal.KeyCode) error {
	switch code {
	case hal.KeyEscape:
		return ErrQuit
	case hal.KeySpace:
		a.paused = !a.paused
	case hal.KeyF1:
		a.callAllSync()
	case hal.KeyF2:
		a.workload = a.workload.Next()
		a.klog.WriteLineString("workload: " + a.workload.String())
	case hal.KeyF3:
		a.haltSecondaries()
	}
	return nil
}

// callAllSync has CPU 0 run a synchronous call on every CPU, each of which
// reports in to the log.
func (a *App) callAllSync() {
	if a.halted {
		a.klog.WriteLineString("call-all: secondaries are halted")
		return
	}
	err := a.m.Submit(0, func(c *mp.CPU) {
		a.sys.CallAllCPUsSync(c, a.reportCall, 0, 0, 0)
		a.klog.WriteLineString("call-all: done")
	})
	if err != nil {
		a.klog.WriteLineString("call-all: " + err.Error())
	}
}

func (a *App) reportCall(_ uintptr, cpu int, _, _ uintptr) {
	a.klog.WriteLineString(fmt.Sprintf("call-all: cpu %d", cpu))
}

// haltSecondaries stops every CPU but the boot CPU the way a kernel
// debugger does. The workload freezes with them.
func (a *App) haltSecondaries() {
	if a.halted {
		return
	}
	a.halted = true
	err := a.m.Submit(0, func(c *mp.CPU) {
		state := c.DisableInterrupts()
		a.sys.SendBroadcastICIInterruptsDisabled(c, smp.CPUHalt{}, smp.FlagSync)
		c.RestoreInterrupts(state)
		a.klog.WriteLineString("secondary cpus halted")
	})
	if err != nil {
		a.halted = false
		a.klog.WriteLineString("halt: " + err.Error())
	}
}

func (a *App) drainLog() {
	a.klog.Drain(func(line []byte) {
		if a.log != nil {
			a.log.WriteLineBytes(line)
		}
		if a.mon != nil {
			a.mon.logLine(line)
		}
	})
}

func (a *App) statLines() []string {
	state := "run"
	switch {
	case a.halted:
		state = "halted"
	case a.paused:
		state = "paused"
	}
	lines := []string{
		fmt.Sprintf("smpsim %s  %s  %s  up %d.%03ds", buildinfo.Short(), a.workload, state, a.uptime/1000, a.uptime%1000),
		"cpu   icis  intr  resch  jobs  sent  proc  tlb  calls",
	}

	n := a.m.NumCPUs()
	shown := n
	if a.mon != nil {
		if rows := a.mon.Rows() - 4; rows < n {
			shown = rows - 1
		}
	}
	for id := 0; id < n; id++ {
		if id >= shown {
			lines = append(lines, fmt.Sprintf("... %d more", n-id))
			break
		}
		cs := a.m.CPU(id).Stats()
		ss := a.sys.Stats(id)
		sent := ss.SentUnicast + ss.SentBroadcast + ss.SentMulticast
		var b strings.Builder
		fmt.Fprintf(&b, "%-3d %6d %5d %6d %5d %5d %5d %4d %6d",
			id, cs.ICIs, cs.Interrupts, cs.Reschedules, cs.Jobs, sent, ss.TotalProcessed(), cs.TLBEntries, a.driver.Calls(id))
		if cs.Halted {
			b.WriteString(" H")
		}
		lines = append(lines, b.String())
	}

	ps := a.sys.PoolStats()
	lines = append(lines,
		fmt.Sprintf("pool %d/%d free  local %d  bcast %d  busy %d", ps.Free, ps.Capacity, ps.LinkedLocal, ps.LinkedBroadcast, ps.InFlight()),
		fmt.Sprintf("skipped %d  klog dropped %d", a.driver.skipped.Load(), a.klog.Dropped()),
	)
	return lines
}
