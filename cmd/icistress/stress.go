package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync/atomic"
	"time"

	"smpsim/hal/mp"
	"smpsim/kernel/smp"

	"golang.org/x/sync/errgroup"
)

type config struct {
	CPUs           int
	Duration       time.Duration
	Seed           int64
	Batch          int
	PoolSize       int
	TrackSpinlocks bool
}

var errViolation = errors.New("invariant violated")

const settleTimeout = 5 * time.Second

// report is the outcome of one stress run.
type report struct {
	cpus      int
	sent      [3]uint64 // unicast, broadcast, multicast
	syncSends uint64
	want      []uint64
	got       []uint64
	misrouted uint64
	pool      smp.PoolStats
	elapsed   time.Duration
}

func (r *report) ok() bool {
	if r.misrouted != 0 || r.pool.Free != r.pool.Capacity {
		return false
	}
	for i := range r.want {
		if r.want[i] != r.got[i] {
			return false
		}
	}
	return true
}

func (r *report) write(w io.Writer) {
	fmt.Fprintf(w, "cpus %d, ran %s\n", r.cpus, r.elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "sent unicast %d broadcast %d multicast %d (sync %d)\n", r.sent[0], r.sent[1], r.sent[2], r.syncSends)
	for i := range r.want {
		mark := ""
		if r.want[i] != r.got[i] {
			mark = "  MISMATCH"
		}
		fmt.Fprintf(w, "cpu %-2d want %-8d got %-8d%s\n", i, r.want[i], r.got[i], mark)
	}
	fmt.Fprintf(w, "misrouted %d\n", r.misrouted)
	fmt.Fprintf(w, "pool %d/%d free, local %d, broadcast %d\n", r.pool.Free, r.pool.Capacity, r.pool.LinkedLocal, r.pool.LinkedBroadcast)
}

type stress struct {
	cfg config
	m   *mp.Machine
	sys *smp.System

	want      []atomic.Uint64
	got       []atomic.Uint64
	misrouted atomic.Uint64
	sent      [3]atomic.Uint64
	syncSends atomic.Uint64
}

// run boots a machine, has every CPU fire randomized CallFunction traffic
// at the others for cfg.Duration, then checks that every request ran
// exactly once on its target and that the pool drained back.
func run(ctx context.Context, cfg config) (*report, error) {
	if cfg.Batch <= 0 {
		cfg.Batch = 16
	}
	m, err := mp.New(mp.Config{CPUs: cfg.CPUs})
	if err != nil {
		return nil, err
	}
	sys, err := smp.Init(smp.Config{
		NumCPUs:        cfg.CPUs,
		Arch:           m,
		PoolSize:       cfg.PoolSize,
		TrackSpinlocks: cfg.TrackSpinlocks,
	})
	if err != nil {
		return nil, err
	}
	m.SetInterruptHandler(func(c *mp.CPU) bool {
		return sys.InterCPUInterruptHandler(c) == smp.InvokeScheduler
	})

	s := &stress{
		cfg:  cfg,
		m:    m,
		sys:  sys,
		want: make([]atomic.Uint64, cfg.CPUs),
		got:  make([]atomic.Uint64, cfg.CPUs),
	}

	mctx, stop := context.WithCancel(ctx)
	defer stop()
	booted := make(chan struct{})
	halted := make(chan struct{})
	var runErr error
	go func() {
		defer close(halted)
		runErr = m.Run(mctx, func(c *mp.CPU) error {
			if sys.TrapNonBootCPUs(c) {
				sys.WaitForNonBootCPUs(c)
				sys.WakeUpNonBootCPUs(c)
				close(booted)
			}
			return nil
		})
	}()
	// shutdown stops the machine and returns its error.
	shutdown := func() error {
		stop()
		<-halted
		if runErr == nil {
			return ctx.Err()
		}
		return runErr
	}

	select {
	case <-booted:
	case <-halted:
		return nil, shutdown()
	}

	start := time.Now()
	err = s.fire(mctx, halted)
	elapsed := time.Since(start)
	if err == nil {
		s.settle(halted)
	}
	if err != nil {
		if merr := shutdown(); merr != nil {
			err = merr
		}
		return nil, err
	}

	r := &report{
		cpus:      cfg.CPUs,
		syncSends: s.syncSends.Load(),
		want:      make([]uint64, cfg.CPUs),
		got:       make([]uint64, cfg.CPUs),
		misrouted: s.misrouted.Load(),
		pool:      sys.PoolStats(),
		elapsed:   elapsed,
	}
	for i := range s.sent {
		r.sent[i] = s.sent[i].Load()
	}
	for i := range r.want {
		r.want[i] = s.want[i].Load()
		r.got[i] = s.got[i].Load()
	}

	if err := shutdown(); err != nil {
		return r, err
	}
	if !r.ok() {
		return r, errViolation
	}
	return r, nil
}

func (s *stress) fire(ctx context.Context, halted <-chan struct{}) error {
	deadline := time.Now().Add(s.cfg.Duration)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	// A faulting CPU stops the machine; unblock the senders.
	go func() {
		select {
		case <-halted:
			cancel()
		case <-ctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for id := 0; id < s.m.NumCPUs(); id++ {
		id := id
		rng := rand.New(rand.NewSource(s.cfg.Seed + int64(id)))
		g.Go(func() error {
			for time.Now().Before(deadline) {
				err := s.m.Exec(gctx, id, func(c *mp.CPU) {
					for i := 0; i < s.cfg.Batch; i++ {
						s.send(c, rng)
					}
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// send issues one random request from c. The expected counts are bumped
// before the send so a fast target can never overtake them.
func (s *stress) send(c *mp.CPU, rng *rand.Rand) {
	n := s.m.NumCPUs()
	id := c.ID()
	flags := smp.FlagAsync
	if rng.Intn(4) == 0 {
		flags = smp.FlagSync
		s.syncSends.Add(1)
	}

	switch rng.Intn(3) {
	case 0:
		target := rng.Intn(n)
		mask := smp.MaskOf(target)
		if target != id {
			s.expect(mask)
		}
		s.sys.SendICI(c, target, s.call(mask), flags)
		s.sent[0].Add(1)
	case 1:
		mask := smp.AllCPUs(n).Without(id)
		s.expect(mask)
		s.sys.SendBroadcastICI(c, s.call(mask), flags)
		s.sent[1].Add(1)
	default:
		mask := smp.CPUMask(rng.Uint64()) & smp.AllCPUs(n)
		s.expect(mask.Without(id))
		s.sys.SendMulticastICI(c, mask, s.call(mask.Without(id)), flags)
		s.sent[2].Add(1)
	}
}

func (s *stress) expect(mask smp.CPUMask) {
	for i := 0; i < s.m.NumCPUs(); i++ {
		if mask.Has(i) {
			s.want[i].Add(1)
		}
	}
}

func (s *stress) call(mask smp.CPUMask) smp.CallFunction {
	return smp.CallFunction{
		Fn:    s.called,
		Data2: uintptr(uint32(mask)),
		Data3: uintptr(uint64(mask) >> 32),
	}
}

// called runs on the target. The mask travels in data2 and data3 so the
// target can check it was meant to get the call.
func (s *stress) called(_ uintptr, cpu int, lo, hi uintptr) {
	mask := smp.CPUMask(uint64(lo) | uint64(hi)<<32)
	if !mask.Has(cpu) {
		s.misrouted.Add(1)
	}
	s.got[cpu].Add(1)
}

// settle waits for the asynchronous tail to drain, or for the machine to
// stop.
func (s *stress) settle(halted <-chan struct{}) {
	deadline := time.Now().Add(settleTimeout)
	for time.Now().Before(deadline) && !s.drained() {
		select {
		case <-halted:
			return
		case <-time.After(time.Millisecond):
		}
	}
}

func (s *stress) drained() bool {
	for i := range s.want {
		if s.want[i].Load() != s.got[i].Load() {
			return false
		}
	}
	ps := s.sys.PoolStats()
	return ps.Free == ps.Capacity
}
