package mp

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func startMachine(t *testing.T, m *Machine, boot func(*CPU) error) (cancel func() error) {
	t.Helper()

	ctx, stop := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- m.Run(ctx, boot) }()

	var (
		once sync.Once
		err  error
	)
	return func() error {
		once.Do(func() {
			stop()
			select {
			case err = <-errc:
			case <-time.After(10 * time.Second):
				err = errors.New("Run() did not return after cancel")
			}
		})
		return err
	}
}

func TestNewRejectsBadCPUCount(t *testing.T) {
	for _, n := range []int{0, -1, MaxCPUs + 1} {
		if _, err := New(Config{CPUs: n}); !errors.Is(err, ErrInvalidCPUCount) {
			t.Fatalf("New(%d cpus) err = %v, want %v", n, err, ErrInvalidCPUCount)
		}
	}
}

func TestExecRunsOnTargetWithInterruptsEnabled(t *testing.T) {
	m, err := New(Config{CPUs: 2})
	if err != nil {
		t.Fatalf("New() err = %v", err)
	}
	stop := startMachine(t, m, nil)
	defer stop()

	var gotID int
	var enabled bool
	if err := m.Exec(context.Background(), 1, func(c *CPU) {
		gotID = c.ID()
		enabled = c.InterruptsEnabled()
	}); err != nil {
		t.Fatalf("Exec() err = %v", err)
	}
	if gotID != 1 || !enabled {
		t.Fatalf("Exec() ran on cpu %d with interrupts %v, want cpu 1 enabled", gotID, enabled)
	}
	if err := m.Exec(context.Background(), 5, func(*CPU) {}); !errors.Is(err, ErrNoSuchCPU) {
		t.Fatalf("Exec() on cpu 5 err = %v, want %v", err, ErrNoSuchCPU)
	}
	if err := stop(); err != nil {
		t.Fatalf("Run() err = %v, want nil", err)
	}
}

func TestICIDeliveryRespectsInterruptFlag(t *testing.T) {
	m, _ := New(Config{CPUs: 2})
	var taken atomic.Int32
	m.SetInterruptHandler(func(c *CPU) bool {
		if c.InterruptsEnabled() {
			t.Errorf("handler ran with interrupts enabled")
		}
		taken.Add(1)
		return false
	})
	stop := startMachine(t, m, nil)
	defer stop()

	ctx := context.Background()
	if err := m.Exec(ctx, 1, func(c *CPU) {
		state := c.DisableInterrupts()
		m.SendICI(1)
		c.Poll()
		if got := taken.Load(); got != 0 {
			t.Errorf("ICI taken with interrupts disabled")
		}
		c.RestoreInterrupts(state)
		if got := taken.Load(); got != 1 {
			t.Errorf("taken = %d after enabling, want 1", got)
		}
	}); err != nil {
		t.Fatalf("Exec() err = %v", err)
	}
}

func TestIdleCPUTakesICI(t *testing.T) {
	m, _ := New(Config{CPUs: 3})
	got := make(chan int, 3)
	m.SetInterruptHandler(func(c *CPU) bool {
		got <- c.ID()
		return true
	})
	var resched atomic.Int32
	m.SetScheduler(func(*CPU) { resched.Add(1) })
	stop := startMachine(t, m, nil)
	defer stop()

	m.SendMulticastICI(1<<2 | 1<<1)
	seen := map[int]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-got:
			seen[id] = true
		case <-time.After(10 * time.Second):
			t.Fatalf("idle cpus did not take the ICI")
		}
	}
	if !seen[1] || !seen[2] {
		t.Fatalf("ICI taken by %v, want cpus 1 and 2", seen)
	}
	stop()
	if got := resched.Load(); got != 2 {
		t.Fatalf("scheduler ran %d times, want 2", got)
	}
	if st := m.CPU(0).Stats(); st.ICIs != 0 {
		t.Fatalf("cpu 0 Stats().ICIs = %d, want 0", st.ICIs)
	}
}

func TestHaltStopsCPU(t *testing.T) {
	m, _ := New(Config{CPUs: 2})
	stop := startMachine(t, m, nil)
	defer stop()

	err := m.Exec(context.Background(), 1, func(c *CPU) {
		c.DisableInterrupts()
		c.Halt()
	})
	if !errors.Is(err, ErrHalted) {
		t.Fatalf("Exec() err = %v, want %v", err, ErrHalted)
	}
	if !m.CPU(1).Halted() {
		t.Fatalf("Halted() = false, want true")
	}
	if err := m.Submit(1, func(*CPU) {}); !errors.Is(err, ErrHalted) {
		t.Fatalf("Submit() err = %v, want %v", err, ErrHalted)
	}
	if err := stop(); err != nil {
		t.Fatalf("Run() err = %v, want nil", err)
	}
}

func TestPanicBecomesFault(t *testing.T) {
	m, _ := New(Config{CPUs: 2})
	boom := errors.New("boom")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := m.Run(ctx, func(c *CPU) error {
		if c.ID() == 1 {
			panic(boom)
		}
		return nil
	})
	var f *Fault
	if !errors.As(err, &f) {
		t.Fatalf("Run() err = %v, want *Fault", err)
	}
	if f.CPU != 1 || len(f.Stack) == 0 {
		t.Fatalf("Fault = cpu %d, %d stack bytes, want cpu 1 with a stack", f.CPU, len(f.Stack))
	}
	if !errors.Is(err, boom) {
		t.Fatalf("errors.Is(Run(), boom) = false, want true")
	}
}

func TestBootErrorStopsMachine(t *testing.T) {
	m, _ := New(Config{CPUs: 2})
	bad := errors.New("no firmware")
	err := m.Run(context.Background(), func(c *CPU) error {
		if c.ID() == 0 {
			return bad
		}
		return nil
	})
	if !errors.Is(err, bad) {
		t.Fatalf("Run() err = %v, want %v", err, bad)
	}
}

func TestSubmitQueueFull(t *testing.T) {
	m, _ := New(Config{CPUs: 1, QueueDepth: 1})
	// Not running: the queue never drains.
	if err := m.Submit(0, func(*CPU) {}); err != nil {
		t.Fatalf("Submit() err = %v", err)
	}
	if err := m.Submit(0, func(*CPU) {}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Submit() err = %v, want %v", err, ErrQueueFull)
	}
}
