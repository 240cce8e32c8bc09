package app

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync/atomic"

	"smpsim/hal/mp"
	"smpsim/kernel/smp"
	"smpsim/kernel/tmap"
)

// Workload selects the traffic the CPUs generate each tick.
type Workload uint8

const (
	WorkloadShootdown Workload = iota
	WorkloadCallAll
	WorkloadResched
	WorkloadMixed

	numWorkloads
)

var ErrUnknownWorkload = errors.New("unknown workload")

func (w Workload) String() string {
	switch w {
	case WorkloadShootdown:
		return "shootdown"
	case WorkloadCallAll:
		return "callall"
	case WorkloadResched:
		return "resched"
	case WorkloadMixed:
		return "mixed"
	default:
		return fmt.Sprintf("workload(%d)", uint8(w))
	}
}

// Next cycles through the workloads.
func (w Workload) Next() Workload { return (w + 1) % numWorkloads }

func ParseWorkload(s string) (Workload, error) {
	for w := Workload(0); w < numWorkloads; w++ {
		if strings.EqualFold(s, w.String()) {
			return w, nil
		}
	}
	return 0, fmt.Errorf("%q: %w", s, ErrUnknownWorkload)
}

const (
	// userBase is where each process's scratch mappings start.
	userBase   = 0x0040_0000
	userPages  = 512
	kernelBase = 0x8000_0000
	kernelPage = kernelBase + 0x10_0000
)

// driver turns workload ticks into jobs on the virtual CPUs.
type driver struct {
	sys    *smp.System
	m      *mp.Machine
	kernel *tmap.Map
	procs  [2]*tmap.Map
	rng    *rand.Rand

	// cur is the process each CPU runs; only its own CPU writes it.
	cur []atomic.Int32

	calls   []atomic.Uint64
	skipped atomic.Uint64
	tick    uint64
}

func newDriver(sys *smp.System, m *mp.Machine, seed int64) *driver {
	n := m.NumCPUs()
	return &driver{
		sys:    sys,
		m:      m,
		kernel: tmap.New(sys, tmap.Kernel),
		procs:  [2]*tmap.Map{tmap.New(sys, tmap.User), tmap.New(sys, tmap.User)},
		rng:    rand.New(rand.NewSource(seed)),
		cur:    make([]atomic.Int32, n),
		calls:  make([]atomic.Uint64, n),
	}
}

// attach runs on each CPU during boot and loads its first process.
func (d *driver) attach(c *mp.CPU) {
	p := int32(c.ID() % 2)
	d.cur[c.ID()].Store(p)
	d.procs[p].Activate(c)
	if c.ID() == 0 {
		d.kernel.Map(c, kernelPage, 0x1000)
	}
}

// schedule switches c to the other process. It runs after an interrupt
// asked for a reschedule.
func (d *driver) schedule(c *mp.CPU) {
	id := c.ID()
	old := d.cur[id].Load()
	next := 1 - old
	d.procs[old].Deactivate(c)
	c.TLB().FlushUser()
	d.procs[next].Activate(c)
	d.cur[id].Store(next)
}

func (d *driver) proc(c *mp.CPU) *tmap.Map { return d.procs[d.cur[c.ID()].Load()] }

func (d *driver) submit(id int, fn func(*mp.CPU)) {
	if err := d.m.Submit(id, fn); err != nil {
		d.skipped.Add(1)
	}
}

func (d *driver) randomCPU() int { return d.rng.Intn(d.m.NumCPUs()) }

// run issues one tick of w.
func (d *driver) run(w Workload) {
	d.tick++
	switch w {
	case WorkloadShootdown:
		d.shootdown()
	case WorkloadCallAll:
		d.callAll()
	case WorkloadResched:
		d.resched()
	case WorkloadMixed:
		switch d.tick % 3 {
		case 0:
			d.shootdown()
		case 1:
			d.callAll()
		default:
			d.resched()
		}
	}
}

func (d *driver) shootdown() {
	n := d.m.NumCPUs()
	first := uintptr(d.rng.Intn(userPages))
	// Mostly small batches; now and then one past the invalidate cache.
	pages := uintptr(1 + d.rng.Intn(8))
	if d.rng.Intn(16) == 0 {
		pages = tmap.InvalidateCacheSize + uintptr(d.rng.Intn(32))
	}
	va := userBase + first*mp.PageSize
	frame := uintptr(d.rng.Intn(1<<16)) * mp.PageSize

	// Every CPU walks the window so the shootdown has something to hit.
	for id := 0; id < n; id++ {
		d.submit(id, func(c *mp.CPU) {
			p := d.proc(c)
			for i := uintptr(0); i < pages; i++ {
				p.Touch(c, va+i*mp.PageSize)
			}
			d.kernel.Touch(c, kernelPage)
		})
	}

	d.submit(d.randomCPU(), func(c *mp.CPU) {
		p := d.proc(c)
		for i := uintptr(0); i < pages; i++ {
			p.Map(c, va+i*mp.PageSize, frame+i*mp.PageSize)
		}
		p.Unmap(c, va, va+pages*mp.PageSize)
		p.Flush(c)
	})

	if d.tick%8 == 0 {
		d.submit(d.randomCPU(), func(c *mp.CPU) {
			d.kernel.Map(c, kernelPage, frame)
			d.kernel.Flush(c)
			d.kernel.InvalidateRange(c, kernelBase, kernelBase+mp.PageSize-1)
		})
	}
}

func (d *driver) countCall(_ uintptr, cpu int, _, _ uintptr) {
	d.calls[cpu].Add(1)
}

func (d *driver) callAll() {
	wait := d.rng.Intn(4) == 0
	target := d.randomCPU()
	d.submit(d.randomCPU(), func(c *mp.CPU) {
		if wait {
			d.sys.CallAllCPUsSync(c, d.countCall, 0, 0, 0)
			return
		}
		d.sys.CallAllCPUs(c, d.countCall, 0, 0, 0)
		d.sys.CallSingleCPU(c, target, d.countCall, 0, 0, 0)
	})
}

func (d *driver) resched() {
	n := d.m.NumCPUs()
	from := d.randomCPU()
	targets := smp.CPUMask(d.rng.Uint64()) & smp.AllCPUs(n)
	broadcast := d.rng.Intn(8) == 0
	d.submit(from, func(c *mp.CPU) {
		switch {
		case broadcast:
			d.sys.SendBroadcastICI(c, smp.Reschedule{}, smp.FlagAsync)
		case targets.Count() > 1:
			d.sys.SendMulticastICI(c, targets, smp.Reschedule{}, smp.FlagAsync)
		default:
			d.sys.SendICI(c, (c.ID()+1)%n, smp.Reschedule{}, smp.FlagAsync)
		}
	})
}

// Calls returns how many CallFunction requests cpu has run for the driver.
func (d *driver) Calls(cpu int) uint64 { return d.calls[cpu].Load() }
