package smp

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

type cpuStats struct {
	_ cpu.CacheLinePad

	sentUnicast   atomic.Uint64
	sentBroadcast atomic.Uint64
	sentMulticast atomic.Uint64
	syncWaits     atomic.Uint64
	unknown       atomic.Uint64
	processed     [numOpCodes]atomic.Uint64

	_ cpu.CacheLinePad
}

// CPUStats counts the traffic one CPU has sent and processed.
type CPUStats struct {
	SentUnicast   uint64
	SentBroadcast uint64
	SentMulticast uint64
	SyncWaits     uint64
	Unknown       uint64
	Processed     map[OpCode]uint64
}

// TotalProcessed sums processed messages over every operation.
func (st CPUStats) TotalProcessed() uint64 {
	var n uint64
	for _, v := range st.Processed {
		n += v
	}
	return n + st.Unknown
}

// Stats returns the counters of one CPU.
func (s *System) Stats(cpuID int) CPUStats {
	cs := &s.stats[cpuID]
	st := CPUStats{
		SentUnicast:   cs.sentUnicast.Load(),
		SentBroadcast: cs.sentBroadcast.Load(),
		SentMulticast: cs.sentMulticast.Load(),
		SyncWaits:     cs.syncWaits.Load(),
		Unknown:       cs.unknown.Load(),
		Processed:     make(map[OpCode]uint64),
	}
	for code := OpInvalidatePageRange; code < numOpCodes; code++ {
		if n := cs.processed[code].Load(); n != 0 {
			st.Processed[code] = n
		}
	}
	return st
}
