package smp

import "sync"

// OpCode identifies the operation a message asks its targets to run.
type OpCode uint8

const (
	OpInvalidatePageRange OpCode = iota + 1
	OpInvalidatePageList
	OpInvalidateUserPages
	OpInvalidateGlobalPages
	OpReschedule
	OpCPUHalt
	OpCallFunction

	numOpCodes = iota + 1
)

func (c OpCode) String() string {
	switch c {
	case OpInvalidatePageRange:
		return "invalidate_page_range"
	case OpInvalidatePageList:
		return "invalidate_page_list"
	case OpInvalidateUserPages:
		return "invalidate_user_pages"
	case OpInvalidateGlobalPages:
		return "invalidate_global_pages"
	case OpReschedule:
		return "reschedule"
	case OpCPUHalt:
		return "cpu_halt"
	case OpCallFunction:
		return "call_function"
	default:
		return "unknown"
	}
}

// Op is the payload of a message. The types below are the operations the
// dispatcher knows; any other Op is logged and dropped by its targets.
type Op interface {
	Code() OpCode
}

// InvalidatePageRange drops translations for [Start, End], End inclusive.
type InvalidatePageRange struct {
	Start, End uintptr
}

// InvalidatePageList drops translations for each listed page. With
// FlagFreePayload the list is returned to its pool after the last target
// is done with it.
type InvalidatePageList struct {
	Pages *PageList
}

// InvalidateUserPages drops every non-global translation.
type InvalidateUserPages struct{}

// InvalidateGlobalPages drops every translation.
type InvalidateGlobalPages struct{}

// Reschedule asks the target to run its scheduler on interrupt exit.
type Reschedule struct{}

// CPUHalt takes the target offline for good.
type CPUHalt struct{}

// CallFunc is run by CallFunction targets.
type CallFunc func(data1 uintptr, cpu int, data2, data3 uintptr)

// CallFunction runs Fn on each target.
type CallFunction struct {
	Fn                  CallFunc
	Data1, Data2, Data3 uintptr
}

func (InvalidatePageRange) Code() OpCode   { return OpInvalidatePageRange }
func (InvalidatePageList) Code() OpCode    { return OpInvalidatePageList }
func (InvalidateUserPages) Code() OpCode   { return OpInvalidateUserPages }
func (InvalidateGlobalPages) Code() OpCode { return OpInvalidateGlobalPages }
func (Reschedule) Code() OpCode            { return OpReschedule }
func (CPUHalt) Code() OpCode               { return OpCPUHalt }
func (CallFunction) Code() OpCode          { return OpCallFunction }

func (op InvalidatePageList) freePayload() {
	if op.Pages != nil {
		op.Pages.Free()
	}
}

type payloadOwner interface {
	freePayload()
}

// Flags modify how a message is sent.
type Flags uint32

const (
	FlagAsync Flags = 0
	// FlagSync makes the sender wait until every target has run the
	// operation.
	FlagSync Flags = 1 << iota
	// FlagFreePayload releases the operation's payload after the last
	// target is done.
	FlagFreePayload
)

// PageList is a pooled list of page addresses.
type PageList struct {
	Pages []uintptr
}

var pageListPool = sync.Pool{
	New: func() any { return &PageList{Pages: make([]uintptr, 0, 64)} },
}

// NewPageList returns an empty list from the pool.
func NewPageList() *PageList {
	return pageListPool.Get().(*PageList)
}

// Free returns the list to the pool. The list must not be used afterwards.
func (p *PageList) Free() {
	p.Pages = p.Pages[:0]
	pageListPool.Put(p)
}

// Result tells the interrupt epilogue what to do next.
type Result uint8

const (
	Handled Result = iota
	InvokeScheduler
)

func (r Result) String() string {
	switch r {
	case Handled:
		return "handled"
	case InvokeScheduler:
		return "invoke_scheduler"
	default:
		return "unknown"
	}
}
