package smp

import (
	"fmt"
	"runtime/debug"
)

// PanicInfo describes a fatal error raised by the messaging layer.
type PanicInfo struct {
	CPU     int
	Message string
	Stack   []byte
}

// PanicError is the value a fatal error panics with.
type PanicError struct {
	PanicInfo
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("smp panic on cpu %d: %s", e.CPU, e.Message)
}

// InPanicMode reports whether a fatal error has been raised.
func (s *System) InPanicMode() bool {
	return s.panicActive.Load()
}

// panicf reports a fatal error and panics. The handler runs at most once,
// for the first panic; it must not panic itself.
func (s *System) panicf(c CPU, format string, args ...any) {
	info := PanicInfo{CPU: -1, Message: fmt.Sprintf(format, args...), Stack: debug.Stack()}
	if c != nil {
		info.CPU = c.ID()
	}
	s.panicOnce.Do(func() {
		s.panicActive.Store(true)
		if s.panicHandler != nil {
			s.panicHandler(info)
		}
	})
	panic(&PanicError{PanicInfo: info})
}
