package mp

import "sync"

// PageSize is the translation granule of the simulated TLB.
const PageSize = 4096

// PageOf rounds addr down to its page.
func PageOf(addr uintptr) uintptr { return addr &^ (PageSize - 1) }

// TLB is a per-CPU cache of page translations. Global entries survive a
// user flush.
type TLB struct {
	mu      sync.Mutex
	entries map[uintptr]bool
	flushes uint64
}

func newTLB() *TLB {
	return &TLB{entries: make(map[uintptr]bool)}
}

// Fill caches the translation of the page holding addr.
func (t *TLB) Fill(addr uintptr, global bool) {
	t.mu.Lock()
	t.entries[PageOf(addr)] = global
	t.mu.Unlock()
}

// Contains reports whether the page holding addr is cached.
func (t *TLB) Contains(addr uintptr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[PageOf(addr)]
	return ok
}

func (t *TLB) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Flushes counts invalidation requests of any kind.
func (t *TLB) Flushes() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushes
}

// InvalidateRange drops every page from the page of start up to and
// including the page of end.
func (t *TLB) InvalidateRange(start, end uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flushes++
	if end < start {
		return
	}
	first, last := PageOf(start), PageOf(end)
	pages := (last-first)/PageSize + 1
	if pages > uintptr(len(t.entries)) {
		for p := range t.entries {
			if p >= first && p <= last {
				delete(t.entries, p)
			}
		}
		return
	}
	for p := first; ; p += PageSize {
		delete(t.entries, p)
		if p == last {
			break
		}
	}
}

func (t *TLB) InvalidateList(pages []uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flushes++
	for _, p := range pages {
		delete(t.entries, PageOf(p))
	}
}

// FlushUser drops every non-global entry.
func (t *TLB) FlushUser() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flushes++
	for p, global := range t.entries {
		if !global {
			delete(t.entries, p)
		}
	}
}

// FlushAll drops every entry.
func (t *TLB) FlushAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flushes++
	clear(t.entries)
}
