package mp

import "testing"

func TestTLBRangeIsInclusive(t *testing.T) {
	tlb := newTLB()
	for _, p := range []uintptr{0x0000, 0x1000, 0x2000, 0x3000} {
		tlb.Fill(p, false)
	}

	tlb.InvalidateRange(0x1000, 0x2000)

	for _, tt := range []struct {
		page uintptr
		want bool
	}{
		{0x0000, true},
		{0x1000, false},
		{0x2000, false},
		{0x3000, true},
	} {
		if got := tlb.Contains(tt.page); got != tt.want {
			t.Fatalf("Contains(%#x) = %v, want %v", tt.page, got, tt.want)
		}
	}
}

func TestTLBRangeWiderThanCache(t *testing.T) {
	tlb := newTLB()
	tlb.Fill(0x5000, false)
	tlb.Fill(0x500000, false)

	tlb.InvalidateRange(0x4000, 0x100000)

	if tlb.Contains(0x5000) {
		t.Fatalf("Contains(0x5000) = true, want invalidated")
	}
	if !tlb.Contains(0x500000) {
		t.Fatalf("Contains(0x500000) = false, want kept")
	}
}

func TestTLBFlushUserKeepsGlobal(t *testing.T) {
	tlb := newTLB()
	tlb.Fill(0x1000, false)
	tlb.Fill(0x80001000, true)

	tlb.FlushUser()
	if tlb.Contains(0x1000) || !tlb.Contains(0x80001000) {
		t.Fatalf("FlushUser() left %d entries, want only the global one", tlb.Len())
	}

	tlb.FlushAll()
	if tlb.Len() != 0 {
		t.Fatalf("Len() = %d after FlushAll, want 0", tlb.Len())
	}
	if got := tlb.Flushes(); got != 2 {
		t.Fatalf("Flushes() = %d, want 2", got)
	}
}

func TestTLBInvalidateList(t *testing.T) {
	tlb := newTLB()
	tlb.Fill(0x1000, false)
	tlb.Fill(0x2000, false)
	tlb.Fill(0x3000, false)

	tlb.InvalidateList([]uintptr{0x1234, 0x3000})
	if tlb.Contains(0x1000) || !tlb.Contains(0x2000) || tlb.Contains(0x3000) {
		t.Fatalf("InvalidateList() left the wrong entries")
	}
}
