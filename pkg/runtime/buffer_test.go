package runtime

import (
	"testing"

	"github.com/oisee/rtlsim/pkg/sir"
)

func TestBufferStoreAndLoadRoundTrip(t *testing.T) {
	b := NewBuffer()
	addr := sir.Addr{Instance: 0, Local: 0}
	b.StoreStable(addr, 0, 3, 0xA)
	if got := b.LoadStable(addr, 0, 3); got != 0xA {
		t.Fatalf("expected 0xA, got %#x", got)
	}
}

func TestBufferStoreDoesNotDisturbAdjacentBits(t *testing.T) {
	b := NewBuffer()
	addr := sir.Addr{Instance: 0, Local: 0}
	b.StoreStable(addr, 0, 3, 0xF)
	b.StoreStable(addr, 4, 7, 0x3)
	if got := b.LoadStable(addr, 0, 3); got != 0xF {
		t.Fatalf("low nibble disturbed: got %#x", got)
	}
	if got := b.LoadStable(addr, 4, 7); got != 0x3 {
		t.Fatalf("expected high nibble 0x3, got %#x", got)
	}
}

func TestBufferStableAndWorkingAreIndependent(t *testing.T) {
	b := NewBuffer()
	addr := sir.Addr{Instance: 0, Local: 0}
	b.StoreWorking(addr, 0, 0, 1)
	if got := b.LoadStable(addr, 0, 0); got != 0 {
		t.Fatalf("expected Stable untouched by a Working store, got %d", got)
	}
}

func TestBufferCommitCopiesWorkingToStable(t *testing.T) {
	b := NewBuffer()
	addr := sir.Addr{Instance: 0, Local: 0}
	b.StoreWorking(addr, 0, 0, 1)
	changed := b.Commit(addr, 0, 0)
	if !changed {
		t.Fatalf("expected Commit to report a change")
	}
	if got := b.LoadStable(addr, 0, 0); got != 1 {
		t.Fatalf("expected Stable to reflect the committed bit")
	}
	if changed := b.Commit(addr, 0, 0); changed {
		t.Fatalf("expected a repeat Commit of an unchanged bit to report no change")
	}
}

func TestBufferSetInputWritesStableDirectly(t *testing.T) {
	b := NewBuffer()
	addr := sir.Addr{Instance: 1, Local: 2}
	b.SetInput(addr, 7)
	if got := b.Stable(addr); got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}
}

func TestBufferUnkPlaneRoundTrip(t *testing.T) {
	b := NewBuffer()
	addr := sir.Addr{Instance: 0, Local: 0}
	b.StoreWorkingX(addr, 0, 3, 0b1010)
	if got := b.LoadWorkingX(addr, 0, 3); got != 0b1010 {
		t.Fatalf("expected working unk mask 0b1010, got %#b", got)
	}
	if got := b.LoadStableX(addr, 0, 3); got != 0 {
		t.Fatalf("expected stable unk mask untouched by a working store, got %#b", got)
	}
}

func TestBufferCommitXCopiesWorkingMaskToStable(t *testing.T) {
	b := NewBuffer()
	addr := sir.Addr{Instance: 0, Local: 0}
	b.StoreWorkingX(addr, 0, 0, 1)
	b.CommitX(addr, 0, 0)
	if got := b.LoadStableX(addr, 0, 0); got != 1 {
		t.Fatalf("expected committed unk bit to reach stable, got %d", got)
	}
}

func TestBufferSetInputXWritesStableMaskDirectly(t *testing.T) {
	b := NewBuffer()
	addr := sir.Addr{Instance: 1, Local: 2}
	b.SetInputX(addr, 1)
	if got := b.StableX(addr); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
}

func TestBufferLoadStableCoversBothLimbsOf128Bits(t *testing.T) {
	b := NewBuffer()
	addr := sir.Addr{Instance: 0, Local: 0}
	b.StoreStable(addr, 0, 63, 0x0123456789ABCDEF)
	b.StoreStable(addr, 64, 127, 0xFEDCBA9876543210)
	if got := b.LoadStable(addr, 0, 63); got != 0x0123456789ABCDEF {
		t.Fatalf("low limb: got %#x", got)
	}
	if got := b.LoadStable(addr, 64, 127); got != 0xFEDCBA9876543210 {
		t.Fatalf("high limb: got %#x", got)
	}
}

func TestBufferWide65BitRoundTrip(t *testing.T) {
	b := NewBuffer()
	addr := sir.Addr{Instance: 0, Local: 0}
	// 65 bits: low limb all ones, high limb's single bit set.
	b.StoreStable(addr, 0, 63, ^uint64(0))
	b.StoreStable(addr, 64, 64, 1)
	lo, hi := b.StableWide(addr)
	if lo != ^uint64(0) {
		t.Fatalf("expected low limb all ones, got %#x", lo)
	}
	if hi != 1 {
		t.Fatalf("expected high limb bit 0 set, got %#x", hi)
	}
}

func TestBufferWide127BitBoundary(t *testing.T) {
	b := NewBuffer()
	addr := sir.Addr{Instance: 0, Local: 0}
	b.StoreStable(addr, 0, 63, 0)
	b.StoreStable(addr, 64, 126, (uint64(1)<<63)-1) // top 63 bits of the high limb
	lo, hi := b.StableWide(addr)
	if lo != 0 {
		t.Fatalf("expected low limb 0, got %#x", lo)
	}
	if hi != (uint64(1)<<63)-1 {
		t.Fatalf("expected high limb %#x, got %#x", uint64(1)<<63-1, hi)
	}
}

func TestBufferSetInputWideAndSetInputAgree(t *testing.T) {
	b := NewBuffer()
	addr := sir.Addr{Instance: 0, Local: 0}
	b.SetInputWide(addr, 0x1111, 0x2222)
	lo, hi := b.StableWide(addr)
	if lo != 0x1111 || hi != 0x2222 {
		t.Fatalf("expected (0x1111, 0x2222), got (%#x, %#x)", lo, hi)
	}
	b.SetInput(addr, 0x3333)
	lo, hi = b.StableWide(addr)
	if lo != 0x3333 || hi != 0 {
		t.Fatalf("expected SetInput to clear the high limb, got (%#x, %#x)", lo, hi)
	}
}

func TestBufferCommitCopiesFullWidthAcrossLimbBoundary(t *testing.T) {
	b := NewBuffer()
	addr := sir.Addr{Instance: 0, Local: 0}
	b.StoreWorking(addr, 0, 63, ^uint64(0))
	b.StoreWorking(addr, 64, 127, 0x7)
	changed := b.Commit(addr, 0, 127)
	if !changed {
		t.Fatalf("expected Commit to report a change")
	}
	lo, hi := b.StableWide(addr)
	if lo != ^uint64(0) || hi != 0x7 {
		t.Fatalf("expected (%#x, 0x7), got (%#x, %#x)", ^uint64(0), lo, hi)
	}
	if changed := b.Commit(addr, 0, 127); changed {
		t.Fatalf("expected a repeat Commit to report no change")
	}
}

func TestBufferCommitXCopiesUnkAcrossLimbBoundary(t *testing.T) {
	b := NewBuffer()
	addr := sir.Addr{Instance: 0, Local: 0}
	b.StoreWorkingX(addr, 0, 63, 0)
	b.StoreWorkingX(addr, 64, 127, 1)
	b.CommitX(addr, 0, 127)
	lo, hi := b.StableXWide(addr)
	if lo != 0 || hi != 1 {
		t.Fatalf("expected (0, 1), got (%#x, %#x)", lo, hi)
	}
}
