package runtime

import (
	"fmt"

	"github.com/oisee/rtlsim/pkg/sir"
)

// limbs backs one address with two 64-bit words, lo holding bits
// [63:0] and hi holding bits [127:64] — the widest boundary §8 tests
// for. A signal no wider than 64 bits simply never touches hi.
type limbs [2]uint64

// Buffer is the two-region memory model (§3, §4.8): one limbs pair per
// address in each region. Every individual Load/Store/readBits/
// writeBits call still addresses at most 64 contiguous bits, since the
// lowerer chunks any wider move into one call per limb (pkg/lower);
// Commit is the exception — it has no register destination, so it
// copies a whole driven range in one call, and copyRange below walks
// that range limb by limb on Buffer's behalf.
type Buffer struct {
	stable  map[sir.Addr]limbs
	working map[sir.Addr]limbs

	// stableUnk/workingUnk hold the 4-state unknown-bit mask paired with
	// each region's value word (§7's value/mask boundary encoding). A
	// two-state design never sets a bit here, so these maps stay empty
	// and every Unk-suffixed accessor below is a costless no-op for it.
	stableUnk  map[sir.Addr]limbs
	workingUnk map[sir.Addr]limbs
}

// NewBuffer returns an empty two-region buffer.
func NewBuffer() *Buffer {
	return &Buffer{
		stable:     make(map[sir.Addr]limbs),
		working:    make(map[sir.Addr]limbs),
		stableUnk:  make(map[sir.Addr]limbs),
		workingUnk: make(map[sir.Addr]limbs),
	}
}

func limbIndex(bit int) int { return bit / 64 }

// readBits reads bits [lsb:msb] of addr's limbs pair. The range must
// lie within a single 64-bit limb — true of every Load the lowerer
// emits, since it splits a wide value into one Load per limb.
func readBits(words map[sir.Addr]limbs, addr sir.Addr, lsb, msb int) uint64 {
	li := limbIndex(lsb)
	if limbIndex(msb) != li {
		panic(fmt.Sprintf("runtime: bit range [%d:%d] crosses a limb boundary", lsb, msb))
	}
	local := lsb - li*64
	width := msb - lsb + 1
	v := words[addr][li] >> uint(local)
	if width < 64 {
		v &= (uint64(1) << uint(width)) - 1
	}
	return v
}

// writeBits merges value into bits [lsb:msb] of words[addr], reporting
// whether the word actually changed — Commit passes this on to its
// caller. Like readBits, the range must lie within a single limb.
func writeBits(words map[sir.Addr]limbs, addr sir.Addr, lsb, msb int, value uint64) bool {
	li := limbIndex(lsb)
	if limbIndex(msb) != li {
		panic(fmt.Sprintf("runtime: bit range [%d:%d] crosses a limb boundary", lsb, msb))
	}
	local := lsb - li*64
	width := msb - lsb + 1
	var mask uint64
	if width >= 64 {
		mask = ^uint64(0)
	} else {
		mask = (uint64(1) << uint(width)) - 1
	}
	l := words[addr]
	old := l[li]
	next := (old &^ (mask << uint(local))) | ((value & mask) << uint(local))
	l[li] = next
	words[addr] = l
	return next != old
}

// copyRange copies bits [lsb:msb] of addr from src to dst one limb at
// a time, reporting whether any limb actually changed. Unlike
// readBits/writeBits, the range may span both limbs — Commit's range
// has no register destination bounding it to 64 bits.
func copyRange(dst, src map[sir.Addr]limbs, addr sir.Addr, lsb, msb int) bool {
	changed := false
	for lo := lsb; lo <= msb; {
		li := limbIndex(lo)
		limbEnd := li*64 + 63
		hi := msb
		if limbEnd < hi {
			hi = limbEnd
		}
		v := readBits(src, addr, lo, hi)
		if writeBits(dst, addr, lo, hi, v) {
			changed = true
		}
		lo = hi + 1
	}
	return changed
}

func (b *Buffer) LoadStable(addr sir.Addr, lsb, msb int) uint64 {
	return readBits(b.stable, addr, lsb, msb)
}

func (b *Buffer) LoadWorking(addr sir.Addr, lsb, msb int) uint64 {
	return readBits(b.working, addr, lsb, msb)
}

func (b *Buffer) StoreStable(addr sir.Addr, lsb, msb int, value uint64) {
	writeBits(b.stable, addr, lsb, msb, value)
}

func (b *Buffer) StoreWorking(addr sir.Addr, lsb, msb int, value uint64) {
	writeBits(b.working, addr, lsb, msb, value)
}

// Commit copies Working's bits into Stable — the apply half of a
// flip-flop update (§4.8) — and reports whether Stable changed.
func (b *Buffer) Commit(addr sir.Addr, lsb, msb int) bool {
	return copyRange(b.stable, b.working, addr, lsb, msb)
}

// Stable reads a whole address's current Stable low limb, for host
// inspection between Step calls (§5's shared-resource policy). Signals
// no wider than 64 bits never populate the high limb, so this alone is
// the signal's full value; StableWide covers the wider case.
func (b *Buffer) Stable(addr sir.Addr) uint64 {
	return b.stable[addr][0]
}

// StableWide reads a whole address's current Stable value as both
// limbs, for signals wider than 64 bits.
func (b *Buffer) StableWide(addr sir.Addr) (lo, hi uint64) {
	l := b.stable[addr]
	return l[0], l[1]
}

// SetInput writes an input-typed address's Stable word directly,
// clearing any high limb — the narrow (<=64-bit) counterpart of
// SetInputWide. The runtime calls this from Simulator.SetInput for
// host-supplied values; writing any other address through this path
// would violate §5's "host may only change input-typed positions"
// rule, so callers (Simulator.SetInput checks the signal's kind) are
// responsible for that check, not Buffer itself.
func (b *Buffer) SetInput(addr sir.Addr, value uint64) {
	b.stable[addr] = limbs{value, 0}
}

// SetInputWide is SetInput's wide-signal counterpart, setting both limbs.
func (b *Buffer) SetInputWide(addr sir.Addr, lo, hi uint64) {
	b.stable[addr] = limbs{lo, hi}
}

// LoadStableX/LoadWorkingX read the unknown-bit mask paired with the
// same region's value word; StoreStableX/StoreWorkingX write it.
// CommitX copies Working's mask into Stable alongside Commit's value
// copy — the two always travel together so value&mask==0 is preserved
// across a flip-flop's apply phase.
func (b *Buffer) LoadStableX(addr sir.Addr, lsb, msb int) uint64 {
	return readBits(b.stableUnk, addr, lsb, msb)
}

func (b *Buffer) LoadWorkingX(addr sir.Addr, lsb, msb int) uint64 {
	return readBits(b.workingUnk, addr, lsb, msb)
}

func (b *Buffer) StoreStableX(addr sir.Addr, lsb, msb int, unk uint64) {
	writeBits(b.stableUnk, addr, lsb, msb, unk)
}

func (b *Buffer) StoreWorkingX(addr sir.Addr, lsb, msb int, unk uint64) {
	writeBits(b.workingUnk, addr, lsb, msb, unk)
}

func (b *Buffer) CommitX(addr sir.Addr, lsb, msb int) {
	copyRange(b.stableUnk, b.workingUnk, addr, lsb, msb)
}

// StableX reads a whole address's current Stable unknown-bit mask low
// limb, for host inspection (the boundary's "mask bytes" half of a
// 4-state signal).
func (b *Buffer) StableX(addr sir.Addr) uint64 {
	return b.stableUnk[addr][0]
}

// StableXWide is StableX's wide-signal counterpart.
func (b *Buffer) StableXWide(addr sir.Addr) (lo, hi uint64) {
	l := b.stableUnk[addr]
	return l[0], l[1]
}

// SetInputX writes an input-typed address's Stable unknown-bit mask
// directly, the mask-plane counterpart of SetInput.
func (b *Buffer) SetInputX(addr sir.Addr, unk uint64) {
	b.stableUnk[addr] = limbs{unk, 0}
}

// SetInputXWide is SetInputX's wide-signal counterpart.
func (b *Buffer) SetInputXWide(addr sir.Addr, lo, hi uint64) {
	b.stableUnk[addr] = limbs{lo, hi}
}
