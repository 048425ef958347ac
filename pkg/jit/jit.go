// Package jit compiles a scheduled register IR function into a native
// Go execution unit (§4.7): a closure per block, chained by an
// interior dispatch loop rather than machine code — the idiomatic way
// to get "one compiled function pointer per execution unit" without
// cgo or an assembler, and a drop-in alternate backend to a plain SIR
// interpreter should one ever be written.
package jit

import (
	"github.com/oisee/rtlsim/pkg/diag"
	"github.com/oisee/rtlsim/pkg/sir"
)

// Memory is the minimal surface a compiled Function needs from the
// simulator's buffer (§3's two-region model). Defined here rather than
// imported from pkg/runtime so pkg/runtime can depend on pkg/jit (to
// hold compiled functions) without a import cycle back.
type Memory interface {
	LoadStable(addr sir.Addr, lsb, msb int) uint64
	LoadWorking(addr sir.Addr, lsb, msb int) uint64
	StoreStable(addr sir.Addr, lsb, msb int, value uint64)
	StoreWorking(addr sir.Addr, lsb, msb int, value uint64)
	Commit(addr sir.Addr, lsb, msb int) bool

	// The X-suffixed methods carry the 4-state unknown-bit mask paired
	// with each region's value word (§7). A Memory backing a two-state
	// design simply never sets a bit through these and always reads 0.
	LoadStableX(addr sir.Addr, lsb, msb int) uint64
	LoadWorkingX(addr sir.Addr, lsb, msb int) uint64
	StoreStableX(addr sir.Addr, lsb, msb int, unk uint64)
	StoreWorkingX(addr sir.Addr, lsb, msb int, unk uint64)
	CommitX(addr sir.Addr, lsb, msb int)
}

// Trace receives one line of instrumentation per executed instruction
// when a Function is compiled with tracing enabled (§4.7's
// compile-time trace option).
type Trace func(block int, index int, line string)

// Config selects compile-time behavior for one execution unit.
type Config struct {
	// Trace may be nil; when non-nil each instruction's execution
	// emits one line to it.
	Trace Trace

	// FourState compiles operators with 0/1/X/Z propagation. Off, the
	// unknown-bit mask plane is ignored entirely and the two-state
	// boundary behaviors apply: an oversized shift amount yields zero
	// (logical) or sign extension (arithmetic) instead of all-X.
	FourState bool
}

// op executes one instruction. prevBlock is the id of the block
// control arrived from (-1 at function entry) — a Phi needs it to
// pick its matching incoming edge. masks runs parallel to regs,
// carrying each register's 4-state unknown-bit mask; a two-state
// program's masks stay all-zero throughout.
type op func(m Memory, regs, masks []uint64, prevBlock int)

type terminator func(m Memory, regs, masks []uint64) (next int, ret bool, trap *diag.Diagnostic)

type block struct {
	ops  []op
	term terminator
}

// Function is one compiled execution unit: a combinational program, or
// one trigger domain's eval_only/eval_apply/apply body.
type Function struct {
	Name    string
	blocks  []block
	entry   int
	numRegs int
}

// Run executes the compiled function against m, returning the fatal
// diagnostic an Error terminator raised, if any.
func (f *Function) Run(m Memory) *diag.Diagnostic {
	regs := make([]uint64, f.numRegs)
	masks := make([]uint64, f.numRegs)
	cur := f.entry
	prev := -1
	for {
		b := f.blocks[cur]
		for _, o := range b.ops {
			o(m, regs, masks, prev)
		}
		next, done, trap := b.term(m, regs, masks)
		if trap != nil {
			return trap
		}
		if done {
			return nil
		}
		prev = cur
		cur = next
	}
}

// Compile translates fn into a closure-chained Function. A first pass
// records every register's declared width so Binary's signed operators
// can sign-extend operands correctly — SIR only carries a Binary/Unary
// instruction's result width, not its operands', so the operand widths
// are recovered from their defining instructions instead of tracked at
// runtime.
func Compile(fn *sir.Function, cfg Config) *Function {
	widths := make(map[sir.Reg]int)
	for _, b := range fn.Blocks {
		for _, in := range b.Instrs {
			if d, w, ok := declWidth(in); ok {
				widths[d] = w
			}
		}
	}

	out := &Function{Name: fn.Name, entry: fn.Entry, numRegs: fn.NumRegs, blocks: make([]block, len(fn.Blocks))}
	for bi, b := range fn.Blocks {
		compiled := block{ops: make([]op, len(b.Instrs))}
		for ii, in := range b.Instrs {
			compiled.ops[ii] = compileInstr(in, widths, bi, ii, cfg)
		}
		compiled.term = compileTerm(b.Term, fn.Name)
		out.blocks[bi] = compiled
	}
	return out
}

func declWidth(in sir.Instruction) (sir.Reg, int, bool) {
	switch v := in.(type) {
	case sir.Imm:
		return v.Dst, v.Width, true
	case sir.Binary:
		return v.Dst, v.Width, true
	case sir.BinaryCarry:
		return v.Dst, v.Width, true
	case sir.Unary:
		return v.Dst, v.Width, true
	case sir.Load:
		return v.Dst, v.MSB - v.LSB + 1, true
	case sir.Concat:
		return v.Dst, v.Width, true
	case sir.Phi:
		return v.Dst, v.Width, true
	}
	return 0, 0, false
}
