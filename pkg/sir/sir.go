// Package sir implements the register-based control-flow IR the
// expression DAG lowers into (§4.5): one virtual register per computed
// value, straight-line blocks joined by Jump/Branch terminators, and
// Phi instructions at merge points where a Mux forced actual control
// flow rather than a single select instruction.
package sir

import "github.com/oisee/rtlsim/pkg/hdl"

// Reg is a virtual register, unique within one Function.
type Reg uint32

// Region distinguishes the two physical copies an address can name:
// Stable (the value every read outside this step's own flip-flop eval
// observes) and Working (next-state, visible only to the commit that
// follows it) — §3/§4.8's two-region memory model.
type Region int

const (
	RegionStable Region = iota
	RegionWorking
)

// Addr mirrors expr.Addr without importing the expr package, since SIR
// is produced by lowering an expression DAG but does not otherwise
// depend on it; the lowerer is responsible for keeping the two in sync.
type Addr struct {
	Instance int
	Local    int
}

// Instruction is one of Imm, Binary, BinaryCarry, Unary, Load, Store,
// Commit, Concat, Phi.
type Instruction interface{ isInstruction() }

// Imm materializes a constant into a fresh register.
type Imm struct {
	Dst   Reg
	Value uint64
	Width int
}

// Binary computes a two-operand arithmetic/logical/comparison result.
type Binary struct {
	Dst         Reg
	Op          hdl.BinOp
	Left, Right Reg
	Width       int
}

// BinaryCarry computes one 64-bit-or-narrower limb of a multi-limb
// Add or Sub (the lowerer's wide-arithmetic path for operands beyond
// 64 bits): Op is OpAdd or OpSub, CarryIn/CarryOut are single-bit
// registers threading the ripple carry (or borrow) between limbs.
type BinaryCarry struct {
	Dst, CarryOut        Reg
	Op                   hdl.BinOp
	Left, Right, CarryIn Reg
	Width                int
}

// Unary computes a one-operand result.
type Unary struct {
	Dst   Reg
	Op    hdl.UnOp
	Src   Reg
	Width int
}

// Load reads a bit range from one region of one address.
type Load struct {
	Dst      Reg
	Addr     Addr
	LSB, MSB int
	Region   Region
}

// Store writes a register's value into a bit range of one region.
type Store struct {
	Src      Reg
	Addr     Addr
	LSB, MSB int
	Region   Region
}

// Commit copies a bit range from Working to Stable — the apply half of
// a flip-flop update (§4.8).
type Commit struct {
	Addr     Addr
	LSB, MSB int
}

// ConcatOperand is one high-to-low operand of a Concat instruction.
// SrcHi/Wide carry the operand's upper limb when the operand itself is
// wider than 64 bits.
type ConcatOperand struct {
	Src   Reg
	SrcHi Reg
	Wide  bool
	Width int
}

// Concat joins operands high-to-low into one wider register value.
// DstHi holds bits [Width-1:64] and Wide is set when Width exceeds 64,
// mirroring how the lowerer splits any value that wide into two limbs.
type Concat struct {
	Dst   Reg
	DstHi Reg
	Wide  bool
	Parts []ConcatOperand
	Width int
}

// PhiEdge is one predecessor contribution to a Phi instruction.
type PhiEdge struct {
	Block int
	Src   Reg
}

// Phi selects a value based on which predecessor block control arrived
// from — the merge-point counterpart of a branch-lowered Mux.
type Phi struct {
	Dst      Reg
	Width    int
	Incoming []PhiEdge
}

func (Imm) isInstruction()         {}
func (Binary) isInstruction()      {}
func (BinaryCarry) isInstruction() {}
func (Unary) isInstruction()       {}
func (Load) isInstruction()        {}
func (Store) isInstruction()       {}
func (Commit) isInstruction()      {}
func (Concat) isInstruction()      {}
func (Phi) isInstruction()         {}

// Terminator is one of Jump, Branch, Return, Error.
type Terminator interface{ isTerminator() }

// Jump transfers control unconditionally.
type Jump struct{ Target int }

// Branch transfers control to Then if Cond is nonzero, else Else.
type Branch struct {
	Cond       Reg
	Then, Else int
}

// Return ends the function normally.
type Return struct{}

// Error ends the function having raised a runtime diagnostic carrying Code.
type Error struct{ Code int }

func (Jump) isTerminator()   {}
func (Branch) isTerminator() {}
func (Return) isTerminator() {}
func (Error) isTerminator()  {}

// Block is one straight-line instruction sequence ending in exactly one
// terminator.
type Block struct {
	ID     int
	Instrs []Instruction
	Term   Terminator
}

// Function is one compiled execution unit's CFG: a combinational
// program, or one flip-flop domain's eval_only/eval_apply/apply body
// (§4.5, §4.7).
type Function struct {
	Name    string
	Blocks  []*Block
	Entry   int
	NumRegs int
}

// Builder assembles a Function one block/instruction at a time.
type Builder struct {
	fn      *Function
	current *Block
}

// NewBuilder starts a function with one empty entry block.
func NewBuilder(name string) *Builder {
	fn := &Function{Name: name}
	b := &Builder{fn: fn}
	entry := b.NewBlock()
	fn.Entry = entry
	b.SetCurrent(entry)
	return b
}

// NewBlock appends an empty block and returns its id.
func (b *Builder) NewBlock() int {
	id := len(b.fn.Blocks)
	b.fn.Blocks = append(b.fn.Blocks, &Block{ID: id})
	return id
}

// SetCurrent redirects Emit/Terminate to the named block.
func (b *Builder) SetCurrent(id int) {
	b.current = b.fn.Blocks[id]
}

// Current returns the id of the block Emit/Terminate target.
func (b *Builder) Current() int {
	return b.current.ID
}

// Reg allocates a fresh virtual register.
func (b *Builder) Reg() Reg {
	r := Reg(b.fn.NumRegs)
	b.fn.NumRegs++
	return r
}

// Emit appends an instruction to the current block.
func (b *Builder) Emit(i Instruction) {
	b.current.Instrs = append(b.current.Instrs, i)
}

// Terminate sets the current block's terminator, replacing any
// terminator set earlier; the lowerer calls it once per block built.
func (b *Builder) Terminate(t Terminator) {
	b.current.Term = t
}

// Finish returns the assembled function. Every block must have a
// terminator; Finish does not itself check this (the lowerer's own
// structure guarantees it — every path ends in Jump/Branch/Return/Error).
func (b *Builder) Finish() *Function {
	return b.fn
}
