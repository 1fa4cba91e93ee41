// Package machine implements the Machine abstract state, the product of
// RegsDom, MemDom and MinSizeDom, and its per-instruction transfer
// functions. This is the engine the Analyzer's worklist drives.
package machine

import (
	"fmt"
	"strings"

	"github.com/pchaigno/go-ebpf-verifier/instr"
	"github.com/pchaigno/go-ebpf-verifier/memdom"
	"github.com/pchaigno/go-ebpf-verifier/numset"
	"github.com/pchaigno/go-ebpf-verifier/rcp"
	"github.com/pchaigno/go-ebpf-verifier/typeset"
)

// StackSize is the eBPF stack frame size every program is allocated:
// the stable kernel value (MAX_BPF_STACK) rather than a guess specific
// to any one program.
const StackSize = 512

// sizeTop is the initial "packet known to be at least this large"
// sentinel: a very large value that behaves as the identity element for
// MinSizeDom's min-join.
const sizeTop = 0xFFFFFFF

// AnalysisError is a fatal failure during transfer: an uninitialized
// register read or an Undefined instruction reached. Both abort analysis
// of the whole program, unlike an unsatisfied Assert which is recorded
// and checked only at the end.
type AnalysisError struct {
	Label instr.Label
	Index int
	Msg   string
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("%s[%d]: %s", e.Label, e.Index, e.Msg)
}

// MinSizeDom tracks a lower bound on the validated packet prefix length.
type MinSizeDom struct {
	Size int64
}

// Top is the initial value: no bound has been established, so the
// (very large) sentinel behaves as the join identity.
func Top() MinSizeDom { return MinSizeDom{Size: sizeTop} }

// JoinSize takes the weaker (smaller) of two bounds: sound across
// merging paths, since only what holds on every path can be assumed.
func JoinSize(a, b MinSizeDom) MinSizeDom {
	if b.Size < a.Size {
		return b
	}
	return a
}

// MeetSize takes the stronger (larger) of two bounds.
func MeetSize(a, b MinSizeDom) MinSizeDom {
	if b.Size > a.Size {
		return b
	}
	return a
}

// Havoc resets the bound to 0: nothing about the packet can be assumed.
func (d MinSizeDom) Havoc() MinSizeDom { return MinSizeDom{Size: 0} }

// AssumeLargerThan raises the bound to at least the smallest value in
// ub, if ub is a concrete, non-empty offset set. A BOT ub leaves d
// unchanged; a TOP ub resets d back to the unconstrained sentinel.
func (d MinSizeDom) AssumeLargerThan(ub numset.Dom) MinSizeDom {
	if ub.IsBot() {
		return d
	}
	if ub.IsTop() {
		return MinSizeDom{Size: sizeTop}
	}
	m := ub.Elems()[0]
	for _, v := range ub.Elems()[1:] {
		if v < m {
			m = v
		}
	}
	if m > d.Size {
		return MinSizeDom{Size: m}
	}
	return d
}

// InBounds reports whether every value in ub is provably within the
// validated prefix. A BOT ub is vacuously in bounds; a TOP ub can never
// be proven so.
func (d MinSizeDom) InBounds(ub numset.Dom) bool {
	if ub.IsBot() {
		return true
	}
	if ub.IsTop() {
		return false
	}
	m := ub.Elems()[0]
	for _, v := range ub.Elems()[1:] {
		if v > m {
			m = v
		}
	}
	return d.Size >= m
}

func (d MinSizeDom) String() string { return fmt.Sprintf("%d", d.Size) }

// RegsDom is the register file: 15 optional slots (r0..r10, plus the
// DataEnd/Meta pseudo-registers), each either absent (uninitialized) or
// carrying an RCP value.
type RegsDom struct {
	regs    [instr.NumRegs]rcp.Domain
	present [instr.NumRegs]bool
}

// Init resets every slot to absent except r1 (ctx), r10 (the stack
// pointer, one past the frame) and the DataEnd/Meta slots (num-TOP).
func (r *RegsDom) Init(ctx, stackEnd, numTop rcp.Domain) {
	for i := range r.present {
		r.present[i] = false
	}
	r.Assign(instr.R1, ctx)
	r.Assign(instr.R10, stackEnd)
	r.Assign(instr.DataEnd, numTop)
	r.Assign(instr.Meta, numTop)
}

// ScratchRegs clears r1..r5, as every helper call does on return.
func (r *RegsDom) ScratchRegs() {
	for i := instr.R1; i <= instr.R5; i++ {
		r.present[i] = false
	}
}

func (r *RegsDom) Assign(reg instr.Reg, v rcp.Domain) {
	r.regs[reg] = v
	r.present[reg] = true
}

func (r *RegsDom) ToUninit(reg instr.Reg) {
	r.present[reg] = false
}

// At reads a register, failing if it was never initialized on this path.
func (r *RegsDom) At(reg instr.Reg) (rcp.Domain, error) {
	if !r.present[reg] {
		return rcp.Domain{}, fmt.Errorf("uninitialized register r%d", reg)
	}
	return r.regs[reg], nil
}

// IsBot reports whether any general-purpose register (r0..r9) holds BOT,
// an infeasible value reachable only via a contradictory path. r10 and
// the pseudo-registers are excluded: they are structural and never BOT.
func (r *RegsDom) IsBot() bool {
	for i := instr.R0; i < instr.R10; i++ {
		if r.present[i] && r.regs[i].IsBot() {
			return true
		}
	}
	return false
}

// JoinRegs is the RegsDom lattice join: slotwise RCP join, with a slot
// absent in the result whenever it is absent on either side (an
// initialized-on-all-paths register stays initialized only if every
// path initializes it).
func JoinRegs(a, b RegsDom) RegsDom {
	var out RegsDom
	for i := 0; i < instr.NumRegs; i++ {
		if !a.present[i] || !b.present[i] {
			continue
		}
		out.present[i] = true
		out.regs[i] = rcp.Join(a.regs[i], b.regs[i])
	}
	return out
}

func MeetRegs(a, b RegsDom) RegsDom {
	var out RegsDom
	for i := 0; i < instr.NumRegs; i++ {
		if !a.present[i] || !b.present[i] {
			continue
		}
		out.present[i] = true
		out.regs[i] = rcp.Meet(a.regs[i], b.regs[i])
	}
	return out
}

func (r RegsDom) Equal(o RegsDom) bool {
	for i := 0; i < instr.NumRegs; i++ {
		if r.present[i] != o.present[i] {
			return false
		}
		if r.present[i] && !r.regs[i].Equal(o.regs[i]) {
			return false
		}
	}
	return true
}

func (r RegsDom) String() string {
	var parts []string
	for i := instr.R0; i <= instr.R10; i++ {
		if r.present[i] {
			parts = append(parts, fmt.Sprintf("r%d=%s", i, r.regs[i]))
		}
	}
	return strings.Join(parts, " ")
}

// Machine is the product domain the Analyzer's worklist fixpoints over:
// registers, the stack store, and the packet's validated-prefix bound.
type Machine struct {
	universe   typeset.Universe
	info       instr.ProgramInfo
	Regs       RegsDom
	Stack      memdom.Dom
	DataEnd    MinSizeDom
}

// New returns a Machine with an infeasible (BOT) stack; call Init to
// seed the entry-block state.
func New(u typeset.Universe, info instr.ProgramInfo) Machine {
	return Machine{universe: u, info: info, Stack: memdom.Bot(u), DataEnd: Top()}
}

// Init seeds the entry state: r1=ctx@0, r10=stack@STACK_SIZE,
// DataEnd/Meta=num-TOP, a freshly-writable (not infeasible) stack, and a
// havoced (zero) validated-prefix bound.
//
// DataEnd must start from Havoc() here, not Top(): leaving the
// join-identity sentinel in place on entry would make every InPacket
// obligation vacuously satisfied from the very first instruction, so no
// program could ever be rejected for an unchecked packet access. Top()
// is still used as the join identity for not-yet-visited or infeasible
// predecessors elsewhere.
func (m Machine) Init() Machine {
	numTop := rcp.NumTop(m.universe)
	m.Regs.Init(rcp.Bot(m.universe).WithCtx(0), rcp.Bot(m.universe).WithStack(StackSize), numTop)
	m.Stack = memdom.Init(m.universe)
	m.DataEnd = MinSizeDom{}.Havoc()
	return m
}

func (m Machine) IsBot() bool {
	return m.Regs.IsBot() || m.Stack.Infeasible
}

func (m Machine) eval(v instr.Value) (rcp.Domain, error) {
	switch val := v.(type) {
	case instr.ImmValue:
		return rcp.Bot(m.universe).WithNum(val.Imm), nil
	case instr.RegValue:
		return m.Regs.At(val.Reg)
	default:
		return rcp.Domain{}, fmt.Errorf("machine: unknown value operand %T", v)
	}
}

func evalNum(u typeset.Universe, v int64) rcp.Domain { return rcp.Bot(u).WithNum(v) }

// Join is the Machine lattice join: componentwise. A Machine with an
// infeasible stack (the BOT Machine New returns) is the join identity.
func Join(a, b Machine) Machine {
	if a.Stack.Infeasible {
		return b
	}
	if b.Stack.Infeasible {
		return a
	}
	out := a
	out.Regs = JoinRegs(a.Regs, b.Regs)
	out.Stack = memdom.Join(a.Stack, b.Stack)
	out.DataEnd = JoinSize(a.DataEnd, b.DataEnd)
	return out
}

func (m Machine) Equal(o Machine) bool {
	return m.Regs.Equal(o.Regs) && m.DataEnd == o.DataEnd && m.stackEqual(o.Stack)
}

func (m Machine) stackEqual(o memdom.Dom) bool {
	return m.Stack.String() == o.String()
}

func (m Machine) String() string {
	return fmt.Sprintf("%s | stack=%s | data_end=%s", m.Regs, m.Stack, m.DataEnd)
}

// Visit applies the transfer function for one instruction, returning the
// successor Machine. label/index identify the instruction for
// AnalysisError only.
func (m Machine) Visit(label instr.Label, index int, ins instr.Instruction) (Machine, error) {
	switch a := ins.(type) {
	case instr.Undefined:
		return m, &AnalysisError{label, index, "reached an Undefined instruction"}
	case instr.LoadMapFd:
		m.Regs.Assign(a.Dst, rcp.Bot(m.universe).WithFD(int64(a.Map)))
		return m, nil
	case instr.Un:
		return m, nil
	case instr.Bin:
		return m.visitBin(label, index, a)
	case instr.Assume:
		return m.visitAssume(label, index, a.Cond)
	case instr.Assert:
		return m.applyAssert(label, index, a.Constraint)
	case instr.Exit:
		return m, nil
	case instr.Jmp:
		return m, nil
	case instr.Call:
		return m.visitCall(label, index, a)
	case instr.Packet:
		m.Regs.Assign(instr.R0, rcp.NumTop(m.universe))
		m.Regs.ScratchRegs()
		return m, nil
	case instr.Mem:
		return m.visitMem(label, index, a)
	case instr.LockAdd:
		return m, nil
	default:
		return m, fmt.Errorf("machine: unhandled instruction %T", ins)
	}
}

func fail(label instr.Label, index int, err error) error {
	if err == nil {
		return nil
	}
	return &AnalysisError{label, index, err.Error()}
}

func (m Machine) visitBin(label instr.Label, index int, a instr.Bin) (Machine, error) {
	v, err := m.eval(a.Src)
	if err != nil {
		return m, fail(label, index, err)
	}
	switch a.Op {
	case instr.MOV:
		m.Regs.Assign(a.Dst, v)
	case instr.ADD:
		cur, err := m.Regs.At(a.Dst)
		if err != nil {
			return m, fail(label, index, err)
		}
		m.Regs.Assign(a.Dst, rcp.Add(cur, v))
	case instr.SUB:
		cur, err := m.Regs.At(a.Dst)
		if err != nil {
			return m, fail(label, index, err)
		}
		m.Regs.Assign(a.Dst, rcp.Sub(cur, v))
	default:
		cur, err := m.Regs.At(a.Dst)
		if err != nil {
			return m, fail(label, index, err)
		}
		m.Regs.Assign(a.Dst, rcp.Exec(a.Op.Arith(), cur, v))
	}
	return m, nil
}

func (m Machine) visitAssume(label instr.Label, index int, cond instr.Condition) (Machine, error) {
	right, err := m.eval(cond.Right)
	if err != nil {
		return m, fail(label, index, err)
	}
	if right.PacketEnd && cond.Op == numset.LE {
		left, err := m.Regs.At(cond.Left)
		if err != nil {
			return m, fail(label, index, err)
		}
		m.DataEnd = m.DataEnd.AssumeLargerThan(left.Packet)
		return m, nil
	}
	left, err := m.Regs.At(cond.Left)
	if err != nil {
		return m, fail(label, index, err)
	}
	m.Regs.Assign(cond.Left, rcp.Assume(left, cond.Op, right, m.universe.All()))
	return m, nil
}

func (m Machine) visitCall(label instr.Label, index int, call instr.Call) (Machine, error) {
	for _, pair := range call.Pairs {
		memVal, err := m.Regs.At(pair.Mem)
		if err != nil {
			return m, fail(label, index, err)
		}
		val := rcp.NumTop(m.universe)
		skip := false
		if pair.Kind == instr.PtrToMemOrNull {
			if memVal.MustBeNum() {
				skip = true
			} else if !memVal.Num.IsBot() {
				val = rcp.Top(m.universe)
			}
		}
		if skip {
			continue
		}
		sizeVal, err := m.eval(pair.Size)
		if err != nil {
			return m, fail(label, index, err)
		}
		m.storeInto(memVal, sizeVal.Num, val)
	}
	if call.ReturnsMap {
		r1, err := m.Regs.At(instr.R1)
		if err != nil {
			return m, fail(label, index, err)
		}
		m.Regs.Assign(instr.R0, rcp.MapLookupElem(r1, m.info.MapDefs))
	} else {
		m.Regs.Assign(instr.R0, rcp.NumTop(m.universe))
	}
	m.Regs.ScratchRegs()
	return m, nil
}

// storeInto mirrors Machine::store: it only ever touches the stack
// component of addr, since context and packet memory are read-only (or
// modelled as opaque) from the program's point of view. An address that
// carries any region besides Stack is ambiguous about which object it
// names, so the write is forced maximally weak (offsets widened to TOP)
// rather than using its (possibly precise) stack offset.
func (m *Machine) storeInto(addr rcp.Domain, width numset.Dom, value rcp.Domain) {
	asStack := addr.Stack
	if asStack.IsBot() {
		return
	}
	pureStack := !addr.HasNum() && !addr.HasFD() && !addr.PacketEnd && len(addr.NonBotRegions()) == 1
	offsets := asStack
	if !pureStack {
		offsets = numset.Top()
	}
	if width.IsSingle() {
		m.Stack = m.Stack.Store(offsets, width.Single64(), value)
	} else {
		m.Stack = m.Stack.StoreDynamic(offsets, width, value)
	}
}

func (m Machine) loadStack(asStack numset.Dom, width int64) rcp.Domain {
	if asStack.IsBot() {
		return rcp.Bot(m.universe)
	}
	return m.Stack.Load(asStack, width)
}

func (m Machine) loadCtx(asCtx numset.Dom, width int64) rcp.Domain {
	if asCtx.IsBot() {
		return rcp.Bot(m.universe)
	}
	if !asCtx.IsSingle() {
		return rcp.Top(m.universe)
	}
	off := asCtx.Single64()
	d := m.info.Descriptor
	switch {
	case d.Data > -1 && off == int64(d.Data):
		// Offset 3 is an arbitrary nonzero packet offset, a sentinel
		// distinct from meta's 0 so data and data_meta don't collapse to
		// the same pointer value.
		return rcp.Bot(m.universe).WithPacket(3)
	case d.End > -1 && off == int64(d.End):
		return rcp.Bot(m.universe).WithPacketEnd()
	case d.Meta > -1 && off == int64(d.Meta):
		return rcp.Bot(m.universe).WithPacket(0)
	default:
		return rcp.NumTop(m.universe)
	}
}

func (m Machine) loadOther(addr rcp.Domain) rcp.Domain {
	if addr.MaybePacket() || addr.MaybeMap() {
		return rcp.NumTop(m.universe)
	}
	return rcp.Bot(m.universe)
}

func (m Machine) load(addr rcp.Domain, width int64) rcp.Domain {
	out := m.loadStack(addr.Stack, width)
	out = rcp.Join(out, m.loadCtx(addr.Ctx, width))
	out = rcp.Join(out, m.loadOther(addr))
	return out
}

func (m Machine) visitMem(label instr.Label, index int, a instr.Mem) (Machine, error) {
	base, err := m.Regs.At(a.Access.Base)
	if err != nil {
		return m, fail(label, index, err)
	}
	addr := rcp.Add(base, evalNum(m.universe, a.Access.Offset))
	if a.IsLoad {
		dst, ok := a.Value.(instr.RegValue)
		if !ok {
			return m, fail(label, index, fmt.Errorf("load destination must be a register"))
		}
		m.Regs.Assign(dst.Reg, m.load(addr, a.Access.Width))
		return m, nil
	}
	value, err := m.eval(a.Value)
	if err != nil {
		return m, fail(label, index, err)
	}
	m.storeInto(addr, numset.Single(a.Access.Width), value)
	return m, nil
}

// applyAssert dispatches an Assert's constraint the same way Assume
// does: it sharpens Machine state so later instructions in the block see
// the narrowed value. Whether the constraint actually held is decided
// separately, in the discharge sweep (package analyzer), via Satisfied.
func (m Machine) applyAssert(label instr.Label, index int, c instr.Assertion) (Machine, error) {
	switch a := c.(type) {
	case *instr.LinearConstraint:
		left, err := m.Regs.At(a.Reg)
		if err != nil {
			return m, fail(label, index, err)
		}
		right, err := m.linearRight(a)
		if err != nil {
			return m, fail(label, index, err)
		}
		// Only the regions named by When are narrowed; the register's
		// other regions pass through unchanged.
		narrowed := rcp.Assume(left, a.Op, right, a.When)
		rest := rcp.AssumeType(left, m.universe.All().Without(a.When))
		m.Regs.Assign(a.Reg, rcp.Join(narrowed, rest))
		return m, nil
	case *instr.TypeConstraint:
		left, err := m.Regs.At(a.Reg)
		if err != nil {
			return m, fail(label, index, err)
		}
		if a.HasGiven {
			given, err := m.Regs.At(a.GivenReg)
			if err != nil {
				return m, fail(label, index, err)
			}
			m.Regs.Assign(a.Reg, rcp.AssumeGivenType(left, a.Types, given, a.GivenTypes))
		} else {
			m.Regs.Assign(a.Reg, rcp.AssumeType(left, a.Types))
		}
		return m, nil
	case *instr.InPacket:
		ub, err := m.inPacketBound(a)
		if err != nil {
			return m, fail(label, index, err)
		}
		m.DataEnd = m.DataEnd.AssumeLargerThan(ub)
		return m, nil
	default:
		return m, fmt.Errorf("machine: unknown assertion %T", c)
	}
}

func (m Machine) linearRight(a *instr.LinearConstraint) (rcp.Domain, error) {
	left, err := m.Regs.At(a.Reg)
	if err != nil {
		return rcp.Domain{}, err
	}
	v, err := m.eval(a.V)
	if err != nil {
		return rcp.Domain{}, err
	}
	w, err := m.eval(a.W)
	if err != nil {
		return rcp.Domain{}, err
	}
	adjust := rcp.Sub(rcp.Sub(v, w), evalNum(m.universe, a.Offset))
	return rcp.Add(left.Zero(), adjust), nil
}

func (m Machine) inPacketBound(a *instr.InPacket) (numset.Dom, error) {
	reg, err := m.Regs.At(a.Reg)
	if err != nil {
		return numset.Dom{}, err
	}
	addr := rcp.Add(rcp.Add(reg, evalNum(m.universe, a.Offset)), evalNum(m.universe, a.Width))
	return addr.Packet, nil
}

// Satisfied evaluates whether an Assert's constraint holds given the
// current state, without mutating it. Used by the discharge sweep.
func (m Machine) Satisfied(c instr.Assertion) (bool, error) {
	switch a := c.(type) {
	case *instr.LinearConstraint:
		left, err := m.Regs.At(a.Reg)
		if err != nil {
			return false, err
		}
		right, err := m.linearRight(a)
		if err != nil {
			return false, err
		}
		return rcp.Satisfied(left, a.Op, right, a.When), nil
	case *instr.TypeConstraint:
		left, err := m.Regs.At(a.Reg)
		if err != nil {
			return false, err
		}
		if a.HasGiven {
			given, err := m.Regs.At(a.GivenReg)
			if err != nil {
				return false, err
			}
			return rcp.SatisfiedGivenType(left, a.Types, given, a.GivenTypes), nil
		}
		return rcp.SatisfiedType(left, a.Types), nil
	case *instr.InPacket:
		ub, err := m.inPacketBound(a)
		if err != nil {
			return false, err
		}
		return m.DataEnd.InBounds(ub), nil
	default:
		return false, fmt.Errorf("machine: unknown assertion %T", c)
	}
}
