package machine

import (
	"testing"

	"github.com/pchaigno/go-ebpf-verifier/instr"
	"github.com/pchaigno/go-ebpf-verifier/numset"
	"github.com/pchaigno/go-ebpf-verifier/rcp"
	"github.com/pchaigno/go-ebpf-verifier/typeset"
)

func universe() typeset.Universe { return typeset.Universe{NumMaps: 1} }

func freshMachine() Machine {
	return New(universe(), instr.ProgramInfo{
		MapDefs:    []rcp.MapDef{{ValueSize: 16}},
		Descriptor: instr.Descriptor{Data: 0, End: 4, Meta: -1, Size: 8},
	}).Init()
}

func step(t *testing.T, m Machine, ins instr.Instruction) Machine {
	t.Helper()
	out, err := m.Visit("L", 0, ins)
	if err != nil {
		t.Fatalf("visiting %T: %v", ins, err)
	}
	return out
}

func regAt(t *testing.T, m Machine, r instr.Reg) rcp.Domain {
	t.Helper()
	v, err := m.Regs.At(r)
	if err != nil {
		t.Fatalf("reading r%d: %v", r, err)
	}
	return v
}

// Scenario 1: mov r0, 0; exit -> r0=num{0}, Exit's type_of(r0,num) holds.
func TestScenarioMovZeroExit(t *testing.T) {
	m := freshMachine()
	m = step(t, m, instr.Bin{Op: instr.MOV, Dst: instr.R0, Src: instr.ImmValue{Imm: 0}})
	got := regAt(t, m, instr.R0)
	want := rcp.Bot(universe()).WithNum(0)
	if !got.Equal(want) {
		t.Fatalf("r0 = %s, want %s", got, want)
	}
	ok, err := m.Satisfied(&instr.TypeConstraint{Reg: instr.R0, Types: universe().Num()})
	if err != nil || !ok {
		t.Fatalf("type_of(r0,num) must hold at exit: ok=%v err=%v", ok, err)
	}
}

// Scenario 2: mov r0,1; mov r1,r10; add r1,-8; stx [r1],r0; ldx r2,[r1]; exit.
func TestScenarioStackRoundTrip(t *testing.T) {
	m := freshMachine()
	m = step(t, m, instr.Bin{Op: instr.MOV, Dst: instr.R0, Src: instr.ImmValue{Imm: 1}})
	m = step(t, m, instr.Bin{Op: instr.MOV, Dst: instr.R1, Src: instr.RegValue{Reg: instr.R10}})
	m = step(t, m, instr.Bin{Op: instr.ADD, Dst: instr.R1, Src: instr.ImmValue{Imm: -8}})
	m = step(t, m, instr.Mem{
		Access: instr.MemAccess{Base: instr.R1, Offset: 0, Width: 8},
		Value:  instr.RegValue{Reg: instr.R0},
		IsLoad: false,
	})
	m = step(t, m, instr.Mem{
		Access: instr.MemAccess{Base: instr.R1, Offset: 0, Width: 8},
		Value:  instr.RegValue{Reg: instr.R2},
		IsLoad: true,
	})
	want := rcp.Bot(universe()).WithNum(1)
	if got := regAt(t, m, instr.R2); !got.Equal(want) {
		t.Fatalf("r2 = %s, want %s", got, want)
	}
	if got := regAt(t, m, instr.R0); !got.Equal(want) {
		t.Fatalf("r0 = %s, want %s", got, want)
	}
}

// Scenario 3: ldx r0,[r1+0] (r1=ctx, data=0); add r0,1; ldx r2,[r0] with no
// prior InPacket assertion on r0 -> the InPacket obligation is unsatisfied.
func TestScenarioMissingInPacketAssertionUnsatisfied(t *testing.T) {
	m := freshMachine()
	m = step(t, m, instr.Mem{
		Access: instr.MemAccess{Base: instr.R1, Offset: 0, Width: 8},
		Value:  instr.RegValue{Reg: instr.R0},
		IsLoad: true,
	})
	if got := regAt(t, m, instr.R0); got.Packet.Single64() != 3 {
		t.Fatalf("r0 after ctx-data load must be the packet-start sentinel, got %s", got)
	}
	m = step(t, m, instr.Bin{Op: instr.ADD, Dst: instr.R0, Src: instr.ImmValue{Imm: 1}})
	inPacket := &instr.InPacket{Reg: instr.R0, Offset: 0, Width: 8}
	ok, err := m.Satisfied(inPacket)
	if err != nil {
		t.Fatalf("Satisfied: %v", err)
	}
	if ok {
		t.Fatalf("without a prior packet-bound assertion, InPacket must not be satisfied")
	}
}

// Scenario 4: call map_lookup_elem; r0 becomes {num 0} union {map_value ptr
// @0}; a subsequent ldx with no null check leaves the ptr-typed obligation
// unsatisfied under the num branch.
func TestScenarioMapLookupNoNullCheck(t *testing.T) {
	m := freshMachine()
	m.Regs.Assign(instr.R1, rcp.Bot(universe()).WithFD(0))
	m = step(t, m, instr.Call{Helper: "map_lookup_elem", ReturnsMap: true})
	r0 := regAt(t, m, instr.R0)
	if r0.Num.Single64() != 0 {
		t.Fatalf("r0 must include num{0} after a lookup, got %s", r0)
	}
	if r0.Maps[0].IsBot() {
		t.Fatalf("r0 must include the map-value pointer after a lookup, got %s", r0)
	}
	ptrConstraint := &instr.TypeConstraint{Reg: instr.R0, Types: universe().Mem()}
	ok, err := m.Satisfied(ptrConstraint)
	if err != nil {
		t.Fatalf("Satisfied: %v", err)
	}
	if ok {
		t.Fatalf("r0:ptr must not be satisfied while r0 may still be num{0} (no null check)")
	}
}

// Scenario 5: two paths join at L, one leaving r0=num, the other
// r0=ctx-ptr. Jmp r0==0 refines the then-branch to eliminate num{0}.
func TestScenarioJoinThenRefine(t *testing.T) {
	numSide := freshMachine()
	numSide.Regs.Assign(instr.R0, rcp.Bot(universe()).WithNum(0))
	ctxSide := freshMachine()
	ctxSide.Regs.Assign(instr.R0, rcp.Bot(universe()).WithCtx(4))

	joined := Join(numSide, ctxSide)
	r0 := regAt(t, joined, instr.R0)
	if r0.Num.IsBot() || r0.Ctx.IsBot() {
		t.Fatalf("joined r0 must carry both num and ctx regions, got %s", r0)
	}

	refined, err := joined.visitAssume(instr.Label("L"), 0, instr.Condition{
		Left: instr.R0, Op: numset.EQ, Right: instr.ImmValue{Imm: 0},
	})
	if err != nil {
		t.Fatalf("visitAssume: %v", err)
	}
	got := regAt(t, refined, instr.R0)
	if !got.Ctx.IsBot() {
		t.Fatalf("assuming r0==0 must eliminate the ctx region (ctx offset 4 != 0), got %s", got)
	}
	if got.Num.IsBot() || got.Num.Single64() != 0 {
		t.Fatalf("assuming r0==0 must keep num{0}, got %s", got)
	}
}

// Scenario 6: stx [r1+o],r2 where r1 is a map-value pointer and r2 is a
// ctx pointer, in non-privileged mode: the leak-prevention constraint
// r2:num when r1:maps must not be satisfied.
func TestScenarioPointerLeakIntoMapValue(t *testing.T) {
	m := freshMachine()
	m.Regs.Assign(instr.R1, rcp.Bot(universe()).WithMap(0, 0))
	m.Regs.Assign(instr.R2, rcp.Bot(universe()).WithCtx(0))
	leak := &instr.TypeConstraint{
		Reg: instr.R2, Types: universe().Num(),
		HasGiven: true, GivenReg: instr.R1, GivenTypes: universe().Maps(),
	}
	ok, err := m.Satisfied(leak)
	if err != nil {
		t.Fatalf("Satisfied: %v", err)
	}
	if ok {
		t.Fatalf("storing a ctx pointer into a map value must fail the leak-prevention assertion")
	}
}

func TestJoinCommutative(t *testing.T) {
	a := freshMachine()
	a.Regs.Assign(instr.R0, rcp.Bot(universe()).WithNum(1))
	b := freshMachine()
	b.Regs.Assign(instr.R0, rcp.Bot(universe()).WithCtx(2))
	if !Join(a, b).Equal(Join(b, a)) {
		t.Fatalf("Machine join must be commutative")
	}
}

func TestJoinAssociative(t *testing.T) {
	a := freshMachine()
	a.Regs.Assign(instr.R0, rcp.Bot(universe()).WithNum(1))
	b := freshMachine()
	b.Regs.Assign(instr.R0, rcp.Bot(universe()).WithCtx(2))
	c := freshMachine()
	c.Regs.Assign(instr.R0, rcp.Bot(universe()).WithStack(3))
	left := Join(Join(a, b), c)
	right := Join(a, Join(b, c))
	if !left.Equal(right) {
		t.Fatalf("Machine join must be associative: %s vs %s", left, right)
	}
}

func TestJoinIsMonotoneUpperBound(t *testing.T) {
	a := freshMachine()
	a.Regs.Assign(instr.R0, rcp.Bot(universe()).WithNum(1))
	b := freshMachine()
	b.Regs.Assign(instr.R0, rcp.Bot(universe()).WithNum(2))
	joined := Join(a, b)
	r0 := regAt(t, joined, instr.R0)
	if !r0.Num.Contains(1) || !r0.Num.Contains(2) {
		t.Fatalf("join must be an upper bound of both operands, got %s", r0)
	}
}

// visitCall must havoc the memory behind every (pointer, size) pair it is
// given, unlike the assertion extractor (package assert) which only
// explicates a precondition for the first pair.
func TestCallHavocsAllPairs(t *testing.T) {
	m := freshMachine()
	m.Regs.Assign(instr.R1, rcp.Bot(universe()).WithStack(-8))
	m.Regs.Assign(instr.R2, rcp.Bot(universe()).WithNum(4))
	m.Regs.Assign(instr.R3, rcp.Bot(universe()).WithStack(-16))
	m.Regs.Assign(instr.R4, rcp.Bot(universe()).WithNum(4))
	m.Stack = m.Stack.Store(numset.Single(-8), 4, rcp.Bot(universe()).WithNum(111))
	m.Stack = m.Stack.Store(numset.Single(-16), 4, rcp.Bot(universe()).WithNum(222))

	call := instr.Call{
		Helper: "some_helper",
		Pairs: []instr.ArgPair{
			{Mem: instr.R1, Size: instr.RegValue{Reg: instr.R2}, Kind: instr.PtrToUninitMem},
			{Mem: instr.R3, Size: instr.RegValue{Reg: instr.R4}, Kind: instr.PtrToUninitMem},
		},
	}
	out, err := m.Visit("L", 0, call)
	if err != nil {
		t.Fatalf("Visit: %v", err)
	}
	first := out.Stack.Load(numset.Single(-8), 4)
	second := out.Stack.Load(numset.Single(-16), 4)
	if first.Equal(rcp.Bot(universe()).WithNum(111)) {
		t.Fatalf("first pair's memory must be havoced by the call, got %s", first)
	}
	if second.Equal(rcp.Bot(universe()).WithNum(222)) {
		t.Fatalf("second pair's memory must also be havoced by the call, got %s", second)
	}
}

func TestUninitializedRegisterReadFails(t *testing.T) {
	m := freshMachine()
	m.Regs.ToUninit(instr.R0)
	_, err := m.Regs.At(instr.R0)
	if err == nil {
		t.Fatalf("reading an uninitialized register must fail")
	}
}

func TestUndefinedInstructionIsFatal(t *testing.T) {
	m := freshMachine()
	_, err := m.Visit("L", 0, instr.Undefined{})
	if err == nil {
		t.Fatalf("visiting Undefined must return an AnalysisError")
	}
	if _, ok := err.(*AnalysisError); !ok {
		t.Fatalf("error must be *AnalysisError, got %T", err)
	}
}
