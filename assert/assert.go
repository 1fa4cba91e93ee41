// Package assert implements the AssertionExtractor: a pure pre-pass that
// decorates each instruction with the typed preconditions it requires,
// expressed as Assert instructions inserted immediately before it.
package assert

import (
	"github.com/pchaigno/go-ebpf-verifier/instr"
	"github.com/pchaigno/go-ebpf-verifier/numset"
	"github.com/pchaigno/go-ebpf-verifier/typeset"
)

// Extractor holds the per-program context (declared maps, the context
// descriptor, and the type-index enumeration order) needed to expand a
// constraint into one assertion per concrete region. It carries no
// mutable state across instructions: Extract is a pure function of its
// argument.
type Extractor struct {
	info        instr.ProgramInfo
	universe    typeset.Universe
	privileged  bool
	typeIndices []typeset.Kind
}

// New builds an Extractor for a program. privileged mirrors the
// source's is_privileged flag: when true, the pointer-leak and
// ANYTHING-must-be-num checks are skipped, and so are all type checks
// on a conditional jump's or Assume's operands (a privileged program is
// trusted not to misuse pointers).
func New(info instr.ProgramInfo, privileged bool) *Extractor {
	u := typeset.Universe{NumMaps: len(info.MapDefs)}
	return &Extractor{
		info:        info,
		universe:    u,
		privileged:  privileged,
		typeIndices: u.Indices(),
	}
}

func typeOf(reg instr.Reg, types typeset.Set) instr.Assertion {
	return &instr.TypeConstraint{Reg: reg, Types: types}
}

// checkAccess emits a lower-bound assertion (offset >= 0) plus one
// upper-bound assertion per region in when: value_size for each map,
// StackSize for stack, the context descriptor's size for ctx, and an
// InPacket obligation for packet. num and fd never carry an upper bound.
func (e *Extractor) checkAccess(res []instr.Assertion, when typeset.Set, reg instr.Reg, offset int64, width instr.Value) []instr.Assertion {
	res = append(res, &instr.LinearConstraint{
		Op: numset.GE, Reg: reg, Offset: offset,
		V: instr.ImmValue{Imm: 0}, W: instr.ImmValue{Imm: 0}, When: when,
	})
	for _, k := range e.typeIndices {
		if !when.Has(k) {
			continue
		}
		single := typeset.Single(k)
		if single == e.universe.Num() {
			continue
		}
		if single == e.universe.Packet() {
			res = append(res, &instr.InPacket{Reg: reg, Offset: offset, Width: mustWidth(width)})
			continue
		}
		var end instr.Value
		switch {
		case k >= typeset.MapBase && int(k-typeset.MapBase) < len(e.info.MapDefs):
			end = instr.ImmValue{Imm: int64(e.info.MapDefs[k-typeset.MapBase].ValueSize)}
		case single == e.universe.Stack():
			end = instr.ImmValue{Imm: StackSize}
		case single == e.universe.Ctx():
			end = instr.ImmValue{Imm: int64(e.info.Descriptor.Size)}
		default:
			continue
		}
		res = append(res, &instr.LinearConstraint{
			Op: numset.LE, Reg: reg, Offset: offset, V: end, W: width, When: single,
		})
	}
	return res
}

// StackSize mirrors machine.StackSize; duplicated here (rather than
// imported) to keep this package free of a dependency on the transfer
// engine it merely produces obligations for.
const StackSize = 512

func mustWidth(v instr.Value) int64 {
	if imm, ok := v.(instr.ImmValue); ok {
		return imm.Imm
	}
	return 0
}

func sameType(res []instr.Assertion, e *Extractor, ts typeset.Set, r1, r2 instr.Reg) []instr.Assertion {
	for _, k := range e.typeIndices {
		if ts.Has(k) {
			t := typeset.Single(k)
			res = append(res, &instr.TypeConstraint{Reg: r1, Types: t, HasGiven: true, GivenReg: r2, GivenTypes: t})
		}
	}
	return res
}

func (e *Extractor) explicate(cond instr.Condition) []instr.Assertion {
	if e.privileged {
		return nil
	}
	var res []instr.Assertion
	if imm, ok := cond.Right.(instr.ImmValue); ok {
		if imm.Imm != 0 {
			res = append(res, typeOf(cond.Left, e.universe.Num()))
		}
		return res
	}
	reg := cond.Right.(instr.RegValue).Reg
	if cond.Op != numset.EQ && cond.Op != numset.NE {
		res = append(res, typeOf(cond.Left, e.universe.NonFD()))
	}
	res = sameType(res, e, e.universe.All(), cond.Left, reg)
	return res
}

// Extract returns the assertions that must hold immediately before ins.
func (e *Extractor) Extract(ins instr.Instruction) []instr.Assertion {
	switch a := ins.(type) {
	case instr.Exit:
		return []instr.Assertion{typeOf(instr.R0, e.universe.Num())}

	case instr.Call:
		return e.extractCall(a)

	case instr.Assume:
		return e.explicate(a.Cond)

	case instr.Jmp:
		if !a.Conditional || !a.Refines {
			return nil
		}
		return e.explicate(a.Cond)

	case instr.Mem:
		return e.extractMem(a)

	case instr.LockAdd:
		var res []instr.Assertion
		res = append(res, typeOf(a.Access.Base, e.universe.Maps()))
		res = e.checkAccess(res, e.universe.Maps(), a.Access.Base, a.Access.Offset, instr.ImmValue{Imm: a.Access.Width})
		return res

	case instr.Bin:
		return e.extractBin(a)

	default:
		return nil
	}
}

// extractCall processes every single-register argument but only the
// FIRST memory (pointer, size) pair: its pairs loop breaks immediately
// after the first iteration. The Machine transfer function (package
// machine) still havocs the memory behind every pair; only the
// precondition extraction is truncated this way. Flagged here, not
// fixed, to keep this pass's observable behavior faithful to every
// other helper-call site that relies on it.
func (e *Extractor) extractCall(call instr.Call) []instr.Assertion {
	var res []instr.Assertion
	for _, arg := range call.Singles {
		switch arg.Kind {
		case instr.Anything:
			if !e.privileged {
				res = append(res, typeOf(arg.Reg, e.universe.Num()))
			}
		case instr.MapFD:
			res = append(res, typeOf(arg.Reg, e.universe.FD()))
		case instr.PtrToMapKey, instr.PtrToMapValue:
			res = append(res, typeOf(arg.Reg, e.universe.Stack().Union(e.universe.Packet())))
		case instr.PtrToCtx:
			res = append(res, typeOf(arg.Reg, e.universe.Ctx()))
		}
	}
	for _, arg := range call.Pairs {
		switch arg.Kind {
		case instr.PtrToMemOrNull:
			res = append(res, typeOf(arg.Mem, e.universe.Mem().Union(e.universe.Num())))
			res = append(res, &instr.LinearConstraint{
				Op: numset.EQ, Reg: arg.Mem, Offset: 0,
				V: instr.ImmValue{Imm: 0}, W: instr.ImmValue{Imm: 0}, When: e.universe.Num(),
			})
		case instr.PtrToMem, instr.PtrToUninitMem:
			res = append(res, typeOf(arg.Mem, e.universe.Mem()))
		}
		sizeOp := numset.GT
		if arg.CanBeZero {
			sizeOp = numset.GE
		}
		res = append(res, typeOf(sizeRegOf(arg.Size), e.universe.Num()))
		res = append(res, &instr.LinearConstraint{
			Op: sizeOp, Reg: sizeRegOf(arg.Size), Offset: 0,
			V: instr.ImmValue{Imm: 0}, W: instr.ImmValue{Imm: 0}, When: e.universe.Num(),
		})
		res = e.checkAccess(res, e.universe.Mem(), arg.Mem, 0, arg.Size)
		break // preserved quirk: only the first pair is ever checked
	}
	return res
}

// sizeRegOf extracts the register from a size operand; a Call argument's
// size is always a register in practice (helper prototypes give sizes
// as a register, not an immediate), so an immediate here is a loader
// bug rather than a program to reject.
func sizeRegOf(v instr.Value) instr.Reg {
	if r, ok := v.(instr.RegValue); ok {
		return r.Reg
	}
	return instr.R0
}

func (e *Extractor) extractMem(a instr.Mem) []instr.Assertion {
	var res []instr.Assertion
	width := instr.ImmValue{Imm: a.Access.Width}
	reg := a.Access.Base
	offset := a.Access.Offset
	if reg == instr.R10 {
		res = e.checkAccess(res, e.universe.Stack(), reg, offset, width)
		return res
	}
	res = append(res, typeOf(reg, e.universe.Ptr()))
	res = e.checkAccess(res, e.universe.Ptr(), reg, offset, width)
	if !e.privileged && !a.IsLoad {
		if valReg, ok := a.Value.(instr.RegValue); ok {
			for _, t := range []typeset.Set{e.universe.Maps(), e.universe.Ctx(), e.universe.Packet()} {
				res = append(res, &instr.TypeConstraint{
					Reg: valReg.Reg, Types: e.universe.Num(), HasGiven: true, GivenReg: reg, GivenTypes: t,
				})
			}
		}
	}
	return res
}

func (e *Extractor) extractBin(ins instr.Bin) []instr.Assertion {
	switch ins.Op {
	case instr.MOV:
		return nil
	case instr.ADD:
		reg, ok := ins.Src.(instr.RegValue)
		if !ok {
			return nil
		}
		return []instr.Assertion{
			&instr.TypeConstraint{Reg: reg.Reg, Types: e.universe.Num(), HasGiven: true, GivenReg: ins.Dst, GivenTypes: e.universe.Ptr()},
			&instr.TypeConstraint{Reg: ins.Dst, Types: e.universe.Num(), HasGiven: true, GivenReg: reg.Reg, GivenTypes: e.universe.Ptr()},
		}
	case instr.SUB:
		reg, ok := ins.Src.(instr.RegValue)
		if !ok {
			return nil
		}
		var res []instr.Assertion
		res = append(res, typeOf(ins.Dst, e.universe.NonFD()))
		res = sameType(res, e, e.universe.Maps().Union(e.universe.Ctx()).Union(e.universe.Packet()), reg.Reg, ins.Dst)
		res = append(res, typeOf(reg.Reg, e.universe.NonFD()))
		return res
	default:
		return []instr.Assertion{typeOf(ins.Dst, e.universe.Num())}
	}
}

// Explicate mutates cfg in place, inserting an Assert instruction before
// every original instruction in every block, for each assertion Extract
// produces. Each Assert is local: it is inserted only before the
// instruction that triggered it and never touches a successor block.
func Explicate(cfg *instr.CFG, info instr.ProgramInfo, privileged bool) {
	e := New(info, privileged)
	for _, label := range cfg.Keys() {
		block := cfg.Blocks[label]
		old := block.Insts
		out := make([]instr.Instruction, 0, len(old)*2)
		for _, ins := range old {
			for _, a := range e.Extract(ins) {
				out = append(out, instr.Assert{Constraint: a})
			}
			out = append(out, ins)
		}
		block.Insts = out
	}
}
