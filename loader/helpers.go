package loader

import (
	"fmt"

	"github.com/cilium/ebpf/asm"

	"github.com/pchaigno/go-ebpf-verifier/instr"
)

// helperProto describes one BPF helper's argument shape in the terms the
// AssertionExtractor understands: a sequence of single-register argument
// kinds, followed by at most one (pointer, size) pair, the ABI every
// real helper prototype in include/uapi/linux/bpf.h follows. ReturnsMap
// marks helpers whose r0 is a possibly-null pointer into a map value
// (currently only bpf_map_lookup_elem).
type helperProto struct {
	singles    []instr.ArgKind
	pairKind   instr.ArgKind // zero value (Anything) means "no pair argument"
	returnsMap bool
	// canBeZero marks a helper whose pair argument accepts a zero size
	// (ARG_CONST_SIZE_OR_ZERO in the kernel's own prototype table);
	// every other pair argument requires a strictly positive size.
	canBeZero bool
}

// helperProtos covers the helpers exercised by the programs this
// verifier is expected to check; an unlisted helper falls back to
// untyped (Anything) single-register arguments, matching a conservative
// reading of a helper this table has no prototype for.
var helperProtos = map[asm.BuiltinFunc]helperProto{
	asm.FnMapLookupElem: {
		singles:    []instr.ArgKind{instr.MapFD, instr.PtrToMapKey},
		returnsMap: true,
	},
	asm.FnMapUpdateElem: {
		singles:  []instr.ArgKind{instr.MapFD, instr.PtrToMapKey},
		pairKind: instr.PtrToMem, // value pointer; flags (4th arg) untyped
	},
	asm.FnMapDeleteElem: {
		singles: []instr.ArgKind{instr.MapFD, instr.PtrToMapKey},
	},
	asm.FnProbeRead: {
		pairKind: instr.PtrToUninitMem,
	},
	asm.FnTracePrintk: {
		pairKind: instr.PtrToMem,
	},
	asm.FnKtimeGetNs:         {},
	asm.FnGetCurrentPidTgid:  {},
	asm.FnGetCurrentUidGid:   {},
	asm.FnGetCurrentComm:     {pairKind: instr.PtrToUninitMem},
	asm.FnGetSmpProcessorId:  {},
	asm.FnPerfEventOutput: {
		singles:  []instr.ArgKind{instr.PtrToCtx, instr.MapFD},
		pairKind: instr.PtrToMem,
	},
	asm.FnSkbLoadBytes: {
		singles:  []instr.ArgKind{instr.PtrToCtx, instr.Anything},
		pairKind: instr.PtrToUninitMem,
	},
	asm.FnCsumDiff: {
		pairKind:  instr.PtrToMem,
		canBeZero: true,
	},
	asm.FnTailCall: {
		singles: []instr.ArgKind{instr.PtrToCtx, instr.MapFD, instr.Anything},
	},
}

// argRegs lists the single-register argument slots in calling-convention
// order; a pair argument (when present) follows immediately after the
// last single.
var argRegs = [5]instr.Reg{instr.R1, instr.R2, instr.R3, instr.R4, instr.R5}

func translateCall(ins asm.Instruction) (instr.Instruction, error) {
	if ins.Src == asm.PseudoCall {
		return nil, fmt.Errorf("bpf-to-bpf calls are not supported")
	}
	fn := asm.BuiltinFunc(ins.Constant)
	proto, ok := helperProtos[fn]
	if !ok {
		proto = helperProto{singles: []instr.ArgKind{instr.Anything, instr.Anything, instr.Anything, instr.Anything, instr.Anything}}
	}

	call := instr.Call{Helper: fn.String(), ReturnsMap: proto.returnsMap}
	slot := 0
	for _, kind := range proto.singles {
		call.Singles = append(call.Singles, instr.ArgSingle{Reg: argRegs[slot], Kind: kind})
		slot++
	}
	if proto.pairKind != instr.Anything {
		call.Pairs = append(call.Pairs, instr.ArgPair{
			Mem:       argRegs[slot],
			Size:      instr.RegValue{Reg: argRegs[slot+1]},
			Kind:      proto.pairKind,
			CanBeZero: proto.canBeZero,
		})
	}
	return call, nil
}
