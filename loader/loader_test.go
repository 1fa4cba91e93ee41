package loader

import (
	"testing"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"

	"github.com/pchaigno/go-ebpf-verifier/instr"
)

func TestRegRangeCheck(t *testing.T) {
	r, err := reg(asm.R10)
	if err != nil {
		t.Fatalf("reg(R10): %v", err)
	}
	if r != instr.R10 {
		t.Fatalf("reg(R10) = %v, want R10", r)
	}
	if _, err := reg(asm.R10 + 1); err == nil {
		t.Fatal("reg(R10+1) succeeded, want an out-of-range error")
	}
}

func TestValueImmVsReg(t *testing.T) {
	v, err := value(asm.R0, 42, false)
	if err != nil {
		t.Fatalf("value(imm): %v", err)
	}
	imm, ok := v.(instr.ImmValue)
	if !ok || imm.Imm != 42 {
		t.Fatalf("value(imm) = %#v, want ImmValue{42}", v)
	}

	v, err = value(asm.R3, 0, true)
	if err != nil {
		t.Fatalf("value(reg): %v", err)
	}
	regv, ok := v.(instr.RegValue)
	if !ok || regv.Reg != instr.R3 {
		t.Fatalf("value(reg) = %#v, want RegValue{R3}", v)
	}
}

func TestSortStrings(t *testing.T) {
	s := []string{"map_c", "map_a", "map_b"}
	sortStrings(s)
	want := []string{"map_a", "map_b", "map_c"}
	for i := range want {
		if s[i] != want[i] {
			t.Fatalf("sortStrings = %v, want %v", s, want)
		}
	}
}

func TestDescriptorForXDP(t *testing.T) {
	d := descriptorFor(ebpf.XDP)
	if d.Data != 0 || d.End != 4 || d.Meta != 8 {
		t.Fatalf("descriptorFor(XDP) = %+v, want Data:0 End:4 Meta:8", d)
	}
}

func TestDescriptorForSchedCLS(t *testing.T) {
	d := descriptorFor(ebpf.SchedCLS)
	if d.Data != 76 || d.End != 80 {
		t.Fatalf("descriptorFor(SchedCLS) = %+v, want Data:76 End:80", d)
	}
}

func TestDescriptorForUnknownTypeIsAllNegative(t *testing.T) {
	d := descriptorFor(ebpf.Kprobe)
	if d.Data != -1 || d.End != -1 || d.Meta != -1 || d.Size != -1 {
		t.Fatalf("descriptorFor(Kprobe) = %+v, want all -1", d)
	}
}

func TestJumpToCmpCollapsesSignedUnsignedPairs(t *testing.T) {
	if jumpToCmp[asm.JGT] != jumpToCmp[asm.JSGT] {
		t.Fatal("JGT and JSGT should collapse to the same CmpOp")
	}
	if jumpToCmp[asm.JEq] == jumpToCmp[asm.JNE] {
		t.Fatal("JEq and JNE must not collapse to the same CmpOp")
	}
}

func TestAluToBinOpCoversEveryALUOp(t *testing.T) {
	for _, op := range []asm.ALUOp{asm.Add, asm.Sub, asm.Mul, asm.Div, asm.Or, asm.And, asm.LSh, asm.RSh, asm.Mod, asm.Xor, asm.Mov, asm.ArSh} {
		if _, ok := aluToBinOp[op]; !ok {
			t.Fatalf("aluToBinOp missing entry for %v", op)
		}
	}
}

func TestTranslateCallRejectsBPFToBPF(t *testing.T) {
	ins := asm.Instruction{Src: asm.PseudoCall}
	if _, err := translateCall(ins); err == nil {
		t.Fatal("translateCall accepted a PseudoCall, want rejection")
	}
}

func TestTranslateCallUnknownHelperFallsBackToAnything(t *testing.T) {
	ins := asm.Instruction{Constant: int64(asm.BuiltinFunc(9999))}
	out, err := translateCall(ins)
	if err != nil {
		t.Fatalf("translateCall: %v", err)
	}
	call := out.(instr.Call)
	if len(call.Singles) != 5 {
		t.Fatalf("unknown helper got %d singles, want 5", len(call.Singles))
	}
	for _, s := range call.Singles {
		if s.Kind != instr.Anything {
			t.Fatalf("unknown helper arg kind = %v, want Anything", s.Kind)
		}
	}
}

func TestTranslateCallMapLookupElem(t *testing.T) {
	ins := asm.Instruction{Constant: int64(asm.FnMapLookupElem)}
	out, err := translateCall(ins)
	if err != nil {
		t.Fatalf("translateCall: %v", err)
	}
	call := out.(instr.Call)
	if !call.ReturnsMap {
		t.Fatal("map_lookup_elem must set ReturnsMap")
	}
	if len(call.Singles) != 2 || call.Singles[0].Kind != instr.MapFD || call.Singles[1].Kind != instr.PtrToMapKey {
		t.Fatalf("map_lookup_elem singles = %+v, want [MapFD, PtrToMapKey]", call.Singles)
	}
}

func TestTranslateCallMapUpdateElemHasPair(t *testing.T) {
	ins := asm.Instruction{Constant: int64(asm.FnMapUpdateElem)}
	out, err := translateCall(ins)
	if err != nil {
		t.Fatalf("translateCall: %v", err)
	}
	call := out.(instr.Call)
	if len(call.Pairs) != 1 {
		t.Fatalf("map_update_elem must have one pair arg, got %d", len(call.Pairs))
	}
	if call.Pairs[0].Mem != instr.R3 {
		t.Fatalf("map_update_elem pair mem reg = %v, want R3 (after 2 singles)", call.Pairs[0].Mem)
	}
	if call.Pairs[0].CanBeZero {
		t.Fatal("map_update_elem's value pair must not allow a zero size")
	}
}

func TestTranslateCallCsumDiffAllowsZeroSize(t *testing.T) {
	ins := asm.Instruction{Constant: int64(asm.FnCsumDiff)}
	out, err := translateCall(ins)
	if err != nil {
		t.Fatalf("translateCall: %v", err)
	}
	call := out.(instr.Call)
	if len(call.Pairs) != 1 || !call.Pairs[0].CanBeZero {
		t.Fatalf("csum_diff pair = %+v, want CanBeZero=true", call.Pairs)
	}
}
