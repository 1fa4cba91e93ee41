package cfgbuild

import (
	"testing"

	"github.com/pchaigno/go-ebpf-verifier/instr"
	"github.com/pchaigno/go-ebpf-verifier/numset"
)

// mov r0,0; jeq r0,0,L1; mov r6,10; exit; L1: mov r6,20; exit
func TestBuildSplitsOnConditionalJump(t *testing.T) {
	insts := []instr.Instruction{
		instr.Bin{Op: instr.MOV, Dst: instr.R0, Src: instr.ImmValue{Imm: 0}},
		instr.Jmp{
			Conditional: true, Refines: true,
			Cond:   instr.Condition{Left: instr.R0, Op: numset.EQ, Right: instr.ImmValue{Imm: 0}},
			Target: "L1",
		},
		instr.Bin{Op: instr.MOV, Dst: instr.R6, Src: instr.ImmValue{Imm: 10}},
		instr.Exit{},
		instr.Bin{Op: instr.MOV, Dst: instr.R6, Src: instr.ImmValue{Imm: 20}},
		instr.Exit{},
	}
	labels := make([]instr.Label, len(insts))
	labels[4] = "L1"

	cfg, err := Build("", insts, labels)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(cfg.Blocks[cfg.Entry].Insts) != 2 {
		t.Fatalf("entry block should hold the mov and the jmp, got %d insts", len(cfg.Blocks[cfg.Entry].Insts))
	}
	if len(cfg.Blocks[cfg.Entry].Nexts) != 2 {
		t.Fatalf("conditional jump must fan out to two synthetic successors, got %v", cfg.Blocks[cfg.Entry].Nexts)
	}
	for _, n := range cfg.Blocks[cfg.Entry].Nexts {
		succ := cfg.Blocks[n]
		if len(succ.Insts) != 1 {
			t.Fatalf("synthetic branch block must hold exactly one Assume, got %d", len(succ.Insts))
		}
		if _, ok := succ.Insts[0].(instr.Assume); !ok {
			t.Fatalf("synthetic branch block must start with an Assume, got %T", succ.Insts[0])
		}
	}
	// Must be acyclic and reach both exits.
	keys := cfg.Keys()
	if len(keys) != len(cfg.Blocks) {
		t.Fatalf("Keys() must visit every block, got %d of %d", len(keys), len(cfg.Blocks))
	}
}

func TestBuildUnconditionalJumpSkipsFallthrough(t *testing.T) {
	insts := []instr.Instruction{
		instr.Jmp{Conditional: false, Target: "L1"},
		instr.Bin{Op: instr.MOV, Dst: instr.R0, Src: instr.ImmValue{Imm: 1}}, // dead, never reached
		instr.Exit{},
		instr.Bin{Op: instr.MOV, Dst: instr.R0, Src: instr.ImmValue{Imm: 2}},
		instr.Exit{},
	}
	labels := make([]instr.Label, len(insts))
	labels[3] = "L1"

	cfg, err := Build("", insts, labels)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	entry := cfg.Blocks[cfg.Entry]
	if len(entry.Nexts) != 1 || entry.Nexts[0] != "L1" {
		t.Fatalf("unconditional jump must link only to its target, got %v", entry.Nexts)
	}
}
