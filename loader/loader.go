// Package loader adapts a cilium/ebpf ELF collection into the flat
// instruction stream and program metadata the rest of the verifier
// consumes. It is a pure translation layer: it carries no abstract-domain
// logic of its own, treating *ebpf.ProgramSpec as something to read,
// never to interpret itself.
package loader

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"

	"github.com/pchaigno/go-ebpf-verifier/instr"
	"github.com/pchaigno/go-ebpf-verifier/rcp"
)

// Program is everything a loader extracts from one named program in an
// ELF collection: its translated instructions (one entry per asm
// instruction, jump targets already resolved to Labels) and the metadata
// the core analysis needs but does not itself compute.
type Program struct {
	Info  instr.ProgramInfo
	Insts []instr.Instruction
	// JumpLabel[i] is the label instruction i must be addressable by: its
	// symbol name if it carries one, otherwise a generated label if any
	// other instruction jumps to it. Empty in every other case.
	JumpLabel []instr.Label
}

// Load reads elfPath and translates programName into a Program.
func Load(elfPath, programName string) (*Program, error) {
	prog, _, err := LoadWithBytes(elfPath, programName)
	return prog, err
}

// LoadWithBytes is Load plus the program's raw marshalled bytecode, for
// callers (package verifier) that key a cache off the program's content
// rather than re-translating it on every run.
func LoadWithBytes(elfPath, programName string) (*Program, []byte, error) {
	spec, err := ebpf.LoadCollectionSpec(elfPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load collection: %w", err)
	}
	progSpec, ok := spec.Programs[programName]
	if !ok {
		return nil, nil, fmt.Errorf("no program named %q in %s", programName, elfPath)
	}
	prog, err := Translate(progSpec, spec.Maps)
	if err != nil {
		return nil, nil, err
	}
	var buf bytes.Buffer
	if err := progSpec.Instructions.Marshal(&buf, binary.LittleEndian); err != nil {
		return nil, nil, fmt.Errorf("marshal instructions: %w", err)
	}
	return prog, buf.Bytes(), nil
}

// Translate converts a single program's instructions and its
// collection's map specs into a Program. Exported separately from Load
// so tests can build a Program from an in-memory asm.Instructions
// without an ELF file on disk.
func Translate(progSpec *ebpf.ProgramSpec, maps map[string]*ebpf.MapSpec) (*Program, error) {
	mapDefs, mapIndex := buildMapDefs(progSpec, maps)

	insts := progSpec.Instructions
	out := make([]instr.Instruction, len(insts))
	labels := make([]instr.Label, len(insts))

	iter := insts.Iterate()
	for iter.Next() {
		ins := iter.Ins
		if sym := ins.Symbol(); sym != "" {
			labels[iter.Index] = instr.Label(sym)
		}
		translated, err := translateOne(*ins, mapIndex)
		if err != nil {
			return nil, fmt.Errorf("instruction %d: %w", iter.Index, err)
		}
		out[iter.Index] = translated
	}

	// Resolve jump targets: a Jmp's Target is the label of the
	// instruction at iter.Offset+ins.Offset+1.
	iter = insts.Iterate()
	offToIndex := map[asm.RawInstructionOffset]int{}
	iter2 := insts.Iterate()
	for iter2.Next() {
		offToIndex[iter2.Offset] = iter2.Index
	}
	for iter.Next() {
		ins := iter.Ins
		jmpOp := ins.OpCode.JumpOp()
		if jmpOp == asm.InvalidJumpOp || jmpOp == asm.Call || jmpOp == asm.Exit {
			continue
		}
		targetOff := iter.Offset + asm.RawInstructionOffset(ins.Offset+1)
		targetIdx, ok := offToIndex[targetOff]
		if !ok {
			return nil, fmt.Errorf("instruction %d: jump target offset %d not found", iter.Index, targetOff)
		}
		if labels[targetIdx] == "" {
			labels[targetIdx] = instr.Label(fmt.Sprintf("j-%d", targetOff))
		}
		jmp := out[iter.Index].(instr.Jmp)
		jmp.Target = labels[targetIdx]
		out[iter.Index] = jmp
	}

	return &Program{
		Info: instr.ProgramInfo{
			ProgramType: progSpec.Type.String(),
			MapDefs:     mapDefs,
			Descriptor:  descriptorFor(progSpec.Type),
		},
		Insts:     out,
		JumpLabel: labels,
	}, nil
}

func buildMapDefs(progSpec *ebpf.ProgramSpec, maps map[string]*ebpf.MapSpec) ([]rcp.MapDef, map[string]int) {
	names := make([]string, 0, len(maps))
	for name := range maps {
		names = append(names, name)
	}
	// Stable order: map_fd constants baked into LoadMapFd.Map index this
	// slice, so the order must not depend on map iteration order.
	sortStrings(names)

	defs := make([]rcp.MapDef, len(names))
	index := make(map[string]int, len(names))
	for i, name := range names {
		defs[i] = rcp.MapDef{ValueSize: int(maps[name].ValueSize)}
		index[name] = i
	}
	return defs, index
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// ProgramNames lists the program sections available in an ELF
// collection, for a CLI's "pick from: ..." hint when the caller didn't
// name one.
func ProgramNames(elfPath string) ([]string, error) {
	spec, err := ebpf.LoadCollectionSpec(elfPath)
	if err != nil {
		return nil, fmt.Errorf("load collection: %w", err)
	}
	names := make([]string, 0, len(spec.Programs))
	for name := range spec.Programs {
		names = append(names, name)
	}
	sortStrings(names)
	return names, nil
}

// descriptorFor returns the packet-bookkeeping field layout for the
// program types that expose one. Program types with no packet context
// (e.g. kprobe, tracepoint) get an all -1 Descriptor: no context load of
// theirs yields a packet pointer, so every InPacket obligation the
// AssertionExtractor emits for them holds trivially.
func descriptorFor(t ebpf.ProgramType) instr.Descriptor {
	switch t {
	case ebpf.XDP:
		// struct xdp_md { __u32 data; __u32 data_end; __u32 data_meta; ... }, 24 bytes
		return instr.Descriptor{Data: 0, End: 4, Meta: 8, Size: 24}
	case ebpf.SocketFilter, ebpf.SchedCLS, ebpf.SchedACT, ebpf.CGroupSKB:
		// struct __sk_buff { __u32 len; __u32 pkt_type; ...; data at 76; data_end at 80 }, 192 bytes
		return instr.Descriptor{Data: 76, End: 80, Meta: 168, Size: 192}
	default:
		return instr.Descriptor{Data: -1, End: -1, Meta: -1, Size: -1}
	}
}
