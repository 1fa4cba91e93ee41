// Package cfgbuild turns the flat, label-annotated instruction stream a
// loader produces into the instr.CFG the analyzer walks: it splits
// instructions into basic blocks linked by their jump/fallthrough
// edges, plus one thing a plain block splitter doesn't need:
// synthesizing the Assume instruction that narrows a conditional jump's
// two successors.
package cfgbuild

import (
	"fmt"

	"github.com/pchaigno/go-ebpf-verifier/instr"
	"github.com/pchaigno/go-ebpf-verifier/numset"
)

// Build splits insts into basic blocks at the boundaries labels marks
// (labels[i] is the block-starting label owed to instruction i, or ""
// if none) and after every Jmp or Exit, then links them into a CFG. A
// non-refining conditional Jmp links straight to its target and
// fallthrough; a refining one (Refines set) gets two synthetic
// successor blocks, one per branch,
// each holding a single Assume instruction before falling through to the
// real target/fallthrough block: this is what lets the worklist
// analyzer narrow state along a branch via the ordinary Assert/Assume
// transfer functions instead of a special case in Visit.
func Build(entry instr.Label, insts []instr.Instruction, labels []instr.Label) (*instr.CFG, error) {
	groups := split(insts, labels)
	if len(groups) == 0 {
		return nil, fmt.Errorf("cfgbuild: empty program")
	}

	cfg := &instr.CFG{Blocks: map[instr.Label]*instr.BasicBlock{}}
	blockLabelOf := map[int]instr.Label{} // first instruction index -> block label
	for _, g := range groups {
		first := g[0]
		label := labels[first]
		if label == "" {
			label = instr.Label(fmt.Sprintf("b%d", first))
		}
		blockLabelOf[first] = label
		bb := &instr.BasicBlock{Label: label}
		for _, idx := range g {
			bb.Insts = append(bb.Insts, insts[idx])
		}
		cfg.Blocks[label] = bb
	}
	cfg.Entry = blockLabelOf[groups[0][0]]
	if entry != "" {
		cfg.Entry = entry
	}

	firstOf := map[int]int{} // any index -> the index of its block's first instruction
	for _, g := range groups {
		for _, idx := range g {
			firstOf[idx] = g[0]
		}
	}
	nextGroup := map[int]int{} // block-first-index -> next sequential block-first-index, -1 if last
	for gi, g := range groups {
		if gi+1 < len(groups) {
			nextGroup[g[0]] = groups[gi+1][0]
		} else {
			nextGroup[g[0]] = -1
		}
	}

	resolve := func(target instr.Label) (instr.Label, error) {
		for i, l := range labels {
			if l == target {
				return blockLabelOf[firstOf[i]], nil
			}
		}
		return "", fmt.Errorf("cfgbuild: unresolved jump target %q", target)
	}

	for _, g := range groups {
		first := g[0]
		label := blockLabelOf[first]
		bb := cfg.Blocks[label]
		last := bb.Insts[len(bb.Insts)-1]
		switch jmp, ok := last.(instr.Jmp); {
		case !ok:
			// Straight-line fallthrough (Call, or any non-terminal op ending
			// a block only because a label starts the next one). An Exit
			// ends its block with no successor.
			if _, isExit := last.(instr.Exit); isExit {
				break
			}
			if n := nextGroup[first]; n != -1 {
				link(cfg, label, blockLabelOf[n])
			}
		case !jmp.Conditional:
			targetLabel, err := resolve(jmp.Target)
			if err != nil {
				return nil, err
			}
			link(cfg, label, targetLabel)
		default:
			n := nextGroup[first]
			if n == -1 {
				return nil, fmt.Errorf("cfgbuild: conditional jump in %s has no fallthrough", label)
			}
			targetLabel, err := resolve(jmp.Target)
			if err != nil {
				return nil, err
			}
			fallLabel := blockLabelOf[n]

			if jmp.Refines {
				thenLabel := instr.Label(string(label) + ".then")
				elseLabel := instr.Label(string(label) + ".else")
				cfg.Blocks[thenLabel] = &instr.BasicBlock{
					Label: thenLabel,
					Insts: []instr.Instruction{instr.Assume{Cond: jmp.Cond}},
				}
				cfg.Blocks[elseLabel] = &instr.BasicBlock{
					Label: elseLabel,
					Insts: []instr.Instruction{instr.Assume{Cond: negate(jmp.Cond)}},
				}
				link(cfg, label, thenLabel)
				link(cfg, label, elseLabel)
				link(cfg, thenLabel, targetLabel)
				link(cfg, elseLabel, fallLabel)
			} else {
				link(cfg, label, targetLabel)
				link(cfg, label, fallLabel)
			}
		}
	}

	return cfg, nil
}

func link(cfg *instr.CFG, from, to instr.Label) {
	fb := cfg.Blocks[from]
	tb := cfg.Blocks[to]
	fb.Nexts = append(fb.Nexts, to)
	tb.Prevs = append(tb.Prevs, from)
}

func split(insts []instr.Instruction, labels []instr.Label) [][]int {
	var groups [][]int
	var cur []int
	for i, ins := range insts {
		if labels[i] != "" && len(cur) > 0 {
			groups = append(groups, cur)
			cur = nil
		}
		cur = append(cur, i)
		switch ins.(type) {
		case instr.Jmp, instr.Exit:
			groups = append(groups, cur)
			cur = nil
		}
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups
}

// negate produces the Condition that holds exactly when c does not,
// used for the fallthrough (not-taken) side of a refining conditional
// jump.
func negate(c instr.Condition) instr.Condition {
	negated := map[numset.CmpOp]numset.CmpOp{
		numset.EQ: numset.NE,
		numset.NE: numset.EQ,
		numset.LT: numset.GE,
		numset.GE: numset.LT,
		numset.LE: numset.GT,
		numset.GT: numset.LE,
	}
	return instr.Condition{Left: c.Left, Op: negated[c.Op], Right: c.Right}
}
