package cfgbuild

import "github.com/pchaigno/go-ebpf-verifier/instr"

// Simplify folds into every block with exactly one successor that
// successor, when the successor has exactly one predecessor (the block
// absorbing it), repeating until no more merges apply. Purely cosmetic:
// it shortens graph/inspect dumps without changing what the analyzer
// computes, since a straight-line merge doesn't change any join point.
// The absorbing block keeps its label and the absorbed one is deleted,
// so cfg.Entry is left as it is.
func Simplify(cfg *instr.CFG) {
	for {
		merged := false
		for label, bb := range cfg.Blocks {
			if len(bb.Nexts) != 1 {
				continue
			}
			next := cfg.Blocks[bb.Nexts[0]]
			if next == nil || len(next.Prevs) != 1 || bb.Nexts[0] == label {
				continue
			}
			bb.Insts = append(bb.Insts, next.Insts...)
			bb.Nexts = next.Nexts
			for _, n := range next.Nexts {
				succ := cfg.Blocks[n]
				for i, p := range succ.Prevs {
					if p == next.Label {
						succ.Prevs[i] = label
					}
				}
			}
			delete(cfg.Blocks, next.Label)
			merged = true
			break
		}
		if !merged {
			return
		}
	}
}
