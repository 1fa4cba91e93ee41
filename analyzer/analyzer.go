// Package analyzer drives the worklist fixpoint over a Machine per CFG
// label and the discharge sweep that decides each Assert's satisfied
// flag. The CFG must be a DAG: no widening operator is implemented, so a
// cyclic graph would never reach a fixpoint.
package analyzer

import (
	"github.com/pchaigno/go-ebpf-verifier/instr"
	"github.com/pchaigno/go-ebpf-verifier/machine"
	"github.com/pchaigno/go-ebpf-verifier/typeset"
)

// Analyzer holds the per-label abstract state the worklist refines:
// pre is the state on entry to a block, post the state after running its
// instructions.
type Analyzer struct {
	cfg  *instr.CFG
	info instr.ProgramInfo
	pre  map[instr.Label]machine.Machine
	post map[instr.Label]machine.Machine
}

// New builds an Analyzer with every label's pre/post state seeded to the
// BOT Machine, then seeds the entry label's pre state with Init().
func New(cfg *instr.CFG, info instr.ProgramInfo) *Analyzer {
	u := typeset.Universe{NumMaps: len(info.MapDefs)}
	a := &Analyzer{
		cfg:  cfg,
		info: info,
		pre:  map[instr.Label]machine.Machine{},
		post: map[instr.Label]machine.Machine{},
	}
	for _, l := range cfg.Keys() {
		a.pre[l] = machine.New(u, info)
		a.post[l] = machine.New(u, info)
	}
	a.pre[cfg.Entry] = machine.New(u, info).Init()
	return a
}

// join folds every predecessor's post-state into into's pre-state. It
// starts from the CURRENT pre-state, not BOT, so repeated calls across
// worklist iterations accumulate monotonically rather than discarding
// contributions from predecessors visited in an earlier round.
func (a *Analyzer) join(prevs []instr.Label, into instr.Label) {
	newPre := a.pre[into]
	for _, l := range prevs {
		newPre = machine.Join(newPre, a.post[l])
	}
	a.pre[into] = newPre
}

// recompute replays label's block from its current pre-state, updating
// post. Returns whether post changed, since that is what drives the
// worklist to (re)visit successors. A fatal transfer error (an
// uninitialized register read or an Undefined instruction) aborts
// analysis entirely rather than being recorded and continued past.
func (a *Analyzer) recompute(label instr.Label, bb *instr.BasicBlock) (bool, error) {
	dom := a.pre[label]
	for i, ins := range bb.Insts {
		next, err := dom.Visit(label, i, ins)
		if err != nil {
			return false, err
		}
		dom = next
	}
	changed := !a.post[label].Equal(dom)
	a.post[label] = dom
	return changed, nil
}

// worklist runs the DAG fixpoint: a FIFO queue seeded with the entry
// label, processing each popped label by joining its predecessors'
// post-states, recomputing its own post-state, and, only if that state
// changed, enqueuing successors once every one of their predecessors has
// contributed at least once. Queue entries are deduplicated only when
// adjacent: a label can still appear more than once in the queue if
// other labels were interleaved.
func (a *Analyzer) worklist() error {
	keys := a.cfg.Keys()
	if len(keys) == 0 {
		return nil
	}
	w := []instr.Label{keys[0]}
	count := map[instr.Label]int{}
	for _, l := range keys {
		count[l] = 0
	}
	for len(w) > 0 {
		label := w[0]
		w = w[1:]
		bb := a.cfg.Blocks[label]
		a.join(bb.Prevs, label)
		changed, err := a.recompute(label, bb)
		if err != nil {
			return err
		}
		if changed {
			for _, next := range bb.Nexts {
				count[next]++
				if count[next] >= len(a.cfg.Blocks[next].Prevs) {
					w = append(w, next)
				}
			}
			w = dedupAdjacent(w)
		}
	}
	return nil
}

func dedupAdjacent(w []instr.Label) []instr.Label {
	if len(w) == 0 {
		return w
	}
	out := w[:1]
	for _, l := range w[1:] {
		if l != out[len(out)-1] {
			out = append(out, l)
		}
	}
	return out
}

// Validate runs the fixpoint to completion, then sweeps every block in
// topological order discharging each Assert against the state live at
// that point: an assertion whose satisfied flag is already set (by an
// earlier Validate over the same CFG) is left alone, and dom is
// threaded forward through visit(ins) so later
// assertions in the same block see up-to-date state.
// Returns the overall verdict: true iff every Assert discharges true.
func Validate(cfg *instr.CFG, info instr.ProgramInfo) (bool, error) {
	a := New(cfg, info)
	if err := a.worklist(); err != nil {
		return false, err
	}
	accept := true
	for _, l := range cfg.Keys() {
		dom := a.pre[l]
		block := cfg.Blocks[l]
		for i, ins := range block.Insts {
			if assertIns, ok := ins.(instr.Assert); ok {
				c := assertIns.Constraint
				if !c.Satisfied() {
					ok, err := dom.Satisfied(c)
					if err != nil {
						return false, err
					}
					c.SetSatisfied(ok)
					if !ok {
						accept = false
					}
				}
			}
			next, err := dom.Visit(l, i, ins)
			if err != nil {
				return false, err
			}
			dom = next
		}
	}
	return accept, nil
}

// Invariants returns the pre-state the fixpoint settled on for every
// label, for a print_invariants-style dump. It runs its own worklist
// fixpoint, independent of Validate, and discharges no Assert; callers
// that only need the verdict should prefer Validate.
func Invariants(cfg *instr.CFG, info instr.ProgramInfo) (map[instr.Label]machine.Machine, error) {
	a := New(cfg, info)
	if err := a.worklist(); err != nil {
		return nil, err
	}
	return a.pre, nil
}
