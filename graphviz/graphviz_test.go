package graphviz

import (
	"strings"
	"testing"

	"github.com/pchaigno/go-ebpf-verifier/instr"
)

func twoWayCFG() *instr.CFG {
	entry := &instr.BasicBlock{Label: "entry", Insts: []instr.Instruction{instr.Exit{}}, Nexts: []instr.Label{"taken", "fall"}}
	taken := &instr.BasicBlock{Label: "taken", Insts: []instr.Instruction{instr.Exit{}}, Prevs: []instr.Label{"entry"}}
	fall := &instr.BasicBlock{Label: "fall", Insts: []instr.Instruction{instr.Exit{}}, Prevs: []instr.Label{"entry"}}
	return &instr.CFG{
		Entry: "entry",
		Blocks: map[instr.Label]*instr.BasicBlock{
			"entry": entry,
			"taken": taken,
			"fall":  fall,
		},
	}
}

func TestRenderColorsTakenGreenFallthroughRed(t *testing.T) {
	graph := Render(twoWayCFG(), nil)
	dotText := graph.String()

	takenEdge := extractEdgeLine(t, dotText, "entry", "taken")
	if !strings.Contains(takenEdge, "darkgreen") {
		t.Fatalf("taken edge not colored darkgreen: %q", takenEdge)
	}
	fallEdge := extractEdgeLine(t, dotText, "entry", "fall")
	if !strings.Contains(fallEdge, "red") {
		t.Fatalf("fallthrough edge not colored red: %q", fallEdge)
	}
}

func TestRenderColorsCallSuccessorOrange(t *testing.T) {
	cfg := &instr.CFG{
		Entry: "entry",
		Blocks: map[instr.Label]*instr.BasicBlock{
			"entry": {Label: "entry", Insts: []instr.Instruction{instr.Call{Helper: "map_lookup_elem"}}, Nexts: []instr.Label{"next"}},
			"next":  {Label: "next", Insts: []instr.Instruction{instr.Exit{}}, Prevs: []instr.Label{"entry"}},
		},
	}
	graph := Render(cfg, nil)
	edge := extractEdgeLine(t, graph.String(), "entry", "next")
	if !strings.Contains(edge, "orange") {
		t.Fatalf("call successor edge not colored orange: %q", edge)
	}
}

func TestRenderIncludesEveryBlock(t *testing.T) {
	graph := Render(twoWayCFG(), nil)
	dotText := graph.String()
	for _, label := range []string{"entry", "taken", "fall"} {
		if !strings.Contains(dotText, label) {
			t.Fatalf("rendered graph missing node %q:\n%s", label, dotText)
		}
	}
}

// extractEdgeLine finds the dot output line declaring the edge from -> to.
// The dot library gives each node a generated ID (n1, n2, ...) and Render
// starts each node's label attribute with "<block label>:", so the IDs
// are looked up from the node declarations first.
func extractEdgeLine(t *testing.T, dotText, from, to string) string {
	t.Helper()
	lines := strings.Split(dotText, "\n")
	nodeID := func(label string) string {
		for _, line := range lines {
			if strings.Contains(line, "->") || !strings.Contains(line, "label=\""+label+":") {
				continue
			}
			if i := strings.Index(line, "["); i > 0 {
				return strings.TrimSpace(line[:i])
			}
		}
		t.Fatalf("no node declared for %s in:\n%s", label, dotText)
		return ""
	}
	edge := nodeID(from) + "->" + nodeID(to)
	for _, line := range lines {
		compact := strings.Join(strings.Fields(line), "")
		if strings.HasPrefix(compact, edge+"[") || strings.HasPrefix(compact, edge+";") {
			return line
		}
	}
	t.Fatalf("no edge line found for %s -> %s in:\n%s", from, to, dotText)
	return ""
}
