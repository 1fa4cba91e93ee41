// Package graphviz renders an instr.CFG as a Graphviz graph: built on
// github.com/emicklei/dot, a red/green edge coloring convention for
// "fallthrough" vs "taken", and pkg/browser to open the result. Each
// block can be annotated with its analyzer-computed Machine invariant
// when one is supplied.
package graphviz

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/emicklei/dot"
	"github.com/pkg/browser"

	"github.com/pchaigno/go-ebpf-verifier/instr"
	"github.com/pchaigno/go-ebpf-verifier/machine"
)

// Render builds a dot.Graph for cfg. invariants, if non-nil, supplies
// the pre-state Machine dump analyzer.Invariants computed for each
// label; a nil map renders instructions only.
func Render(cfg *instr.CFG, invariants map[instr.Label]machine.Machine) *dot.Graph {
	graph := dot.NewGraph(dot.Directed)
	graph.Attr("splines", "ortho")
	graph.Attr("nodesep", "0.5")
	graph.Attr("ranksep", "0.3")

	nodes := make(map[instr.Label]dot.Node, len(cfg.Blocks))
	for _, label := range cfg.Keys() {
		block := cfg.Blocks[label]
		var text strings.Builder
		text.WriteString(fmt.Sprintf("%s:\\l", label))
		for i, ins := range block.Insts {
			text.WriteString(fmt.Sprintf("%d %v\\l", i, ins))
		}
		if invariants != nil {
			if m, ok := invariants[label]; ok {
				text.WriteString(fmt.Sprintf("--- pre: %s\\l", m.String()))
			}
		}
		node := graph.Node(string(label))
		node.Attr("label", dot.Literal("\""+text.String()+"\""))
		node.Attr("shape", "box")
		nodes[label] = node
	}

	for _, label := range cfg.Keys() {
		block := cfg.Blocks[label]
		for i, next := range block.Nexts {
			// cfgbuild links a conditional jump's taken branch first,
			// its fallthrough second (see cfgbuild.Build); an
			// unconditional jump or straight-line edge has only one.
			color := "darkgreen"
			if len(block.Nexts) > 1 && i == 1 {
				color = "red"
			}
			if _, ok := lastInstIsCall(block); ok {
				color = "orange"
			}
			graph.Edge(nodes[label], nodes[next]).Attr("color", color)
		}
	}

	return graph
}

func lastInstIsCall(b *instr.BasicBlock) (instr.Call, bool) {
	if len(b.Insts) == 0 {
		return instr.Call{}, false
	}
	c, ok := b.Insts[len(b.Insts)-1].(instr.Call)
	return c, ok
}

// OpenSVG writes graph as dot, renders it to SVG via the local `dot`
// binary, and opens the result in the user's browser: the graph
// command's default path when no --output/--format is given.
func OpenSVG(graph *dot.Graph) error {
	dotFile, err := os.CreateTemp("", "verify-graph-*.dot")
	if err != nil {
		return fmt.Errorf("graphviz: create temp dot file: %w", err)
	}
	if _, err := dotFile.WriteString(graph.String()); err != nil {
		return fmt.Errorf("graphviz: write dot file: %w", err)
	}
	svgFile, err := os.CreateTemp("", "verify-graph-*.svg")
	if err != nil {
		return fmt.Errorf("graphviz: create temp svg file: %w", err)
	}
	cmd := exec.Command("dot", "-Tsvg", "-o"+svgFile.Name(), dotFile.Name())
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("graphviz: dot: %w", err)
	}
	return browser.OpenFile(svgFile.Name())
}
