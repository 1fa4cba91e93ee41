package cmd

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/pkg/browser"
	"github.com/spf13/cobra"

	"github.com/pchaigno/go-ebpf-verifier/analyzer"
	"github.com/pchaigno/go-ebpf-verifier/assert"
	"github.com/pchaigno/go-ebpf-verifier/cfgbuild"
	"github.com/pchaigno/go-ebpf-verifier/graphviz"
	"github.com/pchaigno/go-ebpf-verifier/instr"
	"github.com/pchaigno/go-ebpf-verifier/loader"
	"github.com/pchaigno/go-ebpf-verifier/machine"
)

var (
	graphOutput       string
	graphOutputFormat string
	graphInvariants   bool
)

func graphCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph FILE SECTION",
		Short: "Generate a control-flow graph for an eBPF program",
		Long: "Reads the ELF file and builds the control-flow graph the verifier analyzes for the given " +
			"program. Green edges are a conditional jump's taken branch, red its fallthrough, orange a " +
			"helper-call block's successor. With --invariants, each block is annotated with the analyzer's " +
			"pre-state Machine dump.",
		Args: cobra.ExactArgs(2),
		RunE: runGraph,
	}
	f := cmd.Flags()
	f.StringVarP(&graphOutput, "output", "o", "", "output to given file path or - for stdout, instead of opening in browser")
	f.StringVarP(&graphOutputFormat, "format", "f", "svg", "the output format: dot, svg, pdf or png")
	f.BoolVar(&graphInvariants, "invariants", false, "annotate each block with its analyzer pre-state")
	return cmd
}

func runGraph(cmd *cobra.Command, args []string) error {
	elfPath, section := args[0], args[1]

	prog, err := loader.Load(elfPath, section)
	if err != nil {
		return err
	}
	cfg, err := cfgbuild.Build("", prog.Insts, prog.JumpLabel)
	if err != nil {
		return err
	}
	assert.Explicate(cfg, prog.Info, false)

	var invariants map[instr.Label]machine.Machine
	if graphInvariants {
		if inv, invErr := analyzer.Invariants(cfg, prog.Info); invErr != nil {
			fmt.Fprintf(os.Stderr, "graph: invariants unavailable, rendering instructions only: %v\n", invErr)
		} else {
			invariants = inv
		}
	}

	graph := graphviz.Render(cfg, invariants)

	if graphOutputFormat == "dot" {
		if graphOutput == "-" {
			fmt.Println(graph.String())
			return nil
		}
		f, err := os.Create(orTemp(graphOutput, "verify-graph-*.dot.txt"))
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(f, strings.NewReader(graph.String())); err != nil {
			return err
		}
		if graphOutput == "" {
			return browser.OpenFile(f.Name())
		}
		return nil
	}

	if graphOutput == "" {
		return graphviz.OpenSVG(graph)
	}

	dotF, err := os.CreateTemp("", "verify-graph-*.dot")
	if err != nil {
		return err
	}
	if _, err := io.Copy(dotF, strings.NewReader(graph.String())); err != nil {
		return err
	}
	runArgs := []string{fmt.Sprintf("-T%s", graphOutputFormat)}
	if graphOutput == "-" {
		c := exec.Command("dot", append(runArgs, dotF.Name())...)
		c.Stdout = os.Stdout
		return c.Run()
	}
	runArgs = append(runArgs, fmt.Sprintf("-o%s", graphOutput), dotF.Name())
	return exec.Command("dot", runArgs...).Run()
}

func orTemp(path, pattern string) string {
	if path != "" {
		return path
	}
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return path
	}
	return f.Name()
}
