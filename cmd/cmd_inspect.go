package cmd

import (
	"fmt"
	"strings"

	prompt "github.com/c-bata/go-prompt"
	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/spf13/cobra"

	"github.com/pchaigno/go-ebpf-verifier/analyzer"
	"github.com/pchaigno/go-ebpf-verifier/assert"
	"github.com/pchaigno/go-ebpf-verifier/cfgbuild"
	"github.com/pchaigno/go-ebpf-verifier/instr"
	"github.com/pchaigno/go-ebpf-verifier/loader"
	"github.com/pchaigno/go-ebpf-verifier/machine"
)

func inspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect FILE SECTION",
		Short: "Interactively browse the analyzer's per-block invariants",
		Long: "Runs the verifier against the given program, then drops into a prompt where typing a block " +
			"label (completion suggestions are fuzzy-matched) prints that block's pre-state Machine dump and its instructions.",
		Args: cobra.ExactArgs(2),
		RunE: runInspect,
	}
}

func runInspect(cmd *cobra.Command, args []string) error {
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
	invariants, err := analyzer.Invariants(cfg, prog.Info)
	if err != nil {
		return err
	}
	accept, err := analyzer.Validate(cfg, prog.Info)
	if err != nil {
		return err
	}

	labels := cfg.Keys()
	names := make([]string, len(labels))
	for i, l := range labels {
		names[i] = string(l)
	}

	fmt.Printf("loaded %s:%s - %d blocks, verdict: %v\n", elfPath, section, len(labels), accept)
	fmt.Println("type a block label (fuzzy-matched suggestions); Ctrl-D to exit")

	session := prompt.New(
		inspectExecutor(cfg, invariants),
		inspectCompleter(names),
		prompt.OptionPrefix("inspect> "),
	)
	session.Run()
	return nil
}

func inspectExecutor(cfg *instr.CFG, invariants map[instr.Label]machine.Machine) func(string) {
	return func(line string) {
		line = strings.TrimSpace(line)
		if line == "" {
			return
		}
		label := instr.Label(line)
		bb, ok := cfg.Blocks[label]
		if !ok {
			fmt.Printf("no block named %q\n", line)
			return
		}
		if m, ok := invariants[label]; ok {
			fmt.Printf("pre: %s\n", m.String())
		}
		for i, ins := range bb.Insts {
			fmt.Printf("  %d %v\n", i, ins)
		}
		fmt.Printf("next: %v\n", bb.Nexts)
	}
}

func inspectCompleter(names []string) prompt.Completer {
	return func(d prompt.Document) []prompt.Suggest {
		word := d.GetWordBeforeCursor()
		if word == "" {
			suggestions := make([]prompt.Suggest, len(names))
			for i, n := range names {
				suggestions[i] = prompt.Suggest{Text: n}
			}
			return suggestions
		}
		matches := fuzzy.Find(word, names)
		suggestions := make([]prompt.Suggest, len(matches))
		for i, m := range matches {
			suggestions[i] = prompt.Suggest{Text: m}
		}
		return suggestions
	}
}
