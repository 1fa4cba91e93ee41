package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/mgutz/ansi"
	"github.com/spf13/cobra"

	"github.com/pchaigno/go-ebpf-verifier/cache"
	"github.com/pchaigno/go-ebpf-verifier/loader"
	"github.com/pchaigno/go-ebpf-verifier/verifier"
)

var (
	checkStats      bool
	checkCachePath  string
	checkPrivileged bool
)

func checkCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check FILE [SECTION]",
		Short: "Verify that an eBPF program is safe to load",
		Long: "Loads the ELF file, runs the abstract-interpretation verifier against the named program, " +
			"and prints accept or reject. Exits 0 on accept, 1 on reject, 64 if SECTION is missing.",
		Args: cobra.RangeArgs(1, 2),
		RunE: runCheck,
	}
	f := cmd.Flags()
	f.BoolVar(&checkStats, "stats", false, "print a CSV stats line headed by the program's content hash")
	f.StringVar(&checkCachePath, "cache", "", "memoize verdicts in a bbolt database at this path")
	f.BoolVar(&checkPrivileged, "privileged", false, "skip pointer-leak, ANYTHING-must-be-num and jump-operand type checks")
	return cmd
}

func runCheck(cmd *cobra.Command, args []string) error {
	elfPath := args[0]

	if len(args) < 2 {
		names, err := programNames(elfPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "specify a program section, one of: %s\n", strings.Join(names, ", "))
		os.Exit(64)
		return nil
	}
	section := args[1]

	opts := verifier.Options{Privileged: checkPrivileged}
	if checkCachePath != "" {
		c, err := cache.Open(checkCachePath)
		if err != nil {
			return err
		}
		defer c.Close()
		opts.Cache = c
	}

	result, err := verifier.Check(elfPath, section, opts)
	if err != nil {
		return err
	}

	if checkStats {
		fmt.Printf("%x,%s,%v,%v\n", result.Hash, section, result.Accept, result.FromCache)
	}

	if result.Accept {
		fmt.Println(ansi.Color("accept", "green+b"))
		return nil
	}
	fmt.Println(ansi.Color("reject", "red+b"))
	os.Exit(1)
	return nil
}

func programNames(elfPath string) ([]string, error) {
	// A minimal re-open just to enumerate names; cheap relative to
	// verification and keeps loader's collection-spec parsing private
	// to the loader package rather than re-exporting *ebpf.CollectionSpec.
	return loader.ProgramNames(elfPath)
}
