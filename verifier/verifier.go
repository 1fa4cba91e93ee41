// Package verifier is the top-level orchestration entry point: it wires
// loader -> cfgbuild -> assert -> analyzer (and, optionally, cache)
// behind a single Options/Check contract.
package verifier

import (
	"fmt"

	"github.com/pchaigno/go-ebpf-verifier/analyzer"
	"github.com/pchaigno/go-ebpf-verifier/assert"
	"github.com/pchaigno/go-ebpf-verifier/cache"
	"github.com/pchaigno/go-ebpf-verifier/cfgbuild"
	"github.com/pchaigno/go-ebpf-verifier/instr"
	"github.com/pchaigno/go-ebpf-verifier/loader"
	"github.com/pchaigno/go-ebpf-verifier/machine"
)

// Options controls process-wide verifier behavior.
type Options struct {
	// PrintInvariants requests the per-label pre-state Machine dump a
	// human-readable report (or the graph/inspect commands) would show.
	PrintInvariants bool
	// PrintFailures is carried in Options but Check does not read it:
	// Result holds only the overall accept/reject verdict, with no
	// listing of the Asserts that failed to discharge.
	PrintFailures bool
	// Simplify merges straight-line single-predecessor/single-successor
	// blocks before analysis; purely cosmetic for invariant dumps, no
	// effect on the verdict.
	Simplify bool
	// Privileged mirrors is_privileged in the AssertionExtractor: skips
	// the pointer-leak and ANYTHING-must-be-num checks and the type
	// checks on conditional-jump operands.
	Privileged bool
	// Cache, if non-nil, memoizes the verdict for a program's content
	// hash and short-circuits re-analysis of an unchanged program.
	Cache *cache.Cache
}

// Result is everything a caller (the CLI, a test, the inspect REPL)
// might want out of one Check call.
type Result struct {
	Accept     bool
	CFG        *instr.CFG
	Invariants map[instr.Label]machine.Machine // nil unless Options.PrintInvariants
	FromCache  bool
	// Hash is the program's content-addressed cache key, populated
	// regardless of whether Options.Cache is set so a caller (e.g. a
	// --stats report) never needs to re-load and re-marshal the program
	// just to print the key the cache would use.
	Hash [32]byte
}

// Check loads programName out of the ELF at elfPath and runs it through
// the full pipeline: translate, build the CFG, explicate assertions,
// run the worklist fixpoint, and discharge every Assert.
func Check(elfPath, programName string, opts Options) (*Result, error) {
	prog, progBytes, err := loader.LoadWithBytes(elfPath, programName)
	if err != nil {
		return nil, err
	}

	key := cache.Key(progBytes)
	if opts.Cache != nil {
		if accept, found, err := opts.Cache.Lookup(key); err != nil {
			return nil, fmt.Errorf("verifier: cache lookup: %w", err)
		} else if found {
			return &Result{Accept: accept, FromCache: true, Hash: key}, nil
		}
	}

	cfg, err := cfgbuild.Build("", prog.Insts, prog.JumpLabel)
	if err != nil {
		return nil, fmt.Errorf("verifier: build CFG: %w", err)
	}
	if opts.Simplify {
		cfgbuild.Simplify(cfg)
	}

	assert.Explicate(cfg, prog.Info, opts.Privileged)

	var invariants map[instr.Label]machine.Machine
	if opts.PrintInvariants {
		invariants, err = analyzer.Invariants(cfg, prog.Info)
		if err != nil {
			return nil, fmt.Errorf("verifier: invariants: %w", err)
		}
	}
	accept, err := analyzer.Validate(cfg, prog.Info)
	if err != nil {
		return nil, fmt.Errorf("verifier: analyze: %w", err)
	}

	if opts.Cache != nil {
		if err := opts.Cache.Store(key, accept); err != nil {
			return nil, fmt.Errorf("verifier: cache store: %w", err)
		}
	}

	return &Result{Accept: accept, CFG: cfg, Invariants: invariants, Hash: key}, nil
}
