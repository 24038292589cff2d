// Command kanalyze runs whole-program pointer/alias analysis over the
// process and sched packages, the two packages where handle- and
// waker-aliasing bugs would be most damaging (a stray alias between two
// processes' handle tables, or between two Futures' Wakers, is a
// cross-process-isolation bug). It builds the pointer analysis's call
// graph and prints, for every function of the analyzed packages, its
// number of incoming and outgoing call edges; it does not print points-to
// sets.
//
// Grounded on the teacher's own golang.org/x/tools dependency, declared
// for biscuit's own static analysis tooling but never wired to a command;
// this package gives it one, building a synthetic test-main over
// process/sched the way x/tools/go/ssa/ssautil's CreateTestMainPackage is
// designed for analyzing a library with no real main entrypoint.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/pointer"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"
)

var targets = flag.String("packages", "kestrel/process,kestrel/sched", "comma-separated packages to analyze")

func main() {
	flag.Parse()

	cfg := &packages.Config{Mode: packages.LoadAllSyntax, Tests: true}
	initial, err := packages.Load(cfg, splitCSV(*targets)...)
	if err != nil {
		log.Fatalf("kanalyze: loading packages: %v", err)
	}
	if packages.PrintErrors(initial) > 0 {
		log.Fatal("kanalyze: package load reported errors")
	}

	prog, pkgs := ssautil.AllPackages(initial, 0)
	prog.Build()

	var mains []*ssa.Package
	for _, p := range pkgs {
		if p == nil {
			continue
		}
		if tm, err := ssautil.CreateTestMainPackage(p); err == nil && tm != nil {
			mains = append(mains, tm)
		}
	}
	if len(mains) == 0 {
		log.Fatal("kanalyze: no test-main package could be synthesized for the requested packages")
	}

	result, err := pointer.Analyze(&pointer.Config{
		Mains:          mains,
		BuildCallGraph: true,
	})
	if err != nil {
		log.Fatalf("kanalyze: pointer analysis failed: %v", err)
	}

	for fn, node := range result.CallGraph.Nodes {
		if fn == nil || fn.Pkg == nil {
			continue
		}
		for _, p := range pkgs {
			if p != nil && fn.Pkg == p.Pkg {
				fmt.Fprintf(os.Stdout, "%s: %d in-edges, %d out-edges\n", fn, len(node.In), len(node.Out))
				break
			}
		}
	}
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
