// Command callac drives the Calla compiler: it compiles serialized
// module trees into .cca artifacts and inspects existing artifacts.
package main

import (
	"fmt"
	"os"

	calla "github.com/tos-network/calla"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 1
	}
	switch args[0] {
	case "compile":
		return cmdCompile(args[1:])
	case "inspect":
		return cmdInspect(args[1:])
	case "disasm":
		return cmdDisasm(args[1:])
	case "repl":
		return cmdRepl(args[1:])
	case "--version":
		fmt.Println("callac " + calla.PackageVersion)
		return 0
	case "--help", "-h", "help":
		printUsage()
		return 0
	}
	fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
	printUsage()
	return 1
}

func printUsage() {
	fmt.Print(`Usage:
  callac <subcommand> [flags] <inputs...>

Subcommands:
  compile   compile a module tree (.json) to a .cca artifact
  inspect   print artifact metadata, ABI and storage layout
  disasm    disassemble an artifact's bytecode
  repl      interactive artifact explorer

Global:
  --version print version
  --help    print this help
`)
}
