package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"

	"github.com/tos-network/calla/asm"
)

// cmdRepl opens an interactive explorer over one artifact.
func cmdRepl(args []string) int {
	fs := flag.NewFlagSet("repl", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: callac repl <artifact.cca>")
	}
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "repl requires exactly one artifact file")
		return 1
	}
	art, ret := loadArtifact(fs.Arg(0))
	if art == nil {
		return ret
	}

	rl, err := readline.New(art.Name + "> ")
	if err != nil {
		fmt.Println(err.Error())
		return 1
	}
	defer rl.Close()

	fmt.Printf("loaded %s (%s), type 'help' for commands\n", art.Name, art.Compiler)
	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				return 0
			}
			fmt.Println(err.Error())
			return 1
		}
		switch strings.TrimSpace(line) {
		case "":
		case "help":
			fmt.Print(`Commands:
  abi       print the interface description
  storage   print the storage layout
  disasm    disassemble the runtime blob
  deploy    disassemble the deploy blob
  hash      print the deploy blob hash
  quit      leave the explorer
`)
		case "abi":
			printJSONDoc("abi", art.ABIJSON)
		case "storage":
			printJSONDoc("storage", art.StorageJSON)
		case "disasm":
			fmt.Print(asm.Disassemble(art.Runtime))
		case "deploy":
			fmt.Print(asm.Disassemble(art.Deploy))
		case "hash":
			fmt.Println(art.DeployHash())
		case "quit", "exit":
			return 0
		default:
			fmt.Printf("unknown command %q, type 'help'\n", strings.TrimSpace(line))
		}
	}
}
