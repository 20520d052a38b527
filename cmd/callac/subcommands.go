package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	calla "github.com/tos-network/calla"
	"github.com/tos-network/calla/asm"
)

func cmdCompile(args []string) int {
	fs := flag.NewFlagSet("compile", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var output, target string
	var noOpt, emitABI bool
	defaults := calla.DefaultOptions()
	fs.StringVar(&output, "o", "", "output artifact path")
	fs.StringVar(&output, "output", "", "output artifact path")
	fs.StringVar(&target, "target", string(defaults.Target), "machine revision: tvm1|tvm2")
	fs.BoolVar(&noOpt, "no-opt", !defaults.Optimize, "disable the peephole pass")
	fs.BoolVar(&emitABI, "abi", false, "write .abi.json alongside the artifact")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: callac compile [-o <output>] [--target tvm1|tvm2] <module.json>")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "compile requires exactly one module tree file")
		fs.Usage()
		return 1
	}

	input := fs.Arg(0)
	tree, err := os.ReadFile(input)
	if err != nil {
		fmt.Println(err.Error())
		return 1
	}
	switch asm.Target(target) {
	case asm.TVM1, asm.TVM2:
	default:
		fmt.Printf("unsupported --target value %q (expected tvm1|tvm2)\n", target)
		return 1
	}

	art, err := calla.Compile(tree, calla.Options{
		Target:   asm.Target(target),
		Optimize: !noOpt,
	})
	if err != nil {
		fmt.Println(err.Error())
		return 1
	}
	encoded, err := art.Encode()
	if err != nil {
		fmt.Println(err.Error())
		return 1
	}
	if output == "" {
		output = strings.TrimSuffix(input, filepath.Ext(input)) + ".cca"
	}
	if err := os.WriteFile(output, encoded, 0o644); err != nil {
		fmt.Println(err.Error())
		return 1
	}
	if emitABI {
		abiPath := strings.TrimSuffix(output, filepath.Ext(output)) + ".abi.json"
		if err := os.WriteFile(abiPath, art.ABIJSON, 0o644); err != nil {
			fmt.Println(err.Error())
			return 1
		}
	}
	fmt.Printf("wrote %s (%d bytes, deploy %d, runtime %d)\n",
		output, len(encoded), len(art.Deploy), len(art.Runtime))
	return 0
}

func cmdInspect(args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var showMap bool
	fs.BoolVar(&showMap, "map", false, "include the source map")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: callac inspect [--map] <artifact.cca>")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "inspect requires exactly one artifact file")
		return 1
	}
	art, ret := loadArtifact(fs.Arg(0))
	if art == nil {
		return ret
	}
	fmt.Printf("module:   %s\n", art.Name)
	fmt.Printf("compiler: %s\n", art.Compiler)
	fmt.Printf("version:  %d\n", art.Version)
	fmt.Printf("deploy:   %d bytes (%s)\n", len(art.Deploy), art.DeployHash())
	fmt.Printf("runtime:  %d bytes\n", len(art.Runtime))
	printJSONDoc("abi", art.ABIJSON)
	printJSONDoc("storage", art.StorageJSON)
	if showMap {
		printJSONDoc("source map", art.SourceMapJSON)
	}
	return 0
}

func cmdDisasm(args []string) int {
	fs := flag.NewFlagSet("disasm", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var deploy bool
	fs.BoolVar(&deploy, "deploy", false, "disassemble the deploy blob instead of the runtime blob")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: callac disasm [--deploy] <artifact.cca>")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "disasm requires exactly one artifact file")
		return 1
	}
	art, ret := loadArtifact(fs.Arg(0))
	if art == nil {
		return ret
	}
	code := art.Runtime
	if deploy {
		code = art.Deploy
	}
	fmt.Print(asm.Disassemble(code))
	return 0
}

func loadArtifact(path string) (*calla.Artifact, int) {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Println(err.Error())
		return nil, 1
	}
	if !calla.IsArtifact(data) {
		fmt.Printf("%s is not a .cca artifact\n", path)
		return nil, 1
	}
	art, err := calla.DecodeArtifact(data)
	if err != nil {
		fmt.Println(err.Error())
		return nil, 1
	}
	return art, 0
}

func printJSONDoc(title string, doc []byte) {
	if len(doc) == 0 {
		return
	}
	var pretty map[string]interface{}
	if err := json.Unmarshal(doc, &pretty); err != nil {
		fmt.Printf("%s: %s\n", title, doc)
		return
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		fmt.Printf("%s: %s\n", title, doc)
		return
	}
	fmt.Printf("%s:\n%s\n", title, out)
}
