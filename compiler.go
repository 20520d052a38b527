// Package calla is the ahead-of-time compiler for the Calla contract
// language. The front end hands it a serialized module tree; the
// pipeline analyzes it, lowers it to symbolic instructions and
// assembles TVM bytecode, wrapped in a .cca artifact together with the
// interface description, the storage layout and the source map.
package calla

import (
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/pkg/errors"
	"github.com/xyproto/env/v2"

	"github.com/tos-network/calla/abi"
	"github.com/tos-network/calla/asm"
	"github.com/tos-network/calla/ast"
	"github.com/tos-network/calla/diag"
	"github.com/tos-network/calla/ir"
	"github.com/tos-network/calla/sema"
	"github.com/tos-network/calla/types"
)

// PackageVersion reports the compiler release.
const PackageVersion = "0.3.0"

// Options steer one compilation.
type Options struct {
	// Target is the machine revision to emit for.
	Target asm.Target
	// Optimize enables the peephole pass.
	Optimize bool
	// Compiler overrides the compiler identifier recorded in artifacts.
	Compiler string
}

// DefaultOptions reads CALLA_TARGET and CALLA_OPT from the environment,
// falling back to the current machine revision with optimization on.
func DefaultOptions() Options {
	return Options{
		Target:   asm.Target(env.Str("CALLA_TARGET", string(asm.TVM2))),
		Optimize: env.Bool("CALLA_OPT") || !env.Has("CALLA_OPT"),
	}
}

func (o Options) compilerID() string {
	if o.Compiler != "" {
		return o.Compiler
	}
	return "calla/" + PackageVersion
}

// Compile runs the whole pipeline over a serialized module tree and
// returns the artifact. Failures come back as diag.Diagnostics.
func Compile(treeJSON []byte, opts Options) (*Artifact, error) {
	mod, err := ast.DecodeModule(treeJSON)
	if err != nil {
		return nil, errors.Wrap(err, "decode module tree")
	}
	return CompileModule(mod, opts)
}

// CompileModule compiles an already-decoded module tree.
func CompileModule(mod *ast.Module, opts Options) (*Artifact, error) {
	ast.Link(mod)

	res, diags := sema.Analyze(mod)
	if len(diags) > 0 {
		return nil, diags
	}
	prog, derr := ir.Build(res)
	if derr != nil {
		return nil, diag.Diagnostics{*derr}
	}
	out, derr := asm.Assemble(prog, asm.Options{
		Target:   opts.Target,
		Optimize: opts.Optimize,
	})
	if derr != nil {
		return nil, diag.Diagnostics{*derr}
	}

	abiJSON, err := json.Marshal(describeModule(res))
	if err != nil {
		return nil, errors.Wrap(err, "encode interface description")
	}
	layoutJSON, err := json.Marshal(describeStorage(res))
	if err != nil {
		return nil, errors.Wrap(err, "encode storage layout")
	}
	mapJSON, err := json.Marshal(sourceMapDoc{
		Runtime: out.SourceMap,
		Deploy:  out.DeployMap,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode source map")
	}

	return &Artifact{
		Version:       FormatVersion,
		Compiler:      opts.compilerID(),
		Name:          mod.Name,
		Deploy:        out.Deploy,
		Runtime:       out.Runtime,
		ABIJSON:       abiJSON,
		StorageJSON:   layoutJSON,
		SourceMapJSON: mapJSON,
	}, nil
}

type sourceMapDoc struct {
	Runtime []asm.MapEntry `json:"runtime"`
	Deploy  []asm.MapEntry `json:"deploy"`
}

// Description mirrors the ABI JSON document embedded in artifacts.
type Description struct {
	Name      string          `json:"name"`
	Functions []FunctionEntry `json:"functions"`
	Events    []EventEntry    `json:"events,omitempty"`
}

type FunctionEntry struct {
	Name       string   `json:"name"`
	Selector   string   `json:"selector"`
	Mutability string   `json:"mutability"`
	Params     []string `json:"params,omitempty"`
	Returns    []string `json:"returns,omitempty"`
}

type EventEntry struct {
	Name   string   `json:"name"`
	Topic  string   `json:"topic"`
	Params []string `json:"params,omitempty"`
}

func describeModule(res *sema.Result) Description {
	d := Description{Name: res.Module.Name}
	for _, f := range res.Functions {
		if f.Decl.Visibility != ast.VisExternal {
			continue
		}
		d.Functions = append(d.Functions, FunctionEntry{
			Name:       f.Decl.Name,
			Selector:   abi.SelectorHex(f.Prim.Selector),
			Mutability: f.Mutability.String(),
			Params:     canonicalTypes(f.Prim.Params),
			Returns:    canonicalTypes(f.Prim.Returns),
		})
	}
	for _, name := range sortedEventNames(res.Events) {
		ev := res.Events[name]
		topic := abi.EventTopic(ev.Name, ev.Fields)
		fields := make([]string, 0, len(ev.Fields))
		for _, fld := range ev.Fields {
			fields = append(fields, abi.CanonicalType(fld.Type))
		}
		d.Events = append(d.Events, EventEntry{
			Name:   ev.Name,
			Topic:  hex32(topic),
			Params: fields,
		})
	}
	return d
}

func canonicalTypes(prims []types.Primitive) []string {
	out := make([]string, 0, len(prims))
	for _, p := range prims {
		out = append(out, abi.CanonicalType(p))
	}
	return out
}

// StorageLayout mirrors the storage-layout JSON document.
type StorageLayout struct {
	Slots     []StorageEntry `json:"slots"`
	GuardSlot int            `json:"guard_slot"`
	Words     int            `json:"words"`
}

type StorageEntry struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Slot int    `json:"slot"`
}

func sortedEventNames(events map[string]*types.EventPrim) []string {
	names := make([]string, 0, len(events))
	for name := range events {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func hex32(h [32]byte) string {
	return "0x" + hex.EncodeToString(h[:])
}

func describeStorage(res *sema.Result) StorageLayout {
	layout := StorageLayout{
		GuardSlot: res.GuardSlot,
		Words:     res.StorageWords,
		Slots:     make([]StorageEntry, 0, len(res.StorageSlots)),
	}
	for _, def := range res.StorageSlots {
		layout.Slots = append(layout.Slots, StorageEntry{
			Name: def.Name,
			Type: def.Prim.String(),
			Slot: def.Slot,
		})
	}
	return layout
}
