// Package sema is the semantic analyzer. The module pass sweeps top-level
// declarations left to right, assigns storage slots, folds constants,
// constructs user types and callable definitions, and batches diagnostics
// across independent declarations. The local pass then walks each function
// body in a fresh scope chained to the module and builtin scopes,
// decorating expressions with resolved definitions and folded values; it
// aborts on the first error inside a body and retains no partial
// annotation for that function.
package sema

import (
	"fmt"
	"math/big"

	"github.com/tos-network/calla/abi"
	"github.com/tos-network/calla/ast"
	"github.com/tos-network/calla/diag"
	"github.com/tos-network/calla/scope"
	"github.com/tos-network/calla/types"
)

// Function is the analyzed form of one function declaration.
type Function struct {
	Decl *ast.FunctionDecl
	Prim *types.FuncPrim
	// Mutability is the effective mutability: the declared one when the
	// declaration carried it, the inferred one otherwise.
	Mutability ast.Mutability
	// Inferred is the weakest mutability the body's effects allow.
	Inferred ast.Mutability
}

// Result is the annotated tree for one compilation unit: the original
// nodes plus side tables the analyzer attached. Downstream phases treat
// it as read-only.
type Result struct {
	Module *ast.Module
	Types  *types.Context

	// StorageSlots lists storage variables in slot order.
	StorageSlots []*types.Definition
	// GuardSlot is the reentrancy guard's storage slot, -1 when no
	// function is protected.
	GuardSlot int
	// StorageWords is the total number of reserved storage slots,
	// including the guard.
	StorageWords int

	// Immutables lists data-segment definitions in offset order.
	Immutables []*types.Definition
	// DataWords is the data segment size in 32-byte words.
	DataWords int

	Constants  map[string]*types.Definition
	Events     map[string]*types.EventPrim
	Interfaces map[string]*types.InterfacePrim
	Structs    map[string]*types.StructPrim
	Functions  []*Function

	// ExprTypes and Folded are the node annotations.
	ExprTypes map[ast.Expr]*types.Definition
	Folded    map[ast.Expr]*big.Int
	// Locals maps declaring statements (var declarations and for
	// loops) to the definition they introduce.
	Locals map[ast.Stmt]*types.Definition
}

// FunctionNamed returns the analyzed function with the given name.
func (r *Result) FunctionNamed(name string) *Function {
	for _, f := range r.Functions {
		if f.Decl.Name == name {
			return f
		}
	}
	return nil
}

// TypeOf returns the resolved definition annotation of an expression.
func (r *Result) TypeOf(e ast.Expr) *types.Definition { return r.ExprTypes[e] }

// ConstValue returns the folded constant annotation of an expression.
func (r *Result) ConstValue(e ast.Expr) (*big.Int, bool) {
	v, ok := r.Folded[e]
	return v, ok
}

type analyzer struct {
	tc  *types.Context
	ns  *scope.Namespace
	res *Result

	// funcs maps function names to analysis records during both passes.
	funcs map[string]*Function

	// local-pass state
	fn        *Function
	loopDepth int
	iterating []iterGuard
	scratch   map[ast.Expr]*types.Definition
	folded    map[ast.Expr]*big.Int

	// assignedImm tracks immutables the deploy body has stored.
	assignedImm map[string]bool
	locals      map[ast.Stmt]*types.Definition
}

type iterGuard struct {
	path []string // wildcard index segments spelled "*"
	span diag.Span
}

// Analyze runs both analyzer passes over a linked module tree. The type
// context is created here and threaded explicitly; nothing is process
// global, so independent units may analyze in parallel.
func Analyze(m *ast.Module) (*Result, diag.Diagnostics) {
	tc := types.NewContext()
	a := &analyzer{
		tc: tc,
		res: &Result{
			Module:     m,
			Types:      tc,
			GuardSlot:  -1,
			Constants:  make(map[string]*types.Definition),
			Events:     make(map[string]*types.EventPrim),
			Interfaces: make(map[string]*types.InterfacePrim),
			Structs:    make(map[string]*types.StructPrim),
			ExprTypes:  make(map[ast.Expr]*types.Definition),
			Folded:     make(map[ast.Expr]*big.Int),
			Locals:     make(map[ast.Stmt]*types.Definition),
		},
		funcs: make(map[string]*Function),
	}
	a.ns = scope.New(builtinSeed(tc))

	var diags diag.Diagnostics

	// Module scope stays open for the whole unit. The builtin base below
	// it is frozen.
	releaseModule := a.ns.Enter()
	defer releaseModule()

	diags = append(diags, a.modulePass(m)...)
	if diags.HasErrors() {
		return nil, diags
	}

	inferMutability(a, a.funcs)
	diags = append(diags, a.checkFunctionProperties(m)...)
	if diags.HasErrors() {
		return nil, diags
	}

	for _, d := range m.Decls {
		fd, ok := d.(*ast.FunctionDecl)
		if !ok {
			continue
		}
		if err := a.localPass(fd); err != nil {
			diags = append(diags, *err)
			return nil, diags
		}
	}
	return a.res, nil
}

// modulePass processes top-level declarations in source order. Errors in
// independent declarations are collected; a declaration stops being
// analyzed at its first error.
func (a *analyzer) modulePass(m *ast.Module) diag.Diagnostics {
	var diags diag.Diagnostics
	slot := 0
	dataOff := 0
	for _, d := range m.Decls {
		switch d := d.(type) {
		case *ast.StorageVarDecl:
			if derr := a.declareStorage(d, &slot); derr != nil {
				diags = append(diags, *derr)
			}
		case *ast.ConstDecl:
			if derr := a.declareConst(d); derr != nil {
				diags = append(diags, *derr)
			}
		case *ast.ImmutableDecl:
			if derr := a.declareImmutable(d, &dataOff); derr != nil {
				diags = append(diags, *derr)
			}
		case *ast.StructDecl:
			if derr := a.declareStruct(d); derr != nil {
				diags = append(diags, *derr)
			}
		case *ast.EnumDecl:
			if derr := a.declareEnum(d); derr != nil {
				diags = append(diags, *derr)
			}
		case *ast.EventDecl:
			if derr := a.declareEvent(d); derr != nil {
				diags = append(diags, *derr)
			}
		case *ast.InterfaceDecl:
			if derr := a.declareInterface(d); derr != nil {
				diags = append(diags, *derr)
			}
		case *ast.FunctionDecl:
			if derr := a.declareFunction(d); derr != nil {
				diags = append(diags, *derr)
			}
		}
	}
	a.res.StorageWords = slot
	a.res.DataWords = dataOff

	// The guard slot sits after every declared storage variable so its
	// position never shifts declared slots.
	for _, f := range a.funcs {
		if f.Decl.Nonreentrant {
			a.res.GuardSlot = a.res.StorageWords
			a.res.StorageWords++
			break
		}
	}
	return diags
}

func (a *analyzer) declareStorage(d *ast.StorageVarDecl, slot *int) *diag.Diagnostic {
	prim, derr := a.tc.FromAnnotation(d.Type, a.foldToInt)
	if derr != nil {
		return derr
	}
	def := &types.Definition{
		Prim:    prim,
		Name:    d.Name,
		Mutable: true,
		Loc:     types.LocStorage,
		Slot:    *slot,
	}
	*slot += storageWords(prim)
	if derr := a.ns.Define(d.Name, def, d.Span()); derr != nil {
		return derr
	}
	a.res.StorageSlots = append(a.res.StorageSlots, def)
	return nil
}

// storageWords is the number of storage slots a variable reserves.
// Mappings reserve one base slot; their values live at hashed slots.
func storageWords(p types.Primitive) int {
	if _, ok := p.(*types.MapPrim); ok {
		return 1
	}
	if w := p.Words(); w > 0 {
		return w
	}
	return 1
}

func (a *analyzer) declareConst(d *ast.ConstDecl) *diag.Diagnostic {
	prim, derr := a.tc.FromAnnotation(d.Type, a.foldToInt)
	if derr != nil {
		return derr
	}
	v, derr := a.foldConstExpr(d.Value, prim)
	if derr != nil {
		return derr
	}
	def := &types.Definition{
		Prim:     prim,
		Name:     d.Name,
		Constant: true,
		Value:    v,
	}
	if derr := a.ns.Define(d.Name, def, d.Span()); derr != nil {
		return derr
	}
	a.res.Constants[d.Name] = def
	return nil
}

func (a *analyzer) declareImmutable(d *ast.ImmutableDecl, dataOff *int) *diag.Diagnostic {
	prim, derr := a.tc.FromAnnotation(d.Type, a.foldToInt)
	if derr != nil {
		return derr
	}
	w := prim.Words()
	if w != 1 {
		return &diag.Diagnostic{
			Code:    diag.CodeInvalidType,
			Phase:   diag.PhaseSema,
			Message: fmt.Sprintf("immutable %q must be a single-word type, got %s", d.Name, prim),
			Span:    d.Span(),
		}
	}
	def := &types.Definition{
		Prim:       prim,
		Name:       d.Name,
		Loc:        types.LocCode,
		DataOffset: *dataOff * abi.WordSize,
	}
	*dataOff += w
	if derr := a.ns.Define(d.Name, def, d.Span()); derr != nil {
		return derr
	}
	a.res.Immutables = append(a.res.Immutables, def)
	return nil
}

func (a *analyzer) declareStruct(d *ast.StructDecl) *diag.Diagnostic {
	p := &types.StructPrim{Name: d.Name}
	seen := make(map[string]bool)
	for i := range d.Fields {
		f := &d.Fields[i]
		if seen[f.Name] {
			return &diag.Diagnostic{
				Code:    diag.CodeNameCollision,
				Phase:   diag.PhaseSema,
				Message: fmt.Sprintf("duplicate field %q in struct %q", f.Name, d.Name),
				Span:    f.Span(),
			}
		}
		seen[f.Name] = true
		ft, derr := a.tc.FromAnnotation(f.Type, a.foldToInt)
		if derr != nil {
			return derr
		}
		if _, isMap := ft.(*types.MapPrim); isMap {
			return &diag.Diagnostic{
				Code:    diag.CodeInvalidType,
				Phase:   diag.PhaseSema,
				Message: fmt.Sprintf("struct field %q cannot be a mapping", f.Name),
				Span:    f.Span(),
			}
		}
		p.Fields = append(p.Fields, types.StructField{Name: f.Name, Type: ft})
	}
	if derr := a.defineTypeName(d.Name, p, d.Span()); derr != nil {
		return derr
	}
	a.res.Structs[d.Name] = p
	return nil
}

func (a *analyzer) declareEnum(d *ast.EnumDecl) *diag.Diagnostic {
	if len(d.Variants) == 0 {
		return &diag.Diagnostic{
			Code:    diag.CodeInvalidType,
			Phase:   diag.PhaseSema,
			Message: fmt.Sprintf("enum %q needs at least one variant", d.Name),
			Span:    d.Span(),
		}
	}
	seen := make(map[string]bool)
	for _, v := range d.Variants {
		if seen[v] {
			return &diag.Diagnostic{
				Code:    diag.CodeNameCollision,
				Phase:   diag.PhaseSema,
				Message: fmt.Sprintf("duplicate variant %q in enum %q", v, d.Name),
				Span:    d.Span(),
			}
		}
		seen[v] = true
	}
	p := &types.EnumPrim{Name: d.Name, Variants: append([]string(nil), d.Variants...)}
	return a.defineTypeName(d.Name, p, d.Span())
}

// maxIndexedFields is bounded by the log instruction's topic count, one
// topic being the event signature hash.
const maxIndexedFields = 3

func (a *analyzer) declareEvent(d *ast.EventDecl) *diag.Diagnostic {
	p := &types.EventPrim{Name: d.Name}
	indexed := 0
	for i := range d.Fields {
		f := &d.Fields[i]
		ft, derr := a.tc.FromAnnotation(f.Type, a.foldToInt)
		if derr != nil {
			return derr
		}
		if ft.Words() != 1 {
			return &diag.Diagnostic{
				Code:    diag.CodeInvalidType,
				Phase:   diag.PhaseSema,
				Message: fmt.Sprintf("event field %q must be a single-word type, got %s", f.Name, ft),
				Span:    f.Span(),
			}
		}
		if f.Indexed {
			indexed++
		}
		p.Fields = append(p.Fields, types.EventField{Name: f.Name, Type: ft, Indexed: f.Indexed})
	}
	if indexed > maxIndexedFields {
		return &diag.Diagnostic{
			Code:    diag.CodeInvalidType,
			Phase:   diag.PhaseSema,
			Message: fmt.Sprintf("event %q has %d indexed fields, at most %d are supported", d.Name, indexed, maxIndexedFields),
			Span:    d.Span(),
		}
	}
	if derr := a.defineTypeName(d.Name, p, d.Span()); derr != nil {
		return derr
	}
	a.res.Events[d.Name] = p
	return nil
}

func (a *analyzer) declareInterface(d *ast.InterfaceDecl) *diag.Diagnostic {
	p := &types.InterfacePrim{Name: d.Name}
	for i := range d.Funcs {
		fn := &d.Funcs[i]
		params, names, derr := a.resolveParams(fn.Params)
		if derr != nil {
			return derr
		}
		returns, _, derr := a.resolveParams(fn.Returns)
		if derr != nil {
			return derr
		}
		if len(returns) > 1 {
			return &diag.Diagnostic{
				Code:    diag.CodeInvalidType,
				Phase:   diag.PhaseSema,
				Message: fmt.Sprintf("interface function %q: multiple returns are not supported across the external boundary", fn.Name),
				Span:    fn.Span(),
			}
		}
		fp := &types.FuncPrim{
			Name:       fn.Name,
			Visibility: ast.VisExternal,
			Mutability: fn.Mutability,
			ParamNames: names,
			Params:     params,
			Returns:    returns,
		}
		fp.Selector = abi.Selector(fn.Name, params)
		p.Funcs = append(p.Funcs, fp)
	}
	if derr := a.defineTypeName(d.Name, p, d.Span()); derr != nil {
		return derr
	}
	a.res.Interfaces[d.Name] = p
	return nil
}

func (a *analyzer) declareFunction(d *ast.FunctionDecl) *diag.Diagnostic {
	params, names, derr := a.resolveParams(d.Params)
	if derr != nil {
		return derr
	}
	returns, _, derr := a.resolveParams(d.Returns)
	if derr != nil {
		return derr
	}
	fp := &types.FuncPrim{
		Name:         d.Name,
		Visibility:   d.Visibility,
		Mutability:   d.Mutability,
		Nonreentrant: d.Nonreentrant,
		ParamNames:   names,
		Params:       params,
		Returns:      returns,
	}
	if d.Visibility == ast.VisExternal {
		for _, p := range params {
			if p.Words() < 0 {
				return &diag.Diagnostic{
					Code:    diag.CodeInvalidType,
					Phase:   diag.PhaseSema,
					Message: fmt.Sprintf("parameter type %s of %q has no external encoding", p, d.Name),
					Span:    d.Span(),
				}
			}
		}
		fp.Selector = abi.Selector(d.Name, params)
	}
	def := &types.Definition{Prim: fp, Name: d.Name}
	if derr := a.ns.Define(d.Name, def, d.Span()); derr != nil {
		return derr
	}
	f := &Function{Decl: d, Prim: fp, Mutability: d.Mutability}
	a.funcs[d.Name] = f
	a.res.Functions = append(a.res.Functions, f)
	return nil
}

// checkFunctionProperties validates the per-function property set once
// inference has settled, and detects selector clashes between externals.
func (a *analyzer) checkFunctionProperties(m *ast.Module) diag.Diagnostics {
	var diags diag.Diagnostics
	selSeen := make(map[[4]byte]string)
	for _, f := range a.res.Functions {
		d := f.Decl
		if d.Nonreentrant && (f.Mutability == ast.Pure || f.Mutability == ast.View) {
			diags = append(diags, diag.Diagnostic{
				Code:    diag.CodeStateAccessViolation,
				Phase:   diag.PhaseSema,
				Message: fmt.Sprintf("function %q cannot combine nonreentrant with %s: the guard writes storage", d.Name, f.Mutability),
				Span:    d.Span(),
			})
		}
		if d.Visibility == ast.VisDeploy && d.Nonreentrant {
			diags = append(diags, diag.Diagnostic{
				Code:    diag.CodeInvalidOperation,
				Phase:   diag.PhaseSema,
				Message: "the deploy function cannot be reentered and takes no guard",
				Span:    d.Span(),
			})
		}
		f.Prim.Mutability = f.Mutability
		if d.Visibility != ast.VisExternal {
			continue
		}
		if prev, clash := selSeen[f.Prim.Selector]; clash {
			diags = append(diags, diag.Diagnostic{
				Code:    diag.CodeNameCollision,
				Phase:   diag.PhaseSema,
				Message: fmt.Sprintf("selector %s of %q collides with %q", abi.SelectorHex(f.Prim.Selector), d.Name, prev),
				Span:    d.Span(),
			})
			continue
		}
		selSeen[f.Prim.Selector] = d.Name
	}
	return diags
}

func (a *analyzer) resolveParams(ps []ast.Param) ([]types.Primitive, []string, *diag.Diagnostic) {
	var prims []types.Primitive
	var names []string
	seen := make(map[string]bool)
	for i := range ps {
		p := &ps[i]
		if p.Name != "" && seen[p.Name] {
			return nil, nil, &diag.Diagnostic{
				Code:    diag.CodeNameCollision,
				Phase:   diag.PhaseSema,
				Message: fmt.Sprintf("duplicate parameter %q", p.Name),
				Span:    p.Span(),
			}
		}
		seen[p.Name] = true
		prim, derr := a.tc.FromAnnotation(p.Type, a.foldToInt)
		if derr != nil {
			return nil, nil, derr
		}
		if _, isMap := prim.(*types.MapPrim); isMap {
			return nil, nil, &diag.Diagnostic{
				Code:    diag.CodeInvalidType,
				Phase:   diag.PhaseSema,
				Message: "mappings live in storage and cannot be passed or returned",
				Span:    p.Span(),
			}
		}
		prims = append(prims, prim)
		names = append(names, p.Name)
	}
	return prims, names, nil
}

func (a *analyzer) defineTypeName(name string, p types.Primitive, span diag.Span) *diag.Diagnostic {
	def := &types.Definition{Prim: p, Name: name, Constant: true}
	if derr := a.ns.Define(name, def, span); derr != nil {
		return derr
	}
	a.tc.RegisterUser(name, p)
	return nil
}

// foldToInt adapts the module's constant table for annotation folding.
func (a *analyzer) foldToInt(e ast.Expr) (*big.Int, bool) {
	v, derr := a.foldConstExpr(e, nil)
	if derr != nil {
		return nil, false
	}
	return v, true
}
