package sema

import (
	"fmt"
	"math/big"

	"github.com/tos-network/calla/ast"
	"github.com/tos-network/calla/diag"
	"github.com/tos-network/calla/types"
)

func (a *analyzer) checkCall(e *ast.CallExpr, want types.Primitive) (*types.Definition, *diag.Diagnostic) {
	switch fn := e.Func.(type) {
	case *ast.NameExpr:
		if isBuiltinCall(fn.Name) {
			return a.checkBuiltin(e, fn.Name, want)
		}
		if def, found := a.ns.Resolve(fn.Name); found {
			if st, isStruct := def.Prim.(*types.StructPrim); isStruct && def.Constant {
				return a.checkStructCtor(e, st)
			}
			if _, isFn := def.Prim.(*types.FuncPrim); isFn {
				return nil, &diag.Diagnostic{
					Code:    diag.CodeInvalidOperation,
					Phase:   diag.PhaseSema,
					Message: fmt.Sprintf("call %q through self", fn.Name),
					Span:    e.Span(),
				}
			}
		}
	case *ast.AttributeExpr:
		if ast.IsSelf(fn.Value) {
			return a.checkInternalCall(e, fn.Attr)
		}
		if cast, isCast := fn.Value.(*ast.InterfaceCastExpr); isCast {
			return a.checkExternalCall(e, cast, fn.Attr)
		}
	}
	return nil, &diag.Diagnostic{
		Code:    diag.CodeInvalidOperation,
		Phase:   diag.PhaseSema,
		Message: "expression is not callable",
		Span:    e.Span(),
	}
}

func (a *analyzer) checkArity(e *ast.CallExpr, name string, n int) *diag.Diagnostic {
	if len(e.Args) == n {
		return nil
	}
	return &diag.Diagnostic{
		Code:    diag.CodeInvalidOperation,
		Phase:   diag.PhaseSema,
		Message: fmt.Sprintf("%s expects %d argument(s), got %d", name, n, len(e.Args)),
		Span:    e.Span(),
	}
}

// checkArg types one argument and requires an exact match with the
// parameter type (literals narrow to it first).
func (a *analyzer) checkArg(arg ast.Expr, param types.Primitive) *diag.Diagnostic {
	def, derr := a.checkExpr(arg, param)
	if derr != nil {
		return derr
	}
	if _, ok := types.Unify(def.Prim, param); !ok {
		return &diag.Diagnostic{
			Code:    diag.CodeTypeMismatch,
			Phase:   diag.PhaseSema,
			Message: fmt.Sprintf("argument type %s does not match parameter type %s", def.Prim, param),
			Span:    arg.Span(),
		}
	}
	return nil
}

func (a *analyzer) checkBuiltin(e *ast.CallExpr, name string, want types.Primitive) (*types.Definition, *diag.Diagnostic) {
	switch name {
	case builtinConvert:
		return a.checkConvert(e)
	case builtinLen:
		if derr := a.checkArity(e, "len", 1); derr != nil {
			return nil, derr
		}
		def, derr := a.checkExpr(e.Args[0], nil)
		if derr != nil {
			return nil, derr
		}
		var n int
		switch p := def.Prim.(type) {
		case *types.ArrayPrim:
			n = p.Len
		case *types.BytesPrim:
			n = p.N
		default:
			return nil, &diag.Diagnostic{
				Code:    diag.CodeInvalidOperation,
				Phase:   diag.PhaseSema,
				Message: fmt.Sprintf("len is not defined on %s", def.Prim),
				Span:    e.Span(),
			}
		}
		a.setFold(e, big.NewInt(int64(n)))
		return a.setType(e, types.Def(a.tc.Uint(256))), nil

	case builtinMin, builtinMax:
		if derr := a.checkArity(e, name, 2); derr != nil {
			return nil, derr
		}
		dx, dy, derr := a.checkOperands(e.Args[0], e.Args[1], want)
		if derr != nil {
			return nil, derr
		}
		prim, ok := types.Unify(dx.Prim, dy.Prim)
		if !ok || !types.HasCap(prim, types.CapNumeric) {
			return nil, &diag.Diagnostic{
				Code:    diag.CodeInvalidOperation,
				Phase:   diag.PhaseSema,
				Message: fmt.Sprintf("%s is not defined on %s and %s", name, dx.Prim, dy.Prim),
				Span:    e.Span(),
			}
		}
		if xv, okx := a.foldOf(e.Args[0]); okx {
			if yv, oky := a.foldOf(e.Args[1]); oky {
				if (name == builtinMin) == (xv.Cmp(yv) < 0) {
					a.setFold(e, xv)
				} else {
					a.setFold(e, yv)
				}
			}
		}
		return a.setType(e, types.Def(prim)), nil
	}
	ice := diag.Internal(diag.PhaseSema, "unknown builtin %q", name)
	return nil, &ice
}

func (a *analyzer) checkConvert(e *ast.CallExpr) (*types.Definition, *diag.Diagnostic) {
	if derr := a.checkArity(e, "convert", 2); derr != nil {
		return nil, derr
	}
	tn, ok := e.Args[1].(*ast.NameExpr)
	if !ok {
		return nil, &diag.Diagnostic{
			Code:    diag.CodeInvalidType,
			Phase:   diag.PhaseSema,
			Message: "second argument of convert must be a type name",
			Span:    e.Args[1].Span(),
		}
	}
	to, derr := a.tc.FromAnnotation(&ast.NamedType{
		NodeBase: ast.NodeBase{Pos: tn.Span()},
		Name:     tn.Name,
	}, a.foldToInt)
	if derr != nil {
		return nil, derr
	}
	src, derr := a.checkExpr(e.Args[0], nil)
	if derr != nil {
		return nil, derr
	}
	if !convertible(src.Prim, to) {
		return nil, &diag.Diagnostic{
			Code:    diag.CodeInvalidOperation,
			Phase:   diag.PhaseSema,
			Message: fmt.Sprintf("no conversion from %s to %s", src.Prim, to),
			Span:    e.Span(),
		}
	}
	if v, folded := a.foldOf(e.Args[0]); folded {
		if ip, isInt := to.(*types.IntPrim); isInt {
			if !ip.Fits(v) {
				return nil, &diag.Diagnostic{
					Code:    diag.CodeInvalidLiteral,
					Phase:   diag.PhaseSema,
					Message: fmt.Sprintf("constant %s does not fit %s", v, ip),
					Span:    e.Span(),
				}
			}
			a.setFold(e, v)
		}
	}
	return a.setType(e, types.Def(to)), nil
}

// convertible lists the explicit conversion pairs. There are no implicit
// conversions anywhere; this table is the only widening or reinterpreting
// path, and every lossy direction gets a runtime range assertion from the
// IR builder.
func convertible(from, to types.Primitive) bool {
	if types.Same(from, to) {
		return true
	}
	switch from := from.(type) {
	case *types.IntPrim:
		switch to := to.(type) {
		case *types.IntPrim:
			return true
		case types.AddressPrim:
			return !from.Signed
		case *types.BytesPrim:
			return !from.Signed && from.Bits == to.N*8
		}
	case types.AddressPrim:
		if ip, ok := to.(*types.IntPrim); ok {
			return !ip.Signed && ip.Bits >= 160
		}
	case *types.BytesPrim:
		if ip, ok := to.(*types.IntPrim); ok {
			return !ip.Signed && ip.Bits == from.N*8
		}
	case *types.EnumPrim:
		if ip, ok := to.(*types.IntPrim); ok {
			return !ip.Signed
		}
	case types.BoolPrim:
		if ip, ok := to.(*types.IntPrim); ok {
			return !ip.Signed
		}
	}
	return false
}

func (a *analyzer) checkStructCtor(e *ast.CallExpr, st *types.StructPrim) (*types.Definition, *diag.Diagnostic) {
	if derr := a.checkArity(e, st.Name, len(st.Fields)); derr != nil {
		return nil, derr
	}
	for i, arg := range e.Args {
		if derr := a.checkArg(arg, st.Fields[i].Type); derr != nil {
			return nil, derr
		}
	}
	return a.setType(e, &types.Definition{Prim: st, Loc: types.LocMemory}), nil
}

func (a *analyzer) checkInternalCall(e *ast.CallExpr, name string) (*types.Definition, *diag.Diagnostic) {
	callee, found := a.funcs[name]
	if !found {
		return nil, &diag.Diagnostic{
			Code:    diag.CodeUndeclaredName,
			Phase:   diag.PhaseSema,
			Message: fmt.Sprintf("contract has no function %q", name),
			Span:    e.Span(),
		}
	}
	if callee.Decl.Visibility != ast.VisInternal {
		return nil, &diag.Diagnostic{
			Code:    diag.CodeInvalidOperation,
			Phase:   diag.PhaseSema,
			Message: fmt.Sprintf("%s function %q cannot be called internally", callee.Decl.Visibility, name),
			Span:    e.Span(),
		}
	}
	if mutRank(callee.Mutability) > mutRank(a.fn.Mutability) {
		return nil, &diag.Diagnostic{
			Code:    diag.CodeStateAccessViolation,
			Phase:   diag.PhaseSema,
			Message: fmt.Sprintf("%s function %q cannot call %s function %q", a.fn.Mutability, a.fn.Decl.Name, callee.Mutability, name),
			Span:    e.Span(),
		}
	}
	if derr := a.checkArity(e, name, len(callee.Prim.Params)); derr != nil {
		return nil, derr
	}
	for i, arg := range e.Args {
		if derr := a.checkArg(arg, callee.Prim.Params[i]); derr != nil {
			return nil, derr
		}
	}
	if derr := a.checkIterCall(e, mutRank(callee.Mutability)); derr != nil {
		return nil, derr
	}
	ret := callee.Prim.ReturnType()
	if ret == nil {
		return a.setType(e, &types.Definition{}), nil
	}
	return a.setType(e, types.Def(ret)), nil
}

func (a *analyzer) checkExternalCall(e *ast.CallExpr, cast *ast.InterfaceCastExpr, method string) (*types.Definition, *diag.Diagnostic) {
	castDef, derr := a.checkInterfaceCast(cast)
	if derr != nil {
		return nil, derr
	}
	iface := castDef.Prim.(*types.InterfacePrim)
	m := iface.Func(method)
	if m == nil {
		return nil, &diag.Diagnostic{
			Code:    diag.CodeUndeclaredName,
			Phase:   diag.PhaseSema,
			Message: fmt.Sprintf("interface %q has no function %q", iface.Name, method),
			Span:    e.Span(),
		}
	}
	if mutRank(m.Mutability) <= 1 {
		if derr := a.requireRank(1, e.Span(), "make external calls"); derr != nil {
			return nil, derr
		}
	} else {
		if derr := a.requireRank(2, e.Span(), fmt.Sprintf("call %s function %q", m.Mutability, method)); derr != nil {
			return nil, derr
		}
	}
	if derr := a.checkArity(e, method, len(m.Params)); derr != nil {
		return nil, derr
	}
	for i, arg := range e.Args {
		if derr := a.checkArg(arg, m.Params[i]); derr != nil {
			return nil, derr
		}
	}
	if derr := a.checkIterCall(e, mutRank(m.Mutability)); derr != nil {
		return nil, derr
	}
	if e.Tolerant {
		// The tolerant form yields just the success flag; callee returns
		// are dropped. Use the strict form when the value matters.
		return a.setType(e, types.Def(a.tc.Bool())), nil
	}
	ret := m.ReturnType()
	if ret == nil {
		return a.setType(e, &types.Definition{}), nil
	}
	return a.setType(e, types.Def(ret)), nil
}
