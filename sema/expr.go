package sema

import (
	"fmt"
	"math/big"

	"github.com/tos-network/calla/ast"
	"github.com/tos-network/calla/diag"
	"github.com/tos-network/calla/types"
)

func (a *analyzer) setType(e ast.Expr, def *types.Definition) *types.Definition {
	a.scratch[e] = def
	return def
}

func (a *analyzer) setFold(e ast.Expr, v *big.Int) {
	a.folded[e] = v
}

func (a *analyzer) foldOf(e ast.Expr) (*big.Int, bool) {
	v, ok := a.folded[e]
	return v, ok
}

// requireRank enforces the mutability compatibility rule at an effect
// site: reads need rank 1, state-changing effects rank 2.
func (a *analyzer) requireRank(rank int, span diag.Span, what string) *diag.Diagnostic {
	if mutRank(a.fn.Mutability) >= rank {
		return nil
	}
	return &diag.Diagnostic{
		Code:    diag.CodeStateAccessViolation,
		Phase:   diag.PhaseSema,
		Message: fmt.Sprintf("%s function %q cannot %s", a.fn.Mutability, a.fn.Decl.Name, what),
		Span:    span,
	}
}

func isLiteral(e ast.Expr) bool {
	switch e.(type) {
	case *ast.IntLit, *ast.BoolLit, *ast.BytesLit, *ast.AddressLit:
		return true
	}
	return false
}

// checkExpr resolves an expression against an optional context type,
// annotating the node with its definition and, where statically known,
// its folded value.
func (a *analyzer) checkExpr(e ast.Expr, want types.Primitive) (*types.Definition, *diag.Diagnostic) {
	switch e := e.(type) {
	case *ast.IntLit, *ast.BoolLit, *ast.BytesLit, *ast.AddressLit:
		return a.checkLiteral(e, want)
	case *ast.NameExpr:
		return a.checkName(e)
	case *ast.AttributeExpr:
		return a.checkAttribute(e)
	case *ast.IndexExpr:
		return a.checkIndex(e)
	case *ast.UnaryExpr:
		return a.checkUnary(e, want)
	case *ast.BinaryExpr:
		return a.checkBinaryExpr(e, want)
	case *ast.CompareExpr:
		return a.checkCompare(e)
	case *ast.BoolOpExpr:
		return a.checkBoolOp(e)
	case *ast.CallExpr:
		return a.checkCall(e, want)
	case *ast.InterfaceCastExpr:
		return a.checkInterfaceCast(e)
	case *ast.TupleExpr:
		return nil, &diag.Diagnostic{
			Code:    diag.CodeInvalidOperation,
			Phase:   diag.PhaseSema,
			Message: "tuple expressions are only valid in return statements",
			Span:    e.Span(),
		}
	}
	return nil, &diag.Diagnostic{
		Code:    diag.CodeInternal,
		Phase:   diag.PhaseSema,
		Message: fmt.Sprintf("unhandled expression node %T", e),
		Span:    e.Span(),
	}
}

func (a *analyzer) checkLiteral(e ast.Expr, want types.Primitive) (*types.Definition, *diag.Diagnostic) {
	lc, derr := a.tc.FromLiteral(e)
	if derr != nil {
		return nil, derr
	}
	prim, derr := types.Narrow(lc, want, e.Span())
	if derr != nil {
		return nil, derr
	}
	switch lc.Kind {
	case types.LitInt:
		a.setFold(e, lc.IntValue)
	case types.LitBool:
		a.setFold(e, boolInt(lc.BoolValue))
	case types.LitBytes, types.LitAddress:
		a.setFold(e, new(big.Int).SetBytes(lc.ByteValue))
	}
	return a.setType(e, types.Def(prim)), nil
}

func (a *analyzer) checkName(e *ast.NameExpr) (*types.Definition, *diag.Diagnostic) {
	switch e.Name {
	case reservedSelf, reservedMsg, reservedBlock:
		return nil, &diag.Diagnostic{
			Code:    diag.CodeInvalidOperation,
			Phase:   diag.PhaseSema,
			Message: fmt.Sprintf("%q cannot be used as a value", e.Name),
			Span:    e.Span(),
		}
	}
	def, derr := a.ns.Lookup(e.Name, e.Span())
	if derr != nil {
		return nil, derr
	}
	if _, isFn := def.Prim.(*types.FuncPrim); isFn {
		return nil, &diag.Diagnostic{
			Code:    diag.CodeInvalidOperation,
			Phase:   diag.PhaseSema,
			Message: fmt.Sprintf("function %q must be called", e.Name),
			Span:    e.Span(),
		}
	}
	if def.Constant && def.Value == nil && def.Prim != nil {
		// A bare user-type name is not a value.
		return nil, &diag.Diagnostic{
			Code:    diag.CodeInvalidOperation,
			Phase:   diag.PhaseSema,
			Message: fmt.Sprintf("type %q cannot be used as a value", e.Name),
			Span:    e.Span(),
		}
	}
	if def.Constant && def.Value != nil {
		a.setFold(e, def.Value)
	}
	return a.setType(e, def), nil
}

func (a *analyzer) checkAttribute(e *ast.AttributeExpr) (*types.Definition, *diag.Diagnostic) {
	if base, ok := e.Value.(*ast.NameExpr); ok {
		switch base.Name {
		case reservedSelf:
			return a.checkSelfMember(e)
		case reservedMsg, reservedBlock:
			return a.checkEnvMember(e, base.Name)
		default:
			if def, found := a.ns.Resolve(base.Name); found {
				if en, isEnum := def.Prim.(*types.EnumPrim); isEnum && def.Constant {
					idx := en.VariantIndex(e.Attr)
					if idx < 0 {
						return nil, &diag.Diagnostic{
							Code:    diag.CodeUndeclaredName,
							Phase:   diag.PhaseSema,
							Message: fmt.Sprintf("enum %q has no variant %q", en.Name, e.Attr),
							Span:    e.Span(),
						}
					}
					a.setFold(e, big.NewInt(int64(idx)))
					return a.setType(e, types.Def(en)), nil
				}
			}
		}
	}
	if _, isCast := e.Value.(*ast.InterfaceCastExpr); isCast {
		return nil, &diag.Diagnostic{
			Code:    diag.CodeInvalidOperation,
			Phase:   diag.PhaseSema,
			Message: "interface method reference must be called",
			Span:    e.Span(),
		}
	}
	// Struct field access.
	base, derr := a.checkExpr(e.Value, nil)
	if derr != nil {
		return nil, derr
	}
	st, ok := base.Prim.(*types.StructPrim)
	if !ok {
		return nil, &diag.Diagnostic{
			Code:    diag.CodeInvalidOperation,
			Phase:   diag.PhaseSema,
			Message: fmt.Sprintf("%s has no member %q", base.Prim, e.Attr),
			Span:    e.Span(),
		}
	}
	idx := st.FieldIndex(e.Attr)
	if idx < 0 {
		return nil, &diag.Diagnostic{
			Code:    diag.CodeUndeclaredName,
			Phase:   diag.PhaseSema,
			Message: fmt.Sprintf("struct %q has no field %q", st.Name, e.Attr),
			Span:    e.Span(),
		}
	}
	return a.setType(e, &types.Definition{
		Prim:    st.Fields[idx].Type,
		Name:    e.Attr,
		Mutable: base.Mutable,
		Loc:     base.Loc,
	}), nil
}

func (a *analyzer) checkSelfMember(e *ast.AttributeExpr) (*types.Definition, *diag.Diagnostic) {
	def, found := a.ns.Resolve(e.Attr)
	if !found {
		return nil, &diag.Diagnostic{
			Code:    diag.CodeUndeclaredName,
			Phase:   diag.PhaseSema,
			Message: fmt.Sprintf("contract has no member %q", e.Attr),
			Span:    e.Span(),
		}
	}
	if _, isFn := def.Prim.(*types.FuncPrim); isFn {
		return nil, &diag.Diagnostic{
			Code:    diag.CodeInvalidOperation,
			Phase:   diag.PhaseSema,
			Message: fmt.Sprintf("function %q must be called", e.Attr),
			Span:    e.Span(),
		}
	}
	switch def.Loc {
	case types.LocStorage:
		if derr := a.requireRank(1, e.Span(), "read storage"); derr != nil {
			return nil, derr
		}
	case types.LocCode:
		if derr := a.requireRank(1, e.Span(), "read the data segment"); derr != nil {
			return nil, derr
		}
	default:
		return nil, &diag.Diagnostic{
			Code:    diag.CodeInvalidOperation,
			Phase:   diag.PhaseSema,
			Message: fmt.Sprintf("%q is not a storage member; access it without self", e.Attr),
			Span:    e.Span(),
		}
	}
	return a.setType(e, def), nil
}

func (a *analyzer) checkEnvMember(e *ast.AttributeExpr, root string) (*types.Definition, *diag.Diagnostic) {
	var prim types.Primitive
	switch root + "." + e.Attr {
	case "msg.sender":
		prim = a.tc.Address()
	case "msg.value":
		if a.fn.Mutability != ast.Payable {
			return nil, &diag.Diagnostic{
				Code:    diag.CodeStateAccessViolation,
				Phase:   diag.PhaseSema,
				Message: fmt.Sprintf("msg.value requires a payable function, %q is %s", a.fn.Decl.Name, a.fn.Mutability),
				Span:    e.Span(),
			}
		}
		prim = a.tc.Uint(256)
	case "block.timestamp", "block.number":
		prim = a.tc.Uint(256)
	default:
		return nil, &diag.Diagnostic{
			Code:    diag.CodeUndeclaredName,
			Phase:   diag.PhaseSema,
			Message: fmt.Sprintf("unknown environment value %s.%s", root, e.Attr),
			Span:    e.Span(),
		}
	}
	if derr := a.requireRank(1, e.Span(), "read the environment"); derr != nil {
		return nil, derr
	}
	return a.setType(e, types.Def(prim)), nil
}

func (a *analyzer) checkIndex(e *ast.IndexExpr) (*types.Definition, *diag.Diagnostic) {
	base, derr := a.checkExpr(e.Value, nil)
	if derr != nil {
		return nil, derr
	}
	switch p := base.Prim.(type) {
	case *types.ArrayPrim:
		idx, derr := a.checkExpr(e.Index, nil)
		if derr != nil {
			return nil, derr
		}
		if !types.HasCap(idx.Prim, types.CapInteger) {
			return nil, &diag.Diagnostic{
				Code:    diag.CodeTypeMismatch,
				Phase:   diag.PhaseSema,
				Message: fmt.Sprintf("array index must be an integer, got %s", idx.Prim),
				Span:    e.Index.Span(),
			}
		}
		if v, ok := a.foldOf(e.Index); ok {
			if v.Sign() < 0 || !v.IsInt64() || v.Int64() >= int64(p.Len) {
				return nil, &diag.Diagnostic{
					Code:    diag.CodeInvalidOperation,
					Phase:   diag.PhaseSema,
					Message: fmt.Sprintf("index %s out of bounds for %s", v, p),
					Span:    e.Index.Span(),
				}
			}
		}
		return a.setType(e, &types.Definition{
			Prim:    p.Elem,
			Name:    base.Name,
			Mutable: base.Mutable,
			Loc:     base.Loc,
		}), nil

	case *types.MapPrim:
		if base.Loc != types.LocStorage {
			return nil, &diag.Diagnostic{
				Code:    diag.CodeInvalidOperation,
				Phase:   diag.PhaseSema,
				Message: "mappings can only be accessed through storage",
				Span:    e.Span(),
			}
		}
		if _, derr := a.checkExpr(e.Index, p.Key); derr != nil {
			return nil, derr
		}
		return a.setType(e, &types.Definition{
			Prim:    p.Value,
			Name:    base.Name,
			Mutable: base.Mutable,
			Loc:     types.LocStorage,
		}), nil
	}
	return nil, &diag.Diagnostic{
		Code:    diag.CodeInvalidOperation,
		Phase:   diag.PhaseSema,
		Message: fmt.Sprintf("%s cannot be indexed", base.Prim),
		Span:    e.Span(),
	}
}

func (a *analyzer) checkUnary(e *ast.UnaryExpr, want types.Primitive) (*types.Definition, *diag.Diagnostic) {
	switch e.Op {
	case ast.OpNot:
		if _, derr := a.checkExpr(e.X, a.tc.Bool()); derr != nil {
			return nil, derr
		}
		if v, ok := a.foldOf(e.X); ok {
			a.setFold(e, boolInt(v.Sign() == 0))
		}
		return a.setType(e, types.Def(a.tc.Bool())), nil

	case ast.OpNeg:
		x, derr := a.checkExpr(e.X, want)
		if derr != nil {
			return nil, derr
		}
		ip, ok := x.Prim.(*types.IntPrim)
		if !ok || !ip.Signed {
			return nil, &diag.Diagnostic{
				Code:    diag.CodeInvalidOperation,
				Phase:   diag.PhaseSema,
				Message: fmt.Sprintf("cannot negate %s", x.Prim),
				Span:    e.Span(),
			}
		}
		if v, ok := a.foldOf(e.X); ok {
			nv := new(big.Int).Neg(v)
			if !ip.Fits(nv) {
				return nil, &diag.Diagnostic{
					Code:    diag.CodeInvalidOperation,
					Phase:   diag.PhaseSema,
					Message: fmt.Sprintf("negation overflows %s", ip),
					Span:    e.Span(),
				}
			}
			a.setFold(e, nv)
		}
		return a.setType(e, types.Def(ip)), nil
	}
	return nil, &diag.Diagnostic{
		Code:    diag.CodeInvalidOperation,
		Phase:   diag.PhaseSema,
		Message: fmt.Sprintf("invalid unary operator %s", e.Op),
		Span:    e.Span(),
	}
}

// checkOperands types a binary operand pair: a non-literal side fixes the
// context for a literal side; two literals share the outer context.
func (a *analyzer) checkOperands(x, y ast.Expr, want types.Primitive) (*types.Definition, *types.Definition, *diag.Diagnostic) {
	if isLiteral(x) && !isLiteral(y) {
		dy, derr := a.checkExpr(y, want)
		if derr != nil {
			return nil, nil, derr
		}
		dx, derr := a.checkExpr(x, dy.Prim)
		if derr != nil {
			return nil, nil, derr
		}
		return dx, dy, nil
	}
	dx, derr := a.checkExpr(x, want)
	if derr != nil {
		return nil, nil, derr
	}
	dy, derr := a.checkExpr(y, dx.Prim)
	if derr != nil {
		return nil, nil, derr
	}
	return dx, dy, nil
}

func (a *analyzer) checkBinaryExpr(e *ast.BinaryExpr, want types.Primitive) (*types.Definition, *diag.Diagnostic) {
	dx, dy, derr := a.checkOperands(e.X, e.Y, want)
	if derr != nil {
		return nil, derr
	}
	prim, ok := types.Unify(dx.Prim, dy.Prim)
	// Shift amounts keep their own width; only the shifted side types the
	// result.
	if !ok && (e.Op == ast.OpShl || e.Op == ast.OpShr) && types.HasCap(dy.Prim, types.CapInteger) {
		prim, ok = dx.Prim, true
	}
	if !ok {
		return nil, &diag.Diagnostic{
			Code:    diag.CodeTypeMismatch,
			Phase:   diag.PhaseSema,
			Message: fmt.Sprintf("mismatched operand types %s and %s", dx.Prim, dy.Prim),
			Span:    e.Span(),
		}
	}
	if !types.ValidateNumericOp(e.Op, prim) {
		return nil, &diag.Diagnostic{
			Code:    diag.CodeInvalidOperation,
			Phase:   diag.PhaseSema,
			Message: fmt.Sprintf("operator %s is not defined on %s", e.Op, prim),
			Span:    e.Span(),
		}
	}
	if xv, ok := a.foldOf(e.X); ok {
		if yv, ok := a.foldOf(e.Y); ok {
			v, derr := foldBinary(e, xv, yv)
			if derr != nil {
				return nil, derr
			}
			if ip, isInt := prim.(*types.IntPrim); isInt && !ip.Fits(v) {
				return nil, &diag.Diagnostic{
					Code:    diag.CodeInvalidOperation,
					Phase:   diag.PhaseSema,
					Message: fmt.Sprintf("constant arithmetic overflows %s", ip),
					Span:    e.Span(),
				}
			}
			a.setFold(e, v)
		}
	}
	return a.setType(e, types.Def(prim)), nil
}

func (a *analyzer) checkCompare(e *ast.CompareExpr) (*types.Definition, *diag.Diagnostic) {
	dx, dy, derr := a.checkOperands(e.X, e.Y, nil)
	if derr != nil {
		return nil, derr
	}
	prim, ok := types.Unify(dx.Prim, dy.Prim)
	if !ok {
		return nil, &diag.Diagnostic{
			Code:    diag.CodeTypeMismatch,
			Phase:   diag.PhaseSema,
			Message: fmt.Sprintf("cannot compare %s with %s", dx.Prim, dy.Prim),
			Span:    e.Span(),
		}
	}
	if !types.ValidateComparison(e.Op, prim) {
		return nil, &diag.Diagnostic{
			Code:    diag.CodeInvalidOperation,
			Phase:   diag.PhaseSema,
			Message: fmt.Sprintf("comparison %s is not defined on %s", e.Op, prim),
			Span:    e.Span(),
		}
	}
	if xv, ok := a.foldOf(e.X); ok {
		if yv, ok := a.foldOf(e.Y); ok {
			a.setFold(e, boolInt(compareFold(e.Op, xv.Cmp(yv))))
		}
	}
	return a.setType(e, types.Def(a.tc.Bool())), nil
}

func (a *analyzer) checkBoolOp(e *ast.BoolOpExpr) (*types.Definition, *diag.Diagnostic) {
	if _, derr := a.checkExpr(e.X, a.tc.Bool()); derr != nil {
		return nil, derr
	}
	if _, derr := a.checkExpr(e.Y, a.tc.Bool()); derr != nil {
		return nil, derr
	}
	if xv, ok := a.foldOf(e.X); ok {
		if e.Op == ast.OpAnd && xv.Sign() == 0 {
			a.setFold(e, new(big.Int))
		} else if e.Op == ast.OpOr && xv.Sign() != 0 {
			a.setFold(e, big.NewInt(1))
		} else if yv, ok := a.foldOf(e.Y); ok {
			a.setFold(e, yv)
		}
	}
	return a.setType(e, types.Def(a.tc.Bool())), nil
}

func (a *analyzer) checkInterfaceCast(e *ast.InterfaceCastExpr) (*types.Definition, *diag.Diagnostic) {
	iface, found := a.res.Interfaces[e.Iface]
	if !found {
		return nil, &diag.Diagnostic{
			Code:    diag.CodeUndeclaredName,
			Phase:   diag.PhaseSema,
			Message: fmt.Sprintf("undeclared interface %q", e.Iface),
			Span:    e.Span(),
		}
	}
	if _, derr := a.checkExpr(e.Addr, a.tc.Address()); derr != nil {
		return nil, derr
	}
	return a.setType(e, types.Def(iface)), nil
}
