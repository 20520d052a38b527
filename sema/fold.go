package sema

import (
	"fmt"
	"math/big"

	"github.com/tos-network/calla/ast"
	"github.com/tos-network/calla/diag"
	"github.com/tos-network/calla/types"
)

var (
	bigZero = new(big.Int)
	bigOne  = big.NewInt(1)
)

// foldConstExpr evaluates a compile-time constant expression. Booleans
// fold to 0/1. When want is an integer primitive the result is
// range-checked against it; when want is bool the result must be 0/1.
func (a *analyzer) foldConstExpr(e ast.Expr, want types.Primitive) (*big.Int, *diag.Diagnostic) {
	v, derr := a.foldValue(e)
	if derr != nil {
		return nil, derr
	}
	if ip, ok := want.(*types.IntPrim); ok && !ip.Fits(v) {
		return nil, &diag.Diagnostic{
			Code:    diag.CodeInvalidLiteral,
			Phase:   diag.PhaseSema,
			Message: fmt.Sprintf("constant value %s does not fit %s", v, ip),
			Span:    e.Span(),
		}
	}
	if _, ok := want.(types.BoolPrim); ok && v.Cmp(bigZero) != 0 && v.Cmp(bigOne) != 0 {
		return nil, &diag.Diagnostic{
			Code:    diag.CodeTypeMismatch,
			Phase:   diag.PhaseSema,
			Message: "constant expression is not boolean",
			Span:    e.Span(),
		}
	}
	return v, nil
}

func (a *analyzer) foldValue(e ast.Expr) (*big.Int, *diag.Diagnostic) {
	switch e := e.(type) {
	case *ast.IntLit:
		v, err := types.ParseIntLiteral(e.Text)
		if err != nil {
			return nil, &diag.Diagnostic{
				Code:    diag.CodeInvalidLiteral,
				Phase:   diag.PhaseSema,
				Message: err.Error(),
				Span:    e.Span(),
			}
		}
		return v, nil

	case *ast.BoolLit:
		if e.Value {
			return big.NewInt(1), nil
		}
		return new(big.Int), nil

	case *ast.NameExpr:
		if def, ok := a.ns.Resolve(e.Name); ok && def.Constant && def.Value != nil {
			return new(big.Int).Set(def.Value), nil
		}
		return nil, notConstant(e)

	case *ast.AttributeExpr:
		// Enum.Variant folds to the variant index.
		if base, ok := e.Value.(*ast.NameExpr); ok {
			if def, found := a.ns.Resolve(base.Name); found {
				if en, isEnum := def.Prim.(*types.EnumPrim); isEnum {
					idx := en.VariantIndex(e.Attr)
					if idx < 0 {
						return nil, &diag.Diagnostic{
							Code:    diag.CodeUndeclaredName,
							Phase:   diag.PhaseSema,
							Message: fmt.Sprintf("enum %q has no variant %q", en.Name, e.Attr),
							Span:    e.Span(),
						}
					}
					return big.NewInt(int64(idx)), nil
				}
			}
		}
		return nil, notConstant(e)

	case *ast.UnaryExpr:
		x, derr := a.foldValue(e.X)
		if derr != nil {
			return nil, derr
		}
		switch e.Op {
		case ast.OpNeg:
			return new(big.Int).Neg(x), nil
		case ast.OpNot:
			if x.Sign() == 0 {
				return big.NewInt(1), nil
			}
			return new(big.Int), nil
		}
		return nil, notConstant(e)

	case *ast.BinaryExpr:
		x, derr := a.foldValue(e.X)
		if derr != nil {
			return nil, derr
		}
		y, derr := a.foldValue(e.Y)
		if derr != nil {
			return nil, derr
		}
		return foldBinary(e, x, y)

	case *ast.CompareExpr:
		x, derr := a.foldValue(e.X)
		if derr != nil {
			return nil, derr
		}
		y, derr := a.foldValue(e.Y)
		if derr != nil {
			return nil, derr
		}
		return boolInt(compareFold(e.Op, x.Cmp(y))), nil

	case *ast.BoolOpExpr:
		x, derr := a.foldValue(e.X)
		if derr != nil {
			return nil, derr
		}
		// Short-circuit folding mirrors evaluation order.
		if e.Op == ast.OpAnd && x.Sign() == 0 {
			return new(big.Int), nil
		}
		if e.Op == ast.OpOr && x.Sign() != 0 {
			return big.NewInt(1), nil
		}
		return a.foldValue(e.Y)
	}
	return nil, notConstant(e)
}

func foldBinary(e *ast.BinaryExpr, x, y *big.Int) (*big.Int, *diag.Diagnostic) {
	switch e.Op {
	case ast.OpAdd:
		return new(big.Int).Add(x, y), nil
	case ast.OpSub:
		return new(big.Int).Sub(x, y), nil
	case ast.OpMul:
		return new(big.Int).Mul(x, y), nil
	case ast.OpDiv, ast.OpMod:
		if y.Sign() == 0 {
			return nil, &diag.Diagnostic{
				Code:    diag.CodeInvalidOperation,
				Phase:   diag.PhaseSema,
				Message: "division by zero in constant expression",
				Span:    e.Span(),
			}
		}
		if e.Op == ast.OpDiv {
			return new(big.Int).Quo(x, y), nil
		}
		return new(big.Int).Rem(x, y), nil
	case ast.OpBitAnd:
		return new(big.Int).And(x, y), nil
	case ast.OpBitOr:
		return new(big.Int).Or(x, y), nil
	case ast.OpBitXor:
		return new(big.Int).Xor(x, y), nil
	case ast.OpShl, ast.OpShr:
		if !y.IsUint64() || y.Uint64() > 256 {
			return nil, &diag.Diagnostic{
				Code:    diag.CodeInvalidOperation,
				Phase:   diag.PhaseSema,
				Message: "shift amount out of range in constant expression",
				Span:    e.Span(),
			}
		}
		if e.Op == ast.OpShl {
			return new(big.Int).Lsh(x, uint(y.Uint64())), nil
		}
		return new(big.Int).Rsh(x, uint(y.Uint64())), nil
	}
	return nil, notConstant(e)
}

func compareFold(op ast.Op, cmp int) bool {
	switch op {
	case ast.OpEq:
		return cmp == 0
	case ast.OpNe:
		return cmp != 0
	case ast.OpLt:
		return cmp < 0
	case ast.OpLe:
		return cmp <= 0
	case ast.OpGt:
		return cmp > 0
	case ast.OpGe:
		return cmp >= 0
	}
	return false
}

func boolInt(b bool) *big.Int {
	if b {
		return big.NewInt(1)
	}
	return new(big.Int)
}

func notConstant(e ast.Expr) *diag.Diagnostic {
	return &diag.Diagnostic{
		Code:    diag.CodeInvalidLiteral,
		Phase:   diag.PhaseSema,
		Message: "expression is not a compile-time constant",
		Span:    e.Span(),
	}
}
