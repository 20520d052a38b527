package ir

import (
	"math/big"

	"github.com/tos-network/calla/abi"
	"github.com/tos-network/calla/ast"
	"github.com/tos-network/calla/diag"
	"github.com/tos-network/calla/types"
)

// evalWord pushes the value of a single-word expression.
func (l *lowerer) evalWord(e ast.Expr, env map[string]int) *diag.Diagnostic {
	if v, ok := l.res.ConstValue(e); ok {
		l.emitPushBig(toWord(v))
		return nil
	}

	switch e := e.(type) {
	case *ast.NameExpr:
		off, ok := env[e.Name]
		if !ok {
			return l.internal("name %q has no frame slot", e.Name)
		}
		l.emitMemLoad(off)
		return nil

	case *ast.AttributeExpr:
		return l.evalAttribute(e, env)

	case *ast.IndexExpr:
		loc, derr := l.evalRef(e, env)
		if derr != nil {
			return derr
		}
		l.emitLoad(loc)
		return nil

	case *ast.UnaryExpr:
		return l.evalUnary(e, env)

	case *ast.BinaryExpr:
		if derr := l.evalWord(e.X, env); derr != nil {
			return derr
		}
		if derr := l.evalWord(e.Y, env); derr != nil {
			return derr
		}
		return l.emitBinary(e.Op, l.defOf(e).Prim)

	case *ast.CompareExpr:
		if derr := l.evalWord(e.X, env); derr != nil {
			return derr
		}
		if derr := l.evalWord(e.Y, env); derr != nil {
			return derr
		}
		l.emitCompare(e.Op, l.defOf(e.X).Prim)
		return nil

	case *ast.BoolOpExpr:
		return l.evalBoolOp(e, env)

	case *ast.CallExpr:
		return l.lowerCall(e, true, env)

	case *ast.InterfaceCastExpr:
		return l.evalWord(e.Addr, env)
	}
	return l.internal("expression %T has no word form", e)
}

func (l *lowerer) evalAttribute(e *ast.AttributeExpr, env map[string]int) *diag.Diagnostic {
	if ast.IsSelf(e.Value) {
		def := l.defOf(e)
		switch def.Loc {
		case types.LocStorage:
			l.emitPush(int64(def.Slot))
			l.emit(SLoad)
			return nil
		case types.LocCode:
			l.emitImmutableRead(def.DataOffset)
			return nil
		}
		return l.internal("self member %q has no word form", e.Attr)
	}
	if base, ok := e.Value.(*ast.NameExpr); ok {
		switch base.Name {
		case "msg":
			switch e.Attr {
			case "sender":
				l.emit(Caller)
			case "value":
				l.emit(CallValue)
			default:
				return l.internal("unknown msg member %q", e.Attr)
			}
			return nil
		case "block":
			switch e.Attr {
			case "timestamp":
				l.emit(Timestamp)
			case "number":
				l.emit(Number)
			default:
				return l.internal("unknown block member %q", e.Attr)
			}
			return nil
		}
	}
	// struct field access
	loc, derr := l.evalRef(e, env)
	if derr != nil {
		return derr
	}
	l.emitLoad(loc)
	return nil
}

// emitImmutableRead pushes an immutable's word. At runtime the value
// lives in the code's data segment; during deployment it lives in the
// in-memory image.
func (l *lowerer) emitImmutableRead(dataOff int) {
	if l.deploy {
		l.emitImmutableAddr(dataOff)
		l.emit(MLoad)
		return
	}
	l.emitPush(int64(abi.WordSize))
	l.emitPush(int64(dataOff * abi.WordSize))
	l.emitPushLabel(labelData)
	l.emit(Add)
	l.emitPush(scratchA)
	l.emit(CodeCopy)
	l.emitMemLoad(scratchA)
}

func (l *lowerer) evalUnary(e *ast.UnaryExpr, env map[string]int) *diag.Diagnostic {
	if derr := l.evalWord(e.X, env); derr != nil {
		return derr
	}
	switch e.Op {
	case ast.OpNot:
		l.emit(IsZero)
		return nil
	case ast.OpNeg:
		ip, ok := l.defOf(e).Prim.(*types.IntPrim)
		if !ok || !ip.Signed {
			return l.internal("negation of a non-signed operand survived analysis")
		}
		l.emit(Dup, 1)
		l.emitPushBig(toWord(ip.Min()))
		l.emit(Eq)
		l.emitJumpIf(labelPanic) // -min does not fit
		l.emitPush(0)
		l.emit(Sub) // 0 - x
		return nil
	}
	return l.internal("unhandled unary operator %s", e.Op)
}

func (l *lowerer) evalBoolOp(e *ast.BoolOpExpr, env map[string]int) *diag.Diagnostic {
	end := l.newLabel("bool_end")
	if derr := l.evalWord(e.X, env); derr != nil {
		return derr
	}
	l.emit(Dup, 1)
	if e.Op == ast.OpAnd {
		l.emit(IsZero)
	}
	l.emitJumpIf(end)
	l.emit(Pop)
	if derr := l.evalWord(e.Y, env); derr != nil {
		return derr
	}
	l.emitLabel(end)
	return nil
}

// evalRef pushes the base address of an lvalue or aggregate expression
// and reports which operand space the address indexes.
func (l *lowerer) evalRef(e ast.Expr, env map[string]int) (types.Location, *diag.Diagnostic) {
	switch e := e.(type) {
	case *ast.NameExpr:
		off, ok := env[e.Name]
		if !ok {
			return 0, l.internal("name %q has no frame slot", e.Name)
		}
		l.emitPush(int64(off))
		return types.LocMemory, nil

	case *ast.AttributeExpr:
		if ast.IsSelf(e.Value) {
			def := l.defOf(e)
			if def.Loc != types.LocStorage {
				return 0, l.internal("self member %q is not addressable", e.Attr)
			}
			l.emitPush(int64(def.Slot))
			return types.LocStorage, nil
		}
		// struct field
		base := l.defOf(e.Value)
		sp, ok := base.Prim.(*types.StructPrim)
		if !ok {
			return 0, l.internal("field access on non-struct %s", base.Prim)
		}
		loc, derr := l.evalRef(e.Value, env)
		if derr != nil {
			return 0, derr
		}
		idx := sp.FieldIndex(e.Attr)
		l.emitPush(int64(sp.FieldOffset(idx) * stepBytes(loc)))
		l.emit(Add)
		return loc, nil

	case *ast.IndexExpr:
		base := l.defOf(e.Value)
		switch prim := base.Prim.(type) {
		case *types.MapPrim:
			loc, derr := l.evalRef(e.Value, env)
			if derr != nil {
				return 0, derr
			}
			if loc != types.LocStorage {
				return 0, l.internal("mapping outside storage")
			}
			if derr := l.evalWord(e.Index, env); derr != nil {
				return 0, derr
			}
			// keccak(key . slot) addresses the entry
			l.emitMemStore(scratchA)
			l.emitMemStore(scratchB)
			l.emitPush(2 * abi.WordSize)
			l.emitPush(scratchA)
			l.emit(Keccak)
			return types.LocStorage, nil

		case *types.ArrayPrim:
			loc, derr := l.evalRef(e.Value, env)
			if derr != nil {
				return 0, derr
			}
			if derr := l.evalWord(e.Index, env); derr != nil {
				return 0, derr
			}
			if !l.isConst(e.Index) {
				l.emit(Dup, 1)
				l.emitPush(int64(prim.Len))
				l.emit(Gt) // len > idx
				l.emit(IsZero)
				l.emitJumpIf(labelPanic)
			}
			l.emitPush(int64(prim.Elem.Words() * stepBytes(loc)))
			l.emit(Mul)
			l.emit(Add)
			return loc, nil
		}
		return 0, l.internal("index into non-sequence %s", base.Prim)
	}
	return 0, l.internal("expression %T is not addressable", e)
}

// --- checked arithmetic ---

// emitBinary consumes two words (left below right) and pushes the
// checked result. Operands are parked in the scratch words; nothing
// here evaluates subexpressions, so the scratch stays coherent.
func (l *lowerer) emitBinary(op ast.Op, prim types.Primitive) *diag.Diagnostic {
	ip, _ := prim.(*types.IntPrim)
	signed := ip != nil && ip.Signed
	bits := 256
	if ip != nil {
		bits = ip.Bits
	}

	lA := func() { l.emitMemLoad(scratchA) }
	lB := func() { l.emitMemLoad(scratchB) }
	l.emitMemStore(scratchB)
	l.emitMemStore(scratchA)

	switch op {
	case ast.OpAdd:
		lA()
		lB()
		l.emit(Add)
		switch {
		case !signed && bits == 256:
			l.emit(Dup, 1)
			lA()
			l.emit(Gt) // wrapped iff a > a+b
			l.emitJumpIf(labelPanic)
		case !signed:
			l.emitUnsignedMaxCheck(ip.Max())
		case bits < 256:
			l.emitSignedBoundCheck(ip)
		default:
			l.emitSignedOverflowCheck(lA, lB, false)
		}

	case ast.OpSub:
		if !signed {
			lA()
			lB()
			l.emit(Gt) // b > a underflows
			l.emitJumpIf(labelPanic)
			lB()
			lA()
			l.emit(Sub) // a - b
			break
		}
		lB()
		lA()
		l.emit(Sub)
		if bits < 256 {
			l.emitSignedBoundCheck(ip)
		} else {
			l.emitSignedOverflowCheck(lA, lB, true)
		}

	case ast.OpMul:
		if signed && bits == 256 {
			// a == -1 and b == min is the one case the quotient
			// probe misses
			lA()
			l.emitPushBig(toWord(big.NewInt(-1)))
			l.emit(Eq)
			lB()
			l.emitPushBig(toWord(minInt256()))
			l.emit(Eq)
			l.emit(And)
			l.emitJumpIf(labelPanic)
		}
		lA()
		lB()
		l.emit(Mul)
		// ok iff a == 0 or s/a == b
		l.emit(Dup, 1)
		lA()
		l.emit(Swap, 1)
		if signed {
			l.emit(SDiv)
		} else {
			l.emit(Div)
		}
		lB()
		l.emit(Eq)
		lA()
		l.emit(IsZero)
		l.emit(Or)
		l.emit(IsZero)
		l.emitJumpIf(labelPanic)
		if bits < 256 {
			if signed {
				l.emitSignedBoundCheck(ip)
			} else {
				l.emitUnsignedMaxCheck(ip.Max())
			}
		}

	case ast.OpDiv:
		lB()
		l.emit(IsZero)
		l.emitJumpIf(labelPanic)
		if signed && bits == 256 {
			l.emitMinDivCheck(lA, lB)
		}
		lB()
		lA()
		if signed {
			l.emit(SDiv)
		} else {
			l.emit(Div)
		}
		if signed && bits < 256 {
			l.emitSignedBoundCheck(ip) // min / -1
		}

	case ast.OpMod:
		lB()
		l.emit(IsZero)
		l.emitJumpIf(labelPanic)
		lB()
		lA()
		if signed {
			l.emit(SMod)
		} else {
			l.emit(Mod)
		}

	case ast.OpBitAnd, ast.OpBitOr, ast.OpBitXor:
		lA()
		lB()
		switch op {
		case ast.OpBitAnd:
			l.emit(And)
		case ast.OpBitOr:
			l.emit(Or)
		default:
			l.emit(Xor)
		}

	case ast.OpShl:
		lA()
		lB()
		l.emit(Shl)
		if bits < 256 {
			if signed {
				l.emitSignedBoundCheck(ip)
			} else {
				l.emitPushBig(ip.Max())
				l.emit(And)
			}
		}

	case ast.OpShr:
		lA()
		lB()
		if signed {
			l.emit(Sar)
		} else {
			l.emit(Shr)
		}

	default:
		return l.internal("unhandled binary operator %s", op)
	}
	return nil
}

func minInt256() *big.Int {
	return new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 255))
}

// emitMinDivCheck traps min / -1, whose true quotient does not fit.
func (l *lowerer) emitMinDivCheck(lA, lB func()) {
	lA()
	l.emitPushBig(toWord(minInt256()))
	l.emit(Eq)
	lB()
	l.emitPushBig(toWord(big.NewInt(-1)))
	l.emit(Eq)
	l.emit(And)
	l.emitJumpIf(labelPanic)
}

// emitUnsignedMaxCheck traps when the word on top exceeds max.
func (l *lowerer) emitUnsignedMaxCheck(max *big.Int) {
	l.emit(Dup, 1)
	l.emitPushBig(max)
	l.emit(Lt) // max < v
	l.emitJumpIf(labelPanic)
}

// emitSignedBoundCheck traps when the word on top leaves [min, max].
func (l *lowerer) emitSignedBoundCheck(ip *types.IntPrim) {
	l.emit(Dup, 1)
	l.emitPushBig(toWord(ip.Max()))
	l.emit(SLt) // max < v
	l.emitJumpIf(labelPanic)
	l.emit(Dup, 1)
	l.emitPushBig(toWord(ip.Min()))
	l.emit(SGt) // min > v
	l.emitJumpIf(labelPanic)
}

// emitSignedOverflowCheck validates full-width signed add/sub. The
// result word is on top; sub flips which operand sign implies which
// comparison.
func (l *lowerer) emitSignedOverflowCheck(lA, lB func(), isSub bool) {
	l.emit(Dup, 1)
	l.emitMemStore(scratchC) // park the result

	lB()
	l.emitPush(0)
	l.emit(SGt) // b < 0
	l.emit(Dup, 1)
	if !isSub {
		l.emit(IsZero) // add: positive b must not shrink the result
	}
	lA()
	l.emitMemLoad(scratchC)
	l.emit(SLt) // s < a
	l.emit(And)
	l.emit(Swap, 1)
	if isSub {
		l.emit(IsZero) // sub: positive b must not grow the result
	}
	lA()
	l.emitMemLoad(scratchC)
	l.emit(SGt) // s > a
	l.emit(And)
	l.emit(Or)
	l.emitJumpIf(labelPanic)
}

func (l *lowerer) emitCompare(op ast.Op, prim types.Primitive) {
	ip, _ := prim.(*types.IntPrim)
	signed := ip != nil && ip.Signed
	lt, gt := Lt, Gt
	if signed {
		lt, gt = SLt, SGt
	}
	// operands sit left below right; the machine pops right first
	switch op {
	case ast.OpEq:
		l.emit(Eq)
	case ast.OpNe:
		l.emit(Eq)
		l.emit(IsZero)
	case ast.OpLt:
		l.emit(gt) // right > left
	case ast.OpGt:
		l.emit(lt) // right < left
	case ast.OpLe:
		l.emit(lt)
		l.emit(IsZero)
	case ast.OpGe:
		l.emit(gt)
		l.emit(IsZero)
	}
}
