package ir

import (
	"math/big"

	"github.com/tos-network/calla/abi"
	"github.com/tos-network/calla/ast"
	"github.com/tos-network/calla/diag"
	"github.com/tos-network/calla/types"
)

func (l *lowerer) lowerCall(e *ast.CallExpr, want bool, env map[string]int) *diag.Diagnostic {
	switch fn := e.Func.(type) {
	case *ast.NameExpr:
		if _, ok := l.res.Structs[fn.Name]; ok {
			return &diag.Diagnostic{
				Code:    diag.CodeLowerUnsupported,
				Phase:   diag.PhaseLower,
				Message: "struct constructors must initialize a variable or assignment target",
				Span:    e.Span(),
			}
		}
		return l.lowerBuiltin(fn.Name, e, want, env)

	case *ast.AttributeExpr:
		if ast.IsSelf(fn.Value) {
			return l.lowerInternalCall(fn.Attr, e, want, env)
		}
		if cast, ok := fn.Value.(*ast.InterfaceCastExpr); ok {
			return l.lowerExternalCall(cast, fn.Attr, e, want, env)
		}
	}
	return l.internal("call through %T survived analysis", e.Func)
}

func (l *lowerer) lowerBuiltin(name string, e *ast.CallExpr, want bool, env map[string]int) *diag.Diagnostic {
	switch name {
	case "len":
		if v, ok := l.res.ConstValue(e); ok {
			if want {
				l.emitPushBig(v)
			}
			return nil
		}
		return l.internal("len() was not folded")

	case "convert":
		if derr := l.evalWord(e.Args[0], env); derr != nil {
			return derr
		}
		from := l.defOf(e.Args[0]).Prim
		to := l.defOf(e).Prim
		if derr := l.emitConvert(from, to); derr != nil {
			return derr
		}
		if !want {
			l.emit(Pop)
		}
		return nil

	case "min", "max":
		if derr := l.evalWord(e.Args[0], env); derr != nil {
			return derr
		}
		if derr := l.evalWord(e.Args[1], env); derr != nil {
			return derr
		}
		l.emitSelect(name == "min", l.defOf(e).Prim)
		if !want {
			l.emit(Pop)
		}
		return nil
	}
	return l.internal("unknown builtin %q", name)
}

// emitSelect keeps one of the two words on the stack, by order.
func (l *lowerer) emitSelect(min bool, prim types.Primitive) {
	ip, _ := prim.(*types.IntPrim)
	signed := ip != nil && ip.Signed
	cmp := Gt // right > left keeps left for min
	if !min {
		cmp = Lt
	}
	if signed {
		if cmp == Gt {
			cmp = SGt
		} else {
			cmp = SLt
		}
	}
	keepLeft := l.newLabel("sel_left")
	end := l.newLabel("sel_end")
	l.emit(Dup, 2)
	l.emit(Dup, 2)
	l.emit(cmp)
	l.emitJumpIf(keepLeft)
	l.emit(Swap, 1)
	l.emit(Pop)
	l.emitJump(end)
	l.emitLabel(keepLeft)
	l.emit(Pop)
	l.emitLabel(end)
}

func (l *lowerer) emitConvert(from, to types.Primitive) *diag.Diagnostic {
	switch to := to.(type) {
	case *types.IntPrim:
		switch from := from.(type) {
		case *types.IntPrim:
			switch {
			case from.Signed == to.Signed:
				if to.Bits < from.Bits {
					if to.Signed {
						l.emitSignedBoundCheck(to)
					} else {
						l.emitUnsignedMaxCheck(to.Max())
					}
				}
			case !from.Signed: // unsigned to signed
				l.emitUnsignedMaxCheck(to.Max())
			default: // signed to unsigned
				l.emit(Dup, 1)
				l.emitPush(0)
				l.emit(SGt) // 0 > v
				l.emitJumpIf(labelPanic)
				l.emitUnsignedMaxCheck(to.Max())
			}
			return nil
		case types.AddressPrim, *types.BytesPrim, *types.EnumPrim, types.BoolPrim:
			return nil // shared word encoding
		}

	case types.AddressPrim:
		max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 160), big.NewInt(1))
		l.emitUnsignedMaxCheck(max)
		return nil

	case *types.BytesPrim:
		return nil // uintN shares the bytesN word encoding
	}
	return l.internal("conversion %s to %s survived analysis", from, to)
}

func (l *lowerer) lowerInternalCall(name string, e *ast.CallExpr, want bool, env map[string]int) *diag.Diagnostic {
	f := l.res.FunctionNamed(name)
	calleeFr := l.frames[name]
	if f == nil || calleeFr == nil {
		return l.internal("internal call to unknown function %q", name)
	}
	for i, arg := range e.Args {
		prim := f.Prim.Params[i]
		if prim.Words() == 1 {
			if derr := l.evalWord(arg, env); derr != nil {
				return derr
			}
			l.emitMemStore(calleeFr.params[i])
			continue
		}
		if derr := l.lowerAggregateInit(arg, calleeFr.params[i], prim, env); derr != nil {
			return derr
		}
	}
	ret := l.newLabel("ret")
	l.emitPushLabel(ret)
	l.emitJump(entryLabel(name))
	l.emitLabel(ret)
	if want {
		if len(f.Prim.Returns) != 1 || f.Prim.Returns[0].Words() != 1 {
			return l.internal("value use of %q needs one word", name)
		}
		l.emitMemLoad(calleeFr.returns[0])
	}
	return nil
}

// lowerExternalCall marshals a call through an interface: the selector
// and word-encoded arguments go to the encode region, the machine call
// runs, and the single return word (if any) is read back from scratch.
func (l *lowerer) lowerExternalCall(cast *ast.InterfaceCastExpr, method string, e *ast.CallExpr, want bool, env map[string]int) *diag.Diagnostic {
	iface := l.res.Interfaces[cast.Iface]
	if iface == nil {
		return l.internal("call through unknown interface %q", cast.Iface)
	}
	m := iface.Func(method)
	if m == nil {
		return l.internal("interface %q has no method %q", cast.Iface, method)
	}

	// Evaluate everything before touching the encode region; a nested
	// call inside an argument would otherwise overwrite it.
	if derr := l.evalWord(cast.Addr, env); derr != nil {
		return derr
	}
	for i, arg := range e.Args {
		if derr := l.evalArgWords(arg, m.Params[i], env); derr != nil {
			return derr
		}
	}
	// The selector word goes down first; the argument stores then
	// overwrite its zero tail.
	selWord := new(big.Int).Lsh(new(big.Int).SetBytes(m.Selector[:]), 224)
	l.emitPushBig(selWord)
	l.emitMemStore(l.encodeBase)
	offs := abi.HeadLayout(m.Params)
	for i := len(e.Args) - 1; i >= 0; i-- {
		base := l.encodeBase + abi.SelectorSize + offs[i]
		for w := m.Params[i].Words() - 1; w >= 0; w-- {
			l.emitMemStore(base + w*abi.WordSize)
		}
	}

	static := m.Mutability <= ast.View
	retWords := len(m.Returns)
	argsSize := abi.SelectorSize + abi.EncodedSize(m.Params)

	l.emitPush(int64(retWords * abi.WordSize))
	l.emitPush(scratchA)
	l.emitPush(int64(argsSize))
	l.emitPush(int64(l.encodeBase))
	addrDepth := int64(5)
	if !static {
		l.emitPush(0) // no value transfer syntax; always zero
		addrDepth = 6
	}
	l.emit(Dup, addrDepth)
	l.emit(Gas)
	if static {
		l.emit(StaticCall)
	} else {
		l.emit(Call)
	}
	l.emit(Swap, 1)
	l.emit(Pop) // the parked address

	if e.Tolerant {
		// the success flag is the value; callee returns are dropped
		if !want {
			l.emit(Pop)
		}
		return nil
	}
	l.emit(IsZero)
	l.emitJumpIf(labelPanic)
	if want {
		l.emitMemLoad(scratchA)
	}
	return nil
}

// evalArgWords pushes every word of a call argument, first word deepest.
func (l *lowerer) evalArgWords(arg ast.Expr, prim types.Primitive, env map[string]int) *diag.Diagnostic {
	if prim.Words() == 1 {
		return l.evalWord(arg, env)
	}
	if ctor, sp, ok := l.structCtor(arg); ok {
		for i, f := range sp.Fields {
			if f.Type.Words() != 1 {
				return &diag.Diagnostic{
					Code:    diag.CodeLowerUnsupported,
					Phase:   diag.PhaseLower,
					Message: "nested aggregate struct fields are not supported in constructors",
					Span:    ctor.Span(),
				}
			}
			if derr := l.evalWord(ctor.Args[i], env); derr != nil {
				return derr
			}
		}
		return nil
	}
	if call, ok := arg.(*ast.CallExpr); ok {
		attr, selfCall := call.Func.(*ast.AttributeExpr)
		if !selfCall || !ast.IsSelf(attr.Value) {
			return &diag.Diagnostic{
				Code:    diag.CodeLowerUnsupported,
				Phase:   diag.PhaseLower,
				Message: "aggregate argument must be an internal call, a constructor or a reference",
				Span:    arg.Span(),
			}
		}
		if derr := l.lowerCall(call, false, env); derr != nil {
			return derr
		}
		base := l.frames[attr.Attr].returns[0]
		for w := 0; w < prim.Words(); w++ {
			l.emitMemLoad(base + w*abi.WordSize)
		}
		return nil
	}
	loc, derr := l.evalRef(arg, env)
	if derr != nil {
		return derr
	}
	l.emitMemStore(scratchC)
	for w := 0; w < prim.Words(); w++ {
		l.emitMemLoad(scratchC)
		l.emitPush(int64(w * stepBytes(loc)))
		l.emit(Add)
		l.emitLoad(loc)
	}
	return nil
}
