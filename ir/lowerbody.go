package ir

import (
	"math/big"

	"github.com/tos-network/calla/abi"
	"github.com/tos-network/calla/ast"
	"github.com/tos-network/calla/diag"
	"github.com/tos-network/calla/types"
)

// word256 is the two's-complement modulus.
var word256 = new(big.Int).Lsh(big.NewInt(1), 256)

// toWord maps a folded value onto its 256-bit word encoding; negatives
// become two's complement.
func toWord(v *big.Int) *big.Int {
	if v.Sign() >= 0 {
		return v
	}
	return new(big.Int).Add(word256, v)
}

func stepBytes(loc types.Location) int {
	if loc == types.LocStorage {
		return 1 // storage addresses count slots, not bytes
	}
	return abi.WordSize
}

func (l *lowerer) defOf(e ast.Expr) *types.Definition { return l.res.TypeOf(e) }

// --- statements ---

func (l *lowerer) lowerStmts(stmts []ast.Stmt, env map[string]int) *diag.Diagnostic {
	for _, s := range stmts {
		if derr := l.lowerStmt(s, env); derr != nil {
			return derr
		}
	}
	return nil
}

func (l *lowerer) lowerStmt(s ast.Stmt, env map[string]int) *diag.Diagnostic {
	l.curSpan = s.Span()
	switch s := s.(type) {
	case *ast.VarDeclStmt:
		off := l.fr.slots[s]
		env[s.Name] = off
		if s.Value == nil {
			return nil // slot is zero-initialized memory
		}
		def := l.res.Locals[s]
		if def.Prim.Words() == 1 {
			if derr := l.evalWord(s.Value, env); derr != nil {
				return derr
			}
			l.emitMemStore(off)
			return nil
		}
		return l.lowerAggregateInit(s.Value, off, def.Prim, env)

	case *ast.AssignStmt:
		return l.lowerAssign(s.Target, s.Value, env)

	case *ast.AugAssignStmt:
		return l.lowerAugAssign(s, env)

	case *ast.IfStmt:
		return l.lowerIf(s, env)

	case *ast.ForStmt:
		return l.lowerFor(s, env)

	case *ast.BreakStmt:
		l.emitJump(l.loops[len(l.loops)-1].brk)
		return nil

	case *ast.ContinueStmt:
		l.emitJump(l.loops[len(l.loops)-1].cont)
		return nil

	case *ast.PassStmt:
		return nil

	case *ast.ReturnStmt:
		return l.lowerReturn(s, env)

	case *ast.AssertStmt:
		if derr := l.evalWord(s.Cond, env); derr != nil {
			return derr
		}
		if s.Reason == nil {
			l.emit(IsZero)
			l.emitJumpIf(labelPanic)
			return nil
		}
		ok := l.newLabel("assert_ok")
		l.emitJumpIf(ok)
		if derr := l.emitRevertReason(s.Reason, env); derr != nil {
			return derr
		}
		l.emitLabel(ok)
		return nil

	case *ast.RaiseStmt:
		if s.Reason == nil {
			l.emitJump(labelPanic)
			return nil
		}
		return l.emitRevertReason(s.Reason, env)

	case *ast.EmitStmt:
		return l.lowerEmit(s, env)

	case *ast.ExprStmt:
		if call, ok := s.X.(*ast.CallExpr); ok {
			return l.lowerCall(call, false, env)
		}
		if derr := l.evalWord(s.X, env); derr != nil {
			return derr
		}
		l.emit(Pop)
		return nil
	}
	return l.internal("unhandled statement %T", s)
}

// emitRevertReason reverts with the reason word as the payload.
func (l *lowerer) emitRevertReason(reason ast.Expr, env map[string]int) *diag.Diagnostic {
	if derr := l.evalWord(reason, env); derr != nil {
		return derr
	}
	l.emitMemStore(scratchA)
	l.emitPush(int64(abi.WordSize))
	l.emitPush(scratchA)
	l.emit(Revert)
	return nil
}

func (l *lowerer) lowerAssign(target, value ast.Expr, env map[string]int) *diag.Diagnostic {
	tdef := l.defOf(target)
	if tdef == nil {
		return l.internal("assignment target carries no annotation")
	}
	if tdef.Prim.Words() == 1 {
		if derr := l.evalWord(value, env); derr != nil {
			return derr
		}
		return l.storeInto(target, tdef, env)
	}

	if ctor, sp, ok := l.structCtor(value); ok {
		loc, derr := l.evalRef(target, env)
		if derr != nil {
			return derr
		}
		return l.lowerStructCtorInto(ctor, sp, loc, env)
	}
	srcLoc, derr := l.evalRef(value, env)
	if derr != nil {
		return derr
	}
	dstLoc, derr := l.evalRef(target, env)
	if derr != nil {
		return derr
	}
	l.emitCopy(dstLoc, srcLoc, tdef.Prim.Words())
	return nil
}

// lowerAugAssign resolves the target reference once: the address feeds
// both the load of the old value and the store of the result, so an
// effectful index expression runs a single time.
func (l *lowerer) lowerAugAssign(s *ast.AugAssignStmt, env map[string]int) *diag.Diagnostic {
	tdef := l.defOf(s.Target)
	loc, derr := l.evalRef(s.Target, env)
	if derr != nil {
		return derr
	}
	l.emit(Dup, 1)
	l.emitLoad(loc)
	if derr := l.evalWord(s.Value, env); derr != nil {
		return derr
	}
	if derr := l.emitBinary(s.Op, tdef.Prim); derr != nil {
		return derr
	}
	l.emit(Swap, 1)
	l.emitStore(loc)
	return nil
}

// storeInto stores the word on top of the stack into the target lvalue.
func (l *lowerer) storeInto(target ast.Expr, tdef *types.Definition, env map[string]int) *diag.Diagnostic {
	switch t := target.(type) {
	case *ast.NameExpr:
		off, ok := env[t.Name]
		if !ok {
			return l.internal("local %q has no frame slot", t.Name)
		}
		l.emitMemStore(off)
		return nil
	case *ast.AttributeExpr:
		if ast.IsSelf(t.Value) {
			switch tdef.Loc {
			case types.LocStorage:
				l.emitPush(int64(tdef.Slot))
				l.emit(SStore)
				return nil
			case types.LocCode:
				l.emitImmutableAddr(tdef.DataOffset)
				l.emit(MStore)
				return nil
			}
		}
	}
	loc, derr := l.evalRef(target, env)
	if derr != nil {
		return derr
	}
	if loc == types.LocStorage {
		l.emit(SStore)
	} else {
		l.emit(MStore)
	}
	return nil
}

// emitImmutableAddr pushes the memory address of an immutable's word in
// the deploy image. Only valid while lowering the deploy stream.
func (l *lowerer) emitImmutableAddr(dataOff int) {
	l.emitPushLabel(labelRuntime)
	l.emitPush(int64(l.imgBase + dataOff*abi.WordSize))
	l.emitPushLabel(labelData)
	l.emit(Add)
	l.emit(Sub) // imgBase + off + (__data - __runtime)
}

func (l *lowerer) lowerIf(s *ast.IfStmt, env map[string]int) *diag.Diagnostic {
	if derr := l.evalWord(s.Cond, env); derr != nil {
		return derr
	}
	elseL := l.newLabel("else")
	endL := l.newLabel("endif")
	l.emit(IsZero)
	l.emitJumpIf(elseL)
	if derr := l.lowerStmts(s.Then, scopedEnv(env)); derr != nil {
		return derr
	}
	l.emitJump(endL)
	l.emitLabel(elseL)
	if derr := l.lowerStmts(s.Else, scopedEnv(env)); derr != nil {
		return derr
	}
	l.emitLabel(endL)
	return nil
}

func scopedEnv(env map[string]int) map[string]int {
	inner := make(map[string]int, len(env))
	for k, v := range env {
		inner[k] = v
	}
	return inner
}

func (l *lowerer) lowerFor(s *ast.ForStmt, env map[string]int) *diag.Diagnostic {
	def := l.res.Locals[s]
	varSlot := l.fr.slots[s]
	hidden := varSlot + def.Prim.Words()*abi.WordSize

	inner := scopedEnv(env)
	inner[s.Var] = varSlot

	condL := l.newLabel("for_cond")
	contL := l.newLabel("for_cont")
	endL := l.newLabel("for_end")
	l.loops = append(l.loops, loopLabels{brk: endL, cont: contL})
	defer func() { l.loops = l.loops[:len(l.loops)-1] }()

	if s.Range != nil {
		return l.lowerRangeLoop(s, def, varSlot, hidden, inner, condL, contL, endL)
	}
	return l.lowerIterLoop(s, def, varSlot, hidden, inner, condL, contL, endL)
}

func (l *lowerer) lowerRangeLoop(s *ast.ForStmt, def *types.Definition, varSlot, hidden int, env map[string]int, condL, contL, endL string) *diag.Diagnostic {
	ip, _ := def.Prim.(*types.IntPrim)
	signed := ip != nil && ip.Signed

	// counter := start
	if s.Range.Start != nil {
		if derr := l.evalWord(s.Range.Start, env); derr != nil {
			return derr
		}
	} else {
		l.emitPush(0)
	}
	l.emitMemStore(varSlot)

	// limit := stop
	if derr := l.evalWord(s.Range.Stop, env); derr != nil {
		return derr
	}
	l.emitMemStore(hidden)

	// A runtime span must honor its declared bound.
	if s.Range.Bound != nil {
		if !l.isConst(s.Range.Stop) || (s.Range.Start != nil && !l.isConst(s.Range.Start)) {
			empty := l.newLabel("for_empty")
			l.emitMemLoad(varSlot)
			l.emitMemLoad(hidden)
			l.emit(Dup, 2)
			l.emit(Dup, 2)
			if signed {
				l.emit(SLt)
			} else {
				l.emit(Lt)
			}
			l.emitJumpIf(empty) // stop < start: loop is empty, skip the check
			l.emit(Sub)         // stop - start
			bound, _ := l.res.ConstValue(s.Range.Bound)
			l.emitPushBig(toWord(bound))
			l.emit(Lt) // bound < span
			l.emitJumpIf(labelPanic)
			l.emitJump(condL)
			l.emitLabel(empty)
			l.emit(Pop)
			l.emit(Pop)
			l.emitJump(endL)
		}
	}

	l.emitLabel(condL)
	l.emitMemLoad(varSlot)
	l.emitMemLoad(hidden)
	if signed {
		l.emit(SGt) // limit > counter
	} else {
		l.emit(Gt)
	}
	l.emit(IsZero)
	l.emitJumpIf(endL)

	if derr := l.lowerStmts(s.Body, env); derr != nil {
		return derr
	}

	l.emitLabel(contL)
	l.emitMemLoad(varSlot)
	l.emitPush(1)
	l.emit(Add) // bounded by the limit; cannot wrap
	l.emitMemStore(varSlot)
	l.emitJump(condL)
	l.emitLabel(endL)
	return nil
}

func (l *lowerer) isConst(e ast.Expr) bool {
	_, ok := l.res.ConstValue(e)
	return ok
}

func (l *lowerer) lowerIterLoop(s *ast.ForStmt, def *types.Definition, varSlot, hidden int, env map[string]int, condL, contL, endL string) *diag.Diagnostic {
	arr, ok := l.defOf(s.Iter).Prim.(*types.ArrayPrim)
	if !ok {
		return l.internal("iteration domain is not a sequence")
	}
	elemWords := arr.Elem.Words()

	l.emitPush(0)
	l.emitMemStore(hidden)

	l.emitLabel(condL)
	l.emitMemLoad(hidden)
	l.emitPush(int64(arr.Len))
	l.emit(Gt) // len > idx
	l.emit(IsZero)
	l.emitJumpIf(endL)

	// copy the current element into the loop variable
	loc, derr := l.evalRef(s.Iter, env)
	if derr != nil {
		return derr
	}
	l.emitMemLoad(hidden)
	l.emitPush(int64(elemWords * stepBytes(loc)))
	l.emit(Mul)
	l.emit(Add)
	if elemWords == 1 {
		l.emitLoad(loc)
		l.emitMemStore(varSlot)
	} else {
		l.emitMemStore(scratchC) // element base
		for w := 0; w < elemWords; w++ {
			l.emitMemLoad(scratchC)
			l.emitPush(int64(w * stepBytes(loc)))
			l.emit(Add)
			l.emitLoad(loc)
			l.emitMemStore(varSlot + w*abi.WordSize)
		}
	}

	if derr := l.lowerStmts(s.Body, env); derr != nil {
		return derr
	}

	l.emitLabel(contL)
	l.emitMemLoad(hidden)
	l.emitPush(1)
	l.emit(Add)
	l.emitMemStore(hidden)
	l.emitJump(condL)
	l.emitLabel(endL)
	return nil
}

func (l *lowerer) lowerReturn(s *ast.ReturnStmt, env map[string]int) *diag.Diagnostic {
	f := l.fn
	switch {
	case s.Value == nil:
		// nothing to place

	case len(f.Prim.Returns) > 1:
		if tuple, ok := s.Value.(*ast.TupleExpr); ok {
			for i, el := range tuple.Elems {
				if derr := l.lowerReturnValue(el, i, env); derr != nil {
					return derr
				}
			}
			break
		}
		// a single internal call producing the whole tuple
		call, ok := s.Value.(*ast.CallExpr)
		if !ok {
			return l.internal("tuple return from a non-call expression")
		}
		attr, ok := call.Func.(*ast.AttributeExpr)
		if !ok || !ast.IsSelf(attr.Value) {
			return l.internal("tuple return from a non-internal call")
		}
		if derr := l.lowerCall(call, false, env); derr != nil {
			return derr
		}
		calleeFr := l.frames[attr.Attr]
		for i := range f.Prim.Returns {
			words := f.Prim.Returns[i].Words()
			for w := 0; w < words; w++ {
				l.emitMemLoad(calleeFr.returns[i] + w*abi.WordSize)
				l.emitMemStore(l.fr.returns[i] + w*abi.WordSize)
			}
		}

	default:
		if derr := l.lowerReturnValue(s.Value, 0, env); derr != nil {
			return derr
		}
	}
	l.emitExit(f)
	return nil
}

func (l *lowerer) lowerReturnValue(e ast.Expr, idx int, env map[string]int) *diag.Diagnostic {
	prim := l.fn.Prim.Returns[idx]
	slot := l.fr.returns[idx]
	if prim.Words() == 1 {
		if derr := l.evalWord(e, env); derr != nil {
			return derr
		}
		l.emitMemStore(slot)
		return nil
	}
	return l.lowerAggregateInit(e, slot, prim, env)
}

// lowerAggregateInit fills the words at a fixed memory base from an
// aggregate-typed expression.
func (l *lowerer) lowerAggregateInit(e ast.Expr, base int, prim types.Primitive, env map[string]int) *diag.Diagnostic {
	if ctor, sp, ok := l.structCtor(e); ok {
		l.emitPush(int64(base))
		return l.lowerStructCtorInto(ctor, sp, types.LocMemory, env)
	}
	srcLoc, derr := l.evalRef(e, env)
	if derr != nil {
		return derr
	}
	l.emitPush(int64(base))
	l.emitCopy(types.LocMemory, srcLoc, prim.Words())
	return nil
}

// structCtor recognizes a struct constructor call.
func (l *lowerer) structCtor(e ast.Expr) (*ast.CallExpr, *types.StructPrim, bool) {
	call, ok := e.(*ast.CallExpr)
	if !ok {
		return nil, nil, false
	}
	name, ok := call.Func.(*ast.NameExpr)
	if !ok {
		return nil, nil, false
	}
	sp, ok := l.res.Structs[name.Name]
	return call, sp, ok
}

// lowerStructCtorInto fills a struct region from a constructor call.
// Expects the destination base on top of the stack; consumes it.
func (l *lowerer) lowerStructCtorInto(call *ast.CallExpr, sp *types.StructPrim, loc types.Location, env map[string]int) *diag.Diagnostic {
	l.emitMemStore(cellDst)
	for i, f := range sp.Fields {
		if f.Type.Words() != 1 {
			return &diag.Diagnostic{
				Code:    diag.CodeLowerUnsupported,
				Phase:   diag.PhaseLower,
				Message: "nested aggregate struct fields are not supported in constructors",
				Span:    call.Span(),
			}
		}
		off := sp.FieldOffset(i)
		if derr := l.evalWord(call.Args[i], env); derr != nil {
			return derr
		}
		l.emitMemLoad(cellDst)
		l.emitPush(int64(off * stepBytes(loc)))
		l.emit(Add)
		l.emitStore(loc)
	}
	return nil
}

func (l *lowerer) lowerEmit(s *ast.EmitStmt, env map[string]int) *diag.Diagnostic {
	ev := l.res.Events[s.Event]
	topic0 := abi.EventTopic(ev.Name, ev.Fields)

	// data section: non-indexed fields in declaration order
	dataWords := 0
	for i, f := range ev.Fields {
		if f.Indexed {
			continue
		}
		if f.Type.Words() != 1 {
			return l.internal("event field %q is not a single word", f.Name)
		}
		if derr := l.evalWord(s.Args[i], env); derr != nil {
			return derr
		}
		l.emitMemStore(l.encodeBase + dataWords*abi.WordSize)
		dataWords++
	}

	// topics pushed deepest-first so topic0 pops first
	indexed := make([]int, 0, 3)
	for i, f := range ev.Fields {
		if f.Indexed {
			indexed = append(indexed, i)
		}
	}
	for j := len(indexed) - 1; j >= 0; j-- {
		if derr := l.evalWord(s.Args[indexed[j]], env); derr != nil {
			return derr
		}
	}
	l.emitPushBig(new(big.Int).SetBytes(topic0[:]))

	l.emitPush(int64(dataWords * abi.WordSize))
	l.emitPush(int64(l.encodeBase))
	l.emit(Log, int64(1+len(indexed)))
	return nil
}

// emitCopy copies words between two operand spaces. Expects the stack to
// hold the source base then the destination base on top; both are
// consumed.
func (l *lowerer) emitCopy(dst, src types.Location, words int) {
	l.emitMemStore(scratchB) // dst base
	l.emitMemStore(scratchC) // src base
	for w := 0; w < words; w++ {
		l.emitMemLoad(scratchC)
		l.emitPush(int64(w * stepBytes(src)))
		l.emit(Add)
		l.emitLoad(src)
		l.emitMemLoad(scratchB)
		l.emitPush(int64(w * stepBytes(dst)))
		l.emit(Add)
		l.emitStore(dst)
	}
}

func (l *lowerer) emitLoad(loc types.Location) {
	if loc == types.LocStorage {
		l.emit(SLoad)
	} else {
		l.emit(MLoad)
	}
}

func (l *lowerer) emitStore(loc types.Location) {
	if loc == types.LocStorage {
		l.emit(SStore)
	} else {
		l.emit(MStore)
	}
}
