package sema

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/tos-network/calla/ast"
	"github.com/tos-network/calla/diag"
	"github.com/tos-network/calla/types"
)

// localPass walks one function body. It aborts on the first error; the
// scratch annotations are committed only on success, so a failed function
// retains no partial annotation.
func (a *analyzer) localPass(fd *ast.FunctionDecl) *diag.Diagnostic {
	f := a.funcs[fd.Name]
	a.fn = f
	a.loopDepth = 0
	a.iterating = nil
	a.scratch = make(map[ast.Expr]*types.Definition)
	a.folded = make(map[ast.Expr]*big.Int)
	a.assignedImm = make(map[string]bool)
	a.locals = make(map[ast.Stmt]*types.Definition)
	defer func() { a.fn = nil }()

	release := a.ns.Enter()
	defer release()

	for i := range fd.Params {
		p := &fd.Params[i]
		loc := types.LocMemory
		if fd.Visibility == ast.VisExternal {
			loc = types.LocCalldata
		}
		def := &types.Definition{
			Prim: f.Prim.Params[i],
			Name: p.Name,
			Loc:  loc,
		}
		if derr := a.ns.Define(p.Name, def, p.Span()); derr != nil {
			return derr
		}
	}

	if derr := a.checkStmts(fd.Body); derr != nil {
		return derr
	}
	if len(fd.Returns) > 0 && !allPathsReturn(fd.Body) {
		return &diag.Diagnostic{
			Code:    diag.CodeInvalidOperation,
			Phase:   diag.PhaseSema,
			Message: fmt.Sprintf("function %q does not return on every path", fd.Name),
			Span:    fd.Span(),
		}
	}
	if fd.Visibility == ast.VisDeploy {
		for _, imm := range a.res.Immutables {
			if !a.assignedImm[imm.Name] {
				return &diag.Diagnostic{
					Code:    diag.CodeInvalidOperation,
					Phase:   diag.PhaseSema,
					Message: fmt.Sprintf("immutable %q is never assigned by the deploy function", imm.Name),
					Span:    fd.Span(),
				}
			}
		}
	}

	for k, v := range a.scratch {
		a.res.ExprTypes[k] = v
	}
	for k, v := range a.folded {
		a.res.Folded[k] = v
	}
	for k, v := range a.locals {
		a.res.Locals[k] = v
	}
	return nil
}

func (a *analyzer) checkStmts(stmts []ast.Stmt) *diag.Diagnostic {
	for _, s := range stmts {
		if derr := a.checkStmt(s); derr != nil {
			return derr
		}
	}
	return nil
}

func (a *analyzer) checkStmt(s ast.Stmt) *diag.Diagnostic {
	switch s := s.(type) {
	case *ast.VarDeclStmt:
		return a.checkVarDecl(s)
	case *ast.AssignStmt:
		return a.checkAssign(s.Target, s.Value, s.Span())
	case *ast.AugAssignStmt:
		return a.checkAugAssign(s)
	case *ast.IfStmt:
		return a.checkIf(s)
	case *ast.ForStmt:
		return a.checkFor(s)
	case *ast.BreakStmt, *ast.ContinueStmt:
		if a.loopDepth == 0 {
			return &diag.Diagnostic{
				Code:    diag.CodeInvalidOperation,
				Phase:   diag.PhaseSema,
				Message: "break/continue outside of a loop",
				Span:    s.Span(),
			}
		}
		return nil
	case *ast.PassStmt:
		return nil
	case *ast.ReturnStmt:
		return a.checkReturn(s)
	case *ast.AssertStmt:
		if derr := a.checkCond(s.Cond); derr != nil {
			return derr
		}
		return a.checkReason(s.Reason)
	case *ast.RaiseStmt:
		return a.checkReason(s.Reason)
	case *ast.EmitStmt:
		return a.checkEmit(s)
	case *ast.ExprStmt:
		_, derr := a.checkExpr(s.X, nil)
		return derr
	}
	ice := diag.Internal(diag.PhaseSema, "unhandled statement node %T", s)
	return &ice
}

func (a *analyzer) checkVarDecl(s *ast.VarDeclStmt) *diag.Diagnostic {
	var prim types.Primitive
	if s.Type != nil {
		p, derr := a.tc.FromAnnotation(s.Type, a.foldToInt)
		if derr != nil {
			return derr
		}
		if _, isMap := p.(*types.MapPrim); isMap {
			return &diag.Diagnostic{
				Code:    diag.CodeInvalidType,
				Phase:   diag.PhaseSema,
				Message: "mappings cannot be declared locally",
				Span:    s.Span(),
			}
		}
		prim = p
	}
	if s.Value == nil {
		if prim == nil {
			return &diag.Diagnostic{
				Code:    diag.CodeInvalidType,
				Phase:   diag.PhaseSema,
				Message: fmt.Sprintf("local %q needs a type or an initializer", s.Name),
				Span:    s.Span(),
			}
		}
	} else {
		def, derr := a.checkExpr(s.Value, prim)
		if derr != nil {
			return derr
		}
		if prim == nil {
			prim = def.Prim
		} else if _, ok := types.Unify(prim, def.Prim); !ok {
			return &diag.Diagnostic{
				Code:    diag.CodeTypeMismatch,
				Phase:   diag.PhaseSema,
				Message: fmt.Sprintf("cannot initialize %s local %q from %s", prim, s.Name, def.Prim),
				Span:    s.Span(),
			}
		}
	}
	def := &types.Definition{
		Prim:    prim,
		Name:    s.Name,
		Mutable: true,
		Loc:     types.LocMemory,
	}
	a.locals[s] = def
	return a.ns.Define(s.Name, def, s.Span())
}

// checkLValue resolves an assignment target. The returned definition
// describes the stored element; path is the canonical access path used by
// the iteration guard.
func (a *analyzer) checkLValue(e ast.Expr) (*types.Definition, []string, *diag.Diagnostic) {
	def, derr := a.checkExpr(e, nil)
	if derr != nil {
		return nil, nil, derr
	}
	path, ok := accessPath(e)
	if !ok {
		return nil, nil, &diag.Diagnostic{
			Code:    diag.CodeInvalidOperation,
			Phase:   diag.PhaseSema,
			Message: "expression is not assignable",
			Span:    e.Span(),
		}
	}
	return def, path, nil
}

func (a *analyzer) checkAssign(target, value ast.Expr, span diag.Span) *diag.Diagnostic {
	tdef, path, derr := a.checkAssignTarget(target)
	if derr != nil {
		return derr
	}
	vdef, derr := a.checkExpr(value, tdef.Prim)
	if derr != nil {
		return derr
	}
	if _, ok := types.Unify(tdef.Prim, vdef.Prim); !ok {
		return &diag.Diagnostic{
			Code:    diag.CodeTypeMismatch,
			Phase:   diag.PhaseSema,
			Message: fmt.Sprintf("cannot assign %s to %s target", vdef.Prim, tdef.Prim),
			Span:    span,
		}
	}
	return a.checkAssignEffects(target, tdef, path, span)
}

func (a *analyzer) checkAugAssign(s *ast.AugAssignStmt) *diag.Diagnostic {
	tdef, path, derr := a.checkAssignTarget(s.Target)
	if derr != nil {
		return derr
	}
	vdef, derr := a.checkExpr(s.Value, tdef.Prim)
	if derr != nil {
		return derr
	}
	if _, ok := types.Unify(tdef.Prim, vdef.Prim); !ok {
		return &diag.Diagnostic{
			Code:    diag.CodeTypeMismatch,
			Phase:   diag.PhaseSema,
			Message: fmt.Sprintf("cannot apply %s= with %s to %s target", s.Op, vdef.Prim, tdef.Prim),
			Span:    s.Span(),
		}
	}
	if !types.ValidateNumericOp(s.Op, tdef.Prim) {
		return &diag.Diagnostic{
			Code:    diag.CodeInvalidOperation,
			Phase:   diag.PhaseSema,
			Message: fmt.Sprintf("operator %s= is not defined on %s", s.Op, tdef.Prim),
			Span:    s.Span(),
		}
	}
	return a.checkAssignEffects(s.Target, tdef, path, s.Span())
}

// checkAssignTarget resolves the lvalue. Inside the deploy function an
// unassigned immutable is a permitted target, bypassing the usual
// immutability verdict exactly once.
func (a *analyzer) checkAssignTarget(target ast.Expr) (*types.Definition, []string, *diag.Diagnostic) {
	if attr, ok := target.(*ast.AttributeExpr); ok && ast.IsSelf(attr.Value) && a.fn.Decl.Visibility == ast.VisDeploy {
		if def, found := a.ns.Resolve(attr.Attr); found && def.Loc == types.LocCode {
			if a.assignedImm[attr.Attr] {
				return nil, nil, &diag.Diagnostic{
					Code:    diag.CodeImmutableViolation,
					Phase:   diag.PhaseSema,
					Message: fmt.Sprintf("immutable %q is assigned more than once", attr.Attr),
					Span:    target.Span(),
				}
			}
			a.assignedImm[attr.Attr] = true
			a.setType(target, def)
			return def, []string{reservedSelf, attr.Attr}, nil
		}
	}
	return a.checkLValue(target)
}

// checkAssignEffects runs the post-type verdicts for one store, in
// failure-precedence order: immutability, then state access, then the
// iteration guard.
func (a *analyzer) checkAssignEffects(target ast.Expr, tdef *types.Definition, path []string, span diag.Span) *diag.Diagnostic {
	allowImm := false
	if attr, ok := target.(*ast.AttributeExpr); ok && ast.IsSelf(attr.Value) && a.fn.Decl.Visibility == ast.VisDeploy {
		allowImm = a.assignedImm[attr.Attr]
	}
	if !allowImm {
		if reason := types.ValidateModification(tdef); reason != "" {
			return &diag.Diagnostic{
				Code:    diag.CodeImmutableViolation,
				Phase:   diag.PhaseSema,
				Message: reason,
				Span:    span,
			}
		}
	}
	if tdef.Loc == types.LocStorage {
		if derr := a.requireRank(2, span, "write storage"); derr != nil {
			return derr
		}
	}
	for _, g := range a.iterating {
		if pathsOverlap(g.path, path) {
			return &diag.Diagnostic{
				Code:    diag.CodeIteratorException,
				Phase:   diag.PhaseSema,
				Message: fmt.Sprintf("cannot modify %s while iterating over it", strings.Join(g.path, ".")),
				Span:    span,
			}
		}
	}
	return nil
}

// checkIterCall rejects calls that could mutate an iterated collection:
// state-changing calls while a storage collection is being iterated, and
// any argument aliasing an active iterable passed to a state-changing
// callee.
func (a *analyzer) checkIterCall(e *ast.CallExpr, calleeRank int) *diag.Diagnostic {
	if len(a.iterating) == 0 || calleeRank < 2 {
		return nil
	}
	for _, g := range a.iterating {
		if g.path[0] == reservedSelf {
			return &diag.Diagnostic{
				Code:    diag.CodeIteratorException,
				Phase:   diag.PhaseSema,
				Message: fmt.Sprintf("cannot make a state-changing call while iterating over %s", strings.Join(g.path, ".")),
				Span:    e.Span(),
			}
		}
		for _, arg := range e.Args {
			if p, ok := accessPath(arg); ok && pathsOverlap(g.path, p) {
				return &diag.Diagnostic{
					Code:    diag.CodeIteratorException,
					Phase:   diag.PhaseSema,
					Message: fmt.Sprintf("cannot pass %s to a state-changing call while iterating over it", strings.Join(g.path, ".")),
					Span:    arg.Span(),
				}
			}
		}
	}
	return nil
}

func (a *analyzer) checkIf(s *ast.IfStmt) *diag.Diagnostic {
	if derr := a.checkCond(s.Cond); derr != nil {
		return derr
	}
	release := a.ns.Enter()
	derr := a.checkStmts(s.Then)
	release()
	if derr != nil {
		return derr
	}
	if len(s.Else) > 0 {
		release := a.ns.Enter()
		derr := a.checkStmts(s.Else)
		release()
		if derr != nil {
			return derr
		}
	}
	return nil
}

func (a *analyzer) checkCond(cond ast.Expr) *diag.Diagnostic {
	def, derr := a.checkExpr(cond, a.tc.Bool())
	if derr != nil {
		return derr
	}
	if _, ok := types.Unify(def.Prim, a.tc.Bool()); !ok {
		return &diag.Diagnostic{
			Code:    diag.CodeTypeMismatch,
			Phase:   diag.PhaseSema,
			Message: fmt.Sprintf("condition must be bool, got %s", def.Prim),
			Span:    cond.Span(),
		}
	}
	return nil
}

func (a *analyzer) checkReason(reason ast.Expr) *diag.Diagnostic {
	if reason == nil {
		return nil
	}
	def, derr := a.checkExpr(reason, nil)
	if derr != nil {
		return derr
	}
	if _, ok := def.Prim.(*types.BytesPrim); !ok {
		return &diag.Diagnostic{
			Code:    diag.CodeTypeMismatch,
			Phase:   diag.PhaseSema,
			Message: fmt.Sprintf("abort reason must be a bytes value, got %s", def.Prim),
			Span:    reason.Span(),
		}
	}
	return nil
}

func (a *analyzer) checkReturn(s *ast.ReturnStmt) *diag.Diagnostic {
	rets := a.fn.Prim.Returns
	if s.Value == nil {
		if len(rets) != 0 {
			return &diag.Diagnostic{
				Code:    diag.CodeTypeMismatch,
				Phase:   diag.PhaseSema,
				Message: fmt.Sprintf("function %q must return %d value(s)", a.fn.Decl.Name, len(rets)),
				Span:    s.Span(),
			}
		}
		return nil
	}
	if len(rets) == 0 {
		return &diag.Diagnostic{
			Code:    diag.CodeTypeMismatch,
			Phase:   diag.PhaseSema,
			Message: fmt.Sprintf("function %q returns nothing", a.fn.Decl.Name),
			Span:    s.Span(),
		}
	}
	if tuple, ok := s.Value.(*ast.TupleExpr); ok {
		if len(tuple.Elems) != len(rets) {
			return &diag.Diagnostic{
				Code:    diag.CodeTypeMismatch,
				Phase:   diag.PhaseSema,
				Message: fmt.Sprintf("return arity %d does not match %d declared value(s)", len(tuple.Elems), len(rets)),
				Span:    s.Span(),
			}
		}
		for i, el := range tuple.Elems {
			if derr := a.checkArg(el, rets[i]); derr != nil {
				return derr
			}
		}
		a.setType(tuple, types.Def(&types.TuplePrim{Elems: rets}))
		return nil
	}
	if len(rets) != 1 {
		// A single call producing the whole tuple.
		def, derr := a.checkExpr(s.Value, nil)
		if derr != nil {
			return derr
		}
		want := &types.TuplePrim{Elems: rets}
		if _, ok := types.Unify(def.Prim, want); !ok {
			return &diag.Diagnostic{
				Code:    diag.CodeTypeMismatch,
				Phase:   diag.PhaseSema,
				Message: fmt.Sprintf("returned %s does not match declared %s", def.Prim, want),
				Span:    s.Span(),
			}
		}
		return nil
	}
	return a.checkArg(s.Value, rets[0])
}

func (a *analyzer) checkEmit(s *ast.EmitStmt) *diag.Diagnostic {
	ev, found := a.res.Events[s.Event]
	if !found {
		return &diag.Diagnostic{
			Code:    diag.CodeUndeclaredName,
			Phase:   diag.PhaseSema,
			Message: fmt.Sprintf("undeclared event %q", s.Event),
			Span:    s.Span(),
		}
	}
	if derr := a.requireRank(2, s.Span(), "emit events"); derr != nil {
		return derr
	}
	if len(s.Args) != len(ev.Fields) {
		return &diag.Diagnostic{
			Code:    diag.CodeInvalidOperation,
			Phase:   diag.PhaseSema,
			Message: fmt.Sprintf("event %q expects %d argument(s), got %d", s.Event, len(ev.Fields), len(s.Args)),
			Span:    s.Span(),
		}
	}
	for i, arg := range s.Args {
		if derr := a.checkArg(arg, ev.Fields[i].Type); derr != nil {
			return derr
		}
	}
	return nil
}

func (a *analyzer) checkFor(s *ast.ForStmt) *diag.Diagnostic {
	var varPrim types.Primitive
	if s.VarType != nil {
		p, derr := a.tc.FromAnnotation(s.VarType, a.foldToInt)
		if derr != nil {
			return derr
		}
		varPrim = p
	}

	var guard *iterGuard
	switch {
	case s.Range != nil:
		p, derr := a.checkRange(s.Range, varPrim)
		if derr != nil {
			return derr
		}
		varPrim = p
	case s.Iter != nil:
		def, derr := a.checkExpr(s.Iter, nil)
		if derr != nil {
			return derr
		}
		arr, ok := def.Prim.(*types.ArrayPrim)
		if !ok {
			return &diag.Diagnostic{
				Code:    diag.CodeIteratorException,
				Phase:   diag.PhaseSema,
				Message: fmt.Sprintf("cannot iterate %s: not a fixed-length sequence", def.Prim),
				Span:    s.Iter.Span(),
			}
		}
		if varPrim == nil {
			varPrim = arr.Elem
		} else if _, ok := types.Unify(varPrim, arr.Elem); !ok {
			return &diag.Diagnostic{
				Code:    diag.CodeTypeMismatch,
				Phase:   diag.PhaseSema,
				Message: fmt.Sprintf("loop variable type %s does not match element type %s", varPrim, arr.Elem),
				Span:    s.Span(),
			}
		}
		if p, ok := accessPath(s.Iter); ok {
			guard = &iterGuard{path: p, span: s.Iter.Span()}
		}
	default:
		ice := diag.Internal(diag.PhaseSema, "for statement without a domain")
		return &ice
	}

	release := a.ns.Enter()
	defer release()
	def := &types.Definition{Prim: varPrim, Name: s.Var, Loc: types.LocMemory}
	a.locals[s] = def
	if derr := a.ns.Define(s.Var, def, s.Span()); derr != nil {
		return derr
	}

	a.loopDepth++
	if guard != nil {
		a.iterating = append(a.iterating, *guard)
	}
	derr := a.checkStmts(s.Body)
	if guard != nil {
		a.iterating = a.iterating[:len(a.iterating)-1]
	}
	a.loopDepth--
	return derr
}

// checkRange types a range domain and validates its bound discipline: a
// compile-time span needs no bound, a runtime span requires one.
func (a *analyzer) checkRange(r *ast.RangeExpr, varPrim types.Primitive) (types.Primitive, *diag.Diagnostic) {
	stopDef, derr := a.checkExpr(r.Stop, varPrim)
	if derr != nil {
		return nil, derr
	}
	prim := stopDef.Prim
	if !types.HasCap(prim, types.CapInteger) {
		return nil, &diag.Diagnostic{
			Code:    diag.CodeIteratorException,
			Phase:   diag.PhaseSema,
			Message: fmt.Sprintf("range bound must be an integer, got %s", prim),
			Span:    r.Stop.Span(),
		}
	}
	if varPrim != nil {
		if _, ok := types.Unify(varPrim, prim); !ok {
			return nil, &diag.Diagnostic{
				Code:    diag.CodeTypeMismatch,
				Phase:   diag.PhaseSema,
				Message: fmt.Sprintf("loop variable type %s does not match range type %s", varPrim, prim),
				Span:    r.Span(),
			}
		}
	}
	if r.Start != nil {
		startDef, derr := a.checkExpr(r.Start, prim)
		if derr != nil {
			return nil, derr
		}
		if _, ok := types.Unify(startDef.Prim, prim); !ok {
			return nil, &diag.Diagnostic{
				Code:    diag.CodeTypeMismatch,
				Phase:   diag.PhaseSema,
				Message: fmt.Sprintf("range start type %s does not match stop type %s", startDef.Prim, prim),
				Span:    r.Start.Span(),
			}
		}
	}

	_, startConst := a.constOrZero(r.Start)
	_, stopConst := a.foldOf(r.Stop)
	spanConst := startConst && stopConst

	if r.Bound != nil {
		bv, derr := a.foldConstExpr(r.Bound, prim)
		if derr != nil {
			return nil, derr
		}
		if bv.Sign() <= 0 {
			return nil, &diag.Diagnostic{
				Code:    diag.CodeIteratorException,
				Phase:   diag.PhaseSema,
				Message: "range bound must be positive",
				Span:    r.Bound.Span(),
			}
		}
		a.setFold(r.Bound, bv)
		if spanConst {
			sv, _ := a.constOrZero(r.Start)
			pv, _ := a.foldOf(r.Stop)
			if span := new(big.Int).Sub(pv, sv); span.Cmp(bv) > 0 {
				return nil, &diag.Diagnostic{
					Code:    diag.CodeIteratorException,
					Phase:   diag.PhaseSema,
					Message: fmt.Sprintf("range runs %s iterations, above its declared bound %s", span, bv),
					Span:    r.Span(),
				}
			}
		}
	} else if !spanConst {
		return nil, &diag.Diagnostic{
			Code:    diag.CodeIteratorException,
			Phase:   diag.PhaseSema,
			Message: "range over runtime values requires an explicit bound",
			Span:    r.Span(),
		}
	}
	return prim, nil
}

func (a *analyzer) constOrZero(e ast.Expr) (*big.Int, bool) {
	if e == nil {
		return new(big.Int), true
	}
	return a.foldOf(e)
}

// accessPath canonicalizes an lvalue-shaped expression into path
// segments, wildcarding index positions.
func accessPath(e ast.Expr) ([]string, bool) {
	switch e := e.(type) {
	case *ast.NameExpr:
		return []string{e.Name}, true
	case *ast.AttributeExpr:
		base, ok := accessPath(e.Value)
		if !ok {
			return nil, false
		}
		return append(base, e.Attr), true
	case *ast.IndexExpr:
		base, ok := accessPath(e.Value)
		if !ok {
			return nil, false
		}
		return append(base, "*"), true
	}
	return nil, false
}

// pathsOverlap reports whether one path is a prefix of the other,
// wildcards matching anything.
func pathsOverlap(a, b []string) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] && a[i] != "*" && b[i] != "*" {
			return false
		}
	}
	return true
}

// allPathsReturn reports whether every control path ends in a return or
// an unconditional abort.
func allPathsReturn(stmts []ast.Stmt) bool {
	for _, s := range stmts {
		switch s := s.(type) {
		case *ast.ReturnStmt, *ast.RaiseStmt:
			return true
		case *ast.IfStmt:
			if len(s.Else) > 0 && allPathsReturn(s.Then) && allPathsReturn(s.Else) {
				return true
			}
		}
	}
	return false
}
