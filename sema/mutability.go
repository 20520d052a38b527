package sema

import (
	"github.com/tos-network/calla/ast"
)

// mutRank orders mutabilities for the directed call-compatibility rule:
// a caller may only reach callees of equal or lower rank.
func mutRank(m ast.Mutability) int {
	switch m {
	case ast.Pure:
		return 0
	case ast.View:
		return 1
	}
	return 2
}

// bodyEffects is the syntactic effect summary of one function body, the
// seed for mutability inference.
type bodyEffects struct {
	reads  bool // storage/immutable/environment reads
	writes bool // storage writes, event emission, mutating external calls
	calls  []string
}

// scanEffects collects a function's direct effects without typing the
// body; the local pass later re-checks every effect precisely, with
// spans. Reads and writes that scanEffects over-approximates (a `self.f`
// reference that turns out not to exist, say) surface there as errors.
func scanEffects(a *analyzer, fd *ast.FunctionDecl) bodyEffects {
	var eff bodyEffects
	for _, s := range fd.Body {
		scanStmtEffects(a, s, &eff)
	}
	return eff
}

func scanStmtEffects(a *analyzer, s ast.Stmt, eff *bodyEffects) {
	switch s := s.(type) {
	case *ast.AssignStmt:
		if rootsAtSelf(s.Target) {
			eff.writes = true
		} else {
			scanExprEffects(a, s.Target, eff)
		}
		scanExprEffects(a, s.Value, eff)
	case *ast.AugAssignStmt:
		if rootsAtSelf(s.Target) {
			eff.reads = true
			eff.writes = true
		} else {
			scanExprEffects(a, s.Target, eff)
		}
		scanExprEffects(a, s.Value, eff)
	case *ast.EmitStmt:
		eff.writes = true
		for _, arg := range s.Args {
			scanExprEffects(a, arg, eff)
		}
	case *ast.VarDeclStmt:
		scanExprEffects(a, s.Value, eff)
	case *ast.IfStmt:
		scanExprEffects(a, s.Cond, eff)
		for _, t := range s.Then {
			scanStmtEffects(a, t, eff)
		}
		for _, t := range s.Else {
			scanStmtEffects(a, t, eff)
		}
	case *ast.ForStmt:
		if s.Range != nil {
			scanExprEffects(a, s.Range.Start, eff)
			scanExprEffects(a, s.Range.Stop, eff)
		}
		scanExprEffects(a, s.Iter, eff)
		for _, t := range s.Body {
			scanStmtEffects(a, t, eff)
		}
	case *ast.ReturnStmt:
		scanExprEffects(a, s.Value, eff)
	case *ast.AssertStmt:
		scanExprEffects(a, s.Cond, eff)
	case *ast.RaiseStmt:
	case *ast.ExprStmt:
		scanExprEffects(a, s.X, eff)
	}
}

func scanExprEffects(a *analyzer, e ast.Expr, eff *bodyEffects) {
	if e == nil {
		return
	}
	switch e := e.(type) {
	case *ast.AttributeExpr:
		if base, ok := e.Value.(*ast.NameExpr); ok {
			switch base.Name {
			case reservedSelf:
				// Constants resolve through the bare name; self.x is a
				// storage or immutable read here.
				eff.reads = true
				return
			case reservedMsg, reservedBlock:
				eff.reads = true
				return
			}
		}
		scanExprEffects(a, e.Value, eff)
	case *ast.CallExpr:
		switch fn := e.Func.(type) {
		case *ast.AttributeExpr:
			if ast.IsSelf(fn.Value) {
				eff.calls = append(eff.calls, fn.Attr)
			} else if cast, ok := fn.Value.(*ast.InterfaceCastExpr); ok {
				scanExprEffects(a, cast.Addr, eff)
				if iface, found := a.res.Interfaces[cast.Iface]; found {
					if m := iface.Func(fn.Attr); m != nil && mutRank(m.Mutability) <= 1 {
						eff.reads = true
					} else {
						eff.writes = true
					}
				} else {
					eff.writes = true
				}
			} else {
				scanExprEffects(a, fn.Value, eff)
			}
		default:
			scanExprEffects(a, e.Func, eff)
		}
		for _, arg := range e.Args {
			scanExprEffects(a, arg, eff)
		}
	default:
		for _, c := range ast.Children(e) {
			if ce, ok := c.(ast.Expr); ok {
				scanExprEffects(a, ce, eff)
			}
		}
	}
}

func rootsAtSelf(e ast.Expr) bool {
	for {
		switch t := e.(type) {
		case *ast.NameExpr:
			return t.Name == reservedSelf
		case *ast.AttributeExpr:
			e = t.Value
		case *ast.IndexExpr:
			e = t.Value
		default:
			return false
		}
	}
}

// inferMutability fixes each function's effective mutability. Declared
// mutability wins for the function itself and for its callers; otherwise
// the inferred rank rises monotonically with the body's effects and the
// effective rank of its callees, iterated to a fixed point. Payable is
// never inferred.
func inferMutability(a *analyzer, funcs map[string]*Function) {
	base := make(map[string]bodyEffects, len(funcs))
	rank := make(map[string]int, len(funcs))
	for name, f := range funcs {
		eff := scanEffects(a, f.Decl)
		base[name] = eff
		r := 0
		if eff.reads {
			r = 1
		}
		if eff.writes {
			r = 2
		}
		rank[name] = r
	}
	for changed := true; changed; {
		changed = false
		for name, f := range funcs {
			if f.Decl.HasMutability {
				continue
			}
			r := rank[name]
			for _, callee := range base[name].calls {
				cr := 2
				if cf, ok := funcs[callee]; ok {
					if cf.Decl.HasMutability {
						cr = mutRank(cf.Decl.Mutability)
					} else {
						cr = rank[callee]
					}
				}
				if cr > r {
					r = cr
				}
			}
			if r != rank[name] {
				rank[name] = r
				changed = true
			}
		}
	}
	for name, f := range funcs {
		switch rank[name] {
		case 0:
			f.Inferred = ast.Pure
		case 1:
			f.Inferred = ast.View
		default:
			f.Inferred = ast.Nonpayable
		}
		if f.Decl.HasMutability {
			f.Mutability = f.Decl.Mutability
		} else {
			f.Mutability = f.Inferred
		}
	}
}
