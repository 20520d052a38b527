package ast

// Children returns the owned child nodes of n in source order.
func Children(n Node) []Node {
	var out []Node
	add := func(c Node) {
		if c == nil {
			return
		}
		out = append(out, c)
	}
	addStmts := func(ss []Stmt) {
		for _, s := range ss {
			add(s)
		}
	}
	addExprs := func(es []Expr) {
		for _, e := range es {
			add(e)
		}
	}

	switch n := n.(type) {
	case *Module:
		for _, d := range n.Decls {
			add(d)
		}

	case *StorageVarDecl:
		add(n.Type)
	case *ConstDecl:
		add(n.Type)
		add(n.Value)
	case *ImmutableDecl:
		add(n.Type)
	case *StructDecl:
		for i := range n.Fields {
			add(&n.Fields[i])
		}
	case *EnumDecl:
	case *EventDecl:
		for i := range n.Fields {
			add(&n.Fields[i])
		}
	case *InterfaceDecl:
		for i := range n.Funcs {
			add(&n.Funcs[i])
		}
	case *FunctionDecl:
		for i := range n.Params {
			add(&n.Params[i])
		}
		for i := range n.Returns {
			add(&n.Returns[i])
		}
		addStmts(n.Body)

	case *Field:
		add(n.Type)
	case *EventField:
		add(n.Type)
	case *Param:
		add(n.Type)
	case *InterfaceFunc:
		for i := range n.Params {
			add(&n.Params[i])
		}
		for i := range n.Returns {
			add(&n.Returns[i])
		}

	case *NamedType:
	case *ArrayType:
		add(n.Elem)
		add(n.Len)
	case *MapType:
		add(n.Key)
		add(n.Value)

	case *VarDeclStmt:
		add(n.Type)
		add(n.Value)
	case *AssignStmt:
		add(n.Target)
		add(n.Value)
	case *AugAssignStmt:
		add(n.Target)
		add(n.Value)
	case *IfStmt:
		add(n.Cond)
		addStmts(n.Then)
		addStmts(n.Else)
	case *ForStmt:
		add(n.VarType)
		if n.Range != nil {
			add(n.Range)
		}
		add(n.Iter)
		addStmts(n.Body)
	case *RangeExpr:
		add(n.Start)
		add(n.Stop)
		add(n.Bound)
	case *BreakStmt, *ContinueStmt, *PassStmt:
	case *ReturnStmt:
		add(n.Value)
	case *AssertStmt:
		add(n.Cond)
		add(n.Reason)
	case *RaiseStmt:
		add(n.Reason)
	case *EmitStmt:
		addExprs(n.Args)
	case *ExprStmt:
		add(n.X)

	case *IntLit, *BoolLit, *BytesLit, *AddressLit, *NameExpr:
	case *AttributeExpr:
		add(n.Value)
	case *IndexExpr:
		add(n.Value)
		add(n.Index)
	case *UnaryExpr:
		add(n.X)
	case *BinaryExpr:
		add(n.X)
		add(n.Y)
	case *BoolOpExpr:
		add(n.X)
		add(n.Y)
	case *CompareExpr:
		add(n.X)
		add(n.Y)
	case *CallExpr:
		add(n.Func)
		addExprs(n.Args)
	case *InterfaceCastExpr:
		add(n.Addr)
	case *TupleExpr:
		addExprs(n.Elems)
	}
	return out
}

// Link installs parent back-references below n. The front-end calls it
// once after building the tree; parents exist for diagnostics only.
func Link(n Node) {
	for _, c := range Children(n) {
		c.setParent(n)
		Link(c)
	}
}

// Walk visits n and every node below it in depth-first source order.
// Visiting stops early when f returns false for a subtree root.
func Walk(n Node, f func(Node) bool) {
	if n == nil || !f(n) {
		return
	}
	for _, c := range Children(n) {
		Walk(c, f)
	}
}
