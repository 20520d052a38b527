package ast

import (
	"encoding/json"
	"fmt"

	"github.com/tos-network/calla/diag"
)

// DecodeModule reads the JSON tree the front-end emits for one compilation
// unit, links parent references, and returns the module root. The wire
// format is one object per node with a "kind" discriminator drawn from the
// closed node-kind set; unknown kinds are rejected.
func DecodeModule(data []byte) (*Module, error) {
	var root jsonNode
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("ast: malformed front-end tree: %w", err)
	}
	if root.Kind != "module" {
		return nil, fmt.Errorf("ast: root node is %q, want \"module\"", root.Kind)
	}
	m := &Module{NodeBase: root.base(), Name: root.Name}
	for i := range root.Decls {
		d, err := decodeDecl(&root.Decls[i])
		if err != nil {
			return nil, err
		}
		m.Decls = append(m.Decls, d)
	}
	Link(m)
	return m, nil
}

type jsonSpan struct {
	File      string `json:"file"`
	Line      int    `json:"line"`
	Col       int    `json:"col"`
	EndLine   int    `json:"end_line"`
	EndCol    int    `json:"end_col"`
}

func (s *jsonSpan) span() diag.Span {
	if s == nil {
		return diag.Span{}
	}
	return diag.Span{
		File:  s.File,
		Start: diag.Position{Line: s.Line, Column: s.Col},
		End:   diag.Position{Line: s.EndLine, Column: s.EndCol},
	}
}

type jsonNode struct {
	Kind string    `json:"kind"`
	Span *jsonSpan `json:"span,omitempty"`
	Hint string    `json:"hint,omitempty"`

	Name         string   `json:"name,omitempty"`
	Text         string   `json:"text,omitempty"`
	BoolValue    bool     `json:"bool,omitempty"`
	Op           string   `json:"op,omitempty"`
	Attr         string   `json:"attr,omitempty"`
	Event        string   `json:"event,omitempty"`
	Iface        string   `json:"iface,omitempty"`
	Var          string   `json:"var,omitempty"`
	Visibility   string   `json:"visibility,omitempty"`
	Mutability   string   `json:"mutability,omitempty"`
	Public       bool     `json:"public,omitempty"`
	Indexed      bool     `json:"indexed,omitempty"`
	Nonreentrant bool     `json:"nonreentrant,omitempty"`
	Tolerant     bool     `json:"tolerant,omitempty"`
	Variants     []string `json:"variants,omitempty"`

	Type    *jsonNode `json:"type,omitempty"`
	VarType *jsonNode `json:"var_type,omitempty"`
	Value   *jsonNode `json:"value,omitempty"`
	Target  *jsonNode `json:"target,omitempty"`
	Cond    *jsonNode `json:"cond,omitempty"`
	X       *jsonNode `json:"x,omitempty"`
	Y       *jsonNode `json:"y,omitempty"`
	Func    *jsonNode `json:"func,omitempty"`
	Index   *jsonNode `json:"index,omitempty"`
	Elem    *jsonNode `json:"elem,omitempty"`
	Len     *jsonNode `json:"len,omitempty"`
	Key     *jsonNode `json:"key,omitempty"`
	Start   *jsonNode `json:"start,omitempty"`
	Stop    *jsonNode `json:"stop,omitempty"`
	Bound   *jsonNode `json:"bound,omitempty"`
	Reason  *jsonNode `json:"reason,omitempty"`
	Addr    *jsonNode `json:"addr,omitempty"`
	Range   *jsonNode `json:"range,omitempty"`
	Iter    *jsonNode `json:"iter,omitempty"`

	Decls   []jsonNode `json:"decls,omitempty"`
	Fields  []jsonNode `json:"fields,omitempty"`
	Funcs   []jsonNode `json:"funcs,omitempty"`
	Params  []jsonNode `json:"params,omitempty"`
	Returns []jsonNode `json:"returns,omitempty"`
	Body    []jsonNode `json:"body,omitempty"`
	Then    []jsonNode `json:"then,omitempty"`
	Else    []jsonNode `json:"else,omitempty"`
	Args    []jsonNode `json:"args,omitempty"`
	Elems   []jsonNode `json:"elems,omitempty"`
}

func (n *jsonNode) base() NodeBase {
	return NodeBase{Pos: n.Span.span(), Hint: n.Hint}
}

var jsonOps = map[string]Op{
	"+": OpAdd, "-": OpSub, "*": OpMul, "/": OpDiv, "%": OpMod,
	"&": OpBitAnd, "|": OpBitOr, "^": OpBitXor, "<<": OpShl, ">>": OpShr,
	"==": OpEq, "!=": OpNe, "<": OpLt, "<=": OpLe, ">": OpGt, ">=": OpGe,
	"and": OpAnd, "or": OpOr, "not": OpNot, "neg": OpNeg,
}

func decodeOp(kind, s string) (Op, error) {
	if op, ok := jsonOps[s]; ok {
		return op, nil
	}
	return OpInvalid, fmt.Errorf("ast: %s node with unknown operator %q", kind, s)
}

func decodeVisibility(s string) (Visibility, error) {
	switch s {
	case "external", "":
		return VisExternal, nil
	case "internal":
		return VisInternal, nil
	case "deploy":
		return VisDeploy, nil
	}
	return 0, fmt.Errorf("ast: unknown visibility %q", s)
}

func decodeMutability(s string) (Mutability, error) {
	switch s {
	case "pure":
		return Pure, nil
	case "view":
		return View, nil
	case "nonpayable", "":
		return Nonpayable, nil
	case "payable":
		return Payable, nil
	}
	return 0, fmt.Errorf("ast: unknown mutability %q", s)
}

func decodeDecl(n *jsonNode) (Decl, error) {
	switch n.Kind {
	case "storage":
		t, err := decodeType(n.Type)
		if err != nil {
			return nil, err
		}
		return &StorageVarDecl{NodeBase: n.base(), Name: n.Name, Type: t, Public: n.Public}, nil
	case "const":
		t, err := decodeType(n.Type)
		if err != nil {
			return nil, err
		}
		v, err := decodeExpr(n.Value)
		if err != nil {
			return nil, err
		}
		return &ConstDecl{NodeBase: n.base(), Name: n.Name, Type: t, Value: v}, nil
	case "immutable":
		t, err := decodeType(n.Type)
		if err != nil {
			return nil, err
		}
		return &ImmutableDecl{NodeBase: n.base(), Name: n.Name, Type: t}, nil
	case "struct":
		d := &StructDecl{NodeBase: n.base(), Name: n.Name}
		for i := range n.Fields {
			f := &n.Fields[i]
			t, err := decodeType(f.Type)
			if err != nil {
				return nil, err
			}
			d.Fields = append(d.Fields, Field{NodeBase: f.base(), Name: f.Name, Type: t})
		}
		return d, nil
	case "enum":
		return &EnumDecl{NodeBase: n.base(), Name: n.Name, Variants: n.Variants}, nil
	case "event":
		d := &EventDecl{NodeBase: n.base(), Name: n.Name}
		for i := range n.Fields {
			f := &n.Fields[i]
			t, err := decodeType(f.Type)
			if err != nil {
				return nil, err
			}
			d.Fields = append(d.Fields, EventField{NodeBase: f.base(), Name: f.Name, Type: t, Indexed: f.Indexed})
		}
		return d, nil
	case "interface":
		d := &InterfaceDecl{NodeBase: n.base(), Name: n.Name}
		for i := range n.Funcs {
			fn := &n.Funcs[i]
			mut, err := decodeMutability(fn.Mutability)
			if err != nil {
				return nil, err
			}
			params, err := decodeParams(fn.Params)
			if err != nil {
				return nil, err
			}
			returns, err := decodeParams(fn.Returns)
			if err != nil {
				return nil, err
			}
			d.Funcs = append(d.Funcs, InterfaceFunc{
				NodeBase:   fn.base(),
				Name:       fn.Name,
				Mutability: mut,
				Params:     params,
				Returns:    returns,
			})
		}
		return d, nil
	case "function":
		vis, err := decodeVisibility(n.Visibility)
		if err != nil {
			return nil, err
		}
		mut, err := decodeMutability(n.Mutability)
		if err != nil {
			return nil, err
		}
		hasMut := n.Mutability != ""
		params, err := decodeParams(n.Params)
		if err != nil {
			return nil, err
		}
		returns, err := decodeParams(n.Returns)
		if err != nil {
			return nil, err
		}
		body, err := decodeStmts(n.Body)
		if err != nil {
			return nil, err
		}
		return &FunctionDecl{
			NodeBase:      n.base(),
			Name:          n.Name,
			Visibility:    vis,
			Mutability:    mut,
			HasMutability: hasMut,
			Nonreentrant:  n.Nonreentrant,
			Params:        params,
			Returns:       returns,
			Body:          body,
		}, nil
	}
	return nil, fmt.Errorf("ast: unknown declaration kind %q", n.Kind)
}

func decodeParams(ns []jsonNode) ([]Param, error) {
	var out []Param
	for i := range ns {
		p := &ns[i]
		t, err := decodeType(p.Type)
		if err != nil {
			return nil, err
		}
		out = append(out, Param{NodeBase: p.base(), Name: p.Name, Type: t})
	}
	return out, nil
}

func decodeType(n *jsonNode) (TypeExpr, error) {
	if n == nil {
		return nil, nil
	}
	switch n.Kind {
	case "named":
		return &NamedType{NodeBase: n.base(), Name: n.Name}, nil
	case "array":
		elem, err := decodeType(n.Elem)
		if err != nil {
			return nil, err
		}
		length, err := decodeExpr(n.Len)
		if err != nil {
			return nil, err
		}
		return &ArrayType{NodeBase: n.base(), Elem: elem, Len: length}, nil
	case "map":
		key, err := decodeType(n.Key)
		if err != nil {
			return nil, err
		}
		val, err := decodeType(n.Value)
		if err != nil {
			return nil, err
		}
		return &MapType{NodeBase: n.base(), Key: key, Value: val}, nil
	}
	return nil, fmt.Errorf("ast: unknown type annotation kind %q", n.Kind)
}

func decodeStmts(ns []jsonNode) ([]Stmt, error) {
	var out []Stmt
	for i := range ns {
		s, err := decodeStmt(&ns[i])
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func decodeStmt(n *jsonNode) (Stmt, error) {
	switch n.Kind {
	case "var":
		t, err := decodeType(n.Type)
		if err != nil {
			return nil, err
		}
		v, err := decodeExpr(n.Value)
		if err != nil {
			return nil, err
		}
		return &VarDeclStmt{NodeBase: n.base(), Name: n.Name, Type: t, Value: v}, nil
	case "assign":
		target, err := decodeExpr(n.Target)
		if err != nil {
			return nil, err
		}
		v, err := decodeExpr(n.Value)
		if err != nil {
			return nil, err
		}
		return &AssignStmt{NodeBase: n.base(), Target: target, Value: v}, nil
	case "augassign":
		target, err := decodeExpr(n.Target)
		if err != nil {
			return nil, err
		}
		v, err := decodeExpr(n.Value)
		if err != nil {
			return nil, err
		}
		op, err := decodeOp(n.Kind, n.Op)
		if err != nil {
			return nil, err
		}
		return &AugAssignStmt{NodeBase: n.base(), Target: target, Op: op, Value: v}, nil
	case "if":
		cond, err := decodeExpr(n.Cond)
		if err != nil {
			return nil, err
		}
		then, err := decodeStmts(n.Then)
		if err != nil {
			return nil, err
		}
		els, err := decodeStmts(n.Else)
		if err != nil {
			return nil, err
		}
		return &IfStmt{NodeBase: n.base(), Cond: cond, Then: then, Else: els}, nil
	case "for":
		varType, err := decodeType(n.VarType)
		if err != nil {
			return nil, err
		}
		body, err := decodeStmts(n.Body)
		if err != nil {
			return nil, err
		}
		out := &ForStmt{NodeBase: n.base(), Var: n.Var, VarType: varType, Body: body}
		switch {
		case n.Range != nil:
			start, err := decodeExpr(n.Range.Start)
			if err != nil {
				return nil, err
			}
			stop, err := decodeExpr(n.Range.Stop)
			if err != nil {
				return nil, err
			}
			bound, err := decodeExpr(n.Range.Bound)
			if err != nil {
				return nil, err
			}
			out.Range = &RangeExpr{NodeBase: n.Range.base(), Start: start, Stop: stop, Bound: bound}
		case n.Iter != nil:
			iter, err := decodeExpr(n.Iter)
			if err != nil {
				return nil, err
			}
			out.Iter = iter
		default:
			return nil, fmt.Errorf("ast: for node without range or iter")
		}
		return out, nil
	case "break":
		return &BreakStmt{NodeBase: n.base()}, nil
	case "continue":
		return &ContinueStmt{NodeBase: n.base()}, nil
	case "pass":
		return &PassStmt{NodeBase: n.base()}, nil
	case "return":
		v, err := decodeExpr(n.Value)
		if err != nil {
			return nil, err
		}
		return &ReturnStmt{NodeBase: n.base(), Value: v}, nil
	case "assert":
		cond, err := decodeExpr(n.Cond)
		if err != nil {
			return nil, err
		}
		reason, err := decodeExpr(n.Reason)
		if err != nil {
			return nil, err
		}
		return &AssertStmt{NodeBase: n.base(), Cond: cond, Reason: reason}, nil
	case "raise":
		reason, err := decodeExpr(n.Reason)
		if err != nil {
			return nil, err
		}
		return &RaiseStmt{NodeBase: n.base(), Reason: reason}, nil
	case "emit":
		args, err := decodeExprs(n.Args)
		if err != nil {
			return nil, err
		}
		return &EmitStmt{NodeBase: n.base(), Event: n.Event, Args: args}, nil
	case "expr":
		x, err := decodeExpr(n.X)
		if err != nil {
			return nil, err
		}
		return &ExprStmt{NodeBase: n.base(), X: x}, nil
	}
	return nil, fmt.Errorf("ast: unknown statement kind %q", n.Kind)
}

func decodeExprs(ns []jsonNode) ([]Expr, error) {
	var out []Expr
	for i := range ns {
		e, err := decodeExpr(&ns[i])
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func decodeExpr(n *jsonNode) (Expr, error) {
	if n == nil {
		return nil, nil
	}
	switch n.Kind {
	case "int":
		return &IntLit{NodeBase: n.base(), Text: n.Text}, nil
	case "bool":
		return &BoolLit{NodeBase: n.base(), Value: n.BoolValue}, nil
	case "bytes":
		return &BytesLit{NodeBase: n.base(), Text: n.Text}, nil
	case "address":
		return &AddressLit{NodeBase: n.base(), Text: n.Text}, nil
	case "name":
		return &NameExpr{NodeBase: n.base(), Name: n.Name}, nil
	case "attribute":
		v, err := decodeExpr(n.Value)
		if err != nil {
			return nil, err
		}
		return &AttributeExpr{NodeBase: n.base(), Value: v, Attr: n.Attr}, nil
	case "index":
		v, err := decodeExpr(n.Value)
		if err != nil {
			return nil, err
		}
		idx, err := decodeExpr(n.Index)
		if err != nil {
			return nil, err
		}
		return &IndexExpr{NodeBase: n.base(), Value: v, Index: idx}, nil
	case "unary":
		x, err := decodeExpr(n.X)
		if err != nil {
			return nil, err
		}
		op, err := decodeOp(n.Kind, n.Op)
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{NodeBase: n.base(), Op: op, X: x}, nil
	case "binary", "boolop", "compare":
		x, err := decodeExpr(n.X)
		if err != nil {
			return nil, err
		}
		y, err := decodeExpr(n.Y)
		if err != nil {
			return nil, err
		}
		op, err := decodeOp(n.Kind, n.Op)
		if err != nil {
			return nil, err
		}
		switch n.Kind {
		case "binary":
			return &BinaryExpr{NodeBase: n.base(), Op: op, X: x, Y: y}, nil
		case "boolop":
			return &BoolOpExpr{NodeBase: n.base(), Op: op, X: x, Y: y}, nil
		default:
			return &CompareExpr{NodeBase: n.base(), Op: op, X: x, Y: y}, nil
		}
	case "call":
		fn, err := decodeExpr(n.Func)
		if err != nil {
			return nil, err
		}
		args, err := decodeExprs(n.Args)
		if err != nil {
			return nil, err
		}
		return &CallExpr{NodeBase: n.base(), Func: fn, Args: args, Tolerant: n.Tolerant}, nil
	case "cast":
		addr, err := decodeExpr(n.Addr)
		if err != nil {
			return nil, err
		}
		return &InterfaceCastExpr{NodeBase: n.base(), Iface: n.Iface, Addr: addr}, nil
	case "tuple":
		elems, err := decodeExprs(n.Elems)
		if err != nil {
			return nil, err
		}
		return &TupleExpr{NodeBase: n.base(), Elems: elems}, nil
	}
	return nil, fmt.Errorf("ast: unknown expression kind %q", n.Kind)
}
