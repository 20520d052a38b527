// Package ast is the node model handed over by the Calla front-end.
//
// The node-kind set is closed: declarations, statements, expressions and
// type annotations are each a tagged union realized as an interface with
// an unexported marker method, so every consumer dispatches with an
// exhaustive type switch instead of name-keyed lookup. Nodes are immutable
// once the front-end has produced them; the analyzer only attaches
// annotations in side tables and never rewrites structure.
package ast

import "github.com/tos-network/calla/diag"

// Node is implemented by every syntax node.
type Node interface {
	Span() diag.Span
	Parent() Node
	setParent(Node)
}

// NodeBase carries the source span, the optional developer hint the
// front-end lifted from an inline comment, and the non-owning parent
// back-reference installed by Link. Embedded by every node.
type NodeBase struct {
	Pos    diag.Span
	Hint   string
	parent Node
}

func (b *NodeBase) Span() diag.Span { return b.Pos }
func (b *NodeBase) Parent() Node    { return b.parent }
func (b *NodeBase) setParent(p Node) {
	b.parent = p
}

// Module is the root node of one compilation unit. Decls keeps source
// order; storage slot numbering follows it.
type Module struct {
	NodeBase
	Name  string
	Decls []Decl
}

// Visibility of a function.
type Visibility int

const (
	VisExternal Visibility = iota
	VisInternal
	VisDeploy // constructor, runs once at deployment
)

func (v Visibility) String() string {
	switch v {
	case VisExternal:
		return "external"
	case VisInternal:
		return "internal"
	case VisDeploy:
		return "deploy"
	}
	return "unknown"
}

// Mutability of a function.
type Mutability int

const (
	Pure Mutability = iota
	View
	Nonpayable
	Payable
)

func (m Mutability) String() string {
	switch m {
	case Pure:
		return "pure"
	case View:
		return "view"
	case Nonpayable:
		return "nonpayable"
	case Payable:
		return "payable"
	}
	return "unknown"
}

// Decl is a top-level declaration.
type Decl interface {
	Node
	declNode()
}

type (
	// StorageVarDecl declares one persistent storage variable. Slot order
	// follows declaration order.
	StorageVarDecl struct {
		NodeBase
		Name   string
		Type   TypeExpr
		Public bool
	}

	// ConstDecl declares a module-level constant, folded at analysis time.
	ConstDecl struct {
		NodeBase
		Name  string
		Type  TypeExpr
		Value Expr
	}

	// ImmutableDecl declares a value assigned once during deployment and
	// served from the post-deployment data segment afterwards.
	ImmutableDecl struct {
		NodeBase
		Name string
		Type TypeExpr
	}

	StructDecl struct {
		NodeBase
		Name   string
		Fields []Field
	}

	EnumDecl struct {
		NodeBase
		Name     string
		Variants []string
	}

	EventDecl struct {
		NodeBase
		Name   string
		Fields []EventField
	}

	InterfaceDecl struct {
		NodeBase
		Name  string
		Funcs []InterfaceFunc
	}

	FunctionDecl struct {
		NodeBase
		Name       string
		Visibility Visibility
		// Mutability is meaningful only when HasMutability is set; the
		// analyzer infers it from the body otherwise.
		Mutability    Mutability
		HasMutability bool
		Nonreentrant  bool
		Params        []Param
		Returns       []Param
		Body          []Stmt
	}
)

func (*StorageVarDecl) declNode() {}
func (*ConstDecl) declNode()      {}
func (*ImmutableDecl) declNode()  {}
func (*StructDecl) declNode()     {}
func (*EnumDecl) declNode()       {}
func (*EventDecl) declNode()      {}
func (*InterfaceDecl) declNode()  {}
func (*FunctionDecl) declNode()   {}

// Field is a struct member.
type Field struct {
	NodeBase
	Name string
	Type TypeExpr
}

// EventField is an event member; indexed fields become log topics.
type EventField struct {
	NodeBase
	Name    string
	Type    TypeExpr
	Indexed bool
}

// Param is a function parameter or named return.
type Param struct {
	NodeBase
	Name string
	Type TypeExpr
}

// InterfaceFunc describes one callable of an external interface.
type InterfaceFunc struct {
	NodeBase
	Name       string
	Mutability Mutability
	Params     []Param
	Returns    []Param
}

// TypeExpr is a syntactic type annotation.
type TypeExpr interface {
	Node
	typeExprNode()
}

type (
	// NamedType references a builtin or user-defined type by name.
	NamedType struct {
		NodeBase
		Name string
	}

	// ArrayType is a fixed-length array; Len must fold to a positive
	// compile-time constant.
	ArrayType struct {
		NodeBase
		Elem TypeExpr
		Len  Expr
	}

	// MapType is a storage-only mapping.
	MapType struct {
		NodeBase
		Key   TypeExpr
		Value TypeExpr
	}
)

func (*NamedType) typeExprNode() {}
func (*ArrayType) typeExprNode() {}
func (*MapType) typeExprNode()   {}

// Stmt is a statement inside a function body.
type Stmt interface {
	Node
	stmtNode()
}

type (
	// VarDeclStmt declares a local. Type may be nil when inferred from
	// the initializer.
	VarDeclStmt struct {
		NodeBase
		Name  string
		Type  TypeExpr
		Value Expr
	}

	AssignStmt struct {
		NodeBase
		Target Expr
		Value  Expr
	}

	AugAssignStmt struct {
		NodeBase
		Target Expr
		Op     Op
		Value  Expr
	}

	IfStmt struct {
		NodeBase
		Cond Expr
		Then []Stmt
		Else []Stmt
	}

	// ForStmt iterates either a range construct (Range set) or a
	// fixed-length sequence (Iter set). VarType may be nil (inferred
	// from the range operands or the element type).
	ForStmt struct {
		NodeBase
		Var     string
		VarType TypeExpr
		Range   *RangeExpr
		Iter    Expr
		Body    []Stmt
	}

	// RangeExpr is the iteration domain of a ForStmt: range(stop),
	// range(start, stop) or range(start, stop, bound=N). Bound caps a
	// runtime stop; it must fold to a constant and is required exactly
	// when the span start..stop is not itself compile-time constant.
	RangeExpr struct {
		NodeBase
		Start Expr // nil means zero
		Stop  Expr
		Bound Expr
	}

	BreakStmt struct{ NodeBase }

	ContinueStmt struct{ NodeBase }

	PassStmt struct{ NodeBase }

	// ReturnStmt: Value is nil for a bare return, a TupleExpr for
	// multi-value returns.
	ReturnStmt struct {
		NodeBase
		Value Expr
	}

	// AssertStmt aborts the transaction when Cond is false. Reason is an
	// optional bytes revert payload.
	AssertStmt struct {
		NodeBase
		Cond   Expr
		Reason Expr
	}

	// RaiseStmt aborts unconditionally.
	RaiseStmt struct {
		NodeBase
		Reason Expr
	}

	// EmitStmt appends one event log record.
	EmitStmt struct {
		NodeBase
		Event string
		Args  []Expr
	}

	ExprStmt struct {
		NodeBase
		X Expr
	}
)

func (*VarDeclStmt) stmtNode()   {}
func (*AssignStmt) stmtNode()    {}
func (*AugAssignStmt) stmtNode() {}
func (*IfStmt) stmtNode()        {}
func (*ForStmt) stmtNode()       {}
func (*BreakStmt) stmtNode()     {}
func (*ContinueStmt) stmtNode()  {}
func (*PassStmt) stmtNode()      {}
func (*ReturnStmt) stmtNode()    {}
func (*AssertStmt) stmtNode()    {}
func (*RaiseStmt) stmtNode()     {}
func (*EmitStmt) stmtNode()      {}
func (*ExprStmt) stmtNode()      {}

// Op enumerates unary, binary, boolean and comparison operators.
type Op int

const (
	OpInvalid Op = iota

	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod

	OpBitAnd
	OpBitOr
	OpBitXor
	OpShl
	OpShr

	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe

	OpAnd
	OpOr
	OpNot
	OpNeg
)

var opNames = map[Op]string{
	OpAdd: "+", OpSub: "-", OpMul: "*", OpDiv: "/", OpMod: "%",
	OpBitAnd: "&", OpBitOr: "|", OpBitXor: "^", OpShl: "<<", OpShr: ">>",
	OpEq: "==", OpNe: "!=", OpLt: "<", OpLe: "<=", OpGt: ">", OpGe: ">=",
	OpAnd: "and", OpOr: "or", OpNot: "not", OpNeg: "-",
}

func (op Op) String() string {
	if s, ok := opNames[op]; ok {
		return s
	}
	return "?"
}

// Expr is an expression node.
type Expr interface {
	Node
	exprNode()
}

type (
	// IntLit keeps the literal text; the type system derives the
	// candidate primitive set from the value.
	IntLit struct {
		NodeBase
		Text string
	}

	BoolLit struct {
		NodeBase
		Value bool
	}

	// BytesLit is a 0x-prefixed hex literal of 1..32 bytes.
	BytesLit struct {
		NodeBase
		Text string
	}

	// AddressLit is a 0x-prefixed 20-byte literal.
	AddressLit struct {
		NodeBase
		Text string
	}

	NameExpr struct {
		NodeBase
		Name string
	}

	// AttributeExpr is `Value.Attr`: self field access, struct field
	// access, enum variant, or interface method reference.
	AttributeExpr struct {
		NodeBase
		Value Expr
		Attr  string
	}

	IndexExpr struct {
		NodeBase
		Value Expr
		Index Expr
	}

	UnaryExpr struct {
		NodeBase
		Op Op
		X  Expr
	}

	BinaryExpr struct {
		NodeBase
		Op Op
		X  Expr
		Y  Expr
	}

	// BoolOpExpr is `and`/`or` with short-circuit evaluation.
	BoolOpExpr struct {
		NodeBase
		Op Op
		X  Expr
		Y  Expr
	}

	CompareExpr struct {
		NodeBase
		Op Op
		X  Expr
		Y  Expr
	}

	// CallExpr covers builtin calls, struct constructors, internal calls
	// (`self.f(...)`) and external interface calls. Tolerant marks the
	// failure-tolerant external form, which yields a leading success flag
	// instead of propagating callee failure.
	CallExpr struct {
		NodeBase
		Func     Expr
		Args     []Expr
		Tolerant bool
	}

	// InterfaceCastExpr binds an address expression to a declared
	// interface: `Token(addr)`.
	InterfaceCastExpr struct {
		NodeBase
		Iface string
		Addr  Expr
	}

	TupleExpr struct {
		NodeBase
		Elems []Expr
	}
)

func (*IntLit) exprNode()            {}
func (*BoolLit) exprNode()           {}
func (*BytesLit) exprNode()          {}
func (*AddressLit) exprNode()        {}
func (*NameExpr) exprNode()          {}
func (*AttributeExpr) exprNode()     {}
func (*IndexExpr) exprNode()         {}
func (*UnaryExpr) exprNode()         {}
func (*BinaryExpr) exprNode()        {}
func (*BoolOpExpr) exprNode()        {}
func (*CompareExpr) exprNode()       {}
func (*CallExpr) exprNode()          {}
func (*InterfaceCastExpr) exprNode() {}
func (*TupleExpr) exprNode()         {}

// IsSelf reports whether e is the reserved `self` name.
func IsSelf(e Expr) bool {
	n, ok := e.(*NameExpr)
	return ok && n.Name == "self"
}
