package types

import (
	"fmt"
	"math/big"

	"github.com/tos-network/calla/ast"
	"github.com/tos-network/calla/diag"
)

// ConstFolder resolves an expression to a compile-time integer, used for
// array lengths inside annotations. The analyzer supplies one that knows
// the module's folded constants.
type ConstFolder func(ast.Expr) (*big.Int, bool)

// maxArrayLen caps declared array lengths; beyond this the storage and
// memory layouts stop being useful.
const maxArrayLen = 1 << 24

// FromAnnotation parses a syntactic type expression into its canonical
// primitive.
func (c *Context) FromAnnotation(t ast.TypeExpr, fold ConstFolder) (Primitive, *diag.Diagnostic) {
	switch t := t.(type) {
	case *ast.NamedType:
		if p, ok := c.builtinNamed(t.Name); ok {
			return p, nil
		}
		if p, ok := c.User(t.Name); ok {
			switch p.(type) {
			case *EventPrim:
				return nil, invalidType(t, "event %q cannot be used as a value type", t.Name)
			case *InterfacePrim:
				return nil, invalidType(t, "interface %q cannot be used as a value type; hold an address and cast at the call site", t.Name)
			}
			return p, nil
		}
		return nil, invalidType(t, "unknown type %q", t.Name)

	case *ast.ArrayType:
		elem, derr := c.FromAnnotation(t.Elem, fold)
		if derr != nil {
			return nil, derr
		}
		if _, isMap := elem.(*MapPrim); isMap {
			return nil, invalidType(t, "array element cannot be a mapping")
		}
		if t.Len == nil {
			return nil, invalidType(t, "array type requires a length")
		}
		n, ok := foldLen(t.Len, fold)
		if !ok {
			return nil, invalidType(t, "array length must be a compile-time constant")
		}
		if n.Sign() <= 0 || !n.IsInt64() || n.Int64() > maxArrayLen {
			return nil, invalidType(t, "array length %s out of range", n)
		}
		return c.Array(elem, int(n.Int64())), nil

	case *ast.MapType:
		key, derr := c.FromAnnotation(t.Key, fold)
		if derr != nil {
			return nil, derr
		}
		if !HasCap(key, CapHashable) {
			return nil, invalidType(t, "%s cannot be a mapping key", key)
		}
		val, derr := c.FromAnnotation(t.Value, fold)
		if derr != nil {
			return nil, derr
		}
		if _, isEvent := val.(*EventPrim); isEvent {
			return nil, invalidType(t, "mapping value cannot be an event")
		}
		return c.Map(key, val), nil
	}
	return nil, invalidType(t, "malformed type annotation")
}

func foldLen(e ast.Expr, fold ConstFolder) (*big.Int, bool) {
	if lit, ok := e.(*ast.IntLit); ok {
		v, err := ParseIntLiteral(lit.Text)
		if err != nil {
			return nil, false
		}
		return v, true
	}
	if fold != nil {
		return fold(e)
	}
	return nil, false
}

func invalidType(n ast.Node, format string, args ...interface{}) *diag.Diagnostic {
	return &diag.Diagnostic{
		Code:    diag.CodeInvalidType,
		Phase:   diag.PhaseTypes,
		Message: fmt.Sprintf(format, args...),
		Span:    n.Span(),
	}
}
