package types

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/tos-network/calla/ast"
	"github.com/tos-network/calla/diag"
)

// LiteralKind discriminates LiteralCandidates payloads.
type LiteralKind int

const (
	LitInt LiteralKind = iota
	LitBool
	LitBytes
	LitAddress
)

// LiteralCandidates is the set of primitives a literal could still assume.
// The set is attached to the literal node and narrowed by context later;
// the literal site never commits to a type on its own.
type LiteralCandidates struct {
	Kind       LiteralKind
	Candidates []Primitive
	IntValue   *big.Int
	BoolValue  bool
	ByteValue  []byte
}

// ParseIntLiteral accepts decimal and 0x hex spellings with an optional
// leading minus.
func ParseIntLiteral(text string) (*big.Int, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return nil, fmt.Errorf("empty integer literal")
	}
	v, ok := new(big.Int).SetString(s, 0)
	if !ok {
		return nil, fmt.Errorf("invalid integer literal %q", text)
	}
	return v, nil
}

// FromLiteral derives the candidate set for a literal expression.
func (c *Context) FromLiteral(e ast.Expr) (*LiteralCandidates, *diag.Diagnostic) {
	switch e := e.(type) {
	case *ast.IntLit:
		v, err := ParseIntLiteral(e.Text)
		if err != nil {
			return nil, &diag.Diagnostic{
				Code:    diag.CodeInvalidLiteral,
				Phase:   diag.PhaseTypes,
				Message: err.Error(),
				Span:    e.Span(),
				Hint:    e.Hint,
			}
		}
		var cands []Primitive
		for _, w := range integerWidths {
			if p := c.Uint(w); p.Fits(v) {
				cands = append(cands, p)
			}
		}
		for _, w := range [...]int{128, 256} {
			if p := c.Int(w); p.Fits(v) {
				cands = append(cands, p)
			}
		}
		if len(cands) == 0 {
			return nil, &diag.Diagnostic{
				Code:    diag.CodeInvalidLiteral,
				Phase:   diag.PhaseTypes,
				Message: fmt.Sprintf("integer literal %s exceeds every integer type", e.Text),
				Span:    e.Span(),
				Hint:    e.Hint,
			}
		}
		return &LiteralCandidates{Kind: LitInt, Candidates: cands, IntValue: v}, nil

	case *ast.BoolLit:
		return &LiteralCandidates{
			Kind:       LitBool,
			Candidates: []Primitive{c.Bool()},
			BoolValue:  e.Value,
		}, nil

	case *ast.BytesLit:
		b, derr := parseHexLiteral(e.Text, e.Span(), 1, 32)
		if derr != nil {
			return nil, derr
		}
		return &LiteralCandidates{
			Kind:       LitBytes,
			Candidates: []Primitive{c.Bytes(len(b))},
			ByteValue:  b,
		}, nil

	case *ast.AddressLit:
		b, derr := parseHexLiteral(e.Text, e.Span(), 20, 20)
		if derr != nil {
			return nil, derr
		}
		return &LiteralCandidates{
			Kind:       LitAddress,
			Candidates: []Primitive{c.Address()},
			ByteValue:  b,
			IntValue:   new(big.Int).SetBytes(b),
		}, nil
	}
	return nil, &diag.Diagnostic{
		Code:    diag.CodeInvalidLiteral,
		Phase:   diag.PhaseTypes,
		Message: "expression is not a literal",
		Span:    e.Span(),
	}
}

func parseHexLiteral(text string, span diag.Span, minLen, maxLen int) ([]byte, *diag.Diagnostic) {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return nil, &diag.Diagnostic{
			Code:    diag.CodeInvalidLiteral,
			Phase:   diag.PhaseTypes,
			Message: fmt.Sprintf("hex literal %q must start with 0x", text),
			Span:    span,
		}
	}
	b, err := hex.DecodeString(s[2:])
	if err != nil {
		return nil, &diag.Diagnostic{
			Code:    diag.CodeInvalidLiteral,
			Phase:   diag.PhaseTypes,
			Message: fmt.Sprintf("invalid hex literal %q: %v", text, err),
			Span:    span,
		}
	}
	if len(b) < minLen || len(b) > maxLen {
		return nil, &diag.Diagnostic{
			Code:    diag.CodeInvalidLiteral,
			Phase:   diag.PhaseTypes,
			Message: fmt.Sprintf("hex literal %q must be %d..%d bytes, got %d", text, minLen, maxLen, len(b)),
			Span:    span,
		}
	}
	return b, nil
}

// Narrow intersects a candidate set with a required context type. With no
// context type the ambiguity default applies: uint256 when present, else
// int256, else the widest surviving unsigned width, else the widest
// signed. There are no implicit numeric conversions anywhere else; the
// default only ever picks among types the literal value already fits.
func Narrow(lc *LiteralCandidates, want Primitive, span diag.Span) (Primitive, *diag.Diagnostic) {
	if want != nil {
		for _, cand := range lc.Candidates {
			if Same(cand, want) {
				return cand, nil
			}
		}
		return nil, &diag.Diagnostic{
			Code:    diag.CodeInvalidLiteral,
			Phase:   diag.PhaseTypes,
			Message: fmt.Sprintf("literal is not representable as %s", want),
			Span:    span,
		}
	}
	if len(lc.Candidates) == 1 {
		return lc.Candidates[0], nil
	}
	var bestUnsigned, bestSigned *IntPrim
	for _, cand := range lc.Candidates {
		ip, ok := cand.(*IntPrim)
		if !ok {
			continue
		}
		if ip.Signed {
			if bestSigned == nil || ip.Bits > bestSigned.Bits {
				bestSigned = ip
			}
		} else {
			if bestUnsigned == nil || ip.Bits > bestUnsigned.Bits {
				bestUnsigned = ip
			}
		}
	}
	if bestUnsigned != nil {
		return bestUnsigned, nil
	}
	if bestSigned != nil {
		return bestSigned, nil
	}
	return nil, &diag.Diagnostic{
		Code:    diag.CodeInvalidLiteral,
		Phase:   diag.PhaseTypes,
		Message: "ambiguous literal with no usable default type",
		Span:    span,
	}
}

// Unify finds the common type of two resolved primitives. With implicit
// conversions ruled out this is plain structural equality.
func Unify(left, right Primitive) (Primitive, bool) {
	if Same(left, right) {
		return left, true
	}
	return nil, false
}

// ValidateNumericOp reports whether p supports the arithmetic operator op.
func ValidateNumericOp(op ast.Op, p Primitive) bool {
	switch op {
	case ast.OpAdd, ast.OpSub, ast.OpMul, ast.OpDiv, ast.OpMod, ast.OpNeg:
		return HasCap(p, CapNumeric)
	case ast.OpBitAnd, ast.OpBitOr, ast.OpBitXor, ast.OpShl, ast.OpShr:
		return HasCap(p, CapInteger)
	}
	return false
}

// ValidateComparison reports whether p supports the comparison op.
// Equality is allowed on every scalar; ordering needs CapComparable.
func ValidateComparison(op ast.Op, p Primitive) bool {
	switch op {
	case ast.OpEq, ast.OpNe:
		return p != nil && p.Words() == 1
	case ast.OpLt, ast.OpLe, ast.OpGt, ast.OpGe:
		return HasCap(p, CapComparable)
	}
	return false
}

// ValidateModification reports why d may not be assigned to; empty means
// the assignment is allowed.
func ValidateModification(d *Definition) string {
	switch {
	case d == nil:
		return "expression is not assignable"
	case d.Constant:
		return fmt.Sprintf("cannot assign to constant %q", d.Name)
	case d.Loc == LocCalldata:
		return fmt.Sprintf("cannot assign to calldata value %q", d.Name)
	case d.Loc == LocCode:
		return fmt.Sprintf("immutable %q can only be assigned during deployment", d.Name)
	case !d.Mutable:
		return fmt.Sprintf("%q is not mutable", d.Name)
	}
	return ""
}
