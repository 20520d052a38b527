// Package types holds the canonical type identities of the Calla compiler.
//
// A Primitive is one canonical concrete type (a given integer width, the
// address type, a constructed container or user type). A Definition binds
// a Primitive to a declaration site and carries mutability, constancy and
// location. Primitives are interned per Context so one compilation unit
// sees exactly one instance per distinct type; a Context is never shared
// across units without external synchronization.
package types

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/tos-network/calla/ast"
)

// Capability tags a primitive with an abstract property so operators and
// builtins can validate against "any type with property X" instead of an
// exact type match.
type Capability uint32

const (
	CapNumeric Capability = 1 << iota
	CapInteger
	CapComparable // supports the ordered comparisons, not just equality
	CapSequence
	CapHashable // usable as a mapping key
	CapBoolean
)

// Primitive is a canonical type identity. Structural equality is defined
// by Same; interned primitives of one Context also compare by pointer.
type Primitive interface {
	// String is the canonical source-level spelling, e.g. "uint256",
	// "bytes4[3]", "map[address]uint256".
	String() string
	// Caps returns the capability group tags.
	Caps() Capability
	// Words is the ABI static encoding width in 32-byte words, or -1
	// when the type has no external encoding (mappings, events, ...).
	Words() int
}

// HasCap reports whether p exposes every capability in want.
func HasCap(p Primitive, want Capability) bool {
	return p != nil && p.Caps()&want == want
}

// Same is structural primitive equality.
func Same(a, b Primitive) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a == b {
		return true
	}
	return a.String() == b.String()
}

type (
	// IntPrim is an integer of a fixed width and signedness.
	IntPrim struct {
		Bits   int
		Signed bool
		min    *big.Int
		max    *big.Int
	}

	BoolPrim struct{}

	AddressPrim struct{}

	// BytesPrim is a fixed byte string of 1..32 bytes.
	BytesPrim struct{ N int }

	// ArrayPrim is a fixed-length array.
	ArrayPrim struct {
		Elem Primitive
		Len  int
	}

	// MapPrim is a storage-only mapping.
	MapPrim struct {
		Key   Primitive
		Value Primitive
	}

	// TuplePrim groups multiple return values.
	TuplePrim struct{ Elems []Primitive }

	StructField struct {
		Name string
		Type Primitive
	}

	StructPrim struct {
		Name   string
		Fields []StructField
	}

	// EnumPrim is a flag type; variants number from zero in declaration
	// order and are carried as uint256 words externally.
	EnumPrim struct {
		Name     string
		Variants []string
	}

	EventField struct {
		Name    string
		Type    Primitive
		Indexed bool
	}

	EventPrim struct {
		Name   string
		Fields []EventField
	}

	// FuncPrim is a callable definition: a contract function, an
	// interface method, or a builtin.
	FuncPrim struct {
		Name         string
		Visibility   ast.Visibility
		Mutability   ast.Mutability
		Nonreentrant bool
		ParamNames   []string
		Params       []Primitive
		Returns      []Primitive
		Selector     [4]byte // externals only
	}

	InterfacePrim struct {
		Name  string
		Funcs []*FuncPrim
	}
)

func (p *IntPrim) String() string {
	if p.Signed {
		return fmt.Sprintf("int%d", p.Bits)
	}
	return fmt.Sprintf("uint%d", p.Bits)
}
func (p *IntPrim) Caps() Capability { return CapNumeric | CapInteger | CapComparable | CapHashable }
func (p *IntPrim) Words() int       { return 1 }

// Min is the smallest representable value.
func (p *IntPrim) Min() *big.Int {
	if p.min == nil {
		if p.Signed {
			p.min = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), uint(p.Bits-1)))
		} else {
			p.min = new(big.Int)
		}
	}
	return p.min
}

// Max is the largest representable value.
func (p *IntPrim) Max() *big.Int {
	if p.max == nil {
		bits := uint(p.Bits)
		if p.Signed {
			bits--
		}
		p.max = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), bits), big.NewInt(1))
	}
	return p.max
}

// Fits reports whether v is representable in p.
func (p *IntPrim) Fits(v *big.Int) bool {
	return v.Cmp(p.Min()) >= 0 && v.Cmp(p.Max()) <= 0
}

func (BoolPrim) String() string   { return "bool" }
func (BoolPrim) Caps() Capability { return CapBoolean | CapHashable }
func (BoolPrim) Words() int       { return 1 }

func (AddressPrim) String() string   { return "address" }
func (AddressPrim) Caps() Capability { return CapHashable }
func (AddressPrim) Words() int       { return 1 }

func (p *BytesPrim) String() string   { return fmt.Sprintf("bytes%d", p.N) }
func (p *BytesPrim) Caps() Capability { return CapSequence | CapHashable }
func (p *BytesPrim) Words() int       { return 1 }

func (p *ArrayPrim) String() string   { return fmt.Sprintf("%s[%d]", p.Elem, p.Len) }
func (p *ArrayPrim) Caps() Capability { return CapSequence }
func (p *ArrayPrim) Words() int {
	ew := p.Elem.Words()
	if ew < 0 {
		return -1
	}
	return ew * p.Len
}

func (p *MapPrim) String() string   { return fmt.Sprintf("map[%s]%s", p.Key, p.Value) }
func (p *MapPrim) Caps() Capability { return 0 }
func (p *MapPrim) Words() int       { return -1 }

func (p *TuplePrim) String() string {
	parts := make([]string, len(p.Elems))
	for i, e := range p.Elems {
		parts[i] = e.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
func (p *TuplePrim) Caps() Capability { return 0 }
func (p *TuplePrim) Words() int {
	total := 0
	for _, e := range p.Elems {
		w := e.Words()
		if w < 0 {
			return -1
		}
		total += w
	}
	return total
}

func (p *StructPrim) String() string   { return p.Name }
func (p *StructPrim) Caps() Capability { return 0 }
func (p *StructPrim) Words() int {
	total := 0
	for _, f := range p.Fields {
		w := f.Type.Words()
		if w < 0 {
			return -1
		}
		total += w
	}
	return total
}

// FieldIndex returns the declared position of a field, or -1.
func (p *StructPrim) FieldIndex(name string) int {
	for i, f := range p.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// FieldOffset is the word offset of a field inside the struct encoding.
func (p *StructPrim) FieldOffset(index int) int {
	off := 0
	for i := 0; i < index; i++ {
		off += p.Fields[i].Type.Words()
	}
	return off
}

func (p *EnumPrim) String() string   { return p.Name }
func (p *EnumPrim) Caps() Capability { return CapComparable | CapHashable }
func (p *EnumPrim) Words() int       { return 1 }

// VariantIndex returns a variant's declared position, or -1.
func (p *EnumPrim) VariantIndex(name string) int {
	for i, v := range p.Variants {
		if v == name {
			return i
		}
	}
	return -1
}

func (p *EventPrim) String() string   { return p.Name }
func (p *EventPrim) Caps() Capability { return 0 }
func (p *EventPrim) Words() int       { return -1 }

func (p *FuncPrim) String() string {
	params := make([]string, len(p.Params))
	for i, t := range p.Params {
		params[i] = t.String()
	}
	s := fmt.Sprintf("fn %s(%s)", p.Name, strings.Join(params, ", "))
	if len(p.Returns) > 0 {
		rets := make([]string, len(p.Returns))
		for i, t := range p.Returns {
			rets[i] = t.String()
		}
		s += " -> " + strings.Join(rets, ", ")
	}
	return s
}
func (p *FuncPrim) Caps() Capability { return 0 }
func (p *FuncPrim) Words() int       { return -1 }

// ReturnType is the single return primitive, a TuplePrim for several, or
// nil for none.
func (p *FuncPrim) ReturnType() Primitive {
	switch len(p.Returns) {
	case 0:
		return nil
	case 1:
		return p.Returns[0]
	default:
		return &TuplePrim{Elems: p.Returns}
	}
}

func (p *InterfacePrim) String() string   { return p.Name }
func (p *InterfacePrim) Caps() Capability { return 0 }
func (p *InterfacePrim) Words() int       { return -1 }

// Func returns the named interface method, or nil.
func (p *InterfacePrim) Func(name string) *FuncPrim {
	for _, f := range p.Funcs {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// Location of a Definition's value.
type Location int

const (
	LocMemory Location = iota
	LocStorage
	LocCalldata
	LocCode // immutable post-deployment data segment
)

// Definition is a Primitive bound to a declaration site.
type Definition struct {
	Prim     Primitive
	Name     string
	Mutable  bool
	Constant bool
	Loc      Location

	// Slot is the assigned storage slot when Loc is LocStorage.
	Slot int
	// DataOffset is the data segment byte offset when Loc is LocCode.
	DataOffset int
	// Value is the folded constant when Constant is set.
	Value *big.Int
}

// Def wraps a primitive as an anonymous rvalue definition.
func Def(p Primitive) *Definition {
	return &Definition{Prim: p}
}

// Equal compares by underlying primitive: two definitions of the same
// primitive are equal regardless of declaration site.
func (d *Definition) Equal(o *Definition) bool {
	if d == nil || o == nil {
		return d == o
	}
	return Same(d.Prim, o.Prim)
}

// Context interns primitives and registers user types for one compilation
// unit. Not a process-wide global: the analyzer threads it explicitly.
type Context struct {
	interned map[string]Primitive
	users    map[string]Primitive
}

func NewContext() *Context {
	return &Context{
		interned: make(map[string]Primitive),
		users:    make(map[string]Primitive),
	}
}

func (c *Context) intern(p Primitive) Primitive {
	key := p.String()
	if got, ok := c.interned[key]; ok {
		return got
	}
	c.interned[key] = p
	return p
}

// Uint returns the canonical unsigned integer of the given width.
func (c *Context) Uint(bits int) *IntPrim {
	return c.intern(&IntPrim{Bits: bits}).(*IntPrim)
}

// Int returns the canonical signed integer of the given width.
func (c *Context) Int(bits int) *IntPrim {
	return c.intern(&IntPrim{Bits: bits, Signed: true}).(*IntPrim)
}

func (c *Context) Bool() Primitive    { return c.intern(BoolPrim{}) }
func (c *Context) Address() Primitive { return c.intern(AddressPrim{}) }

func (c *Context) Bytes(n int) Primitive { return c.intern(&BytesPrim{N: n}) }

func (c *Context) Array(elem Primitive, n int) *ArrayPrim {
	return c.intern(&ArrayPrim{Elem: elem, Len: n}).(*ArrayPrim)
}

func (c *Context) Map(key, value Primitive) *MapPrim {
	return c.intern(&MapPrim{Key: key, Value: value}).(*MapPrim)
}

// RegisterUser records a constructed user type (struct, enum, event,
// interface) under its declared name. Redefinition is the caller's error
// to diagnose; the last registration wins here.
func (c *Context) RegisterUser(name string, p Primitive) {
	c.users[name] = p
	c.interned[p.String()] = p
}

// User looks up a registered user type.
func (c *Context) User(name string) (Primitive, bool) {
	p, ok := c.users[name]
	return p, ok
}

// integerWidths are the accepted unsigned widths; signed ints come in
// 128 and 256 bits only.
var integerWidths = [...]int{8, 16, 32, 64, 128, 256}

// builtinNamed resolves the builtin scalar type names.
func (c *Context) builtinNamed(name string) (Primitive, bool) {
	switch name {
	case "bool":
		return c.Bool(), true
	case "address":
		return c.Address(), true
	}
	if strings.HasPrefix(name, "uint") {
		for _, w := range integerWidths {
			if name == fmt.Sprintf("uint%d", w) {
				return c.Uint(w), true
			}
		}
		return nil, false
	}
	if name == "int128" {
		return c.Int(128), true
	}
	if name == "int256" {
		return c.Int(256), true
	}
	if strings.HasPrefix(name, "bytes") {
		var n int
		if _, err := fmt.Sscanf(name, "bytes%d", &n); err == nil && n >= 1 && n <= 32 {
			return c.Bytes(n), true
		}
	}
	return nil, false
}
