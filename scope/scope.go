// Package scope is the namespace manager: an ordered stack of name →
// definition scopes with strict LIFO discipline. The builtin scope is the
// permanent base, seeded once per compilation unit and frozen afterwards.
package scope

import (
	"fmt"

	"github.com/tos-network/calla/diag"
	"github.com/tos-network/calla/types"
)

type scopeLevel struct {
	names map[string]*types.Definition
	order []string
}

// Namespace is one unit's scope chain. It is not safe for concurrent use;
// each compilation unit owns its own instance.
type Namespace struct {
	levels []*scopeLevel
	frozen int // levels below this index reject Define
}

// New returns a namespace holding only the builtin scope, populated from
// seed and frozen.
func New(seed map[string]*types.Definition) *Namespace {
	base := &scopeLevel{names: make(map[string]*types.Definition, len(seed))}
	for name, def := range seed {
		base.names[name] = def
		base.order = append(base.order, name)
	}
	return &Namespace{levels: []*scopeLevel{base}, frozen: 1}
}

// Depth is the number of open scopes including the builtin base.
func (ns *Namespace) Depth() int { return len(ns.levels) }

// Enter pushes a fresh scope and returns its release function. The
// release must run on every exit path, including failing ones; deferring
// it at the call site keeps the pop paired with the push even when the
// walk below raises. Releasing out of order is an internal error.
func (ns *Namespace) Enter() func() {
	level := &scopeLevel{names: make(map[string]*types.Definition)}
	ns.levels = append(ns.levels, level)
	want := len(ns.levels)
	released := false
	return func() {
		if released {
			return
		}
		released = true
		if len(ns.levels) != want {
			panic(fmt.Sprintf("scope: release at depth %d, expected %d", len(ns.levels), want))
		}
		ns.levels = ns.levels[:len(ns.levels)-1]
	}
}

// Define binds name in the innermost scope. Shadowing any name in the
// currently open chain is a collision.
func (ns *Namespace) Define(name string, def *types.Definition, span diag.Span) *diag.Diagnostic {
	for _, level := range ns.levels {
		if _, exists := level.names[name]; exists {
			return &diag.Diagnostic{
				Code:    diag.CodeNameCollision,
				Phase:   diag.PhaseNamespace,
				Message: fmt.Sprintf("name %q is already defined", name),
				Span:    span,
			}
		}
	}
	top := ns.levels[len(ns.levels)-1]
	if len(ns.levels) <= ns.frozen {
		return &diag.Diagnostic{
			Code:    diag.CodeInternal,
			Phase:   diag.PhaseNamespace,
			Message: fmt.Sprintf("attempt to define %q in the frozen builtin scope", name),
			Span:    span,
		}
	}
	top.names[name] = def
	top.order = append(top.order, name)
	return nil
}

// Lookup walks the chain innermost to outermost.
func (ns *Namespace) Lookup(name string, span diag.Span) (*types.Definition, *diag.Diagnostic) {
	for i := len(ns.levels) - 1; i >= 0; i-- {
		if def, ok := ns.levels[i].names[name]; ok {
			return def, nil
		}
	}
	return nil, &diag.Diagnostic{
		Code:    diag.CodeUndeclaredName,
		Phase:   diag.PhaseNamespace,
		Message: fmt.Sprintf("undeclared name %q", name),
		Span:    span,
	}
}

// Resolve is Lookup without a diagnostic, for probing.
func (ns *Namespace) Resolve(name string) (*types.Definition, bool) {
	for i := len(ns.levels) - 1; i >= 0; i-- {
		if def, ok := ns.levels[i].names[name]; ok {
			return def, true
		}
	}
	return nil, false
}

// ModuleNames lists the names bound in the module scope (the first scope
// above the builtin base), in definition order.
func (ns *Namespace) ModuleNames() []string {
	if len(ns.levels) < 2 {
		return nil
	}
	return append([]string(nil), ns.levels[1].order...)
}
