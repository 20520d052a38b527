package sema

import (
	"github.com/tos-network/calla/ast"
	"github.com/tos-network/calla/types"
)

// Builtin call names handled as special forms by the local pass. They are
// generic over their argument types, so their seeds carry no parameter
// list; the call checker owns their typing.
const (
	builtinConvert = "convert"
	builtinLen     = "len"
	builtinMin     = "min"
	builtinMax     = "max"
)

// Reserved expression roots. They are seeded so user declarations collide
// with them; their definitions are markers and never read.
const (
	reservedSelf  = "self"
	reservedMsg   = "msg"
	reservedBlock = "block"
)

// builtinSeed populates the frozen builtin scope: the builtin call
// catalog plus the reserved roots. Seeded once per compilation unit.
func builtinSeed(tc *types.Context) map[string]*types.Definition {
	seed := map[string]*types.Definition{
		reservedSelf:  {Name: reservedSelf, Constant: true},
		reservedMsg:   {Name: reservedMsg, Constant: true},
		reservedBlock: {Name: reservedBlock, Constant: true},
	}
	for _, name := range [...]string{builtinConvert, builtinLen, builtinMin, builtinMax} {
		seed[name] = &types.Definition{
			Name:     name,
			Constant: true,
			Prim: &types.FuncPrim{
				Name:       name,
				Visibility: ast.VisInternal,
				Mutability: ast.Pure,
			},
		}
	}
	return seed
}

func isBuiltinCall(name string) bool {
	switch name {
	case builtinConvert, builtinLen, builtinMin, builtinMax:
		return true
	}
	return false
}
