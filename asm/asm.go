package asm

import (
	"math/big"

	"github.com/tos-network/calla/diag"
	"github.com/tos-network/calla/ir"
)

// Target selects the machine revision. tvm2 adds PUSH0.
type Target string

const (
	TVM1 Target = "tvm1"
	TVM2 Target = "tvm2"
)

// Options steer one assembly run.
type Options struct {
	Target   Target
	Optimize bool
}

// MapEntry ties a bytecode offset to the source span it came from.
type MapEntry struct {
	Offset int       `json:"offset"`
	Span   diag.Span `json:"span"`
}

// Output is the assembled module. Deploy embeds the runtime blob; the
// runtime blob ends with the zeroed data segment that deployment fills
// in.
type Output struct {
	Deploy  []byte
	Runtime []byte

	// RuntimeSplit is where the data segment starts inside Runtime.
	RuntimeSplit int

	SourceMap []MapEntry // runtime stream
	DeployMap []MapEntry
	Symbols   map[string]int // runtime labels by offset
}

// label sizing starts at two bytes and may only grow; the fixed point
// settles within a few rounds or the assembler is broken.
const maxSizingRounds = 8

// item is one assembly unit: a label definition, a constant push, a
// label push of variable width, or a plain opcode.
type item struct {
	kind  itemKind
	op    Opcode
	value *big.Int
	name  string
	width int // pushLabel immediate width
	span  diag.Span
}

type itemKind int

const (
	itemOp itemKind = iota
	itemLabel
	itemPushConst
	itemPushLabel
)

// Assemble resolves both streams of a lowered program into bytecode.
func Assemble(prog *ir.Program, opts Options) (*Output, *diag.Diagnostic) {
	if opts.Target == "" {
		opts.Target = TVM2
	}
	a := &assembler{target: opts.Target}

	runtimeItems, derr := a.convert(prog.Runtime)
	if derr != nil {
		return nil, derr
	}
	deployItems, derr := a.convert(prog.Deploy)
	if derr != nil {
		return nil, derr
	}
	if opts.Optimize {
		runtimeItems = peephole(runtimeItems)
		deployItems = peephole(deployItems)
	}

	dataLen := prog.DataWords * 32

	runtimeCode, runtimeMap, runtimeSyms, derr := a.resolve(runtimeItems, func(name string, codeLen int) (int, bool) {
		if name == "__data" {
			return codeLen, true
		}
		return 0, false
	})
	if derr != nil {
		return nil, derr
	}

	runtimeBlob := append(append([]byte{}, runtimeCode...), make([]byte, dataLen)...)

	deployCode, deployMap, _, derr := a.resolve(deployItems, func(name string, codeLen int) (int, bool) {
		switch name {
		case "__runtime":
			return codeLen, true
		case "__data":
			return codeLen + len(runtimeCode), true
		case "__end":
			return codeLen + len(runtimeBlob), true
		}
		return 0, false
	})
	if derr != nil {
		return nil, derr
	}

	return &Output{
		Deploy:       append(deployCode, runtimeBlob...),
		Runtime:      runtimeBlob,
		RuntimeSplit: len(runtimeCode),
		SourceMap:    runtimeMap,
		DeployMap:    deployMap,
		Symbols:      runtimeSyms,
	}, nil
}

type assembler struct {
	target Target
}

var directOps = map[ir.Op]Opcode{
	ir.Pop: POP, ir.Jump: JUMP, ir.JumpI: JUMPI,
	ir.Stop: STOP, ir.Return: RETURN, ir.Revert: REVERT, ir.Invalid: INVALID,
	ir.MLoad: MLOAD, ir.MStore: MSTORE, ir.MStore8: MSTORE8,
	ir.SLoad: SLOAD, ir.SStore: SSTORE,
	ir.CalldataLoad: CALLDATALOAD, ir.CalldataSize: CALLDATASIZE,
	ir.CalldataCopy: CALLDATACOPY,
	ir.Add:          ADD, ir.Sub: SUB, ir.Mul: MUL, ir.Div: DIV, ir.SDiv: SDIV,
	ir.Mod: MOD, ir.SMod: SMOD, ir.Exp: EXP,
	ir.Not: NOT, ir.And: AND, ir.Or: OR, ir.Xor: XOR,
	ir.Shl: SHL, ir.Shr: SHR, ir.Sar: SAR,
	ir.Lt: LT, ir.Gt: GT, ir.SLt: SLT, ir.SGt: SGT,
	ir.Eq: EQ, ir.IsZero: ISZERO,
	ir.Caller: CALLER, ir.CallValue: CALLVALUE,
	ir.Timestamp: TIMESTAMP, ir.Number: NUMBER,
	ir.SelfAddress: ADDRESS, ir.Gas: GAS,
	ir.Keccak: KECCAK256,
	ir.Call:   CALL, ir.StaticCall: STATICCALL,
	ir.ReturnDataSize: RETURNDATASIZE, ir.ReturnDataCopy: RETURNDATACOPY,
	ir.CodeCopy: CODECOPY, ir.CodeSize: CODESIZE,
}

func (a *assembler) convert(insts []ir.Inst) ([]item, *diag.Diagnostic) {
	items := make([]item, 0, len(insts))
	for _, in := range insts {
		switch in.Op {
		case ir.Label:
			items = append(items, item{kind: itemLabel, name: in.Name, span: in.Span})
		case ir.Push:
			items = append(items, item{kind: itemPushConst, value: in.Imm, span: in.Span})
		case ir.PushLabel:
			items = append(items, item{kind: itemPushLabel, name: in.Name, width: 2, span: in.Span})
		case ir.Dup:
			n := in.Imm.Int64()
			if n < 1 || n > 16 {
				ice := diag.Internal(diag.PhaseAsm, "dup depth %d out of range", n)
				return nil, &ice
			}
			items = append(items, item{kind: itemOp, op: DUP1 + Opcode(n-1), span: in.Span})
		case ir.Swap:
			n := in.Imm.Int64()
			if n < 1 || n > 16 {
				ice := diag.Internal(diag.PhaseAsm, "swap depth %d out of range", n)
				return nil, &ice
			}
			items = append(items, item{kind: itemOp, op: SWAP1 + Opcode(n-1), span: in.Span})
		case ir.Log:
			n := in.Imm.Int64()
			if n < 0 || n > 4 {
				ice := diag.Internal(diag.PhaseAsm, "log topic count %d out of range", n)
				return nil, &ice
			}
			items = append(items, item{kind: itemOp, op: LOG0 + Opcode(n), span: in.Span})
		default:
			op, ok := directOps[in.Op]
			if !ok {
				ice := diag.Internal(diag.PhaseAsm, "no encoding for %s", in.Op)
				return nil, &ice
			}
			items = append(items, item{kind: itemOp, op: op, span: in.Span})
		}
	}
	return items, nil
}

// resolve sizes label pushes to a fixed point, then emits bytes. extern
// supplies the offsets of the layout symbols the stream itself does not
// define; they may depend on the stream's final length.
func (a *assembler) resolve(items []item, extern func(name string, codeLen int) (int, bool)) ([]byte, []MapEntry, map[string]int, *diag.Diagnostic) {
	var labels map[string]int
	var codeLen int

	layout := func() {
		labels = make(map[string]int)
		off := 0
		for i := range items {
			if items[i].kind == itemLabel {
				labels[items[i].name] = off
			}
			off += a.itemSize(&items[i])
		}
		codeLen = off
	}

	settled := false
	for round := 0; round < maxSizingRounds; round++ {
		layout()
		changed := false
		for i := range items {
			it := &items[i]
			if it.kind != itemPushLabel {
				continue
			}
			target, ok := labels[it.name]
			if !ok {
				if target, ok = extern(it.name, codeLen); !ok {
					return nil, nil, nil, &diag.Diagnostic{
						Code:    diag.CodeAsmUnresolvedLabel,
						Phase:   diag.PhaseAsm,
						Message: "unresolved label " + it.name,
						Span:    it.span,
					}
				}
			}
			if need := byteLen(target); need > it.width {
				it.width = need
				changed = true
			}
		}
		if !changed {
			settled = true
			break
		}
	}
	if !settled {
		ice := diag.Internal(diag.PhaseAsm, "label sizing did not settle in %d rounds", maxSizingRounds)
		return nil, nil, nil, &ice
	}

	layout()
	code := make([]byte, 0, codeLen)
	var srcMap []MapEntry
	for i := range items {
		it := &items[i]
		if it.span.Valid() {
			srcMap = append(srcMap, MapEntry{Offset: len(code), Span: it.span})
		}
		switch it.kind {
		case itemLabel:
			code = append(code, byte(JUMPDEST))
		case itemOp:
			code = append(code, byte(it.op))
		case itemPushConst:
			code = a.emitPush(code, it.value)
		case itemPushLabel:
			target, ok := labels[it.name]
			if !ok {
				target, _ = extern(it.name, codeLen)
			}
			code = append(code, byte(PUSH1)+byte(it.width-1))
			code = appendUint(code, target, it.width)
		}
	}
	return code, srcMap, labels, nil
}

func (a *assembler) itemSize(it *item) int {
	switch it.kind {
	case itemLabel:
		return 1 // JUMPDEST
	case itemOp:
		return 1
	case itemPushConst:
		if it.value.Sign() == 0 && a.target == TVM2 {
			return 1 // PUSH0
		}
		return 1 + maxInt(1, len(it.value.Bytes()))
	case itemPushLabel:
		return 1 + it.width
	}
	return 0
}

func (a *assembler) emitPush(code []byte, v *big.Int) []byte {
	if v.Sign() == 0 {
		if a.target == TVM2 {
			return append(code, byte(PUSH0))
		}
		return append(code, byte(PUSH1), 0x00)
	}
	b := v.Bytes()
	code = append(code, byte(PUSH1)+byte(len(b)-1))
	return append(code, b...)
}

func byteLen(v int) int {
	n := 1
	for v > 0xff {
		v >>= 8
		n++
	}
	return n
}

func appendUint(code []byte, v, width int) []byte {
	for i := width - 1; i >= 0; i-- {
		code = append(code, byte(v>>(8*i)))
	}
	return code
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
