// Package ir is the bridge between the analyzed tree and the assembler.
// Lowering flattens statements into a linear instruction stream over the
// machine's operand spaces; control flow is symbolic labels, resolved
// later by the assembler.
package ir

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/tos-network/calla/diag"
)

// Op is an abstract machine operation. Most ops map one to one onto a
// target opcode; Label, PushLabel and PushData are resolved during
// assembly.
type Op int

const (
	// Stack space.
	Push Op = iota // push Imm as a 256-bit word
	PushLabel      // push the resolved offset of Label
	PushData       // push the runtime value at data-segment offset Imm
	Pop
	Dup  // duplicate the N-th stack slot, N = Imm
	Swap // swap top with the N-th stack slot, N = Imm

	// Control flow.
	Label // define Name at the current offset
	Jump
	JumpI
	Stop
	Return
	Revert
	Invalid

	// Memory space.
	MLoad
	MStore
	MStore8

	// Storage space.
	SLoad
	SStore

	// Call-data space.
	CalldataLoad
	CalldataSize
	CalldataCopy

	// Arithmetic and logic.
	Add
	Sub
	Mul
	Div
	SDiv
	Mod
	SMod
	Exp
	Not
	And
	Or
	Xor
	Shl
	Shr
	Sar
	Lt
	Gt
	SLt
	SGt
	Eq
	IsZero

	// Environment.
	Caller
	CallValue
	Timestamp
	Number
	SelfAddress
	Gas

	// Hashing, logging, external calls.
	Keccak
	Log // Imm = topic count
	Call
	StaticCall
	ReturnDataSize
	ReturnDataCopy

	// Deploy support.
	CodeCopy
	CodeSize
)

var opNames = map[Op]string{
	Push: "push", PushLabel: "pushl", PushData: "pushd",
	Pop: "pop", Dup: "dup", Swap: "swap",
	Label: "label", Jump: "jump", JumpI: "jumpi",
	Stop: "stop", Return: "return", Revert: "revert", Invalid: "invalid",
	MLoad: "mload", MStore: "mstore", MStore8: "mstore8",
	SLoad: "sload", SStore: "sstore",
	CalldataLoad: "calldataload", CalldataSize: "calldatasize", CalldataCopy: "calldatacopy",
	Add: "add", Sub: "sub", Mul: "mul", Div: "div", SDiv: "sdiv",
	Mod: "mod", SMod: "smod", Exp: "exp",
	Not: "not", And: "and", Or: "or", Xor: "xor",
	Shl: "shl", Shr: "shr", Sar: "sar",
	Lt: "lt", Gt: "gt", SLt: "slt", SGt: "sgt", Eq: "eq", IsZero: "iszero",
	Caller: "caller", CallValue: "callvalue",
	Timestamp: "timestamp", Number: "number", SelfAddress: "address", Gas: "gas",
	Keccak: "keccak", Log: "log",
	Call: "call", StaticCall: "staticcall",
	ReturnDataSize: "returndatasize", ReturnDataCopy: "returndatacopy",
	CodeCopy: "codecopy", CodeSize: "codesize",
}

func (op Op) String() string {
	if s, ok := opNames[op]; ok {
		return s
	}
	return fmt.Sprintf("op(%d)", int(op))
}

// Inst is one lowered instruction. Imm is set for Push, PushData, Dup,
// Swap and Log; Name is set for Label, PushLabel.
type Inst struct {
	Op   Op
	Imm  *big.Int
	Name string
	Span diag.Span
}

func (in Inst) String() string {
	switch in.Op {
	case Label:
		return in.Name + ":"
	case PushLabel:
		return "pushl " + in.Name
	case Push, PushData, Dup, Swap, Log:
		return fmt.Sprintf("%s %s", in.Op, in.Imm)
	}
	return in.Op.String()
}

// Program is the lowered module: a deploy stream that initializes
// storage and immutables, and a runtime stream beginning with the
// selector dispatcher. The data segment carries immutable values and is
// appended to the runtime blob by the assembler.
type Program struct {
	Name    string
	Deploy  []Inst
	Runtime []Inst

	// DataWords is the data-segment length in 32-byte words.
	DataWords int

	// Functions lists the lowered functions in declaration order, for
	// listings and the signature table.
	Functions []*Function
}

// Function records where a source function landed in the streams.
type Function struct {
	Name     string
	Entry    string // entry label in the runtime stream
	External bool
	Selector [4]byte
}

// Listing renders a stream in a stable one-instruction-per-line form.
func Listing(insts []Inst) string {
	var b strings.Builder
	for _, in := range insts {
		if in.Op != Label {
			b.WriteString("\t")
		}
		b.WriteString(in.String())
		b.WriteString("\n")
	}
	return b.String()
}
