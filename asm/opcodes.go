// Package asm turns lowered instruction streams into TVM bytecode: it
// sizes and resolves symbolic labels, runs the peephole pass, splits the
// deployment and runtime blobs and keeps the byte-offset source map.
package asm

import "fmt"

// Opcode is a one-byte TVM operation.
type Opcode byte

const (
	STOP   Opcode = 0x00
	ADD    Opcode = 0x01
	MUL    Opcode = 0x02
	SUB    Opcode = 0x03
	DIV    Opcode = 0x04
	SDIV   Opcode = 0x05
	MOD    Opcode = 0x06
	SMOD   Opcode = 0x07
	EXP    Opcode = 0x0a

	LT     Opcode = 0x10
	GT     Opcode = 0x11
	SLT    Opcode = 0x12
	SGT    Opcode = 0x13
	EQ     Opcode = 0x14
	ISZERO Opcode = 0x15
	AND    Opcode = 0x16
	OR     Opcode = 0x17
	XOR    Opcode = 0x18
	NOT    Opcode = 0x19
	SHL    Opcode = 0x1b
	SHR    Opcode = 0x1c
	SAR    Opcode = 0x1d

	KECCAK256 Opcode = 0x20

	ADDRESS        Opcode = 0x30
	CALLER         Opcode = 0x33
	CALLVALUE      Opcode = 0x34
	CALLDATALOAD   Opcode = 0x35
	CALLDATASIZE   Opcode = 0x36
	CALLDATACOPY   Opcode = 0x37
	CODESIZE       Opcode = 0x38
	CODECOPY       Opcode = 0x39
	RETURNDATASIZE Opcode = 0x3d
	RETURNDATACOPY Opcode = 0x3e

	TIMESTAMP Opcode = 0x42
	NUMBER    Opcode = 0x43

	POP      Opcode = 0x50
	MLOAD    Opcode = 0x51
	MSTORE   Opcode = 0x52
	MSTORE8  Opcode = 0x53
	SLOAD    Opcode = 0x54
	SSTORE   Opcode = 0x55
	JUMP     Opcode = 0x56
	JUMPI    Opcode = 0x57
	JUMPDEST Opcode = 0x5b
	GAS      Opcode = 0x5a

	PUSH0  Opcode = 0x5f
	PUSH1  Opcode = 0x60
	PUSH32 Opcode = 0x7f

	DUP1  Opcode = 0x80
	SWAP1 Opcode = 0x90

	LOG0 Opcode = 0xa0

	CALL       Opcode = 0xf1
	RETURN     Opcode = 0xf3
	STATICCALL Opcode = 0xfa
	REVERT     Opcode = 0xfd
	INVALID    Opcode = 0xfe
)

var opcodeNames = map[Opcode]string{
	STOP: "STOP", ADD: "ADD", MUL: "MUL", SUB: "SUB", DIV: "DIV",
	SDIV: "SDIV", MOD: "MOD", SMOD: "SMOD", EXP: "EXP",
	LT: "LT", GT: "GT", SLT: "SLT", SGT: "SGT", EQ: "EQ",
	ISZERO: "ISZERO", AND: "AND", OR: "OR", XOR: "XOR", NOT: "NOT",
	SHL: "SHL", SHR: "SHR", SAR: "SAR",
	KECCAK256: "KECCAK256",
	ADDRESS:   "ADDRESS", CALLER: "CALLER", CALLVALUE: "CALLVALUE",
	CALLDATALOAD: "CALLDATALOAD", CALLDATASIZE: "CALLDATASIZE",
	CALLDATACOPY: "CALLDATACOPY",
	CODESIZE:     "CODESIZE", CODECOPY: "CODECOPY",
	RETURNDATASIZE: "RETURNDATASIZE", RETURNDATACOPY: "RETURNDATACOPY",
	TIMESTAMP: "TIMESTAMP", NUMBER: "NUMBER",
	POP: "POP", MLOAD: "MLOAD", MSTORE: "MSTORE", MSTORE8: "MSTORE8",
	SLOAD: "SLOAD", SSTORE: "SSTORE",
	JUMP: "JUMP", JUMPI: "JUMPI", JUMPDEST: "JUMPDEST", GAS: "GAS",
	PUSH0: "PUSH0",
	CALL:  "CALL", RETURN: "RETURN", STATICCALL: "STATICCALL",
	REVERT: "REVERT", INVALID: "INVALID",
}

// String names an opcode, expanding the PUSH, DUP, SWAP and LOG ranges.
func (op Opcode) String() string {
	switch {
	case op >= PUSH1 && op <= PUSH32:
		return fmt.Sprintf("PUSH%d", op-PUSH1+1)
	case op >= DUP1 && op < DUP1+16:
		return fmt.Sprintf("DUP%d", op-DUP1+1)
	case op >= SWAP1 && op < SWAP1+16:
		return fmt.Sprintf("SWAP%d", op-SWAP1+1)
	case op >= LOG0 && op <= LOG0+4:
		return fmt.Sprintf("LOG%d", op-LOG0)
	}
	if s, ok := opcodeNames[op]; ok {
		return s
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", byte(op))
}

// PushBytes reports the immediate width of a PUSH opcode, zero for
// everything else.
func (op Opcode) PushBytes() int {
	if op >= PUSH1 && op <= PUSH32 {
		return int(op-PUSH1) + 1
	}
	return 0
}
