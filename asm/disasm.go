package asm

import (
	"fmt"
	"strings"
)

// Disassemble renders bytecode as one instruction per line with byte
// offsets. Truncated push immediates at the end of the blob are shown
// as-is; data segments disassemble to whatever their bytes spell.
func Disassemble(code []byte) string {
	var b strings.Builder
	for pc := 0; pc < len(code); {
		op := Opcode(code[pc])
		fmt.Fprintf(&b, "%06x: %s", pc, op)
		pc++
		if n := op.PushBytes(); n > 0 {
			end := pc + n
			if end > len(code) {
				end = len(code)
			}
			fmt.Fprintf(&b, " 0x%x", code[pc:end])
			pc = end
		}
		b.WriteByte('\n')
	}
	return b.String()
}
