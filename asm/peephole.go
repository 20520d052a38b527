package asm

// peephole rewrites short windows of the item stream. Windows never
// cross a label: a jump may land between any two instructions that
// follow one, so only straight-line runs are safe to rewrite.
func peephole(items []item) []item {
	for {
		out, changed := peepholeOnce(items)
		if !changed {
			return out
		}
		items = out
	}
}

func peepholeOnce(items []item) ([]item, bool) {
	out := make([]item, 0, len(items))
	changed := false
	for i := 0; i < len(items); i++ {
		it := items[i]

		// push x; pop
		if (it.kind == itemPushConst || it.kind == itemPushLabel) &&
			nextIsOp(items, i+1, POP) {
			i++
			changed = true
			continue
		}
		if it.kind != itemOp {
			out = append(out, it)
			continue
		}
		switch it.op {
		case DUP1:
			if nextIsOp(items, i+1, POP) {
				i++
				changed = true
				continue
			}
		case SWAP1:
			if nextIsOp(items, i+1, SWAP1) {
				i++
				changed = true
				continue
			}
		case NOT:
			if nextIsOp(items, i+1, NOT) {
				i++
				changed = true
				continue
			}
		case ISZERO:
			if nextIsOp(items, i+1, ISZERO) && nextIsOp(items, i+2, ISZERO) {
				i += 2
				changed = true
				out = append(out, it)
				continue
			}
		}
		out = append(out, it)
	}
	return out, changed
}

func nextIsOp(items []item, i int, op Opcode) bool {
	return i < len(items) && items[i].kind == itemOp && items[i].op == op
}
