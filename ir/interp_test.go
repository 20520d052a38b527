package ir

// A small abstract machine over the instruction stream, used by the
// lowering tests. Labels resolve to instruction indexes, so PushLabel
// pushes the index and Jump consumes it; everything else follows the
// target's stack discipline.

import (
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/sha3"
)

var (
	wordMod  = new(big.Int).Lsh(big.NewInt(1), 256)
	wordMask = new(big.Int).Sub(wordMod, big.NewInt(1))
	signFlip = new(big.Int).Lsh(big.NewInt(1), 255)
)

func toSigned(v *big.Int) *big.Int {
	if v.Cmp(signFlip) >= 0 {
		return new(big.Int).Sub(v, wordMod)
	}
	return new(big.Int).Set(v)
}

func maskWord(v *big.Int) *big.Int {
	return new(big.Int).And(v, wordMask)
}

type logRecord struct {
	Topics []*big.Int
	Data   []byte
}

type machine struct {
	insts  []Inst
	labels map[string]int

	stack []*big.Int
	mem   map[int64]byte
	store map[string]*big.Int
	data  []*big.Int

	// code backs CodeCopy and CodeSize; externs resolve the labels the
	// assembler would define, as byte offsets into code.
	code    []byte
	externs map[string]int

	calldata  []byte
	callValue *big.Int
	caller    *big.Int

	logs     []logRecord
	reverted bool
	ret      []byte
	steps    int
}

func newMachine(insts []Inst, store map[string]*big.Int) *machine {
	m := &machine{
		insts:     insts,
		labels:    map[string]int{},
		mem:       map[int64]byte{},
		store:     store,
		callValue: big.NewInt(0),
		caller:    big.NewInt(0xca11e4),
	}
	for i, in := range insts {
		if in.Op == Label {
			m.labels[in.Name] = i
		}
	}
	return m
}

func (m *machine) push(v *big.Int) { m.stack = append(m.stack, maskWord(v)) }

func (m *machine) pop() (*big.Int, error) {
	if len(m.stack) == 0 {
		return nil, errors.New("stack underflow")
	}
	v := m.stack[len(m.stack)-1]
	m.stack = m.stack[:len(m.stack)-1]
	return v, nil
}

func (m *machine) pop2() (x, y *big.Int, err error) {
	if x, err = m.pop(); err != nil {
		return
	}
	y, err = m.pop()
	return
}

func (m *machine) storeWord(off, v *big.Int) {
	base := off.Int64()
	for i := 0; i < 32; i++ {
		m.mem[base+int64(31-i)] = byte(new(big.Int).Rsh(v, uint(8*i)).Uint64())
	}
}

func (m *machine) loadWord(off *big.Int) *big.Int {
	base := off.Int64()
	v := new(big.Int)
	for i := int64(0); i < 32; i++ {
		v.Lsh(v, 8)
		v.Or(v, big.NewInt(int64(m.mem[base+i])))
	}
	return v
}

func (m *machine) memBytes(off, size *big.Int) []byte {
	base, n := off.Int64(), size.Int64()
	out := make([]byte, n)
	for i := int64(0); i < n; i++ {
		out[i] = m.mem[base+i]
	}
	return out
}

func (m *machine) calldataWord(off *big.Int) *big.Int {
	base := off.Int64()
	buf := make([]byte, 32)
	for i := int64(0); i < 32; i++ {
		if base+i < int64(len(m.calldata)) {
			buf[i] = m.calldata[base+i]
		}
	}
	return new(big.Int).SetBytes(buf)
}

func boolWord(b bool) *big.Int {
	if b {
		return big.NewInt(1)
	}
	return big.NewInt(0)
}

// run executes until Stop, Return, Revert or Invalid. Revert and
// Invalid are regular outcomes, visible as m.reverted; malformed
// streams surface as errors.
func (m *machine) run() error {
	pc := 0
	for pc < len(m.insts) {
		m.steps++
		if m.steps > 1<<20 {
			return errors.New("step budget exhausted")
		}
		in := m.insts[pc]
		pc++
		switch in.Op {
		case Label:
			// marker only
		case Push:
			m.push(in.Imm)
		case PushLabel:
			if idx, ok := m.labels[in.Name]; ok {
				m.push(big.NewInt(int64(idx)))
			} else if off, ok := m.externs[in.Name]; ok {
				m.push(big.NewInt(int64(off)))
			} else {
				return fmt.Errorf("undefined label %q", in.Name)
			}
		case PushData:
			w := in.Imm.Int64() / 32
			if w < 0 || w >= int64(len(m.data)) {
				return fmt.Errorf("data read at %d outside segment", in.Imm)
			}
			m.push(m.data[w])
		case Pop:
			if _, err := m.pop(); err != nil {
				return err
			}
		case Dup:
			n := int(in.Imm.Int64())
			if n < 1 || n > len(m.stack) {
				return fmt.Errorf("dup %d beyond stack depth %d", n, len(m.stack))
			}
			m.push(m.stack[len(m.stack)-n])
		case Swap:
			n := int(in.Imm.Int64())
			if n < 1 || n >= len(m.stack) {
				return fmt.Errorf("swap %d beyond stack depth %d", n, len(m.stack))
			}
			i, j := len(m.stack)-1, len(m.stack)-1-n
			m.stack[i], m.stack[j] = m.stack[j], m.stack[i]
		case Jump:
			dest, err := m.pop()
			if err != nil {
				return err
			}
			pc = int(dest.Int64())
		case JumpI:
			dest, cond, err := m.popJump()
			if err != nil {
				return err
			}
			if cond.Sign() != 0 {
				pc = dest
			}
		case Stop:
			return nil
		case Return:
			off, size, err := m.pop2()
			if err != nil {
				return err
			}
			m.ret = m.memBytes(off, size)
			return nil
		case Revert:
			off, size, err := m.pop2()
			if err != nil {
				return err
			}
			m.ret = m.memBytes(off, size)
			m.reverted = true
			return nil
		case Invalid:
			m.reverted = true
			return nil
		case MLoad:
			off, err := m.pop()
			if err != nil {
				return err
			}
			m.push(m.loadWord(off))
		case MStore:
			off, v, err := m.pop2()
			if err != nil {
				return err
			}
			m.storeWord(off, v)
		case MStore8:
			off, v, err := m.pop2()
			if err != nil {
				return err
			}
			m.mem[off.Int64()] = byte(v.Uint64())
		case SLoad:
			key, err := m.pop()
			if err != nil {
				return err
			}
			v, ok := m.store[key.String()]
			if !ok {
				v = big.NewInt(0)
			}
			m.push(v)
		case SStore:
			key, v, err := m.pop2()
			if err != nil {
				return err
			}
			m.store[key.String()] = v
		case CalldataLoad:
			off, err := m.pop()
			if err != nil {
				return err
			}
			m.push(m.calldataWord(off))
		case CalldataSize:
			m.push(big.NewInt(int64(len(m.calldata))))
		case CalldataCopy:
			dest, err := m.pop()
			if err != nil {
				return err
			}
			off, size, err := m.pop2()
			if err != nil {
				return err
			}
			for i := int64(0); i < size.Int64(); i++ {
				var b byte
				if off.Int64()+i < int64(len(m.calldata)) {
					b = m.calldata[off.Int64()+i]
				}
				m.mem[dest.Int64()+i] = b
			}
		case CodeSize:
			m.push(big.NewInt(int64(len(m.code))))
		case CodeCopy:
			dest, err := m.pop()
			if err != nil {
				return err
			}
			off, size, err := m.pop2()
			if err != nil {
				return err
			}
			for i := int64(0); i < size.Int64(); i++ {
				var b byte
				if off.Int64()+i < int64(len(m.code)) {
					b = m.code[off.Int64()+i]
				}
				m.mem[dest.Int64()+i] = b
			}
		case Add, Sub, Mul, Div, SDiv, Mod, SMod, Exp, And, Or, Xor, Lt, Gt, SLt, SGt, Eq, Shl, Shr, Sar:
			x, y, err := m.pop2()
			if err != nil {
				return err
			}
			m.push(m.binary(in.Op, x, y))
		case Not:
			x, err := m.pop()
			if err != nil {
				return err
			}
			m.push(new(big.Int).Xor(x, wordMask))
		case IsZero:
			x, err := m.pop()
			if err != nil {
				return err
			}
			m.push(boolWord(x.Sign() == 0))
		case Caller:
			m.push(m.caller)
		case CallValue:
			m.push(m.callValue)
		case Timestamp:
			m.push(big.NewInt(1_725_000_000))
		case Number:
			m.push(big.NewInt(123))
		case SelfAddress:
			m.push(big.NewInt(0xc0de))
		case Gas:
			m.push(big.NewInt(1_000_000))
		case Keccak:
			off, size, err := m.pop2()
			if err != nil {
				return err
			}
			h := sha3.NewLegacyKeccak256()
			h.Write(m.memBytes(off, size))
			m.push(new(big.Int).SetBytes(h.Sum(nil)))
		case Log:
			off, size, err := m.pop2()
			if err != nil {
				return err
			}
			rec := logRecord{Data: m.memBytes(off, size)}
			for i := int64(0); i < in.Imm.Int64(); i++ {
				topic, err := m.pop()
				if err != nil {
					return err
				}
				rec.Topics = append(rec.Topics, topic)
			}
			m.logs = append(m.logs, rec)
		default:
			return fmt.Errorf("op %s outside the runtime model", in.Op)
		}
	}
	return errors.New("fell off the end of the stream")
}

func (m *machine) popJump() (int, *big.Int, error) {
	dest, err := m.pop()
	if err != nil {
		return 0, nil, err
	}
	cond, err := m.pop()
	if err != nil {
		return 0, nil, err
	}
	return int(dest.Int64()), cond, nil
}

// binary applies f(x, y) where x was on top. Shift amounts are the
// first operand, the shifted value the second.
func (m *machine) binary(op Op, x, y *big.Int) *big.Int {
	switch op {
	case Add:
		return new(big.Int).Add(x, y)
	case Sub:
		return new(big.Int).Sub(x, y)
	case Mul:
		return new(big.Int).Mul(x, y)
	case Div:
		if y.Sign() == 0 {
			return big.NewInt(0)
		}
		return new(big.Int).Quo(x, y)
	case SDiv:
		sx, sy := toSigned(x), toSigned(y)
		if sy.Sign() == 0 {
			return big.NewInt(0)
		}
		return new(big.Int).Quo(sx, sy)
	case Mod:
		if y.Sign() == 0 {
			return big.NewInt(0)
		}
		return new(big.Int).Rem(x, y)
	case SMod:
		sx, sy := toSigned(x), toSigned(y)
		if sy.Sign() == 0 {
			return big.NewInt(0)
		}
		return new(big.Int).Rem(sx, sy)
	case Exp:
		return new(big.Int).Exp(x, y, wordMod)
	case And:
		return new(big.Int).And(x, y)
	case Or:
		return new(big.Int).Or(x, y)
	case Xor:
		return new(big.Int).Xor(x, y)
	case Lt:
		return boolWord(x.Cmp(y) < 0)
	case Gt:
		return boolWord(x.Cmp(y) > 0)
	case SLt:
		return boolWord(toSigned(x).Cmp(toSigned(y)) < 0)
	case SGt:
		return boolWord(toSigned(x).Cmp(toSigned(y)) > 0)
	case Eq:
		return boolWord(x.Cmp(y) == 0)
	case Shl:
		if x.Cmp(big.NewInt(256)) >= 0 {
			return big.NewInt(0)
		}
		return new(big.Int).Lsh(y, uint(x.Uint64()))
	case Shr:
		if x.Cmp(big.NewInt(256)) >= 0 {
			return big.NewInt(0)
		}
		return new(big.Int).Rsh(y, uint(x.Uint64()))
	case Sar:
		if x.Cmp(big.NewInt(256)) >= 0 {
			x = big.NewInt(255)
		}
		return new(big.Int).Rsh(toSigned(y), uint(x.Uint64()))
	}
	panic("unreachable")
}
