package ir

import (
	"bytes"
	"math/big"
	"testing"

	"golang.org/x/crypto/sha3"

	"github.com/tos-network/calla/ast"
	"github.com/tos-network/calla/diag"
	"github.com/tos-network/calla/sema"
)

func lowerProgram(t *testing.T, src string) *Program {
	t.Helper()
	m, err := ast.DecodeModule([]byte(src))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	res, diags := sema.Analyze(m)
	if diags.HasErrors() {
		t.Fatalf("analyze: %v", diags)
	}
	prog, derr := Build(res)
	if derr != nil {
		t.Fatalf("lower: %v", derr)
	}
	return prog
}

func externalNamed(t *testing.T, prog *Program, name string) *Function {
	t.Helper()
	for _, f := range prog.Functions {
		if f.Name == name {
			if !f.External {
				t.Fatalf("function %q is not external", name)
			}
			return f
		}
	}
	t.Fatalf("no function %q in the program", name)
	return nil
}

// callFn runs the runtime stream against calldata for one external
// function and returns the halted machine.
func callFn(t *testing.T, prog *Program, store map[string]*big.Int, name string, value int64, args ...*big.Int) *machine {
	t.Helper()
	fn := externalNamed(t, prog, name)
	cd := append([]byte{}, fn.Selector[:]...)
	for _, a := range args {
		w := make([]byte, 32)
		a.FillBytes(w)
		cd = append(cd, w...)
	}
	m := newMachine(prog.Runtime, store)
	m.calldata = cd
	m.callValue = big.NewInt(value)
	if err := m.run(); err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return m
}

func retWord(t *testing.T, m *machine) *big.Int {
	t.Helper()
	if m.reverted {
		t.Fatalf("call reverted")
	}
	if len(m.ret) < 32 {
		t.Fatalf("return data too short: %d bytes", len(m.ret))
	}
	return new(big.Int).SetBytes(m.ret[:32])
}

const counterMod = `{
  "kind": "module", "name": "Counter",
  "decls": [
    {"kind": "storage", "name": "total", "type": {"kind": "named", "name": "uint256"}},
    {"kind": "function", "name": "set", "visibility": "external",
     "params": [{"name": "v", "type": {"kind": "named", "name": "uint256"}}],
     "body": [{"kind": "assign",
       "target": {"kind": "attribute", "value": {"kind": "name", "name": "self"}, "attr": "total"},
       "value": {"kind": "name", "name": "v"}}]},
    {"kind": "function", "name": "get", "visibility": "external",
     "returns": [{"name": "", "type": {"kind": "named", "name": "uint256"}}],
     "body": [{"kind": "return",
       "value": {"kind": "attribute", "value": {"kind": "name", "name": "self"}, "attr": "total"}}]}
  ]
}`

func TestCounterRoundTrip(t *testing.T) {
	prog := lowerProgram(t, counterMod)
	store := map[string]*big.Int{}

	m := callFn(t, prog, store, "set", 0, big.NewInt(5))
	if m.reverted {
		t.Fatalf("set reverted")
	}
	if got := store["0"]; got == nil || got.Int64() != 5 {
		t.Fatalf("slot 0 after set: got=%v want=5", got)
	}

	m = callFn(t, prog, store, "get", 0)
	if got := retWord(t, m); got.Int64() != 5 {
		t.Fatalf("get: got=%s want=5", got)
	}
}

func TestDispatcherRejectsShortCalldata(t *testing.T) {
	prog := lowerProgram(t, counterMod)
	m := newMachine(prog.Runtime, map[string]*big.Int{})
	m.calldata = []byte{0x01, 0x02}
	if err := m.run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !m.reverted {
		t.Fatalf("short calldata was dispatched")
	}
}

func TestDispatcherRejectsUnknownSelector(t *testing.T) {
	prog := lowerProgram(t, counterMod)
	m := newMachine(prog.Runtime, map[string]*big.Int{})
	m.calldata = []byte{0xde, 0xad, 0xbe, 0xef}
	if err := m.run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !m.reverted {
		t.Fatalf("unknown selector was dispatched")
	}
}

func TestNonpayableRejectsValue(t *testing.T) {
	prog := lowerProgram(t, counterMod)
	m := callFn(t, prog, map[string]*big.Int{}, "set", 3, big.NewInt(1))
	if !m.reverted {
		t.Fatalf("nonpayable call accepted value")
	}
}

const mathMod = `{
  "kind": "module", "name": "Math",
  "decls": [
    {"kind": "function", "name": "add", "visibility": "external",
     "params": [{"name": "x", "type": {"kind": "named", "name": "uint256"}},
                {"name": "y", "type": {"kind": "named", "name": "uint256"}}],
     "returns": [{"name": "", "type": {"kind": "named", "name": "uint256"}}],
     "body": [{"kind": "return", "value": {"kind": "binary", "op": "+",
       "x": {"kind": "name", "name": "x"}, "y": {"kind": "name", "name": "y"}}}]},
    {"kind": "function", "name": "sub", "visibility": "external",
     "params": [{"name": "x", "type": {"kind": "named", "name": "uint256"}},
                {"name": "y", "type": {"kind": "named", "name": "uint256"}}],
     "returns": [{"name": "", "type": {"kind": "named", "name": "uint256"}}],
     "body": [{"kind": "return", "value": {"kind": "binary", "op": "-",
       "x": {"kind": "name", "name": "x"}, "y": {"kind": "name", "name": "y"}}}]},
    {"kind": "function", "name": "div", "visibility": "external",
     "params": [{"name": "x", "type": {"kind": "named", "name": "uint256"}},
                {"name": "y", "type": {"kind": "named", "name": "uint256"}}],
     "returns": [{"name": "", "type": {"kind": "named", "name": "uint256"}}],
     "body": [{"kind": "return", "value": {"kind": "binary", "op": "/",
       "x": {"kind": "name", "name": "x"}, "y": {"kind": "name", "name": "y"}}}]}
  ]
}`

func TestCheckedArithmetic(t *testing.T) {
	prog := lowerProgram(t, mathMod)
	store := map[string]*big.Int{}
	maxWord := new(big.Int).Set(wordMask)

	if got := retWord(t, callFn(t, prog, store, "add", 0, big.NewInt(1), big.NewInt(2))); got.Int64() != 3 {
		t.Fatalf("add(1,2): got=%s want=3", got)
	}
	if m := callFn(t, prog, store, "add", 0, maxWord, big.NewInt(1)); !m.reverted {
		t.Fatalf("add overflow did not revert")
	}

	if got := retWord(t, callFn(t, prog, store, "sub", 0, big.NewInt(5), big.NewInt(2))); got.Int64() != 3 {
		t.Fatalf("sub(5,2): got=%s want=3", got)
	}
	if m := callFn(t, prog, store, "sub", 0, big.NewInt(1), big.NewInt(2)); !m.reverted {
		t.Fatalf("sub underflow did not revert")
	}

	if got := retWord(t, callFn(t, prog, store, "div", 0, big.NewInt(7), big.NewInt(2))); got.Int64() != 3 {
		t.Fatalf("div(7,2): got=%s want=3", got)
	}
	if m := callFn(t, prog, store, "div", 0, big.NewInt(1), big.NewInt(0)); !m.reverted {
		t.Fatalf("division by zero did not revert")
	}
}

func TestInternalCall(t *testing.T) {
	prog := lowerProgram(t, `{
	  "kind": "module", "name": "M",
	  "decls": [
	    {"kind": "function", "name": "double", "visibility": "internal",
	     "params": [{"name": "x", "type": {"kind": "named", "name": "uint256"}}],
	     "returns": [{"name": "", "type": {"kind": "named", "name": "uint256"}}],
	     "body": [{"kind": "return", "value": {"kind": "binary", "op": "*",
	       "x": {"kind": "name", "name": "x"}, "y": {"kind": "int", "text": "2"}}}]},
	    {"kind": "function", "name": "quad", "visibility": "external",
	     "params": [{"name": "x", "type": {"kind": "named", "name": "uint256"}}],
	     "returns": [{"name": "", "type": {"kind": "named", "name": "uint256"}}],
	     "body": [{"kind": "return", "value": {"kind": "call",
	       "func": {"kind": "attribute", "value": {"kind": "name", "name": "self"}, "attr": "double"},
	       "args": [{"kind": "call",
	         "func": {"kind": "attribute", "value": {"kind": "name", "name": "self"}, "attr": "double"},
	         "args": [{"kind": "name", "name": "x"}]}]}}]}
	  ]
	}`)
	m := callFn(t, prog, map[string]*big.Int{}, "quad", 0, big.NewInt(3))
	if got := retWord(t, m); got.Int64() != 12 {
		t.Fatalf("quad(3): got=%s want=12", got)
	}
}

func TestRangeLoopSum(t *testing.T) {
	prog := lowerProgram(t, `{
	  "kind": "module", "name": "M",
	  "decls": [
	    {"kind": "function", "name": "sum", "visibility": "external",
	     "returns": [{"name": "", "type": {"kind": "named", "name": "uint256"}}],
	     "body": [
	       {"kind": "var", "name": "acc", "type": {"kind": "named", "name": "uint256"},
	        "value": {"kind": "int", "text": "0"}},
	       {"kind": "for", "var": "i",
	        "range": {"kind": "range", "stop": {"kind": "int", "text": "5"}},
	        "body": [{"kind": "augassign", "op": "+",
	          "target": {"kind": "name", "name": "acc"},
	          "value": {"kind": "name", "name": "i"}}]},
	       {"kind": "return", "value": {"kind": "name", "name": "acc"}}
	     ]}
	  ]
	}`)
	m := callFn(t, prog, map[string]*big.Int{}, "sum", 0)
	if got := retWord(t, m); got.Int64() != 10 {
		t.Fatalf("sum of 0..4: got=%s want=10", got)
	}
}

func TestBranchSelectsLargerValue(t *testing.T) {
	prog := lowerProgram(t, `{
	  "kind": "module", "name": "M",
	  "decls": [
	    {"kind": "function", "name": "larger", "visibility": "external",
	     "params": [{"name": "x", "type": {"kind": "named", "name": "uint256"}},
	                {"name": "y", "type": {"kind": "named", "name": "uint256"}}],
	     "returns": [{"name": "", "type": {"kind": "named", "name": "uint256"}}],
	     "body": [
	       {"kind": "if",
	        "cond": {"kind": "compare", "op": ">", "x": {"kind": "name", "name": "x"}, "y": {"kind": "name", "name": "y"}},
	        "then": [{"kind": "return", "value": {"kind": "name", "name": "x"}}],
	        "else": [{"kind": "return", "value": {"kind": "name", "name": "y"}}]}
	     ]}
	  ]
	}`)
	store := map[string]*big.Int{}
	if got := retWord(t, callFn(t, prog, store, "larger", 0, big.NewInt(3), big.NewInt(9))); got.Int64() != 9 {
		t.Fatalf("larger(3,9): got=%s want=9", got)
	}
	if got := retWord(t, callFn(t, prog, store, "larger", 0, big.NewInt(9), big.NewInt(3))); got.Int64() != 9 {
		t.Fatalf("larger(9,3): got=%s want=9", got)
	}
}

func TestMappingStorage(t *testing.T) {
	prog := lowerProgram(t, `{
	  "kind": "module", "name": "Bank",
	  "decls": [
	    {"kind": "storage", "name": "balances",
	     "type": {"kind": "map", "key": {"kind": "named", "name": "address"},
	              "value": {"kind": "named", "name": "uint256"}}},
	    {"kind": "function", "name": "credit", "visibility": "external",
	     "params": [{"name": "to", "type": {"kind": "named", "name": "address"}},
	                {"name": "amount", "type": {"kind": "named", "name": "uint256"}}],
	     "body": [{"kind": "augassign", "op": "+",
	       "target": {"kind": "index",
	         "value": {"kind": "attribute", "value": {"kind": "name", "name": "self"}, "attr": "balances"},
	         "index": {"kind": "name", "name": "to"}},
	       "value": {"kind": "name", "name": "amount"}}]},
	    {"kind": "function", "name": "balanceOf", "visibility": "external",
	     "params": [{"name": "a", "type": {"kind": "named", "name": "address"}}],
	     "returns": [{"name": "", "type": {"kind": "named", "name": "uint256"}}],
	     "body": [{"kind": "return", "value": {"kind": "index",
	       "value": {"kind": "attribute", "value": {"kind": "name", "name": "self"}, "attr": "balances"},
	       "index": {"kind": "name", "name": "a"}}}]}
	  ]
	}`)
	store := map[string]*big.Int{}
	alice := big.NewInt(0xa11ce)
	bob := big.NewInt(0xb0b)

	callFn(t, prog, store, "credit", 0, alice, big.NewInt(7))
	callFn(t, prog, store, "credit", 0, alice, big.NewInt(7))
	callFn(t, prog, store, "credit", 0, bob, big.NewInt(3))

	if got := retWord(t, callFn(t, prog, store, "balanceOf", 0, alice)); got.Int64() != 14 {
		t.Fatalf("balanceOf(alice): got=%s want=14", got)
	}
	if got := retWord(t, callFn(t, prog, store, "balanceOf", 0, bob)); got.Int64() != 3 {
		t.Fatalf("balanceOf(bob): got=%s want=3", got)
	}
}

func TestEmitWritesLog(t *testing.T) {
	prog := lowerProgram(t, `{
	  "kind": "module", "name": "M",
	  "decls": [
	    {"kind": "event", "name": "Ping",
	     "fields": [{"name": "by", "type": {"kind": "named", "name": "address"}, "indexed": true},
	                {"name": "amount", "type": {"kind": "named", "name": "uint256"}}]},
	    {"kind": "function", "name": "ping", "visibility": "external",
	     "params": [{"name": "amount", "type": {"kind": "named", "name": "uint256"}}],
	     "body": [{"kind": "emit", "event": "Ping",
	       "args": [{"kind": "attribute", "value": {"kind": "name", "name": "msg"}, "attr": "sender"},
	                {"kind": "name", "name": "amount"}]}]}
	  ]
	}`)
	m := callFn(t, prog, map[string]*big.Int{}, "ping", 0, big.NewInt(42))
	if m.reverted {
		t.Fatalf("ping reverted")
	}
	if len(m.logs) != 1 {
		t.Fatalf("log count: got=%d want=1", len(m.logs))
	}
	rec := m.logs[0]
	if len(rec.Topics) != 2 {
		t.Fatalf("topic count: got=%d want=2", len(rec.Topics))
	}
	if rec.Topics[1].Cmp(m.caller) != 0 {
		t.Fatalf("indexed sender topic: got=%s want=%s", rec.Topics[1], m.caller)
	}
	if len(rec.Data) != 32 || new(big.Int).SetBytes(rec.Data).Int64() != 42 {
		t.Fatalf("log data: got=%x", rec.Data)
	}
}

func TestReentrancyGuardClears(t *testing.T) {
	prog := lowerProgram(t, `{
	  "kind": "module", "name": "M",
	  "decls": [
	    {"kind": "storage", "name": "x", "type": {"kind": "named", "name": "uint256"}},
	    {"kind": "function", "name": "poke", "visibility": "external", "nonreentrant": true,
	     "body": [{"kind": "assign",
	       "target": {"kind": "attribute", "value": {"kind": "name", "name": "self"}, "attr": "x"},
	       "value": {"kind": "int", "text": "1"}}]}
	  ]
	}`)
	store := map[string]*big.Int{}
	m := callFn(t, prog, store, "poke", 0)
	if m.reverted {
		t.Fatalf("poke reverted")
	}
	if got := store["0"]; got == nil || got.Int64() != 1 {
		t.Fatalf("slot 0: got=%v want=1", got)
	}
	if guard := store["1"]; guard != nil && guard.Sign() != 0 {
		t.Fatalf("guard slot still set after return: %s", guard)
	}

	// An entered guard blocks the dispatch.
	store["1"] = big.NewInt(1)
	if m := callFn(t, prog, store, "poke", 0); !m.reverted {
		t.Fatalf("guarded entry did not revert")
	}
}

func TestMultiWordParamsDecode(t *testing.T) {
	prog := lowerProgram(t, `{
	  "kind": "module", "name": "M",
	  "decls": [
	    {"kind": "function", "name": "pick", "visibility": "external",
	     "params": [{"name": "xs", "type": {"kind": "array",
	                  "elem": {"kind": "named", "name": "uint256"},
	                  "len": {"kind": "int", "text": "3"}}},
	                {"name": "v", "type": {"kind": "named", "name": "uint256"}}],
	     "returns": [{"name": "", "type": {"kind": "named", "name": "uint256"}}],
	     "body": [{"kind": "return", "value": {"kind": "name", "name": "v"}}]},
	    {"kind": "function", "name": "mid", "visibility": "external",
	     "params": [{"name": "xs", "type": {"kind": "array",
	                  "elem": {"kind": "named", "name": "uint256"},
	                  "len": {"kind": "int", "text": "3"}}}],
	     "returns": [{"name": "", "type": {"kind": "named", "name": "uint256"}}],
	     "body": [{"kind": "return", "value": {"kind": "index",
	       "value": {"kind": "name", "name": "xs"},
	       "index": {"kind": "int", "text": "1"}}}]}
	  ]
	}`)
	store := map[string]*big.Int{}

	// a word-per-parameter decode would hand pick() the second element
	m := callFn(t, prog, store, "pick", 0,
		big.NewInt(11), big.NewInt(22), big.NewInt(33), big.NewInt(99))
	if got := retWord(t, m); got.Int64() != 99 {
		t.Fatalf("pick([11,22,33], 99): got=%s want=99", got)
	}

	m = callFn(t, prog, store, "mid", 0, big.NewInt(11), big.NewInt(22), big.NewInt(33))
	if got := retWord(t, m); got.Int64() != 22 {
		t.Fatalf("mid([11,22,33]): got=%s want=22", got)
	}
}

func TestExternalCallHeadLayout(t *testing.T) {
	prog := lowerProgram(t, `{
	  "kind": "module", "name": "M",
	  "decls": [
	    {"kind": "interface", "name": "Sink", "funcs": [
	      {"name": "accept", "mutability": "nonpayable",
	       "params": [{"name": "xs", "type": {"kind": "array",
	                    "elem": {"kind": "named", "name": "uint256"},
	                    "len": {"kind": "int", "text": "2"}}},
	                  {"name": "v", "type": {"kind": "named", "name": "uint256"}}]}
	    ]},
	    {"kind": "function", "name": "send", "visibility": "external",
	     "params": [{"name": "target", "type": {"kind": "named", "name": "address"}},
	                {"name": "xs", "type": {"kind": "array",
	                  "elem": {"kind": "named", "name": "uint256"},
	                  "len": {"kind": "int", "text": "2"}}},
	                {"name": "v", "type": {"kind": "named", "name": "uint256"}}],
	     "body": [{"kind": "expr", "x": {"kind": "call",
	       "func": {"kind": "attribute",
	         "value": {"kind": "cast", "iface": "Sink", "addr": {"kind": "name", "name": "target"}},
	         "attr": "accept"},
	       "args": [{"kind": "name", "name": "xs"}, {"kind": "name", "name": "v"}]}}]}
	  ]
	}`)
	rt := prog.Runtime

	// the shifted selector word is the only push that wide
	sel := -1
	for i, in := range rt {
		if in.Op == Push && in.Imm != nil && in.Imm.BitLen() > 200 {
			sel = i
			break
		}
	}
	if sel < 0 {
		t.Fatalf("no selector word in the runtime stream")
	}
	var offs []int64
	for i := sel + 1; i+1 < len(rt) && rt[i].Op == Push && rt[i+1].Op == MStore; i += 2 {
		offs = append(offs, rt[i].Imm.Int64())
	}
	if len(offs) != 4 {
		t.Fatalf("encode stores after the selector: got=%d want=4", len(offs))
	}
	base := offs[0]
	// stores run from the last head offset back: v at +68, xs at +36, +4
	want := []int64{base, base + 68, base + 36, base + 4}
	for i := range want {
		if offs[i] != want[i] {
			t.Fatalf("encode store %d: got=%d want=%d", i, offs[i], want[i])
		}
	}
	sizeSeen := false
	for i := sel; i < len(rt) && i < sel+24; i++ {
		if rt[i].Op == Push && rt[i].Imm != nil && rt[i].Imm.BitLen() < 16 && rt[i].Imm.Int64() == 100 {
			sizeSeen = true
		}
	}
	if !sizeSeen {
		t.Fatalf("calldata size 100 never pushed for a 96-byte head")
	}
}

func TestInternalNonreentrantGuard(t *testing.T) {
	prog := lowerProgram(t, `{
	  "kind": "module", "name": "M",
	  "decls": [
	    {"kind": "storage", "name": "hits", "type": {"kind": "named", "name": "uint256"}},
	    {"kind": "function", "name": "bump", "visibility": "internal", "nonreentrant": true,
	     "body": [{"kind": "augassign", "op": "+",
	       "target": {"kind": "attribute", "value": {"kind": "name", "name": "self"}, "attr": "hits"},
	       "value": {"kind": "int", "text": "1"}}]},
	    {"kind": "function", "name": "poke", "visibility": "external",
	     "body": [{"kind": "expr", "x": {"kind": "call",
	       "func": {"kind": "attribute", "value": {"kind": "name", "name": "self"}, "attr": "bump"},
	       "args": []}}]}
	  ]
	}`)
	store := map[string]*big.Int{}
	m := callFn(t, prog, store, "poke", 0)
	if m.reverted {
		t.Fatalf("poke reverted")
	}
	if got := store["0"]; got == nil || got.Int64() != 1 {
		t.Fatalf("slot 0 after poke: got=%v want=1", got)
	}
	if guard := store["1"]; guard != nil && guard.Sign() != 0 {
		t.Fatalf("guard slot still set after return: %s", guard)
	}

	// an entered guard blocks the internal body too
	store["1"] = big.NewInt(1)
	if m := callFn(t, prog, store, "poke", 0); !m.reverted {
		t.Fatalf("guarded internal entry did not revert")
	}
}

func TestAugAssignEvaluatesTargetOnce(t *testing.T) {
	prog := lowerProgram(t, `{
	  "kind": "module", "name": "M",
	  "decls": [
	    {"kind": "storage", "name": "seq", "type": {"kind": "named", "name": "uint256"}},
	    {"kind": "storage", "name": "tallies",
	     "type": {"kind": "map", "key": {"kind": "named", "name": "uint256"},
	              "value": {"kind": "named", "name": "uint256"}}},
	    {"kind": "function", "name": "next", "visibility": "internal",
	     "returns": [{"name": "", "type": {"kind": "named", "name": "uint256"}}],
	     "body": [
	       {"kind": "augassign", "op": "+",
	        "target": {"kind": "attribute", "value": {"kind": "name", "name": "self"}, "attr": "seq"},
	        "value": {"kind": "int", "text": "1"}},
	       {"kind": "return",
	        "value": {"kind": "attribute", "value": {"kind": "name", "name": "self"}, "attr": "seq"}}]},
	    {"kind": "function", "name": "tally", "visibility": "external",
	     "body": [{"kind": "augassign", "op": "+",
	       "target": {"kind": "index",
	         "value": {"kind": "attribute", "value": {"kind": "name", "name": "self"}, "attr": "tallies"},
	         "index": {"kind": "call",
	           "func": {"kind": "attribute", "value": {"kind": "name", "name": "self"}, "attr": "next"},
	           "args": []}},
	       "value": {"kind": "int", "text": "7"}}]}
	  ]
	}`)
	store := map[string]*big.Int{}
	m := callFn(t, prog, store, "tally", 0)
	if m.reverted {
		t.Fatalf("tally reverted")
	}
	// the effectful index expression must run exactly once
	if got := store["0"]; got == nil || got.Int64() != 1 {
		t.Fatalf("seq after one tally: got=%v want=1", got)
	}
	if got := store[mapSlot(1, 1).String()]; got == nil || got.Int64() != 7 {
		t.Fatalf("tallies[1]: got=%v want=7", got)
	}
	if got := store[mapSlot(2, 1).String()]; got != nil && got.Sign() != 0 {
		t.Fatalf("tallies[2] written: the index ran twice")
	}
}

// mapSlot is the storage address of one mapping entry: keccak(key . slot).
func mapSlot(key, slot int64) *big.Int {
	buf := make([]byte, 64)
	big.NewInt(key).FillBytes(buf[:32])
	big.NewInt(slot).FillBytes(buf[32:])
	h := sha3.NewLegacyKeccak256()
	h.Write(buf)
	return new(big.Int).SetBytes(h.Sum(nil))
}

func TestDeployReturnsRuntimeImage(t *testing.T) {
	prog := lowerProgram(t, counterMod)
	code := make([]byte, 96)
	for i := range code {
		code[i] = byte(i)
	}
	m := newMachine(prog.Deploy, map[string]*big.Int{})
	m.code = code
	m.externs = map[string]int{labelRuntime: 16, labelData: 80, labelEnd: 96}
	if err := m.run(); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if m.reverted {
		t.Fatalf("deploy reverted")
	}
	if !bytes.Equal(m.ret, code[16:96]) {
		t.Fatalf("constructor return: got=%x want=%x", m.ret, code[16:96])
	}
}

func TestRecursionIsRejected(t *testing.T) {
	src := `{
	  "kind": "module", "name": "M",
	  "decls": [
	    {"kind": "function", "name": "loop", "visibility": "internal",
	     "body": [{"kind": "expr", "x": {"kind": "call",
	       "func": {"kind": "attribute", "value": {"kind": "name", "name": "self"}, "attr": "loop"},
	       "args": []}}]},
	    {"kind": "function", "name": "go", "visibility": "external",
	     "body": [{"kind": "expr", "x": {"kind": "call",
	       "func": {"kind": "attribute", "value": {"kind": "name", "name": "self"}, "attr": "loop"},
	       "args": []}}]}
	  ]
	}`
	mod, err := ast.DecodeModule([]byte(src))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	res, diags := sema.Analyze(mod)
	if diags.HasErrors() {
		t.Fatalf("analyze: %v", diags)
	}
	_, derr := Build(res)
	if derr == nil {
		t.Fatalf("recursive program lowered")
	}
	if derr.Code != diag.CodeLowerUnsupported {
		t.Fatalf("diagnostic code: got=%s want=%s", derr.Code, diag.CodeLowerUnsupported)
	}
}
