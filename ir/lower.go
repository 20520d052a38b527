package ir

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/tos-network/calla/abi"
	"github.com/tos-network/calla/ast"
	"github.com/tos-network/calla/diag"
	"github.com/tos-network/calla/sema"
)

// Reserved labels the assembler defines when it lays out the blobs:
// labelData is the data-segment start, labelRuntime and labelEnd frame
// the runtime image inside the deploy blob.
const (
	labelData    = "__data"
	labelRuntime = "__runtime"
	labelEnd     = "__end"
	labelPanic   = "__panic"
	labelDone    = "__deploy_done"
)

// Memory map. Scratch words are used for hashing, code reads and checked
// arithmetic; frames start above them. The call-encode region and the
// deploy image base are placed after all frames.
const (
	scratchA = 0x00
	scratchB = 0x20
	scratchC = 0x40
	// cellDst survives nested expression evaluation; the scratch words
	// above do not.
	cellDst    = 0x60
	frameBase  = 0x80
	encodeSize = 0x200
)

type lowerer struct {
	res  *sema.Result
	prog *Program

	// out is the stream under construction.
	out *[]Inst

	frames  map[string]*frame
	fr      *frame
	fn      *sema.Function
	deploy  bool
	imgBase int

	encodeBase int
	labelSeq   int

	// curSpan is attached to every emitted instruction; the statement
	// walker keeps it pointed at the statement being lowered.
	curSpan diag.Span

	// loops carries the break and continue targets of enclosing loops.
	loops []loopLabels
}

type loopLabels struct {
	brk, cont string
}

type frame struct {
	base    int
	size    int
	slots   map[ast.Node]int // declaration site to byte offset
	params  []int
	returns []int // return value slots, written by the callee
}

// Build lowers an analyzed module into symbolic instruction streams.
func Build(res *sema.Result) (*Program, *diag.Diagnostic) {
	l := &lowerer{
		res:    res,
		prog:   &Program{Name: res.Module.Name, DataWords: res.DataWords},
		frames: map[string]*frame{},
	}
	if derr := l.checkCallGraph(); derr != nil {
		return nil, derr
	}
	l.layoutFrames()

	if derr := l.lowerRuntime(); derr != nil {
		return nil, derr
	}
	if derr := l.lowerDeploy(); derr != nil {
		return nil, derr
	}
	return l.prog, nil
}

// checkCallGraph rejects recursive internal calls; frames are static.
func (l *lowerer) checkCallGraph() *diag.Diagnostic {
	callees := map[string][]string{}
	for _, f := range l.res.Functions {
		var out []string
		ast.Walk(&ast.Module{Decls: []ast.Decl{f.Decl}}, func(n ast.Node) bool {
			if call, ok := n.(*ast.CallExpr); ok {
				if attr, ok := call.Func.(*ast.AttributeExpr); ok && ast.IsSelf(attr.Value) {
					out = append(out, attr.Attr)
				}
			}
			return true
		})
		callees[f.Decl.Name] = out
	}
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := map[string]int{}
	var visit func(name string) string
	visit = func(name string) string {
		switch color[name] {
		case grey:
			return name
		case black:
			return ""
		}
		color[name] = grey
		for _, c := range callees[name] {
			if cyc := visit(c); cyc != "" {
				return cyc
			}
		}
		color[name] = black
		return ""
	}
	names := make([]string, 0, len(callees))
	for n := range callees {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if cyc := visit(n); cyc != "" {
			f := l.res.FunctionNamed(cyc)
			return &diag.Diagnostic{
				Code:    diag.CodeLowerUnsupported,
				Phase:   diag.PhaseLower,
				Message: fmt.Sprintf("function %q is recursive; recursion is not supported", cyc),
				Span:    f.Decl.Span(),
			}
		}
	}
	return nil
}

// layoutFrames assigns every function a static memory frame: parameter
// words, then return words, then one region per local declaration.
func (l *lowerer) layoutFrames() {
	next := frameBase
	for _, f := range l.res.Functions {
		fr := &frame{base: next, slots: map[ast.Node]int{}}
		for _, p := range f.Prim.Params {
			fr.params = append(fr.params, fr.base+fr.size)
			fr.size += p.Words() * abi.WordSize
		}
		for _, r := range f.Prim.Returns {
			fr.returns = append(fr.returns, fr.base+fr.size)
			fr.size += r.Words() * abi.WordSize
		}
		l.collectLocals(fr, f.Decl.Body)
		l.frames[f.Decl.Name] = fr
		next += fr.size
	}
	l.encodeBase = next
	l.imgBase = next + encodeSize
}

func (l *lowerer) collectLocals(fr *frame, stmts []ast.Stmt) {
	for _, s := range stmts {
		switch s := s.(type) {
		case *ast.VarDeclStmt:
			words := 1
			if def := l.res.Locals[s]; def != nil {
				words = def.Prim.Words()
			}
			fr.slots[s] = fr.base + fr.size
			fr.size += words * abi.WordSize
		case *ast.IfStmt:
			l.collectLocals(fr, s.Then)
			l.collectLocals(fr, s.Else)
		case *ast.ForStmt:
			words := 1
			if def := l.res.Locals[s]; def != nil {
				words = def.Prim.Words()
			}
			fr.slots[s] = fr.base + fr.size
			// the loop variable plus a hidden limit or index word
			fr.size += (words + 1) * abi.WordSize
			l.collectLocals(fr, s.Body)
		}
	}
}

func (l *lowerer) lowerRuntime() *diag.Diagnostic {
	var out []Inst
	l.out = &out
	l.deploy = false

	if derr := l.lowerDispatcher(); derr != nil {
		return derr
	}
	for _, f := range l.res.Functions {
		if f.Decl.Visibility == ast.VisDeploy {
			continue
		}
		if derr := l.lowerFunction(f); derr != nil {
			return derr
		}
	}
	l.emitPanicTail()
	l.prog.Runtime = out
	return nil
}

// lowerDispatcher selects an external entry by the leading four calldata
// bytes and falls through to revert on no match.
func (l *lowerer) lowerDispatcher() *diag.Diagnostic {
	l.emitPush(int64(abi.SelectorSize))
	l.emit(CalldataSize)
	l.emit(Lt) // calldatasize < 4
	l.emitJumpIf(labelPanic)

	l.emitPush(0)
	l.emit(CalldataLoad)
	l.emitPush(224)
	l.emit(Shr) // selector word

	for _, f := range l.res.Functions {
		if f.Decl.Visibility != ast.VisExternal {
			continue
		}
		l.emit(Dup, 1)
		l.emitPushBig(new(big.Int).SetBytes(f.Prim.Selector[:]))
		l.emit(Eq)
		l.emitJumpIf(entryLabel(f.Decl.Name))
	}
	l.emitJump(labelPanic)
	return nil
}

func entryLabel(name string) string { return "fn_" + name }

func (l *lowerer) lowerFunction(f *sema.Function) *diag.Diagnostic {
	l.fn = f
	l.fr = l.frames[f.Decl.Name]
	defer func() { l.fn = nil; l.fr = nil }()

	entry := entryLabel(f.Decl.Name)
	l.emitLabel(entry)
	rec := &Function{
		Name:     f.Decl.Name,
		Entry:    entry,
		External: f.Decl.Visibility == ast.VisExternal,
		Selector: f.Prim.Selector,
	}
	l.prog.Functions = append(l.prog.Functions, rec)

	if rec.External {
		l.emit(Pop) // drop the dispatcher's selector copy
		if f.Mutability != ast.Payable {
			l.emit(CallValue)
			l.emitJumpIf(labelPanic)
		}
		offs := abi.HeadLayout(f.Prim.Params)
		for i, p := range f.Prim.Params {
			for w := 0; w < p.Words(); w++ {
				l.emitPush(int64(abi.SelectorSize + offs[i] + w*abi.WordSize))
				l.emit(CalldataLoad)
				l.emitMemStore(l.fr.params[i] + w*abi.WordSize)
			}
		}
	}
	if f.Decl.Nonreentrant {
		l.emitGuardEnter()
	}

	env := map[string]int{}
	for i, name := range f.Prim.ParamNames {
		env[name] = l.fr.params[i]
	}
	if derr := l.lowerStmts(f.Decl.Body, env); derr != nil {
		return derr
	}
	// Fall off the end: only reachable for functions without returns.
	l.emitExit(f)
	return nil
}

// emitGuardEnter brackets a protected body: trap when the guard slot is
// set, then set it.
func (l *lowerer) emitGuardEnter() {
	l.emitPush(int64(l.res.GuardSlot))
	l.emit(SLoad)
	l.emitJumpIf(labelPanic)
	l.emitPush(1)
	l.emitPush(int64(l.res.GuardSlot))
	l.emit(SStore)
}

func (l *lowerer) emitGuardExit() {
	l.emitPush(0)
	l.emitPush(int64(l.res.GuardSlot))
	l.emit(SStore)
}

// emitExit ends the current function. For externals the return words sit
// in the frame's return slots; they are copied to memory offset zero and
// returned. Internals jump back through the saved return label.
func (l *lowerer) emitExit(f *sema.Function) {
	switch f.Decl.Visibility {
	case ast.VisExternal:
		if f.Decl.Nonreentrant {
			l.emitGuardExit()
		}
		words := 0
		for _, r := range f.Prim.Returns {
			words += r.Words()
		}
		for i := 0; i < words; i++ {
			l.emitMemLoad(l.fr.returns[0] + i*abi.WordSize)
			l.emitMemStore(i * abi.WordSize)
		}
		l.emitPush(int64(words * abi.WordSize))
		l.emitPush(0)
		l.emit(Return)
	case ast.VisDeploy:
		l.emitJump(labelDone)
	default:
		if f.Decl.Nonreentrant {
			l.emitGuardExit()
		}
		l.emit(Jump) // return label left on the stack by the caller
	}
}

func (l *lowerer) emitPanicTail() {
	l.emitLabel(labelPanic)
	l.emitPush(0)
	l.emitPush(0)
	l.emit(Revert)
}

// lowerDeploy builds the constructor stream: copy the runtime image into
// memory, decode constructor arguments from the code tail, run the
// deploy body (immutable stores patch the in-memory image), then return
// the image.
func (l *lowerer) lowerDeploy() *diag.Diagnostic {
	var out []Inst
	l.out = &out
	l.deploy = true
	defer func() { l.deploy = false }()

	// image size = __end - __runtime
	l.emitImageSize()
	l.emitPushLabel(labelRuntime)
	l.emitPush(int64(l.imgBase))
	l.emit(CodeCopy)

	var ctor *sema.Function
	for _, f := range l.res.Functions {
		if f.Decl.Visibility == ast.VisDeploy {
			ctor = f
		}
	}
	if ctor != nil {
		l.fn = ctor
		l.fr = l.frames[ctor.Decl.Name]
		for i := range ctor.Prim.Params {
			// constructor arguments trail the code
			l.emitPush(int64(abi.WordSize))
			l.emitPush(int64(i * abi.WordSize))
			l.emitPushLabel(labelEnd)
			l.emit(Add)
			l.emitPush(int64(l.fr.params[i]))
			l.emit(CodeCopy)
		}
		env := map[string]int{}
		for i, name := range ctor.Prim.ParamNames {
			env[name] = l.fr.params[i]
		}
		if derr := l.lowerStmts(ctor.Decl.Body, env); derr != nil {
			return derr
		}
		l.fn = nil
		l.fr = nil
	}

	l.emitLabel(labelDone)
	l.emitImageSize()
	l.emitPush(int64(l.imgBase))
	l.emit(Return)
	l.emitPanicTail()
	l.prog.Deploy = out
	return nil
}

func (l *lowerer) emitImageSize() {
	l.emitPushLabel(labelRuntime)
	l.emitPushLabel(labelEnd)
	l.emit(Sub)
}

// --- emit helpers ---

func (l *lowerer) emit(op Op, imm ...int64) {
	in := Inst{Op: op, Span: l.curSpan}
	if len(imm) > 0 {
		in.Imm = big.NewInt(imm[0])
	}
	*l.out = append(*l.out, in)
}

func (l *lowerer) emitPush(v int64) {
	*l.out = append(*l.out, Inst{Op: Push, Imm: big.NewInt(v), Span: l.curSpan})
}

func (l *lowerer) emitPushBig(v *big.Int) {
	*l.out = append(*l.out, Inst{Op: Push, Imm: new(big.Int).Set(v), Span: l.curSpan})
}

func (l *lowerer) emitLabel(name string) {
	*l.out = append(*l.out, Inst{Op: Label, Name: name, Span: l.curSpan})
}

func (l *lowerer) emitPushLabel(name string) {
	*l.out = append(*l.out, Inst{Op: PushLabel, Name: name, Span: l.curSpan})
}

func (l *lowerer) emitJump(name string) {
	l.emitPushLabel(name)
	l.emit(Jump)
}

func (l *lowerer) emitJumpIf(name string) {
	l.emitPushLabel(name)
	l.emit(JumpI)
}

func (l *lowerer) emitMemLoad(off int) {
	l.emitPush(int64(off))
	l.emit(MLoad)
}

func (l *lowerer) emitMemStore(off int) {
	l.emitPush(int64(off))
	l.emit(MStore)
}

func (l *lowerer) newLabel(hint string) string {
	l.labelSeq++
	return fmt.Sprintf("%s_%d", hint, l.labelSeq)
}

func (l *lowerer) internal(format string, args ...interface{}) *diag.Diagnostic {
	ice := diag.Internal(diag.PhaseLower, format, args...)
	return &ice
}
