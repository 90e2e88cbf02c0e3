// Package vm implements the stack interpreter: the fetch/decode/execute
// loop that walks a verified bytecode file, plus the operand stack, call
// frame and runtime-collaborator types it's built from.
package vm

import (
	"fmt"

	"github.com/glossopoeia/tapebc/bytecode"
	"github.com/glossopoeia/tapebc/errs"
	"github.com/glossopoeia/tapebc/value"
	"github.com/joomcode/errorx"
)

// VerificationMode selects how the interpreter trusts the file it's
// running: Static assumes BEGIN/CBEGIN operands were already patched with
// a verified maximum stack growth and checks capacity against it once on
// entry to each call; Dynamic makes no such assumption. In both modes the
// operand stack also checks capacity on every push.
type VerificationMode int

const (
	DynamicVerification VerificationMode = iota
	StaticVerification
)

// Interpreter is the bytecode VM's execution state: instruction pointer,
// operand stack, call stack and the Runtime collaborator it defers
// allocation and builtins to.
type Interpreter struct {
	file *bytecode.File
	rt   Runtime
	mode VerificationMode

	ip                      int32
	instructionStartOffset  int32
	stack                   *OperandStack
	callstack               []Frame
	isClosureCalled         bool
	endReached              bool

	// Trace, when non-nil, receives a line of text for each executed
	// binop, CONST, STRING, SEXP, STI, STA, JMP, ELEM, BEGIN, CBEGIN,
	// CLOSURE, CALLC, CALL, TAG, ARRAY, FAIL and CALL Barray, mirroring the
	// reference interpreter's DEBUG_TRY-gated std::cout tracing. The other
	// instructions emit no trace line.
	Trace func(string)
}

// New builds an interpreter ready to execute file starting at its
// "main" public symbol.
func New(file *bytecode.File, rt Runtime, mode VerificationMode) *Interpreter {
	entry := file.EntryPointOffset()
	return &Interpreter{
		file:  file,
		rt:    rt,
		mode:  mode,
		ip:    entry,
		stack: NewOperandStack(file.GlobalAreaSize()),
	}
}

func (ip *Interpreter) trace(format string, args ...interface{}) {
	if ip.Trace != nil {
		ip.Trace(fmt.Sprintf(format, args...))
	}
}

func (vm *Interpreter) assert(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(errs.WithOffset(errs.Failure.New(format, args...), vm.instructionStartOffset))
	}
}

// Run drives the interpreter to completion (the top-level call frame
// returning, or a FAIL/RET/END unwinding it) and reports the first
// runtime failure encountered, if any.
func (vm *Interpreter) Run() (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(*errorx.Error); ok {
				if _, has := e.Property(errs.OffsetProperty); !has {
					e = errs.WithOffset(e, vm.instructionStartOffset)
				}
				err = e
				return
			}
			panic(r)
		}
	}()

	for !vm.endReached {
		vm.step()
	}
	return nil
}

func (vm *Interpreter) step() {
	vm.instructionStartOffset = vm.ip
	op := vm.fetchInstruction()

	switch op {
	case bytecode.BinopAdd, bytecode.BinopSub, bytecode.BinopMul, bytecode.BinopDiv, bytecode.BinopMod,
		bytecode.BinopLt, bytecode.BinopLe, bytecode.BinopGt, bytecode.BinopGe, bytecode.BinopEq, bytecode.BinopNe,
		bytecode.BinopAnd, bytecode.BinopOr:
		vm.execBinop(op)
	case bytecode.Const:
		vm.execConst()
	case bytecode.String:
		vm.execString()
	case bytecode.Sexp:
		vm.execSexp()
	case bytecode.Sti:
		vm.execSti()
	case bytecode.Sta:
		vm.execSta()
	case bytecode.Jmp:
		vm.execJmp()
	case bytecode.End:
		vm.doReturn()
		vm.endReached = len(vm.callstack) == 0
	case bytecode.Ret:
		vm.doReturn()
		vm.endReached = len(vm.callstack) == 0
	case bytecode.Drop:
		vm.stack.Pop()
	case bytecode.Dup:
		vm.stack.Push(vm.stack.Peek(1))
	case bytecode.Swap:
		a := vm.stack.Pop()
		b := vm.stack.Pop()
		vm.stack.Push(a)
		vm.stack.Push(b)
	case bytecode.Elem:
		vm.execElem()
	case bytecode.LdG:
		vm.stack.Push(vm.globalValue(vm.fetchInt32()))
	case bytecode.LdL:
		vm.stack.Push(vm.frame().LocalValue(vm.fetchInt32()))
	case bytecode.LdA:
		vm.stack.Push(vm.frame().ArgumentValue(vm.fetchInt32()))
	case bytecode.LdC:
		f := vm.frame()
		idx := vm.fetchInt32()
		vm.checkCapturedIndex(f, idx)
		vm.stack.Push(f.CapturedValue(idx))
	case bytecode.LdaG:
		vm.stack.Push(vm.globalAddress(vm.fetchInt32()))
	case bytecode.LdaL:
		vm.stack.Push(vm.frame().LocalAddress(vm.fetchInt32()))
	case bytecode.LdaA:
		vm.stack.Push(vm.frame().ArgumentAddress(vm.fetchInt32()))
	case bytecode.LdaC:
		f := vm.frame()
		idx := vm.fetchInt32()
		vm.checkCapturedIndex(f, idx)
		vm.stack.Push(f.CapturedAddress(idx))
	case bytecode.StG:
		idx := vm.fetchInt32()
		v := vm.stack.Pop()
		vm.setGlobalValue(idx, v)
		vm.stack.Push(v)
	case bytecode.StL:
		idx := vm.fetchInt32()
		v := vm.stack.Pop()
		vm.frame().SetLocalValue(idx, v)
		vm.stack.Push(v)
	case bytecode.StA:
		idx := vm.fetchInt32()
		v := vm.stack.Pop()
		vm.frame().SetArgumentValue(idx, v)
		vm.stack.Push(v)
	case bytecode.StC:
		idx := vm.fetchInt32()
		v := vm.stack.Pop()
		f := vm.frame()
		vm.checkCapturedIndex(f, idx)
		f.SetCapturedValue(idx, v)
		vm.stack.Push(v)
	case bytecode.Cjmpz:
		target := vm.fetchInt32()
		vm.checkCodeOffset(target)
		if !value.Bool(vm.popInt()) {
			vm.ip = target
		}
	case bytecode.Cjmpnz:
		target := vm.fetchInt32()
		vm.checkCodeOffset(target)
		if value.Bool(vm.popInt()) {
			vm.ip = target
		}
	case bytecode.Begin:
		vm.execBegin(false)
	case bytecode.Cbegin:
		vm.execBegin(true)
	case bytecode.Closure:
		vm.execClosure()
	case bytecode.Callc:
		vm.execCallClosure()
	case bytecode.Call:
		vm.execCall()
	case bytecode.Tag:
		vm.execTag()
	case bytecode.Array:
		vm.execArrayPatt()
	case bytecode.Fail:
		vm.execFail()
	case bytecode.Line:
		vm.fetchInt32()
	case bytecode.PattStr:
		b := vm.stack.Pop()
		a := vm.stack.Pop()
		vm.stack.Push(value.Truth(vm.rt.StringPatt(a, b)))
	case bytecode.PattString:
		vm.stack.Push(value.Truth(vm.rt.StringTagPatt(vm.stack.Pop())))
	case bytecode.PattArray:
		vm.stack.Push(value.Truth(vm.rt.ArrayTagPatt(vm.stack.Pop())))
	case bytecode.PattSexp:
		vm.stack.Push(value.Truth(vm.rt.SexpTagPatt(vm.stack.Pop())))
	case bytecode.PattRef:
		vm.stack.Push(value.Truth(vm.rt.BoxedPatt(vm.stack.Pop())))
	case bytecode.PattVal:
		vm.stack.Push(value.Truth(vm.rt.UnboxedPatt(vm.stack.Pop())))
	case bytecode.PattFun:
		vm.stack.Push(value.Truth(vm.rt.ClosureTagPatt(vm.stack.Pop())))
	case bytecode.CallLread:
		vm.stack.Push(value.Int(vm.rt.Read()))
	case bytecode.CallLwrite:
		n := vm.popInt()
		vm.rt.Write(value.AsInt(n))
		vm.stack.Push(value.Int(0))
	case bytecode.CallLlength:
		vm.stack.Push(value.Int(vm.rt.Length(vm.stack.Pop())))
	case bytecode.CallLstring:
		vm.stack.Push(vm.rt.Stringify(vm.stack.Pop()))
	case bytecode.CallBarray:
		vm.execCallBarray()
	default:
		vm.assert(false, "invalid instruction 0x%x", byte(op))
	}
}

func (vm *Interpreter) fetchInstruction() bytecode.Instruction {
	op := vm.file.Instruction(vm.ip)
	vm.ip++
	return op
}

func (vm *Interpreter) fetchInt32() int32 {
	v := vm.file.Int32At(vm.ip)
	vm.ip += 4
	return v
}

func (vm *Interpreter) popInt() value.Word {
	v := vm.stack.Pop()
	vm.assert(value.IsInt(v), "expected an integer")
	return v
}

func (vm *Interpreter) frame() Frame {
	vm.assert(len(vm.callstack) > 0, "callstack is empty")
	return vm.callstack[len(vm.callstack)-1]
}

func (vm *Interpreter) checkCodeOffset(offset int32) {
	vm.assert(offset >= 0, "code offset must not be negative")
	vm.assert(offset < vm.file.CodeSize(), "code offset out of range")
}

func (vm *Interpreter) checkCapturedIndex(f Frame, i int32) {
	vm.assert(f.HasCaptures(), "function cannot use captured values")
	vm.assert(i >= 0, "captured value index must not be negative")
	vm.assert(i < f.CapturesCount(), "captured value index out of range")
}

func (vm *Interpreter) globalIndexValid(i int32) bool {
	return i >= 0 && i < vm.file.GlobalAreaSize()
}

func (vm *Interpreter) globalValue(i int32) value.Word {
	vm.assert(vm.globalIndexValid(i), "global value index out of range")
	return vm.stack.At(int(i))
}

func (vm *Interpreter) setGlobalValue(i int32, v value.Word) {
	vm.assert(vm.globalIndexValid(i), "global value index out of range")
	vm.stack.SetAt(int(i), v)
}

func (vm *Interpreter) globalAddress(i int32) value.Address {
	vm.assert(vm.globalIndexValid(i), "global value index out of range")
	return vm.stack.Addr(int(i))
}

func (vm *Interpreter) execBinop(op bytecode.Instruction) {
	switch op {
	case bytecode.BinopAdd, bytecode.BinopSub, bytecode.BinopMul, bytecode.BinopDiv, bytecode.BinopMod:
		y := value.AsInt(vm.popInt())
		x := value.AsInt(vm.popInt())
		var result int32
		switch op {
		case bytecode.BinopAdd:
			result = x + y
		case bytecode.BinopSub:
			result = x - y
		case bytecode.BinopMul:
			result = x * y
		case bytecode.BinopDiv:
			vm.assert(y != 0, "/ 0")
			result = x / y
		case bytecode.BinopMod:
			vm.assert(y != 0, "%% 0")
			result = x % y
		}
		vm.stack.Push(value.Int(result))
	case bytecode.BinopEq, bytecode.BinopNe, bytecode.BinopLt, bytecode.BinopLe, bytecode.BinopGt, bytecode.BinopGe:
		var flag bool
		if op == bytecode.BinopEq {
			b := vm.stack.Pop()
			a := vm.stack.Pop()
			vm.assert(value.IsInt(a) || value.IsInt(b), "at least one of equality operands must be an integer")
			flag = value.IsInt(a) && value.IsInt(b) && value.AsInt(a) == value.AsInt(b)
		} else {
			y := value.AsInt(vm.popInt())
			x := value.AsInt(vm.popInt())
			switch op {
			case bytecode.BinopLt:
				flag = x < y
			case bytecode.BinopLe:
				flag = x <= y
			case bytecode.BinopGt:
				flag = x > y
			case bytecode.BinopGe:
				flag = x >= y
			case bytecode.BinopNe:
				flag = x != y
			}
		}
		vm.stack.Push(value.Truth(flag))
	case bytecode.BinopAnd, bytecode.BinopOr:
		y := value.AsInt(vm.popInt())
		x := value.AsInt(vm.popInt())
		var flag bool
		if op == bytecode.BinopAnd {
			flag = x != 0 && y != 0
		} else {
			flag = x != 0 || y != 0
		}
		vm.stack.Push(value.Truth(flag))
	}
	vm.trace("%s", bytecode.Mnemonic(op))
}

func (vm *Interpreter) execConst() {
	n := vm.fetchInt32()
	vm.stack.Push(value.Int(n))
	vm.trace("CONST\t%d", n)
}

func (vm *Interpreter) execString() {
	idx := vm.fetchInt32()
	vm.assert(idx >= 0 && idx < vm.file.StringTableSize(), "string table index is out of range")
	s := vm.file.String(idx)
	vm.stack.Push(vm.rt.MakeString(s))
	vm.trace("STRING\t%q", s)
}

func (vm *Interpreter) execSexp() {
	tagIdx := vm.fetchInt32()
	tagStr := vm.file.String(tagIdx)
	tag := vm.rt.TagHash(tagStr)

	n := vm.fetchInt32()
	vm.assert(n >= 0, "sexp members count must not be negative")

	elements := make([]value.Word, n)
	for i := int32(0); i < n; i++ {
		elements[n-1-i] = vm.stack.Peek(int(i) + 1)
	}
	sexp := vm.rt.MakeSexp(tag, elements)
	vm.stack.PopN(int(n))
	vm.stack.Push(sexp)
	vm.trace("SEXP\t%q\t%d", tagStr, n)
}

func (vm *Interpreter) execSti() {
	v := vm.stack.Pop()
	dst := vm.stack.Pop()
	vm.assert(!value.IsInt(dst), "expected a variable reference")
	addr := dst.(value.Address)
	addr.Set(v)
	vm.stack.Push(v)
	vm.trace("STI")
}

func (vm *Interpreter) execSta() {
	v := vm.stack.Pop()
	dst := vm.stack.Pop()

	if value.IsInt(dst) {
		index := value.AsInt(dst)
		base := vm.stack.Pop()
		value.SetElem(base, index, v)
	} else {
		addr := dst.(value.Address)
		addr.Set(v)
	}

	vm.stack.Push(v)
	vm.trace("STA")
}

func (vm *Interpreter) execJmp() {
	target := vm.fetchInt32()
	vm.checkCodeOffset(target)
	vm.ip = target
	vm.trace("JMP\t0x%x", target)
}

func (vm *Interpreter) execElem() {
	index := value.AsInt(vm.popInt())
	base := vm.stack.Pop()
	vm.stack.Push(value.Elem(base, index))
	vm.trace("ELEM")
}

func (vm *Interpreter) execBegin(hasCaptures bool) {
	argsNum := vm.fetchInt32()
	vm.assert(argsNum >= 0, "arguments number must not be negative")
	locals := vm.fetchInt32()
	vm.assert(locals >= 0, "locals number must not be negative")
	localsNum := locals & 0xffff

	if vm.mode == StaticVerification {
		// The verifier patched the upper 16 bits of this operand with the
		// maximum stack growth reachable from here without returning, so a
		// single check here covers the whole call up front. The per-push
		// check in OperandStack.Push stays active as well.
		maxGrowth := (locals >> 16) & 0xffff
		vm.assert(vm.stack.Size()+int(maxGrowth) <= OpStackCapacity, "operand stack exhausted")
	}

	if hasCaptures {
		closureWord := vm.stack.Peek(1 + int(argsNum) + 1)
		vm.assert(value.IsClosure(closureWord), "closure value must be present in stack")
	}

	vm.assert(len(vm.callstack) < CallStackCapacity, "callstack exhausted")
	base := vm.stack.PeekIndex(1)
	vm.callstack = append(vm.callstack, Frame{
		stack:       vm.stack,
		base:        base,
		argsCount:   argsNum,
		localsCount: localsNum,
		hasClosure:  vm.isClosureCalled,
		hasCaptures: hasCaptures,
	})

	for i := int32(0); i < localsNum; i++ {
		vm.stack.Push(value.Int(0))
	}

	if hasCaptures {
		vm.trace("CBEGIN\t%d\t%d", argsNum, localsNum)
	} else {
		vm.trace("BEGIN\t%d\t%d", argsNum, localsNum)
	}
}

func (vm *Interpreter) execClosure() {
	addr := vm.fetchInt32()
	vm.checkCodeOffset(addr)
	n := vm.fetchInt32()
	vm.assert(n >= 0, "arguments number must not be negative")

	captured := make([]value.Word, n)
	for i := int32(0); i < n; i++ {
		kind := bytecode.CaptureKind(byte(vm.fetchInstruction()))
		index := vm.fetchInt32()
		f := vm.frame()

		var w value.Word
		switch kind {
		case bytecode.CaptureGlobal:
			w = vm.globalValue(index)
		case bytecode.CaptureLocal:
			vm.assert(index >= 0 && index < f.LocalsCount(), "local value index out of range")
			w = f.LocalValue(index)
		case bytecode.CaptureArgument:
			vm.assert(index >= 0 && index < f.ArgumentsCount(), "argument value index out of range")
			w = f.ArgumentValue(index)
		case bytecode.CaptureCapture:
			vm.checkCapturedIndex(f, index)
			w = f.CapturedValue(index)
		}
		captured[i] = w
	}

	vm.stack.Push(vm.rt.MakeClosure(addr, captured))
	vm.trace("CLOSURE\t0x%x", addr)
}

func (vm *Interpreter) execCallClosure() {
	argsNum := vm.fetchInt32()
	vm.assert(argsNum >= 0, "arguments number must not be negative")

	closureWord := vm.stack.Peek(int(argsNum) + 1)
	clo, ok := closureWord.(*value.Closure)
	vm.assert(ok, "CALLC target must be a closure")

	startOp := vm.file.Instruction(clo.Addr)
	vm.assert(startOp == bytecode.Begin || startOp == bytecode.Cbegin, "CALLC should go to BEGIN or CBEGIN instruction")

	vm.stack.Push(value.Int(vm.ip))
	vm.ip = clo.Addr
	vm.isClosureCalled = true
	vm.trace("CALLC\t%d", argsNum)
}

func (vm *Interpreter) execCall() {
	addr := vm.fetchInt32()
	vm.checkCodeOffset(addr)
	startOp := vm.file.Instruction(addr)
	vm.assert(startOp == bytecode.Begin, "CALL should go to BEGIN instruction")

	argsNum := vm.fetchInt32()
	vm.assert(argsNum >= 0, "arguments number must not be negative")

	vm.stack.Push(value.Int(vm.ip))
	vm.ip = addr
	vm.isClosureCalled = false
	vm.trace("CALL\t0x%x\t%d", addr, argsNum)
}

func (vm *Interpreter) doReturn() {
	f := vm.callstack[len(vm.callstack)-1]
	vm.callstack = vm.callstack[:len(vm.callstack)-1]

	if len(vm.callstack) == 0 {
		// The top-level frame has no caller to resume and nothing to hand a
		// result to, so execution ends without unwinding its stack.
		return
	}

	result := vm.stack.Pop()
	retIpWord := vm.stack.At(f.Base())
	retIp := value.AsInt(retIpWord)

	vm.stack.PopN(int(f.LocalsCount()))
	vm.stack.Pop() // return-address slot
	vm.stack.PopN(int(f.ArgumentsCount()))

	if f.HasClosure() {
		vm.stack.Pop() // closure
	}

	vm.stack.Push(result)
	vm.ip = retIp
}

func (vm *Interpreter) execTag() {
	tagIdx := vm.fetchInt32()
	tagStr := vm.file.String(tagIdx)
	tag := vm.rt.TagHash(tagStr)

	n := vm.fetchInt32()
	vm.assert(n >= 0, "sexp members count must not be negative")

	base := vm.stack.Pop()
	vm.stack.Push(value.Truth(vm.rt.Tag(base, tag, n)))
	vm.trace("TAG\t%q\t%d", tagStr, n)
}

func (vm *Interpreter) execArrayPatt() {
	n := vm.fetchInt32()
	base := vm.stack.Pop()
	vm.stack.Push(value.Truth(vm.rt.ArrayPatt(base, n)))
	vm.trace("ARRAY\t%d", n)
}

func (vm *Interpreter) execFail() {
	line := vm.fetchInt32()
	vm.assert(line >= 1, "line number must be greater than zero")
	col := vm.fetchInt32()
	vm.assert(col >= 1, "column number must be greater than zero")

	v := vm.stack.Pop()
	vm.rt.MatchFailure(v, line, col)
	vm.trace("FAIL\t%d\t%d", line, col)
}

func (vm *Interpreter) execCallBarray() {
	n := vm.fetchInt32()
	elements := make([]value.Word, n)
	for i := int32(0); i < n; i++ {
		elements[n-1-i] = vm.stack.Peek(int(i) + 1)
	}
	array := vm.rt.MakeArray(elements)
	vm.stack.PopN(int(n))
	vm.stack.Push(array)
	vm.trace("CALL\tBarray %d", n)
}
