// Package verify implements static verification of a decoded bytecode
// file: a worklist-driven abstract interpretation that walks every
// instruction reachable from the entry point, tracking operand-stack
// depth symbolically instead of running the program, and rejects a file
// whose instructions disagree about how deep the stack is at a given
// offset.
//
// As a side effect of that walk it patches every BEGIN/CBEGIN it proves
// safe with the maximum operand-stack growth reachable before the next
// return, so StaticVerification-mode interpretation can check for stack
// overflow once on entry to each call (the operand stack's own per-push
// check stays in place).
package verify

import (
	"github.com/glossopoeia/tapebc/bytecode"
	"github.com/glossopoeia/tapebc/errs"
	"github.com/glossopoeia/tapebc/vm"
)

// state is one pending branch of the abstract interpretation: everything
// needed to resume verifying at startIP with the right stack/call shape.
type state struct {
	functionBegin int32
	argsCount     int32
	startIP       int32
	localsCount   int32
	stackSize     int32
	maxStackSize  int32
	callstackSize int32
}

// stackSizeAt records the operand-stack depth the verifier has already
// proven for a given code offset, so a second path reaching the same
// offset can be checked for consistency instead of re-walked.
type stackSizeAt struct {
	defined bool
	size    int32
}

// Verifier walks a decoded bytecode file's reachable instructions once,
// proving every instruction's operand-stack depth is the same no matter
// which path reached it, and records the maximum per-function stack
// growth it observes along the way.
type Verifier struct {
	file *bytecode.File

	ip                     int32
	instructionStartOffset int32
	current                state
	worklist               []state
	pushNext               bool

	stackSizes []stackSizeAt
	maxGrowth  map[int32]int32
}

// New builds a Verifier for file, seeded at its entry point with the
// synthetic top-level call's two arguments already on the stack.
func New(file *bytecode.File) *Verifier {
	entry := file.EntryPointOffset()
	v := &Verifier{
		file:       file,
		stackSizes: make([]stackSizeAt, file.CodeSize()+1),
		maxGrowth:  make(map[int32]int32),
	}
	seed := state{
		functionBegin: entry,
		argsCount:     2,
		startIP:       entry,
		localsCount:   0,
		stackSize:     0,
		maxStackSize:  0,
		callstackSize: 1,
	}
	v.worklist = append(v.worklist, seed)
	return v
}

// Verify walks the worklist to completion. It returns false, rather than
// an error, for the one case the design accepts as incomplete: any
// reachable STA, since whether it stores through an index into an object
// or through an address isn't known statically. Callers are expected
// to fall back to DynamicVerification in that case. Any other
// inconsistency is a genuine verification failure and panics through the
// Verifier errorx namespace, matching the original's immediate-failure
// behavior.
func (v *Verifier) Verify() bool {
	for len(v.worklist) > 0 {
		if !v.step() {
			return false
		}
	}
	for offset, growth := range v.maxGrowth {
		v.file.PatchBegin(offset, growth)
	}
	return true
}

func (v *Verifier) assert(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(errs.WithOffset(errs.VerificationFailed.New(format, args...), v.instructionStartOffset))
	}
}

func (v *Verifier) step() bool {
	v.current = v.popState()
	v.ip = v.current.startIP
	v.instructionStartOffset = v.ip

	v.assert(v.instructionStartOffset >= 0 && v.instructionStartOffset < int32(len(v.stackSizes)), "code offset out of range")
	seen := &v.stackSizes[v.instructionStartOffset]
	if seen.defined {
		v.assert(seen.size == v.current.stackSize, "stack size inconsistency")
		return true
	}
	seen.defined = true
	seen.size = v.current.stackSize

	v.pushNext = true

	op := v.fetchInstruction()

	switch op {
	case bytecode.BinopAdd, bytecode.BinopSub, bytecode.BinopMul, bytecode.BinopDiv, bytecode.BinopMod,
		bytecode.BinopLt, bytecode.BinopLe, bytecode.BinopGt, bytecode.BinopGe,
		bytecode.BinopEq, bytecode.BinopNe, bytecode.BinopAnd, bytecode.BinopOr:
		v.popWords(2)
		v.pushWord()

	case bytecode.Const:
		v.fetchInt32()
		v.pushWord()

	case bytecode.String:
		idx := v.fetchInt32()
		v.checkStringIndex(idx)
		v.pushWord()

	case bytecode.Sexp:
		idx := v.fetchInt32()
		v.checkStringIndex(idx)
		n := v.fetchInt32()
		v.assert(n >= 0, "sexp members count must not be negative")
		v.popWords(n)
		v.pushWord()

	case bytecode.Sti:
		v.popWords(2)
		v.pushWord()

	case bytecode.Sta:
		return false

	case bytecode.Jmp:
		target := v.fetchInt32()
		v.checkCodeOffset(target)
		v.pushState(state{v.current.functionBegin, v.current.argsCount, target, v.current.localsCount, v.current.stackSize, v.current.maxStackSize, v.current.callstackSize})
		v.pushNext = false

	case bytecode.End, bytecode.Ret:
		v.assert(v.current.callstackSize > 0, "callstack is empty")
		if g, ok := v.maxGrowth[v.current.functionBegin]; !ok || v.current.maxStackSize > g {
			v.maxGrowth[v.current.functionBegin] = v.current.maxStackSize
		}
		v.pushNext = false

	case bytecode.Drop:
		v.popWord()

	case bytecode.Dup:
		v.popWord()
		v.pushWords(2)

	case bytecode.Swap:
		v.popWords(2)
		v.pushWords(2)

	case bytecode.Elem:
		v.popWords(2)
		v.pushWord()

	case bytecode.LdG, bytecode.LdaG:
		idx := v.fetchInt32()
		v.checkGlobalIndex(idx)
		v.pushWord()

	case bytecode.LdL, bytecode.LdaL:
		idx := v.fetchInt32()
		v.checkLocalIndex(idx)
		v.pushWord()

	case bytecode.LdA, bytecode.LdaA:
		idx := v.fetchInt32()
		v.checkArgIndex(idx)
		v.pushWord()

	case bytecode.LdC, bytecode.LdaC:
		idx := v.fetchInt32()
		v.assert(idx >= 0, "captured value index out of range")
		v.pushWord()

	case bytecode.StG:
		idx := v.fetchInt32()
		v.checkGlobalIndex(idx)
		v.popWord()
		v.pushWord()

	case bytecode.StL:
		idx := v.fetchInt32()
		v.checkLocalIndex(idx)
		v.popWord()
		v.pushWord()

	case bytecode.StA:
		idx := v.fetchInt32()
		v.checkArgIndex(idx)
		v.popWord()
		v.pushWord()

	case bytecode.StC:
		idx := v.fetchInt32()
		v.assert(idx >= 0, "captured value index out of range")
		v.popWord()
		v.pushWord()

	case bytecode.Cjmpz, bytecode.Cjmpnz:
		target := v.fetchInt32()
		v.checkCodeOffset(target)
		v.popWord()
		v.pushState(state{v.current.functionBegin, v.current.argsCount, target, v.current.localsCount, v.current.stackSize, v.current.maxStackSize, v.current.callstackSize})
		v.pushState(state{v.current.functionBegin, v.current.argsCount, v.ip, v.current.localsCount, v.current.stackSize, v.current.maxStackSize, v.current.callstackSize})
		v.pushNext = false

	case bytecode.Begin:
		argsNum := v.fetchInt32()
		v.assert(argsNum >= 0, "arguments number must not be negative")
		v.assert(argsNum == v.current.argsCount, "the number of passed arguments differs from the number declared in BEGIN")
		localsNum := v.fetchInt32() & 0xffff
		v.assert(localsNum >= 0, "locals number must not be negative")
		v.current.functionBegin = v.instructionStartOffset
		v.current.localsCount = localsNum

	case bytecode.Cbegin:
		argsNum := v.fetchInt32()
		v.assert(argsNum >= 0, "arguments number must not be negative")
		v.assert(argsNum == v.current.argsCount, "the number of passed arguments differs from the number declared in CBEGIN")
		localsNum := v.fetchInt32() & 0xffff
		v.assert(localsNum >= 0, "locals number must not be negative")
		v.current.functionBegin = v.instructionStartOffset
		v.current.localsCount = localsNum

	case bytecode.Closure:
		addr := v.fetchInt32()
		v.checkCodeOffset(addr)
		target := v.file.Instruction(addr)
		v.assert(target == bytecode.Begin || target == bytecode.Cbegin, "closure function should start with BEGIN or CBEGIN instruction")
		n := v.fetchInt32()
		v.assert(n >= 0, "arguments number must not be negative")
		for i := int32(0); i < n; i++ {
			kind := bytecode.CaptureKind(v.fetchInstruction())
			idx := v.fetchInt32()
			switch kind {
			case bytecode.CaptureGlobal:
				v.checkGlobalIndex(idx)
			case bytecode.CaptureLocal:
				v.checkLocalIndex(idx)
			case bytecode.CaptureArgument:
				v.checkArgIndex(idx)
			case bytecode.CaptureCapture:
				v.assert(idx >= 0, "captured value index out of range")
			default:
				v.assert(false, "invalid varspec")
			}
		}
		v.pushWord()

	case bytecode.Callc:
		argsNum := v.fetchInt32()
		v.assert(argsNum >= 0, "arguments number must not be negative")
		v.popWords(argsNum + 1)
		v.pushWord()

	case bytecode.Call:
		addr := v.fetchInt32()
		v.checkCodeOffset(addr)
		argsNum := v.fetchInt32()
		v.assert(argsNum >= 0, "arguments number must not be negative")
		v.pushState(state{addr, argsNum, addr, 0, 0, 0, v.current.callstackSize + 1})
		v.pushState(state{v.current.functionBegin, v.current.argsCount, v.ip, v.current.localsCount, v.current.stackSize - argsNum + 1, v.current.maxStackSize, v.current.callstackSize})
		v.pushNext = false

	case bytecode.Tag:
		s := v.fetchInt32()
		v.checkStringIndex(s)
		n := v.fetchInt32()
		v.assert(n >= 0, "sexp members count must not be negative")
		v.popWord()
		v.pushWord()

	case bytecode.Array:
		n := v.fetchInt32()
		v.assert(n >= 0, "array length must not be negative")
		v.popWord()
		v.pushWord()

	case bytecode.Fail:
		line := v.fetchInt32()
		col := v.fetchInt32()
		v.assert(line >= 1, "line number should be greater than 0")
		v.assert(col >= 1, "column number should be greater than 0")
		v.pushNext = false

	case bytecode.Line:
		v.fetchInt32()

	case bytecode.PattStr:
		v.popWords(2)
		v.pushWord()

	case bytecode.PattString, bytecode.PattArray, bytecode.PattSexp,
		bytecode.PattRef, bytecode.PattVal, bytecode.PattFun:
		v.popWord()
		v.pushWord()

	case bytecode.CallLread:
		v.pushWord()

	case bytecode.CallLwrite, bytecode.CallLlength, bytecode.CallLstring:
		v.popWord()
		v.pushWord()

	case bytecode.CallBarray:
		n := v.fetchInt32()
		v.assert(n >= 0, "array length must not be negative")
		v.popWords(n)
		v.pushWord()

	default:
		v.assert(false, "invalid instruction")
	}

	if v.pushNext {
		v.pushState(state{v.current.functionBegin, v.current.argsCount, v.ip, v.current.localsCount, v.current.stackSize, v.current.maxStackSize, v.current.callstackSize})
	}

	return true
}

func (v *Verifier) fetchInstruction() bytecode.Instruction {
	v.checkCodeOffset(v.ip)
	op := v.file.Instruction(v.ip)
	v.ip++
	return op
}

func (v *Verifier) fetchInt32() int32 {
	v.assert(v.ip+4 <= v.file.CodeSize(), "code offset out of range")
	n := v.file.Int32At(v.ip)
	v.ip += 4
	return n
}

func (v *Verifier) checkCodeOffset(offset int32) {
	v.assert(offset >= 0 && offset < v.file.CodeSize(), "code offset out of range")
}

func (v *Verifier) checkStringIndex(idx int32) {
	v.assert(idx >= 0 && idx < v.file.StringTableSize(), "string table index is out of range")
}

func (v *Verifier) checkGlobalIndex(idx int32) {
	v.assert(idx >= 0 && idx < v.file.GlobalAreaSize(), "global value index out of range")
}

func (v *Verifier) checkLocalIndex(idx int32) {
	v.assert(idx >= 0 && idx < v.current.localsCount, "local value index out of range")
}

func (v *Verifier) checkArgIndex(idx int32) {
	v.assert(idx >= 0 && idx < v.current.argsCount, "argument value index out of range")
}

func (v *Verifier) pushWords(n int32) {
	v.assert(v.current.stackSize+n < vm.OpStackCapacity, "operand stack exhausted")
	v.current.stackSize += n
	if v.current.stackSize > v.current.maxStackSize {
		v.current.maxStackSize = v.current.stackSize
	}
}

func (v *Verifier) pushWord() { v.pushWords(1) }

func (v *Verifier) popWords(n int32) {
	v.assert(v.current.stackSize >= n, "operand stack is empty")
	v.current.stackSize -= n
}

func (v *Verifier) popWord() { v.popWords(1) }

func (v *Verifier) pushState(s state) {
	v.worklist = append(v.worklist, s)
}

func (v *Verifier) popState() state {
	n := len(v.worklist)
	s := v.worklist[n-1]
	v.worklist = v.worklist[:n-1]
	return s
}

// VerifyFile verifies file in place, returning true if static
// verification succeeded (and the file's BEGIN/CBEGIN instructions have
// been patched with their proven max stack growth), or false if the file
// contains a construct - currently only STA - static
// verification can't resolve.
func VerifyFile(file *bytecode.File) bool {
	return New(file).Verify()
}
