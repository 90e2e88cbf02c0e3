package bytecode

// CodeReader is the minimal view of a bytecode file's code section the
// decoder needs. *File satisfies it; the idiom analyzer and the CLI's
// disassembly pass their *bytecode.File straight through.
type CodeReader interface {
	CodeSize() int32
	Instruction(offset int32) Instruction
	Int32At(offset int32) int32
}

// InstructionLength returns the number of bytes occupied by the
// instruction at offset, including its opcode byte. It does not validate
// that offset holds a recognized opcode beyond distinguishing the known
// instruction set; an unrecognized byte yields -1.
func InstructionLength(r CodeReader, offset int32) int32 {
	op := r.Instruction(offset)

	switch op {
	case BinopAdd, BinopSub, BinopMul, BinopDiv, BinopMod,
		BinopLt, BinopLe, BinopGt, BinopGe, BinopEq, BinopNe,
		BinopAnd, BinopOr,
		Sti, Sta, End, Ret, Drop, Dup, Swap, Elem,
		PattStr, PattString, PattArray, PattSexp, PattRef, PattVal, PattFun,
		CallLread, CallLwrite, CallLlength, CallLstring:
		return 1

	case Const, String, Jmp,
		LdG, LdL, LdA, LdC,
		LdaG, LdaL, LdaA, LdaC,
		StG, StL, StA, StC,
		Cjmpz, Cjmpnz, Callc, Array, Line, CallBarray:
		return 1 + 4

	case Sexp, Begin, Cbegin, Call, Tag, Fail:
		return 1 + 4 + 4

	case Closure:
		if offset+1+4 > r.CodeSize() {
			return -1
		}
		n := r.Int32At(offset + 1 + 4)
		if n < 0 {
			return -1
		}
		return 1 + 4 + 4 + n*(1+4)

	default:
		return -1
	}
}

// JumpTarget returns the explicit int32 jump address operand of op at
// offset, if it has one. CALLC also transfers control, but its target is
// computed at run time from the closure on the operand stack rather than
// stored as a decodable operand, so it reports ok=false.
func JumpTarget(r CodeReader, offset int32) (target int32, ok bool) {
	op := r.Instruction(offset)

	switch op {
	case Jmp, Cjmpz, Cjmpnz:
		return r.Int32At(offset + 1), true
	case Closure, Call:
		return r.Int32At(offset + 1), true
	default:
		return 0, false
	}
}

// Varspec is one decoded CLOSURE capture descriptor: a capture kind paired
// with the index it addresses within that kind's namespace.
type Varspec struct {
	Kind  CaptureKind
	Index int32
}

// DecodeClosureVarspecs decodes the n varspec entries following a
// CLOSURE instruction's location and count operands, starting at
// varspecOffset (offset + 1 + 4 + 4).
func DecodeClosureVarspecs(r CodeReader, varspecOffset int32, n int32) []Varspec {
	specs := make([]Varspec, n)
	off := varspecOffset
	for i := int32(0); i < n; i++ {
		kind := CaptureKind(byte(r.Instruction(off)))
		index := r.Int32At(off + 1)
		specs[i] = Varspec{Kind: kind, Index: index}
		off += 1 + 4
	}
	return specs
}
