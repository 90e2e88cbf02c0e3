package bytecode

// Instruction is a single opcode byte as it appears in the code section of a
// bytecode file.
type Instruction byte

const (
	BinopAdd Instruction = 0x01
	BinopSub Instruction = 0x02
	BinopMul Instruction = 0x03
	BinopDiv Instruction = 0x04
	BinopMod Instruction = 0x05

	BinopLt Instruction = 0x06
	BinopLe Instruction = 0x07
	BinopGt Instruction = 0x08
	BinopGe Instruction = 0x09

	BinopEq Instruction = 0x0a
	BinopNe Instruction = 0x0b

	BinopAnd Instruction = 0x0c
	BinopOr  Instruction = 0x0d

	Const  Instruction = 0x10
	String Instruction = 0x11
	Sexp   Instruction = 0x12
	Sti    Instruction = 0x13
	Sta    Instruction = 0x14

	Jmp Instruction = 0x15
	End Instruction = 0x16

	Ret  Instruction = 0x17
	Drop Instruction = 0x18
	Dup  Instruction = 0x19
	Swap Instruction = 0x1a
	Elem Instruction = 0x1b

	LdG Instruction = 0x20
	LdL Instruction = 0x21
	LdA Instruction = 0x22
	LdC Instruction = 0x23

	LdaG Instruction = 0x30
	LdaL Instruction = 0x31
	LdaA Instruction = 0x32
	LdaC Instruction = 0x33

	StG Instruction = 0x40
	StL Instruction = 0x41
	StA Instruction = 0x42
	StC Instruction = 0x43

	Cjmpz  Instruction = 0x50
	Cjmpnz Instruction = 0x51

	Begin  Instruction = 0x52
	Cbegin Instruction = 0x53

	Closure Instruction = 0x54

	Callc Instruction = 0x55
	Call  Instruction = 0x56

	Tag   Instruction = 0x57
	Array Instruction = 0x58
	Fail  Instruction = 0x59
	Line  Instruction = 0x5a

	PattStr    Instruction = 0x60
	PattString Instruction = 0x61
	PattArray  Instruction = 0x62
	PattSexp   Instruction = 0x63
	PattRef    Instruction = 0x64
	PattVal    Instruction = 0x65
	PattFun    Instruction = 0x66

	CallLread   Instruction = 0x70
	CallLwrite  Instruction = 0x71
	CallLlength Instruction = 0x72
	CallLstring Instruction = 0x73
	CallBarray  Instruction = 0x74
)

// CaptureKind identifies which part of the enclosing activation a CLOSURE
// varspec pulls a captured value from.
type CaptureKind byte

const (
	CaptureGlobal   CaptureKind = 0x0
	CaptureLocal    CaptureKind = 0x1
	CaptureArgument CaptureKind = 0x2
	CaptureCapture  CaptureKind = 0x3
)

func (c CaptureKind) String() string {
	switch c {
	case CaptureGlobal:
		return "G"
	case CaptureLocal:
		return "L"
	case CaptureArgument:
		return "A"
	case CaptureCapture:
		return "C"
	default:
		return "?"
	}
}

// IsJump reports whether op transfers control, conditionally or not, to
// an explicit int32 operand known at decode time. CALLC jumps too, but it computes
// its target dynamically from the closure on the stack, so it isn't
// included here.
func IsJump(op Instruction) bool {
	switch op {
	case Jmp, Cjmpz, Cjmpnz, Call:
		return true
	default:
		return false
	}
}

// IsCall reports whether op is one of the two call-shaped instructions.
func IsCall(op Instruction) bool {
	return op == Call || op == Callc
}

// IsTerminal reports whether op never falls through to the next
// instruction in sequence.
func IsTerminal(op Instruction) bool {
	switch op {
	case Jmp, Ret, End, Fail:
		return true
	default:
		return false
	}
}

// BreaksSequence reports whether op ends a linear run of instructions for
// the purposes of idiom discovery: a pair idiom never straddles one of
// these.
func BreaksSequence(op Instruction) bool {
	switch op {
	case Jmp, Call, Callc, Ret, End, Fail:
		return true
	default:
		return false
	}
}

// Mnemonic returns the textual mnemonic used when disassembling op, e.g.
// for the idiom analyzer's CLI output.
func Mnemonic(op Instruction) string {
	switch op {
	case BinopAdd:
		return "BINOP +"
	case BinopSub:
		return "BINOP -"
	case BinopMul:
		return "BINOP *"
	case BinopDiv:
		return "BINOP /"
	case BinopMod:
		return "BINOP %"
	case BinopLt:
		return "BINOP <"
	case BinopLe:
		return "BINOP <="
	case BinopGt:
		return "BINOP >"
	case BinopGe:
		return "BINOP >="
	case BinopEq:
		return "BINOP =="
	case BinopNe:
		return "BINOP !="
	case BinopAnd:
		return "BINOP &&"
	case BinopOr:
		return "BINOP !!"
	case Const:
		return "CONST"
	case String:
		return "STRING"
	case Sexp:
		return "SEXP"
	case Sti:
		return "STI"
	case Sta:
		return "STA"
	case Jmp:
		return "JMP"
	case End:
		return "END"
	case Ret:
		return "RET"
	case Drop:
		return "DROP"
	case Dup:
		return "DUP"
	case Swap:
		return "SWAP"
	case Elem:
		return "ELEM"
	case LdG:
		return "LD G"
	case LdL:
		return "LD L"
	case LdA:
		return "LD A"
	case LdC:
		return "LD C"
	case LdaG:
		return "LDA G"
	case LdaL:
		return "LDA L"
	case LdaA:
		return "LDA A"
	case LdaC:
		return "LDA C"
	case StG:
		return "ST G"
	case StL:
		return "ST L"
	case StA:
		return "ST A"
	case StC:
		return "ST C"
	case Cjmpz:
		return "CJMPz"
	case Cjmpnz:
		return "CJMPnz"
	case Begin:
		return "BEGIN"
	case Cbegin:
		return "CBEGIN"
	case Closure:
		return "CLOSURE"
	case Callc:
		return "CALLC"
	case Call:
		return "CALL"
	case Tag:
		return "TAG"
	case Array:
		return "ARRAY"
	case Fail:
		return "FAIL"
	case Line:
		return "LINE"
	case PattStr:
		return "PATT =str"
	case PattString:
		return "PATT #string"
	case PattArray:
		return "PATT #array"
	case PattSexp:
		return "PATT #sexp"
	case PattRef:
		return "PATT #ref"
	case PattVal:
		return "PATT #val"
	case PattFun:
		return "PATT #fun"
	case CallLread:
		return "CALL Lread"
	case CallLwrite:
		return "CALL Lwrite"
	case CallLlength:
		return "CALL Llength"
	case CallLstring:
		return "CALL Lstring"
	case CallBarray:
		return "CALL Barray"
	default:
		return "UNKNOWN"
	}
}
