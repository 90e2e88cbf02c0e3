package vm

import (
	"github.com/glossopoeia/tapebc/errs"
	"github.com/glossopoeia/tapebc/value"
)

// Frame is a call's activation record. It owns none of its own storage;
// it is a view into the operand stack (for its return address, arguments
// and locals) and, when the callee is a closure, into that closure's
// captured-value slice. This mirrors the original design: a frame is
// addressing arithmetic over a shared buffer, not a structure that copies
// or owns values.
//
//	==================
//	|   local #n     |
//	| .............. |
//	|   local #0     |
//	==================
//	| return address | <------ frame base
//	==================
//	|  argument #m   |
//	| .............. |
//	|  argument #0   |
//	==================
type Frame struct {
	stack       *OperandStack
	base        int
	argsCount   int32
	localsCount int32
	hasClosure  bool
	hasCaptures bool
}

// Base returns the absolute stack index of the frame's return-address
// slot.
func (f Frame) Base() int { return f.base }

func (f Frame) ArgumentsCount() int32 { return f.argsCount }
func (f Frame) LocalsCount() int32    { return f.localsCount }
func (f Frame) HasClosure() bool      { return f.hasClosure }
func (f Frame) HasCaptures() bool     { return f.hasCaptures }

func (f Frame) argumentsStart() int { return f.base - int(f.argsCount) }
func (f Frame) localsStart() int    { return f.base + 1 }

func (f Frame) ArgumentValue(i int32) value.Word {
	return f.stack.At(f.argumentsStart() + int(i))
}

func (f Frame) SetArgumentValue(i int32, v value.Word) {
	f.stack.SetAt(f.argumentsStart()+int(i), v)
}

func (f Frame) ArgumentAddress(i int32) value.Address {
	return f.stack.Addr(f.argumentsStart() + int(i))
}

func (f Frame) LocalValue(i int32) value.Word {
	return f.stack.At(f.localsStart() + int(i))
}

func (f Frame) SetLocalValue(i int32, v value.Word) {
	f.stack.SetAt(f.localsStart()+int(i), v)
}

func (f Frame) LocalAddress(i int32) value.Address {
	return f.stack.Addr(f.localsStart() + int(i))
}

// closure returns the closure object this frame is executing inside of.
// Only valid when hasCaptures is true, which implies the value just below
// the arguments is the closure that was invoked via CALLC.
func (f Frame) closure() *value.Closure {
	w := f.stack.At(f.argumentsStart() - 1)
	clo, ok := w.(*value.Closure)
	if !ok {
		panic(errs.Failure.New("closure value must be present below arguments"))
	}
	return clo
}

func (f Frame) CapturesCount() int32 {
	return int32(len(f.closure().Captured))
}

func (f Frame) CapturedValue(i int32) value.Word {
	return f.closure().Captured[i]
}

func (f Frame) SetCapturedValue(i int32, v value.Word) {
	f.closure().Captured[i] = v
}

func (f Frame) CapturedAddress(i int32) value.Address {
	clo := f.closure()
	return value.Address{
		Get: func() value.Word { return clo.Captured[i] },
		Set: func(v value.Word) { clo.Captured[i] = v },
	}
}
