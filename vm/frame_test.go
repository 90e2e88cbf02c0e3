package vm

import (
	"testing"

	"github.com/glossopoeia/tapebc/value"
)

func TestFrameArgumentAndLocalAddressing(t *testing.T) {
	s := NewOperandStack(0)
	// args: 10, 20 ; return-ip slot ; locals: 0, 0
	s.Push(value.Int(10))
	s.Push(value.Int(20))
	base := s.PeekIndex(1) + 1
	s.Push(value.Int(-1)) // return address placeholder
	s.Push(value.Int(0))
	s.Push(value.Int(0))

	f := Frame{stack: s, base: base, argsCount: 2, localsCount: 2}

	if got := value.AsInt(f.ArgumentValue(0)); got != 10 {
		t.Errorf("ArgumentValue(0) = %d, want 10", got)
	}
	if got := value.AsInt(f.ArgumentValue(1)); got != 20 {
		t.Errorf("ArgumentValue(1) = %d, want 20", got)
	}

	f.SetLocalValue(0, value.Int(42))
	if got := value.AsInt(f.LocalValue(0)); got != 42 {
		t.Errorf("LocalValue(0) after SetLocalValue = %d, want 42", got)
	}

	if f.Base() != base {
		t.Errorf("Base() = %d, want %d", f.Base(), base)
	}
}

func TestFrameCapturedValuesThroughClosure(t *testing.T) {
	s := NewOperandStack(0)
	clo := &value.Closure{Addr: 0, Captured: []value.Word{value.Int(7)}}
	s.Push(clo)
	s.Push(value.Int(5)) // single argument
	base := s.PeekIndex(1) + 1
	s.Push(value.Int(-1))

	f := Frame{stack: s, base: base, argsCount: 1, localsCount: 0, hasCaptures: true}

	if got := f.CapturesCount(); got != 1 {
		t.Fatalf("CapturesCount() = %d, want 1", got)
	}
	if got := value.AsInt(f.CapturedValue(0)); got != 7 {
		t.Errorf("CapturedValue(0) = %d, want 7", got)
	}

	f.SetCapturedValue(0, value.Int(99))
	if got := value.AsInt(clo.Captured[0]); got != 99 {
		t.Errorf("closure capture after SetCapturedValue = %d, want 99", got)
	}
}
