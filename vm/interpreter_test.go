package vm_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/glossopoeia/tapebc/bytecode"
	"github.com/glossopoeia/tapebc/vm"
)

// asm is a tiny two-pass-free assembler for test fixtures: call targets
// are emitted before their callers so their offsets are known, and
// forward jump targets are filled in afterwards with patch32.
type asm struct {
	buf []byte
}

func (a *asm) offset() int32 { return int32(len(a.buf)) }

func (a *asm) op(op bytecode.Instruction) *asm {
	a.buf = append(a.buf, byte(op))
	return a
}

func (a *asm) i32(n int32) *asm {
	a.buf = append(a.buf, byte(n), byte(n>>8), byte(n>>16), byte(n>>24))
	return a
}

func (a *asm) byte(b byte) *asm {
	a.buf = append(a.buf, b)
	return a
}

// buildAndRun assembles a bytecode file with a single public symbol
// "main" at mainOffset, writes it to a temp file, runs it through
// DynamicVerification, and returns everything Lwrite printed.
func buildAndRun(t *testing.T, code []byte, mainOffset int32, globalAreaSize int32) string {
	t.Helper()

	stringTable := append([]byte("main"), 0)
	header := int32le(int32(len(stringTable)))
	header = append(header, int32le(globalAreaSize)...)
	header = append(header, int32le(1)...)
	publics := append(int32le(0), int32le(mainOffset)...)

	buf := append(header, publics...)
	buf = append(buf, stringTable...)
	buf = append(buf, code...)

	path := filepath.Join(t.TempDir(), "scenario.bc")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	file, err := bytecode.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	var out bytes.Buffer
	rt := vm.NewNativeRuntime(strings.NewReader(""), &out)
	interp := vm.New(file, rt, vm.DynamicVerification)

	if err := interp.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	return out.String()
}

func int32le(n int32) []byte {
	return []byte{byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24)}
}

func TestScenarioHelloConstant(t *testing.T) {
	a := &asm{}
	a.op(bytecode.Begin).i32(2).i32(0)
	a.op(bytecode.Const).i32(42)
	a.op(bytecode.CallLwrite)
	a.op(bytecode.Drop)
	a.op(bytecode.End)

	got := buildAndRun(t, a.buf, 0, 0)
	if got != "42\n" {
		t.Errorf("output = %q, want %q", got, "42\n")
	}
}

func TestScenarioArithmetic(t *testing.T) {
	a := &asm{}
	a.op(bytecode.Begin).i32(2).i32(0)
	a.op(bytecode.Const).i32(7)
	a.op(bytecode.Const).i32(5)
	a.op(bytecode.BinopSub)
	a.op(bytecode.CallLwrite)
	a.op(bytecode.Drop)
	a.op(bytecode.End)

	got := buildAndRun(t, a.buf, 0, 0)
	if got != "2\n" {
		t.Errorf("output = %q, want %q", got, "2\n")
	}
}

func TestScenarioBranch(t *testing.T) {
	a := &asm{}
	a.op(bytecode.Begin).i32(2).i32(0)
	a.op(bytecode.Const).i32(0)

	cjmpzOperand := a.offset() + 1
	a.op(bytecode.Cjmpz).i32(0) // patched below

	a.op(bytecode.Const).i32(1)
	jmpOperand := a.offset() + 1
	a.op(bytecode.Jmp).i32(0) // patched below

	labelOffset := a.offset()
	a.op(bytecode.Const).i32(2)

	endLabel := a.offset()
	a.op(bytecode.CallLwrite)
	a.op(bytecode.Drop)
	a.op(bytecode.End)

	patch32(a.buf, cjmpzOperand, labelOffset)
	patch32(a.buf, jmpOperand, endLabel)

	got := buildAndRun(t, a.buf, 0, 0)
	if got != "2\n" {
		t.Errorf("output = %q, want %q", got, "2\n")
	}
}

func patch32(buf []byte, at int32, n int32) {
	buf[at] = byte(n)
	buf[at+1] = byte(n >> 8)
	buf[at+2] = byte(n >> 16)
	buf[at+3] = byte(n >> 24)
}

func TestScenarioFunctionCall(t *testing.T) {
	// f is emitted first so CALL can reference a known offset.
	f := &asm{}
	fOffset := f.offset()
	f.op(bytecode.Begin).i32(2).i32(0)
	f.op(bytecode.LdA).i32(0)
	f.op(bytecode.LdA).i32(1)
	f.op(bytecode.BinopAdd)
	f.op(bytecode.End)

	main := &asm{}
	main.op(bytecode.Begin).i32(2).i32(0)
	main.op(bytecode.Const).i32(3)
	main.op(bytecode.Const).i32(4)
	main.op(bytecode.Call).i32(fOffset).i32(2)
	main.op(bytecode.CallLwrite)
	main.op(bytecode.Drop)
	main.op(bytecode.End)

	code := append(f.buf, main.buf...)
	got := buildAndRun(t, code, int32(len(f.buf)), 0)
	if got != "7\n" {
		t.Errorf("output = %q, want %q", got, "7\n")
	}
}

func TestScenarioClosure(t *testing.T) {
	cloFn := &asm{}
	cloFnOffset := cloFn.offset()
	cloFn.op(bytecode.Cbegin).i32(1).i32(0)
	cloFn.op(bytecode.LdA).i32(0)
	cloFn.op(bytecode.LdC).i32(0)
	cloFn.op(bytecode.BinopAdd)
	cloFn.op(bytecode.End)

	mk := &asm{}
	mk.op(bytecode.Begin).i32(0).i32(1)
	mk.op(bytecode.Const).i32(5)
	mk.op(bytecode.StL).i32(0)
	mk.op(bytecode.Drop)
	mk.op(bytecode.Closure).i32(cloFnOffset).i32(1)
	mk.byte(byte(bytecode.CaptureLocal)).i32(0)
	mk.op(bytecode.End)
	mkOffset := int32(len(cloFn.buf))

	main := &asm{}
	main.op(bytecode.Begin).i32(2).i32(0)
	main.op(bytecode.Call).i32(mkOffset).i32(0)
	main.op(bytecode.Const).i32(10)
	main.op(bytecode.Callc).i32(1)
	main.op(bytecode.CallLwrite)
	main.op(bytecode.Drop)
	main.op(bytecode.End)
	mainOffset := int32(len(cloFn.buf) + len(mk.buf))

	code := append(cloFn.buf, mk.buf...)
	code = append(code, main.buf...)

	got := buildAndRun(t, code, mainOffset, 0)
	if got != "15\n" {
		t.Errorf("output = %q, want %q", got, "15\n")
	}
}

func TestDivisionByZeroFails(t *testing.T) {
	a := &asm{}
	a.op(bytecode.Begin).i32(2).i32(0)
	a.op(bytecode.Const).i32(1)
	a.op(bytecode.Const).i32(0)
	a.op(bytecode.BinopDiv)
	a.op(bytecode.End)

	stringTable := append([]byte("main"), 0)
	header := int32le(int32(len(stringTable)))
	header = append(header, int32le(0)...)
	header = append(header, int32le(1)...)
	publics := append(int32le(0), int32le(0)...)
	buf := append(header, publics...)
	buf = append(buf, stringTable...)
	buf = append(buf, a.buf...)

	path := filepath.Join(t.TempDir(), "divzero.bc")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	file, err := bytecode.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	var out bytes.Buffer
	rt := vm.NewNativeRuntime(strings.NewReader(""), &out)
	interp := vm.New(file, rt, vm.DynamicVerification)

	if err := interp.Run(); err == nil {
		t.Fatal("Run() with division by zero: want error, got nil")
	}
}
