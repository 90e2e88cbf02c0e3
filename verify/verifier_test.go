package verify_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/glossopoeia/tapebc/bytecode"
	"github.com/glossopoeia/tapebc/verify"
)

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

func int32le(n int32) []byte {
	return []byte{byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24)}
}

func patch32(buf []byte, at int32, n int32) {
	buf[at] = byte(n)
	buf[at+1] = byte(n >> 8)
	buf[at+2] = byte(n >> 16)
	buf[at+3] = byte(n >> 24)
}

func fileFromCode(t *testing.T, code []byte, mainOffset int32) *bytecode.File {
	return fileFromCodeWithGlobals(t, code, mainOffset, 0)
}

func fileFromCodeWithGlobals(t *testing.T, code []byte, mainOffset int32, globalAreaSize int32) *bytecode.File {
	t.Helper()

	stringTable := append([]byte("main"), 0)
	header := int32le(int32(len(stringTable)))
	header = append(header, int32le(globalAreaSize)...)
	header = append(header, int32le(1)...)
	publics := append(int32le(0), int32le(mainOffset)...)

	buf := append(header, publics...)
	buf = append(buf, stringTable...)
	buf = append(buf, code...)

	path := filepath.Join(t.TempDir(), "verify.bc")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	file, err := bytecode.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	return file
}

// TestVerifySucceedsAndPatchesBegin checks that a straight-line function
// verifies and that BEGIN's upper 16 bits end up holding the maximum
// operand-stack growth the body reaches before returning.
func TestVerifySucceedsAndPatchesBegin(t *testing.T) {
	a := &asm{}
	a.op(bytecode.Begin).i32(2).i32(0)
	a.op(bytecode.Const).i32(1)
	a.op(bytecode.Const).i32(2)
	a.op(bytecode.BinopAdd)
	a.op(bytecode.CallLwrite)
	a.op(bytecode.Drop)
	a.op(bytecode.End)

	file := fileFromCode(t, a.buf, 0)

	if ok := verify.VerifyFile(file); !ok {
		t.Fatal("VerifyFile() = false, want true")
	}

	begin := file.Int32At(1 + 4)
	if locals := begin & 0xffff; locals != 0 {
		t.Errorf("locals after patch = %d, want 0", locals)
	}
	if growth := (begin >> 16) & 0xffff; growth < 2 {
		t.Errorf("max growth after patch = %d, want at least 2", growth)
	}
}

// TestVerifyReturnsFalseOnIndexedSta matches the one construct the
// verifier can't resolve statically: an STA whose target object isn't
// known until run time.
func TestVerifyReturnsFalseOnIndexedSta(t *testing.T) {
	a := &asm{}
	a.op(bytecode.Begin).i32(2).i32(0)
	a.op(bytecode.Const).i32(0) // value
	a.op(bytecode.Const).i32(0) // index
	a.op(bytecode.LdG).i32(0)   // base object (global area size must cover this; see below)
	a.op(bytecode.Sta)
	a.op(bytecode.Drop)
	a.op(bytecode.End)

	file := fileFromCodeWithGlobals(t, a.buf, 0, 1)

	if ok := verify.VerifyFile(file); ok {
		t.Fatal("VerifyFile() with STA = true, want false (incomplete)")
	}
}

// TestVerifyRejectsStackDepthMismatch builds a function where two
// control-flow paths reach the same offset with different operand-stack
// depths: the fall-through path after CJMPZ pushes one value that the
// branch path skips, so the two meet at CALL Lwrite with depths 1 and 0.
func TestVerifyRejectsStackDepthMismatch(t *testing.T) {
	a := &asm{}
	a.op(bytecode.Begin).i32(2).i32(0)
	a.op(bytecode.Const).i32(0)

	cjmpzOperand := a.offset() + 1
	a.op(bytecode.Cjmpz).i32(0) // patched below: skips the extra push

	a.op(bytecode.Const).i32(1) // only this path pushes a second value

	target := a.offset()
	a.op(bytecode.CallLwrite)
	a.op(bytecode.Drop)
	a.op(bytecode.End)

	patch32(a.buf, cjmpzOperand, target)

	file := fileFromCode(t, a.buf, 0)

	defer func() {
		if recover() == nil {
			t.Fatal("VerifyFile() on stack-depth mismatch: want panic, got none")
		}
	}()
	verify.VerifyFile(file)
}
