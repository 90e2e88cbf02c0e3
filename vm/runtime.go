package vm

import (
	"bufio"
	"fmt"
	"hash/fnv"
	"io"
	"strconv"

	"github.com/glossopoeia/tapebc/errs"
	"github.com/glossopoeia/tapebc/value"
)

// Runtime is the opaque collaborator the interpreter defers to for
// everything EXTERNAL INTERFACES calls out as out of scope: aggregate
// allocation (which in the original design is also where the garbage
// collector gets involved), constructor tag hashing, pattern-match
// predicates and the Lama standard library builtins (read, write, length,
// stringification).
//
// The interpreter still stages every operand an allocating call needs on
// the operand stack before invoking the matching Runtime method, exactly
// as the original GC-root cooperation rule requires, even though this
// implementation's "allocator" is just the Go heap and needs no such
// staging to stay safe. Keeping the discipline means swapping in a
// different Runtime - say, one backed by a real external collector -
// would not require touching the interpreter.
type Runtime interface {
	TagHash(name string) int32

	MakeString(s string) *value.String
	MakeArray(elements []value.Word) *value.Array
	MakeSexp(tag int32, elements []value.Word) *value.Sexp
	MakeClosure(addr int32, captured []value.Word) *value.Closure

	Tag(base value.Word, tag int32, n int32) bool
	ArrayPatt(base value.Word, n int32) bool
	StringPatt(a, b value.Word) bool
	ClosureTagPatt(v value.Word) bool
	BoxedPatt(v value.Word) bool
	UnboxedPatt(v value.Word) bool
	ArrayTagPatt(v value.Word) bool
	StringTagPatt(v value.Word) bool
	SexpTagPatt(v value.Word) bool

	MatchFailure(v value.Word, line, col int32)

	Read() int32
	Write(n int32)
	Length(v value.Word) int32
	Stringify(v value.Word) *value.String
}

// NativeRuntime is the default Runtime, backed directly by the Go heap
// and a pair of line-oriented text streams for Lread/Lwrite, mirroring
// the reference runtime's use of stdin/stdout for those two builtins.
type NativeRuntime struct {
	in  *bufio.Reader
	out io.Writer
}

// NewNativeRuntime builds a NativeRuntime reading integers from in and
// writing them to out.
func NewNativeRuntime(in io.Reader, out io.Writer) *NativeRuntime {
	return &NativeRuntime{in: bufio.NewReader(in), out: out}
}

// TagHash hashes a constructor name down to the int32 tag SEXP/TAG/PATT
// compare by, the same role LtagHash plays in the reference runtime.
func (r *NativeRuntime) TagHash(name string) int32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return int32(h.Sum32())
}

func (r *NativeRuntime) MakeString(s string) *value.String {
	return &value.String{Data: s}
}

func (r *NativeRuntime) MakeArray(elements []value.Word) *value.Array {
	cp := make([]value.Word, len(elements))
	copy(cp, elements)
	return &value.Array{Elements: cp}
}

func (r *NativeRuntime) MakeSexp(tag int32, elements []value.Word) *value.Sexp {
	cp := make([]value.Word, len(elements))
	copy(cp, elements)
	return &value.Sexp{Tag: tag, Elements: cp}
}

func (r *NativeRuntime) MakeClosure(addr int32, captured []value.Word) *value.Closure {
	cp := make([]value.Word, len(captured))
	copy(cp, captured)
	return &value.Closure{Addr: addr, Captured: cp}
}

func (r *NativeRuntime) Tag(base value.Word, tag int32, n int32) bool {
	s, ok := base.(*value.Sexp)
	return ok && s.Tag == tag && int32(len(s.Elements)) == n
}

func (r *NativeRuntime) ArrayPatt(base value.Word, n int32) bool {
	a, ok := base.(*value.Array)
	return ok && int32(len(a.Elements)) == n
}

func (r *NativeRuntime) StringPatt(a, b value.Word) bool {
	sa, ok1 := a.(*value.String)
	sb, ok2 := b.(*value.String)
	return ok1 && ok2 && sa.Data == sb.Data
}

func (r *NativeRuntime) ClosureTagPatt(v value.Word) bool { return value.IsClosure(v) }
func (r *NativeRuntime) BoxedPatt(v value.Word) bool      { return value.IsAggregate(v) }
func (r *NativeRuntime) UnboxedPatt(v value.Word) bool    { return value.IsInt(v) }
func (r *NativeRuntime) ArrayTagPatt(v value.Word) bool   { return value.IsArray(v) }
func (r *NativeRuntime) StringTagPatt(v value.Word) bool  { return value.IsString(v) }
func (r *NativeRuntime) SexpTagPatt(v value.Word) bool    { return value.IsSexp(v) }

func (r *NativeRuntime) MatchFailure(v value.Word, line, col int32) {
	panic(errs.Failure.New("match failure at line %d, column %d: no branch matched %s", line, col, value.Kind(v)))
}

func (r *NativeRuntime) Read() int32 {
	line, err := r.in.ReadString('\n')
	if err != nil && line == "" {
		panic(errs.Failure.Wrap(err, "Lread: could not read an integer"))
	}
	n, err := strconv.Atoi(trimNewline(line))
	if err != nil {
		panic(errs.Failure.Wrap(err, "Lread: %q is not an integer", line))
	}
	return int32(n)
}

func (r *NativeRuntime) Write(n int32) {
	fmt.Fprintln(r.out, n)
}

func (r *NativeRuntime) Length(v value.Word) int32 {
	switch w := v.(type) {
	case *value.Array:
		return int32(len(w.Elements))
	case *value.Sexp:
		return int32(len(w.Elements))
	case *value.String:
		return int32(len(w.Data))
	case *value.Closure:
		return int32(len(w.Captured))
	default:
		panic(errs.Failure.New("Llength: %s has no length", value.Kind(v)))
	}
}

func (r *NativeRuntime) Stringify(v value.Word) *value.String {
	return &value.String{Data: stringifyWord(v)}
}

func stringifyWord(v value.Word) string {
	switch w := v.(type) {
	case value.Int:
		return strconv.Itoa(int(w))
	case *value.String:
		return w.Data
	case *value.Array:
		s := "["
		for i, e := range w.Elements {
			if i > 0 {
				s += ", "
			}
			s += stringifyWord(e)
		}
		return s + "]"
	case *value.Sexp:
		s := fmt.Sprintf("sexp<%d>(", w.Tag)
		for i, e := range w.Elements {
			if i > 0 {
				s += ", "
			}
			s += stringifyWord(e)
		}
		return s + ")"
	case *value.Closure:
		return fmt.Sprintf("<closure 0x%x>", w.Addr)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
