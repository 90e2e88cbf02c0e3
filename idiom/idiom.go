// Package idiom finds common instruction sequences ("idioms") in a
// decoded bytecode file: spans of either one instruction or two adjacent
// instructions, restricted to code actually reachable from a public
// symbol, ranked by how often each distinct byte sequence recurs.
//
// Unlike the verifier and interpreter, idiom discovery never needs to
// resolve a CALLC's dynamic target or otherwise simulate execution - it
// only needs instruction boundaries and explicit jump targets, both of
// which the decoder already exposes. So this package talks to the
// decoder directly rather than through a disassembler.
package idiom

import (
	"bytes"

	"golang.org/x/exp/slices"

	"github.com/glossopoeia/tapebc/bytecode"
)

// Span identifies one idiom occurrence: the code offset it starts at and
// its length in bytes.
type Span struct {
	Offset int32
	Length int32
}

// Frequency pairs a distinct idiom (represented by one of its
// occurrences) with how many times that exact byte sequence recurs
// across the file.
type Frequency struct {
	Span  Span
	Count int32
}

// analyzer walks a bytecode file's reachable instructions once, marking
// which offsets are reachable at all and which are jump/call targets
// ("labeled"), the latter because a labeled instruction can't be fused
// into a two-instruction idiom with whatever precedes it - a jump might
// land there independent of what came before.
type analyzer struct {
	file       *bytecode.File
	reachable  []bool
	labeled    []bool
}

func newAnalyzer(file *bytecode.File) *analyzer {
	size := file.CodeSize()
	return &analyzer{
		file:      file,
		reachable: make([]bool, size),
		labeled:   make([]bool, size),
	}
}

func (a *analyzer) preprocess() {
	var worklist []int32

	for i := int32(0); i < a.file.PublicSymbolsNumber(); i++ {
		offset := a.file.PublicSymbol(i).Offset
		if !a.labeled[offset] {
			a.labeled[offset] = true
			worklist = append(worklist, offset)
		}
	}

	for len(worklist) > 0 {
		n := len(worklist)
		pos := worklist[n-1]
		worklist = worklist[:n-1]

		a.reachable[pos] = true
		op := a.file.Instruction(pos)
		instrLen := bytecode.InstructionLength(a.file, pos)

		if bytecode.IsJump(op) {
			target, ok := bytecode.JumpTarget(a.file, pos)
			if ok {
				a.labeled[target] = true
				if !a.reachable[target] {
					a.reachable[target] = true
					worklist = append(worklist, target)
				}
			}
		}

		if !bytecode.IsTerminal(op) {
			next := pos + instrLen
			if next < a.file.CodeSize() {
				if !a.reachable[next] {
					a.reachable[next] = true
					worklist = append(worklist, next)
				}
				if bytecode.IsCall(op) {
					a.labeled[next] = true
				}
			}
		}
	}
}

// findIdioms returns every single-instruction idiom (idioms1) and every
// adjacent-pair idiom (idioms2) among reachable instructions. A pair
// never straddles a sequence-breaking instruction, and never starts its
// second half at a labeled offset - a label means some other path can
// also reach that instruction, so fusing it into this particular pair
// would misrepresent how often the pair as a unit actually occurs.
func (a *analyzer) findIdioms() (idioms1, idioms2 []Span) {
	a.preprocess()

	size := a.file.CodeSize()
	ip := int32(0)

	for ip < size {
		if !a.reachable[ip] {
			ip++
			continue
		}

		op := a.file.Instruction(ip)
		instrLen := bytecode.InstructionLength(a.file, ip)

		idioms1 = append(idioms1, Span{Offset: ip, Length: instrLen})

		next := ip + instrLen
		if next < size && !bytecode.BreaksSequence(op) {
			if !a.labeled[next] && a.reachable[next] {
				nextLen := bytecode.InstructionLength(a.file, next)
				idioms2 = append(idioms2, Span{Offset: ip, Length: instrLen + nextLen})
			}
		}

		ip += instrLen
	}

	return idioms1, idioms2
}

func bytesOf(file *bytecode.File, s Span) []byte {
	buf := make([]byte, s.Length)
	file.CopyCodeBytes(buf, s.Offset, s.Length)
	return buf
}

// collectFrequencies collapses a slice of idiom occurrences (which may
// repeat the same byte sequence many times) into one entry per distinct
// sequence, sorted by descending occurrence count.
func collectFrequencies(file *bytecode.File, spans []Span) []Frequency {
	if len(spans) == 0 {
		return nil
	}

	slices.SortFunc(spans, func(a, b Span) bool {
		return bytes.Compare(bytesOf(file, a), bytesOf(file, b)) < 0
	})

	var freqs []Frequency
	count := int32(1)
	for i := 1; i < len(spans); i++ {
		if bytes.Equal(bytesOf(file, spans[i-1]), bytesOf(file, spans[i])) {
			count++
		} else {
			freqs = append(freqs, Frequency{Span: spans[i-1], Count: count})
			count = 1
		}
	}
	freqs = append(freqs, Frequency{Span: spans[len(spans)-1], Count: count})

	slices.SortFunc(freqs, func(a, b Frequency) bool { return a.Count > b.Count })
	return freqs
}

// Analyze runs idiom discovery over file and returns the single- and
// adjacent-pair idiom frequency tables, each independently sorted by
// descending count.
func Analyze(file *bytecode.File) (singles, pairs []Frequency) {
	a := newAnalyzer(file)
	idioms1, idioms2 := a.findIdioms()
	return collectFrequencies(file, idioms1), collectFrequencies(file, idioms2)
}

// Interleaved merges the single- and adjacent-pair frequency tables into
// one descending-by-count stream, breaking ties in favor of the single-
// instruction idiom, matching the textual report the CLI prints.
func Interleaved(singles, pairs []Frequency) []Frequency {
	merged := make([]Frequency, 0, len(singles)+len(pairs))
	i, j := 0, 0
	for i < len(singles) && j < len(pairs) {
		if singles[i].Count >= pairs[j].Count {
			merged = append(merged, singles[i])
			i++
		} else {
			merged = append(merged, pairs[j])
			j++
		}
	}
	merged = append(merged, singles[i:]...)
	merged = append(merged, pairs[j:]...)
	return merged
}
