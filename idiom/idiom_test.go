package idiom_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/glossopoeia/tapebc/bytecode"
	"github.com/glossopoeia/tapebc/idiom"
)

func int32le(n int32) []byte {
	return []byte{byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24)}
}

// buildFile writes a minimal bytecode file with one public symbol "main"
// at offset 0 and the given code, returning the decoded *bytecode.File.
func buildFile(t *testing.T, code []byte) *bytecode.File {
	t.Helper()

	stringTable := append([]byte("main"), 0)
	header := int32le(int32(len(stringTable)))
	header = append(header, int32le(0)...)
	header = append(header, int32le(1)...)
	publics := append(int32le(0), int32le(0)...)

	buf := append(header, publics...)
	buf = append(buf, stringTable...)
	buf = append(buf, code...)

	path := filepath.Join(t.TempDir(), "idiom.bc")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	file, err := bytecode.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	return file
}

// TestAnalyzeCountsRepeatedSingleInstructionIdiom builds a function body
// that repeats CONST 1 three times (each immediately dropped) so the
// single-instruction idiom table should report CONST 1 and DROP three
// times each, ahead of the once-only BEGIN and END.
func TestAnalyzeCountsRepeatedSingleInstructionIdiom(t *testing.T) {
	var code []byte
	code = append(code, byte(bytecode.Begin))
	code = append(code, int32le(2)...)
	code = append(code, int32le(0)...)

	for i := 0; i < 3; i++ {
		code = append(code, byte(bytecode.Const))
		code = append(code, int32le(1)...)
		code = append(code, byte(bytecode.Drop))
	}
	code = append(code, byte(bytecode.End))

	file := buildFile(t, code)

	singles, pairs := idiom.Analyze(file)
	if len(singles) == 0 {
		t.Fatal("Analyze() singles is empty, want at least one entry")
	}
	if singles[0].Count < 3 {
		t.Errorf("top single idiom count = %d, want at least 3", singles[0].Count)
	}
	for i := 1; i < len(singles); i++ {
		if singles[i-1].Count < singles[i].Count {
			t.Errorf("singles not sorted by descending count at index %d", i)
		}
	}

	if len(pairs) == 0 {
		t.Fatal("Analyze() pairs is empty, want at least one entry (CONST followed by DROP)")
	}
	if pairs[0].Count < 3 {
		t.Errorf("top pair idiom count = %d, want at least 3", pairs[0].Count)
	}
}

// TestInterleavedMergesDescendingAndBreaksTiesTowardSingles checks the
// merge order directly against hand-built frequency tables, independent
// of what Analyze happens to produce.
func TestInterleavedMergesDescendingAndBreaksTiesTowardSingles(t *testing.T) {
	singles := []idiom.Frequency{
		{Span: idiom.Span{Offset: 0, Length: 1}, Count: 5},
		{Span: idiom.Span{Offset: 1, Length: 1}, Count: 2},
	}
	pairs := []idiom.Frequency{
		{Span: idiom.Span{Offset: 2, Length: 2}, Count: 5},
		{Span: idiom.Span{Offset: 3, Length: 2}, Count: 1},
	}

	merged := idiom.Interleaved(singles, pairs)
	if len(merged) != 4 {
		t.Fatalf("len(merged) = %d, want 4", len(merged))
	}

	// tie at count 5 favors singles
	if merged[0].Span != singles[0].Span {
		t.Errorf("merged[0] = %+v, want tie-break toward singles[0] %+v", merged[0], singles[0])
	}
	if merged[1].Span != pairs[0].Span {
		t.Errorf("merged[1] = %+v, want pairs[0] %+v", merged[1], pairs[0])
	}

	for i := 1; i < len(merged); i++ {
		if merged[i-1].Count < merged[i].Count {
			t.Errorf("merged not sorted by descending count at index %d", i)
		}
	}
}

func TestAnalyzeIgnoresUnreachableCode(t *testing.T) {
	var code []byte
	code = append(code, byte(bytecode.Begin))
	code = append(code, int32le(2)...)
	code = append(code, int32le(0)...)
	code = append(code, byte(bytecode.Const))
	code = append(code, int32le(42)...)
	code = append(code, byte(bytecode.CallLwrite))
	code = append(code, byte(bytecode.Drop))
	deadOffset := int32(len(code) + 1)
	code = append(code, byte(bytecode.End))

	// Dead code after the function's END: never reached from "main", so
	// it must not appear in the frequency tables at all.
	code = append(code, byte(bytecode.Const))
	code = append(code, int32le(99)...)
	code = append(code, byte(bytecode.Drop))

	file := buildFile(t, code)
	singles, _ := idiom.Analyze(file)

	var total int32
	for _, f := range singles {
		total += f.Count
		if f.Span.Offset >= deadOffset {
			t.Errorf("unreachable idiom at offset %d leaked into frequency table", f.Span.Offset)
		}
	}
	if total != 5 {
		t.Errorf("total single-instruction idiom occurrences = %d, want 5", total)
	}
}
