package bytecode

import (
	"encoding/binary"
	"os"

	"github.com/glossopoeia/tapebc/errs"
)

// EntryPointName is the public symbol whose offset the interpreter starts
// execution from.
const EntryPointName = "main"

// PublicSymbol is one row of the bytecode file's public symbol table: a
// name paired with the code offset it resolves to.
type PublicSymbol struct {
	Name   string
	Offset int32

	nameOffset int32
}

// File is the decoded, in-memory form of a bytecode file: a string table,
// a public symbol table, a declared global area size and a code section,
// addressed the way the on-disk layout describes in EXTERNAL INTERFACES.
type File struct {
	path           string
	stringTable    []byte
	stringOffsets  map[int32]string
	publics        []PublicSymbol
	code           []byte
	globalAreaSize int32
}

// Path returns the filesystem path the file was read from.
func (f *File) Path() string {
	return f.path
}

// CodeSize returns the number of bytes in the code section.
func (f *File) CodeSize() int32 {
	return int32(len(f.code))
}

// CodeByte returns the raw byte at the given code offset.
func (f *File) CodeByte(offset int32) byte {
	return f.code[offset]
}

// CopyCodeBytes copies n bytes of code starting at offset into dst.
func (f *File) CopyCodeBytes(dst []byte, offset int32, n int32) {
	copy(dst, f.code[offset:offset+n])
}

// Instruction returns the opcode at the given code offset.
func (f *File) Instruction(offset int32) Instruction {
	return Instruction(f.code[offset])
}

// Int32At decodes a little-endian int32 starting at the given code offset.
func (f *File) Int32At(offset int32) int32 {
	return int32(binary.LittleEndian.Uint32(f.code[offset : offset+4]))
}

// StringTableSize returns the size in bytes of the string table.
func (f *File) StringTableSize() int32 {
	return int32(len(f.stringTable))
}

// String returns the NUL-terminated string starting at the given string
// table index.
func (f *File) String(index int32) string {
	if s, ok := f.stringOffsets[index]; ok {
		return s
	}
	end := index
	for end < int32(len(f.stringTable)) && f.stringTable[end] != 0 {
		end++
	}
	s := string(f.stringTable[index:end])
	f.stringOffsets[index] = s
	return s
}

// GlobalAreaSize returns the declared number of global variable slots.
func (f *File) GlobalAreaSize() int32 {
	return f.globalAreaSize
}

// PublicSymbolsNumber returns the number of public symbol table entries.
func (f *File) PublicSymbolsNumber() int32 {
	return int32(len(f.publics))
}

// PublicSymbol returns the i-th public symbol table entry.
func (f *File) PublicSymbol(i int32) PublicSymbol {
	return f.publics[i]
}

// EntryPointOffset returns the code offset of the "main" public symbol,
// or -1 if no such symbol exists.
func (f *File) EntryPointOffset() int32 {
	for _, p := range f.publics {
		if p.Name == EntryPointName {
			return p.Offset
		}
	}
	return -1
}

// PatchBegin overwrites the upper 16 bits of the second BEGIN/CBEGIN
// operand (the locals-count word) at the given code offset with the
// verifier-computed maximum stack growth for that function, leaving the
// low 16 bits (the locals count itself) untouched. It is the verifier's
// builder step, not a mutation of caller-visible state: PatchBegin is only
// ever invoked by the verifier before the interpreter ever sees the file.
func (f *File) PatchBegin(offset int32, maxStackGrowth int32) {
	operandOffset := offset + 1 + 4
	localsNum := f.Int32At(operandOffset) & 0xffff
	patched := (maxStackGrowth << 16) | (localsNum & 0xffff)
	binary.LittleEndian.PutUint32(f.code[operandOffset:operandOffset+4], uint32(patched))
}

const headerFixedSize = 12 // three little-endian int32 fields

// ReadFile loads and decodes a bytecode file from disk, reproducing the
// original reader's sequence of length checks: file existence, regularity,
// a three-field header (string table size, global area size, public
// symbol count), the publics table, the string table and finally the code
// section.
func ReadFile(path string) (*File, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.NonExistingFile.New("bytecode file %q does not exist", path)
		}
		return nil, errs.ReadFailure.Wrap(err, "could not stat %q", path)
	}
	if !info.Mode().IsRegular() {
		return nil, errs.NotRegularFile.New("%q is not a regular file", path)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.ReadFailure.Wrap(err, "could not read %q", path)
	}

	if len(raw) < headerFixedSize {
		return nil, errs.MalformedHeader.New("%q is too short to contain a bytecode header", path)
	}

	stringtabSize := int32(binary.LittleEndian.Uint32(raw[0:4]))
	if stringtabSize < 0 {
		return nil, errs.NegativeStringTable.New("string table size %d is negative", stringtabSize)
	}

	globalAreaSize := int32(binary.LittleEndian.Uint32(raw[4:8]))
	if globalAreaSize < 0 {
		return nil, errs.NegativeGlobalArea.New("global area size %d is negative", globalAreaSize)
	}

	publicSymbolsNumber := int32(binary.LittleEndian.Uint32(raw[8:12]))
	if publicSymbolsNumber < 0 {
		return nil, errs.NegativePublicSymbols.New("public symbols number %d is negative", publicSymbolsNumber)
	}

	cursor := int32(headerFixedSize)

	const publicSymbolEntrySize = 8 // int32 name-offset + int32 code-offset
	publicsBytes := publicSymbolEntrySize * publicSymbolsNumber
	if cursor+publicsBytes > int32(len(raw)) {
		return nil, errs.MalformedHeader.New("%q is truncated in the public symbols table", path)
	}

	publics := make([]PublicSymbol, publicSymbolsNumber)
	for i := int32(0); i < publicSymbolsNumber; i++ {
		entryOffset := cursor + i*publicSymbolEntrySize
		nameOffset := int32(binary.LittleEndian.Uint32(raw[entryOffset : entryOffset+4]))
		codeOffset := int32(binary.LittleEndian.Uint32(raw[entryOffset+4 : entryOffset+8]))
		publics[i] = PublicSymbol{Offset: codeOffset, nameOffset: nameOffset}
	}
	cursor += publicsBytes

	if cursor+stringtabSize > int32(len(raw)) {
		return nil, errs.MalformedHeader.New("%q is truncated in the string table", path)
	}
	stringTable := raw[cursor : cursor+stringtabSize]
	cursor += stringtabSize

	code := raw[cursor:]

	file := &File{
		path:           path,
		stringTable:    stringTable,
		stringOffsets:  make(map[int32]string),
		publics:        publics,
		code:           code,
		globalAreaSize: globalAreaSize,
	}

	for i := range file.publics {
		file.publics[i].Name = file.String(file.publics[i].nameOffset)
	}

	return file, nil
}
