// Package errs collects the structured error taxonomies shared by the
// bytecode loader, the verifier and the interpreter. Each stage gets its
// own errorx namespace so a caller can tell, from the type alone, which
// stage of the pipeline rejected a file.
package errs

import "github.com/joomcode/errorx"

var (
	// Loader covers everything that can go wrong turning a path on disk
	// into a decoded BytecodeFile.
	Loader = errorx.NewNamespace("loader")

	NonExistingFile     = Loader.NewType("non_existing_file")
	NotRegularFile       = Loader.NewType("not_regular_file")
	ReadFailure           = Loader.NewType("read_failure")
	OutOfMemory            = Loader.NewType("out_of_memory")
	MalformedHeader        = Loader.NewType("malformed_header")
	NegativeStringTable    = Loader.NewType("negative_string_table_size")
	NegativeGlobalArea     = Loader.NewType("negative_global_area_size")
	NegativePublicSymbols  = Loader.NewType("negative_public_symbols_number")

	// Verifier covers static verification failures: everything the abstract
	// interpreter can prove wrong about a bytecode file before running it.
	Verifier = errorx.NewNamespace("verifier")

	VerificationFailed = Verifier.NewType("verification_failed")

	// Runtime covers failures raised while actually executing bytecode:
	// the single failure sink described by the interpreter design.
	Runtime = errorx.NewNamespace("runtime")

	Failure = Runtime.NewType("failure")
)

// OffsetProperty tags an error with the code offset active when it was
// raised, mirroring the "file + offset + message" shape the verifier and
// interpreter both use to report where something went wrong.
var OffsetProperty = errorx.RegisterProperty("offset")

// WithOffset decorates err with the code offset it was raised at.
func WithOffset(err *errorx.Error, offset int32) *errorx.Error {
	return err.WithProperty(OffsetProperty, offset)
}
