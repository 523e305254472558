package word

import "errors"

// These are the two width-conversion failures that can occur anywhere a
// StackWord computed at runtime is narrowed for use as an index or as a
// program-word-sized value. They are declared here, next to the types
// they guard, and re-exported by pkg/vm under the same names so callers
// only need to import one error surface.
var (
	// ErrStackValueTooLargeForUsize indicates a StackWord used as an index
	// or offset does not fit in a native int.
	ErrStackValueTooLargeForUsize = errors.New("word: stack value too large for usize")

	// ErrStackValueTooLargeForProgramWord indicates a StackWord does not
	// fit in 16 bits and so cannot be narrowed to a ProgramWord.
	ErrStackValueTooLargeForProgramWord = errors.New("word: stack value too large for program word")
)
