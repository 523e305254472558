// Package asm assembles FluxPilot light-machine programs into the word
// image pkg/image and pkg/vm execute.
//
// See the documentation of the vm package for more information about the
// instruction set and the bytecode format.
package asm

import (
	"io"

	"github.com/moore/fluxpilot/pkg/word"
)

// Assemble reads a complete assembly source from r and returns the
// assembled program image, or the first error encountered. Unlike a
// line-at-a-time assembler, FluxPilot programs cannot be emitted
// incrementally: function and type indices, label addresses, and
// type-table deduplication all depend on seeing the whole source first,
// so Assemble always runs the full parse/resolve/emit pipeline before
// returning anything.
func Assemble(r io.Reader) ([]word.ProgramWord, error) {
	lines, err := splitLines(r)
	if err != nil {
		return nil, err
	}
	prog, err := parseSource(lines)
	if err != nil {
		return nil, err
	}
	resolved, err := resolveProgram(prog)
	if err != nil {
		return nil, err
	}
	return emitImage(resolved)
}

// Result is the outcome of a background assembly run: either a finished
// image or the error that stopped it.
type Result struct {
	Image []word.ProgramWord
	Error error
}

// StartAssembler starts Assemble in a background goroutine and returns a
// channel that receives exactly one Result once assembly finishes. The
// channel is closed immediately after that send.
func StartAssembler(r io.Reader) <-chan Result {
	out := make(chan Result, 1)
	go AssemblerAsync(r, out)
	return out
}

// AssemblerAsync runs Assemble and writes its outcome to out, closing out
// afterward. It is split out from StartAssembler so callers that already
// own a goroutine can drive it directly.
func AssemblerAsync(r io.Reader, out chan<- Result) {
	defer close(out)
	img, err := Assemble(r)
	out <- Result{Image: img, Error: err}
}
