// Package image parses and validates the FluxPilot program image: the
// versioned header plus the instance/type/shared-function descriptor
// tables that a Program is built from. It never executes code; pkg/vm
// and pkg/host own execution.
package image

import (
	"errors"
	"fmt"

	"github.com/moore/fluxpilot/pkg/word"
)

// CurrentVersion is the only program image version this package accepts.
const CurrentVersion = 2

// Header word offsets, fixed by the wire format.
const (
	offVersion                 = 0
	offInstanceCount           = 1
	offGlobalsSize             = 2
	offSharedFunctionCount     = 3
	offTypeCount               = 4
	offInstanceTableOffset     = 5
	offTypeTableOffset         = 6
	offSharedFunctionTableOff  = 7
	headerWords                = 8
)

// The following errors are returned by Decode when the header or tables
// fail validation. No Program is ever built from an Image that failed to
// decode.
var (
	ErrImageTooShort        = errors.New("image: too short to contain a header")
	ErrInvalidProgramVersion = errors.New("image: invalid program version")
	ErrTableOutOfBounds      = errors.New("image: table reference outside image bounds")
	ErrInstanceTypeOutOfRange = errors.New("image: instance references undefined type")
)

// Instance is one entry of the instance table: a realized machine bound
// to a type and a base offset into the shared globals region.
type Instance struct {
	TypeID     uint16
	GlobalsBase uint32
}

// Type is one entry of the type table: a dense function table of absolute
// word offsets into the image, one per function index.
type Type struct {
	FunctionOffsets []word.ProgramWord
}

// Image is a parsed, validated, read-only program image.
type Image struct {
	Version             uint16
	GlobalsSize          uint32 // in StackWord cells
	SharedFunctionCount  uint16

	Instances       []Instance
	Types           []Type
	SharedFunctions []word.ProgramWord // absolute word offsets

	// Words is the raw backing store. LOAD_STATIC and instruction fetch
	// both index directly into it.
	Words []word.ProgramWord
}

// Decode parses and validates a program image from its backing word
// buffer. The returned Image borrows nothing from words beyond the slice
// header; mutating the caller's backing array after Decode returns is the
// caller's mistake, as an image is specified to be read-only once loaded.
func Decode(words []word.ProgramWord) (*Image, error) {
	if len(words) < headerWords {
		return nil, fmt.Errorf("%w: have %d words, need at least %d", ErrImageTooShort, len(words), headerWords)
	}
	version := uint16(words[offVersion])
	if version != CurrentVersion {
		return nil, fmt.Errorf("%w: %d", ErrInvalidProgramVersion, version)
	}
	instanceCount := int(words[offInstanceCount])
	globalsSize := uint32(words[offGlobalsSize])
	sharedFunctionCount := int(words[offSharedFunctionCount])
	typeCount := int(words[offTypeCount])
	instanceTableOffset := int(words[offInstanceTableOffset])
	typeTableOffset := int(words[offTypeTableOffset])
	sharedFunctionTableOffset := int(words[offSharedFunctionTableOff])

	img := &Image{
		Version:             version,
		GlobalsSize:          globalsSize,
		SharedFunctionCount:  uint16(sharedFunctionCount),
		Words:               words,
	}

	instances, err := decodeInstanceTable(words, instanceTableOffset, instanceCount, typeCount)
	if err != nil {
		return nil, err
	}
	img.Instances = instances

	types, err := decodeTypeTable(words, typeTableOffset, typeCount)
	if err != nil {
		return nil, err
	}
	img.Types = types

	shared, err := decodeOffsetTable(words, sharedFunctionTableOffset, sharedFunctionCount, "shared function table")
	if err != nil {
		return nil, err
	}
	img.SharedFunctions = shared

	return img, nil
}

func decodeInstanceTable(words []word.ProgramWord, offset, count, typeCount int) ([]Instance, error) {
	const entryWords = 2
	if err := checkTableBounds(words, offset, count, entryWords, "instance table"); err != nil {
		return nil, err
	}
	out := make([]Instance, count)
	for i := 0; i < count; i++ {
		base := offset + i*entryWords
		typeID := uint16(words[base])
		if int(typeID) >= typeCount {
			return nil, fmt.Errorf("%w: instance %d has type %d, but only %d types are defined",
				ErrInstanceTypeOutOfRange, i, typeID, typeCount)
		}
		out[i] = Instance{
			TypeID:      typeID,
			GlobalsBase: uint32(words[base+1]),
		}
	}
	return out, nil
}

func decodeTypeTable(words []word.ProgramWord, offset, count int) ([]Type, error) {
	const entryWords = 2
	if err := checkTableBounds(words, offset, count, entryWords, "type table"); err != nil {
		return nil, err
	}
	out := make([]Type, count)
	for i := 0; i < count; i++ {
		base := offset + i*entryWords
		funcCount := int(words[base])
		funcTableOffset := int(words[base+1])
		offsets, err := decodeOffsetTable(words, funcTableOffset, funcCount, fmt.Sprintf("function table of type %d", i))
		if err != nil {
			return nil, err
		}
		out[i] = Type{FunctionOffsets: offsets}
	}
	return out, nil
}

func decodeOffsetTable(words []word.ProgramWord, offset, count int, name string) ([]word.ProgramWord, error) {
	if err := checkTableBounds(words, offset, count, 1, name); err != nil {
		return nil, err
	}
	out := make([]word.ProgramWord, count)
	copy(out, words[offset:offset+count])
	for i, entry := range out {
		if int(entry) >= len(words) {
			return nil, fmt.Errorf("%w: %s entry %d points to offset %d, image has %d words",
				ErrTableOutOfBounds, name, i, entry, len(words))
		}
	}
	return out, nil
}

func checkTableBounds(words []word.ProgramWord, offset, count, entryWords int, name string) error {
	if offset < 0 || count < 0 {
		return fmt.Errorf("%w: %s has negative offset or count", ErrTableOutOfBounds, name)
	}
	end := offset + count*entryWords
	if end > len(words) {
		return fmt.Errorf("%w: %s spans [%d,%d) but image has %d words", ErrTableOutOfBounds, name, offset, end, len(words))
	}
	return nil
}

// FunctionEntry resolves the absolute word offset of function index fn on
// the given type. It is the type-table analogue of SharedFunctionEntry.
func (img *Image) FunctionEntry(typeID uint16, fn int) (word.ProgramWord, error) {
	if int(typeID) >= len(img.Types) {
		return 0, fmt.Errorf("%w: type %d", ErrInstanceTypeOutOfRange, typeID)
	}
	t := img.Types[typeID]
	if fn < 0 || fn >= len(t.FunctionOffsets) {
		return 0, fmt.Errorf("function index %d out of range for type %d (has %d functions)", fn, typeID, len(t.FunctionOffsets))
	}
	return t.FunctionOffsets[fn], nil
}

// SharedFunctionEntry resolves the absolute word offset of shared function
// index fn.
func (img *Image) SharedFunctionEntry(fn int) (word.ProgramWord, error) {
	if fn < 0 || fn >= len(img.SharedFunctions) {
		return 0, fmt.Errorf("shared function index %d out of range (have %d)", fn, len(img.SharedFunctions))
	}
	return img.SharedFunctions[fn], nil
}
