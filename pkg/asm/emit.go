package asm

import (
	"github.com/moore/fluxpilot/pkg/image"
	"github.com/moore/fluxpilot/pkg/word"
)

// typeKey is the structural fingerprint two resolvedTypes are compared by
// for type-table deduplication: two machines that produce the same key
// share one type-table entry, in first-seen order, while keeping their
// own instance-table slot.
type typeKey struct {
	localsSize int
	funcSlots  int
	body       string // serialized function bodies, see serializeType
	data       string // serialized data blocks
}

// layout accumulates the flat word stream and the table offsets emit
// needs to patch into the header, growing the backing slice as each
// section is appended.
type layout struct {
	words []word.ProgramWord
}

func (l *layout) offset() word.ProgramWord {
	return word.ProgramWord(len(l.words))
}

func (l *layout) append(ws ...word.ProgramWord) word.ProgramWord {
	start := l.offset()
	l.words = append(l.words, ws...)
	return start
}

// emitImage lays out rp into a final word.ProgramWord image that
// pkg/image.Decode accepts. The order is: header, each distinct type's
// function bodies and data blocks, shared function bodies, shared data
// blocks, shared function table, per-type function tables, type table,
// and last the instance table; the header records every table offset.
func emitImage(rp *resolvedProgram) ([]word.ProgramWord, error) {
	typeOf, types := dedupTypes(rp.instanceTypes)

	l := &layout{}
	l.append(make([]word.ProgramWord, headerWords)...)

	// Emit every distinct type's function bodies and data blocks first, so
	// their absolute offsets are known before the function/data tables
	// that reference them are emitted.
	funcBases := make([][]word.ProgramWord, len(types))   // per type, per function index -> start offset
	dataBases := make([][]word.ProgramWord, len(types))   // per type, per data block -> start offset
	for ti, t := range types {
		funcBases[ti] = make([]word.ProgramWord, len(t.functions))
		for fi, fn := range t.functions {
			funcBases[ti][fi] = emitFunctionBody(l, fn)
		}
		dataBases[ti] = make([]word.ProgramWord, len(t.data))
		for di, blk := range t.data {
			dataBases[ti][di] = l.append(blk...)
		}
	}

	sharedFuncBases := make([]word.ProgramWord, len(rp.sharedFuncs))
	for fi, fn := range rp.sharedFuncs {
		sharedFuncBases[fi] = emitFunctionBody(l, fn)
	}
	sharedDataBases := make([]word.ProgramWord, len(rp.sharedData))
	for di, blk := range rp.sharedData {
		sharedDataBases[di] = l.append(blk...)
	}

	// Now the resolver's deferredRefs can be patched, since every body and
	// data block has a final absolute offset.
	for ti, t := range types {
		for fi, fn := range t.functions {
			patchFunction(l.words, funcBases[ti][fi], fn, dataBases[ti], sharedDataBases)
		}
	}
	for fi, fn := range rp.sharedFuncs {
		patchFunction(l.words, sharedFuncBases[fi], fn, nil, sharedDataBases)
	}

	// Shared function table.
	sharedFnTableOff := l.append(sharedFuncBases...)

	// Per-type function tables.
	typeFuncTableOff := make([]word.ProgramWord, len(types))
	for ti, bases := range funcBases {
		typeFuncTableOff[ti] = l.append(bases...)
	}

	// Type table: (funcCount, funcTableOffset) pairs.
	typeTableOff := l.offset()
	for ti, t := range types {
		l.append(word.ProgramWord(len(t.functions)), typeFuncTableOff[ti])
	}

	// Instance table: (typeID, globalsBase) pairs. Globals are laid out
	// back to back in declaration order, each instance occupying its
	// type's declared locals size.
	instanceTableOff := l.offset()
	globalsBase := uint32(0)
	instTypeIDs := assignTypeIDs(rp.instanceTypes, typeOf)
	for i, t := range rp.instanceTypes {
		l.append(word.ProgramWord(instTypeIDs[i]), word.ProgramWord(globalsBase))
		globalsBase += uint32(t.localsSize)
	}

	if err := checkHeaderRange(len(rp.instanceTypes), len(types), len(rp.sharedFuncs), globalsBase); err != nil {
		return nil, err
	}
	if len(l.words) > int(^word.ProgramWord(0)) {
		return nil, ErrImageTooLarge
	}

	l.words[offVersion] = image.CurrentVersion
	l.words[offInstanceCount] = word.ProgramWord(len(rp.instanceTypes))
	l.words[offGlobalsSize] = word.ProgramWord(globalsBase)
	l.words[offSharedFunctionCount] = word.ProgramWord(len(rp.sharedFuncs))
	l.words[offTypeCount] = word.ProgramWord(len(types))
	l.words[offInstanceTableOffset] = instanceTableOff
	l.words[offTypeTableOffset] = typeTableOff
	l.words[offSharedFunctionTableOff] = sharedFnTableOff

	return l.words, nil
}

// checkHeaderRange reports ErrImageTooLarge if any header-carried count
// would not round-trip through the single ProgramWord it is stored in.
func checkHeaderRange(instances, types, sharedFuncs int, globalsBase uint32) error {
	const maxWord = int(^word.ProgramWord(0))
	if instances > maxWord || types > maxWord || sharedFuncs > maxWord || globalsBase > uint32(maxWord) {
		return ErrImageTooLarge
	}
	return nil
}

// emitFunctionBody appends fn's units as plain opcode(+immediate) words,
// using a placeholder of 0 for any still-deferred immediate; patchFunction
// overwrites those placeholders once every body's final offset is known.
func emitFunctionBody(l *layout, fn resolvedFunction) word.ProgramWord {
	start := l.offset()
	for _, u := range fn.units {
		l.append(word.ProgramWord(u.op))
		if u.hasImm {
			l.append(u.imm)
		}
	}
	return start
}

// patchFunction rewrites the immediate word of every unit in fn that
// carried a deferredRef, now that absolute offsets exist for every
// function and data block the function can reference. CALL/CALL_SHARED
// targets are plain function indices resolved eagerly in resolve.go and
// never carry a deferredRef, so no function-table offsets are needed here.
func patchFunction(words []word.ProgramWord, base word.ProgramWord, fn resolvedFunction, dataBases, sharedDataBases []word.ProgramWord) {
	pos := base
	unitOffsets := make([]word.ProgramWord, len(fn.units))
	for i, u := range fn.units {
		unitOffsets[i] = pos
		pos++
		if u.hasImm {
			pos++
		}
	}
	pos = base
	for _, u := range fn.units {
		immAt := pos + 1
		pos++
		if u.hasImm {
			pos++
		}
		if u.deferred == nil {
			continue
		}
		var target word.ProgramWord
		switch u.deferred.scope {
		case refFuncLocal:
			target = unitOffsets[u.deferred.unitIndex]
		case refMachineData:
			target = dataBases[u.deferred.blockIdx] + word.ProgramWord(u.deferred.wordIdx)
		case refSharedData:
			target = sharedDataBases[u.deferred.blockIdx] + word.ProgramWord(u.deferred.wordIdx)
		}
		words[immAt] = target
	}
}

// dedupTypes groups structurally identical resolvedTypes into a distinct
// type list, preserving first-seen order. typeOf maps each instance's
// resolvedType (by pointer identity into the instanceTypes slice it was
// read from) to its index in the returned type slice.
func dedupTypes(instanceTypes []resolvedType) (map[*resolvedType]int, []resolvedType) {
	seen := make(map[typeKey]int)
	typeOf := make(map[*resolvedType]int, len(instanceTypes))
	var types []resolvedType
	for i := range instanceTypes {
		t := &instanceTypes[i]
		k := typeKey{
			localsSize: t.localsSize,
			funcSlots:  t.funcSlots,
			body:       serializeFunctions(t.functions),
			data:       serializeData(t.data),
		}
		idx, ok := seen[k]
		if !ok {
			idx = len(types)
			seen[k] = idx
			types = append(types, *t)
		}
		typeOf[t] = idx
	}
	return typeOf, types
}

func assignTypeIDs(instanceTypes []resolvedType, typeOf map[*resolvedType]int) []int {
	ids := make([]int, len(instanceTypes))
	for i := range instanceTypes {
		ids[i] = typeOf[&instanceTypes[i]]
	}
	return ids
}

// serializeFunctions and serializeData produce a string fingerprint of a
// type's resolved bodies/data good enough for exact-equality comparison;
// deferredRefs compare by their relative coordinates, so two machines
// whose code differs only by which concrete labels were used, but whose
// structure is identical, still dedup correctly.
func serializeFunctions(fns []resolvedFunction) string {
	var b []byte
	for _, fn := range fns {
		b = appendUint(b, uint64(len(fn.units)))
		for _, u := range fn.units {
			b = appendUnit(b, u)
		}
	}
	return string(b)
}

func serializeData(blocks [][]word.ProgramWord) string {
	var b []byte
	for _, blk := range blocks {
		b = appendUint(b, uint64(len(blk)))
		for _, w := range blk {
			b = appendUint(b, uint64(w))
		}
	}
	return string(b)
}

func appendUnit(b []byte, u resolvedUnit) []byte {
	b = appendUint(b, uint64(u.op))
	if !u.hasImm {
		b = append(b, 0)
		return b
	}
	b = append(b, 1)
	if u.deferred == nil {
		b = append(b, 0)
		b = appendUint(b, uint64(u.imm))
		return b
	}
	b = append(b, 1, byte(u.deferred.scope))
	b = appendUint(b, uint64(u.deferred.unitIndex))
	b = appendUint(b, uint64(u.deferred.blockIdx))
	b = appendUint(b, uint64(u.deferred.wordIdx))
	return b
}

func appendUint(b []byte, v uint64) []byte {
	var tmp [8]byte
	for i := 0; i < 8; i++ {
		tmp[i] = byte(v >> (8 * i))
	}
	return append(b, tmp[:]...)
}

// Header word offsets, mirroring pkg/image's unexported layout constants.
// They are re-declared here rather than imported because the image
// package intentionally exposes no layout API to writers, only to Decode;
// keeping the two in lockstep is covered by round-trip tests that
// assemble a program and decode it back.
const (
	offVersion                = 0
	offInstanceCount          = 1
	offGlobalsSize            = 2
	offSharedFunctionCount    = 3
	offTypeCount              = 4
	offInstanceTableOffset    = 5
	offTypeTableOffset        = 6
	offSharedFunctionTableOff = 7
	headerWords               = 8
)
