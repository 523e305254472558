package asm

import (
	"fmt"

	"github.com/moore/fluxpilot/pkg/word"
)

// refScope identifies which namespace a deferred (layout-dependent)
// address reference resolves against at emit time.
type refScope byte

const (
	refFuncLocal  refScope = 'F' // a label inside the same function
	refMachineData refScope = 'M' // a label inside the owning machine's own data blocks
	refSharedData refScope = 'S' // a label inside a program-scoped shared data block
)

// deferredRef names a position whose absolute word offset in the final
// image is only known once layout (emit.go) has happened. The position
// is stored in coordinates relative to its owning function or data-block
// list, not as object pointers, so that two structurally identical
// machines produce byte-for-byte identical deferredRefs and therefore
// compare equal for dedup purposes.
type deferredRef struct {
	scope     refScope
	unitIndex int // refFuncLocal: index into the owning function's resolved units
	blockIdx  int // refMachineData/refSharedData: index into the owning data-block list
	wordIdx   int // refMachineData/refSharedData: word index within that block
}

// resolvedUnit is one emitted instruction slot: an opcode plus an
// optional immediate, the immediate being either an already-known number
// or a deferredRef patched in once absolute addresses exist.
type resolvedUnit struct {
	op       word.Opcode
	hasImm   bool
	imm      word.ProgramWord
	deferred *deferredRef
}

// resolvedFunction is a function body after label/local/frame/shared
// resolution: a flat list of units with no remaining symbolic operands
// except deferredRefs that still need final addresses.
type resolvedFunction struct {
	name  string
	index int
	units []resolvedUnit
}

// resolvedType is one `.machine` block after resolution: its locals
// size, declared function-table size, resolved function bodies indexed
// by function index, and its own static data blocks (plain word values,
// labels already folded into deferredRefs elsewhere).
type resolvedType struct {
	localsSize int
	funcSlots  int
	functions  []resolvedFunction // len == funcSlots, in index order
	data       [][]word.ProgramWord
}

// resolvedProgram is the fully resolved, not-yet-laid-out program: one
// resolvedType per declared instance (before dedup), shared functions,
// and shared data.
type resolvedProgram struct {
	instanceTypes []resolvedType // one per machine, in declaration order
	sharedFuncs   []resolvedFunction
	sharedData    [][]word.ProgramWord
}

// resolveContext carries the symbol tables visible while resolving one
// function's operands.
type resolveContext struct {
	prog    *program
	mach    *machine // nil while resolving a shared function
	fn      *function
	labels  map[string]int // this function's own label -> unit index
}

func resolveProgram(p *program) (*resolvedProgram, error) {
	sharedDataIndex, sharedData, err := resolveDataBlocks(p.sharedData)
	if err != nil {
		return nil, err
	}

	if err := assignIndices(p.sharedFuncs, 0); err != nil {
		return nil, err
	}
	sharedFnByName := p.sharedFuncBy

	rp := &resolvedProgram{sharedData: sharedData}

	for _, f := range p.sharedFuncs {
		if !f.hasBody {
			return nil, lineErr(f.line, fmt.Errorf("%w: shared function %q", ErrFunctionNotDefined, f.name))
		}
		ctx := &resolveContext{prog: p, fn: f}
		ru, err := resolveFunctionBody(ctx, nil, sharedDataIndex, sharedFnByName)
		if err != nil {
			return nil, err
		}
		ru.index = f.index
		rp.sharedFuncs = append(rp.sharedFuncs, ru)
	}

	for _, m := range p.machines {
		if err := assignIndices(m.functions, m.functionSlots); err != nil {
			return nil, err
		}
		machDataIndex, machData, err := resolveDataBlocks(m.data)
		if err != nil {
			return nil, err
		}
		rt := resolvedType{localsSize: m.localsSize, funcSlots: m.functionSlots, data: machData}
		rt.functions = make([]resolvedFunction, m.functionSlots)
		filled := make([]bool, m.functionSlots)
		for _, f := range m.functions {
			if !f.hasBody {
				return nil, lineErr(f.line, fmt.Errorf("%w: %q of machine %q", ErrFunctionNotDefined, f.name, m.name))
			}
			ctx := &resolveContext{prog: p, mach: m, fn: f}
			ru, err := resolveFunctionBody(ctx, machDataIndex, sharedDataIndex, sharedFnByName)
			if err != nil {
				return nil, err
			}
			ru.index = f.index
			if f.index < 0 || f.index >= m.functionSlots {
				return nil, lineErr(f.line, fmt.Errorf("%w: %q index %d, machine %q has %d function slots", ErrFunctionSlotOutOfRange, f.name, f.index, m.name, m.functionSlots))
			}
			if filled[f.index] {
				return nil, lineErr(f.line, fmt.Errorf("%w: index %d, machine %q", ErrFunctionIndexCollision, f.index, m.name))
			}
			filled[f.index] = true
			rt.functions[f.index] = ru
		}
		for i, ok := range filled {
			if !ok {
				return nil, lineErr(m.line, fmt.Errorf("%w: machine %q, index %d", ErrFunctionSlotUnfilled, m.name, i))
			}
		}
		rp.instanceTypes = append(rp.instanceTypes, rt)
	}

	return rp, nil
}

// assignIndices fills in the index of every function that did not
// declare one explicitly (`index <I>`), choosing the smallest unused
// non-negative slot in declaration order, then validates there are no
// collisions. slotCount <= 0 means unbounded (the shared function table).
func assignIndices(fns []*function, slotCount int) error {
	used := make(map[int]bool)
	for _, f := range fns {
		if f.indexFixed {
			if used[f.index] {
				return lineErr(f.line, fmt.Errorf("%w: %q index %d", ErrFunctionIndexCollision, f.name, f.index))
			}
			used[f.index] = true
		}
	}
	next := 0
	for _, f := range fns {
		if f.indexFixed {
			continue
		}
		for used[next] {
			next++
		}
		f.index = next
		f.indexFixed = true
		used[next] = true
	}
	if slotCount > 0 {
		for _, f := range fns {
			if f.index >= slotCount {
				return lineErr(f.line, fmt.Errorf("%w: %q index %d, only %d slots declared", ErrFunctionSlotOutOfRange, f.name, f.index, slotCount))
			}
		}
	}
	return nil
}

// resolveDataBlocks flattens each data block to its plain word values and
// returns a name->(blockIdx,wordIdx) index for label lookups. Each block's
// own `.data`/`.shared_data` name resolves to its first word, exactly
// like a label placed on that word, in addition to any explicit per-word
// labels inside the block.
func resolveDataBlocks(blocks []*dataBlock) (map[string]struct{ block, word int }, [][]word.ProgramWord, error) {
	index := make(map[string]struct{ block, word int })
	out := make([][]word.ProgramWord, len(blocks))
	for bi, b := range blocks {
		if b.name != "" {
			if _, dup := index[b.name]; dup {
				return nil, nil, lineErr(b.line, fmt.Errorf("%w: %q", ErrDuplicateDataLabel, b.name))
			}
			index[b.name] = struct{ block, word int }{bi, 0}
		}
		vals := make([]word.ProgramWord, len(b.words))
		for wi, dw := range b.words {
			vals[wi] = dw.value
			if dw.label != "" {
				if _, dup := index[dw.label]; dup {
					return nil, nil, lineErr(dw.line, fmt.Errorf("%w: %q", ErrDuplicateDataLabel, dw.label))
				}
				index[dw.label] = struct{ block, word int }{bi, wi}
			}
		}
		out[bi] = vals
	}
	return index, out, nil
}

// resolveFunctionBody expands sugar operands and resolves every operand
// of fn's body into a resolvedFunction. machData/sharedData are the
// label indexes built by resolveDataBlocks for, respectively, the
// enclosing machine (nil for shared functions) and the program's shared
// data blocks.
func resolveFunctionBody(ctx *resolveContext, machData, sharedData map[string]struct{ block, word int }, sharedFnByName map[string]*function) (resolvedFunction, error) {
	// Pass 1: compute each instruction's unit count (1, or 2 for a sugared
	// JUMP/BR*/CALL/CALL_SHARED) to build the label->unitIndex map; pass 2
	// below resolves operands using that map.
	ctx.labels = make(map[string]int)
	pos := 0
	for _, in := range ctx.fn.body {
		n := 1
		if in.hasOper && !in.op.HasImmediate() {
			n = 2
		}
		if in.label != "" {
			if _, dup := ctx.labels[in.label]; dup {
				return resolvedFunction{}, lineErr(in.line, fmt.Errorf("%w: %q", ErrDuplicateLabel, in.label))
			}
			ctx.labels[in.label] = pos
		}
		pos += n
	}

	out := resolvedFunction{name: ctx.fn.name}
	for _, in := range ctx.fn.body {
		units, err := resolveInstr(ctx, in, machData, sharedData, sharedFnByName)
		if err != nil {
			return resolvedFunction{}, err
		}
		out.units = append(out.units, units...)
	}
	return out, nil
}

func resolveInstr(ctx *resolveContext, in instr, machData, sharedData map[string]struct{ block, word int }, sharedFnByName map[string]*function) ([]resolvedUnit, error) {
	if !in.hasOper {
		return []resolvedUnit{{op: in.op}}, nil
	}

	switch in.op {
	case word.OpLLOAD, word.OpLSTORE:
		n, err := resolveLocalOperand(ctx, in)
		if err != nil {
			return nil, err
		}
		return []resolvedUnit{{op: in.op, hasImm: true, imm: n}}, nil

	case word.OpGLOAD, word.OpGSTORE:
		n, err := resolveSharedGlobalOperand(ctx, in)
		if err != nil {
			return nil, err
		}
		return []resolvedUnit{{op: in.op, hasImm: true, imm: n}}, nil

	case word.OpSLOAD, word.OpSSTORE:
		n, err := resolveFrameOperand(ctx, in)
		if err != nil {
			return nil, err
		}
		return []resolvedUnit{{op: in.op, hasImm: true, imm: n}}, nil

	case word.OpRET:
		v, err := parseNumber(in.oper)
		if err != nil {
			return nil, lineErr(in.line, ErrNumericOutOfRange)
		}
		pw, err := toProgramWord(v)
		if err != nil {
			return nil, lineErr(in.line, ErrNumericOutOfRange)
		}
		return []resolvedUnit{{op: in.op, hasImm: true, imm: pw}}, nil

	case word.OpPUSH:
		u, err := resolveAddressOperand(ctx, in, machData, sharedData)
		if err != nil {
			return nil, err
		}
		return []resolvedUnit{u}, nil

	case word.OpJUMP, word.OpBRLT, word.OpBRLTE, word.OpBRGT, word.OpBRGTE, word.OpBREQ:
		pushUnit, err := resolveAddressOperand(ctx, in, machData, sharedData)
		if err != nil {
			return nil, err
		}
		return []resolvedUnit{pushUnit, {op: in.op}}, nil

	case word.OpCALL:
		n, err := resolveCallTarget(ctx, in, ctx.mach)
		if err != nil {
			return nil, err
		}
		return []resolvedUnit{{op: word.OpPUSH, hasImm: true, imm: n}, {op: in.op}}, nil

	case word.OpCALL_SHARED:
		n, err := resolveSharedCallTarget(ctx, in, sharedFnByName)
		if err != nil {
			return nil, err
		}
		return []resolvedUnit{{op: word.OpPUSH, hasImm: true, imm: n}, {op: in.op}}, nil

	default:
		return nil, lineErr(in.line, ErrUnexpectedDirective)
	}
}

func resolveLocalOperand(ctx *resolveContext, in instr) (word.ProgramWord, error) {
	if ctx.mach == nil {
		return parseLiteral(in)
	}
	if idx, ok := ctx.mach.locals[in.oper]; ok {
		return word.ProgramWord(idx), nil
	}
	if v, err := parseLiteral(in); err == nil {
		return v, nil
	}
	return 0, lineErr(in.line, ErrUndeclaredLocal)
}

func resolveSharedGlobalOperand(ctx *resolveContext, in instr) (word.ProgramWord, error) {
	if idx, ok := ctx.prog.sharedGlobals[in.oper]; ok {
		return word.ProgramWord(idx), nil
	}
	if v, err := parseLiteral(in); err == nil {
		return v, nil
	}
	return 0, lineErr(in.line, ErrUndeclaredShared)
}

func resolveFrameOperand(ctx *resolveContext, in instr) (word.ProgramWord, error) {
	if idx, ok := ctx.fn.frameSlots[in.oper]; ok {
		return word.ProgramWord(idx), nil
	}
	if v, err := parseLiteral(in); err == nil {
		return v, nil
	}
	return 0, lineErr(in.line, ErrUndeclaredFrameSlot)
}

func resolveCallTarget(ctx *resolveContext, in instr, mach *machine) (word.ProgramWord, error) {
	if mach != nil {
		if f, ok := mach.funcByName[in.oper]; ok {
			return word.ProgramWord(f.index), nil
		}
	}
	if v, err := parseLiteral(in); err == nil {
		return v, nil
	}
	return 0, lineErr(in.line, ErrUnknownLabel)
}

func resolveSharedCallTarget(ctx *resolveContext, in instr, sharedFnByName map[string]*function) (word.ProgramWord, error) {
	if f, ok := sharedFnByName[in.oper]; ok {
		return word.ProgramWord(f.index), nil
	}
	if v, err := parseLiteral(in); err == nil {
		return v, nil
	}
	return 0, lineErr(in.line, ErrUnknownLabel)
}

// resolveAddressOperand resolves a PUSH (direct or JUMP/BR*-sugared)
// operand: a number, a label local to the current function, a label in
// the enclosing machine's own data blocks, a label in the program's
// shared data blocks, or a `.shared` name (pushed as its plain global
// index, not an address).
func resolveAddressOperand(ctx *resolveContext, in instr, machData, sharedData map[string]struct{ block, word int }) (resolvedUnit, error) {
	if v, err := parseLiteral(in); err == nil {
		return resolvedUnit{op: word.OpPUSH, hasImm: true, imm: v}, nil
	}
	if idx, ok := ctx.labels[in.oper]; ok {
		return resolvedUnit{op: word.OpPUSH, hasImm: true, deferred: &deferredRef{scope: refFuncLocal, unitIndex: idx}}, nil
	}
	if machData != nil {
		if pos, ok := machData[in.oper]; ok {
			return resolvedUnit{op: word.OpPUSH, hasImm: true, deferred: &deferredRef{scope: refMachineData, blockIdx: pos.block, wordIdx: pos.word}}, nil
		}
	}
	if pos, ok := sharedData[in.oper]; ok {
		return resolvedUnit{op: word.OpPUSH, hasImm: true, deferred: &deferredRef{scope: refSharedData, blockIdx: pos.block, wordIdx: pos.word}}, nil
	}
	if idx, ok := ctx.prog.sharedGlobals[in.oper]; ok {
		return resolvedUnit{op: word.OpPUSH, hasImm: true, imm: word.ProgramWord(idx)}, nil
	}
	return resolvedUnit{}, lineErr(in.line, ErrUnknownLabel)
}

func parseLiteral(in instr) (word.ProgramWord, error) {
	v, err := parseNumber(in.oper)
	if err != nil {
		return 0, err
	}
	return toProgramWord(v)
}
