package asm

import (
	"strconv"
	"strings"

	"github.com/moore/fluxpilot/pkg/word"
)

// blockKind identifies what a parser stack frame represents.
type blockKind int

const (
	kMachine blockKind = iota
	kFunc
	kSharedFunc
	kData
	kSharedData
)

type blockFrame struct {
	kind blockKind
	m    *machine
	f    *function
	d    *dataBlock
}

// parser turns a line-oriented assembly source into a program AST.
// Directives are block-structured, so the two stages are splitLines
// (lexing) and a directive-driven descent over a block stack rather
// than a flat token stream.
type parser struct {
	prog        *program
	stack       []blockFrame
	sawMachine  bool
	pendingLbl  string
}

// ParseSource runs splitLines and parseLines over r's contents.
func parseSource(lines []rawLine) (*program, error) {
	p := &parser{prog: newProgram()}
	for _, rl := range lines {
		if err := p.step(rl); err != nil {
			return nil, err
		}
	}
	if len(p.stack) != 0 {
		top := p.stack[len(p.stack)-1]
		return nil, lineErr(blockLine(top), ErrUnclosedBlock)
	}
	return p.prog, nil
}

func blockLine(b blockFrame) int {
	switch b.kind {
	case kMachine:
		return b.m.line
	case kFunc, kSharedFunc:
		return b.f.line
	default:
		return b.d.line
	}
}

func (p *parser) top() *blockFrame {
	if len(p.stack) == 0 {
		return nil
	}
	return &p.stack[len(p.stack)-1]
}

func (p *parser) step(rl rawLine) error {
	label := rl.label
	fields := rl.fields
	if len(fields) == 0 {
		// Label-only line: remember it for whatever comes next.
		if label != "" {
			p.pendingLbl = label
		}
		return nil
	}
	if label == "" {
		label = p.pendingLbl
	}
	p.pendingLbl = ""

	head := fields[0]
	if strings.HasPrefix(head, ".") {
		return p.directive(rl.line, strings.ToLower(head), fields[1:], label)
	}
	return p.content(rl.line, label, fields)
}

// content handles a non-directive line: an instruction inside a function
// body, or a bare data word inside a data block.
func (p *parser) content(line int, label string, fields []string) error {
	top := p.top()
	switch {
	case top != nil && (top.kind == kData || top.kind == kSharedData):
		return p.dataLine(top.d, line, label, fields)
	case top != nil && (top.kind == kFunc || top.kind == kSharedFunc):
		return p.instrLine(top.f, line, label, fields)
	default:
		return lineErr(line, ErrInstructionOutsideFunction)
	}
}

// dataLine handles a bare numeric literal appearing directly inside a
// data block (no `.word` keyword). The `.word` form is handled by
// directive(), since its leading dot routes it there before content ever
// sees the line.
func (p *parser) dataLine(d *dataBlock, line int, label string, fields []string) error {
	if len(fields) != 1 {
		return lineErr(line, ErrUnexpectedDirective)
	}
	return appendDataWord(d, line, label, fields[0])
}

func appendDataWord(d *dataBlock, line int, label, tok string) error {
	v, err := parseNumber(tok)
	if err != nil {
		return lineErr(line, ErrNumericOutOfRange)
	}
	pw, err := toProgramWord(v)
	if err != nil {
		return lineErr(line, ErrNumericOutOfRange)
	}
	d.words = append(d.words, dataWord{line: line, label: label, value: pw})
	return nil
}

func (p *parser) instrLine(f *function, line int, label string, fields []string) error {
	mnem := strings.ToUpper(fields[0])
	op, ok := word.MnemonicToOpcode[mnem]
	if !ok {
		return lineErr(line, ErrUnknownMnemonic)
	}
	ins := instr{line: line, label: label, op: op}
	switch len(fields) {
	case 1:
		if op.HasImmediate() {
			return lineErr(line, ErrUnexpectedDirective)
		}
	case 2:
		if !op.HasImmediate() && !expandable(op) {
			return lineErr(line, ErrUnexpectedDirective)
		}
		ins.hasOper = true
		ins.oper = fields[1]
	default:
		return lineErr(line, ErrUnexpectedDirective)
	}
	f.body = append(f.body, ins)
	return nil
}

// expandable reports whether op's operand, when given, is sugar that
// expands into an implicit `PUSH <operand>` ahead of the bare opcode
// (JUMP/BR*/CALL/CALL_SHARED). These opcodes may also appear bare, with
// no operand, relying on a value already pushed by earlier instructions.
func expandable(op word.Opcode) bool {
	switch op {
	case word.OpJUMP, word.OpBRLT, word.OpBRLTE, word.OpBRGT, word.OpBRGTE, word.OpBREQ,
		word.OpCALL, word.OpCALL_SHARED:
		return true
	default:
		return false
	}
}

func (p *parser) directive(line int, name string, args []string, label string) error {
	switch name {
	case ".machine":
		return p.dirMachine(line, args)
	case ".func":
		return p.dirFunc(line, args, false)
	case ".func_decl":
		return p.dirFunc(line, args, true)
	case ".data":
		return p.dirData(line, args)
	case ".shared":
		return p.dirShared(line, args)
	case ".shared_func":
		return p.dirSharedFunc(line, args, false)
	case ".shared_func_decl":
		return p.dirSharedFunc(line, args, true)
	case ".shared_data":
		return p.dirSharedData(line, args)
	case ".local":
		return p.dirLocal(line, args)
	case ".frame":
		return p.dirFrame(line, args)
	case ".word":
		return p.dirWord(line, args, label)
	case ".end":
		return p.dirEnd(line)
	default:
		return lineErr(line, ErrUnknownMnemonic)
	}
}

func (p *parser) dirWord(line int, args []string, label string) error {
	top := p.top()
	if top == nil || (top.kind != kData && top.kind != kSharedData) {
		return lineErr(line, ErrDataWordOutsideDataBlock)
	}
	if len(args) != 1 {
		return lineErr(line, ErrUnexpectedDirective)
	}
	return appendDataWord(top.d, line, label, args[0])
}

func (p *parser) dirMachine(line int, args []string) error {
	if len(args) != 5 {
		return lineErr(line, ErrUnexpectedDirective)
	}
	name := args[0]
	if !strings.EqualFold(args[1], "locals") && !strings.EqualFold(args[1], "globals") {
		return lineErr(line, ErrUnexpectedDirective)
	}
	localsSize, err := parseInt(args[2])
	if err != nil {
		return lineErr(line, ErrNumericOutOfRange)
	}
	if !strings.EqualFold(args[3], "functions") {
		return lineErr(line, ErrUnexpectedDirective)
	}
	funcSlots, err := parseInt(args[4])
	if err != nil {
		return lineErr(line, ErrNumericOutOfRange)
	}
	m := newMachine(name, line)
	m.localsSize = localsSize
	m.functionSlots = funcSlots
	p.prog.machines = append(p.prog.machines, m)
	p.sawMachine = true
	p.stack = append(p.stack, blockFrame{kind: kMachine, m: m})
	return nil
}

func (p *parser) currentMachine() *machine {
	for i := len(p.stack) - 1; i >= 0; i-- {
		if p.stack[i].kind == kMachine {
			return p.stack[i].m
		}
	}
	return nil
}

func (p *parser) dirFunc(line int, args []string, decl bool) error {
	m := p.currentMachine()
	if m == nil || p.top() == nil || p.top().kind != kMachine {
		return lineErr(line, ErrUnexpectedDirective)
	}
	f, idx, fixed, err := parseFuncHeader(args)
	if err != nil {
		return lineErr(line, err)
	}
	existing, ok := m.funcByName[f]
	if ok {
		if existing.hasBody {
			return lineErr(line, ErrDuplicateBodyForDecl)
		}
	} else {
		existing = &function{name: f, line: line, index: -1, frameSlots: map[string]int{}}
		m.funcByName[f] = existing
		m.functions = append(m.functions, existing)
	}
	if fixed {
		existing.index = idx
		existing.indexFixed = true
	}
	if decl {
		return nil
	}
	existing.hasBody = true
	existing.line = line
	p.stack = append(p.stack, blockFrame{kind: kFunc, f: existing})
	return nil
}

func (p *parser) dirSharedFunc(line int, args []string, decl bool) error {
	if p.top() != nil {
		return lineErr(line, ErrUnexpectedDirective)
	}
	f, idx, fixed, err := parseFuncHeader(args)
	if err != nil {
		return lineErr(line, err)
	}
	existing, ok := p.prog.sharedFuncBy[f]
	if ok {
		if existing.hasBody {
			return lineErr(line, ErrDuplicateBodyForDecl)
		}
	} else {
		existing = &function{name: f, line: line, index: -1, frameSlots: map[string]int{}}
		p.prog.sharedFuncBy[f] = existing
		p.prog.sharedFuncs = append(p.prog.sharedFuncs, existing)
	}
	if fixed {
		existing.index = idx
		existing.indexFixed = true
	}
	if decl {
		return nil
	}
	existing.hasBody = true
	existing.line = line
	p.stack = append(p.stack, blockFrame{kind: kSharedFunc, f: existing})
	return nil
}

func parseFuncHeader(args []string) (name string, index int, fixed bool, err error) {
	if len(args) == 1 {
		return args[0], -1, false, nil
	}
	if len(args) == 3 && strings.EqualFold(args[1], "index") {
		idx, perr := parseInt(args[2])
		if perr != nil {
			return "", 0, false, ErrNumericOutOfRange
		}
		return args[0], idx, true, nil
	}
	return "", 0, false, ErrUnexpectedDirective
}

func (p *parser) dirData(line int, args []string) error {
	if len(args) != 1 {
		return lineErr(line, ErrUnexpectedDirective)
	}
	d := &dataBlock{name: args[0], line: line}
	top := p.top()
	if top != nil && top.kind == kMachine {
		top.m.data = append(top.m.data, d)
		top.m.dataByName[d.name] = d
	} else if top == nil {
		p.prog.sharedData = append(p.prog.sharedData, d)
		p.prog.sharedDataBy[d.name] = d
	} else {
		return lineErr(line, ErrUnexpectedDirective)
	}
	p.stack = append(p.stack, blockFrame{kind: kData, d: d})
	return nil
}

func (p *parser) dirSharedData(line int, args []string) error {
	if p.top() != nil {
		return lineErr(line, ErrUnexpectedDirective)
	}
	if len(args) != 1 {
		return lineErr(line, ErrUnexpectedDirective)
	}
	d := &dataBlock{name: args[0], line: line}
	p.prog.sharedData = append(p.prog.sharedData, d)
	p.prog.sharedDataBy[d.name] = d
	p.stack = append(p.stack, blockFrame{kind: kSharedData, d: d})
	return nil
}

func (p *parser) dirShared(line int, args []string) error {
	if p.top() != nil {
		return lineErr(line, ErrUnexpectedDirective)
	}
	if p.sawMachine {
		return lineErr(line, ErrSharedAfterMachine)
	}
	if len(args) != 2 {
		return lineErr(line, ErrUnexpectedDirective)
	}
	idx, err := parseInt(args[1])
	if err != nil {
		return lineErr(line, ErrNumericOutOfRange)
	}
	p.prog.sharedGlobals[args[0]] = idx
	return nil
}

func (p *parser) dirLocal(line int, args []string) error {
	top := p.top()
	if top == nil || top.kind != kMachine {
		return lineErr(line, ErrUnexpectedDirective)
	}
	if len(args) != 2 {
		return lineErr(line, ErrUnexpectedDirective)
	}
	idx, err := parseInt(args[1])
	if err != nil {
		return lineErr(line, ErrNumericOutOfRange)
	}
	top.m.locals[args[0]] = idx
	return nil
}

func (p *parser) dirFrame(line int, args []string) error {
	top := p.top()
	if top == nil || (top.kind != kFunc && top.kind != kSharedFunc) {
		return lineErr(line, ErrUnexpectedDirective)
	}
	if len(args) != 2 {
		return lineErr(line, ErrUnexpectedDirective)
	}
	off, err := parseInt(args[1])
	if err != nil {
		return lineErr(line, ErrNumericOutOfRange)
	}
	top.f.frameSlots[args[0]] = off
	return nil
}

func (p *parser) dirEnd(line int) error {
	if len(p.stack) == 0 {
		return lineErr(line, ErrNoOpenBlock)
	}
	p.stack = p.stack[:len(p.stack)-1]
	return nil
}

// lineErr wraps err (or, if err is a string-keyed sentinel value already,
// itself) with the source line it occurred on.
func lineErr(line int, err error) error {
	return &Error{Line: line, Err: err}
}

// parseNumber parses a decimal or 0x-prefixed hex literal into a
// StackWord-range value.
func parseNumber(tok string) (uint64, error) {
	if strings.HasPrefix(tok, "0x") || strings.HasPrefix(tok, "0X") {
		return strconv.ParseUint(tok[2:], 16, 64)
	}
	return strconv.ParseUint(tok, 10, 64)
}

func parseInt(tok string) (int, error) {
	v, err := parseNumber(tok)
	if err != nil || v > uint64(^uint32(0)) {
		return 0, strconv.ErrRange
	}
	return int(v), nil
}

func toProgramWord(v uint64) (word.ProgramWord, error) {
	if v > uint64(^word.ProgramWord(0)) {
		return 0, strconv.ErrRange
	}
	return word.ProgramWord(v), nil
}

func toStackWord(v uint64) (word.StackWord, error) {
	if v > uint64(^word.StackWord(0)) {
		return 0, strconv.ErrRange
	}
	return word.StackWord(v), nil
}
