package asm

import "github.com/moore/fluxpilot/pkg/word"

// instr is one parsed instruction line inside a function body, before
// operand expansion (CALL/CALL_SHARED/JUMP/BR* are expanded into an
// implicit PUSH at resolve time; see resolve.go).
type instr struct {
	line    int
	label   string // label defined on this line, "" if none
	op      word.Opcode
	hasOper bool
	oper    string // raw operand text: a number, or a symbol resolved per-opcode
}

// dataWord is one word inside a data block, optionally preceded by a
// label naming its position.
type dataWord struct {
	line  int
	label string
	value word.ProgramWord
}

// dataBlock is a `.data`/`.shared_data` block: a flat list of program
// words with block-local labels naming positions within it.
type dataBlock struct {
	name  string
	line  int
	words []dataWord
}

// function is a `.func`/`.shared_func` definition. A function may be
// declared (`.func_decl`) before its body is given; decl reserves index
// without hasBody.
type function struct {
	name       string
	line       int
	index      int // -1 until assigned
	indexFixed bool
	hasBody    bool
	body       []instr
	frameSlots map[string]int // .frame name -> offset
}

// machine is one `.machine` block: a type definition paired one-to-one
// with the instance the block declares. Two machines whose resolved
// function bodies and data are bytewise identical are deduplicated into
// one type-table entry at emit time; their instance-table entries are
// kept distinct and in declaration order.
type machine struct {
	name          string
	line          int
	localsSize    int
	functionSlots int
	functions     []*function
	funcByName    map[string]*function
	locals        map[string]int // .local name -> index
	data          []*dataBlock
	dataByName    map[string]*dataBlock
}

// program is the parsed, pre-resolution AST for a whole assembly source
// file: shared (program-scoped) definitions, plus the ordered list of
// machine blocks that each contribute one instance.
type program struct {
	sharedGlobals map[string]int // .shared name -> global index
	sharedData    []*dataBlock
	sharedDataBy  map[string]*dataBlock
	sharedFuncs   []*function
	sharedFuncBy  map[string]*function
	machines      []*machine
}

func newProgram() *program {
	return &program{
		sharedGlobals: make(map[string]int),
		sharedDataBy:  make(map[string]*dataBlock),
		sharedFuncBy:  make(map[string]*function),
	}
}

func newMachine(name string, line int) *machine {
	return &machine{
		name:       name,
		line:       line,
		funcByName: make(map[string]*function),
		locals:     make(map[string]int),
		dataByName: make(map[string]*dataBlock),
	}
}
