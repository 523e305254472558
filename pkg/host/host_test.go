package host

import (
	"testing"

	"github.com/moore/fluxpilot/pkg/image"
	"github.com/moore/fluxpilot/pkg/vm"
	"github.com/moore/fluxpilot/pkg/word"
)

// emitter is a tiny two-pass code builder used only by tests: it lets a
// test describe a function body as a sequence of opcodes/immediates and
// forward-reference labels for branch/jump targets, without the test
// author having to hand-compute absolute word addresses.
type emitter struct {
	words  []word.ProgramWord
	labels map[string]word.ProgramWord
	fixups map[int]string // word index -> label name
}

func newEmitter(words []word.ProgramWord) *emitter {
	return &emitter{words: words, labels: map[string]word.ProgramWord{}, fixups: map[int]string{}}
}

func (e *emitter) pc() word.ProgramWord { return word.ProgramWord(len(e.words)) }

func (e *emitter) label(name string) { e.labels[name] = e.pc() }

func (e *emitter) op(o word.Opcode) { e.words = append(e.words, word.ProgramWord(o)) }

func (e *emitter) imm(v int) { e.words = append(e.words, word.ProgramWord(v)) }

// pushLabel emits PUSH with a placeholder immediate, resolved once every
// label in the function has been emitted.
func (e *emitter) pushLabel(name string) {
	e.op(word.OpPUSH)
	e.fixups[len(e.words)] = name
	e.words = append(e.words, 0)
}

func (e *emitter) resolve() {
	for idx, name := range e.fixups {
		target, ok := e.labels[name]
		if !ok {
			panic("host_test: undefined label " + name)
		}
		e.words[idx] = target
	}
	e.fixups = map[int]string{}
}

// buildPulseImage assembles the "pulse color" program from the host
// contract scenario: init sets per-instance color weights, start_frame
// stores the tick, get_color computes a 2000-tick triangle wave scaled by
// those weights.
//
// Locals (relative to mlp): 0=red weight, 1=green weight, 2=blue weight,
// 3=brightness percent, 4=tick.
func buildPulseImage(t *testing.T) *vm.Program {
	t.Helper()
	e := newEmitter(make([]word.ProgramWord, 8)) // reserve header words [0..7]

	initEntry := e.pc()
	e.op(word.OpPUSH)
	e.imm(8) // red weight
	e.op(word.OpLSTORE)
	e.imm(0)
	e.op(word.OpPUSH)
	e.imm(16) // green weight
	e.op(word.OpLSTORE)
	e.imm(1)
	e.op(word.OpPUSH)
	e.imm(32) // blue weight
	e.op(word.OpLSTORE)
	e.imm(2)
	e.op(word.OpPUSH)
	e.imm(100) // brightness percent
	e.op(word.OpLSTORE)
	e.imm(3)
	e.op(word.OpEXIT)

	startFrameEntry := e.pc()
	e.op(word.OpLSTORE)
	e.imm(4) // tick
	e.op(word.OpEXIT)

	getColorEntry := e.pc()
	e.op(word.OpPOP) // discard led_index; this program ignores it

	// phase = tick MOD 2000; if phase < 1000 goto low else value = 2000-phase
	e.op(word.OpPUSH)
	e.imm(1000) // rhs for BRLT
	e.op(word.OpLLOAD)
	e.imm(4)
	e.op(word.OpPUSH)
	e.imm(2000)
	e.op(word.OpMOD) // lhs = phase
	e.pushLabel("low")
	e.op(word.OpBRLT)

	e.op(word.OpPUSH)
	e.imm(2000)
	e.op(word.OpLLOAD)
	e.imm(4)
	e.op(word.OpPUSH)
	e.imm(2000)
	e.op(word.OpMOD)
	e.op(word.OpSUB) // value = 2000 - phase
	e.pushLabel("after")
	e.op(word.OpJUMP)

	e.label("low")
	e.op(word.OpLLOAD)
	e.imm(4)
	e.op(word.OpPUSH)
	e.imm(2000)
	e.op(word.OpMOD) // value = phase

	e.label("after")
	e.op(word.OpLLOAD)
	e.imm(3)
	e.op(word.OpMUL)
	e.op(word.OpPUSH)
	e.imm(1000)
	e.op(word.OpDIV) // scaled = value*brightness/1000

	e.op(word.OpDUP)
	e.op(word.OpLLOAD)
	e.imm(0)
	e.op(word.OpMUL)
	e.op(word.OpPUSH)
	e.imm(100)
	e.op(word.OpDIV) // r; stack: scaled, r
	e.op(word.OpSWAP)

	e.op(word.OpDUP)
	e.op(word.OpLLOAD)
	e.imm(1)
	e.op(word.OpMUL)
	e.op(word.OpPUSH)
	e.imm(100)
	e.op(word.OpDIV) // g; stack: r, scaled, g
	e.op(word.OpSWAP)

	e.op(word.OpDUP)
	e.op(word.OpLLOAD)
	e.imm(2)
	e.op(word.OpMUL)
	e.op(word.OpPUSH)
	e.imm(100)
	e.op(word.OpDIV) // b; stack: r, g, scaled, b
	e.op(word.OpSWAP)
	e.op(word.OpPOP) // drop leftover scaled; stack: r, g, b
	e.op(word.OpEXIT)

	e.resolve()

	instanceTableOffset := e.pc()
	e.imm(0) // instance 0 type id
	e.imm(0) // instance 0 globals base

	typeTableOffset := e.pc()
	e.imm(3) // function count
	functionTableSlot := e.pc()
	e.imm(0) // function table offset, patched below

	functionTableOffset := e.pc()
	e.imm(int(initEntry))
	e.imm(int(startFrameEntry))
	e.imm(int(getColorEntry))
	e.words[functionTableSlot] = functionTableOffset

	sharedFunctionTableOffset := e.pc()

	e.words[0] = word.ProgramWord(image.CurrentVersion)
	e.words[1] = 1 // instance count
	e.words[2] = 5 // globals size
	e.words[3] = 0 // shared function count
	e.words[4] = 1 // type count
	e.words[5] = instanceTableOffset
	e.words[6] = typeTableOffset
	e.words[7] = sharedFunctionTableOffset

	img, err := image.Decode(e.words)
	if err != nil {
		t.Fatalf("image.Decode: %v", err)
	}
	prog, err := vm.NewProgram(img, 256)
	if err != nil {
		t.Fatalf("vm.NewProgram: %v", err)
	}
	return prog
}

func TestPulseColorScenario(t *testing.T) {
	prog := buildPulseImage(t)
	d := New(vm.NewVM(prog))

	if err := d.Init(0); err != nil {
		t.Fatalf("Init: %v", err)
	}

	check := func(tick uint32, want RGB) {
		t.Helper()
		if err := d.StartFrame(0, tick); err != nil {
			t.Fatalf("StartFrame(%d): %v", tick, err)
		}
		got, err := d.GetColor(0, 0)
		if err != nil {
			t.Fatalf("GetColor at tick=%d: %v", tick, err)
		}
		if got != want {
			t.Fatalf("tick=%d: got %+v, want %+v", tick, got, want)
		}
	}

	check(0, RGB{0, 0, 0})

	if err := d.StartFrame(0, 1000); err != nil {
		t.Fatalf("StartFrame(1000): %v", err)
	}
	mid, err := d.GetColor(0, 0)
	if err != nil {
		t.Fatalf("GetColor at tick=1000: %v", err)
	}
	if int(mid.R) > MaxColorValue || int(mid.G) > MaxColorValue || int(mid.B) > MaxColorValue {
		t.Fatalf("tick=1000: channel out of range: %+v", mid)
	}

	check(2000, RGB{0, 0, 0})
}
