package asm

import (
	"errors"
	"strings"
	"testing"

	"github.com/moore/fluxpilot/pkg/image"
	"github.com/moore/fluxpilot/pkg/vm"
	"github.com/moore/fluxpilot/pkg/word"
)

func mustAssemble(t *testing.T, src string) []word.ProgramWord {
	t.Helper()
	img, err := Assemble(strings.NewReader(src))
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	return img
}

func mustInvoke(t *testing.T, words []word.ProgramWord, machineIndex, functionIndex int, args []word.StackWord) []word.StackWord {
	t.Helper()
	img, err := image.Decode(words)
	if err != nil {
		t.Fatalf("image.Decode: %v", err)
	}
	prog, err := vm.NewProgram(img, 256)
	if err != nil {
		t.Fatalf("NewProgram: %v", err)
	}
	v := vm.NewVM(prog)
	got, err := v.Invoke(machineIndex, functionIndex, args)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	return got
}

func TestAssembleArithmetic(t *testing.T) {
	src := `
.machine blinker locals 0 functions 1
.func main
    PUSH 5
    PUSH 3
    ADD
    EXIT
.end
.end
`
	got := mustInvoke(t, mustAssemble(t, src), 0, 0, nil)
	if len(got) != 1 || got[0] != 8 {
		t.Fatalf("got %v, want [8]", got)
	}
}

func TestAssembleCallConvention(t *testing.T) {
	src := `
.machine blinker locals 0 functions 2
.func main
    PUSH 10
    PUSH 20
    PUSH 2
    CALL add
    EXIT
.end
.func add
    ADD
    RET 1
.end
.end
`
	got := mustInvoke(t, mustAssemble(t, src), 0, 0, nil)
	if len(got) != 1 || got[0] != 30 {
		t.Fatalf("got %v, want [30]", got)
	}
}

func TestAssembleExplicitFunctionIndex(t *testing.T) {
	src := `
.machine blinker locals 0 functions 2
.func add index 1
    ADD
    RET 1
.end
.func main index 0
    PUSH 1
    PUSH 2
    PUSH 2
    CALL add
    EXIT
.end
.end
`
	got := mustInvoke(t, mustAssemble(t, src), 0, 0, nil)
	if len(got) != 1 || got[0] != 3 {
		t.Fatalf("got %v, want [3]", got)
	}
}

func TestAssembleBranchLabel(t *testing.T) {
	src := `
.machine blinker locals 0 functions 1
.func main
    PUSH 5
    PUSH 5
    BREQ target
    PUSH 0
    EXIT
target:
    PUSH 1
    EXIT
.end
.end
`
	got := mustInvoke(t, mustAssemble(t, src), 0, 0, nil)
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("got %v, want [1]", got)
	}
}

func TestAssembleLocalsAndFrame(t *testing.T) {
	src := `
.machine counter locals 1 functions 1
.local count 0
.func main
    .frame arg 0
    SLOAD arg
    LSTORE count
    LLOAD count
    EXIT
.end
.end
`
	got := mustInvoke(t, mustAssemble(t, src), 0, 0, []word.StackWord{42})
	if len(got) != 1 || got[0] != 42 {
		t.Fatalf("got %v, want [42]", got)
	}
}

func TestAssembleStaticData(t *testing.T) {
	src := `
.machine blinker locals 0 functions 1
.data palette
    .word 7
    .word 9
.end
.func main
    PUSH palette
    LOAD_STATIC
    EXIT
.end
.end
`
	got := mustInvoke(t, mustAssemble(t, src), 0, 0, nil)
	if len(got) != 1 || got[0] != 7 {
		t.Fatalf("got %v, want [7]", got)
	}
}

func TestAssembleSharedFunction(t *testing.T) {
	src := `
.shared step 0
.shared_func double
    SLOAD 0
    SLOAD 0
    ADD
    RET 1
.end
.machine blinker locals 1 functions 1
.func main
    PUSH 21
    PUSH 1
    CALL_SHARED double
    EXIT
.end
.end
`
	got := mustInvoke(t, mustAssemble(t, src), 0, 0, nil)
	if len(got) != 1 || got[0] != 42 {
		t.Fatalf("got %v, want [42]", got)
	}
}

// TestAssembleTypeDedup checks that two machines with byte-for-byte
// identical bodies and data collapse into one type-table entry while
// still producing two distinct instances.
func TestAssembleTypeDedup(t *testing.T) {
	src := `
.machine left locals 0 functions 1
.func main
    PUSH 1
    EXIT
.end
.end
.machine right locals 0 functions 1
.func main
    PUSH 1
    EXIT
.end
.end
`
	words := mustAssemble(t, src)
	img, err := image.Decode(words)
	if err != nil {
		t.Fatalf("image.Decode: %v", err)
	}
	if len(img.Instances) != 2 {
		t.Fatalf("got %d instances, want 2", len(img.Instances))
	}
	if len(img.Types) != 1 {
		t.Fatalf("got %d types, want 1 (machines should dedup)", len(img.Types))
	}
	if img.Instances[0].TypeID != img.Instances[1].TypeID {
		t.Fatalf("instances reference different types: %d vs %d", img.Instances[0].TypeID, img.Instances[1].TypeID)
	}
}

func TestAssembleErrors(t *testing.T) {
	cases := []struct {
		name string
		src  string
		want error
	}{
		{
			name: "unknown mnemonic",
			src: `
.machine m locals 0 functions 1
.func main
    FROB 1
.end
.end
`,
			want: ErrUnknownMnemonic,
		},
		{
			name: "end with no open block",
			src: `
.end
`,
			want: ErrNoOpenBlock,
		},
		{
			name: "duplicate label",
			src: `
.machine m locals 0 functions 1
.func main
a:  PUSH 1
a:  PUSH 2
    EXIT
.end
.end
`,
			want: ErrDuplicateLabel,
		},
		{
			name: "shared after machine",
			src: `
.machine m locals 0 functions 1
.func main
    EXIT
.end
.end
.shared step 0
`,
			want: ErrSharedAfterMachine,
		},
		{
			name: "instruction outside function",
			src: `
.machine m locals 0 functions 1
    PUSH 1
.end
`,
			want: ErrInstructionOutsideFunction,
		},
		{
			name: "unclosed block",
			src: `
.machine m locals 0 functions 1
.func main
    EXIT
.end
`,
			want: ErrUnclosedBlock,
		},
		{
			name: "undeclared local",
			src: `
.machine m locals 1 functions 1
.func main
    LLOAD bogus
    EXIT
.end
.end
`,
			want: ErrUndeclaredLocal,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Assemble(strings.NewReader(c.src))
			if err == nil {
				t.Fatalf("want error %v, got nil", c.want)
			}
			if !errors.Is(err, c.want) {
				t.Fatalf("got %v, want %v", err, c.want)
			}
		})
	}
}

func TestStartAssembler(t *testing.T) {
	src := `
.machine m locals 0 functions 1
.func main
    PUSH 1
    EXIT
.end
.end
`
	out := StartAssembler(strings.NewReader(src))
	res := <-out
	if res.Error != nil {
		t.Fatalf("unexpected error: %v", res.Error)
	}
	if len(res.Image) == 0 {
		t.Fatal("expected a non-empty image")
	}
	if _, ok := <-out; ok {
		t.Fatal("channel should be closed after one result")
	}
}
