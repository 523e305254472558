package vm

import (
	"errors"
	"fmt"

	"github.com/moore/fluxpilot/pkg/word"
)

// Re-exported so callers only need to import pkg/vm for width-conversion
// failures as well as execution failures.
var (
	ErrStackValueTooLargeForUsize      = word.ErrStackValueTooLargeForUsize
	ErrStackValueTooLargeForProgramWord = word.ErrStackValueTooLargeForProgramWord
)

// Construction-time errors. Returned from NewProgram; no Program is built
// when these fire.
var (
	ErrGlobalsBufferTooSmall = errors.New("vm: globals buffer too small")
	ErrMemoryBufferTooSmall  = errors.New("vm: memory buffer too small")
)

// Runtime errors. Returned from Invoke/InvokeShared; abort the current run
// with no guaranteed partial side effects on LED output.
var (
	ErrOutOfBoundsStaticRead      = errors.New("vm: out of bounds static read")
	ErrOutOfBoundsGlobalsAccess   = errors.New("vm: out of bounds globals access")
	ErrPopOnEmptyStack            = errors.New("vm: pop on empty stack")
	ErrStackUnderflow             = errors.New("vm: stack underflow")
	ErrStackOverflow              = errors.New("vm: stack overflow")
	ErrTooFewArguments            = errors.New("vm: too few arguments")
	ErrMachineIndexOutOfRange     = errors.New("vm: machine index out of range")
	ErrSharedFunctionIndexOutOfRange = errors.New("vm: shared function index out of range")
	ErrColorOutOfRange            = errors.New("vm: color value out of range")

	// ErrFunctionIndexOutOfRange is the per-type-table analogue of
	// ErrSharedFunctionIndexOutOfRange for an ordinary CALL.
	ErrFunctionIndexOutOfRange = errors.New("vm: function index out of range")

	// ErrRetAtOutermost fires when RET executes with no enclosing CALL
	// frame to return to; a top-level function must end with EXIT.
	ErrRetAtOutermost = errors.New("vm: ret at outermost call depth")

	// ErrProgramCounterOutOfRange fires when a jump, branch, or
	// instruction fetch would move pc outside the program image.
	ErrProgramCounterOutOfRange = errors.New("vm: program counter out of range")

	// ErrStepBudgetExceeded fires when a single run exceeds its
	// instruction fuel; every run must complete in bounded time.
	ErrStepBudgetExceeded = errors.New("vm: step budget exceeded")
)

// InvalidOpError reports an invalid opcode or an invalid operation on a
// validly-decoded opcode (e.g. division by zero). It wraps ErrInvalidOp so
// callers can use errors.Is(err, ErrInvalidOp) without caring which shape
// triggered it.
type InvalidOpError struct {
	Opcode word.ProgramWord
}

// ErrInvalidOp is the sentinel every InvalidOpError wraps.
var ErrInvalidOp = errors.New("vm: invalid operation")

func (e *InvalidOpError) Error() string {
	return fmt.Sprintf("vm: invalid operation (opcode %d)", e.Opcode)
}

func (e *InvalidOpError) Unwrap() error {
	return ErrInvalidOp
}

func invalidOp(op word.Opcode) error {
	return &InvalidOpError{Opcode: word.ProgramWord(op)}
}
