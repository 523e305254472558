// Package vm implements the FluxPilot light machine: a stack-based
// interpreter with two word widths, a frame pointer, a machine-locals
// pointer, and a shared calling convention for ordinary and shared
// function calls.
//
// Instruction format
//
// Every instruction is one ProgramWord-wide opcode, optionally followed by
// a single ProgramWord immediate (PUSH's literal, or a frame/globals
// offset for SLOAD/SSTORE/LLOAD/LSTORE/GSTORE/GLOAD, or RET's return
// count). Control flow (JUMP, BR*, CALL, CALL_SHARED) takes its operands
// from the stack rather than from an encoded immediate; see pkg/word for
// the opcode table and pkg/asm for how mnemonics expand to this encoding.
//
// Calling convention
//
// CALL and CALL_SHARED share one calling convention. The caller pushes
// arg0..argN-1, then arg_count, then func_index. The callee's frame is
// built by popping func_index and arg_count, inserting three header
// slots (return_pc, saved_fp, saved_mlp, in that order) directly below
// the arguments, and pointing fp at the first argument. mlp is never
// altered by CALL or CALL_SHARED; it is established once, by the host,
// when a top-level function (init/start_frame/get_color, or a
// host-initiated call/call_shared) begins running. RET <k> reverses the
// process exactly: it copies the top k values, discards everything from
// fp-3 upward, restores fp/mlp/pc from the header, and pushes the copied
// values back.
package vm

import (
	"fmt"

	"github.com/moore/fluxpilot/pkg/image"
	"github.com/moore/fluxpilot/pkg/word"
)

// MinStack is the minimum number of StackWord cells the runtime memory
// buffer must reserve for the operand stack above the globals region.
const MinStack = 64

// DefaultMaxSteps bounds the number of instructions a single run may
// execute before ErrStepBudgetExceeded aborts it. The host render loop
// requires every run to complete in bounded time; this is the fuel
// mechanism that guarantees it.
const DefaultMaxSteps = 1 << 20

// Program is a loaded, read-only program image paired with the mutable
// runtime memory it executes against. Memory[0:GlobalsSize] is the
// globals region shared by every instance; Memory[GlobalsSize:] is the
// operand stack, reset to empty at the start of every top-level
// invocation.
type Program struct {
	Image  *image.Image
	Memory []word.StackWord
}

// NewProgram partitions a fresh memory buffer of memoryWords cells for
// img and validates the construction-time invariants: the buffer must be
// able to hold the globals region plus MinStack cells of operand stack,
// and every instance's globals base must fall inside the declared
// globals region.
func NewProgram(img *image.Image, memoryWords uint32) (*Program, error) {
	if memoryWords < img.GlobalsSize || memoryWords-img.GlobalsSize < MinStack {
		return nil, fmt.Errorf("%w: have %d words, need globals(%d)+stack(%d)",
			ErrMemoryBufferTooSmall, memoryWords, img.GlobalsSize, MinStack)
	}
	for i, inst := range img.Instances {
		if img.GlobalsSize > 0 && uint64(inst.GlobalsBase) >= uint64(img.GlobalsSize) {
			return nil, fmt.Errorf("%w: instance %d has globals base %d, globals region is %d cells",
				ErrGlobalsBufferTooSmall, i, inst.GlobalsBase, img.GlobalsSize)
		}
	}
	return &Program{
		Image:  img,
		Memory: make([]word.StackWord, memoryWords),
	}, nil
}

// VM is one interpreter invocation context over a Program. A VM is not
// goroutine safe and is not reentrant: the host must finish one Invoke or
// InvokeShared call before starting the next.
type VM struct {
	Prog *Program

	pc           int
	top          int
	fp           word.StackWord
	mlp          word.StackWord
	machineIndex int
	callDepth    int
	steps        int

	// MaxSteps overrides DefaultMaxSteps when non-zero. Exposed for
	// tests that want to exercise the fuel cap without running for a
	// million instructions.
	MaxSteps int
}

// NewVM constructs an interpreter over prog. The VM is idle until Invoke
// or InvokeShared is called.
func NewVM(prog *Program) *VM {
	return &VM{Prog: prog}
}

// String renders the current execution state for debug logging.
func (vm *VM) String() string {
	return fmt.Sprintf("{pc:%d top:%d fp:%d mlp:%d machine:%d depth:%d}",
		vm.pc, vm.top, vm.fp, vm.mlp, vm.machineIndex, vm.callDepth)
}

func (vm *VM) maxSteps() int {
	if vm.MaxSteps > 0 {
		return vm.MaxSteps
	}
	return DefaultMaxSteps
}

// Invoke runs function functionIndex of the instance at machineIndex as a
// top-level call: mlp is set to that instance's globals base, fp points
// at the first pushed argument, and the stack is reset to empty before
// args are pushed. It returns whatever values the callee leaves on the
// stack above the pre-call baseline.
func (vm *VM) Invoke(machineIndex int, functionIndex int, args []word.StackWord) ([]word.StackWord, error) {
	inst, err := vm.instance(machineIndex)
	if err != nil {
		return nil, err
	}
	entry, err := vm.resolveFunction(inst.TypeID, functionIndex)
	if err != nil {
		return nil, err
	}
	return vm.invokeAt(machineIndex, inst.GlobalsBase, entry, args)
}

// InvokeShared runs shared function functionIndex as a top-level call.
// mlpInstance selects whose globals base mlp inherits; host-initiated
// calls pass instance 0 for this, since shared routing functions expect a
// default locals base.
func (vm *VM) InvokeShared(mlpInstance int, functionIndex int, args []word.StackWord) ([]word.StackWord, error) {
	inst, err := vm.instance(mlpInstance)
	if err != nil {
		return nil, err
	}
	entry, err := vm.resolveShared(functionIndex)
	if err != nil {
		return nil, err
	}
	return vm.invokeAt(mlpInstance, inst.GlobalsBase, entry, args)
}

func (vm *VM) instance(machineIndex int) (image.Instance, error) {
	if machineIndex < 0 || machineIndex >= len(vm.Prog.Image.Instances) {
		return image.Instance{}, fmt.Errorf("%w: %d", ErrMachineIndexOutOfRange, machineIndex)
	}
	return vm.Prog.Image.Instances[machineIndex], nil
}

func (vm *VM) resolveFunction(typeID uint16, fn int) (word.ProgramWord, error) {
	entry, err := vm.Prog.Image.FunctionEntry(typeID, fn)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrFunctionIndexOutOfRange, err)
	}
	return entry, nil
}

func (vm *VM) resolveShared(fn int) (word.ProgramWord, error) {
	entry, err := vm.Prog.Image.SharedFunctionEntry(fn)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSharedFunctionIndexOutOfRange, err)
	}
	return entry, nil
}

func (vm *VM) invokeAt(machineIndex int, mlpBase uint32, entry word.ProgramWord, args []word.StackWord) ([]word.StackWord, error) {
	base := int(vm.Prog.Image.GlobalsSize)
	vm.top = base
	vm.fp = word.StackWord(base)
	vm.mlp = word.StackWord(mlpBase)
	vm.pc = int(entry)
	vm.machineIndex = machineIndex
	vm.callDepth = 0
	vm.steps = 0

	for _, a := range args {
		if err := vm.push(a); err != nil {
			return nil, err
		}
	}

	if err := vm.run(); err != nil {
		return nil, err
	}

	result := make([]word.StackWord, vm.top-base)
	copy(result, vm.Prog.Memory[base:vm.top])
	vm.top = base
	return result, nil
}

// run executes instructions until EXIT halts the outermost call or an
// error aborts execution.
func (vm *VM) run() error {
	for {
		vm.steps++
		if vm.steps > vm.maxSteps() {
			return ErrStepBudgetExceeded
		}
		opWord, err := vm.fetch()
		if err != nil {
			return err
		}
		op := word.Opcode(opWord)
		if !op.Valid() {
			return invalidOp(op)
		}
		switch op {
		case word.OpEXIT:
			return nil
		case word.OpRET:
			if err := vm.execRet(); err != nil {
				return err
			}
		case word.OpCALL:
			if err := vm.execCall(false); err != nil {
				return err
			}
		case word.OpCALL_SHARED:
			if err := vm.execCall(true); err != nil {
				return err
			}
		default:
			if err := vm.execSimple(op); err != nil {
				return err
			}
		}
	}
}

func (vm *VM) fetch() (word.ProgramWord, error) {
	words := vm.Prog.Image.Words
	if vm.pc < 0 || vm.pc >= len(words) {
		return 0, fmt.Errorf("%w: pc=%d", ErrProgramCounterOutOfRange, vm.pc)
	}
	w := words[vm.pc]
	vm.pc++
	return w, nil
}

func (vm *VM) stackBase() int {
	return int(vm.Prog.Image.GlobalsSize)
}

func (vm *VM) push(v word.StackWord) error {
	if vm.top >= len(vm.Prog.Memory) {
		return ErrStackOverflow
	}
	vm.Prog.Memory[vm.top] = v
	vm.top++
	return nil
}

func (vm *VM) popWith(underflow error) (word.StackWord, error) {
	if vm.top <= vm.stackBase() {
		return 0, underflow
	}
	vm.top--
	return vm.Prog.Memory[vm.top], nil
}

func (vm *VM) peek() (word.StackWord, error) {
	if vm.top <= vm.stackBase() {
		return 0, ErrStackUnderflow
	}
	return vm.Prog.Memory[vm.top-1], nil
}

func boolWord(b bool) word.StackWord {
	if b {
		return 1
	}
	return 0
}

func (vm *VM) execSimple(op word.Opcode) error {
	switch op {
	case word.OpPOP:
		_, err := vm.popWith(ErrPopOnEmptyStack)
		return err

	case word.OpPUSH:
		imm, err := vm.fetch()
		if err != nil {
			return err
		}
		return vm.push(word.StackWord(imm))

	case word.OpDUP:
		v, err := vm.peek()
		if err != nil {
			return err
		}
		return vm.push(v)

	case word.OpSWAP:
		if vm.top-2 < vm.stackBase() {
			return ErrStackUnderflow
		}
		vm.Prog.Memory[vm.top-1], vm.Prog.Memory[vm.top-2] = vm.Prog.Memory[vm.top-2], vm.Prog.Memory[vm.top-1]
		return nil

	case word.OpAND, word.OpOR, word.OpXOR:
		a, err := vm.popWith(ErrStackUnderflow)
		if err != nil {
			return err
		}
		b, err := vm.popWith(ErrStackUnderflow)
		if err != nil {
			return err
		}
		switch op {
		case word.OpAND:
			return vm.push(boolWord(a != 0 && b != 0))
		case word.OpOR:
			return vm.push(boolWord(a != 0 || b != 0))
		default: // XOR
			return vm.push(boolWord((a != 0) != (b != 0)))
		}

	case word.OpNOT:
		a, err := vm.popWith(ErrStackUnderflow)
		if err != nil {
			return err
		}
		return vm.push(boolWord(a == 0))

	case word.OpBAND, word.OpBOR, word.OpBXOR, word.OpADD, word.OpSUB, word.OpMUL, word.OpDIV, word.OpMOD:
		a, err := vm.popWith(ErrStackUnderflow)
		if err != nil {
			return err
		}
		b, err := vm.popWith(ErrStackUnderflow)
		if err != nil {
			return err
		}
		switch op {
		case word.OpBAND:
			return vm.push(a & b)
		case word.OpBOR:
			return vm.push(a | b)
		case word.OpBXOR:
			return vm.push(a ^ b)
		case word.OpADD:
			return vm.push(b + a)
		case word.OpSUB:
			return vm.push(b - a)
		case word.OpMUL:
			return vm.push(b * a)
		case word.OpDIV:
			if a == 0 {
				return invalidOp(op)
			}
			return vm.push(b / a)
		default: // MOD
			if a == 0 {
				return invalidOp(op)
			}
			return vm.push(b % a)
		}

	case word.OpBNOT:
		a, err := vm.popWith(ErrStackUnderflow)
		if err != nil {
			return err
		}
		return vm.push(^a)

	case word.OpBRLT, word.OpBRLTE, word.OpBRGT, word.OpBRGTE, word.OpBREQ:
		return vm.execBranch(op)

	case word.OpJUMP:
		target, err := vm.popWith(ErrStackUnderflow)
		if err != nil {
			return err
		}
		return vm.jumpTo(target)

	case word.OpLLOAD, word.OpLSTORE:
		return vm.execLocal(op)

	case word.OpGLOAD, word.OpGSTORE:
		return vm.execGlobal(op)

	case word.OpSLOAD, word.OpSSTORE:
		return vm.execFrame(op)

	case word.OpLOAD_STATIC:
		return vm.execLoadStatic()

	default:
		return invalidOp(op)
	}
}

func (vm *VM) jumpTo(target word.StackWord) error {
	idx, err := word.ToIndex(target)
	if err != nil {
		return err
	}
	if idx < 0 || idx >= len(vm.Prog.Image.Words) {
		return fmt.Errorf("%w: target=%d", ErrProgramCounterOutOfRange, idx)
	}
	vm.pc = idx
	return nil
}

func (vm *VM) execBranch(op word.Opcode) error {
	target, err := vm.popWith(ErrStackUnderflow)
	if err != nil {
		return err
	}
	lhs, err := vm.popWith(ErrStackUnderflow)
	if err != nil {
		return err
	}
	rhs, err := vm.popWith(ErrStackUnderflow)
	if err != nil {
		return err
	}
	var branch bool
	switch op {
	case word.OpBRLT:
		branch = lhs < rhs
	case word.OpBRLTE:
		branch = lhs <= rhs
	case word.OpBRGT:
		branch = lhs > rhs
	case word.OpBRGTE:
		branch = lhs >= rhs
	case word.OpBREQ:
		branch = lhs == rhs
	}
	if branch {
		return vm.jumpTo(target)
	}
	return nil
}

func (vm *VM) fetchOffset() (word.StackWord, error) {
	imm, err := vm.fetch()
	if err != nil {
		return 0, err
	}
	return word.StackWord(imm), nil
}

func (vm *VM) globalsIndex(addr word.StackWord) (int, error) {
	idx, err := word.ToIndex(addr)
	if err != nil {
		return 0, err
	}
	if idx < 0 || idx >= int(vm.Prog.Image.GlobalsSize) {
		return 0, fmt.Errorf("%w: addr=%d", ErrOutOfBoundsGlobalsAccess, idx)
	}
	return idx, nil
}

func (vm *VM) execLocal(op word.Opcode) error {
	off, err := vm.fetchOffset()
	if err != nil {
		return err
	}
	idx, err := vm.globalsIndex(vm.mlp + off)
	if err != nil {
		return err
	}
	if op == word.OpLLOAD {
		return vm.push(vm.Prog.Memory[idx])
	}
	v, err := vm.popWith(ErrStackUnderflow)
	if err != nil {
		return err
	}
	vm.Prog.Memory[idx] = v
	return nil
}

func (vm *VM) execGlobal(op word.Opcode) error {
	addr, err := vm.fetchOffset()
	if err != nil {
		return err
	}
	idx, err := vm.globalsIndex(addr)
	if err != nil {
		return err
	}
	if op == word.OpGLOAD {
		return vm.push(vm.Prog.Memory[idx])
	}
	v, err := vm.popWith(ErrStackUnderflow)
	if err != nil {
		return err
	}
	vm.Prog.Memory[idx] = v
	return nil
}

func (vm *VM) execFrame(op word.Opcode) error {
	off, err := vm.fetchOffset()
	if err != nil {
		return err
	}
	addr := vm.fp + off
	idx, err := word.ToIndex(addr)
	if err != nil {
		return err
	}
	if idx < 0 || idx >= len(vm.Prog.Memory) {
		return fmt.Errorf("%w: addr=%d", ErrStackOverflow, idx)
	}
	if op == word.OpSLOAD {
		return vm.push(vm.Prog.Memory[idx])
	}
	v, err := vm.popWith(ErrStackUnderflow)
	if err != nil {
		return err
	}
	vm.Prog.Memory[idx] = v
	return nil
}

func (vm *VM) execLoadStatic() error {
	addr, err := vm.popWith(ErrStackUnderflow)
	if err != nil {
		return err
	}
	pw, err := word.ToProgramWord(addr)
	if err != nil {
		return err
	}
	if int(pw) >= len(vm.Prog.Image.Words) {
		return fmt.Errorf("%w: addr=%d", ErrOutOfBoundsStaticRead, pw)
	}
	return vm.push(word.StackWord(vm.Prog.Image.Words[pw]))
}

// execCall implements the shared CALL/CALL_SHARED convention described in
// the package doc comment.
func (vm *VM) execCall(shared bool) error {
	funcIdxWord, err := vm.popWith(ErrStackUnderflow)
	if err != nil {
		return err
	}
	argCountWord, err := vm.popWith(ErrStackUnderflow)
	if err != nil {
		return err
	}
	funcIdx, err := word.ToIndex(funcIdxWord)
	if err != nil {
		return err
	}
	argCount, err := word.ToIndex(argCountWord)
	if err != nil {
		return err
	}

	argStart := vm.top - argCount
	if argCount < 0 || argStart < vm.stackBase() {
		return ErrTooFewArguments
	}

	var entry word.ProgramWord
	if shared {
		entry, err = vm.resolveShared(funcIdx)
	} else {
		typeID := vm.Prog.Image.Instances[vm.machineIndex].TypeID
		entry, err = vm.resolveFunction(typeID, funcIdx)
	}
	if err != nil {
		return err
	}

	if vm.top+3 > len(vm.Prog.Memory) {
		return ErrStackOverflow
	}

	// Shift the arguments up by three slots to make room for the frame
	// header, then fill the header in below them.
	copy(vm.Prog.Memory[argStart+3:vm.top+3], vm.Prog.Memory[argStart:vm.top])
	vm.Prog.Memory[argStart] = word.StackWord(vm.pc)
	vm.Prog.Memory[argStart+1] = vm.fp
	vm.Prog.Memory[argStart+2] = vm.mlp

	vm.top += 3
	vm.fp = word.StackWord(argStart + 3)
	// mlp is inherited unchanged for both CALL and CALL_SHARED.
	vm.pc = int(entry)
	vm.callDepth++
	return nil
}

func (vm *VM) execRet() error {
	countWord, err := vm.fetch()
	if err != nil {
		return err
	}
	count := int(countWord)

	if vm.callDepth == 0 {
		return ErrRetAtOutermost
	}
	if vm.top-count < int(vm.fp) {
		return ErrStackUnderflow
	}

	returned := make([]word.StackWord, count)
	copy(returned, vm.Prog.Memory[vm.top-count:vm.top])

	headerBase := int(vm.fp) - 3
	returnPC := vm.Prog.Memory[headerBase]
	savedFP := vm.Prog.Memory[headerBase+1]
	savedMLP := vm.Prog.Memory[headerBase+2]

	vm.top = headerBase
	copy(vm.Prog.Memory[vm.top:vm.top+count], returned)
	vm.top += count

	vm.fp = savedFP
	vm.mlp = savedMLP
	vm.pc = int(returnPC)
	vm.callDepth--
	return nil
}
