// Package host implements the render-loop contract a host driver plays
// against a loaded program: init once per instance at load time, then a
// tight per-frame start_frame/get_color sequence.
package host

import (
	"errors"
	"fmt"

	"github.com/moore/fluxpilot/pkg/vm"
	"github.com/moore/fluxpilot/pkg/word"
)

// Function index convention fixed by the host contract.
const (
	FuncInit       = 0
	FuncStartFrame = 1
	FuncGetColor   = 2

	SharedFuncInitProgram = 0
)

// MaxColorValue is the inclusive upper bound every get_color channel must
// respect.
const MaxColorValue = 255

var (
	// ErrNonEmptyStackAfterInit fires when init leaves values on the
	// stack; the host contract requires the stack to be empty on EXIT.
	ErrNonEmptyStackAfterInit = errors.New("host: init left values on the stack")

	// ErrUnexpectedReturnValues fires when start_frame returns values;
	// the host contract defines it as having no return value.
	ErrUnexpectedReturnValues = errors.New("host: start_frame returned values")

	// ErrWrongColorArity fires when get_color does not leave exactly
	// three StackWord values on EXIT.
	ErrWrongColorArity = errors.New("host: get_color did not return exactly three values")
)

// RGB is one rendered pixel. Each channel is validated to fall in
// [0, MaxColorValue] before it is returned to the caller.
type RGB struct {
	R, G, B byte
}

// Driver runs the render-loop contract against a *vm.VM. It does not own
// the per-frame scheduling loop itself (LED_COUNT, frame pacing, and
// per-instance ordering are the caller's responsibility per the
// scheduling model) - it only implements the three calls that loop makes.
type Driver struct {
	VM *vm.VM
}

// New wraps vm for render-loop driving.
func New(machine *vm.VM) *Driver {
	return &Driver{VM: machine}
}

// Init invokes function 0 for instance with no arguments. Any value left
// on the stack on EXIT is a protocol violation.
func (d *Driver) Init(instance int) error {
	result, err := d.VM.Invoke(instance, FuncInit, nil)
	if err != nil {
		return err
	}
	if len(result) != 0 {
		return fmt.Errorf("%w: instance %d left %d values", ErrNonEmptyStackAfterInit, instance, len(result))
	}
	return nil
}

// StartFrame pushes tick and invokes function 1 for instance.
func (d *Driver) StartFrame(instance int, tick uint32) error {
	result, err := d.VM.Invoke(instance, FuncStartFrame, []word.StackWord{word.StackWord(tick)})
	if err != nil {
		return err
	}
	if len(result) != 0 {
		return fmt.Errorf("%w: instance %d left %d values", ErrUnexpectedReturnValues, instance, len(result))
	}
	return nil
}

// GetColor pushes ledIndex and invokes function 2 for instance, validating
// the three returned channel values against MaxColorValue.
func (d *Driver) GetColor(instance int, ledIndex uint16) (RGB, error) {
	result, err := d.VM.Invoke(instance, FuncGetColor, []word.StackWord{word.StackWord(ledIndex)})
	if err != nil {
		return RGB{}, err
	}
	if len(result) != 3 {
		return RGB{}, fmt.Errorf("%w: instance %d led %d returned %d values", ErrWrongColorArity, instance, ledIndex, len(result))
	}
	r, err := channelByte(result[0])
	if err != nil {
		return RGB{}, err
	}
	g, err := channelByte(result[1])
	if err != nil {
		return RGB{}, err
	}
	b, err := channelByte(result[2])
	if err != nil {
		return RGB{}, err
	}
	return RGB{R: r, G: g, B: b}, nil
}

func channelByte(v word.StackWord) (byte, error) {
	if v > MaxColorValue {
		return 0, fmt.Errorf("%w: %d", vm.ErrColorOutOfRange, v)
	}
	return byte(v), nil
}

// Call invokes a user-defined function (index >= 3) for instance.
func (d *Driver) Call(instance int, functionIndex int, args []word.StackWord) ([]word.StackWord, error) {
	return d.VM.Invoke(instance, functionIndex, args)
}

// CallShared invokes a shared function as the host, using instance 0's mlp
// per the host contract: shared functions may need a default locals base
// for routing tables stored in machine-0 globals.
func (d *Driver) CallShared(sharedIndex int, args []word.StackWord) ([]word.StackWord, error) {
	return d.VM.InvokeShared(0, sharedIndex, args)
}

// RenderFrame runs one full render cycle for instance: start_frame(tick)
// followed by get_color for every LED in [0, ledCount). A failing
// get_color for one LED does not abort the rest of the frame; the host
// contract requires a single bad get_color to not disable the instance.
// The returned slice always has length ledCount; failed LEDs are left at
// the zero RGB value and their error is reported via onError if non-nil.
func (d *Driver) RenderFrame(instance int, tick uint32, ledCount int, onError func(led int, err error)) ([]RGB, error) {
	if err := d.StartFrame(instance, tick); err != nil {
		return nil, err
	}
	pixels := make([]RGB, ledCount)
	for i := 0; i < ledCount; i++ {
		px, err := d.GetColor(instance, uint16(i))
		if err != nil {
			if onError != nil {
				onError(i, err)
			}
			continue
		}
		pixels[i] = px
	}
	return pixels, nil
}
