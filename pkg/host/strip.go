package host

// Strip is the LED output sink capability: one method, invoked once per
// rendered frame per instance with the full pixel slice for that frame.
// The hardware LED driver implements this on a device; cmd/fluxpilot-sim
// implements it with a TCP preview (PreviewStrip) or stdout.
type Strip interface {
	ShowFrame(instance int, pixels []RGB) error
}

// StripFunc adapts a plain function to Strip.
type StripFunc func(instance int, pixels []RGB) error

// ShowFrame implements Strip.
func (f StripFunc) ShowFrame(instance int, pixels []RGB) error {
	return f(instance, pixels)
}
