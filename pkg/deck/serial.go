package deck

import (
	"errors"
	"io"
	"log"
	"time"

	"github.com/moore/fluxpilot/internal/frame"
	"github.com/moore/fluxpilot/pkg/word"
	"github.com/moore/fluxpilot/pkg/wire"
)

// NewSerialDeck wires a Deck to an io.ReadWriter transport (typically a
// go.bug.st/serial port opened by cmd/fluxpilot-hostd): outgoing messages
// are COBS-framed via internal/frame before being written, and a
// background goroutine reads framed replies off rw, decodes them with
// pkg/wire, and routes them through Dispatch. The returned stop function
// ends the read loop; it does not close rw.
func NewSerialDeck(rw io.ReadWriter, handler Handler, watchdog time.Duration) (d *Deck, stop func()) {
	d = New(func(m wire.Message) error {
		return frame.WriteFrame(rw, m.Encode())
	}, handler, watchdog)

	done := make(chan struct{})
	go d.readLoop(rw, done)
	return d, func() { close(done) }
}

// readLoop decodes frames off rw until a read error occurs or done is
// closed. Decode errors for a single frame (a malformed COBS frame or an
// undecodable wire message) are logged and skipped rather than aborting
// the loop; the host keeps running degraded rather than wedge on one
// malformed frame.
func (d *Deck) readLoop(rw io.Reader, done <-chan struct{}) {
	r := frame.NewReader(rw)
	for {
		select {
		case <-done:
			return
		default:
		}
		payload, err := r.ReadFrame()
		if err != nil {
			if errors.Is(err, frame.ErrMalformedFrame) {
				log.Printf("deck: malformed frame: %v", err)
				continue
			}
			if err != io.EOF {
				log.Printf("deck: frame read error: %v", err)
			}
			return
		}
		msg, err := wire.Decode(payload)
		if err != nil {
			log.Printf("deck: wire decode error: %v", err)
			continue
		}
		d.Dispatch(msg)
	}
}

// LoadProgram sends the device a full program image replacement plus the
// host-owned UI state blob it should persist alongside it. Per the
// concurrency model, reloading first stops the render loop and then
// swaps the image; that ordering is the caller's responsibility (deck
// only transmits the message).
func (d *Deck) LoadProgram(program []word.ProgramWord, uiBlob []byte) error {
	return d.w.WriteMessage(wire.LoadProgram{Program: program, UIBlob: uiBlob})
}
