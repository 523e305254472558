// Package frame implements COBS (Consistent Overhead Byte Stuffing)
// framing over an io.ReadWriter. It is shared by pkg/wire (host-device
// protocol) and pkg/deck (which reads/writes frames produced by pkg/wire)
// so that a StackWord or ProgramWord payload containing 0x00 bytes never
// produces a spurious frame boundary: 0x00 is reserved exclusively as the
// end-of-frame delimiter on the wire, and COBS removes every 0x00 from the
// payload before it is sent.
package frame

import (
	"bufio"
	"errors"
	"io"
)

// ErrMalformedFrame is returned by Decode when the COBS structure itself
// is inconsistent (an overhead byte points past the buffer, or a decoded
// 0x00 appears where only the delimiter may).
var ErrMalformedFrame = errors.New("frame: malformed cobs frame")

// Encode returns data COBS-stuffed and terminated with the 0x00 delimiter,
// ready to be written directly to the wire.
func Encode(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data)+len(data)/254+2)
	codeIdx := 0
	out = append(out, 0) // placeholder for the first overhead byte
	code := byte(1)
	for _, b := range data {
		if b == 0 {
			out[codeIdx] = code
			codeIdx = len(out)
			out = append(out, 0) // placeholder for the next overhead byte
			code = 1
			continue
		}
		out = append(out, b)
		code++
		if code == 0xFF {
			out[codeIdx] = code
			codeIdx = len(out)
			out = append(out, 0)
			code = 1
		}
	}
	out[codeIdx] = code
	out = append(out, 0x00) // frame delimiter
	return out, nil
}

// Decode reverses Encode. encoded must not include the trailing 0x00
// delimiter; strip it first (ReadFrame does this for callers reading off
// the wire).
func Decode(encoded []byte) ([]byte, error) {
	out := make([]byte, 0, len(encoded))
	i := 0
	for i < len(encoded) {
		code := int(encoded[i])
		if code == 0 {
			return nil, ErrMalformedFrame
		}
		runLen := code - 1
		if i+1+runLen > len(encoded) {
			return nil, ErrMalformedFrame
		}
		i++
		out = append(out, encoded[i:i+runLen]...)
		i += runLen
		if code != 0xFF && i != len(encoded) {
			out = append(out, 0)
		}
	}
	return out, nil
}

// WriteFrame COBS-encodes payload and writes it, delimiter included, to w.
func WriteFrame(w io.Writer, payload []byte) error {
	encoded, err := Encode(payload)
	if err != nil {
		return err
	}
	_, err = w.Write(encoded)
	return err
}

// Reader reads successive 0x00-delimited COBS frames from an underlying
// io.Reader, decoding each before returning it.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps r for frame-at-a-time reading.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// ReadFrame blocks until a full 0x00-delimited frame has arrived, then
// returns its decoded payload.
func (fr *Reader) ReadFrame() ([]byte, error) {
	encoded, err := fr.br.ReadBytes(0x00)
	if err != nil {
		return nil, err
	}
	return Decode(encoded[:len(encoded)-1])
}
