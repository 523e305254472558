package image

import (
	"encoding/binary"
	"io"

	"github.com/moore/fluxpilot/pkg/word"
)

// ReadWords reads a little-endian ProgramWord stream from r until EOF.
// This is the on-disk and on-wire byte form of a program image; pair it
// with Decode to obtain a validated Image.
func ReadWords(r io.Reader) ([]word.ProgramWord, error) {
	var out []word.ProgramWord
	var buf [2]byte
	for {
		_, err := io.ReadFull(r, buf[:])
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, word.ProgramWord(binary.LittleEndian.Uint16(buf[:])))
	}
}

// WriteWords writes words to w as a little-endian byte stream, the
// inverse of ReadWords.
func WriteWords(w io.Writer, words []word.ProgramWord) error {
	var buf [2]byte
	for _, pw := range words {
		binary.LittleEndian.PutUint16(buf[:], uint16(pw))
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
	}
	return nil
}
