// Package wire encodes and decodes the host-device frame payloads: the
// ten message kinds exchanged between a FluxPilot device and the host
// deck dispatcher (pkg/deck). Framing (COBS byte-stuffing, the 0x00
// delimiter) is internal/frame's job; this package only deals with the
// bytes between delimiters.
//
// All multi-byte integers are little-endian. Every message starts with a
// one-byte ASCII tag identifying its kind.
package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/moore/fluxpilot/pkg/word"
)

// Tag bytes, the ASCII codepoints named by the protocol.
const (
	TagCallRequest        = 'R'
	TagCallReturn         = 'r'
	TagNotification       = 'N'
	TagError              = 'E'
	TagLoadProgram        = 'L'
	TagReadUiStateBlock   = 'U'
	TagUiStateBlockReply  = 'u'
	TagReadI2cDevices     = 'I'
	TagI2cDevicesReply    = 'i'
	TagCallSharedRequest  = 'C'
)

// ErrUnknownTag is returned by Decode when the leading byte does not match
// any defined message kind.
var ErrUnknownTag = errors.New("wire: unknown message tag")

// ErrTruncated is returned when a message's declared field lengths run
// past the end of the buffer it was decoded from.
var ErrTruncated = errors.New("wire: truncated message")

// Message is implemented by every decodable message kind. Encode returns
// the tag byte followed by the message's payload, ready to be handed to
// internal/frame for COBS framing.
type Message interface {
	Tag() byte
	Encode() []byte
}

// CallRequest asks the device to invoke an ordinary function.
type CallRequest struct {
	RequestID     uint16
	MachineIndex  uint16
	FunctionIndex uint16
	Args          []word.StackWord
}

func (m CallRequest) Tag() byte { return TagCallRequest }

func (m CallRequest) Encode() []byte {
	b := newBuilder(1 + 2 + 2 + 2 + 2 + len(m.Args)*4)
	b.putByte(m.Tag())
	b.putU16(m.RequestID)
	b.putU16(m.MachineIndex)
	b.putU16(m.FunctionIndex)
	b.putU16(uint16(len(m.Args)))
	for _, a := range m.Args {
		b.putU32(uint32(a))
	}
	return b.bytes()
}

// CallReturn carries the result of a prior CallRequest or CallSharedRequest.
type CallReturn struct {
	RequestID uint16
	Values    []word.StackWord
}

func (m CallReturn) Tag() byte { return TagCallReturn }

func (m CallReturn) Encode() []byte {
	b := newBuilder(1 + 2 + 2 + len(m.Values)*4)
	b.putByte(m.Tag())
	b.putU16(m.RequestID)
	b.putU16(uint16(len(m.Values)))
	for _, v := range m.Values {
		b.putU32(uint32(v))
	}
	return b.bytes()
}

// Notification is a spontaneous, request-less report from the device.
type Notification struct {
	MachineIndex  uint16
	FunctionIndex uint16
	Values        []word.StackWord
}

func (m Notification) Tag() byte { return TagNotification }

func (m Notification) Encode() []byte {
	b := newBuilder(1 + 2 + 2 + 2 + len(m.Values)*4)
	b.putByte(m.Tag())
	b.putU16(m.MachineIndex)
	b.putU16(m.FunctionIndex)
	b.putU16(uint16(len(m.Values)))
	for _, v := range m.Values {
		b.putU32(uint32(v))
	}
	return b.bytes()
}

// Error reports a host-facing protocol error. HasRequestID distinguishes a
// reply to a specific call from a spontaneous error (parser, framing, or
// assembler failures on the device).
type Error struct {
	HasRequestID bool
	RequestID    uint16
	ErrorCode    uint16
	Msg          string
}

func (m Error) Tag() byte { return TagError }

func (m Error) Encode() []byte {
	msg := []byte(m.Msg)
	b := newBuilder(1 + 1 + 2 + 2 + 2 + len(msg))
	b.putByte(m.Tag())
	b.putByte(boolByte(m.HasRequestID))
	b.putU16(m.RequestID)
	b.putU16(m.ErrorCode)
	b.putU16(uint16(len(msg)))
	b.putBytes(msg)
	return b.bytes()
}

// LoadProgram carries a full program image plus its UI state blob.
type LoadProgram struct {
	Program []word.ProgramWord
	UIBlob  []byte
}

func (m LoadProgram) Tag() byte { return TagLoadProgram }

func (m LoadProgram) Encode() []byte {
	b := newBuilder(1 + 2 + len(m.Program)*2 + 4 + len(m.UIBlob))
	b.putByte(m.Tag())
	b.putU16(uint16(len(m.Program)))
	for _, w := range m.Program {
		b.putU16(uint16(w))
	}
	b.putU32(uint32(len(m.UIBlob)))
	b.putBytes(m.UIBlob)
	return b.bytes()
}

// ReadUiStateBlock requests one block of the device's UI state blob.
type ReadUiStateBlock struct {
	RequestID   uint16
	BlockNumber uint16
}

func (m ReadUiStateBlock) Tag() byte { return TagReadUiStateBlock }

func (m ReadUiStateBlock) Encode() []byte {
	b := newBuilder(1 + 2 + 2)
	b.putByte(m.Tag())
	b.putU16(m.RequestID)
	b.putU16(m.BlockNumber)
	return b.bytes()
}

// UiStateBlockReply carries one block of a UI state blob transfer.
type UiStateBlockReply struct {
	RequestID   uint16
	TotalSize   uint32
	BlockNumber uint16
	Block       []byte
}

func (m UiStateBlockReply) Tag() byte { return TagUiStateBlockReply }

func (m UiStateBlockReply) Encode() []byte {
	b := newBuilder(1 + 2 + 4 + 2 + 2 + len(m.Block))
	b.putByte(m.Tag())
	b.putU16(m.RequestID)
	b.putU32(m.TotalSize)
	b.putU16(m.BlockNumber)
	b.putU16(uint16(len(m.Block)))
	b.putBytes(m.Block)
	return b.bytes()
}

// ReadI2cDevices requests a page of the device's discovered I2C device list.
type ReadI2cDevices struct {
	RequestID uint16
	Offset    uint16
}

func (m ReadI2cDevices) Tag() byte { return TagReadI2cDevices }

func (m ReadI2cDevices) Encode() []byte {
	b := newBuilder(1 + 2 + 2)
	b.putByte(m.Tag())
	b.putU16(m.RequestID)
	b.putU16(m.Offset)
	return b.bytes()
}

// I2cDevicesReply carries one page of discovered I2C device addresses.
type I2cDevicesReply struct {
	RequestID  uint16
	TotalCount uint16
	Devices    []uint16
}

func (m I2cDevicesReply) Tag() byte { return TagI2cDevicesReply }

func (m I2cDevicesReply) Encode() []byte {
	b := newBuilder(1 + 2 + 2 + 2 + len(m.Devices)*2)
	b.putByte(m.Tag())
	b.putU16(m.RequestID)
	b.putU16(m.TotalCount)
	b.putU16(uint16(len(m.Devices)))
	for _, d := range m.Devices {
		b.putU16(d)
	}
	return b.bytes()
}

// CallSharedRequest asks the device to invoke a shared function.
type CallSharedRequest struct {
	RequestID     uint16
	FunctionIndex uint16
	Args          []word.StackWord
}

func (m CallSharedRequest) Tag() byte { return TagCallSharedRequest }

func (m CallSharedRequest) Encode() []byte {
	b := newBuilder(1 + 2 + 2 + 2 + len(m.Args)*4)
	b.putByte(m.Tag())
	b.putU16(m.RequestID)
	b.putU16(m.FunctionIndex)
	b.putU16(uint16(len(m.Args)))
	for _, a := range m.Args {
		b.putU32(uint32(a))
	}
	return b.bytes()
}

// Decode parses one unframed message payload (tag byte plus fields,
// already stripped of COBS framing) into its concrete Message type.
func Decode(payload []byte) (Message, error) {
	r := newReader(payload)
	tag, err := r.byte_()
	if err != nil {
		return nil, err
	}
	switch tag {
	case TagCallRequest:
		return decodeCallRequest(r)
	case TagCallReturn:
		return decodeCallReturn(r)
	case TagNotification:
		return decodeNotification(r)
	case TagError:
		return decodeError(r)
	case TagLoadProgram:
		return decodeLoadProgram(r)
	case TagReadUiStateBlock:
		return decodeReadUiStateBlock(r)
	case TagUiStateBlockReply:
		return decodeUiStateBlockReply(r)
	case TagReadI2cDevices:
		return decodeReadI2cDevices(r)
	case TagI2cDevicesReply:
		return decodeI2cDevicesReply(r)
	case TagCallSharedRequest:
		return decodeCallSharedRequest(r)
	default:
		return nil, errors.Wrapf(ErrUnknownTag, "tag=%q", tag)
	}
}

func decodeCallRequest(r *reader) (Message, error) {
	m := CallRequest{}
	var argCount uint16
	var err error
	if m.RequestID, err = r.u16(); err != nil {
		return nil, err
	}
	if m.MachineIndex, err = r.u16(); err != nil {
		return nil, err
	}
	if m.FunctionIndex, err = r.u16(); err != nil {
		return nil, err
	}
	if argCount, err = r.u16(); err != nil {
		return nil, err
	}
	if m.Args, err = r.stackWords(int(argCount)); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeCallReturn(r *reader) (Message, error) {
	m := CallReturn{}
	var count uint16
	var err error
	if m.RequestID, err = r.u16(); err != nil {
		return nil, err
	}
	if count, err = r.u16(); err != nil {
		return nil, err
	}
	if m.Values, err = r.stackWords(int(count)); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeNotification(r *reader) (Message, error) {
	m := Notification{}
	var count uint16
	var err error
	if m.MachineIndex, err = r.u16(); err != nil {
		return nil, err
	}
	if m.FunctionIndex, err = r.u16(); err != nil {
		return nil, err
	}
	if count, err = r.u16(); err != nil {
		return nil, err
	}
	if m.Values, err = r.stackWords(int(count)); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeError(r *reader) (Message, error) {
	m := Error{}
	var hasID byte
	var msgLen uint16
	var err error
	if hasID, err = r.byte_(); err != nil {
		return nil, err
	}
	m.HasRequestID = hasID != 0
	if m.RequestID, err = r.u16(); err != nil {
		return nil, err
	}
	if m.ErrorCode, err = r.u16(); err != nil {
		return nil, err
	}
	if msgLen, err = r.u16(); err != nil {
		return nil, err
	}
	msg, err := r.bytes(int(msgLen))
	if err != nil {
		return nil, err
	}
	m.Msg = string(msg)
	return m, nil
}

func decodeLoadProgram(r *reader) (Message, error) {
	m := LoadProgram{}
	var progLen uint16
	var blobLen uint32
	var err error
	if progLen, err = r.u16(); err != nil {
		return nil, err
	}
	if m.Program, err = r.programWords(int(progLen)); err != nil {
		return nil, err
	}
	if blobLen, err = r.u32(); err != nil {
		return nil, err
	}
	if m.UIBlob, err = r.bytes(int(blobLen)); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeReadUiStateBlock(r *reader) (Message, error) {
	m := ReadUiStateBlock{}
	var err error
	if m.RequestID, err = r.u16(); err != nil {
		return nil, err
	}
	if m.BlockNumber, err = r.u16(); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeUiStateBlockReply(r *reader) (Message, error) {
	m := UiStateBlockReply{}
	var blockLen uint16
	var err error
	if m.RequestID, err = r.u16(); err != nil {
		return nil, err
	}
	if m.TotalSize, err = r.u32(); err != nil {
		return nil, err
	}
	if m.BlockNumber, err = r.u16(); err != nil {
		return nil, err
	}
	if blockLen, err = r.u16(); err != nil {
		return nil, err
	}
	if m.Block, err = r.bytes(int(blockLen)); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeReadI2cDevices(r *reader) (Message, error) {
	m := ReadI2cDevices{}
	var err error
	if m.RequestID, err = r.u16(); err != nil {
		return nil, err
	}
	if m.Offset, err = r.u16(); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeI2cDevicesReply(r *reader) (Message, error) {
	m := I2cDevicesReply{}
	var pageCount uint16
	var err error
	if m.RequestID, err = r.u16(); err != nil {
		return nil, err
	}
	if m.TotalCount, err = r.u16(); err != nil {
		return nil, err
	}
	if pageCount, err = r.u16(); err != nil {
		return nil, err
	}
	m.Devices = make([]uint16, pageCount)
	for i := range m.Devices {
		if m.Devices[i], err = r.u16(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func decodeCallSharedRequest(r *reader) (Message, error) {
	m := CallSharedRequest{}
	var argCount uint16
	var err error
	if m.RequestID, err = r.u16(); err != nil {
		return nil, err
	}
	if m.FunctionIndex, err = r.u16(); err != nil {
		return nil, err
	}
	if argCount, err = r.u16(); err != nil {
		return nil, err
	}
	if m.Args, err = r.stackWords(int(argCount)); err != nil {
		return nil, err
	}
	return m, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// builder accumulates a message payload in little-endian field order.
type builder struct {
	buf []byte
}

func newBuilder(sizeHint int) *builder {
	return &builder{buf: make([]byte, 0, sizeHint)}
}

func (b *builder) putByte(v byte)       { b.buf = append(b.buf, v) }
func (b *builder) putBytes(v []byte)    { b.buf = append(b.buf, v...) }
func (b *builder) bytes() []byte        { return b.buf }

func (b *builder) putU16(v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}

func (b *builder) putU32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}

// reader consumes a message payload in little-endian field order.
type reader struct {
	buf []byte
	pos int
}

func newReader(buf []byte) *reader { return &reader{buf: buf} }

func (r *reader) byte_() (byte, error) {
	if r.pos+1 > len(r.buf) {
		return 0, ErrTruncated
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) u16() (uint16, error) {
	if r.pos+2 > len(r.buf) {
		return 0, ErrTruncated
	}
	v := binary.LittleEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if r.pos+4 > len(r.buf) {
		return 0, ErrTruncated
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.buf) {
		return nil, ErrTruncated
	}
	if n == 0 {
		return nil, nil
	}
	v := make([]byte, n)
	copy(v, r.buf[r.pos:r.pos+n])
	r.pos += n
	return v, nil
}

func (r *reader) stackWords(n int) ([]word.StackWord, error) {
	if n == 0 {
		return nil, nil
	}
	out := make([]word.StackWord, n)
	for i := range out {
		v, err := r.u32()
		if err != nil {
			return nil, err
		}
		out[i] = word.StackWord(v)
	}
	return out, nil
}

func (r *reader) programWords(n int) ([]word.ProgramWord, error) {
	if n == 0 {
		return nil, nil
	}
	out := make([]word.ProgramWord, n)
	for i := range out {
		v, err := r.u16()
		if err != nil {
			return nil, err
		}
		out[i] = word.ProgramWord(v)
	}
	return out, nil
}
