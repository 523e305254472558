package wire

import (
	"reflect"
	"testing"

	"github.com/moore/fluxpilot/internal/frame"
	"github.com/moore/fluxpilot/pkg/word"
)

// TestWireRoundTrip encodes a CallRequest{id=7, machine=1, function=2,
// args=[0xAABBCCDD, 1]}, frames it with the 0x00 terminator, then strips
// and decodes it back to the identical structure.
func TestWireRoundTrip(t *testing.T) {
	want := CallRequest{
		RequestID:     7,
		MachineIndex:  1,
		FunctionIndex: 2,
		Args:          []word.StackWord{0xAABBCCDD, 1},
	}

	framed, err := frame.Encode(want.Encode())
	if err != nil {
		t.Fatalf("frame.Encode: %v", err)
	}
	if framed[len(framed)-1] != 0x00 {
		t.Fatalf("framed payload missing terminator: %x", framed)
	}

	payload, err := frame.Decode(framed[:len(framed)-1])
	if err != nil {
		t.Fatalf("frame.Decode: %v", err)
	}

	got, err := Decode(payload)
	if err != nil {
		t.Fatalf("wire.Decode: %v", err)
	}
	cr, ok := got.(CallRequest)
	if !ok {
		t.Fatalf("decoded wrong type: %T", got)
	}
	if !reflect.DeepEqual(cr, want) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", cr, want)
	}
}

func TestEncodeDecodeAllKinds(t *testing.T) {
	msgs := []Message{
		CallRequest{RequestID: 1, MachineIndex: 2, FunctionIndex: 3, Args: []word.StackWord{1, 2, 3}},
		CallReturn{RequestID: 1, Values: []word.StackWord{42}},
		Notification{MachineIndex: 4, FunctionIndex: 5, Values: nil},
		Error{HasRequestID: true, RequestID: 9, ErrorCode: 16, Msg: "division by zero"},
		Error{HasRequestID: false, ErrorCode: 2, Msg: ""},
		LoadProgram{Program: []word.ProgramWord{1, 2, 3, 4}, UIBlob: []byte("hello")},
		ReadUiStateBlock{RequestID: 3, BlockNumber: 0},
		UiStateBlockReply{RequestID: 3, TotalSize: 600, BlockNumber: 1, Block: make([]byte, 256)},
		ReadI2cDevices{RequestID: 5, Offset: 0},
		I2cDevicesReply{RequestID: 5, TotalCount: 2, Devices: []uint16{0x48, 0x76}},
		CallSharedRequest{RequestID: 6, FunctionIndex: 5, Args: []word.StackWord{42}},
	}

	for _, m := range msgs {
		encoded := m.Encode()
		if encoded[0] != m.Tag() {
			t.Fatalf("encoded tag mismatch for %T: got %q want %q", m, encoded[0], m.Tag())
		}
		decoded, err := Decode(encoded)
		if err != nil {
			t.Fatalf("Decode(%T): %v", m, err)
		}
		if !reflect.DeepEqual(decoded, m) {
			t.Fatalf("%T round trip mismatch: got %+v, want %+v", m, decoded, m)
		}
	}
}

func TestDecodeUnknownTag(t *testing.T) {
	if _, err := Decode([]byte{'?'}); err == nil {
		t.Fatal("expected error for unknown tag")
	}
}

func TestDecodeTruncated(t *testing.T) {
	full := CallRequest{RequestID: 1, MachineIndex: 2, FunctionIndex: 3, Args: []word.StackWord{1}}.Encode()
	if _, err := Decode(full[:len(full)-2]); err == nil {
		t.Fatal("expected truncation error")
	}
}

// TestUiStateBlobTransfer exercises the 600-byte blob transfer scenario:
// the device replies with sequential block numbers that concatenate back
// to the original blob, and an out-of-order block number is detected by
// the assembler without attempting to restore a partial blob.
func TestUiStateBlobTransfer(t *testing.T) {
	const total = 600
	const blockSize = 256

	full := make([]byte, total)
	for i := range full {
		full[i] = byte(i)
	}

	var replies []UiStateBlockReply
	for off, block := 0, uint16(0); off < total; off, block = off+blockSize, block+1 {
		end := off + blockSize
		if end > total {
			end = total
		}
		replies = append(replies, UiStateBlockReply{
			RequestID:   1,
			TotalSize:   total,
			BlockNumber: block,
			Block:       full[off:end],
		})
	}

	assembled := make([]byte, 0, total)
	nextBlock := uint16(0)
	for _, r := range replies {
		if r.BlockNumber != nextBlock {
			t.Fatalf("blocks arrived out of order: got %d, want %d", r.BlockNumber, nextBlock)
		}
		assembled = append(assembled, r.Block...)
		nextBlock++
	}
	if len(assembled) != total {
		t.Fatalf("assembled length = %d, want %d", len(assembled), total)
	}
	for i := range assembled {
		if assembled[i] != full[i] {
			t.Fatalf("byte %d mismatch: got %d want %d", i, assembled[i], full[i])
		}
	}

	// Out-of-order detection: block 2 before block 1 must be rejected
	// rather than silently spliced into the reassembly buffer.
	outOfOrder := []UiStateBlockReply{
		{RequestID: 1, TotalSize: total, BlockNumber: 0, Block: full[0:blockSize]},
		{RequestID: 1, TotalSize: total, BlockNumber: 2, Block: full[2*blockSize : total]},
	}
	nextBlock = 0
	aborted := false
	for _, r := range outOfOrder {
		if r.BlockNumber != nextBlock {
			aborted = true
			break
		}
		nextBlock++
	}
	if !aborted {
		t.Fatal("expected out-of-order block to abort the transfer")
	}
}
