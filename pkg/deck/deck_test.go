package deck

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/moore/fluxpilot/pkg/word"
	"github.com/moore/fluxpilot/pkg/wire"
)

// recorder captures every message Deck asks to send, for assertions.
type recorder struct {
	mu  sync.Mutex
	out []wire.Message
}

func (r *recorder) send(m wire.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, m)
	return nil
}

func (r *recorder) last() wire.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.out) == 0 {
		return nil
	}
	return r.out[len(r.out)-1]
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.out)
}

func TestCallReturnRoundTrip(t *testing.T) {
	var rec recorder
	var gotValues []word.StackWord
	var gotID uint16
	d := New(rec.send, Handler{
		OnReturn: func(id uint16, values []word.StackWord) {
			gotID = id
			gotValues = values
		},
	}, time.Minute)

	if err := d.Call(1, 2, []word.StackWord{10, 20}); err != nil {
		t.Fatalf("Call: %v", err)
	}
	req, ok := rec.last().(wire.CallRequest)
	if !ok {
		t.Fatalf("expected CallRequest, got %T", rec.last())
	}

	d.Dispatch(wire.CallReturn{RequestID: req.RequestID, Values: []word.StackWord{30}})

	if gotID != req.RequestID {
		t.Fatalf("OnReturn id = %d, want %d", gotID, req.RequestID)
	}
	if len(gotValues) != 1 || gotValues[0] != 30 {
		t.Fatalf("OnReturn values = %v", gotValues)
	}
}

// TestCoalescing verifies the at-most-one-in-flight-per-key rule: a
// second call to the same (machine, function) pair while the first is
// still outstanding does not produce a second wire message, but its
// params are sent once the first call resolves.
func TestCoalescing(t *testing.T) {
	var rec recorder
	d := New(rec.send, Handler{}, time.Minute)

	if err := d.Call(1, 2, []word.StackWord{1}); err != nil {
		t.Fatal(err)
	}
	if err := d.Call(1, 2, []word.StackWord{2}); err != nil {
		t.Fatal(err)
	}
	if n := rec.count(); n != 1 {
		t.Fatalf("expected exactly one wire message while first call is in flight, got %d", n)
	}

	first := rec.last().(wire.CallRequest)
	d.Dispatch(wire.CallReturn{RequestID: first.RequestID, Values: nil})

	if n := rec.count(); n != 2 {
		t.Fatalf("expected coalesced call to be sent after resolve, got %d messages", n)
	}
	second := rec.last().(wire.CallRequest)
	if len(second.Args) != 1 || second.Args[0] != 2 {
		t.Fatalf("coalesced call should carry the most recent args, got %v", second.Args)
	}
	if second.RequestID == first.RequestID {
		t.Fatalf("coalesced resend must use a fresh request id")
	}
}

// TestWatchdogReleasesSlot verifies that an unanswered call is abandoned
// after the watchdog fires, freeing its (machine, function) slot for the
// next call - without any cancellation message to the device.
func TestWatchdogReleasesSlot(t *testing.T) {
	var rec recorder
	d := New(rec.send, Handler{}, 10*time.Millisecond)

	if err := d.Call(0, 0, nil); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := d.Call(0, 0, []word.StackWord{99}); err != nil {
		t.Fatal(err)
	}
	if n := rec.count(); n != 2 {
		t.Fatalf("expected the slot to be free for a second call after the watchdog fired, got %d messages", n)
	}
}

func TestCallSharedCoalescesSeparatelyFromCall(t *testing.T) {
	var rec recorder
	d := New(rec.send, Handler{}, time.Minute)

	if err := d.Call(0, 5, nil); err != nil {
		t.Fatal(err)
	}
	if err := d.CallShared(5, nil); err != nil {
		t.Fatal(err)
	}
	if n := rec.count(); n != 2 {
		t.Fatalf("Call(machine=0,fn=5) and CallShared(fn=5) must not coalesce together, got %d messages", n)
	}
}

func TestErrorWithRequestIDResolvesSlot(t *testing.T) {
	var rec recorder
	var gotCode uint16
	d := New(rec.send, Handler{
		OnError: func(hasID bool, id uint16, code uint16, msg string) { gotCode = code },
	}, time.Minute)

	if err := d.Call(1, 1, nil); err != nil {
		t.Fatal(err)
	}
	req := rec.last().(wire.CallRequest)
	if err := d.Call(1, 1, []word.StackWord{7}); err != nil {
		t.Fatal(err)
	}
	if n := rec.count(); n != 1 {
		t.Fatalf("second call should have coalesced, got %d messages", n)
	}

	d.Dispatch(wire.Error{HasRequestID: true, RequestID: req.RequestID, ErrorCode: 16, Msg: "div by zero"})

	if gotCode != 16 {
		t.Fatalf("OnError code = %d, want 16", gotCode)
	}
	if n := rec.count(); n != 2 {
		t.Fatalf("expected coalesced call to be released by the error reply, got %d messages", n)
	}
}

func TestNotificationHasNoRequestID(t *testing.T) {
	var rec recorder
	var gotMachine, gotFn uint16
	d := New(rec.send, Handler{
		OnNotification: func(machine, fn uint16, values []word.StackWord) {
			gotMachine, gotFn = machine, fn
		},
	}, time.Minute)

	d.Dispatch(wire.Notification{MachineIndex: 3, FunctionIndex: 4, Values: []word.StackWord{1}})

	if gotMachine != 3 || gotFn != 4 {
		t.Fatalf("OnNotification got (%d,%d), want (3,4)", gotMachine, gotFn)
	}
}

// TestReadUIBlobHappyPath exercises a three-block transfer of a 600-byte
// blob.
func TestReadUIBlobHappyPath(t *testing.T) {
	var rec recorder
	d := New(rec.send, Handler{}, time.Minute)

	var gotBlob []byte
	var gotErr error
	doneCh := make(chan struct{})
	if err := d.ReadUIBlob(func(blob []byte, err error) {
		gotBlob, gotErr = blob, err
		close(doneCh)
	}); err != nil {
		t.Fatalf("ReadUIBlob: %v", err)
	}

	const total = 600
	blockSize := 256
	sent := 0
	blockNo := uint16(0)
	for sent < total {
		req := rec.last().(wire.ReadUiStateBlock)
		if req.BlockNumber != blockNo {
			t.Fatalf("block request %d, want %d", req.BlockNumber, blockNo)
		}
		n := blockSize
		if total-sent < n {
			n = total - sent
		}
		d.Dispatch(wire.UiStateBlockReply{
			RequestID:   req.RequestID,
			TotalSize:   total,
			BlockNumber: blockNo,
			Block:       make([]byte, n),
		})
		sent += n
		blockNo++
	}

	<-doneCh
	if gotErr != nil {
		t.Fatalf("unexpected error: %v", gotErr)
	}
	if len(gotBlob) != total {
		t.Fatalf("blob length = %d, want %d", len(gotBlob), total)
	}
}

// TestReadUIBlobZeroSizeEndsImmediately verifies the zero-total-size
// short circuit.
func TestReadUIBlobZeroSizeEndsImmediately(t *testing.T) {
	var rec recorder
	d := New(rec.send, Handler{}, time.Minute)

	done := make(chan []byte, 1)
	if err := d.ReadUIBlob(func(blob []byte, err error) {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		done <- blob
	}); err != nil {
		t.Fatal(err)
	}

	req := rec.last().(wire.ReadUiStateBlock)
	d.Dispatch(wire.UiStateBlockReply{RequestID: req.RequestID, TotalSize: 0, BlockNumber: 0, Block: nil})

	blob := <-done
	if len(blob) != 0 {
		t.Fatalf("expected empty blob, got %d bytes", len(blob))
	}
}

// TestReadUIBlobOutOfOrderAborts verifies that delivering block 2 before
// block 1 aborts the transfer with no restore attempt.
func TestReadUIBlobOutOfOrderAborts(t *testing.T) {
	var rec recorder
	d := New(rec.send, Handler{}, time.Minute)

	done := make(chan error, 1)
	if err := d.ReadUIBlob(func(blob []byte, err error) { done <- err }); err != nil {
		t.Fatal(err)
	}
	req := rec.last().(wire.ReadUiStateBlock)

	d.Dispatch(wire.UiStateBlockReply{RequestID: req.RequestID, TotalSize: 600, BlockNumber: 2, Block: make([]byte, 256)})

	err := <-done
	if err == nil {
		t.Fatal("expected an out-of-order error, got nil")
	}
}

// TestReadUIBlobTimeoutFailsTransfer verifies that an unanswered block
// request fails the whole transfer via the done callback instead of
// leaving it waiting forever.
func TestReadUIBlobTimeoutFailsTransfer(t *testing.T) {
	var rec recorder
	d := New(rec.send, Handler{}, 10*time.Millisecond)

	done := make(chan error, 1)
	if err := d.ReadUIBlob(func(blob []byte, err error) { done <- err }); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrUiBlobTimeout) {
			t.Fatalf("got %v, want ErrUiBlobTimeout", err)
		}
	case <-time.After(time.Second):
		t.Fatal("transfer never failed after the watchdog fired")
	}
}
