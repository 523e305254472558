// Package deck implements the host-side RPC dispatcher ("Deck RPC
// Dispatcher" in the design): it keeps a table of requests in flight,
// generates request IDs, coalesces repeated calls to the same
// (machine, function) key, and retires a request via a per-request
// watchdog if no reply arrives in time.
//
// Deck owns none of the transport: it is handed a send function for
// outgoing wire.Message values (New; NewSerialDeck supplies one that
// COBS-frames onto an io.ReadWriter) and the caller feeds it every
// message it decodes off the wire via Dispatch. Deck is pure dispatch logic; transport is the
// caller's problem.
package deck

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/moore/fluxpilot/pkg/word"
	"github.com/moore/fluxpilot/pkg/wire"
)

// DefaultWatchdog is the per-request timeout after which an unanswered
// call is marked failed and its slot released.
const DefaultWatchdog = 200 * time.Millisecond

// ErrNoHandler reports a missing receive-handler capability. No Deck
// method returns it: every Handler field is optional and a nil one is
// skipped.
var ErrNoHandler = errors.New("deck: no handler configured")

// ErrOutOfRequestIDs is returned if all 65536 request IDs are currently
// in flight. This should never happen in practice (it implies 65536
// concurrently coalescing keys) but is surfaced rather than silently
// wrapping over a live request.
var ErrOutOfRequestIDs = errors.New("deck: all request ids in flight")

// Handler is the receive-handler capability set a Deck delivers
// asynchronous results to. Every method is optional: a nil func is
// simply not called.
type Handler struct {
	OnReturn       func(requestID uint16, values []word.StackWord)
	OnNotification func(machineIndex, functionIndex uint16, values []word.StackWord)
	OnError        func(hasRequestID bool, requestID uint16, code uint16, msg string)
	OnUiStateBlock func(requestID uint16, totalSize uint32, blockNumber uint16, block []byte)
	OnI2cDevices   func(requestID uint16, totalCount uint16, devices []uint16)
}

// key identifies the at-most-one-in-flight slot a coalescing call competes
// for: the (machine, function) pair a CallRequest or CallSharedRequest
// targets. Machine is set to coalesceSharedMachine for CallSharedRequest,
// which has no machine index of its own.
type key struct {
	machine  uint16
	function uint16
}

// coalesceSharedMachine is a sentinel machine index CallSharedRequest
// coalescing keys use, chosen because valid machine indices come from an
// image's instance table and the wire format's machine_index field is a
// full uint16 CallRequest always supplies explicitly.
const coalesceSharedMachine = ^uint16(0)

// pending is one in-flight or coalesced-and-waiting request.
type pending struct {
	id      uint16
	msg     wire.Message
	timer   *time.Timer
	waiting bool // true once a newer call coalesced over this slot's params
}

// Deck dispatches RPC calls to a device through its send function and
// routes incoming replies back to a Handler. It is safe for concurrent use.
type Deck struct {
	mu       sync.Mutex
	w        frameWriter
	handler  Handler
	watchdog time.Duration
	nextID   uint16
	byID     map[uint16]*pending
	byKey    map[key]*pending

	uiBlobMu    sync.Mutex
	uiBlobBuf   []byte
	uiBlobTotal uint32
	uiBlobNext  uint16
	uiBlobReqID uint16
	uiBlobDone  func([]byte, error)
}

// frameWriter is the minimal transport deck needs: write one already-
// encoded wire message. NewSerialDeck supplies a COBS-framing
// implementation; tests can supply anything that satisfies this.
type frameWriter interface {
	WriteMessage(wire.Message) error
}

// writerFunc adapts a plain function to frameWriter.
type writerFunc func(wire.Message) error

func (f writerFunc) WriteMessage(m wire.Message) error { return f(m) }

// New constructs a Deck that writes frames via send and delivers
// asynchronous results to handler. watchdog <= 0 uses DefaultWatchdog.
func New(send func(wire.Message) error, handler Handler, watchdog time.Duration) *Deck {
	if watchdog <= 0 {
		watchdog = DefaultWatchdog
	}
	return &Deck{
		w:        writerFunc(send),
		handler:  handler,
		watchdog: watchdog,
		byID:     make(map[uint16]*pending),
		byKey:    make(map[key]*pending),
	}
}

// Call issues a CallRequest for (machineIndex, functionIndex). If a
// request for the same (machine, function) pair is already in flight,
// this call's arguments replace its parameters (coalescing): only the
// most recent call's params are retained and sent once the prior call's
// reply or watchdog timeout frees the slot.
func (d *Deck) Call(machineIndex, functionIndex uint16, args []word.StackWord) error {
	k := key{machine: machineIndex, function: functionIndex}
	return d.dispatch(k, func(id uint16) wire.Message {
		return wire.CallRequest{
			RequestID:     id,
			MachineIndex:  machineIndex,
			FunctionIndex: functionIndex,
			Args:          args,
		}
	})
}

// CallShared issues a CallSharedRequest for functionIndex, coalescing
// against other CallShared calls for the same shared function index.
func (d *Deck) CallShared(functionIndex uint16, args []word.StackWord) error {
	k := key{machine: coalesceSharedMachine, function: functionIndex}
	return d.dispatch(k, func(id uint16) wire.Message {
		return wire.CallSharedRequest{
			RequestID:     id,
			FunctionIndex: functionIndex,
			Args:          args,
		}
	})
}

// dispatch implements the coalescing rule shared by Call and CallShared:
// at most one request per key is ever in flight; a call arriving while
// one is already in flight overwrites that slot's message and waits for
// the in-flight one to resolve before being sent.
func (d *Deck) dispatch(k key, build func(id uint16) wire.Message) error {
	d.mu.Lock()
	if p, ok := d.byKey[k]; ok {
		p.msg = build(p.id)
		p.waiting = true
		d.mu.Unlock()
		return nil
	}

	id, err := d.allocID()
	if err != nil {
		d.mu.Unlock()
		return err
	}
	p := &pending{id: id, msg: build(id)}
	d.byID[id] = p
	d.byKey[k] = p
	p.timer = d.afterTimeout(id)
	msg := p.msg
	d.mu.Unlock()

	return d.w.WriteMessage(msg)
}

// afterTimeout schedules the watchdog for a request id. The caller must
// hold d.mu.
func (d *Deck) afterTimeout(id uint16) *time.Timer {
	return time.AfterFunc(d.watchdog, func() { d.timeout(id) })
}

// allocID returns the next unused request ID, wrapping on overflow. The
// caller must hold d.mu.
func (d *Deck) allocID() (uint16, error) {
	for i := 0; i < 1<<16; i++ {
		id := d.nextID
		d.nextID++
		if _, inUse := d.byID[id]; !inUse {
			return id, nil
		}
	}
	return 0, ErrOutOfRequestIDs
}

// timeout fires when a request's watchdog expires with no reply. It
// releases the slot (so a coalesced successor can be sent) without
// notifying the device: an abandoned request is never cancelled on the
// device side.
func (d *Deck) timeout(id uint16) {
	d.mu.Lock()
	p, ok := d.byID[id]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.byID, id)
	d.removeFromKeyTable(p)
	var next *pending
	if p.waiting {
		next = d.resend(p)
	}
	d.mu.Unlock()

	if next != nil {
		d.w.WriteMessage(next.msg)
	}
	d.timeoutUiBlob(id)
}

// resend promotes a coalesced pending request into a freshly in-flight
// one under a new ID, since the original ID's watchdog has already fired
// (or its reply has already arrived) and must not be reused. The caller
// must hold d.mu and p must already be removed from both tables.
func (d *Deck) resend(p *pending) *pending {
	k := keyOf(p.msg)
	id, err := d.allocID()
	if err != nil {
		return nil
	}
	np := &pending{id: id, msg: rekey(p.msg, id)}
	d.byID[id] = np
	d.byKey[k] = np
	np.timer = d.afterTimeout(id)
	return np
}

func (d *Deck) removeFromKeyTable(p *pending) {
	for k, v := range d.byKey {
		if v == p {
			delete(d.byKey, k)
			return
		}
	}
}

func keyOf(m wire.Message) key {
	switch v := m.(type) {
	case wire.CallRequest:
		return key{machine: v.MachineIndex, function: v.FunctionIndex}
	case wire.CallSharedRequest:
		return key{machine: coalesceSharedMachine, function: v.FunctionIndex}
	default:
		return key{}
	}
}

func rekey(m wire.Message, id uint16) wire.Message {
	switch v := m.(type) {
	case wire.CallRequest:
		v.RequestID = id
		return v
	case wire.CallSharedRequest:
		v.RequestID = id
		return v
	default:
		return m
	}
}

// resolve removes the request keyed by id from both tables, stops its
// watchdog, and if a coalesced call is waiting behind it, sends it under
// a fresh ID. Returns the removed entry, or nil if id is not in flight
// (a reply or error for an already-timed-out or unknown request).
func (d *Deck) resolve(id uint16) *pending {
	d.mu.Lock()
	p, ok := d.byID[id]
	if !ok {
		d.mu.Unlock()
		return nil
	}
	p.timer.Stop()
	delete(d.byID, id)
	d.removeFromKeyTable(p)
	var next *pending
	if p.waiting {
		next = d.resend(p)
	}
	d.mu.Unlock()

	if next != nil {
		d.w.WriteMessage(next.msg)
	}
	return p
}

// Dispatch routes one decoded wire.Message to the matching pending
// request or to the Handler's notification/error/blob/I2C callbacks. The
// caller (the transport's read loop) calls this once per frame decoded
// off the wire.
func (d *Deck) Dispatch(msg wire.Message) {
	switch m := msg.(type) {
	case wire.CallReturn:
		d.resolve(m.RequestID)
		if d.handler.OnReturn != nil {
			d.handler.OnReturn(m.RequestID, m.Values)
		}
	case wire.Notification:
		if d.handler.OnNotification != nil {
			d.handler.OnNotification(m.MachineIndex, m.FunctionIndex, m.Values)
		}
	case wire.Error:
		if m.HasRequestID {
			d.resolve(m.RequestID)
		}
		if d.handler.OnError != nil {
			d.handler.OnError(m.HasRequestID, m.RequestID, m.ErrorCode, m.Msg)
		}
	case wire.UiStateBlockReply:
		d.dispatchUiStateBlock(m)
	case wire.I2cDevicesReply:
		d.resolve(m.RequestID)
		if d.handler.OnI2cDevices != nil {
			d.handler.OnI2cDevices(m.RequestID, m.TotalCount, m.Devices)
		}
	}
}
