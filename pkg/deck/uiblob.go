package deck

import (
	"github.com/pkg/errors"

	"github.com/moore/fluxpilot/pkg/wire"
)

// ErrUiBlobOutOfOrder is returned (via the transfer's done callback) when
// a UiStateBlockReply arrives with a block number other than the one
// requested next. The transfer aborts with no restore attempt.
var ErrUiBlobOutOfOrder = errors.New("deck: ui state block arrived out of order")

// ErrUiBlobAlreadyInFlight is returned by ReadUIBlob if a transfer is
// already running; overlapping transfers are not supported.
var ErrUiBlobAlreadyInFlight = errors.New("deck: ui state blob transfer already in flight")

// ReadUIBlob starts a full UI-state-blob transfer: it requests block 0,
// then each subsequent block in order as replies arrive, concatenating
// them until the accumulated length reaches the reply's reported
// total_size. done is called exactly once, with the full blob on success
// or a non-nil error (including ErrUiBlobOutOfOrder) on failure. A
// total_size of zero in the first reply completes the transfer
// immediately with an empty blob.
func (d *Deck) ReadUIBlob(done func([]byte, error)) error {
	d.uiBlobMu.Lock()
	if d.uiBlobDone != nil {
		d.uiBlobMu.Unlock()
		return ErrUiBlobAlreadyInFlight
	}
	d.uiBlobDone = done
	d.uiBlobBuf = nil
	d.uiBlobTotal = 0
	d.uiBlobNext = 0
	d.uiBlobMu.Unlock()

	return d.requestUiBlock(0)
}

func (d *Deck) requestUiBlock(blockNumber uint16) error {
	d.mu.Lock()
	id, err := d.allocID()
	if err != nil {
		d.mu.Unlock()
		return err
	}
	p := &pending{id: id, msg: wire.ReadUiStateBlock{RequestID: id, BlockNumber: blockNumber}}
	d.byID[id] = p
	p.timer = d.afterTimeout(id)
	msg := p.msg
	d.mu.Unlock()

	d.uiBlobMu.Lock()
	d.uiBlobReqID = id
	d.uiBlobMu.Unlock()

	return d.w.WriteMessage(msg)
}

func (d *Deck) dispatchUiStateBlock(m wire.UiStateBlockReply) {
	d.resolve(m.RequestID)

	if d.handler.OnUiStateBlock != nil {
		d.handler.OnUiStateBlock(m.RequestID, m.TotalSize, m.BlockNumber, m.Block)
	}

	d.uiBlobMu.Lock()
	done := d.uiBlobDone
	if done == nil || m.RequestID != d.uiBlobReqID {
		d.uiBlobMu.Unlock()
		return
	}
	if m.BlockNumber != d.uiBlobNext {
		d.finishUiBlob(nil, errors.Wrapf(ErrUiBlobOutOfOrder, "got block %d, want %d", m.BlockNumber, d.uiBlobNext))
		return
	}
	d.uiBlobTotal = m.TotalSize
	d.uiBlobBuf = append(d.uiBlobBuf, m.Block...)
	d.uiBlobNext++

	if m.TotalSize == 0 || uint32(len(d.uiBlobBuf)) >= m.TotalSize {
		blob := d.uiBlobBuf
		d.finishUiBlob(blob, nil)
		return
	}
	nextBlock := d.uiBlobNext
	d.uiBlobMu.Unlock()

	if err := d.requestUiBlock(nextBlock); err != nil {
		d.uiBlobMu.Lock()
		d.finishUiBlob(nil, err)
	}
}

// ErrUiBlobTimeout is delivered to the transfer's done callback when a
// block request's watchdog fires with no reply.
var ErrUiBlobTimeout = errors.New("deck: ui state block request timed out")

// timeoutUiBlob fails the in-flight transfer if the timed-out request id
// belongs to it; the watchdog releases ordinary call slots silently, but
// a blob transfer has a waiting done callback that must hear about it.
func (d *Deck) timeoutUiBlob(id uint16) {
	d.uiBlobMu.Lock()
	if d.uiBlobDone == nil || id != d.uiBlobReqID {
		d.uiBlobMu.Unlock()
		return
	}
	d.finishUiBlob(nil, errors.Wrapf(ErrUiBlobTimeout, "block %d", d.uiBlobNext))
}

// finishUiBlob completes the in-flight transfer and clears its state.
// The caller must hold d.uiBlobMu; finishUiBlob releases it.
func (d *Deck) finishUiBlob(blob []byte, err error) {
	done := d.uiBlobDone
	d.uiBlobDone = nil
	d.uiBlobBuf = nil
	d.uiBlobTotal = 0
	d.uiBlobNext = 0
	d.uiBlobMu.Unlock()
	if done != nil {
		done(blob, err)
	}
}
