package phxconn

import "github.com/carterjones/phxconn/wire"

// heartbeatController owns the single outstanding-heartbeat slot. It is pure
// bookkeeping: the Conn owns the ticker and drives the controller from its
// event loop, so no synchronization is needed here.
//
// One unanswered heartbeat means the next tick declares a timeout, which
// bounds detection latency to two intervals with a single field of state and
// no second timer.
type heartbeatController struct {
	// ref of the heartbeat awaiting a reply; empty if none is outstanding
	outstanding string
}

// tick is invoked once per heartbeat interval. If the previous heartbeat is
// still unanswered it returns ok=false, and the caller must force-disconnect.
// Otherwise it records a new outstanding ref from nextRef and returns the
// heartbeat envelope to send.
func (h *heartbeatController) tick(nextRef func() string) (wire.Envelope, bool) {
	if h.outstanding != "" {
		return wire.Envelope{}, false
	}

	ref := nextRef()
	h.outstanding = ref

	return wire.Heartbeat(ref), true
}

// ack clears the outstanding slot if ref matches it and reports whether it
// did. A stale or mismatched ref leaves the slot untouched: a late reply can
// race with a timeout-triggered disconnect, so it is not an error.
func (h *heartbeatController) ack(ref string) bool {
	if ref == "" || ref != h.outstanding {
		return false
	}

	h.outstanding = ""
	return true
}

// reset clears the slot. Called when the connection leaves the connected
// state, since an outstanding heartbeat only has meaning while connected.
func (h *heartbeatController) reset() {
	h.outstanding = ""
}
