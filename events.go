package phxconn

import (
	"time"

	"github.com/carterjones/phxconn/wire"
	"github.com/pkg/errors"
)

// Event is a notification emitted by a Conn. The set of implementations is
// closed: ConnectionEstablished, ConnectionFailed, MessageReceived, and
// ChannelClosed. A connection's lifecycle always ends with exactly one of the
// two terminal events, ConnectionFailed or ChannelClosed.
type Event interface {
	isEvent()
}

// ConnectionEstablished is emitted once the websocket upgrade completes and
// the connection is usable.
type ConnectionEstablished struct {
	// the sub-protocol negotiated during the upgrade, if any
	Subprotocol string
}

// ConnectionFailed is emitted when the connection could not be established.
// It is terminal: the Conn is disconnected and will emit nothing further.
type ConnectionFailed struct {
	Reason error
}

// MessageReceived is emitted for every inbound envelope that is not consumed
// by the heartbeat machinery.
type MessageReceived struct {
	Envelope wire.Envelope
}

// ChannelClosed is emitted when an established connection ends, for any
// reason. It is terminal: the transport has already been released by the time
// this event is observable.
type ChannelClosed struct {
	Reason CloseReason

	// the underlying transport error, if the close was caused by one
	Err error
}

func (ConnectionEstablished) isEvent() {}
func (ConnectionFailed) isEvent()      {}
func (MessageReceived) isEvent()       {}
func (ChannelClosed) isEvent()         {}

// CloseReason tells the owning application why an established connection
// ended.
type CloseReason int

const (
	// CloseNormal means the application asked for the close.
	CloseNormal CloseReason = iota

	// CloseRemote means the server closed the connection gracefully.
	CloseRemote

	// CloseTransportDown means the underlying connection was lost.
	CloseTransportDown

	// CloseTransportError means the transport reported a protocol-level
	// fault.
	CloseTransportError

	// CloseHeartbeatTimeout means the server stopped answering heartbeats.
	// This is the only failure mode the connection detects on its own.
	CloseHeartbeatTimeout
)

// String returns the string representation of the CloseReason.
func (r CloseReason) String() string {
	switch r {
	case CloseNormal:
		return "normal"
	case CloseRemote:
		return "remote_closed"
	case CloseTransportDown:
		return "transport_down"
	case CloseTransportError:
		return "transport_error"
	case CloseHeartbeatTimeout:
		return "heartbeat_timeout"
	default:
		return "unknown"
	}
}

// ErrWaitTimeout is returned by Signature.Wait when the deadline passes
// before a matching event is emitted.
var ErrWaitTimeout = errors.New("timed out waiting for event")

// Signature is a one-shot registration of interest in an event. It is
// obtained from Conn.Notify and fulfilled by the first emitted event the
// match function accepts. It exists so that callers outside the connection's
// event loop can block on an outcome; the loop itself never blocks on it.
type Signature struct {
	match func(Event) bool
	ch    chan Event
}

// Wait blocks until the signature's event is emitted or the timeout elapses.
func (s *Signature) Wait(timeout time.Duration) (Event, error) {
	select {
	case e := <-s.ch:
		return e, nil
	case <-time.After(timeout):
		return nil, ErrWaitTimeout
	}
}

// fulfill delivers e if it matches and reports whether the signature is now
// spent. The channel is buffered, so delivery never blocks the caller.
func (s *Signature) fulfill(e Event) bool {
	if !s.match(e) {
		return false
	}

	s.ch <- e
	return true
}
