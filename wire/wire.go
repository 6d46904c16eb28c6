// Package wire provides the envelope model and codec for the Phoenix channels
// wire format. This was written using
// https://hexdocs.pm/phoenix/writing_a_channels_client.html as a reference
// guide, which describes the serialization every channels client must speak.
package wire

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// TopicPhoenix is the reserved topic used by protocol-internal messages such
// as heartbeats.
const TopicPhoenix = "phoenix"

// Protocol-reserved channel events.
const (
	// EventJoin requests membership in a channel.
	EventJoin = "phx_join"

	// EventReply carries the server's reply to a pushed message. The ref
	// field of the envelope matches the ref of the originating push.
	EventReply = "phx_reply"

	// EventLeave announces a graceful departure from a channel.
	EventLeave = "phx_leave"

	// EventClose signals that the server closed the channel.
	EventClose = "phx_close"

	// EventError signals that the channel process crashed server-side.
	EventError = "phx_error"

	// EventHeartbeat is the periodic liveness probe sent on TopicPhoenix.
	EventHeartbeat = "heartbeat"
)

// Reply statuses carried in the payload of an EventReply envelope.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// emptyObject is the payload used when an envelope carries none.
var emptyObject = json.RawMessage("{}")

// Envelope is the unit wrapping every message sent over a channels
// connection. On the wire it is a 5-element JSON array:
//
//	[join_ref, ref, topic, event, payload]
//
// join_ref and ref are null or strings; topic and event are strings; payload
// is a JSON object.
type Envelope struct {
	// correlation identifier scoping a message to a particular
	// channel-join generation; empty if the message is not bound to a
	// join (serialized as null)
	JoinRef string

	// per-message correlation identifier chosen by the sender and echoed
	// in the reply; empty if no reply is expected (serialized as null)
	Ref string

	// the channel topic, e.g. "room:lobby"
	Topic string

	// the event name, either protocol-reserved (phx_*) or
	// application-defined
	Event string

	// the message body; must be a JSON object. A nil payload is
	// serialized as {}.
	Payload json.RawMessage
}

// Heartbeat builds the liveness probe envelope for the given ref:
// [null, ref, "phoenix", "heartbeat", {}].
func Heartbeat(ref string) Envelope {
	return Envelope{
		Ref:     ref,
		Topic:   TopicPhoenix,
		Event:   EventHeartbeat,
		Payload: emptyObject,
	}
}

// IsReply reports whether the envelope is a phx_reply.
func (e Envelope) IsReply() bool {
	return e.Event == EventReply
}

// isObject reports whether raw holds a JSON object. The wire format requires
// every payload to be an object, not a bare array, string, or number.
func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}

	return json.Valid(trimmed)
}

// nullableString maps the empty string to JSON null, since join_ref and ref
// are nullable on the wire.
func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}

	return s
}

// Encode converts an envelope into its wire text representation. It fails if
// the payload is not representable as a JSON object.
func Encode(e Envelope) ([]byte, error) {
	payload := e.Payload
	if len(payload) == 0 {
		payload = emptyObject
	}

	if !isObject(payload) {
		return nil, errors.Errorf("encode: payload is not a JSON object: %s", string(payload))
	}

	data, err := json.Marshal([]interface{}{
		nullableString(e.JoinRef),
		nullableString(e.Ref),
		e.Topic,
		e.Event,
		payload,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode: json marshal failed")
	}

	return data, nil
}

// Decode converts wire text back into an envelope. It fails if the text is
// not an array of at least five elements or if topic/event are not strings.
// Extra trailing elements are tolerated for forward compatibility.
func Decode(data []byte) (Envelope, error) {
	var e Envelope

	var fields []json.RawMessage
	err := json.Unmarshal(data, &fields)
	if err != nil {
		return e, errors.Wrap(err, "decode: not a JSON array")
	}

	if len(fields) < 5 {
		return e, errors.Errorf("decode: expected at least 5 elements, got %d", len(fields))
	}

	e.JoinRef, err = decodeNullableString(fields[0])
	if err != nil {
		return Envelope{}, errors.Wrap(err, "decode: join_ref")
	}

	e.Ref, err = decodeNullableString(fields[1])
	if err != nil {
		return Envelope{}, errors.Wrap(err, "decode: ref")
	}

	err = json.Unmarshal(fields[2], &e.Topic)
	if err != nil {
		return Envelope{}, errors.Wrap(err, "decode: topic is not a string")
	}

	err = json.Unmarshal(fields[3], &e.Event)
	if err != nil {
		return Envelope{}, errors.Wrap(err, "decode: event is not a string")
	}

	if !isObject(fields[4]) {
		return Envelope{}, errors.Errorf("decode: payload is not a JSON object: %s", string(fields[4]))
	}
	e.Payload = fields[4]

	return e, nil
}

func decodeNullableString(raw json.RawMessage) (string, error) {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return "", nil
	}

	var s string
	err := json.Unmarshal(raw, &s)
	if err != nil {
		return "", errors.Wrap(err, "not null or a string")
	}

	return s, nil
}

// Reply is the decoded payload of an EventReply envelope.
type Reply struct {
	// one of StatusOK, StatusError, or StatusTimeout
	Status string `json:"status"`

	// the server's response body; contents are application-defined
	Response json.RawMessage `json:"response"`
}

// ParseReply decodes the payload of a phx_reply envelope. It fails if the
// envelope is not a reply or its payload does not have the reply shape.
func ParseReply(e Envelope) (Reply, error) {
	var r Reply

	if !e.IsReply() {
		return r, errors.Errorf("parse reply: event is %q, not %q", e.Event, EventReply)
	}

	err := json.Unmarshal(e.Payload, &r)
	if err != nil {
		return Reply{}, errors.Wrap(err, "parse reply: json unmarshal failed")
	}

	return r, nil
}
