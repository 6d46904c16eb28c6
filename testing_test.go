package phxconn_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/carterjones/phxconn"
	"github.com/carterjones/phxconn/wire"
)

// This is some testception right here...

func TestTestUpgrade(t *testing.T) {
	ts := newTestServer(phxconn.TestUpgrade, false)
	defer ts.Close()

	u := strings.Replace(ts.URL, "http://", "ws://", -1)
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	ok(t, "dial", err)
	defer conn.Close()

	// A heartbeat comes back as an ok reply with the same ref.
	hb, err := wire.Encode(wire.Heartbeat("9"))
	ok(t, "encode heartbeat", err)
	ok(t, "write heartbeat", conn.WriteMessage(websocket.TextMessage, hb))

	_, data, err := conn.ReadMessage()
	ok(t, "read reply", err)

	env, err := wire.Decode(data)
	ok(t, "decode reply", err)
	equals(t, "reply ref", "9", env.Ref)
	equals(t, "reply topic", wire.TopicPhoenix, env.Topic)
	equals(t, "reply event", wire.EventReply, env.Event)

	reply, err := wire.ParseReply(env)
	ok(t, "parse reply", err)
	equals(t, "reply status", wire.StatusOK, reply.Status)

	// Anything else is echoed verbatim.
	shout, err := wire.Encode(wire.Envelope{
		Ref:     "10",
		Topic:   "room:lobby",
		Event:   "shout",
		Payload: json.RawMessage(`{"body":"hi"}`),
	})
	ok(t, "encode shout", err)
	ok(t, "write shout", conn.WriteMessage(websocket.TextMessage, shout))

	_, data, err = conn.ReadMessage()
	ok(t, "read echo", err)
	equals(t, "echo", string(shout), string(data))

	// Malformed frames are ignored rather than breaking the server.
	ok(t, "write garbage", conn.WriteMessage(websocket.TextMessage, []byte("garbage")))
	ok(t, "write heartbeat again", conn.WriteMessage(websocket.TextMessage, hb))

	_, data, err = conn.ReadMessage()
	ok(t, "read reply after garbage", err)
	env, err = wire.Decode(data)
	ok(t, "decode reply after garbage", err)
	equals(t, "reply event after garbage", wire.EventReply, env.Event)
}

func TestTestSilentUpgrade(t *testing.T) {
	ts := newTestServer(phxconn.TestSilentUpgrade, false)
	defer ts.Close()

	u := strings.Replace(ts.URL, "http://", "ws://", -1)
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	ok(t, "dial", err)
	defer conn.Close()

	hb, err := wire.Encode(wire.Heartbeat("9"))
	ok(t, "encode heartbeat", err)
	ok(t, "write heartbeat", conn.WriteMessage(websocket.TextMessage, hb))

	// The server reads but never speaks.
	err = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	ok(t, "set deadline", err)

	_, _, err = conn.ReadMessage()
	if err == nil {
		t.Error(red("expected the read to time out against a silent server"))
	}
}
