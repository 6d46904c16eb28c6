package phxconn

import (
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"reflect"
	"strconv"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/carterjones/phxconn/wire"
)

func TestHeartbeatControllerTick(t *testing.T) {
	var h heartbeatController

	refs := 0
	nextRef := func() string {
		refs++
		return strconv.Itoa(refs)
	}

	// First tick allocates a ref and produces the probe envelope.
	env, ok := h.tick(nextRef)
	if !ok {
		t.Fatal("first tick must produce a heartbeat")
	}
	exp := wire.Heartbeat("1")
	if !reflect.DeepEqual(exp, env) {
		t.Errorf("exp: %#v, got: %#v", exp, env)
	}

	// A second tick with the slot still occupied is a timeout.
	if _, ok := h.tick(nextRef); ok {
		t.Error("tick with an outstanding heartbeat must signal a timeout")
	}

	// A matching ack frees the slot; ticking works again.
	if !h.ack("1") {
		t.Error("matching ref must be acknowledged")
	}
	env, ok = h.tick(nextRef)
	if !ok {
		t.Fatal("tick after ack must produce a heartbeat")
	}
	if env.Ref != "2" {
		t.Errorf("refs must not be reused: got %q", env.Ref)
	}
}

func TestHeartbeatControllerAck(t *testing.T) {
	cases := map[string]struct {
		outstanding string
		ref         string
		expAcked    bool
		expAfter    string
	}{
		"match clears the slot": {
			outstanding: "7",
			ref:         "7",
			expAcked:    true,
			expAfter:    "",
		},
		"mismatch leaves the slot": {
			outstanding: "7",
			ref:         "8",
			expAcked:    false,
			expAfter:    "7",
		},
		"empty ref never matches": {
			outstanding: "7",
			ref:         "",
			expAcked:    false,
			expAfter:    "7",
		},
		"ack with nothing outstanding": {
			outstanding: "",
			ref:         "7",
			expAcked:    false,
			expAfter:    "",
		},
	}

	for id, tc := range cases {
		h := heartbeatController{outstanding: tc.outstanding}

		acked := h.ack(tc.ref)
		if acked != tc.expAcked {
			t.Errorf("%s: exp acked %v, got %v", id, tc.expAcked, acked)
		}
		if h.outstanding != tc.expAfter {
			t.Errorf("%s: exp outstanding %q, got %q", id, tc.expAfter, h.outstanding)
		}
	}
}

// Random walk over tick/ack/reset: at most one heartbeat is ever outstanding,
// a timeout is signaled exactly when the slot is occupied, and only the
// matching ref clears it.
func TestHeartbeatControllerInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(0xbea7))

	var h heartbeatController
	refs := 0
	nextRef := func() string {
		refs++
		return strconv.Itoa(refs)
	}

	for i := 0; i < 5000; i++ {
		before := h.outstanding

		switch rng.Intn(4) {
		case 0:
			env, ok := h.tick(nextRef)
			if before != "" {
				if ok {
					t.Fatalf("step %d: tick with slot %q occupied must time out", i, before)
				}
				if h.outstanding != before {
					t.Fatalf("step %d: timeout must not disturb the slot", i)
				}
			} else {
				if !ok {
					t.Fatalf("step %d: tick with a free slot must probe", i)
				}
				if h.outstanding != env.Ref || env.Ref == "" {
					t.Fatalf("step %d: slot %q does not hold the probe ref %q", i, h.outstanding, env.Ref)
				}
			}
		case 1:
			if h.ack(before) != (before != "") {
				t.Fatalf("step %d: matching ack result wrong for slot %q", i, before)
			}
			if h.outstanding != "" {
				t.Fatalf("step %d: matching ack must clear the slot", i)
			}
		case 2:
			stale := strconv.Itoa(rng.Intn(refs + 1))
			if stale == before {
				continue
			}
			if h.ack(stale) {
				t.Fatalf("step %d: stale ref %q must not be acknowledged", i, stale)
			}
			if h.outstanding != before {
				t.Fatalf("step %d: stale ack must not disturb the slot", i)
			}
		case 3:
			h.reset()
			if h.outstanding != "" {
				t.Fatalf("step %d: reset must clear the slot", i)
			}
		}
	}
}

func TestClassifyReadError(t *testing.T) {
	cases := map[string]struct {
		err error
		exp TransportEvent
	}{
		"normal closure": {
			err: &websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "done"},
			exp: ControlFrame{Kind: ControlClose, Code: websocket.CloseNormalClosure, Reason: "done"},
		},
		"going away": {
			err: &websocket.CloseError{Code: websocket.CloseGoingAway},
			exp: ControlFrame{Kind: ControlClose, Code: websocket.CloseGoingAway},
		},
		"no status": {
			err: &websocket.CloseError{Code: websocket.CloseNoStatusReceived},
			exp: ControlFrame{Kind: ControlClose, Code: websocket.CloseNoStatusReceived},
		},
		"protocol error closure": {
			err: &websocket.CloseError{Code: websocket.CloseProtocolError},
			exp: TransportError{Reason: &websocket.CloseError{Code: websocket.CloseProtocolError}},
		},
		"eof": {
			err: io.EOF,
			exp: Down{Reason: io.EOF},
		},
		"unexpected eof": {
			err: io.ErrUnexpectedEOF,
			exp: Down{Reason: io.ErrUnexpectedEOF},
		},
		"net error": {
			err: &net.OpError{Op: "read", Err: errors.New("connection reset")},
			exp: Down{Reason: &net.OpError{Op: "read", Err: errors.New("connection reset")}},
		},
		"anything else": {
			err: errors.New("websocket: invalid frame"),
			exp: TransportError{Reason: errors.New("websocket: invalid frame")},
		},
	}

	for id, tc := range cases {
		act := classifyReadError(tc.err)
		if reflect.TypeOf(act) != reflect.TypeOf(tc.exp) {
			t.Errorf("%s: exp %T, got %T", id, tc.exp, act)
			continue
		}

		if cf, isControl := tc.exp.(ControlFrame); isControl {
			if !reflect.DeepEqual(cf, act) {
				t.Errorf("%s: exp %#v, got %#v", id, tc.exp, act)
			}
		}
	}
}

func TestConnStateString(t *testing.T) {
	cases := map[connState]string{
		stateIdle:            "idle",
		stateConnecting:      "connecting",
		stateAwaitingUpgrade: "awaiting_upgrade",
		stateConnected:       "connected",
		stateDisconnecting:   "disconnecting",
		stateDisconnected:    "disconnected",
		connState(42):        "unknown",
	}

	for state, exp := range cases {
		if state.String() != exp {
			t.Errorf("exp %q, got %q", exp, state.String())
		}
	}
}

func TestCloseReasonString(t *testing.T) {
	cases := map[CloseReason]string{
		CloseNormal:           "normal",
		CloseRemote:           "remote_closed",
		CloseTransportDown:    "transport_down",
		CloseTransportError:   "transport_error",
		CloseHeartbeatTimeout: "heartbeat_timeout",
		CloseReason(42):       "unknown",
	}

	for reason, exp := range cases {
		if reason.String() != exp {
			t.Errorf("exp %q, got %q", exp, reason.String())
		}
	}
}

func TestControlKindString(t *testing.T) {
	cases := map[ControlKind]string{
		ControlPing:     "ping",
		ControlPong:     "pong",
		ControlClose:    "close",
		ControlKind(42): "unknown",
	}

	for kind, exp := range cases {
		if kind.String() != exp {
			t.Errorf("exp %q, got %q", exp, kind.String())
		}
	}
}

func TestUpgradePath(t *testing.T) {
	c := New("example.com", "/socket/websocket")

	exp := "/socket/websocket?vsn=2.0.0"
	if c.upgradePath() != exp {
		t.Errorf("exp %q, got %q", exp, c.upgradePath())
	}
}

func TestMakeHeader(t *testing.T) {
	c := New("example.com", "/socket/websocket")
	c.Headers["X-Custom"] = "custom-value"

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	u := &url.URL{Scheme: "https", Host: "example.com", Path: "/socket/websocket"}
	jar.SetCookies(u, []*http.Cookie{
		{Name: "session", Value: "abc123"},
		{Name: "flavor", Value: "vanilla"},
	})
	c.HTTPClient.Jar = jar

	header := makeHeader(c)

	if header.Get("X-Custom") != "custom-value" {
		t.Errorf("custom header missing: %v", header)
	}
	if header.Get("Cookie") != "session=abc123; flavor=vanilla" {
		t.Errorf("cookie header wrong: %q", header.Get("Cookie"))
	}

	// A connection without a jar still carries the custom headers.
	c.HTTPClient = nil
	header = makeHeader(c)
	if header.Get("X-Custom") != "custom-value" {
		t.Errorf("custom header missing without a jar: %v", header)
	}
	if header.Get("Cookie") != "" {
		t.Errorf("unexpected cookie header: %q", header.Get("Cookie"))
	}
}
