package phxconn

import (
	"bufio"
	"crypto/tls"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// ControlKind identifies a transport-level control frame. Control frames are
// not JSON; they are handled below the envelope codec.
type ControlKind int

const (
	// ControlPing is a liveness probe from the peer; the connection
	// answers it with a pong.
	ControlPing ControlKind = iota

	// ControlPong is the peer's answer to a ping.
	ControlPong

	// ControlClose announces a graceful close from the peer.
	ControlClose
)

// String returns the string representation of the ControlKind.
func (k ControlKind) String() string {
	switch k {
	case ControlPing:
		return "ping"
	case ControlPong:
		return "pong"
	case ControlClose:
		return "close"
	default:
		return "unknown"
	}
}

// TransportEvent is a callback from a Transport, delivered into the
// connection's event loop. The set of implementations is closed:
// SocketOpened, Upgraded, OpenFailed, TextFrame, ControlFrame, Down, and
// TransportError.
type TransportEvent interface {
	isTransportEvent()
}

// SocketOpened reports that the raw socket requested by Open is established.
type SocketOpened struct{}

// Upgraded reports that the protocol handshake requested by Upgrade
// completed.
type Upgraded struct {
	// the negotiated sub-protocol, if any
	Subprotocol string
}

// OpenFailed reports that Open or Upgrade failed. The connection cannot be
// established.
type OpenFailed struct {
	Reason error
}

// TextFrame carries one inbound text frame.
type TextFrame struct {
	Data []byte
}

// ControlFrame carries one inbound control frame. Code and Reason are only
// meaningful for ControlClose; Payload carries the application data of a ping
// or pong.
type ControlFrame struct {
	Kind    ControlKind
	Code    int
	Reason  string
	Payload string
}

// Down reports that the underlying connection was lost.
type Down struct {
	Reason error
}

// TransportError reports a protocol-level transport fault.
type TransportError struct {
	Reason error
}

func (SocketOpened) isTransportEvent()   {}
func (Upgraded) isTransportEvent()       {}
func (OpenFailed) isTransportEvent()     {}
func (TextFrame) isTransportEvent()      {}
func (ControlFrame) isTransportEvent()   {}
func (Down) isTransportEvent()           {}
func (TransportError) isTransportEvent() {}

// Transport is the seam between a Conn and the raw socket. The production
// implementation speaks websockets via github.com/gorilla/websocket; tests
// substitute their own via Conn.SetTransport.
//
// Open and Upgrade are asynchronous: they return immediately and report their
// outcome on the Events channel. After Upgraded is delivered, the transport
// keeps delivering TextFrame, ControlFrame, Down, and TransportError events
// until it is closed.
type Transport interface {
	// Open establishes the raw socket to host:port. The outcome arrives
	// on Events as SocketOpened or OpenFailed.
	Open(host string, port int)

	// Upgrade performs the protocol handshake on the open socket. The
	// outcome arrives on Events as Upgraded or OpenFailed.
	Upgrade(path string, header http.Header)

	// SendText writes one text frame.
	SendText(data []byte) error

	// SendControl writes one control frame. code and reason are only used
	// for ControlClose; payload carries the application data of a ping or
	// pong.
	SendControl(kind ControlKind, code int, reason string, payload string) error

	// Close releases the socket. It is idempotent.
	Close() error

	// Events returns the channel on which the transport's callbacks are
	// delivered.
	Events() <-chan TransportEvent
}

// controlWriteWait bounds how long a control frame write may take.
const controlWriteWait = 10 * time.Second

// websocketTransport is the production Transport. The two-phase contract maps
// onto gorilla/websocket as a raw TCP dial for Open and a websocket handshake
// over that same socket for Upgrade.
type websocketTransport struct {
	scheme      Scheme
	tlsConfig   *tls.Config
	jar         http.CookieJar
	proxyURL    *url.URL
	dialTimeout time.Duration
	customID    string

	events chan TransportEvent

	mu       sync.Mutex
	netConn  net.Conn
	wsConn   *websocket.Conn
	hostPort string
	closed   bool
}

func newWebsocketTransport(scheme Scheme, tlsConfig *tls.Config, jar http.CookieJar, proxyURL *url.URL, dialTimeout time.Duration, customID string) *websocketTransport {
	return &websocketTransport{
		scheme:      scheme,
		tlsConfig:   tlsConfig,
		jar:         jar,
		proxyURL:    proxyURL,
		dialTimeout: dialTimeout,
		customID:    customID,
		events:      make(chan TransportEvent, 32),
	}
}

func (t *websocketTransport) Events() <-chan TransportEvent {
	return t.events
}

// deliver hands an event to the connection's loop. The channel is buffered so
// that the handful of events a dying socket can produce after the connection
// stopped listening never wedge the read loop.
func (t *websocketTransport) deliver(ev TransportEvent) {
	select {
	case t.events <- ev:
	default:
		debugMessage("%stransport: dropped %T, event buffer full", prefixedID(t.customID), ev)
	}
}

func (t *websocketTransport) Open(host string, port int) {
	go func() {
		hostPort := net.JoinHostPort(host, strconv.Itoa(port))

		conn, err := t.dial(hostPort)
		if err != nil {
			t.deliver(OpenFailed{Reason: err})
			return
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			conn.Close()
			return
		}
		t.netConn = conn
		t.hostPort = hostPort
		t.mu.Unlock()

		t.deliver(SocketOpened{})
	}()
}

// dial establishes the raw socket, either directly or by tunneling through an
// HTTP proxy with a CONNECT request.
func (t *websocketTransport) dial(hostPort string) (net.Conn, error) {
	if t.proxyURL == nil {
		conn, err := net.DialTimeout("tcp", hostPort, t.dialTimeout)
		if err != nil {
			return nil, errors.Wrap(err, "tcp dial failed")
		}

		return conn, nil
	}

	proxyHost := t.proxyURL.Host
	if t.proxyURL.Port() == "" {
		proxyHost = net.JoinHostPort(proxyHost, "80")
	}

	conn, err := net.DialTimeout("tcp", proxyHost, t.dialTimeout)
	if err != nil {
		return nil, errors.Wrap(err, "proxy dial failed")
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: hostPort},
		Host:   hostPort,
		Header: make(http.Header),
	}

	if u := t.proxyURL.User; u != nil {
		pass, _ := u.Password()
		auth := base64.StdEncoding.EncodeToString([]byte(u.Username() + ":" + pass))
		req.Header.Set("Proxy-Authorization", "Basic "+auth)
	}

	err = req.Write(conn)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "proxy connect write failed")
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "proxy connect read failed")
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, errors.Errorf("proxy connect failed: %s", resp.Status)
	}

	return conn, nil
}

func (t *websocketTransport) Upgrade(path string, header http.Header) {
	go func() {
		t.mu.Lock()
		netConn := t.netConn
		hostPort := t.hostPort
		t.mu.Unlock()

		if netConn == nil {
			t.deliver(OpenFailed{Reason: errors.New("upgrade: no open socket")})
			return
		}

		u := url.URL{
			Scheme: string(t.scheme),
			Host:   hostPort,
		}
		// The path may carry a query string set by the caller.
		parsed, err := url.Parse(path)
		if err != nil {
			t.deliver(OpenFailed{Reason: errors.Wrap(err, "upgrade: path parse failed")})
			return
		}
		u.Path = parsed.Path
		u.RawQuery = parsed.RawQuery

		// Hand the already-open socket to the dialer so the handshake
		// runs over it rather than opening a second connection.
		dialer := &websocket.Dialer{
			NetDial: func(network, addr string) (net.Conn, error) {
				return netConn, nil
			},
			TLSClientConfig:  t.tlsConfig,
			Jar:              t.jar,
			HandshakeTimeout: t.dialTimeout,
		}

		conn, resp, err := dialer.Dial(u.String(), header)
		if err != nil {
			if resp != nil {
				err = errors.Wrapf(err, "upgrade: %v", resp.Status)
			} else {
				err = errors.Wrap(err, "upgrade failed")
			}
			t.deliver(OpenFailed{Reason: err})
			return
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			conn.Close()
			return
		}
		t.wsConn = conn
		t.mu.Unlock()

		// Inbound pings and pongs surface as control frame events; the
		// connection decides whether and how to answer them.
		conn.SetPingHandler(func(appData string) error {
			t.deliver(ControlFrame{Kind: ControlPing, Payload: appData})
			return nil
		})
		conn.SetPongHandler(func(appData string) error {
			t.deliver(ControlFrame{Kind: ControlPong, Payload: appData})
			return nil
		})

		t.deliver(Upgraded{Subprotocol: conn.Subprotocol()})

		go t.readLoop(conn)
	}()
}

func (t *websocketTransport) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.deliver(classifyReadError(err))
			return
		}

		if msgType != websocket.TextMessage {
			debugMessage("%stransport: dropped non-text message type %d", prefixedID(t.customID), msgType)
			continue
		}

		t.deliver(TextFrame{Data: data})
	}
}

// classifyReadError maps a read failure onto the transport event that
// describes it: a graceful close frame, a lost connection, or a
// protocol-level fault.
func classifyReadError(err error) TransportEvent {
	if ce, ok := err.(*websocket.CloseError); ok {
		switch ce.Code {
		case websocket.CloseNormalClosure,
			websocket.CloseGoingAway,
			websocket.CloseNoStatusReceived:
			return ControlFrame{Kind: ControlClose, Code: ce.Code, Reason: ce.Text}
		default:
			return TransportError{Reason: err}
		}
	}

	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return Down{Reason: err}
	}

	if _, ok := err.(net.Error); ok {
		return Down{Reason: err}
	}

	return TransportError{Reason: err}
}

func (t *websocketTransport) SendText(data []byte) error {
	t.mu.Lock()
	conn := t.wsConn
	t.mu.Unlock()

	if conn == nil {
		return errors.New("send text: websocket not established")
	}

	err := conn.WriteMessage(websocket.TextMessage, data)
	if err != nil {
		return errors.Wrap(err, "send text: write failed")
	}

	return nil
}

func (t *websocketTransport) SendControl(kind ControlKind, code int, reason string, payload string) error {
	t.mu.Lock()
	conn := t.wsConn
	t.mu.Unlock()

	if conn == nil {
		return errors.New("send control: websocket not established")
	}

	var msgType int
	data := []byte(payload)
	switch kind {
	case ControlPing:
		msgType = websocket.PingMessage
	case ControlPong:
		msgType = websocket.PongMessage
	case ControlClose:
		msgType = websocket.CloseMessage
		data = websocket.FormatCloseMessage(code, reason)
	default:
		return errors.Errorf("send control: unknown kind %d", kind)
	}

	err := conn.WriteControl(msgType, data, time.Now().Add(controlWriteWait))
	if err != nil {
		return errors.Wrapf(err, "send control: %s write failed", kind)
	}

	return nil
}

func (t *websocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	// Closing the websocket closes the socket underneath it; before the
	// upgrade there is only the raw socket to release.
	if t.wsConn != nil {
		return t.wsConn.Close()
	}
	if t.netConn != nil {
		return t.netConn.Close()
	}

	return nil
}
