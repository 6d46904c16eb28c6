package phxconn

import (
	"crypto/tls"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	scraper "github.com/carterjones/go-cloudflare-scraper"
	"github.com/carterjones/phxconn/wire"
	"github.com/pkg/errors"
)

// Scheme represents the websocket transport scheme.
type Scheme string

const (
	// WSS is the literal string, "wss".
	WSS Scheme = "wss"

	// WS is the literal string, "ws".
	WS Scheme = "ws"
)

// wireVersion selects the array-based serializer on the server. It is sent as
// the vsn query parameter of the upgrade request.
const wireVersion = "2.0.0"

// connState is the connection's position in its lifecycle. A connection moves
// through these states in one direction only; stateDisconnected is terminal.
type connState int32

const (
	stateIdle connState = iota
	stateConnecting
	stateAwaitingUpgrade
	stateConnected
	stateDisconnecting
	stateDisconnected
)

// String returns the string representation of the connState.
func (s connState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateConnecting:
		return "connecting"
	case stateAwaitingUpgrade:
		return "awaiting_upgrade"
	case stateConnected:
		return "connected"
	case stateDisconnecting:
		return "disconnecting"
	case stateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Conn is a single logical connection to a channels server. It is created
// with New, opened once, and ends its life with exactly one terminal event
// (ConnectionFailed or ChannelClosed); it is never reopened. An application
// that wants to reconnect observes the terminal event and constructs a new
// Conn.
//
// All protocol work happens on one event loop goroutine: application
// commands, transport callbacks, and heartbeat ticks are serialized there, so
// the connection's state needs no locking.
type Conn struct {
	// The host providing the channels service.
	Host string

	// The port to dial. Defaults to 443.
	Port int

	// The path of the websocket endpoint, e.g. "/socket/websocket".
	Path string

	// Header values applied to the upgrade request.
	Headers map[string]string

	// The interval between heartbeat probes. An unanswered heartbeat at
	// the next tick terminates the connection, so silent failure is
	// detected within two intervals.
	HeartbeatInterval time.Duration

	// An optional setting to provide a non-default TLS configuration to
	// use when connecting to the websocket.
	TLSClientConfig *tls.Config

	// Either WSS or WS.
	Scheme Scheme

	// The HTTPClient whose cookie jar is offered to the upgrade
	// handshake. The client itself is not used to issue requests.
	HTTPClient *http.Client

	// An optional HTTP proxy to tunnel the connection through with a
	// CONNECT request. Credentials in the URL are sent as basic
	// proxy authorization.
	Proxy *url.URL

	// The time allowed for the dial and for the upgrade handshake.
	DialTimeout time.Duration

	// This value is not part of the protocol. If this value is set, it
	// will be used in debug messages.
	CustomID string

	transport Transport
	hb        heartbeatController

	// lifecycle position; written only by the event loop (plus the
	// initial idle->connecting step in Open), read anywhere
	state int32

	// monotonically increasing; refs are never reused within the
	// connection's lifetime
	msgRef  uint64
	joinRef uint64

	// close requests get their own slot so a backlogged push inbox can
	// never swallow one; the slot holds at most one pending request
	closeCh chan struct{}

	pushes chan wire.Envelope
	events chan Event

	// actor-owned; only the event loop touches these
	ticker *time.Ticker
	tickCh <-chan time.Time

	sigMu sync.Mutex
	sigs  []*Signature

	closeEventsOnce sync.Once
}

func debugEnabled() bool {
	v := os.Getenv("DEBUG")
	return v != ""
}

func debugMessage(msg string, v ...interface{}) {
	if debugEnabled() {
		log.Printf(msg, v...)
	}
}

func prefixedID(ID string) string {
	if ID == "" {
		return ""
	}

	return "[" + ID + "] "
}

// New creates and initializes a connection to the given host and websocket
// endpoint path. The returned Conn is idle; call Open or Dial to connect.
func New(host, path string) *Conn {
	// Create an HTTP client that supports CloudFlare-protected sites by
	// default. Its cookie jar is carried into the upgrade handshake.
	cfTransport := scraper.NewTransport(http.DefaultTransport)
	httpClient := &http.Client{
		Transport: cfTransport,
		Jar:       cfTransport.Cookies,
	}

	return &Conn{
		Host:              host,
		Port:              443,
		Path:              path,
		Headers:           make(map[string]string),
		HeartbeatInterval: 30 * time.Second,
		Scheme:            WSS,
		HTTPClient:        httpClient,
		DialTimeout:       1 * time.Minute,
		closeCh:           make(chan struct{}, 1),
		pushes:            make(chan wire.Envelope, 16),
		events:            make(chan Event, 64),
	}
}

func (c *Conn) loadState() connState {
	return connState(atomic.LoadInt32(&c.state))
}

func (c *Conn) storeState(s connState) {
	atomic.StoreInt32(&c.state, int32(s))
}

// State returns the name of the connection's current lifecycle state.
func (c *Conn) State() string {
	return c.loadState().String()
}

// Connected reports whether the connection is established and usable.
func (c *Conn) Connected() bool {
	return c.loadState() == stateConnected
}

// NextRef allocates a fresh per-message correlation ref. Refs are unique for
// the lifetime of the connection.
func (c *Conn) NextRef() string {
	return strconv.FormatUint(atomic.AddUint64(&c.msgRef, 1), 10)
}

// NextJoinRef allocates a fresh channel-join generation ref. The connection
// core passes join refs through without interpreting them.
func (c *Conn) NextJoinRef() string {
	return strconv.FormatUint(atomic.AddUint64(&c.joinRef, 1), 10)
}

// SetTransport replaces the transport used by the connection. It must be
// called before Open. It is primarily useful for testing against a fake
// transport.
func (c *Conn) SetTransport(t Transport) {
	c.transport = t
}

// Transport returns the transport used by the connection, or nil if Open has
// not yet created one.
func (c *Conn) Transport() Transport {
	return c.transport
}

// Events returns the channel on which the connection's events are delivered,
// in the exact order their triggering inputs were processed. The channel is
// closed after the terminal event.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// Notify registers one-shot interest in the first emitted event the match
// function accepts. Events still reach the Events channel as usual.
func (c *Conn) Notify(match func(Event) bool) *Signature {
	s := &Signature{
		match: match,
		ch:    make(chan Event, 1),
	}

	c.sigMu.Lock()
	c.sigs = append(c.sigs, s)
	c.sigMu.Unlock()

	return s
}

// Open asynchronously establishes the connection. The outcome is reported as
// a ConnectionEstablished or ConnectionFailed event. Open may be called once;
// a Conn whose lifecycle has ended is never reopened.
func (c *Conn) Open() error {
	if !atomic.CompareAndSwapInt32(&c.state, int32(stateIdle), int32(stateConnecting)) {
		return errors.Errorf("open: connection is %s, not idle", c.State())
	}

	if c.transport == nil {
		var jar http.CookieJar
		if c.HTTPClient != nil {
			jar = c.HTTPClient.Jar
		}
		c.transport = newWebsocketTransport(c.Scheme, c.TLSClientConfig, jar, c.Proxy, c.DialTimeout, c.CustomID)
	}

	go c.run()

	return nil
}

// Close asks the connection to shut down. It is accepted in any non-terminal
// state and results in a ChannelClosed event with reason "normal"; once the
// connection is disconnected it is a no-op. The request is retained until the
// event loop can act on it, even if the loop is stalled behind an undrained
// Events channel.
func (c *Conn) Close() {
	// A connection that was never opened has no event loop to ask.
	if atomic.CompareAndSwapInt32(&c.state, int32(stateIdle), int32(stateDisconnected)) {
		c.emit(ChannelClosed{Reason: CloseNormal})
		c.closeEvents()
		return
	}

	if c.loadState() == stateDisconnected {
		return
	}

	select {
	case c.closeCh <- struct{}{}:
	default:
		// A close is already pending.
	}
}

// Push sends an envelope to the server. If the envelope has no ref, a fresh
// one is allocated. Push fails if the connection is not established.
func (c *Conn) Push(env wire.Envelope) error {
	if c.loadState() != stateConnected {
		return errors.Errorf("push: connection is %s, not connected", c.State())
	}

	if env.Ref == "" {
		env.Ref = c.NextRef()
	}

	select {
	case c.pushes <- env:
		return nil
	default:
		return errors.New("push: inbox full")
	}
}

// Dial opens the connection and blocks until it is established, it fails, or
// the timeout elapses. It is a convenience layered on Open and Notify; the
// event loop itself never blocks.
func (c *Conn) Dial(timeout time.Duration) error {
	sig := c.Notify(func(e Event) bool {
		switch e.(type) {
		case ConnectionEstablished, ConnectionFailed:
			return true
		}
		return false
	})

	err := c.Open()
	if err != nil {
		return err
	}

	e, err := sig.Wait(timeout)
	if err != nil {
		return errors.Wrap(err, "dial")
	}

	if failed, ok := e.(ConnectionFailed); ok {
		return errors.Wrap(failed.Reason, "dial")
	}

	return nil
}

// Disconnect closes the connection and blocks until the terminal event is
// emitted or the timeout elapses.
func (c *Conn) Disconnect(timeout time.Duration) error {
	sig := c.Notify(func(e Event) bool {
		switch e.(type) {
		case ChannelClosed, ConnectionFailed:
			return true
		}
		return false
	})

	c.Close()

	_, err := sig.Wait(timeout)
	if err != nil {
		return errors.Wrap(err, "disconnect")
	}

	return nil
}

// upgradePath builds the request path for the upgrade handshake, carrying the
// serializer version the wire package implements.
func (c *Conn) upgradePath() string {
	params := url.Values{}
	params.Set("vsn", wireVersion)

	return c.Path + "?" + params.Encode()
}

// makeHeader assembles the headers for the upgrade request: any cookies the
// HTTP client's jar holds for the endpoint, plus the user-specified values.
func makeHeader(c *Conn) http.Header {
	header := make(http.Header)

	if c.HTTPClient != nil && c.HTTPClient.Jar != nil {
		u := url.URL{
			Scheme: "https",
			Host:   c.Host,
			Path:   c.Path,
		}
		if c.Scheme == WS {
			u.Scheme = "http"
		}

		cookies := ""
		for _, v := range c.HTTPClient.Jar.Cookies(&u) {
			if cookies == "" {
				cookies += v.Name + "=" + v.Value
			} else {
				cookies += "; " + v.Name + "=" + v.Value
			}
		}

		if cookies != "" {
			header.Add("Cookie", cookies)
		}
	}

	for k, v := range c.Headers {
		header.Add(k, v)
	}

	return header
}

// run is the connection's event loop. Everything that can change the
// connection's state funnels through the selects below, one input at a time.
func (c *Conn) run() {
	defer c.closeEvents()

	c.transport.Open(c.Host, c.Port)

	transportEvents := c.transport.Events()

	for c.loadState() != stateDisconnected {
		// A pending close wins over any queued push, frame, or tick.
		select {
		case <-c.closeCh:
			c.shutdown(CloseNormal, nil)
			continue
		default:
		}

		select {
		case <-c.closeCh:
			c.shutdown(CloseNormal, nil)
		case env := <-c.pushes:
			c.handlePush(env)
		case ev := <-transportEvents:
			c.handleTransportEvent(ev)
		case <-c.tickCh:
			c.handleTick()
		}
	}
}

func (c *Conn) handlePush(env wire.Envelope) {
	if c.loadState() != stateConnected {
		debugMessage("%spush ignored, state is %s", prefixedID(c.CustomID), c.State())
		return
	}

	c.sendEnvelope(env)
}

func (c *Conn) handleTransportEvent(ev TransportEvent) {
	switch ev := ev.(type) {
	case SocketOpened:
		if c.loadState() != stateConnecting {
			debugMessage("%ssocket opened ignored, state is %s", prefixedID(c.CustomID), c.State())
			return
		}
		c.storeState(stateAwaitingUpgrade)
		c.transport.Upgrade(c.upgradePath(), makeHeader(c))

	case Upgraded:
		if c.loadState() != stateAwaitingUpgrade {
			debugMessage("%supgraded ignored, state is %s", prefixedID(c.CustomID), c.State())
			return
		}
		c.storeState(stateConnected)
		c.startHeartbeat()
		c.emit(ConnectionEstablished{Subprotocol: ev.Subprotocol})

	case OpenFailed:
		switch c.loadState() {
		case stateConnecting, stateAwaitingUpgrade:
			c.fail(ev.Reason)
		default:
			debugMessage("%sopen failure ignored, state is %s: %v", prefixedID(c.CustomID), c.State(), ev.Reason)
		}

	case TextFrame:
		if c.loadState() != stateConnected {
			debugMessage("%stext frame ignored, state is %s", prefixedID(c.CustomID), c.State())
			return
		}
		c.handleTextFrame(ev.Data)

	case ControlFrame:
		c.handleControlFrame(ev)

	case Down:
		c.handleTransportFailure(CloseTransportDown, ev.Reason)

	case TransportError:
		c.handleTransportFailure(CloseTransportError, ev.Reason)
	}
}

// handleTextFrame decodes an inbound frame. A malformed frame is logged and
// dropped; the connection stays up. A reply matching the outstanding
// heartbeat is consumed by the heartbeat controller and never surfaces to the
// application.
func (c *Conn) handleTextFrame(data []byte) {
	env, err := wire.Decode(data)
	if err != nil {
		debugMessage("%sdropped malformed frame: %v", prefixedID(c.CustomID), err)
		return
	}

	if env.IsReply() && c.hb.ack(env.Ref) {
		debugMessage("%sheartbeat %s acknowledged", prefixedID(c.CustomID), env.Ref)
		return
	}

	c.emit(MessageReceived{Envelope: env})
}

func (c *Conn) handleControlFrame(frame ControlFrame) {
	if c.loadState() != stateConnected {
		debugMessage("%s%s control frame ignored, state is %s", prefixedID(c.CustomID), frame.Kind, c.State())
		return
	}

	switch frame.Kind {
	case ControlPing:
		err := c.transport.SendControl(ControlPong, 0, "", frame.Payload)
		if err != nil {
			c.shutdown(CloseTransportError, err)
		}
	case ControlPong:
		// A pong carries no obligation.
	case ControlClose:
		c.shutdown(CloseRemote, nil)
	}
}

// handleTransportFailure routes an asynchronous transport failure to the
// terminal event appropriate for the current lifecycle position: a connection
// that never established fails the open; an established one closes.
func (c *Conn) handleTransportFailure(reason CloseReason, err error) {
	switch c.loadState() {
	case stateConnecting, stateAwaitingUpgrade:
		c.fail(err)
	case stateConnected:
		c.shutdown(reason, err)
	default:
		debugMessage("%stransport failure ignored, state is %s: %v", prefixedID(c.CustomID), c.State(), err)
	}
}

func (c *Conn) handleTick() {
	if c.loadState() != stateConnected {
		return
	}

	env, ok := c.hb.tick(c.NextRef)
	if !ok {
		debugMessage("%sheartbeat unanswered after %s", prefixedID(c.CustomID), c.HeartbeatInterval)
		c.shutdown(CloseHeartbeatTimeout, nil)
		return
	}

	c.sendEnvelope(env)
}

func (c *Conn) sendEnvelope(env wire.Envelope) {
	data, err := wire.Encode(env)
	if err != nil {
		debugMessage("%sdropped unencodable envelope: %v", prefixedID(c.CustomID), err)
		return
	}

	err = c.transport.SendText(data)
	if err != nil {
		c.shutdown(CloseTransportError, err)
	}
}

func (c *Conn) startHeartbeat() {
	c.ticker = time.NewTicker(c.HeartbeatInterval)
	c.tickCh = c.ticker.C
}

func (c *Conn) stopHeartbeat() {
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
		c.tickCh = nil
	}
	c.hb.reset()
}

// fail ends a connection that never established. The transport is released
// first if this connection held it, so the terminal event is only observable
// once the handle is gone. Per the open contract, a dial that failed before
// producing a socket has nothing to release.
func (c *Conn) fail(reason error) {
	if c.loadState() == stateAwaitingUpgrade {
		c.storeState(stateDisconnecting)
		c.transport.Close()
	}

	c.storeState(stateDisconnected)
	c.emit(ConnectionFailed{Reason: reason})
}

// shutdown ends an established (or closing) connection: stop the heartbeat,
// release the transport, and only then emit the terminal event.
func (c *Conn) shutdown(reason CloseReason, err error) {
	if c.loadState() == stateDisconnected {
		return
	}

	c.stopHeartbeat()

	c.storeState(stateDisconnecting)
	c.transport.Close()

	c.storeState(stateDisconnected)
	c.emit(ChannelClosed{Reason: reason, Err: err})
}

// emit delivers an event, first to any matching one-shot signatures, then to
// the Events channel. Order on the channel is the order of emission.
func (c *Conn) emit(e Event) {
	c.sigMu.Lock()
	remaining := c.sigs[:0]
	for _, s := range c.sigs {
		if !s.fulfill(e) {
			remaining = append(remaining, s)
		}
	}
	c.sigs = remaining
	c.sigMu.Unlock()

	c.events <- e
}

func (c *Conn) closeEvents() {
	c.closeEventsOnce.Do(func() {
		close(c.events)
	})
}
