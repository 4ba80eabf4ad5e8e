package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"lumi/log"
)

// State is the connection lifecycle state of a Channel.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// ErrNotConnected is returned by Send when no connection is open.
var ErrNotConnected = errors.New("transport: not connected")

type MessageListener func(Message)
type StateListener func(State)

// Channel is a persistent WebSocket session. Listeners registered with
// OnMessage and OnStateChange are invoked from the channel's read
// goroutine (or from the caller of Connect/Disconnect for state changes
// those produce); they should hand off rather than block.
type Channel interface {
	Connect(ctx context.Context) error
	Disconnect()
	Send(payload []byte) error
	State() State
	OnMessage(fn MessageListener) func()
	OnStateChange(fn StateListener) func()
}

type wsChannel struct {
	url string

	mu        sync.Mutex
	conn      *websocket.Conn
	state     State
	closing   bool
	msgSubs   map[int]MessageListener
	stateSubs map[int]StateListener
	nextSub   int

	writeMu sync.Mutex
}

// New creates a Channel for the given ws:// or wss:// URL. No connection
// is attempted until Connect.
func New(url string) Channel {
	return &wsChannel{
		url:       url,
		state:     StateDisconnected,
		msgSubs:   make(map[int]MessageListener),
		stateSubs: make(map[int]StateListener),
	}
}

func (c *wsChannel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setState records the new state and notifies listeners with the lock
// released. Same-state transitions are swallowed so a redundant Connect
// or Disconnect never re-fires listeners.
func (c *wsChannel) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	subs := make([]StateListener, 0, len(c.stateSubs))
	for _, fn := range c.stateSubs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	log.ConnState(string(s))
	for _, fn := range subs {
		fn(s)
	}
}

// beginConnect atomically claims the connecting state. False when the
// channel is already connected or another dial is in flight, so two
// concurrent Connects can never race duplicate connections.
func (c *wsChannel) beginConnect() bool {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return false
	}
	c.state = StateConnecting
	subs := make([]StateListener, 0, len(c.stateSubs))
	for _, fn := range c.stateSubs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	log.ConnState(string(StateConnecting))
	for _, fn := range subs {
		fn(StateConnecting)
	}
	return true
}

func (c *wsChannel) Connect(ctx context.Context) error {
	if !c.beginConnect() {
		return nil
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.setState(StateError)
		return fmt.Errorf("transport: connect %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.closing = false
	c.mu.Unlock()

	c.setState(StateConnected)
	go c.readLoop(conn)
	return nil
}

// Disconnect closes the connection and moves to disconnected immediately,
// without waiting for the close handshake. Safe to call in any state.
func (c *wsChannel) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.closing = true
	c.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			closeDeadline())
		conn.Close()
	}
	c.setState(StateDisconnected)
}

func (c *wsChannel) Send(payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	err := conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("transport: send: %w", err)
	}
	return nil
}

func (c *wsChannel) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			stale := c.closing || c.conn != conn
			c.conn = nil
			c.mu.Unlock()
			if stale {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.setState(StateDisconnected)
			} else {
				log.Warnf("transport: connection lost: %v", err)
				c.setState(StateError)
			}
			return
		}

		msg, err := parseServerMessage(raw)
		if err != nil {
			log.Warnf("transport: dropping frame: %v", err)
			continue
		}

		c.mu.Lock()
		subs := make([]MessageListener, 0, len(c.msgSubs))
		for _, fn := range c.msgSubs {
			subs = append(subs, fn)
		}
		c.mu.Unlock()
		for _, fn := range subs {
			fn(msg)
		}
	}
}

func (c *wsChannel) OnMessage(fn MessageListener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.msgSubs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.msgSubs, id)
	}
}

func (c *wsChannel) OnStateChange(fn StateListener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.stateSubs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.stateSubs, id)
	}
}

func closeDeadline() time.Time {
	return time.Now().Add(time.Second)
}

var (
	sharedMu sync.Mutex
	shared   Channel
)

// Shared returns the process-wide Channel, creating it on first use. The
// URL is bound at creation; later calls ignore the argument.
func Shared(url string) Channel {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared == nil {
		shared = New(url)
	}
	return shared
}

// ResetShared disconnects and discards the shared Channel so the next
// Shared call builds a fresh one.
func ResetShared() {
	sharedMu.Lock()
	ch := shared
	shared = nil
	sharedMu.Unlock()
	if ch != nil {
		ch.Disconnect()
	}
}
