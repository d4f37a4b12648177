package relay

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/paul/nostr-activity/pkg/event"
	"github.com/paul/nostr-activity/pkg/protocol"
)

// State of a relay connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const inboxSize = 64

// Delivery is one frame routed to a subscription. Err is set when the frame
// could not be decoded.
type Delivery struct {
	Msg *protocol.Message
	Err error
}

// Conn is a websocket connection to one relay. It runs a single read loop
// that routes frames to the inbox of the subscription they belong to.
type Conn struct {
	url          string
	ws           *websocket.Conn
	state        atomic.Int32
	writeTimeout time.Duration
	logger       *zap.Logger

	writeMu sync.Mutex

	subMu sync.Mutex
	subs  map[string]*Subscription

	closeCh   chan struct{}
	closeOnce sync.Once
	closeErr  error
	readDone  chan struct{}
}

func newConn(url string, writeTimeout time.Duration, logger *zap.Logger) *Conn {
	c := &Conn{
		url:          url,
		writeTimeout: writeTimeout,
		logger:       logger.With(zap.String("relay", url)),
		subs:         make(map[string]*Subscription),
		closeCh:      make(chan struct{}),
		readDone:     make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// open attaches the dialed websocket and starts the read loop.
func (c *Conn) open(ws *websocket.Conn) {
	c.ws = ws
	c.state.Store(int32(StateOpen))
	go c.readLoop()
}

// URL returns the relay URL.
func (c *Conn) URL() string { return c.url }

// State returns the current connection state.
func (c *Conn) State() State { return State(c.state.Load()) }

// Done is closed when the connection is closed for any reason.
func (c *Conn) Done() <-chan struct{} { return c.closeCh }

// Err returns the error that closed the connection, if any.
func (c *Conn) Err() error {
	select {
	case <-c.closeCh:
		return c.closeErr
	default:
		return nil
	}
}

// Subscribe registers a subscription inbox and sends ["REQ", id, filter].
// Only one subscription may be open on a connection at a time.
func (c *Conn) Subscribe(id string, filter *event.Filter) (*Subscription, error) {
	if c.State() != StateOpen {
		return nil, ErrNotOpen
	}

	sub := &Subscription{
		ID:     id,
		Filter: filter,
		conn:   c,
		inbox:  make(chan Delivery, inboxSize),
		done:   make(chan struct{}),
	}

	c.subMu.Lock()
	if len(c.subs) > 0 {
		c.subMu.Unlock()
		return nil, ErrSubscriptionActive
	}
	c.subs[id] = sub
	c.subMu.Unlock()

	data, err := protocol.EncodeReq(id, filter)
	if err == nil {
		err = c.write(data)
	}
	if err != nil {
		c.unregister(id)
		close(sub.done)
		return nil, fmt.Errorf("send REQ: %w", err)
	}

	c.logger.Debug("subscription opened", zap.String("sub", id))
	return sub, nil
}

func (c *Conn) unregister(id string) {
	c.subMu.Lock()
	delete(c.subs, id)
	c.subMu.Unlock()
}

func (c *Conn) lookup(id string) *Subscription {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return c.subs[id]
}

func (c *Conn) active() []*Subscription {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	subs := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	return subs
}

func (c *Conn) write(data []byte) error {
	if c.State() != StateOpen {
		return ErrNotOpen
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.ws.SetWriteDeadline(time.Time{})
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// readLoop reads frames until the connection fails or is closed.
func (c *Conn) readLoop() {
	defer close(c.readDone)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.State() != StateClosed {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.logger.Warn("read error", zap.Error(err))
				}
				c.shutdown(fmt.Errorf("read: %w", err))
			}
			return
		}

		msg, err := protocol.ParseRelayMessage(data)
		if err != nil {
			if msg != nil && msg.SubID != "" {
				c.deliver(msg.SubID, Delivery{Msg: msg, Err: err})
				continue
			}
			// No routable subscription id: every open subscription is affected.
			c.logger.Warn("malformed frame", zap.Error(err))
			for _, sub := range c.active() {
				c.deliverTo(sub, Delivery{Err: err})
			}
			continue
		}

		switch msg.Type {
		case protocol.MessageTypeNotice:
			c.logger.Info("relay notice", zap.String("notice", msg.Reason))
		case protocol.MessageTypeOK:
			c.logger.Debug("relay ok", zap.String("event", msg.EventID), zap.Bool("accepted", msg.Accepted))
		default:
			c.deliver(msg.SubID, Delivery{Msg: msg})
		}
	}
}

func (c *Conn) deliver(subID string, d Delivery) {
	sub := c.lookup(subID)
	if sub == nil {
		// Frames for a subscription we already closed are expected.
		c.logger.Debug("frame for unknown subscription", zap.String("sub", subID))
		return
	}
	c.deliverTo(sub, d)
}

func (c *Conn) deliverTo(sub *Subscription, d Delivery) {
	select {
	case sub.inbox <- d:
	case <-sub.done:
	case <-c.closeCh:
	}
}

// shutdown marks the connection closed exactly once.
func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.closeErr = cause
		c.state.Store(int32(StateClosed))
		close(c.closeCh)

		if c.ws == nil {
			return
		}
		c.writeMu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.ws.Close()
	})
}

// Close closes the connection and waits for the read loop to exit.
func (c *Conn) Close() error {
	c.shutdown(nil)
	if c.ws != nil {
		<-c.readDone
	}
	return nil
}

// Subscription is one REQ on one connection. It is closed exactly once.
type Subscription struct {
	ID     string
	Filter *event.Filter

	conn      *Conn
	inbox     chan Delivery
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Messages returns frames routed to this subscription in arrival order.
func (s *Subscription) Messages() <-chan Delivery { return s.inbox }

// Close unregisters the subscription and sends ["CLOSE", id] if the
// connection is still open. Later calls return the first result.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		s.conn.unregister(s.ID)
		close(s.done)

		if s.conn.State() != StateOpen {
			return
		}
		data, err := protocol.EncodeClose(s.ID)
		if err == nil {
			err = s.conn.write(data)
		}
		if err != nil && !errors.Is(err, ErrNotOpen) {
			s.closeErr = fmt.Errorf("send CLOSE: %w", err)
		}
		s.conn.logger.Debug("subscription closed", zap.String("sub", s.ID))
	})
	return s.closeErr
}
